package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"provlink/internal/config"
	"provlink/internal/credentials"
	"provlink/internal/realtime"
	"provlink/internal/statusapi"
)

type backend struct {
	srv         *httptest.Server
	connects    atomic.Int32
	disconnects atomic.Int32
	sockets     atomic.Int32
	closes      chan int
	outbound    chan []byte
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	b := &backend{
		closes:   make(chan int, 8),
		outbound: make(chan []byte, 8),
	}
	upgrader := websocket.Upgrader{}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc(config.DefaultConnectPath, func(w http.ResponseWriter, r *http.Request) {
		b.connects.Add(1)
	})
	mux.HandleFunc(config.DefaultDisconnectPath, func(w http.ResponseWriter, r *http.Request) {
		b.disconnects.Add(1)
	})
	mux.HandleFunc(config.DefaultRealtimePath, func(w http.ResponseWriter, r *http.Request) {
		b.sockets.Add(1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if ce, ok := err.(*websocket.CloseError); ok {
						b.closes <- ce.Code
					}
					return
				}
			}
		}()

		for {
			select {
			case <-done:
				return
			case data := <-b.outbound:
				if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			}
		}
	})

	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func testConfig(origin string) *config.Config {
	cfg := config.Default()
	cfg.Server.ExplicitURL = origin
	cfg.Server.URLEnv = "PROVLINK_TEST_UNSET_URL"
	cfg.Credentials.TokenEnv = "PROVLINK_TEST_UNSET_TOKEN"
	return cfg
}

func get(t *testing.T, h http.Handler, path string) statusapi.StatusResponse {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp statusapi.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func post(t *testing.T, h http.Handler, path string) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader("")))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Lifecycle(t *testing.T) {
	b := newBackend(t)

	srv, err := New(testConfig(b.srv.URL), zerolog.Nop(), WithTokens(credentials.Static("tok")))
	require.NoError(t, err)

	events := make(chan realtime.Event, 4)
	unsub := srv.Link().Subscribe(realtime.KindNewRequest, func(ev realtime.Event) { events <- ev })
	defer unsub()

	require.NoError(t, srv.Start())
	require.Eventually(t, srv.Link().IsConnected, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, srv.companion.Connected, 5*time.Second, 10*time.Millisecond)
	require.GreaterOrEqual(t, b.connects.Load(), int32(1))

	status := get(t, srv.Handler(), "/status")
	require.True(t, status.Connected)
	require.Equal(t, realtime.StateOpen, status.State)
	require.Equal(t, b.srv.URL, status.Origin)
	require.NotNil(t, status.Presence)
	require.True(t, *status.Presence)

	b.outbound <- []byte(`{"type":"new_request","data":{"requestId":"r-1","serviceType":"towing"}}`)
	select {
	case ev := <-events:
		require.Equal(t, "r-1", ev.String("request_id"))
		require.Equal(t, "towing", ev.String("service_type"))
	case <-time.After(5 * time.Second):
		t.Fatal("event not dispatched")
	}

	// background closes the link intentionally
	post(t, srv.Handler(), "/lifecycle/background")
	require.False(t, srv.Link().IsConnected())
	select {
	case code := <-b.closes:
		require.Equal(t, realtime.CloseIntentional, code)
	case <-time.After(5 * time.Second):
		t.Fatal("backend saw no close frame")
	}

	post(t, srv.Handler(), "/lifecycle/active")
	require.Eventually(t, srv.Link().IsConnected, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, int32(2), b.sockets.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))

	require.False(t, srv.Link().IsConnected())
	require.Equal(t, int32(1), b.disconnects.Load())
}

func TestServer_PresenceDisabled(t *testing.T) {
	b := newBackend(t)

	cfg := testConfig(b.srv.URL)
	disabled := false
	cfg.Presence.Enabled = &disabled

	srv, err := New(cfg, zerolog.Nop(), WithTokens(credentials.Static("tok")))
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	require.Eventually(t, srv.Link().IsConnected, 5*time.Second, 10*time.Millisecond)

	status := get(t, srv.Handler(), "/status")
	require.Nil(t, status.Presence)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.Equal(t, int32(0), b.connects.Load())
	require.Equal(t, int32(0), b.disconnects.Load())
}

func TestNew_BadScriptsDirectory(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Scripts = &config.ScriptsConfig{Enabled: true, Directory: "server_test.go"}

	_, err := New(cfg, zerolog.Nop())
	require.Error(t, err)
}
