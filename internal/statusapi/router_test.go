package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"provlink/internal/lifecycle"
	"provlink/internal/realtime"
)

type stubLink struct {
	connected bool
	status    realtime.Status
	sent      []realtime.Status
}

func (l *stubLink) State() realtime.State {
	if l.connected {
		return realtime.StateOpen
	}
	return realtime.StateDisconnected
}
func (l *stubLink) Status() realtime.Status { return l.status }
func (l *stubLink) IsConnected() bool       { return l.connected }
func (l *stubLink) Attempts() int           { return 2 }
func (l *stubLink) SendStatus(s realtime.Status) bool {
	l.status = s
	l.sent = append(l.sent, s)
	return l.connected
}

type stubOrigin string

func (o stubOrigin) Resolved() string { return string(o) }

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetStatus(t *testing.T) {
	link := &stubLink{connected: true, status: realtime.StatusOnline}
	n := lifecycle.NewNotifier(lifecycle.StateActive)
	r := NewRouter(link, n, Options{
		Origins:  stubOrigin("http://10.0.2.2:8000"),
		Presence: func() bool { return true },
	}, zerolog.Nop())

	rec := do(t, r, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, realtime.StateOpen, resp.State)
	require.Equal(t, realtime.StatusOnline, resp.Status)
	require.True(t, resp.Connected)
	require.Equal(t, 2, resp.Attempts)
	require.Equal(t, "http://10.0.2.2:8000", resp.Origin)
	require.Equal(t, lifecycle.StateActive, resp.Lifecycle)
	require.NotNil(t, resp.Presence)
	require.True(t, *resp.Presence)
}

func TestPostStatus(t *testing.T) {
	link := &stubLink{connected: true}
	r := NewRouter(link, lifecycle.NewNotifier(lifecycle.StateActive), Options{}, zerolog.Nop())

	rec := do(t, r, http.MethodPost, "/status", `{"status":"busy"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []realtime.Status{realtime.StatusBusy}, link.sent)

	link.connected = false
	rec = do(t, r, http.MethodPost, "/status", `{"status":"online"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, r, http.MethodPost, "/status", `{"status":"sleeping"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodPost, "/status", `{`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostLifecycle(t *testing.T) {
	n := lifecycle.NewNotifier(lifecycle.StateActive)
	var seen []lifecycle.AppState
	n.Subscribe(func(s lifecycle.AppState) { seen = append(seen, s) })
	r := NewRouter(&stubLink{}, n, Options{}, zerolog.Nop())

	rec := do(t, r, http.MethodPost, "/lifecycle/background", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []lifecycle.AppState{lifecycle.StateBackground}, seen)
	require.Equal(t, lifecycle.StateBackground, n.Current())

	rec = do(t, r, http.MethodPost, "/lifecycle/hibernating", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, r, http.MethodGet, "/lifecycle/active", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	r := NewRouter(&stubLink{}, lifecycle.NewNotifier(lifecycle.StateActive), Options{}, zerolog.Nop())

	rec := do(t, r, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, r, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "go_goroutines")
}
