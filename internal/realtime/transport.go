package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Close codes used by the manager
const (
	// CloseIntentional marks a local teardown; the manager never reconnects after it
	CloseIntentional = 4000
	// CloseFault is sent when the client drops a socket it considers broken
	CloseFault = websocket.CloseGoingAway
)

const closeIntentionalReason = "client disconnect"

// Socket is one open realtime connection
type Socket interface {
	// ReadMessage blocks until the next frame or an error; a close frame surfaces as *websocket.CloseError
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens sockets
type Dialer interface {
	Dial(ctx context.Context, url string) (Socket, error)
}

// WebSocketDialer dials with gorilla/websocket
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	ReadLimit        int64
}

// Dial implements Dialer
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Socket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect WebSocket: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("failed to connect WebSocket: %w", err)
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &wsSocket{conn: conn, writeTimeout: d.WriteTimeout}, nil
}

type wsSocket struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	closeOnce    sync.Once
	closeErr     error
}

func (s *wsSocket) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *wsSocket) WriteMessage(data []byte) error {
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return err
		}
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame (best effort) and tears down the connection
func (s *wsSocket) Close(code int, reason string) error {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// closeCode extracts the close code from a read error, or 0 if the peer sent none
func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}

// buildURL derives the socket URL from an http(s) origin; the token travels as a query
// parameter because headers cannot be set on every platform's handshake
func buildURL(origin, path, token string) (string, error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("invalid origin: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported origin scheme '%s'", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("origin has no host")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	q := url.Values{}
	q.Set("token", token)
	u.RawQuery = q.Encode()
	u.Fragment = ""
	return u.String(), nil
}

// redactURL hides the token for logging
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.Query().Has("token") {
		u.RawQuery = "token=REDACTED"
	}
	return u.String()
}
