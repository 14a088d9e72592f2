// Package realtime maintains the provider's single authenticated WebSocket link to the backend.
//
// The Manager owns at most one socket at a time. It reconnects with a linear backoff after
// unexpected closes, sends heartbeats while open and fans inbound events out to subscribers.
// Connectivity failures are logged and retried, never returned to callers.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"provlink/internal/credentials"
	"provlink/internal/metrics"
)

// ErrNotConnected is returned by SendFrame when the socket is not open
var ErrNotConnected = errors.New("realtime link not connected")

// State of the realtime connection
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateOpen         State = "open"
	// StateClosing is never reported; close is fire-and-forget and goes straight to disconnected
	StateClosing State = "closing"
)

var allStates = []string{
	string(StateDisconnected),
	string(StateConnecting),
	string(StateOpen),
}

// OriginResolver returns the backend http(s) origin
type OriginResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// originForgetter is implemented by resolvers that cache their answer.
// After a failed dial the cached origin is dropped so the next attempt checks the candidates again.
type originForgetter interface {
	Forget()
}

// Normalizer rewrites an inbound payload before dispatch
type Normalizer interface {
	Normalize(kind string, payload map[string]any) (map[string]any, error)
}

// Config for creating a new Manager
type Config struct {
	Path              string
	HeartbeatInterval time.Duration
	Policy            ReconnectPolicy
	DedupCacheSize    int
	Normalizer        Normalizer
}

type stopper interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// Manager is the realtime connection manager
type Manager struct {
	cfg      Config
	dialer   Dialer
	resolver OriginResolver
	tokens   credentials.Provider
	registry *Registry
	dedup    *Deduplicator
	logger   zerolog.Logger

	afterFunc func(time.Duration, func()) stopper
	now       func() time.Time

	mu         sync.Mutex
	state      State
	status     Status
	socket     Socket
	generation uint64
	attempts   int
	reconnect  stopper
	heartbeat  stopper
	cancelDial context.CancelFunc

	writeMu sync.Mutex
}

// NewManager creates a Manager. Nothing is dialed until Connect.
func NewManager(cfg Config, dialer Dialer, resolver OriginResolver, tokens credentials.Provider, logger zerolog.Logger) (*Manager, error) {
	if cfg.Path == "" {
		cfg.Path = "/ws/provider"
	}
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = 1024
	}

	dedup, err := NewDeduplicator(cfg.DedupCacheSize)
	if err != nil {
		return nil, err
	}

	logger = logger.With().Str("component", "realtime").Logger()
	m := &Manager{
		cfg:       cfg,
		dialer:    dialer,
		resolver:  resolver,
		tokens:    tokens,
		registry:  NewRegistry(logger),
		dedup:     dedup,
		logger:    logger,
		afterFunc: realAfterFunc,
		now:       time.Now,
		state:     StateDisconnected,
		status:    StatusOffline,
	}
	metrics.SetConnectionState(string(StateDisconnected), allStates)
	return m, nil
}

// Connect opens the link unless it is already connecting or open.
// It returns once the socket is open or the attempt has failed; a failure schedules a reconnect.
// An explicit Connect after the reconnect policy gave up starts a fresh series of attempts.
func (m *Manager) Connect(ctx context.Context) {
	m.mu.Lock()
	if m.cfg.Policy.Exhausted(m.attempts) {
		m.attempts = 0
	}
	m.mu.Unlock()
	m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) {
	m.mu.Lock()
	if m.state == StateConnecting || m.state == StateOpen {
		m.mu.Unlock()
		return
	}
	m.stopReconnectLocked()
	m.generation++
	gen := m.generation
	dialCtx, cancel := context.WithCancel(ctx)
	m.cancelDial = cancel
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	defer cancel()

	origin, err := m.resolver.Resolve(dialCtx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("backend origin unresolved, will retry")
		m.connectFailed(gen, "unresolved")
		return
	}

	token, err := m.tokens.Token(dialCtx)
	if err != nil {
		if errors.Is(err, credentials.ErrNoToken) {
			m.logger.Info().Msg("no token yet, will retry")
			m.connectFailed(gen, "no_token")
			return
		}
		m.logger.Warn().Err(err).Msg("failed to read token, will retry")
		m.connectFailed(gen, "no_token")
		return
	}

	wsURL, err := buildURL(origin, m.cfg.Path, token)
	if err != nil {
		m.logger.Warn().Err(err).Str("origin", origin).Msg("cannot build socket URL, will retry")
		m.connectFailed(gen, "unresolved")
		return
	}

	m.logger.Info().Str("url", redactURL(wsURL)).Msg("WebSocket connecting")
	sock, err := m.dialer.Dial(dialCtx, wsURL)
	if err != nil {
		m.logger.Warn().Err(err).Msg("WebSocket connect failed, will retry")
		if f, ok := m.resolver.(originForgetter); ok && dialCtx.Err() == nil {
			f.Forget()
		}
		m.connectFailed(gen, "dial_error")
		return
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		m.logger.Debug().Msg("socket opened after teardown, closing it")
		_ = sock.Close(CloseIntentional, closeIntentionalReason)
		return
	}
	m.socket = sock
	m.cancelDial = nil
	m.attempts = 0
	m.status = StatusOnline
	m.setStateLocked(StateOpen)
	m.startHeartbeatLocked(gen)
	m.mu.Unlock()

	metrics.ConnectAttempts.WithLabelValues("opened").Inc()
	m.logger.Info().Msg("WebSocket connected")

	go m.readLoop(gen, sock)
}

func (m *Manager) connectFailed(gen uint64, result string) {
	metrics.ConnectAttempts.WithLabelValues(result).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	m.cancelDial = nil
	m.setStateLocked(StateDisconnected)
	m.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the single reconnect timer unless the policy is exhausted
func (m *Manager) scheduleReconnectLocked() {
	if m.reconnect != nil {
		return
	}
	if m.cfg.Policy.Exhausted(m.attempts) {
		metrics.ReconnectsExhausted.Inc()
		m.logger.Warn().Int("attempts", m.attempts).Msg("reconnect attempts exhausted, staying disconnected")
		return
	}

	m.attempts++
	delay := m.cfg.Policy.Delay(m.attempts)
	gen := m.generation
	metrics.ReconnectsScheduled.Inc()
	m.logger.Info().Int("attempt", m.attempts).Dur("delay", delay).Msg("reconnect scheduled")

	m.reconnect = m.afterFunc(delay, func() {
		m.mu.Lock()
		if gen != m.generation || m.reconnect == nil {
			m.mu.Unlock()
			return
		}
		m.reconnect = nil
		m.mu.Unlock()
		m.connect(context.Background())
	})
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func (m *Manager) startHeartbeatLocked(gen uint64) {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	m.heartbeat = m.afterFunc(m.cfg.HeartbeatInterval, func() {
		m.sendHeartbeat(gen)
	})
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
}

func (m *Manager) sendHeartbeat(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.state != StateOpen {
		m.mu.Unlock()
		return
	}
	sock := m.socket
	m.heartbeat = nil
	m.mu.Unlock()

	data, _ := json.Marshal(HeartbeatFrame{Type: KindHeartbeat, Timestamp: m.now().UnixMilli()})
	if err := m.write(sock, data); err != nil {
		metrics.HeartbeatFailures.Inc()
		m.handleFault(gen, err, "heartbeat write failed")
		return
	}

	m.mu.Lock()
	if gen == m.generation && m.state == StateOpen {
		m.startHeartbeatLocked(gen)
	}
	m.mu.Unlock()
}

// handleFault tears down the socket of generation gen. Only the first fault per socket acts,
// so a failed write followed by the read error it causes yields a single reconnect.
func (m *Manager) handleFault(gen uint64, err error, reason string) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	m.generation++
	m.stopHeartbeatLocked()
	sock := m.socket
	m.socket = nil
	m.setStateLocked(StateDisconnected)

	code := closeCode(err)
	if code == CloseIntentional {
		m.logger.Info().Int("code", code).Msg("WebSocket closed intentionally by peer")
	} else {
		m.logger.Warn().Err(err).Int("code", code).Str("reason", reason).Msg("WebSocket connection lost")
		m.scheduleReconnectLocked()
	}
	m.mu.Unlock()

	if sock != nil {
		_ = sock.Close(CloseFault, reason)
	}
}

func (m *Manager) readLoop(gen uint64, sock Socket) {
	for {
		data, err := sock.ReadMessage()
		if err != nil {
			m.handleFault(gen, err, "read failed")
			return
		}
		if !m.isCurrent(gen) {
			return
		}
		m.handleMessage(gen, data)
	}
}

func (m *Manager) isCurrent(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.generation
}

func (m *Manager) handleMessage(gen uint64, data []byte) {
	typeName, payload, err := decodeFrame(data)
	if err != nil {
		metrics.EventsDispatched.WithLabelValues("", "malformed").Inc()
		m.logger.Warn().Err(err).Int("len", len(data)).Msg("ws message parse error")
		return
	}

	kind, ok := CanonicalKind(typeName)
	if !ok {
		metrics.EventsDispatched.WithLabelValues("", "unknown").Inc()
		m.logger.Debug().Str("type", typeName).Msg("ignoring unknown event kind")
		return
	}

	if m.cfg.Normalizer != nil {
		normalized, err := m.cfg.Normalizer.Normalize(string(kind), payload)
		if err != nil {
			m.logger.Warn().Err(err).Str("kind", string(kind)).Msg("normalizer failed, using payload as received")
		} else if normalized != nil {
			payload = normalized
		}
	}

	ev := Event{
		Kind:       kind,
		ID:         eventID(payload),
		Payload:    payload,
		ReceivedAt: m.now(),
	}

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	if m.dedup.IsDuplicate(ev.Kind, ev.ID) {
		m.mu.Unlock()
		metrics.EventsDispatched.WithLabelValues(string(kind), "duplicate").Inc()
		m.logger.Debug().Str("kind", string(kind)).Str("id", ev.ID).Msg("duplicate event dropped")
		return
	}
	switch kind {
	case KindConnectionConfirmed:
		m.status = StatusOnline
	case KindStatusUpdate:
		if st, err := ParseStatus(ev.String("status")); err == nil {
			m.status = st
		}
	}
	m.mu.Unlock()

	n := m.registry.Dispatch(ev)
	metrics.EventsDispatched.WithLabelValues(string(kind), "dispatched").Inc()
	m.logger.Debug().Str("kind", string(kind)).Int("handlers", n).Msg("event dispatched")
}

// Disconnect closes the link intentionally: no reconnect follows, attempts reset to zero
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopReconnectLocked()
	m.stopHeartbeatLocked()
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	m.generation++
	sock := m.socket
	m.socket = nil
	wasOpen := m.state != StateDisconnected
	m.attempts = 0
	m.status = StatusOffline
	m.setStateLocked(StateDisconnected)
	m.mu.Unlock()

	if sock != nil {
		_ = sock.Close(CloseIntentional, closeIntentionalReason)
	}
	if wasOpen {
		m.logger.Info().Msg("WebSocket disconnected")
	}
}

// Send writes v as a JSON frame if the socket is open. Frames are dropped otherwise;
// the return value reports whether the frame was written.
func (m *Manager) Send(v any) bool {
	return m.SendFrame(v) == nil
}

// SendFrame is Send with the reason for a drop
func (m *Manager) SendFrame(v any) error {
	m.mu.Lock()
	if m.state != StateOpen || m.socket == nil {
		m.mu.Unlock()
		metrics.SendsDropped.Inc()
		return ErrNotConnected
	}
	sock := m.socket
	gen := m.generation
	m.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := m.write(sock, data); err != nil {
		metrics.SendsDropped.Inc()
		m.handleFault(gen, err, "write failed")
		return err
	}
	return nil
}

// SendStatus records status and announces it to the backend
func (m *Manager) SendStatus(status Status) bool {
	m.mu.Lock()
	m.status = status
	m.mu.Unlock()
	return m.Send(StatusFrame{Type: KindStatusUpdate, Status: status})
}

func (m *Manager) write(sock Socket, data []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return sock.WriteMessage(data)
}

// Subscribe registers handler for kind; the returned function unsubscribes and is idempotent
func (m *Manager) Subscribe(kind EventKind, handler Handler) func() {
	return m.registry.Subscribe(kind, handler)
}

// State returns the connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the last known presence status
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// IsConnected returns true if the socket is open
func (m *Manager) IsConnected() bool {
	return m.State() == StateOpen
}

// Attempts returns the number of reconnects scheduled since the last open
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Cleanup disconnects and drops every subscriber and remembered event
func (m *Manager) Cleanup() {
	m.Disconnect()
	m.registry.Clear()
	m.dedup.Clear()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	metrics.SetConnectionState(string(s), allStates)
}
