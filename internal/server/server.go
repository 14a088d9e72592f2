package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"provlink/internal/cache"
	"provlink/internal/config"
	"provlink/internal/credentials"
	"provlink/internal/lifecycle"
	"provlink/internal/normalize"
	"provlink/internal/presence"
	"provlink/internal/realtime"
	"provlink/internal/resolver"
	"provlink/internal/statusapi"
)

// lastGoodCacheSize bounds the last-known-good origin cache; it only ever holds one key
const lastGoodCacheSize = 8

// Server wires the realtime link, presence companion, lifecycle bridge and status API
type Server struct {
	cfg        *config.Config
	lastGood   cache.Cache
	resolver   *resolver.Resolver
	normalizer *normalize.Manager
	link       *realtime.Manager
	notifier   *lifecycle.Notifier
	bridge     *lifecycle.Bridge
	companion  *presence.Companion
	router     *mux.Router
	apiServer  *http.Server
	unsubs     []func()
	cancel     context.CancelFunc
	logger     zerolog.Logger
}

// Option customises a Server
type Option func(*options)

type options struct {
	dialer realtime.Dialer
	tokens credentials.Provider
}

// WithDialer replaces the WebSocket dialer
func WithDialer(d realtime.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithTokens replaces the credentials provider built from config
func WithTokens(p credentials.Provider) Option {
	return func(o *options) { o.tokens = p }
}

// New creates a new Server
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Server, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tokens == nil {
		o.tokens = credentials.FromConfig(cfg.Credentials.TokenFile, cfg.Credentials.TokenEnv)
	}
	if o.dialer == nil {
		o.dialer = &realtime.WebSocketDialer{
			HandshakeTimeout: cfg.Realtime.GetHandshakeTimeoutDuration(),
			WriteTimeout:     cfg.Realtime.GetWriteTimeoutDuration(),
		}
	}

	lastGood, err := cache.NewMemoryCache(lastGoodCacheSize, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create origin cache: %w", err)
	}

	res := resolver.NewFromConfig(cfg.Server, lastGood, logger)

	// Create normalizer manager based on config
	var normalizer *normalize.Manager
	var linkNormalizer realtime.Normalizer
	if cfg.IsScriptsEnabled() {
		normalizer = normalize.NewManager(logger)
		normalizer.SetTimeout(cfg.GetScriptsTimeoutDuration())

		if err := normalizer.LoadFromDirectory(cfg.GetScriptsDirectory()); err != nil {
			lastGood.Close()
			return nil, fmt.Errorf("failed to load normalizers: %w", err)
		}

		kinds := normalizer.Kinds()
		if len(kinds) > 0 {
			logger.Info().
				Strs("kinds", kinds).
				Str("directory", cfg.GetScriptsDirectory()).
				Msg("normalizers enabled")
		} else {
			logger.Info().
				Str("directory", cfg.GetScriptsDirectory()).
				Msg("normalizers enabled but none loaded")
		}
		linkNormalizer = normalizer
	} else {
		logger.Info().Msg("normalizers disabled")
	}

	link, err := realtime.NewManager(realtime.Config{
		Path:              cfg.Realtime.Path,
		HeartbeatInterval: cfg.Realtime.GetHeartbeatIntervalDuration(),
		Policy: realtime.ReconnectPolicy{
			BaseDelay:   cfg.Realtime.GetReconnectBaseDelayDuration(),
			MaxAttempts: cfg.Realtime.MaxReconnectAttempts,
		},
		DedupCacheSize: cfg.Realtime.DedupCacheSize,
		Normalizer:     linkNormalizer,
	}, o.dialer, res, o.tokens, logger)
	if err != nil {
		lastGood.Close()
		return nil, fmt.Errorf("failed to create realtime manager: %w", err)
	}

	notifier := lifecycle.NewNotifier(lifecycle.StateActive)

	var companion *presence.Companion
	if cfg.Presence.IsEnabled() {
		client := presence.NewClient(presence.ClientConfig{
			ConnectPath:    cfg.Presence.ConnectPath,
			DisconnectPath: cfg.Presence.DisconnectPath,
			RequestTimeout: cfg.Presence.GetRequestTimeoutDuration(),
		}, res, o.tokens, logger)
		companion = presence.NewCompanion(presence.CompanionConfig{
			Interval:   cfg.Presence.GetIntervalDuration(),
			GraceDelay: cfg.Presence.GetGraceDelayDuration(),
		}, client, notifier, logger)
		logger.Info().
			Int("interval", cfg.Presence.Interval).
			Int("graceDelay", cfg.Presence.GraceDelay).
			Msg("presence enabled")
	} else {
		logger.Info().Msg("presence disabled")
	}

	s := &Server{
		cfg:        cfg,
		lastGood:   lastGood,
		resolver:   res,
		normalizer: normalizer,
		link:       link,
		notifier:   notifier,
		bridge:     lifecycle.NewBridge(notifier, link, logger),
		companion:  companion,
		logger:     logger,
	}

	apiOpts := statusapi.Options{Origins: res}
	if companion != nil {
		apiOpts.Presence = companion.Connected
	}
	s.router = statusapi.NewRouter(link, notifier, apiOpts, logger)

	return s, nil
}

// Start attaches lifecycle handling, opens the link in the background and starts the companions
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	for _, kind := range realtime.InboundKinds() {
		s.unsubs = append(s.unsubs, s.link.Subscribe(kind, s.logEvent))
	}

	s.bridge.Start(ctx)
	lifecycle.WatchOSSignals(ctx, s.notifier, s.logger)

	go s.link.Connect(ctx)

	if s.companion != nil {
		s.companion.Start(ctx)
	}

	if s.cfg.IsStatusAPIEnabled() {
		addr := s.cfg.GetStatusAPIListen()
		s.apiServer = &http.Server{
			Addr:         addr,
			Handler:      s.router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}

		go func() {
			s.logger.Info().
				Str("addr", addr).
				Msg("starting status API")
			if err := s.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error().Err(err).Msg("status API error")
			}
		}()
	}

	return nil
}

// Stop shuts everything down. The link is closed intentionally so the backend does not expect a reconnect.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("shutting down...")

	var apiErr error
	if s.apiServer != nil {
		apiErr = s.apiServer.Shutdown(ctx)
	}

	// cancelling first aborts a Connect the bridge still has in flight
	if s.cancel != nil {
		s.cancel()
	}
	s.bridge.Stop()

	// Companion issues the final disconnect call, which may still need the resolver
	if s.companion != nil {
		s.companion.Stop(ctx)
	}

	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil

	s.link.Cleanup()

	if s.normalizer != nil {
		s.normalizer.Close()
	}

	s.lastGood.Close()

	if apiErr != nil {
		return fmt.Errorf("status API shutdown error: %w", apiErr)
	}

	s.logger.Info().Msg("stopped")
	return nil
}

func (s *Server) logEvent(ev realtime.Event) {
	s.logger.Info().
		Str("kind", string(ev.Kind)).
		Str("id", ev.ID).
		Msg("event received")
}

// Link returns the realtime connection manager
func (s *Server) Link() *realtime.Manager {
	return s.link
}

// Notifier returns the lifecycle notifier driving the bridge and the companion
func (s *Server) Notifier() *lifecycle.Notifier {
	return s.notifier
}

// Handler returns the status API router
func (s *Server) Handler() http.Handler {
	return s.router
}
