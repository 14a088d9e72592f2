// Package resolver discovers the backend origin.
//
// Production builds use a fixed origin. Development builds walk an ordered list of
// candidate origins with a health request and keep the first one that answers.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"provlink/internal/cache"
	"provlink/internal/config"
	"provlink/internal/metrics"
)

// ErrUnresolved is returned when no candidate answered and fallback is disabled
var ErrUnresolved = errors.New("backend origin unresolved")

// UnresolvedError carries the candidates that were tried
type UnresolvedError struct {
	Tried []string
}

func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("%s: tried %d candidates", ErrUnresolved, len(e.Tried))
}

// Unwrap allows errors.Is(err, ErrUnresolved)
func (e *UnresolvedError) Unwrap() error {
	return ErrUnresolved
}

const lastKnownGoodKey = "origin"

// Config for creating a new Resolver
type Config struct {
	Production    bool
	ProductionURL string
	HealthPath    string
	CheckTimeout  time.Duration
	AllowFallback bool
	FallbackURL   string
	Breaker       BreakerConfig
	Logger        zerolog.Logger
}

// Resolver returns the backend origin, checking candidates until one answers and caching it
// until Forget clears it
type Resolver struct {
	cfg        Config
	strategies []Strategy
	lastGood   cache.Cache
	httpClient *http.Client
	logger     zerolog.Logger

	mu       sync.Mutex
	resolved string
	breakers map[string]*breaker
}

// New creates a Resolver over strategies tried in the given order.
// lastGood may be nil; when set, every winner is stored in it.
func New(cfg Config, strategies []Strategy, lastGood cache.Cache) *Resolver {
	if cfg.HealthPath == "" {
		cfg.HealthPath = config.DefaultHealthPath
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = time.Duration(config.DefaultCheckTimeout) * time.Millisecond
	}
	if lastGood == nil {
		lastGood = cache.NewNoopCache()
	}
	return &Resolver{
		cfg:        cfg,
		strategies: strategies,
		lastGood:   lastGood,
		httpClient: &http.Client{
			Transport: &http.Transport{
				DisableKeepAlives: true,
			},
		},
		logger:   cfg.Logger.With().Str("component", "resolver").Logger(),
		breakers: make(map[string]*breaker),
	}
}

// NewFromConfig builds the resolver with the standard strategy order:
// explicit, environment, last known good, platform defaults, LAN, localhost
func NewFromConfig(cfg config.ServerConfig, lastGood cache.Cache, logger zerolog.Logger) *Resolver {
	strategies := []Strategy{
		Explicit{Origin: cfg.ExplicitURL},
		Env{Variable: cfg.URLEnv},
		LastKnownGood{Cache: lastGood, Key: lastKnownGoodKey},
		Platform{Platform: cfg.Platform, Port: cfg.Port},
		LAN{Addresses: cfg.LANAddresses, Port: cfg.Port},
		Localhost{Port: cfg.Port},
	}
	return New(Config{
		Production:    cfg.IsProduction(),
		ProductionURL: cfg.ProductionURL,
		HealthPath:    cfg.HealthPath,
		CheckTimeout:  cfg.GetCheckTimeoutDuration(),
		AllowFallback: cfg.FallbackAllowed(),
		FallbackURL:   originFor("localhost", cfg.Port),
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 3,
			RecoveryTimeout:  time.Minute,
		},
		Logger: logger,
	}, strategies, lastGood)
}

// Resolve returns the backend origin.
// Concurrent callers wait for a single pass over the candidates.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	if r.cfg.Production {
		return normalizeOrigin(r.cfg.ProductionURL), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.resolved != "" {
		return r.resolved, nil
	}

	type candidate struct {
		strategy string
		origin   string
	}

	seen := make(map[string]bool)
	var tried []string
	var deferred []candidate

	try := func(c candidate) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		tried = append(tried, c.origin)
		b := r.breakerFor(c.origin)
		if err := r.check(ctx, c.origin); err != nil {
			b.recordFailure()
			metrics.HealthChecks.WithLabelValues(c.strategy, "error").Inc()
			r.logger.Debug().Err(err).Str("strategy", c.strategy).Str("origin", c.origin).Msg("candidate health check failed")
			return false, nil
		}
		b.recordSuccess()
		metrics.HealthChecks.WithLabelValues(c.strategy, "ok").Inc()
		r.resolved = c.origin
		r.lastGood.Set(lastKnownGoodKey, c.origin)
		r.logger.Info().Str("strategy", c.strategy).Str("origin", c.origin).Msg("backend origin resolved")
		return true, nil
	}

	for _, s := range r.strategies {
		for _, origin := range s.Candidates() {
			if seen[origin] {
				continue
			}
			seen[origin] = true
			c := candidate{strategy: s.Name(), origin: origin}

			if !r.breakerFor(origin).allow() {
				metrics.HealthChecks.WithLabelValues(c.strategy, "deferred").Inc()
				r.logger.Debug().Str("strategy", c.strategy).Str("origin", origin).Msg("candidate deferred, breaker open")
				deferred = append(deferred, c)
				continue
			}

			ok, err := try(c)
			if err != nil {
				return "", err
			}
			if ok {
				return c.origin, nil
			}
		}
	}

	// Candidates with an open breaker are still checked, last, so a backend that came back is found
	for _, c := range deferred {
		ok, err := try(c)
		if err != nil {
			return "", err
		}
		if ok {
			return c.origin, nil
		}
	}

	if r.cfg.AllowFallback && r.cfg.FallbackURL != "" {
		r.logger.Warn().
			Strs("tried", tried).
			Str("fallback", r.cfg.FallbackURL).
			Msg("no candidate answered, using fallback origin")
		return r.cfg.FallbackURL, nil
	}

	r.logger.Warn().Strs("tried", tried).Msg("no candidate answered")
	return "", &UnresolvedError{Tried: tried}
}

// Resolved returns the cached winner, or "" if nothing has been resolved yet
func (r *Resolver) Resolved() string {
	if r.cfg.Production {
		return normalizeOrigin(r.cfg.ProductionURL)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved
}

// Forget clears the cached winner so the next Resolve checks the candidates again.
// The last-known-good entry is kept; that strategy offers it ahead of platform and LAN candidates.
func (r *Resolver) Forget() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved != "" {
		r.logger.Info().Str("origin", r.resolved).Msg("forgetting resolved origin")
	}
	r.resolved = ""
}

func (r *Resolver) breakerFor(origin string) *breaker {
	b, ok := r.breakers[origin]
	if !ok {
		b = newBreaker(r.cfg.Breaker, nil)
		r.breakers[origin] = b
	}
	return b
}

// check issues a bounded GET against the health path of origin
func (r *Resolver) check(ctx context.Context, origin string) error {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.CheckTimeout)
	defer cancel()

	target := origin + "/" + strings.TrimLeft(r.cfg.HealthPath, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("health status %d", resp.StatusCode)
	}
	return nil
}
