// Package presence tells the backend over plain HTTP that the provider is reachable,
// independently of the realtime socket.
package presence

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"provlink/internal/credentials"
	"provlink/internal/metrics"
)

// OriginResolver returns the backend http(s) origin
type OriginResolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Reporter issues the two presence calls
type Reporter interface {
	MarkConnected(ctx context.Context) error
	MarkDisconnected(ctx context.Context) error
}

// ClientConfig for creating a new Client
type ClientConfig struct {
	ConnectPath    string
	DisconnectPath string
	RequestTimeout time.Duration
}

// Client is the REST Reporter
type Client struct {
	cfg        ClientConfig
	resolver   OriginResolver
	tokens     credentials.Provider
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewClient creates a presence REST client
func NewClient(cfg ClientConfig, resolver OriginResolver, tokens credentials.Provider, logger zerolog.Logger) *Client {
	if cfg.ConnectPath == "" {
		cfg.ConnectPath = "/api/providers/presence/connect"
	}
	if cfg.DisconnectPath == "" {
		cfg.DisconnectPath = "/api/providers/presence/disconnect"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Client{
		cfg:      cfg,
		resolver: resolver,
		tokens:   tokens,
		httpClient: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		logger: logger.With().Str("component", "presence-client").Logger(),
	}
}

// MarkConnected implements Reporter. Without a token it does nothing and returns nil.
func (c *Client) MarkConnected(ctx context.Context) error {
	return c.post(ctx, "connect", c.cfg.ConnectPath)
}

// MarkDisconnected implements Reporter. Without a token it does nothing and returns nil.
func (c *Client) MarkDisconnected(ctx context.Context) error {
	return c.post(ctx, "disconnect", c.cfg.DisconnectPath)
}

func (c *Client) post(ctx context.Context, action, path string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	token, err := c.tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, credentials.ErrNoToken) {
			metrics.PresenceCalls.WithLabelValues(action, "skipped").Inc()
			c.logger.Debug().Str("action", action).Msg("no token, presence call skipped")
			return nil
		}
		metrics.PresenceCalls.WithLabelValues(action, "error").Inc()
		return fmt.Errorf("failed to read token: %w", err)
	}

	origin, err := c.resolver.Resolve(ctx)
	if err != nil {
		metrics.PresenceCalls.WithLabelValues(action, "error").Inc()
		return fmt.Errorf("failed to resolve backend: %w", err)
	}

	target := strings.TrimRight(origin, "/") + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		metrics.PresenceCalls.WithLabelValues(action, "error").Inc()
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.PresenceCalls.WithLabelValues(action, "error").Inc()
		return fmt.Errorf("presence %s failed: %w", action, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.PresenceCalls.WithLabelValues(action, "error").Inc()
		return fmt.Errorf("presence %s failed: status %d", action, resp.StatusCode)
	}

	metrics.PresenceCalls.WithLabelValues(action, "ok").Inc()
	return nil
}
