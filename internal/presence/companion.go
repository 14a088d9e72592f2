package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"provlink/internal/lifecycle"
)

type stopper interface {
	Stop() bool
}

// CompanionConfig for creating a new Companion
type CompanionConfig struct {
	Interval   time.Duration // keep-alive period
	GraceDelay time.Duration // background debounce
}

// Companion keeps the backend's presence flag up to date.
// Going to the background only marks the provider disconnected after GraceDelay,
// so brief app switches do not flap presence.
type Companion struct {
	cfg      CompanionConfig
	reporter Reporter
	signal   lifecycle.Signal
	logger   zerolog.Logger

	afterFunc func(time.Duration, func()) stopper

	mu           sync.Mutex
	running      bool
	connected    bool
	backgrounded bool
	debounce     stopper
	debounceSeq  uint64
	unsub        func()
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// NewCompanion creates a Companion; signal may be nil when no lifecycle source exists
func NewCompanion(cfg CompanionConfig, reporter Reporter, signal lifecycle.Signal, logger zerolog.Logger) *Companion {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.GraceDelay <= 0 {
		cfg.GraceDelay = 5 * time.Second
	}
	return &Companion{
		cfg:      cfg,
		reporter: reporter,
		signal:   signal,
		logger:   logger.With().Str("component", "presence").Logger(),
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
	}
}

// Start marks the provider connected, then keeps re-issuing the call every Interval
// and follows lifecycle transitions until Stop
func (c *Companion) Start(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.backgrounded = false
	c.ctx, c.cancel = context.WithCancel(ctx)
	if c.signal != nil {
		c.unsub = c.signal.Subscribe(c.onLifecycle)
	}
	c.mu.Unlock()

	c.logger.Info().Dur("interval", c.cfg.Interval).Msg("presence monitoring started")
	c.markConnected()

	c.wg.Add(1)
	go c.keepAliveLoop()
}

// Stop cancels the keep-alive and any pending debounce, detaches from the lifecycle signal
// and issues one final best-effort disconnect
func (c *Companion) Stop(ctx context.Context) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.cancelDebounceLocked()
	unsub := c.unsub
	c.unsub = nil
	c.cancel()
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	c.wg.Wait()

	if err := c.reporter.MarkDisconnected(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("final presence disconnect failed")
	}
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.logger.Info().Msg("presence monitoring stopped")
}

// Connected reports whether the last presence call left the provider marked connected
func (c *Companion) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Companion) keepAliveLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick re-issues the connect call unless the provider was deliberately marked away.
// After a failed call the provider is assumed disconnected and the same call reconnects it.
func (c *Companion) tick() {
	c.mu.Lock()
	skip := !c.running || c.backgrounded
	wasConnected := c.connected
	c.mu.Unlock()
	if skip {
		return
	}
	if !wasConnected {
		c.logger.Info().Msg("presence assumed lost, reconnecting")
	}
	c.markConnected()
}

func (c *Companion) markConnected() {
	c.mu.Lock()
	ctx := c.ctx
	c.mu.Unlock()

	err := c.reporter.MarkConnected(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.connected = false
		c.logger.Warn().Err(err).Msg("presence connect failed")
		return
	}
	c.connected = true
}

func (c *Companion) onLifecycle(state lifecycle.AppState) {
	if state.IsForeground() {
		c.onForeground()
		return
	}
	c.onBackground()
}

func (c *Companion) onForeground() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	if c.debounce != nil {
		c.cancelDebounceLocked()
		c.logger.Debug().Msg("foreground within grace delay, presence kept")
	}
	reconnect := c.backgrounded || !c.connected
	c.backgrounded = false
	c.mu.Unlock()

	if reconnect {
		c.markConnected()
	}
}

func (c *Companion) onBackground() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running || c.debounce != nil || c.backgrounded {
		return
	}

	c.debounceSeq++
	seq := c.debounceSeq
	c.debounce = c.afterFunc(c.cfg.GraceDelay, func() {
		c.mu.Lock()
		if seq != c.debounceSeq || c.debounce == nil || !c.running {
			c.mu.Unlock()
			return
		}
		c.debounce = nil
		c.backgrounded = true
		ctx := c.ctx
		c.mu.Unlock()

		c.logger.Info().Msg("background past grace delay, marking disconnected")
		if err := c.reporter.MarkDisconnected(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("presence disconnect failed")
		}
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	})
}

func (c *Companion) cancelDebounceLocked() {
	if c.debounce != nil {
		c.debounce.Stop()
		c.debounce = nil
	}
	c.debounceSeq++
}
