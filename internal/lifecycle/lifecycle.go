// Package lifecycle turns host application state changes into realtime link actions.
package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// AppState is the host application's foreground state or network reachability
type AppState string

const (
	StateActive      AppState = "active"
	StateBackground  AppState = "background"
	StateInactive    AppState = "inactive"
	StateReachable   AppState = "reachable"
	StateUnreachable AppState = "unreachable"
)

// ParseState validates a state name
func ParseState(s string) (AppState, error) {
	switch st := AppState(strings.ToLower(strings.TrimSpace(s))); st {
	case StateActive, StateBackground, StateInactive, StateReachable, StateUnreachable:
		return st, nil
	default:
		return "", fmt.Errorf("unknown lifecycle state '%s'", s)
	}
}

// IsForeground reports whether the link should be up in this state
func (s AppState) IsForeground() bool {
	return s == StateActive || s == StateReachable
}

// Signal delivers lifecycle transitions to listeners
type Signal interface {
	Subscribe(listener func(AppState)) (unsubscribe func())
}

// Notifier is an in-process Signal. Listeners are called synchronously in subscription order.
type Notifier struct {
	mu        sync.Mutex
	nextID    int
	listeners map[int]func(AppState)
	order     []int
	current   AppState
}

// NewNotifier creates a Notifier whose current state is initial
func NewNotifier(initial AppState) *Notifier {
	return &Notifier{
		listeners: make(map[int]func(AppState)),
		current:   initial,
	}
}

// Subscribe implements Signal
func (n *Notifier) Subscribe(listener func(AppState)) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.listeners[id] = listener
	n.order = append(n.order, id)
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.listeners, id)
			for i, v := range n.order {
				if v == id {
					n.order = append(n.order[:i:i], n.order[i+1:]...)
					break
				}
			}
			n.mu.Unlock()
		})
	}
}

// Publish records state and notifies every listener
func (n *Notifier) Publish(state AppState) {
	n.mu.Lock()
	n.current = state
	listeners := make([]func(AppState), 0, len(n.order))
	for _, id := range n.order {
		listeners = append(listeners, n.listeners[id])
	}
	n.mu.Unlock()

	for _, l := range listeners {
		l(state)
	}
}

// Current returns the last published state
func (n *Notifier) Current() AppState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current
}

// Link is the part of the realtime manager the bridge drives
type Link interface {
	Connect(ctx context.Context)
	Disconnect()
	IsConnected() bool
}

// Bridge connects the link when the app comes to the foreground and disconnects it otherwise.
// The translation is direct; there is no debounce here. Connect runs off the publishing goroutine,
// and a background transition that lands while it is in flight wins.
type Bridge struct {
	signal Signal
	link   Link
	logger zerolog.Logger

	mu         sync.Mutex
	unsub      func()
	ctx        context.Context
	foreground bool
	wg         sync.WaitGroup
}

// NewBridge creates a Bridge; it does nothing until Start
func NewBridge(signal Signal, link Link, logger zerolog.Logger) *Bridge {
	return &Bridge{
		signal: signal,
		link:   link,
		logger: logger.With().Str("component", "lifecycle").Logger(),
	}
}

// Start attaches the bridge to the signal. ctx bounds every Connect it issues.
func (b *Bridge) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.unsub != nil {
		return
	}
	b.ctx = ctx
	b.unsub = b.signal.Subscribe(b.handle)
}

// Stop detaches the bridge and waits for an in-flight Connect. The link is left as is.
func (b *Bridge) Stop() {
	b.mu.Lock()
	unsub := b.unsub
	b.unsub = nil
	b.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	b.wg.Wait()
}

func (b *Bridge) handle(state AppState) {
	b.mu.Lock()
	ctx := b.ctx
	b.foreground = state.IsForeground()
	b.mu.Unlock()

	if !state.IsForeground() {
		b.logger.Info().Str("state", string(state)).Msg("background, disconnecting")
		b.link.Disconnect()
		return
	}

	if b.link.IsConnected() {
		return
	}
	b.logger.Info().Str("state", string(state)).Msg("foreground, connecting")
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.link.Connect(ctx)

		b.mu.Lock()
		foreground := b.foreground
		b.mu.Unlock()
		if !foreground {
			b.logger.Debug().Msg("backgrounded while connecting, disconnecting")
			b.link.Disconnect()
		}
	}()
}
