package lifecycle

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
)

// WatchOSSignals publishes active on SIGUSR1 and background on SIGUSR2 until ctx is done.
// It lets a supervisor drive the daemon the way a mobile OS drives the app.
func WatchOSSignals(ctx context.Context, n *Notifier, logger zerolog.Logger) {
	sigChan := make(chan os.Signal, 4)
	signal.Notify(sigChan, syscall.SIGUSR1, syscall.SIGUSR2)

	go func() {
		defer signal.Stop(sigChan)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigChan:
				state := StateBackground
				if sig == syscall.SIGUSR1 {
					state = StateActive
				}
				logger.Info().Str("signal", sig.String()).Str("state", string(state)).Msg("lifecycle signal received")
				n.Publish(state)
			}
		}
	}()
}
