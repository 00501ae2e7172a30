package sig

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/JonnyShabli/mediagrab/pkg/logster"
)

var ErrSignalReceived = errors.New("signal received")

// ListenSignal blocks until SIGINT/SIGTERM or ctx cancellation. On a signal it calls cancel
// and returns ErrSignalReceived so the errgroup unwinds.
func ListenSignal(ctx context.Context, logger logster.Logger, cancel context.CancelFunc) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case s := <-sigCh:
		logger.Infof("got signal %s, shutting down", s)
		cancel()
		return ErrSignalReceived
	case <-ctx.Done():
		return nil
	}
}
