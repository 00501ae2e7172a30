package http

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/JonnyShabli/mediagrab/pkg/logster"
	"github.com/go-chi/chi/v5"
)

const shutdownTimeout = 10 * time.Second

// NewHandler builds a chi router mounted at pattern and applies options in order.
func NewHandler(pattern string, options ...RouterOption) http.Handler {
	root := chi.NewRouter()
	sub := chi.NewRouter()
	for _, option := range options {
		option(sub)
	}
	root.Mount(pattern, sub)
	return root
}

// RunServer serves handler on addr until ctx is cancelled, then shuts down gracefully.
func RunServer(ctx context.Context, addr string, logger logster.Logger, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          log.New(logger, "", 0),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("http server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger.Infof("shutting down http server")
	return srv.Shutdown(shutdownCtx)
}
