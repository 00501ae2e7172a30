package http

import (
	"net/http"
	"os"

	"github.com/JonnyShabli/mediagrab/pkg/logster"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func DefaultTechOptions() RouterOption {
	return RouterOptions(
		WithRequestID(),
		WithRecover(),
	)
}

func RouterOptions(options ...RouterOption) RouterOption {
	return func(r chi.Router) {
		for _, option := range options {
			option(r)
		}
	}
}

type RouterOption func(chi.Router)

func WithDebugHandler(enabled bool) RouterOption {
	return func(r chi.Router) {
		if enabled {
			r.Mount("/debug", middleware.Profiler())
		}
	}
}

func WithRecover() RouterOption {
	return func(r chi.Router) {
		r.Use(middleware.Recoverer)
	}
}

func WithRequestID() RouterOption {
	return func(r chi.Router) {
		r.Use(middleware.RequestID)
	}
}

func WithLogger(loger logster.Logger) RouterOption {
	return func(r chi.Router) {
		r.Use(logster.LogsterMiddleware(loger))
	}
}

// WithStatic serves the built UI bundle from dir at the root path. Missing dir is a no-op.
func WithStatic(dir string) RouterOption {
	return func(r chi.Router) {
		if dir == "" {
			return
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return
		}
		r.Handle("/*", http.FileServer(http.Dir(dir)))
	}
}
