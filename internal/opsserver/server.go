// Copyright (c) 2024 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package opsserver serves the liveness and readiness checks of the connector.
package opsserver

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/z5labs/avconnector"
	"github.com/z5labs/avconnector/health"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
)

const (
	LivenessPath  = "/health/liveness"
	ReadinessPath = "/health/readiness"
)

type Options struct {
	errorLogHandler slog.Handler
	shutdownTimeout time.Duration
}

type Option interface {
	ApplyOption(*Options)
}

type optionFunc func(*Options)

func (f optionFunc) ApplyOption(o *Options) {
	f(o)
}

func ErrorLog(h slog.Handler) Option {
	return optionFunc(func(o *Options) {
		o.errorLogHandler = h
	})
}

// ShutdownTimeout bounds how long in-flight checks may take to complete
// once the server is stopping.
func ShutdownTimeout(d time.Duration) Option {
	return optionFunc(func(o *Options) {
		o.shutdownTimeout = d
	})
}

// Server
type Server struct {
	log             *slog.Logger
	ls              net.Listener
	server          *http.Server
	shutdownTimeout time.Duration
}

// New initializes a [Server] which reports liveness and readiness from the
// given monitors.
func New(ls net.Listener, liveness, readiness health.Monitor, opts ...Option) *Server {
	log := avconnector.Logger("github.com/z5labs/avconnector/internal/opsserver")

	o := &Options{
		errorLogHandler: log.Handler(),
		shutdownTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt.ApplyOption(o)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Method(http.MethodGet, LivenessPath, healthHandler(log, liveness))
	r.Method(http.MethodGet, ReadinessPath, healthHandler(log, readiness))

	return &Server{
		log: log,
		ls:  ls,
		server: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          slog.NewLogLogger(o.errorLogHandler, slog.LevelError),
		},
		shutdownTimeout: o.shutdownTimeout,
	}
}

type status struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

func healthHandler(log *slog.Logger, m health.Monitor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		healthy, err := m.Healthy(r.Context())

		st := status{Healthy: healthy && err == nil}
		if err != nil {
			st.Error = err.Error()
			log.WarnContext(r.Context(), "health check failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		}

		code := http.StatusOK
		if !st.Healthy {
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)

		err = json.NewEncoder(w).Encode(st)
		if err != nil {
			log.ErrorContext(r.Context(), "failed to write health status", slog.Any("error", err))
		}
	})
}

// Run serves health checks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return s.server.Serve(s.ls)
	})
	eg.Go(func() error {
		<-egCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(egCtx), s.shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	})

	err := eg.Wait()
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
