// Package server provides graceful shutdown functionality for the fedgate IdP service
package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Shutdownable represents a component that can be gracefully shut down
type Shutdownable interface {
	Shutdown(ctx context.Context) error
	Name() string
}

// ShutdownFunc wraps a function to implement Shutdownable
type ShutdownFunc struct {
	name string
	fn   func(context.Context) error
}

// NewShutdownFunc creates a Shutdownable from a function
func NewShutdownFunc(name string, fn func(context.Context) error) *ShutdownFunc {
	return &ShutdownFunc{name: name, fn: fn}
}

// Name returns the component name
func (s *ShutdownFunc) Name() string { return s.name }

// Shutdown calls the wrapped function
func (s *ShutdownFunc) Shutdown(ctx context.Context) error { return s.fn(ctx) }

// GracefulShutdown manages graceful shutdown of the HTTP server and dependencies
type GracefulShutdown struct {
	server          *http.Server
	logger          *zap.Logger
	shutdownables   []Shutdownable
	shutdownTimeout time.Duration
	signalChan      chan os.Signal
	mu              sync.Mutex
}

// Config holds configuration for graceful shutdown
type Config struct {
	Server          *http.Server
	Logger          *zap.Logger
	Shutdownables   []Shutdownable
	ShutdownTimeout time.Duration
}

// New creates a new GracefulShutdown manager
func New(cfg Config) *GracefulShutdown {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	return &GracefulShutdown{
		server:          cfg.Server,
		logger:          cfg.Logger,
		shutdownables:   cfg.Shutdownables,
		shutdownTimeout: cfg.ShutdownTimeout,
		signalChan:      make(chan os.Signal, 1),
	}
}

// AddShutdownFunc adds a shutdown function as a component
func (g *GracefulShutdown) AddShutdownFunc(name string, fn func(context.Context) error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.shutdownables = append(g.shutdownables, NewShutdownFunc(name, fn))
}

// ListenAndServe runs the HTTP server in the background and blocks until a
// shutdown signal arrives, then drains in-flight requests and shuts down
// dependencies in registration order.
func (g *GracefulShutdown) ListenAndServe() error {
	errChan := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server listening", zap.String("addr", g.server.Addr))
		if err := g.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	signal.Notify(g.signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	select {
	case err := <-errChan:
		g.logger.Error("HTTP server failed", zap.Error(err))
		return err
	case sig := <-g.signalChan:
		g.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	}

	g.shutdown()
	return nil
}

func (g *GracefulShutdown) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), g.shutdownTimeout)
	defer cancel()

	if g.server != nil {
		if err := g.server.Shutdown(ctx); err != nil {
			g.logger.Error("HTTP server shutdown failed", zap.Error(err))
		} else {
			g.logger.Info("HTTP server stopped")
		}
	}

	g.mu.Lock()
	components := make([]Shutdownable, len(g.shutdownables))
	copy(components, g.shutdownables)
	g.mu.Unlock()

	for _, s := range components {
		if err := s.Shutdown(ctx); err != nil {
			g.logger.Error("Component shutdown failed",
				zap.String("name", s.Name()), zap.Error(err))
		} else {
			g.logger.Info("Component stopped", zap.String("name", s.Name()))
		}
	}
}
