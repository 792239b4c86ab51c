// Package app wires the chat server runtime: config, logging, backends, HTTP
// routes and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"agora/cmd/internal/auth"
	"agora/cmd/internal/chatapi"
	"agora/cmd/internal/metrics"
	"agora/cmd/internal/realtime"

	"golang.org/x/sync/errgroup"
)

// App owns the HTTP server and every component behind it.
type App struct {
	cfg Config
	log Logger

	backends *backends
	metrics  *metrics.Metrics
	rooms    *realtime.Registry
	bus      *realtime.Bus
	gateway  *realtime.Gateway
	api      *chatapi.Handler

	handler http.Handler
}

// New opens the configured backends and wires the server. On error every
// resource opened so far is released.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	verifier, err := auth.NewVerifier(cfg.authConfig())
	if err != nil {
		return nil, err
	}
	if cfg.AuthMode == auth.ModeDev {
		log.Warn("auth.dev_mode", "detail", "bearer tokens are trusted as user ids")
	}

	var m *metrics.Metrics
	if cfg.MetricsEnabled {
		m = metrics.New()
	}

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	rooms := realtime.NewRegistry(m)
	bus := realtime.NewBus(log, b.store, rooms,
		realtime.WithEvents(b.publisher),
		realtime.WithMetrics(m),
		realtime.WithAppendTimeout(cfg.AppendTimeout),
	)

	api, err := chatapi.NewHandler(log, bus, verifier,
		chatapi.WithCatalog(b.catalog),
		chatapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
	)
	if err != nil {
		bus.Close()
		_ = b.close(context.Background())
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		log:      log,
		backends: b,
		metrics:  m,
		rooms:    rooms,
		bus:      bus,
		gateway:  realtime.NewGateway(log, bus, verifier, cfg.WS, m),
		api:      api,
	}
	a.handler = WithRequestLogging(WithSecurityHeaders(WithCORS(a.routes(), cfg, log)), log, m)
	return a, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves on cfg.HTTPAddr until ctx is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		_ = a.Close(context.Background())
		return err
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully and
// releases every backend.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	connCtx, cancelConns := context.WithCancel(context.Background())
	defer cancelConns()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return connCtx },
	}

	base := runtimeBaseURL(ln.Addr().String())
	a.log.Info("server.start",
		"addr", ln.Addr().String(),
		"http", base,
		"ws", wsBaseURL(base)+"/ws",
		"store", a.cfg.Store,
		"auth", a.cfg.AuthMode,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		// Shutdown does not track hijacked websocket connections. Cancelling
		// their base context ends every session once REST requests drained.
		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			_ = srv.Close()
		}
		cancelConns()
		if cerr := a.Close(shutdownCtx); cerr != nil {
			a.log.Error("backends.close.fail", "err", cerr)
		}
		return err
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

// Close stops the message bus, which flushes queued events, then releases the
// store, event writer and caches. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.bus.Close()
	return a.backends.close(ctx)
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
