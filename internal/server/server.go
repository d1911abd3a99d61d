// Package server provides the three HTTP listeners this service runs:
// the public listener (WebSocket upgrade plus the roster/counter
// endpoints), the internal listener (the takeover endpoint, reachable
// only from other replicas), and the metrics listener. The public and
// internal listeners wrap an Echo instance with the same middleware
// stack; the metrics listener is a plain http.Server. All three share the
// Start(ctx)-with-graceful-shutdown shape.
package server

import (
	"context"
	"log/slog"
	"net/http"

	gorillaws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/primal-host/classroom-presence/internal/authn"
	"github.com/primal-host/classroom-presence/internal/authz"
	"github.com/primal-host/classroom-presence/internal/config"
	"github.com/primal-host/classroom-presence/internal/ledger"
	"github.com/primal-host/classroom-presence/internal/metrics"
	"github.com/primal-host/classroom-presence/internal/sessionmgr"
	"github.com/primal-host/classroom-presence/internal/wsconn"
)

// Public serves the WebSocket upgrade and the roster/counter endpoints.
type Public struct {
	echo *echo.Echo
	cfg  *config.Config

	tokens           authn.TokenParser
	authzCli         authz.Client
	ledger           *ledger.Ledger
	wsHandlerFactory func() *wsconn.Handler

	logger *slog.Logger
}

var upgrader = gorillaws.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewPublic builds the public listener. wsHandlerFactory returns the
// Handler to serve each upgraded connection; production wiring always
// returns the same shared Handler, since it carries no per-connection
// state itself.
func NewPublic(cfg *config.Config, tokens authn.TokenParser, authzCli authz.Client, l *ledger.Ledger, wsHandlerFactory func() *wsconn.Handler, logger *slog.Logger) *Public {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	p := &Public{echo: e, cfg: cfg, tokens: tokens, authzCli: authzCli, ledger: l, wsHandlerFactory: wsHandlerFactory, logger: logger}
	p.registerRoutes()
	return p
}

func (p *Public) registerRoutes() {
	p.echo.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "Ok") })
	p.echo.GET("/ws", p.handleUpgrade)
	p.echo.GET("/api/v1/classrooms/:classroom_id/agents", p.requireAuth(p.handleListAgents))
	p.echo.POST("/api/v1/counters/agent", p.requireAuth(p.handleCountAgents))
}

func (p *Public) handleUpgrade(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil // the upgrader already wrote the error response
	}
	p.wsHandlerFactory().Serve(c.Request().Context(), conn)
	return nil
}

// Start listens until ctx is cancelled, then performs a graceful
// shutdown.
func (p *Public) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		p.logger.Info("public listener starting", slog.String("addr", p.cfg.ListenerAddress))
		if err := p.echo.Start(p.cfg.ListenerAddress); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		p.logger.Info("public listener shutting down")
		return p.echo.Shutdown(context.Background())
	}
}

// Internal serves the takeover endpoint other replicas call into.
type Internal struct {
	echo       *echo.Echo
	cfg        *config.Config
	sessionmgr *sessionmgr.Manager
	logger     *slog.Logger
}

func NewInternal(cfg *config.Config, mgr *sessionmgr.Manager, logger *slog.Logger) *Internal {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	in := &Internal{echo: e, cfg: cfg, sessionmgr: mgr, logger: logger}
	in.registerRoutes()
	return in
}

func (in *Internal) registerRoutes() {
	in.echo.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "Ok") })
	in.echo.DELETE("/api/v1/sessions", in.handleDeleteSession)
}

func (in *Internal) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		in.logger.Info("internal listener starting", slog.String("addr", in.cfg.InternalListenerAddress))
		if err := in.echo.Start(in.cfg.InternalListenerAddress); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		in.logger.Info("internal listener shutting down")
		return in.echo.Shutdown(context.Background())
	}
}

// Metrics mounts the Prometheus handler on a plain http.Server, since it
// has no routing needs beyond the single scrape path.
type Metrics struct {
	srv    *http.Server
	logger *slog.Logger
}

func NewMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) *Metrics {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	return &Metrics{srv: &http.Server{Addr: addr, Handler: mux}, logger: logger}
}

func (m *Metrics) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		m.logger.Info("metrics listener starting", slog.String("addr", m.srv.Addr))
		if err := m.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return m.srv.Shutdown(context.Background())
	}
}
