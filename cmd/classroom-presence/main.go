// classroom-presence is a horizontally-scalable presence service:
// agents hold one live WebSocket session per classroom cluster-wide,
// with durable session takeover across replicas and a persisted
// enter/leave history.
//
// It reads configuration from config.json in the working directory,
// connects to PostgreSQL and Redis, registers itself in the replica
// table, and starts three listeners: public (WebSocket plus roster
// endpoints), internal (cross-replica takeover), and metrics.
//
// Usage:
//
//	APP_AGENT_LABEL=replica-a ./classroom-presence
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/primal-host/classroom-presence/internal/authn"
	"github.com/primal-host/classroom-presence/internal/authz"
	"github.com/primal-host/classroom-presence/internal/broker"
	"github.com/primal-host/classroom-presence/internal/config"
	"github.com/primal-host/classroom-presence/internal/history"
	"github.com/primal-host/classroom-presence/internal/ledger"
	"github.com/primal-host/classroom-presence/internal/logging"
	"github.com/primal-host/classroom-presence/internal/metrics"
	"github.com/primal-host/classroom-presence/internal/replica"
	"github.com/primal-host/classroom-presence/internal/reporter"
	"github.com/primal-host/classroom-presence/internal/server"
	"github.com/primal-host/classroom-presence/internal/sessionmgr"
	"github.com/primal-host/classroom-presence/internal/takeover"
	"github.com/primal-host/classroom-presence/internal/wsconn"
)

func main() {
	cfg, err := config.Load("config.json")
	if err != nil {
		panic(err) // no logger exists yet; config failure is always fatal
	}

	logger := logging.New(logging.Config{ServiceName: "classroom-presence", Level: cfg.LogLevel, JSON: cfg.LogJSON})
	rep := reporter.NewSlogReporter(logger)

	agentLabel := os.Getenv("APP_AGENT_LABEL")
	if agentLabel == "" {
		logger.Error("APP_AGENT_LABEL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startupCtx, cancelStartup := context.WithTimeout(ctx, 30*time.Second)
	defer cancelStartup()

	store, err := ledger.Open(startupCtx, cfg.ConnString())
	if err != nil {
		logger.Error("failed to open ledger", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()

	replicas := replica.NewRegistry(store.Pool())
	replicaId, err := replicas.Register(startupCtx, agentLabel)
	if err != nil {
		logger.Error("failed to register replica", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("replica registered", slog.String("replica_id", replicaId.String()), slog.String("label", agentLabel))

	metricsRegistry, promReg := metrics.New()
	metricsRegistry.ReplicasRegistered.Set(1)

	historyMover := history.NewMover(store, func(kind history.MoveKind, n int) {
		metricsRegistry.HistoryMovesTotal.WithLabelValues(string(kind)).Add(float64(n))
	})
	if extended, inserted, err := historyMover.MoveAllSessions(startupCtx, replicaId); err != nil {
		logger.Error("failed to drain prior incarnation", slog.Any("error", err))
	} else if extended+inserted > 0 {
		logger.Info("drained sessions from a prior incarnation", slog.Int("extended", extended), slog.Int("inserted", inserted))
	}

	tokenParser, err := authn.NewValidator(cfg.Authn)
	if err != nil {
		logger.Error("failed to build token validator", slog.Any("error", err))
		os.Exit(1)
	}
	authzClient := authz.NewHTTPClient(cfg.Authz)

	bus, err := broker.NewRedisBus(startupCtx, cfg.Bus)
	if err != nil {
		logger.Error("failed to connect to bus", slog.Any("error", err))
		os.Exit(1)
	}
	defer bus.Close()

	brokerAdapter := broker.New(bus, bus, logger, rep, func(delta int) { metricsRegistry.BrokerSubs.Add(float64(delta)) })
	sessionMgr := sessionmgr.New(func(delta int) { metricsRegistry.SessionsActive.Add(float64(delta)) })
	takeoverClient := takeover.NewClient(internalPort(cfg.InternalListenerAddress), cfg.Authz.Timeout())

	wsHandler := wsconn.NewHandler(wsconn.Deps{
		TokenParser: tokenParser,
		Authz:       authzClient,
		Ledger:      store,
		SessionMgr:  sessionMgr,
		Broker:      brokerAdapter,
		Takeover:    takeoverClient,
		History:     historyMover,
		ReplicaId:   replicaId,
		WS:          cfg.Websocket,
		AuthzCfg:    cfg.Authz,
		Logger:      logger,
		Reporter:    rep,
		Metrics:     metricsRegistry,
	})

	publicListener := server.NewPublic(cfg, tokenParser, authzClient, store, func() *wsconn.Handler { return wsHandler }, logger)
	internalListener := server.NewInternal(cfg, sessionMgr, logger)
	metricsListener := server.NewMetrics(cfg.MetricsListenerAddress, promReg, logger)

	brokerCtx, cancelBroker := context.WithCancel(context.Background())
	defer cancelBroker()
	publicCtx, cancelPublic := context.WithCancel(context.Background())
	internalCtx, cancelInternal := context.WithCancel(context.Background())
	metricsCtx, cancelMetrics := context.WithCancel(context.Background())

	var g errgroup.Group
	g.Go(func() error { brokerAdapter.Run(brokerCtx); return nil })
	g.Go(func() error { sessionMgr.Run(context.Background()); return nil })
	g.Go(func() error { return publicListener.Start(publicCtx) })
	g.Go(func() error { return internalListener.Start(internalCtx) })
	g.Go(func() error { return metricsListener.Start(metricsCtx) })

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		cancelPublic()

		grace := cfg.Websocket.WaitBeforeCloseConnection()
		logger.Info("draining sessions", slog.Duration("grace", grace))
		sessionMgr.Shutdown(grace)

		cancelInternal()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if extended, inserted, err := historyMover.MoveAllSessions(shutdownCtx, replicaId); err != nil {
			rep.Report(shutdownCtx, err)
		} else {
			logger.Info("moved remaining sessions to history", slog.Int("extended", extended), slog.Int("inserted", inserted))
		}

		if err := replicas.Deregister(shutdownCtx, replicaId); err != nil {
			rep.Report(shutdownCtx, err)
		}
		metricsRegistry.ReplicasRegistered.Set(0)

		brokerAdapter.Shutdown()
		cancelBroker()
		cancelMetrics()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("classroom-presence stopped")
}

// internalPort extracts the port component of an address like ":3001"
// or "0.0.0.0:3001", which is all the takeover client needs — it always
// dials a peer's IP directly.
func internalPort(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[i+1:]
		}
	}
	return addr
}
