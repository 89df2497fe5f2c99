package application

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"syscall"
	"time"

	"coder1/bridge/internal/config"
	"coder1/bridge/internal/dispatch"
	"coder1/bridge/internal/lifecycle"
	"coder1/bridge/internal/logging"
	"coder1/bridge/internal/orchestrator"
	"coder1/bridge/internal/pairing"
	"coder1/bridge/internal/registry"
	"coder1/bridge/internal/server"
	"coder1/bridge/internal/store"
)

const (
	agentIdleSweepInterval = 30 * time.Minute
	agentMaxIdle           = 30 * time.Minute
	httpShutdownGrace      = 3 * time.Second
)

func dbPath(cfg config.Config) string {
	return filepath.Join(cfg.ConfigDir, "coder1.db")
}

// RunServe wires the full server runtime and blocks until a shutdown signal.
func RunServe(ctx context.Context, cfg config.Config, version string) error {
	logger := logging.NewLogger(logging.Options{
		Level:     cfg.LogLevel,
		Verbose:   cfg.Verbose,
		Component: "server",
	})

	db, err := store.Open(dbPath(cfg))
	if err != nil {
		return err
	}
	st, err := store.New(db)
	if err != nil {
		return err
	}

	pairingReg := pairing.NewRegistry(pairing.Options{Logger: logger})
	bridgeReg := registry.New(registry.Options{
		Logger:            logger,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	dispatcher := dispatch.New(bridgeReg, dispatch.Options{
		Logger:         logger,
		DefaultTimeout: cfg.CommandTimeout,
	})
	bridgeReg.SetPendingCounter(dispatcher)
	bridgeReg.OnBridgeLost(dispatcher.CancelForBridge)
	monitor := registry.NewMonitor(bridgeReg, logger)

	orch := orchestrator.New(orchestrator.Options{
		Logger:             logger,
		AgentCommand:       []string{cfg.ClaudeBinary},
		MaxConcurrentTeams: cfg.MaxTeams,
	})

	srv := server.NewServer(server.Deps{
		Logger:       logger,
		Pairing:      pairingReg,
		Registry:     bridgeReg,
		Dispatcher:   dispatcher,
		Orchestrator: orch,
		Store:        st,
		WorkTreeRoot: cfg.WorkTreeRoot,
		Version:      version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.ListenHost, cfg.ListenPort)
	httpServer := &http.Server{Addr: addr, Handler: srv.Handler()}

	mgr := lifecycle.NewManager(logger)
	mgr.AddRun("http-server", func(runCtx context.Context) error {
		go func() {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
			defer cancel()
			_ = httpServer.Shutdown(shutdownCtx)
		}()
		logger.Info("listening", "addr", addr, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	mgr.AddRun("pairing-sweep", pairingReg.Run)
	mgr.AddRun("heartbeat-monitor", monitor.Run)
	mgr.AddRun("agent-idle-sweep", func(runCtx context.Context) error {
		return orch.RunIdleSweep(runCtx, agentIdleSweepInterval, agentMaxIdle)
	})
	mgr.AddShutdown("stop-agents", func(context.Context) error {
		return orch.EmergencyStopAll()
	})
	return mgr.StartAndWait(ctx, syscall.SIGINT, syscall.SIGTERM)
}

// RunMigrateUp opens the database and applies the schema, then exits.
func RunMigrateUp(_ context.Context, cfg config.Config) error {
	db, err := store.Open(dbPath(cfg))
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
