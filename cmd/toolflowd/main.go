// Command toolflowd runs the tool-call execution coordinator: the SQLite
// flow store, the dispatcher and its workers, the broadcast fan-out, and the
// control-plane HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/driftworks/toolflow/pkg/api"
	"github.com/driftworks/toolflow/pkg/broadcast"
	"github.com/driftworks/toolflow/pkg/bus"
	"github.com/driftworks/toolflow/pkg/config"
	"github.com/driftworks/toolflow/pkg/coordinator"
	"github.com/driftworks/toolflow/pkg/dispatch"
	"github.com/driftworks/toolflow/pkg/gate"
	"github.com/driftworks/toolflow/pkg/logging"
	"github.com/driftworks/toolflow/pkg/mutation"
	"github.com/driftworks/toolflow/pkg/storage"
	"github.com/driftworks/toolflow/pkg/tracker"
)

var configPath string

func main() {
	flag.StringVar(&configPath, "config", "toolflow.yaml", "path to config file")
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "toolflowd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir, uuid.NewString())
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()
	logger.SetMinLevel(logging.Level(cfg.Logging.Level))

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	transport, err := newTransport(cfg)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer transport.Close()

	broadcaster := broadcast.New(transport, logger, cfg.Broadcast.ProgressThrottle)

	coord := coordinator.New(store, broadcaster, logger, coordinator.Config{
		MaxRetries:     cfg.Execution.MaxRetries,
		Backoff:        cfg.Execution.RetryBackoff,
		MaxErrorLength: cfg.Execution.MaxErrorLength,
	})

	changeTracker := tracker.New(cfg.Workspace.Root, noopCache{}, cfg.Tracker.FullClearChance, logger)
	mutatorFor := func(appID string) mutation.Mutator {
		return mutation.NewPipeline(
			mutation.NewFS(cfg.Workspace.Root),
			changeTracker.HookFor(appID),
		)
	}

	dispatcher := dispatch.New(store, coord, broadcaster, mutatorFor, logger, dispatch.Config{
		MaxParallelTools: int64(cfg.Execution.MaxParallelTools),
		AppendRetries:    cfg.Execution.MaxRetries,
		AppendBackoff:    cfg.Execution.RetryBackoff,
	})

	controlGate := gate.New(store, gate.NewMemoryPolicy(), logger)

	server := api.NewServer(api.ServerConfig{
		Address:    cfg.Server.Addr,
		Store:      store,
		Dispatcher: dispatcher,
		Gate:       controlGate,
		Transport:  transport,
		Logger:     logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logger.Info(logging.CategoryAPI, "shutdown_signal", sig.String(), nil)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}

	// Let in-flight workers finish; they always run to completion.
	dispatcher.Drain()
	return nil
}

func newTransport(cfg *config.Config) (bus.Transport, error) {
	if cfg.Bus.URL == "memory" {
		return bus.NewMemoryTransport(), nil
	}
	return bus.NewNATSTransport(bus.Config{
		URL:  cfg.Bus.URL,
		Name: cfg.Bus.Name,
	})
}

// noopCache stands in for the external context-cache collaborator when the
// daemon runs without one.
type noopCache struct{}

func (noopCache) InvalidatePath(ctx context.Context, appID, path string) {}
func (noopCache) ClearApp(ctx context.Context, appID string)            {}
