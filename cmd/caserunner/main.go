// Command caserunner serves the AI-assisted test execution service: REST
// endpoints for test cases and runs, and per-execution WebSocket event
// streams driven by the execution engine.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/caserunner/pkg/config"
	"github.com/odvcencio/caserunner/pkg/engine"
	"github.com/odvcencio/caserunner/pkg/ipc"
	"github.com/odvcencio/caserunner/pkg/logging"
	"github.com/odvcencio/caserunner/pkg/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "caserunner: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "caserunner.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.Logging.Dir)
	if err != nil {
		return err
	}
	defer logger.Close()
	logger.SetMinLevel(logging.Level(cfg.Logging.Level))

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	registry := engine.NewRegistry()
	strategy := engine.NewSimulatedStrategy(engine.SimulatedStrategyConfig{
		FetchPageContent: cfg.Execution.FetchPageContent,
		FetchTimeout:     cfg.Execution.FetchTimeout,
		InterventionStep: cfg.Execution.InterventionStep,
		InterventionRate: cfg.Execution.InterventionRate,
	})
	eng, err := engine.New(engine.Config{
		Registry:  registry,
		Strategy:  strategy,
		Logger:    logger,
		StepDelay: cfg.Execution.StepDelay,
	})
	if err != nil {
		return err
	}

	hub := ipc.NewHub()
	recorder := ipc.NewRunRecorder(store, logger)
	hub.AddForwarder(recorder)

	server := ipc.NewServer(ipc.ServerConfig{
		Engine:   eng,
		Registry: registry,
		Store:    store,
		Hub:      hub,
		Recorder: recorder,
		Logger:   logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Bind,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info(logging.CategoryIPC, "server_starting",
		"listening", map[string]any{"bind": cfg.Server.Bind})

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		eng.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
