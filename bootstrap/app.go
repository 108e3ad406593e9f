package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"warden/api"
	"warden/compiler"
	"warden/config"
	"warden/core"
	"warden/service"
)

// App represents the warden application with all its components.
type App struct {
	// Configuration
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Storage      *StorageComponents
	Integrations *Integrations
	Workers      *core.WorkerPool

	// Services
	Compiler    *compiler.Compiler
	Exceptions  *service.ExceptionService
	Cases       *service.CaseService
	Suggestions *service.SuggestionService
	Reports     *service.RequestReportService
	IPLists     *service.IPListService
	Intake      *service.AlertIntake
	APIServer   *api.API

	// Lifecycle
	serviceWg    *sync.WaitGroup
	shutdownOnce sync.Once
	errCh        chan error
}

// NewApp creates a new application instance and initializes all components.
func NewApp(ctx context.Context, configPath string, debug bool) (*App, error) {
	logger, sugar, err := InitLogger(debug)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	sugar.Info("warden starting...")

	cfg, err := InitConfig(configPath, sugar)
	if err != nil {
		return nil, err
	}
	return NewAppWithConfig(ctx, cfg, logger)
}

// NewAppWithConfig wires every component from an already loaded config.
func NewAppWithConfig(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	sugar := logger.Sugar()
	app := &App{
		Config:    cfg,
		Logger:    logger,
		Sugar:     sugar,
		serviceWg: &sync.WaitGroup{},
		errCh:     make(chan error, 1),
	}

	sugar.Info("Running pre-flight checks...")
	if err := EnsureDataDirectories(cfg, sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	integrations, err := InitIntegrations(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Integrations = integrations

	// Cases auto-closed by a false-positive detach are closed in the backend too
	storageComponents, err := InitStorage(ctx, cfg, integrations.CaseBackend, sugar)
	if err != nil {
		integrations.Close()
		return nil, err
	}
	app.Storage = storageComponents

	app.Workers = core.NewWorkerPool(ctx, cfg.Workers.Count, cfg.Workers.QueueSize, cfg.Workers.TaskTimeout, "tasks", sugar)
	if err := app.Workers.Start(); err != nil {
		app.closeResources()
		return nil, fmt.Errorf("failed to start worker pool: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.Workers.Stop()
		app.closeResources()
		return nil, err
	}
	return app, nil
}

func (a *App) initServices() error {
	cfg, sugar, in, st := a.Config, a.Sugar, a.Integrations, a.Storage

	a.Compiler = compiler.New(sugar)
	a.Exceptions = service.NewExceptionService(a.Compiler, in.Deployer, st.History, a.Workers, in.Notifier, sugar)
	a.Cases = service.NewCaseService(st.AlertLogs, st.Cases, in.CaseBackend, in.LogSource, in.Events, in.Notifier, sugar)

	services := api.Services{
		Exceptions: a.Exceptions,
		Cases:      a.Cases,
	}
	if in.Classifier != nil {
		a.Suggestions = service.NewSuggestionService(st.AlertLogs, in.Classifier, a.Compiler, a.Workers, in.Notifier, sugar)
		services.Suggestions = a.Suggestions
	}
	if in.LogSource != nil {
		a.Reports = service.NewRequestReportService(in.LogSource, a.Workers, in.Notifier, sugar)
		services.Reports = a.Reports
	}
	if in.IPLists != nil {
		a.IPLists = service.NewIPListService(in.IPLists, sugar)
		services.IPLists = a.IPLists
	}

	deduper, err := core.NewEventDeduper(cfg.Chat.DedupeCacheSize)
	if err != nil {
		return err
	}
	a.Intake = service.NewAlertIntake(a.Cases, a.Workers, deduper, service.IntakeConfig{
		BotUserID: cfg.Chat.BotUserID,
		Keywords:  cfg.Chat.AlertKeywords,
	}, sugar)
	services.Intake = a.Intake

	a.APIServer = api.NewAPI(api.Config{
		Addr:              cfg.ListenAddr(),
		SigningSecret:     cfg.Chat.SigningSecret,
		AllowedChannels:   cfg.Chat.AllowedChannels,
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		Burst:             cfg.API.Burst,
		HistoryLimit:      cfg.API.HistoryLimit,
	}, services, sugar)
	return nil
}

// Start runs the API server in the background.
func (a *App) Start() {
	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		if err := a.APIServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Sugar.Errorw("API server failed", "error", err)
			a.errCh <- err
		}
	}()
}

// WaitForShutdown blocks until a termination signal arrives, the API
// server fails, or ctx is cancelled.
func (a *App) WaitForShutdown(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		a.Sugar.Infow("Received signal", "signal", sig.String())
		return nil
	case err := <-a.errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// Shutdown stops the components in dependency order. Safe to call more than once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(func() {
		a.Sugar.Info("Shutting down...")

		a.Sugar.Info("Phase 1: Stopping API server...")
		if a.APIServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := a.APIServer.Stop(ctx); err != nil {
				a.Sugar.Errorw("Failed to stop API server", "error", err)
			}
			cancel()
		}

		a.Sugar.Info("Phase 2: Waiting for service goroutines to complete...")
		done := make(chan struct{})
		go func() {
			a.serviceWg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			a.Sugar.Warn("Service goroutine shutdown timed out")
		}

		a.Sugar.Info("Phase 3: Draining background tasks...")
		if a.Workers != nil {
			a.Workers.Stop()
		}

		a.Sugar.Info("Phase 4: Closing connections...")
		a.closeResources()

		a.Sugar.Info("Shutdown complete")
		_ = a.Logger.Sync()
	})
}

func (a *App) closeResources() {
	if a.Integrations != nil {
		a.Integrations.Close()
	}
	if a.Storage != nil {
		a.Storage.Close(a.Sugar)
	}
}
