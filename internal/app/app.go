// Package app provides the main application orchestration and integration layer.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/trapkeeper/internal/decoder"
	"github.com/geekxflood/trapkeeper/internal/fanout"
	"github.com/geekxflood/trapkeeper/internal/indexer"
	"github.com/geekxflood/trapkeeper/internal/listener"
	"github.com/geekxflood/trapkeeper/internal/metrics"
	"github.com/geekxflood/trapkeeper/internal/notifier"
	"github.com/geekxflood/trapkeeper/internal/pipeline"
	"github.com/geekxflood/trapkeeper/internal/policy"
	"github.com/geekxflood/trapkeeper/internal/reload"
	"github.com/geekxflood/trapkeeper/internal/resolver"
	"github.com/geekxflood/trapkeeper/internal/storage"
	"github.com/geekxflood/trapkeeper/internal/validator"
	"go.uber.org/multierr"
)

// AppConfig holds configuration for the main application
type AppConfig struct {
	Name            string        `json:"name"`
	LogLevel        string        `json:"log_level"`
	LogFormat       string        `json:"log_format"`
	LogOutput       string        `json:"log_output"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// DefaultAppConfig returns a default application configuration
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Name:            "trapkeeper",
		LogLevel:        "info",
		LogFormat:       "logfmt",
		LogOutput:       "stdout",
		ShutdownTimeout: 30 * time.Second,
	}
}

// Application wires the trap pipeline to its transport, storage and
// side-effect backends.
type Application struct {
	config        *AppConfig
	configManager config.Manager
	configFile    string

	metrics   *metrics.MetricsManager
	names     *resolver.Resolver
	hostnames *resolver.HostnameResolver
	policies  *policy.Resolver
	store     *storage.Store
	mailer    *notifier.Mailer
	indexer   *indexer.Indexer
	pipeline  *pipeline.Pipeline
	listener  *listener.Listener
	reloader  *reload.ReloadManager

	logger    logging.Logger
	logCloser io.Closer

	mu       sync.Mutex
	started  bool
	shutdown bool
}

// NewApplication creates the application and its logger from app.*.
// configFile is watched for hot reload when non-empty.
func NewApplication(configManager config.Manager, configFile string) (*Application, error) {
	if configManager == nil {
		return nil, fmt.Errorf("configuration manager cannot be nil")
	}

	appConfig := DefaultAppConfig()

	if name, err := configManager.GetString("app.name", appConfig.Name); err == nil {
		appConfig.Name = name
	}
	if logLevel, err := configManager.GetString("app.log_level", appConfig.LogLevel); err == nil {
		appConfig.LogLevel = logLevel
	}
	if logFormat, err := configManager.GetString("app.log_format", appConfig.LogFormat); err == nil {
		appConfig.LogFormat = logFormat
	}
	if logOutput, err := configManager.GetString("app.log_output", appConfig.LogOutput); err == nil {
		appConfig.LogOutput = logOutput
	}
	if shutdownTimeout, err := configManager.GetDuration("app.shutdown_timeout", appConfig.ShutdownTimeout); err == nil {
		appConfig.ShutdownTimeout = shutdownTimeout
	}

	logger, closer, err := logging.NewLogger(logging.Config{
		Level:  appConfig.LogLevel,
		Format: appConfig.LogFormat,
		Output: appConfig.LogOutput,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return &Application{
		config:        appConfig,
		configManager: configManager,
		configFile:    configFile,
		logger:        logger.With("app", appConfig.Name),
		logCloser:     closer,
	}, nil
}

// Initialize builds every component. The listener is created last and is
// not bound until Start.
func (a *Application) Initialize() error {
	a.logger.Info("Initializing application components")
	cfg := a.configManager

	var err error
	if a.metrics, err = metrics.NewMetricsManager(cfg, a.logger); err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if a.names, err = resolver.NewResolver(cfg, a.logger); err != nil {
		return fmt.Errorf("failed to initialize OID resolver: %w", err)
	}

	if a.hostnames, err = resolver.NewHostnameResolver(cfg, a.logger); err != nil {
		return fmt.Errorf("failed to initialize hostname resolver: %w", err)
	}

	v, err := validator.NewValidator(cfg, a.metrics, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize validator: %w", err)
	}

	if a.policies, err = policy.NewResolver(cfg, a.metrics, a.logger, policy.WithNamer(a.names)); err != nil {
		return fmt.Errorf("failed to initialize policy: %w", err)
	}

	if a.store, err = storage.NewStore(cfg, a.metrics, a.logger); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	if a.mailer, err = notifier.NewMailer(cfg, a.names, a.hostnames, a.policies.Manager(), a.metrics, a.logger); err != nil {
		return fmt.Errorf("failed to initialize mailer: %w", err)
	}

	if a.indexer, err = indexer.NewIndexer(cfg, a.names, a.metrics, a.logger); err != nil {
		return fmt.Errorf("failed to initialize indexer: %w", err)
	}

	dispatcher, err := fanout.New(a.mailer, a.indexer, a.metrics, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize fan-out: %w", err)
	}

	a.pipeline, err = pipeline.NewPipeline(cfg, decoder.New(a.logger), v, a.policies, a.store, dispatcher, a.metrics, a.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	if a.reloader, err = reload.NewReloadManager(a.configManager, a.logger); err != nil {
		return fmt.Errorf("failed to initialize reload manager: %w", err)
	}
	a.reloader.SetConfigFile(a.configFile)
	a.reloader.RegisterComponent("policy", a.policies)

	if a.listener, err = listener.NewListener(cfg, a.pipeline, a.metrics, a.logger); err != nil {
		return fmt.Errorf("failed to initialize SNMP listener: %w", err)
	}

	a.logger.Info("Application components initialized successfully",
		"manager", a.policies.Manager(),
		"handlers", a.policies.Table().Len())
	return nil
}

// Start starts the metrics server, the reload watcher and the listener.
func (a *Application) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.listener == nil {
		return fmt.Errorf("application is not initialized")
	}
	if a.started {
		return fmt.Errorf("application is already running")
	}

	if err := a.metrics.Start(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	if err := a.reloader.Start(); err != nil {
		a.logger.Warn("Hot reload unavailable", "error", err.Error())
	}
	if err := a.listener.Start(ctx); err != nil {
		return fmt.Errorf("failed to start SNMP listener: %w", err)
	}

	for _, component := range []string{"listener", "storage", "policy"} {
		a.metrics.SetComponentHealth(component, true)
	}
	a.metrics.SetReady(true)
	a.started = true

	a.logger.Info("Application started successfully, listening for SNMP traps")
	return nil
}

// Run starts the application and blocks until ctx is done or a termination
// signal arrives, then shuts down.
func (a *Application) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return multierr.Append(err, a.Shutdown())
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case sig := <-sigChan:
		a.logger.Info("Received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		a.logger.Info("Application context cancelled")
	}

	return a.Shutdown()
}

// Shutdown stops intake first, lets in-flight messages finish, then closes
// the backends. Every step runs even when an earlier one fails.
func (a *Application) Shutdown() error {
	a.mu.Lock()
	if a.shutdown {
		a.mu.Unlock()
		return nil
	}
	a.shutdown = true
	a.mu.Unlock()

	a.logger.Info("Shutting down application")
	if a.metrics != nil {
		a.metrics.SetReady(false)
	}

	done := make(chan error, 1)
	go func() {
		done <- a.stopComponents()
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(a.config.ShutdownTimeout):
		err = fmt.Errorf("shutdown timed out after %s", a.config.ShutdownTimeout)
	}

	if err != nil {
		a.logger.Error("Shutdown completed with errors", "error", err.Error())
	} else {
		a.logger.Info("Application shutdown completed successfully")
	}

	if a.logCloser != nil {
		err = multierr.Append(err, a.logCloser.Close())
	}
	return err
}

func (a *Application) stopComponents() error {
	var err error

	if a.reloader != nil {
		if e := a.reloader.Stop(); e != nil {
			err = multierr.Append(err, fmt.Errorf("reload manager shutdown error: %w", e))
		}
	}
	if a.listener != nil {
		if e := a.listener.Stop(); e != nil {
			err = multierr.Append(err, fmt.Errorf("listener shutdown error: %w", e))
		}
	}
	if a.store != nil {
		if e := a.store.Close(); e != nil {
			err = multierr.Append(err, fmt.Errorf("storage shutdown error: %w", e))
		}
	}
	if a.names != nil {
		if e := a.names.Close(); e != nil {
			err = multierr.Append(err, fmt.Errorf("resolver shutdown error: %w", e))
		}
	}
	if a.metrics != nil {
		if e := a.metrics.Stop(); e != nil {
			err = multierr.Append(err, fmt.Errorf("metrics shutdown error: %w", e))
		}
	}
	return err
}

// Listener returns the UDP listener, or nil before Initialize.
func (a *Application) Listener() *listener.Listener {
	return a.listener
}

// Store returns the notification store, or nil before Initialize.
func (a *Application) Store() *storage.Store {
	return a.store
}

// Metrics returns the metrics sink, or nil before Initialize.
func (a *Application) Metrics() *metrics.MetricsManager {
	return a.metrics
}

// Stats returns a snapshot of the component statistics.
func (a *Application) Stats() map[string]any {
	stats := map[string]any{}
	if a.listener != nil {
		stats["listener"] = a.listener.GetStats()
	}
	if a.pipeline != nil {
		stats["pipeline"] = a.pipeline.GetStats()
	}
	if a.mailer != nil {
		stats["mailer"] = a.mailer.GetStats()
	}
	if a.indexer != nil {
		stats["indexer"] = a.indexer.GetStats()
	}
	if a.names != nil {
		stats["resolver"] = a.names.GetStats()
	}
	if a.reloader != nil {
		stats["reload"] = a.reloader.GetStats()
	}
	return stats
}
