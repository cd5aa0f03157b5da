// Package reload watches the configuration file and rebuilds the components
// that depend on it, such as the policy table, without restarting.
package reload

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"go.uber.org/multierr"
)

// ReloadEvent represents a reload event
type ReloadEvent struct {
	Type      ReloadType    `json:"type"`
	Source    string        `json:"source"`
	Timestamp time.Time     `json:"timestamp"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// ReloadType defines what triggered a reload
type ReloadType string

const (
	ReloadTypeFile   ReloadType = "file"
	ReloadTypeManual ReloadType = "manual"
)

// maxEvents bounds the reload history.
const maxEvents = 100

// ReloadHandler is a function that handles reload events
type ReloadHandler func(event ReloadEvent) error

// ComponentReloader is implemented by components that rebuild their state
// from configuration. A component that fails must keep its previous state.
type ComponentReloader interface {
	Reload(cfg config.Provider) error
}

// ReloaderFunc adapts a function to ComponentReloader.
type ReloaderFunc func(cfg config.Provider) error

// Reload implements ComponentReloader.
func (f ReloaderFunc) Reload(cfg config.Provider) error {
	return f(cfg)
}

// ReloadConfig holds configuration for the reload manager
type ReloadConfig struct {
	Enabled              bool          `json:"enabled"`
	ConfigFile           string        `json:"config_file"`
	ReloadDelay          time.Duration `json:"reload_delay"`
	ValidateBeforeReload bool          `json:"validate_before_reload"`
}

// DefaultReloadConfig returns a default reload configuration
func DefaultReloadConfig() *ReloadConfig {
	return &ReloadConfig{
		Enabled:              true,
		ReloadDelay:          2 * time.Second,
		ValidateBeforeReload: true,
	}
}

// ReloadStats tracks reload statistics
type ReloadStats struct {
	TotalReloads       int64         `json:"total_reloads"`
	SuccessfulReloads  int64         `json:"successful_reloads"`
	FailedReloads      int64         `json:"failed_reloads"`
	FileReloads        int64         `json:"file_reloads"`
	LastReloadTime     time.Time     `json:"last_reload_time"`
	LastReloadDuration time.Duration `json:"last_reload_duration"`
}

type namedComponent struct {
	name      string
	component ComponentReloader
}

// ReloadManager reloads the configuration manager when the config file
// changes and then reloads every registered component in registration order.
type ReloadManager struct {
	config        *ReloadConfig
	logger        logging.Logger
	configManager config.Manager
	watcher       *fsnotify.Watcher

	mu         sync.RWMutex
	reloadMu   sync.Mutex
	components []namedComponent
	handlers   []ReloadHandler
	events     []ReloadEvent
	stats      ReloadStats

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReloadManager creates a reload manager reading reload.* from the
// configuration it watches.
func NewReloadManager(configManager config.Manager, logger logging.Logger) (*ReloadManager, error) {
	if configManager == nil {
		return nil, fmt.Errorf("config manager cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	reloadConfig := DefaultReloadConfig()

	if enabled, err := configManager.GetBool("reload.enabled", reloadConfig.Enabled); err == nil {
		reloadConfig.Enabled = enabled
	}
	if delay, err := configManager.GetDuration("reload.reload_delay", reloadConfig.ReloadDelay); err == nil {
		reloadConfig.ReloadDelay = delay
	}
	if validate, err := configManager.GetBool("reload.validate_before_reload", reloadConfig.ValidateBeforeReload); err == nil {
		reloadConfig.ValidateBeforeReload = validate
	}

	return New(reloadConfig, configManager, logger)
}

// New creates a reload manager from an explicit configuration.
func New(reloadConfig *ReloadConfig, configManager config.Manager, logger logging.Logger) (*ReloadManager, error) {
	if configManager == nil {
		return nil, fmt.Errorf("config manager cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if reloadConfig == nil {
		reloadConfig = DefaultReloadConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &ReloadManager{
		config:        reloadConfig,
		logger:        logger.With("component", "reload"),
		configManager: configManager,
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// SetConfigFile sets the configuration file to watch. It must be called
// before Start.
func (rm *ReloadManager) SetConfigFile(configFile string) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.config.ConfigFile = configFile
}

// RegisterComponent registers a component for hot reload
func (rm *ReloadManager) RegisterComponent(name string, component ComponentReloader) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.components = append(rm.components, namedComponent{name: name, component: component})
	rm.logger.Debug("Registered component for hot reload", "reloadable", name)
}

// AddHandler adds a reload event handler
func (rm *ReloadManager) AddHandler(handler ReloadHandler) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.handlers = append(rm.handlers, handler)
}

// Start starts watching the configuration file.
func (rm *ReloadManager) Start() error {
	if !rm.config.Enabled {
		rm.logger.Info("Hot reload is disabled")
		return nil
	}

	rm.mu.RLock()
	configFile := rm.config.ConfigFile
	rm.mu.RUnlock()

	if configFile == "" {
		rm.logger.Info("No configuration file to watch, hot reload inactive")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Editors replace files by rename, which drops a watch on the file
	// itself; the directory watch survives.
	target := filepath.Clean(configFile)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	rm.watcher = watcher

	rm.wg.Add(1)
	go rm.watchFiles(target)

	rm.logger.Info("Watching configuration file", "file", target, "reload_delay", rm.config.ReloadDelay)
	return nil
}

// Stop stops the reload manager
func (rm *ReloadManager) Stop() error {
	rm.cancel()

	var err error
	if rm.watcher != nil {
		err = rm.watcher.Close()
	}
	rm.wg.Wait()

	if err != nil {
		return fmt.Errorf("failed to close file watcher: %w", err)
	}
	return nil
}

// TriggerReload reloads the configuration and every component now.
func (rm *ReloadManager) TriggerReload(source string) error {
	if !rm.config.Enabled {
		return fmt.Errorf("hot reload is disabled")
	}
	return rm.performReload(ReloadTypeManual, source)
}

// GetStats returns reload statistics
func (rm *ReloadManager) GetStats() ReloadStats {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.stats
}

// GetRecentEvents returns at most limit recent reload events, oldest first.
func (rm *ReloadManager) GetRecentEvents(limit int) []ReloadEvent {
	rm.mu.RLock()
	defer rm.mu.RUnlock()

	if limit <= 0 || limit > len(rm.events) {
		limit = len(rm.events)
	}

	start := len(rm.events) - limit
	events := make([]ReloadEvent, limit)
	copy(events, rm.events[start:])
	return events
}

// watchFiles debounces changes to target into a single reload.
func (rm *ReloadManager) watchFiles(target string) {
	defer rm.wg.Done()

	debounceTimer := time.NewTimer(0)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}
	defer debounceTimer.Stop()

	pending := false

	for {
		select {
		case <-rm.ctx.Done():
			return

		case event, ok := <-rm.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			rm.logger.Debug("Configuration file changed", "file", event.Name, "operation", event.Op.String())
			pending = true
			debounceTimer.Reset(rm.config.ReloadDelay)

		case <-debounceTimer.C:
			if pending {
				pending = false
				if err := rm.performReload(ReloadTypeFile, target); err != nil {
					rm.logger.Error("Failed to perform reload", "source", target, "error", err.Error())
				}
			}

		case err, ok := <-rm.watcher.Errors:
			if !ok {
				return
			}
			rm.logger.Error("File watcher error", "error", err.Error())
		}
	}
}

// performReload reloads the configuration manager, then every component.
// A failing component does not prevent the others from reloading.
func (rm *ReloadManager) performReload(reloadType ReloadType, source string) error {
	rm.reloadMu.Lock()
	defer rm.reloadMu.Unlock()

	startTime := time.Now()
	event := ReloadEvent{
		Type:      reloadType,
		Source:    source,
		Timestamp: startTime,
	}

	rm.logger.Info("Starting reload", "type", string(reloadType), "source", source)

	err := rm.reload()

	event.Duration = time.Since(startTime)
	event.Success = err == nil
	if err != nil {
		event.Error = err.Error()
	}

	rm.record(event)
	rm.notifyHandlers(event)

	if err != nil {
		rm.logger.Error("Reload failed", "type", string(reloadType), "source", source, "duration", event.Duration, "error", err.Error())
		return err
	}

	rm.logger.Info("Reload completed successfully", "type", string(reloadType), "source", source, "duration", event.Duration)
	return nil
}

func (rm *ReloadManager) reload() error {
	if err := rm.configManager.Reload(); err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}

	if rm.config.ValidateBeforeReload {
		if err := rm.configManager.Validate(); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
	}

	rm.mu.RLock()
	components := append([]namedComponent(nil), rm.components...)
	rm.mu.RUnlock()

	var errs error
	for _, c := range components {
		if err := c.component.Reload(rm.configManager); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to reload component %s: %w", c.name, err))
		}
	}
	return errs
}

func (rm *ReloadManager) record(event ReloadEvent) {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.stats.TotalReloads++
	if event.Success {
		rm.stats.SuccessfulReloads++
	} else {
		rm.stats.FailedReloads++
	}
	if event.Type == ReloadTypeFile {
		rm.stats.FileReloads++
	}
	rm.stats.LastReloadTime = event.Timestamp
	rm.stats.LastReloadDuration = event.Duration

	rm.events = append(rm.events, event)
	if len(rm.events) > maxEvents {
		rm.events = rm.events[len(rm.events)-maxEvents:]
	}
}

// notifyHandlers calls every handler in order.
func (rm *ReloadManager) notifyHandlers(event ReloadEvent) {
	rm.mu.RLock()
	handlers := append([]ReloadHandler(nil), rm.handlers...)
	rm.mu.RUnlock()

	for _, h := range handlers {
		if err := h(event); err != nil {
			rm.logger.Error("Reload handler error", "error", err.Error())
		}
	}
}
