// Package testutil provides helpers shared by package tests: a map-backed
// config.Provider, a quiet logger and an SNMP trap generator.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geekxflood/common/logging"
)

// MockConfigProvider implements config.Provider over a flat map of dotted keys.
// Nested maps are also reachable through GetMap.
type MockConfigProvider struct {
	mu   sync.RWMutex
	data map[string]any
}

// NewMockConfigProvider creates a provider seeded with values.
func NewMockConfigProvider(values map[string]any) *MockConfigProvider {
	m := &MockConfigProvider{data: make(map[string]any)}
	for k, v := range values {
		m.data[k] = v
	}
	return m
}

// Set stores a value under key.
func (m *MockConfigProvider) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

func (m *MockConfigProvider) get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok
}

// GetString implements config.Provider.
func (m *MockConfigProvider) GetString(path string, defaultValue ...string) (string, error) {
	if val, ok := m.get(path); ok {
		if str, ok := val.(string); ok {
			return str, nil
		}
		return fmt.Sprintf("%v", val), nil
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return "", fmt.Errorf("path not found: %s", path)
}

// GetInt implements config.Provider.
func (m *MockConfigProvider) GetInt(path string, defaultValue ...int) (int, error) {
	if val, ok := m.get(path); ok {
		if i, ok := val.(int); ok {
			return i, nil
		}
		return 0, fmt.Errorf("path %s is not an int", path)
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return 0, fmt.Errorf("path not found: %s", path)
}

// GetFloat implements config.Provider.
func (m *MockConfigProvider) GetFloat(path string, defaultValue ...float64) (float64, error) {
	if val, ok := m.get(path); ok {
		switch f := val.(type) {
		case float64:
			return f, nil
		case int:
			return float64(f), nil
		}
		return 0, fmt.Errorf("path %s is not a float", path)
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return 0, fmt.Errorf("path not found: %s", path)
}

// GetBool implements config.Provider.
func (m *MockConfigProvider) GetBool(path string, defaultValue ...bool) (bool, error) {
	if val, ok := m.get(path); ok {
		if b, ok := val.(bool); ok {
			return b, nil
		}
		return false, fmt.Errorf("path %s is not a bool", path)
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return false, fmt.Errorf("path not found: %s", path)
}

// GetDuration implements config.Provider.
func (m *MockConfigProvider) GetDuration(path string, defaultValue ...time.Duration) (time.Duration, error) {
	if val, ok := m.get(path); ok {
		switch d := val.(type) {
		case time.Duration:
			return d, nil
		case string:
			return time.ParseDuration(d)
		}
		return 0, fmt.Errorf("path %s is not a duration", path)
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return 0, fmt.Errorf("path not found: %s", path)
}

// GetStringSlice implements config.Provider.
func (m *MockConfigProvider) GetStringSlice(path string, defaultValue ...[]string) ([]string, error) {
	if val, ok := m.get(path); ok {
		switch s := val.(type) {
		case []string:
			return s, nil
		case []any:
			out := make([]string, 0, len(s))
			for _, item := range s {
				out = append(out, fmt.Sprintf("%v", item))
			}
			return out, nil
		}
		return nil, fmt.Errorf("path %s is not a string slice", path)
	}
	if len(defaultValue) > 0 {
		return defaultValue[0], nil
	}
	return nil, fmt.Errorf("path not found: %s", path)
}

// GetMap implements config.Provider. A key holding a map is returned as is;
// otherwise the map is assembled from every "path.<key>" entry.
func (m *MockConfigProvider) GetMap(path string) (map[string]any, error) {
	if val, ok := m.get(path); ok {
		if mp, ok := val.(map[string]any); ok {
			return mp, nil
		}
		return nil, fmt.Errorf("path %s is not a map", path)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := path + "."
	out := make(map[string]any)
	for k, v := range m.data {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("path not found: %s", path)
	}
	return out, nil
}

// Exists implements config.Provider. A path exists when it holds a value or
// is the parent of one.
func (m *MockConfigProvider) Exists(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.data[path]; ok {
		return true
	}
	prefix := path + "."
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// Validate implements config.Provider.
func (m *MockConfigProvider) Validate() error {
	return nil
}

// MockConfigManager implements config.Manager. Reload returns ReloadErr and
// counts its calls.
type MockConfigManager struct {
	*MockConfigProvider
	ReloadErr error
	reloads   atomic.Int32
}

// NewMockConfigManager creates a manager seeded with values.
func NewMockConfigManager(values map[string]any) *MockConfigManager {
	return &MockConfigManager{MockConfigProvider: NewMockConfigProvider(values)}
}

// Reload implements config.Manager.
func (m *MockConfigManager) Reload() error {
	m.reloads.Add(1)
	return m.ReloadErr
}

// Reloads returns how often Reload was called.
func (m *MockConfigManager) Reloads() int {
	return int(m.reloads.Load())
}

// StartHotReload implements config.Manager.
func (m *MockConfigManager) StartHotReload(context.Context) error { return nil }

// StopHotReload implements config.Manager.
func (m *MockConfigManager) StopHotReload() {}

// OnConfigChange implements config.Manager.
func (m *MockConfigManager) OnConfigChange(func(error)) {}

// Close implements config.Manager.
func (m *MockConfigManager) Close() error { return nil }

// NewLogger returns a logger that only prints errors.
func NewLogger() logging.Logger {
	logger, _, err := logging.NewLogger(logging.Config{
		Level:  "error",
		Format: "logfmt",
		Output: "stderr",
	})
	if err != nil {
		panic(err)
	}
	return logger
}
