// Package resolver provides OID name resolution, pretty value rendering and
// reverse DNS lookups for trap sources.
package resolver

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/common/snmptranslate"
	"github.com/geekxflood/trapkeeper/internal/types"
	lru "github.com/hashicorp/golang-lru/v2"
)

// ResolverConfig holds configuration for the OID resolver
type ResolverConfig struct {
	MIBDir       string `json:"mib_dir"`
	CacheEnabled bool   `json:"cache_enabled"`
	CacheSize    int    `json:"cache_size"`
}

// DefaultResolverConfig returns a default resolver configuration
func DefaultResolverConfig() *ResolverConfig {
	return &ResolverConfig{
		MIBDir:       "",
		CacheEnabled: true,
		CacheSize:    10000,
	}
}

// ResolverStats tracks resolver statistics
type ResolverStats struct {
	TotalLookups   int64 `json:"total_lookups"`
	CacheHits      int64 `json:"cache_hits"`
	CacheMisses    int64 `json:"cache_misses"`
	ExactMatches   int64 `json:"exact_matches"`
	PartialMatches int64 `json:"partial_matches"`
	Unresolved     int64 `json:"unresolved"`
	CacheSize      int   `json:"cache_size"`
}

// OIDInfo is the symbolic form of a numeric OID.
type OIDInfo struct {
	OID string `json:"oid"`
	// Name is the symbolic name including any instance suffix, e.g.
	// "sysLocation.0". It equals OID when nothing matched.
	Name string `json:"name"`
	// Base is the matched object name without the suffix.
	Base     string `json:"base,omitempty"`
	Module   string `json:"module,omitempty"`
	Resolved bool   `json:"resolved"`
}

// NameResolver is the name lookup service consumed by the pipeline.
type NameResolver interface {
	Resolve(oid string) OIDInfo
	PrettyValue(vb types.Varbind) string
}

// Resolver resolves OIDs against the loaded MIBs and a builtin table of the
// standard SNMPv2 and IF-MIB objects. Results are kept in an LRU cache.
type Resolver struct {
	config     *ResolverConfig
	translator snmptranslate.Translator
	cache      *lru.Cache[string, OIDInfo]
	logger     logging.Logger

	mu    sync.Mutex
	stats ResolverStats
}

// NewResolver creates a new OID resolver from the resolver.* configuration.
func NewResolver(cfg config.Provider, logger logging.Logger) (*Resolver, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	resolverConfig := DefaultResolverConfig()

	if mibDir, err := cfg.GetString("resolver.mib_dir", resolverConfig.MIBDir); err == nil {
		resolverConfig.MIBDir = mibDir
	}

	if cacheEnabled, err := cfg.GetBool("resolver.cache_enabled", resolverConfig.CacheEnabled); err == nil {
		resolverConfig.CacheEnabled = cacheEnabled
	}

	if cacheSize, err := cfg.GetInt("resolver.cache_size", resolverConfig.CacheSize); err == nil {
		resolverConfig.CacheSize = cacheSize
	}

	return New(resolverConfig, logger)
}

// New creates a resolver from an explicit configuration. A MIB directory that
// does not exist is logged and the builtin table is used alone.
func New(resolverConfig *ResolverConfig, logger logging.Logger) (*Resolver, error) {
	if resolverConfig == nil {
		resolverConfig = DefaultResolverConfig()
	}

	r := &Resolver{
		config: resolverConfig,
		logger: logger.With("component", "resolver"),
	}

	if resolverConfig.CacheEnabled && resolverConfig.CacheSize > 0 {
		cache, err := lru.New[string, OIDInfo](resolverConfig.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create resolver cache: %w", err)
		}
		r.cache = cache
	}

	if resolverConfig.MIBDir != "" {
		if _, err := os.Stat(resolverConfig.MIBDir); err != nil {
			r.logger.Warn("MIB directory unavailable, using builtin names", "mib_dir", resolverConfig.MIBDir, "error", err.Error())
		} else {
			translator := snmptranslate.New()
			if err := translator.Init(resolverConfig.MIBDir); err != nil {
				return nil, fmt.Errorf("failed to load MIBs from %s: %w", resolverConfig.MIBDir, err)
			}
			r.translator = translator
			r.logger.Info("MIB translator initialized", "mib_dir", resolverConfig.MIBDir)
		}
	}

	return r, nil
}

// Resolve returns the symbolic name of oid. The longest known prefix wins
// and the remaining arcs are kept as an instance suffix.
func (r *Resolver) Resolve(oid string) OIDInfo {
	oid = strings.TrimPrefix(oid, ".")

	r.mu.Lock()
	r.stats.TotalLookups++
	r.mu.Unlock()

	if r.cache != nil {
		if info, ok := r.cache.Get(oid); ok {
			r.count(func(s *ResolverStats) { s.CacheHits++ })
			return info
		}
		r.count(func(s *ResolverStats) { s.CacheMisses++ })
	}

	info := r.resolve(oid)
	if r.cache != nil {
		r.cache.Add(oid, info)
	}
	return info
}

func (r *Resolver) resolve(oid string) OIDInfo {
	parts := strings.Split(oid, ".")

	for i := len(parts); i >= 2; i-- {
		prefix := strings.Join(parts[:i], ".")
		name, module, ok := r.lookup(prefix)
		if !ok {
			continue
		}

		info := OIDInfo{OID: oid, Name: name, Base: name, Module: module, Resolved: true}
		if i < len(parts) {
			info.Name = name + "." + strings.Join(parts[i:], ".")
			r.count(func(s *ResolverStats) { s.PartialMatches++ })
		} else {
			r.count(func(s *ResolverStats) { s.ExactMatches++ })
		}
		return info
	}

	r.count(func(s *ResolverStats) { s.Unresolved++ })
	return OIDInfo{OID: oid, Name: oid}
}

func (r *Resolver) lookup(oid string) (name, module string, ok bool) {
	if r.translator != nil {
		if translated, err := r.translator.Translate(oid); err == nil && translated != "" && strings.Trim(translated, ".") != oid {
			if entry, found := builtinNames[oid]; found {
				return translated, entry.module, true
			}
			return translated, "", true
		}
	}
	if entry, found := builtinNames[oid]; found {
		return entry.name, entry.module, true
	}
	return "", "", false
}

func (r *Resolver) count(update func(*ResolverStats)) {
	r.mu.Lock()
	update(&r.stats)
	r.mu.Unlock()
}

// Name is a shorthand for Resolve(oid).Name.
func (r *Resolver) Name(oid string) string {
	return r.Resolve(oid).Name
}

// PrettyValue renders a varbind value for humans: OIDs as symbolic names,
// timeticks as an uptime, printable octets as text and the rest as hex.
func (r *Resolver) PrettyValue(vb types.Varbind) string {
	switch vb.Kind {
	case types.KindOID:
		if oid, ok := vb.Value.(string); ok {
			return r.Name(oid)
		}
	case types.KindTimeTicks:
		if ticks, ok := vb.Value.(uint64); ok {
			return FormatTimeTicks(ticks)
		}
	}
	return vb.String()
}

// FormatTimeTicks renders hundredths of a second as "3 days, 04:05:06.07".
func FormatTimeTicks(ticks uint64) string {
	d := time.Duration(ticks) * 10 * time.Millisecond
	days := int64(d / (24 * time.Hour))
	d -= time.Duration(days) * 24 * time.Hour
	hours := int64(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	minutes := int64(d / time.Minute)
	d -= time.Duration(minutes) * time.Minute
	seconds := int64(d / time.Second)
	d -= time.Duration(seconds) * time.Second
	hundredths := int64(d / (10 * time.Millisecond))

	clock := fmt.Sprintf("%02d:%02d:%02d.%02d", hours, minutes, seconds, hundredths)
	switch days {
	case 0:
		return clock
	case 1:
		return "1 day, " + clock
	default:
		return fmt.Sprintf("%d days, %s", days, clock)
	}
}

// GetStats returns resolver statistics
func (r *Resolver) GetStats() ResolverStats {
	r.mu.Lock()
	stats := r.stats
	r.mu.Unlock()

	if r.cache != nil {
		stats.CacheSize = r.cache.Len()
	}
	return stats
}

// ClearCache clears all cached entries
func (r *Resolver) ClearCache() {
	if r.cache != nil {
		r.cache.Purge()
	}
}

// Close releases the MIB translator.
func (r *Resolver) Close() error {
	if r.translator != nil {
		return r.translator.Close()
	}
	return nil
}

type builtinName struct {
	name   string
	module string
}

var builtinNames = map[string]builtinName{
	"1.3.6.1.2.1.1.1":        {"sysDescr", "SNMPv2-MIB"},
	"1.3.6.1.2.1.1.2":        {"sysObjectID", "SNMPv2-MIB"},
	"1.3.6.1.2.1.1.3":        {"sysUpTime", "SNMPv2-MIB"},
	"1.3.6.1.2.1.1.4":        {"sysContact", "SNMPv2-MIB"},
	"1.3.6.1.2.1.1.5":        {"sysName", "SNMPv2-MIB"},
	"1.3.6.1.2.1.1.6":        {"sysLocation", "SNMPv2-MIB"},
	"1.3.6.1.2.1.1.7":        {"sysServices", "SNMPv2-MIB"},
	"1.3.6.1.2.1.2.2.1.1":    {"ifIndex", "IF-MIB"},
	"1.3.6.1.2.1.2.2.1.2":    {"ifDescr", "IF-MIB"},
	"1.3.6.1.2.1.2.2.1.3":    {"ifType", "IF-MIB"},
	"1.3.6.1.2.1.2.2.1.7":    {"ifAdminStatus", "IF-MIB"},
	"1.3.6.1.2.1.2.2.1.8":    {"ifOperStatus", "IF-MIB"},
	"1.3.6.1.2.1.31.1.1.1.1": {"ifName", "IF-MIB"},
	"1.3.6.1.6.3.1.1.4.1":    {"snmpTrapOID", "SNMPv2-MIB"},
	"1.3.6.1.6.3.1.1.4.3":    {"snmpTrapEnterprise", "SNMPv2-MIB"},
	"1.3.6.1.6.3.1.1.5.1":    {"coldStart", "SNMPv2-MIB"},
	"1.3.6.1.6.3.1.1.5.2":    {"warmStart", "SNMPv2-MIB"},
	"1.3.6.1.6.3.1.1.5.3":    {"linkDown", "IF-MIB"},
	"1.3.6.1.6.3.1.1.5.4":    {"linkUp", "IF-MIB"},
	"1.3.6.1.6.3.1.1.5.5":    {"authenticationFailure", "SNMPv2-MIB"},
	"1.3.6.1.6.3.1.1.5.6":    {"egpNeighborLoss", "RFC1213-MIB"},
}
