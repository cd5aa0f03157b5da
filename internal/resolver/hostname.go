package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/miekg/dns"
	"golang.org/x/time/rate"
)

// ErrNoPTRRecord is returned when the address has no reverse record.
var ErrNoPTRRecord = errors.New("no PTR record")

// HostnameConfig holds configuration for reverse DNS lookups
type HostnameConfig struct {
	Enabled    bool          `json:"enabled"`
	Servers    []string      `json:"servers"`
	Timeout    time.Duration `json:"timeout"`
	CacheSize  int           `json:"cache_size"`
	CacheTTL   time.Duration `json:"cache_ttl"`
	RateLimit  float64       `json:"rate_limit"`
	ResolvConf string        `json:"resolv_conf"`
}

// DefaultHostnameConfig returns a default reverse DNS configuration
func DefaultHostnameConfig() *HostnameConfig {
	return &HostnameConfig{
		Enabled:    true,
		Timeout:    2 * time.Second,
		CacheSize:  4096,
		CacheTTL:   10 * time.Minute,
		RateLimit:  100,
		ResolvConf: "/etc/resolv.conf",
	}
}

// HostnameLookup maps a trap source address to a display name.
type HostnameLookup interface {
	HostnameOrIP(ctx context.Context, ip string) string
}

// HostnameResolver performs PTR lookups for trap sources. Answers, including
// misses, are cached for CacheTTL and outgoing queries are rate limited.
type HostnameResolver struct {
	config  *HostnameConfig
	client  *dns.Client
	cache   *expirable.LRU[string, string]
	limiter *rate.Limiter
	logger  logging.Logger
}

// NewHostnameResolver creates a reverse resolver from the dns.* configuration.
func NewHostnameResolver(cfg config.Provider, logger logging.Logger) (*HostnameResolver, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	hostnameConfig := DefaultHostnameConfig()

	if enabled, err := cfg.GetBool("dns.enabled", hostnameConfig.Enabled); err == nil {
		hostnameConfig.Enabled = enabled
	}

	if servers, err := cfg.GetStringSlice("dns.servers"); err == nil && len(servers) > 0 {
		hostnameConfig.Servers = servers
	}

	if timeout, err := cfg.GetDuration("dns.timeout", hostnameConfig.Timeout); err == nil {
		hostnameConfig.Timeout = timeout
	}

	if cacheSize, err := cfg.GetInt("dns.cache_size", hostnameConfig.CacheSize); err == nil {
		hostnameConfig.CacheSize = cacheSize
	}

	if cacheTTL, err := cfg.GetDuration("dns.cache_ttl", hostnameConfig.CacheTTL); err == nil {
		hostnameConfig.CacheTTL = cacheTTL
	}

	if rateLimit, err := cfg.GetFloat("dns.rate_limit", hostnameConfig.RateLimit); err == nil {
		hostnameConfig.RateLimit = rateLimit
	}

	return NewHostname(hostnameConfig, logger)
}

// NewHostname creates a reverse resolver from an explicit configuration. When
// no servers are configured they are read from ResolvConf.
func NewHostname(hostnameConfig *HostnameConfig, logger logging.Logger) (*HostnameResolver, error) {
	if hostnameConfig == nil {
		hostnameConfig = DefaultHostnameConfig()
	}

	h := &HostnameResolver{
		config: hostnameConfig,
		client: &dns.Client{Net: "udp", Timeout: hostnameConfig.Timeout},
		cache:  expirable.NewLRU[string, string](hostnameConfig.CacheSize, nil, hostnameConfig.CacheTTL),
		logger: logger.With("component", "hostname-resolver"),
	}

	if hostnameConfig.RateLimit > 0 {
		h.limiter = rate.NewLimiter(rate.Limit(hostnameConfig.RateLimit), 1)
	}

	servers := make([]string, 0, len(hostnameConfig.Servers))
	for _, server := range hostnameConfig.Servers {
		servers = append(servers, withDefaultPort(server))
	}
	hostnameConfig.Servers = servers

	if hostnameConfig.Enabled && len(hostnameConfig.Servers) == 0 {
		clientConfig, err := dns.ClientConfigFromFile(hostnameConfig.ResolvConf)
		if err != nil {
			h.logger.Warn("No DNS servers available, reverse lookups disabled", "resolv_conf", hostnameConfig.ResolvConf, "error", err.Error())
			hostnameConfig.Enabled = false
		} else {
			for _, server := range clientConfig.Servers {
				hostnameConfig.Servers = append(hostnameConfig.Servers, net.JoinHostPort(server, clientConfig.Port))
			}
		}
	}

	return h, nil
}

// HostnameOrIP returns the PTR name of ip, or ip itself when the lookup is
// disabled, fails, or finds nothing.
func (h *HostnameResolver) HostnameOrIP(ctx context.Context, ip string) string {
	if !h.config.Enabled {
		return ip
	}

	if name, ok := h.cache.Get(ip); ok {
		if name == "" {
			return ip
		}
		return name
	}

	name, err := h.Lookup(ctx, ip)
	if err != nil {
		h.logger.Debug("Reverse lookup failed", "ip", ip, "error", err.Error())
		if errors.Is(err, ErrNoPTRRecord) {
			h.cache.Add(ip, "")
		}
		return ip
	}

	h.cache.Add(ip, name)
	return name
}

// Lookup queries the configured servers in order for the PTR record of ip.
func (h *HostnameResolver) Lookup(ctx context.Context, ip string) (string, error) {
	arpa, err := dns.ReverseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", ip, err)
	}

	if h.limiter != nil {
		if err := h.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limited: %w", err)
		}
	}

	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)

	var lastErr error
	for _, server := range h.config.Servers {
		resp, _, err := h.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			lastErr = fmt.Errorf("query %s: %w", server, err)
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return "", ErrNoPTRRecord
		default:
			lastErr = fmt.Errorf("query %s: %s", server, dns.RcodeToString[resp.Rcode])
			continue
		}

		for _, rr := range resp.Answer {
			if ptr, ok := rr.(*dns.PTR); ok {
				return strings.TrimSuffix(ptr.Ptr, "."), nil
			}
		}
		return "", ErrNoPTRRecord
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no DNS servers configured")
	}
	return "", lastErr
}

// withDefaultPort appends the DNS port to a server given as a bare address.
func withDefaultPort(server string) string {
	if _, _, err := net.SplitHostPort(server); err == nil {
		return server
	}
	return net.JoinHostPort(strings.Trim(server, "[]"), "53")
}
