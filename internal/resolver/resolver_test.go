package resolver

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/geekxflood/trapkeeper/internal/testutil"
	"github.com/geekxflood/trapkeeper/internal/types"
	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(testutil.NewMockConfigProvider(nil), testutil.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestNewResolverRequiresDependencies(t *testing.T) {
	_, err := NewResolver(nil, testutil.NewLogger())
	assert.Error(t, err)

	_, err = NewResolver(testutil.NewMockConfigProvider(nil), nil)
	assert.Error(t, err)
}

func TestNewResolverMissingMIBDir(t *testing.T) {
	r, err := NewResolver(testutil.NewMockConfigProvider(map[string]any{
		"resolver.mib_dir": "/nonexistent/mibs",
	}), testutil.NewLogger())
	require.NoError(t, err)
	assert.Nil(t, r.translator)
	assert.Equal(t, "linkDown", r.Name("1.3.6.1.6.3.1.1.5.3"))
}

func TestResolve(t *testing.T) {
	r := newTestResolver(t)

	tests := []struct {
		oid      string
		name     string
		base     string
		resolved bool
	}{
		{oid: "1.3.6.1.2.1.1.6.0", name: "sysLocation.0", base: "sysLocation", resolved: true},
		{oid: ".1.3.6.1.2.1.1.6.0", name: "sysLocation.0", base: "sysLocation", resolved: true},
		{oid: "1.3.6.1.6.3.1.1.5.3", name: "linkDown", base: "linkDown", resolved: true},
		{oid: "1.3.6.1.2.1.2.2.1.8.12", name: "ifOperStatus.12", base: "ifOperStatus", resolved: true},
		{oid: "1.3.6.1.4.1.99999.1.2", name: "1.3.6.1.4.1.99999.1.2", resolved: false},
	}

	for _, tt := range tests {
		t.Run(tt.oid, func(t *testing.T) {
			info := r.Resolve(tt.oid)
			assert.Equal(t, tt.name, info.Name)
			assert.Equal(t, tt.base, info.Base)
			assert.Equal(t, tt.resolved, info.Resolved)
		})
	}
}

func TestResolveUsesCache(t *testing.T) {
	r := newTestResolver(t)

	r.Resolve("1.3.6.1.2.1.1.5.0")
	r.Resolve("1.3.6.1.2.1.1.5.0")

	stats := r.GetStats()
	assert.Equal(t, int64(2), stats.TotalLookups)
	assert.Equal(t, int64(1), stats.CacheHits)
	assert.Equal(t, int64(1), stats.PartialMatches)
	assert.Equal(t, 1, stats.CacheSize)

	r.ClearCache()
	assert.Equal(t, 0, r.GetStats().CacheSize)
}

func TestResolveCacheDisabled(t *testing.T) {
	r, err := New(&ResolverConfig{CacheEnabled: false}, testutil.NewLogger())
	require.NoError(t, err)

	r.Resolve("1.3.6.1.2.1.1.5.0")
	r.Resolve("1.3.6.1.2.1.1.5.0")
	assert.Equal(t, int64(0), r.GetStats().CacheHits)
	assert.Equal(t, int64(2), r.GetStats().PartialMatches)
}

func TestPrettyValue(t *testing.T) {
	r := newTestResolver(t)

	tests := []struct {
		name string
		vb   types.Varbind
		want string
	}{
		{name: "oid", vb: types.Varbind{Kind: types.KindOID, Value: "1.3.6.1.6.3.1.1.5.4"}, want: "linkUp"},
		{name: "timeticks", vb: types.Varbind{Kind: types.KindTimeTicks, Value: uint64(123456)}, want: "00:20:34.56"},
		{name: "text", vb: types.Varbind{Kind: types.KindOctet, Value: []byte("Lab-1")}, want: "Lab-1"},
		{name: "binary", vb: types.Varbind{Kind: types.KindOctet, Value: []byte{0x00, 0x1b, 0xff}}, want: "0x001bff"},
		{name: "integer", vb: types.Varbind{Kind: types.KindInteger, Value: int64(-3)}, want: "-3"},
		{name: "null", vb: types.Varbind{Kind: types.KindNull}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.PrettyValue(tt.vb))
		})
	}
}

func TestFormatTimeTicks(t *testing.T) {
	assert.Equal(t, "00:00:00.00", FormatTimeTicks(0))
	assert.Equal(t, "00:00:01.05", FormatTimeTicks(105))
	assert.Equal(t, "1 day, 00:00:00.00", FormatTimeTicks(8640000))
	assert.Equal(t, "3 days, 04:05:06.07", FormatTimeTicks(3*8640000+4*360000+5*6000+6*100+7))
}

// startDNSServer serves PTR answers from records and NXDOMAIN otherwise.
func startDNSServer(t *testing.T, records map[string]string) (string, *int64) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	var queries int64
	started := make(chan struct{})
	srv := &dns.Server{
		PacketConn: pc,
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, req *dns.Msg) {
			atomic.AddInt64(&queries, 1)
			resp := new(dns.Msg)
			resp.SetReply(req)

			name := req.Question[0].Name
			if target, ok := records[name]; ok {
				rr, err := dns.NewRR(name + " 300 IN PTR " + target)
				if err == nil {
					resp.Answer = []dns.RR{rr}
				}
			} else {
				resp.Rcode = dns.RcodeNameError
			}
			_ = w.WriteMsg(resp)
		}),
		NotifyStartedFunc: func() { close(started) },
	}

	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String(), &queries
}

func TestHostnameOrIP(t *testing.T) {
	addr, queries := startDNSServer(t, map[string]string{
		"10.2.0.192.in-addr.arpa.": "router1.example.net.",
	})

	h, err := NewHostname(&HostnameConfig{
		Enabled:   true,
		Servers:   []string{addr},
		Timeout:   time.Second,
		CacheSize: 16,
		CacheTTL:  time.Minute,
	}, testutil.NewLogger())
	require.NoError(t, err)

	ctx := context.Background()
	assert.Equal(t, "router1.example.net", h.HostnameOrIP(ctx, "192.0.2.10"))
	assert.Equal(t, "router1.example.net", h.HostnameOrIP(ctx, "192.0.2.10"))
	assert.Equal(t, int64(1), atomic.LoadInt64(queries))

	assert.Equal(t, "192.0.2.99", h.HostnameOrIP(ctx, "192.0.2.99"))
	assert.Equal(t, "192.0.2.99", h.HostnameOrIP(ctx, "192.0.2.99"))
	assert.Equal(t, int64(2), atomic.LoadInt64(queries), "misses are cached")

	_, err = h.Lookup(ctx, "192.0.2.99")
	assert.ErrorIs(t, err, ErrNoPTRRecord)
}

func TestHostnameOrIPDisabled(t *testing.T) {
	h, err := NewHostnameResolver(testutil.NewMockConfigProvider(map[string]any{
		"dns.enabled": false,
	}), testutil.NewLogger())
	require.NoError(t, err)

	assert.Equal(t, "192.0.2.10", h.HostnameOrIP(context.Background(), "192.0.2.10"))
}

func TestHostnameLookupInvalidAddress(t *testing.T) {
	h, err := NewHostname(&HostnameConfig{Enabled: true, Servers: []string{"127.0.0.1:1"}, CacheSize: 1, CacheTTL: time.Minute}, testutil.NewLogger())
	require.NoError(t, err)

	_, err = h.Lookup(context.Background(), "not-an-ip")
	assert.Error(t, err)
	assert.Equal(t, "not-an-ip", h.HostnameOrIP(context.Background(), "not-an-ip"))
}

func TestHostnameServersDefaultPort(t *testing.T) {
	h, err := NewHostnameResolver(testutil.NewMockConfigProvider(map[string]any{
		"dns.servers": []string{"192.0.2.53", "192.0.2.54:5353", "2001:db8::53", "[2001:db8::54]"},
	}), testutil.NewLogger())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"192.0.2.53:53",
		"192.0.2.54:5353",
		"[2001:db8::53]:53",
		"[2001:db8::54]:53",
	}, h.config.Servers)
}
