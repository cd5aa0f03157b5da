package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/geekxflood/trapkeeper/internal/metrics"
	"github.com/geekxflood/trapkeeper/internal/testutil"
	"github.com/geekxflood/trapkeeper/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	linkDown = "1.3.6.1.6.3.1.1.5.3"
	linkUp   = "1.3.6.1.6.3.1.1.5.4"
	coldBoot = "1.3.6.1.6.3.1.1.5.1"
)

func testConfig() *testutil.MockConfigProvider {
	return testutil.NewMockConfigProvider(map[string]any{
		"app.manager": "manager-a",
		"policy.default": map[string]any{
			"severity":   "warning",
			"expiration": "1d",
		},
		"policy.handlers": map[string]any{
			linkDown: map[string]any{
				"severity":   "critical",
				"expiration": "2h",
				"mail": map[string]any{
					"recipients":   []any{"noc@example.com"},
					"subject":      "{{ .trap_name }} from {{ .hostname }}",
					"on_duplicate": true,
				},
			},
			"." + linkUp: map[string]any{
				"blackhole": true,
			},
		},
	})
}

func newNotification(oid string) *types.Notification {
	return &types.Notification{
		Host:     "192.0.2.10",
		Version:  types.Version2c,
		TrapType: "trap2",
		OID:      oid,
		Sent:     time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestLoadTable(t *testing.T) {
	table, err := LoadTable(testConfig())
	require.NoError(t, err)

	assert.Equal(t, 2, table.Len())
	assert.Equal(t, []string{linkDown, linkUp}, table.OIDs())

	down := table.Lookup(linkDown)
	assert.Equal(t, "critical", down.Severity)
	assert.Equal(t, 2*time.Hour, down.Expiration)
	require.NotNil(t, down.Mail)
	assert.Equal(t, []string{"noc@example.com"}, down.Mail.Recipients)
	assert.True(t, down.Mail.OnDuplicate)

	up := table.Lookup(linkUp)
	assert.True(t, up.Blackhole)
	assert.Equal(t, "warning", up.Severity, "unset fields inherit the default")
	assert.Equal(t, 24*time.Hour, up.Expiration)

	other := table.Lookup(coldBoot)
	assert.Equal(t, table.Default(), other)
	assert.False(t, other.Blackhole)
	assert.Nil(t, other.Mail)
}

func TestLoadTableWithoutPolicySection(t *testing.T) {
	table, err := LoadTable(testutil.NewMockConfigProvider(nil))
	require.NoError(t, err)

	assert.Equal(t, 0, table.Len())
	assert.Equal(t, Policy{Severity: DefaultSeverity}, table.Lookup(linkDown))
}

func TestLoadTableErrors(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]any
	}{
		{name: "bad OID", values: map[string]any{"policy.handlers": map[string]any{"not.an.oid": map[string]any{}}}},
		{name: "handler not a map", values: map[string]any{"policy.handlers": map[string]any{linkDown: "critical"}}},
		{name: "unknown field", values: map[string]any{"policy.default": map[string]any{"colour": "red"}}},
		{name: "bad expiration", values: map[string]any{"policy.default": map[string]any{"expiration": "soon"}}},
		{name: "bad recipients", values: map[string]any{"policy.default": map[string]any{"mail": map[string]any{"recipients": []any{1}}}}},
		{name: "empty severity", values: map[string]any{"policy.default": map[string]any{"severity": ""}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadTable(testutil.NewMockConfigProvider(tt.values))
			assert.Error(t, err)
		})
	}
}

func TestParseExpiration(t *testing.T) {
	tests := []struct {
		value any
		want  time.Duration
	}{
		{value: nil, want: 0},
		{value: "", want: 0},
		{value: "30m", want: 30 * time.Minute},
		{value: "2d", want: 48 * time.Hour},
		{value: "1w", want: 7 * 24 * time.Hour},
		{value: "1h30m", want: 90 * time.Minute},
		{value: 90, want: 90 * time.Second},
		{value: 5 * time.Minute, want: 5 * time.Minute},
	}

	for _, tt := range tests {
		got, err := ParseExpiration(tt.value)
		require.NoError(t, err, "%v", tt.value)
		assert.Equal(t, tt.want, got, "%v", tt.value)
	}

	_, err := ParseExpiration(true)
	assert.Error(t, err)
}

func TestTableLookupReturnsCopies(t *testing.T) {
	table, err := LoadTable(testConfig())
	require.NoError(t, err)

	p := table.Lookup(linkDown)
	p.Mail.Recipients[0] = "changed@example.com"
	p.Severity = "info"

	again := table.Lookup(linkDown)
	assert.Equal(t, "noc@example.com", again.Mail.Recipients[0])
	assert.Equal(t, "critical", again.Severity)
}

func TestApplyAccepted(t *testing.T) {
	counters := metrics.NewCounters()
	r, err := NewResolver(testConfig(), counters, testutil.NewLogger())
	require.NoError(t, err)

	n := newNotification(linkDown)
	decision := r.Apply(context.Background(), n)

	assert.False(t, decision.Blackholed)
	assert.Equal(t, "critical", n.Severity)
	assert.Equal(t, "manager-a", n.Manager)
	require.NotNil(t, n.Expires)
	assert.Equal(t, n.Sent.Add(2*time.Hour), *n.Expires)
	require.NotNil(t, decision.Policy.Mail)

	assert.Equal(t, int64(1), counters.Value(metrics.TrapsReceived))
	assert.Equal(t, int64(1), counters.Value(metrics.TrapsAccepted))
	assert.Equal(t, int64(0), counters.Value(metrics.TrapsBlackholed))
}

func TestApplyBlackholed(t *testing.T) {
	counters := metrics.NewCounters()
	r, err := NewResolver(testConfig(), counters, testutil.NewLogger())
	require.NoError(t, err)

	decision := r.Apply(context.Background(), newNotification(linkUp))

	assert.True(t, decision.Blackholed)
	assert.Equal(t, int64(1), counters.Value(metrics.TrapsReceived))
	assert.Equal(t, int64(1), counters.Value(metrics.TrapsBlackholed))
	assert.Equal(t, int64(0), counters.Value(metrics.TrapsAccepted))
}

func TestApplyWithoutExpiration(t *testing.T) {
	r := New(NewTable(Policy{Severity: "info"}, nil), nil, testutil.NewLogger(), WithManager("m1"))

	n := newNotification(coldBoot)
	r.Apply(context.Background(), n)

	assert.Equal(t, "info", n.Severity)
	assert.Equal(t, "m1", n.Manager)
	assert.Nil(t, n.Expires)
}

func TestApplyManagerDefaultsToHostname(t *testing.T) {
	r := New(nil, nil, testutil.NewLogger())
	assert.NotEmpty(t, r.Manager())
}

func TestApplyEnricher(t *testing.T) {
	enricher := EnricherFunc(func(_ context.Context, n *types.Notification, p Policy) (Policy, error) {
		p.Severity = "major"
		p.Blackhole = n.Host == "192.0.2.66"
		return p, nil
	})

	r := New(NewTable(Policy{Severity: "info"}, nil), nil, testutil.NewLogger(), WithEnricher(enricher))

	n := newNotification(coldBoot)
	assert.False(t, r.Apply(context.Background(), n).Blackholed)
	assert.Equal(t, "major", n.Severity)

	n = newNotification(coldBoot)
	n.Host = "192.0.2.66"
	assert.True(t, r.Apply(context.Background(), n).Blackholed)
}

func TestApplyEnricherFailureKeepsPolicy(t *testing.T) {
	tests := []struct {
		name     string
		enricher Enricher
	}{
		{
			name: "error",
			enricher: EnricherFunc(func(context.Context, *types.Notification, Policy) (Policy, error) {
				return Policy{Severity: "ignored", Blackhole: true}, errors.New("lookup failed")
			}),
		},
		{
			name: "panic",
			enricher: EnricherFunc(func(_ context.Context, _ *types.Notification, p Policy) (Policy, error) {
				p.Mail.Recipients[0] = "mutated@example.com"
				panic("boom")
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counters := metrics.NewCounters()
			r, err := NewResolver(testConfig(), counters, testutil.NewLogger(), WithEnricher(tt.enricher))
			require.NoError(t, err)

			n := newNotification(linkDown)
			decision := r.Apply(context.Background(), n)

			assert.False(t, decision.Blackholed)
			assert.Equal(t, "critical", n.Severity)
			assert.Equal(t, []string{"noc@example.com"}, decision.Policy.Mail.Recipients)
			assert.Equal(t, int64(1), counters.Value(metrics.DDEFailure))
			assert.Equal(t, int64(1), counters.Value(metrics.TrapsAccepted))
		})
	}
}

func TestApplyEnricherNotificationChanges(t *testing.T) {
	mutate := func(n *types.Notification) {
		n.Host = "198.51.100.1"
		n.Varbinds[0].Value = []byte("changed")
	}
	withVarbind := func() *types.Notification {
		n := newNotification(linkDown)
		n.Varbinds = []types.Varbind{{OID: "1.3.6.1.2.1.1.6.0", Value: []byte("Lab-1"), Kind: types.KindOctet}}
		return n
	}

	t.Run("discarded on error", func(t *testing.T) {
		r := New(NewTable(Policy{Severity: "info"}, nil), nil, testutil.NewLogger(),
			WithEnricher(EnricherFunc(func(_ context.Context, n *types.Notification, p Policy) (Policy, error) {
				mutate(n)
				return p, errors.New("lookup failed")
			})))

		n := withVarbind()
		r.Apply(context.Background(), n)
		assert.Equal(t, "192.0.2.10", n.Host)
		assert.Equal(t, []byte("Lab-1"), n.Varbinds[0].Value)
	})

	t.Run("discarded on panic", func(t *testing.T) {
		r := New(NewTable(Policy{Severity: "info"}, nil), nil, testutil.NewLogger(),
			WithEnricher(EnricherFunc(func(_ context.Context, n *types.Notification, _ Policy) (Policy, error) {
				mutate(n)
				panic("boom")
			})))

		n := withVarbind()
		r.Apply(context.Background(), n)
		assert.Equal(t, "192.0.2.10", n.Host)
		assert.Equal(t, []byte("Lab-1"), n.Varbinds[0].Value)
	})

	t.Run("kept on success", func(t *testing.T) {
		r := New(NewTable(Policy{Severity: "info"}, nil), nil, testutil.NewLogger(),
			WithEnricher(EnricherFunc(func(_ context.Context, n *types.Notification, p Policy) (Policy, error) {
				mutate(n)
				return p, nil
			})))

		n := withVarbind()
		r.Apply(context.Background(), n)
		assert.Equal(t, "198.51.100.1", n.Host)
		assert.Equal(t, []byte("changed"), n.Varbinds[0].Value)
		assert.Equal(t, "info", n.Severity)
	})
}

func TestSwap(t *testing.T) {
	r := New(NewTable(Policy{Severity: "info"}, nil), nil, testutil.NewLogger())

	previous := r.Swap(NewTable(Policy{Severity: "critical"}, nil))
	assert.Equal(t, "info", previous.Default().Severity)

	n := newNotification(coldBoot)
	r.Apply(context.Background(), n)
	assert.Equal(t, "critical", n.Severity)
}

func TestReload(t *testing.T) {
	counters := metrics.NewCounters()
	r := New(NewTable(Policy{Severity: "info"}, nil), counters, testutil.NewLogger())

	require.NoError(t, r.Reload(testConfig()))
	assert.Equal(t, 2, r.Table().Len())
	assert.Equal(t, int64(1), counters.Value(metrics.PolicyReloaded))

	n := newNotification(linkDown)
	r.Apply(context.Background(), n)
	assert.Equal(t, "critical", n.Severity)
}

func TestReloadFailureKeepsTable(t *testing.T) {
	counters := metrics.NewCounters()
	r := New(NewTable(Policy{Severity: "info"}, nil), counters, testutil.NewLogger())
	active := r.Table()

	err := r.Reload(testutil.NewMockConfigProvider(map[string]any{
		"policy.default": map[string]any{"expiration": "soon"},
	}))
	require.Error(t, err)
	assert.Same(t, active, r.Table())
	assert.Equal(t, int64(1), counters.Value(metrics.PolicyReloadFailed))
	assert.Equal(t, int64(0), counters.Value(metrics.PolicyReloaded))
}
