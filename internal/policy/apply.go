package policy

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/trapkeeper/internal/metrics"
	"github.com/geekxflood/trapkeeper/internal/types"
)

// Enricher is the enrichment hook run before a policy is applied. It may
// modify the notification and return an adjusted policy. Changes to the
// notification are kept only when the hook succeeds.
type Enricher interface {
	Enrich(ctx context.Context, n *types.Notification, p Policy) (Policy, error)
}

// EnricherFunc adapts a function to Enricher.
type EnricherFunc func(ctx context.Context, n *types.Notification, p Policy) (Policy, error)

// Enrich implements Enricher.
func (f EnricherFunc) Enrich(ctx context.Context, n *types.Notification, p Policy) (Policy, error) {
	return f(ctx, n, p)
}

// NopEnricher returns the policy unchanged.
type NopEnricher struct{}

// Enrich implements Enricher.
func (NopEnricher) Enrich(_ context.Context, _ *types.Notification, p Policy) (Policy, error) {
	return p, nil
}

// Namer renders an OID for log messages.
type Namer interface {
	Name(oid string) string
}

type numericNamer struct{}

func (numericNamer) Name(oid string) string { return oid }

// Decision is the outcome of applying the policy to one notification.
type Decision struct {
	Policy     Policy
	Blackholed bool
	TrapName   string
}

// Resolver applies handler policies. The table is an immutable snapshot
// replaced atomically on reload.
type Resolver struct {
	table    atomic.Pointer[Table]
	enricher Enricher
	namer    Namer
	manager  string
	metrics  metrics.Sink
	logger   logging.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithEnricher installs the enrichment hook.
func WithEnricher(e Enricher) Option {
	return func(r *Resolver) {
		if e != nil {
			r.enricher = e
		}
	}
}

// WithNamer sets the OID namer used in log messages.
func WithNamer(n Namer) Option {
	return func(r *Resolver) {
		if n != nil {
			r.namer = n
		}
	}
}

// WithManager overrides the manager name stamped on notifications.
func WithManager(manager string) Option {
	return func(r *Resolver) {
		if manager != "" {
			r.manager = manager
		}
	}
}

// NewResolver loads the policy table from cfg. The manager name is
// app.manager, or the host name of this machine.
func NewResolver(cfg config.Provider, sink metrics.Sink, logger logging.Logger, opts ...Option) (*Resolver, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	table, err := LoadTable(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy table: %w", err)
	}

	if manager, err := cfg.GetString("app.manager", ""); err == nil && manager != "" {
		opts = append([]Option{WithManager(manager)}, opts...)
	}

	return New(table, sink, logger, opts...), nil
}

// New creates a resolver over an explicit table.
func New(table *Table, sink metrics.Sink, logger logging.Logger, opts ...Option) *Resolver {
	if table == nil {
		table = NewTable(Policy{Severity: DefaultSeverity}, nil)
	}
	if sink == nil {
		sink = metrics.Discard
	}

	r := &Resolver{
		enricher: NopEnricher{},
		namer:    numericNamer{},
		metrics:  sink,
		logger:   logger.With("component", "policy"),
	}
	if hostname, err := os.Hostname(); err == nil {
		r.manager = hostname
	}
	for _, opt := range opts {
		opt(r)
	}
	r.table.Store(table)

	return r
}

// Table returns the active snapshot.
func (r *Resolver) Table() *Table {
	return r.table.Load()
}

// Swap installs a new snapshot and returns the previous one.
func (r *Resolver) Swap(table *Table) *Table {
	return r.table.Swap(table)
}

// Reload rebuilds the table from cfg and installs it. When the new table
// cannot be built the active snapshot is kept.
func (r *Resolver) Reload(cfg config.Provider) error {
	table, err := LoadTable(cfg)
	if err != nil {
		r.metrics.Incr(metrics.PolicyReloadFailed, 1)
		r.logger.Error("Failed to reload policy table, keeping previous", "error", err.Error())
		return fmt.Errorf("failed to load policy table: %w", err)
	}

	previous := r.Swap(table)
	r.metrics.Incr(metrics.PolicyReloaded, 1)
	r.logger.Info("Policy table reloaded", "handlers", table.Len(), "previous_handlers", previous.Len())
	return nil
}

// Manager returns the name stamped on notifications.
func (r *Resolver) Manager() string {
	return r.manager
}

// Apply looks up the policy for n, runs the enrichment hook and annotates n
// with severity, manager and expiry. Blackholed notifications must not be
// persisted or fanned out.
func (r *Resolver) Apply(ctx context.Context, n *types.Notification) Decision {
	p := r.enrich(ctx, n, r.Table().Lookup(n.OID))

	n.Severity = p.Severity
	n.Manager = r.manager
	n.Expires = nil
	if p.Expiration > 0 {
		expires := n.Sent.Add(p.Expiration)
		n.Expires = &expires
	}

	r.metrics.Incr(metrics.TrapsReceived, 1)

	name := r.namer.Name(n.OID)
	if p.Blackhole {
		r.metrics.Incr(metrics.TrapsBlackholed, 1)
		r.logger.DebugContext(ctx, "Blackholed trap", "trap", name, "host", n.Host)
		return Decision{Policy: p, Blackholed: true, TrapName: name}
	}

	r.logger.InfoContext(ctx, "Trap received", "trap", name, "host", n.Host, "severity", n.Severity)
	r.metrics.Incr(metrics.TrapsAccepted, 1)

	return Decision{Policy: p, TrapName: name}
}

// enrich runs the hook on a copy of n. Errors and panics leave both n and
// the looked-up policy untouched.
func (r *Resolver) enrich(ctx context.Context, n *types.Notification, p Policy) (result Policy) {
	original := p.Clone()
	working := n.Clone()

	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.Incr(metrics.DDEFailure, 1)
			r.logger.WarnContext(ctx, "Enrichment hook panicked", "oid", n.OID, "host", n.Host, "panic", fmt.Sprint(rec))
			result = original
		}
	}()

	enriched, err := r.enricher.Enrich(ctx, working, p)
	if err != nil {
		r.metrics.Incr(metrics.DDEFailure, 1)
		r.logger.WarnContext(ctx, "Enrichment hook failed", "oid", n.OID, "host", n.Host, "error", err.Error())
		return original
	}
	*n = *working
	return enriched
}
