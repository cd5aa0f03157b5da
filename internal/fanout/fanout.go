// Package fanout runs the post-persistence side effects of a trap: the
// e-mail alert and the search index update.
package fanout

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/trapkeeper/internal/metrics"
	"github.com/geekxflood/trapkeeper/internal/notifier"
	"github.com/geekxflood/trapkeeper/internal/policy"
	"github.com/geekxflood/trapkeeper/internal/types"
	"golang.org/x/sync/errgroup"
)

// Alerter sends the e-mail alert of a trap.
type Alerter interface {
	Notify(ctx context.Context, n *types.Notification, rule *policy.MailRule, duplicate bool) (notifier.Status, error)
}

// Publisher indexes a trap.
type Publisher interface {
	Index(ctx context.Context, n *types.Notification) error
}

// Outcome reports what each branch did.
type Outcome struct {
	Mail     notifier.Status
	MailErr  error
	IndexErr error
}

// Dispatcher runs alerting and indexing independently of each other.
type Dispatcher struct {
	alerter   Alerter
	publisher Publisher
	metrics   metrics.Sink
	logger    logging.Logger
}

// New creates a dispatcher.
func New(alerter Alerter, publisher Publisher, sink metrics.Sink, logger logging.Logger) (*Dispatcher, error) {
	if alerter == nil {
		return nil, fmt.Errorf("alerter cannot be nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if sink == nil {
		sink = metrics.Discard
	}

	return &Dispatcher{
		alerter:   alerter,
		publisher: publisher,
		metrics:   sink,
		logger:    logger.With("component", "fanout"),
	}, nil
}

// Dispatch runs both branches concurrently and waits for them. A failure or
// panic in one branch never affects the other, and nothing is returned as a
// pipeline error.
func (d *Dispatcher) Dispatch(ctx context.Context, n *types.Notification, p policy.Policy, duplicate bool) Outcome {
	var (
		g   errgroup.Group
		out Outcome
	)

	g.Go(func() error {
		out.MailErr = d.guard(ctx, "mail", func() error {
			status, err := d.alerter.Notify(ctx, n, p.Mail, duplicate)
			out.Mail = status
			return err
		})
		if out.MailErr != nil && out.Mail == "" {
			out.Mail = notifier.StatusFailed
		}
		return nil
	})

	g.Go(func() error {
		out.IndexErr = d.guard(ctx, "index", func() error {
			return d.publisher.Index(ctx, n)
		})
		return nil
	})

	_ = g.Wait()
	return out
}

// guard converts a panic in a branch into an error. Branches run on their
// own goroutines, out of reach of the per-message boundary.
func (d *Dispatcher) guard(ctx context.Context, branch string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.Incr(metrics.CallbackFailure, 1)
			d.logger.ErrorContext(ctx, "Fan-out branch panicked", "branch", branch, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			err = fmt.Errorf("%s branch panicked: %v", branch, r)
		}
	}()
	return fn()
}
