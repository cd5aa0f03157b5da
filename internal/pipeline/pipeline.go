// Package pipeline runs one received datagram through decode, admission,
// policy, persistence and fan-out inside a per-message fault boundary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/trapkeeper/internal/decoder"
	"github.com/geekxflood/trapkeeper/internal/fanout"
	"github.com/geekxflood/trapkeeper/internal/metrics"
	"github.com/geekxflood/trapkeeper/internal/policy"
	"github.com/geekxflood/trapkeeper/internal/storage"
	"github.com/geekxflood/trapkeeper/internal/types"
	"github.com/geekxflood/trapkeeper/internal/validator"
	"github.com/google/uuid"
)

// Store persists accepted notifications.
type Store interface {
	Insert(ctx context.Context, n *types.Notification) (*storage.WriteResult, error)
}

// Dispatcher runs the post-persistence side effects.
type Dispatcher interface {
	Dispatch(ctx context.Context, n *types.Notification, p policy.Policy, duplicate bool) fanout.Outcome
}

// observer is implemented by sinks that record processing latency.
type observer interface {
	ObserveProcessing(admission string, d time.Duration)
}

// PipelineConfig holds configuration for message processing
type PipelineConfig struct {
	ProcessingTimeout time.Duration `json:"processing_timeout"`
}

// DefaultPipelineConfig returns a default pipeline configuration
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		ProcessingTimeout: 30 * time.Second,
	}
}

// Result is the per-message outcome. Err is only set when processing was
// cut short by a fault; rejections and store failures are outcomes.
type Result struct {
	RequestID    string
	Admission    types.Admission
	Reason       types.RejectReason
	Write        types.WriteOutcome
	Duplicate    bool
	ID           int64
	Notification *types.Notification
	Fanout       *fanout.Outcome
	Duration     time.Duration
	Err          error
}

// PipelineStats tracks processing statistics
type PipelineStats struct {
	Messages           int64         `json:"messages"`
	Accepted           int64         `json:"accepted"`
	Rejected           int64         `json:"rejected"`
	Blackholed         int64         `json:"blackholed"`
	Faults             int64         `json:"faults"`
	TotalProcessTime   time.Duration `json:"total_process_time"`
	AverageProcessTime time.Duration `json:"average_process_time"`
}

// Pipeline processes datagrams. It holds no per-message state and is safe
// for concurrent use.
type Pipeline struct {
	config     *PipelineConfig
	decoder    *decoder.Decoder
	validator  *validator.Validator
	policies   *policy.Resolver
	store      Store
	dispatcher Dispatcher
	metrics    metrics.Sink
	logger     logging.Logger

	mu    sync.Mutex
	stats PipelineStats
}

// NewPipeline creates a pipeline reading pipeline.* from cfg.
func NewPipeline(cfg config.Provider, dec *decoder.Decoder, v *validator.Validator, policies *policy.Resolver, store Store, dispatcher Dispatcher, sink metrics.Sink, logger logging.Logger) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}

	pipelineConfig := DefaultPipelineConfig()

	if timeout, err := cfg.GetDuration("pipeline.processing_timeout", pipelineConfig.ProcessingTimeout); err == nil {
		pipelineConfig.ProcessingTimeout = timeout
	}

	return New(pipelineConfig, dec, v, policies, store, dispatcher, sink, logger)
}

// New creates a pipeline from its stages.
func New(pipelineConfig *PipelineConfig, dec *decoder.Decoder, v *validator.Validator, policies *policy.Resolver, store Store, dispatcher Dispatcher, sink metrics.Sink, logger logging.Logger) (*Pipeline, error) {
	switch {
	case dec == nil:
		return nil, fmt.Errorf("decoder cannot be nil")
	case v == nil:
		return nil, fmt.Errorf("validator cannot be nil")
	case policies == nil:
		return nil, fmt.Errorf("policy resolver cannot be nil")
	case store == nil:
		return nil, fmt.Errorf("store cannot be nil")
	case dispatcher == nil:
		return nil, fmt.Errorf("dispatcher cannot be nil")
	case logger == nil:
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if pipelineConfig == nil {
		pipelineConfig = DefaultPipelineConfig()
	}
	if sink == nil {
		sink = metrics.Discard
	}

	return &Pipeline{
		config:     pipelineConfig,
		decoder:    dec,
		validator:  v,
		policies:   policies,
		store:      store,
		dispatcher: dispatcher,
		metrics:    sink,
		logger:     logger.With("component", "pipeline"),
	}, nil
}

// Process handles one datagram from source. It never panics and never
// returns before every stage has finished with the message.
func (p *Pipeline) Process(ctx context.Context, data []byte, source string) (result Result) {
	start := time.Now()
	result.RequestID = uuid.NewString()

	if len(data) == 0 {
		return result
	}

	ctx = context.WithValue(ctx, "request_id", result.RequestID) //nolint:staticcheck // common/logging reads the plain key
	ctx, cancel := context.WithTimeout(ctx, p.config.ProcessingTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			p.metrics.Incr(metrics.CallbackFailure, 1)
			p.logger.ErrorContext(ctx, "Callback failed", "host", source, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			result.Err = fmt.Errorf("callback failed: %v", r)
		}
		result.Duration = time.Since(start)
		p.record(&result)
	}()

	p.process(ctx, data, source, &result)
	return result
}

func (p *Pipeline) process(ctx context.Context, data []byte, source string, result *Result) {
	msg, err := p.decoder.Decode(data, source)
	var n *types.Notification
	if err != nil {
		err = p.validator.RecordDecodeFailure(source, err)
	} else {
		n, err = p.validator.Validate(msg)
	}
	if err != nil {
		result.Admission = types.AdmissionRejected
		var rejection *types.RejectionError
		if errors.As(err, &rejection) {
			result.Reason = rejection.Reason
		}
		return
	}
	result.Notification = n

	decision := p.policies.Apply(ctx, n)
	if decision.Blackholed {
		result.Admission = types.AdmissionBlackholed
		return
	}
	result.Admission = types.AdmissionAccepted

	write, err := p.store.Insert(ctx, n)
	if write != nil {
		result.Write = write.Outcome
		result.Duplicate = write.Duplicate()
		result.ID = write.ID
	} else if err != nil {
		result.Write = types.WriteFailed
	}
	if err != nil {
		p.logger.DebugContext(ctx, "Continuing with unsaved notification", "oid", n.OID, "host", n.Host)
	}

	// The store may have used up the processing deadline; each branch applies
	// its own timeout instead.
	out := p.dispatcher.Dispatch(context.WithoutCancel(ctx), n, decision.Policy, result.Duplicate)
	result.Fanout = &out
}

func (p *Pipeline) record(result *Result) {
	if o, ok := p.metrics.(observer); ok {
		admission := result.Admission.String()
		if result.Err != nil {
			admission = "fault"
		}
		o.ObserveProcessing(admission, result.Duration)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.Messages++
	switch {
	case result.Err != nil:
		p.stats.Faults++
	case result.Admission == types.AdmissionAccepted:
		p.stats.Accepted++
	case result.Admission == types.AdmissionRejected:
		p.stats.Rejected++
	case result.Admission == types.AdmissionBlackholed:
		p.stats.Blackholed++
	}
	p.stats.TotalProcessTime += result.Duration
	p.stats.AverageProcessTime = p.stats.TotalProcessTime / time.Duration(p.stats.Messages)
}

// GetStats returns processing statistics
func (p *Pipeline) GetStats() PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
