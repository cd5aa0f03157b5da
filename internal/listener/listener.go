// Package listener receives SNMP trap datagrams over UDP and hands them to a
// bounded pool of pipeline workers.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/trapkeeper/internal/metrics"
	"github.com/geekxflood/trapkeeper/internal/pipeline"
)

// maxDatagramSize is the largest UDP payload.
const maxDatagramSize = 65535

// Processor handles one datagram.
type Processor interface {
	Process(ctx context.Context, data []byte, source string) pipeline.Result
}

// ListenerConfig holds configuration for the UDP socket and worker pool
type ListenerConfig struct {
	Host        string        `json:"host"`
	Port        int           `json:"port"`
	BufferSize  int           `json:"buffer_size"`
	MaxHandlers int           `json:"max_handlers"`
	ReadTimeout time.Duration `json:"read_timeout"`
}

// DefaultListenerConfig returns a default listener configuration
func DefaultListenerConfig() *ListenerConfig {
	return &ListenerConfig{
		Host:        "0.0.0.0",
		Port:        162,
		BufferSize:  8192,
		MaxHandlers: 100,
		ReadTimeout: time.Second,
	}
}

// ListenerStats tracks datagram statistics
type ListenerStats struct {
	PacketsReceived  int64     `json:"packets_received"`
	PacketsProcessed int64     `json:"packets_processed"`
	PacketsDropped   int64     `json:"packets_dropped"`
	Faults           int64     `json:"faults"`
	QueueLength      int       `json:"queue_length"`
	QueueCapacity    int       `json:"queue_capacity"`
	LastPacketTime   time.Time `json:"last_packet_time"`
}

type datagram struct {
	data   []byte
	source string
}

// Listener represents an SNMP trap listener that receives datagrams and
// processes them on a fixed number of workers.
type Listener struct {
	config    *ListenerConfig
	processor Processor
	metrics   metrics.Sink
	logger    logging.Logger

	mu      sync.RWMutex
	conn    *net.UDPConn
	queue   chan datagram
	running bool
	cancel  context.CancelFunc
	reader  sync.WaitGroup
	workers sync.WaitGroup

	received  atomic.Int64
	processed atomic.Int64
	dropped   atomic.Int64
	faults    atomic.Int64
	last      atomic.Int64
}

// NewListener creates a listener reading server.* from cfg.
func NewListener(cfg config.Provider, processor Processor, sink metrics.Sink, logger logging.Logger) (*Listener, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}

	listenerConfig := DefaultListenerConfig()

	if host, err := cfg.GetString("server.host", listenerConfig.Host); err == nil {
		listenerConfig.Host = host
	}
	if port, err := cfg.GetInt("server.port", listenerConfig.Port); err == nil {
		listenerConfig.Port = port
	}
	if bufferSize, err := cfg.GetInt("server.buffer_size", listenerConfig.BufferSize); err == nil {
		listenerConfig.BufferSize = bufferSize
	}
	if maxHandlers, err := cfg.GetInt("server.max_handlers", listenerConfig.MaxHandlers); err == nil {
		listenerConfig.MaxHandlers = maxHandlers
	}
	if readTimeout, err := cfg.GetDuration("server.read_timeout", listenerConfig.ReadTimeout); err == nil {
		listenerConfig.ReadTimeout = readTimeout
	}

	return New(listenerConfig, processor, sink, logger)
}

// New creates a listener from an explicit configuration.
func New(listenerConfig *ListenerConfig, processor Processor, sink metrics.Sink, logger logging.Logger) (*Listener, error) {
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if listenerConfig == nil {
		listenerConfig = DefaultListenerConfig()
	}
	if listenerConfig.MaxHandlers < 1 {
		return nil, fmt.Errorf("max_handlers must be at least 1, got %d", listenerConfig.MaxHandlers)
	}
	if listenerConfig.ReadTimeout <= 0 {
		listenerConfig.ReadTimeout = time.Second
	}
	if sink == nil {
		sink = metrics.Discard
	}

	return &Listener{
		config:    listenerConfig,
		processor: processor,
		metrics:   sink,
		logger:    logger.With("component", "listener"),
	}, nil
}

// Start binds the socket and starts the reader and the worker pool.
func (l *Listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return fmt.Errorf("listener is already running")
	}

	address := net.JoinHostPort(l.config.Host, strconv.Itoa(l.config.Port))
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind to UDP socket: %w", err)
	}

	if l.config.BufferSize > 0 {
		if err := conn.SetReadBuffer(l.config.BufferSize); err != nil {
			conn.Close()
			return fmt.Errorf("failed to set read buffer size: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	l.conn = conn
	l.cancel = cancel
	l.queue = make(chan datagram, l.config.MaxHandlers)
	l.running = true

	for i := 0; i < l.config.MaxHandlers; i++ {
		l.workers.Add(1)
		go l.worker(ctx, l.queue)
	}

	l.reader.Add(1)
	go l.listen(ctx, conn, l.queue)

	l.logger.Info("Listening for traps", "address", conn.LocalAddr().String(), "max_handlers", l.config.MaxHandlers)
	return nil
}

// Stop closes the socket, lets the workers finish queued datagrams and
// waits for them.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = false
	conn, queue, cancel := l.conn, l.queue, l.cancel
	l.mu.Unlock()

	err := conn.Close()
	l.reader.Wait()

	close(queue)
	l.workers.Wait()
	cancel()

	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("failed to close UDP socket: %w", err)
	}
	return nil
}

// IsRunning returns whether the listener is currently running.
func (l *Listener) IsRunning() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.running
}

// Addr returns the bound address, or nil when not running.
func (l *Listener) Addr() net.Addr {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.conn == nil || !l.running {
		return nil
	}
	return l.conn.LocalAddr()
}

// listen is the single reader. It never blocks on the pool: when every
// worker is busy and the queue is full the datagram is dropped.
func (l *Listener) listen(ctx context.Context, conn *net.UDPConn, queue chan<- datagram) {
	defer l.reader.Done()

	buffer := make([]byte, maxDatagramSize)
	for {
		if ctx.Err() != nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(l.config.ReadTimeout))
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("Failed to read datagram", "error", err)
			continue
		}

		l.received.Add(1)
		l.last.Store(time.Now().UnixNano())
		l.metrics.Incr(metrics.PacketsReceived, 1)

		data := make([]byte, n)
		copy(data, buffer[:n])

		select {
		case queue <- datagram{data: data, source: addr.IP.String()}:
		default:
			l.dropped.Add(1)
			l.metrics.Incr(metrics.PacketsDropped, 1)
			l.logger.Warn("Handler pool exhausted, dropping packet", "host", addr.IP.String())
		}
	}
}

// worker drains the queue until it is closed.
func (l *Listener) worker(ctx context.Context, queue <-chan datagram) {
	defer l.workers.Done()

	for d := range queue {
		result := l.processor.Process(ctx, d.data, d.source)
		l.processed.Add(1)
		if result.Err != nil {
			l.faults.Add(1)
		}
	}
}

// GetStats returns listener statistics.
func (l *Listener) GetStats() ListenerStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := ListenerStats{
		PacketsReceived:  l.received.Load(),
		PacketsProcessed: l.processed.Load(),
		PacketsDropped:   l.dropped.Load(),
		Faults:           l.faults.Load(),
		QueueCapacity:    l.config.MaxHandlers,
	}
	if l.queue != nil {
		stats.QueueLength = len(l.queue)
	}
	if last := l.last.Load(); last > 0 {
		stats.LastPacketTime = time.Unix(0, last)
	}
	return stats
}
