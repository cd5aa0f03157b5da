// Package indexer publishes trap notifications to a search index as flat
// documents.
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/common/logging"
	"github.com/geekxflood/trapkeeper/internal/metrics"
	"github.com/geekxflood/trapkeeper/internal/resolver"
	"github.com/geekxflood/trapkeeper/internal/types"
)

// IndexerConfig holds configuration for the search index
type IndexerConfig struct {
	Enabled    bool          `json:"enabled"`
	Addresses  []string      `json:"addresses"`
	Index      string        `json:"index"`
	Username   string        `json:"username"`
	Password   string        `json:"password"`
	APIKey     string        `json:"api_key"`
	Timeout    time.Duration `json:"timeout"`
	MaxRetries int           `json:"max_retries"`
}

// DefaultIndexerConfig returns a default indexer configuration
func DefaultIndexerConfig() *IndexerConfig {
	return &IndexerConfig{
		Enabled:    false,
		Addresses:  []string{"http://localhost:9200"},
		Index:      "trapkeeper",
		Timeout:    5 * time.Second,
		MaxRetries: 3,
	}
}

// Transport stores one document under id.
type Transport interface {
	Index(ctx context.Context, id string, doc map[string]any) error
}

// IndexerStats tracks indexing statistics
type IndexerStats struct {
	Indexed int64 `json:"indexed"`
	Failed  int64 `json:"failed"`
	Skipped int64 `json:"skipped"`
}

// Indexer flattens notifications and hands them to the transport.
type Indexer struct {
	config    *IndexerConfig
	transport Transport
	names     resolver.NameResolver
	metrics   metrics.Sink
	logger    logging.Logger

	mu    sync.Mutex
	stats IndexerStats
}

// NewIndexer creates an indexer from the index.* configuration backed by
// Elasticsearch.
func NewIndexer(cfg config.Provider, names resolver.NameResolver, sink metrics.Sink, logger logging.Logger) (*Indexer, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration provider cannot be nil")
	}

	indexerConfig := DefaultIndexerConfig()

	if enabled, err := cfg.GetBool("index.enabled", indexerConfig.Enabled); err == nil {
		indexerConfig.Enabled = enabled
	}

	if addresses, err := cfg.GetStringSlice("index.addresses"); err == nil && len(addresses) > 0 {
		indexerConfig.Addresses = addresses
	}

	if index, err := cfg.GetString("index.index", indexerConfig.Index); err == nil {
		indexerConfig.Index = index
	}

	if username, err := cfg.GetString("index.username", indexerConfig.Username); err == nil {
		indexerConfig.Username = username
	}

	if password, err := cfg.GetString("index.password", indexerConfig.Password); err == nil {
		indexerConfig.Password = password
	}

	if apiKey, err := cfg.GetString("index.api_key", indexerConfig.APIKey); err == nil {
		indexerConfig.APIKey = apiKey
	}

	if timeout, err := cfg.GetDuration("index.timeout", indexerConfig.Timeout); err == nil {
		indexerConfig.Timeout = timeout
	}

	if maxRetries, err := cfg.GetInt("index.max_retries", indexerConfig.MaxRetries); err == nil {
		indexerConfig.MaxRetries = maxRetries
	}

	var transport Transport = discard{}
	if indexerConfig.Enabled {
		es, err := NewElasticTransport(indexerConfig)
		if err != nil {
			return nil, err
		}
		transport = es
	}

	return New(indexerConfig, transport, names, sink, logger)
}

// New creates an indexer with an explicit transport.
func New(indexerConfig *IndexerConfig, transport Transport, names resolver.NameResolver, sink metrics.Sink, logger logging.Logger) (*Indexer, error) {
	if indexerConfig == nil {
		indexerConfig = DefaultIndexerConfig()
	}
	if transport == nil {
		return nil, fmt.Errorf("index transport cannot be nil")
	}
	if names == nil {
		return nil, fmt.Errorf("name resolver cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if sink == nil {
		sink = metrics.Discard
	}

	return &Indexer{
		config:    indexerConfig,
		transport: transport,
		names:     names,
		metrics:   sink,
		logger:    logger.With("component", "indexer"),
	}, nil
}

// Index publishes n. Failures are counted and logged and returned for the
// caller's result; they are never fatal.
func (i *Indexer) Index(ctx context.Context, n *types.Notification) error {
	if !i.config.Enabled {
		i.count(func(s *IndexerStats) { s.Skipped++ })
		return nil
	}

	i.metrics.Incr(metrics.IndexAttempted, 1)

	indexCtx, cancel := context.WithTimeout(ctx, i.config.Timeout)
	defer cancel()

	if err := i.transport.Index(indexCtx, DocumentID(n), Flatten(n, i.names)); err != nil {
		i.metrics.Incr(metrics.IndexFailed, 1)
		i.count(func(s *IndexerStats) { s.Failed++ })
		i.logger.WarnContext(ctx, "Failed to index trap", "oid", n.OID, "host", n.Host, "error", err.Error())
		return err
	}

	i.metrics.Incr(metrics.IndexSuccessful, 1)
	i.count(func(s *IndexerStats) { s.Indexed++ })
	return nil
}

// Flatten builds the search document of n: the notification fields, and
// for every varbind the keys name -> pretty value, oid -> raw value and
// name:type -> value kind. The record ID is published as notification_id
// and the trap OID's symbolic name as mib_name.
func Flatten(n *types.Notification, names resolver.NameResolver) map[string]any {
	doc := n.Fields()

	for _, vb := range n.Varbinds {
		name := names.Resolve(vb.OID).Name
		doc[name] = names.PrettyValue(vb)
		doc[vb.OID] = rawValue(vb)
		doc[name+":type"] = string(vb.Kind)
	}

	if n.ID != 0 {
		doc["notification_id"] = n.ID
	} else {
		doc["notification_id"] = nil
	}
	delete(doc, "id")
	doc["mib_name"] = names.Resolve(n.OID).Name

	return doc
}

func rawValue(vb types.Varbind) any {
	switch v := vb.Value.(type) {
	case int64, uint64:
		return v
	default:
		return vb.String()
	}
}

// DocumentID derives the document ID from the deduplication key so that the
// same trap indexed by several managers yields one document.
func DocumentID(n *types.Notification) string {
	h := sha256.New()
	h.Write([]byte(n.Host))
	h.Write([]byte{0})
	h.Write([]byte(n.OID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(n.Sent.Unix(), 10)))
	h.Write([]byte{0})
	h.Write([]byte(n.Digest()))
	return hex.EncodeToString(h.Sum(nil))[:40]
}

func (i *Indexer) count(update func(*IndexerStats)) {
	i.mu.Lock()
	update(&i.stats)
	i.mu.Unlock()
}

// GetStats returns indexing statistics
func (i *Indexer) GetStats() IndexerStats {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stats
}

type discard struct{}

func (discard) Index(context.Context, string, map[string]any) error { return nil }
