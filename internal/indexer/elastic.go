package indexer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/elastic/go-elasticsearch/v8"
)

// ElasticTransport indexes documents into one Elasticsearch index.
type ElasticTransport struct {
	client *elasticsearch.Client
	index  string
}

// NewElasticTransport creates an Elasticsearch client for the configured cluster.
func NewElasticTransport(cfg *IndexerConfig) (*ElasticTransport, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses:  cfg.Addresses,
		Username:   cfg.Username,
		Password:   cfg.Password,
		APIKey:     cfg.APIKey,
		MaxRetries: cfg.MaxRetries,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}
	return &ElasticTransport{client: client, index: cfg.Index}, nil
}

// Index implements Transport.
func (t *ElasticTransport) Index(ctx context.Context, id string, doc map[string]any) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	res, err := t.client.Index(t.index, bytes.NewReader(body),
		t.client.Index.WithContext(ctx),
		t.client.Index.WithDocumentID(id),
	)
	if err != nil {
		return fmt.Errorf("index request failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return fmt.Errorf("index request returned %s: %s", res.Status(), bytes.TrimSpace(msg))
	}

	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}
