package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/geekxflood/trapkeeper/internal/metrics"
	"github.com/geekxflood/trapkeeper/internal/resolver"
	"github.com/geekxflood/trapkeeper/internal/testutil"
	"github.com/geekxflood/trapkeeper/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	mu   sync.Mutex
	ids  []string
	docs []map[string]any
	err  error
}

func (r *recordingTransport) Index(_ context.Context, id string, doc map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.ids = append(r.ids, id)
	r.docs = append(r.docs, doc)
	return nil
}

func newNames(t *testing.T) *resolver.Resolver {
	t.Helper()
	names, err := resolver.New(&resolver.ResolverConfig{}, testutil.NewLogger())
	require.NoError(t, err)
	return names
}

func sysLocationTrap() *types.Notification {
	return &types.Notification{
		ID:       40,
		Host:     "192.0.2.10",
		Version:  types.Version2c,
		TrapType: "trap2",
		OID:      "1.3.6.1.6.3.1.1.5.3",
		Sent:     time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC),
		Severity: "warning",
		Manager:  "mgr-a",
		Varbinds: []types.Varbind{
			{OID: "1.3.6.1.2.1.1.6.0", Value: []byte("Lab-1"), Kind: types.KindOctet},
		},
	}
}

func TestFlattenSingleVarbind(t *testing.T) {
	doc := Flatten(sysLocationTrap(), newNames(t))

	assert.Equal(t, "Lab-1", doc["sysLocation.0"])
	assert.Equal(t, "Lab-1", doc["1.3.6.1.2.1.1.6.0"])
	assert.Equal(t, "octet", doc["sysLocation.0:type"])

	assert.Equal(t, int64(40), doc["notification_id"])
	assert.NotContains(t, doc, "id")
	assert.Equal(t, "linkDown", doc["mib_name"])

	assert.Equal(t, "192.0.2.10", doc["host"])
	assert.Equal(t, "1.3.6.1.6.3.1.1.5.3", doc["oid"])
	assert.Equal(t, "v2c", doc["version"])
	assert.Equal(t, "warning", doc["severity"])
	assert.Equal(t, "2024-05-01T12:30:00Z", doc["sent"])
}

func TestFlattenValueKinds(t *testing.T) {
	n := sysLocationTrap()
	n.ID = 0
	n.Varbinds = []types.Varbind{
		{OID: "1.3.6.1.2.1.2.2.1.1.3", Value: int64(3), Kind: types.KindInteger},
		{OID: "1.3.6.1.2.1.1.3.0", Value: uint64(123456), Kind: types.KindTimeTicks},
		{OID: "1.3.6.1.2.1.1.2.0", Value: "1.3.6.1.6.3.1.1.5.1", Kind: types.KindOID},
		{OID: "1.3.6.1.4.1.9.9.1", Value: []byte{0x00, 0xff}, Kind: types.KindOpaque},
	}

	doc := Flatten(n, newNames(t))

	assert.Equal(t, "3", doc["ifIndex.3"])
	assert.Equal(t, int64(3), doc["1.3.6.1.2.1.2.2.1.1.3"])
	assert.Equal(t, "integer", doc["ifIndex.3:type"])

	assert.Equal(t, "00:20:34.56", doc["sysUpTime.0"])
	assert.Equal(t, uint64(123456), doc["1.3.6.1.2.1.1.3.0"])

	assert.Equal(t, "coldStart", doc["sysObjectID.0"])
	assert.Equal(t, "1.3.6.1.6.3.1.1.5.1", doc["1.3.6.1.2.1.1.2.0"])

	assert.Equal(t, "0x00ff", doc["1.3.6.1.4.1.9.9.1"])
	assert.Equal(t, "opaque", doc["1.3.6.1.4.1.9.9.1:type"])

	assert.Contains(t, doc, "notification_id")
	assert.Nil(t, doc["notification_id"], "an unstored notification has no record ID")
}

func TestDocumentIDFollowsDedupKey(t *testing.T) {
	a := sysLocationTrap()
	b := sysLocationTrap()
	b.ID = 0
	b.Manager = "mgr-b"
	assert.Equal(t, DocumentID(a), DocumentID(b))
	assert.Len(t, DocumentID(a), 40)

	c := sysLocationTrap()
	c.Varbinds[0].Value = []byte("Lab-2")
	assert.NotEqual(t, DocumentID(a), DocumentID(c))

	d := sysLocationTrap()
	d.Sent = d.Sent.Add(time.Second)
	assert.NotEqual(t, DocumentID(a), DocumentID(d))
}

func TestIndex(t *testing.T) {
	transport := &recordingTransport{}
	counters := metrics.NewCounters()
	cfg := DefaultIndexerConfig()
	cfg.Enabled = true

	idx, err := New(cfg, transport, newNames(t), counters, testutil.NewLogger())
	require.NoError(t, err)

	n := sysLocationTrap()
	require.NoError(t, idx.Index(context.Background(), n))

	require.Len(t, transport.docs, 1)
	assert.Equal(t, DocumentID(n), transport.ids[0])
	assert.Equal(t, "Lab-1", transport.docs[0]["sysLocation.0"])
	assert.Equal(t, int64(1), counters.Value(metrics.IndexAttempted))
	assert.Equal(t, int64(1), counters.Value(metrics.IndexSuccessful))
	assert.Equal(t, int64(1), idx.GetStats().Indexed)
}

func TestIndexFailure(t *testing.T) {
	transport := &recordingTransport{err: errors.New("no route to host")}
	counters := metrics.NewCounters()
	cfg := DefaultIndexerConfig()
	cfg.Enabled = true

	idx, err := New(cfg, transport, newNames(t), counters, testutil.NewLogger())
	require.NoError(t, err)

	assert.Error(t, idx.Index(context.Background(), sysLocationTrap()))
	assert.Equal(t, int64(1), counters.Value(metrics.IndexAttempted))
	assert.Equal(t, int64(1), counters.Value(metrics.IndexFailed))
}

func TestIndexDisabled(t *testing.T) {
	transport := &recordingTransport{}
	counters := metrics.NewCounters()

	idx, err := New(DefaultIndexerConfig(), transport, newNames(t), counters, testutil.NewLogger())
	require.NoError(t, err)

	require.NoError(t, idx.Index(context.Background(), sysLocationTrap()))
	assert.Empty(t, transport.docs)
	assert.Equal(t, int64(0), counters.Value(metrics.IndexAttempted))
	assert.Equal(t, int64(1), idx.GetStats().Skipped)
}

type esRequest struct {
	method string
	path   string
	body   map[string]any
}

func elasticStub(t *testing.T, status int) (*httptest.Server, <-chan esRequest) {
	t.Helper()
	requests := make(chan esRequest, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		requests <- esRequest{method: r.Method, path: r.URL.Path, body: body}

		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status < 300 {
			_, _ = w.Write([]byte(`{"result":"created"}`))
		} else {
			_, _ = w.Write([]byte(`{"error":{"type":"mapper_parsing_exception"},"status":400}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, requests
}

func TestElasticTransport(t *testing.T) {
	srv, requests := elasticStub(t, http.StatusCreated)

	transport, err := NewElasticTransport(&IndexerConfig{Addresses: []string{srv.URL}, Index: "traps"})
	require.NoError(t, err)

	err = transport.Index(context.Background(), "abc123", map[string]any{"sysLocation.0": "Lab-1", "notification_id": 40})
	require.NoError(t, err)

	req := <-requests
	assert.Equal(t, http.MethodPut, req.method)
	assert.Equal(t, "/traps/_doc/abc123", req.path)
	assert.Equal(t, "Lab-1", req.body["sysLocation.0"])
	assert.Equal(t, float64(40), req.body["notification_id"])
}

func TestElasticTransportError(t *testing.T) {
	srv, _ := elasticStub(t, http.StatusBadRequest)

	transport, err := NewElasticTransport(&IndexerConfig{Addresses: []string{srv.URL}, Index: "traps"})
	require.NoError(t, err)

	err = transport.Index(context.Background(), "abc123", map[string]any{"a": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.Contains(t, err.Error(), "mapper_parsing_exception")
}

func TestNewIndexerFromConfig(t *testing.T) {
	idx, err := NewIndexer(testutil.NewMockConfigProvider(map[string]any{
		"index.enabled":   true,
		"index.addresses": []string{"http://es1:9200", "http://es2:9200"},
		"index.index":     "snmp-traps",
		"index.timeout":   "2s",
	}), newNames(t), nil, testutil.NewLogger())
	require.NoError(t, err)

	assert.True(t, idx.config.Enabled)
	assert.Equal(t, []string{"http://es1:9200", "http://es2:9200"}, idx.config.Addresses)
	assert.Equal(t, 2*time.Second, idx.config.Timeout)
	es, ok := idx.transport.(*ElasticTransport)
	require.True(t, ok)
	assert.Equal(t, "snmp-traps", es.index)

	idx, err = NewIndexer(testutil.NewMockConfigProvider(nil), newNames(t), nil, testutil.NewLogger())
	require.NoError(t, err)
	assert.IsType(t, discard{}, idx.transport)
}
