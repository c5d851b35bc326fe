package opensearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/loykin/onair/internal/history"
)

// mapping keeps identifiers as keywords so relay events can be filtered and
// aggregated by run, component and feed state.
const mapping = `{
  "mappings": {
    "properties": {
      "@timestamp":  {"type": "date"},
      "occurred_at": {"type": "date"},
      "type":        {"type": "keyword"},
      "run_id":      {"type": "keyword"},
      "component":   {"type": "keyword"},
      "process":     {"type": "keyword"},
      "from":        {"type": "keyword"},
      "to":          {"type": "keyword"},
      "code":        {"type": "integer"},
      "requested":   {"type": "boolean"},
      "message":     {"type": "text"}
    }
  }
}`

// Sink indexes relay events in OpenSearch (or Elasticsearch) over HTTP.
// The index is created with the event mapping on first use.
type Sink struct {
	client  *http.Client
	baseURL string
	index   string

	mu    sync.Mutex
	ready bool
}

// document is the indexed form of an event; @timestamp lets dashboards pick
// up the time field without configuration.
type document struct {
	Timestamp time.Time `json:"@timestamp"`
	history.Event
}

func New(baseURL, index string) *Sink {
	c := &http.Client{Timeout: 5 * time.Second}
	return &Sink{client: c, baseURL: strings.TrimRight(baseURL, "/"), index: index}
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if err := s.ensureIndex(ctx); err != nil {
		return err
	}
	ts := e.OccurredAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	b, err := json.Marshal(document{Timestamp: ts, Event: e})
	if err != nil {
		return err
	}
	resp, err := s.do(ctx, http.MethodPost, fmt.Sprintf("%s/%s/_doc", s.baseURL, s.index), b)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("opensearch sink status %d", resp.StatusCode)
	}
	return nil
}

// ensureIndex creates the index once. An index that already exists is
// accepted with whatever mapping it has.
func (s *Sink) ensureIndex(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return nil
	}
	resp, err := s.do(ctx, http.MethodPut, fmt.Sprintf("%s/%s", s.baseURL, s.index), []byte(mapping))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode < 300:
	case resp.StatusCode == http.StatusBadRequest && bytes.Contains(body, []byte("resource_already_exists_exception")):
	default:
		return fmt.Errorf("opensearch create index %s: status %d", s.index, resp.StatusCode)
	}
	s.ready = true
	return nil
}

func (s *Sink) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.client.Do(req)
}
