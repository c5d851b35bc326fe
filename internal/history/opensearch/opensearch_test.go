package opensearch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/loykin/onair/internal/history"
)

// fakeCluster answers index creation with createStatus/createBody and
// document writes with docStatus.
type fakeCluster struct {
	createStatus int
	createBody   string
	docStatus    int

	mu       sync.Mutex
	creates  int
	mapping  []byte
	docPaths []string
	docs     [][]byte
}

func (f *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		f.creates++
		f.mapping = body
		w.WriteHeader(f.createStatus)
		_, _ = w.Write([]byte(f.createBody))
	case http.MethodPost:
		f.docPaths = append(f.docPaths, r.URL.Path)
		f.docs = append(f.docs, body)
		w.WriteHeader(f.docStatus)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestOpenSearchSink_Send(t *testing.T) {
	cluster := &fakeCluster{createStatus: http.StatusOK, createBody: `{"acknowledged":true}`, docStatus: http.StatusCreated}
	server := httptest.NewServer(cluster)
	defer server.Close()

	sink := New(server.URL+"/", "onair-history")
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	event := history.Event{
		Type:       history.EventStateChange,
		OccurredAt: at,
		RunID:      "run-42",
		Component:  "input",
		From:       "connection_pending",
		To:         "online",
	}
	for i := 0; i < 2; i++ {
		if err := sink.Send(context.Background(), event); err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
	}

	if cluster.creates != 1 {
		t.Errorf("Expected the index to be created once, got %d", cluster.creates)
	}
	var m struct {
		Mappings struct {
			Properties map[string]struct {
				Type string `json:"type"`
			} `json:"properties"`
		} `json:"mappings"`
	}
	if err := json.Unmarshal(cluster.mapping, &m); err != nil {
		t.Fatalf("mapping is not JSON: %v", err)
	}
	if m.Mappings.Properties["run_id"].Type != "keyword" || m.Mappings.Properties["@timestamp"].Type != "date" {
		t.Errorf("unexpected mapping: %s", cluster.mapping)
	}

	if len(cluster.docs) != 2 || cluster.docPaths[0] != "/onair-history/_doc" {
		t.Fatalf("unexpected document writes: %v", cluster.docPaths)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(cluster.docs[0], &doc); err != nil {
		t.Fatalf("Failed to parse received JSON: %v", err)
	}
	if doc["type"] != string(history.EventStateChange) {
		t.Errorf("Expected type %s, got: %v", history.EventStateChange, doc["type"])
	}
	if doc["run_id"] != "run-42" || doc["to"] != "online" {
		t.Errorf("unexpected document: %v", doc)
	}
	if doc["@timestamp"] != at.Format(time.RFC3339) {
		t.Errorf("Expected @timestamp %s, got: %v", at.Format(time.RFC3339), doc["@timestamp"])
	}
}

func TestOpenSearchSink_ExistingIndex(t *testing.T) {
	cluster := &fakeCluster{
		createStatus: http.StatusBadRequest,
		createBody:   `{"error":{"type":"resource_already_exists_exception"},"status":400}`,
		docStatus:    http.StatusCreated,
	}
	server := httptest.NewServer(cluster)
	defer server.Close()

	if err := New(server.URL, "onair-history").Send(context.Background(), history.Event{Type: history.EventStart}); err != nil {
		t.Fatalf("an existing index must be accepted: %v", err)
	}
	if len(cluster.docs) != 1 {
		t.Errorf("Expected one document, got %d", len(cluster.docs))
	}
}

func TestOpenSearchSink_SendError(t *testing.T) {
	cluster := &fakeCluster{createStatus: http.StatusOK, docStatus: http.StatusBadRequest}
	server := httptest.NewServer(cluster)
	defer server.Close()

	sink := New(server.URL, "onair-history")
	err := sink.Send(context.Background(), history.Event{Type: history.EventStart})
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if !strings.Contains(err.Error(), "opensearch sink status 400") {
		t.Errorf("Expected status error message, got: %v", err)
	}
}

func TestOpenSearchSink_CreateIndexError(t *testing.T) {
	cluster := &fakeCluster{createStatus: http.StatusForbidden, docStatus: http.StatusCreated}
	server := httptest.NewServer(cluster)
	defer server.Close()

	sink := New(server.URL, "onair-history")
	for i := 0; i < 2; i++ {
		err := sink.Send(context.Background(), history.Event{Type: history.EventStart})
		if err == nil || !strings.Contains(err.Error(), "create index") {
			t.Fatalf("Expected index creation error, got: %v", err)
		}
	}
	if cluster.creates != 2 {
		t.Errorf("a failed creation must be retried, got %d attempts", cluster.creates)
	}
	if len(cluster.docs) != 0 {
		t.Errorf("no document may be written without the index")
	}
}

func TestOpenSearchSink_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	if err := New(url, "idx").Send(context.Background(), history.Event{Type: history.EventStop}); err == nil {
		t.Fatal("expected error for closed server")
	}
}
