package qdrant

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

func TestUpsertEnsuresCollectionOncePerVectorSize(t *testing.T) {
	var ensureCalls int32
	var lastPayload map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPut && r.URL.Path == "/collections/fragments":
			atomic.AddInt32(&ensureCalls, 1)
			w.WriteHeader(http.StatusCreated)
		case r.Method == http.MethodPut && r.URL.Path == "/collections/fragments/points":
			var body struct {
				Points []struct {
					ID      string         `json:"id"`
					Payload map[string]any `json:"payload"`
				} `json:"points"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			if len(body.Points) == 1 {
				lastPayload = body.Points[0].Payload
				if body.Points[0].ID != pointID("f1") {
					t.Errorf("unexpected point id %q", body.Points[0].ID)
				}
			}
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	client := New(server.URL, "fragments")
	for i := 0; i < 2; i++ {
		if err := client.Upsert(context.Background(), "f1", []float32{0.1, 0.2}, map[string]string{"text": "pump", "document_id": "d1"}); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}
	if got := atomic.LoadInt32(&ensureCalls); got != 1 {
		t.Fatalf("expected ensure collection called once, got %d", got)
	}
	if lastPayload["fragment_id"] != "f1" || lastPayload["document_id"] != "d1" {
		t.Fatalf("unexpected payload %v", lastPayload)
	}
}

func TestSearchMapsHitsAndClampsScores(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/collections/fragments/points/search" {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["limit"] != float64(5) || body["filter"] == nil {
			t.Errorf("unexpected request body %v", body)
		}
		_, _ = w.Write([]byte(`{"result":[
			{"id":"a","score":1.2,"payload":{"fragment_id":"f1","document_id":"d1","text":"Machine M1"}},
			{"id":"b","score":0.4,"payload":{"text":"orphan without fragment id"}},
			{"id":"c","score":0.3,"payload":{"fragment_id":"f2","text":"Sensor S1"}}
		]}`))
	}))
	defer server.Close()

	hits, err := New(server.URL, "fragments").Search(context.Background(), []float32{0.1}, 5, domain.VectorFilter{DocumentID: "d1"})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %+v", hits)
	}
	if hits[0].FragmentID != "f1" || hits[0].Score != 1 || hits[0].Rank != 1 {
		t.Fatalf("unexpected first hit %+v", hits[0])
	}
	if hits[1].FragmentID != "f2" || hits[1].Rank != 2 {
		t.Fatalf("unexpected second hit %+v", hits[1])
	}
}

func TestSearchMissingCollectionIsEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"status":{"error":"Not found: Collection fragments doesn't exist!"}}`, http.StatusNotFound)
	}))
	defer server.Close()

	hits, err := New(server.URL, "fragments").Search(context.Background(), []float32{0.1}, 5, domain.VectorFilter{})
	if err != nil || len(hits) != 0 {
		t.Fatalf("expected empty result, got %v / %v", hits, err)
	}
}

func TestSearchServerErrorIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := New(server.URL, "fragments").Search(context.Background(), []float32{0.1}, 5, domain.VectorFilter{})
	if !domain.IsKind(err, domain.ErrAdapterUnavailable) || !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected unavailable temporary error, got %v", err)
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected error to include body, got %v", err)
	}
}

func TestExistingFragmentsAndText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/collections/fragments/points":
			_, _ = w.Write([]byte(`{"result":[{"id":"x","payload":{"fragment_id":"f1"}}]}`))
		case r.Method == http.MethodGet && r.URL.Path == "/collections/fragments/points/"+pointID("f1"):
			_, _ = w.Write([]byte(`{"result":{"id":"x","payload":{"fragment_id":"f1","text":"Machine M1"}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()
	client := New(server.URL, "fragments")

	existing, err := client.ExistingFragments(context.Background(), []string{"f1", "gone"})
	if err != nil {
		t.Fatalf("ExistingFragments() error = %v", err)
	}
	if !existing["f1"] || existing["gone"] {
		t.Fatalf("unexpected existence map %v", existing)
	}

	text, err := client.FragmentText(context.Background(), "f1")
	if err != nil || text != "Machine M1" {
		t.Fatalf("FragmentText() = %q, %v", text, err)
	}
	if _, err := client.FragmentText(context.Background(), "gone"); !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteDocumentFiltersOnDocumentID(t *testing.T) {
	var deleted int32
	var filters []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Filter struct {
				Must []struct {
					Key   string `json:"key"`
					Match struct {
						Value string `json:"value"`
					} `json:"match"`
				} `json:"must"`
			} `json:"filter"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if len(body.Filter.Must) == 1 && body.Filter.Must[0].Key == "document_id" {
			filters = append(filters, body.Filter.Must[0].Match.Value)
		}
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/collections/fragments/points/count":
			if body.Filter.Must[0].Match.Value == "doc-1" {
				_, _ = w.Write([]byte(`{"result":{"count":3}}`))
				return
			}
			_, _ = w.Write([]byte(`{"result":{"count":0}}`))
		case r.Method == http.MethodPost && r.URL.Path == "/collections/fragments/points/delete":
			if r.URL.Query().Get("wait") != "true" {
				t.Errorf("expected synchronous delete, got %q", r.URL.RawQuery)
			}
			atomic.AddInt32(&deleted, 1)
			_, _ = w.Write([]byte(`{"result":{"status":"completed"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()
	client := New(server.URL, "fragments")

	removed, err := client.DeleteDocument(context.Background(), "doc-1")
	if err != nil || removed != 3 {
		t.Fatalf("DeleteDocument() = %d, %v", removed, err)
	}
	removed, err = client.DeleteDocument(context.Background(), "doc-2")
	if err != nil || removed != 0 {
		t.Fatalf("expected nothing removed for unknown document, got %d, %v", removed, err)
	}
	if got := atomic.LoadInt32(&deleted); got != 1 {
		t.Fatalf("expected one delete call, got %d", got)
	}
	if len(filters) != 3 || filters[0] != "doc-1" || filters[1] != "doc-1" || filters[2] != "doc-2" {
		t.Fatalf("unexpected document filters %v", filters)
	}
	if _, err := client.DeleteDocument(context.Background(), ""); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestDeleteDocumentMissingCollectionRemovesNothing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	removed, err := New(server.URL, "fragments").DeleteDocument(context.Background(), "doc-1")
	if err != nil || removed != 0 {
		t.Fatalf("expected empty delete, got %d, %v", removed, err)
	}
}
