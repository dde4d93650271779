package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/resilience"
)

func TestGeneratorBuildsContextPrompt(t *testing.T) {
	var capturedPrompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		capturedPrompt, _ = payload["prompt"].(string)
		_, _ = w.Write([]byte(`{"response":" ok "}`))
	}))
	defer server.Close()

	gen := NewGenerator(New(server.URL, "gen", "embed"))
	answer, err := gen.GenerateAnswer(context.Background(), "question?", domain.SynthesizedContext{
		Degraded: true,
		Items: []domain.ContextItem{
			{Provenance: domain.ProvenanceCrossReferenced, Score: 0.95, Text: "chunk text"},
		},
	})
	if err != nil {
		t.Fatalf("GenerateAnswer() error = %v", err)
	}
	if answer != "ok" {
		t.Fatalf("expected trimmed answer, got %q", answer)
	}
	for _, want := range []string{"question?", "chunk text", "cross_referenced", "incomplete"} {
		if !strings.Contains(capturedPrompt, want) {
			t.Fatalf("prompt missing %q: %s", want, capturedPrompt)
		}
	}
}

func TestEmbedIncludesHTTPBodyInError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model unavailable", http.StatusBadGateway)
	}))
	defer server.Close()

	embedder := NewEmbedder(New(server.URL, "gen", "embed"))
	_, err := embedder.Embed(context.Background(), []string{"hello"})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if !domain.IsKind(err, domain.ErrAdapterUnavailable) || !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected unavailable temporary error, got %v", err)
	}
}

func TestEmbedQueryRetriesThroughExecutor(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "loading model", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"embeddings":[[0.1,0.2,0.3]]}`))
	}))
	defer server.Close()

	exec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    2,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     time.Millisecond,
		RetryMultiplier:     2,
	})
	vector, err := NewEmbedder(New(server.URL, "gen", "embed", WithExecutor(exec))).EmbedQuery(context.Background(), "pump pressure")
	if err != nil {
		t.Fatalf("EmbedQuery() error = %v", err)
	}
	if len(vector) != 3 || calls != 2 {
		t.Fatalf("expected 3 dims after 2 calls, got %d dims after %d calls", len(vector), calls)
	}
}

func TestEmbedRejectsShortResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"embeddings":[]}`))
	}))
	defer server.Close()

	_, err := NewEmbedder(New(server.URL, "gen", "embed")).EmbedQuery(context.Background(), "x")
	if !domain.IsKind(err, domain.ErrAdapterUnavailable) {
		t.Fatalf("expected adapter unavailable, got %v", err)
	}
}

func TestGeneratorReasoningPromptCarriesAnswer(t *testing.T) {
	var capturedPrompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		capturedPrompt, _ = payload["prompt"].(string)
		_, _ = w.Write([]byte(`{"response":"graph hits named the pump"}`))
	}))
	defer server.Close()

	reasoning, err := NewGenerator(New(server.URL, "gen", "embed")).GenerateReasoning(context.Background(), "what feeds V-20?",
		domain.SynthesizedContext{Strategy: domain.StrategyGraph, Items: []domain.ContextItem{{Provenance: domain.ProvenanceGraph, Text: "Pump P-100"}}},
		"Pump P-100 feeds V-20.")
	if err != nil {
		t.Fatalf("GenerateReasoning() error = %v", err)
	}
	if reasoning != "graph hits named the pump" {
		t.Fatalf("unexpected reasoning %q", reasoning)
	}
	for _, want := range []string{"what feeds V-20?", "Pump P-100 feeds V-20.", "graph search strategy"} {
		if !strings.Contains(capturedPrompt, want) {
			t.Fatalf("prompt missing %q: %s", want, capturedPrompt)
		}
	}
}
