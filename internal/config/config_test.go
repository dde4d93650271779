package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadIncludesRetrievalDefaults(t *testing.T) {
	t.Setenv("ONTOLOGY_CACHE_TTL", "")
	t.Setenv("BLEND_VECTOR_WEIGHT", "")
	t.Setenv("CROSSREF_MIN_CONFIDENCE", "")
	t.Setenv("CONTEXT_MAX_ITEMS", "")

	cfg := Load()
	def := DefaultRetrieval()
	if cfg.Retrieval != def {
		t.Fatalf("expected default retrieval config %+v, got %+v", def, cfg.Retrieval)
	}
	if err := cfg.Retrieval.Validate(); err != nil {
		t.Fatalf("expected defaults to validate, got %v", err)
	}
}

func TestLoadParsesRetrievalOverrides(t *testing.T) {
	t.Setenv("ONTOLOGY_CACHE_TTL", "90s")
	t.Setenv("BLEND_VECTOR_WEIGHT", "0.7")
	t.Setenv("BLEND_GRAPH_WEIGHT", "0.3")
	t.Setenv("CROSSREF_MIN_CONFIDENCE", "0.45")
	t.Setenv("CONTEXT_MAX_ITEMS", "7")
	t.Setenv("NEO4J_PROBE_APOC", "false")

	cfg := Load()
	if cfg.Retrieval.CacheTTL != 90*time.Second {
		t.Fatalf("expected cache ttl 90s, got %s", cfg.Retrieval.CacheTTL)
	}
	if cfg.Retrieval.VectorWeight != 0.7 || cfg.Retrieval.GraphWeight != 0.3 {
		t.Fatalf("expected blend weights 0.7/0.3, got %v/%v", cfg.Retrieval.VectorWeight, cfg.Retrieval.GraphWeight)
	}
	if cfg.Retrieval.CrossRefMinConfidence != 0.45 {
		t.Fatalf("expected min confidence 0.45, got %v", cfg.Retrieval.CrossRefMinConfidence)
	}
	if cfg.Retrieval.ContextMaxItems != 7 {
		t.Fatalf("expected context max items 7, got %d", cfg.Retrieval.ContextMaxItems)
	}
	if cfg.Neo4jProbeAPOC {
		t.Fatalf("expected apoc probe disabled")
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("ONTOLOGY_CACHE_CAPACITY", "lots")
	t.Setenv("QUERY_TIMEOUT", "soon")

	cfg := Load()
	def := DefaultRetrieval()
	if cfg.Retrieval.CacheCapacity != def.CacheCapacity {
		t.Fatalf("expected fallback capacity %d, got %d", def.CacheCapacity, cfg.Retrieval.CacheCapacity)
	}
	if cfg.Retrieval.QueryTimeout != def.QueryTimeout {
		t.Fatalf("expected fallback timeout %s, got %s", def.QueryTimeout, cfg.Retrieval.QueryTimeout)
	}
}

func TestRetrievalValidateRejectsInconsistentValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*RetrievalConfig)
		want   string
	}{
		{"weights", func(c *RetrievalConfig) { c.VectorWeight = 0.9 }, "sum to 1"},
		{"capacity", func(c *RetrievalConfig) { c.CacheCapacity = 0 }, "cache capacity"},
		{"depth", func(c *RetrievalConfig) { c.OntologyDefaultDepth = 9 }, "exceeds max depth"},
		{"confidence", func(c *RetrievalConfig) { c.CrossRefMinConfidence = 1.5 }, "min confidence"},
		{"items", func(c *RetrievalConfig) { c.ContextMaxItems = 100 }, "hard max"},
		{"timeouts", func(c *RetrievalConfig) { c.BranchTimeout = time.Minute }, "branch timeout"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultRetrieval()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}
}
