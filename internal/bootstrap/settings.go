package bootstrap

import (
	"github.com/kirillkom/hybrid-retrieval/internal/config"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ontology"
	"github.com/kirillkom/hybrid-retrieval/internal/core/usecase"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/resilience"
)

func routerSettings(rc config.RetrievalConfig) usecase.RouterSettings {
	return usecase.RouterSettings{
		EntityDensityThreshold: rc.RouterEntityDensityThreshold,
		ShortQueryTokens:       rc.RouterShortQueryTokens,
		LongQueryTokens:        rc.RouterLongQueryTokens,
		DecisionMargin:         rc.RouterDecisionMargin,
	}
}

func ontologyLimits(rc config.RetrievalConfig) ontology.Limits {
	return ontology.Limits{
		DefaultDepth:  rc.OntologyDefaultDepth,
		MaxDepth:      rc.OntologyMaxDepth,
		ResultCap:     rc.OntologyResultCap,
		AncestorDepth: rc.OntologyAncestorDepth,
	}
}

// cacheConfig drops traversal entries as far out as any cached walk can reach.
func cacheConfig(rc config.RetrievalConfig) ontology.CacheConfig {
	return ontology.CacheConfig{
		TTL:               rc.CacheTTL,
		Capacity:          rc.CacheCapacity,
		InvalidationDepth: max(rc.OntologyMaxDepth, rc.OntologyAncestorDepth),
	}
}

func synthesisSettings(rc config.RetrievalConfig) usecase.SynthesisSettings {
	return usecase.SynthesisSettings{
		VectorWeight:        rc.VectorWeight,
		GraphWeight:         rc.GraphWeight,
		UnlinkedPenalty:     rc.UnlinkedPenalty,
		OntologyDecay:       rc.OntologyDecay,
		OntologyDepth:       rc.OntologyExpandDepth,
		OntologyItemsPerHit: rc.OntologyItemsPerHit,
		MaxItems:            rc.ContextMaxItems,
		HardMaxItems:        rc.ContextHardMaxItems,
		MaxRelationships:    rc.GraphMaxRelationships,
		MinConfidence:       rc.CrossRefMinConfidence,
	}
}

func querySettings(rc config.RetrievalConfig) usecase.QuerySettings {
	return usecase.QuerySettings{
		VectorTopK:        rc.VectorTopK,
		GraphTopK:         rc.GraphTopK,
		GraphDepth:        rc.GraphDepth,
		QueryTimeout:      rc.QueryTimeout,
		BranchTimeout:     rc.BranchTimeout,
		GenerationTimeout: rc.GenerationTimeout,
		ContextMaxChars:   rc.ContextMaxChars,
	}
}

func resilienceConfig(cfg config.Config) resilience.Config {
	out := resilience.DefaultConfig()
	out.RetryMaxAttempts = cfg.RetryMaxAttempts
	out.RetryInitialBackoff = cfg.RetryInitialBackoff
	out.RetryMaxBackoff = cfg.RetryMaxBackoff
	out.BreakerEnabled = cfg.BreakerEnabled
	if cfg.BreakerMinRequests > 0 {
		out.BreakerMinRequests = uint32(cfg.BreakerMinRequests)
	}
	out.BreakerFailureRatio = cfg.BreakerFailureRatio
	out.BreakerOpenTimeout = cfg.BreakerOpenTimeout
	out.Operations = resilience.StoreAndInference(cfg.AdapterTimeout)
	return out
}
