package config

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// RetrievalConfig enumerates every retrieval tunable. It is validated once at startup and passed by value.
type RetrievalConfig struct {
	CacheTTL      time.Duration
	CacheCapacity int

	OntologyDefaultDepth  int
	OntologyMaxDepth      int
	OntologyResultCap     int
	OntologyAncestorDepth int

	VectorWeight        float64
	GraphWeight         float64
	UnlinkedPenalty     float64
	OntologyDecay       float64
	OntologyExpandDepth int
	OntologyItemsPerHit int

	CrossRefMinConfidence float64

	ContextMaxItems     int
	ContextHardMaxItems int
	ContextMaxChars     int

	VectorTopK            int
	GraphTopK             int
	GraphDepth            int
	GraphMaxRelationships int

	QueryTimeout      time.Duration
	BranchTimeout     time.Duration
	GenerationTimeout time.Duration

	RouterEntityDensityThreshold float64
	RouterShortQueryTokens       int
	RouterLongQueryTokens        int
	RouterDecisionMargin         float64
}

func DefaultRetrieval() RetrievalConfig {
	return RetrievalConfig{
		CacheTTL:      10 * time.Minute,
		CacheCapacity: 1000,

		OntologyDefaultDepth:  3,
		OntologyMaxDepth:      6,
		OntologyResultCap:     50,
		OntologyAncestorDepth: 10,

		VectorWeight:        0.6,
		GraphWeight:         0.4,
		UnlinkedPenalty:     0.8,
		OntologyDecay:       0.5,
		OntologyExpandDepth: 2,
		OntologyItemsPerHit: 3,

		CrossRefMinConfidence: 0.3,

		ContextMaxItems:     10,
		ContextHardMaxItems: 50,
		ContextMaxChars:     4000,

		VectorTopK:            10,
		GraphTopK:             10,
		GraphDepth:            1,
		GraphMaxRelationships: 10,

		QueryTimeout:      8 * time.Second,
		BranchTimeout:     5 * time.Second,
		GenerationTimeout: 60 * time.Second,

		RouterEntityDensityThreshold: 0.2,
		RouterShortQueryTokens:       8,
		RouterLongQueryTokens:        15,
		RouterDecisionMargin:         2,
	}
}

func (c RetrievalConfig) Validate() error {
	var errs []error
	positiveInt := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positiveDuration := func(name string, v time.Duration) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, v))
		}
	}
	unitInterval := func(name string, v float64) {
		if math.IsNaN(v) || v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1], got %v", name, v))
		}
	}

	positiveDuration("cache ttl", c.CacheTTL)
	positiveInt("cache capacity", c.CacheCapacity)
	positiveInt("ontology default depth", c.OntologyDefaultDepth)
	positiveInt("ontology max depth", c.OntologyMaxDepth)
	positiveInt("ontology result cap", c.OntologyResultCap)
	positiveInt("ontology ancestor depth", c.OntologyAncestorDepth)
	if c.OntologyDefaultDepth > c.OntologyMaxDepth {
		errs = append(errs, fmt.Errorf("ontology default depth %d exceeds max depth %d", c.OntologyDefaultDepth, c.OntologyMaxDepth))
	}

	unitInterval("vector weight", c.VectorWeight)
	unitInterval("graph weight", c.GraphWeight)
	if math.Abs(c.VectorWeight+c.GraphWeight-1) > 1e-9 {
		errs = append(errs, fmt.Errorf("blend weights must sum to 1, got %v", c.VectorWeight+c.GraphWeight))
	}
	unitInterval("unlinked penalty", c.UnlinkedPenalty)
	unitInterval("ontology decay", c.OntologyDecay)
	positiveInt("ontology expand depth", c.OntologyExpandDepth)
	if c.OntologyExpandDepth > c.OntologyMaxDepth {
		errs = append(errs, fmt.Errorf("ontology expand depth %d exceeds max depth %d", c.OntologyExpandDepth, c.OntologyMaxDepth))
	}
	if c.OntologyItemsPerHit < 0 {
		errs = append(errs, fmt.Errorf("ontology items per hit must not be negative, got %d", c.OntologyItemsPerHit))
	}

	unitInterval("cross-reference min confidence", c.CrossRefMinConfidence)

	positiveInt("context max items", c.ContextMaxItems)
	positiveInt("context hard max items", c.ContextHardMaxItems)
	if c.ContextMaxItems > c.ContextHardMaxItems {
		errs = append(errs, fmt.Errorf("context max items %d exceeds hard max %d", c.ContextMaxItems, c.ContextHardMaxItems))
	}
	positiveInt("context max chars", c.ContextMaxChars)

	positiveInt("vector top k", c.VectorTopK)
	positiveInt("graph top k", c.GraphTopK)
	positiveInt("graph depth", c.GraphDepth)
	positiveInt("graph max relationships", c.GraphMaxRelationships)

	positiveDuration("query timeout", c.QueryTimeout)
	positiveDuration("branch timeout", c.BranchTimeout)
	positiveDuration("generation timeout", c.GenerationTimeout)
	if c.BranchTimeout > c.QueryTimeout {
		errs = append(errs, fmt.Errorf("branch timeout %s exceeds query timeout %s", c.BranchTimeout, c.QueryTimeout))
	}

	unitInterval("router entity density threshold", c.RouterEntityDensityThreshold)
	positiveInt("router short query tokens", c.RouterShortQueryTokens)
	positiveInt("router long query tokens", c.RouterLongQueryTokens)
	if c.RouterDecisionMargin < 0 {
		errs = append(errs, fmt.Errorf("router decision margin must not be negative, got %v", c.RouterDecisionMargin))
	}

	return errors.Join(errs...)
}
