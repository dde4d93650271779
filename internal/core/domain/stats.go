package domain

// ServiceStats is the operational snapshot reported by the stats endpoint.
type ServiceStats struct {
	Ontology          OntologyStats       `json:"ontology"`
	Cache             CacheStats          `json:"cache"`
	CrossReferences   CrossReferenceStats `json:"cross_references"`
	AdvancedTraversal bool                `json:"advanced_traversal"`
}
