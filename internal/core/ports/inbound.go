package ports

import (
	"context"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

// QueryService is the single entry point the request-handling layer uses to retrieve context.
type QueryService interface {
	Query(ctx context.Context, req domain.QueryRequest) (*domain.SynthesizedContext, error)
	Answer(ctx context.Context, req domain.QueryRequest) (*domain.Answer, error)
	Route(req domain.QueryRequest) (domain.StrategyDecision, error)
}

// CrossReferenceIngestor links an indexed fragment to candidate graph entities.
type CrossReferenceIngestor interface {
	IngestCrossReferences(ctx context.Context, fragmentID string, candidateEntityIDs []string, extractor EvidenceExtractor) (domain.IngestResult, error)
	IngestFragment(ctx context.Context, event domain.FragmentIndexed) (domain.IngestResult, error)
}

// DocumentIndexer stores a document's fragments and entities. With async set, cross
// references are built by the worker instead of inline. DeleteDocument leaves cross
// references in place; lookups drop the ones whose endpoints are gone.
type DocumentIndexer interface {
	IndexDocument(ctx context.Context, input domain.DocumentInput, async bool) (domain.IndexResult, error)
	DeleteDocument(ctx context.Context, documentID string) (domain.DeleteResult, error)
}

// CrossReferenceService is the read/write surface of the cross-reference index.
type CrossReferenceService interface {
	Add(ctx context.Context, fragmentID, entityID string, confidence float64, evidence domain.Evidence) (domain.CrossReference, error)
	Update(ctx context.Context, fragmentID, entityID string, confidence float64, evidence domain.Evidence) (domain.CrossReference, bool, error)
	FindRelatedData(ctx context.Context, id string, source domain.SourceType) ([]domain.CrossReference, error)
	GetEvidence(ctx context.Context, fragmentID, entityID string) (domain.Evidence, error)
	Stats() domain.CrossReferenceStats
}

// OntologyService is the read/write surface of the concept graph used by the admin API.
type OntologyService interface {
	AddConcept(ctx context.Context, input domain.ConceptInput) (domain.Concept, error)
	AddRelation(ctx context.Context, kind domain.RelationKind, sourceID, targetID string, weight float64) (domain.ConceptRelation, error)
	LinkEntity(ctx context.Context, entityID, conceptID string) (domain.EntityLink, error)
	GetConcept(ctx context.Context, conceptID string) (domain.Concept, error)
	FindRelated(ctx context.Context, conceptID string, maxDepth int, kinds []domain.RelationKind) ([]domain.RelatedConcept, error)
	GetHierarchy(ctx context.Context, conceptID string) ([]domain.Concept, error)
}

// EvidenceExtractor scores how strongly a fragment refers to an entity.
type EvidenceExtractor interface {
	Extract(ctx context.Context, fragmentText string, entity domain.Entity) (float64, domain.Evidence, error)
}
