package ports

import (
	"context"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

// FragmentChecker reports which fragment ids still exist in the vector store.
type FragmentChecker interface {
	ExistingFragments(ctx context.Context, fragmentIDs []string) (map[string]bool, error)
}

// EntityChecker reports which entity ids still exist in the graph store.
type EntityChecker interface {
	ExistingEntities(ctx context.Context, entityIDs []string) (map[string]bool, error)
}

// FragmentReader returns the stored text of an indexed fragment.
type FragmentReader interface {
	FragmentText(ctx context.Context, fragmentID string) (string, error)
}

// EntityLookup resolves entity ids to their names and types.
type EntityLookup interface {
	GetEntities(ctx context.Context, entityIDs []string) ([]domain.Entity, error)
}

// VectorStore performs similarity search over fragment embeddings.
type VectorStore interface {
	FragmentChecker
	Search(ctx context.Context, queryEmbedding []float32, topK int, filter domain.VectorFilter) ([]domain.VectorHit, error)
	Upsert(ctx context.Context, fragmentID string, embedding []float32, metadata map[string]string) error
	DeleteDocument(ctx context.Context, documentID string) (int, error)
}

// GraphStore performs entity and relationship traversal queries.
type GraphStore interface {
	EntityChecker
	EntityLookup
	Search(ctx context.Context, query domain.GraphQuery) ([]domain.GraphHit, error)
	Ingest(ctx context.Context, nodes []domain.GraphNode, edges []domain.GraphEdge) error
	LinkDocument(ctx context.Context, documentID string, entityIDs []string) error
	DeleteDocument(ctx context.Context, documentID string) (int, error)
	SupportsAdvancedTraversal() bool
}

// Embedder builds vectors for query text.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// AnswerGenerator turns a synthesized context into answer text.
type AnswerGenerator interface {
	GenerateAnswer(ctx context.Context, question string, synthesized domain.SynthesizedContext) (string, error)
}

// ReasoningGenerator explains how an answer follows from the context it was built on.
type ReasoningGenerator interface {
	GenerateReasoning(ctx context.Context, question string, synthesized domain.SynthesizedContext, answer string) (string, error)
}

// OntologyRepository persists the concept graph.
type OntologyRepository interface {
	SaveConcept(ctx context.Context, concept domain.Concept) error
	SaveRelation(ctx context.Context, relation domain.ConceptRelation) error
	SaveEntityLink(ctx context.Context, link domain.EntityLink) error
	LoadOntology(ctx context.Context) (domain.OntologySnapshot, error)
}

// CrossReferenceRepository persists the cross-reference index.
type CrossReferenceRepository interface {
	InsertCrossReference(ctx context.Context, ref domain.CrossReference) error
	UpgradeCrossReference(ctx context.Context, ref domain.CrossReference) (bool, error)
	LoadCrossReferences(ctx context.Context) ([]domain.CrossReference, error)
}

// ConceptTrafficStore keeps per-concept access counts between process runs for cache warm-up.
type ConceptTrafficStore interface {
	SaveConceptTraffic(ctx context.Context, counts map[string]uint64) error
	TopConcepts(ctx context.Context, limit int) ([]string, error)
}

// TextSplitter cuts document text into fragments.
type TextSplitter interface {
	Split(text string) []string
}

// FragmentPublisher hands indexed fragments to the cross-reference worker.
type FragmentPublisher interface {
	PublishFragmentIndexed(ctx context.Context, event domain.FragmentIndexed) error
}

// MessageQueue publishes/consumes fragment indexing events.
type MessageQueue interface {
	FragmentPublisher
	SubscribeFragmentIndexed(ctx context.Context, handler func(context.Context, domain.FragmentIndexed) error) error
}
