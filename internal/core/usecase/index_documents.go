package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
)

type IndexOption func(*DocumentIndexUseCase)

func WithIndexLogger(logger *slog.Logger) IndexOption {
	return func(uc *DocumentIndexUseCase) {
		if logger != nil {
			uc.logger = logger
		}
	}
}

// WithFragmentPublisher enables async indexing through the message queue.
func WithFragmentPublisher(publisher ports.FragmentPublisher) IndexOption {
	return func(uc *DocumentIndexUseCase) { uc.publisher = publisher }
}

// WithConceptWriter files every indexed entity under a concept named after it, below a
// concept named after its type. The concept domain comes from the "domain" metadata key.
func WithConceptWriter(writer OntologyWriter) IndexOption {
	return func(uc *DocumentIndexUseCase) { uc.concepts = writer }
}

// DocumentIndexUseCase writes entities to the graph store first, then chunks, embeds
// and upserts fragments, then links every fragment to the document's entities.
type DocumentIndexUseCase struct {
	splitter  ports.TextSplitter
	embedder  ports.Embedder
	vectors   ports.VectorStore
	graph     ports.GraphStore
	ingestor  ports.CrossReferenceIngestor
	publisher ports.FragmentPublisher
	concepts  OntologyWriter
	logger    *slog.Logger
}

func NewDocumentIndexUseCase(
	splitter ports.TextSplitter,
	embedder ports.Embedder,
	vectors ports.VectorStore,
	graph ports.GraphStore,
	ingestor ports.CrossReferenceIngestor,
	opts ...IndexOption,
) *DocumentIndexUseCase {
	uc := &DocumentIndexUseCase{
		splitter: splitter,
		embedder: embedder,
		vectors:  vectors,
		graph:    graph,
		ingestor: ingestor,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

func (uc *DocumentIndexUseCase) IndexDocument(ctx context.Context, input domain.DocumentInput, async bool) (domain.IndexResult, error) {
	if err := validateDocument(input); err != nil {
		return domain.IndexResult{}, err
	}
	if async && uc.publisher == nil {
		return domain.IndexResult{}, domain.NewError(domain.ErrAdapterUnavailable, "index document", "message queue is not configured")
	}
	docID := input.DocumentID()
	result := domain.IndexResult{DocumentID: docID, FragmentIDs: []string{}}

	// Entities must exist before cross references can resolve them.
	if len(input.Entities) > 0 || len(input.Relationships) > 0 {
		if err := uc.graph.Ingest(ctx, input.Entities, input.Relationships); err != nil {
			return result, fmt.Errorf("ingest document graph: %w", err)
		}
		result.GraphNodes = len(input.Entities)
		result.GraphEdges = len(input.Relationships)
	}
	if len(input.Entities) > 0 {
		entityIDs := make([]string, 0, len(input.Entities))
		for _, entity := range input.Entities {
			entityIDs = append(entityIDs, entity.ID)
		}
		if err := uc.graph.LinkDocument(ctx, docID, entityIDs); err != nil {
			return result, fmt.Errorf("link document entities: %w", err)
		}
	}
	created, err := uc.fileConcepts(ctx, input)
	result.Concepts = created
	if err != nil {
		return result, err
	}

	chunks := uc.splitter.Split(input.Text)
	if len(chunks) == 0 {
		return result, domain.NewError(domain.ErrInvalidInput, "index document", "document has no indexable text")
	}
	embeddings, err := uc.embedder.Embed(ctx, chunks)
	if err != nil {
		return result, fmt.Errorf("embed fragments: %w", err)
	}
	if len(embeddings) != len(chunks) {
		return result, domain.NewError(domain.ErrAdapterUnavailable, "embed fragments", "got %d embeddings for %d fragments", len(embeddings), len(chunks))
	}

	candidates := make([]string, 0, len(input.Entities))
	for _, entity := range input.Entities {
		candidates = append(candidates, entity.ID)
	}

	for i, chunk := range chunks {
		fragmentID := domain.FragmentID(docID, i)
		metadata := make(map[string]string, len(input.Metadata)+3)
		maps.Copy(metadata, input.Metadata)
		metadata["document_id"] = docID
		metadata["text"] = chunk
		metadata["chunk_index"] = strconv.Itoa(i)
		if err := uc.vectors.Upsert(ctx, fragmentID, embeddings[i], metadata); err != nil {
			return result, fmt.Errorf("upsert fragment %s: %w", fragmentID, err)
		}
		result.FragmentIDs = append(result.FragmentIDs, fragmentID)

		if len(candidates) == 0 {
			continue
		}
		event := domain.FragmentIndexed{FragmentID: fragmentID, DocumentID: docID, Text: chunk, CandidateEntityIDs: candidates}
		if async {
			if err := uc.publisher.PublishFragmentIndexed(ctx, event); err != nil {
				return result, fmt.Errorf("publish fragment %s: %w", fragmentID, err)
			}
			result.Queued = true
			continue
		}
		refs, err := uc.ingestor.IngestFragment(ctx, event)
		result.CrossReferences = append(result.CrossReferences, refs)
		// Rejections are expected here since every fragment is checked against every
		// entity of the document; they stay listed in the result.
		if err != nil && domain.IsKind(err, domain.ErrAdapterUnavailable) {
			return result, err
		}
	}

	uc.logger.Info("document_indexed",
		"document_id", docID,
		"fragments", len(result.FragmentIDs),
		"graph_nodes", result.GraphNodes,
		"graph_edges", result.GraphEdges,
		"queued", result.Queued,
		"concepts", result.Concepts,
	)
	return result, nil
}

// fileConcepts adds a type concept and an entity concept per entity and links the
// entity to the latter. Rejected concepts are skipped; an unavailable store aborts.
func (uc *DocumentIndexUseCase) fileConcepts(ctx context.Context, input domain.DocumentInput) (int, error) {
	if uc.concepts == nil || len(input.Entities) == 0 {
		return 0, nil
	}
	conceptDomain := strings.TrimSpace(input.Metadata["domain"])
	created := 0
	types := make(map[string]string)
	for _, entity := range input.Entities {
		var parents []string
		if typeName := strings.TrimSpace(entity.Type); typeName != "" {
			typeID, ok := types[strings.ToLower(typeName)]
			if !ok {
				concept, err := uc.concepts.AddConcept(ctx, domain.ConceptInput{Name: typeName, Domain: conceptDomain})
				if err != nil {
					if domain.IsKind(err, domain.ErrAdapterUnavailable) {
						return created, fmt.Errorf("add type concept %q: %w", typeName, err)
					}
					uc.logger.Warn("concept_rejected", "name", typeName, "error", err)
				} else {
					typeID = concept.ID
					created++
				}
				types[strings.ToLower(typeName)] = typeID
			}
			if typeID != "" && typeID != domain.ConceptID(conceptDomain, entity.Name) {
				parents = []string{typeID}
			}
		}

		concept, err := uc.concepts.AddConcept(ctx, domain.ConceptInput{Name: entity.Name, Domain: conceptDomain, ParentIDs: parents})
		if err != nil {
			if domain.IsKind(err, domain.ErrAdapterUnavailable) {
				return created, fmt.Errorf("add entity concept %q: %w", entity.Name, err)
			}
			uc.logger.Warn("concept_rejected", "name", entity.Name, "entity_id", entity.ID, "error", err)
			continue
		}
		created++
		if _, err := uc.concepts.LinkEntity(ctx, entity.ID, concept.ID); err != nil {
			if domain.IsKind(err, domain.ErrAdapterUnavailable) {
				return created, fmt.Errorf("link entity %q: %w", entity.ID, err)
			}
			uc.logger.Warn("entity_link_rejected", "entity_id", entity.ID, "concept_id", concept.ID, "error", err)
		}
	}
	return created, nil
}

// DeleteDocument removes a document's fragments and the graph nodes only it mentions.
// Cross references pointing at them are dropped lazily by the existence filter.
func (uc *DocumentIndexUseCase) DeleteDocument(ctx context.Context, documentID string) (domain.DeleteResult, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return domain.DeleteResult{}, domain.NewError(domain.ErrInvalidInput, "delete document", "document id is empty")
	}
	result := domain.DeleteResult{DocumentID: documentID}

	fragments, err := uc.vectors.DeleteDocument(ctx, documentID)
	if err != nil {
		return result, fmt.Errorf("delete document fragments: %w", err)
	}
	result.Fragments = fragments
	nodes, err := uc.graph.DeleteDocument(ctx, documentID)
	if err != nil {
		return result, fmt.Errorf("delete document graph: %w", err)
	}
	result.GraphNodes = nodes

	if fragments == 0 && nodes == 0 {
		return result, domain.NewError(domain.ErrNotFound, "delete document", "document %q is not indexed", documentID)
	}
	uc.logger.Info("document_deleted",
		"document_id", documentID,
		"fragments", fragments,
		"graph_nodes", nodes,
	)
	return result, nil
}

func validateDocument(input domain.DocumentInput) error {
	if strings.TrimSpace(input.Text) == "" {
		return domain.NewError(domain.ErrInvalidInput, "index document", "text is empty")
	}
	for i, entity := range input.Entities {
		if strings.TrimSpace(entity.ID) == "" || strings.TrimSpace(entity.Name) == "" {
			return domain.NewError(domain.ErrInvalidInput, "index document", "entity #%d needs id and name", i+1)
		}
	}
	for i, rel := range input.Relationships {
		if rel.SourceID == "" || rel.TargetID == "" || rel.Type == "" {
			return domain.NewError(domain.ErrInvalidInput, "index document", "relationship #%d needs source, target and type", i+1)
		}
	}
	return nil
}
