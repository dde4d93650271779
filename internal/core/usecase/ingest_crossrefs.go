package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
)

// CrossReferenceObserver counts cross-reference writes by outcome.
type CrossReferenceObserver interface {
	ObserveCrossReference(result string)
}

type noopCrossReferenceObserver struct{}

func (noopCrossReferenceObserver) ObserveCrossReference(string) {}

type IngestOption func(*CrossReferenceIngestUseCase)

func WithIngestLogger(logger *slog.Logger) IngestOption {
	return func(uc *CrossReferenceIngestUseCase) {
		if logger != nil {
			uc.logger = logger
		}
	}
}

func WithIngestObserver(observer CrossReferenceObserver) IngestOption {
	return func(uc *CrossReferenceIngestUseCase) {
		if observer != nil {
			uc.observer = observer
		}
	}
}

func WithFragmentReader(reader ports.FragmentReader) IngestOption {
	return func(uc *CrossReferenceIngestUseCase) { uc.fragments = reader }
}

// CrossReferenceIngestUseCase links freshly indexed fragments to graph entities.
type CrossReferenceIngestUseCase struct {
	refs      ports.CrossReferenceService
	entities  ports.EntityLookup
	fragments ports.FragmentReader
	extractor ports.EvidenceExtractor
	logger    *slog.Logger
	observer  CrossReferenceObserver
}

func NewCrossReferenceIngestUseCase(
	refs ports.CrossReferenceService,
	entities ports.EntityLookup,
	extractor ports.EvidenceExtractor,
	opts ...IngestOption,
) *CrossReferenceIngestUseCase {
	if extractor == nil {
		extractor = TextSpanExtractor{}
	}
	uc := &CrossReferenceIngestUseCase{
		refs:      refs,
		entities:  entities,
		extractor: extractor,
		logger:    slog.Default(),
		observer:  noopCrossReferenceObserver{},
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// IngestFragment handles an indexing event with the default extractor.
func (uc *CrossReferenceIngestUseCase) IngestFragment(ctx context.Context, event domain.FragmentIndexed) (domain.IngestResult, error) {
	return uc.ingest(ctx, event.FragmentID, event.Text, event.CandidateEntityIDs, uc.extractor)
}

// IngestCrossReferences reads the fragment text back from the vector store and links it
// to every candidate the extractor is confident about. Rejected candidates are listed in
// the result and joined into the returned error.
func (uc *CrossReferenceIngestUseCase) IngestCrossReferences(
	ctx context.Context,
	fragmentID string,
	candidateEntityIDs []string,
	extractor ports.EvidenceExtractor,
) (domain.IngestResult, error) {
	fragmentID = strings.TrimSpace(fragmentID)
	if fragmentID == "" {
		return domain.IngestResult{}, domain.NewError(domain.ErrInvalidInput, "ingest cross references", "fragment id is empty")
	}
	if extractor == nil {
		extractor = uc.extractor
	}
	text := ""
	if uc.fragments != nil {
		var err error
		text, err = uc.fragments.FragmentText(ctx, fragmentID)
		if err != nil {
			return domain.IngestResult{FragmentID: fragmentID}, fmt.Errorf("read fragment text: %w", err)
		}
	}
	return uc.ingest(ctx, fragmentID, text, candidateEntityIDs, extractor)
}

func (uc *CrossReferenceIngestUseCase) ingest(
	ctx context.Context,
	fragmentID, text string,
	candidateEntityIDs []string,
	extractor ports.EvidenceExtractor,
) (domain.IngestResult, error) {
	fragmentID = strings.TrimSpace(fragmentID)
	result := domain.IngestResult{FragmentID: fragmentID, Created: []domain.CrossReference{}}
	if fragmentID == "" {
		return result, domain.NewError(domain.ErrInvalidInput, "ingest cross references", "fragment id is empty")
	}
	candidates := uniqueNonEmpty(candidateEntityIDs)
	if len(candidates) == 0 {
		return result, nil
	}

	entities, err := uc.resolveEntities(ctx, candidates)
	if err != nil {
		return result, err
	}

	var errs []error
	reject := func(entityID string, err error) {
		result.Rejected = append(result.Rejected, domain.Rejection{EntityID: entityID, Reason: err.Error()})
		errs = append(errs, err)
		uc.observer.ObserveCrossReference("rejected")
		uc.logger.Warn("cross_reference_rejected", "fragment_id", fragmentID, "entity_id", entityID, "error", err)
	}

	for _, entityID := range candidates {
		entity, ok := entities[entityID]
		if !ok {
			reject(entityID, domain.NewError(domain.ErrNotFound, "ingest cross references", "entity %q not found", entityID))
			continue
		}
		confidence, evidence, err := extractor.Extract(ctx, text, entity)
		if err != nil {
			reject(entityID, fmt.Errorf("extract evidence: %w", err))
			continue
		}

		ref, err := uc.refs.Add(ctx, fragmentID, entityID, confidence, evidence)
		switch {
		case err == nil:
			result.Created = append(result.Created, ref)
			uc.observer.ObserveCrossReference("created")
		case domain.IsKind(err, domain.ErrDuplicateReference):
			upgraded, updated, updateErr := uc.refs.Update(ctx, fragmentID, entityID, confidence, evidence)
			if updateErr != nil {
				reject(entityID, updateErr)
				continue
			}
			if updated {
				result.Upgraded = append(result.Upgraded, upgraded)
				uc.observer.ObserveCrossReference("upgraded")
			} else {
				uc.observer.ObserveCrossReference("unchanged")
			}
		case domain.IsKind(err, domain.ErrAdapterUnavailable):
			return result, err
		default:
			reject(entityID, err)
		}
	}

	uc.logger.Info("cross_references_ingested",
		"fragment_id", fragmentID,
		"created", len(result.Created),
		"upgraded", len(result.Upgraded),
		"rejected", len(result.Rejected),
	)
	return result, errors.Join(errs...)
}

func (uc *CrossReferenceIngestUseCase) resolveEntities(ctx context.Context, ids []string) (map[string]domain.Entity, error) {
	out := make(map[string]domain.Entity, len(ids))
	if uc.entities == nil {
		for _, id := range ids {
			out[id] = domain.Entity{ID: id}
		}
		return out, nil
	}
	entities, err := uc.entities.GetEntities(ctx, ids)
	if err != nil {
		return nil, domain.WrapError(domain.ErrAdapterUnavailable, "resolve candidate entities", err)
	}
	for _, entity := range entities {
		out[entity.ID] = entity
	}
	return out, nil
}

// TextSpanExtractor scores a fragment against an entity name: the whole name as a
// phrase, every name token, or a share of the tokens.
type TextSpanExtractor struct{}

const (
	exactSpanConfidence   = 0.9
	allTokensConfidence   = 0.6
	partialSpanConfidence = 0.5
)

func (TextSpanExtractor) Extract(_ context.Context, fragmentText string, entity domain.Entity) (float64, domain.Evidence, error) {
	name := strings.TrimSpace(entity.Name)
	if name == "" {
		return 0, domain.Evidence{}, domain.NewError(domain.ErrInvalidInput, "extract evidence", "entity %q has no name", entity.ID)
	}
	nameTokens := splitAlphaNumLower(name)
	if len(nameTokens) == 0 {
		return 0, domain.Evidence{}, domain.NewError(domain.ErrInvalidInput, "extract evidence", "entity %q name has no searchable terms", entity.ID)
	}

	if strings.Contains(normalizedPhrase(fragmentText), normalizedPhrase(name)) {
		span, ok := findSpan(fragmentText, name)
		if !ok {
			span = name
		}
		return exactSpanConfidence, domain.Evidence{Kind: domain.EvidenceTextSpan, Text: span}, nil
	}

	textTokens := toTokenSet(fragmentText)
	matched := make([]string, 0, len(nameTokens))
	for _, token := range nameTokens {
		if _, ok := textTokens[token]; ok {
			matched = append(matched, token)
		}
	}
	evidence := domain.Evidence{Kind: domain.EvidenceTextSpan, Text: strings.Join(matched, " ")}
	switch {
	case len(matched) == len(nameTokens):
		return allTokensConfidence, evidence, nil
	case len(matched) > 0:
		return partialSpanConfidence * float64(len(matched)) / float64(len(nameTokens)), evidence, nil
	default:
		return 0, evidence, nil
	}
}

// findSpan locates name in text ignoring ASCII case and returns the original span.
func findSpan(text, name string) (string, bool) {
	idx := strings.Index(strings.ToLower(text), strings.ToLower(name))
	if idx < 0 || idx+len(name) > len(text) {
		return "", false
	}
	span := text[idx : idx+len(name)]
	if !strings.EqualFold(span, name) {
		return "", false
	}
	return span, true
}

func uniqueNonEmpty(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
