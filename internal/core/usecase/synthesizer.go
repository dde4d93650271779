package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
)

// CrossReferenceFinder resolves the counterparts of many hits of one source type at once.
type CrossReferenceFinder interface {
	FindRelatedBatch(ctx context.Context, ids []string, source domain.SourceType) (map[string][]domain.CrossReference, error)
}

// OntologyReader is the read side of the concept graph the synthesizer expands through.
type OntologyReader interface {
	ConceptsForEntity(ctx context.Context, entity domain.Entity) ([]domain.Concept, error)
	FindRelated(ctx context.Context, conceptID string, maxDepth int, kinds []domain.RelationKind) ([]domain.RelatedConcept, error)
}

// CounterpartSearcher fetches graph entities by id with their relationships.
type CounterpartSearcher interface {
	Search(ctx context.Context, query domain.GraphQuery) ([]domain.GraphHit, error)
}

type SynthesisSettings struct {
	VectorWeight        float64
	GraphWeight         float64
	UnlinkedPenalty     float64
	OntologyDecay       float64
	OntologyDepth       int
	OntologyItemsPerHit int
	MaxItems            int
	HardMaxItems        int
	MaxRelationships    int
	MinConfidence       float64
}

func DefaultSynthesisSettings() SynthesisSettings {
	return SynthesisSettings{
		VectorWeight:        0.6,
		GraphWeight:         0.4,
		UnlinkedPenalty:     0.8,
		OntologyDecay:       0.5,
		OntologyDepth:       2,
		OntologyItemsPerHit: 3,
		MaxItems:            10,
		HardMaxItems:        50,
		MaxRelationships:    10,
		MinConfidence:       0.3,
	}
}

type SynthesisInput struct {
	Query      string
	Decision   domain.StrategyDecision
	VectorHits []domain.VectorHit
	GraphHits  []domain.GraphHit
	MaxItems   int
	Sources    []domain.SourceReport
}

type SynthesizerOption func(*Synthesizer)

// WithCounterparts lets the synthesizer pull the linked side of a hit the other
// store did not return in this query.
func WithCounterparts(graph CounterpartSearcher, fragments ports.FragmentReader) SynthesizerOption {
	return func(s *Synthesizer) {
		s.graph = graph
		s.fragments = fragments
	}
}

func WithSynthesizerLogger(logger *slog.Logger) SynthesizerOption {
	return func(s *Synthesizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Synthesizer merges vector and graph hits into one bounded, ranked context.
// Given the same hits and the same cross-reference and ontology state its output
// is identical across calls.
type Synthesizer struct {
	settings  SynthesisSettings
	crossRefs CrossReferenceFinder
	ontology  OntologyReader
	graph     CounterpartSearcher
	fragments ports.FragmentReader
	logger    *slog.Logger
}

const counterpartFetchLimit = 4

func NewSynthesizer(settings SynthesisSettings, crossRefs CrossReferenceFinder, ontology OntologyReader, opts ...SynthesizerOption) *Synthesizer {
	s := &Synthesizer{
		settings:  settings,
		crossRefs: crossRefs,
		ontology:  ontology,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// candidate is a context item plus the identities it stands for.
type candidate struct {
	item      domain.ContextItem
	keys      []string
	entity    *domain.Entity
	expansion bool
	// counterpart is the linked entity or fragment id still to be merged in.
	counterpart string
}

func fragmentKey(id string) string { return "fragment:" + id }
func entityKey(id string) string   { return "entity:" + id }
func conceptKey(id string) string  { return "concept:" + id }

func (s *Synthesizer) Synthesize(ctx context.Context, in SynthesisInput) domain.SynthesizedContext {
	maxItems := s.boundMaxItems(in.MaxItems)
	strategy := in.Decision.Strategy

	vectorHits := rankVectorHits(in.VectorHits)
	graphHits := rankGraphHits(in.GraphHits, s.settings.MaxRelationships)

	fragmentRefs := s.findRefs(ctx, vectorIDs(vectorHits), domain.SourceFragment)
	entityRefs := s.findRefs(ctx, graphIDs(graphHits), domain.SourceEntity)

	scale := 1.0
	if strategy == domain.StrategyHybrid {
		scale = pooledMax(vectorHits, graphHits)
	}
	normalize := func(score float64) float64 {
		if scale <= 0 {
			return 0
		}
		return score / scale
	}

	pairs := s.pairHits(vectorHits, graphHits, fragmentRefs)
	graphByID := make(map[string]domain.GraphHit, len(graphHits))
	for _, hit := range graphHits {
		graphByID[hit.EntityID] = hit
	}

	retrievedFragments := make(map[string]struct{}, len(vectorHits))
	for _, hit := range vectorHits {
		retrievedFragments[hit.FragmentID] = struct{}{}
	}

	candidates := make([]candidate, 0, len(vectorHits)+len(graphHits))
	pairedEntities := make(map[string]struct{}, len(pairs))
	for _, hit := range vectorHits {
		ref, paired := pairs[hit.FragmentID]
		if paired {
			g := graphByID[ref.EntityID]
			pairedEntities[g.EntityID] = struct{}{}
			candidates = append(candidates, s.crossReferenced(hit, g, ref, normalize))
			continue
		}
		c := s.vectorOnly(hit, strategy, fragmentRefs[hit.FragmentID])
		if _, retrieved := graphByID[c.counterpart]; retrieved {
			c.counterpart = ""
		}
		candidates = append(candidates, c)
	}
	for _, hit := range graphHits {
		if _, ok := pairedEntities[hit.EntityID]; ok {
			continue
		}
		c := s.graphOnly(hit, strategy, entityRefs[hit.EntityID])
		if _, retrieved := retrievedFragments[c.counterpart]; retrieved {
			c.counterpart = ""
		}
		candidates = append(candidates, c)
	}

	s.mergeEntityCounterparts(ctx, candidates)
	s.mergeFragmentCounterparts(ctx, candidates)
	sortCandidates(candidates)
	candidates = dedup(candidates)
	candidates = append(candidates, s.expand(ctx, candidates)...)
	sortCandidates(candidates)
	candidates = dedup(candidates)

	out := domain.SynthesizedContext{
		Query:           in.Query,
		Strategy:        strategy,
		Decision:        in.Decision,
		Sources:         append([]domain.SourceReport(nil), in.Sources...),
		MaxItems:        maxItems,
		TotalCandidates: len(candidates),
	}
	for _, report := range in.Sources {
		if report.Degrades() {
			out.Degraded = true
		}
	}
	if len(candidates) > maxItems {
		candidates = candidates[:maxItems]
		out.Truncated = true
	}
	out.Items = make([]domain.ContextItem, len(candidates))
	for i, c := range candidates {
		out.Items[i] = c.item
	}
	return out
}

func (s *Synthesizer) boundMaxItems(requested int) int {
	maxItems := requested
	if maxItems <= 0 {
		maxItems = s.settings.MaxItems
	}
	if s.settings.HardMaxItems > 0 && maxItems > s.settings.HardMaxItems {
		maxItems = s.settings.HardMaxItems
	}
	if maxItems <= 0 {
		maxItems = DefaultSynthesisSettings().MaxItems
	}
	return maxItems
}

func (s *Synthesizer) findRefs(ctx context.Context, ids []string, source domain.SourceType) map[string][]domain.CrossReference {
	if s.crossRefs == nil || len(ids) == 0 {
		return nil
	}
	refs, err := s.crossRefs.FindRelatedBatch(ctx, ids, source)
	if err != nil {
		s.logger.Warn("cross_reference_lookup_failed", "source", source, "error", err)
		return nil
	}
	for id, list := range refs {
		kept := list[:0]
		for _, ref := range list {
			if ref.Confidence >= s.settings.MinConfidence {
				kept = append(kept, ref)
			}
		}
		refs[id] = kept
	}
	return refs
}

// pairHits links vector and graph hits through cross-references, strongest link first.
// Each hit joins at most one pair.
func (s *Synthesizer) pairHits(vectorHits []domain.VectorHit, graphHits []domain.GraphHit, fragmentRefs map[string][]domain.CrossReference) map[string]domain.CrossReference {
	if len(vectorHits) == 0 || len(graphHits) == 0 {
		return nil
	}
	graphRank := make(map[string]int, len(graphHits))
	for _, hit := range graphHits {
		graphRank[hit.EntityID] = hit.Rank
	}
	vectorRank := make(map[string]int, len(vectorHits))
	for _, hit := range vectorHits {
		vectorRank[hit.FragmentID] = hit.Rank
	}

	links := make([]domain.CrossReference, 0)
	for _, hit := range vectorHits {
		for _, ref := range fragmentRefs[hit.FragmentID] {
			if _, ok := graphRank[ref.EntityID]; ok {
				links = append(links, ref)
			}
		}
	}
	sort.SliceStable(links, func(i, j int) bool {
		a, b := links[i], links[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if vectorRank[a.FragmentID] != vectorRank[b.FragmentID] {
			return vectorRank[a.FragmentID] < vectorRank[b.FragmentID]
		}
		return graphRank[a.EntityID] < graphRank[b.EntityID]
	})

	pairs := make(map[string]domain.CrossReference)
	usedEntities := make(map[string]struct{})
	for _, ref := range links {
		if _, ok := pairs[ref.FragmentID]; ok {
			continue
		}
		if _, ok := usedEntities[ref.EntityID]; ok {
			continue
		}
		pairs[ref.FragmentID] = ref
		usedEntities[ref.EntityID] = struct{}{}
	}
	return pairs
}

func (s *Synthesizer) crossReferenced(v domain.VectorHit, g domain.GraphHit, ref domain.CrossReference, normalize func(float64) float64) candidate {
	score := s.settings.VectorWeight*normalize(v.Score) + s.settings.GraphWeight*normalize(g.Score)
	rank := v.Rank
	if g.Rank < rank {
		rank = g.Rank
	}
	text := withEntityLine(v.Text, g)
	return candidate{
		item: domain.ContextItem{
			ID:             fragmentKey(v.FragmentID),
			Provenance:     domain.ProvenanceCrossReferenced,
			Score:          domain.ClampScore(score),
			NativeScore:    v.Score,
			Text:           text,
			FragmentID:     v.FragmentID,
			DocumentID:     v.DocumentID,
			EntityID:       g.EntityID,
			EntityName:     g.Name,
			EntityType:     g.EntityType,
			Relationships:  g.Relationships,
			CrossReference: linked(ref),
			Rank:           rank,
		},
		keys:   []string{fragmentKey(v.FragmentID), entityKey(g.EntityID)},
		entity: &domain.Entity{ID: g.EntityID, Name: g.Name, Type: g.EntityType},
	}
}

func (s *Synthesizer) vectorOnly(v domain.VectorHit, strategy domain.Strategy, refs []domain.CrossReference) candidate {
	score := v.Score
	if strategy == domain.StrategyHybrid {
		score *= s.settings.UnlinkedPenalty
	}
	c := candidate{
		item: domain.ContextItem{
			ID:          fragmentKey(v.FragmentID),
			Provenance:  domain.ProvenanceVector,
			Score:       domain.ClampScore(score),
			NativeScore: v.Score,
			Text:        v.Text,
			FragmentID:  v.FragmentID,
			DocumentID:  v.DocumentID,
			Rank:        v.Rank,
		},
		keys: []string{fragmentKey(v.FragmentID)},
	}
	if len(refs) > 0 {
		c.item.EntityID = refs[0].EntityID
		c.item.CrossReference = linked(refs[0])
		c.entity = &domain.Entity{ID: refs[0].EntityID}
		c.counterpart = refs[0].EntityID
	}
	return c
}

func (s *Synthesizer) graphOnly(g domain.GraphHit, strategy domain.Strategy, refs []domain.CrossReference) candidate {
	score := g.Score
	if strategy == domain.StrategyHybrid {
		score *= s.settings.UnlinkedPenalty
	}
	c := candidate{
		item: domain.ContextItem{
			ID:            entityKey(g.EntityID),
			Provenance:    domain.ProvenanceGraph,
			Score:         domain.ClampScore(score),
			NativeScore:   g.Score,
			Text:          entityLine(g),
			EntityID:      g.EntityID,
			EntityName:    g.Name,
			EntityType:    g.EntityType,
			Relationships: g.Relationships,
			Rank:          g.Rank,
		},
		keys:   []string{entityKey(g.EntityID)},
		entity: &domain.Entity{ID: g.EntityID, Name: g.Name, Type: g.EntityType},
	}
	if len(refs) > 0 {
		c.item.FragmentID = refs[0].FragmentID
		c.item.CrossReference = linked(refs[0])
		c.counterpart = refs[0].FragmentID
	}
	return c
}

// mergeEntityCounterparts folds the linked graph entity into vector items whose
// entity was not retrieved by this query. Unresolved entities leave the item as is.
func (s *Synthesizer) mergeEntityCounterparts(ctx context.Context, candidates []candidate) {
	if s.graph == nil {
		return
	}
	var ids []string
	seen := make(map[string]struct{})
	for _, c := range candidates {
		if c.item.Provenance != domain.ProvenanceVector || c.counterpart == "" {
			continue
		}
		if _, ok := seen[c.counterpart]; ok {
			continue
		}
		seen[c.counterpart] = struct{}{}
		ids = append(ids, c.counterpart)
	}
	if len(ids) == 0 {
		return
	}
	hits, err := s.graph.Search(ctx, domain.GraphQuery{EntityIDs: ids, Depth: 1, Limit: len(ids)})
	if err != nil {
		s.logger.Warn("counterpart_entity_lookup_failed", "entities", len(ids), "error", err)
		return
	}
	byID := make(map[string]domain.GraphHit, len(hits))
	for _, hit := range hits {
		byID[hit.EntityID] = hit.BoundRelationships(s.settings.MaxRelationships)
	}
	for i := range candidates {
		c := &candidates[i]
		if c.item.Provenance != domain.ProvenanceVector || c.counterpart == "" {
			continue
		}
		g, ok := byID[c.counterpart]
		if !ok {
			continue
		}
		c.entity = &domain.Entity{ID: g.EntityID, Name: g.Name, Type: g.EntityType}
		c.item.EntityName = g.Name
		c.item.EntityType = g.EntityType
		c.item.Relationships = g.Relationships
		c.item.Text = withEntityLine(c.item.Text, g)
		c.item.Provenance = domain.ProvenanceCrossReferenced
		c.counterpart = ""
	}
}

// mergeFragmentCounterparts prepends the linked fragment text to graph items whose
// fragment was not retrieved by this query.
func (s *Synthesizer) mergeFragmentCounterparts(ctx context.Context, candidates []candidate) {
	if s.fragments == nil {
		return
	}
	var targets []int
	for i, c := range candidates {
		if c.item.Provenance == domain.ProvenanceGraph && c.counterpart != "" {
			targets = append(targets, i)
		}
	}
	if len(targets) == 0 {
		return
	}
	texts := make([]string, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(counterpartFetchLimit)
	for n, i := range targets {
		fragmentID := candidates[i].counterpart
		g.Go(func() error {
			text, err := s.fragments.FragmentText(gctx, fragmentID)
			if err != nil {
				if !domain.IsKind(err, domain.ErrNotFound) {
					s.logger.Warn("counterpart_fragment_lookup_failed", "fragment_id", fragmentID, "error", err)
				}
				return nil
			}
			texts[n] = text
			return nil
		})
	}
	_ = g.Wait()
	for n, i := range targets {
		c := &candidates[i]
		c.counterpart = ""
		if strings.TrimSpace(texts[n]) == "" {
			continue
		}
		c.item.Text = strings.TrimSpace(texts[n]) + "\n" + c.item.Text
		c.item.Provenance = domain.ProvenanceCrossReferenced
	}
}

// expand appends related concepts for every hit that resolved to an entity.
func (s *Synthesizer) expand(ctx context.Context, base []candidate) []candidate {
	if s.ontology == nil || s.settings.OntologyItemsPerHit <= 0 {
		return nil
	}
	var out []candidate
	for _, source := range base {
		if source.entity == nil || source.expansion {
			continue
		}
		concepts, err := s.ontology.ConceptsForEntity(ctx, *source.entity)
		if err != nil {
			s.logger.Warn("ontology_resolution_failed", "entity_id", source.entity.ID, "error", err)
			continue
		}
		added := 0
		seen := make(map[string]struct{})
		for _, concept := range concepts {
			seen[concept.ID] = struct{}{}
		}
		for _, concept := range concepts {
			if added >= s.settings.OntologyItemsPerHit {
				break
			}
			related, err := s.ontology.FindRelated(ctx, concept.ID, s.settings.OntologyDepth, nil)
			if err != nil {
				s.logger.Warn("ontology_expansion_failed", "concept_id", concept.ID, "error", err)
				continue
			}
			for _, rc := range related {
				if added >= s.settings.OntologyItemsPerHit {
					break
				}
				if _, ok := seen[rc.Concept.ID]; ok {
					continue
				}
				seen[rc.Concept.ID] = struct{}{}
				out = append(out, s.ontologyItem(source, concept, rc))
				added++
			}
		}
	}
	return out
}

func (s *Synthesizer) ontologyItem(source candidate, via domain.Concept, rc domain.RelatedConcept) candidate {
	label := source.item.EntityName
	if label == "" {
		label = source.item.EntityID
	}
	text := fmt.Sprintf("Concept %q", rc.Concept.Name)
	if rc.Concept.Domain != "" {
		text += fmt.Sprintf(" (%s)", rc.Concept.Domain)
	}
	text += fmt.Sprintf(" is related to %q through %q, %d step(s) away", label, via.Name, rc.PathLength)

	return candidate{
		item: domain.ContextItem{
			ID:           conceptKey(rc.Concept.ID),
			Provenance:   domain.ProvenanceOntology,
			Score:        source.item.Score * s.settings.OntologyDecay,
			NativeScore:  rc.Weight,
			Text:         text,
			ConceptID:    rc.Concept.ID,
			PathLength:   rc.PathLength,
			SourceItemID: source.item.ID,
			Rank:         source.item.Rank,
		},
		keys:      []string{conceptKey(rc.Concept.ID)},
		expansion: true,
	}
}

func sortCandidates(candidates []candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].item, candidates[j].item
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Provenance.Priority() != b.Provenance.Priority() {
			return a.Provenance.Priority() < b.Provenance.Priority()
		}
		if a.Rank != b.Rank {
			return a.Rank < b.Rank
		}
		return a.ID < b.ID
	})
}

// dedup keeps the first, highest-ranked occurrence of every underlying identity.
func dedup(sorted []candidate) []candidate {
	seen := make(map[string]struct{}, len(sorted))
	out := sorted[:0]
	for _, c := range sorted {
		duplicate := false
		for _, key := range c.keys {
			if _, ok := seen[key]; ok {
				duplicate = true
				break
			}
		}
		if duplicate {
			continue
		}
		for _, key := range c.keys {
			seen[key] = struct{}{}
		}
		out = append(out, c)
	}
	return out
}

func rankVectorHits(hits []domain.VectorHit) []domain.VectorHit {
	out := make([]domain.VectorHit, 0, len(hits))
	for i, hit := range hits {
		if hit.FragmentID == "" {
			continue
		}
		hit.Score = domain.ClampScore(hit.Score)
		if hit.Rank <= 0 {
			hit.Rank = i + 1
		}
		out = append(out, hit)
	}
	return out
}

func rankGraphHits(hits []domain.GraphHit, maxRelationships int) []domain.GraphHit {
	out := make([]domain.GraphHit, 0, len(hits))
	for i, hit := range hits {
		if hit.EntityID == "" {
			continue
		}
		hit = hit.BoundRelationships(maxRelationships)
		hit.Score = domain.ClampScore(hit.Score)
		if hit.Rank <= 0 {
			hit.Rank = i + 1
		}
		out = append(out, hit)
	}
	return out
}

// pooledMax is the largest native score across both sources; hybrid scores are
// divided by it so the best hit of either store normalizes to 1.
func pooledMax(vectorHits []domain.VectorHit, graphHits []domain.GraphHit) float64 {
	maxScore := 0.0
	for _, hit := range vectorHits {
		if hit.Score > maxScore {
			maxScore = hit.Score
		}
	}
	for _, hit := range graphHits {
		if hit.Score > maxScore {
			maxScore = hit.Score
		}
	}
	return maxScore
}

func vectorIDs(hits []domain.VectorHit) []string {
	out := make([]string, len(hits))
	for i, hit := range hits {
		out[i] = hit.FragmentID
	}
	return out
}

func graphIDs(hits []domain.GraphHit) []string {
	out := make([]string, len(hits))
	for i, hit := range hits {
		out[i] = hit.EntityID
	}
	return out
}

func linked(ref domain.CrossReference) *domain.LinkedReference {
	return &domain.LinkedReference{
		FragmentID: ref.FragmentID,
		EntityID:   ref.EntityID,
		Confidence: ref.Confidence,
		Evidence:   ref.Evidence,
	}
}

// withEntityLine appends the entity description unless the text already names
// the entity and there are no relationships to add.
func withEntityLine(text string, g domain.GraphHit) string {
	if g.Name != "" && strings.Contains(strings.ToLower(text), strings.ToLower(g.Name)) && len(g.Relationships) == 0 {
		return text
	}
	return strings.TrimSpace(text + "\n" + entityLine(g))
}

func entityLine(g domain.GraphHit) string {
	var b strings.Builder
	b.WriteString(g.Name)
	if b.Len() == 0 {
		b.WriteString(g.EntityID)
	}
	if g.EntityType != "" {
		fmt.Fprintf(&b, " (%s)", g.EntityType)
	}
	for i, rel := range g.Relationships {
		if i == 0 {
			b.WriteString(":")
		} else {
			b.WriteString(";")
		}
		if rel.Direction == domain.DirectionIncoming {
			fmt.Fprintf(&b, " %s <-%s-", rel.EntityID, rel.Type)
		} else {
			fmt.Fprintf(&b, " -%s-> %s", rel.Type, rel.EntityID)
		}
	}
	return b.String()
}
