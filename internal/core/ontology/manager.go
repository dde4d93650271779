package ontology

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
)

// Limits bounds every traversal the manager performs.
type Limits struct {
	DefaultDepth  int
	MaxDepth      int
	ResultCap     int
	AncestorDepth int
}

func DefaultLimits() Limits {
	return Limits{
		DefaultDepth:  3,
		MaxDepth:      6,
		ResultCap:     50,
		AncestorDepth: 10,
	}
}

func (l Limits) normalize() Limits {
	def := DefaultLimits()
	if l.MaxDepth <= 0 {
		l.MaxDepth = def.MaxDepth
	}
	if l.DefaultDepth <= 0 {
		l.DefaultDepth = def.DefaultDepth
	}
	if l.DefaultDepth > l.MaxDepth {
		l.DefaultDepth = l.MaxDepth
	}
	if l.ResultCap <= 0 {
		l.ResultCap = def.ResultCap
	}
	if l.AncestorDepth <= 0 {
		l.AncestorDepth = def.AncestorDepth
	}
	return l
}

// MutationListener receives the ids of concepts touched by a committed write.
type MutationListener func(conceptIDs []string)

type Option func(*Manager)

func WithRepository(repo ports.OntologyRepository) Option {
	return func(m *Manager) { m.repo = repo }
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

type relKey struct {
	kind   domain.RelationKind
	source string
	target string
}

// Manager owns the concept graph. Writes are serialized by writeMu and persisted
// before the in-memory state changes; readers only ever take mu for reading.
type Manager struct {
	limits Limits
	repo   ports.OntologyRepository
	logger *slog.Logger
	now    func() time.Time

	writeMu sync.Mutex

	mu        sync.RWMutex
	concepts  map[string]domain.Concept
	byName    map[string]map[string]struct{}
	relations map[relKey]domain.ConceptRelation
	adjacent  map[string]map[relKey]struct{}
	links     map[string]map[string]domain.EntityLink

	listenersMu sync.RWMutex
	listeners   []MutationListener
}

func NewManager(limits Limits, opts ...Option) *Manager {
	m := &Manager{
		limits:    limits.normalize(),
		logger:    slog.Default(),
		now:       time.Now,
		concepts:  make(map[string]domain.Concept),
		byName:    make(map[string]map[string]struct{}),
		relations: make(map[relKey]domain.ConceptRelation),
		adjacent:  make(map[string]map[relKey]struct{}),
		links:     make(map[string]map[string]domain.EntityLink),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Subscribe(listener MutationListener) {
	if listener == nil {
		return
	}
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, listener)
	m.listenersMu.Unlock()
}

func (m *Manager) notify(conceptIDs []string) {
	m.listenersMu.RLock()
	listeners := append([]MutationListener(nil), m.listeners...)
	m.listenersMu.RUnlock()
	for _, listener := range listeners {
		listener(conceptIDs)
	}
}

// Load replaces the in-memory graph with the repository contents.
func (m *Manager) Load(ctx context.Context) error {
	if m.repo == nil {
		return nil
	}
	snapshot, err := m.repo.LoadOntology(ctx)
	if err != nil {
		return domain.WrapError(domain.ErrAdapterUnavailable, "load ontology", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.Lock()
	m.concepts = make(map[string]domain.Concept, len(snapshot.Concepts))
	m.byName = make(map[string]map[string]struct{})
	m.relations = make(map[relKey]domain.ConceptRelation, len(snapshot.Relations))
	m.adjacent = make(map[string]map[relKey]struct{})
	m.links = make(map[string]map[string]domain.EntityLink)
	for _, concept := range snapshot.Concepts {
		concept.ParentIDs = nil
		m.putConceptLocked(concept)
	}
	skipped := 0
	for _, rel := range snapshot.Relations {
		_, srcOK := m.concepts[rel.SourceID]
		_, tgtOK := m.concepts[rel.TargetID]
		if !rel.Kind.Valid() || !srcOK || !tgtOK {
			skipped++
			continue
		}
		m.putRelationLocked(rel.Canonical())
	}
	for _, link := range snapshot.Links {
		if _, ok := m.concepts[link.ConceptID]; !ok {
			skipped++
			continue
		}
		m.putLinkLocked(link)
	}
	stats := m.statsLocked()
	m.mu.Unlock()

	if skipped > 0 {
		m.logger.Warn("ontology_load_skipped_records", "skipped", skipped)
	}
	m.logger.Info("ontology_loaded", "concepts", stats.Concepts, "relations", stats.Relations, "links", stats.Links)
	m.notify(nil)
	return nil
}

func (m *Manager) AddConcept(ctx context.Context, input domain.ConceptInput) (domain.Concept, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return domain.Concept{}, domain.NewError(domain.ErrInvalidInput, "add concept", "concept name is empty")
	}
	conceptDomain := strings.TrimSpace(input.Domain)
	id := strings.TrimSpace(input.ID)
	if id == "" {
		id = domain.ConceptID(conceptDomain, name)
	}
	parents := uniqueIDs(input.ParentIDs)

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	existing, exists := m.concepts[id]
	newParents := make([]string, 0, len(parents))
	var checkErr error
	for _, parentID := range parents {
		if parentID == id {
			checkErr = domain.NewError(domain.ErrCycleDetected, "add concept", "concept %q cannot be its own parent", id)
			break
		}
		if _, ok := m.concepts[parentID]; !ok {
			checkErr = domain.NewError(domain.ErrNotFound, "add concept", "parent concept %q not found", parentID)
			break
		}
		if _, ok := m.relations[relKey{kind: domain.RelationIsA, source: id, target: parentID}]; ok {
			continue
		}
		if exists {
			if err := m.checkAcyclicLocked(domain.RelationIsA, id, parentID); err != nil {
				checkErr = fmt.Errorf("add concept: %w", err)
				break
			}
		}
		newParents = append(newParents, parentID)
	}
	m.mu.RUnlock()
	if checkErr != nil {
		return domain.Concept{}, checkErr
	}

	now := m.now().UTC()
	concept := domain.Concept{ID: id, Name: name, Domain: conceptDomain, CreatedAt: now}
	if exists {
		concept.CreatedAt = existing.CreatedAt
		concept.ParentIDs = existing.ParentIDs
	}
	edges := make([]domain.ConceptRelation, 0, len(newParents))
	for _, parentID := range newParents {
		edges = append(edges, domain.ConceptRelation{
			Kind:      domain.RelationIsA,
			SourceID:  id,
			TargetID:  parentID,
			Weight:    1,
			CreatedAt: now,
		})
	}

	if m.repo != nil {
		if err := m.repo.SaveConcept(ctx, concept); err != nil {
			return domain.Concept{}, domain.WrapError(domain.ErrAdapterUnavailable, "persist concept", err)
		}
		for _, edge := range edges {
			if err := m.repo.SaveRelation(ctx, edge); err != nil {
				return domain.Concept{}, domain.WrapError(domain.ErrAdapterUnavailable, "persist concept parent", err)
			}
		}
	}

	m.mu.Lock()
	m.putConceptLocked(concept)
	for _, edge := range edges {
		m.putRelationLocked(edge)
	}
	stored := m.concepts[id].Clone()
	m.mu.Unlock()

	m.notify(append([]string{id}, newParents...))
	return stored, nil
}

// AddRelation stores a typed edge; re-adding an existing edge updates its weight.
// A zero weight means 1.
func (m *Manager) AddRelation(ctx context.Context, kind domain.RelationKind, sourceID, targetID string, weight float64) (domain.ConceptRelation, error) {
	if !kind.Valid() {
		return domain.ConceptRelation{}, domain.NewError(domain.ErrInvalidInput, "add relation", "unknown relation kind %q", kind)
	}
	sourceID = strings.TrimSpace(sourceID)
	targetID = strings.TrimSpace(targetID)
	if sourceID == "" || targetID == "" {
		return domain.ConceptRelation{}, domain.NewError(domain.ErrInvalidInput, "add relation", "relation endpoints must be set")
	}
	if weight == 0 {
		weight = 1
	}
	if math.IsNaN(weight) || weight < 0 || weight > 1 {
		return domain.ConceptRelation{}, domain.NewError(domain.ErrInvalidInput, "add relation", "weight must be within (0,1], got %v", weight)
	}
	if sourceID == targetID {
		if kind.Symmetric() {
			return domain.ConceptRelation{}, domain.NewError(domain.ErrInvalidInput, "add relation", "concept %q cannot relate to itself", sourceID)
		}
		return domain.ConceptRelation{}, domain.NewError(domain.ErrCycleDetected, "add relation", "concept %q cannot be %s itself", sourceID, kind)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	rel := domain.ConceptRelation{Kind: kind, SourceID: sourceID, TargetID: targetID, Weight: weight}.Canonical()
	key := relKey{kind: rel.Kind, source: rel.SourceID, target: rel.TargetID}

	m.mu.RLock()
	_, srcOK := m.concepts[sourceID]
	_, tgtOK := m.concepts[targetID]
	existing, exists := m.relations[key]
	var checkErr error
	switch {
	case !srcOK:
		checkErr = domain.NewError(domain.ErrNotFound, "add relation", "concept %q not found", sourceID)
	case !tgtOK:
		checkErr = domain.NewError(domain.ErrNotFound, "add relation", "concept %q not found", targetID)
	case !kind.Symmetric() && !exists:
		checkErr = m.checkAcyclicLocked(kind, sourceID, targetID)
	}
	m.mu.RUnlock()
	if checkErr != nil {
		return domain.ConceptRelation{}, fmt.Errorf("add relation: %w", checkErr)
	}

	rel.CreatedAt = m.now().UTC()
	if exists {
		rel.CreatedAt = existing.CreatedAt
	}

	if m.repo != nil {
		if err := m.repo.SaveRelation(ctx, rel); err != nil {
			return domain.ConceptRelation{}, domain.WrapError(domain.ErrAdapterUnavailable, "persist relation", err)
		}
	}

	m.mu.Lock()
	m.putRelationLocked(rel)
	m.mu.Unlock()

	m.notify([]string{rel.SourceID, rel.TargetID})
	return rel, nil
}

func (m *Manager) LinkEntity(ctx context.Context, entityID, conceptID string) (domain.EntityLink, error) {
	entityID = strings.TrimSpace(entityID)
	conceptID = strings.TrimSpace(conceptID)
	if entityID == "" || conceptID == "" {
		return domain.EntityLink{}, domain.NewError(domain.ErrInvalidInput, "link entity", "entity and concept ids must be set")
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	_, ok := m.concepts[conceptID]
	existing, linked := m.links[entityID][conceptID]
	m.mu.RUnlock()
	if !ok {
		return domain.EntityLink{}, domain.NewError(domain.ErrNotFound, "link entity", "concept %q not found", conceptID)
	}
	if linked {
		return existing, nil
	}

	link := domain.EntityLink{EntityID: entityID, ConceptID: conceptID, CreatedAt: m.now().UTC()}
	if m.repo != nil {
		if err := m.repo.SaveEntityLink(ctx, link); err != nil {
			return domain.EntityLink{}, domain.WrapError(domain.ErrAdapterUnavailable, "persist entity link", err)
		}
	}

	m.mu.Lock()
	m.putLinkLocked(link)
	m.mu.Unlock()

	m.notify([]string{conceptID})
	return link, nil
}

func (m *Manager) GetConcept(_ context.Context, conceptID string) (domain.Concept, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	concept, ok := m.concepts[strings.TrimSpace(conceptID)]
	if !ok {
		return domain.Concept{}, domain.NewError(domain.ErrNotFound, "get concept", "concept %q not found", conceptID)
	}
	return concept.Clone(), nil
}

// ClampDepth maps a caller depth onto the configured bounds.
func (m *Manager) ClampDepth(depth int) int {
	if depth <= 0 {
		return m.limits.DefaultDepth
	}
	if depth > m.limits.MaxDepth {
		return m.limits.MaxDepth
	}
	return depth
}

// FindRelated walks edges of the requested kinds in both directions, level by level.
// Within a level results are ordered by cumulative weight, then name.
func (m *Manager) FindRelated(_ context.Context, conceptID string, maxDepth int, kinds []domain.RelationKind) ([]domain.RelatedConcept, error) {
	depth := m.ClampDepth(maxDepth)
	allowed := kindSet(kinds)

	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.concepts[conceptID]; !ok {
		return nil, domain.NewError(domain.ErrNotFound, "find related", "concept %q not found", conceptID)
	}

	visited := map[string]struct{}{conceptID: {}}
	frontier := map[string]float64{conceptID: 1}
	out := make([]domain.RelatedConcept, 0)

	for level := 1; level <= depth && len(frontier) > 0; level++ {
		next := make(map[string]float64)
		for _, nodeID := range sortedKeys(frontier) {
			for key := range m.adjacent[nodeID] {
				if allowed != nil {
					if _, ok := allowed[key.kind]; !ok {
						continue
					}
				}
				other := key.target
				if other == nodeID {
					other = key.source
				}
				if _, seen := visited[other]; seen {
					continue
				}
				weight := frontier[nodeID] * m.relations[key].Weight
				if weight > next[other] {
					next[other] = weight
				}
			}
		}

		levelItems := make([]domain.RelatedConcept, 0, len(next))
		for id, weight := range next {
			visited[id] = struct{}{}
			levelItems = append(levelItems, domain.RelatedConcept{
				Concept:    m.concepts[id].Clone(),
				PathLength: level,
				Weight:     weight,
			})
		}
		sort.Slice(levelItems, func(i, j int) bool {
			a, b := levelItems[i], levelItems[j]
			if a.Weight != b.Weight {
				return a.Weight > b.Weight
			}
			if a.Concept.Name != b.Concept.Name {
				return a.Concept.Name < b.Concept.Name
			}
			return a.Concept.ID < b.Concept.ID
		})

		for _, item := range levelItems {
			if len(out) >= m.limits.ResultCap {
				return out, nil
			}
			out = append(out, item)
		}
		frontier = next
	}
	return out, nil
}

// GetHierarchy returns IS_A ancestors root-first: farthest ancestor first, ties by name.
func (m *Manager) GetHierarchy(_ context.Context, conceptID string) ([]domain.Concept, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.concepts[conceptID]; !ok {
		return nil, domain.NewError(domain.ErrNotFound, "get hierarchy", "concept %q not found", conceptID)
	}

	distance := make(map[string]int)
	frontier := []string{conceptID}
	for level := 1; level <= m.limits.AncestorDepth && len(frontier) > 0; level++ {
		nextSet := make(map[string]struct{})
		for _, id := range frontier {
			for _, parentID := range m.upwardLocked(id, domain.RelationIsA) {
				if level > distance[parentID] {
					distance[parentID] = level
				}
				nextSet[parentID] = struct{}{}
			}
		}
		frontier = sortedSet(nextSet)
	}
	if len(frontier) > 0 {
		m.logger.Debug("ontology_hierarchy_truncated", "concept_id", conceptID, "max_depth", m.limits.AncestorDepth)
	}

	out := make([]domain.Concept, 0, len(distance))
	for id := range distance {
		out = append(out, m.concepts[id].Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := distance[out[i].ID], distance[out[j].ID]
		if di != dj {
			return di > dj
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// ConceptsForEntity resolves a graph entity to concepts: explicit links first,
// then a case-insensitive concept name match on the entity name, then on its type.
func (m *Manager) ConceptsForEntity(_ context.Context, entity domain.Entity) ([]domain.Concept, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if links := m.links[entity.ID]; len(links) > 0 {
		out := make([]domain.Concept, 0, len(links))
		for conceptID := range links {
			if concept, ok := m.concepts[conceptID]; ok {
				out = append(out, concept.Clone())
			}
		}
		sortConcepts(out)
		return out, nil
	}
	for _, candidate := range []string{entity.Name, entity.Type} {
		ids := m.byName[normalizeName(candidate)]
		if len(ids) == 0 {
			continue
		}
		out := make([]domain.Concept, 0, len(ids))
		for id := range ids {
			out = append(out, m.concepts[id].Clone())
		}
		sortConcepts(out)
		return out, nil
	}
	return nil, nil
}

// Neighborhood returns the concepts within depth hops of ids over every edge kind,
// ids included. overflow is set once more than limit concepts were reached.
func (m *Manager) Neighborhood(ids []string, depth, limit int) (neighborhood map[string]struct{}, overflow bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	neighborhood = make(map[string]struct{}, len(ids))
	frontier := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := neighborhood[id]; ok {
			continue
		}
		neighborhood[id] = struct{}{}
		frontier = append(frontier, id)
	}
	for level := 0; level < depth && len(frontier) > 0; level++ {
		var next []string
		for _, id := range frontier {
			for key := range m.adjacent[id] {
				other := key.target
				if other == id {
					other = key.source
				}
				if _, ok := neighborhood[other]; ok {
					continue
				}
				neighborhood[other] = struct{}{}
				if limit > 0 && len(neighborhood) > limit {
					return neighborhood, true
				}
				next = append(next, other)
			}
		}
		frontier = next
	}
	return neighborhood, false
}

func (m *Manager) Stats() domain.OntologyStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statsLocked()
}

func (m *Manager) statsLocked() domain.OntologyStats {
	links := 0
	for _, byConcept := range m.links {
		links += len(byConcept)
	}
	return domain.OntologyStats{
		Concepts:  len(m.concepts),
		Relations: len(m.relations),
		Links:     links,
	}
}

// checkAcyclicLocked reports whether adding source -> target of a directed kind
// would close a cycle, walking IS_A and PART_OF edges upward from target at most
// AncestorDepth levels. Both kinds share one walk so their union stays acyclic.
func (m *Manager) checkAcyclicLocked(kind domain.RelationKind, sourceID, targetID string) error {
	if sourceID != targetID && !m.hasDownwardLocked(sourceID, domain.RelationIsA, domain.RelationPartOf) {
		return nil
	}
	seen := map[string]struct{}{targetID: {}}
	frontier := []string{targetID}
	for level := 0; len(frontier) > 0; level++ {
		if level > m.limits.AncestorDepth {
			return domain.NewError(domain.ErrHierarchyTooDeep, "ancestor walk", "%s chain above %q exceeds %d levels", kind, targetID, m.limits.AncestorDepth)
		}
		var next []string
		for _, id := range frontier {
			if id == sourceID {
				return domain.NewError(domain.ErrCycleDetected, "ancestor walk", "%q is already above %q via %s", sourceID, targetID, kind)
			}
			for _, up := range m.upwardLocked(id, domain.RelationIsA, domain.RelationPartOf) {
				if _, ok := seen[up]; ok {
					continue
				}
				seen[up] = struct{}{}
				next = append(next, up)
			}
		}
		frontier = next
	}
	return nil
}

// hasDownwardLocked reports whether any concept points at conceptID with one of kinds.
// Without such an edge no walk from above can reach it.
func (m *Manager) hasDownwardLocked(conceptID string, kinds ...domain.RelationKind) bool {
	for key := range m.adjacent[conceptID] {
		if key.target != conceptID || key.source == conceptID {
			continue
		}
		for _, kind := range kinds {
			if key.kind == kind {
				return true
			}
		}
	}
	return false
}

func (m *Manager) upwardLocked(conceptID string, kinds ...domain.RelationKind) []string {
	var out []string
	for key := range m.adjacent[conceptID] {
		if key.source != conceptID {
			continue
		}
		for _, kind := range kinds {
			if key.kind == kind {
				out = append(out, key.target)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func (m *Manager) putConceptLocked(concept domain.Concept) {
	if previous, ok := m.concepts[concept.ID]; ok {
		if ids := m.byName[normalizeName(previous.Name)]; ids != nil {
			delete(ids, concept.ID)
			if len(ids) == 0 {
				delete(m.byName, normalizeName(previous.Name))
			}
		}
	}
	m.concepts[concept.ID] = concept.Clone()
	nameKey := normalizeName(concept.Name)
	if m.byName[nameKey] == nil {
		m.byName[nameKey] = make(map[string]struct{})
	}
	m.byName[nameKey][concept.ID] = struct{}{}
}

func (m *Manager) putRelationLocked(rel domain.ConceptRelation) {
	key := relKey{kind: rel.Kind, source: rel.SourceID, target: rel.TargetID}
	m.relations[key] = rel
	for _, id := range []string{rel.SourceID, rel.TargetID} {
		if m.adjacent[id] == nil {
			m.adjacent[id] = make(map[relKey]struct{})
		}
		m.adjacent[id][key] = struct{}{}
	}
	if rel.Kind != domain.RelationIsA {
		return
	}
	child := m.concepts[rel.SourceID]
	for _, parentID := range child.ParentIDs {
		if parentID == rel.TargetID {
			return
		}
	}
	child.ParentIDs = append(append([]string(nil), child.ParentIDs...), rel.TargetID)
	sort.Strings(child.ParentIDs)
	m.concepts[rel.SourceID] = child
}

func (m *Manager) putLinkLocked(link domain.EntityLink) {
	if m.links[link.EntityID] == nil {
		m.links[link.EntityID] = make(map[string]domain.EntityLink)
	}
	m.links[link.EntityID][link.ConceptID] = link
}

func kindSet(kinds []domain.RelationKind) map[domain.RelationKind]struct{} {
	if len(kinds) == 0 {
		return nil
	}
	out := make(map[domain.RelationKind]struct{}, len(kinds))
	for _, kind := range kinds {
		out[kind] = struct{}{}
	}
	return out
}

func uniqueIDs(ids []string) []string {
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

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func sortedKeys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func sortConcepts(concepts []domain.Concept) {
	sort.Slice(concepts, func(i, j int) bool {
		if concepts[i].Name != concepts[j].Name {
			return concepts[i].Name < concepts[j].Name
		}
		return concepts[i].ID < concepts[j].ID
	})
}
