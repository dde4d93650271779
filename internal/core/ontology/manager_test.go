package ontology

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(limits Limits, opts ...Option) *Manager {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewManager(limits, opts...)
}

func mustConcept(t *testing.T, m *Manager, name string, parents ...string) domain.Concept {
	t.Helper()
	concept, err := m.AddConcept(context.Background(), domain.ConceptInput{Name: name, Domain: "test", ParentIDs: parents})
	require.NoError(t, err)
	return concept
}

func mustRelation(t *testing.T, m *Manager, kind domain.RelationKind, source, target string, weight float64) {
	t.Helper()
	_, err := m.AddRelation(context.Background(), kind, source, target, weight)
	require.NoError(t, err)
}

func conceptNames(items []domain.Concept) []string {
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = item.Name
	}
	return out
}

type recordingRepo struct {
	concepts  []domain.Concept
	relations []domain.ConceptRelation
	links     []domain.EntityLink
	snapshot  domain.OntologySnapshot
	err       error
}

func (r *recordingRepo) SaveConcept(_ context.Context, c domain.Concept) error {
	if r.err != nil {
		return r.err
	}
	r.concepts = append(r.concepts, c)
	return nil
}

func (r *recordingRepo) SaveRelation(_ context.Context, rel domain.ConceptRelation) error {
	if r.err != nil {
		return r.err
	}
	r.relations = append(r.relations, rel)
	return nil
}

func (r *recordingRepo) SaveEntityLink(_ context.Context, link domain.EntityLink) error {
	if r.err != nil {
		return r.err
	}
	r.links = append(r.links, link)
	return nil
}

func (r *recordingRepo) LoadOntology(context.Context) (domain.OntologySnapshot, error) {
	return r.snapshot, r.err
}

func TestAddConceptDerivesStableIDAndMergesParents(t *testing.T) {
	m := newTestManager(DefaultLimits())
	animal := mustConcept(t, m, "Animal")
	pet := mustConcept(t, m, "Pet")

	dog := mustConcept(t, m, "Dog", animal.ID)
	assert.Equal(t, domain.ConceptID("test", "dog"), dog.ID)
	assert.Equal(t, []string{animal.ID}, dog.ParentIDs)
	assert.Equal(t, fixedNow, dog.CreatedAt)

	again := mustConcept(t, m, "dog", pet.ID)
	assert.Equal(t, dog.ID, again.ID)
	assert.ElementsMatch(t, []string{animal.ID, pet.ID}, again.ParentIDs)
	assert.Equal(t, 3, m.Stats().Concepts)
	assert.Equal(t, 2, m.Stats().Relations)
}

func TestAddConceptValidation(t *testing.T) {
	m := newTestManager(DefaultLimits())

	_, err := m.AddConcept(context.Background(), domain.ConceptInput{Name: "  "})
	assert.True(t, domain.IsKind(err, domain.ErrInvalidInput))

	_, err = m.AddConcept(context.Background(), domain.ConceptInput{Name: "orphan", ParentIDs: []string{"missing"}})
	assert.True(t, domain.IsKind(err, domain.ErrNotFound))

	self := domain.ConceptID("test", "self")
	_, err = m.AddConcept(context.Background(), domain.ConceptInput{Name: "self", Domain: "test", ParentIDs: []string{self}})
	assert.True(t, domain.IsKind(err, domain.ErrCycleDetected))
}

func TestCycleCreationIsRejected(t *testing.T) {
	m := newTestManager(DefaultLimits())
	animal := mustConcept(t, m, "animal")
	mammal := mustConcept(t, m, "mammal", animal.ID)
	dog := mustConcept(t, m, "dog", mammal.ID)

	_, err := m.AddRelation(context.Background(), domain.RelationIsA, animal.ID, dog.ID, 1)
	assert.True(t, domain.IsKind(err, domain.ErrCycleDetected), "got %v", err)

	_, err = m.AddConcept(context.Background(), domain.ConceptInput{Name: "animal", Domain: "test", ParentIDs: []string{dog.ID}})
	assert.True(t, domain.IsKind(err, domain.ErrCycleDetected), "got %v", err)

	_, err = m.AddRelation(context.Background(), domain.RelationPartOf, animal.ID, mammal.ID, 1)
	assert.True(t, domain.IsKind(err, domain.ErrCycleDetected), "mixed hierarchical kinds must stay acyclic, got %v", err)

	_, err = m.AddRelation(context.Background(), domain.RelationPartOf, dog.ID, dog.ID, 1)
	assert.True(t, domain.IsKind(err, domain.ErrCycleDetected))

	hierarchy, err := m.GetHierarchy(context.Background(), animal.ID)
	require.NoError(t, err)
	assert.Empty(t, hierarchy)
}

func TestAncestorWalkBeyondBoundIsRejected(t *testing.T) {
	m := newTestManager(Limits{AncestorDepth: 3})
	prev := mustConcept(t, m, "c0")
	for i := 1; i <= 4; i++ {
		prev = mustConcept(t, m, fmt.Sprintf("c%d", i), prev.ID)
	}
	x := mustConcept(t, m, "x")
	mustConcept(t, m, "below-x", x.ID)

	_, err := m.AddRelation(context.Background(), domain.RelationIsA, x.ID, prev.ID, 1)
	assert.True(t, domain.IsKind(err, domain.ErrHierarchyTooDeep), "got %v", err)

	_, err = m.AddRelation(context.Background(), domain.RelationIsA, x.ID, domain.ConceptID("test", "c2"), 1)
	assert.NoError(t, err)
}

func TestLeafJoinsDeepHierarchyWithoutWalk(t *testing.T) {
	m := newTestManager(Limits{AncestorDepth: 3})
	prev := mustConcept(t, m, "c0")
	for i := 1; i <= 6; i++ {
		prev = mustConcept(t, m, fmt.Sprintf("c%d", i), prev.ID)
	}
	leaf := mustConcept(t, m, "leaf")

	_, err := m.AddRelation(context.Background(), domain.RelationPartOf, leaf.ID, prev.ID, 1)
	require.NoError(t, err)

	_, err = m.AddRelation(context.Background(), domain.RelationIsA, prev.ID, prev.ID, 1)
	assert.Error(t, err, "self edges stay rejected")
}

func TestAddRelationValidation(t *testing.T) {
	m := newTestManager(DefaultLimits())
	a := mustConcept(t, m, "a")

	_, err := m.AddRelation(context.Background(), "SIMILAR", a.ID, a.ID, 1)
	assert.True(t, domain.IsKind(err, domain.ErrInvalidInput))

	_, err = m.AddRelation(context.Background(), domain.RelationRelatedTo, a.ID, "missing", 1)
	assert.True(t, domain.IsKind(err, domain.ErrNotFound))

	_, err = m.AddRelation(context.Background(), domain.RelationRelatedTo, a.ID, a.ID, 1)
	assert.True(t, domain.IsKind(err, domain.ErrInvalidInput))

	b := mustConcept(t, m, "b")
	_, err = m.AddRelation(context.Background(), domain.RelationRelatedTo, a.ID, b.ID, 1.5)
	assert.True(t, domain.IsKind(err, domain.ErrInvalidInput))
}

func TestRelatedToIsSymmetricAndStoredOnce(t *testing.T) {
	m := newTestManager(DefaultLimits())
	a := mustConcept(t, m, "a")
	b := mustConcept(t, m, "b")

	mustRelation(t, m, domain.RelationRelatedTo, b.ID, a.ID, 0.4)
	rel, err := m.AddRelation(context.Background(), domain.RelationRelatedTo, a.ID, b.ID, 0.7)
	require.NoError(t, err)
	assert.Equal(t, 0.7, rel.Weight)
	assert.Equal(t, 1, m.Stats().Relations)

	fromA, err := m.FindRelated(context.Background(), a.ID, 1, nil)
	require.NoError(t, err)
	require.Len(t, fromA, 1)
	assert.Equal(t, b.ID, fromA[0].Concept.ID)
	assert.Equal(t, 0.7, fromA[0].Weight)

	fromB, err := m.FindRelated(context.Background(), b.ID, 1, nil)
	require.NoError(t, err)
	require.Len(t, fromB, 1)
	assert.Equal(t, a.ID, fromB[0].Concept.ID)
}

func TestFindRelatedOrdersByPathLengthWeightAndName(t *testing.T) {
	m := newTestManager(DefaultLimits())
	a := mustConcept(t, m, "a")
	b := mustConcept(t, m, "b")
	c := mustConcept(t, m, "c")
	d := mustConcept(t, m, "d")
	mustConcept(t, m, "e", c.ID)
	mustRelation(t, m, domain.RelationRelatedTo, a.ID, b.ID, 0.5)
	mustRelation(t, m, domain.RelationRelatedTo, a.ID, c.ID, 0.9)
	mustRelation(t, m, domain.RelationPartOf, d.ID, b.ID, 1)

	related, err := m.FindRelated(context.Background(), a.ID, 2, nil)
	require.NoError(t, err)
	require.Len(t, related, 4)

	names := make([]string, len(related))
	for i, item := range related {
		names[i] = item.Concept.Name
	}
	assert.Equal(t, []string{"c", "b", "e", "d"}, names)
	assert.Equal(t, 1, related[0].PathLength)
	assert.Equal(t, 2, related[2].PathLength)
	assert.InDelta(t, 0.9, related[2].Weight, 1e-9)
	assert.InDelta(t, 0.5, related[3].Weight, 1e-9)

	onlyAssociative, err := m.FindRelated(context.Background(), a.ID, 2, []domain.RelationKind{domain.RelationRelatedTo})
	require.NoError(t, err)
	assert.Len(t, onlyAssociative, 2)

	_, err = m.FindRelated(context.Background(), "missing", 2, nil)
	assert.True(t, domain.IsKind(err, domain.ErrNotFound))
}

func TestFindRelatedHonoursResultCap(t *testing.T) {
	m := newTestManager(Limits{ResultCap: 50})
	hub := mustConcept(t, m, "hub")
	for i := 0; i < 60; i++ {
		leaf := mustConcept(t, m, fmt.Sprintf("leaf-%02d", i))
		mustRelation(t, m, domain.RelationRelatedTo, hub.ID, leaf.ID, 1)
	}

	related, err := m.FindRelated(context.Background(), hub.ID, 3, nil)
	require.NoError(t, err)
	require.Len(t, related, 50)
	assert.Equal(t, "leaf-00", related[0].Concept.Name)
	assert.Equal(t, "leaf-49", related[49].Concept.Name)
}

func TestFindRelatedClampsDepth(t *testing.T) {
	m := newTestManager(Limits{DefaultDepth: 3, MaxDepth: 4})
	prev := mustConcept(t, m, "n0")
	root := prev
	for i := 1; i < 8; i++ {
		next := mustConcept(t, m, fmt.Sprintf("n%d", i))
		mustRelation(t, m, domain.RelationPartOf, next.ID, prev.ID, 1)
		prev = next
	}

	deep, err := m.FindRelated(context.Background(), root.ID, 100, nil)
	require.NoError(t, err)
	require.Len(t, deep, 4)
	for _, item := range deep {
		assert.LessOrEqual(t, item.PathLength, 4)
	}

	def, err := m.FindRelated(context.Background(), root.ID, 0, nil)
	require.NoError(t, err)
	assert.Len(t, def, 3)
}

func TestGetHierarchyIsRootFirst(t *testing.T) {
	m := newTestManager(DefaultLimits())
	animal := mustConcept(t, m, "animal")
	mammal := mustConcept(t, m, "mammal", animal.ID)
	pet := mustConcept(t, m, "pet")
	dog := mustConcept(t, m, "dog", mammal.ID, pet.ID)

	hierarchy, err := m.GetHierarchy(context.Background(), dog.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"animal", "mammal", "pet"}, conceptNames(hierarchy))

	_, err = m.GetHierarchy(context.Background(), "missing")
	assert.True(t, domain.IsKind(err, domain.ErrNotFound))
}

func TestConceptsForEntityResolution(t *testing.T) {
	m := newTestManager(DefaultLimits())
	sensor := mustConcept(t, m, "Sensor")
	machine := mustConcept(t, m, "Machine")

	byType, err := m.ConceptsForEntity(context.Background(), domain.Entity{ID: "e1", Name: "Temperature Sensor", Type: "sensor"})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, sensor.ID, byType[0].ID)

	_, err = m.LinkEntity(context.Background(), "e1", machine.ID)
	require.NoError(t, err)
	linked, err := m.ConceptsForEntity(context.Background(), domain.Entity{ID: "e1", Name: "Temperature Sensor", Type: "sensor"})
	require.NoError(t, err)
	require.Len(t, linked, 1)
	assert.Equal(t, machine.ID, linked[0].ID)

	byName, err := m.ConceptsForEntity(context.Background(), domain.Entity{ID: "e2", Name: "machine"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, machine.ID, byName[0].ID)

	none, err := m.ConceptsForEntity(context.Background(), domain.Entity{ID: "e3", Name: "pump"})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = m.LinkEntity(context.Background(), "e1", "missing")
	assert.True(t, domain.IsKind(err, domain.ErrNotFound))
}

func TestWritesPersistBeforeBecomingVisible(t *testing.T) {
	repo := &recordingRepo{}
	m := newTestManager(DefaultLimits(), WithRepository(repo))
	a := mustConcept(t, m, "a")
	b := mustConcept(t, m, "b", a.ID)
	_, err := m.LinkEntity(context.Background(), "e1", b.ID)
	require.NoError(t, err)

	assert.Len(t, repo.concepts, 2)
	require.Len(t, repo.relations, 1)
	assert.Equal(t, domain.RelationIsA, repo.relations[0].Kind)
	assert.Len(t, repo.links, 1)

	repo.err = errors.New("connection refused")
	_, err = m.AddRelation(context.Background(), domain.RelationRelatedTo, a.ID, b.ID, 1)
	assert.True(t, domain.IsKind(err, domain.ErrAdapterUnavailable))

	related, err := m.FindRelated(context.Background(), a.ID, 1, []domain.RelationKind{domain.RelationRelatedTo})
	require.NoError(t, err)
	assert.Empty(t, related)
}

func TestLoadRebuildsGraphFromRepository(t *testing.T) {
	a := domain.Concept{ID: "a", Name: "a", CreatedAt: fixedNow}
	b := domain.Concept{ID: "b", Name: "b", CreatedAt: fixedNow}
	repo := &recordingRepo{snapshot: domain.OntologySnapshot{
		Concepts: []domain.Concept{a, b},
		Relations: []domain.ConceptRelation{
			{Kind: domain.RelationIsA, SourceID: "a", TargetID: "b", Weight: 1},
			{Kind: domain.RelationIsA, SourceID: "a", TargetID: "ghost", Weight: 1},
		},
		Links: []domain.EntityLink{{EntityID: "e1", ConceptID: "b"}},
	}}
	m := newTestManager(DefaultLimits(), WithRepository(repo))

	var notified int
	m.Subscribe(func([]string) { notified++ })
	require.NoError(t, m.Load(context.Background()))

	got, err := m.GetConcept(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got.ParentIDs)
	assert.Equal(t, domain.OntologyStats{Concepts: 2, Relations: 1, Links: 1}, m.Stats())
	assert.Equal(t, 1, notified)
}

func TestSubscribersSeeMutatedConcepts(t *testing.T) {
	m := newTestManager(DefaultLimits())
	a := mustConcept(t, m, "a")
	b := mustConcept(t, m, "b")

	var seen [][]string
	m.Subscribe(func(ids []string) { seen = append(seen, ids) })
	mustRelation(t, m, domain.RelationIsA, a.ID, b.ID, 1)

	require.Len(t, seen, 1)
	assert.Equal(t, []string{a.ID, b.ID}, seen[0])
}

func TestNeighborhoodReportsOverflow(t *testing.T) {
	m := newTestManager(DefaultLimits())
	hub := mustConcept(t, m, "hub")
	for i := 0; i < 5; i++ {
		leaf := mustConcept(t, m, fmt.Sprintf("leaf-%d", i))
		mustRelation(t, m, domain.RelationRelatedTo, hub.ID, leaf.ID, 1)
	}

	all, overflow := m.Neighborhood([]string{hub.ID}, 1, 10)
	assert.False(t, overflow)
	assert.Len(t, all, 6)

	_, overflow = m.Neighborhood([]string{hub.ID}, 1, 3)
	assert.True(t, overflow)
}

func TestRandomInsertionsKeepGraphAcyclic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	m := newTestManager(Limits{AncestorDepth: 100})

	ids := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		ids = append(ids, mustConcept(t, m, fmt.Sprintf("c%02d", i)).ID)
	}

	kinds := []domain.RelationKind{domain.RelationIsA, domain.RelationPartOf}
	for i := 0; i < 400; i++ {
		source := ids[rng.Intn(len(ids))]
		target := ids[rng.Intn(len(ids))]
		var err error
		if rng.Intn(3) == 0 {
			name := fmt.Sprintf("c%02d", indexOf(ids, source))
			_, err = m.AddConcept(context.Background(), domain.ConceptInput{Name: name, Domain: "test", ParentIDs: []string{target}})
		} else {
			_, err = m.AddRelation(context.Background(), kinds[rng.Intn(len(kinds))], source, target, 1)
		}
		if err != nil {
			require.True(t, domain.IsKind(err, domain.ErrCycleDetected), "unexpected error: %v", err)
		}
	}

	assertAcyclic(t, m)
}

func indexOf(ids []string, id string) int {
	for i, candidate := range ids {
		if candidate == id {
			return i
		}
	}
	return -1
}

func assertAcyclic(t *testing.T, m *Manager) {
	t.Helper()
	m.mu.RLock()
	defer m.mu.RUnlock()

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(m.concepts))
	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		for _, up := range m.upwardLocked(id, domain.RelationIsA, domain.RelationPartOf) {
			switch color[up] {
			case grey:
				return false
			case white:
				if !visit(up) {
					return false
				}
			}
		}
		color[id] = black
		return true
	}
	for id := range m.concepts {
		if color[id] == white {
			require.True(t, visit(id), "cycle reachable from %s", id)
		}
	}
}
