package ontology

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

func TestServiceReadsThroughCacheAndSeesWrites(t *testing.T) {
	ctx := context.Background()
	manager := NewManager(DefaultLimits())
	cache := NewCache(manager, CacheConfig{})
	svc := NewService(manager, cache)

	equipment, err := svc.AddConcept(ctx, domain.ConceptInput{Name: "Equipment", Domain: "industrial"})
	require.NoError(t, err)
	machine, err := svc.AddConcept(ctx, domain.ConceptInput{Name: "Machine", Domain: "industrial", ParentIDs: []string{equipment.ID}})
	require.NoError(t, err)

	hierarchy, err := svc.GetHierarchy(ctx, machine.ID)
	require.NoError(t, err)
	require.Len(t, hierarchy, 1)
	assert.Equal(t, equipment.ID, hierarchy[0].ID)

	_, err = svc.GetConcept(ctx, machine.ID)
	require.NoError(t, err)
	_, err = svc.GetConcept(ctx, machine.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cache.Stats().Hits, uint64(1))

	pump, err := svc.AddConcept(ctx, domain.ConceptInput{Name: "Pump", Domain: "industrial"})
	require.NoError(t, err)
	_, err = svc.AddRelation(ctx, domain.RelationRelatedTo, machine.ID, pump.ID, 0.7)
	require.NoError(t, err)

	related, err := svc.FindRelated(ctx, machine.ID, 1, []domain.RelationKind{domain.RelationRelatedTo})
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, pump.ID, related[0].Concept.ID)
}

func TestServiceWithoutCacheUsesManager(t *testing.T) {
	svc := NewService(NewManager(DefaultLimits()), nil)
	_, err := svc.GetConcept(context.Background(), "missing")
	assert.True(t, domain.IsKind(err, domain.ErrNotFound))
}
