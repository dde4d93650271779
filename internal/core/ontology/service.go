package ontology

import (
	"context"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

// Service routes writes to the manager and reads through the cache.
type Service struct {
	manager *Manager
	cache   *Cache
}

func NewService(manager *Manager, cache *Cache) *Service {
	return &Service{manager: manager, cache: cache}
}

func (s *Service) AddConcept(ctx context.Context, input domain.ConceptInput) (domain.Concept, error) {
	return s.manager.AddConcept(ctx, input)
}

func (s *Service) AddRelation(ctx context.Context, kind domain.RelationKind, sourceID, targetID string, weight float64) (domain.ConceptRelation, error) {
	return s.manager.AddRelation(ctx, kind, sourceID, targetID, weight)
}

func (s *Service) LinkEntity(ctx context.Context, entityID, conceptID string) (domain.EntityLink, error) {
	return s.manager.LinkEntity(ctx, entityID, conceptID)
}

func (s *Service) GetConcept(ctx context.Context, conceptID string) (domain.Concept, error) {
	if s.cache == nil {
		return s.manager.GetConcept(ctx, conceptID)
	}
	return s.cache.GetConcept(ctx, conceptID)
}

func (s *Service) FindRelated(ctx context.Context, conceptID string, maxDepth int, kinds []domain.RelationKind) ([]domain.RelatedConcept, error) {
	if s.cache == nil {
		return s.manager.FindRelated(ctx, conceptID, maxDepth, kinds)
	}
	return s.cache.FindRelated(ctx, conceptID, maxDepth, kinds)
}

func (s *Service) GetHierarchy(ctx context.Context, conceptID string) ([]domain.Concept, error) {
	if s.cache == nil {
		return s.manager.GetHierarchy(ctx, conceptID)
	}
	return s.cache.GetHierarchy(ctx, conceptID)
}
