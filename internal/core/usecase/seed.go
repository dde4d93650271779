package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

// OntologyWriter is the write side of the concept graph a seed is applied through.
type OntologyWriter interface {
	AddConcept(ctx context.Context, input domain.ConceptInput) (domain.Concept, error)
	AddRelation(ctx context.Context, kind domain.RelationKind, sourceID, targetID string, weight float64) (domain.ConceptRelation, error)
	LinkEntity(ctx context.Context, entityID, conceptID string) (domain.EntityLink, error)
}

type SeedResult struct {
	Concepts  int `json:"concepts"`
	Relations int `json:"relations"`
	Links     int `json:"links"`
}

// ApplySeed writes a declarative ontology through the manager, parents before
// children, so the usual cycle and depth rules apply. Seeds are idempotent.
func ApplySeed(ctx context.Context, writer OntologyWriter, seed domain.OntologySeed, logger *slog.Logger) (SeedResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var result SeedResult

	byName := make(map[string]domain.SeedConcept, len(seed.Concepts))
	for _, concept := range seed.Concepts {
		key := seedKey(concept.Name)
		if key == "" {
			return result, domain.NewError(domain.ErrInvalidInput, "apply seed", "concept name is empty")
		}
		if existing, ok := byName[key]; ok && !strings.EqualFold(existing.Domain, concept.Domain) {
			return result, domain.NewError(domain.ErrInvalidInput, "apply seed", "concept %q is declared in two domains", concept.Name)
		}
		byName[key] = concept
	}

	order, err := seedOrder(byName)
	if err != nil {
		return result, err
	}

	ids := make(map[string]string, len(order))
	for _, key := range order {
		concept := byName[key]
		parents := make([]string, 0, len(concept.Parents))
		for _, parent := range concept.Parents {
			parents = append(parents, ids[seedKey(parent)])
		}
		stored, err := writer.AddConcept(ctx, domain.ConceptInput{
			Name:      concept.Name,
			Domain:    concept.Domain,
			ParentIDs: parents,
		})
		if err != nil {
			return result, fmt.Errorf("seed concept %q: %w", concept.Name, err)
		}
		ids[key] = stored.ID
		result.Concepts++
	}

	resolve := func(name string) (string, error) {
		id, ok := ids[seedKey(name)]
		if !ok {
			return "", domain.NewError(domain.ErrNotFound, "apply seed", "concept %q is not declared", name)
		}
		return id, nil
	}

	for _, rel := range seed.Relations {
		kind, err := domain.ParseRelationKind(rel.Kind)
		if err != nil {
			return result, err
		}
		sourceID, err := resolve(rel.Source)
		if err != nil {
			return result, err
		}
		targetID, err := resolve(rel.Target)
		if err != nil {
			return result, err
		}
		if _, err := writer.AddRelation(ctx, kind, sourceID, targetID, rel.Weight); err != nil {
			return result, fmt.Errorf("seed relation %s %q -> %q: %w", kind, rel.Source, rel.Target, err)
		}
		result.Relations++
	}

	for _, link := range seed.EntityLinks {
		conceptID, err := resolve(link.Concept)
		if err != nil {
			return result, err
		}
		if _, err := writer.LinkEntity(ctx, link.EntityID, conceptID); err != nil {
			return result, fmt.Errorf("seed entity link %q -> %q: %w", link.EntityID, link.Concept, err)
		}
		result.Links++
	}

	logger.Info("ontology_seed_applied", "concepts", result.Concepts, "relations", result.Relations, "links", result.Links)
	return result, nil
}

// seedOrder sorts concept keys so that every parent precedes its children.
// Ties are broken by name so repeated runs write in the same order.
func seedOrder(byName map[string]domain.SeedConcept) ([]string, error) {
	keys := make([]string, 0, len(byName))
	for key := range byName {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(keys))
	order := make([]string, 0, len(keys))

	var visit func(key string, path []string) error
	visit = func(key string, path []string) error {
		switch state[key] {
		case done:
			return nil
		case visiting:
			return domain.NewError(domain.ErrCycleDetected, "apply seed", "parent cycle through %s", strings.Join(append(path, key), " -> "))
		}
		state[key] = visiting
		concept := byName[key]
		parents := make([]string, 0, len(concept.Parents))
		for _, parent := range concept.Parents {
			parents = append(parents, seedKey(parent))
		}
		sort.Strings(parents)
		next := append(append([]string(nil), path...), key)
		for _, parent := range parents {
			if _, ok := byName[parent]; !ok {
				return domain.NewError(domain.ErrNotFound, "apply seed", "parent %q of %q is not declared", parent, concept.Name)
			}
			if err := visit(parent, next); err != nil {
				return err
			}
		}
		state[key] = done
		order = append(order, key)
		return nil
	}

	for _, key := range keys {
		if state[key] == unvisited {
			if err := visit(key, nil); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

func seedKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
