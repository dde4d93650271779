package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

type OntologyRepository struct {
	db *sql.DB
}

func NewOntologyRepository(db *sql.DB) *OntologyRepository {
	return &OntologyRepository{db: db}
}

func (r *OntologyRepository) SaveConcept(ctx context.Context, concept domain.Concept) error {
	parents := concept.ParentIDs
	if parents == nil {
		parents = []string{}
	}
	parentsJSON, err := json.Marshal(parents)
	if err != nil {
		return fmt.Errorf("marshal parent ids: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO ontology_concepts (id, name, domain, parent_ids, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, domain = EXCLUDED.domain, parent_ids = EXCLUDED.parent_ids
`, concept.ID, concept.Name, concept.Domain, parentsJSON, concept.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert concept: %w", err)
	}
	return nil
}

func (r *OntologyRepository) SaveRelation(ctx context.Context, relation domain.ConceptRelation) error {
	relation = relation.Canonical()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO ontology_relations (kind, source_id, target_id, weight, created_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (kind, source_id, target_id) DO UPDATE SET weight = EXCLUDED.weight
`, string(relation.Kind), relation.SourceID, relation.TargetID, relation.Weight, relation.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert relation: %w", err)
	}
	return nil
}

func (r *OntologyRepository) SaveEntityLink(ctx context.Context, link domain.EntityLink) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO ontology_entity_links (entity_id, concept_id, created_at)
VALUES ($1,$2,$3)
ON CONFLICT (entity_id, concept_id) DO NOTHING
`, link.EntityID, link.ConceptID, link.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert entity link: %w", err)
	}
	return nil
}

// LoadOntology reads the whole concept graph; the ontology is small enough to keep in memory.
func (r *OntologyRepository) LoadOntology(ctx context.Context) (domain.OntologySnapshot, error) {
	var snapshot domain.OntologySnapshot

	rows, err := r.db.QueryContext(ctx, `SELECT id, name, domain, parent_ids, created_at FROM ontology_concepts ORDER BY created_at, id`)
	if err != nil {
		return snapshot, fmt.Errorf("query concepts: %w", err)
	}
	for rows.Next() {
		var concept domain.Concept
		var parentsRaw []byte
		if err := rows.Scan(&concept.ID, &concept.Name, &concept.Domain, &parentsRaw, &concept.CreatedAt); err != nil {
			rows.Close()
			return snapshot, fmt.Errorf("scan concept: %w", err)
		}
		if len(parentsRaw) > 0 {
			if err := json.Unmarshal(parentsRaw, &concept.ParentIDs); err != nil {
				rows.Close()
				return snapshot, fmt.Errorf("unmarshal parent ids: %w", err)
			}
		}
		snapshot.Concepts = append(snapshot.Concepts, concept)
	}
	if err := closeRows(rows, "concepts"); err != nil {
		return snapshot, err
	}

	rows, err = r.db.QueryContext(ctx, `SELECT kind, source_id, target_id, weight, created_at FROM ontology_relations ORDER BY created_at, kind, source_id, target_id`)
	if err != nil {
		return snapshot, fmt.Errorf("query relations: %w", err)
	}
	for rows.Next() {
		var rel domain.ConceptRelation
		var kind string
		if err := rows.Scan(&kind, &rel.SourceID, &rel.TargetID, &rel.Weight, &rel.CreatedAt); err != nil {
			rows.Close()
			return snapshot, fmt.Errorf("scan relation: %w", err)
		}
		rel.Kind = domain.RelationKind(kind)
		snapshot.Relations = append(snapshot.Relations, rel)
	}
	if err := closeRows(rows, "relations"); err != nil {
		return snapshot, err
	}

	rows, err = r.db.QueryContext(ctx, `SELECT entity_id, concept_id, created_at FROM ontology_entity_links ORDER BY created_at, entity_id, concept_id`)
	if err != nil {
		return snapshot, fmt.Errorf("query entity links: %w", err)
	}
	for rows.Next() {
		var link domain.EntityLink
		if err := rows.Scan(&link.EntityID, &link.ConceptID, &link.CreatedAt); err != nil {
			rows.Close()
			return snapshot, fmt.Errorf("scan entity link: %w", err)
		}
		snapshot.Links = append(snapshot.Links, link)
	}
	if err := closeRows(rows, "entity links"); err != nil {
		return snapshot, err
	}
	return snapshot, nil
}

func closeRows(rows *sql.Rows, what string) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate %s: %w", what, err)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close %s rows: %w", what, err)
	}
	return nil
}
