package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

const uniqueViolation = "23505"

type CrossReferenceRepository struct {
	db *sql.DB
}

func NewCrossReferenceRepository(db *sql.DB) *CrossReferenceRepository {
	return &CrossReferenceRepository{db: db}
}

func (r *CrossReferenceRepository) InsertCrossReference(ctx context.Context, ref domain.CrossReference) error {
	evidenceJSON, err := json.Marshal(ref.Evidence)
	if err != nil {
		return fmt.Errorf("marshal evidence: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO cross_references (fragment_id, entity_id, confidence, evidence, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6)
`, ref.FragmentID, ref.EntityID, ref.Confidence, evidenceJSON, ref.CreatedAt, ref.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.NewError(domain.ErrDuplicateReference, "insert cross reference",
				"fragment %q is already linked to entity %q", ref.FragmentID, ref.EntityID)
		}
		return fmt.Errorf("insert cross reference: %w", err)
	}
	return nil
}

// UpgradeCrossReference applies the new confidence only when it is higher than the stored one,
// so concurrent writers from several processes never downgrade a link.
func (r *CrossReferenceRepository) UpgradeCrossReference(ctx context.Context, ref domain.CrossReference) (bool, error) {
	evidenceJSON, err := json.Marshal(ref.Evidence)
	if err != nil {
		return false, fmt.Errorf("marshal evidence: %w", err)
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE cross_references
SET confidence = $3, evidence = $4, updated_at = $5
WHERE fragment_id = $1 AND entity_id = $2 AND confidence < $3
`, ref.FragmentID, ref.EntityID, ref.Confidence, evidenceJSON, ref.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("upgrade cross reference: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upgrade cross reference rows affected: %w", err)
	}
	return affected > 0, nil
}

func (r *CrossReferenceRepository) LoadCrossReferences(ctx context.Context) ([]domain.CrossReference, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT fragment_id, entity_id, confidence, evidence, created_at, updated_at
FROM cross_references
ORDER BY fragment_id, entity_id
`)
	if err != nil {
		return nil, fmt.Errorf("query cross references: %w", err)
	}

	var out []domain.CrossReference
	for rows.Next() {
		var ref domain.CrossReference
		var evidenceRaw []byte
		if err := rows.Scan(&ref.FragmentID, &ref.EntityID, &ref.Confidence, &evidenceRaw, &ref.CreatedAt, &ref.UpdatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan cross reference: %w", err)
		}
		if err := json.Unmarshal(evidenceRaw, &ref.Evidence); err != nil {
			rows.Close()
			return nil, fmt.Errorf("unmarshal evidence: %w", err)
		}
		out = append(out, ref)
	}
	if err := closeRows(rows, "cross references"); err != nil {
		return nil, err
	}
	return out, nil
}
