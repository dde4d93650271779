package domain

import (
	"strings"
	"time"
)

type SourceType string

const (
	SourceFragment SourceType = "fragment"
	SourceEntity   SourceType = "entity"
)

func ParseSourceType(raw string) (SourceType, error) {
	st := SourceType(strings.ToLower(strings.TrimSpace(raw)))
	switch st {
	case SourceFragment, SourceEntity:
		return st, nil
	default:
		return "", NewError(ErrInvalidInput, "parse source type", "unknown source type %q", raw)
	}
}

type EvidenceKind string

const (
	EvidenceTextSpan     EvidenceKind = "text_span"
	EvidenceRelationPath EvidenceKind = "relation_path"
)

type Evidence struct {
	Kind EvidenceKind `json:"kind"`
	Text string       `json:"text,omitempty"`
	Path []string     `json:"path,omitempty"`
}

type CrossReference struct {
	FragmentID string    `json:"fragment_id"`
	EntityID   string    `json:"entity_id"`
	Confidence float64   `json:"confidence"`
	Evidence   Evidence  `json:"evidence"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Counterpart returns the id on the other side of the link from the given source.
func (c CrossReference) Counterpart(source SourceType) string {
	if source == SourceEntity {
		return c.FragmentID
	}
	return c.EntityID
}

type CrossReferenceStats struct {
	References int `json:"references"`
	Fragments  int `json:"fragments"`
	Entities   int `json:"entities"`
}

type Rejection struct {
	EntityID string `json:"entity_id"`
	Reason   string `json:"reason"`
}

type IngestResult struct {
	FragmentID string           `json:"fragment_id"`
	Created    []CrossReference `json:"created"`
	Upgraded   []CrossReference `json:"upgraded,omitempty"`
	Rejected   []Rejection      `json:"rejected,omitempty"`
}

// FragmentIndexed is emitted by the upstream indexing stage once vector and graph writes succeeded.
type FragmentIndexed struct {
	FragmentID         string   `json:"fragment_id"`
	DocumentID         string   `json:"document_id,omitempty"`
	Text               string   `json:"text"`
	CandidateEntityIDs []string `json:"candidate_entity_ids"`
}
