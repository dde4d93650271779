package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type RelationKind string

const (
	RelationIsA       RelationKind = "IS_A"
	RelationPartOf    RelationKind = "PART_OF"
	RelationRelatedTo RelationKind = "RELATED_TO"
)

func (k RelationKind) Valid() bool {
	switch k {
	case RelationIsA, RelationPartOf, RelationRelatedTo:
		return true
	default:
		return false
	}
}

func (k RelationKind) Symmetric() bool { return k == RelationRelatedTo }

func ParseRelationKind(raw string) (RelationKind, error) {
	kind := RelationKind(strings.ToUpper(strings.TrimSpace(raw)))
	if !kind.Valid() {
		return "", NewError(ErrInvalidInput, "parse relation kind", "unknown relation kind %q", raw)
	}
	return kind, nil
}

type Concept struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Domain    string    `json:"domain,omitempty"`
	ParentIDs []string  `json:"parent_ids,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (c Concept) Clone() Concept {
	if c.ParentIDs != nil {
		parents := make([]string, len(c.ParentIDs))
		copy(parents, c.ParentIDs)
		c.ParentIDs = parents
	}
	return c
}

var conceptNamespace = uuid.MustParse("6f1c6b55-1d0b-4c0e-9a59-3f0f2f1e8c11")

// ConceptID derives a stable id from domain and name so re-adding a concept addresses the same node.
func ConceptID(domainName, name string) string {
	key := strings.ToLower(strings.TrimSpace(domainName)) + "/" + strings.ToLower(strings.TrimSpace(name))
	return uuid.NewSHA1(conceptNamespace, []byte(key)).String()
}

type ConceptInput struct {
	ID        string   `json:"id,omitempty"`
	Name      string   `json:"name"`
	Domain    string   `json:"domain,omitempty"`
	ParentIDs []string `json:"parent_ids,omitempty"`
}

type ConceptRelation struct {
	Kind      RelationKind `json:"kind"`
	SourceID  string       `json:"source_id"`
	TargetID  string       `json:"target_id"`
	Weight    float64      `json:"weight"`
	CreatedAt time.Time    `json:"created_at"`
}

// Canonical orders symmetric edge endpoints so one record represents both directions.
func (r ConceptRelation) Canonical() ConceptRelation {
	if r.Kind.Symmetric() && r.TargetID < r.SourceID {
		r.SourceID, r.TargetID = r.TargetID, r.SourceID
	}
	return r
}

type EntityLink struct {
	EntityID  string    `json:"entity_id"`
	ConceptID string    `json:"concept_id"`
	CreatedAt time.Time `json:"created_at"`
}

type RelatedConcept struct {
	Concept    Concept `json:"concept"`
	PathLength int     `json:"path_length"`
	Weight     float64 `json:"weight"`
}

type OntologySnapshot struct {
	Concepts  []Concept         `json:"concepts"`
	Relations []ConceptRelation `json:"relations"`
	Links     []EntityLink      `json:"links"`
}

type OntologyStats struct {
	Concepts  int `json:"concepts"`
	Relations int `json:"relations"`
	Links     int `json:"links"`
}

// OntologySeed is the declarative form used to bootstrap a concept graph; references are by name.
type OntologySeed struct {
	Concepts    []SeedConcept    `yaml:"concepts" json:"concepts"`
	Relations   []SeedRelation   `yaml:"relations" json:"relations"`
	EntityLinks []SeedEntityLink `yaml:"entity_links" json:"entity_links"`
}

type SeedConcept struct {
	Name    string   `yaml:"name" json:"name"`
	Domain  string   `yaml:"domain" json:"domain"`
	Parents []string `yaml:"parents" json:"parents"`
}

type SeedRelation struct {
	Kind   string  `yaml:"kind" json:"kind"`
	Source string  `yaml:"source" json:"source"`
	Target string  `yaml:"target" json:"target"`
	Weight float64 `yaml:"weight" json:"weight"`
}

type SeedEntityLink struct {
	EntityID string `yaml:"entity_id" json:"entity_id"`
	Concept  string `yaml:"concept" json:"concept"`
}

type CacheStats struct {
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Evictions     uint64 `json:"evictions"`
	Invalidations uint64 `json:"invalidations"`
	Size          int    `json:"size"`
	Capacity      int    `json:"capacity"`
}
