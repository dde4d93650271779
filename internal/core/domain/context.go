package domain

import (
	"fmt"
	"strings"
)

type Provenance string

const (
	ProvenanceCrossReferenced Provenance = "cross_referenced"
	ProvenanceVector          Provenance = "vector"
	ProvenanceGraph           Provenance = "graph"
	ProvenanceOntology        Provenance = "ontology"
)

// Priority orders provenance for score ties; lower wins.
func (p Provenance) Priority() int {
	switch p {
	case ProvenanceCrossReferenced:
		return 0
	case ProvenanceVector:
		return 1
	case ProvenanceGraph:
		return 2
	case ProvenanceOntology:
		return 3
	default:
		return 4
	}
}

type LinkedReference struct {
	FragmentID string   `json:"fragment_id"`
	EntityID   string   `json:"entity_id"`
	Confidence float64  `json:"confidence"`
	Evidence   Evidence `json:"evidence"`
}

type ContextItem struct {
	ID             string           `json:"id"`
	Provenance     Provenance       `json:"provenance"`
	Score          float64          `json:"score"`
	NativeScore    float64          `json:"native_score"`
	Text           string           `json:"text"`
	FragmentID     string           `json:"fragment_id,omitempty"`
	DocumentID     string           `json:"document_id,omitempty"`
	EntityID       string           `json:"entity_id,omitempty"`
	EntityName     string           `json:"entity_name,omitempty"`
	EntityType     string           `json:"entity_type,omitempty"`
	ConceptID      string           `json:"concept_id,omitempty"`
	Relationships  []Relationship   `json:"relationships,omitempty"`
	CrossReference *LinkedReference `json:"cross_reference,omitempty"`
	PathLength     int              `json:"path_length,omitempty"`
	SourceItemID   string           `json:"source_item_id,omitempty"`
	Rank           int              `json:"rank"`
}

type SourceStatus string

const (
	SourceStatusOK          SourceStatus = "ok"
	SourceStatusEmpty       SourceStatus = "empty"
	SourceStatusUnavailable SourceStatus = "unavailable"
	SourceStatusTimeout     SourceStatus = "timeout"
	SourceStatusSkipped     SourceStatus = "skipped"
)

type SourceReport struct {
	Source string       `json:"source"`
	Status SourceStatus `json:"status"`
	Hits   int          `json:"hits"`
	Error  string       `json:"error,omitempty"`
}

// Degrades reports whether a dispatched source contributed nothing.
func (r SourceReport) Degrades() bool {
	switch r.Status {
	case SourceStatusEmpty, SourceStatusUnavailable, SourceStatusTimeout:
		return true
	default:
		return false
	}
}

type SynthesizedContext struct {
	Query           string           `json:"query"`
	Items           []ContextItem    `json:"items"`
	Strategy        Strategy         `json:"strategy"`
	Decision        StrategyDecision `json:"decision"`
	Degraded        bool             `json:"degraded"`
	Sources         []SourceReport   `json:"sources"`
	Truncated       bool             `json:"truncated"`
	MaxItems        int              `json:"max_items"`
	TotalCandidates int              `json:"total_candidates"`
}

// Render formats the items for a generation prompt, stopping before maxChars is exceeded.
func (c SynthesizedContext) Render(maxChars int) string {
	var b strings.Builder
	for i, item := range c.Items {
		line := fmt.Sprintf("[%d] (%s, score=%.3f) %s", i+1, item.Provenance, item.Score, strings.TrimSpace(item.Text))
		if len(item.Relationships) > 0 {
			rels := make([]string, 0, len(item.Relationships))
			for _, rel := range item.Relationships {
				rels = append(rels, fmt.Sprintf("%s %s %s", rel.Direction, rel.Type, rel.EntityID))
			}
			line += " | relations: " + strings.Join(rels, "; ")
		}
		if maxChars > 0 && b.Len()+len(line)+1 > maxChars {
			break
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
	}
	return b.String()
}
