package domain

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var documentNamespace = uuid.MustParse("a3e1d7c4-5b2f-4e8a-9c61-7d0b4f2e9a35")

// DocumentInput is raw text to index. The text is chunked into fragments for the
// vector store; entities and relationships go to the graph store.
type DocumentInput struct {
	ID            string            `json:"id,omitempty"`
	Text          string            `json:"text"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Entities      []GraphNode       `json:"entities,omitempty"`
	Relationships []GraphEdge       `json:"relationships,omitempty"`
}

// DocumentID derives a stable id from the text when none is supplied, so
// re-indexing the same text overwrites its fragments.
func (d DocumentInput) DocumentID() string {
	if id := strings.TrimSpace(d.ID); id != "" {
		return id
	}
	return uuid.NewSHA1(documentNamespace, []byte(d.Text)).String()
}

// FragmentID names the n-th chunk of a document.
func FragmentID(documentID string, index int) string {
	return fmt.Sprintf("%s:%d", documentID, index)
}

type IndexResult struct {
	DocumentID      string         `json:"document_id"`
	FragmentIDs     []string       `json:"fragment_ids"`
	GraphNodes      int            `json:"graph_nodes"`
	GraphEdges      int            `json:"graph_edges"`
	Queued          bool           `json:"queued"`
	Concepts        int            `json:"concepts"`
	CrossReferences []IngestResult `json:"cross_references,omitempty"`
}

// DeleteResult counts what a document delete removed from each store.
type DeleteResult struct {
	DocumentID string `json:"document_id"`
	Fragments  int    `json:"fragments"`
	GraphNodes int    `json:"graph_nodes"`
}
