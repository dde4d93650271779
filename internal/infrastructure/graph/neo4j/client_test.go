package neo4j

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

type call struct {
	cypher string
	params map[string]any
	write  bool
}

type fakeRunner struct {
	calls     []call
	probeErr  error
	apocCount int64
	responses map[string][]map[string]any
	err       error
}

func (f *fakeRunner) Run(_ context.Context, cypher string, params map[string]any, write bool) ([]map[string]any, error) {
	f.calls = append(f.calls, call{cypher: cypher, params: params, write: write})
	if cypher == apocProbeStatement {
		if f.probeErr != nil {
			return nil, f.probeErr
		}
		return []map[string]any{{"available": f.apocCount}}, nil
	}
	if f.err != nil {
		return nil, f.err
	}
	switch {
	case cypher == seedStatement:
		return f.responses["seed"], nil
	case cypher == apocExpandStatement:
		return f.responses["apoc"], nil
	case cypher == oneHopStatement:
		return f.responses["onehop"], nil
	case cypher == deleteDocumentStatement:
		return f.responses["delete"], nil
	case strings.Contains(cypher, "RETURN e.id AS id, e.name AS name"):
		return f.responses["lookup"], nil
	case strings.Contains(cypher, "RETURN e.id AS id"):
		return f.responses["exists"], nil
	}
	return nil, nil
}

func (f *fakeRunner) Close(context.Context) error { return nil }

func (f *fakeRunner) statements() []string {
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.cypher)
	}
	return out
}

func seedRows() []map[string]any {
	return []map[string]any{
		{"id": "m1", "name": "Machine M1", "type": "Machine", "score": 1.0, "rels": []any{
			map[string]any{"entity_id": "s1", "type": "HAS_SENSOR", "direction": "out"},
			map[string]any{"entity_id": nil, "type": nil, "direction": "in"},
		}},
	}
}

func TestProbeCachesAPOCAvailability(t *testing.T) {
	r := &fakeRunner{apocCount: 3}
	client := newClient(context.Background(), r, Config{ProbeAPOC: true})
	if !client.SupportsAdvancedTraversal() {
		t.Fatalf("expected APOC to be detected")
	}
	client.SupportsAdvancedTraversal()
	if len(r.calls) != 1 {
		t.Fatalf("expected a single probe, got %d calls", len(r.calls))
	}

	missing := newClient(context.Background(), &fakeRunner{probeErr: errors.New("There is no procedure with the name `apoc.help`")}, Config{ProbeAPOC: true})
	if missing.SupportsAdvancedTraversal() {
		t.Fatalf("failed probe must disable advanced traversal")
	}

	skipped := &fakeRunner{apocCount: 1}
	if newClient(context.Background(), skipped, Config{}).SupportsAdvancedTraversal() || len(skipped.calls) != 0 {
		t.Fatalf("disabled probe must not run")
	}
}

func TestSearchMapsRelationshipsAndSkipsNulls(t *testing.T) {
	r := &fakeRunner{responses: map[string][]map[string]any{"seed": seedRows()}}
	client := newClient(context.Background(), r, Config{})

	hits, err := client.Search(context.Background(), domain.GraphQuery{Text: "what does machine m1 measure", Depth: 1, Limit: 5})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 1 || hits[0].EntityID != "m1" || hits[0].Rank != 1 || hits[0].Score != 1 {
		t.Fatalf("unexpected hits %+v", hits)
	}
	if len(hits[0].Relationships) != 1 || hits[0].Relationships[0] != (domain.Relationship{EntityID: "s1", Type: "HAS_SENSOR", Direction: domain.DirectionOutgoing}) {
		t.Fatalf("unexpected relationships %+v", hits[0].Relationships)
	}
	if len(r.calls) != 1 {
		t.Fatalf("depth 1 must not expand, got statements %v", r.statements())
	}
	if r.calls[0].params["limit"] != 5 || r.calls[0].params["rels"] != defaultRelsPerHit {
		t.Fatalf("unexpected params %v", r.calls[0].params)
	}
}

func TestSeedStatementIgnoresUnnamedEntities(t *testing.T) {
	for _, clause := range []string{
		"$text <> '' AND coalesce(e.name, '') <> '' AND",
		"OR (coalesce(e.name, '') <> '' AND toLower($text) CONTAINS toLower(e.name)) THEN $direct",
	} {
		if !strings.Contains(seedStatement, clause) {
			t.Fatalf("seed statement must guard text matches on empty names, missing %q", clause)
		}
	}
}

func TestSearchExpandsOneHopWithoutAPOC(t *testing.T) {
	r := &fakeRunner{
		probeErr: errors.New("no apoc"),
		responses: map[string][]map[string]any{
			"seed":   seedRows(),
			"onehop": {{"id": "s1", "name": "Sensor S1", "type": "Sensor", "hops": int64(1)}},
		},
	}
	client := newClient(context.Background(), r, Config{ProbeAPOC: true})

	hits, err := client.Search(context.Background(), domain.GraphQuery{Text: "machine m1", Depth: 3, Limit: 5})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 2 || hits[1].EntityID != "s1" || hits[1].Score != neighbourDecay || hits[1].Rank != 2 {
		t.Fatalf("unexpected hits %+v", hits)
	}
	last := r.calls[len(r.calls)-1]
	if last.cypher != oneHopStatement {
		t.Fatalf("expected one-hop fallback, got %q", last.cypher)
	}
}

func TestSearchUsesAPOCWhenAvailable(t *testing.T) {
	r := &fakeRunner{
		apocCount: 1,
		responses: map[string][]map[string]any{
			"seed": seedRows(),
			"apoc": {{"id": "p1", "name": "Plant P1", "type": "Plant", "hops": int64(2)}},
		},
	}
	client := newClient(context.Background(), r, Config{ProbeAPOC: true})

	hits, err := client.Search(context.Background(), domain.GraphQuery{EntityIDs: []string{"m1"}, Depth: 9, Limit: 5})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 2 || hits[1].EntityID != "p1" || hits[1].Score != 0.25 {
		t.Fatalf("unexpected hits %+v", hits)
	}
	last := r.calls[len(r.calls)-1]
	if last.cypher != apocExpandStatement || last.params["depth"] != maxTraversalDepth {
		t.Fatalf("expected clamped APOC expansion, got %q %v", last.cypher, last.params)
	}
}

func TestSearchRejectsEmptyQueryAndWrapsFailures(t *testing.T) {
	client := newClient(context.Background(), &fakeRunner{}, Config{})
	if _, err := client.Search(context.Background(), domain.GraphQuery{}); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}

	down := newClient(context.Background(), &fakeRunner{err: errors.New("connection refused")}, Config{})
	if _, err := down.Search(context.Background(), domain.GraphQuery{Text: "m1"}); !domain.IsKind(err, domain.ErrAdapterUnavailable) {
		t.Fatalf("expected adapter unavailable, got %v", err)
	}
}

func TestIngestGroupsRelationshipsByType(t *testing.T) {
	r := &fakeRunner{}
	client := newClient(context.Background(), r, Config{})

	err := client.Ingest(context.Background(),
		[]domain.GraphNode{{ID: "m1", Name: "Machine M1", Type: "Machine"}, {ID: "s1", Name: "Sensor S1", Type: "Sensor"}},
		[]domain.GraphEdge{
			{SourceID: "m1", TargetID: "s1", Type: "has_sensor"},
			{SourceID: "s1", TargetID: "m1", Type: "MONITORS", Weight: 0.5},
			{SourceID: "m1", TargetID: "s1", Type: "HAS_SENSOR"},
		})
	if err != nil {
		t.Fatalf("Ingest() error = %v", err)
	}
	if len(r.calls) != 3 {
		t.Fatalf("expected node merge plus two relationship batches, got %v", r.statements())
	}
	for _, c := range r.calls {
		if !c.write {
			t.Fatalf("ingest statements must be routed to writers")
		}
	}
	if !strings.Contains(r.calls[1].cypher, ":HAS_SENSOR]") || len(r.calls[1].params["edges"].([]map[string]any)) != 2 {
		t.Fatalf("unexpected first relationship batch %q", r.calls[1].cypher)
	}
	if !strings.Contains(r.calls[2].cypher, ":MONITORS]") {
		t.Fatalf("unexpected second relationship batch %q", r.calls[2].cypher)
	}

	bad := client.Ingest(context.Background(), nil, []domain.GraphEdge{{SourceID: "a", TargetID: "b", Type: "X]->(n) DETACH DELETE n //"}})
	if !domain.IsKind(bad, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid relationship type error, got %v", bad)
	}
}

func TestEntityLookupKeepsRequestOrder(t *testing.T) {
	r := &fakeRunner{responses: map[string][]map[string]any{
		"lookup": {
			{"id": "s1", "name": "Sensor S1", "type": "Sensor"},
			{"id": "m1", "name": "Machine M1", "type": "Machine"},
		},
		"exists": {{"id": "m1"}},
	}}
	client := newClient(context.Background(), r, Config{})

	entities, err := client.GetEntities(context.Background(), []string{"m1", "gone", "s1", "m1"})
	if err != nil {
		t.Fatalf("GetEntities() error = %v", err)
	}
	if len(entities) != 2 || entities[0].ID != "m1" || entities[1].Name != "Sensor S1" {
		t.Fatalf("unexpected entities %+v", entities)
	}

	existing, err := client.ExistingEntities(context.Background(), []string{"m1", "gone"})
	if err != nil {
		t.Fatalf("ExistingEntities() error = %v", err)
	}
	if !existing["m1"] || existing["gone"] {
		t.Fatalf("unexpected existence map %v", existing)
	}
}

func TestDocumentLinkAndDelete(t *testing.T) {
	r := &fakeRunner{responses: map[string][]map[string]any{"delete": {{"removed": int64(3)}}}}
	client := newClient(context.Background(), r, Config{})

	if err := client.LinkDocument(context.Background(), "doc-1", []string{"m1", "", "s1", "m1"}); err != nil {
		t.Fatalf("LinkDocument() error = %v", err)
	}
	link := r.calls[len(r.calls)-1]
	if link.cypher != linkDocumentStatement || !link.write {
		t.Fatalf("unexpected link statement %q", link.cypher)
	}
	if got := link.params["entities"].([]string); len(got) != 2 || got[0] != "m1" || got[1] != "s1" {
		t.Fatalf("expected deduplicated entity ids, got %v", got)
	}

	removed, err := client.DeleteDocument(context.Background(), "doc-1")
	if err != nil {
		t.Fatalf("DeleteDocument() error = %v", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed nodes, got %d", removed)
	}
	if last := r.calls[len(r.calls)-1]; last.params["id"] != "doc-1" || !last.write {
		t.Fatalf("unexpected delete call %+v", last)
	}

	missing, err := newClient(context.Background(), &fakeRunner{}, Config{}).DeleteDocument(context.Background(), "gone")
	if err != nil || missing != 0 {
		t.Fatalf("expected unknown document to remove nothing, got %d, %v", missing, err)
	}
	if _, err := client.DeleteDocument(context.Background(), " "); !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for empty id, got %v", err)
	}
	down := newClient(context.Background(), &fakeRunner{err: errors.New("connection refused")}, Config{})
	if _, err := down.DeleteDocument(context.Background(), "doc-1"); !domain.IsKind(err, domain.ErrAdapterUnavailable) {
		t.Fatalf("expected adapter unavailable, got %v", err)
	}
}
