package usecase

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"strings"
	"testing"

	"github.com/kirillkom/hybrid-retrieval/internal/core/crossref"
	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ontology"
)

type synthesisFixture struct {
	crossRefs *crossref.Manager
	ontology  *ontology.Manager
	cache     *ontology.Cache
	synth     *Synthesizer
}

func newSynthesisFixture(t *testing.T) synthesisFixture {
	t.Helper()
	ctx := context.Background()

	refs := crossref.NewManager(crossref.DefaultMinConfidence)
	if _, err := refs.Add(ctx, "f1", "m1", 0.7, domain.Evidence{Kind: domain.EvidenceTextSpan, Text: "M1"}); err != nil {
		t.Fatalf("add cross reference: %v", err)
	}

	onto := ontology.NewManager(ontology.DefaultLimits())
	machine := mustAddConcept(t, onto, "Machine")
	equipment := mustAddConcept(t, onto, "Equipment")
	sensor := mustAddConcept(t, onto, "Temperature Sensor")
	if _, err := onto.AddRelation(ctx, domain.RelationIsA, machine.ID, equipment.ID, 1); err != nil {
		t.Fatalf("add is_a: %v", err)
	}
	if _, err := onto.AddRelation(ctx, domain.RelationRelatedTo, machine.ID, sensor.ID, 0.8); err != nil {
		t.Fatalf("add related_to: %v", err)
	}
	cache := ontology.NewCache(onto, ontology.CacheConfig{})

	return synthesisFixture{
		crossRefs: refs,
		ontology:  onto,
		cache:     cache,
		synth:     NewSynthesizer(DefaultSynthesisSettings(), refs, cache),
	}
}

func mustAddConcept(t *testing.T, m *ontology.Manager, name string) domain.Concept {
	t.Helper()
	c, err := m.AddConcept(context.Background(), domain.ConceptInput{Name: name, Domain: "industrial"})
	if err != nil {
		t.Fatalf("add concept %s: %v", name, err)
	}
	return c
}

func hybridDecision() domain.StrategyDecision {
	return domain.StrategyDecision{Strategy: domain.StrategyHybrid, Confidence: 0.5, Source: domain.DecisionSourceHeuristic}
}

func pairedInput() SynthesisInput {
	return SynthesisInput{
		Query:    "machines with temperature sensors",
		Decision: hybridDecision(),
		VectorHits: []domain.VectorHit{
			{FragmentID: "f1", Score: 0.9, Text: "Machine M1 has a temperature sensor"},
		},
		GraphHits: []domain.GraphHit{
			{EntityID: "m1", Name: "M1", EntityType: "Machine", Score: 0.8, Relationships: []domain.Relationship{
				{EntityID: "s1", Type: "HAS_SENSOR", Direction: domain.DirectionOutgoing},
			}},
		},
		Sources: []domain.SourceReport{
			{Source: "vector", Status: domain.SourceStatusOK, Hits: 1},
			{Source: "graph", Status: domain.SourceStatusOK, Hits: 1},
		},
	}
}

func TestSynthesizeBlendsCrossReferencedPair(t *testing.T) {
	f := newSynthesisFixture(t)

	out := f.synth.Synthesize(context.Background(), pairedInput())
	if out.Degraded {
		t.Fatalf("expected non-degraded context")
	}
	if len(out.Items) != 3 {
		t.Fatalf("expected paired item plus 2 ontology items, got %d: %+v", len(out.Items), out.Items)
	}

	top := out.Items[0]
	if top.Provenance != domain.ProvenanceCrossReferenced {
		t.Fatalf("expected cross_referenced first, got %s", top.Provenance)
	}
	want := 0.6*(0.9/0.9) + 0.4*(0.8/0.9)
	if math.Abs(top.Score-want) > 1e-9 || math.Abs(top.Score-0.956) > 0.001 {
		t.Fatalf("expected blended score %.4f, got %.4f", want, top.Score)
	}
	if top.FragmentID != "f1" || top.EntityID != "m1" || len(top.Relationships) != 1 {
		t.Fatalf("paired item lost a side: %+v", top)
	}
	if top.CrossReference == nil || top.CrossReference.Confidence != 0.7 {
		t.Fatalf("expected attached cross reference, got %+v", top.CrossReference)
	}

	names := map[string]bool{}
	for _, item := range out.Items[1:] {
		if item.Provenance != domain.ProvenanceOntology {
			t.Fatalf("expected ontology item, got %s", item.Provenance)
		}
		if item.SourceItemID != top.ID {
			t.Fatalf("expected ontology item sourced from %s, got %s", top.ID, item.SourceItemID)
		}
		if item.Score > top.Score || math.Abs(item.Score-top.Score*0.5) > 1e-9 {
			t.Fatalf("ontology item score %.4f not decayed from %.4f", item.Score, top.Score)
		}
		if item.PathLength != 1 {
			t.Fatalf("expected path length 1, got %d", item.PathLength)
		}
		concept, err := f.ontology.GetConcept(context.Background(), item.ConceptID)
		if err != nil {
			t.Fatalf("get concept: %v", err)
		}
		names[concept.Name] = true
	}
	if !names["Equipment"] || !names["Temperature Sensor"] {
		t.Fatalf("unexpected ontology expansion: %v", names)
	}
}

func TestSynthesizeIsDeterministic(t *testing.T) {
	f := newSynthesisFixture(t)
	in := pairedInput()
	in.VectorHits = append(in.VectorHits,
		domain.VectorHit{FragmentID: "f2", Score: 0.5, Text: "b"},
		domain.VectorHit{FragmentID: "f3", Score: 0.5, Text: "a"},
	)

	first := f.synth.Synthesize(context.Background(), in)
	for i := 0; i < 5; i++ {
		next := f.synth.Synthesize(context.Background(), in)
		if !reflect.DeepEqual(first, next) {
			t.Fatalf("synthesis changed between calls:\n%+v\n%+v", first.Items, next.Items)
		}
	}
}

func TestSynthesizeMarksDegradedWhenBranchMissing(t *testing.T) {
	f := newSynthesisFixture(t)
	in := SynthesisInput{
		Query:    "machines with temperature sensors",
		Decision: hybridDecision(),
		VectorHits: []domain.VectorHit{
			{FragmentID: "f9", Score: 0.9, Text: "unlinked"},
		},
		Sources: []domain.SourceReport{
			{Source: "vector", Status: domain.SourceStatusOK, Hits: 1},
			{Source: "graph", Status: domain.SourceStatusTimeout, Error: "deadline exceeded"},
		},
	}

	out := f.synth.Synthesize(context.Background(), in)
	if !out.Degraded {
		t.Fatalf("expected degraded context")
	}
	if len(out.Items) != 1 || out.Items[0].Provenance != domain.ProvenanceVector {
		t.Fatalf("expected a single vector item, got %+v", out.Items)
	}
	if math.Abs(out.Items[0].Score-0.72) > 1e-9 {
		t.Fatalf("expected unlinked penalty 0.9*0.8, got %.4f", out.Items[0].Score)
	}
}

func TestSynthesizeSingleSourceKeepsNativeScores(t *testing.T) {
	f := newSynthesisFixture(t)
	in := SynthesisInput{
		Decision: domain.StrategyDecision{Strategy: domain.StrategyGraph, Confidence: 0.8},
		GraphHits: []domain.GraphHit{
			{EntityID: "m2", Name: "Conveyor", Score: 0.65},
		},
		Sources: []domain.SourceReport{{Source: "graph", Status: domain.SourceStatusOK, Hits: 1}},
	}

	out := f.synth.Synthesize(context.Background(), in)
	if len(out.Items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(out.Items))
	}
	if out.Items[0].Score != 0.65 || out.Items[0].Provenance != domain.ProvenanceGraph {
		t.Fatalf("expected native graph score, got %+v", out.Items[0])
	}
}

func TestSynthesizeTruncatesAndDeduplicates(t *testing.T) {
	f := newSynthesisFixture(t)
	hits := make([]domain.VectorHit, 0, 61)
	for i := 0; i < 60; i++ {
		hits = append(hits, domain.VectorHit{FragmentID: fmt.Sprintf("doc-%02d", i), Score: 0.9 - float64(i)/100, Text: "x"})
	}
	hits = append(hits, domain.VectorHit{FragmentID: "doc-00", Score: 0.1, Text: "duplicate"})
	in := SynthesisInput{
		Decision:   domain.StrategyDecision{Strategy: domain.StrategyVector, Confidence: 0.8},
		VectorHits: hits,
	}

	out := f.synth.Synthesize(context.Background(), in)
	if len(out.Items) != 10 || out.MaxItems != 10 || !out.Truncated {
		t.Fatalf("expected default bound of 10, got %d items (max %d, truncated %v)", len(out.Items), out.MaxItems, out.Truncated)
	}
	if out.TotalCandidates != 60 {
		t.Fatalf("expected duplicates removed before truncation, got %d candidates", out.TotalCandidates)
	}
	if out.Items[0].FragmentID != "doc-00" || out.Items[0].Text != "x" {
		t.Fatalf("expected the highest scoring occurrence kept, got %+v", out.Items[0])
	}

	in.MaxItems = 500
	out = f.synth.Synthesize(context.Background(), in)
	if len(out.Items) != 50 || out.MaxItems != 50 {
		t.Fatalf("expected hard maximum of 50, got %d", len(out.Items))
	}
}

func TestSynthesizeTieBreaksByProvenanceThenRank(t *testing.T) {
	f := newSynthesisFixture(t)
	in := SynthesisInput{
		Decision: domain.StrategyDecision{Strategy: domain.StrategyHybrid},
		VectorHits: []domain.VectorHit{
			{FragmentID: "f-b", Score: 0.5, Text: "b", Rank: 2},
			{FragmentID: "f-a", Score: 0.5, Text: "a", Rank: 1},
		},
		GraphHits: []domain.GraphHit{
			{EntityID: "e-1", Name: "Pump", Score: 0.5, Rank: 1},
		},
	}

	out := f.synth.Synthesize(context.Background(), in)
	got := make([]string, 0, len(out.Items))
	for _, item := range out.Items {
		got = append(got, item.ID)
	}
	want := []string{"fragment:f-a", "fragment:f-b", "entity:e-1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected order: got %v want %v", got, want)
	}
}

type stubCounterparts struct {
	hits      []domain.GraphHit
	fragments map[string]string
	queries   []domain.GraphQuery
}

func (s *stubCounterparts) Search(_ context.Context, query domain.GraphQuery) ([]domain.GraphHit, error) {
	s.queries = append(s.queries, query)
	var out []domain.GraphHit
	for _, hit := range s.hits {
		for _, id := range query.EntityIDs {
			if hit.EntityID == id {
				out = append(out, hit)
			}
		}
	}
	return out, nil
}

func (s *stubCounterparts) FragmentText(_ context.Context, fragmentID string) (string, error) {
	text, ok := s.fragments[fragmentID]
	if !ok {
		return "", domain.NewError(domain.ErrNotFound, "fragment text", "fragment %q not found", fragmentID)
	}
	return text, nil
}

func TestSynthesizeMergesCounterpartNotRetrieved(t *testing.T) {
	f := newSynthesisFixture(t)
	stub := &stubCounterparts{
		hits: []domain.GraphHit{{EntityID: "m1", Name: "M1", EntityType: "Machine", Relationships: []domain.Relationship{
			{EntityID: "s1", Type: "HAS_SENSOR", Direction: domain.DirectionOutgoing},
		}}},
		fragments: map[string]string{"f1": "Machine M1 has a temperature sensor"},
	}
	synth := NewSynthesizer(DefaultSynthesisSettings(), f.crossRefs, f.cache, WithCounterparts(stub, stub))

	out := synth.Synthesize(context.Background(), SynthesisInput{
		Decision:   domain.StrategyDecision{Strategy: domain.StrategyVector, Confidence: 0.8},
		VectorHits: []domain.VectorHit{{FragmentID: "f1", Score: 0.9, Text: "fragment text"}},
	})
	top := out.Items[0]
	if top.Provenance != domain.ProvenanceCrossReferenced || top.EntityID != "m1" || top.EntityName != "M1" {
		t.Fatalf("expected vector hit merged with its entity, got %+v", top)
	}
	if len(top.Relationships) != 1 || !strings.Contains(top.Text, "fragment text") || !strings.Contains(top.Text, "-HAS_SENSOR-> s1") {
		t.Fatalf("expected entity relationships in the item, got %+v", top)
	}
	if top.Score != 0.9 {
		t.Fatalf("expected native vector score, got %.4f", top.Score)
	}
	if len(stub.queries) != 1 || stub.queries[0].EntityIDs[0] != "m1" {
		t.Fatalf("expected one counterpart lookup, got %+v", stub.queries)
	}

	out = synth.Synthesize(context.Background(), SynthesisInput{
		Decision:  domain.StrategyDecision{Strategy: domain.StrategyGraph, Confidence: 0.8},
		GraphHits: []domain.GraphHit{{EntityID: "m1", Name: "M1", Score: 0.7}},
	})
	top = out.Items[0]
	if top.Provenance != domain.ProvenanceCrossReferenced || top.FragmentID != "f1" {
		t.Fatalf("expected graph hit merged with its fragment, got %+v", top)
	}
	if !strings.HasPrefix(top.Text, "Machine M1 has a temperature sensor\n") {
		t.Fatalf("expected fragment text ahead of the entity line, got %q", top.Text)
	}
}

func TestSynthesizeKeepsProvenanceWhenCounterpartMissing(t *testing.T) {
	f := newSynthesisFixture(t)
	stub := &stubCounterparts{fragments: map[string]string{}}
	synth := NewSynthesizer(DefaultSynthesisSettings(), f.crossRefs, f.cache, WithCounterparts(stub, stub))

	out := synth.Synthesize(context.Background(), SynthesisInput{
		Decision:   domain.StrategyDecision{Strategy: domain.StrategyVector, Confidence: 0.8},
		VectorHits: []domain.VectorHit{{FragmentID: "f1", Score: 0.9, Text: "fragment text"}},
	})
	if out.Items[0].Provenance != domain.ProvenanceVector || out.Items[0].Text != "fragment text" {
		t.Fatalf("expected the vector item untouched, got %+v", out.Items[0])
	}
	if out.Items[0].CrossReference == nil || out.Items[0].EntityID != "m1" {
		t.Fatalf("expected the link to stay attached, got %+v", out.Items[0])
	}
}
