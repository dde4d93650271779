package usecase

import (
	"strings"
	"testing"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

func mustQuery(t *testing.T, text string) domain.Query {
	t.Helper()
	q, err := domain.NewQuery(text, "", nil)
	if err != nil {
		t.Fatalf("new query %q: %v", text, err)
	}
	return q
}

func TestRouteConceptualQueryPrefersVector(t *testing.T) {
	router := NewRouter(DefaultRouterSettings())

	decision, err := router.Route(mustQuery(t, "What is entropy?"), domain.RouteContext{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.Strategy != domain.StrategyVector {
		t.Fatalf("expected vector, got %s (%s)", decision.Strategy, Explain(decision))
	}
	if decision.Confidence <= 0.5 {
		t.Fatalf("expected confidence above 0.5, got %.2f", decision.Confidence)
	}
	if decision.Source != domain.DecisionSourceHeuristic {
		t.Fatalf("expected heuristic source, got %s", decision.Source)
	}
}

func TestRouteRelationalEntityQueryPrefersGraph(t *testing.T) {
	router := NewRouter(DefaultRouterSettings())

	decision, err := router.Route(mustQuery(t, "How is Pump P-100 connected to Valve V-20?"), domain.RouteContext{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.Strategy != domain.StrategyGraph {
		t.Fatalf("expected graph, got %s (%s)", decision.Strategy, Explain(decision))
	}
	if decision.Signals.EntityCount != 2 {
		t.Fatalf("expected 2 entities, got %d", decision.Signals.EntityCount)
	}
	if decision.Confidence < 0.6 || decision.Confidence > 0.95 {
		t.Fatalf("graph confidence out of range: %.2f", decision.Confidence)
	}
}

func TestRouteUndecidedQueryFallsBackToHybrid(t *testing.T) {
	router := NewRouter(DefaultRouterSettings())

	decision, err := router.Route(mustQuery(t, "machines with temperature sensors"), domain.RouteContext{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.Strategy != domain.StrategyHybrid {
		t.Fatalf("expected hybrid, got %s (%s)", decision.Strategy, Explain(decision))
	}
	if decision.Confidence != 0.5 {
		t.Fatalf("expected confidence 0.5, got %.2f", decision.Confidence)
	}
}

func TestRouteLongQueryPrefersHybrid(t *testing.T) {
	router := NewRouter(DefaultRouterSettings())
	text := "Please summarize the maintenance history and the inspection notes that were recorded for the cooling system last year"

	decision, err := router.Route(mustQuery(t, text), domain.RouteContext{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.Strategy != domain.StrategyHybrid {
		t.Fatalf("expected hybrid for long query, got %s", decision.Strategy)
	}
	if decision.Confidence <= 0.5 || decision.Confidence > 0.9 {
		t.Fatalf("unexpected hybrid confidence %.2f", decision.Confidence)
	}
}

func TestRouteOverrideWins(t *testing.T) {
	router := NewRouter(DefaultRouterSettings())

	decision, err := router.Route(mustQuery(t, "What is entropy?"), domain.RouteContext{PreferredStrategy: domain.StrategyGraph})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.Strategy != domain.StrategyGraph || decision.Confidence != 1.0 {
		t.Fatalf("expected graph override with confidence 1, got %s %.2f", decision.Strategy, decision.Confidence)
	}
	if decision.Source != domain.DecisionSourceOverride {
		t.Fatalf("expected override source, got %s", decision.Source)
	}
	if !strings.Contains(Explain(decision), "requested by caller") {
		t.Fatalf("unexpected explanation: %s", Explain(decision))
	}
}

func TestRouteRejectsInvalidInput(t *testing.T) {
	router := NewRouter(DefaultRouterSettings())

	if _, err := router.Route(domain.Query{}, domain.RouteContext{}); !domain.IsKind(err, domain.ErrInvalidQuery) {
		t.Fatalf("expected invalid query for empty text, got %v", err)
	}
	_, err := router.Route(mustQuery(t, "What is entropy?"), domain.RouteContext{PreferredStrategy: "sql"})
	if !domain.IsKind(err, domain.ErrInvalidQuery) {
		t.Fatalf("expected invalid query for unknown strategy, got %v", err)
	}
}

func TestRoutePriorTurnsNudgeUndecidedQuery(t *testing.T) {
	router := NewRouter(DefaultRouterSettings())
	turns := []domain.PriorTurn{
		{Text: "how is M-100 linked to S-1", Strategy: domain.StrategyGraph},
		{Text: "what is a sensor", Strategy: domain.StrategyVector},
		{Text: "what is calibration", Strategy: domain.StrategyVector},
		{Text: "what is drift", Strategy: domain.StrategyVector},
	}

	decision, err := router.Route(mustQuery(t, "machines with temperature sensors"), domain.RouteContext{PriorTurns: turns})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if decision.Signals.PriorTurnNudges != 3 {
		t.Fatalf("expected only the last 3 turns to count, got %d", decision.Signals.PriorTurnNudges)
	}
	if decision.Strategy != domain.StrategyVector {
		t.Fatalf("expected vector after nudges, got %s (%s)", decision.Strategy, Explain(decision))
	}
}

func TestRouteIsDeterministic(t *testing.T) {
	router := NewRouter(DefaultRouterSettings())
	q := mustQuery(t, "Which sensors are part of Line 4 and how do they relate to Pump P-7?")

	first, err := router.Route(q, domain.RouteContext{})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	for i := 0; i < 10; i++ {
		next, err := router.Route(q, domain.RouteContext{})
		if err != nil {
			t.Fatalf("route: %v", err)
		}
		if next != first {
			t.Fatalf("decision changed between calls: %+v vs %+v", first, next)
		}
	}
}

func TestCountEntities(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{text: "What is entropy?", want: 0},
		{text: "\"Acme Corp\" supplies M-100 and Valve V-20.", want: 3},
		{text: "I think Berlin and Paris are far apart", want: 2},
		{text: "Show New York Harbor sensors", want: 1},
	}
	for _, tc := range cases {
		if got := countEntities(tc.text); got != tc.want {
			t.Errorf("countEntities(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}
