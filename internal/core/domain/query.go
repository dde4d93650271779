package domain

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const MaxQueryRunes = 4096

type Strategy string

const (
	StrategyVector Strategy = "vector"
	StrategyGraph  Strategy = "graph"
	StrategyHybrid Strategy = "hybrid"
)

func (s Strategy) Valid() bool {
	switch s {
	case StrategyVector, StrategyGraph, StrategyHybrid:
		return true
	default:
		return false
	}
}

// ParseStrategy accepts an empty hint or "auto" as "no preference".
func ParseStrategy(raw string) (Strategy, error) {
	hint := Strategy(strings.ToLower(strings.TrimSpace(raw)))
	if hint == "" || hint == "auto" {
		return "", nil
	}
	if !hint.Valid() {
		return "", NewError(ErrInvalidQuery, "parse strategy", "unknown strategy %q", raw)
	}
	return hint, nil
}

type DecisionSource string

const (
	DecisionSourceOverride  DecisionSource = "override"
	DecisionSourceHeuristic DecisionSource = "heuristic"
)

type PriorTurn struct {
	Text     string   `json:"text"`
	Strategy Strategy `json:"strategy,omitempty"`
}

// Query is immutable once created; use NewQuery.
type Query struct {
	text              string
	preferredStrategy Strategy
	priorTurns        []PriorTurn
}

func NewQuery(text string, preferred Strategy, priorTurns []PriorTurn) (Query, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Query{}, NewError(ErrInvalidQuery, "new query", "query text is empty")
	}
	if !utf8.ValidString(trimmed) {
		return Query{}, NewError(ErrInvalidQuery, "new query", "query text is not valid utf-8")
	}
	if utf8.RuneCountInString(trimmed) > MaxQueryRunes {
		return Query{}, NewError(ErrInvalidQuery, "new query", "query text exceeds %d characters", MaxQueryRunes)
	}
	if !strings.ContainsFunc(trimmed, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) {
		return Query{}, NewError(ErrInvalidQuery, "new query", "query text has no searchable terms")
	}
	if preferred != "" && !preferred.Valid() {
		return Query{}, NewError(ErrInvalidQuery, "new query", "unknown strategy %q", preferred)
	}

	turns := make([]PriorTurn, len(priorTurns))
	copy(turns, priorTurns)
	return Query{
		text:              trimmed,
		preferredStrategy: preferred,
		priorTurns:        turns,
	}, nil
}

func (q Query) Text() string                { return q.text }
func (q Query) PreferredStrategy() Strategy { return q.preferredStrategy }

func (q Query) PriorTurns() []PriorTurn {
	out := make([]PriorTurn, len(q.priorTurns))
	copy(out, q.priorTurns)
	return out
}

type RouteContext struct {
	PreferredStrategy Strategy    `json:"preferred_strategy,omitempty"`
	PriorTurns        []PriorTurn `json:"prior_turns,omitempty"`
}

type QuerySignals struct {
	TokenCount      int     `json:"token_count"`
	EntityCount     int     `json:"entity_count"`
	EntityDensity   float64 `json:"entity_density"`
	RelationalHits  int     `json:"relational_hits"`
	ConceptualHits  int     `json:"conceptual_hits"`
	GraphScore      float64 `json:"graph_score"`
	VectorScore     float64 `json:"vector_score"`
	PriorTurnNudges int     `json:"prior_turn_nudges"`
}

type StrategyDecision struct {
	Strategy   Strategy       `json:"strategy"`
	Confidence float64        `json:"confidence"`
	Source     DecisionSource `json:"source"`
	Complexity float64        `json:"complexity"`
	Signals    QuerySignals   `json:"signals"`
}

type QueryRequest struct {
	Text         string      `json:"text"`
	StrategyHint string      `json:"strategy_hint,omitempty"`
	MaxItems     int         `json:"max_items,omitempty"`
	PriorTurns   []PriorTurn `json:"prior_turns,omitempty"`
	// IncludeReasoning asks Answer to explain how the reply follows from the context.
	IncludeReasoning bool `json:"include_reasoning,omitempty"`
}

type Answer struct {
	Text           string             `json:"text"`
	Context        SynthesizedContext `json:"context"`
	FallbackReason string             `json:"fallback_reason,omitempty"`
	Reasoning      string             `json:"reasoning,omitempty"`
}
