package usecase

import (
	"fmt"
	"math"
	"regexp"
	"strings"
	"unicode"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

var relationalPhrases = []string{
	"related to", "relation", "relationship", "relationships",
	"connected", "connects", "connection", "connections",
	"linked", "links", "part of", "belongs to", "depends on",
	"dependency", "dependencies", "between", "contains", "hierarchy",
	"associated with", "interacts with", "parent of", "child of",
	"subclass of", "instance of",
}

var conceptualPhrases = []string{
	"what is", "what are", "what does", "define", "definition",
	"explain", "meaning", "describe", "overview", "concept of",
	"how does", "why",
}

var quotedPhrase = regexp.MustCompile(`"[^"]+"|“[^”]+”`)

// priorTurnWindow is how many recent turns may nudge an undecided query.
const priorTurnWindow = 3

type RouterSettings struct {
	EntityDensityThreshold float64
	ShortQueryTokens       int
	LongQueryTokens        int
	DecisionMargin         float64
}

func DefaultRouterSettings() RouterSettings {
	return RouterSettings{
		EntityDensityThreshold: 0.2,
		ShortQueryTokens:       8,
		LongQueryTokens:        15,
		DecisionMargin:         2,
	}
}

// Router picks a retrieval strategy from query features alone. It never touches a store.
type Router struct {
	settings RouterSettings
}

func NewRouter(settings RouterSettings) *Router {
	def := DefaultRouterSettings()
	if settings.EntityDensityThreshold <= 0 {
		settings.EntityDensityThreshold = def.EntityDensityThreshold
	}
	if settings.ShortQueryTokens <= 0 {
		settings.ShortQueryTokens = def.ShortQueryTokens
	}
	if settings.LongQueryTokens <= 0 {
		settings.LongQueryTokens = def.LongQueryTokens
	}
	if settings.DecisionMargin < 0 {
		settings.DecisionMargin = def.DecisionMargin
	}
	return &Router{settings: settings}
}

func (r *Router) Route(query domain.Query, rc domain.RouteContext) (domain.StrategyDecision, error) {
	text := query.Text()
	tokens := splitAlphaNumLower(text)
	if len(tokens) == 0 {
		return domain.StrategyDecision{}, domain.NewError(domain.ErrInvalidQuery, "route query", "query text has no searchable terms")
	}

	preferred := rc.PreferredStrategy
	if preferred == "" {
		preferred = query.PreferredStrategy()
	}
	if preferred != "" && !preferred.Valid() {
		return domain.StrategyDecision{}, domain.NewError(domain.ErrInvalidQuery, "route query", "unknown strategy %q", preferred)
	}

	signals := r.signals(text, tokens, rc.PriorTurns)
	decision := domain.StrategyDecision{
		Source:     domain.DecisionSourceHeuristic,
		Complexity: complexity(signals),
		Signals:    signals,
	}
	if preferred != "" {
		decision.Strategy = preferred
		decision.Confidence = 1.0
		decision.Source = domain.DecisionSourceOverride
		return decision, nil
	}

	decision.Strategy, decision.Confidence = r.decide(signals, decision.Complexity)
	return decision, nil
}

func (r *Router) decide(s domain.QuerySignals, complexity float64) (domain.Strategy, float64) {
	short := s.TokenCount <= r.settings.ShortQueryTokens

	switch {
	case s.RelationalHits > 0 && s.EntityDensity >= r.settings.EntityDensityThreshold:
		return domain.StrategyGraph, math.Min(0.95, 0.6+0.1*float64(s.RelationalHits)+0.5*s.EntityDensity)
	case s.RelationalHits == 0 && s.EntityCount == 0 && s.ConceptualHits > 0 && short:
		return domain.StrategyVector, math.Min(0.95, 0.7+0.1*float64(s.ConceptualHits))
	case s.TokenCount > r.settings.LongQueryTokens:
		return domain.StrategyHybrid, math.Min(0.9, 0.6+0.2*complexity)
	}

	diff := s.GraphScore - s.VectorScore
	if math.Abs(diff) > r.settings.DecisionMargin {
		confidence := math.Min(0.95, 0.55+0.05*math.Abs(diff))
		if diff > 0 {
			return domain.StrategyGraph, confidence
		}
		return domain.StrategyVector, confidence
	}
	return domain.StrategyHybrid, 0.5
}

func (r *Router) signals(text string, tokens []string, priorTurns []domain.PriorTurn) domain.QuerySignals {
	normalized := normalizedPhrase(text)
	s := domain.QuerySignals{
		TokenCount:     len(tokens),
		EntityCount:    countEntities(text),
		RelationalHits: countPhrases(normalized, relationalPhrases),
		ConceptualHits: countPhrases(normalized, conceptualPhrases),
	}
	s.EntityDensity = float64(s.EntityCount) / float64(s.TokenCount)

	var graphNudge, vectorNudge float64
	start := len(priorTurns) - priorTurnWindow
	if start < 0 {
		start = 0
	}
	for _, turn := range priorTurns[start:] {
		switch turn.Strategy {
		case domain.StrategyGraph:
			graphNudge += 0.5
			s.PriorTurnNudges++
		case domain.StrategyVector:
			vectorNudge += 0.5
			s.PriorTurnNudges++
		}
	}

	s.GraphScore = 2*float64(s.RelationalHits) + 1.5*float64(s.EntityCount) + graphNudge
	s.VectorScore = 2*float64(s.ConceptualHits) + vectorNudge
	if s.TokenCount <= r.settings.ShortQueryTokens && s.EntityCount == 0 {
		s.VectorScore += 1.5
	}
	return s
}

func complexity(s domain.QuerySignals) float64 {
	return 0.4*math.Min(float64(s.TokenCount)/20, 1) +
		0.4*math.Min(2*s.EntityDensity, 1) +
		0.2*math.Min(float64(s.RelationalHits)/2, 1)
}

// countEntities estimates named entities: quoted phrases, words mixing letters and
// digits such as M-100, and capitalised words outside sentence-initial position.
// Adjacent entity words count once.
func countEntities(text string) int {
	count := 0
	remaining := quotedPhrase.ReplaceAllStringFunc(text, func(string) string {
		count++
		return " , "
	})

	sentenceStart := true
	inEntity := false
	for _, raw := range strings.Fields(remaining) {
		core := strings.TrimFunc(raw, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
		if core == "" {
			inEntity = false
			sentenceStart = sentenceStart || endsSentence(raw)
			continue
		}

		isEntity := mixesLettersAndDigits(core) ||
			(!sentenceStart && startsUpper(core) && core != "I")
		if isEntity && !inEntity {
			count++
		}
		inEntity = isEntity && !strings.ContainsAny(raw[len(raw)-1:], ",;:")
		sentenceStart = endsSentence(raw)
	}
	return count
}

func mixesLettersAndDigits(s string) bool {
	var letter, digit bool
	for _, r := range s {
		switch {
		case unicode.IsLetter(r):
			letter = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	return letter && digit
}

func startsUpper(s string) bool {
	for _, r := range s {
		return unicode.IsUpper(r)
	}
	return false
}

func endsSentence(raw string) bool {
	return strings.HasSuffix(raw, ".") || strings.HasSuffix(raw, "?") || strings.HasSuffix(raw, "!")
}

// Explain renders the reasoning behind a decision for logs and operators.
func Explain(decision domain.StrategyDecision) string {
	s := decision.Signals
	if decision.Source == domain.DecisionSourceOverride {
		return fmt.Sprintf("strategy %s requested by caller (confidence %.2f)", decision.Strategy, decision.Confidence)
	}

	reasons := make([]string, 0, 4)
	reasons = append(reasons, fmt.Sprintf("%d tokens", s.TokenCount))
	if s.EntityCount > 0 {
		reasons = append(reasons, fmt.Sprintf("%d entities (density %.2f)", s.EntityCount, s.EntityDensity))
	}
	if s.RelationalHits > 0 {
		reasons = append(reasons, fmt.Sprintf("%d relational keyword(s)", s.RelationalHits))
	}
	if s.ConceptualHits > 0 {
		reasons = append(reasons, fmt.Sprintf("%d conceptual cue(s)", s.ConceptualHits))
	}
	if s.PriorTurnNudges > 0 {
		reasons = append(reasons, fmt.Sprintf("%d prior turn nudge(s)", s.PriorTurnNudges))
	}
	return fmt.Sprintf("strategy %s (confidence %.2f, complexity %.2f): %s; graph score %.1f vs vector score %.1f",
		decision.Strategy, decision.Confidence, decision.Complexity, strings.Join(reasons, ", "), s.GraphScore, s.VectorScore)
}
