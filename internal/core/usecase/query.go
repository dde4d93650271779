package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
)

const (
	sourceVector = "vector"
	sourceGraph  = "graph"

	// synthesisGrace bounds synthesis once the request deadline has passed.
	synthesisGrace = 2 * time.Second
)

// QueryObserver receives per-query measurements. Implemented by the metrics package.
type QueryObserver interface {
	ObserveRoute(decision domain.StrategyDecision)
	ObserveBranch(source string, status domain.SourceStatus, elapsed time.Duration)
	ObserveQuery(synthesized domain.SynthesizedContext, elapsed time.Duration)
}

type noopObserver struct{}

func (noopObserver) ObserveRoute(domain.StrategyDecision)                     {}
func (noopObserver) ObserveBranch(string, domain.SourceStatus, time.Duration) {}
func (noopObserver) ObserveQuery(domain.SynthesizedContext, time.Duration)    {}

type QuerySettings struct {
	VectorTopK        int
	GraphTopK         int
	GraphDepth        int
	QueryTimeout      time.Duration
	BranchTimeout     time.Duration
	GenerationTimeout time.Duration
	ContextMaxChars   int
}

func DefaultQuerySettings() QuerySettings {
	return QuerySettings{
		VectorTopK:        10,
		GraphTopK:         10,
		GraphDepth:        1,
		QueryTimeout:      8 * time.Second,
		BranchTimeout:     5 * time.Second,
		GenerationTimeout: 60 * time.Second,
		ContextMaxChars:   4000,
	}
}

type QueryOption func(*HybridQueryService)

func WithQueryLogger(logger *slog.Logger) QueryOption {
	return func(s *HybridQueryService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithQueryObserver(observer QueryObserver) QueryOption {
	return func(s *HybridQueryService) {
		if observer != nil {
			s.observer = observer
		}
	}
}

func WithAnswerGenerator(generator ports.AnswerGenerator) QueryOption {
	return func(s *HybridQueryService) { s.generator = generator }
}

// HybridQueryService routes a query, fans out to the selected stores and
// synthesizes whatever came back before the deadline.
type HybridQueryService struct {
	router      *Router
	synthesizer *Synthesizer
	embedder    ports.Embedder
	vectors     ports.VectorStore
	graph       ports.GraphStore
	generator   ports.AnswerGenerator
	settings    QuerySettings
	logger      *slog.Logger
	observer    QueryObserver
	now         func() time.Time
}

func NewHybridQueryService(
	router *Router,
	synthesizer *Synthesizer,
	embedder ports.Embedder,
	vectors ports.VectorStore,
	graph ports.GraphStore,
	settings QuerySettings,
	opts ...QueryOption,
) *HybridQueryService {
	s := &HybridQueryService{
		router:      router,
		synthesizer: synthesizer,
		embedder:    embedder,
		vectors:     vectors,
		graph:       graph,
		settings:    settings,
		logger:      slog.Default(),
		observer:    noopObserver{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HybridQueryService) Route(req domain.QueryRequest) (domain.StrategyDecision, error) {
	q, err := buildQuery(req)
	if err != nil {
		return domain.StrategyDecision{}, err
	}
	return s.router.Route(q, domain.RouteContext{PriorTurns: q.PriorTurns()})
}

func (s *HybridQueryService) Query(ctx context.Context, req domain.QueryRequest) (*domain.SynthesizedContext, error) {
	started := s.now()
	q, err := buildQuery(req)
	if err != nil {
		return nil, err
	}
	decision, err := s.router.Route(q, domain.RouteContext{PriorTurns: q.PriorTurns()})
	if err != nil {
		return nil, err
	}
	s.observer.ObserveRoute(decision)
	s.logger.Info("query_routed",
		"strategy", decision.Strategy,
		"confidence", decision.Confidence,
		"source", decision.Source,
		"reason", Explain(decision),
	)

	vectorHits, graphHits, sources, err := s.dispatch(ctx, q, decision.Strategy)
	if err != nil {
		return nil, err
	}

	synthCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		synthCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), synthesisGrace)
		defer cancel()
	}
	synthesized := s.synthesizer.Synthesize(synthCtx, SynthesisInput{
		Query:      q.Text(),
		Decision:   decision,
		VectorHits: vectorHits,
		GraphHits:  graphHits,
		MaxItems:   req.MaxItems,
		Sources:    sources,
	})
	elapsed := s.now().Sub(started)
	s.observer.ObserveQuery(synthesized, elapsed)
	if synthesized.Degraded {
		s.logger.Warn("query_degraded", "strategy", synthesized.Strategy, "sources", sources, "items", len(synthesized.Items))
	}
	s.logger.Info("query_synthesized",
		"strategy", synthesized.Strategy,
		"items", len(synthesized.Items),
		"candidates", synthesized.TotalCandidates,
		"truncated", synthesized.Truncated,
		"duration_ms", elapsed.Milliseconds(),
	)
	return &synthesized, nil
}

// Answer retrieves context and asks the generator for a reply. A failed or
// missing generator yields the context alone with a fallback reason.
func (s *HybridQueryService) Answer(ctx context.Context, req domain.QueryRequest) (*domain.Answer, error) {
	synthesized, err := s.Query(ctx, req)
	if err != nil {
		return nil, err
	}
	answer := &domain.Answer{Context: *synthesized}
	if s.generator == nil {
		answer.Text = fallbackAnswer(*synthesized, s.settings.ContextMaxChars)
		answer.FallbackReason = "generation disabled"
		s.addReasoning(ctx, answer, req)
		return answer, nil
	}

	genCtx, cancel := s.generationContext(ctx)
	text, err := s.generator.GenerateAnswer(genCtx, synthesized.Query, *synthesized)
	cancel()
	if err != nil {
		reason := "generation failed"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "generation timed out"
		}
		s.logger.Warn("answer_generation_fallback", "reason", reason, "error", err)
		answer.Text = fallbackAnswer(*synthesized, s.settings.ContextMaxChars)
		answer.FallbackReason = reason
	} else {
		answer.Text = text
	}
	s.addReasoning(ctx, answer, req)
	return answer, nil
}

func (s *HybridQueryService) generationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.settings.GenerationTimeout > 0 {
		return context.WithTimeout(ctx, s.settings.GenerationTimeout)
	}
	return context.WithCancel(ctx)
}

// addReasoning explains the answer when asked. The generator explains its own
// replies; fallback replies and generator failures get a summary of the retrieval.
func (s *HybridQueryService) addReasoning(ctx context.Context, answer *domain.Answer, req domain.QueryRequest) {
	if !req.IncludeReasoning {
		return
	}
	reasoner, ok := s.generator.(ports.ReasoningGenerator)
	if ok && answer.FallbackReason == "" {
		genCtx, cancel := s.generationContext(ctx)
		defer cancel()
		text, err := reasoner.GenerateReasoning(genCtx, answer.Context.Query, answer.Context, answer.Text)
		if err == nil && strings.TrimSpace(text) != "" {
			answer.Reasoning = strings.TrimSpace(text)
			return
		}
		s.logger.Warn("reasoning_generation_fallback", "error", err)
	}
	answer.Reasoning = fallbackReasoning(answer.Context)
}

type branchResult struct {
	source     string
	vectorHits []domain.VectorHit
	graphHits  []domain.GraphHit
	report     domain.SourceReport
}

// dispatch runs the selected branches concurrently and waits for all of them or
// the query deadline, whichever comes first. Branches still running at the
// deadline are cancelled and reported as timed out. Only a cancelled caller
// fails the query; an expired caller deadline degrades it like the query timeout.
func (s *HybridQueryService) dispatch(ctx context.Context, q domain.Query, strategy domain.Strategy) ([]domain.VectorHit, []domain.GraphHit, []domain.SourceReport, error) {
	queryCtx := ctx
	if s.settings.QueryTimeout > 0 {
		var cancel context.CancelFunc
		queryCtx, cancel = context.WithTimeout(ctx, s.settings.QueryTimeout)
		defer cancel()
	}

	runVector := strategy == domain.StrategyVector || strategy == domain.StrategyHybrid
	runGraph := strategy == domain.StrategyGraph || strategy == domain.StrategyHybrid

	results := make(chan branchResult, 2)
	pending := map[string]bool{}
	if runVector {
		pending[sourceVector] = true
		go func() { results <- s.vectorBranch(queryCtx, q) }()
	}
	if runGraph {
		pending[sourceGraph] = true
		go func() { results <- s.graphBranch(queryCtx, q) }()
	}

	reports := map[string]domain.SourceReport{
		sourceVector: {Source: sourceVector, Status: domain.SourceStatusSkipped},
		sourceGraph:  {Source: sourceGraph, Status: domain.SourceStatusSkipped},
	}
	var vectorHits []domain.VectorHit
	var graphHits []domain.GraphHit

	collect := func(res branchResult) {
		delete(pending, res.source)
		reports[res.source] = res.report
		vectorHits = append(vectorHits, res.vectorHits...)
		graphHits = append(graphHits, res.graphHits...)
	}
wait:
	for len(pending) > 0 {
		select {
		case res := <-results:
			collect(res)
		case <-queryCtx.Done():
			break wait
		}
	}
	// Branches that finished together with the deadline still count.
drain:
	for len(pending) > 0 {
		select {
		case res := <-results:
			collect(res)
		default:
			break drain
		}
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return nil, nil, nil, fmt.Errorf("query: %w", ctx.Err())
	}
	for source := range pending {
		reports[source] = domain.SourceReport{Source: source, Status: domain.SourceStatusTimeout, Error: "query deadline exceeded"}
		s.observer.ObserveBranch(source, domain.SourceStatusTimeout, s.settings.QueryTimeout)
		s.logger.Warn("branch_degraded", "source", source, "status", domain.SourceStatusTimeout)
	}

	sources := []domain.SourceReport{reports[sourceVector], reports[sourceGraph]}
	return vectorHits, graphHits, sources, nil
}

func (s *HybridQueryService) branchContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.settings.BranchTimeout > 0 {
		return context.WithTimeout(ctx, s.settings.BranchTimeout)
	}
	return context.WithCancel(ctx)
}

func (s *HybridQueryService) vectorBranch(ctx context.Context, q domain.Query) branchResult {
	started := s.now()
	ctx, cancel := s.branchContext(ctx)
	defer cancel()

	res := branchResult{source: sourceVector}
	hits, err := func() ([]domain.VectorHit, error) {
		if s.embedder == nil || s.vectors == nil {
			return nil, domain.NewError(domain.ErrAdapterUnavailable, "vector branch", "vector store is not configured")
		}
		embedding, err := s.embedder.EmbedQuery(ctx, q.Text())
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		hits, err := s.vectors.Search(ctx, embedding, s.settings.VectorTopK, domain.VectorFilter{})
		if err != nil {
			return nil, fmt.Errorf("search vector store: %w", err)
		}
		return hits, nil
	}()
	res.vectorHits = hits
	res.report = s.report(ctx, sourceVector, len(hits), err, started)
	return res
}

func (s *HybridQueryService) graphBranch(ctx context.Context, q domain.Query) branchResult {
	started := s.now()
	ctx, cancel := s.branchContext(ctx)
	defer cancel()

	res := branchResult{source: sourceGraph}
	hits, err := func() ([]domain.GraphHit, error) {
		if s.graph == nil {
			return nil, domain.NewError(domain.ErrAdapterUnavailable, "graph branch", "graph store is not configured")
		}
		hits, err := s.graph.Search(ctx, domain.GraphQuery{
			Text:  q.Text(),
			Depth: s.settings.GraphDepth,
			Limit: s.settings.GraphTopK,
		})
		if err != nil {
			return nil, fmt.Errorf("search graph store: %w", err)
		}
		return hits, nil
	}()
	res.graphHits = hits
	res.report = s.report(ctx, sourceGraph, len(hits), err, started)
	return res
}

func (s *HybridQueryService) report(ctx context.Context, source string, hits int, err error, started time.Time) domain.SourceReport {
	report := domain.SourceReport{Source: source, Status: domain.SourceStatusOK, Hits: hits}
	switch {
	case err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded)):
		report.Status = domain.SourceStatusTimeout
		report.Hits = 0
		report.Error = err.Error()
	case err != nil:
		report.Status = domain.SourceStatusUnavailable
		report.Hits = 0
		report.Error = err.Error()
	case hits == 0:
		report.Status = domain.SourceStatusEmpty
	}
	s.observer.ObserveBranch(source, report.Status, s.now().Sub(started))
	if report.Degrades() {
		s.logger.Warn("branch_degraded", "source", source, "status", report.Status, "error", report.Error)
	}
	return report
}

func buildQuery(req domain.QueryRequest) (domain.Query, error) {
	hint, err := domain.ParseStrategy(req.StrategyHint)
	if err != nil {
		return domain.Query{}, err
	}
	return domain.NewQuery(req.Text, hint, req.PriorTurns)
}

func fallbackReasoning(synthesized domain.SynthesizedContext) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Search strategy: %s (%s).", synthesized.Strategy, Explain(synthesized.Decision))
	counts := map[domain.Provenance]int{}
	for _, item := range synthesized.Items {
		counts[item.Provenance]++
	}
	var parts []string
	for _, provenance := range []domain.Provenance{domain.ProvenanceCrossReferenced, domain.ProvenanceVector, domain.ProvenanceGraph, domain.ProvenanceOntology} {
		if counts[provenance] > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", counts[provenance], provenance))
		}
	}
	if len(parts) == 0 {
		b.WriteString(" No context items supported the answer.")
	} else {
		fmt.Fprintf(&b, " The answer draws on %d context item(s): %s.", len(synthesized.Items), strings.Join(parts, ", "))
	}
	for _, report := range synthesized.Sources {
		if report.Degrades() {
			fmt.Fprintf(&b, " The %s store reported %s, so the context may be incomplete.", report.Source, report.Status)
		}
	}
	return b.String()
}

func fallbackAnswer(synthesized domain.SynthesizedContext, maxChars int) string {
	if len(synthesized.Items) == 0 {
		return "No relevant context was found for this question."
	}
	return "Answer generation is unavailable. The most relevant context is:\n" + synthesized.Render(maxChars)
}
