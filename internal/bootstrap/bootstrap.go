package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kirillkom/hybrid-retrieval/internal/config"
	"github.com/kirillkom/hybrid-retrieval/internal/core/crossref"
	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ontology"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
	"github.com/kirillkom/hybrid-retrieval/internal/core/usecase"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/chunking"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/graph/neo4j"
	badgerkv "github.com/kirillkom/hybrid-retrieval/internal/infrastructure/kv/badger"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/llm/ollama"
	openaillm "github.com/kirillkom/hybrid-retrieval/internal/infrastructure/llm/openai"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/queue/nats"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/resilience"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/seed"
	"github.com/kirillkom/hybrid-retrieval/internal/infrastructure/vector/qdrant"
	"github.com/kirillkom/hybrid-retrieval/internal/observability/logging"
	"github.com/kirillkom/hybrid-retrieval/internal/observability/metrics"
)

const shutdownTimeout = 5 * time.Second

type Options struct {
	Service string
	Logger  *slog.Logger
	// Registerer receives retrieval metrics; nil disables them.
	Registerer prometheus.Registerer
	// ConnectQueue opens the NATS connection.
	ConnectQueue bool
	// OpenTrafficStore opens the badger store used to warm the ontology cache.
	// Only one process may hold it.
	OpenTrafficStore bool
}

type App struct {
	Config config.Config
	Logger *slog.Logger

	Graph         *neo4j.Client
	Vectors       *qdrant.Client
	Ontology      *ontology.Manager
	OntologyCache *ontology.Cache
	CrossRefs     *crossref.Manager
	Queue         *nats.Queue

	OntologyService *ontology.Service
	QueryService    *usecase.HybridQueryService
	Ingestor        *usecase.CrossReferenceIngestUseCase
	Indexer         *usecase.DocumentIndexUseCase

	closers []func(context.Context)
}

func New(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	if err := cfg.Retrieval.Validate(); err != nil {
		return nil, fmt.Errorf("retrieval config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	var retrievalMetrics *metrics.RetrievalMetrics
	executorOpts := []resilience.Option{resilience.WithLogger(logging.Component(logger, "resilience"))}
	if opts.Registerer != nil {
		retrievalMetrics = metrics.NewRetrievalMetrics(opts.Registerer, opts.Service)
		executorOpts = append(executorOpts, resilience.WithStateObserver(retrievalMetrics.ObserveBreaker))
	}
	executor := resilience.NewExecutor(resilienceConfig(cfg), executorOpts...)

	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	app.onClose(func(context.Context) { _ = db.Close() })
	if err := postgres.EnsureSchema(ctx, db); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	graph, err := neo4j.New(ctx, neo4j.Config{
		URI:                 cfg.Neo4jURI,
		Username:            cfg.Neo4jUsername,
		Password:            cfg.Neo4jPassword,
		Database:            cfg.Neo4jDatabase,
		ProbeAPOC:           cfg.Neo4jProbeAPOC,
		RelationshipsPerHit: cfg.Retrieval.GraphMaxRelationships,
	}, neo4j.WithExecutor(executor), neo4j.WithLogger(logging.Component(logger, "graph")))
	if err != nil {
		return nil, fmt.Errorf("init graph store: %w", err)
	}
	app.Graph = graph
	app.onClose(func(ctx context.Context) { _ = graph.Close(ctx) })
	if err := graph.EnsureSchema(ctx); err != nil {
		logger.Warn("graph_schema_not_ensured", "error", err)
	}

	app.Vectors = qdrant.New(cfg.QdrantURL, cfg.QdrantCollection,
		qdrant.WithExecutor(executor),
		qdrant.WithHTTPClient(&http.Client{Timeout: cfg.AdapterTimeout}),
	)

	embedder, generator, err := newInference(cfg, executor)
	if err != nil {
		return nil, err
	}

	if err := app.buildOntology(ctx, db, logger); err != nil {
		return nil, err
	}

	app.CrossRefs = crossref.NewManager(cfg.Retrieval.CrossRefMinConfidence,
		crossref.WithRepository(postgres.NewCrossReferenceRepository(db)),
		crossref.WithExistenceCheckers(app.Vectors, graph),
		crossref.WithLogger(logging.Component(logger, "crossref")),
	)
	if err := app.CrossRefs.Load(ctx); err != nil {
		return nil, fmt.Errorf("load cross references: %w", err)
	}

	synthesizer := usecase.NewSynthesizer(
		synthesisSettings(cfg.Retrieval),
		app.CrossRefs,
		app.OntologyCache,
		usecase.WithCounterparts(graph, app.Vectors),
		usecase.WithSynthesizerLogger(logging.Component(logger, "synthesizer")),
	)
	queryOpts := []usecase.QueryOption{
		usecase.WithQueryLogger(logging.Component(logger, "query")),
		usecase.WithAnswerGenerator(generator),
	}
	ingestOpts := []usecase.IngestOption{
		usecase.WithIngestLogger(logging.Component(logger, "ingest")),
		usecase.WithFragmentReader(app.Vectors),
	}
	if retrievalMetrics != nil {
		queryOpts = append(queryOpts, usecase.WithQueryObserver(retrievalMetrics))
		ingestOpts = append(ingestOpts, usecase.WithIngestObserver(retrievalMetrics))
		retrievalMetrics.RegisterCacheStats(app.OntologyCache.Stats)
	}
	app.QueryService = usecase.NewHybridQueryService(
		usecase.NewRouter(routerSettings(cfg.Retrieval)),
		synthesizer,
		embedder,
		app.Vectors,
		graph,
		querySettings(cfg.Retrieval),
		queryOpts...,
	)
	app.Ingestor = usecase.NewCrossReferenceIngestUseCase(app.CrossRefs, graph, usecase.TextSpanExtractor{}, ingestOpts...)

	if opts.ConnectQueue {
		queue, err := nats.New(cfg.NATSURL, cfg.NATSSubject, nats.Options{
			ResilienceExecutor: executor,
			Logger:             logger,
		})
		if err != nil {
			return nil, fmt.Errorf("init message queue: %w", err)
		}
		app.Queue = queue
		app.onClose(func(context.Context) { queue.Close() })
	}

	indexOpts := []usecase.IndexOption{
		usecase.WithIndexLogger(logging.Component(logger, "index")),
		usecase.WithConceptWriter(app.OntologyService),
	}
	if app.Queue != nil {
		indexOpts = append(indexOpts, usecase.WithFragmentPublisher(app.Queue))
	}
	app.Indexer = usecase.NewDocumentIndexUseCase(
		chunking.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		embedder,
		app.Vectors,
		graph,
		app.Ingestor,
		indexOpts...,
	)

	if opts.OpenTrafficStore {
		if err := app.openTraffic(ctx); err != nil {
			return nil, err
		}
	}
	return app, nil
}

func (a *App) buildOntology(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	rc := a.Config.Retrieval
	a.Ontology = ontology.NewManager(ontologyLimits(rc),
		ontology.WithRepository(postgres.NewOntologyRepository(db)),
		ontology.WithLogger(logging.Component(logger, "ontology")),
	)
	if err := a.Ontology.Load(ctx); err != nil {
		return fmt.Errorf("load ontology: %w", err)
	}
	a.OntologyCache = ontology.NewCache(a.Ontology, cacheConfig(rc), ontology.WithCacheLogger(logging.Component(logger, "ontology_cache")))
	a.OntologyService = ontology.NewService(a.Ontology, a.OntologyCache)

	if a.Config.OntologySeedPath == "" {
		return nil
	}
	parsed, err := seed.LoadFile(a.Config.OntologySeedPath)
	if err != nil {
		return fmt.Errorf("load ontology seed: %w", err)
	}
	result, err := usecase.ApplySeed(ctx, a.Ontology, parsed, logger)
	if err != nil {
		return fmt.Errorf("apply ontology seed: %w", err)
	}
	logger.Info("ontology_seeded", "path", a.Config.OntologySeedPath, "concepts", result.Concepts, "relations", result.Relations, "links", result.Links)
	return nil
}

// openTraffic warms the cache from the concepts most used by earlier runs and
// saves the current counts back on close.
func (a *App) openTraffic(ctx context.Context) error {
	store, err := badgerkv.Open(a.Config.BadgerPath, a.Logger)
	if err != nil {
		return fmt.Errorf("open traffic store: %w", err)
	}
	limit := a.Config.WarmConceptLimit
	a.onClose(func(ctx context.Context) {
		if err := a.OntologyCache.SaveTraffic(ctx, store, limit); err != nil {
			a.Logger.Warn("ontology_traffic_not_saved", "error", err)
		}
		_ = store.Close()
	})
	warmed, err := a.OntologyCache.WarmFromTraffic(ctx, store, limit)
	if err != nil {
		a.Logger.Warn("ontology_cache_warm_failed", "error", err)
		return nil
	}
	a.Logger.Info("ontology_cache_warmed", "concepts", warmed)
	return nil
}

func newInference(cfg config.Config, executor *resilience.Executor) (ports.Embedder, ports.AnswerGenerator, error) {
	switch cfg.LLMProvider {
	case "", "ollama":
		client := ollama.New(cfg.OllamaURL, cfg.OllamaGenModel, cfg.OllamaEmbedModel,
			ollama.WithExecutor(executor),
			ollama.WithPromptBudget(cfg.Retrieval.ContextMaxChars),
		)
		return ollama.NewEmbedder(client), ollama.NewGenerator(client), nil
	case "openai":
		client, err := openaillm.New(openaillm.Config{
			APIKey:       cfg.OpenAIAPIKey,
			BaseURL:      cfg.OpenAIBaseURL,
			GenModel:     cfg.OpenAIGenModel,
			EmbedModel:   cfg.OpenAIEmbedModel,
			PromptBudget: cfg.Retrieval.ContextMaxChars,
		}, executor)
		if err != nil {
			return nil, nil, fmt.Errorf("init openai client: %w", err)
		}
		return client, client, nil
	default:
		return nil, nil, errors.New("unknown LLM_PROVIDER " + cfg.LLMProvider + ", expected ollama or openai")
	}
}

// Stats is the snapshot served by the stats endpoint.
func (a *App) Stats(context.Context) domain.ServiceStats {
	return domain.ServiceStats{
		Ontology:          a.Ontology.Stats(),
		Cache:             a.OntologyCache.Stats(),
		CrossReferences:   a.CrossRefs.Stats(),
		AdvancedTraversal: a.Graph.SupportsAdvancedTraversal(),
	}
}

func (a *App) onClose(fn func(context.Context)) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
	a.closers = nil
}
