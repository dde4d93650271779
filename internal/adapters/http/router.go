package httpadapter

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/ports"
)

const maxRequestBodyBytes = 1 << 20

// StatsProvider reports the operational counters served by GET /v1/stats.
type StatsProvider interface {
	Stats(ctx context.Context) domain.ServiceStats
}

// CacheAdmin drops every ontology cache entry.
type CacheAdmin interface {
	Clear()
	Stats() domain.CacheStats
}

type Dependencies struct {
	Query     ports.QueryService
	Ingestor  ports.CrossReferenceIngestor
	Indexer   ports.DocumentIndexer
	CrossRefs ports.CrossReferenceService
	Ontology  ports.OntologyService
	Cache     CacheAdmin
	Stats     StatsProvider
	// Publisher enables asynchronous ingestion; nil rejects async requests.
	Publisher ports.FragmentPublisher
}

type Options struct {
	RateLimitRPS   float64
	RateLimitBurst int
	MaxInFlight    int
	QueueWait      time.Duration
	Logger         *slog.Logger
	// OnReject is called with "rate_limit" or "backpressure" for every turned-away request.
	OnReject func(reason string)
}

type Router struct {
	deps      Dependencies
	opts      Options
	logger    *slog.Logger
	validator *requestValidator
}

func NewRouter(deps Dependencies, opts Options) (*Router, error) {
	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{deps: deps, opts: opts, logger: logger, validator: validator}, nil
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /v1/query", rt.query)
	api.HandleFunc("POST /v1/answer", rt.answer)
	api.HandleFunc("POST /v1/route", rt.route)
	api.HandleFunc("POST /v1/cross-references", rt.addCrossReference)
	api.HandleFunc("GET /v1/cross-references", rt.findRelatedData)
	api.HandleFunc("GET /v1/cross-references/evidence", rt.getEvidence)
	api.HandleFunc("POST /v1/ingest/cross-references", rt.ingestCrossReferences)
	api.HandleFunc("POST /v1/documents", rt.indexDocument)
	api.HandleFunc("DELETE /v1/documents/{id}", rt.deleteDocument)
	api.HandleFunc("POST /v1/ontology/concepts", rt.addConcept)
	api.HandleFunc("GET /v1/ontology/concepts/{id}", rt.getConcept)
	api.HandleFunc("GET /v1/ontology/concepts/{id}/related", rt.findRelated)
	api.HandleFunc("GET /v1/ontology/concepts/{id}/hierarchy", rt.getHierarchy)
	api.HandleFunc("POST /v1/ontology/relations", rt.addRelation)
	api.HandleFunc("POST /v1/ontology/links", rt.linkEntity)
	api.HandleFunc("DELETE /v1/ontology/cache", rt.clearCache)
	api.HandleFunc("GET /v1/stats", rt.stats)

	var limiter *rate.Limiter
	if rt.opts.RateLimitRPS > 0 {
		burst := max(rt.opts.RateLimitBurst, 1)
		limiter = rate.NewLimiter(rate.Limit(rt.opts.RateLimitRPS), burst)
	}
	var guarded http.Handler = rt.validator.middleware(api)
	guarded = backpressureMiddleware(guarded, rt.opts.MaxInFlight, rt.opts.QueueWait, rt.opts.OnReject)
	guarded = rateLimitMiddleware(guarded, limiter, rt.opts.OnReject)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.Handle("/", guarded)
	return requestIDMiddleware(accessLogMiddleware(rt.logger, mux))
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) stats(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Stats == nil {
		writeJSON(w, http.StatusOK, domain.ServiceStats{})
		return
	}
	writeJSON(w, http.StatusOK, rt.deps.Stats.Stats(r.Context()))
}

// decodeJSON reads a bounded JSON body.
func (rt *Router) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		rt.writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "decode request body", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
