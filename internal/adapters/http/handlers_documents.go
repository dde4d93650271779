package httpadapter

import (
	"net/http"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

type documentRequest struct {
	domain.DocumentInput
	Async bool `json:"async"`
}

func (rt *Router) indexDocument(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Indexer == nil {
		rt.writeError(w, r, domain.NewError(domain.ErrAdapterUnavailable, "index document", "document indexing is not configured"))
		return
	}
	var req documentRequest
	if !rt.decodeJSON(w, r, &req) {
		return
	}
	result, err := rt.deps.Indexer.IndexDocument(r.Context(), req.DocumentInput, req.Async)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if result.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, result)
}

func (rt *Router) deleteDocument(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Indexer == nil {
		rt.writeError(w, r, domain.NewError(domain.ErrAdapterUnavailable, "delete document", "document indexing is not configured"))
		return
	}
	result, err := rt.deps.Indexer.DeleteDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) clearCache(w http.ResponseWriter, r *http.Request) {
	if rt.deps.Cache == nil {
		writeJSON(w, http.StatusOK, domain.CacheStats{})
		return
	}
	rt.deps.Cache.Clear()
	rt.logger.Info("ontology_cache_cleared", "request_id", requestIDFromContext(r.Context()))
	writeJSON(w, http.StatusOK, rt.deps.Cache.Stats())
}
