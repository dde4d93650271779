package httpadapter

import (
	"net/http"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
	"github.com/kirillkom/hybrid-retrieval/internal/core/usecase"
)

type routeResponse struct {
	Decision    domain.StrategyDecision `json:"decision"`
	Explanation string                  `json:"explanation"`
}

func (rt *Router) query(w http.ResponseWriter, r *http.Request) {
	var req domain.QueryRequest
	if !rt.decodeJSON(w, r, &req) {
		return
	}
	synthesized, err := rt.deps.Query.Query(r.Context(), req)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, synthesized)
}

func (rt *Router) answer(w http.ResponseWriter, r *http.Request) {
	var req domain.QueryRequest
	if !rt.decodeJSON(w, r, &req) {
		return
	}
	answer, err := rt.deps.Query.Answer(r.Context(), req)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

func (rt *Router) route(w http.ResponseWriter, r *http.Request) {
	var req domain.QueryRequest
	if !rt.decodeJSON(w, r, &req) {
		return
	}
	decision, err := rt.deps.Query.Route(req)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, routeResponse{Decision: decision, Explanation: usecase.Explain(decision)})
}
