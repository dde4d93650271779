package httpadapter

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

type relationRequest struct {
	Kind     string  `json:"kind"`
	SourceID string  `json:"source_id"`
	TargetID string  `json:"target_id"`
	Weight   float64 `json:"weight"`
}

type linkRequest struct {
	EntityID  string `json:"entity_id"`
	ConceptID string `json:"concept_id"`
}

type relatedResponse struct {
	ConceptID string                  `json:"concept_id"`
	Related   []domain.RelatedConcept `json:"related"`
}

type hierarchyResponse struct {
	ConceptID string           `json:"concept_id"`
	Ancestors []domain.Concept `json:"ancestors"`
}

func (rt *Router) addConcept(w http.ResponseWriter, r *http.Request) {
	var req domain.ConceptInput
	if !rt.decodeJSON(w, r, &req) {
		return
	}
	concept, err := rt.deps.Ontology.AddConcept(r.Context(), req)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, concept)
}

func (rt *Router) addRelation(w http.ResponseWriter, r *http.Request) {
	var req relationRequest
	if !rt.decodeJSON(w, r, &req) {
		return
	}
	kind, err := domain.ParseRelationKind(req.Kind)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	relation, err := rt.deps.Ontology.AddRelation(r.Context(), kind, req.SourceID, req.TargetID, req.Weight)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, relation)
}

func (rt *Router) linkEntity(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if !rt.decodeJSON(w, r, &req) {
		return
	}
	link, err := rt.deps.Ontology.LinkEntity(r.Context(), req.EntityID, req.ConceptID)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, link)
}

func (rt *Router) getConcept(w http.ResponseWriter, r *http.Request) {
	concept, err := rt.deps.Ontology.GetConcept(r.Context(), r.PathValue("id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, concept)
}

// findRelated treats a missing depth as 0, which the manager replaces with its default.
func (rt *Router) findRelated(w http.ResponseWriter, r *http.Request) {
	conceptID := r.PathValue("id")
	depth := 0
	if raw := r.URL.Query().Get("depth"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			rt.writeError(w, r, domain.NewError(domain.ErrInvalidInput, "find related", "depth must be a non-negative integer"))
			return
		}
		depth = parsed
	}
	kinds, err := parseKinds(r.URL.Query().Get("kinds"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	related, err := rt.deps.Ontology.FindRelated(r.Context(), conceptID, depth, kinds)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if related == nil {
		related = []domain.RelatedConcept{}
	}
	writeJSON(w, http.StatusOK, relatedResponse{ConceptID: conceptID, Related: related})
}

func (rt *Router) getHierarchy(w http.ResponseWriter, r *http.Request) {
	conceptID := r.PathValue("id")
	ancestors, err := rt.deps.Ontology.GetHierarchy(r.Context(), conceptID)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if ancestors == nil {
		ancestors = []domain.Concept{}
	}
	writeJSON(w, http.StatusOK, hierarchyResponse{ConceptID: conceptID, Ancestors: ancestors})
}

func parseKinds(raw string) ([]domain.RelationKind, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	kinds := make([]domain.RelationKind, 0, len(parts))
	for _, part := range parts {
		if strings.TrimSpace(part) == "" {
			continue
		}
		kind, err := domain.ParseRelationKind(part)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}
