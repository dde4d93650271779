package httpadapter

import (
	"net/http"
	"strings"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

type crossReferenceRequest struct {
	FragmentID string          `json:"fragment_id"`
	EntityID   string          `json:"entity_id"`
	Confidence float64         `json:"confidence"`
	Evidence   domain.Evidence `json:"evidence"`
}

type ingestRequest struct {
	FragmentID         string   `json:"fragment_id"`
	DocumentID         string   `json:"document_id"`
	Text               string   `json:"text"`
	CandidateEntityIDs []string `json:"candidate_entity_ids"`
	Async              bool     `json:"async"`
}

type queuedResponse struct {
	FragmentID string `json:"fragment_id"`
	Status     string `json:"status"`
}

type crossReferencesResponse struct {
	ID         string                  `json:"id"`
	Source     domain.SourceType       `json:"source"`
	References []domain.CrossReference `json:"references"`
}

func (rt *Router) addCrossReference(w http.ResponseWriter, r *http.Request) {
	var req crossReferenceRequest
	if !rt.decodeJSON(w, r, &req) {
		return
	}
	ref, err := rt.deps.CrossRefs.Add(r.Context(), req.FragmentID, req.EntityID, req.Confidence, req.Evidence)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ref)
}

func (rt *Router) findRelatedData(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	source, err := domain.ParseSourceType(r.URL.Query().Get("source"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	refs, err := rt.deps.CrossRefs.FindRelatedData(r.Context(), id, source)
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	if refs == nil {
		refs = []domain.CrossReference{}
	}
	writeJSON(w, http.StatusOK, crossReferencesResponse{ID: id, Source: source, References: refs})
}

func (rt *Router) getEvidence(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	evidence, err := rt.deps.CrossRefs.GetEvidence(r.Context(), params.Get("fragment_id"), params.Get("entity_id"))
	if err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, evidence)
}

// ingestCrossReferences uses the supplied text when present, otherwise the
// fragment text is read back from the vector store. Per-candidate rejections
// are reported in the body with status 200. Async requests are queued for the
// worker and answered with 202.
func (rt *Router) ingestCrossReferences(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !rt.decodeJSON(w, r, &req) {
		return
	}
	if req.Async {
		rt.enqueueFragment(w, r, req)
		return
	}

	var (
		result domain.IngestResult
		err    error
	)
	if strings.TrimSpace(req.Text) != "" {
		result, err = rt.deps.Ingestor.IngestFragment(r.Context(), domain.FragmentIndexed{
			FragmentID:         req.FragmentID,
			DocumentID:         req.DocumentID,
			Text:               req.Text,
			CandidateEntityIDs: req.CandidateEntityIDs,
		})
	} else {
		result, err = rt.deps.Ingestor.IngestCrossReferences(r.Context(), req.FragmentID, req.CandidateEntityIDs, nil)
	}
	if err != nil && (domain.IsKind(err, domain.ErrAdapterUnavailable) || len(result.Rejected) == 0) {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (rt *Router) enqueueFragment(w http.ResponseWriter, r *http.Request, req ingestRequest) {
	if strings.TrimSpace(req.Text) == "" {
		rt.writeError(w, r, domain.NewError(domain.ErrInvalidInput, "enqueue fragment", "async ingestion requires the fragment text"))
		return
	}
	if rt.deps.Publisher == nil {
		rt.writeError(w, r, domain.NewError(domain.ErrAdapterUnavailable, "enqueue fragment", "message queue is not configured"))
		return
	}
	event := domain.FragmentIndexed{
		FragmentID:         strings.TrimSpace(req.FragmentID),
		DocumentID:         req.DocumentID,
		Text:               req.Text,
		CandidateEntityIDs: req.CandidateEntityIDs,
	}
	if err := rt.deps.Publisher.PublishFragmentIndexed(r.Context(), event); err != nil {
		rt.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, queuedResponse{FragmentID: event.FragmentID, Status: "queued"})
}
