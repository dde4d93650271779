package httpadapter

import (
	"net/http"

	"github.com/kirillkom/hybrid-retrieval/internal/core/domain"
)

func mapErrorToHTTPStatus(err error) int {
	switch {
	case domain.IsKind(err, domain.ErrInvalidQuery), domain.IsKind(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case domain.IsKind(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsKind(err, domain.ErrCycleDetected), domain.IsKind(err, domain.ErrDuplicateReference):
		return http.StatusConflict
	case domain.IsKind(err, domain.ErrLowConfidence), domain.IsKind(err, domain.ErrHierarchyTooDeep):
		return http.StatusUnprocessableEntity
	case domain.IsKind(err, domain.ErrTemporary), domain.IsKind(err, domain.ErrAdapterUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// writeError hides the message of unclassified errors from the client.
func (rt *Router) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	requestID := requestIDFromContext(r.Context())
	message := err.Error()
	if status == http.StatusInternalServerError {
		rt.logger.Error("http_handler_failed", "request_id", requestID, "path", r.URL.Path, "error", err)
		message = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: message, RequestID: requestID})
}
