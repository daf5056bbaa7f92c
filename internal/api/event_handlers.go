package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/abtest-engine/internal/domain"
	"github.com/ignite/abtest-engine/internal/pkg/httputil"
)

// EventInput is the engagement feed payload from the delivery pipeline.
// Value is only meaningful for converted events, where it carries revenue.
type EventInput struct {
	VariantID string           `json:"variant_id"`
	Kind      domain.EventKind `json:"kind"`
	Value     float64          `json:"value,omitempty"`
}

func (s *Server) handleRecordEvent(w http.ResponseWriter, r *http.Request) {
	var input EventInput
	if !httputil.Decode(w, r, &input) {
		return
	}
	if input.VariantID == "" {
		httputil.BadRequest(w, "variant_id is required")
		return
	}

	err := s.svc.RecordEvent(r.Context(),
		chi.URLParam(r, "experimentID"), input.VariantID, input.Kind, input.Value)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.NoContent(w)
}
