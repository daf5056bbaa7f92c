package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/abtest-engine/internal/pkg/httputil"
	"github.com/ignite/abtest-engine/internal/service/experiment"
)

// writeServiceError maps the service error taxonomy onto HTTP statuses.
// Every handler funnels errors through here so the API stays consistent.
func writeServiceError(w http.ResponseWriter, err error) {
	var verr *experiment.ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.UnprocessableEntity(w, "validation failed", verr.Violations)
	case errors.Is(err, experiment.ErrNotFound),
		errors.Is(err, experiment.ErrVariantNotFound):
		httputil.NotFound(w, err.Error())
	case errors.Is(err, experiment.ErrAlreadyDecided):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, experiment.ErrInvalidState),
		errors.Is(err, experiment.ErrNotSignificant),
		errors.Is(err, experiment.ErrVariantLimit),
		errors.Is(err, experiment.ErrMinimumVariants):
		httputil.Conflict(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var input experiment.CreateInput
	if !httputil.Decode(w, r, &input) {
		return
	}
	e, err := s.svc.Create(r.Context(), input)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.Created(w, e)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f := experiment.ListFilter{
		CampaignID: r.URL.Query().Get("campaign_id"),
		Status:     r.URL.Query().Get("status"),
	}
	experiments, err := s.svc.List(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, map[string]any{
		"experiments": experiments,
		"count":       len(experiments),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Get(r.Context(), chi.URLParam(r, "experimentID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, e)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), chi.URLParam(r, "experimentID")); err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.NoContent(w)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Start(r.Context(), chi.URLParam(r, "experimentID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, e)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	results, err := s.svc.Results(r.Context(), chi.URLParam(r, "experimentID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, results)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.Summary(r.Context(), chi.URLParam(r, "experimentID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, summary)
}

func (s *Server) handleSelectWinner(w http.ResponseWriter, r *http.Request) {
	var input struct {
		VariantID string `json:"variant_id"`
	}
	if !httputil.Decode(w, r, &input) {
		return
	}
	if input.VariantID == "" {
		httputil.BadRequest(w, "variant_id is required")
		return
	}

	// The actor comes from the header the console sets; the evaluator never
	// goes through HTTP, so "system" arriving here would be an impersonation.
	actor := r.Header.Get("X-Actor")
	if actor == "" || actor == experiment.ActorSystem {
		httputil.BadRequest(w, "X-Actor header must identify the operator")
		return
	}

	e, err := s.svc.SelectWinner(r.Context(), chi.URLParam(r, "experimentID"), input.VariantID, actor)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, e)
}

func (s *Server) handleAddVariant(w http.ResponseWriter, r *http.Request) {
	var input experiment.VariantInput
	if !httputil.Decode(w, r, &input) {
		return
	}
	e, err := s.svc.AddVariant(r.Context(), chi.URLParam(r, "experimentID"), input)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.Created(w, e)
}

func (s *Server) handleUpdateVariant(w http.ResponseWriter, r *http.Request) {
	var patch experiment.VariantPatch
	if !httputil.Decode(w, r, &patch) {
		return
	}
	e, err := s.svc.UpdateVariant(r.Context(),
		chi.URLParam(r, "experimentID"), chi.URLParam(r, "variantID"), patch)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, e)
}

func (s *Server) handleSetSplit(w http.ResponseWriter, r *http.Request) {
	var input struct {
		SplitPercentage float64 `json:"split_percentage"`
	}
	if !httputil.Decode(w, r, &input) {
		return
	}
	e, err := s.svc.SetSplit(r.Context(),
		chi.URLParam(r, "experimentID"), chi.URLParam(r, "variantID"), input.SplitPercentage)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, e)
}

func (s *Server) handleRemoveVariant(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.RemoveVariant(r.Context(),
		chi.URLParam(r, "experimentID"), chi.URLParam(r, "variantID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	httputil.OK(w, e)
}
