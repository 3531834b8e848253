package diagnosis

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/symcheck/symcheck/internal/domain/symptom"
	"github.com/symcheck/symcheck/internal/platform/auth"
	"github.com/symcheck/symcheck/internal/platform/hipaa"
)

// Analysis adapts a Pipeline and Dispatcher to symptom.Analysis.
type Analysis struct {
	Pipeline   *Pipeline
	Dispatcher *Dispatcher
}

func (a Analysis) Enqueue(entryID string, actor hipaa.Actor) bool {
	return a.Dispatcher.Enqueue(entryID, actor)
}

func (a Analysis) SubmitAndDiagnose(ctx context.Context, in symptom.CreateInput, actor hipaa.Actor) (*symptom.SymptomEntry, error) {
	return a.Pipeline.SubmitAndDiagnose(ctx, in, actor)
}

type triggerRequest struct {
	Symptoms []string `json:"symptoms"`
}

type attachRequest struct {
	SymptomEntryID string `json:"symptom_entry_id"`
	symptom.DiagnosisInput
}

type pendingResponse struct {
	Status  symptom.AnalysisStatus `json:"status"`
	Message string                 `json:"message"`
}

type Handler struct {
	pipeline *Pipeline
	store    *symptom.Store
	logger   zerolog.Logger
}

func NewHandler(pipeline *Pipeline, store *symptom.Store, logger zerolog.Logger) *Handler {
	return &Handler{pipeline: pipeline, store: store, logger: logger}
}

// RegisterRoutes mounts the diagnosis routes. runMW wraps every route that
// writes a diagnosis.
func (h *Handler) RegisterRoutes(g *echo.Group, runMW ...echo.MiddlewareFunc) {
	g.POST("/symptoms/:id/diagnosis", h.Trigger, runMW...)
	g.POST("/symptoms/:id/diagnosis/retry", h.Retry, runMW...)
	g.GET("/symptoms/:id/diagnosis/status", h.Status)
	g.POST("/diagnoses", h.Attach, runMW...)
}

func (h *Handler) Trigger(c echo.Context) error {
	var req triggerRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
		}
	}
	d, err := h.pipeline.Trigger(c.Request().Context(), c.Param("id"), auth.ActorFromContext(c), RunOptions{Symptoms: req.Symptoms})
	return h.respond(c, d, err)
}

func (h *Handler) Retry(c echo.Context) error {
	d, err := h.pipeline.Retry(c.Request().Context(), c.Param("id"), auth.ActorFromContext(c))
	return h.respond(c, d, err)
}

func (h *Handler) Status(c echo.Context) error {
	st, err := h.store.AnalysisStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		return symptom.HTTPError(err, h.logger)
	}
	return c.JSON(http.StatusOK, st)
}

// Attach stores a diagnosis supplied by the caller rather than the
// analysis service.
func (h *Handler) Attach(c echo.Context) error {
	var req attachRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.SymptomEntryID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "symptom_entry_id is required")
	}
	ctx := c.Request().Context()
	d, err := h.store.AttachDiagnosis(ctx, req.SymptomEntryID, req.DiagnosisInput, auth.ActorFromContext(c))
	if err != nil {
		return symptom.HTTPError(err, h.logger)
	}
	if err := h.store.SetAnalysisStatus(ctx, req.SymptomEntryID, symptom.StatusDiagnosed, ""); err != nil {
		h.logger.Warn().Err(err).Str("entry_id", req.SymptomEntryID).Msg("manual diagnosis attached but status not updated")
	}
	return c.JSON(http.StatusCreated, d)
}

// respond sends the diagnosis, or 202 when the analysis service let us down.
// Local failures keep their usual status codes.
func (h *Handler) respond(c echo.Context, d *symptom.Diagnosis, err error) error {
	if err == nil {
		return c.JSON(http.StatusOK, d)
	}
	var pe *PipelineError
	if errors.As(err, &pe) && pe.Upstream() {
		return c.JSON(http.StatusAccepted, pendingResponse{
			Status:  symptom.StatusFailed,
			Message: "diagnosis pending/unavailable",
		})
	}
	return symptom.HTTPError(err, h.logger)
}
