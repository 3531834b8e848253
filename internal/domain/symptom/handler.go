package symptom

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/symcheck/symcheck/internal/platform/auth"
	"github.com/symcheck/symcheck/internal/platform/hipaa"
	"github.com/symcheck/symcheck/pkg/pagination"
)

// Analysis connects entry creation to the diagnosis pipeline.
type Analysis interface {
	// Enqueue schedules a background run and reports whether it was accepted.
	Enqueue(entryID string, actor hipaa.Actor) bool
	// SubmitAndDiagnose creates the entry and runs the pipeline inline.
	SubmitAndDiagnose(ctx context.Context, in CreateInput, actor hipaa.Actor) (*SymptomEntry, error)
}

type HandlerOption func(*Handler)

// WithAnalysis enables ?wait=true and, when autoTrigger is set, queues a run
// after every create.
func WithAnalysis(a Analysis, autoTrigger bool) HandlerOption {
	return func(h *Handler) {
		h.analysis = a
		h.autoTrigger = autoTrigger
	}
}

type Handler struct {
	store       *Store
	analysis    Analysis
	autoTrigger bool
	logger      zerolog.Logger
}

func NewHandler(store *Store, logger zerolog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{store: store, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes mounts the entry routes. submitMW wraps only submission,
// which can start an upstream analysis.
func (h *Handler) RegisterRoutes(g *echo.Group, submitMW ...echo.MiddlewareFunc) {
	g.POST("/symptoms", h.Create, submitMW...)
	g.GET("/symptoms", h.List)
	g.GET("/symptoms/:id", h.Get)
}

func (h *Handler) Create(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	actor := auth.ActorFromContext(c)
	ctx := c.Request().Context()

	if c.QueryParam("wait") == "true" && h.analysis != nil {
		entry, err := h.analysis.SubmitAndDiagnose(ctx, in, actor)
		if err != nil {
			return HTTPError(err, h.logger)
		}
		return c.JSON(http.StatusCreated, entry)
	}

	entry, err := h.store.Create(ctx, in, actor)
	if err != nil {
		return HTTPError(err, h.logger)
	}
	if h.autoTrigger && h.analysis != nil {
		h.analysis.Enqueue(entry.ID, actor)
	}
	return c.JSON(http.StatusCreated, entry)
}

func (h *Handler) Get(c echo.Context) error {
	entry, err := h.store.Read(c.Request().Context(), c.Param("id"), auth.ActorFromContext(c))
	if err != nil {
		return HTTPError(err, h.logger)
	}
	return c.JSON(http.StatusOK, entry)
}

func (h *Handler) List(c echo.Context) error {
	pg := pagination.FromContext(c)
	userID := c.QueryParam("user_id")
	entries, total, err := h.store.ListEntries(c.Request().Context(), userID, pg.Limit, pg.Offset)
	if err != nil {
		return HTTPError(err, h.logger)
	}
	q := c.Request().URL.Query()
	q.Del("limit")
	q.Del("offset")
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg, c.Request().URL.Path, q))
}

// HTTPError maps store errors to HTTP errors. Anything that is not a client
// error becomes a generic 500 and is logged without its PHI-bearing context.
func HTTPError(err error, logger zerolog.Logger) error {
	var (
		verr *ValidationError
		nf   *NotFoundError
	)
	switch {
	case hipaa.IsAuditWriteError(err):
		logger.Error().Err(err).Msg("audit write failed; operation rejected")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, map[string]any{
			"message": "validation failed",
			"fields":  verr.FieldMessages(),
		})
	case errors.As(err, &nf):
		return echo.NewHTTPError(http.StatusNotFound, nf.Error())
	case errors.Is(err, ErrAccessDenied):
		return echo.NewHTTPError(http.StatusForbidden, "access denied")
	case errors.Is(err, ErrDuplicateUser):
		return echo.NewHTTPError(http.StatusConflict, "email already registered")
	case errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusGatewayTimeout, "request timed out")
	}

	var ce *hipaa.CodecError
	if errors.As(err, &ce) {
		logger.Error().Str("field", ce.Field).Str("op", ce.Op).Msg("PHI codec failure")
	} else {
		logger.Error().Err(err).Msg("symptom store failure")
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
