package hipaa

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	defaultSearchLimit = 100
	maxSearchLimit     = 1000
)

// AuditSearchParams holds filter, pagination, and sort parameters for audit trail search.
type AuditSearchParams struct {
	Actor          string     `json:"actor"`
	Action         string     `json:"action"`
	ResourceType   string     `json:"resource_type"`
	ResourceID     string     `json:"resource_id"`
	SymptomEntryID string     `json:"symptom_entry_id"`
	Outcome        string     `json:"outcome"`
	StartTime      *time.Time `json:"start_time"`
	EndTime        *time.Time `json:"end_time"`
	Limit          int        `json:"limit"`
	Offset         int        `json:"offset"`
	SortOrder      string     `json:"sort_order"`
}

// AuditSearchResult contains paginated search results.
type AuditSearchResult struct {
	Entries []*AuditRecord `json:"entries"`
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

// AuditSummary contains aggregated statistics for audit records.
type AuditSummary struct {
	TotalEntries   int            `json:"total_entries"`
	ByAction       map[string]int `json:"by_action"`
	ByResourceType map[string]int `json:"by_resource_type"`
	ByOutcome      map[string]int `json:"by_outcome"`
	ByActor        map[string]int `json:"by_actor"`
	TimeRange      struct {
		First *time.Time `json:"first,omitempty"`
		Last  *time.Time `json:"last,omitempty"`
	} `json:"time_range"`
}

// AuditQuerier is the read side of the queryable audit store. It is used by
// compliance tooling only; the record store never queries it.
type AuditQuerier interface {
	Search(ctx context.Context, params AuditSearchParams) (*AuditSearchResult, error)
	Summary(ctx context.Context, params AuditSearchParams) (*AuditSummary, error)
}

// applyDefaults normalizes search params, applying defaults for limit, sort, etc.
func applyDefaults(params *AuditSearchParams) {
	if params.Limit <= 0 {
		params.Limit = defaultSearchLimit
	}
	if params.Limit > maxSearchLimit {
		params.Limit = maxSearchLimit
	}
	if params.Offset < 0 {
		params.Offset = 0
	}
	if params.SortOrder != "asc" {
		params.SortOrder = "desc"
	}
}

type summaryGroup struct {
	action, resourceType, outcome, actor string
	count                                int
}

func newAuditSummary() *AuditSummary {
	return &AuditSummary{
		ByAction:       make(map[string]int),
		ByResourceType: make(map[string]int),
		ByOutcome:      make(map[string]int),
		ByActor:        make(map[string]int),
	}
}

func (s *AuditSummary) add(g summaryGroup, first, last time.Time) {
	s.TotalEntries += g.count
	s.ByAction[g.action] += g.count
	s.ByResourceType[g.resourceType] += g.count
	s.ByOutcome[g.outcome] += g.count
	s.ByActor[g.actor] += g.count

	if s.TimeRange.First == nil || first.Before(*s.TimeRange.First) {
		s.TimeRange.First = &first
	}
	if s.TimeRange.Last == nil || last.After(*s.TimeRange.Last) {
		s.TimeRange.Last = &last
	}
}

// ---------- HTTP Handler ----------

// AuditSearchHandler serves audit trail search over an AuditQuerier.
type AuditSearchHandler struct {
	querier AuditQuerier
	logger  zerolog.Logger
}

// NewAuditSearchHandler creates a new handler backed by the given querier.
func NewAuditSearchHandler(querier AuditQuerier, logger zerolog.Logger) *AuditSearchHandler {
	return &AuditSearchHandler{querier: querier, logger: logger}
}

// RegisterRoutes registers the audit routes on g behind mw, which is
// expected to carry a role check.
func (h *AuditSearchHandler) RegisterRoutes(g *echo.Group, mw ...echo.MiddlewareFunc) {
	g.GET("/audit", h.HandleSearch, mw...)
	g.GET("/audit/summary", h.HandleSummary, mw...)
}

// parseSearchParams extracts AuditSearchParams from Echo query parameters.
func parseSearchParams(c echo.Context) (AuditSearchParams, error) {
	params := AuditSearchParams{
		Actor:          c.QueryParam("actor"),
		Action:         c.QueryParam("action"),
		ResourceType:   c.QueryParam("resource_type"),
		ResourceID:     c.QueryParam("resource_id"),
		SymptomEntryID: c.QueryParam("symptom_entry_id"),
		Outcome:        c.QueryParam("outcome"),
		SortOrder:      c.QueryParam("sort_order"),
	}

	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.Offset = n
		}
	}
	for name, dst := range map[string]**time.Time{"start_time": &params.StartTime, "end_time": &params.EndTime} {
		v := c.QueryParam(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return params, echo.NewHTTPError(http.StatusBadRequest, name+" must be RFC3339")
		}
		*dst = &t
	}

	return params, nil
}

// HandleSearch handles GET /audit.
func (h *AuditSearchHandler) HandleSearch(c echo.Context) error {
	params, err := parseSearchParams(c)
	if err != nil {
		return err
	}
	result, err := h.querier.Search(c.Request().Context(), params)
	if err != nil {
		h.logger.Error().Err(err).Msg("audit search failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	return c.JSON(http.StatusOK, result)
}

// HandleSummary handles GET /audit/summary.
func (h *AuditSearchHandler) HandleSummary(c echo.Context) error {
	params, err := parseSearchParams(c)
	if err != nil {
		return err
	}
	summary, err := h.querier.Summary(c.Request().Context(), params)
	if err != nil {
		h.logger.Error().Err(err).Msg("audit summary failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}
	return c.JSON(http.StatusOK, summary)
}
