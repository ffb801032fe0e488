package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hungaromedia/citekeeper/internal/coordinator"
	"github.com/hungaromedia/citekeeper/internal/gate"
	"github.com/hungaromedia/citekeeper/internal/patcher"
	"github.com/hungaromedia/citekeeper/internal/revision"
	"github.com/hungaromedia/citekeeper/internal/store"
)

// ReplacementsHandler exposes batch jobs and per-suggestion operations.
type ReplacementsHandler struct {
	Store       *store.Store
	Coordinator *coordinator.Coordinator
	Gate        *gate.Gate
	Patcher     *patcher.Patcher
	Revisions   *revision.Service
	StaleAfter  time.Duration
}

type batchRequest struct {
	Limit int `json:"limit"`
}

type batchResponse struct {
	JobID string `json:"job_id"`
}

type chunkResponse struct {
	ChunkNumber     int        `json:"chunk_number"`
	Status          string     `json:"status"`
	ProgressCurrent int        `json:"progress_current"`
	ProgressTotal   int        `json:"progress_total"`
	AutoApplied     int        `json:"auto_applied"`
	ManualReview    int        `json:"manual_review"`
	FailedItems     int        `json:"failed_items"`
	HeartbeatAt     *time.Time `json:"heartbeat_at,omitempty"`
	Error           string     `json:"error,omitempty"`
}

type jobResponse struct {
	JobID        string          `json:"job_id"`
	Status       string          `json:"status"`
	TotalChunks  int             `json:"total_chunks"`
	ChunkSize    int             `json:"chunk_size"`
	AutoApplied  int             `json:"auto_applied"`
	ManualReview int             `json:"manual_review"`
	FailedItems  int             `json:"failed_items"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Chunks       []chunkResponse `json:"chunks"`
}

type applyResponse struct {
	SuggestionID string   `json:"suggestion_id"`
	AppliedTo    []string `json:"applied_to"`
}

func (h *ReplacementsHandler) Register(g *echo.Group) {
	g.POST("/batch", h.startBatch)
	g.GET("/jobs/:id", h.jobStatus)
	g.GET("/jobs/:id/stale", h.staleChunks)
	g.POST("/:id/apply", h.apply)
	g.POST("/:id/rollback", h.rollback)
}

func (h *ReplacementsHandler) startBatch(c echo.Context) error {
	var req batchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	jobID, err := h.Coordinator.StartBatch(c.Request().Context(), req.Limit)
	if err != nil {
		if errors.Is(err, coordinator.ErrNothingToDo) {
			return echo.NewHTTPError(http.StatusConflict, "no dead or disallowed citations found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusAccepted, batchResponse{JobID: jobID})
}

func (h *ReplacementsHandler) jobStatus(c echo.Context) error {
	job, chunks, err := h.Coordinator.JobStatus(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := jobResponse{
		JobID:        job.ID,
		Status:       job.Status,
		TotalChunks:  job.TotalChunks,
		ChunkSize:    job.ChunkSize,
		AutoApplied:  job.AutoApplied,
		ManualReview: job.ManualReview,
		FailedItems:  job.FailedItems,
		StartedAt:    job.StartedAt,
		CompletedAt:  job.CompletedAt,
	}
	for _, ch := range chunks {
		resp.Chunks = append(resp.Chunks, chunkFromStore(ch))
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *ReplacementsHandler) staleChunks(c echo.Context) error {
	age := h.StaleAfter
	if raw := c.QueryParam("age"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid age duration")
		}
		age = parsed
	}
	chunks, err := h.Coordinator.StaleChunks(c.Request().Context(), age)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]chunkResponse, 0, len(chunks))
	for _, ch := range chunks {
		out = append(out, chunkFromStore(ch))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *ReplacementsHandler) apply(c echo.Context) error {
	ctx := c.Request().Context()
	sg, err := h.Store.GetSuggestion(ctx, c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "suggestion not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if sg.Status == store.SuggestionStatusSuggested {
		// Manual apply implies explicit approval regardless of confidence.
		if err := h.Gate.Approve(ctx, sg.ID); err != nil {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		sg.Status = store.SuggestionStatusApproved
	}
	if sg.Status != store.SuggestionStatusApproved {
		return echo.NewHTTPError(http.StatusConflict, "suggestion is "+sg.Status+", not approved")
	}
	applied, err := h.Patcher.ApplyEverywhere(ctx, sg)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, applyResponse{SuggestionID: sg.ID, AppliedTo: applied})
}

func (h *ReplacementsHandler) rollback(c echo.Context) error {
	if err := h.Revisions.Rollback(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "suggestion not found")
		}
		if errors.Is(err, store.ErrBadTransition) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusOK)
}

func chunkFromStore(ch store.Chunk) chunkResponse {
	return chunkResponse{
		ChunkNumber:     ch.ChunkNumber,
		Status:          ch.Status,
		ProgressCurrent: ch.ProgressCurrent,
		ProgressTotal:   ch.ProgressTotal,
		AutoApplied:     ch.AutoApplied,
		ManualReview:    ch.ManualReview,
		FailedItems:     ch.FailedItems,
		HeartbeatAt:     ch.HeartbeatAt,
		Error:           ch.Error,
	}
}

// CitationsHandler exposes probe runs and health record queries.
type CitationsHandler struct {
	Store     *store.Store
	Scheduler *Scheduler
}

type healthRecordResponse struct {
	URL            string    `json:"url"`
	LastCheckedAt  time.Time `json:"last_checked_at"`
	Status         string    `json:"status"`
	HTTPStatusCode int       `json:"http_status_code"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	RedirectURL    string    `json:"redirect_url,omitempty"`
	TimesVerified  int       `json:"times_verified"`
	TimesFailed    int       `json:"times_failed"`
}

func (h *CitationsHandler) Register(g *echo.Group) {
	g.POST("/probe", h.probe)
	g.GET("/health", h.health)
}

func (h *CitationsHandler) probe(c echo.Context) error {
	go h.Scheduler.RunProbe(context.Background())
	return c.NoContent(http.StatusAccepted)
}

func (h *CitationsHandler) health(c echo.Context) error {
	status := c.QueryParam("status")
	switch status {
	case "", store.HealthStatusHealthy, store.HealthStatusSlow, store.HealthStatusRedirected,
		store.HealthStatusBroken, store.HealthStatusUnreachable, store.HealthStatusReplaced:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+strconv.Quote(status))
	}
	records, err := h.Store.ListHealthRecords(c.Request().Context(), status)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]healthRecordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, healthRecordResponse{
			URL:            rec.URL,
			LastCheckedAt:  rec.LastCheckedAt,
			Status:         rec.Status,
			HTTPStatusCode: rec.HTTPStatusCode,
			ResponseTimeMs: rec.ResponseTimeMs,
			RedirectURL:    rec.RedirectURL,
			TimesVerified:  rec.TimesVerified,
			TimesFailed:    rec.TimesFailed,
		})
	}
	return c.JSON(http.StatusOK, out)
}

// ArticlesHandler exposes inline citation injection.
type ArticlesHandler struct {
	Store   *store.Store
	Patcher *patcher.Patcher
}

type injectResponse struct {
	ArticleID string `json:"article_id"`
	Content   string `json:"content"`
	Injected  bool   `json:"injected"`
}

func (h *ArticlesHandler) Register(g *echo.Group) {
	g.POST("/:id/citations/inject", h.inject)
}

func (h *ArticlesHandler) inject(c echo.Context) error {
	articleID := c.Param("id")
	content, err := h.Patcher.InjectInlineCitations(c.Request().Context(), articleID)
	if err != nil {
		if errors.Is(err, patcher.ErrAlreadyInjected) {
			return c.JSON(http.StatusOK, injectResponse{ArticleID: articleID, Content: content, Injected: false})
		}
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "article not found")
		}
		if errors.Is(err, store.ErrVersionConflict) {
			return echo.NewHTTPError(http.StatusConflict, "article changed during injection, retry")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, injectResponse{ArticleID: articleID, Content: content, Injected: true})
}
