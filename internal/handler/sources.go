package handler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/haatos/patchtest/internal/service"
	"github.com/haatos/patchtest/internal/store"
)

const (
	defaultRunsLimit int64 = 50
	maxRunsLimit     int64 = 500
)

type PatchTestServicer interface {
	Sources() map[int64]service.TrackedSource
	SyncByID(context.Context, int64) (*service.SyncReport, error)
}

type SourceReader interface {
	ListPatchSources(context.Context) ([]*store.PatchSource, error)
}

type WatermarkReader interface {
	ReadWatermark(context.Context, int64) (*store.Watermark, error)
}

type RunReader interface {
	ReadTestRunByID(context.Context, int64) (*store.TestRun, error)
	ListPatchSourceRuns(context.Context, int64, int64) ([]*store.TestRun, error)
}

type SourceView struct {
	store.PatchSource
	RepoURL    string           `json:"repo_url,omitempty"`
	Ref        string           `json:"ref,omitempty"`
	Configured bool             `json:"configured"`
	Syncing    bool             `json:"syncing"`
	Watermark  *store.Watermark `json:"watermark,omitempty"`
}

func SetupSourceRoutes(
	g *echo.Group,
	patchTestService PatchTestServicer,
	sources SourceReader,
	watermarks WatermarkReader,
	runs RunReader,
	background *Background,
	mutate echo.MiddlewareFunc,
) {
	h := NewSourceHandler(patchTestService, sources, watermarks, runs, background)
	g.GET("/sources", h.GetSources)
	g.GET("/sources/:patch_source_id/runs", h.GetSourceRuns)
	g.POST("/sources/:patch_source_id/sync", h.PostSync, mutate)
	g.GET("/runs/:test_run_id", h.GetRun)
}

type SourceHandler struct {
	patchTestService PatchTestServicer
	sources          SourceReader
	watermarks       WatermarkReader
	runs             RunReader
	background       *Background
}

func NewSourceHandler(
	patchTestService PatchTestServicer,
	sources SourceReader,
	watermarks WatermarkReader,
	runs RunReader,
	background *Background,
) *SourceHandler {
	return &SourceHandler{
		patchTestService: patchTestService,
		sources:          sources,
		watermarks:       watermarks,
		runs:             runs,
		background:       background,
	}
}

func (h *SourceHandler) GetSources(c echo.Context) error {
	ctx := c.Request().Context()
	sources, err := h.sources.ListPatchSources(ctx)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list sources")
	}
	tracked := h.patchTestService.Sources()

	views := make([]SourceView, 0, len(sources))
	for _, ps := range sources {
		v := SourceView{
			PatchSource: *ps,
			Syncing:     h.background.Running(syncKey(ps.PatchSourceID)),
		}
		if ts, ok := tracked[ps.PatchSourceID]; ok {
			v.RepoURL, v.Ref, v.Configured = ts.RepoURL, ts.Ref, true
		}
		wm, err := h.watermarks.ReadWatermark(ctx, ps.PatchSourceID)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return newError(err, http.StatusInternalServerError, "unable to read watermark")
		}
		v.Watermark = wm
		views = append(views, v)
	}
	return c.JSON(http.StatusOK, views)
}

func (h *SourceHandler) GetSourceRuns(c echo.Context) error {
	sp := new(SourceParams)
	if err := c.Bind(sp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid source id or limit")
	}
	if sp.Limit <= 0 {
		sp.Limit = defaultRunsLimit
	}
	sp.Limit = min(sp.Limit, maxRunsLimit)

	runs, err := h.runs.ListPatchSourceRuns(c.Request().Context(), sp.PatchSourceID, sp.Limit)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list runs")
	}
	return c.JSON(http.StatusOK, runs)
}

func (h *SourceHandler) GetRun(c echo.Context) error {
	rp := new(RunParams)
	if err := c.Bind(rp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid test run id")
	}
	run, err := h.runs.ReadTestRunByID(c.Request().Context(), rp.TestRunID)
	if err != nil {
		return notFoundOr(err, "test run not found")
	}
	return c.JSON(http.StatusOK, run)
}

// PostSync starts a sync of a configured source and returns before it
// finished.
func (h *SourceHandler) PostSync(c echo.Context) error {
	sp := new(SourceParams)
	if err := c.Bind(sp); err != nil {
		return newError(err, http.StatusBadRequest, "invalid source id")
	}
	if _, ok := h.patchTestService.Sources()[sp.PatchSourceID]; !ok {
		return newError(nil, http.StatusNotFound, "source is not configured")
	}

	id := sp.PatchSourceID
	started := h.background.Go(syncKey(id), func(ctx context.Context) error {
		_, err := h.patchTestService.SyncByID(ctx, id)
		return err
	})
	if !started {
		return newError(nil, http.StatusConflict, "source is already syncing")
	}
	return c.JSON(http.StatusAccepted, map[string]int64{"patch_source_id": id})
}

func syncKey(patchSourceID int64) string {
	return fmt.Sprintf("sync %d", patchSourceID)
}
