package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/haatos/patchtest/internal/store"
)

type BaselineServicer interface {
	ListCurrentBaselines(context.Context) ([]*store.Baseline, error)
	ListBaselineHistory(context.Context, string, string) ([]*store.Baseline, error)
	Establish(context.Context, string, string) (*store.Baseline, error)
}

func SetupBaselineRoutes(
	g *echo.Group,
	baselineService BaselineServicer,
	background *Background,
	repositories []string,
	mutate echo.MiddlewareFunc,
) {
	h := NewBaselineHandler(baselineService, background, repositories)
	baselinesGroup := g.Group("/baselines")
	baselinesGroup.GET("", h.GetBaselines)
	baselinesGroup.GET("/history", h.GetBaselineHistory)
	baselinesGroup.POST("", h.PostBaseline, mutate)
}

type BaselineHandler struct {
	baselineService BaselineServicer
	background      *Background
	repositories    map[string]struct{}
}

// NewBaselineHandler returns a handler that establishes baselines only for
// the given repositories.
func NewBaselineHandler(baselineService BaselineServicer, background *Background, repositories []string) *BaselineHandler {
	known := make(map[string]struct{}, len(repositories))
	for _, url := range repositories {
		known[url] = struct{}{}
	}
	return &BaselineHandler{baselineService: baselineService, background: background, repositories: known}
}

func (h *BaselineHandler) GetBaselines(c echo.Context) error {
	baselines, err := h.baselineService.ListCurrentBaselines(c.Request().Context())
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list baselines")
	}
	return c.JSON(http.StatusOK, baselines)
}

func (h *BaselineHandler) GetBaselineHistory(c echo.Context) error {
	bp := new(BaselineParams)
	if err := c.Bind(bp); err != nil || bp.RepoURL == "" || bp.Ref == "" {
		return newError(err, http.StatusBadRequest, "repo_url and ref are required")
	}
	baselines, err := h.baselineService.ListBaselineHistory(c.Request().Context(), bp.RepoURL, bp.Ref)
	if err != nil {
		return newError(err, http.StatusInternalServerError, "unable to list baselines")
	}
	return c.JSON(http.StatusOK, baselines)
}

// PostBaseline starts establishing a baseline and returns before the probe
// finished.
func (h *BaselineHandler) PostBaseline(c echo.Context) error {
	bp := new(BaselineParams)
	if err := c.Bind(bp); err != nil || bp.RepoURL == "" || bp.Ref == "" {
		return newError(err, http.StatusBadRequest, "repo_url and ref are required")
	}
	if _, ok := h.repositories[bp.RepoURL]; !ok {
		return newError(nil, http.StatusForbidden, "repository is not configured")
	}

	started := h.background.Go("baseline "+bp.RepoURL+" "+bp.Ref, func(ctx context.Context) error {
		_, err := h.baselineService.Establish(ctx, bp.RepoURL, bp.Ref)
		return err
	})
	if !started {
		return newError(nil, http.StatusConflict, "baseline is already being established")
	}
	return c.JSON(http.StatusAccepted, bp)
}
