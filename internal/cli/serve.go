package cli

import (
	"context"
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"

	"github.com/haatos/patchtest/internal"
	"github.com/haatos/patchtest/internal/handler"
	"github.com/haatos/patchtest/internal/service"
)

func ServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled syncs and baseline refreshes and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			app, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			background := handler.NewBackground(app.Logger)
			background.Go("baseline resume", app.BaselineService.Resume)

			scheduler, err := newCronScheduler(ctx, app)
			if err != nil {
				return err
			}
			scheduler.Start()

			e := setupEcho(app, background)
			return internal.GracefulShutdown(e, app.Settings.Port, app.Logger,
				func() {
					if err := scheduler.Shutdown(); err != nil {
						app.Logger.Error("scheduler shutdown failed", "error", err)
					}
				},
				background.Shutdown,
				app.Tracker.Wait,
				cancel,
			)
		},
	}
}

// newCronScheduler schedules a sync of every source and a refresh of every
// repository that has a schedule configured.
func newCronScheduler(ctx context.Context, app *App) (*service.CronScheduler, error) {
	s, err := service.NewScheduler()
	if err != nil {
		return nil, err
	}
	scheduler := service.NewCronScheduler(s, app.PatchTestService, app.BaselineService, app.Logger)

	for id, ts := range app.PatchTestService.Sources() {
		sc, ok := app.Config.Source(ts.BaseURL, ts.Project)
		if !ok || sc.SyncSchedule == "" {
			continue
		}
		if _, err := scheduler.ScheduleSync(ctx, id, sc.SyncSchedule); err != nil {
			return nil, err
		}
		app.Logger.Info("sync scheduled", "source", ts.String(), "schedule", sc.SyncSchedule)
	}
	for _, rc := range app.Config.Repositories {
		if rc.RefreshSchedule == "" {
			continue
		}
		if _, err := scheduler.ScheduleBaselineRefresh(ctx, rc.URL, rc.Ref, rc.RefreshSchedule); err != nil {
			return nil, err
		}
		app.Logger.Info("baseline refresh scheduled", "repo_url", rc.URL, "ref", rc.Ref, "schedule", rc.RefreshSchedule)
	}
	return scheduler, nil
}

func setupEcho(app *App, background *handler.Background) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = handler.NewErrorHandler(app.Logger)
	e.Use(
		middleware.Recover(),
		middleware.RequestLoggerWithConfig(requestLoggerConfig(app.Logger)),
		middleware.RateLimiterWithConfig(internal.GetRateLimiterConfig()),
	)

	api := e.Group("/api")
	mutate := handler.RequireToken(app.Settings.APIToken)
	handler.SetupBaselineRoutes(api, app.BaselineService, background, app.Config.RepositoryURLs(), mutate)
	handler.SetupSourceRoutes(api, app.PatchTestService, app.Sources, app.Watermarks, app.Runs, background, mutate)

	return e
}

func requestLoggerConfig(logger *slog.Logger) middleware.RequestLoggerConfig {
	return middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
			)
			return nil
		},
	}
}
