package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haatos/patchtest/internal"
	"github.com/haatos/patchtest/internal/agent"
	"github.com/haatos/patchtest/internal/gitref"
	"github.com/haatos/patchtest/internal/jenkins"
	"github.com/haatos/patchtest/internal/patchwork"
	"github.com/haatos/patchtest/internal/report"
	"github.com/haatos/patchtest/internal/service"
	"github.com/haatos/patchtest/internal/settings"
	"github.com/haatos/patchtest/internal/store"
)

// App holds the wired stores and services of one process.
type App struct {
	Settings *settings.AppSettings
	Config   *internal.Configuration
	Logger   *slog.Logger

	Sources    *store.PatchSourceSQLiteStore
	Baselines  *store.BaselineSQLiteStore
	Patches    *store.PatchSQLiteStore
	Runs       *store.TestRunSQLiteStore
	Watermarks *store.WatermarkSQLiteStore

	Tracker          *service.RunTracker
	BaselineService  *service.BaselineService
	PatchTestService *service.PatchTestService

	rdb, rwdb *sql.DB
	closers   []func() error
}

// OpenDatabases opens the read-write pool, creating the database file,
// and then the read-only pool. The caller closes both.
func OpenDatabases(s *settings.AppSettings) (*sql.DB, *sql.DB, error) {
	rwdb, err := store.InitDatabase(s.SQLiteDbString(false), false)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	rdb, err := store.InitDatabase(s.SQLiteDbString(true), true)
	if err != nil {
		rwdb.Close()
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}
	return rdb, rwdb, nil
}

// NewApp opens the database, checks its schema and wires every service
// from the configuration.
func NewApp(ctx context.Context, s *settings.AppSettings, cfg *internal.Configuration, logger *slog.Logger) (*App, error) {
	rdb, rwdb, err := OpenDatabases(s)
	if err != nil {
		return nil, err
	}
	app := &App{
		Settings: s,
		Config:   cfg,
		Logger:   logger,
		rdb:      rdb,
		rwdb:     rwdb,
		closers:  []func() error{rwdb.Close, rdb.Close},
	}
	if err := app.wire(ctx); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) wire(ctx context.Context) error {
	if err := store.CheckSchemaVersion(ctx, a.rdb); err != nil {
		return err
	}

	a.Sources = store.NewPatchSourceSQLiteStore(a.rdb, a.rwdb)
	a.Baselines = store.NewBaselineSQLiteStore(a.rdb, a.rwdb)
	a.Patches = store.NewPatchSQLiteStore(a.rdb, a.rwdb)
	a.Runs = store.NewTestRunSQLiteStore(a.rdb, a.rwdb)
	a.Watermarks = store.NewWatermarkSQLiteStore(a.rdb, a.rwdb)

	executor, err := a.newExecutor()
	if err != nil {
		return err
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}
	a.Tracker = service.NewRunTracker(
		a.Runs,
		a.Patches,
		a.Sources,
		executor,
		a.newReportSink(httpClient),
		service.TrackerConfig{
			PoolSize:     a.Config.Tracker.PoolSize,
			PollInterval: time.Duration(a.Config.Tracker.PollInterval),
			RunTimeout:   time.Duration(a.Config.Tracker.RunTimeout),
			MaxAttempts:  a.Config.Tracker.MaxAttempts,
		},
		a.Logger,
	)
	a.BaselineService = service.NewBaselineService(
		a.Baselines,
		a.Runs,
		gitref.NewResolver(a.Config.GitPath),
		a.Tracker,
		a.Logger,
	)
	a.PatchTestService = service.NewPatchTestService(
		a.Sources,
		a.Watermarks,
		a.Patches,
		a.Runs,
		a.BaselineService,
		a.Tracker,
		time.Duration(a.Config.BaselineMaxAge),
		a.Logger,
	)

	for _, sc := range a.Config.Sources {
		ts, err := trackedSource(sc, httpClient, a.Logger)
		if err != nil {
			return err
		}
		if _, err := a.PatchTestService.Register(ctx, ts); err != nil {
			return fmt.Errorf("registering source %s: %w", ts, err)
		}
	}
	return nil
}

func (a *App) newExecutor() (service.Executor, error) {
	switch a.Config.Executor.Kind {
	case "jenkins":
		jc := a.Config.Executor.Jenkins
		return jenkins.NewClient(jenkins.Config{
			URL:               jc.URL,
			Username:          jc.Username,
			Token:             jc.Token,
			Job:               jc.Job,
			Params:            jc.Params,
			RequestsPerSecond: jc.RequestsPerSecond,
		}, nil, a.Logger), nil
	case "agent":
		ac := a.Config.Executor.Agent
		key, err := os.ReadFile(ac.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("reading agent private key: %w", err)
		}
		remote := agent.NewSSHRemote(agent.SSHConfig{
			Host:           ac.Host,
			Username:       ac.Username,
			PrivateKey:     key,
			KnownHostsPath: ac.KnownHostsPath,
		})
		a.closers = append(a.closers, remote.Close)
		return agent.NewExecutor(remote, agent.Config{
			Workspace: ac.Workspace,
			Script:    ac.Script,
			Env:       ac.Env,
			Host:      ac.Host,
		}, a.Logger), nil
	default:
		return nil, fmt.Errorf("unknown executor kind %q", a.Config.Executor.Kind)
	}
}

func (a *App) newReportSink(httpClient *http.Client) service.ReportSink {
	var sinks report.Fanout
	rc := a.Config.Report
	if rc.Log {
		sinks = append(sinks, report.NewLogSink(a.Logger))
	}

	apiKeys := make(map[string]string)
	for _, sc := range a.Config.Sources {
		if sc.APIKey != "" {
			apiKeys[sc.BaseURL] = sc.APIKey
		}
	}
	if len(apiKeys) > 0 {
		sinks = append(sinks, patchwork.NewCheckSink(httpClient, apiKeys, a.Logger))
	}

	if rc.Mail != nil {
		sinks = append(sinks, report.NewMailSink(report.MailConfig{
			Addr:         rc.Mail.Addr,
			Username:     rc.Mail.Username,
			Password:     rc.Mail.Password,
			From:         rc.Mail.From,
			To:           rc.Mail.To,
			OnlyProblems: rc.Mail.OnlyProblems,
		}))
	}
	if rc.Redis != nil {
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Redis.Addr,
			Password: rc.Redis.Password,
			DB:       rc.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		sinks = append(sinks, report.NewRedisSink(client, rc.Redis.Channel))
	}
	return sinks
}

func trackedSource(sc internal.SourceConfig, httpClient *http.Client, logger *slog.Logger) (service.TrackedSource, error) {
	patterns := sc.SkipPatterns
	if patterns == nil {
		patterns = service.DefaultSkipPatterns
	}
	filter, err := service.NewPatchFilter(patterns, sc.Filter)
	if err != nil {
		return service.TrackedSource{}, err
	}
	since, err := sc.InitialSinceTime()
	if err != nil {
		return service.TrackedSource{}, err
	}
	var initial *service.PatchCursor
	if sc.InitialPatchID != nil || since != nil {
		initial = &service.PatchCursor{ID: sc.InitialPatchID, Date: since}
	}

	return service.TrackedSource{
		Kind:          store.PatchSourceKind(sc.Kind),
		BaseURL:       sc.BaseURL,
		Project:       sc.Project,
		RepoURL:       sc.Repository,
		Ref:           sc.Ref,
		InitialCursor: initial,
		Lister: patchwork.NewClient(patchwork.Config{
			BaseURL: sc.BaseURL,
			Project: sc.Project,
			APIKey:  sc.APIKey,
		}, httpClient, logger),
		Filter: filter,
	}, nil
}

// SourceIDs maps "base_url/project" of every registered source to its id.
func (a *App) SourceIDs() map[string]int64 {
	ids := make(map[string]int64)
	for id, ts := range a.PatchTestService.Sources() {
		ids[ts.String()] = id
	}
	return ids
}

// Close waits for pending report deliveries and then releases the
// databases and executor connections.
func (a *App) Close() error {
	if a.Tracker != nil {
		a.Tracker.Wait()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
