package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/haatos/patchtest/internal/store"
	"github.com/haatos/patchtest/internal/util"
)

type BaselineReader interface {
	ReadCurrentBaseline(context.Context, string, string) (*store.Baseline, error)
	ReadBaselineByProbeRunID(context.Context, int64) (*store.Baseline, error)
	ListBaselines(context.Context, string, string) ([]*store.Baseline, error)
	ListCurrentBaselines(context.Context) ([]*store.Baseline, error)
}

type ProbeStore interface {
	CreateTestRun(context.Context, *int64, store.RunTarget) (*store.TestRun, error)
	ListInFlightProbeRuns(context.Context) ([]*store.TestRun, error)
}

// RunAwaiter drives runs to a terminal state. *RunTracker implements it.
type RunAwaiter interface {
	Await(context.Context, *store.TestRun) (*store.TestRun, error)
	Reconcile(context.Context, []*store.TestRun) ([]*store.TestRun, error)
}

type BaselineService struct {
	baselines BaselineReader
	probes    ProbeStore
	resolver  RefResolver
	tracker   RunAwaiter
	logger    *slog.Logger
}

func NewBaselineService(
	baselines BaselineReader,
	probes ProbeStore,
	resolver RefResolver,
	tracker RunAwaiter,
	logger *slog.Logger,
) *BaselineService {
	return &BaselineService{
		baselines: baselines,
		probes:    probes,
		resolver:  resolver,
		tracker:   tracker,
		logger:    logger,
	}
}

// Establish probes the commit ref currently resolves to and, if the probe
// passes, makes it the current baseline of (repoURL, ref). A failing or
// errored probe returns *BaselineProbeError and leaves the current baseline
// untouched.
func (s *BaselineService) Establish(ctx context.Context, repoURL, ref string) (*store.Baseline, error) {
	commitID, err := s.resolver.ResolveRef(ctx, repoURL, ref)
	if err != nil {
		var unresolved *UnresolvedRefError
		if errors.As(err, &unresolved) {
			return nil, err
		}
		return nil, &UnresolvedRefError{RepoURL: repoURL, Ref: ref, Err: err}
	}
	logger := s.logger.With("repo_url", repoURL, "ref", ref, "commit_id", util.ShortCommit(commitID))

	probe, err := s.probes.CreateTestRun(ctx, nil, store.RunTarget{
		RepoURL:  repoURL,
		Ref:      ref,
		CommitID: commitID,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("probing baseline candidate", "test_run_id", probe.TestRunID)

	final, err := s.tracker.Await(ctx, probe)
	if err != nil {
		return nil, err
	}
	if final.State != store.StatePassed {
		logger.Warn("baseline candidate rejected", "test_run_id", final.TestRunID, "state", final.State)
		return nil, &BaselineProbeError{
			RepoURL:   repoURL,
			Ref:       ref,
			CommitID:  commitID,
			TestRunID: final.TestRunID,
			State:     final.State,
		}
	}

	b, err := s.baselines.ReadBaselineByProbeRunID(ctx, final.TestRunID)
	if err != nil {
		return nil, err
	}
	logger.Info("baseline established", "baseline_id", b.BaselineID)
	return b, nil
}

// Resume drives baseline probes left in flight by a previous process.
func (s *BaselineService) Resume(ctx context.Context) error {
	probes, err := s.probes.ListInFlightProbeRuns(ctx)
	if err != nil {
		return err
	}
	if len(probes) == 0 {
		return nil
	}
	s.logger.Info("resuming baseline probes", "count", len(probes))
	_, err = s.tracker.Reconcile(ctx, probes)
	return err
}

// CurrentBaseline returns the current baseline of (repoURL, ref). It fails
// with *NoBaselineError when there is none or, for a positive maxAge, when
// it was established longer than maxAge ago.
func (s *BaselineService) CurrentBaseline(
	ctx context.Context,
	repoURL, ref string,
	maxAge time.Duration,
) (*store.Baseline, error) {
	b, err := s.baselines.ReadCurrentBaseline(ctx, repoURL, ref)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NoBaselineError{RepoURL: repoURL, Ref: ref}
	}
	if err != nil {
		return nil, err
	}
	if maxAge > 0 && time.Since(b.EstablishedOn) > maxAge {
		return nil, &NoBaselineError{
			RepoURL:       repoURL,
			Ref:           ref,
			Stale:         true,
			EstablishedOn: &b.EstablishedOn,
		}
	}
	return b, nil
}

func (s *BaselineService) ListCurrentBaselines(ctx context.Context) ([]*store.Baseline, error) {
	return s.baselines.ListCurrentBaselines(ctx)
}

func (s *BaselineService) ListBaselineHistory(
	ctx context.Context,
	repoURL, ref string,
) ([]*store.Baseline, error) {
	return s.baselines.ListBaselines(ctx, repoURL, ref)
}
