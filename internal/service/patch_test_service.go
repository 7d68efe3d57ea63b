package service

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haatos/patchtest/internal/store"
)

type PatchSourceWriter interface {
	FindOrCreatePatchSource(context.Context, store.PatchSourceKind, string, string) (*store.PatchSource, error)
}

type WatermarkTracker interface {
	ReadWatermark(context.Context, int64) (*store.Watermark, error)
	InitWatermark(context.Context, int64, *int64, *time.Time) (*store.Watermark, error)
	AdvanceWatermark(context.Context, int64) (*store.Watermark, error)
}

type PatchEnqueuer interface {
	ReadLatestPatch(context.Context, int64) (*store.Patch, error)
	EnqueuePatch(context.Context, int64, store.NewPatch, bool, store.RunTarget) (*store.EnqueueResult, error)
}

type InFlightLister interface {
	ListInFlightPatchRuns(context.Context, int64) ([]*store.TestRun, error)
}

type BaselineProvider interface {
	CurrentBaseline(context.Context, string, string, time.Duration) (*store.Baseline, error)
}

// TrackedSource is a patch source together with the repository its patches
// are tested against.
type TrackedSource struct {
	Kind    store.PatchSourceKind
	BaseURL string
	Project string
	RepoURL string
	Ref     string
	// InitialCursor is where listing starts for a source that was never
	// synced before.
	InitialCursor *PatchCursor
	Lister        PatchLister
	Filter        *PatchFilter
}

func (ts TrackedSource) String() string {
	return fmt.Sprintf("%s/%s", ts.BaseURL, ts.Project)
}

type SyncReport struct {
	PatchSourceID int64            `json:"patch_source_id"`
	NewPatches    int              `json:"new_patches"`
	Skipped       int              `json:"skipped"`
	Passed        int              `json:"passed"`
	Failed        int              `json:"failed"`
	Errored       int              `json:"errored"`
	Watermark     *store.Watermark `json:"watermark"`
}

type PatchTestService struct {
	sources    PatchSourceWriter
	watermarks WatermarkTracker
	patches    PatchEnqueuer
	runs       InFlightLister
	baselines  BaselineProvider
	tracker    RunAwaiter
	maxAge     time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	syncing  map[int64]struct{}
	registry map[int64]TrackedSource
}

func NewPatchTestService(
	sources PatchSourceWriter,
	watermarks WatermarkTracker,
	patches PatchEnqueuer,
	runs InFlightLister,
	baselines BaselineProvider,
	tracker RunAwaiter,
	baselineMaxAge time.Duration,
	logger *slog.Logger,
) *PatchTestService {
	return &PatchTestService{
		sources:    sources,
		watermarks: watermarks,
		patches:    patches,
		runs:       runs,
		baselines:  baselines,
		tracker:    tracker,
		maxAge:     baselineMaxAge,
		logger:     logger,
		syncing:    make(map[int64]struct{}),
		registry:   make(map[int64]TrackedSource),
	}
}

// Register records ts so it can be synced by its patch source id.
func (s *PatchTestService) Register(ctx context.Context, ts TrackedSource) (*store.PatchSource, error) {
	ps, err := s.sources.FindOrCreatePatchSource(ctx, ts.Kind, ts.BaseURL, ts.Project)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.registry[ps.PatchSourceID] = ts
	s.mu.Unlock()
	return ps, nil
}

// Sources returns the registered sources by patch source id.
func (s *PatchTestService) Sources() map[int64]TrackedSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[int64]TrackedSource, len(s.registry))
	for id, ts := range s.registry {
		m[id] = ts
	}
	return m
}

func (s *PatchTestService) SyncByID(ctx context.Context, patchSourceID int64) (*SyncReport, error) {
	s.mu.Lock()
	ts, ok := s.registry[patchSourceID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("patch source %d: %w", patchSourceID, ErrUnknownSource)
	}
	return s.SyncAndTest(ctx, ts)
}

// SyncAndTest imports the patches published since the last sync, submits a
// test run against the current baseline for each of them and drives every
// in-flight run of the source to a verdict. Runs left behind by an earlier
// sync are resumed without importing their patches again.
func (s *PatchTestService) SyncAndTest(ctx context.Context, ts TrackedSource) (*SyncReport, error) {
	ps, err := s.sources.FindOrCreatePatchSource(ctx, ts.Kind, ts.BaseURL, ts.Project)
	if err != nil {
		return nil, err
	}
	if !s.acquire(ps.PatchSourceID) {
		return nil, fmt.Errorf("%s: %w", ts, ErrSyncInProgress)
	}
	defer s.release(ps.PatchSourceID)

	logger := s.logger.With("source", ts.String(), "patch_source_id", ps.PatchSourceID)

	wm, err := s.loadWatermark(ctx, ps.PatchSourceID, ts.InitialCursor)
	if err != nil {
		return nil, err
	}

	baseline, err := s.baselines.CurrentBaseline(ctx, ts.RepoURL, ts.Ref, s.maxAge)
	if err != nil {
		return nil, err
	}
	target := store.RunTarget{
		RepoURL:  baseline.RepoURL,
		Ref:      baseline.Ref,
		CommitID: baseline.CommitID,
	}

	cursor, err := s.cursor(ctx, ps.PatchSourceID, wm)
	if err != nil {
		return nil, err
	}

	report := &SyncReport{PatchSourceID: ps.PatchSourceID}
	if err := s.importPatches(ctx, logger, ps, ts, cursor, target, report); err != nil {
		return nil, err
	}

	inFlight, err := s.runs.ListInFlightPatchRuns(ctx, ps.PatchSourceID)
	if err != nil {
		return nil, err
	}
	var runErr error
	if len(inFlight) > 0 {
		logger.Info("driving test runs", "count", len(inFlight))
		var results []*store.TestRun
		results, runErr = s.tracker.Reconcile(ctx, inFlight)
		for _, r := range results {
			if r == nil {
				continue
			}
			switch r.State {
			case store.StatePassed:
				report.Passed++
			case store.StateFailed:
				report.Failed++
			case store.StateErrored:
				report.Errored++
			}
		}
	}

	// Verdicts recorded by an interrupted sync may not have moved the
	// watermark yet.
	report.Watermark, err = s.watermarks.AdvanceWatermark(ctx, ps.PatchSourceID)
	if err != nil {
		return nil, err
	}
	logger.Info(
		"sync finished",
		"new_patches", report.NewPatches,
		"skipped", report.Skipped,
		"passed", report.Passed,
		"failed", report.Failed,
		"errored", report.Errored,
		"last_patch_seq", report.Watermark.LastPatchSeq,
	)
	return report, runErr
}

func (s *PatchTestService) importPatches(
	ctx context.Context,
	logger *slog.Logger,
	ps *store.PatchSource,
	ts TrackedSource,
	cursor PatchCursor,
	target store.RunTarget,
	report *SyncReport,
) error {
	var prev *PatchRecord
	for rec, err := range ts.Lister.ListPatchesSince(ctx, cursor) {
		if err != nil {
			return fmt.Errorf("listing patches of %s: %w", ts, err)
		}
		if !after(ps.Kind, rec, cursor) {
			continue
		}
		if prev != nil && !precedes(ps.Kind, *prev, rec) {
			return fmt.Errorf(
				"%s: patch %d listed after patch %d: %w",
				ts, rec.ID, prev.ID, ErrUnorderedPatches,
			)
		}
		prev = &rec

		skip, err := ts.Filter.Skip(ctx, rec)
		if err != nil {
			return err
		}
		res, err := s.patches.EnqueuePatch(ctx, ps.PatchSourceID, store.NewPatch{
			ID:   rec.ID,
			Name: rec.Name,
			URL:  rec.URL,
			Date: rec.Date,
		}, skip, target)
		if err != nil {
			return fmt.Errorf("enqueueing patch %d: %w", rec.ID, err)
		}
		if !res.Created {
			continue
		}
		report.NewPatches++
		if res.Patch.Skipped {
			report.Skipped++
			logger.Info("patch skipped", "patch_id", rec.ID, "name", rec.Name)
			continue
		}
		logger.Info("patch queued", "patch_id", rec.ID, "test_run_id", res.Run.TestRunID)
	}
	return nil
}

func (s *PatchTestService) loadWatermark(
	ctx context.Context,
	patchSourceID int64,
	initial *PatchCursor,
) (*store.Watermark, error) {
	wm, err := s.watermarks.ReadWatermark(ctx, patchSourceID)
	if err == nil {
		return wm, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if initial == nil || (initial.ID == nil && initial.Date == nil) {
		return nil, ErrNoInitialCursor
	}
	return s.watermarks.InitWatermark(ctx, patchSourceID, initial.ID, initial.Date)
}

// cursor continues listing after the newest imported patch. Patches between
// the watermark and that patch are already stored and their runs are
// resumed, not imported again.
func (s *PatchTestService) cursor(
	ctx context.Context,
	patchSourceID int64,
	wm *store.Watermark,
) (PatchCursor, error) {
	latest, err := s.patches.ReadLatestPatch(ctx, patchSourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return PatchCursor{ID: wm.LastPatchID, Date: wm.LastPatchDate}, nil
	}
	if err != nil {
		return PatchCursor{}, err
	}
	return PatchCursor{ID: &latest.ID, Date: &latest.Date}, nil
}

func (s *PatchTestService) acquire(patchSourceID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.syncing[patchSourceID]; busy {
		return false
	}
	s.syncing[patchSourceID] = struct{}{}
	return true
}

func (s *PatchTestService) release(patchSourceID int64) {
	s.mu.Lock()
	delete(s.syncing, patchSourceID)
	s.mu.Unlock()
}

// after reports whether rec lies past the cursor. A date-only cursor
// includes patches published at that instant. The date of an id-only cursor
// on a date ordered source is only known to the lister, so every other
// listed patch is past it.
func after(kind store.PatchSourceKind, rec PatchRecord, c PatchCursor) bool {
	switch {
	case kind == store.KindLegacy:
		return c.ID == nil || rec.ID > *c.ID
	case c.Date == nil:
		return c.ID == nil || rec.ID != *c.ID
	case c.ID == nil:
		return !rec.Date.Before(*c.Date)
	default:
		return compareRecords(rec.Date, rec.ID, *c.Date, *c.ID) > 0
	}
}

func precedes(kind store.PatchSourceKind, a, b PatchRecord) bool {
	if kind == store.KindLegacy {
		return a.ID < b.ID
	}
	return compareRecords(a.Date, a.ID, b.Date, b.ID) < 0
}

func compareRecords(aDate time.Time, aID int64, bDate time.Time, bID int64) int {
	if c := aDate.Compare(bDate); c != 0 {
		return c
	}
	return cmp.Compare(aID, bID)
}
