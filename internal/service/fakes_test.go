package service

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/haatos/patchtest/internal/logging"
	"github.com/haatos/patchtest/internal/store"
)

const (
	testRepo   = "git://git.example.com/linux.git"
	testRef    = "master"
	testCommit = "c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1c1"
	testBase   = "https://patchwork.example.com"
)

var projectCounter atomic.Int64

type testStores struct {
	db         *sql.DB
	sources    *store.PatchSourceSQLiteStore
	baselines  *store.BaselineSQLiteStore
	patches    *store.PatchSQLiteStore
	runs       *store.TestRunSQLiteStore
	watermarks *store.WatermarkSQLiteStore
}

func newTestStores() *testStores {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		log.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		log.Fatal(err)
	}
	if err := store.RunMigrations(db, "migrations"); err != nil {
		log.Fatal(err)
	}
	return &testStores{
		db:         db,
		sources:    store.NewPatchSourceSQLiteStore(db, db),
		baselines:  store.NewBaselineSQLiteStore(db, db),
		patches:    store.NewPatchSQLiteStore(db, db),
		runs:       store.NewTestRunSQLiteStore(db, db),
		watermarks: store.NewWatermarkSQLiteStore(db, db),
	}
}

func (ts *testStores) Close() {
	ts.db.Close()
}

// createSourceWithPatch imports one patch and returns its pending run.
func (ts *testStores) createSourceWithPatch(id int64) (*store.PatchSource, *store.TestRun) {
	ctx := context.Background()
	ps, err := ts.sources.CreatePatchSource(
		ctx, store.KindREST, testBase, fmt.Sprintf("project-%d", projectCounter.Add(1)),
	)
	if err != nil {
		log.Fatal(err)
	}
	if _, err := ts.watermarks.InitWatermark(ctx, ps.PatchSourceID, nil, nil); err != nil {
		log.Fatal(err)
	}
	res, err := ts.patches.EnqueuePatch(ctx, ps.PatchSourceID, patchRecord(id).toNewPatch(), false, store.RunTarget{
		RepoURL:  testRepo,
		Ref:      testRef,
		CommitID: testCommit,
	})
	if err != nil {
		log.Fatal(err)
	}
	return ps, res.Run
}

type testRecord PatchRecord

func (r testRecord) toNewPatch() store.NewPatch {
	return store.NewPatch{ID: r.ID, Name: r.Name, URL: r.URL, Date: r.Date}
}

func patchRecord(id int64) testRecord {
	return testRecord{
		ID:   id,
		Name: fmt.Sprintf("[PATCH net] net: fix %d", id),
		URL:  fmt.Sprintf("%s/patch/%d/", testBase, id),
		Date: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Add(time.Duration(id) * time.Minute),
	}
}

func records(ids ...int64) []PatchRecord {
	recs := make([]PatchRecord, len(ids))
	for i, id := range ids {
		recs[i] = PatchRecord(patchRecord(id))
	}
	return recs
}

// fakeLister serves a fixed, date ordered list of patches.
type fakeLister struct {
	mu      sync.Mutex
	patches []PatchRecord
	err     error
	cursors []PatchCursor
}

func (l *fakeLister) ListPatchesSince(_ context.Context, c PatchCursor) iter.Seq2[PatchRecord, error] {
	l.mu.Lock()
	l.cursors = append(l.cursors, c)
	patches := append([]PatchRecord(nil), l.patches...)
	listErr := l.err
	l.mu.Unlock()

	return func(yield func(PatchRecord, error) bool) {
		for _, p := range patches {
			if !after(store.KindREST, p, c) {
				continue
			}
			if !yield(p, nil) {
				return
			}
		}
		if listErr != nil {
			yield(PatchRecord{}, listErr)
		}
	}
}

// fakeExecutor reports each job as running on its first poll and done on the
// second. Verdicts are taken per subject in submission order, defaulting to
// pass.
type fakeExecutor struct {
	mu        sync.Mutex
	verdicts  map[string][]Verdict
	jobs      map[string]Verdict
	polls     map[string]int
	submitted []JobSpec
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		verdicts: make(map[string][]Verdict),
		jobs:     make(map[string]Verdict),
		polls:    make(map[string]int),
	}
}

func (e *fakeExecutor) setVerdicts(subject string, vs ...Verdict) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.verdicts[subject] = vs
}

func (e *fakeExecutor) Submit(_ context.Context, spec JobSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitted = append(e.submitted, spec)
	v := VerdictPass
	if vs := e.verdicts[spec.Subject]; len(vs) > 0 {
		v, e.verdicts[spec.Subject] = vs[0], vs[1:]
	}
	handle := "job/" + spec.Token
	e.jobs[handle] = v
	return handle, nil
}

func (e *fakeExecutor) Poll(_ context.Context, handle string) (JobStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.jobs[handle]
	if !ok {
		return JobStatus{State: JobDone, Verdict: VerdictError, Message: "lost job " + handle}, nil
	}
	e.polls[handle]++
	if e.polls[handle] == 1 {
		return JobStatus{State: JobRunning}, nil
	}
	return JobStatus{
		State:     JobDone,
		Verdict:   v,
		ResultURL: "https://ci.example.com/" + strings.TrimPrefix(handle, "job/"),
	}, nil
}

func (e *fakeExecutor) submissions() []JobSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]JobSpec(nil), e.submitted...)
}

type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Submit(ctx context.Context, spec JobSpec) (string, error) {
	args := m.Called(ctx, spec)
	return args.String(0), args.Error(1)
}

func (m *MockExecutor) Poll(ctx context.Context, handle string) (JobStatus, error) {
	args := m.Called(ctx, handle)
	return args.Get(0).(JobStatus), args.Error(1)
}

func (m *MockExecutor) Cancel(ctx context.Context, handle string) error {
	args := m.Called(ctx, handle)
	return args.Error(0)
}

type MockRefResolver struct {
	mock.Mock
}

func (m *MockRefResolver) ResolveRef(ctx context.Context, repoURL, ref string) (string, error) {
	args := m.Called(ctx, repoURL, ref)
	return args.String(0), args.Error(1)
}

type recordingSink struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (s *recordingSink) Deliver(_ context.Context, o Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, o)
	return nil
}

func (s *recordingSink) delivered() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Outcome(nil), s.outcomes...)
}

func newTestTracker(ts *testStores, executor Executor, sink ReportSink, cfg TrackerConfig) *RunTracker {
	if cfg.PoolSize == 0 {
		cfg.PoolSize = 4
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	t := NewRunTracker(ts.runs, ts.patches, ts.sources, executor, sink, cfg, logging.Discard())
	t.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return t
}

// steppingClock advances by step on every reading.
func steppingClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	now := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(step)
		return now
	}
}
