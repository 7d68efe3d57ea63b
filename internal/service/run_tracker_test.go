package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haatos/patchtest/internal/store"
	"github.com/haatos/patchtest/internal/util"
)

func TestRunTracker_Await(t *testing.T) {
	t.Run("success - run passes and is reported", func(t *testing.T) {
		// arrange
		ts := newTestStores()
		defer ts.Close()
		ps, run := ts.createSourceWithPatch(101)
		executor := newFakeExecutor()
		sink := new(recordingSink)
		tracker := newTestTracker(ts, executor, sink, TrackerConfig{})

		// act
		final, err := tracker.Await(context.Background(), run)
		tracker.Wait()

		// assert
		require.NoError(t, err)
		assert.Equal(t, store.StatePassed, final.State)
		stored, err := ts.runs.ReadTestRunByID(context.Background(), run.TestRunID)
		require.NoError(t, err)
		assert.Equal(t, store.StatePassed, stored.State)
		assert.Equal(t, "job/"+run.Token, util.Deref(stored.JobHandle))
		assert.NotNil(t, stored.SubmittedOn)
		assert.NotNil(t, stored.StartedOn)
		assert.NotNil(t, stored.EndedOn)
		assert.NotNil(t, stored.ResultURL)

		specs := executor.submissions()
		require.Len(t, specs, 1)
		assert.Equal(t, run.Token, specs[0].Token)
		assert.Equal(t, testCommit, specs[0].CommitID)
		assert.Equal(t, []string{patchRecord(101).URL}, specs[0].PatchURLs)

		outcomes := sink.delivered()
		require.Len(t, outcomes, 1)
		assert.Equal(t, run.TestRunID, outcomes[0].Run.TestRunID)
		require.NotNil(t, outcomes[0].Patch)
		assert.Equal(t, int64(101), outcomes[0].Patch.ID)
		require.NotNil(t, outcomes[0].Source)
		assert.Equal(t, ps.PatchSourceID, outcomes[0].Source.PatchSourceID)

		wm, err := ts.watermarks.ReadWatermark(context.Background(), ps.PatchSourceID)
		require.NoError(t, err)
		assert.Equal(t, int64(101), util.Deref(wm.LastPatchID))
	})

	t.Run("success - failing verdict is recorded without retry", func(t *testing.T) {
		// arrange
		ts := newTestStores()
		defer ts.Close()
		_, run := ts.createSourceWithPatch(102)
		executor := newFakeExecutor()
		executor.setVerdicts(patchRecord(102).Name, VerdictFail)
		tracker := newTestTracker(ts, executor, nil, TrackerConfig{})

		// act
		final, err := tracker.Await(context.Background(), run)

		// assert
		require.NoError(t, err)
		assert.Equal(t, store.StateFailed, final.State)
		assert.Equal(t, int64(1), final.Attempt)
		assert.Len(t, executor.submissions(), 1)
	})

	t.Run("success - errored run is resubmitted until it passes", func(t *testing.T) {
		// arrange
		ts := newTestStores()
		defer ts.Close()
		_, run := ts.createSourceWithPatch(103)
		executor := newFakeExecutor()
		executor.setVerdicts(patchRecord(103).Name, VerdictError, VerdictPass)
		tracker := newTestTracker(ts, executor, nil, TrackerConfig{MaxAttempts: 3})

		// act
		final, err := tracker.Await(context.Background(), run)

		// assert
		require.NoError(t, err)
		assert.Equal(t, store.StatePassed, final.State)
		assert.Equal(t, int64(2), final.Attempt)
		assert.Equal(t, run.TestRunID, util.Deref(final.RetryOf))
		first, err := ts.runs.ReadTestRunByID(context.Background(), run.TestRunID)
		require.NoError(t, err)
		assert.Equal(t, store.StateErrored, first.State)
	})

	t.Run("success - submission failures are retried up to the attempt bound", func(t *testing.T) {
		// arrange
		ts := newTestStores()
		defer ts.Close()
		ps, run := ts.createSourceWithPatch(104)
		executor := new(MockExecutor)
		executor.On("Submit", mock.Anything, mock.Anything).
			Return("", &SubmissionError{Reason: "executor unreachable"})
		sink := new(recordingSink)
		tracker := newTestTracker(ts, executor, sink, TrackerConfig{MaxAttempts: 3})

		// act
		final, err := tracker.Await(context.Background(), run)
		tracker.Wait()

		// assert
		require.NoError(t, err)
		assert.Equal(t, store.StateErrored, final.State)
		assert.Equal(t, int64(3), final.Attempt)
		assert.Contains(t, util.Deref(final.Error), "executor unreachable")
		executor.AssertNumberOfCalls(t, "Submit", 3)
		executor.AssertNotCalled(t, "Poll", mock.Anything, mock.Anything)
		assert.Len(t, sink.delivered(), 1)

		wm, err := ts.watermarks.ReadWatermark(context.Background(), ps.PatchSourceID)
		require.NoError(t, err)
		assert.Equal(t, int64(104), util.Deref(wm.LastPatchID))
	})

	t.Run("success - run without result is timed out and cancelled", func(t *testing.T) {
		// arrange
		ts := newTestStores()
		defer ts.Close()
		_, run := ts.createSourceWithPatch(105)
		executor := new(MockExecutor)
		executor.On("Submit", mock.Anything, mock.Anything).Return("queue/7", nil)
		executor.On("Poll", mock.Anything, "queue/7").Return(JobStatus{State: JobQueued}, nil)
		executor.On("Cancel", mock.Anything, "queue/7").Return(nil)
		tracker := newTestTracker(ts, executor, nil, TrackerConfig{
			RunTimeout:  90 * time.Second,
			MaxAttempts: 1,
		})
		tracker.now = steppingClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), time.Minute)

		// act
		final, err := tracker.Await(context.Background(), run)

		// assert
		require.NoError(t, err)
		assert.Equal(t, store.StateErrored, final.State)
		assert.Contains(t, util.Deref(final.Error), "no result within")
		executor.AssertCalled(t, "Cancel", mock.Anything, "queue/7")
	})

	t.Run("success - moved job handle is persisted", func(t *testing.T) {
		// arrange
		ts := newTestStores()
		defer ts.Close()
		_, run := ts.createSourceWithPatch(106)
		executor := new(MockExecutor)
		executor.On("Submit", mock.Anything, mock.Anything).Return("queue/8", nil)
		executor.On("Poll", mock.Anything, "queue/8").
			Return(JobStatus{State: JobRunning, Handle: "build/42"}, nil).Once()
		executor.On("Poll", mock.Anything, "build/42").
			Return(JobStatus{State: JobDone, Verdict: VerdictPass, ResultURL: "https://ci.example.com/42"}, nil)
		tracker := newTestTracker(ts, executor, nil, TrackerConfig{})

		// act
		final, err := tracker.Await(context.Background(), run)

		// assert
		require.NoError(t, err)
		assert.Equal(t, store.StatePassed, final.State)
		stored, err := ts.runs.ReadTestRunByID(context.Background(), run.TestRunID)
		require.NoError(t, err)
		assert.Equal(t, "build/42", util.Deref(stored.JobHandle))
		assert.Equal(t, "https://ci.example.com/42", util.Deref(stored.ResultURL))
	})

	t.Run("success - submitted run is resumed without resubmission", func(t *testing.T) {
		// arrange
		ts := newTestStores()
		defer ts.Close()
		_, run := ts.createSourceWithPatch(107)
		require.NoError(t, ts.runs.MarkSubmitted(context.Background(), run.TestRunID, "build/9", time.Now().UTC()))
		resumed, err := ts.runs.ReadTestRunByID(context.Background(), run.TestRunID)
		require.NoError(t, err)
		executor := new(MockExecutor)
		executor.On("Poll", mock.Anything, "build/9").
			Return(JobStatus{State: JobDone, Verdict: VerdictFail}, nil)
		tracker := newTestTracker(ts, executor, nil, TrackerConfig{})

		// act
		final, err := tracker.Await(context.Background(), resumed)

		// assert
		require.NoError(t, err)
		assert.Equal(t, store.StateFailed, final.State)
		executor.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	})

	t.Run("success - stale copy of a finished run returns the stored verdict", func(t *testing.T) {
		// arrange
		ts := newTestStores()
		defer ts.Close()
		_, run := ts.createSourceWithPatch(108)
		_, err := ts.runs.FinalizeRun(context.Background(), run.TestRunID, store.RunResult{
			State: store.StatePassed,
		}, 3)
		require.NoError(t, err)
		executor := new(MockExecutor)
		tracker := newTestTracker(ts, executor, nil, TrackerConfig{})

		// act
		final, err := tracker.Await(context.Background(), run)

		// assert
		require.NoError(t, err)
		assert.Equal(t, store.StatePassed, final.State)
		executor.AssertNotCalled(t, "Submit", mock.Anything, mock.Anything)
	})

	t.Run("failure - cancelled context stops polling", func(t *testing.T) {
		// arrange
		ts := newTestStores()
		defer ts.Close()
		_, run := ts.createSourceWithPatch(109)
		executor := new(MockExecutor)
		executor.On("Submit", mock.Anything, mock.Anything).Return("queue/10", nil)
		ctx, cancel := context.WithCancel(context.Background())
		executor.On("Poll", mock.Anything, "queue/10").
			Run(func(mock.Arguments) { cancel() }).
			Return(JobStatus{State: JobQueued}, nil)
		tracker := newTestTracker(ts, executor, nil, TrackerConfig{})

		// act
		_, err := tracker.Await(ctx, run)

		// assert
		assert.ErrorIs(t, err, context.Canceled)
		stored, err := ts.runs.ReadTestRunByID(context.Background(), run.TestRunID)
		require.NoError(t, err)
		assert.Equal(t, store.StateSubmitted, stored.State)
	})
}

func TestRunTracker_Reconcile(t *testing.T) {
	t.Run("success - every run reaches a terminal state", func(t *testing.T) {
		// arrange
		ts := newTestStores()
		defer ts.Close()
		var runs []*store.TestRun
		for id := int64(201); id <= 205; id++ {
			_, run := ts.createSourceWithPatch(id)
			runs = append(runs, run)
		}
		executor := newFakeExecutor()
		executor.setVerdicts(patchRecord(203).Name, VerdictFail)
		tracker := newTestTracker(ts, executor, nil, TrackerConfig{PoolSize: 2})

		// act
		results, err := tracker.Reconcile(context.Background(), runs)

		// assert
		require.NoError(t, err)
		require.Len(t, results, len(runs))
		for i, r := range results {
			require.NotNil(t, r)
			assert.True(t, r.State.Terminal())
			if i == 2 {
				assert.Equal(t, store.StateFailed, r.State)
			} else {
				assert.Equal(t, store.StatePassed, r.State)
			}
		}
		assert.Len(t, executor.submissions(), len(runs))
	})

	t.Run("success - errored run with a pending retry is followed", func(t *testing.T) {
		// arrange
		ts := newTestStores()
		defer ts.Close()
		_, run := ts.createSourceWithPatch(206)
		fr, err := ts.runs.FinalizeRun(context.Background(), run.TestRunID, store.RunResult{
			State: store.StateErrored,
			Error: util.AsPtr("agent lost"),
		}, 3)
		require.NoError(t, err)
		require.NotNil(t, fr.Retry)
		executor := newFakeExecutor()
		tracker := newTestTracker(ts, executor, nil, TrackerConfig{})

		// act
		results, err := tracker.Reconcile(context.Background(), []*store.TestRun{fr.Run})

		// assert
		require.NoError(t, err)
		assert.Equal(t, fr.Retry.TestRunID, results[0].TestRunID)
		assert.Equal(t, store.StatePassed, results[0].State)
	})
}
