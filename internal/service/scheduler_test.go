package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haatos/patchtest/internal/logging"
)

func TestCronScheduler_ScheduleSync(t *testing.T) {
	t.Run("success - sync job is registered", func(t *testing.T) {
		// arrange
		scheduler, err := NewScheduler()
		require.NoError(t, err)
		cs := NewCronScheduler(scheduler, nil, nil, logging.Discard())
		defer cs.Shutdown()

		// act
		id, err := cs.ScheduleSync(context.Background(), 1, "*/10 * * * *")

		// assert
		assert.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, id)
		assert.Len(t, scheduler.Jobs(), 1)
	})

	t.Run("failure - invalid cron expression", func(t *testing.T) {
		// arrange
		scheduler, err := NewScheduler()
		require.NoError(t, err)
		cs := NewCronScheduler(scheduler, nil, nil, logging.Discard())
		defer cs.Shutdown()

		// act
		_, err = cs.ScheduleSync(context.Background(), 1, "not a schedule")

		// assert
		assert.Error(t, err)
	})
}

func TestCronScheduler_ScheduleBaselineRefresh(t *testing.T) {
	t.Run("success - refresh job is registered", func(t *testing.T) {
		// arrange
		scheduler, err := NewScheduler()
		require.NoError(t, err)
		cs := NewCronScheduler(scheduler, nil, nil, logging.Discard())
		defer cs.Shutdown()

		// act
		id, err := cs.ScheduleBaselineRefresh(context.Background(), testRepo, testRef, "0 */6 * * *")

		// assert
		assert.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, id)
	})
}
