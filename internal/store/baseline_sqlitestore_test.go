package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"
)

type baselineSQLiteStoreSuite struct {
	baselineStore *BaselineSQLiteStore
	db            *sql.DB
	suite.Suite
}

func TestBaselineSQLiteStore(t *testing.T) {
	suite.Run(t, new(baselineSQLiteStoreSuite))
}

func (suite *baselineSQLiteStoreSuite) SetupSuite() {
	suite.db = openTestDB()
	suite.baselineStore = NewBaselineSQLiteStore(suite.db, suite.db)
}

func (suite *baselineSQLiteStoreSuite) TearDownSuite() {
	_ = suite.db.Close()
}

func (suite *baselineSQLiteStoreSuite) TestBaselineSQLiteStore_RecordBaseline() {
	suite.Run("success - first baseline has no prior commit", func() {
		// arrange
		ctx := context.Background()

		// act
		b, err := suite.baselineStore.RecordBaseline(ctx, "git://first.example.com/repo.git", "master", "aaa", nil)

		// assert
		suite.NoError(err)
		suite.True(b.IsCurrent)
		suite.Nil(b.PriorCommitID)
		suite.NotZero(b.BaselineID)
	})
	suite.Run("success - new baseline supersedes previous", func() {
		// arrange
		ctx := context.Background()
		repo := "git://second.example.com/repo.git"
		first, err := suite.baselineStore.RecordBaseline(ctx, repo, "master", "aaa", nil)
		suite.NoError(err)

		// act
		second, err := suite.baselineStore.RecordBaseline(ctx, repo, "master", "bbb", nil)

		// assert
		suite.NoError(err)
		suite.Equal("aaa", *second.PriorCommitID)
		current, err := suite.baselineStore.ReadCurrentBaseline(ctx, repo, "master")
		suite.NoError(err)
		suite.Equal(second.BaselineID, current.BaselineID)
		history, err := suite.baselineStore.ListBaselines(ctx, repo, "master")
		suite.NoError(err)
		suite.Len(history, 2)
		suite.Equal(second.BaselineID, history[0].BaselineID)
		suite.Equal(first.BaselineID, history[1].BaselineID)
		suite.False(history[1].IsCurrent)
	})
	suite.Run("success - refs are tracked independently", func() {
		// arrange
		ctx := context.Background()
		repo := "git://third.example.com/repo.git"
		_, err := suite.baselineStore.RecordBaseline(ctx, repo, "master", "aaa", nil)
		suite.NoError(err)

		// act
		b, err := suite.baselineStore.RecordBaseline(ctx, repo, "stable", "ccc", nil)

		// assert
		suite.NoError(err)
		suite.Nil(b.PriorCommitID)
		master, err := suite.baselineStore.ReadCurrentBaseline(ctx, repo, "master")
		suite.NoError(err)
		suite.Equal("aaa", master.CommitID)
	})
}

func (suite *baselineSQLiteStoreSuite) TestBaselineSQLiteStore_ReadCurrentBaseline() {
	suite.Run("failure - no baseline", func() {
		// act
		b, err := suite.baselineStore.ReadCurrentBaseline(
			context.Background(), "git://none.example.com/repo.git", "master",
		)

		// assert
		suite.True(errors.Is(err, sql.ErrNoRows))
		suite.Nil(b)
	})
}

func (suite *baselineSQLiteStoreSuite) TestBaselineSQLiteStore_ListCurrentBaselines() {
	suite.Run("success - only current rows are listed", func() {
		// arrange
		ctx := context.Background()
		repo := "git://current.example.com/repo.git"
		_, err := suite.baselineStore.RecordBaseline(ctx, repo, "master", "old", nil)
		suite.NoError(err)
		_, err = suite.baselineStore.RecordBaseline(ctx, repo, "master", "new", nil)
		suite.NoError(err)

		// act
		baselines, err := suite.baselineStore.ListCurrentBaselines(ctx)

		// assert
		suite.NoError(err)
		commits := make([]string, 0)
		for _, b := range baselines {
			suite.True(b.IsCurrent)
			if b.RepoURL == repo {
				commits = append(commits, b.CommitID)
			}
		}
		suite.Equal([]string{"new"}, commits)
	})
}
