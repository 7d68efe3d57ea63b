package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/haatos/patchtest/internal/service"
	"github.com/haatos/patchtest/internal/store"
)

type MockBaselineService struct {
	mock.Mock
}

func (m *MockBaselineService) ListCurrentBaselines(ctx context.Context) ([]*store.Baseline, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.Baseline), args.Error(1)
}

func (m *MockBaselineService) ListBaselineHistory(
	ctx context.Context,
	repoURL, ref string,
) ([]*store.Baseline, error) {
	args := m.Called(ctx, repoURL, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.Baseline), args.Error(1)
}

func (m *MockBaselineService) Establish(ctx context.Context, repoURL, ref string) (*store.Baseline, error) {
	args := m.Called(ctx, repoURL, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Baseline), args.Error(1)
}

type MockPatchTestService struct {
	mock.Mock
}

func (m *MockPatchTestService) Sources() map[int64]service.TrackedSource {
	args := m.Called()
	return args.Get(0).(map[int64]service.TrackedSource)
}

func (m *MockPatchTestService) SyncByID(ctx context.Context, id int64) (*service.SyncReport, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.SyncReport), args.Error(1)
}

type MockSourceReader struct {
	mock.Mock
}

func (m *MockSourceReader) ListPatchSources(ctx context.Context) ([]*store.PatchSource, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.PatchSource), args.Error(1)
}

type MockWatermarkReader struct {
	mock.Mock
}

func (m *MockWatermarkReader) ReadWatermark(ctx context.Context, id int64) (*store.Watermark, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Watermark), args.Error(1)
}

type MockRunReader struct {
	mock.Mock
}

func (m *MockRunReader) ReadTestRunByID(ctx context.Context, id int64) (*store.TestRun, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.TestRun), args.Error(1)
}

func (m *MockRunReader) ListPatchSourceRuns(
	ctx context.Context,
	patchSourceID, limit int64,
) ([]*store.TestRun, error) {
	args := m.Called(ctx, patchSourceID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.TestRun), args.Error(1)
}
