package store

import (
	"context"
	"time"
)

// Watermark marks the last patch of a source such that every patch up to
// and including it has a terminal verdict recorded or was skipped.
type Watermark struct {
	PatchSourceID int64      `db:"patch_source_id" json:"patch_source_id"`
	LastPatchSeq  int64      `db:"last_patch_seq"  json:"last_patch_seq"`
	LastPatchID   *int64     `db:"last_patch_id"   json:"last_patch_id,omitempty"`
	LastPatchDate *time.Time `db:"last_patch_date" json:"last_patch_date,omitempty"`
	Version       int64      `db:"version"         json:"version"`
	UpdatedOn     time.Time  `db:"updated_on"      json:"updated_on"`
}

type WatermarkStore interface {
	ReadWatermark(context.Context, int64) (*Watermark, error)
	InitWatermark(context.Context, int64, *int64, *time.Time) (*Watermark, error)
	AdvanceWatermark(context.Context, int64) (*Watermark, error)
	CompareAndSetWatermark(context.Context, *Watermark) error
}
