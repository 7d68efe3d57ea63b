package store

import (
	"context"
	"time"
)

// Patch is a patch imported from a PatchSource. ID is assigned by the
// source; PatchSeq is the local import order.
type Patch struct {
	PatchSeq      int64     `db:"patch_seq"       json:"patch_seq"`
	PatchSourceID int64     `db:"patch_source_id" json:"patch_source_id"`
	ID            int64     `db:"id"              json:"id"`
	Name          string    `db:"name"            json:"name"`
	URL           string    `db:"url"             json:"url"`
	Date          time.Time `db:"date"            json:"date"`
	Skipped       bool      `db:"skipped"         json:"skipped"`
	CreatedOn     time.Time `db:"created_on"      json:"created_on"`
}

type NewPatch struct {
	ID   int64
	Name string
	URL  string
	Date time.Time
}

// RunTarget is the commit a test run is executed against.
type RunTarget struct {
	RepoURL  string
	Ref      string
	CommitID string
}

type EnqueueResult struct {
	Patch *Patch
	// Created is false when the patch had already been imported.
	Created bool
	// Run is the pending run created for a new, non-skipped patch.
	Run       *TestRun
	Watermark *Watermark
}

type PatchStore interface {
	InsertPatch(context.Context, int64, NewPatch) (*Patch, bool, error)
	EnqueuePatch(context.Context, int64, NewPatch, bool, RunTarget) (*EnqueueResult, error)
	ReadPatchBySeq(context.Context, int64) (*Patch, error)
	ReadLatestPatch(context.Context, int64) (*Patch, error)
	ListPatchesAfterSeq(context.Context, int64, int64) ([]*Patch, error)
}
