package store

import (
	"context"
	"time"
)

type PatchSourceKind string

const (
	// KindLegacy feeds are ordered by numeric patch id.
	KindLegacy PatchSourceKind = "v1"
	// KindREST feeds are ordered by patch date, then id.
	KindREST PatchSourceKind = "v2"
)

func (k PatchSourceKind) Valid() bool {
	return k == KindLegacy || k == KindREST
}

type PatchSource struct {
	PatchSourceID int64           `db:"patch_source_id" json:"patch_source_id"`
	Kind          PatchSourceKind `db:"kind"            json:"kind"`
	BaseURL       string          `db:"base_url"        json:"base_url"`
	Project       string          `db:"project"         json:"project"`
	CreatedOn     time.Time       `db:"created_on"      json:"created_on"`
}

type PatchSourceStore interface {
	CreatePatchSource(context.Context, PatchSourceKind, string, string) (*PatchSource, error)
	FindPatchSource(context.Context, PatchSourceKind, string, string) (*PatchSource, error)
	FindOrCreatePatchSource(context.Context, PatchSourceKind, string, string) (*PatchSource, error)
	ReadPatchSourceByID(context.Context, int64) (*PatchSource, error)
	ListPatchSources(context.Context) ([]*PatchSource, error)
}
