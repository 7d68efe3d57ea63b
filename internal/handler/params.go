package handler

type BaselineParams struct {
	RepoURL string `json:"repo_url" query:"repo_url"`
	Ref     string `json:"ref"      query:"ref"`
}

type SourceParams struct {
	PatchSourceID int64 `param:"patch_source_id"`
	Limit         int64 `query:"limit"`
}

type RunParams struct {
	TestRunID int64 `param:"test_run_id"`
}
