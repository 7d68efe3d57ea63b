// Package report delivers the outcome of finished test runs.
package report

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haatos/patchtest/internal/service"
	"github.com/haatos/patchtest/internal/util"
)

// Fanout delivers an outcome to every sink and joins their errors.
type Fanout []service.ReportSink

func (f Fanout) Deliver(ctx context.Context, o service.Outcome) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Deliver(ctx, o); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Deliver(_ context.Context, o service.Outcome) error {
	attrs := []any{
		"test_run_id", o.Run.TestRunID,
		"state", o.Run.State,
		"attempt", o.Run.Attempt,
		"commit_id", util.ShortCommit(o.Run.CommitID),
	}
	if o.Run.ResultURL != nil {
		attrs = append(attrs, "result_url", *o.Run.ResultURL)
	}
	if o.Patch != nil {
		attrs = append(attrs, "patch_id", o.Patch.ID, "name", o.Patch.Name)
	}
	s.logger.Info("test run reported", attrs...)
	return nil
}

// Message is the serialized form of an outcome.
type Message struct {
	TestRunID int64      `json:"test_run_id"`
	State     string     `json:"state"`
	Attempt   int64      `json:"attempt"`
	RepoURL   string     `json:"repo_url"`
	Ref       string     `json:"ref"`
	CommitID  string     `json:"commit_id"`
	ResultURL string     `json:"result_url,omitempty"`
	Error     string     `json:"error,omitempty"`
	EndedOn   *time.Time `json:"ended_on,omitempty"`
	Probe     bool       `json:"probe"`
	PatchID   int64      `json:"patch_id,omitempty"`
	PatchName string     `json:"patch_name,omitempty"`
	PatchURL  string     `json:"patch_url,omitempty"`
	Source    string     `json:"source,omitempty"`
}

func NewMessage(o service.Outcome) Message {
	m := Message{
		TestRunID: o.Run.TestRunID,
		State:     string(o.Run.State),
		Attempt:   o.Run.Attempt,
		RepoURL:   o.Run.RepoURL,
		Ref:       o.Run.Ref,
		CommitID:  o.Run.CommitID,
		ResultURL: util.Deref(o.Run.ResultURL),
		Error:     util.Deref(o.Run.Error),
		EndedOn:   o.Run.EndedOn,
		Probe:     o.Run.IsProbe(),
	}
	if o.Patch != nil {
		m.PatchID = o.Patch.ID
		m.PatchName = o.Patch.Name
		m.PatchURL = o.Patch.URL
	}
	if o.Source != nil {
		m.Source = fmt.Sprintf("%s/%s", o.Source.BaseURL, o.Source.Project)
	}
	return m
}
