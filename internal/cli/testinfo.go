package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/haatos/patchtest/internal/store"
	"github.com/haatos/patchtest/internal/util"
)

type testInfoReader interface {
	ListCurrentBaselines(context.Context) ([]*store.Baseline, error)
	ListBaselines(context.Context, string, string) ([]*store.Baseline, error)
	ListPatchSources(context.Context) ([]*store.PatchSource, error)
	ReadWatermark(context.Context, int64) (*store.Watermark, error)
	ListPatchSourceRuns(context.Context, int64, int64) ([]*store.TestRun, error)
}

// appInfoReader joins the stores testinfo reads from.
type appInfoReader struct {
	*store.BaselineSQLiteStore
	*store.PatchSourceSQLiteStore
	*store.WatermarkSQLiteStore
	*store.TestRunSQLiteStore
}

func TestInfoCmd() *cobra.Command {
	var history bool
	var runs int64

	cmd := &cobra.Command{
		Use:   "testinfo",
		Short: "Show baselines, sources and recent verdicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			r := appInfoReader{app.Baselines, app.Sources, app.Watermarks, app.Runs}
			return printTestInfo(cmd.Context(), cmd.OutOrStdout(), r, history, runs)
		},
	}

	cmd.Flags().BoolVar(&history, "history", false, "include superseded baselines")
	cmd.Flags().Int64Var(&runs, "runs", 5, "recent runs to show per source")

	return cmd
}

func printTestInfo(ctx context.Context, w io.Writer, r testInfoReader, history bool, runs int64) error {
	baselines, err := r.ListCurrentBaselines(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(w, color.New(color.Bold).Sprint("Baselines"))
	if len(baselines) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, b := range baselines {
		fmt.Fprintf(w, "  %s %s  %s  %s\n",
			b.RepoURL, b.Ref,
			color.New(color.FgGreen).Sprint(util.ShortCommit(b.CommitID)),
			b.EstablishedOn.Format(time.DateTime))
		if !history {
			continue
		}
		all, err := r.ListBaselines(ctx, b.RepoURL, b.Ref)
		if err != nil {
			return err
		}
		for _, old := range all {
			if old.IsCurrent {
				continue
			}
			fmt.Fprintf(w, "    %s  %s\n", util.ShortCommit(old.CommitID), old.EstablishedOn.Format(time.DateTime))
		}
	}

	sources, err := r.ListPatchSources(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, color.New(color.Bold).Sprint("Sources"))
	if len(sources) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, ps := range sources {
		fmt.Fprintf(w, "  %s/%s  %s\n", ps.BaseURL, ps.Project, watermarkText(ctx, r, ps.PatchSourceID))
		if runs <= 0 {
			continue
		}
		recent, err := r.ListPatchSourceRuns(ctx, ps.PatchSourceID, runs)
		if err != nil {
			return err
		}
		for _, run := range recent {
			fmt.Fprintf(w, "    #%d  %s  %s\n", run.TestRunID, stateText(run.State), util.ShortCommit(run.CommitID))
		}
	}
	return nil
}

func watermarkText(ctx context.Context, r testInfoReader, patchSourceID int64) string {
	wm, err := r.ReadWatermark(ctx, patchSourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return color.New(color.FgYellow).Sprint("never synced")
	}
	if err != nil {
		return color.New(color.FgRed).Sprintf("watermark unreadable: %v", err)
	}
	if wm.LastPatchID == nil {
		return fmt.Sprintf("watermark at seq %d", wm.LastPatchSeq)
	}
	return fmt.Sprintf("tested up to patch %d", *wm.LastPatchID)
}

func stateText(state store.RunState) string {
	switch state {
	case store.StatePassed:
		return color.New(color.FgGreen).Sprintf("%-9s", state)
	case store.StateFailed:
		return color.New(color.FgRed).Sprintf("%-9s", state)
	case store.StateErrored:
		return color.New(color.FgMagenta).Sprintf("%-9s", state)
	default:
		return color.New(color.FgYellow).Sprintf("%-9s", state)
	}
}
