package cli

import (
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/haatos/patchtest/internal/service"
)

func SyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync [base-url/project...]",
		Short: "Import and test new patches of the configured sources",
		Long: `Import the patches published since the last sync of each source, test
them against the current baseline and wait for their verdicts. Without
arguments every configured source is synced.

Examples:
  patchtest sync
  patchtest sync https://patchwork.kernel.org/netdevbpf`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			app, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			ids, err := selectSources(app.SourceIDs(), args)
			if err != nil {
				return err
			}

			var errs []error
			for _, id := range ids {
				report, err := app.PatchTestService.SyncByID(ctx, id)
				if report != nil {
					printSyncReport(cmd.OutOrStdout(), app.PatchTestService.Sources()[id], report)
				}
				if err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
}

// selectSources returns the ids of the named sources, or of all sources
// when names is empty.
func selectSources(byName map[string]int64, names []string) ([]int64, error) {
	if len(names) == 0 {
		return slices.Sorted(maps.Values(byName)), nil
	}
	ids := make([]int64, 0, len(names))
	for _, name := range names {
		id, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", service.ErrUnknownSource, name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func printSyncReport(w io.Writer, ts service.TrackedSource, r *service.SyncReport) {
	fmt.Fprintf(w, "%s: %d new, %d skipped, %d passed, %d failed, %d errored",
		ts, r.NewPatches, r.Skipped, r.Passed, r.Failed, r.Errored)
	if r.Watermark != nil && r.Watermark.LastPatchID != nil {
		fmt.Fprintf(w, ", tested up to patch %d", *r.Watermark.LastPatchID)
	}
	fmt.Fprintln(w)
}
