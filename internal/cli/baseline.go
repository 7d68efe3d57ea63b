package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/haatos/patchtest/internal/util"
)

func BaselineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "baseline <repo-url> <ref>",
		Short: "Test the head of a reference and make it the baseline if it passes",
		Long: `Resolve <ref> of <repo-url> to a commit, test it without patches and,
if the test passes, record the commit as the current baseline. A failing
commit leaves the previous baseline in place.

Examples:
  patchtest baseline git://git.kernel.org/pub/scm/linux/kernel/git/netdev/net-next.git main`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			app, err := openApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			if err := app.BaselineService.Resume(ctx); err != nil {
				app.Logger.Warn("resuming baseline probes failed", "error", err)
			}
			b, err := app.BaselineService.Establish(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "baseline of %s %s is %s\n", b.RepoURL, b.Ref, util.ShortCommit(b.CommitID))
			return nil
		},
	}
}
