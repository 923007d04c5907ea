package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"scormsync/internal/daemon"
	"scormsync/internal/ipc"
	"scormsync/internal/logging"
	"scormsync/internal/staging"
)

func newCleanupCommand(ctx *commandContext) *cobra.Command {
	var dryRun bool
	var maxAgeHours int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove orphaned files from the staging directory",
		Long: `Remove every staging file older than the orphan threshold, tracked or not.

Queued uploads are not exempt: a file removed here fails its registration
attempt, so keep --max-age-hours above the longest expected retry window.
When the daemon is running the sweep runs inside it and its tracking table is
updated; otherwise the staging directory is swept directly. Use --dry-run to
preview.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ipc.CleanupRequest{DryRun: dryRun, MaxAgeHours: maxAgeHours}

			var result daemon.CleanupResult
			client, err := ctx.dialClient()
			switch {
			case errors.Is(err, errDaemonDown):
				result, err = localCleanup(ctx, req)
				if err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				defer client.Close()
				resp, err := client.Cleanup(req)
				if err != nil {
					return err
				}
				result = resp.CleanupResult
			}

			if ctx.JSONMode() {
				result.Paths = emptyIfNil(result.Paths)
				return writeJSON(cmd, result)
			}
			out := cmd.OutOrStdout()
			verb := "Removed"
			if result.DryRun {
				verb = "Would remove"
			}
			for _, path := range result.Paths {
				fmt.Fprintf(out, "%s %s\n", verb, path)
			}
			for _, msg := range result.Errors {
				fmt.Fprintf(out, "Failed: %s\n", msg)
			}
			fmt.Fprintf(out, "%s %d orphaned file(s)\n", verb, len(result.Paths))
			if len(result.Errors) > 0 {
				return fmt.Errorf("%d file(s) could not be removed", len(result.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "List candidates without deleting them")
	cmd.Flags().IntVar(&maxAgeHours, "max-age-hours", -1, "Orphan age threshold in hours (default from config)")
	return cmd
}

func localCleanup(ctx *commandContext, req ipc.CleanupRequest) (daemon.CleanupResult, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return daemon.CleanupResult{}, err
	}
	store, err := staging.NewStore(staging.Options{Root: cfg.Paths.StagingDir, Logger: logging.NewNop()})
	if err != nil {
		return daemon.CleanupResult{}, err
	}
	maxAge := cfg.OrphanMaxAge()
	if req.MaxAgeHours >= 0 {
		maxAge = time.Duration(req.MaxAgeHours) * time.Hour
	}

	result := daemon.CleanupResult{DryRun: req.DryRun}
	if req.DryRun {
		result.Paths, err = store.Candidates(maxAge)
		return result, err
	}
	sweep := store.SweepOrphans(maxAge)
	result.Paths = sweep.Removed
	for _, e := range sweep.Errors {
		result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", e.Path, e.Error))
	}
	return result, nil
}
