package main

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/spf13/cobra"

	"scormsync/internal/ipc"
	"scormsync/internal/progress"
)

func newDiagnoseCommand(ctx *commandContext) *cobra.Command {
	var req ipc.DiagnoseRequest

	cmd := &cobra.Command{
		Use:   "diagnose",
		Short: "Scan learner progress for drift against registration records",
		Long: `Scan learner progress records and compare them with the content host's
registration status and the completion fields inside progress data.

Without --fix-mismatches the scan only reports. With it, records are marked
completed and missing completion timestamps are filled in.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.TopicID < 0 || req.Limit < 0 {
				return fmt.Errorf("--topic-id and --limit must not be negative")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Diagnose(req)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp.Result)
				}
				renderScanResult(cmd, resp.Result, req.Fix)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&req.TopicID, "topic-id", 0, "Only scan records for this content package")
	cmd.Flags().StringVar(&req.LearnerID, "learner", "", "Only scan records for this learner")
	cmd.Flags().BoolVar(&req.Fix, "fix-mismatches", false, "Apply fixes instead of only reporting")
	cmd.Flags().IntVar(&req.Limit, "limit", 0, "Maximum number of records to scan (0 scans all)")
	return cmd
}

func renderScanResult(cmd *cobra.Command, result progress.ScanResult, fixed bool) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Scanned %d progress record(s), found %d issue(s)\n", result.Count, result.IssuesFound)
	if len(result.ByKind) > 0 {
		kinds := make([]string, 0, len(result.ByKind))
		for kind := range result.ByKind {
			kinds = append(kinds, string(kind))
		}
		slices.Sort(kinds)
		rows := make([][]string, 0, len(kinds))
		for _, kind := range kinds {
			rows = append(rows, []string{kind, strconv.Itoa(result.ByKind[progress.IssueKind(kind)])})
		}
		fmt.Fprint(out, renderTable([]column{{Header: "Issue"}, {Header: "Count", Align: alignRight}}, rows))
	}
	if fixed {
		fmt.Fprintf(out, "Fixed %d issue(s) across %d record(s)\n", result.IssuesFixed, result.Updated)
	} else if result.IssuesFound > 0 {
		fmt.Fprintln(out, "Run again with --fix-mismatches to apply fixes")
	}
	if result.Failures > 0 {
		fmt.Fprintf(out, "%d record(s) failed to update; see the daemon log\n", result.Failures)
	}
}
