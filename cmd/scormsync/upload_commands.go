package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"scormsync/internal/ipc"
	"scormsync/internal/logging"
	"scormsync/internal/uploads"
)

func newAddCommand(ctx *commandContext) *cobra.Command {
	var title string
	cmd := &cobra.Command{
		Use:   "add <package.zip>",
		Short: "Stage a local SCORM package and queue it for registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			absPath, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.AddUpload(absPath, title)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp.Submission)
				}
				sub := resp.Submission
				fmt.Fprintf(cmd.OutOrStdout(), "Queued %s as upload %s (course %s, %s)\n",
					filepath.Base(absPath), sub.ID, sub.CourseID, logging.FormatBytes(sub.SizeBytes))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&title, "title", "t", "", "Course title (defaults to the file name)")
	return cmd
}

func newUploadsCommand(ctx *commandContext) *cobra.Command {
	uploadsCmd := &cobra.Command{
		Use:     "uploads",
		Aliases: []string{"upload"},
		Short:   "Inspect and manage queued uploads",
	}
	uploadsCmd.AddCommand(newUploadsListCommand(ctx))
	uploadsCmd.AddCommand(newUploadsShowCommand(ctx))
	uploadsCmd.AddCommand(newUploadsRetryCommand(ctx))
	return uploadsCmd
}

func newUploadsListCommand(ctx *commandContext) *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List uploads known to the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			state = strings.TrimSpace(state)
			if state != "" && !validState(state) {
				return fmt.Errorf("unknown state %q (want one of %s)", state, strings.Join(stateNames(), ", "))
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ListUploads(state)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, emptyIfNil(resp.Items))
				}
				out := cmd.OutOrStdout()
				if len(resp.Items) == 0 {
					fmt.Fprintln(out, "No uploads found")
					return nil
				}
				fmt.Fprint(out, renderUploadTable(resp.Items, shouldColorize(out), time.Now()))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Only show uploads in this state")
	return cmd
}

func newUploadsShowCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one upload with its state history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.DescribeUpload(args[0])
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp.Submission)
				}
				renderSubmission(cmd.OutOrStdout(), resp.Submission, time.Now())
				return nil
			})
		},
	}
}

func newUploadsRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a permanently failed upload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Resubmit(args[0])
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp.Submission)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued upload %s\n", resp.Submission.ID)
				return nil
			})
		},
	}
}

func renderUploadTable(items []uploads.Submission, colorize bool, now time.Time) string {
	rows := make([][]string, 0, len(items))
	for _, sub := range items {
		rows = append(rows, []string{
			sub.ID,
			sub.Title,
			colorState(sub.State, colorize),
			fmt.Sprintf("%d/%d", sub.AttemptCount, sub.MaxRetries),
			logging.FormatBytes(sub.SizeBytes),
			formatAge(now, sub.EnqueuedAt),
		})
	}
	return renderTable([]column{
		{Header: "ID"},
		{Header: "Title", MaxWidth: 40},
		{Header: "State"},
		{Header: "Attempts", Align: alignRight},
		{Header: "Size", Align: alignRight},
		{Header: "Enqueued", Align: alignRight},
	}, rows)
}

func renderSubmission(out io.Writer, sub uploads.Submission, now time.Time) {
	colorize := shouldColorize(out)
	lines := []string{
		renderStatusLine("State", stateKind(sub.State), string(sub.State), colorize),
		renderStatusLine("Title", statusInfo, sub.Title, colorize),
		renderStatusLine("Course ID", statusInfo, sub.CourseID, colorize),
		renderStatusLine("File", statusInfo, fmt.Sprintf("%s (%s)", sub.OriginalFilename, logging.FormatBytes(sub.SizeBytes)), colorize),
		renderStatusLine("Submitted by", statusInfo, valueOrDash(sub.SubmittedBy), colorize),
		renderStatusLine("Attempts", statusInfo, fmt.Sprintf("%d of %d", sub.AttemptCount, sub.MaxRetries), colorize),
		renderStatusLine("Enqueued", statusInfo, formatAge(now, sub.EnqueuedAt), colorize),
	}
	if !sub.NextAttemptAt.IsZero() && sub.State == uploads.StateRetrying {
		lines = append(lines, renderStatusLine("Next attempt", statusWarn, formatAge(now, sub.NextAttemptAt), colorize))
	}
	if sub.LastError != "" {
		lines = append(lines, renderStatusLine("Last error", statusError, sub.LastError, colorize))
	}
	if sub.RemoteID != "" {
		lines = append(lines, renderStatusLine("Remote ID", statusOK, sub.RemoteID, colorize))
	}
	if sub.EntryURL != "" {
		lines = append(lines, renderStatusLine("Entry URL", statusOK, sub.EntryURL, colorize))
	}
	printSection(out, "Upload "+sub.ID, colorize, lines...)

	if len(sub.History) == 0 {
		return
	}
	fmt.Fprintln(out)
	rows := make([][]string, 0, len(sub.History))
	for _, tr := range sub.History {
		rows = append(rows, []string{
			tr.At.Local().Format(time.DateTime),
			colorState(tr.State, colorize),
			strconv.Itoa(tr.Attempt),
			tr.Error,
		})
	}
	fmt.Fprint(out, renderTable([]column{
		{Header: "At"},
		{Header: "State"},
		{Header: "Attempt", Align: alignRight},
		{Header: "Error", MaxWidth: 60},
	}, rows))
}

var knownStates = []uploads.State{
	uploads.StateQueued,
	uploads.StateRegistering,
	uploads.StateRetrying,
	uploads.StateRegistered,
	uploads.StatePermanentlyFailed,
}

func stateNames() []string {
	names := make([]string, len(knownStates))
	for i, s := range knownStates {
		names[i] = string(s)
	}
	return names
}

func validState(value string) bool {
	for _, s := range knownStates {
		if string(s) == value {
			return true
		}
	}
	return false
}
