package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"scormsync/internal/daemon"
	"scormsync/internal/ipc"
	"scormsync/internal/logging"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon, upload worker, and staging status",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dialClient()
			if errors.Is(err, errDaemonDown) {
				if ctx.JSONMode() {
					return writeJSON(cmd, map[string]any{"running": false})
				}
				out := cmd.OutOrStdout()
				printSection(out, "Daemon", shouldColorize(out),
					renderStatusLine("scormsync", statusError, "Not running", shouldColorize(out)))
				return nil
			}
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Status()
			if err != nil {
				return err
			}
			if ctx.JSONMode() {
				return writeJSON(cmd, resp.Status)
			}
			renderStatus(cmd.OutOrStdout(), resp.Status, time.Now())
			return nil
		},
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the upload worker in the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Start()
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintln(cmd.OutOrStdout(), capitalize(resp.Message))
				return nil
			})
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the upload worker (queued uploads are kept)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Stop()
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if !resp.Joined {
					fmt.Fprintln(out, "Upload worker did not exit in time and was abandoned")
					return nil
				}
				fmt.Fprintln(out, "Upload worker stopped")
				return nil
			})
		},
	}

	var force bool
	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the upload worker",
		Long: `Restart the upload worker.

With --force the worker is restarted even when it is still heartbeating; an
upload in flight is canceled and requeued at the head of the queue.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Restart(force)
				if err != nil {
					return err
				}
				if ctx.JSONMode() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if resp.Message != "" && !resp.Started {
					return errors.New(resp.Message)
				}
				if !resp.Joined {
					fmt.Fprintln(out, "Previous worker did not exit in time and was abandoned")
				}
				fmt.Fprintln(out, "Upload worker restarted")
				return nil
			})
		},
	}
	restartCmd.Flags().BoolVar(&force, "force", false, "Restart even if the worker appears healthy")

	return []*cobra.Command{statusCmd, startCmd, stopCmd, restartCmd}
}

func renderStatus(out io.Writer, status daemon.Status, now time.Time) {
	colorize := shouldColorize(out)

	daemonKind, daemonText := statusOK, "Running"
	if !status.Running {
		daemonKind, daemonText = statusWarn, "Not started"
	}
	printSection(out, "Daemon", colorize,
		renderStatusLine("scormsync", daemonKind, fmt.Sprintf("%s (pid %d)", daemonText, status.PID), colorize),
		renderStatusLine("Database", statusInfo, status.DatabasePath, colorize),
		renderStatusLine("Progress backend", statusInfo, status.ProgressBackend, colorize),
		renderStatusLine("Lock file", statusInfo, status.LockFilePath, colorize),
	)
	fmt.Fprintln(out)

	up := status.Uploads
	workerKind, workerText := statusOK, "Alive"
	switch {
	case !up.WorkerRunning:
		workerKind, workerText = statusError, "Stopped"
	case !up.WorkerAlive:
		workerKind, workerText = statusWarn, "Stale heartbeat"
	}
	printSection(out, "Upload Worker", colorize,
		renderStatusLine("Worker", workerKind, workerText, colorize),
		renderStatusLine("Lock held", statusInfo, yesNo(up.LockHeld), colorize),
		renderStatusLine("Last heartbeat", statusInfo, formatAge(now, up.LastHeartbeat), colorize),
		renderStatusLine("In flight", statusInfo, valueOrDash(up.InFlight), colorize),
	)
	fmt.Fprintln(out)

	printSection(out, "Upload Queue", colorize)
	fmt.Fprint(out, renderTable(
		[]column{{Header: "Queue"}, {Header: "Count", Align: alignRight}},
		[][]string{
			{"Pending", strconv.Itoa(up.QueueSize)},
			{"Awaiting retry", strconv.Itoa(up.RetryQueueSize)},
			{"Registered", strconv.Itoa(up.Registered)},
			{"Permanently failed", strconv.Itoa(up.Failed)},
		},
	))
	fmt.Fprintln(out)

	st := status.Staging
	sweepKind, sweepText := statusInfo, formatAge(now, st.LastSweep)
	if st.LastSweepError != "" {
		sweepKind, sweepText = statusWarn, sweepText+": "+st.LastSweepError
	}
	printSection(out, "Staging", colorize,
		renderStatusLine("Root", statusInfo, st.Root, colorize),
		renderStatusLine("Active files", statusInfo, fmt.Sprintf("%d (%s)", st.ActiveCount, logging.FormatBytes(st.TotalBytes)), colorize),
		renderStatusLine("Free space", statusInfo, logging.FormatBytes(int64(st.FreeBytes)), colorize),
		renderStatusLine("Last sweep", sweepKind, sweepText, colorize),
	)

	if rec := status.LastReconcile; rec != nil {
		fmt.Fprintln(out)
		kind := statusOK
		if rec.Failures > 0 {
			kind = statusWarn
		}
		printSection(out, "Progress Reconciliation", colorize,
			renderStatusLine("Last scan", kind,
				fmt.Sprintf("%d scanned, %d issues, %d updated, %d failures", rec.Count, rec.IssuesFound, rec.Updated, rec.Failures),
				colorize),
		)
	}
}

func capitalize(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	return strings.ToUpper(value[:1]) + value[1:]
}
