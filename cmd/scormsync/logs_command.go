package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"scormsync/internal/ipc"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var lines int
	var follow bool
	var uploadID string

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the daemon log",
		RunE: func(cmd *cobra.Command, args []string) error {
			if lines <= 0 {
				lines = 50
			}
			return ctx.withClient(func(client *ipc.Client) error {
				out := cmd.OutOrStdout()
				resp, err := client.LogTail(ipc.LogTailRequest{Offset: -1, Limit: lines, Match: uploadID})
				if err != nil {
					return err
				}
				for _, line := range resp.Lines {
					fmt.Fprintln(out, line)
				}
				if !follow {
					return nil
				}

				base := cmd.Context()
				if base == nil {
					base = context.Background()
				}
				runCtx, stop := signal.NotifyContext(base, syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				offset := resp.Offset
				for runCtx.Err() == nil {
					resp, err := client.LogTail(ipc.LogTailRequest{
						Offset:     offset,
						Follow:     true,
						WaitMillis: 5000,
						Match:      uploadID,
					})
					if err != nil {
						return err
					}
					for _, line := range resp.Lines {
						fmt.Fprintln(out, line)
					}
					offset = resp.Offset
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "Number of trailing lines to show")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming new log lines")
	cmd.Flags().StringVar(&uploadID, "upload", "", "Only show lines mentioning this upload ID")
	return cmd
}
