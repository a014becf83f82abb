package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/stayrace/internal/domain/booking"
)

func newTraceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect recorded attempt outcomes",
	}
	cmd.AddCommand(newTraceListCmd())
	return cmd
}

func newTraceListCmd() *cobra.Command {
	var (
		requestID string
		limit     int
	)
	c := &cobra.Command{
		Use:   "list",
		Short: "List attempt traces, newest first, or all traces of one request",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := openStore(ctx, cfg, false)
			if err != nil {
				return err
			}
			defer st.Close()

			var ts []booking.AttemptTrace
			if requestID != "" {
				ts, err = st.traces.ListByRequest(ctx, requestID)
			} else {
				ts, err = st.traces.Recent(ctx, limit)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range ts {
				fmt.Fprintln(out, formatTrace(t))
			}
			return nil
		},
	}
	c.Flags().StringVar(&requestID, "request", "", "only traces of this request id")
	c.Flags().IntVar(&limit, "limit", 50, "maximum rows when --request is not set")
	return c
}

func formatTrace(t booking.AttemptTrace) string {
	line := fmt.Sprintf("%s request=%s listing=%s action=%s outcome=%s attempt=%d",
		t.At.UTC().Format(time.RFC3339), t.RequestID, t.ListingID, t.Action, t.Outcome, t.Attempt)
	if t.Detail != "" {
		line += fmt.Sprintf(" detail=%q", t.Detail)
	}
	return line + fmt.Sprintf(" summary=%q", t.Summary)
}
