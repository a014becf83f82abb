package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/example/stayrace/internal/domain/booking"
	"github.com/example/stayrace/internal/requests"
)

func newRequestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Manage persisted booking requests",
	}
	cmd.AddCommand(newRequestScheduleCmd())
	cmd.AddCommand(newRequestListCmd())
	return cmd
}

func newRequestScheduleCmd() *cobra.Command {
	var (
		rf          requestFlags
		timezone    string
		daysBefore  int
		opensAt     string
		leadMinutes int
	)

	c := &cobra.Command{
		Use:   "schedule",
		Short: "Store a request that starts shortly before inventory opens",
		Long: "The listing is expected to open for booking --days-before check-in at --opens-at local time.\n" +
			"A running `stayrace serve` submits the request --lead-minutes earlier.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			loc, err := time.LoadLocation(timezone)
			if err != nil {
				return fmt.Errorf("invalid --timezone: %w", err)
			}
			checkIn, err := time.Parse(time.DateOnly, rf.checkIn)
			if err != nil {
				return fmt.Errorf("invalid --check-in (want YYYY-MM-DD)")
			}
			opens, err := booking.ReleaseTime(checkIn, daysBefore, opensAt, loc)
			if err != nil {
				return err
			}
			start := opens.Add(-time.Duration(leadMinutes) * time.Minute).UTC()

			req, err := rf.build(time.Now(), start)
			if err != nil {
				return err
			}
			if req.ID == "" {
				req.ID = uuid.NewString()
			}
			if req.Deadline.IsZero() {
				req.Deadline = start.Add(cfg.Task.DefaultDeadline)
			}

			ctx := context.Background()
			st, err := openStore(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.requests.Schedule(ctx, req); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scheduled request id=%s opens_utc=%s start_utc=%s deadline_utc=%s\n",
				req.ID, opens.UTC().Format(time.RFC3339), start.Format(time.RFC3339), req.Deadline.UTC().Format(time.RFC3339))
			return nil
		},
	}
	rf.bind(c)
	c.Flags().StringVar(&timezone, "timezone", "Europe/Moscow", "timezone of --opens-at")
	c.Flags().IntVar(&daysBefore, "days-before", 0, "days before check-in when the listing opens")
	c.Flags().StringVar(&opensAt, "opens-at", "00:00", "local opening time HH:MM")
	c.Flags().IntVar(&leadMinutes, "lead-minutes", 5, "start watching N minutes before opening")
	return c
}

func newRequestListCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	c := &cobra.Command{
		Use:   "list",
		Short: "List persisted requests, newest first",
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

			recs, err := st.requests.List(ctx, status, limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range recs {
				fmt.Fprintln(out, formatRecord(r))
			}
			return nil
		},
	}
	c.Flags().StringVar(&status, "status", "", "filter by status (scheduled, running, confirmed, failed)")
	c.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return c
}

func formatRecord(r requests.Record) string {
	req := r.Request
	line := fmt.Sprintf("id=%s status=%s city=%q stay=%s..%s guests=%d",
		req.ID, r.Status, req.City, req.CheckIn.Format(time.DateOnly), req.CheckOut.Format(time.DateOnly), req.Guests)
	if !req.NotBefore.IsZero() {
		line += " not_before=" + req.NotBefore.UTC().Format(time.RFC3339)
	}
	if r.ListingID != "" {
		line += " listing=" + r.ListingID
	}
	if r.Confirmation != "" {
		line += " confirmation=" + r.Confirmation
	}
	if r.Error != "" {
		line += fmt.Sprintf(" error=%q", r.Error)
	}
	return line
}
