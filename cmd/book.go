package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/stayrace/internal/task"
)

func newBookCmd() *cobra.Command {
	var rf requestFlags
	var quiet bool

	c := &cobra.Command{
		Use:   "book",
		Short: "Submit one booking request and wait for it to settle",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			req, err := rf.build(time.Now(), time.Time{})
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			errOut := cmd.ErrOrStderr()
			observer := func(ev task.Event) {
				if quiet {
					return
				}
				fmt.Fprintf(errOut, "%s %-12s %s -> %s %s\n", ev.At.Format("15:04:05"), ev.ListingID, ev.From, ev.To, ev.Detail)
			}
			e, err := buildEngine(ctx, cfg, log, engineOptions{migrate: true, observer: observer})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				e.Close(shutdownCtx)
			}()

			h, err := e.orch.Submit(ctx, req)
			if err != nil {
				return err
			}
			log.Info("submitted", zap.String("request", string(h)))

			st, err := e.orch.Wait(ctx, h)
			if err != nil {
				// interrupted: cancel and report where it ended
				_ = e.orch.Cancel(h)
				waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				st, _ = e.orch.Wait(waitCtx, h)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(st); err != nil {
				return err
			}
			return st.Err()
		},
	}
	rf.bind(c)
	c.Flags().BoolVarP(&quiet, "quiet", "q", false, "do not print task transitions")
	return c
}
