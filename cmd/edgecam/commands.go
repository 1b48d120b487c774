package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"edgecam/internal/app"
)

func runCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Capture, detect and sync until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			a, err := app.NewApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.Run(cmd.Context())
		},
	}
}

func syncCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass over the pending outbox and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			a, err := app.NewApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.SyncOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "attempted=%d synced=%d missing=%d failed=%t\n",
				res.Attempted, res.Synced, res.Missing, res.Failed)
			if res.Failed {
				return fmt.Errorf("upload failed, next attempt after %s", res.NextAttempt.UTC().Format("15:04:05"))
			}
			return nil
		},
	}
}

func backfillCommand(g *globals) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Enqueue raw frames on disk that are missing from the outbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			if dir == "" {
				dir = cfg.FrameRoot
			}
			a, err := app.NewApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Backfill(cmd.Context(), dir)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d inserted=%d skipped=%d\n", res.Scanned, res.Inserted, res.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "Frame directory to scan (default FRAME_ROOT)")
	return cmd
}
