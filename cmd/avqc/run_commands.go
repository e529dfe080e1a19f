package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"avqc/internal/crawler"
	"avqc/internal/daemon"
	"avqc/internal/notifications"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator daemon",
		Long: "Run the scheduling loop until interrupted: sweep expired leases,\n" +
			"claim eligible stage runs, and dispatch them to their tools. A\n" +
			"snooze of zero performs a single pass and exits.",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			d := daemon.New(rt.cfg, rt.store, rt.sched, rt.healer, rt.metrics, rt.logger)
			return d.Run(signalCtx)
		},
	}
}

func newRunOnceCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "run-once",
		Short: "Perform a single scheduling pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			dispatched, err := rt.sched.RunOnce(signalCtx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Dispatched %d stage run(s)\n", dispatched)
			return nil
		},
	}
}

func newCrawlCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Discover interviews under the configured data roots",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cr := crawler.New(rt.cfg, rt.store, rt.graph, rt.logger)
			stats, err := cr.Crawl(signalCtx)
			if err != nil {
				return err
			}
			rt.metrics.CrawlInterviews.Add(float64(stats.InterviewsCreated))

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Scanned %d root(s), %d file(s)\n", stats.RootsScanned, stats.FilesSeen)
			fmt.Fprintf(out, "Registered %d new interview(s)\n", stats.InterviewsCreated)
			if stats.ChangedInterviews > 0 {
				fmt.Fprintf(out, "Reset %d interview(s) after raw file changes\n", stats.ChangedInterviews)
			}
			if stats.SkippedErrors > 0 {
				fmt.Fprintf(out, "Skipped %d unreadable path(s); see logs\n", stats.SkippedErrors)
			}
			return nil
		},
	}
}

func newNotifyTestCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "notify-test",
		Short: "Send a test notification over the configured webhook",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Notifications.WebhookURL == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No webhook configured; nothing to send")
				return nil
			}

			notifier := notifications.NewService(cfg)
			if err := notifier.TestNotification(cmd.Context()); err != nil {
				return fmt.Errorf("send test notification: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Test notification sent")
			return nil
		},
	}
}
