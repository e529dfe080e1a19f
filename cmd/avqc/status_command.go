package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"avqc/internal/store"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	var studyFilter string

	cmd := &cobra.Command{
		Use:   "status [interview]",
		Short: "Show pipeline state",
		Long: "Without arguments, print run counts per stage and status.\n" +
			"With an interview name, print that interview's stage runs.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			st, err := ctx.openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if len(args) == 1 {
				return printInterviewStatus(cmd, st, args[0])
			}
			return printOverview(cmd, st, studyFilter)
		},
	}

	cmd.Flags().StringVar(&studyFilter, "study", "", "Limit the overview to one study")
	return cmd
}

func printOverview(cmd *cobra.Command, st *store.Store, study string) error {
	counts, err := st.StatusCounts(cmd.Context())
	if err != nil {
		return err
	}
	interviews, err := st.ListInterviews(cmd.Context(), study)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%d interview(s) tracked\n", len(interviews))
	if len(counts) == 0 {
		fmt.Fprintln(out, "No stage runs recorded; run 'avqc crawl' to discover interviews")
		return nil
	}

	colorize := shouldColorize(out)
	rows := make([][]string, 0, len(counts))
	for _, sc := range counts {
		rows = append(rows, []string{
			sc.Stage,
			colorStatus(sc.Status, colorize),
			strconv.Itoa(sc.Count),
		})
	}

	fmt.Fprintln(out, renderTable(
		[]string{"Stage", "Status", "Runs"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight},
	))
	return nil
}

func printInterviewStatus(cmd *cobra.Command, st *store.Store, name string) error {
	iv, err := st.InterviewByName(cmd.Context(), strings.TrimSpace(name))
	if err != nil {
		return err
	}
	if iv == nil {
		return fmt.Errorf("interview %q not found", name)
	}

	runs, err := st.StageRunsForInterview(cmd.Context(), iv.ID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (study %s, subject %s, day %d)\n", iv.Name, iv.Study, iv.Subject, iv.Day)
	fmt.Fprintf(out, "Path: %s\n", iv.Path)

	colorize := shouldColorize(out)
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		completed := ""
		if run.CompletedAt != nil {
			completed = run.CompletedAt.Local().Format(time.RFC3339)
		}
		lastError := truncateText(run.LastError, 60)
		rows = append(rows, []string{
			run.Stage,
			colorStatus(run.Status, colorize),
			strconv.Itoa(run.AttemptCount),
			completed,
			lastError,
		})
	}

	fmt.Fprintln(out, renderTable(
		[]string{"Stage", "Status", "Attempts", "Completed", "Last Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	))
	return nil
}

func colorStatus(status store.Status, colorize bool) string {
	if !colorize {
		return string(status)
	}
	switch status {
	case store.StatusSucceeded:
		return ansiGreen + string(status) + ansiReset
	case store.StatusFailedPermanent:
		return ansiRed + string(status) + ansiReset
	case store.StatusFailedRetryable:
		return ansiYellow + string(status) + ansiReset
	default:
		return string(status)
	}
}
