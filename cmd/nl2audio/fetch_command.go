package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"nl2audio/internal/app"
	"nl2audio/internal/pipeline"
	"nl2audio/internal/prep"
)

func newFetchEmailCommand(ctx *commandContext) *cobra.Command {
	var (
		limit  int
		label  string
		noPrep bool
	)
	cmd := &cobra.Command{
		Use:   "fetch-email",
		Short: "Narrate the newsletters in the configured mailbox label",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				if label == "" {
					label = a.Config.Mail.Label
				}
				if limit <= 0 {
					limit = a.Config.Mail.MaxMessages
				}
				if err := a.ConnectMail(c); err != nil {
					return err
				}
				var o prep.Overrides
				if noPrep {
					disabled := false
					o.Enabled = &disabled
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reading up to %d messages from %q (%s)\n", limit, label, a.Connector.State())
				sum, err := a.Pipeline.FetchMailbox(c, label, limit, o)
				printWarnings(cmd.ErrOrStderr(), sum.Warnings)
				printRunSummary(cmd.OutOrStdout(), sum)
				return err
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of messages to read (default mail.max_messages)")
	cmd.Flags().StringVarP(&label, "label", "l", "", "Mailbox label (default mail.label)")
	cmd.Flags().BoolVar(&noPrep, "no-prep", false, "Skip text preparation for this run")
	return cmd
}

func printRunSummary(w io.Writer, sum pipeline.RunSummary) {
	if len(sum.Added) > 0 {
		rows := make([][]string, 0, len(sum.Added))
		for _, ep := range sum.Added {
			rows = append(rows, []string{shortID(ep.ID), ep.Title, formatDuration(ep.Duration)})
		}
		fmt.Fprintln(w, renderTable([]string{"Episode", "Title", "Length"}, rows, []columnAlignment{alignLeft, alignLeft, alignRight}))
	}
	if len(sum.Failures) > 0 {
		rows := make([][]string, 0, len(sum.Failures))
		for _, f := range sum.Failures {
			rows = append(rows, []string{f.MessageID, f.Subject, f.Stage, f.Err.Error()})
		}
		fmt.Fprintln(w, renderTable([]string{"Message", "Subject", "Stage", "Error"}, rows, nil))
	}
	fmt.Fprintf(w, "%d added, %d already published, %d failed\n", len(sum.Added), sum.Skipped, len(sum.Failures))
}
