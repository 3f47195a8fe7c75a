package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"nl2audio/internal/app"
	"nl2audio/internal/models"
	"nl2audio/internal/pipeline"
	"nl2audio/internal/prep"
	"nl2audio/pkg/tasks"
)

type addOptions struct {
	source string
	title  string
	prep   bool
	noPrep bool
	dryRun bool
	queue  bool
}

func (o addOptions) prepOverride(cmd *cobra.Command) *bool {
	switch {
	case o.noPrep:
		v := false
		return &v
	case cmd.Flags().Changed("prep"):
		v := o.prep
		return &v
	default:
		return nil
	}
}

func newAddCommand(ctx *commandContext) *cobra.Command {
	var opts addOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Narrate a file, URL or standard input (-) as a new episode",
		Example: `  nl2audio add -s article.html
  nl2audio add -s https://example.com/post --title "A Post"
  pbpaste | nl2audio add -s - --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := models.ParseSource(opts.source)
			if err != nil {
				return err
			}
			override := opts.prepOverride(cmd)
			if opts.queue {
				return ctx.queueAdd(cmd, d, opts.title, override)
			}
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				if d.Kind == models.SourceMailbox {
					if err := a.ConnectMail(c); err != nil {
						return err
					}
				}
				res, err := a.Pipeline.Add(c, pipeline.AddRequest{
					Source: d,
					Title:  opts.title,
					Prep:   prep.Overrides{Enabled: override},
					DryRun: opts.dryRun,
				})
				printWarnings(cmd.ErrOrStderr(), res.Warnings)
				if err != nil {
					return err
				}
				printAddResult(cmd.OutOrStdout(), res)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&opts.source, "source", "s", "", "File path, http(s) URL, mailbox:<label>/<id> or - for standard input")
	cmd.Flags().StringVar(&opts.title, "title", "", "Episode title (default: taken from the content)")
	cmd.Flags().BoolVar(&opts.prep, "prep", false, "Rewrite the text for listening before narration")
	cmd.Flags().BoolVar(&opts.noPrep, "no-prep", false, "Narrate the text exactly as extracted")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "Show the estimate without calling the speech API")
	cmd.Flags().BoolVar(&opts.queue, "queue", false, "Hand the source to the background worker instead")
	cmd.MarkFlagsMutuallyExclusive("prep", "no-prep")
	cmd.MarkFlagsMutuallyExclusive("dry-run", "queue")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func (c *commandContext) queueAdd(cmd *cobra.Command, d models.SourceDescriptor, title string, override *bool) error {
	if d.Kind == models.SourceStdin {
		return errors.New("standard input cannot be queued; run without --queue")
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	task, err := tasks.NewAddSourceTask(d.String(), title, override)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	enqueuer, closeFn := c.newEnqueuer(cfg.Queue.RedisAddr)
	defer closeFn()
	info, err := enqueuer.Enqueue(task)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", d, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Queued %s as task %s\n", d, info.ID)
	return nil
}

func printAddResult(w io.Writer, res pipeline.AddResult) {
	ep := res.Episode
	switch {
	case res.Estimate != nil:
		est := res.Estimate
		fmt.Fprintln(w, renderTable(
			[]string{"Title", "Characters", "Words", "Chunks", "Minutes", "Cost (USD)", "Voice"},
			[][]string{{
				ep.Title,
				fmt.Sprint(est.Characters),
				fmt.Sprint(est.Words),
				fmt.Sprint(est.Chunks),
				fmt.Sprintf("%.1f", est.Minutes),
				fmt.Sprintf("%.4f", est.CostUSD),
				est.Voice,
			}},
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight, alignLeft},
		))
		fmt.Fprintf(w, "Preview: %s\n", est.Preview)
		fmt.Fprintln(w, "Dry run: nothing was synthesized.")
	case res.Created:
		fmt.Fprintf(w, "Added %q (%s, %s) as episode %s\n", ep.Title, formatDuration(ep.Duration), formatBytes(ep.AudioSize), ep.ID)
	default:
		fmt.Fprintf(w, "Already published: %q (episode %s)\n", ep.Title, ep.ID)
	}
}

func printWarnings(w io.Writer, warnings []string) {
	for _, msg := range warnings {
		fmt.Fprintf(w, "Warning: %s\n", msg)
	}
}
