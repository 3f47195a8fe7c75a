package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"nl2audio/internal/app"
	"nl2audio/internal/handlers"
	"nl2audio/internal/middleware"
)

func newGenFeedCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "gen-feed",
		Short: "Rewrite feed.xml from the stored episodes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				path, err := a.Pipeline.RegenerateFeed(c)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Feed written to %s\n", path)
				return nil
			})
		},
	}
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	var (
		port int
		bind string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the feed and episode audio until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("bind") {
				cfg.Server.Bind = bind
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				// Enclosures in feed.xml must point at this listener.
				if _, err := a.Pipeline.RegenerateFeed(c); err != nil {
					return err
				}
				addr := a.Config.ListenAddr()

				h := handlers.New(a.Store, app.Channel(a.Config), a.Config.EpisodesDir(), a.Logger)
				limiter := middleware.NewRateLimiterMiddleware(rate.Limit(20), 40, a.Logger)
				router := h.Router(middleware.Logging(a.Logger), limiter.Middleware)

				fmt.Fprintf(cmd.OutOrStdout(), "Subscribe to %s/feed.xml (Ctrl+C to stop)\n", a.Config.BaseURL())
				return handlers.Serve(c, addr, router, a.Logger)
			})
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Port to listen on (default server.port)")
	cmd.Flags().StringVar(&bind, "bind", "", "Address to bind (default server.bind, 127.0.0.1)")
	return cmd
}

func newListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List published episodes, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				episodes, err := a.Store.List(c)
				if err != nil {
					return err
				}
				if len(episodes) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No episodes yet. Add one with `nl2audio add -s <source>`.")
					return nil
				}
				rows := make([][]string, 0, len(episodes))
				for _, ep := range episodes {
					rows = append(rows, []string{
						shortID(ep.ID),
						ep.Title,
						ep.CreatedAt.Local().Format("2006-01-02 15:04"),
						formatDuration(ep.Duration),
						formatBytes(ep.AudioSize),
						string(ep.Source.Kind),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"Episode", "Title", "Created", "Length", "Size", "Source"},
					rows,
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
				))
				return nil
			})
		},
	}
}

func newRepairCommand(ctx *commandContext) *cobra.Command {
	var (
		title   string
		reprobe bool
	)
	cmd := &cobra.Command{
		Use:   "repair <episode>",
		Short: "Fix the title or duration of a published episode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				ep, err := a.Pipeline.Repair(c, args[0], title, reprobe)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Repaired %s: %q (%s)\n", shortID(ep.ID), ep.Title, formatDuration(ep.Duration))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "New episode title")
	cmd.Flags().BoolVar(&reprobe, "reprobe", false, "Read the duration again from the audio file")
	return cmd
}
