package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"nl2audio/internal/config"
)

func newInitCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:         "init",
		Short:       "Create the configuration file and output directories",
		Annotations: map[string]string{"skipConfigLoad": "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ctx.configPath()
			created, err := config.Ensure(path)
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if created {
				fmt.Fprintf(out, "Wrote default configuration to %s\n", path)
			} else {
				fmt.Fprintf(out, "Configuration already present at %s\n", path)
			}
			fmt.Fprintf(out, "Episodes will be written to %s\n", cfg.EpisodesDir())
			fmt.Fprintf(out, "Feed: %s/feed.xml (serve it with `nl2audio serve`)\n", cfg.BaseURL())
			if cfg.OpenAI.APIKey == "" {
				fmt.Fprintln(out, "Next: export OPENAI_API_KEY, then run `nl2audio doctor`.")
			}
			return nil
		},
	}
}
