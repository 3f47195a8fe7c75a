package main

import (
	"github.com/spf13/cobra"
)

func newRoot() (*cobra.Command, *commandContext) {
	var configFlag string
	var verbose bool

	ctx := newCommandContext(&configFlag, &verbose)

	rootCmd := &cobra.Command{
		Use:           "nl2audio",
		Short:         "Turn newsletters and articles into a personal podcast",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path (default ~/.nl2audio/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log debug details")

	rootCmd.AddCommand(newInitCommand(ctx))
	rootCmd.AddCommand(newAddCommand(ctx))
	rootCmd.AddCommand(newFetchEmailCommand(ctx))
	rootCmd.AddCommand(newGenFeedCommand(ctx))
	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newListCommand(ctx))
	rootCmd.AddCommand(newRepairCommand(ctx))
	rootCmd.AddCommand(newConnectGmailCommand(ctx))
	rootCmd.AddCommand(newDisconnectGmailCommand(ctx))
	rootCmd.AddCommand(newGmailTestCommand(ctx))
	rootCmd.AddCommand(newDoctorCommand(ctx))

	return rootCmd, ctx
}
