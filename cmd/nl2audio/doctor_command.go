package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"nl2audio/internal/app"
	"nl2audio/internal/doctor"
	"nl2audio/internal/media"
	"nl2audio/internal/openai"
)

func newDoctorCommand(ctx *commandContext) *cobra.Command {
	var checkOpenAI, checkGmail bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the toolchain, credentials and configuration",
		Long: `Checks the local setup without contacting any service. --probe-openai and
--probe-gmail also make one live request each to verify the credentials.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			results := doctor.Run(cmd.Context(), cfg, app.NewVault(cfg), media.NewToolchain())

			live := doctor.LiveChecks{CheckMail: checkGmail, MailLabel: cfg.Mail.Label}
			if checkOpenAI {
				live.OpenAI = openai.NewClient(openai.Config{
					APIKey:         cfg.OpenAI.APIKey,
					BaseURL:        cfg.OpenAI.BaseURL,
					TimeoutSeconds: cfg.OpenAI.TimeoutSeconds,
				})
			}
			if checkGmail && cfg.Mail.Enabled {
				connector := ctx.connector(cfg)
				defer connector.Close()
				live.Mail = connector
			}
			results = append(results, doctor.RunLive(cmd.Context(), live)...)

			rows := make([][]string, 0, len(results))
			for _, r := range results {
				rows = append(rows, []string{r.Name, r.Level.String(), r.Detail, r.Remedy})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"Check", "Status", "Detail", "Fix"}, rows, nil))
			if doctor.Failed(results) {
				return errors.New("some checks failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&checkOpenAI, "probe-openai", false, "Make one authenticated request to the OpenAI API")
	cmd.Flags().BoolVar(&checkGmail, "probe-gmail", false, "Log in to the mailbox and list its labels")
	return cmd
}
