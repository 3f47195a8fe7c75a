package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"nl2audio/internal/app"
	"nl2audio/internal/config"
	"nl2audio/internal/logging"
	"nl2audio/internal/mail"
)

// linePrompter reads answers from the command's input.
type linePrompter struct {
	out io.Writer
	in  *bufio.Reader
}

func newLinePrompter(cmd *cobra.Command) *linePrompter {
	return &linePrompter{out: cmd.OutOrStdout(), in: bufio.NewReader(cmd.InOrStdin())}
}

func (p *linePrompter) Println(msg string) {
	fmt.Fprintln(p.out, msg)
}

func (p *linePrompter) ReadLine(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	line, err := p.in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (c *commandContext) connector(cfg *config.Config) *mail.Connector {
	logger := c.logger()
	if c.verbose == nil || !*c.verbose {
		logger = logging.Discard()
	}
	return mail.NewConnector(mail.SettingsFrom(cfg.Mail), app.NewVault(cfg), logger)
}

func newConnectGmailCommand(ctx *commandContext) *cobra.Command {
	var manual bool
	cmd := &cobra.Command{
		Use:   "connect-gmail",
		Short: "Authorize read-only Gmail access with OAuth",
		Long: `Opens a browser to grant nl2audio read-only access to Gmail and stores the
token in the system keyring. Without a display, or with --manual, the
authorization URL is printed and the code is pasted back.

Requires the OAuth desktop client JSON at mail.client_descriptor
(default ~/.nl2audio/google_client.json).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			conn := ctx.connector(cfg)
			defer conn.Close()

			account, err := conn.InteractiveAuthenticate(cmd.Context(), newLinePrompter(cmd), manual)
			if err != nil {
				return err
			}
			printWarnings(cmd.ErrOrStderr(), conn.Warnings())

			err = config.Update(ctx.configPath(), func(file *config.Config) {
				file.Mail.Enabled = true
				file.Mail.Account = account
				file.Mail.Strategy = config.StrategyOAuth
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Connected %s. Run `nl2audio gmail-test` to check the %q label.\n", account, cfg.Mail.Label)
			return nil
		},
	}
	cmd.Flags().BoolVar(&manual, "manual", false, "Paste the authorization code instead of opening a browser")
	return cmd
}

func newDisconnectGmailCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "disconnect-gmail",
		Short: "Delete the stored Gmail token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if cfg.Mail.Account == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "No Gmail account is configured.")
				return nil
			}
			conn := ctx.connector(cfg)
			if err := conn.Forget(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed the OAuth token for %s.\n", cfg.Mail.Account)
			if cfg.Mail.Password != "" {
				fmt.Fprintln(cmd.OutOrStdout(), "The app password is still configured and will be used.")
			}
			return nil
		},
	}
}

func newGmailTestCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "gmail-test",
		Short: "Connect to the mailbox and list its labels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withApp(cmd, func(c context.Context, a *app.App) error {
				if err := a.ConnectMail(c); err != nil {
					return err
				}
				printWarnings(cmd.ErrOrStderr(), a.Connector.Warnings())
				labels, err := a.Connector.ListLabels(c)
				if err != nil {
					return err
				}

				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Account %s: %s\n", a.Connector.Account(), a.Connector.State())
				found := false
				rows := make([][]string, 0, len(labels))
				for _, l := range labels {
					mark := ""
					if strings.EqualFold(l, a.Config.Mail.Label) {
						mark = "configured"
						found = true
					}
					rows = append(rows, []string{l, mark})
				}
				fmt.Fprintln(out, renderTable([]string{"Label", ""}, rows, nil))
				if !found {
					fmt.Fprintf(out, "Label %q was not found; set mail.label or GMAIL_LABEL.\n", a.Config.Mail.Label)
				}
				return nil
			})
		},
	}
}
