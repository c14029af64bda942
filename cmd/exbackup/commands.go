package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ahrav/exchange-backup/internal/app/backup"
	"github.com/ahrav/exchange-backup/internal/domain/export"
	"github.com/ahrav/exchange-backup/internal/infra/catalog"
	"github.com/ahrav/exchange-backup/internal/infra/ovh"
)

// withApp loads the app for one command invocation and releases it afterwards.
func withApp(cmd *cobra.Command, flags *rootFlags, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx, flags)
	if err != nil {
		return err
	}
	defer a.close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	var accountsFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Back up every enrolled mailbox",
		Long: "Enumerates every mailbox (from the accounts file when configured, otherwise from the API),\n" +
			"exports it and downloads the archive into <destination_root>/<date>/<service>/<address>.pst.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				path := a.cfg.Backup.AccountsFile
				if accountsFile != "" {
					path = accountsFile
				}

				var cat export.AccountCatalog
				if path != "" {
					a.log.Info(ctx, "startup", "status", "reading accounts file", "path", path)
					cat = catalog.NewFile(path, a.cfg.Backup.PlaceholderSuffix)
				} else {
					cat = ovh.NewCatalog(a.client, a.cfg.Backup.PlaceholderSuffix, a.log, a.tracer)
				}
				return a.backupRun(ctx, cat)
			})
		},
	}
	cmd.Flags().StringVar(&accountsFile, "accounts", "", "accounts file overriding backup.accounts_file")
	return cmd
}

func newAccountCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "account <org>/service/<service>/account/<address>",
		Short: "Back up a single mailbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			acc, err := catalog.ParseAccountRef(args[0])
			if err != nil {
				return &exitError{code: backup.ExitAborted, err: err}
			}
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				return a.backupRun(ctx, catalog.NewStatic(acc))
			})
		},
	}
}

func newPrepareCmd(flags *rootFlags) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "prepare",
		Short: "Write the accounts file from the API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app) error {
				cat := ovh.NewCatalog(a.client, a.cfg.Backup.PlaceholderSuffix, a.log, a.tracer)
				accounts, err := cat.Accounts(ctx)
				if err != nil {
					return &exitError{code: backup.ExitAborted, err: err}
				}

				if err := catalog.WriteFile(output, accounts); err != nil {
					return &exitError{code: backup.ExitAborted, err: err}
				}
				a.log.Info(ctx, "accounts file written", "path", output, "accounts", len(accounts))
				fmt.Fprintf(os.Stdout, "wrote %d accounts to %s\n", len(accounts), output)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "accounts.yaml", "destination of the accounts file")
	return cmd
}
