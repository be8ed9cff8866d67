package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"payment-webhook-service/internal/app"
	"payment-webhook-service/internal/config"
	"payment-webhook-service/internal/db"
	"payment-webhook-service/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve the webhook endpoint and run the retry scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), configPath, func(ctx context.Context, a *app.App) error {
				return a.Run(ctx)
			})
		},
	}

	root := &cobra.Command{
		Use:          "payment-webhook-service",
		Short:        "Receives payment gateway webhooks and keeps payments in sync",
		SilenceUsage: true,
		RunE:         serve.RunE,
	}
	root.PersistentFlags().StringVar(&configPath, "config", ".", "directory containing config.yaml and .env")

	root.AddCommand(serve,
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.LoadConfig(configPath)
				if err != nil {
					return err
				}
				if err := db.RunMigrations(db.ConnString(cfg.Database)); err != nil {
					return err
				}
				logging.GetLogger(cfg.Logs).Info("Migrations applied")
				return nil
			},
		},
		&cobra.Command{
			Use:   "overdue",
			Short: "List webhook deliveries waiting for a retry",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), configPath, func(ctx context.Context, a *app.App) error {
					due, err := a.Ledger.ListDue(ctx)
					if err != nil {
						return err
					}
					return printJSON(cmd, due)
				})
			},
		},
		&cobra.Command{
			Use:   "retry <id>",
			Short: "Retry one webhook delivery now",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := uuid.Parse(args[0])
				if err != nil {
					return errors.Wrap(err, "invalid delivery id")
				}
				return withApp(cmd.Context(), configPath, func(ctx context.Context, a *app.App) error {
					out, err := a.Scheduler.RetryNow(ctx, id)
					if err != nil {
						return err
					}
					return printJSON(cmd, out)
				})
			},
		},
	)

	return root
}

func withApp(parent context.Context, configPath string, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger := logging.GetLogger(cfg.Logs)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start", "error", err)
		return err
	}
	defer a.Close()

	if err := fn(ctx, a); err != nil {
		logger.Error("Command failed", "error", err)
		return err
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return errors.Wrap(err, "printing result")
	}
	return nil
}
