package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jia-app/eventbilling/internal/app"
	"github.com/jia-app/eventbilling/internal/config"
)

const shutdownTimeout = 30 * time.Second

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "eventbilling",
		Short:         "Event notifications and recurring subscription billing",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (defaults to environment only)")

	billingCmd := &cobra.Command{
		Use:   "billing",
		Short: "Billing operations",
	}
	billingCmd.AddCommand(newBillingRunCmd())

	plansCmd := &cobra.Command{
		Use:   "plans",
		Short: "Plan catalogue operations",
	}
	plansCmd.AddCommand(newPlansImportCmd())

	rootCmd.AddCommand(newServeCmd(), billingCmd, plansCmd, newMigrateCmd())
	return rootCmd
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadFromEnv()
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers and the billing scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}

			runErr := application.Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := application.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return runErr
		},
	}
}

func newBillingRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Charge every due subscription once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application, err := app.New(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = application.Shutdown(shutdownCtx)
			}()

			result, err := application.RunBilling(ctx)
			if err != nil {
				return fmt.Errorf("billing run failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "success=%d failed=%d errors=%d\n", result.Success, result.Failed, result.Errors)
			return nil
		},
	}
}

func newPlansImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.csv>",
		Short: "Import plans from a CSV file (id,name,amount,currency,period,active)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			file, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open CSV file: %w", err)
			}
			defer file.Close()

			n, warnings, err := app.ImportPlans(cmd.Context(), cfg, file)
			for _, w := range warnings {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s\n", w)
			}
			if err != nil {
				return fmt.Errorf("failed to import plans: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d plans\n", n)
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return app.Migrate(cmd.Context(), cfg)
		},
	}
}
