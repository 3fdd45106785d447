package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nkkko/msgselect/internal/config"
	"github.com/nkkko/msgselect/internal/engine"
	"github.com/nkkko/msgselect/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// RootOptions holds the flags shared by all commands
type RootOptions struct {
	ConfigFile string
	Addr       string
	LogLevel   string
	SeedFile   string
}

// NewRootCommand creates the msgselectd command. Without a subcommand it
// runs the server.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "msgselectd",
		Short:         "Live message selection server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "path to YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", "", "HTTP listen address (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().StringVar(&opts.SeedFile, "seed", "", "YAML file with initial messages")

	cmd.AddCommand(NewValidateCommand(opts))

	return cmd
}

// NewValidateCommand creates the validate command
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "validate",
		Short:         "Validate the configuration and print the selectors it defines",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(rootOpts)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration valid, %d selector(s)\n", len(cfg.Selectors))
			for _, s := range cfg.Selectors {
				opts := cfg.ToSelectorOptions(s)
				fmt.Fprintf(out, "  %s: interval=%s policy=%s groups=%t sync_record_ids=%t\n",
					s.Name, opts.MinInterval, opts.Policy, opts.ProvideGroups, opts.ProvideSyncRecordIDs)
			}
			return nil
		},
	}
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.LoadConfig(opts.ConfigFile, opts.Addr, opts.LogLevel, opts.SeedFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

func runServe(ctx context.Context, opts *RootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if err := logging.Setup(cfg.ToLoggingConfig()); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	eng, err := engine.CreateEngine(cfg)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := eng.Start(ctx)
	if runErr != nil {
		log.Error().Err(runErr).Msg("Engine stopped with error")
	} else {
		log.Info().Msg("Caught signal, initiating shutdown")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return runErr
}
