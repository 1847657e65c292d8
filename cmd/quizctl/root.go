package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"

	"quiz-progression-system/bootstrap"
	"quiz-progression-system/config"
	"quiz-progression-system/logger"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// build is swapped out by tests.
	build func(ctx context.Context, opts *RootOptions) (*bootstrap.App, error)
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{build: buildApp})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quizctl",
		Short: "Operate the quiz progression service",
		Long:  "Admin tasks for the quiz progression service: catalog seeding, reconciliation, leaderboard cleanup and storage checks.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log to stderr")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewSeedCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewCleanupCommand(opts))
	cmd.AddCommand(NewStorageCommand(opts))
	return cmd
}

func buildApp(ctx context.Context, opts *RootOptions) (*bootstrap.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.Nop()
	if opts.Verbose {
		if log, err = logger.New(cfg.AppEnv); err != nil {
			return nil, err
		}
	}
	return bootstrap.Build(ctx, cfg, log)
}

// output writes v as indented JSON, or through text for the text format.
func output(w io.Writer, opts *RootOptions, v any, text func(io.Writer)) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
