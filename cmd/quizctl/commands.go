package main

import (
	"fmt"
	"io"

	"quiz-progression-system/catalog"
	"quiz-progression-system/services"

	"github.com/spf13/cobra"
)

func NewSeedCommand(opts *RootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Upsert the level table and achievement catalog",
		Long: `Upsert level bands by level and achievements by code. The embedded catalog is
always applied at startup; --file applies an additional catalog on top of it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.build(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			cat, err := catalog.Default()
			if file != "" {
				cat, err = catalog.LoadFile(file)
			}
			if err != nil {
				return err
			}
			if err := catalog.Seed(cmd.Context(), a.DB, cat); err != nil {
				return err
			}
			a.Progression.ReloadLevels()
			summary := map[string]int{"levels": len(cat.Levels), "achievements": len(cat.Achievements)}
			return output(cmd.OutOrStdout(), opts, summary, func(w io.Writer) {
				fmt.Fprintf(w, "seeded %d levels and %d achievements\n", len(cat.Levels), len(cat.Achievements))
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "catalog YAML file")
	return cmd
}

func NewReconcileCommand(opts *RootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.build(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			run := a.Reconciler.RunOnce
			if force {
				run = a.Reconciler.ForceRun
			}
			rep, err := run(cmd.Context())
			if err != nil {
				return err
			}
			if err := output(cmd.OutOrStdout(), opts, rep, func(w io.Writer) {
				for _, st := range rep.Subtasks {
					status := "ok"
					if st.Error != "" {
						status = "FAILED: " + st.Error
					}
					fmt.Fprintf(w, "%-16s processed=%-6d changed=%-6d %s\n", st.Name, st.Processed, st.Changed, status)
				}
			}); err != nil {
				return err
			}
			if rep.Failed() {
				return fmt.Errorf("reconcile pass had failing sub-tasks")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "clear the in-flight guard before running")
	return cmd
}

func NewCleanupCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete expired leaderboard windows, old conflicts and abandoned sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.build(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Storage.Housekeep(cmd.Context())
			if err != nil {
				return err
			}
			return output(cmd.OutOrStdout(), opts, res, func(w io.Writer) {
				fmt.Fprintf(w, "removed leaderboard=%d conflicts=%d sessions=%d\n",
					res.LeaderboardRows, res.ConflictRows, res.SessionRows)
			})
		},
	}
}

func NewStorageCommand(opts *RootOptions) *cobra.Command {
	var (
		report  bool
		limitMB int64
	)
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Show database size against the storage limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.build(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if limitMB > 0 {
				if err := a.Storage.SetLimitMB(limitMB); err != nil {
					return err
				}
			}
			var rep *services.StorageReport
			if report {
				rep, err = a.Storage.Report(cmd.Context())
			} else {
				var st *services.StorageStatus
				if st, err = a.Storage.Status(cmd.Context()); err == nil {
					rep = &services.StorageReport{Status: *st}
				}
			}
			if err != nil {
				return err
			}
			st := rep.Status
			return output(cmd.OutOrStdout(), opts, rep, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %d / %d bytes (%.1f%%) level=%s\n",
					st.Driver, st.SizeBytes, st.LimitBytes, st.UsedPercent, st.Level)
				for table, n := range st.Rows {
					fmt.Fprintf(w, "  %-24s %d\n", table, n)
				}
				if rep.URL != "" {
					fmt.Fprintf(w, "report: %s\n", rep.URL)
				}
			})
		},
	}
	cmd.Flags().BoolVar(&report, "report", false, "upload the report when R2 is configured")
	cmd.Flags().Int64Var(&limitMB, "limit-mb", 0, "override the storage limit for this check")
	return cmd
}
