package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"clip-orchestrator/internal/api"
	"clip-orchestrator/internal/config"
	"clip-orchestrator/internal/models"
	"clip-orchestrator/internal/orchestrator"
)

func runCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler, worker pool and HTTP observer until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()

			server := api.New(a.orch, a.limiter(), a.logger)
			a.orch.AttachHTTP(&http.Server{
				Addr:              cfg.HTTPAddr,
				Handler:           server.Router(),
				ReadHeaderTimeout: 10 * time.Second,
			})
			a.logger.Printf("[clipd] starting (store=%s pool=%d)", cfg.StoreDriver, cfg.WorkerPoolSize)
			return a.orch.Run(ctx)
		},
	}
}

func submitCmd(cfg *config.Config) *cobra.Command {
	var priority int
	cmd := &cobra.Command{
		Use:   "submit <source-ref>",
		Short: "Enqueue a source reference for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			id, created, err := a.orch.Submit(cmd.Context(), args[0], priority)
			if err != nil {
				return fmt.Errorf("submit: %s", models.Describe(err))
			}
			if created {
				fmt.Fprintf(cmd.OutOrStdout(), "job %s enqueued\n", id)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "job %s already queued for this ref\n", id)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "higher priorities are claimed first")
	return cmd
}

func statusCmd(cfg *config.Config) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show job counts, quota usage and scheduled tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context(), *cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.orch.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("status: %w", err)
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printStatus(cmd, report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}

func printStatus(cmd *cobra.Command, r orchestrator.StatusReport) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "--- Jobs ---")
	for _, s := range models.AllStatuses {
		fmt.Fprintf(w, "%s\t%d\n", s, r.Jobs[s])
	}
	fmt.Fprintln(w, "\n--- Quota ---")
	fmt.Fprintf(w, "daily\t%d/%d\tresets %s\n", r.Quota.Daily.Used, r.Quota.Daily.Limit, r.Quota.Daily.ResetsAt.Format(time.RFC3339))
	fmt.Fprintf(w, "hourly\t%d/%d\tresets %s\n", r.Quota.Hourly.Used, r.Quota.Hourly.Limit, r.Quota.Hourly.ResetsAt.Format(time.RFC3339))
	fmt.Fprintln(w, "\n--- Tasks ---")
	for _, t := range r.Tasks {
		last := "never"
		if t.LastRunAt != nil {
			last = t.LastRunAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\tevery %s\tlast %s\trunning=%t\n", t.Name, t.Interval, last, t.Running)
	}
	_ = w.Flush()
}

func migrateCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			st, err := openStore(ctx, *cfg)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := migrate(ctx, st); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations applied (%s)\n", cfg.StoreDriver)
			return nil
		},
	}
}
