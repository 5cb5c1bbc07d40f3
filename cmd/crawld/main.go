package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"crawld/internal/config"
	"crawld/internal/driver"
	"crawld/internal/history"
	"crawld/internal/logging"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:   "crawld",
		Short: "Crawl-job lifecycle scheduler",
		Long: `crawld decides, on each pass, which crawl tasks to (re)start: it
resumes tasks that were interrupted mid-run, skips tasks still in
progress, and reclaims storage for tasks that completed. The crawls
themselves run as detached processes (or containers) and report their
own lifecycle through state markers.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./crawld.yaml", "path to config file")
	root.AddCommand(runCmd(), daemonCmd(), statusCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setup() (*config.Manager, *config.Config, zerolog.Logger, func(), error) {
	mgr := config.NewManager(cfgPath, zerolog.Nop())
	cfg, err := mgr.Load()
	if err != nil {
		return nil, nil, zerolog.Nop(), nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	log, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, zerolog.Nop(), nil, err
	}
	cleanup := func() { _ = closeLog() }
	return mgr, cfg, log, cleanup, nil
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Perform exactly one reconciliation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, log, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			d, err := driver.Build(cfg, log)
			if err != nil {
				return err
			}
			defer d.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if _, err := d.RunPass(ctx); err != nil {
				return err
			}
			return nil
		},
	}
}

func daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run passes on a schedule until stopped",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, _, log, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			err = driver.NewDaemon(mgr, log).Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func statusCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recent passes from the history ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cfg, _, cleanup, err := setup()
			if err != nil {
				return err
			}
			defer cleanup()

			if !cfg.History.Enabled {
				return errors.New("history is disabled in the config")
			}
			led, err := history.OpenSQLite(history.Config{
				Path:        cfg.History.Path,
				BusyTimeout: cfg.History.BusyTimeout.Std(),
			}, zerolog.Nop())
			if err != nil {
				return err
			}
			defer led.Close()

			passes, err := led.RecentPasses(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(passes) == 0 {
				fmt.Println("no passes recorded yet")
				return nil
			}
			for _, p := range passes {
				fmt.Printf("%s  %s  (%s)\n",
					p.StartedAt.Local().Format(time.DateTime), p.ID,
					p.FinishedAt.Sub(p.StartedAt).Round(time.Millisecond))
				for _, d := range p.Decisions {
					line := fmt.Sprintf("  %-14s %s", d.Action, d.Task)
					if d.Tag != "" {
						line += " (" + d.Tag + ")"
					}
					if len(d.Collected) > 0 {
						line += fmt.Sprintf(" collected %v", d.Collected)
					}
					if d.Error != "" {
						line += " err=" + d.Error
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of passes to show")
	return cmd
}
