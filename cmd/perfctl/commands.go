package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/coldbell/agentarena/backend/internal/config"
	"github.com/coldbell/agentarena/backend/internal/indexer"
	"github.com/coldbell/agentarena/backend/internal/report"
)

type cli struct {
	cfg    config.CLIConfig
	logger *slog.Logger
	out    io.Writer
	dsn    string
	period string
}

func newRootCmd(cfg config.CLIConfig, logger *slog.Logger, out io.Writer) *cobra.Command {
	c := &cli{cfg: cfg, logger: logger, out: out}

	root := &cobra.Command{
		Use:           "perfctl",
		Short:         "Inspect agent performance from the arena database",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.SetOut(out)
	root.PersistentFlags().StringVar(&c.dsn, "db", cfg.DBDSN, "database DSN (postgres://, sqlite:// or file:)")
	root.PersistentFlags().StringVarP(&c.period, "period", "p", cfg.Performance.Window, "evaluation window: 24h, 7d, 30d or all")

	root.AddCommand(
		c.leaderboardCmd(),
		c.agentCmd(),
		c.tradesCmd(),
		c.snapshotCmd(),
	)
	return root
}

// withEngine opens the store for one command and closes it afterwards.
func (c *cli) withEngine(ctx context.Context, fn func(*indexer.Store, *indexer.Engine) error) error {
	store, err := indexer.NewStore(c.dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			c.logger.Warn("failed to close store", "err", err)
		}
	}()
	return fn(store, indexer.NewEngine(store, c.cfg.Performance, nil))
}

func (c *cli) leaderboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "leaderboard",
		Short: "Rank every agent by account value",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withEngine(cmd.Context(), func(_ *indexer.Store, engine *indexer.Engine) error {
				window, err := engine.Window(c.period)
				if err != nil {
					return err
				}
				entries, err := engine.Leaderboard(cmd.Context(), window)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "window %s (%s .. %s)\n", window.Period, report.Timestamp(window.Start), report.Timestamp(window.End))
				return report.WriteLeaderboard(c.out, entries)
			})
		},
	}
}

func (c *cli) agentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agent <id>",
		Short: "Show metrics and open positions of one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd.Context(), func(store *indexer.Store, engine *indexer.Engine) error {
				window, err := engine.Window(c.period)
				if err != nil {
					return err
				}
				rep, err := engine.AgentReport(cmd.Context(), args[0], window)
				if err != nil {
					return fmt.Errorf("agent %s: %w", args[0], err)
				}
				stored, err := store.CountSnapshots(cmd.Context(), rep.AgentID)
				if err != nil {
					return fmt.Errorf("count snapshots of %s: %w", rep.AgentID, err)
				}
				fmt.Fprintf(c.out, "%s (%s) window %s, %d stored snapshots\n", rep.AgentName, rep.AgentID, window.Period, stored)
				if err := report.WriteMetrics(c.out, rep.Metrics); err != nil {
					return err
				}
				return report.WritePositions(c.out, rep.Timeline.Positions)
			})
		},
	}
}

func (c *cli) tradesCmd() *cobra.Command {
	var csvPath string
	cmd := &cobra.Command{
		Use:   "trades <id>",
		Short: "Export completed trades of one agent as CSV",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withEngine(cmd.Context(), func(_ *indexer.Store, engine *indexer.Engine) error {
				window, err := engine.Window(c.period)
				if err != nil {
					return err
				}
				rep, err := engine.AgentReport(cmd.Context(), args[0], window)
				if err != nil {
					return fmt.Errorf("agent %s: %w", args[0], err)
				}

				if csvPath == "" || csvPath == "-" {
					return report.WriteTradesCSV(c.out, rep.AgentID, rep.Trades)
				}
				file, err := os.Create(csvPath)
				if err != nil {
					return fmt.Errorf("create %s: %w", csvPath, err)
				}
				defer file.Close()
				if err := report.WriteTradesCSV(file, rep.AgentID, rep.Trades); err != nil {
					return err
				}
				fmt.Fprintf(c.out, "wrote %d trades to %s\n", len(rep.Trades), csvPath)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&csvPath, "csv", "", "write CSV to this file instead of stdout")
	return cmd
}

func (c *cli) snapshotCmd() *cobra.Command {
	var prune bool
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Compute and persist one leaderboard snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withEngine(cmd.Context(), func(store *indexer.Store, engine *indexer.Engine) error {
				started := time.Now()
				snapshots, err := engine.Snapshot(cmd.Context(), started)
				if err != nil {
					return err
				}
				fmt.Fprintf(c.out, "stored %d snapshots at %s\n", len(snapshots), report.Timestamp(started))

				if prune && c.cfg.Performance.SnapshotHistory > 0 {
					removed, err := store.PruneSnapshots(cmd.Context(), c.cfg.Performance.SnapshotHistory)
					if err != nil {
						return err
					}
					fmt.Fprintf(c.out, "pruned %d old snapshots\n", removed)
				}
				c.logger.Info("snapshot complete", "agents", len(snapshots), "elapsed", time.Since(started).String())
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", true, "trim snapshot history to PERF_SNAPSHOT_HISTORY per agent")
	return cmd
}
