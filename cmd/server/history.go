package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Lina4Life/passionart-sub000/internal/message"
	"github.com/Lina4Life/passionart-sub000/internal/store"
)

var historyFlags struct {
	limit  int
	before string
}

var historyCmd = &cobra.Command{
	Use:   "history ROOM",
	Short: "Print the stored messages of a room",
	Long: `Print the most recent stored messages of a room, oldest first. Only
persistent backends (sqlite3, sqlite, redis) have history outside a running server.

Examples:
  server history general
  server history general --limit 10 --before 2025-01-02T15:04:05Z`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete messages older than the retention period",
	Args:  cobra.NoArgs,
	RunE:  runPrune,
}

func init() {
	rootCmd.AddCommand(historyCmd, pruneCmd)

	historyCmd.Flags().IntVarP(&historyFlags.limit, "limit", "n", message.DefaultHistoryLimit, "maximum number of messages")
	historyCmd.Flags().StringVar(&historyFlags.before, "before", "", "only messages sent before this RFC 3339 time")
}

func openStore() (store.Backend, time.Duration, string, error) {
	cfg, err := newLoader().Load()
	if err != nil {
		return nil, 0, "", err
	}
	backend, err := store.New(store.Config{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		Addr:        cfg.Store.RedisAddr,
		HistorySize: cfg.Store.HistorySize,
	}, zerolog.Nop())
	if err != nil {
		return nil, 0, "", err
	}
	return backend, cfg.Store.Retention, cfg.Store.PruneSchedule, nil
}

func runHistory(cmd *cobra.Command, args []string) error {
	var before time.Time
	if historyFlags.before != "" {
		t, err := time.Parse(time.RFC3339Nano, historyFlags.before)
		if err != nil {
			return fmt.Errorf("invalid --before: %w", err)
		}
		before = t
	}

	backend, _, _, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	msgs, err := backend.ListRecent(ctx, args[0], historyFlags.limit, before)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	for _, m := range msgs {
		sender := m.Sender.Name
		if sender == "" {
			sender = string(m.Sender.UserID)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", m.SentAt.Format(time.RFC3339), sender, m.Body)
	}
	return w.Flush()
}

func runPrune(cmd *cobra.Command, _ []string) error {
	backend, retention, schedule, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = backend.Close() }()

	if retention <= 0 {
		return fmt.Errorf("no retention period configured")
	}
	removed, err := store.NewScheduler(backend, schedule, retention, zerolog.Nop()).RunOnce(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d messages older than %s\n", removed, retention)
	return nil
}
