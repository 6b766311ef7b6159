// Command reveal-trades runs one reveal sweep and prints what it disclosed.
// Intended for cron; the server runs the same sweep on its own schedule.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/jon-tompkins/clawstreet/internal/config"
	"github.com/jon-tompkins/clawstreet/internal/model"
	"github.com/jon-tompkins/clawstreet/internal/reveal"
	"github.com/jon-tompkins/clawstreet/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	at := flag.String("at", "", "sweep as of this RFC 3339 instant instead of now")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := run(*configPath, *at); err != nil {
		slog.Error("reveal sweep failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath, at string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	now := time.Now
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return fmt.Errorf("invalid -at: %w", err)
		}
		now = func() time.Time { return t }
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := store.Open(ctx, cfg.StoreOptions(false))
	if err != nil {
		return err
	}
	defer closeStore()

	revealed, err := reveal.NewScheduler(st, nil, cfg.Reveal.SweepInterval).WithClock(now).Sweep(ctx)
	if err != nil {
		return err
	}
	printTable(os.Stdout, revealed)
	return nil
}

func printTable(out io.Writer, trades []model.Trade) {
	if len(trades) == 0 {
		fmt.Fprintln(out, "No trades due for reveal.")
		return
	}
	fmt.Fprintf(out, "Revealed %d trades\n", len(trades))

	table := tablewriter.NewWriter(out)
	table.Header("Trade", "Agent", "Week", "Action", "Instrument", "Shares", "Price", "PnL")
	for _, t := range trades {
		pnl := "-"
		if t.PnL.Valid {
			pnl = t.PnL.Decimal.StringFixed(2)
		}
		table.Append(
			t.ID,
			t.AgentID,
			t.WeekID,
			string(t.Action),
			t.Instrument,
			fmt.Sprintf("%d", t.Shares),
			t.ExecutionPrice.Decimal.StringFixed(2),
			pnl,
		)
	}
	table.Render()
}
