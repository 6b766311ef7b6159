// Command agent-keys issues and revokes agent API keys against the
// configured ledger store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jon-tompkins/clawstreet/internal/config"
	"github.com/jon-tompkins/clawstreet/internal/identity"
	"github.com/jon-tompkins/clawstreet/internal/store"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	issue := flag.String("issue", "", "issue a key for this agent id")
	key := flag.String("key", "", "key to issue instead of a generated one")
	revoke := flag.String("revoke", "", "revoke this key")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if err := run(*configPath, *issue, *key, *revoke); err != nil {
		slog.Error("agent-keys failed", "err", err)
		os.Exit(1)
	}
}

func run(configPath, issue, key, revoke string) error {
	if (issue == "") == (revoke == "") {
		return errors.New("exactly one of -issue or -revoke is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := store.Open(ctx, cfg.StoreOptions(false))
	if err != nil {
		return err
	}
	defer closeStore()

	if issue != "" {
		return issueKey(ctx, st, os.Stdout, issue, key)
	}
	return revokeKey(ctx, st, os.Stdout, revoke)
}

func issueKey(ctx context.Context, st store.Store, out io.Writer, agentID, key string) error {
	if _, err := st.GetAgent(ctx, agentID); err != nil {
		return fmt.Errorf("agent %s: %w", agentID, err)
	}
	issued, err := identity.NewStoreGateway(st).Issue(ctx, agentID, key)
	if err != nil {
		return err
	}
	slog.Info("api key issued", "agent", agentID)
	fmt.Fprintln(out, issued)
	return nil
}

func revokeKey(ctx context.Context, st store.Store, out io.Writer, key string) error {
	if err := identity.NewStoreGateway(st).Revoke(ctx, key); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.New("unknown api key")
		}
		return err
	}
	slog.Info("api key revoked")
	fmt.Fprintln(out, "revoked")
	return nil
}
