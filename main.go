// Package main is the entry point for a cbank node. It restores the ledger
// from its database, starts the transaction executor and serves the HTTP API
// until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"custody.mini/cbank/internal/app"
	"custody.mini/cbank/internal/config"
	"custody.mini/cbank/internal/identity"
	"custody.mini/cbank/internal/ledger"
	"custody.mini/cbank/internal/logger"
	"custody.mini/cbank/internal/payout"
	"custody.mini/cbank/internal/store"
	"custody.mini/cbank/internal/types"
	"custody.mini/cbank/internal/web"
)

const (
	backupInterval = time.Hour
	logHistory     = 200
)

func main() {
	configPath := flag.String("config", os.Getenv("CBANK_CONFIG"), "Path to the JSON config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	lg, err := logger.New(cfg.LogMode, cfg.LogLevel, logHistory)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer lg.Sync()

	if err := run(cfg, lg); err != nil {
		lg.Error("cbank exited", "error", err)
		lg.Sync()
		os.Exit(1)
	}
}

func run(cfg config.Config, lg *logger.Logger) error {
	lg.Info("cbank starting", "version", types.Version, "build_time", types.BuildTime)

	id, err := identity.LoadOrCreateIdentity(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("load node identity: %w", err)
	}
	lg.Info("node identity loaded", "address", id.Address())

	st, err := store.NewStore(cfg.DBFile)
	if err != nil {
		return fmt.Errorf("open ledger store: %w", err)
	}
	defer st.Close()

	var transfer ledger.Transferer
	if cfg.PayoutURL != "" {
		transfer = payout.NewHTTPTransferer(cfg.PayoutURL, 0, lg)
		lg.Info("payouts routed to custodian", "url", cfg.PayoutURL)
	} else {
		transfer = payout.NewLogTransferer(lg)
		lg.Warn("no payout_url configured, withdrawals are only logged")
	}

	l, err := openLedger(st, cfg, lg, ledger.WithTransferer(transfer))
	if err != nil {
		return err
	}

	if err := ensurePortAvailable(cfg.Port); err != nil {
		return fmt.Errorf("port %d unavailable: %w", cfg.Port, err)
	}

	application := app.New(l, st, lg)
	server, err := web.NewServer(application, st, lg, web.Options{
		Port:       cfg.Port,
		DocsDir:    cfg.DocsDir,
		NodeID:     id.Address(),
		MaxBackups: cfg.MaxBackups,
	})
	if err != nil {
		return fmt.Errorf("initialize web server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Recover(ctx); err != nil {
		return fmt.Errorf("recover pending withdrawals: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(ctx) })
	g.Go(func() error { return server.Run(ctx) })
	g.Go(func() error {
		backupLoop(ctx, st, cfg.MaxBackups, lg)
		return nil
	})

	err = g.Wait()
	lg.Info("Shutting down...")
	return err
}

// openLedger restores the ledger from the store, initialising the store with
// the configured parameters on first start. Stored parameters win over the
// configuration afterwards.
func openLedger(st *store.Store, cfg config.Config, lg *logger.Logger, opts ...ledger.Option) (*ledger.Ledger, error) {
	snap, err := st.Load()
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	if snap == nil {
		if err := st.Init(cfg.Capacity, cfg.WithdrawalLimit); err != nil {
			return nil, fmt.Errorf("initialize ledger: %w", err)
		}
		lg.Info("ledger created", "capacity", cfg.Capacity, "withdrawal_limit", cfg.WithdrawalLimit)
		return ledger.New(cfg.Capacity, cfg.WithdrawalLimit, opts...), nil
	}

	if snap.Capacity != cfg.Capacity || snap.WithdrawalLimit != cfg.WithdrawalLimit {
		lg.Warn("configured ledger parameters ignored, using stored values",
			"capacity", snap.Capacity, "withdrawal_limit", snap.WithdrawalLimit)
	}
	l, err := ledger.Restore(*snap, opts...)
	if err != nil {
		return nil, fmt.Errorf("restore ledger: %w", err)
	}
	lg.Info("ledger restored",
		"accounts", len(snap.Balances),
		"total_custodied", snap.TotalCustodied,
		"deposits", snap.DepositCount,
		"withdrawals", snap.WithdrawalCount)
	return l, nil
}

// backupLoop takes a backup at startup and then every backupInterval.
func backupLoop(ctx context.Context, st *store.Store, maxBackups int, lg *logger.Logger) {
	backup := func() {
		path, err := st.BackupCurrent(maxBackups)
		if err != nil {
			lg.Warn("ledger backup failed", "error", err)
			return
		}
		if path != "" {
			lg.Info("ledger backup created", "path", path)
		}
	}

	backup()
	ticker := time.NewTicker(backupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			backup()
		}
	}
}

func ensurePortAvailable(port int) error {
	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return listener.Close()
}
