package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-userop/core/backup"
	"github.com/AvaProtocol/ap-userop/core/chainio/aa"
	"github.com/AvaProtocol/ap-userop/metrics"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/preset"
	"github.com/AvaProtocol/ap-userop/server"
	"github.com/AvaProtocol/ap-userop/storage"
)

const addressCacheTTL = 24 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Track submitted user operations and serve their status over HTTP",
	Long: `Run the background tracker over the operation journal in db_path and serve
/up, /metrics, /version, /userops and /userops/:hash on server_address.

Operations still pending when the process stopped are picked up again on start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx)
	},
}

func runServe(ctx context.Context) error {
	p, err := loadPipeline(ctx)
	if err != nil {
		return err
	}
	defer p.Close()
	log := p.cfg.Logger

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	p.builder.SetMetrics(metrics.NewPipelineMetrics(reg))

	cache, err := aa.NewAddressCache(ctx, addressCacheTTL)
	if err != nil {
		return err
	}
	defer cache.Close()
	p.builder.SetAddressCache(cache)

	db, err := storage.NewWithPath(p.cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Vacuum(); err != nil {
			log.Warn("journal vacuum failed", "error", err)
		}
		if err := db.Close(); err != nil {
			log.Error("cannot close journal", "error", err)
		}
	}()

	journal := storage.NewJournal(db)
	if p.cfg.BackupDir != "" {
		backups := backup.NewService(log, db, p.cfg.BackupDir)
		if err := backups.Start(ctx, p.cfg.BackupInterval); err != nil {
			return err
		}
		defer func() {
			if err := backups.Stop(); err != nil {
				log.Warn("backup scheduler did not stop cleanly", "error", err)
			}
		}()
	}
	reg.MustRegister(metrics.NewPendingCollector(journal.CountPending, log))

	tracker, err := preset.NewTracker(journal, p.builder, p.chainID.Uint64(), p.cfg.PollInterval,
		func(entry *storage.JournalEntry, status *bundler.UserOperationStatus) {
			log.Info("user operation finished",
				"hash", entry.UserOpHash,
				"sender", entry.Sender,
				"status", status.Status,
				"explorer", p.cfg.Network.TxURL(entry.TransactionHash),
			)
		}, log)
	if err != nil {
		return err
	}
	tracker.SetMetrics(p.builder.Metrics())
	p.builder.SetTracker(tracker)

	if err := tracker.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := tracker.Stop(); err != nil {
			log.Warn("tracker did not stop cleanly", "error", err)
		}
	}()

	srv := server.New(server.Options{Addr: p.cfg.ServerAddr, TxURL: p.cfg.Network.TxURL}, p.builder, journal, reg, log)
	srv.SetReady(true)

	pending, err := journal.CountPending()
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	log.Info("ap-userop serving", "network", p.cfg.Network.Name, "chainId", p.chainID, "pending", pending)

	return srv.Start(ctx)
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
