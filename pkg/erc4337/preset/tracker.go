package preset

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-co-op/gocron/v2"

	"github.com/AvaProtocol/ap-userop/metrics"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-userop/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-userop/pkg/logger"
	"github.com/AvaProtocol/ap-userop/storage"
)

// StatusSource answers where a submitted operation is. *Builder implements it.
type StatusSource interface {
	GetStatus(ctx context.Context, hash string) (*bundler.UserOperationStatus, error)
}

// NonceReleaser is implemented by sources that cache nonces, *Builder among them. The tracker
// calls it for operations that end as failed, which never consume their nonce.
type NonceReleaser interface {
	ReleaseNonce(sender common.Address, nonce *big.Int)
}

// FinalStatusFunc is called once per tracked operation, when it reaches a terminal status.
type FinalStatusFunc func(entry *storage.JournalEntry, status *bundler.UserOperationStatus)

// Tracker polls the status of submitted operations in the background so callers do not have
// to wait on them. Pending operations live in the journal, so tracking resumes after a
// restart.
type Tracker struct {
	journal  *storage.Journal
	source   StatusSource
	chainID  uint64
	interval time.Duration
	onFinal  FinalStatusFunc

	scheduler gocron.Scheduler
	metrics   metrics.Recorder
	logger    logger.Logger
}

func NewTracker(journal *storage.Journal, source StatusSource, chainID uint64, interval time.Duration, onFinal FinalStatusFunc, log logger.Logger) (*Tracker, error) {
	if journal == nil || source == nil {
		return nil, errors.New("preset: tracker needs a journal and a status source")
	}
	if interval <= 0 {
		interval = bundler.DefaultPollInterval
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	return &Tracker{
		journal:   journal,
		source:    source,
		chainID:   chainID,
		interval:  interval,
		onFinal:   onFinal,
		scheduler: scheduler,
		metrics:   metrics.Noop{},
		logger:    logger.EnsureLogger(log),
	}, nil
}

func (t *Tracker) SetMetrics(rec metrics.Recorder) {
	t.metrics = rec
}

// Track journals a submitted operation so the next poll picks it up.
func (t *Tracker) Track(hash string, signed *userop.SignedUserOperation) error {
	return t.journal.Record(&storage.JournalEntry{
		UserOpHash: hash,
		Sender:     signed.Sender(),
		Nonce:      signed.NonceString(),
		ChainID:    t.chainID,
		Status:     string(bundler.StatusPending),
	})
}

// Start schedules Poll every interval. A poll that overruns its slot is skipped rather than
// run concurrently.
func (t *Tracker) Start(ctx context.Context) error {
	_, err := t.scheduler.NewJob(
		gocron.DurationJob(t.interval),
		gocron.NewTask(func() {
			if err := t.Poll(ctx); err != nil {
				t.logger.Error("user operation tracker poll failed", "error", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create tracker job: %w", err)
	}

	t.scheduler.Start()
	t.logger.Info("user operation tracker started", "interval", t.interval)
	return nil
}

func (t *Tracker) Stop() error {
	return t.scheduler.Shutdown()
}

// Poll checks every pending operation once. Status lookups that fail are logged and retried
// on the next poll.
func (t *Tracker) Poll(ctx context.Context) error {
	t.metrics.IncTrackerLoop()

	pending, err := t.journal.Pending()
	if err != nil {
		return err
	}

	for _, entry := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		status, err := t.source.GetStatus(ctx, entry.UserOpHash)
		if err != nil {
			t.logger.Warn("cannot read user operation status", "hash", entry.UserOpHash, "error", err)
			continue
		}

		prev := bundler.Status(entry.Status)
		if !bundler.CanTransition(prev, status.Status) {
			t.logger.Debug("ignoring status regression", "hash", entry.UserOpHash, "from", prev, "to", status.Status)
			continue
		}

		txHash := ""
		if status.TransactionHash != nil {
			txHash = *status.TransactionHash
		}

		if !status.Status.IsTerminal() {
			if status.Status != prev {
				if _, err := t.journal.Update(entry.UserOpHash, string(status.Status), txHash); err != nil && !errors.Is(err, storage.ErrNotFound) {
					return err
				}
			}
			continue
		}

		done, err := t.journal.Complete(entry.UserOpHash, string(status.Status), txHash)
		if errors.Is(err, storage.ErrNotFound) {
			// completed by a concurrent poll
			continue
		}
		if err != nil {
			return err
		}

		if status.Status == bundler.StatusFailed {
			t.releaseNonce(done)
		}

		t.metrics.IncFinalStatus(string(status.Status))
		t.logger.Info("user operation final", "hash", done.UserOpHash, "status", done.Status, "tx", done.TransactionHash)
		if t.onFinal != nil {
			t.onFinal(done, status)
		}
	}
	return nil
}

func (t *Tracker) releaseNonce(entry *storage.JournalEntry) {
	releaser, ok := t.source.(NonceReleaser)
	if !ok || !common.IsHexAddress(entry.Sender) {
		return
	}
	nonce, ok := new(big.Int).SetString(entry.Nonce, 10)
	if !ok {
		t.logger.Warn("journal entry has no usable nonce", "hash", entry.UserOpHash, "nonce", entry.Nonce)
		return
	}
	releaser.ReleaseNonce(common.HexToAddress(entry.Sender), nonce)
}
