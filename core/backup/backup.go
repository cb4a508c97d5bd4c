package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/AvaProtocol/ap-userop/pkg/logger"
	"github.com/AvaProtocol/ap-userop/storage"
)

// FileName is the name of the badger stream written into each timestamped directory.
const FileName = "journal-backup.db"

// Service snapshots the operation journal into backupDir, once or on a schedule.
type Service struct {
	logger    logger.Logger
	db        storage.Storage
	backupDir string

	mu        sync.Mutex
	scheduler gocron.Scheduler
	// since is the badger version covered by the last backup.
	since uint64
	now   func() time.Time
}

func NewService(log logger.Logger, db storage.Storage, backupDir string) *Service {
	return &Service{
		logger:    logger.EnsureLogger(log),
		db:        db,
		backupDir: backupDir,
		now:       time.Now,
	}
}

// Start runs PerformBackup every interval until ctx is done or Stop is called.
func (s *Service) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("backup interval must be positive, got %s", interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler != nil {
		return fmt.Errorf("backup service already running")
	}
	if err := os.MkdirAll(s.backupDir, 0o755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if file, err := s.PerformBackup(ctx); err != nil {
				s.logger.Error("periodic journal backup failed", "error", err)
			} else {
				s.logger.Info("periodic journal backup written", "file", file)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return fmt.Errorf("failed to create backup job: %w", err)
	}

	scheduler.Start()
	s.scheduler = scheduler
	s.logger.Info("started periodic journal backup", "interval", interval, "dir", s.backupDir)
	return nil
}

// Running reports whether a schedule is active.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduler != nil
}

// Stop is a no-op when the service is not running.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler == nil {
		return nil
	}
	err := s.scheduler.Shutdown()
	s.scheduler = nil
	s.logger.Info("stopped periodic journal backup")
	return err
}

// Restore loads a file written by PerformBackup into the service's store.
func (s *Service) Restore(ctx context.Context, file string) error {
	f, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("failed to open backup file: %w", err)
	}
	defer f.Close()

	if err := s.db.Load(ctx, f); err != nil {
		return fmt.Errorf("journal restore failed: %w", err)
	}
	s.logger.Info("journal restored", "file", file)
	return nil
}

// PerformBackup writes a full backup to <backupDir>/<yy-mm-dd-hh-mm>/journal-backup.db and
// returns the file path.
func (s *Service) PerformBackup(ctx context.Context) (string, error) {
	dir := filepath.Join(s.backupDir, s.now().UTC().Format("06-01-02-15-04"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	file := filepath.Join(dir, FileName)
	f, err := os.Create(file)
	if err != nil {
		return "", fmt.Errorf("failed to create backup file: %w", err)
	}
	defer f.Close()

	version, err := s.db.Backup(ctx, f, 0)
	if err != nil {
		return "", fmt.Errorf("journal backup failed: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("journal backup failed: %w", err)
	}

	s.mu.Lock()
	s.since = version
	s.mu.Unlock()
	s.logger.Debug("journal backup completed", "file", file, "version", version)
	return file, nil
}
