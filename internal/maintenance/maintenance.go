// Package maintenance runs periodic housekeeping: stale image sweep, history pruning and log rotation.
package maintenance

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ontree-co/flashnode/internal/logging"
)

// DefaultMaxLogSize is the log file size above which the log is rotated
const DefaultMaxLogSize = 10 << 20

// Sweeper removes leftover images from the temporary area
type Sweeper interface {
	Sweep(maxAge time.Duration) (int, error)
}

// Pruner removes old operation history
type Pruner interface {
	CleanupOldLogs(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Options configures the housekeeping job
type Options struct {
	Schedule         string
	ArtifactMaxAge   time.Duration
	HistoryRetention time.Duration
	// LogDir enables rotation of the log file once it exceeds MaxLogSize
	LogDir     string
	MaxLogSize int64
}

// cronLogger routes cron's own messages into the application log
type cronLogger struct{}

func (cronLogger) Printf(format string, v ...interface{}) {
	logging.Printf("cron: "+format, v...)
}

// Scheduler runs the housekeeping job on a cron schedule
type Scheduler struct {
	cron    *cron.Cron
	opts    Options
	sweeper Sweeper
	pruner  Pruner
	logSize func() (int64, error)
}

// New creates a scheduler. pruner may be nil when history is disabled.
func New(opts Options, sweeper Sweeper, pruner Pruner) (*Scheduler, error) {
	if opts.MaxLogSize == 0 {
		opts.MaxLogSize = DefaultMaxLogSize
	}

	logger := cron.PrintfLogger(cronLogger{})
	s := &Scheduler{
		cron: cron.New(cron.WithChain(
			cron.Recover(logger),
			cron.SkipIfStillRunning(logger),
		)),
		opts:    opts,
		sweeper: sweeper,
		pruner:  pruner,
		logSize: currentLogSize,
	}

	if _, err := s.cron.AddFunc(opts.Schedule, s.RunOnce); err != nil {
		return nil, fmt.Errorf("invalid maintenance schedule %q: %w", opts.Schedule, err)
	}
	return s, nil
}

func currentLogSize() (int64, error) {
	path := logging.Path()
	if path == "" {
		return 0, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Start runs the job once and then on schedule
func (s *Scheduler) Start() {
	s.RunOnce()
	s.cron.Start()
	logging.Infof("Maintenance scheduled (%s)", s.opts.Schedule)
}

// Stop stops the schedule and waits for a running job to finish or ctx to expire
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		logging.Warnf("Maintenance job still running at shutdown")
	}
}

// RunOnce performs one housekeeping pass
func (s *Scheduler) RunOnce() {
	if s.sweeper != nil && s.opts.ArtifactMaxAge > 0 {
		removed, err := s.sweeper.Sweep(s.opts.ArtifactMaxAge)
		if err != nil {
			logging.Errorf("Failed to sweep temporary area: %v", err)
		} else if removed > 0 {
			logging.Infof("Removed %d stale firmware images", removed)
		}
	}

	if s.pruner != nil && s.opts.HistoryRetention > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if _, err := s.pruner.CleanupOldLogs(ctx, s.opts.HistoryRetention); err != nil {
			logging.Errorf("Failed to prune operation history: %v", err)
		}
		cancel()
	}

	if s.opts.LogDir != "" {
		size, err := s.logSize()
		if err != nil {
			logging.Warnf("Failed to check log size: %v", err)
			return
		}
		if size > s.opts.MaxLogSize {
			if err := logging.RotateLogs(s.opts.LogDir); err != nil {
				logging.Errorf("Failed to rotate log: %v", err)
			}
		}
	}
}
