// Package scheduler connects connectivity changes to the sync engine and runs
// the periodic safety-net retry.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/fieldops/internal/connectivity"
	"github.com/kimhsiao/fieldops/internal/logging"
	syncpkg "github.com/kimhsiao/fieldops/internal/sync"
)

// Monitor is the part of the connectivity monitor the scheduler needs.
type Monitor interface {
	GetStatus() bool
	OnChange(fn connectivity.Listener) (unsubscribe func())
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine     syncpkg.SyncEngineInterface
	monitor    Monitor
	interval   time.Duration
	maxBackoff time.Duration
	timeout    time.Duration
	logger     *logging.Logger

	stopCh      chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()

	mu           sync.RWMutex
	isRunning    bool
	lastSyncTime time.Time
	failures     int
	nextRetry    time.Time
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SafetyNetInterval time.Duration // base retry interval while the queue is non-empty (default: 1 minute, negative disables)
	MaxBackoff        time.Duration // cap of the retry delay (default: 15 minutes)
	PassTimeout       time.Duration // deadline of one pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SafetyNetInterval: 1 * time.Minute,
		MaxBackoff:        15 * time.Minute,
		PassTimeout:       5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.SyncEngineInterface, monitor Monitor, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	def := DefaultSchedulerConfig()
	if config.SafetyNetInterval == 0 {
		config.SafetyNetInterval = def.SafetyNetInterval
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = def.PassTimeout
	}

	return &Scheduler{
		engine:     engine,
		monitor:    monitor,
		interval:   config.SafetyNetInterval,
		maxBackoff: config.MaxBackoff,
		timeout:    config.PassTimeout,
		logger:     logging.Get().Named("scheduler"),
	}
}

// Backoff returns base * 2^failures, capped at ceiling.
func Backoff(base, ceiling time.Duration, failures int) time.Duration {
	d := base
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= ceiling || d <= 0 {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// Start subscribes to connectivity changes and starts the safety net.
// A pass is triggered right away when the monitor reports online.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.unsubscribe = s.monitor.OnChange(s.onChange)

	if s.interval > 0 {
		s.wg.Add(1)
		go s.safetyNetLoop(ctx)
	}

	if s.monitor.GetStatus() {
		s.engine.Trigger()
	}

	s.logger.Info("background sync scheduler started", map[string]interface{}{
		"safety_net_interval": s.interval.String(),
	})
}

// Stop stops the background sync scheduler gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	s.mu.Unlock()

	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	close(s.stopCh)
	s.wg.Wait()

	s.logger.Info("background sync scheduler stopped")
}

// onChange triggers a pass on every offline to online transition.
func (s *Scheduler) onChange(online bool) {
	if !online {
		return
	}
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
	s.logger.Info("back online, triggering sync")
	s.engine.Trigger()
}

func (s *Scheduler) safetyNetLoop(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(s.delay())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-timer.C:
			s.retry(ctx)
			timer.Reset(s.delay())
		}
	}
}

// retry runs one safety-net pass when there is something to send.
func (s *Scheduler) retry(ctx context.Context) {
	if !s.monitor.GetStatus() {
		return
	}
	if s.engine.PendingChanges() == 0 {
		s.mu.Lock()
		s.failures = 0
		s.mu.Unlock()
		return
	}

	result, err := s.runSync(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil || result.Halted {
		s.failures++
	} else {
		s.failures = 0
	}
	if s.failures > 0 {
		s.logger.Debug("safety net backing off", map[string]interface{}{
			"failures": s.failures,
		})
	}
}

func (s *Scheduler) delay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := Backoff(s.interval, s.maxBackoff, s.failures)
	s.nextRetry = time.Now().Add(d)
	return d
}

func (s *Scheduler) runSync(ctx context.Context) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	result, err := s.engine.Sync(syncCtx)
	if err != nil {
		s.logger.ErrorWithCode("sync failed", err)
		return result, err
	}

	if result.Remaining == 0 {
		s.mu.Lock()
		s.lastSyncTime = time.Now()
		s.mu.Unlock()
	}
	s.logger.Info("sync completed", map[string]interface{}{
		"confirmed": result.Confirmed,
		"failed":    result.Failed,
		"blocked":   result.Blocked,
		"remaining": result.Remaining,
	})
	return result, nil
}

// TriggerSync asks the engine for a background pass.
// Returns false when offline.
func (s *Scheduler) TriggerSync() bool {
	if !s.monitor.GetStatus() {
		return false
	}
	s.engine.Trigger()
	return true
}

// SyncNow triggers an immediate sync and waits for completion.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	return s.runSync(ctx)
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool       `json:"is_running"`
	IsOnline       bool       `json:"is_online"`
	LastSyncTime   *time.Time `json:"last_sync_time,omitempty"`
	SyncInProgress bool       `json:"sync_in_progress"`
	PendingItems   int        `json:"pending_items"`
	Failures       int        `json:"failures"`
	NextRetry      *time.Time `json:"next_retry,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning: s.isRunning,
		Failures:  s.failures,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if s.isRunning && s.interval > 0 && !s.nextRetry.IsZero() {
		t := s.nextRetry
		status.NextRetry = &t
	}
	s.mu.RUnlock()

	if status.LastSyncTime == nil {
		status.LastSyncTime = s.engine.LastSync()
	}
	status.IsOnline = s.monitor.GetStatus()
	status.SyncInProgress = s.engine.Status() == syncpkg.SyncStatusSyncing
	status.PendingItems = s.engine.PendingChanges()
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
