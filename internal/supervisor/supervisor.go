// Package supervisor implements worker process lifecycle management
// (component D): spawning the configured number of worker binaries,
// restarting ones that exit unexpectedly with exponential backoff, and
// tripping a degraded-mode flag when the restart rate exceeds the
// configured ceiling. The start/stop-via-context-and-WaitGroup shape is
// grounded on the bootstrap pattern this module family's services use
// (see cmd/broker), applied here per worker process instead of per service.
package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/geoffjay/tacore/internal/registry"
)

const (
	baseBackoff = 1 * time.Second
	maxBackoff  = 30 * time.Second
	// restartWindow is the sliding window the restart-rate ceiling is
	// measured over.
	restartWindow = 1 * time.Minute
)

// Degrader is set to degraded mode once the restart rate ceiling trips.
type Degrader interface {
	SetDegraded(bool)
}

// Config configures the supervisor.
type Config struct {
	WorkerCount             int
	WorkerBinaryPath        string
	BackendEndpoint         string
	MaxRestartsPerMinute    int
	ShutdownGracePeriod     time.Duration
}

// Supervisor owns one worker process slot per configured worker_count.
type Supervisor struct {
	cfg      Config
	reg      *registry.Registry
	degrader Degrader
	log      *log.Logger

	mu            sync.Mutex
	restartTimes  []time.Time
}

// New builds a Supervisor.
func New(cfg Config, reg *registry.Registry, degrader Degrader, logger *log.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, reg: reg, degrader: degrader, log: logger}
}

// Run spawns cfg.WorkerCount worker slots and keeps each alive until ctx is
// cancelled, at which point every worker is sent SIGTERM, given
// ShutdownGracePeriod to exit, then SIGKILLed if still running.
func (s *Supervisor) Run(ctx context.Context, wg *sync.WaitGroup) {
	for i := 0; i < s.cfg.WorkerCount; i++ {
		slot := fmt.Sprintf("worker-%d", i+1)
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			s.runSlot(ctx, workerID)
		}(slot)
	}
}

// runSlot keeps one worker slot's process alive, respawning on unexpected
// exit with exponential backoff, until ctx is cancelled. The replacement for
// a crashed process runs under a fresh worker_id: the slot name plus a
// restart generation suffix.
func (s *Supervisor) runSlot(ctx context.Context, slot string) {
	workerID := slot
	generation := 0
	backoff := baseBackoff
	consecutiveCrashes := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		cmd := s.buildCommand(workerID)
		if err := cmd.Start(); err != nil {
			s.log.WithFields(log.Fields{"worker_id": workerID, "error": err}).Error("failed to start worker process")
			if !s.sleepOrDone(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		s.log.WithFields(log.Fields{"worker_id": workerID, "pid": cmd.Process.Pid}).Info("worker process started")
		s.reg.Register(workerID, cmd.Process.Pid)

		exitCh := make(chan error, 1)
		go func() { exitCh <- cmd.Wait() }()

		select {
		case <-ctx.Done():
			s.terminate(cmd, workerID)
			<-exitCh
			return

		case err := <-exitCh:
			s.reg.Forget(workerID)
			if err == nil {
				s.log.WithFields(log.Fields{"worker_id": workerID}).Info("worker process exited normally")
				backoff = baseBackoff
				consecutiveCrashes = 0
			} else {
				consecutiveCrashes++
				s.log.WithFields(log.Fields{"worker_id": workerID, "error": err, "consecutive_crashes": consecutiveCrashes}).
					Warn("worker process exited unexpectedly")

				if s.recordRestartExceedsLimit() {
					s.log.WithFields(log.Fields{"worker_id": workerID}).Error("worker restart rate exceeded, entering degraded mode")
					if s.degrader != nil {
						s.degrader.SetDegraded(true)
					}
				}
				backoff = nextBackoff(backoff)
				generation++
				workerID = fmt.Sprintf("%s-r%d", slot, generation)
			}
		}

		if !s.sleepOrDone(ctx, backoff) {
			return
		}
	}
}

func (s *Supervisor) buildCommand(workerID string) *exec.Cmd {
	cmd := exec.Command(s.cfg.WorkerBinaryPath,
		"-worker-id", workerID,
		"-backend-endpoint", s.cfg.BackendEndpoint,
	)
	return cmd
}

// terminate sends SIGTERM, waits up to ShutdownGracePeriod, then SIGKILLs.
func (s *Supervisor) terminate(cmd *exec.Cmd, workerID string) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownGracePeriod):
		s.log.WithFields(log.Fields{"worker_id": workerID}).Warn("worker did not exit within grace period, sending SIGKILL")
		_ = cmd.Process.Kill()
	}
}

func (s *Supervisor) sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// recordRestartExceedsLimit records a restart event and reports whether the
// restart rate over the trailing window now exceeds MaxRestartsPerMinute.
func (s *Supervisor) recordRestartExceedsLimit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.restartTimes = append(s.restartTimes, now)

	cutoff := now.Add(-restartWindow)
	kept := s.restartTimes[:0]
	for _, t := range s.restartTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restartTimes = kept

	return len(s.restartTimes) > s.cfg.MaxRestartsPerMinute
}

func nextBackoff(d time.Duration) time.Duration {
	next := d * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
