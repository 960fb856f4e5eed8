package monitor

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
)

// Level classifies a memory sample against the configured thresholds.
type Level int

const (
	LevelOK Level = iota
	LevelWarning
	LevelCritical
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "ok"
	}
}

// Config holds the monitor thresholds. Thresholds are megabytes of RSS.
type Config struct {
	Interval    time.Duration
	WarningMB   int
	CriticalMB  int
	EmergencyMB int
	Cooldown    time.Duration // minimum gap between cleanup invocations
}

// Monitor samples this process's resident set size on a fixed interval and
// reacts to three escalating thresholds:
//
//	warning    log only
//	critical   trigger cleanup (rate-limited by the cooldown)
//	emergency  cleanup immediately, re-sample, and if still above the
//	           threshold latch a failure the scheduler observes between
//	           scenes, failing the task instead of letting the kernel
//	           OOM-kill the whole worker
//
// The latched flag stays set until Reset is called at the start of the next
// task.
type Monitor struct {
	cfg     Config
	cleanup func(level Level)

	// sample is swappable for tests
	sample func() (float64, error)

	mu          sync.Mutex
	lastCleanup time.Time
	exceeded    bool
	reason      string
}

// New builds a monitor for the current process. cleanup is invoked on
// critical and emergency samples and must be safe to call repeatedly.
func New(cfg Config, cleanup func(level Level)) (*Monitor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to attach to own process: %w", err)
	}

	m := &Monitor{
		cfg:     cfg,
		cleanup: cleanup,
	}
	m.sample = func() (float64, error) {
		info, err := proc.MemoryInfo()
		if err != nil {
			return 0, err
		}
		return float64(info.RSS) / 1024 / 1024, nil
	}
	return m, nil
}

// Start runs the sampling loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		log.Printf("[Monitor] Memory monitoring started (interval=%s warn=%dMB crit=%dMB emerg=%dMB)",
			m.cfg.Interval, m.cfg.WarningMB, m.cfg.CriticalMB, m.cfg.EmergencyMB)

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Printf("[Monitor] Memory monitoring stopped")
				return
			case <-ticker.C:
				m.Check()
			}
		}
	}()
}

// RSSMB returns the current resident set size in megabytes.
func (m *Monitor) RSSMB() (float64, error) {
	return m.sample()
}

// Classify maps a sample to its threshold level.
func (m *Monitor) Classify(rssMB float64) Level {
	switch {
	case rssMB >= float64(m.cfg.EmergencyMB):
		return LevelEmergency
	case rssMB >= float64(m.cfg.CriticalMB):
		return LevelCritical
	case rssMB >= float64(m.cfg.WarningMB):
		return LevelWarning
	default:
		return LevelOK
	}
}

// Check takes one sample and reacts to it. Called by the loop and directly
// by tests.
func (m *Monitor) Check() {
	rss, err := m.sample()
	if err != nil {
		log.Printf("[Monitor] Failed to sample memory: %v", err)
		return
	}

	switch m.Classify(rss) {
	case LevelWarning:
		log.Printf("[Monitor] WARNING: memory usage %.0fMB exceeds %dMB", rss, m.cfg.WarningMB)

	case LevelCritical:
		log.Printf("[Monitor] CRITICAL: memory usage %.0fMB exceeds %dMB, triggering cleanup", rss, m.cfg.CriticalMB)
		m.runCleanup(LevelCritical, false)

	case LevelEmergency:
		log.Printf("[Monitor] EMERGENCY: memory usage %.0fMB exceeds %dMB", rss, m.cfg.EmergencyMB)
		// Emergency cleanup ignores the cooldown
		m.runCleanup(LevelEmergency, true)

		// Re-sample after cleanup: only latch the failure if freeing memory
		// did not bring us back under the emergency line
		after, err := m.sample()
		if err != nil || after >= float64(m.cfg.EmergencyMB) {
			m.latch(fmt.Sprintf("memory usage %.0fMB exceeded emergency threshold %dMB", rss, m.cfg.EmergencyMB))
		} else {
			log.Printf("[Monitor] Recovered to %.0fMB after emergency cleanup", after)
		}
	}
}

func (m *Monitor) runCleanup(level Level, force bool) {
	if m.cleanup == nil {
		return
	}

	m.mu.Lock()
	if !force && time.Since(m.lastCleanup) < m.cfg.Cooldown {
		m.mu.Unlock()
		log.Printf("[Monitor] Cleanup skipped (cooldown active)")
		return
	}
	m.lastCleanup = time.Now()
	m.mu.Unlock()

	m.cleanup(level)
}

func (m *Monitor) latch(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.exceeded {
		m.exceeded = true
		m.reason = reason
		log.Printf("[Monitor] Latched failure: %s", reason)
	}
}

// Exceeded reports whether an unrecovered emergency sample has been observed
// since the last Reset, with the human-readable reason.
func (m *Monitor) Exceeded() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exceeded, m.reason
}

// Reset clears the latched failure. Called at the start of each task so a
// past emergency does not poison unrelated work.
func (m *Monitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exceeded = false
	m.reason = ""
}
