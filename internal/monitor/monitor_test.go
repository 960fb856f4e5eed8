package monitor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, cleanup func(Level)) *Monitor {
	t.Helper()
	m, err := New(Config{
		Interval:    20 * time.Second,
		WarningMB:   2500,
		CriticalMB:  3500,
		EmergencyMB: 5000,
		Cooldown:    30 * time.Second,
	}, cleanup)
	require.NoError(t, err)
	return m
}

func TestClassify(t *testing.T) {
	m := newTestMonitor(t, nil)

	assert.Equal(t, LevelOK, m.Classify(1000))
	assert.Equal(t, LevelOK, m.Classify(2499))
	assert.Equal(t, LevelWarning, m.Classify(2500))
	assert.Equal(t, LevelWarning, m.Classify(3499))
	assert.Equal(t, LevelCritical, m.Classify(3500))
	assert.Equal(t, LevelCritical, m.Classify(4999))
	assert.Equal(t, LevelEmergency, m.Classify(5000))
	assert.Equal(t, LevelEmergency, m.Classify(8000))
}

func TestRealSampleWorks(t *testing.T) {
	m := newTestMonitor(t, nil)
	rss, err := m.RSSMB()
	require.NoError(t, err)
	assert.Greater(t, rss, 0.0)
}

func TestCriticalTriggersCleanupWithCooldown(t *testing.T) {
	var cleanups int32
	m := newTestMonitor(t, func(level Level) {
		atomic.AddInt32(&cleanups, 1)
		assert.Equal(t, LevelCritical, level)
	})
	m.sample = func() (float64, error) { return 4000, nil }

	m.Check()
	m.Check()
	m.Check()

	// Only the first check runs cleanup; the rest land inside the cooldown
	assert.Equal(t, int32(1), atomic.LoadInt32(&cleanups))

	exceeded, _ := m.Exceeded()
	assert.False(t, exceeded, "critical never latches a failure")
}

func TestCooldownExpiryAllowsAnotherCleanup(t *testing.T) {
	var cleanups int32
	m := newTestMonitor(t, func(Level) { atomic.AddInt32(&cleanups, 1) })
	m.sample = func() (float64, error) { return 4000, nil }

	m.Check()
	m.lastCleanup = time.Now().Add(-time.Minute)
	m.Check()

	assert.Equal(t, int32(2), atomic.LoadInt32(&cleanups))
}

func TestEmergencyLatchesWhenCleanupDoesNotRecover(t *testing.T) {
	var cleanups int32
	m := newTestMonitor(t, func(level Level) {
		atomic.AddInt32(&cleanups, 1)
		assert.Equal(t, LevelEmergency, level)
	})
	m.sample = func() (float64, error) { return 6000, nil } // stays high after cleanup

	m.Check()

	assert.Equal(t, int32(1), atomic.LoadInt32(&cleanups))
	exceeded, reason := m.Exceeded()
	assert.True(t, exceeded)
	assert.Contains(t, reason, "emergency threshold")

	// Flag is sticky until reset
	m.sample = func() (float64, error) { return 100, nil }
	m.Check()
	exceeded, _ = m.Exceeded()
	assert.True(t, exceeded)

	m.Reset()
	exceeded, _ = m.Exceeded()
	assert.False(t, exceeded)
}

func TestEmergencyRecoveredByCleanupDoesNotLatch(t *testing.T) {
	samples := []float64{6000, 1200} // high before cleanup, low on re-sample
	idx := 0
	m := newTestMonitor(t, func(Level) {})
	m.sample = func() (float64, error) {
		v := samples[idx]
		if idx < len(samples)-1 {
			idx++
		}
		return v, nil
	}

	m.Check()

	exceeded, _ := m.Exceeded()
	assert.False(t, exceeded, "a recovered emergency must not fail the task")
}

func TestEmergencyCleanupIgnoresCooldown(t *testing.T) {
	var cleanups int32
	m := newTestMonitor(t, func(Level) { atomic.AddInt32(&cleanups, 1) })

	// A critical check first, which starts the cooldown window
	m.sample = func() (float64, error) { return 4000, nil }
	m.Check()
	require.Equal(t, int32(1), atomic.LoadInt32(&cleanups))

	// Emergency right after must still clean up
	m.sample = func() (float64, error) { return 6000, nil }
	m.Check()
	assert.Equal(t, int32(2), atomic.LoadInt32(&cleanups))
}
