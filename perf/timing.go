// Package perf provides timing instrumentation for one realisation's
// build/substitute phases: how long the builder ran, how long
// computeClosure's scan-and-hash pass took, how long a substitute program
// took per candidate.
package perf

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Timer tracks one named operation's wall-clock duration.
type Timer struct {
	name      string
	startTime time.Time
	logger    logrus.FieldLogger
}

// Start begins timing an operation.
func Start(name string, logger logrus.FieldLogger) *Timer {
	return &Timer{name: name, startTime: time.Now(), logger: logger}
}

// Stop ends timing and logs the duration at info level.
func (t *Timer) Stop() time.Duration {
	duration := time.Since(t.startTime)
	if t.logger != nil {
		t.logger.WithFields(logrus.Fields{
			"operation":   t.name,
			"duration_ms": duration.Milliseconds(),
		}).Info("operation completed")
	}
	return duration
}

// StopWithThreshold logs a warning instead of an info line when duration
// exceeds threshold — used for phases with an expected upper bound, like a
// substitute candidate that should fail fast rather than hang.
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	duration := time.Since(t.startTime)
	if t.logger != nil {
		fields := logrus.Fields{"operation": t.name, "duration_ms": duration.Milliseconds()}
		if duration > threshold {
			t.logger.WithFields(fields).Warn("operation exceeded threshold")
		} else {
			t.logger.WithFields(fields).Debug("operation completed")
		}
	}
	return duration
}

// RealisationMetrics accumulates phase timings for one top-level realise
// call, across however many derivation/substitution goals it spawns.
// Grounded on the teacher's PipelineMetrics, with the image-pipeline
// phases (download/unpack/activate, stabilizePool/udevSettle) replaced by
// this engine's own phases.
type RealisationMetrics struct {
	mu sync.Mutex

	BuildDuration       time.Duration
	SubstituteDuration  time.Duration
	ClosureScanDuration time.Duration
	HashDuration        time.Duration

	BuildCount      int
	SubstituteCount int
	SubstituteFails int
}

// NewRealisationMetrics creates a new metrics accumulator.
func NewRealisationMetrics() *RealisationMetrics {
	return &RealisationMetrics{}
}

// RecordBuild adds one builder invocation's duration.
func (m *RealisationMetrics) RecordBuild(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BuildDuration += d
	m.BuildCount++
}

// RecordSubstitute adds one substitute candidate's duration; failed
// reports whether that candidate was abandoned for the next one.
func (m *RealisationMetrics) RecordSubstitute(d time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SubstituteDuration += d
	m.SubstituteCount++
	if failed {
		m.SubstituteFails++
	}
}

// RecordClosureScan adds one computeClosure pass's scan+hash duration.
func (m *RealisationMetrics) RecordClosureScan(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ClosureScanDuration += d
}

// Summary returns a formatted report, printed by `storeforge realise
// --print-metrics`.
func (m *RealisationMetrics) Summary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fmt.Sprintf(
		"builds: %d (%v)  substitute attempts: %d, %d failed (%v)  closure scans: %v",
		m.BuildCount, m.BuildDuration, m.SubstituteCount, m.SubstituteFails, m.SubstituteDuration, m.ClosureScanDuration,
	)
}
