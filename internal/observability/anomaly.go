package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/hpcbridge/internal/config"
)

// minSamples is the number of calls a window needs before a rate is judged.
const minSamples = 5

// AnomalyDetector tracks per-capability error rates over a sliding window and
// warns when a rate crosses the configured threshold.
type AnomalyDetector struct {
	mu        sync.Mutex
	errors    map[string]*slidingWindow
	successes map[string]*slidingWindow
	threshold float64
	window    time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

type slidingWindow struct {
	stamps []time.Time
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	secs := cfg.WindowSeconds
	if secs <= 0 {
		secs = 300
	}
	return &AnomalyDetector{
		errors:    make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		threshold: cfg.ErrorRateThreshold,
		window:    time.Duration(secs) * time.Second,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordError records a failed call.
func (a *AnomalyDetector) RecordError(capability string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.windowFor(a.errors, capability).add(a.now())
	if rate, total, ok := a.rateLocked(capability); ok && rate > a.threshold && a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("capability", capability),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("calls", total),
		)
	}
}

// RecordSuccess records a successful call.
func (a *AnomalyDetector) RecordSuccess(capability string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.windowFor(a.successes, capability).add(a.now())
}

// ErrorRate returns the current error rate of capability and whether enough
// calls were seen to judge it.
func (a *AnomalyDetector) ErrorRate(capability string) (float64, bool) {
	if a == nil {
		return 0, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	rate, _, ok := a.rateLocked(capability)
	return rate, ok
}

// Check fails when any capability is above the threshold. It is meant to be
// registered as a readiness check.
func (a *AnomalyDetector) Check(_ context.Context) error {
	if a == nil || a.threshold <= 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	var hot []string
	for capability := range a.errors {
		if rate, _, ok := a.rateLocked(capability); ok && rate > a.threshold {
			hot = append(hot, fmt.Sprintf("%s=%.2f", capability, rate))
		}
	}
	if len(hot) > 0 {
		sort.Strings(hot)
		return fmt.Errorf("error rate above %.2f: %v", a.threshold, hot)
	}
	return nil
}

// rateLocked must be called with a.mu held.
func (a *AnomalyDetector) rateLocked(capability string) (float64, int, bool) {
	if a.threshold <= 0 {
		return 0, 0, false
	}
	now := a.now()
	errs := a.windowFor(a.errors, capability).count(now, a.window)
	oks := a.windowFor(a.successes, capability).count(now, a.window)
	total := errs + oks
	if total < minSamples {
		return 0, total, false
	}
	return float64(errs) / float64(total), total, true
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(t time.Time) {
	w.stamps = append(w.stamps, t)
}

// count prunes entries older than window and returns how many remain.
func (w *slidingWindow) count(now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = w.stamps[i:]
	}
	return len(w.stamps)
}
