package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/threadvault/internal/config"
)

// minAnomalySamples is the number of outcomes needed before a rate is judged.
const minAnomalySamples = 5

// AnomalyDetector flags store operations whose error rate over a sliding
// window exceeds a threshold. An anomaly fires once when an operation crosses
// the threshold and again only after its rate has dropped back below it.
type AnomalyDetector struct {
	mu     sync.Mutex
	ops    map[string]*outcomeWindow
	cfg    *config.AnomalyConfig
	logger *slog.Logger
	now    func() time.Time

	// onAnomaly is called with mu held.
	onAnomaly func(operation string, rate float64)
}

type outcome struct {
	at     time.Time
	failed bool
}

// outcomeWindow keeps the outcomes of one operation in arrival order.
type outcomeWindow struct {
	outcomes []outcome
	failures int
	firing   bool
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	if cfg == nil {
		cfg = &config.AnomalyConfig{}
	}
	return &AnomalyDetector{
		ops:    make(map[string]*outcomeWindow),
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

func (a *AnomalyDetector) window() time.Duration {
	if a.cfg.WindowSeconds > 0 {
		return time.Duration(a.cfg.WindowSeconds) * time.Second
	}
	return 5 * time.Minute
}

// RecordError records a failed operation and evaluates the threshold.
func (a *AnomalyDetector) RecordError(operation string) {
	a.record(operation, true)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	a.record(operation, false)
}

func (a *AnomalyDetector) record(operation string, failed bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.ops[operation]
	if !ok {
		w = &outcomeWindow{}
		a.ops[operation] = w
	}
	now := a.now()
	w.outcomes = append(w.outcomes, outcome{at: now, failed: failed})
	if failed {
		w.failures++
	}
	w.expire(now.Add(-a.window()))
	a.evaluate(operation, w)
}

// ErrorRate returns the error ratio of an operation within the window.
func (a *AnomalyDetector) ErrorRate(operation string) float64 {
	if a == nil {
		return 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.ops[operation]
	if !ok {
		return 0
	}
	w.expire(a.now().Add(-a.window()))
	return w.rate()
}

func (a *AnomalyDetector) evaluate(operation string, w *outcomeWindow) {
	threshold := a.cfg.ErrorRateThreshold
	if threshold <= 0 || len(w.outcomes) < minAnomalySamples {
		return
	}

	rate := w.rate()
	if rate <= threshold {
		w.firing = false
		return
	}
	if w.firing {
		return
	}
	w.firing = true

	if a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", threshold),
			slog.Int("failures", w.failures),
			slog.Int("total", len(w.outcomes)),
		)
	}
	if a.onAnomaly != nil {
		a.onAnomaly(operation, rate)
	}
}

// expire drops outcomes recorded before cutoff.
func (w *outcomeWindow) expire(cutoff time.Time) {
	i := 0
	for i < len(w.outcomes) && w.outcomes[i].at.Before(cutoff) {
		if w.outcomes[i].failed {
			w.failures--
		}
		i++
	}
	if i > 0 {
		w.outcomes = w.outcomes[i:]
	}
}

func (w *outcomeWindow) rate() float64 {
	if len(w.outcomes) == 0 {
		return 0
	}
	return float64(w.failures) / float64(len(w.outcomes))
}
