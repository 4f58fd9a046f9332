// Package observability exports ledger activity as Prometheus metrics.
//
// This provides:
//   - Operation counters and latency histograms per ledger entry point
//   - Status transition counters (active, fully_committed, returned)
//   - A gauge of Active credit notes close to their commitment deadline
package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warp/credit-ledger/ledger"
)

// =============================================================================
// LEDGER METRICS
// =============================================================================

// LedgerOperations counts finished ledger operations by outcome.
var LedgerOperations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credit_ledger",
	Subsystem: "ledger",
	Name:      "operations_total",
	Help:      "Ledger operations by operation and outcome.",
}, []string{"operation", "outcome"})

// LedgerOperationDuration observes lock wait plus transaction time.
var LedgerOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "credit_ledger",
	Subsystem: "ledger",
	Name:      "operation_duration_seconds",
	Help:      "Ledger operation latency including the per-note lock wait.",
	Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
}, []string{"operation"})

// StatusTransitions counts committed credit note status changes.
var StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credit_ledger",
	Subsystem: "credit_note",
	Name:      "status_transitions_total",
	Help:      "Credit note status transitions.",
}, []string{"from", "to"})

// =============================================================================
// MONITOR METRICS
// =============================================================================

// DeadlineWarnings is the number of Active notes inside the warning window.
var DeadlineWarnings = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "credit_ledger",
	Subsystem: "monitor",
	Name:      "deadline_warnings",
	Help:      "Active credit notes whose commitment deadline is within the warning window.",
})

// MonitorRuns counts deadline monitor passes by result.
var MonitorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credit_ledger",
	Subsystem: "monitor",
	Name:      "runs_total",
	Help:      "Deadline monitor passes by result.",
}, []string{"result"})

// =============================================================================
// RECORDER
// =============================================================================

// Recorder feeds ledger callbacks into the package metrics.
type Recorder struct{}

// NewRecorder returns a ledger.Observer backed by the package metrics.
func NewRecorder() *Recorder { return &Recorder{} }

func (Recorder) OperationFinished(op ledger.Operation, elapsed time.Duration, err error) {
	LedgerOperations.WithLabelValues(string(op), Outcome(err)).Inc()
	LedgerOperationDuration.WithLabelValues(string(op)).Observe(elapsed.Seconds())
}

func (Recorder) StatusChanged(from, to ledger.Status) {
	StatusTransitions.WithLabelValues(string(from), string(to)).Inc()
}

// Outcome maps an operation error onto a low-cardinality label value.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ledger.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ledger.ErrConflict):
		return "conflict"
	case errors.Is(err, ledger.ErrForbidden):
		return "forbidden"
	case errors.Is(err, ledger.ErrValidation):
		return "validation"
	}
	return "error"
}

var _ ledger.Observer = Recorder{}
