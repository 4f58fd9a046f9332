/*
scheduler.go - Commitment deadline monitor

PURPOSE:
  Periodically looks for Active credit notes whose commitment deadline is
  close (or already past) and reports them: one warning log line per note
  and the credit_ledger_monitor_deadline_warnings gauge.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Read-only: never changes a note, so it takes no ledger locks
  - A failed pass is logged and counted; the next tick tries again

CONFIGURATION ([monitor] in the config file):
  - Interval:    How often to check (default: 1 hour)
  - WarningDays: Window ahead of today (default: 7)
  - Enabled:     Whether the monitor runs (default: true)

USAGE:
  monitor := NewDeadlineMonitor(ledger, logger)
  monitor.Start()
  // ... later
  monitor.Stop()

SEE ALSO:
  - handlers.go: GetDeadlineWarnings (same query on demand)
  - observability/metrics.go: DeadlineWarnings, MonitorRuns
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/credit-ledger/ledger"
	"github.com/warp/credit-ledger/observability"
)

// DeadlineMonitor reports credit notes approaching their deadline.
type DeadlineMonitor struct {
	Ledger      *ledger.Ledger
	Logger      *slog.Logger
	Interval    time.Duration
	WarningDays int
	Enabled     bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewDeadlineMonitor creates a monitor with the default interval and window.
func NewDeadlineMonitor(l *ledger.Ledger, logger *slog.Logger) *DeadlineMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadlineMonitor{
		Ledger:      l,
		Logger:      logger.With("component", "deadline-monitor"),
		Interval:    time.Hour,
		WarningDays: ledger.DefaultWarningDays,
		Enabled:     true,
	}
}

// Start begins the monitor. Calling Start on a running monitor is a no-op.
func (m *DeadlineMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.Enabled {
		m.Logger.Info("disabled, not starting")
		return
	}
	if m.ticker != nil {
		return
	}

	m.ticker = time.NewTicker(m.Interval)
	m.stop = make(chan struct{})
	m.wg.Add(1)

	go m.run(m.ticker, m.stop)

	m.Logger.Info("started", "interval", m.Interval, "warning_days", m.WarningDays)
}

// Stop stops the monitor and waits for an in-flight pass to finish.
func (m *DeadlineMonitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ticker == nil {
		return
	}
	m.ticker.Stop()
	close(m.stop)
	m.wg.Wait()
	m.ticker = nil
	m.Logger.Info("stopped")
}

func (m *DeadlineMonitor) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer m.wg.Done()

	// Run immediately on start
	m.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			m.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow performs one pass and returns the notes inside the window.
func (m *DeadlineMonitor) RunNow(ctx context.Context) ([]ledger.CreditNote, error) {
	notes, err := m.Ledger.DeadlineWarnings(ctx, m.WarningDays)
	if err != nil {
		observability.MonitorRuns.WithLabelValues("error").Inc()
		m.Logger.Error("deadline check failed", "error", err)
		return nil, err
	}
	observability.MonitorRuns.WithLabelValues("ok").Inc()
	observability.DeadlineWarnings.Set(float64(len(notes)))

	for _, n := range notes {
		m.Logger.Warn("credit note close to commitment deadline",
			"credit_note", n.Number,
			"deadline", n.Deadline.Format(dateLayout),
			"available", n.Available.StringFixed(2))
	}
	if len(notes) > 0 {
		m.Logger.Info("deadline check completed", "warnings", len(notes))
	}
	return notes, nil
}
