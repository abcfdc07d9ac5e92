/*
scheduler.go - Background month-close watcher

PURPOSE:
  Periodically checks the previous calendar month for contracts that still
  need operator attention and publishes the counts as gauges.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - A month is "divergent" for a contract when its audit record is DIVERGENT
  - A month is "pending" for an active contract with no settlement record
  - Never writes: closing a month stays an operator action

CONFIGURATION:
  - scheduler.interval: How often to check (default: 1 hour)
  - scheduler.enabled:  Whether the watcher is active (default: true)

USAGE:
  watcher := NewCloseWatcher(store, metrics, logger)
  watcher.Start()
  // ... later
  watcher.Stop()

SEE ALSO:
  - handlers.go: ClosingStatus endpoint (same check on demand)
  - rateio/closing.go: Month close
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/solarshare/rateio-engine/rateio"
)

// ClosingStatus lists the contracts needing attention for one month.
type ClosingStatus struct {
	Month     rateio.Month
	Divergent []rateio.ContractID
	Pending   []rateio.ContractID
}

// CheckClosings inspects every contract for month. Suspended and
// terminated contracts are never pending.
func CheckClosings(ctx context.Context, store rateio.Store, month rateio.Month) (ClosingStatus, error) {
	status := ClosingStatus{Month: month}

	contracts, err := store.ListContracts(ctx)
	if err != nil {
		return status, err
	}
	for _, c := range contracts {
		audits, err := store.ListAuditRecords(ctx, c.ID)
		if err != nil {
			return status, err
		}
		for _, a := range audits {
			if a.Month == month && a.Status == rateio.StatusDivergent {
				status.Divergent = append(status.Divergent, c.ID)
				break
			}
		}

		if c.Status != rateio.ContractActive {
			continue
		}
		settlements, err := store.ListSettlementRecords(ctx, c.ID)
		if err != nil {
			return status, err
		}
		closed := false
		for _, s := range settlements {
			if s.Month == month {
				closed = true
				break
			}
		}
		if !closed {
			status.Pending = append(status.Pending, c.ID)
		}
	}
	return status, nil
}

// CloseWatcher runs CheckClosings for the previous month on a ticker.
type CloseWatcher struct {
	Store         rateio.Store
	Metrics       *Metrics
	Logger        *zap.Logger
	CheckInterval time.Duration
	Enabled       bool
	Now           func() time.Time

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewCloseWatcher creates a watcher with a one hour interval.
func NewCloseWatcher(store rateio.Store, metrics *Metrics, logger *zap.Logger) *CloseWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CloseWatcher{
		Store:         store,
		Metrics:       metrics,
		Logger:        logger,
		CheckInterval: time.Hour,
		Enabled:       true,
		Now:           time.Now,
	}
}

// Start begins the watcher.
func (cw *CloseWatcher) Start() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if !cw.Enabled {
		cw.Logger.Info("close watcher disabled, not starting")
		return
	}
	if cw.ticker != nil {
		return
	}

	cw.ticker = time.NewTicker(cw.CheckInterval)
	cw.stop = make(chan struct{})
	cw.wg.Add(1)

	go cw.run(cw.ticker, cw.stop)

	cw.Logger.Info("close watcher started", zap.Duration("interval", cw.CheckInterval))
}

// Stop stops the watcher and waits for an in-flight check.
func (cw *CloseWatcher) Stop() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.ticker == nil {
		return
	}
	cw.ticker.Stop()
	close(cw.stop)
	cw.wg.Wait()
	cw.ticker = nil
	cw.Logger.Info("close watcher stopped")
}

func (cw *CloseWatcher) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer cw.wg.Done()

	// Run immediately on start
	cw.RunNow()

	for {
		select {
		case <-ticker.C:
			cw.RunNow()
		case <-stop:
			return
		}
	}
}

// RunNow checks the previous month immediately and updates the gauges.
func (cw *CloseWatcher) RunNow() (ClosingStatus, error) {
	month := rateio.MonthOf(cw.Now().UTC()).Prev()

	status, err := CheckClosings(context.Background(), cw.Store, month)
	if err != nil {
		cw.Logger.Error("close watcher check failed", zap.String("month", month.String()), zap.Error(err))
		return status, err
	}

	if cw.Metrics != nil {
		cw.Metrics.divergentAudits.Set(float64(len(status.Divergent)))
		cw.Metrics.pendingClosings.Set(float64(len(status.Pending)))
	}
	if len(status.Divergent) > 0 || len(status.Pending) > 0 {
		cw.Logger.Info("months awaiting attention",
			zap.String("month", month.String()),
			zap.Int("divergent", len(status.Divergent)),
			zap.Int("pending", len(status.Pending)))
	}
	return status, nil
}
