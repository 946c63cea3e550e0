package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"evcentral/internal/metrics"
)

const (
	// DefaultHeartbeatTimeout is how long a CP may go silent before the
	// watchdog demotes it.
	DefaultHeartbeatTimeout = 3 * time.Second
	// DefaultWatchdogInterval is the sweep period.
	DefaultWatchdogInterval = time.Second
)

// Watchdog demotes CPs whose heartbeat has gone stale. The demotion is a
// visibility and authorization-gating action only: it never touches the busy
// flag and never terminates a session, because a CP can keep supplying
// through a brief monitor outage.
type Watchdog struct {
	log      *zap.Logger
	cps      *CPState
	audit    Recorder
	metrics  *metrics.Metrics
	timeout  time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewWatchdog(log *zap.Logger, orch *Orchestrator, timeout, interval time.Duration) *Watchdog {
	if timeout <= 0 {
		timeout = DefaultHeartbeatTimeout
	}
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	return &Watchdog{
		log:      log,
		cps:      orch.cps,
		audit:    orch.audit,
		metrics:  orch.metrics,
		timeout:  timeout,
		interval: interval,
		now:      orch.now,
	}
}

// Run sweeps until the context is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(w.now())
		}
	}
}

func (w *Watchdog) sweep(now time.Time) {
	for _, rec := range w.cps.all() {
		rec.mu.Lock()
		stale := rec.connected && now.Sub(rec.lastHeartbeat) > w.timeout
		if stale {
			rec.connected = false
			rec.recompute()
		}
		cpID := rec.cpID
		rec.mu.Unlock()

		if stale {
			w.log.Warn("heartbeat stale, cp disconnected", zap.String("cp", cpID))
			if w.audit != nil {
				w.audit.Event("cp_disconnected", map[string]interface{}{"cp": cpID})
			}
			if w.metrics != nil {
				w.metrics.WatchdogDemotions.Inc()
			}
		}
	}
}
