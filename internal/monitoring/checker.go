// Package monitoring watches search run health and raises webhook alerts
// when failure rate, spend or stalled runs cross configured thresholds.
package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jononovo/send-claw2-sub007/internal/config"
	"github.com/jononovo/send-claw2-sub007/internal/metrics"
)

const defaultCheckInterval = 5 * time.Minute

// Checker collects a snapshot on an interval, publishes it as gauges and
// sends whatever alerts it triggers.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int
}

// NewChecker creates a Checker. A non-positive CheckIntervalSecs uses five
// minutes.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  cfg.LookbackWindowHours,
	}
}

// Run checks once immediately and then on every tick until ctx ends.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() == nil {
			c.Check(ctx)
		}
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// Check runs one collect-evaluate-send cycle and returns the alerts it
// raised, including any held back by cooldown.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))

	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil
	}
	publish(snap)

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}

func publish(snap *MetricsSnapshot) {
	metrics.WindowRuns.WithLabelValues("complete").Set(float64(snap.RunsComplete))
	metrics.WindowRuns.WithLabelValues("failed").Set(float64(snap.RunsFailed))
	metrics.WindowRuns.WithLabelValues("cancelled").Set(float64(snap.RunsCancelled))
	metrics.WindowRuns.WithLabelValues("running").Set(float64(snap.RunsRunning))
	metrics.WindowRuns.WithLabelValues("stuck").Set(float64(snap.RunsStuck))
	metrics.WindowFailRate.Set(snap.FailRate)
	metrics.WindowSpendUSD.Set(snap.CostUSD)
}
