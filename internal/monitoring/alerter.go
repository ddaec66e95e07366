package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/jononovo/send-claw2-sub007/internal/config"
	"github.com/jononovo/send-claw2-sub007/internal/metrics"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate AlertType = "search_failure_rate"
	AlertCostOverrun AlertType = "cost_overrun"
	AlertStuckRuns   AlertType = "stuck_runs"
)

// Severity levels.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
)

// minFinishedRuns is how many finished runs the failure rate needs before
// it can alert.
const minFinishedRuns = 5

// Alert is one threshold breach.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// webhookPayload carries the alert plus a "text" line so chat webhooks
// render it without a custom template.
type webhookPayload struct {
	Text  string `json:"text"`
	Alert Alert  `json:"alert"`
}

// rule inspects a snapshot and reports a breach.
type rule func(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool)

var rules = []rule{failureRateRule, stuckRunsRule, costRule}

func failureRateRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	finished := snap.RunsComplete + snap.RunsFailed
	if cfg.FailureRateThreshold <= 0 || finished < minFinishedRuns || snap.FailRate <= cfg.FailureRateThreshold {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertFailureRate,
		Severity: SeverityHigh,
		Message: fmt.Sprintf("Search failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
			snap.FailRate*100, cfg.FailureRateThreshold*100, snap.RunsFailed, finished, snap.LookbackHours),
		Details: map[string]any{
			"failure_rate": snap.FailRate,
			"threshold":    cfg.FailureRateThreshold,
			"failed":       snap.RunsFailed,
			"finished":     finished,
		},
	}, true
}

func stuckRunsRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	if snap.RunsStuck == 0 {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertStuckRuns,
		Severity: SeverityMedium,
		Message: fmt.Sprintf("%d search run(s) have made no progress for over %d minutes",
			snap.RunsStuck, cfg.StuckAfterMins),
		Details: map[string]any{
			"stuck":   snap.RunsStuck,
			"running": snap.RunsRunning,
		},
	}, true
}

func costRule(cfg config.MonitoringConfig, snap *MetricsSnapshot) (Alert, bool) {
	if cfg.CostThresholdUSD <= 0 || snap.CostUSD <= cfg.CostThresholdUSD {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertCostOverrun,
		Severity: SeverityHigh,
		Message: fmt.Sprintf("Search spend $%.2f exceeds threshold $%.2f in last %dh",
			snap.CostUSD, cfg.CostThresholdUSD, snap.LookbackHours),
		Details: map[string]any{
			"cost_usd":      snap.CostUSD,
			"threshold_usd": cfg.CostThresholdUSD,
			"runs_complete": snap.RunsComplete,
		},
	}, true
}

// Alerter turns snapshots into alerts and posts them to a webhook. An
// alert type that was delivered within the cooldown is held back.
type Alerter struct {
	cfg      config.MonitoringConfig
	client   *http.Client
	cooldown time.Duration
	nowFunc  func() time.Time

	mu       sync.Mutex
	lastSent map[AlertType]time.Time
}

// NewAlerter creates an Alerter.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:      cfg,
		client:   &http.Client{Timeout: 10 * time.Second},
		cooldown: time.Duration(cfg.AlertCooldownMins) * time.Minute,
		nowFunc:  time.Now,
		lastSent: map[AlertType]time.Time{},
	}
}

// Evaluate returns the alerts the snapshot triggers.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	now := a.nowFunc().UTC()
	var alerts []Alert
	for _, r := range rules {
		if alert, ok := r(a.cfg, snap); ok {
			alert.Timestamp = now
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

// SendAlerts posts alerts to the webhook and returns how many were
// delivered. Alerts still in cooldown are skipped and not counted.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	log := zap.L().With(zap.String("component", "monitoring.alerter"))
	sent := 0
	for _, alert := range alerts {
		if a.cooling(alert.Type) {
			log.Debug("alert in cooldown", zap.String("type", string(alert.Type)))
			continue
		}
		if err := a.post(ctx, alert); err != nil {
			log.Error("monitoring: failed to send alert", zap.String("type", string(alert.Type)), zap.Error(err))
			continue
		}
		a.markSent(alert.Type)
		metrics.AlertsSent.WithLabelValues(string(alert.Type)).Inc()
		log.Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

func (a *Alerter) cooling(t AlertType) bool {
	if a.cooldown <= 0 {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastSent[t]
	return ok && a.nowFunc().Sub(last) < a.cooldown
}

func (a *Alerter) markSent(t AlertType) {
	a.mu.Lock()
	a.lastSent[t] = a.nowFunc()
	a.mu.Unlock()
}

func (a *Alerter) post(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(webhookPayload{
		Text:  fmt.Sprintf("[%s] %s", alert.Severity, alert.Message),
		Alert: alert,
	})
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: post webhook")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
