package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/starschema-etl/internal/config"
)

// Checker collects a run snapshot on a fixed interval, reports the state of
// the pipelines and sends whatever alerts the snapshot triggers.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
	log       *zap.Logger
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		log:       zap.L().With(zap.String("component", "monitoring.checker")),
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	c.log.Info("starting run checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
		zap.Float64("fail_rate_threshold", c.cfg.FailureRateThreshold),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info("run checker stopped")
			return
		case <-ticker.C:
			c.check(ctx)
		}
	}
}

// check returns the number of alerts delivered.
func (c *Checker) check(ctx context.Context) int {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		c.log.Error("monitoring: failed to collect run metrics", zap.Error(err))
		return 0
	}

	fields := []zap.Field{
		zap.Int("runs", snap.RunsTotal),
		zap.Int("in_flight", snap.RunsInFlight),
		zap.Int("accepted", snap.RunsAccepted),
		zap.Int("rejected", snap.RunsRejected),
		zap.Float64("fail_rate", snap.FailRate),
	}
	if snap.MeanGateScore != nil {
		fields = append(fields, zap.Float64("mean_gate_score", *snap.MeanGateScore))
	}
	if len(snap.FailingVerticals) > 0 {
		c.log.Warn("monitoring: verticals with no finished run",
			append(fields, zap.Strings("failing_verticals", snap.FailingVerticals))...)
	} else {
		c.log.Debug("monitoring: run snapshot", fields...)
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		return 0
	}
	sent := c.alerter.SendAlerts(ctx, alerts)
	c.log.Info("monitoring: alerts sent",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return sent
}
