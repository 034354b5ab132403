package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/starschema-etl/internal/config"
)

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		FailureRateThreshold: 0.10,
		MinGateScore:         0.85,
		LookbackWindowHours:  24,
	}
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		RunsTotal:     20,
		RunsDone:      19,
		RunsFailed:    1,
		FailRate:      0.05,
		MeanGateScore: ptr(0.93),
		LookbackHours: 24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_FailureRate(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		RunsTotal:     20,
		RunsDone:      12,
		RunsFailed:    8,
		FailRate:      0.4,
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertRunFailureRate, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "40.0%")
	assert.Equal(t, 20, alerts[0].Details["finished"])
}

func TestAlerter_Evaluate_FailureRateNeedsEnoughRuns(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		RunsTotal:     3,
		RunsDone:      1,
		RunsFailed:    2,
		FailRate:      0.67,
		LookbackHours: 24,
	}

	assert.Empty(t, a.Evaluate(snap))
}

func TestAlerter_Evaluate_LowGateScore(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		RunsTotal:     4,
		RunsDone:      4,
		RunsAccepted:  1,
		RunsRejected:  3,
		MeanGateScore: ptr(0.7),
		LookbackHours: 24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertLowGateScore, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "0.700")
	assert.Contains(t, alerts[0].Message, "3 rejected")
}

func TestAlerter_Evaluate_GateScoreDisabled(t *testing.T) {
	cfg := testMonitoringConfig()
	cfg.MinGateScore = 0
	a := NewAlerter(cfg)

	assert.Empty(t, a.Evaluate(&MetricsSnapshot{MeanGateScore: ptr(0.1)}))
}

func TestAlerter_Evaluate_FailingVerticals(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		RunsTotal:        2,
		RunsFailed:       2,
		FailRate:         1,
		FailingVerticals: []string{"energy_grid", "gaming"},
		LookbackHours:    6,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertVerticalFailing, alerts[0].Type)
	assert.Equal(t, "No successful run in last 6h for: energy_grid, gaming", alerts[0].Message)
}

func TestAlerter_Evaluate_Multiple(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())

	snap := &MetricsSnapshot{
		RunsTotal:        10,
		RunsDone:         5,
		RunsFailed:       5,
		FailRate:         0.5,
		MeanGateScore:    ptr(0.5),
		FailingVerticals: []string{"gaming"},
		LookbackHours:    24,
	}

	alerts := a.Evaluate(snap)
	require.Len(t, alerts, 3)
	assert.Equal(t, AlertRunFailureRate, alerts[0].Type)
	assert.Equal(t, AlertLowGateScore, alerts[1].Type)
	assert.Equal(t, AlertVerticalFailing, alerts[2].Type)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	var last Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&last))
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = srv.URL
	a := NewAlerter(cfg)

	alerts := []Alert{
		{Type: AlertRunFailureRate, Severity: "high", Message: "first"},
		{Type: AlertVerticalFailing, Severity: "high", Message: "second"},
	}

	sent := a.SendAlerts(context.Background(), alerts)
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
	assert.Equal(t, AlertVerticalFailing, last.Type)
	assert.Equal(t, "second", last.Message)
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testMonitoringConfig()
	cfg.WebhookURL = srv.URL
	a := NewAlerter(cfg)

	sent := a.SendAlerts(context.Background(), []Alert{{Type: AlertLowGateScore}})
	assert.Equal(t, 0, sent)
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(testMonitoringConfig())
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertLowGateScore}}))
}

func TestAlerter_SendAlerts_Unreachable(t *testing.T) {
	cfg := testMonitoringConfig()
	cfg.WebhookURL = "http://127.0.0.1:1/hook"
	a := NewAlerter(cfg)

	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertLowGateScore}}))
}
