package quality

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/starschema-etl/internal/model"
)

// Report is the outcome of running every gate over one run.
type Report struct {
	OverallScore        float64             `json:"overall_score"`
	AcceptanceThreshold float64             `json:"acceptance_threshold"`
	FatalFloor          float64             `json:"fatal_floor"`
	Accepted            bool                `json:"accepted"`
	Fatal               bool                `json:"fatal"`
	FatalReason         string              `json:"fatal_reason,omitempty"`
	Gates               []model.GateResult  `json:"gates"`
	Annotations         map[string][]string `json:"annotations,omitempty"`
}

// Gate returns a gate result by name.
func (r *Report) Gate(name string) (model.GateResult, bool) {
	for _, g := range r.Gates {
		if g.Name == name {
			return g, true
		}
	}
	return model.GateResult{}, false
}

// GateFailedError is returned when the overall score is below the fatal
// floor or a critical gate fails. The report is still returned with it.
type GateFailedError struct {
	Score  float64
	Floor  float64
	Failed []string
	Reason string
}

func (e *GateFailedError) Error() string {
	return fmt.Sprintf("quality gate failed: %s (overall %.4f, floor %.4f, failed gates: %s)",
		e.Reason, e.Score, e.Floor, strings.Join(e.Failed, ","))
}

type annotations map[string]map[string]bool

func (a annotations) add(factID, flag string) {
	if a[factID] == nil {
		a[factID] = make(map[string]bool)
	}
	a[factID][flag] = true
}

func (a annotations) export() map[string][]string {
	if len(a) == 0 {
		return nil
	}
	out := make(map[string][]string, len(a))
	for id, flags := range a {
		list := make([]string, 0, len(flags))
		for f := range flags {
			list = append(list, f)
		}
		sort.Strings(list)
		out[id] = list
	}
	return out
}

// Run evaluates the enabled gates, normalizes their weights to sum to 1,
// and decides acceptance. Rows are annotated, never removed.
func Run(in Input, gates []GateConfig, policy Policy) (*Report, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	log := zap.L().With(zap.String("component", "quality"))
	in.policy = policy.Restatement

	var enabled []GateConfig
	for _, g := range gates {
		if g.Disabled {
			continue
		}
		if _, ok := catalogue[g.Name]; !ok {
			return nil, eris.Errorf("quality: unknown gate %q", g.Name)
		}
		if g.Name == GateRestatement {
			g.Weight = 0
			g.Critical = false
		}
		if g.Weight < 0 {
			return nil, eris.Errorf("quality: gate %q has negative weight", g.Name)
		}
		enabled = append(enabled, g)
	}
	weights := normalizeWeights(enabled)

	ann := annotations{}
	report := &Report{
		AcceptanceThreshold: policy.AcceptanceThreshold,
		FatalFloor:          policy.FatalFloor,
	}
	var weighted, weightSum float64
	var criticalFailed, failed []string
	for i, g := range enabled {
		score, detail := catalogue[g.Name](&in, g, ann)
		score = clamp(score)
		passed := score >= g.Threshold
		if forced, _ := detail[detailForceFail].(bool); forced {
			passed = false
		}
		if g.Name == GateRestatement {
			passed = true
		}
		res := model.GateResult{
			Name:      g.Name,
			Score:     score,
			Weight:    weights[i],
			Threshold: g.Threshold,
			Passed:    passed,
			Critical:  g.Critical,
			Detail:    detail,
		}
		report.Gates = append(report.Gates, res)
		weighted += score * weights[i]
		weightSum += weights[i]

		if !passed {
			failed = append(failed, g.Name)
			if g.Critical {
				criticalFailed = append(criticalFailed, g.Name)
			}
		}
		log.Debug("gate evaluated",
			zap.String("gate", g.Name),
			zap.Float64("score", score),
			zap.Bool("passed", passed),
		)
	}

	if weightSum > 0 {
		report.OverallScore = clamp(weighted / weightSum)
	}
	report.Accepted = report.OverallScore >= policy.AcceptanceThreshold && len(criticalFailed) == 0
	report.Annotations = ann.export()

	switch {
	case len(criticalFailed) > 0:
		report.Fatal = true
		report.FatalReason = "critical gate failed: " + strings.Join(criticalFailed, ",")
	case report.OverallScore < policy.FatalFloor:
		report.Fatal = true
		report.FatalReason = fmt.Sprintf("overall score %.4f below fatal floor %.4f", report.OverallScore, policy.FatalFloor)
	}

	log.Info("quality gates evaluated",
		zap.Float64("overall_score", report.OverallScore),
		zap.Bool("accepted", report.Accepted),
		zap.Bool("fatal", report.Fatal),
		zap.Strings("failed", failed),
		zap.Int("annotated_facts", len(report.Annotations)),
	)

	if report.Fatal {
		return report, &GateFailedError{
			Score:  report.OverallScore,
			Floor:  policy.FatalFloor,
			Failed: failed,
			Reason: report.FatalReason,
		}
	}
	return report, nil
}

// normalizeWeights scales weights to sum to 1. When every weight is zero
// the scored gates share equally.
func normalizeWeights(gates []GateConfig) []float64 {
	out := make([]float64, len(gates))
	var sum float64
	for _, g := range gates {
		sum += g.Weight
	}
	if sum > 0 {
		for i, g := range gates {
			out[i] = g.Weight / sum
		}
		return out
	}
	var scored int
	for _, g := range gates {
		if g.Name != GateRestatement {
			scored++
		}
	}
	for i, g := range gates {
		if g.Name != GateRestatement {
			out[i] = 1 / float64(scored)
		}
	}
	return out
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
