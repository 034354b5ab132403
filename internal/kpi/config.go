// Package kpi derives entity ratios, cohort benchmarks, concentration
// indices, and coverage statistics from a modeled star schema.
package kpi

import (
	"github.com/rotisserie/eris"
)

// Aggregations applied when an entity has several facts for one metric.
const (
	AggSum    = "sum"
	AggFirst  = "first"
	AggMean   = "mean"
	AggMax    = "max"
	AggLatest = "latest"
)

// Config describes how to pivot facts into entity metrics.
type Config struct {
	// Fact restricts the input to one fact table. Empty uses all facts.
	Fact string `yaml:"fact" json:"fact,omitempty"`
	// EntityDimension identifies entities by its natural key.
	EntityDimension string `yaml:"entity_dimension" json:"entity_dimension"`
	// EntityLabel is an attribute of the entity dimension shown as its name.
	EntityLabel string `yaml:"entity_label" json:"entity_label,omitempty"`
	// MetricDimension and ValueMeasure select long format: the metric name
	// is the metric dimension's natural key and the value one measure.
	MetricDimension string `yaml:"metric_dimension" json:"metric_dimension,omitempty"`
	ValueMeasure    string `yaml:"value_measure" json:"value_measure,omitempty"`
	// Measures select wide format. Empty uses every measure.
	Measures    []string `yaml:"measures" json:"measures,omitempty"`
	Aggregation string   `yaml:"aggregation" json:"aggregation,omitempty"`
	// PeriodTypes keeps only facts whose period_type is listed.
	PeriodTypes []string `yaml:"period_types" json:"period_types,omitempty"`

	Composites    []CompositeSpec     `yaml:"composites" json:"composites,omitempty"`
	Ratios        []RatioSpec         `yaml:"ratios" json:"ratios,omitempty"`
	Benchmarks    []string            `yaml:"benchmarks" json:"benchmarks,omitempty"`
	Concentration []ConcentrationSpec `yaml:"concentration" json:"concentration,omitempty"`
}

// CompositeSpec sums several metrics of an entity into a new metric.
// Metrics lists the candidates; empty means every metric. In long format
// Where and Exclude filter candidates by attributes of the metric
// dimension's current row.
type CompositeSpec struct {
	Name    string            `yaml:"name" json:"name"`
	Metrics []string          `yaml:"metrics" json:"metrics,omitempty"`
	Where   map[string]string `yaml:"where" json:"where,omitempty"`
	Exclude map[string]string `yaml:"exclude" json:"exclude,omitempty"`
}

// RatioSpec is (numerator - less...) / denominator * scale.
type RatioSpec struct {
	Name        string `yaml:"name" json:"name"`
	Numerator   string `yaml:"numerator" json:"numerator"`
	Denominator string `yaml:"denominator" json:"denominator"`
	// Less are metrics subtracted from the numerator, e.g. inventory for
	// a quick ratio. A missing one makes the ratio null.
	Less  []string `yaml:"less" json:"less,omitempty"`
	Scale float64  `yaml:"scale" json:"scale,omitempty"`
}

// ConcentrationSpec computes an HHI over entity totals of one metric.
type ConcentrationSpec struct {
	Name   string `yaml:"name" json:"name"`
	Metric string `yaml:"metric" json:"metric"`
	TopN   int    `yaml:"top_n" json:"top_n,omitempty"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.EntityDimension == "" {
		return eris.New("kpi: entity_dimension is required")
	}
	if (c.MetricDimension == "") != (c.ValueMeasure == "") {
		return eris.New("kpi: metric_dimension and value_measure must be set together")
	}
	switch c.Aggregation {
	case "", AggSum, AggFirst, AggMean, AggMax, AggLatest:
	default:
		return eris.Errorf("kpi: unknown aggregation %q", c.Aggregation)
	}
	names := make(map[string]bool, len(c.Ratios)+len(c.Composites))
	for _, cs := range c.Composites {
		if cs.Name == "" {
			return eris.New("kpi: composite name is required")
		}
		if names[cs.Name] {
			return eris.Errorf("kpi: duplicate composite %q", cs.Name)
		}
		if (len(cs.Where) > 0 || len(cs.Exclude) > 0) && c.MetricDimension == "" {
			return eris.Errorf("kpi: composite %q filters by attribute but no metric_dimension is set", cs.Name)
		}
		names[cs.Name] = true
	}
	for _, r := range c.Ratios {
		if r.Name == "" || r.Numerator == "" || r.Denominator == "" {
			return eris.Errorf("kpi: ratio %q is incomplete", r.Name)
		}
		if names[r.Name] {
			return eris.Errorf("kpi: duplicate ratio %q", r.Name)
		}
		names[r.Name] = true
	}
	for _, s := range c.Concentration {
		if s.Name == "" || s.Metric == "" {
			return eris.New("kpi: concentration needs a name and a metric")
		}
	}
	return nil
}

func (c Config) aggregation() string {
	if c.Aggregation == "" {
		return AggSum
	}
	return c.Aggregation
}
