package kpi

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/sells-group/starschema-etl/internal/model"
	"github.com/sells-group/starschema-etl/internal/star"
)

// EntityMetrics are the pivoted metrics and ratios of one entity.
type EntityMetrics struct {
	Entity  string              `json:"entity"`
	Label   string              `json:"label,omitempty"`
	Metrics map[string]*float64 `json:"metrics"`
	Ratios  map[string]*float64 `json:"ratios,omitempty"`
}

// Benchmark summarizes one metric across all entities.
type Benchmark struct {
	Metric string   `json:"metric"`
	Count  int      `json:"count"`
	Min    *float64 `json:"min"`
	Max    *float64 `json:"max"`
	Mean   *float64 `json:"mean"`
	Std    *float64 `json:"std"`
	P25    *float64 `json:"p25"`
	P50    *float64 `json:"p50"`
	P75    *float64 `json:"p75"`
}

// Share is one entity's share of a total.
type Share struct {
	Entity string  `json:"entity"`
	Label  string  `json:"label,omitempty"`
	Value  float64 `json:"value"`
	Share  float64 `json:"share"`
}

// Concentration is an HHI over entity totals.
type Concentration struct {
	Metric    string   `json:"metric"`
	HHI       *float64 `json:"hhi"`
	Label     string   `json:"label,omitempty"`
	Entities  int      `json:"entities"`
	Total     *float64 `json:"total"`
	TopShares []Share  `json:"top_shares"`
}

// Coverage reports how much of the source vocabulary was mapped.
type Coverage struct {
	DistinctRawConcepts int                `json:"distinct_raw_concepts"`
	MappedConcepts      int                `json:"mapped_concepts"`
	MappingRate         *float64           `json:"mapping_rate"`
	Unmapped            []string           `json:"unmapped"`
	MetricCoverage      map[string]float64 `json:"metric_coverage"`
}

// Summary holds headline counts.
type Summary struct {
	Entities     int `json:"entities"`
	Facts        int `json:"facts"`
	Metrics      int `json:"metrics"`
	NullRatios   int `json:"null_ratios"`
	NonFinite    int `json:"non_finite_dropped"`
	FactsSkipped int `json:"facts_skipped"`
}

// Report is the KPI artifact.
type Report struct {
	EntityMetrics    []EntityMetrics          `json:"entity_metrics"`
	CohortBenchmarks map[string]Benchmark     `json:"cohort_benchmarks"`
	Coverage         Coverage                 `json:"coverage"`
	Summary          Summary                  `json:"summary"`
	Concentration    map[string]Concentration `json:"concentration"`
}

// Input bundles what Compute reads.
type Input struct {
	Facts      []model.FactRow
	Dimensions map[string][]model.DimensionRow
	// Records feed concept coverage.
	Records []model.CleanedRecord
}

// Calculator computes KPI reports.
type Calculator struct {
	cfg Config
	log *zap.Logger
}

// New validates cfg and creates a Calculator.
func New(cfg Config) (*Calculator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Calculator{cfg: cfg, log: zap.L().With(zap.String("component", "kpi"))}, nil
}

type entityAcc struct {
	key    string
	label  string
	values map[string][]observation
}

type observation struct {
	value float64
	end   string
	seq   int
}

// Compute builds the report. Output ordering is deterministic.
func (c *Calculator) Compute(in Input) *Report {
	rowsBySK := make(map[string]model.DimensionRow)
	currentLabel := make(map[string]string)
	metricAttrs := make(map[string]map[string]model.Value)
	for dim, rows := range in.Dimensions {
		for _, r := range rows {
			rowsBySK[dim+"\x1f"+r.SurrogateKey] = r
			if !r.IsCurrent {
				continue
			}
			if dim == c.cfg.EntityDimension && c.cfg.EntityLabel != "" {
				currentLabel[r.NaturalKeyString()] = r.Attributes[c.cfg.EntityLabel].Text()
			}
			if dim == c.cfg.MetricDimension {
				metricAttrs[r.NaturalKeyString()] = r.Attributes
			}
		}
	}

	report := &Report{
		CohortBenchmarks: map[string]Benchmark{},
		Concentration:    map[string]Concentration{},
	}

	periodOK := make(map[string]bool, len(c.cfg.PeriodTypes))
	for _, p := range c.cfg.PeriodTypes {
		periodOK[p] = true
	}

	entities := make(map[string]*entityAcc)
	metricSet := make(map[string]bool)
	for _, f := range in.Facts {
		if c.cfg.Fact != "" && f.Fact != c.cfg.Fact {
			continue
		}
		if len(periodOK) > 0 && !periodOK[f.Attributes[star.AttrPeriodType].Text()] {
			report.Summary.FactsSkipped++
			continue
		}
		entRow, ok := rowsBySK[c.cfg.EntityDimension+"\x1f"+f.ForeignKeys[c.cfg.EntityDimension]]
		if !ok {
			report.Summary.FactsSkipped++
			continue
		}
		report.Summary.Facts++
		key := entRow.NaturalKeyString()
		acc := entities[key]
		if acc == nil {
			acc = &entityAcc{key: key, label: currentLabel[key], values: map[string][]observation{}}
			entities[key] = acc
		}
		end := f.Attributes[star.AttrPeriodEnd].Text()

		if c.cfg.MetricDimension != "" {
			metricRow, ok := rowsBySK[c.cfg.MetricDimension+"\x1f"+f.ForeignKeys[c.cfg.MetricDimension]]
			if !ok {
				continue
			}
			v, ok := f.Measure(c.cfg.ValueMeasure)
			if !ok {
				continue
			}
			name := metricRow.NaturalKeyString()
			acc.values[name] = append(acc.values[name], observation{v, end, f.SourceSeq})
			metricSet[name] = true
			continue
		}
		measures := c.cfg.Measures
		if len(measures) == 0 {
			for m := range f.Measures {
				measures = append(measures, m)
			}
		}
		for _, m := range measures {
			if v, ok := f.Measure(m); ok {
				acc.values[m] = append(acc.values[m], observation{v, end, f.SourceSeq})
				metricSet[m] = true
			}
		}
	}

	keys := make([]string, 0, len(entities))
	for k := range entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		acc := entities[k]
		em := EntityMetrics{Entity: acc.key, Label: acc.label, Metrics: map[string]*float64{}}
		for name, obs := range acc.values {
			em.Metrics[name] = c.finite(aggregate(c.cfg.aggregation(), obs), acc.key, name, &report.Summary)
		}
		base := make(map[string]*float64, len(em.Metrics))
		for name, v := range em.Metrics {
			base[name] = v
		}
		for _, cs := range c.cfg.Composites {
			if v := composite(cs, base, metricAttrs); v != nil {
				em.Metrics[cs.Name] = c.finite(*v, acc.key, cs.Name, &report.Summary)
			} else {
				em.Metrics[cs.Name] = nil
			}
		}
		if len(c.cfg.Ratios) > 0 {
			em.Ratios = make(map[string]*float64, len(c.cfg.Ratios))
			for _, r := range c.cfg.Ratios {
				v := ratio(numerator(em.Metrics, r), em.Metrics[r.Denominator], r.Scale)
				if v != nil {
					v = c.finite(*v, acc.key, r.Name, &report.Summary)
				}
				if v == nil {
					report.Summary.NullRatios++
				}
				em.Ratios[r.Name] = v
			}
		}
		report.EntityMetrics = append(report.EntityMetrics, em)
	}
	report.Summary.Entities = len(report.EntityMetrics)
	report.Summary.Metrics = len(metricSet)

	for _, metric := range c.cfg.Benchmarks {
		report.CohortBenchmarks[metric] = benchmark(metric, report.EntityMetrics)
	}
	for _, spec := range c.cfg.Concentration {
		report.Concentration[spec.Name] = concentration(spec, report.EntityMetrics)
	}
	report.Coverage = coverage(in.Records, report.EntityMetrics, metricSet)

	c.log.Info("kpis computed",
		zap.Int("entities", report.Summary.Entities),
		zap.Int("metrics", report.Summary.Metrics),
		zap.Int("null_ratios", report.Summary.NullRatios),
	)
	return report
}

func (c *Calculator) finite(v float64, entity, metric string, s *Summary) *float64 {
	p := finite(v)
	if p == nil {
		s.NonFinite++
		c.log.Warn("non-finite value converted to null",
			zap.String("entity", entity),
			zap.String("metric", metric),
			zap.Float64("value", v),
		)
	}
	return p
}

func aggregate(agg string, obs []observation) float64 {
	switch agg {
	case AggFirst:
		first := obs[0]
		for _, o := range obs[1:] {
			if o.seq < first.seq {
				first = o
			}
		}
		return first.value
	case AggMean:
		var s float64
		for _, o := range obs {
			s += o.value
		}
		return s / float64(len(obs))
	case AggMax:
		m := obs[0].value
		for _, o := range obs[1:] {
			m = math.Max(m, o.value)
		}
		return m
	case AggLatest:
		best := obs[0]
		for _, o := range obs[1:] {
			if o.end > best.end || (o.end == best.end && o.seq > best.seq) {
				best = o
			}
		}
		return best.value
	default:
		var s float64
		for _, o := range obs {
			s += o.value
		}
		return s
	}
}

// ratio is num / den * scale, nil when either side is missing or the
// denominator is zero.
func ratio(num, den *float64, scale float64) *float64 {
	if num == nil || den == nil || *den == 0 {
		return nil
	}
	if scale == 0 {
		scale = 1
	}
	v := *num / *den * scale
	return &v
}

// composite sums the matching metrics, nil when none is present.
func composite(cs CompositeSpec, metrics map[string]*float64, attrs map[string]map[string]model.Value) *float64 {
	candidates := cs.Metrics
	if len(candidates) == 0 {
		for name := range metrics {
			candidates = append(candidates, name)
		}
		sort.Strings(candidates)
	}
	var sum float64
	found := false
	for _, name := range candidates {
		v := metrics[name]
		if v == nil || !matches(attrs[name], cs.Where, cs.Exclude) {
			continue
		}
		sum += *v
		found = true
	}
	if !found {
		return nil
	}
	return &sum
}

func matches(attrs map[string]model.Value, where, exclude map[string]string) bool {
	for k, want := range where {
		if attrs[k].Text() != want {
			return false
		}
	}
	for k, reject := range exclude {
		if attrs[k].Text() == reject {
			return false
		}
	}
	return true
}

func numerator(metrics map[string]*float64, r RatioSpec) *float64 {
	num := metrics[r.Numerator]
	if num == nil || len(r.Less) == 0 {
		return num
	}
	v := *num
	for _, l := range r.Less {
		sub := metrics[l]
		if sub == nil {
			return nil
		}
		v -= *sub
	}
	return &v
}

// metricValue finds a metric or ratio value on an entity.
func metricValue(em EntityMetrics, name string) *float64 {
	if v, ok := em.Ratios[name]; ok {
		return v
	}
	return em.Metrics[name]
}

func benchmark(metric string, ems []EntityMetrics) Benchmark {
	var vals []float64
	for _, em := range ems {
		if v := metricValue(em, metric); v != nil {
			vals = append(vals, *v)
		}
	}
	b := Benchmark{Metric: metric, Count: len(vals)}
	if len(vals) == 0 {
		return b
	}
	sorted := sortedCopy(vals)
	mean, std := MeanStd(vals)
	b.Min = finite(sorted[0])
	b.Max = finite(sorted[len(sorted)-1])
	b.Mean = finite(mean)
	b.Std = finite(std)
	b.P25 = finite(Percentile(sorted, 25))
	b.P50 = finite(Percentile(sorted, 50))
	b.P75 = finite(Percentile(sorted, 75))
	return b
}

func concentration(spec ConcentrationSpec, ems []EntityMetrics) Concentration {
	c := Concentration{Metric: spec.Metric}
	var shares []Share
	var totals []float64
	var total float64
	for _, em := range ems {
		v := metricValue(em, spec.Metric)
		if v == nil || *v <= 0 {
			continue
		}
		totals = append(totals, *v)
		total += *v
		shares = append(shares, Share{Entity: em.Entity, Label: em.Label, Value: *v})
	}
	c.Entities = len(totals)
	hhi, ok := HHI(totals)
	if !ok {
		return c
	}
	c.HHI = finite(hhi)
	c.Label = HHILabel(hhi)
	c.Total = finite(total)

	for i := range shares {
		shares[i].Share = shares[i].Value / total
	}
	sort.SliceStable(shares, func(i, j int) bool {
		if shares[i].Value != shares[j].Value {
			return shares[i].Value > shares[j].Value
		}
		return shares[i].Entity < shares[j].Entity
	})
	top := spec.TopN
	if top <= 0 {
		top = 10
	}
	if len(shares) > top {
		shares = shares[:top]
	}
	c.TopShares = shares
	return c
}

func coverage(records []model.CleanedRecord, ems []EntityMetrics, metrics map[string]bool) Coverage {
	cov := Coverage{Unmapped: []string{}, MetricCoverage: map[string]float64{}}
	raw := make(map[string]bool)
	mapped := make(map[string]bool)
	for _, r := range records {
		if r.RawConcept == "" {
			continue
		}
		raw[r.RawConcept] = r.Mapped || raw[r.RawConcept]
		if r.Mapped {
			mapped[r.RawConcept] = true
		}
	}
	cov.DistinctRawConcepts = len(raw)
	cov.MappedConcepts = len(mapped)
	if len(raw) > 0 {
		cov.MappingRate = finite(float64(len(mapped)) / float64(len(raw)))
	}
	for name, isMapped := range raw {
		if !isMapped {
			cov.Unmapped = append(cov.Unmapped, name)
		}
	}
	sort.Strings(cov.Unmapped)

	if len(ems) == 0 {
		return cov
	}
	for m := range metrics {
		var carrying int
		for _, em := range ems {
			if em.Metrics[m] != nil {
				carrying++
			}
		}
		cov.MetricCoverage[m] = float64(carrying) / float64(len(ems))
	}
	return cov
}
