package quality

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sells-group/starschema-etl/internal/model"
	"github.com/sells-group/starschema-etl/internal/star"
)

// Input is everything the gates look at.
type Input struct {
	Records         []model.CleanedRecord
	Discarded       int
	CleanDuplicates int
	Facts           []model.FactRow
	// Dropped are duplicate facts, kept to detect restatements.
	Dropped        []model.FactRow
	FactDuplicates int
	Quarantine     []model.QuarantinedFact
	Dimensions     map[string][]model.DimensionRow
	AsOf           time.Time

	policy string
}

// detailForceFail in a gate's detail fails it whatever its score.
const detailForceFail = "null_rate_exceeded"

// gateFunc scores one gate. Scores outside [0,1] are clamped by the runner.
type gateFunc func(in *Input, cfg GateConfig, ann *annotations) (float64, map[string]any)

var catalogue = map[string]gateFunc{
	GateSchemaDrift:          schemaDrift,
	GateFreshness:            freshness,
	GateCompleteness:         completeness,
	GateDuplicates:           duplicates,
	GateValueSanity:          valueSanity,
	GateReferentialIntegrity: referentialIntegrity,
	GatePeriodType:           periodType,
	GateRestatement:          restatement,
}

// ratio returns num/den, or 1 when there is nothing to measure.
func ratio(num, den int) float64 {
	if den == 0 {
		return 1
	}
	return float64(num) / float64(den)
}

func schemaDrift(in *Input, cfg GateConfig, _ *annotations) (float64, map[string]any) {
	expected := cfg.ExpectedColumns
	seen := make(map[string]bool)
	for _, r := range in.Records {
		for name, v := range r.Values {
			if !v.IsNull() {
				seen[name] = true
			}
		}
	}
	var missing []string
	for _, c := range expected {
		if !seen[c] {
			missing = append(missing, c)
		}
	}
	present := ratio(len(expected)-len(missing), len(expected))
	if len(in.Records) == 0 {
		present = 0
	}

	var nulls, cells int
	for _, r := range in.Records {
		for _, k := range cfg.KeyColumns {
			cells++
			if r.Get(k).IsNull() {
				nulls++
			}
		}
	}
	nullRate := 0.0
	if cells > 0 {
		nullRate = float64(nulls) / float64(cells)
	}

	detail := map[string]any{
		"expected_columns": len(expected),
		"missing_columns":  missing,
		"key_null_rate":    nullRate,
		"records":          len(in.Records),
	}
	score := present * (1 - nullRate)
	if cfg.MaxNullRate > 0 && nullRate > cfg.MaxNullRate {
		detail[detailForceFail] = true
	}
	return score, detail
}

func freshness(in *Input, cfg GateConfig, ann *annotations) (float64, map[string]any) {
	field := cfg.DateField
	if field == "" {
		field = star.AttrPeriodEnd
	}
	maxAge := time.Duration(cfg.MaxAgeDays) * 24 * time.Hour

	var dated, fresh int
	var newest time.Time
	for _, f := range in.Facts {
		v := f.Attributes[field]
		if v.Kind != model.KindTime {
			continue
		}
		dated++
		if v.Time.After(newest) {
			newest = v.Time
		}
		if cfg.MaxAgeDays <= 0 || in.AsOf.Sub(v.Time) <= maxAge {
			fresh++
		} else {
			ann.add(f.FactID, "stale")
		}
	}
	detail := map[string]any{
		"date_field":   field,
		"max_age_days": cfg.MaxAgeDays,
		"dated_facts":  dated,
		"fresh_facts":  fresh,
	}
	if !newest.IsZero() {
		detail["newest"] = newest.Format(time.DateOnly)
	}
	return ratio(fresh, dated), detail
}

func completeness(in *Input, cfg GateConfig, ann *annotations) (float64, map[string]any) {
	bySeq := factsBySeq(in.Facts)
	perField := make(map[string]int, len(cfg.RequiredFields))
	var filled, cells int
	for _, r := range in.Records {
		incomplete := false
		for _, f := range cfg.RequiredFields {
			cells++
			if r.Get(f).IsNull() {
				perField[f]++
				incomplete = true
			} else {
				filled++
			}
		}
		if incomplete {
			for _, id := range bySeq[r.Seq] {
				ann.add(id, "incomplete")
			}
		}
	}
	return ratio(filled, cells), map[string]any{
		"required_fields": cfg.RequiredFields,
		"null_counts":     perField,
		"cells":           cells,
	}
}

func duplicates(in *Input, _ GateConfig, _ *annotations) (float64, map[string]any) {
	unique := len(in.Facts)
	observed := unique + in.FactDuplicates + in.CleanDuplicates
	return ratio(unique, observed), map[string]any{
		"unique_facts":     unique,
		"observed_rows":    observed,
		"clean_duplicates": in.CleanDuplicates,
		"fact_duplicates":  in.FactDuplicates,
	}
}

func valueSanity(in *Input, cfg GateConfig, ann *annotations) (float64, map[string]any) {
	z := cfg.ZThreshold
	if z <= 0 {
		z = 5
	}
	nonNeg := make(map[string]bool, len(cfg.NonNegative))
	for _, m := range cfg.NonNegative {
		nonNeg[m] = true
	}
	measures := cfg.Measures
	if len(measures) == 0 {
		measures = measureNames(in.Facts)
	}

	type group struct {
		ids  []string
		vals []float64
	}
	groups := make(map[string]*group)
	flagged := make(map[string]bool)
	var checked, negatives, outliers int
	for _, f := range in.Facts {
		for _, m := range measures {
			v, ok := f.Measure(m)
			if !ok {
				continue
			}
			checked++
			if nonNeg[m] && v < 0 {
				negatives++
				flagged[f.FactID+"\x1f"+m] = true
				ann.add(f.FactID, "negative:"+m)
			}
			key := groupKey(f, cfg.GroupBy, m)
			g := groups[key]
			if g == nil {
				g = &group{}
				groups[key] = g
			}
			g.ids = append(g.ids, f.FactID)
			g.vals = append(g.vals, v)
		}
	}

	for key, g := range groups {
		if len(g.vals) < 3 {
			continue
		}
		mean, std := meanStd(g.vals)
		if std == 0 {
			continue
		}
		metric := key[strings.LastIndex(key, "\x1f")+1:]
		for i, v := range g.vals {
			if math.Abs((v-mean)/std) > z {
				outliers++
				flagged[g.ids[i]+"\x1f"+metric] = true
				ann.add(g.ids[i], "outlier:"+metric)
			}
		}
	}

	score := 1.0
	if checked > 0 {
		score = 1 - float64(len(flagged))/float64(checked)
	}
	return score, map[string]any{
		"checked_values": checked,
		"negatives":      negatives,
		"outliers":       outliers,
		"z_threshold":    z,
	}
}

func referentialIntegrity(in *Input, _ GateConfig, ann *annotations) (float64, map[string]any) {
	keys := make(map[string]map[string]bool, len(in.Dimensions))
	for dim, rows := range in.Dimensions {
		set := make(map[string]bool, len(rows))
		for _, r := range rows {
			set[r.SurrogateKey] = true
		}
		keys[dim] = set
	}
	var total, resolved int
	for _, f := range in.Facts {
		for dim, sk := range f.ForeignKeys {
			total++
			if keys[dim][sk] {
				resolved++
			} else {
				ann.add(f.FactID, "orphan:"+dim)
			}
		}
	}
	reasons := make(map[string]int)
	for _, q := range in.Quarantine {
		total++
		reasons[q.Dimension+": "+q.Reason]++
	}
	return ratio(resolved, total), map[string]any{
		"foreign_keys": total,
		"resolved":     resolved,
		"quarantined":  len(in.Quarantine),
		"reasons":      reasons,
	}
}

func periodType(in *Input, _ GateConfig, ann *annotations) (float64, map[string]any) {
	counts := make(map[string]int)
	var typed, known int
	for _, f := range in.Facts {
		v, ok := f.Attributes[star.AttrPeriodType]
		if !ok {
			continue
		}
		typed++
		counts[v.Text()]++
		if v.Text() != string(model.PeriodUnknown) {
			known++
		} else {
			ann.add(f.FactID, "period_unknown")
		}
	}
	return ratio(known, typed), map[string]any{
		"classified": typed,
		"counts":     counts,
	}
}

func factsBySeq(facts []model.FactRow) map[int][]string {
	out := make(map[int][]string, len(facts))
	for _, f := range facts {
		out[f.SourceSeq] = append(out[f.SourceSeq], f.FactID)
	}
	return out
}

func measureNames(facts []model.FactRow) []string {
	set := make(map[string]bool)
	for _, f := range facts {
		for m := range f.Measures {
			set[m] = true
		}
	}
	out := make([]string, 0, len(set))
	for m := range set {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func groupKey(f model.FactRow, dims []string, measure string) string {
	var b strings.Builder
	b.WriteString(f.Fact)
	for _, d := range dims {
		b.WriteByte('\x1f')
		b.WriteString(f.ForeignKeys[d])
	}
	b.WriteByte('\x1f')
	b.WriteString(measure)
	return b.String()
}

// meanStd returns the mean and population standard deviation.
func meanStd(vals []float64) (float64, float64) {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	var sq float64
	for _, v := range vals {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(vals)))
}
