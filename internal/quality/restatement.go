package quality

import (
	"sort"

	"github.com/sells-group/starschema-etl/internal/model"
)

// maxRestatementSamples caps the conflicts listed in the report detail.
const maxRestatementSamples = 50

// Restatement is one fact observed with conflicting measure values.
type Restatement struct {
	FactID  string    `json:"fact_id"`
	Measure string    `json:"measure"`
	Values  []float64 `json:"values"`
	Chosen  *float64  `json:"chosen,omitempty"`
	Review  bool      `json:"review_required,omitempty"`
	Sources []int     `json:"source_seqs"`
	Recency []string  `json:"recency,omitempty"`
}

// restatement compares each kept fact with the duplicates dropped for the
// same fact_id. It never fails the run.
func restatement(in *Input, cfg GateConfig, ann *annotations) (float64, map[string]any) {
	policy := in.policy
	if policy == "" {
		policy = PolicyFlagForReview
	}

	dropped := make(map[string][]model.FactRow)
	for _, d := range in.Dropped {
		dropped[d.FactID] = append(dropped[d.FactID], d)
	}

	var found []Restatement
	conflicted := make(map[string]bool)
	for _, kept := range in.Facts {
		dups := dropped[kept.FactID]
		if len(dups) == 0 {
			continue
		}
		observations := append([]model.FactRow{kept}, dups...)
		measures := cfg.Measures
		if len(measures) == 0 {
			measures = measureNames([]model.FactRow{kept})
		}
		for _, m := range measures {
			r, ok := compareMeasure(kept.FactID, m, observations, cfg.RecencyField, policy)
			if !ok {
				continue
			}
			found = append(found, r)
			conflicted[kept.FactID] = true
		}
	}

	flag := "restated"
	if policy == PolicyFlagForReview {
		flag = "review_required"
	}
	ids := make([]string, 0, len(conflicted))
	for id := range conflicted {
		ids = append(ids, id)
		ann.add(id, flag)
	}
	sort.Strings(ids)

	sort.Slice(found, func(i, j int) bool {
		if found[i].FactID != found[j].FactID {
			return found[i].FactID < found[j].FactID
		}
		return found[i].Measure < found[j].Measure
	})
	samples := found
	if len(samples) > maxRestatementSamples {
		samples = samples[:maxRestatementSamples]
	}

	return 1 - restatedShare(len(conflicted), len(in.Facts)), map[string]any{
		"policy":          policy,
		"conflicts":       len(found),
		"facts_restated":  len(conflicted),
		"review_required": policy == PolicyFlagForReview && len(found) > 0,
		"restatements":    samples,
	}
}

func restatedShare(restated, facts int) float64 {
	if facts == 0 {
		return 0
	}
	return float64(restated) / float64(facts)
}

func compareMeasure(id, measure string, obs []model.FactRow, recencyField, policy string) (Restatement, bool) {
	r := Restatement{FactID: id, Measure: measure}
	distinct := make(map[float64]bool)
	latest := -1
	var latestKey model.Value
	for i, o := range obs {
		v, ok := o.Measure(measure)
		if !ok {
			continue
		}
		distinct[v] = true
		r.Values = append(r.Values, v)
		r.Sources = append(r.Sources, o.SourceSeq)
		key := model.Null()
		if recencyField != "" {
			key = o.Attributes[recencyField]
			r.Recency = append(r.Recency, key.Text())
		}
		// Ties on recency go to the later source record.
		c := key.Compare(latestKey)
		if latest < 0 || c > 0 || (c == 0 && o.SourceSeq > obs[latest].SourceSeq) {
			latest, latestKey = i, key
		}
	}
	if len(distinct) < 2 {
		return Restatement{}, false
	}
	switch policy {
	case PolicyLatestWins:
		v, _ := obs[latest].Measure(measure)
		r.Chosen = &v
	default:
		r.Review = true
	}
	return r, true
}
