package model

// PeriodType classifies a reporting period by its length.
type PeriodType string

const (
	PeriodInstant   PeriodType = "instant"
	PeriodQuarterly PeriodType = "quarterly"
	PeriodAnnual    PeriodType = "annual"
	PeriodMultiYear PeriodType = "multi_year"
	PeriodUnknown   PeriodType = "unknown"
)

// ClassifyPeriod maps a start/end pair onto a period type. A null start is a
// point-in-time (balance sheet style) value; a null end or an end before the
// start cannot be classified.
func ClassifyPeriod(start, end Value) PeriodType {
	if start.IsNull() {
		return PeriodInstant
	}
	if start.Kind != KindTime || end.Kind != KindTime {
		return PeriodUnknown
	}
	span := end.Time.Sub(start.Time)
	if span < 0 {
		return PeriodUnknown
	}
	days := int(span.Hours() / 24)
	switch {
	case days < 100:
		return PeriodQuarterly
	case days < 400:
		return PeriodAnnual
	default:
		return PeriodMultiYear
	}
}
