// Package export writes run artifacts: dimension and fact tables as CSV or
// Parquet, JSON reports, and optional uploads to an object store.
package export

import (
	"sort"

	"github.com/sells-group/starschema-etl/internal/model"
	"github.com/sells-group/starschema-etl/internal/star"
)

// ColumnType is the physical type of an exported column.
type ColumnType int

const (
	ColString ColumnType = iota
	ColNumber
	ColInt
	ColBool
)

// Column is one exported column.
type Column struct {
	Name string
	Type ColumnType
}

// Table is a rectangular view over dimension or fact rows.
type Table struct {
	Name    string
	Columns []Column
	Rows    [][]model.Value
}

// DimensionTable lays out a dimension as natural key columns, surrogate_key,
// attributes, then the SCD2 bookkeeping columns.
func DimensionTable(spec star.DimensionSpec, rows []model.DimensionRow) *Table {
	t := &Table{Name: "dim_" + spec.Name}

	attrs := orderedAttributes(spec.Attributes, lookupNames(spec), func(yield func(map[string]model.Value)) {
		for _, r := range rows {
			yield(r.Attributes)
		}
	})

	for _, k := range spec.NaturalKey {
		t.Columns = append(t.Columns, Column{Name: k, Type: ColString})
	}
	t.Columns = append(t.Columns, Column{Name: "surrogate_key", Type: ColString})
	for _, a := range attrs {
		t.Columns = append(t.Columns, Column{Name: a, Type: inferType(func(yield func(model.Value)) {
			for _, r := range rows {
				yield(r.Attributes[a])
			}
		})})
	}
	t.Columns = append(t.Columns,
		Column{Name: "effective_date", Type: ColString},
		Column{Name: "end_date", Type: ColString},
		Column{Name: "is_current", Type: ColBool},
		Column{Name: "version", Type: ColInt},
	)

	for _, r := range rows {
		row := make([]model.Value, 0, len(t.Columns))
		for i := range spec.NaturalKey {
			if i < len(r.NaturalKey) {
				row = append(row, model.String(r.NaturalKey[i]))
			} else {
				row = append(row, model.Null())
			}
		}
		row = append(row, model.String(r.SurrogateKey))
		for _, a := range attrs {
			row = append(row, r.Attributes[a])
		}
		end := model.Null()
		if r.EndDate != nil {
			end = model.Time(*r.EndDate)
		}
		row = append(row,
			model.Time(r.EffectiveDate),
			end,
			model.Bool(r.IsCurrent),
			model.Number(float64(r.Version)),
		)
		t.Rows = append(t.Rows, row)
	}
	return t
}

// FactTable lays out a fact as fact_id, one <dimension>_key column per
// foreign key, measures, attributes, and created_at.
func FactTable(spec star.FactSpec, facts []model.FactRow) *Table {
	t := &Table{Name: "fact_" + spec.Name}

	measures := make([]string, 0, len(spec.Measures)+len(spec.Derived))
	for _, m := range spec.Measures {
		measures = append(measures, m.Name)
	}
	for _, d := range spec.Derived {
		measures = append(measures, d.Name)
	}
	var period []string
	if spec.PeriodEnd != "" {
		period = []string{star.AttrPeriodStart, star.AttrPeriodEnd, star.AttrPeriodType}
	}
	attrs := orderedAttributes(spec.Attributes, period, func(yield func(map[string]model.Value)) {
		for _, f := range facts {
			yield(f.Attributes)
		}
	})

	t.Columns = append(t.Columns, Column{Name: "fact_id", Type: ColString})
	for _, d := range spec.Dimensions {
		t.Columns = append(t.Columns, Column{Name: d + "_key", Type: ColString})
	}
	for _, m := range measures {
		t.Columns = append(t.Columns, Column{Name: m, Type: ColNumber})
	}
	for _, a := range attrs {
		t.Columns = append(t.Columns, Column{Name: a, Type: inferType(func(yield func(model.Value)) {
			for _, f := range facts {
				yield(f.Attributes[a])
			}
		})})
	}
	t.Columns = append(t.Columns, Column{Name: "created_at", Type: ColString})

	for _, f := range facts {
		row := make([]model.Value, 0, len(t.Columns))
		row = append(row, model.String(f.FactID))
		for _, d := range spec.Dimensions {
			row = append(row, model.String(f.ForeignKeys[d]))
		}
		for _, m := range measures {
			row = append(row, f.Measures[m])
		}
		for _, a := range attrs {
			row = append(row, f.Attributes[a])
		}
		row = append(row, model.Time(f.CreatedAt))
		t.Rows = append(t.Rows, row)
	}
	return t
}

func lookupNames(spec star.DimensionSpec) []string {
	names := make([]string, 0, len(spec.Lookup))
	for a := range spec.Lookup {
		names = append(names, a)
	}
	sort.Strings(names)
	return names
}

// orderedAttributes returns the declared names first, then the extras, then
// any other attribute found on the rows in sorted order.
func orderedAttributes(declared, extra []string, each func(func(map[string]model.Value))) []string {
	seen := make(map[string]bool)
	var out []string
	for _, group := range [][]string{declared, extra} {
		for _, a := range group {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	var rest []string
	each(func(attrs map[string]model.Value) {
		for a := range attrs {
			if !seen[a] {
				seen[a] = true
				rest = append(rest, a)
			}
		}
	})
	sort.Strings(rest)
	return append(out, rest...)
}

// inferType picks a column type from the non-null values. Mixed kinds fall
// back to string.
func inferType(each func(func(model.Value))) ColumnType {
	kind := model.KindNull
	mixed := false
	each(func(v model.Value) {
		switch {
		case v.IsNull() || mixed:
		case kind == model.KindNull:
			kind = v.Kind
		case kind != v.Kind:
			mixed = true
		}
	})
	if mixed {
		return ColString
	}
	switch kind {
	case model.KindNumber:
		return ColNumber
	case model.KindBool:
		return ColBool
	default:
		return ColString
	}
}
