package star

import (
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/starschema-etl/internal/model"
)

// Config declares the dimensions and facts of a star schema.
type Config struct {
	Dimensions []DimensionSpec `yaml:"dimensions" json:"dimensions"`
	Facts      []FactSpec      `yaml:"facts" json:"facts"`
}

// DimensionSpec declares one dimension table.
type DimensionSpec struct {
	Name string `yaml:"name" json:"name"`
	// NaturalKey lists the cleaned fields forming the business key.
	NaturalKey []string `yaml:"natural_key" json:"natural_key"`
	// Attributes are cleaned fields copied onto the row.
	Attributes []string `yaml:"attributes" json:"attributes,omitempty"`
	// Lookup attaches static attributes keyed by the natural key parts
	// joined with "|", e.g. a category for each canonical metric.
	Lookup map[string]map[string]string `yaml:"lookup" json:"lookup,omitempty"`
	SCD2   bool                         `yaml:"scd2" json:"scd2,omitempty"`
	// Tracked attributes open a new SCD2 version when they change.
	// Defaults to Attributes.
	Tracked []string `yaml:"tracked" json:"tracked,omitempty"`
	// EffectiveField is the cleaned date field used as effective_date.
	// Without it, rows take the run's as-of date.
	EffectiveField string `yaml:"effective_field" json:"effective_field,omitempty"`
	// Closed dimensions hold only their seed rows.
	Closed bool      `yaml:"closed" json:"closed,omitempty"`
	Seed   []SeedRow `yaml:"seed" json:"seed,omitempty"`
}

// SeedRow is a configured dimension member.
type SeedRow struct {
	Key        []string       `yaml:"key" json:"key"`
	Attributes map[string]any `yaml:"attributes" json:"attributes,omitempty"`
}

func (d DimensionSpec) tracked() []string {
	if len(d.Tracked) > 0 {
		return d.Tracked
	}
	return d.Attributes
}

// FactSpec declares one fact table.
type FactSpec struct {
	Name       string        `yaml:"name" json:"name"`
	Dimensions []string      `yaml:"dimensions" json:"dimensions"`
	Measures   []MeasureSpec `yaml:"measures" json:"measures"`
	// Attributes are degenerate dimensions stored on the fact.
	Attributes  []string `yaml:"attributes" json:"attributes,omitempty"`
	PeriodStart string   `yaml:"period_start" json:"period_start,omitempty"`
	PeriodEnd   string   `yaml:"period_end" json:"period_end,omitempty"`
	// KeyFields are extra cleaned fields that distinguish facts, such as a
	// fiscal period label.
	KeyFields []string      `yaml:"key_fields" json:"key_fields,omitempty"`
	Derived   []DerivedSpec `yaml:"derived" json:"derived,omitempty"`
}

// MeasureSpec maps a cleaned numeric field to a measure.
type MeasureSpec struct {
	Name string `yaml:"name" json:"name"`
	// Field defaults to Name.
	Field string `yaml:"field" json:"field,omitempty"`
	// NonNegative marks measures that the value_sanity gate checks.
	NonNegative bool `yaml:"non_negative" json:"non_negative,omitempty"`
}

func (m MeasureSpec) field() string {
	if m.Field != "" {
		return m.Field
	}
	return m.Name
}

// Validate checks references between facts and dimensions.
func (c Config) Validate() error {
	if len(c.Facts) == 0 {
		return eris.New("star: at least one fact is required")
	}
	dims := make(map[string]DimensionSpec, len(c.Dimensions))
	for _, d := range c.Dimensions {
		if d.Name == "" {
			return eris.New("star: dimension name is required")
		}
		if _, dup := dims[d.Name]; dup {
			return eris.Errorf("star: duplicate dimension %q", d.Name)
		}
		if len(d.NaturalKey) == 0 {
			return eris.Errorf("star: dimension %q needs a natural key", d.Name)
		}
		if d.Closed && len(d.Seed) == 0 {
			return eris.Errorf("star: closed dimension %q has no seed rows", d.Name)
		}
		for i, s := range d.Seed {
			if len(s.Key) != len(d.NaturalKey) {
				return eris.Errorf("star: dimension %q seed %d has %d key parts, want %d",
					d.Name, i, len(s.Key), len(d.NaturalKey))
			}
		}
		dims[d.Name] = d
	}
	facts := make(map[string]bool, len(c.Facts))
	for _, f := range c.Facts {
		if f.Name == "" {
			return eris.New("star: fact name is required")
		}
		if facts[f.Name] {
			return eris.Errorf("star: duplicate fact %q", f.Name)
		}
		facts[f.Name] = true
		for _, d := range f.Dimensions {
			if _, ok := dims[d]; !ok {
				return eris.Errorf("star: fact %q references unknown dimension %q", f.Name, d)
			}
		}
		measures := make(map[string]bool, len(f.Measures)+len(f.Derived))
		for _, m := range f.Measures {
			if m.Name == "" {
				return eris.Errorf("star: fact %q has an unnamed measure", f.Name)
			}
			measures[m.Name] = true
		}
		for _, d := range f.Derived {
			if err := d.validate(measures); err != nil {
				return eris.Wrapf(err, "star: fact %q", f.Name)
			}
			measures[d.Name] = true
		}
	}
	return nil
}

// seedValue converts a YAML scalar to a Value.
func seedValue(v any) model.Value {
	switch x := v.(type) {
	case nil:
		return model.Null()
	case string:
		return model.String(x)
	case bool:
		return model.Bool(x)
	case int:
		return model.Number(float64(x))
	case int64:
		return model.Number(float64(x))
	case float64:
		return model.Number(x)
	default:
		return model.String(fmt.Sprint(x))
	}
}
