package star

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/starschema-etl/internal/model"
)

// Derived measure operations.
const (
	OpSum        = "sum"
	OpDifference = "difference"
	OpRatio      = "ratio"
	OpShare      = "share"
)

// DerivedSpec computes a measure from earlier measures of the same fact.
//
//	sum:        a + b + ...
//	difference: a - b - ...
//	ratio:      a / b * scale
//	share:      a / (a + b + ...) * scale
//
// A null input or a zero denominator yields null.
type DerivedSpec struct {
	Name   string   `yaml:"name" json:"name"`
	Op     string   `yaml:"op" json:"op"`
	Inputs []string `yaml:"inputs" json:"inputs"`
	// Scale multiplies ratio and share results. Defaults to 1.
	Scale float64 `yaml:"scale" json:"scale,omitempty"`
}

func (d DerivedSpec) validate(known map[string]bool) error {
	if d.Name == "" {
		return eris.New("derived measure name is required")
	}
	if known[d.Name] {
		return eris.Errorf("derived measure %q shadows an existing measure", d.Name)
	}
	switch d.Op {
	case OpSum, OpDifference, OpShare:
		if len(d.Inputs) < 2 {
			return eris.Errorf("derived measure %q needs at least two inputs", d.Name)
		}
	case OpRatio:
		if len(d.Inputs) != 2 {
			return eris.Errorf("derived measure %q needs exactly two inputs", d.Name)
		}
	default:
		return eris.Errorf("derived measure %q has unknown op %q", d.Name, d.Op)
	}
	for _, in := range d.Inputs {
		if !known[in] {
			return eris.Errorf("derived measure %q uses undefined measure %q", d.Name, in)
		}
	}
	return nil
}

func (d DerivedSpec) apply(measures map[string]model.Value) model.Value {
	vals := make([]float64, len(d.Inputs))
	for i, in := range d.Inputs {
		f, ok := measures[in].Float()
		if !ok {
			return model.Null()
		}
		vals[i] = f
	}
	scale := d.Scale
	if scale == 0 {
		scale = 1
	}

	switch d.Op {
	case OpSum:
		var s float64
		for _, v := range vals {
			s += v
		}
		return model.Number(s)
	case OpDifference:
		s := vals[0]
		for _, v := range vals[1:] {
			s -= v
		}
		return model.Number(s)
	case OpRatio:
		if vals[1] == 0 {
			return model.Null()
		}
		return model.Number(vals[0] / vals[1] * scale)
	case OpShare:
		var total float64
		for _, v := range vals {
			total += v
		}
		if total == 0 {
			return model.Null()
		}
		return model.Number(vals[0] / total * scale)
	default:
		return model.Null()
	}
}
