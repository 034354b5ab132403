// Package clean turns raw source records into typed, normalized records
// with canonical field and concept names.
package clean

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/starschema-etl/internal/model"
)

// FieldType is the target type of a cleaned field.
type FieldType string

const (
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeDate    FieldType = "date"
	TypeString  FieldType = "string"
	TypeBool    FieldType = "bool"
)

// FieldSpec maps one source field onto a canonical field.
type FieldSpec struct {
	Name string `yaml:"name" json:"name"`
	// Source is a dotted path into the raw record. Defaults to Name.
	Source   string    `yaml:"source" json:"source,omitempty"`
	Type     FieldType `yaml:"type" json:"type"`
	Required bool      `yaml:"required" json:"required,omitempty"`
	// Range picks the bound used for "low .. high" numeric values.
	Range RangePick `yaml:"range" json:"range,omitempty"`
}

func (f FieldSpec) source() string {
	if f.Source != "" {
		return f.Source
	}
	return f.Name
}

// Config drives a Cleaner.
type Config struct {
	Fields []FieldSpec `yaml:"fields" json:"fields"`
	// ConceptField names the canonical field holding the raw concept. Its
	// value is replaced by the canonical concept.
	ConceptField string            `yaml:"concept_field" json:"concept_field,omitempty"`
	ConceptMap   map[string]string `yaml:"concept_map" json:"concept_map,omitempty"`
	// DedupFields are hashed for duplicate detection. Defaults to every field.
	DedupFields []string `yaml:"dedup_fields" json:"dedup_fields,omitempty"`
}

// Validate checks field names and types.
func (c Config) Validate() error {
	if len(c.Fields) == 0 {
		return eris.New("clean: at least one field is required")
	}
	names := make(map[string]bool, len(c.Fields))
	for _, f := range c.Fields {
		if f.Name == "" {
			return eris.New("clean: field name is required")
		}
		if names[f.Name] {
			return eris.Errorf("clean: duplicate field %q", f.Name)
		}
		names[f.Name] = true
		switch f.Type {
		case TypeNumber, TypeInteger, TypeDate, TypeString, TypeBool:
		default:
			return eris.Errorf("clean: field %q has unknown type %q", f.Name, f.Type)
		}
		switch f.Range {
		case "", RangeMid, RangeLow, RangeHigh:
		default:
			return eris.Errorf("clean: field %q has unknown range pick %q", f.Name, f.Range)
		}
	}
	if c.ConceptField != "" && !names[c.ConceptField] {
		return eris.Errorf("clean: concept_field %q is not a declared field", c.ConceptField)
	}
	for _, d := range c.DedupFields {
		if !names[d] {
			return eris.Errorf("clean: dedup field %q is not a declared field", d)
		}
	}
	return nil
}

// BatchResult is the outcome of cleaning a batch.
type BatchResult struct {
	Records    []model.CleanedRecord
	Discards   []model.Discard
	Duplicates []model.Duplicate
}

// Cleaner coerces raw records. It is stateless between calls and safe for
// concurrent use.
type Cleaner struct {
	cfg      Config
	concepts *ConceptMap
	dedup    []string
}

// New validates cfg and creates a Cleaner.
func New(cfg Config) (*Cleaner, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dedup := cfg.DedupFields
	if len(dedup) == 0 {
		dedup = make([]string, len(cfg.Fields))
		for i, f := range cfg.Fields {
			dedup[i] = f.Name
		}
	}
	return &Cleaner{cfg: cfg, concepts: NewConceptMap(cfg.ConceptMap), dedup: dedup}, nil
}

// Clean converts one raw record. A non-nil Discard means the record was
// rejected and the returned record is empty.
func (c *Cleaner) Clean(seq int, raw model.RawRecord) (model.CleanedRecord, *model.Discard) {
	rec := model.CleanedRecord{
		Seq:    seq,
		Values: make(map[string]model.Value, len(c.cfg.Fields)),
	}

	for _, f := range c.cfg.Fields {
		v, present := raw.Lookup(f.source())
		if present && v == nil {
			present = false
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			present = false
		}
		if f.Required && !present {
			return model.CleanedRecord{}, &model.Discard{
				Seq:    seq,
				Reason: fmt.Sprintf("missing required field %q", f.source()),
				Record: raw,
			}
		}

		val, flag := coerce(f, v, present)
		rec.Values[f.Name] = val
		if flag != "" {
			rec.NullFlags = append(rec.NullFlags, f.Name+":"+flag)
		}
	}

	if c.cfg.ConceptField != "" {
		if rawConcept := rec.Values[c.cfg.ConceptField].Text(); rawConcept != "" {
			canon, mapped := c.concepts.Resolve(rawConcept)
			rec.RawConcept = rawConcept
			rec.Concept = canon
			rec.Mapped = mapped
			rec.Values[c.cfg.ConceptField] = model.String(canon)
		}
	}

	rec.Hash = c.hash(rec)
	return rec, nil
}

// CleanBatch cleans raws in order, dropping exact duplicates after the
// first occurrence. Sequence numbers are input positions.
func (c *Cleaner) CleanBatch(raws []model.RawRecord) BatchResult {
	log := zap.L().With(zap.String("component", "clean"))

	res := BatchResult{Records: make([]model.CleanedRecord, 0, len(raws))}
	first := make(map[string]int, len(raws))
	for i, raw := range raws {
		rec, discard := c.Clean(i, raw)
		if discard != nil {
			res.Discards = append(res.Discards, *discard)
			continue
		}
		if idx, dup := first[rec.Hash]; dup {
			res.Duplicates = append(res.Duplicates, model.Duplicate{
				Hash:    rec.Hash,
				Kept:    res.Records[idx],
				Dropped: rec,
			})
			continue
		}
		first[rec.Hash] = len(res.Records)
		res.Records = append(res.Records, rec)
	}

	log.Info("batch cleaned",
		zap.Int("input", len(raws)),
		zap.Int("cleaned", len(res.Records)),
		zap.Int("discarded", len(res.Discards)),
		zap.Int("duplicates", len(res.Duplicates)),
	)
	return res
}

// hash is xxhash over the dedup fields, rendered as 16 hex chars.
func (c *Cleaner) hash(rec model.CleanedRecord) string {
	d := xxhash.New()
	for _, name := range c.dedup {
		_, _ = d.WriteString(name)
		_, _ = d.WriteString("=")
		_, _ = d.WriteString(rec.Values[name].Text())
		_, _ = d.WriteString("\x1f")
	}
	return fmt.Sprintf("%016x", d.Sum64())
}

// coerce converts a raw value to the field type, returning a flag when a
// present value could not be used.
func coerce(f FieldSpec, v any, present bool) (model.Value, string) {
	switch f.Type {
	case TypeDate:
		if !present {
			return model.Null(), "unparsed_date"
		}
		t, ok := ParseDate(v)
		if !ok {
			return model.Null(), "unparsed_date"
		}
		return model.Time(t), ""

	case TypeNumber, TypeInteger:
		if !present {
			return model.Null(), ""
		}
		var n float64
		var ok bool
		if f.Type == TypeInteger {
			n, ok = ParseInteger(v)
		} else {
			n, ok = ParseNumber(v, f.Range)
		}
		if !ok {
			return model.Null(), "unparsed_number"
		}
		return model.Number(n), ""

	case TypeBool:
		if !present {
			return model.Null(), ""
		}
		b, ok := ParseBool(v)
		if !ok {
			return model.Null(), "unparsed_bool"
		}
		return model.Bool(b), ""

	default:
		if !present {
			return model.Null(), ""
		}
		s, ok := stringify(v)
		if !ok {
			return model.Null(), "unparsed_string"
		}
		s = NormalizeString(s)
		if s == "" {
			return model.Null(), ""
		}
		return model.String(s), ""
	}
}
