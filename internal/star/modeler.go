// Package star builds dimension and fact tables from cleaned records.
package star

import (
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/starschema-etl/internal/model"
)

// Attribute names the modeler adds to every fact with a configured period.
const (
	AttrPeriodStart = "period_start"
	AttrPeriodEnd   = "period_end"
	AttrPeriodType  = "period_type"
)

// Snapshot is the dimension state loaded from a previous run, keyed by
// dimension name.
type Snapshot map[string][]model.DimensionRow

// Input is one modeling pass.
type Input struct {
	Records []model.CleanedRecord
	// Duplicates are records the cleaner dropped. They are projected onto
	// facts without touching dimensions so conflicting values can be
	// compared against the kept fact.
	Duplicates []model.CleanedRecord
	AsOf       time.Time
}

// Result is the star schema produced by one pass.
type Result struct {
	Dimensions map[string][]model.DimensionRow
	Facts      []model.FactRow
	Quarantine []model.QuarantinedFact
	Changes    []model.DimensionChange
	// Dropped are facts whose hash had already been emitted, plus the
	// projections of cleaner duplicates.
	Dropped []model.FactRow
	// DroppedDuplicates counts facts dropped by hash within this pass.
	DroppedDuplicates int
}

// FactsByName returns the facts of one fact table.
func (r *Result) FactsByName(name string) []model.FactRow {
	var out []model.FactRow
	for _, f := range r.Facts {
		if f.Fact == name {
			out = append(out, f)
		}
	}
	return out
}

// Modeler turns cleaned records into a star schema.
type Modeler struct {
	cfg    Config
	tables map[string]*Table
	order  []string
	log    *zap.Logger
}

// NewModeler validates cfg and loads the prior snapshot into dimension
// tables.
func NewModeler(cfg Config, prior Snapshot) (*Modeler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Modeler{
		cfg:    cfg,
		tables: make(map[string]*Table, len(cfg.Dimensions)),
		log:    zap.L().With(zap.String("component", "star")),
	}
	for _, d := range cfg.Dimensions {
		m.tables[d.Name] = NewTable(d, prior[d.Name])
		m.order = append(m.order, d.Name)
	}
	return m, nil
}

// Table returns a dimension table by name.
func (m *Modeler) Table(name string) (*Table, bool) {
	t, ok := m.tables[name]
	return t, ok
}

// Model runs one pass. Dimension state and the change list accumulate
// across calls on the same Modeler.
//
// Every record is observed by its dimensions before any fact is bound, so
// a fact references the member version in effect at its own effective
// date whatever order the records arrive in.
func (m *Modeler) Model(in Input) *Result {
	asOf := in.AsOf.UTC()
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	asOfDay := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC)

	res := &Result{Dimensions: make(map[string][]model.DimensionRow, len(m.tables))}

	var pending []pendingFact
	for _, rec := range in.Records {
		for _, fs := range m.cfg.Facts {
			p, q := m.prepareFact(fs, rec, asOf, asOfDay)
			if q != nil {
				res.Quarantine = append(res.Quarantine, *q)
				continue
			}
			for _, dim := range fs.Dimensions {
				t := m.tables[dim]
				t.Observe(p.fact.NaturalKeys[dim], dimensionAttributes(t.spec, rec), p.effective[dim], rec.Seq)
			}
			pending = append(pending, p)
		}
	}
	for _, name := range m.order {
		m.tables[name].Apply()
	}

	emitted := make(map[string]bool)
	for _, p := range pending {
		fact, q := m.bindFact(p)
		if q != nil {
			res.Quarantine = append(res.Quarantine, *q)
			continue
		}
		if emitted[fact.FactHash] {
			res.Dropped = append(res.Dropped, fact)
			res.DroppedDuplicates++
			continue
		}
		emitted[fact.FactHash] = true
		res.Facts = append(res.Facts, fact)
	}

	// Cleaner duplicates only bind to members that already exist.
	for _, rec := range in.Duplicates {
		for _, fs := range m.cfg.Facts {
			p, q := m.prepareFact(fs, rec, asOf, asOfDay)
			if q != nil {
				continue
			}
			if fact, q := m.bindFact(p); q == nil {
				res.Dropped = append(res.Dropped, fact)
			}
		}
	}

	for _, name := range m.order {
		t := m.tables[name]
		res.Dimensions[name] = t.Rows()
		res.Changes = append(res.Changes, t.Changes()...)
	}

	m.log.Info("star schema modeled",
		zap.Int("records", len(in.Records)),
		zap.Int("facts", len(res.Facts)),
		zap.Int("dropped", res.DroppedDuplicates),
		zap.Int("quarantined", len(res.Quarantine)),
		zap.Int("dimension_changes", len(res.Changes)),
	)
	return res
}

// pendingFact is a fact whose natural keys passed every dimension check
// and which waits for its foreign keys.
type pendingFact struct {
	spec      FactSpec
	fact      model.FactRow
	rec       model.CleanedRecord
	effective map[string]time.Time
}

// prepareFact derives the natural keys and fact hash of one record and
// checks every dimension before any is written, so a quarantined fact
// leaves no orphan members behind.
func (m *Modeler) prepareFact(fs FactSpec, rec model.CleanedRecord, asOf, asOfDay time.Time) (pendingFact, *model.QuarantinedFact) {
	fact := model.FactRow{
		Fact:        fs.Name,
		ForeignKeys: make(map[string]string, len(fs.Dimensions)),
		NaturalKeys: make(map[string][]string, len(fs.Dimensions)),
		Measures:    make(map[string]model.Value, len(fs.Measures)+len(fs.Derived)),
		Attributes:  make(map[string]model.Value, len(fs.Attributes)+3),
		SourceSeq:   rec.Seq,
		CreatedAt:   asOf,
	}
	p := pendingFact{spec: fs, rec: rec, effective: make(map[string]time.Time, len(fs.Dimensions))}

	hashParts := make([]string, 0, len(fs.Dimensions)+len(fs.KeyFields)+2)
	for _, dim := range fs.Dimensions {
		spec := m.tables[dim].spec
		nk := naturalKey(spec, rec)
		fact.NaturalKeys[dim] = nk
		p.effective[dim] = effectiveDate(spec, rec, asOfDay)
		hashParts = append(hashParts, dim+"="+model.JoinKey(nk))
	}
	start, end := periodBounds(fs, rec)
	hashParts = append(hashParts, start.Text(), end.Text())
	for _, k := range fs.KeyFields {
		hashParts = append(hashParts, k+"="+rec.Get(k).Text())
	}
	fact.FactHash = FactHash(fs.Name, hashParts...)
	fact.FactID = fact.FactHash
	p.fact = fact

	for _, dim := range fs.Dimensions {
		if err := m.tables[dim].Check(fact.NaturalKeys[dim]); err != nil {
			return p, quarantine(fact, dim, err, rec)
		}
	}
	return p, nil
}

// bindFact resolves foreign keys, measures and attributes.
func (m *Modeler) bindFact(p pendingFact) (model.FactRow, *model.QuarantinedFact) {
	fs, rec, fact := p.spec, p.rec, p.fact
	for _, dim := range fs.Dimensions {
		sk, err := m.tables[dim].Bind(fact.NaturalKeys[dim], p.effective[dim])
		if err != nil {
			return fact, quarantine(fact, dim, err, rec)
		}
		fact.ForeignKeys[dim] = sk
	}

	for _, ms := range fs.Measures {
		v := rec.Get(ms.field())
		if _, ok := v.Float(); !ok {
			v = model.Null()
		}
		fact.Measures[ms.Name] = v
	}
	for _, d := range fs.Derived {
		fact.Measures[d.Name] = d.apply(fact.Measures)
	}

	for _, a := range fs.Attributes {
		fact.Attributes[a] = rec.Get(a)
	}
	if fs.PeriodStart != "" || fs.PeriodEnd != "" {
		start, end := periodBounds(fs, rec)
		fact.Attributes[AttrPeriodStart] = start
		fact.Attributes[AttrPeriodEnd] = end
		fact.Attributes[AttrPeriodType] = model.String(string(model.ClassifyPeriod(start, end)))
	}
	return fact, nil
}

func periodBounds(fs FactSpec, rec model.CleanedRecord) (start, end model.Value) {
	if fs.PeriodStart != "" {
		start = rec.Get(fs.PeriodStart)
	}
	if fs.PeriodEnd != "" {
		end = rec.Get(fs.PeriodEnd)
	}
	return start, end
}

func quarantine(fact model.FactRow, dim string, err error, rec model.CleanedRecord) *model.QuarantinedFact {
	return &model.QuarantinedFact{
		Fact:      fact.Fact,
		FactHash:  fact.FactHash,
		Dimension: dim,
		Reason:    err.Error(),
		Record:    rec,
	}
}

func naturalKey(spec DimensionSpec, rec model.CleanedRecord) []string {
	nk := make([]string, len(spec.NaturalKey))
	for i, f := range spec.NaturalKey {
		nk[i] = rec.Get(f).Text()
	}
	return nk
}

func dimensionAttributes(spec DimensionSpec, rec model.CleanedRecord) map[string]model.Value {
	attrs := make(map[string]model.Value, len(spec.Attributes)+len(spec.Lookup))
	for _, a := range spec.Attributes {
		attrs[a] = rec.Get(a)
	}
	return attrs
}

func effectiveDate(spec DimensionSpec, rec model.CleanedRecord, asOfDay time.Time) time.Time {
	if spec.EffectiveField != "" {
		if v := rec.Get(spec.EffectiveField); v.Kind == model.KindTime {
			return v.Time
		}
	}
	return asOfDay
}
