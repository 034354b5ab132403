package star

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/starschema-etl/internal/model"
)

// Lookup failure reasons recorded on quarantined facts.
var (
	ErrNullNaturalKey = eris.New("null natural key")
	ErrUnknownMember  = eris.New("code not present in closed dimension")
	ErrKeyCollision   = eris.New("surrogate key collision")
)

// seedEffective is the effective date of configured seed rows.
var seedEffective = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

// observation is one record's view of a dimension member.
type observation struct {
	key       string
	nk        []string
	attrs     map[string]model.Value
	effective time.Time
	seq       int
}

// Table is the in-memory state of one dimension. Records are first
// observed, then applied in effective-date order, then bound to the row
// version in effect at their own date. The mutex keeps a version flip and
// the new row visible together.
type Table struct {
	spec DimensionSpec

	mu       sync.Mutex
	rows     []model.DimensionRow
	current  map[string]int
	versions map[string][]int
	bySK     map[string]int
	failed   map[string]error
	pending  []observation
	changes  []model.DimensionChange
}

// NewTable loads prior rows then adds any seed rows not already present.
func NewTable(spec DimensionSpec, prior []model.DimensionRow) *Table {
	t := &Table{
		spec:     spec,
		current:  make(map[string]int),
		versions: make(map[string][]int),
		bySK:     make(map[string]int),
		failed:   make(map[string]error),
	}
	for _, r := range prior {
		t.add(r)
	}
	for _, idxs := range t.versions {
		sort.Slice(idxs, func(i, j int) bool { return t.rows[idxs[i]].Version < t.rows[idxs[j]].Version })
	}
	for _, s := range spec.Seed {
		nk := model.JoinKey(s.Key)
		if _, ok := t.current[nk]; ok {
			continue
		}
		attrs := make(map[string]model.Value, len(s.Attributes))
		for k, v := range s.Attributes {
			attrs[k] = seedValue(v)
		}
		t.applyLookups(s.Key, attrs)
		row := model.DimensionRow{
			Dimension:     spec.Name,
			SurrogateKey:  SurrogateKey(spec.Name, s.Key, 1),
			NaturalKey:    append([]string(nil), s.Key...),
			Attributes:    attrs,
			Version:       1,
			EffectiveDate: seedEffective,
			IsCurrent:     true,
		}
		t.add(row)
		t.changes = append(t.changes, model.DimensionChange{
			Dimension:  spec.Name,
			NaturalKey: row.NaturalKey,
			Row:        row,
		})
	}
	return t
}

func (t *Table) add(r model.DimensionRow) {
	r.Dimension = t.spec.Name
	idx := len(t.rows)
	t.rows = append(t.rows, r)
	t.bySK[r.SurrogateKey] = idx
	key := r.NaturalKeyString()
	t.versions[key] = append(t.versions[key], idx)
	if r.IsCurrent {
		t.current[key] = idx
	}
}

// Spec returns the dimension definition.
func (t *Table) Spec() DimensionSpec { return t.spec }

// Check reports whether a natural key can be resolved without creating
// anything that the dimension does not allow.
func (t *Table) Check(nk []string) error {
	for _, p := range nk {
		if p == "" {
			return ErrNullNaturalKey
		}
	}
	if !t.spec.Closed {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.current[model.JoinKey(nk)]; !ok {
		return ErrUnknownMember
	}
	return nil
}

// Observe queues one record's attributes for nk. Nothing is written until
// Apply.
func (t *Table) Observe(nk []string, attrs map[string]model.Value, effective time.Time, seq int) {
	t.applyLookups(nk, attrs)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, observation{
		key:       model.JoinKey(nk),
		nk:        append([]string(nil), nk...),
		attrs:     attrs,
		effective: effective,
		seq:       seq,
	})
}

// Apply resolves every queued observation. Observations of one natural key
// are taken in effective-date then sequence order; those sharing a date
// merge into one state, later non-null values winning. Each state is
// compared with the version in effect at its date, so replaying the same
// observations over the rows they produced writes nothing.
func (t *Table) Apply() {
	t.mu.Lock()
	defer t.mu.Unlock()

	obs := t.pending
	t.pending = nil
	sort.SliceStable(obs, func(i, j int) bool {
		a, b := obs[i], obs[j]
		if a.key != b.key {
			return a.key < b.key
		}
		if !a.effective.Equal(b.effective) {
			return a.effective.Before(b.effective)
		}
		return a.seq < b.seq
	})

	for i := 0; i < len(obs); {
		j := i + 1
		for j < len(obs) && obs[j].key == obs[i].key && obs[j].effective.Equal(obs[i].effective) {
			j++
		}
		if _, bad := t.failed[obs[i].key]; !bad {
			if err := t.resolve(obs[i].nk, mergeObservations(obs[i:j]), obs[i].effective); err != nil {
				t.failed[obs[i].key] = err
			}
		}
		i = j
	}
}

func mergeObservations(group []observation) map[string]model.Value {
	merged := make(map[string]model.Value, len(group[0].attrs))
	for _, o := range group {
		for k, v := range o.attrs {
			if _, set := merged[k]; !set || !v.IsNull() {
				merged[k] = v
			}
		}
	}
	return merged
}

// resolve creates the member or a new SCD2 version for one dated state.
// A state dated before the current version never rewrites history. The
// caller holds t.mu.
func (t *Table) resolve(nk []string, attrs map[string]model.Value, effective time.Time) error {
	idx, exists := t.current[model.JoinKey(nk)]
	if !exists {
		row := model.DimensionRow{
			Dimension:     t.spec.Name,
			SurrogateKey:  SurrogateKey(t.spec.Name, nk, 1),
			NaturalKey:    append([]string(nil), nk...),
			Attributes:    attrs,
			Version:       1,
			EffectiveDate: effective,
			IsCurrent:     true,
		}
		if err := t.checkCollision(row); err != nil {
			return err
		}
		t.add(row)
		t.changes = append(t.changes, model.DimensionChange{
			Dimension:  t.spec.Name,
			NaturalKey: row.NaturalKey,
			Row:        row,
		})
		return nil
	}

	cur := t.rows[idx]
	if !t.spec.SCD2 || effective.Before(cur.EffectiveDate) || !t.changed(cur.Attributes, attrs) {
		return nil
	}

	merged := make(map[string]model.Value, len(cur.Attributes)+len(attrs))
	for k, v := range cur.Attributes {
		merged[k] = v
	}
	for k, v := range attrs {
		if !v.IsNull() {
			merged[k] = v
		}
	}
	next := model.DimensionRow{
		Dimension:     t.spec.Name,
		SurrogateKey:  SurrogateKey(t.spec.Name, nk, cur.Version+1),
		NaturalKey:    cur.NaturalKey,
		Attributes:    merged,
		Version:       cur.Version + 1,
		EffectiveDate: effective,
		IsCurrent:     true,
	}
	if err := t.checkCollision(next); err != nil {
		return err
	}

	end := effective
	t.rows[idx].IsCurrent = false
	t.rows[idx].EndDate = &end
	t.add(next)
	t.changes = append(t.changes, model.DimensionChange{
		Dimension:       t.spec.Name,
		NaturalKey:      next.NaturalKey,
		ExpectedCurrent: cur.SurrogateKey,
		Row:             next,
	})
	return nil
}

// Bind returns the surrogate key of the version of nk in effect at
// effective. A date before the first version binds to the first version.
func (t *Table) Bind(nk []string, effective time.Time) (string, error) {
	key := model.JoinKey(nk)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err, ok := t.failed[key]; ok {
		return "", err
	}
	idxs := t.versions[key]
	if len(idxs) == 0 {
		return "", ErrUnknownMember
	}
	sk := t.rows[idxs[0]].SurrogateKey
	for _, i := range idxs[1:] {
		if t.rows[i].EffectiveDate.After(effective) {
			break
		}
		sk = t.rows[i].SurrogateKey
	}
	return sk, nil
}

// changed compares tracked attributes. An incoming null never counts as a
// change.
func (t *Table) changed(cur, incoming map[string]model.Value) bool {
	for _, name := range t.spec.tracked() {
		in := incoming[name]
		if in.IsNull() {
			continue
		}
		if cur[name].Text() != in.Text() {
			return true
		}
	}
	return false
}

func (t *Table) checkCollision(row model.DimensionRow) error {
	if idx, ok := t.bySK[row.SurrogateKey]; ok {
		if t.rows[idx].NaturalKeyString() != row.NaturalKeyString() || t.rows[idx].Version != row.Version {
			return ErrKeyCollision
		}
	}
	return nil
}

func (t *Table) applyLookups(nk []string, attrs map[string]model.Value) {
	if len(t.spec.Lookup) == 0 {
		return
	}
	key := strings.Join(nk, "|")
	for attr, table := range t.spec.Lookup {
		if v, ok := table[key]; ok {
			attrs[attr] = model.String(v)
		} else if _, set := attrs[attr]; !set {
			attrs[attr] = model.Null()
		}
	}
}

// Rows returns every row version ordered by natural key then version.
func (t *Table) Rows() []model.DimensionRow {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]model.DimensionRow, len(t.rows))
	copy(out, t.rows)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].NaturalKeyString(), out[j].NaturalKeyString()
		if a != b {
			return a < b
		}
		return out[i].Version < out[j].Version
	})
	return out
}

// Changes returns the writes made since the table was built, in order.
func (t *Table) Changes() []model.DimensionChange {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.DimensionChange(nil), t.changes...)
}
