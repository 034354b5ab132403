// Package warehouse loads a modeled star schema into Postgres.
package warehouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/starschema-etl/internal/db"
	"github.com/sells-group/starschema-etl/internal/export"
	"github.com/sells-group/starschema-etl/internal/model"
	"github.com/sells-group/starschema-etl/internal/star"
)

// QuarantineTable is the append-only log of facts that failed a dimension
// lookup. Every load adds its quarantined facts; nothing is ever updated.
const QuarantineTable = "quarantine_log"

var quarantineColumns = []string{"fact", "fact_hash", "dimension", "reason", "source_seq", "loaded_at"}

// Loader upserts dimension and fact tables into one schema.
type Loader struct {
	pool   db.Pool
	schema string
	log    *zap.Logger
	now    func() time.Time
}

// LoadResult counts upserted rows per table.
type LoadResult struct {
	Rows map[string]int64 `json:"rows"`
}

// NewLoader creates a Loader writing into schema.
func NewLoader(pool db.Pool, schema string) *Loader {
	if schema == "" {
		schema = "star"
	}
	return &Loader{
		pool:   pool,
		schema: schema,
		log:    zap.L().With(zap.String("component", "warehouse")),
		now:    time.Now,
	}
}

// Load creates missing tables and upserts every dimension and fact of res.
// Dimension rows conflict on surrogate_key and only their SCD2 columns are
// updated. Facts conflict on fact_id. Quarantined facts are appended to
// QuarantineTable.
func (l *Loader) Load(ctx context.Context, cfg star.Config, res *star.Result) (*LoadResult, error) {
	if res == nil {
		return nil, eris.New("warehouse: nothing to load")
	}
	if _, err := l.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{l.schema}.Sanitize()); err != nil {
		return nil, eris.Wrapf(err, "warehouse: create schema %s", l.schema)
	}

	out := &LoadResult{Rows: map[string]int64{}}
	for _, spec := range cfg.Dimensions {
		t := export.DimensionTable(spec, res.Dimensions[spec.Name])
		n, err := l.upsert(ctx, t, "surrogate_key", []string{"end_date", "is_current"})
		if err != nil {
			return out, err
		}
		out.Rows[t.Name] = n
	}
	for _, spec := range cfg.Facts {
		t := export.FactTable(spec, res.FactsByName(spec.Name))
		n, err := l.upsert(ctx, t, "fact_id", nil)
		if err != nil {
			return out, err
		}
		out.Rows[t.Name] = n
	}
	if len(res.Quarantine) > 0 {
		n, err := l.appendQuarantine(ctx, res.Quarantine)
		if err != nil {
			return out, err
		}
		out.Rows[QuarantineTable] = n
	}

	l.log.Info("warehouse load complete", zap.String("schema", l.schema), zap.Any("rows", out.Rows))
	return out, nil
}

func (l *Loader) upsert(ctx context.Context, t *export.Table, key string, update []string) (int64, error) {
	table := l.schema + "." + t.Name
	if _, err := l.pool.Exec(ctx, CreateTableSQL(l.schema, t, key)); err != nil {
		return 0, eris.Wrapf(err, "warehouse: create %s", table)
	}
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = c.Name
	}
	n, err := db.BulkUpsert(ctx, l.pool, db.UpsertConfig{
		Table:        table,
		Columns:      cols,
		ConflictKeys: []string{key},
		UpdateCols:   update,
	}, Rows(t))
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (l *Loader) appendQuarantine(ctx context.Context, facts []model.QuarantinedFact) (int64, error) {
	table := l.schema + "." + QuarantineTable
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		"fact" TEXT, "fact_hash" TEXT, "dimension" TEXT, "reason" TEXT,
		"source_seq" BIGINT, "loaded_at" TIMESTAMPTZ)`,
		pgx.Identifier{l.schema, QuarantineTable}.Sanitize())
	if _, err := l.pool.Exec(ctx, create); err != nil {
		return 0, eris.Wrapf(err, "warehouse: create %s", table)
	}
	at := l.now().UTC()
	rows := make([][]any, len(facts))
	for i, q := range facts {
		rows[i] = []any{q.Fact, q.FactHash, q.Dimension, q.Reason, int64(q.Record.Seq), at}
	}
	return db.CopyFrom(ctx, l.pool, table, quarantineColumns, rows)
}

// CreateTableSQL renders an idempotent CREATE TABLE for t.
func CreateTableSQL(schema string, t *export.Table, key string) string {
	defs := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		def := pgx.Identifier{c.Name}.Sanitize() + " " + sqlType(c.Type)
		if c.Name == key {
			def += " PRIMARY KEY"
		}
		defs = append(defs, def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		pgx.Identifier{schema, t.Name}.Sanitize(), strings.Join(defs, ", "))
}

func sqlType(t export.ColumnType) string {
	switch t {
	case export.ColNumber:
		return "DOUBLE PRECISION"
	case export.ColInt:
		return "BIGINT"
	case export.ColBool:
		return "BOOLEAN"
	default:
		return "TEXT"
	}
}

// Rows converts table cells into COPY values. Nulls become nil.
func Rows(t *export.Table) [][]any {
	out := make([][]any, len(t.Rows))
	for i, row := range t.Rows {
		vals := make([]any, len(row))
		for j, v := range row {
			if v.IsNull() {
				continue
			}
			switch t.Columns[j].Type {
			case export.ColNumber:
				if f, ok := v.Float(); ok {
					vals[j] = f
				}
			case export.ColInt:
				if f, ok := v.Float(); ok {
					vals[j] = int64(f)
				}
			case export.ColBool:
				vals[j] = v.Bool
			default:
				vals[j] = v.Text()
			}
		}
		out[i] = vals
	}
	return out
}
