package export

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/starschema-etl/internal/kpi"
	"github.com/sells-group/starschema-etl/internal/model"
	"github.com/sells-group/starschema-etl/internal/quality"
	"github.com/sells-group/starschema-etl/internal/star"
)

// Formats for dimension and fact tables.
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// Artifact file names.
const (
	KPIReportFile     = "kpi_report.json"
	QualityReportFile = "quality_report.json"
	QuarantineFile    = "quarantine.json"
	DiscardsFile      = "discards.json"
	RunFile           = "run.json"
	PartialDir        = "partial"
)

// Bundle is everything a run can export. Nil parts are skipped, which is
// how partial exports of failed runs work.
type Bundle struct {
	Vertical   string
	RunID      string
	Schema     star.Config
	Model      *star.Result
	KPI        *kpi.Report
	Quality    *quality.Report
	Quarantine []model.QuarantinedFact
	Discards   []model.Discard
	Run        *model.PipelineRun
}

// Manifest lists what an export wrote.
type Manifest struct {
	Dir      string   `json:"dir"`
	Files    []string `json:"files"`
	Uploaded []string `json:"uploaded,omitempty"`
}

// Exporter writes bundles under <dir>/<vertical>/<run_id>/.
type Exporter struct {
	dir     string
	formats []string
	store   ObjectStore
	prefix  string
	log     *zap.Logger
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithUpload mirrors every written file to store under
// <prefix>/<vertical>/<run_id>/.
func WithUpload(store ObjectStore, prefix string) Option {
	return func(e *Exporter) {
		e.store = store
		e.prefix = prefix
	}
}

// New creates an Exporter. Empty formats default to csv.
func New(dir string, formats []string, opts ...Option) (*Exporter, error) {
	if len(formats) == 0 {
		formats = []string{FormatCSV}
	}
	for _, f := range formats {
		if f != FormatCSV && f != FormatParquet {
			return nil, eris.Errorf("export: unknown format %q", f)
		}
	}
	e := &Exporter{
		dir:     dir,
		formats: formats,
		log:     zap.L().With(zap.String("component", "export")),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// RunDir is the artifact directory of one run.
func (e *Exporter) RunDir(vertical, runID string) string {
	return filepath.Join(e.dir, vertical, runID)
}

// Export writes the complete artifact set of a finished run.
func (e *Exporter) Export(ctx context.Context, b Bundle) (*Manifest, error) {
	return e.write(ctx, b, e.RunDir(b.Vertical, b.RunID), objectKey(e.prefix, b.Vertical, b.RunID))
}

// ExportPartial writes whatever a failed run produced under partial/.
func (e *Exporter) ExportPartial(ctx context.Context, b Bundle) (*Manifest, error) {
	return e.write(ctx, b,
		filepath.Join(e.RunDir(b.Vertical, b.RunID), PartialDir),
		objectKey(e.prefix, b.Vertical, b.RunID, PartialDir),
	)
}

func (e *Exporter) write(ctx context.Context, b Bundle, dir, keyPrefix string) (*Manifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "export: mkdir %s", dir)
	}
	m := &Manifest{Dir: dir}
	files := make(map[string][]byte)

	if b.Model != nil {
		if err := e.tables(b, files); err != nil {
			return nil, err
		}
	}
	if b.KPI != nil {
		if err := addJSON(files, KPIReportFile, b.KPI); err != nil {
			return nil, err
		}
	}
	if b.Quality != nil {
		if err := addJSON(files, QualityReportFile, b.Quality); err != nil {
			return nil, err
		}
	}
	quarantine := b.Quarantine
	if quarantine == nil && b.Model != nil {
		quarantine = b.Model.Quarantine
	}
	if quarantine != nil || b.Model != nil {
		if quarantine == nil {
			quarantine = []model.QuarantinedFact{}
		}
		if err := addJSON(files, QuarantineFile, quarantine); err != nil {
			return nil, err
		}
	}
	if len(b.Discards) > 0 {
		if err := addJSON(files, DiscardsFile, b.Discards); err != nil {
			return nil, err
		}
	}
	if b.Run != nil {
		if err := addJSON(files, RunFile, b.Run); err != nil {
			return nil, err
		}
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return m, err
		}
		p := filepath.Join(dir, name)
		if err := writeFileAtomic(p, files[name]); err != nil {
			return m, err
		}
		m.Files = append(m.Files, p)
	}

	if e.store != nil {
		for _, name := range names {
			key := objectKey(keyPrefix, name)
			if err := e.store.PutObject(ctx, key, files[name], contentType(name)); err != nil {
				return m, err
			}
			m.Uploaded = append(m.Uploaded, key)
		}
	}

	e.log.Info("artifacts exported",
		zap.String("dir", dir),
		zap.Int("files", len(m.Files)),
		zap.Int("uploaded", len(m.Uploaded)),
	)
	return m, nil
}

func (e *Exporter) tables(b Bundle, files map[string][]byte) error {
	var tables []*Table
	for _, spec := range b.Schema.Dimensions {
		tables = append(tables, DimensionTable(spec, b.Model.Dimensions[spec.Name]))
	}
	for _, spec := range b.Schema.Facts {
		tables = append(tables, FactTable(spec, b.Model.FactsByName(spec.Name)))
	}
	for _, t := range tables {
		for _, f := range e.formats {
			var buf bytes.Buffer
			var err error
			switch f {
			case FormatParquet:
				err = WriteParquet(&buf, t)
			default:
				err = WriteCSV(&buf, t)
			}
			if err != nil {
				return err
			}
			files[t.Name+"."+f] = buf.Bytes()
		}
	}
	return nil
}

func addJSON(files map[string][]byte, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "export: encode %s", name)
	}
	files[name] = append(data, '\n')
	return nil
}

// writeFileAtomic writes through a temp file so readers never see a torn
// artifact.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return eris.Wrapf(err, "export: write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return eris.Wrapf(err, "export: rename %s", path)
	}
	return nil
}

// ReadQualityReport loads quality_report.json from a run directory,
// falling back to the partial directory.
func ReadQualityReport(runDir string) (*quality.Report, error) {
	for _, p := range []string{
		filepath.Join(runDir, QualityReportFile),
		filepath.Join(runDir, PartialDir, QualityReportFile),
	} {
		data, err := os.ReadFile(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, eris.Wrapf(err, "export: read %s", p)
		}
		var r quality.Report
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, eris.Wrapf(err, "export: decode %s", p)
		}
		return &r, nil
	}
	return nil, os.ErrNotExist
}
