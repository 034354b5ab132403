package export

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/rotisserie/eris"
	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"github.com/sells-group/starschema-etl/internal/model"
)

// WriteParquet writes t as a single snappy-compressed Parquet file. Every
// column is OPTIONAL so nulls survive the round trip.
func WriteParquet(w io.Writer, t *Table) error {
	pfw := writerfile.NewWriterFile(w)
	pw, err := writer.NewJSONWriter(parquetSchema(t), pfw, 4)
	if err != nil {
		return eris.Wrapf(err, "export: parquet writer for %s", t.Name)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for i, row := range t.Rows {
		rec := make(map[string]any, len(t.Columns))
		for j, c := range t.Columns {
			rec[c.Name] = parquetValue(c.Type, row[j])
		}
		data, err := json.Marshal(rec)
		if err != nil {
			_ = pw.WriteStop()
			return eris.Wrapf(err, "export: encode %s row %d", t.Name, i)
		}
		if err := pw.Write(string(data)); err != nil {
			_ = pw.WriteStop()
			return eris.Wrapf(err, "export: write %s row %d", t.Name, i)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return eris.Wrapf(err, "export: finish %s", t.Name)
	}
	return nil
}

func parquetSchema(t *Table) string {
	fields := make([]map[string]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		fields = append(fields, map[string]string{
			"Tag": fmt.Sprintf("name=%s, %s, repetitiontype=OPTIONAL", c.Name, parquetType(c.Type)),
		})
	}
	out := map[string]any{
		"Tag":    "name=parquet_go_root, repetitiontype=REQUIRED",
		"Fields": fields,
	}
	b, _ := json.Marshal(out)
	return string(b)
}

func parquetType(t ColumnType) string {
	switch t {
	case ColNumber:
		return "type=DOUBLE"
	case ColInt:
		return "type=INT64"
	case ColBool:
		return "type=BOOLEAN"
	default:
		return "type=BYTE_ARRAY, convertedtype=UTF8"
	}
}

func parquetValue(t ColumnType, v model.Value) any {
	if v.IsNull() {
		return nil
	}
	switch t {
	case ColNumber:
		if f, ok := v.Float(); ok {
			return f
		}
		return nil
	case ColInt:
		if f, ok := v.Float(); ok {
			return int64(f)
		}
		return nil
	case ColBool:
		if v.Kind == model.KindBool {
			return v.Bool
		}
		return nil
	default:
		return v.Text()
	}
}
