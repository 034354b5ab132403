package export

import (
	"encoding/csv"
	"io"

	"github.com/rotisserie/eris"
)

// WriteCSV writes a header row and one record per table row. Null cells
// are empty.
func WriteCSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	header := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		header[i] = c.Name
	}
	if err := cw.Write(header); err != nil {
		return eris.Wrapf(err, "export: write %s header", t.Name)
	}
	rec := make([]string, len(t.Columns))
	for _, row := range t.Rows {
		for i, v := range row {
			rec[i] = v.Text()
		}
		if err := cw.Write(rec); err != nil {
			return eris.Wrapf(err, "export: write %s row", t.Name)
		}
	}
	cw.Flush()
	return eris.Wrapf(cw.Error(), "export: flush %s", t.Name)
}
