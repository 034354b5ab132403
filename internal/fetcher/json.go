package fetcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/rotisserie/eris"

	"github.com/sells-group/starschema-etl/internal/model"
)

// Page is one decoded source response.
type Page struct {
	Records []map[string]any
	doc     map[string]any
}

// Lookup resolves a dotted path against the response document. It always
// fails when the response was a bare array.
func (p *Page) Lookup(path string) (any, bool) {
	return model.LookupPath(p.doc, path)
}

// CursorAt renders the value at path as an opaque cursor, empty if absent.
func (p *Page) CursorAt(path string) string {
	v, _ := p.Lookup(path)
	return CursorString(v)
}

// DecodePage decodes a JSON response body. recordsPath is a dotted path to
// the record array; an empty path means the body itself is the array.
// Numbers are kept as json.Number so identifiers survive without float
// rounding.
func DecodePage(body []byte, recordsPath string) (*Page, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, eris.Wrap(err, "json: decode page")
	}

	page := &Page{}
	rawList := doc
	if m, ok := doc.(map[string]any); ok {
		page.doc = m
	}
	if recordsPath != "" {
		if page.doc == nil {
			return nil, eris.Errorf("json: expected object with %q, got %T", recordsPath, doc)
		}
		v, ok := page.Lookup(recordsPath)
		if !ok || v == nil {
			// A missing record list is an empty page.
			v = []any{}
		}
		rawList = v
	}

	list, ok := rawList.([]any)
	if !ok {
		keyed, isMap := rawList.(map[string]any)
		if !isMap || !allObjects(keyed) {
			return nil, eris.Errorf("json: records at %q are %T, not an array", recordsPath, rawList)
		}
		list = keyedRecords(keyed)
	}

	page.Records = make([]map[string]any, 0, len(list))
	for i, item := range list {
		rec, ok := item.(map[string]any)
		if !ok {
			return nil, eris.Errorf("json: record %d is %T, not an object", i, item)
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

// keyedRecords flattens an object of records keyed by id, as some APIs
// return them, into a list ordered by key. Numeric keys sort numerically.
func keyedRecords(m map[string]any) []any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, errA := strconv.ParseInt(keys[i], 10, 64)
		b, errB := strconv.ParseInt(keys[j], 10, 64)
		if errA == nil && errB == nil {
			return a < b
		}
		return keys[i] < keys[j]
	})
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = m[k]
	}
	return out
}

func allObjects(m map[string]any) bool {
	for _, v := range m {
		if _, ok := v.(map[string]any); !ok {
			return false
		}
	}
	return true
}

// CursorString renders a cursor value from JSON as an opaque string.
func CursorString(v any) string {
	switch c := v.(type) {
	case nil:
		return ""
	case string:
		return c
	case json.Number:
		return c.String()
	case float64:
		return strconv.FormatFloat(c, 'f', -1, 64)
	case bool:
		if !c {
			return ""
		}
		return "true"
	default:
		return fmt.Sprint(c)
	}
}
