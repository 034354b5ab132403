package extract

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/starschema-etl/internal/fetcher"
	"github.com/sells-group/starschema-etl/internal/model"
)

// Cursor modes.
const (
	// CursorEcho reads the next cursor from the response body.
	CursorEcho = "echo"
	// CursorLastRecord derives the next cursor from the last record of a page.
	CursorLastRecord = "last_record"
	// CursorOffset advances each named parameter by the rows received.
	CursorOffset = "offset"
)

// SourceConfig describes a paginated JSON source.
type SourceConfig struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Method   string `yaml:"method" json:"method"`
	// Params are query parameters. Values may reference ${window_start},
	// ${window_end}, ${partition}, and any partition variable.
	Params  map[string]string `yaml:"params" json:"params,omitempty"`
	Headers map[string]string `yaml:"headers" json:"headers,omitempty"`
	// Body is the JSON body template for POST sources; string leaves are
	// expanded like Params.
	Body        map[string]any `yaml:"body" json:"body,omitempty"`
	RecordsPath string         `yaml:"records_path" json:"records_path"`
	// ContextFields copies response-level values into every record,
	// keyed by record field name with a response path as value.
	ContextFields map[string]string `yaml:"context_fields" json:"context_fields,omitempty"`
	LimitParam    string            `yaml:"limit_param" json:"limit_param"`
	PageSize      int               `yaml:"page_size" json:"page_size"`
	Cursor        CursorConfig      `yaml:"cursor" json:"cursor"`
	Partitions    []Partition       `yaml:"partitions" json:"partitions,omitempty"`
	// InjectPartitionVars adds partition variables to records lacking them.
	InjectPartitionVars bool `yaml:"inject_partition_vars" json:"inject_partition_vars"`

	DelayMs   int    `yaml:"delay_ms" json:"delay_ms"`
	MaxErrors int    `yaml:"max_errors" json:"max_errors"`
	UserAgent string `yaml:"user_agent" json:"user_agent,omitempty"`
	// APIKeyHeader sends extract.api_key in this request header. Sources
	// taking the key as a parameter use ${api_key} instead.
	APIKeyHeader string `yaml:"api_key_header" json:"api_key_header,omitempty"`
}

// CursorConfig maps request parameters to their cursor source. In echo mode
// the source is a response path, in last_record mode a record field, and in
// offset mode the starting offset (usually "0"). An empty Params map means
// the source returns a single page.
type CursorConfig struct {
	Mode   string            `yaml:"mode" json:"mode"`
	Params map[string]string `yaml:"params" json:"params,omitempty"`
}

// Partition is one independently paginated slice of the source.
type Partition struct {
	ID   string            `yaml:"id" json:"id"`
	Vars map[string]string `yaml:"vars" json:"vars,omitempty"`
}

// Validate checks the source definition.
func (s SourceConfig) Validate() error {
	if s.Endpoint == "" {
		return eris.New("extract: source endpoint is required")
	}
	switch strings.ToUpper(s.Method) {
	case "", http.MethodGet, http.MethodPost:
	default:
		return eris.Errorf("extract: unsupported method %q", s.Method)
	}
	switch s.Cursor.Mode {
	case "", CursorEcho, CursorLastRecord, CursorOffset:
	default:
		return eris.Errorf("extract: unknown cursor mode %q", s.Cursor.Mode)
	}
	seen := make(map[string]bool, len(s.Partitions))
	for _, p := range s.Partitions {
		if p.ID == "" {
			return eris.New("extract: partition id is required")
		}
		if seen[p.ID] {
			return eris.Errorf("extract: duplicate partition %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

func (s SourceConfig) partitions() []Partition {
	if len(s.Partitions) == 0 {
		return []Partition{{ID: "all"}}
	}
	return s.Partitions
}

func (s SourceConfig) paginated() bool {
	return len(s.Cursor.Params) > 0
}

// expander substitutes ${name} references.
type expander struct {
	r *strings.Replacer
}

func newExpander(vars map[string]string) expander {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "${"+k+"}", vars[k])
	}
	return expander{r: strings.NewReplacer(pairs...)}
}

func (e expander) str(s string) string { return e.r.Replace(s) }

func (e expander) tree(v any) any {
	switch x := v.(type) {
	case string:
		return e.str(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = e.tree(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = e.tree(vv)
		}
		return out
	default:
		return v
	}
}

// buildRequest renders the request for one page. cursor is the encoded
// cursor from the previous page, empty for the first page.
func (s SourceConfig) buildRequest(exp expander, cursor string, limit int) (fetcher.Request, error) {
	req := fetcher.Request{
		Method: strings.ToUpper(s.Method),
		URL:    exp.str(s.Endpoint),
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	cur, err := url.ParseQuery(cursor)
	if err != nil {
		return req, eris.Wrapf(err, "extract: decode cursor %q", cursor)
	}

	limitParam := s.LimitParam
	if limitParam == "" {
		limitParam = "limit"
	}

	if len(s.Headers) > 0 {
		req.Headers = make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			req.Headers[k] = exp.str(v)
		}
	}

	if req.Method == http.MethodPost {
		body, _ := exp.tree(s.Body).(map[string]any)
		if body == nil {
			body = map[string]any{}
		}
		if limit > 0 && s.paginated() {
			body[limitParam] = limit
		}
		for k := range cur {
			body[k] = jsonScalar(cur.Get(k))
		}
		req.Body = body
	}

	q := url.Values{}
	for k, v := range s.Params {
		q.Set(k, exp.str(v))
	}
	if req.Method == http.MethodGet {
		if limit > 0 && s.paginated() {
			q.Set(limitParam, strconv.Itoa(limit))
		}
		for k := range cur {
			q.Set(k, cur.Get(k))
		}
	}
	if len(q) > 0 {
		req.Query = q
	}
	return req, nil
}

// nextCursor computes the encoded cursor for the page after this one.
// An empty result means the partition is exhausted.
func (s SourceConfig) nextCursor(doc *fetcher.Page, raw []map[string]any, cursorIn string) string {
	if !s.paginated() || len(raw) == 0 {
		return ""
	}
	next := url.Values{}
	switch s.Cursor.Mode {
	case CursorOffset:
		cur, _ := url.ParseQuery(cursorIn)
		for param, start := range s.Cursor.Params {
			from := cur.Get(param)
			if from == "" {
				from = start
			}
			n, err := strconv.Atoi(from)
			if err != nil {
				n = 0
			}
			next.Set(param, strconv.Itoa(n+len(raw)))
		}
	case CursorLastRecord:
		last := raw[len(raw)-1]
		for param, field := range s.Cursor.Params {
			if v, ok := model.LookupPath(last, field); ok {
				if c := fetcher.CursorString(v); c != "" {
					next.Set(param, c)
				}
			}
		}
	default:
		for param, path := range s.Cursor.Params {
			if c := doc.CursorAt(path); c != "" {
				next.Set(param, c)
			}
		}
	}
	if len(next) == 0 {
		return ""
	}
	return next.Encode()
}

func jsonScalar(s string) any {
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return json.Number(s)
	}
	return s
}
