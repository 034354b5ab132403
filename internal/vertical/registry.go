package vertical

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// ErrUnknownVertical is returned by Get for a name with no definition.
var ErrUnknownVertical = errors.New("unknown vertical")

// SourceBuiltin marks definitions compiled into the binary.
const SourceBuiltin = "builtin"

// Entry is a registered vertical and where it was loaded from.
type Entry struct {
	Vertical *Vertical
	Source   string
}

// Registry indexes verticals by name.
type Registry struct {
	entries map[string]Entry
}

// NewRegistry loads the builtin verticals, then every *.yaml or *.yml file
// in dir. A user definition replaces a builtin of the same name. A missing
// dir is not an error.
func NewRegistry(dir string) (*Registry, error) {
	log := zap.L().With(zap.String("component", "vertical"))
	r := &Registry{entries: make(map[string]Entry)}

	entries, err := fs.ReadDir(builtinFS, "builtin")
	if err != nil {
		return nil, eris.Wrap(err, "vertical: read builtin dir")
	}
	for _, e := range entries {
		data, err := builtinFS.ReadFile(path.Join("builtin", e.Name()))
		if err != nil {
			return nil, eris.Wrapf(err, "vertical: read builtin %s", e.Name())
		}
		v, err := Parse(data)
		if err != nil {
			return nil, eris.Wrapf(err, "vertical: builtin %s", e.Name())
		}
		if err := r.add(v, SourceBuiltin); err != nil {
			return nil, err
		}
	}

	files, err := loadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if _, ok := r.entries[f.Vertical.Name]; ok {
			log.Info("user definition replaces builtin vertical",
				zap.String("vertical", f.Vertical.Name), zap.String("path", f.Source))
		}
		r.entries[f.Vertical.Name] = f
	}
	return r, nil
}

func (r *Registry) add(v *Vertical, source string) error {
	if _, dup := r.entries[v.Name]; dup {
		return eris.Errorf("vertical: duplicate builtin %q", v.Name)
	}
	r.entries[v.Name] = Entry{Vertical: v, Source: source}
	return nil
}

// Get returns the vertical called name.
func (r *Registry) Get(name string) (*Vertical, error) {
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("vertical: %w %q (known: %s)", ErrUnknownVertical, name,
			strings.Join(r.Names(), ", "))
	}
	return e.Vertical, nil
}

// Entry returns a vertical with its load source.
func (r *Registry) Entry(name string) (Entry, bool) {
	e, ok := r.entries[name]
	return e, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for n := range r.entries {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// List returns every entry sorted by name.
func (r *Registry) List() []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, n := range r.Names() {
		out = append(out, r.entries[n])
	}
	return out
}

// LoadFile reads and parses one definition from disk.
func LoadFile(p string) (*Vertical, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, eris.Wrapf(err, "vertical: read %s", p)
	}
	v, err := Parse(data)
	if err != nil {
		return nil, eris.Wrapf(err, "vertical: %s", p)
	}
	return v, nil
}

func loadDir(dir string) ([]Entry, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "vertical: read %s", dir)
	}
	var out []Entry
	seen := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !isYAML(e.Name()) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		v, err := LoadFile(p)
		if err != nil {
			return nil, err
		}
		if other, dup := seen[v.Name]; dup {
			return nil, eris.Errorf("vertical: %q defined by both %s and %s", v.Name, other, p)
		}
		seen[v.Name] = p
		out = append(out, Entry{Vertical: v, Source: p})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out, nil
}

func isYAML(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}
