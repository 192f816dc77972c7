package schema

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"gridingest/internal/record"
	"gridingest/internal/store"
)

//go:embed renames.yaml
var defaultRenames []byte

// Casing is the canonical letter case applied to field names. Every table
// folds case so that header drift ("Freq", "FREQ") maps to one column.
type Casing string

const (
	CaseUpper Casing = "upper"
	CaseLower Casing = "lower"
)

// ReplaceRule rewrites every occurrence of From with To anywhere in the
// name, unless the name contains one of the Unless substrings. Rules apply in
// order, each to the output of the previous one.
type ReplaceRule struct {
	From   string   `yaml:"from"`
	To     string   `yaml:"to"`
	Unless []string `yaml:"unless"`
}

func (r ReplaceRule) apply(name string) string {
	if !strings.Contains(name, r.From) {
		return name
	}
	for _, u := range r.Unless {
		if strings.Contains(name, u) {
			return name
		}
	}
	return strings.ReplaceAll(name, r.From, r.To)
}

// Rules is one named rename table.
type Rules struct {
	Casing    Casing            `yaml:"casing"`
	Separator string            `yaml:"separator"`
	Replace   []ReplaceRule     `yaml:"replace"`
	Aliases   map[string]string `yaml:"aliases"`
	Drop      []string          `yaml:"drop"`
}

// RenameTable is the versioned set of rename tables, keyed by name.
type RenameTable struct {
	Version int              `yaml:"version"`
	Tables  map[string]Rules `yaml:"tables"`
}

// DefaultRenameTable returns the built-in table.
func DefaultRenameTable() (*RenameTable, error) {
	return parseRenameTable(defaultRenames)
}

// LoadRenameTable reads a table from path, or the built-in one when path is
// empty.
func LoadRenameTable(path string) (*RenameTable, error) {
	if path == "" {
		return DefaultRenameTable()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rename table: %w", err)
	}
	return parseRenameTable(data)
}

func parseRenameTable(data []byte) (*RenameTable, error) {
	var rt RenameTable
	if err := yaml.Unmarshal(data, &rt); err != nil {
		return nil, fmt.Errorf("parse rename table: %w", err)
	}
	if rt.Version <= 0 {
		return nil, fmt.Errorf("rename table: version must be positive")
	}
	if _, ok := rt.Tables["default"]; !ok {
		if rt.Tables == nil {
			rt.Tables = map[string]Rules{}
		}
		rt.Tables["default"] = Rules{Casing: CaseUpper, Separator: "_"}
	}
	for name, r := range rt.Tables {
		switch r.Casing {
		case "":
			r.Casing = CaseUpper
		case CaseUpper, CaseLower:
		default:
			return nil, fmt.Errorf("rename table %s: casing must be upper or lower, got %q", name, r.Casing)
		}
		if r.Separator == "" {
			r.Separator = "_"
		}
		rt.Tables[name] = r
	}
	return &rt, nil
}

// Canonicalizer returns the canonicalizer for the named table.
func (rt *RenameTable) Canonicalizer(name string) (*Canonicalizer, error) {
	if name == "" {
		name = "default"
	}
	r, ok := rt.Tables[name]
	if !ok {
		return nil, fmt.Errorf("rename table %q not defined", name)
	}
	drop := make(map[string]bool, len(r.Drop))
	for _, d := range r.Drop {
		drop[d] = true
	}
	return &Canonicalizer{name: name, version: rt.Version, rules: r, drop: drop}, nil
}

var disallowed = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// Canonicalizer maps upstream field names onto column names. It is the only
// place field names are rewritten.
type Canonicalizer struct {
	name    string
	version int
	rules   Rules
	drop    map[string]bool
}

func (c *Canonicalizer) Version() int { return c.version }
func (c *Canonicalizer) Name() string { return c.name }

// Canonical returns the column name for raw, or "" when the field is dropped
// or has no usable characters.
func (c *Canonicalizer) Canonical(raw string) string {
	sep := c.rules.Separator
	name := c.fold(disallowed.ReplaceAllString(raw, sep))
	for strings.Contains(name, sep+sep) {
		name = strings.ReplaceAll(name, sep+sep, sep)
	}
	name = strings.Trim(name, sep)
	for _, r := range c.rules.Replace {
		name = r.apply(name)
	}
	name = strings.Trim(name, sep)
	if alias, ok := c.rules.Aliases[name]; ok {
		name = alias
	}
	if name == "" || c.drop[name] {
		return ""
	}
	if store.Reserved[strings.ToLower(name)] {
		name += sep + c.fold("value")
	}
	return name
}

func (c *Canonicalizer) fold(s string) string {
	if c.rules.Casing == CaseLower {
		return strings.ToLower(s)
	}
	return strings.ToUpper(s)
}

// CanonicalFields renames every field. When two raw names collide, the later
// raw name in sorted order wins unless its value is null.
func (c *Canonicalizer) CanonicalFields(fields map[string]record.Value) map[string]record.Value {
	raw := make([]string, 0, len(fields))
	for k := range fields {
		raw = append(raw, k)
	}
	sort.Strings(raw)
	out := make(map[string]record.Value, len(fields))
	for _, k := range raw {
		name := c.Canonical(k)
		if name == "" {
			continue
		}
		v := fields[k]
		if prev, ok := out[name]; ok && v.IsNull() && !prev.IsNull() {
			continue
		}
		out[name] = v
	}
	return out
}

// CanonicalSamples applies CanonicalFields to every sample.
func (c *Canonicalizer) CanonicalSamples(samples []record.RawSample) []record.RawSample {
	out := make([]record.RawSample, len(samples))
	for i, s := range samples {
		out[i] = record.RawSample{Timestamp: s.Timestamp, Fields: c.CanonicalFields(s.Fields)}
	}
	return out
}
