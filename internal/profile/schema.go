package profile

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"slicer3d/internal/errs"
)

//go:embed schema/fdmprinter.json
var bundledSchema []byte

// BundledSchemaName is the file name the engine expects for the schema.
const BundledSchemaName = "fdmprinter.json"

// Schema is a parsed settings schema. It is immutable once built.
type Schema struct {
	source   string
	raw      []byte
	defaults Settings
	keys     []string
	paths    map[string]string
}

var (
	defaultOnce   sync.Once
	defaultSchema *Schema
	defaultErr    error
)

// DefaultSchema returns the bundled schema, parsing it on first use.
func DefaultSchema() (*Schema, error) {
	defaultOnce.Do(func() {
		defaultSchema, defaultErr = ParseSchema(BundledSchemaName, bundledSchema)
	})
	return defaultSchema, defaultErr
}

// LoadSchema reads a schema from disk. Files ending in .yaml or .yml are
// decoded as YAML, everything else as JSON.
func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.SchemaLoad(path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, errs.SchemaLoad(path, err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return nil, errs.SchemaLoad(path, err)
		}
	}
	return ParseSchema(path, data)
}

// ParseSchema parses a JSON schema document. source is only used in errors.
func ParseSchema(source string, data []byte) (*Schema, error) {
	if !gjson.ValidBytes(data) {
		return nil, errs.SchemaLoad(source, errors.New("malformed JSON"))
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, errs.SchemaLoad(source, errors.New("schema root must be an object"))
	}

	s := &Schema{
		source:   source,
		raw:      append([]byte(nil), data...),
		defaults: make(Settings),
		paths:    make(map[string]string),
	}
	walk(root, "", func(key, path string, node gjson.Result) {
		def := node.Get("default")
		if !def.Exists() {
			return
		}
		if _, seen := s.defaults[key]; !seen {
			s.keys = append(s.keys, key)
		}
		s.defaults[key] = def.Value()
		s.paths[key] = path
	})
	if len(s.defaults) == 0 {
		return nil, errs.SchemaLoad(source, errors.New("schema defines no settings"))
	}
	return s, nil
}

// walk visits every object node below node depth-first, in document order.
func walk(node gjson.Result, prefix string, visit func(key, path string, node gjson.Result)) {
	node.ForEach(func(k, v gjson.Result) bool {
		if !v.IsObject() {
			return true
		}
		path := escapePath(k.String())
		if prefix != "" {
			path = prefix + "." + path
		}
		visit(k.String(), path, v)
		walk(v, path, visit)
		return true
	})
}

var pathEscaper = strings.NewReplacer(
	`\`, `\\`,
	".", `\.`,
	"*", `\*`,
	"?", `\?`,
	"|", `\|`,
	"#", `\#`,
	"@", `\@`,
)

func escapePath(key string) string {
	return pathEscaper.Replace(key)
}

// Flatten returns the key -> default mapping of the schema.
func (s *Schema) Flatten() Settings {
	return s.defaults.Clone()
}

// Keys returns the setting keys in document order.
func (s *Schema) Keys() []string {
	return append([]string(nil), s.keys...)
}

// Has reports whether key is a known setting.
func (s *Schema) Has(key string) bool {
	_, ok := s.defaults[key]
	return ok
}

// Raw returns the schema as JSON.
func (s *Schema) Raw() []byte {
	return append([]byte(nil), s.raw...)
}

func (s *Schema) String() string {
	return fmt.Sprintf("schema %s (%d settings)", s.source, len(s.keys))
}

// WriteFile writes the schema JSON to path so the engine can read it.
func (s *Schema) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, s.raw, 0644)
}
