package profile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gopkg.in/yaml.v3"

	"slicer3d/internal/errs"
)

// Profiles have one canonical in-memory form (Settings + Metadata). The
// functions below are the adapters to the three on-disk forms: YAML with
// reserved keys, flat JSON and the nested schema-style JSON.

// EncodeYAML renders settings and metadata as a YAML document.
func EncodeYAML(s Settings, m Metadata) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(map[string]any(InsertMetadata(s, m))); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeYAML parses a YAML profile document.
func DecodeYAML(source string, data []byte) (Settings, Metadata, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, Metadata{}, errs.ProfileLoad(source, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	s, m := ExtractMetadata(Settings(doc))
	return s, m, nil
}

// LoadYAML reads a YAML profile document from disk.
func LoadYAML(path string) (Settings, Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Metadata{}, errs.ProfileLoad(path, err)
	}
	return DecodeYAML(path, data)
}

// WriteYAML writes a YAML profile document atomically.
func WriteYAML(path string, s Settings, m Metadata) error {
	data, err := EncodeYAML(s, m)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// DecodeJSON parses a JSON profile. Both flat documents and nested
// schema-style documents (settings carrying a "default") are accepted:
// top-level scalars are taken as settings, objects are searched for
// defaults the same way the schema is.
func DecodeJSON(source string, data []byte) (Settings, Metadata, error) {
	if !gjson.ValidBytes(data) {
		return nil, Metadata{}, errs.ProfileLoad(source, errors.New("malformed JSON"))
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, Metadata{}, errs.ProfileLoad(source, errors.New("profile must be a JSON object"))
	}

	out := make(Settings)
	root.ForEach(func(k, v gjson.Result) bool {
		if !v.IsObject() && !v.IsArray() {
			out[k.String()] = v.Value()
		}
		return true
	})
	walk(root, "", func(key, _ string, node gjson.Result) {
		if def := node.Get("default"); def.Exists() {
			out[key] = def.Value()
		}
	})
	s, m := ExtractMetadata(out)
	return s, m, nil
}

// EncodeJSON renders settings and metadata as a flat JSON object.
func EncodeJSON(s Settings, m Metadata) ([]byte, error) {
	return json.MarshalIndent(map[string]any(InsertMetadata(s, m)), "", "  ")
}

// EncodeNested renders the profile in the schema's own layout: the schema
// document with every setting's default replaced by the profile value.
// Keys unknown to the schema are not exported.
func EncodeNested(schema *Schema, s Settings, m Metadata) ([]byte, error) {
	doc := schema.Raw()
	var err error
	for _, key := range s.SortedKeys() {
		path, ok := schema.paths[key]
		if !ok {
			continue
		}
		if doc, err = sjson.SetBytes(doc, path+".default", s[key]); err != nil {
			return nil, fmt.Errorf("set %s: %w", key, err)
		}
	}
	if m.DisplayName != nil {
		if doc, err = sjson.SetBytes(doc, KeyDisplayName, *m.DisplayName); err != nil {
			return nil, err
		}
	}
	if m.Description != nil {
		if doc, err = sjson.SetBytes(doc, KeyDescription, *m.Description); err != nil {
			return nil, err
		}
	}
	return doc, nil
}
