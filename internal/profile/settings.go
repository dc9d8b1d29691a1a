package profile

import (
	"sort"
	"strings"
)

// Reserved keys carry profile metadata and are never passed to the engine.
const (
	KeyDisplayName = "_display_name"
	KeyDescription = "_description"
)

// Settings is a flat key -> scalar mapping of engine settings.
type Settings map[string]any

// Clone returns a shallow copy of s.
func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// SortedKeys returns the keys of s in lexical order.
func (s Settings) SortedKeys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IsReserved reports whether key is metadata rather than an engine setting.
func IsReserved(key string) bool {
	return strings.HasPrefix(key, "_")
}

// Metadata is the optional display name and description of a profile.
// A nil field means the profile carries no such key.
type Metadata struct {
	DisplayName *string `json:"displayName,omitempty"`
	Description *string `json:"description,omitempty"`
}

// NewMetadata builds Metadata from plain strings, treating "" as absent.
func NewMetadata(displayName, description string) Metadata {
	var m Metadata
	if displayName != "" {
		m.DisplayName = &displayName
	}
	if description != "" {
		m.Description = &description
	}
	return m
}

func (m Metadata) Name() string {
	if m.DisplayName == nil {
		return ""
	}
	return *m.DisplayName
}

func (m Metadata) Text() string {
	if m.Description == nil {
		return ""
	}
	return *m.Description
}

// Profile is a named set of settings plus its metadata.
type Profile struct {
	Name     string
	Settings Settings
	Metadata Metadata
}

// Merge returns every key of defaults, taking the value from overrides where
// present. Reserved metadata keys in overrides are copied through; other keys
// unknown to defaults are dropped.
func Merge(defaults, overrides Settings) Settings {
	merged := make(Settings, len(defaults)+2)
	for k, v := range defaults {
		if o, ok := overrides[k]; ok {
			merged[k] = o
		} else {
			merged[k] = v
		}
	}
	for _, k := range []string{KeyDisplayName, KeyDescription} {
		if v, ok := overrides[k]; ok {
			merged[k] = v
		}
	}
	return merged
}

// ExtractMetadata splits the reserved metadata keys out of s. Only string
// values are treated as metadata. s itself is not modified.
func ExtractMetadata(s Settings) (Settings, Metadata) {
	rest := s.Clone()
	var m Metadata
	if v, ok := rest[KeyDisplayName].(string); ok {
		m.DisplayName = &v
		delete(rest, KeyDisplayName)
	}
	if v, ok := rest[KeyDescription].(string); ok {
		m.Description = &v
		delete(rest, KeyDescription)
	}
	return rest, m
}

// InsertMetadata is the inverse of ExtractMetadata.
func InsertMetadata(s Settings, m Metadata) Settings {
	out := s.Clone()
	if m.DisplayName != nil {
		out[KeyDisplayName] = *m.DisplayName
	}
	if m.Description != nil {
		out[KeyDescription] = *m.Description
	}
	return out
}
