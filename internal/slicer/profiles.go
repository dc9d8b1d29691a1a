package slicer

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-metrics"

	"slicer3d/internal/errs"
	"slicer3d/internal/model"
	"slicer3d/internal/notify"
	"slicer3d/internal/profile"
	"slicer3d/internal/telemetry"
)

// Names of the built-in default profile.
const (
	DefaultProfileName        = "default"
	DefaultProfileDisplayName = "Default Profile"
	DefaultProfileDescription = "Default profile for the slicing engine"
)

// Export formats.
const (
	FormatYAML   = "yaml"
	FormatJSON   = "json"
	FormatNested = "nested"
)

// ImportOptions override the values derived from the uploaded file name.
// Empty strings keep the derived value.
type ImportOptions struct {
	Name           string
	DisplayName    string
	Description    string
	AllowOverwrite bool
	MakeDefault    bool
}

// ImportProfile converts an uploaded profile file and stores it. JSON files
// may be flat or nested; .yaml and .yml files are read as YAML profiles.
// The profile is completed with the schema defaults before it is stored.
func (s *Service) ImportProfile(filename string, data []byte, opts ImportOptions) (profile.Profile, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))

	var (
		settings profile.Settings
		err      error
	)
	switch ext {
	case ".yaml", ".yml":
		settings, _, err = profile.DecodeYAML(filename, data)
	default:
		settings, _, err = profile.DecodeJSON(filename, data)
	}
	if err != nil {
		return profile.Profile{}, err
	}

	name := opts.Name
	if name == "" {
		if name, err = profile.SanitizeName(base); err != nil {
			return profile.Profile{}, errs.Invalid("import profile", err)
		}
	}
	if name == "" || strings.ContainsAny(name, `/\`) {
		return profile.Profile{}, errs.Invalid("import profile", profile.ErrInvalidName)
	}

	displayName := base
	if opts.DisplayName != "" {
		displayName = opts.DisplayName
	}
	description := fmt.Sprintf("Imported from %s on %s", filepath.Base(filename), s.now().Format("2006-01-02 15:04"))
	if opts.Description != "" {
		description = opts.Description
	}

	p := profile.Profile{
		Name:     name,
		Settings: profile.Merge(s.schema.Flatten(), settings),
		Metadata: profile.NewMetadata(displayName, description),
	}
	if err := s.store.SaveProfile(p, opts.AllowOverwrite); err != nil {
		return profile.Profile{}, err
	}
	metrics.IncrCounter(telemetry.KeyProfileImport, 1)
	s.logger.Info("imported profile", "name", name, "file", filename)

	if opts.MakeDefault {
		if err := s.store.SetDefaultProfile(name); err != nil {
			return p, fmt.Errorf("set default profile %s: %w", name, err)
		}
	}
	s.notifier.Publish(notify.MethodProfiles, map[string]any{"name": name, "action": "import"})
	return p, nil
}

// DefaultProfile returns the schema defaults as a profile.
func (s *Service) DefaultProfile() profile.Profile {
	return profile.Profile{
		Name:     DefaultProfileName,
		Settings: s.schema.Flatten(),
		Metadata: profile.NewMetadata(DefaultProfileDisplayName, DefaultProfileDescription),
	}
}

// Profile returns a stored profile, or the default profile for its name.
func (s *Service) Profile(name string) (profile.Profile, error) {
	p, err := s.store.Profile(name)
	if errors.Is(err, errs.ErrUnknownProfile) && name == DefaultProfileName {
		return s.DefaultProfile(), nil
	}
	return p, err
}

func (s *Service) Profiles() []model.ProfileSummary {
	return s.store.Profiles()
}

func (s *Service) DeleteProfile(name string) error {
	if err := s.store.DeleteProfile(name); err != nil {
		return err
	}
	s.notifier.Publish(notify.MethodProfiles, map[string]any{"name": name, "action": "delete"})
	return nil
}

func (s *Service) SetDefault(name string) error {
	if err := s.store.SetDefaultProfile(name); err != nil {
		return err
	}
	s.notifier.Publish(notify.MethodProfiles, map[string]any{"name": name, "action": "default"})
	return nil
}

// Export renders a profile in one of the export formats and returns the
// document with its content type.
func (s *Service) Export(name, format string) ([]byte, string, error) {
	p, err := s.Profile(name)
	if err != nil {
		return nil, "", err
	}
	switch format {
	case "", FormatYAML:
		data, err := profile.EncodeYAML(p.Settings, p.Metadata)
		return data, "application/x-yaml", err
	case FormatJSON:
		data, err := profile.EncodeJSON(p.Settings, p.Metadata)
		return data, "application/json", err
	case FormatNested:
		data, err := profile.EncodeNested(s.schema, p.Settings, p.Metadata)
		return data, "application/json", err
	}
	return nil, "", errs.Invalid("export profile", fmt.Errorf("unknown format %q", format))
}

// EditableProfile is the subset of a profile offered for editing.
type EditableProfile struct {
	Name        string           `json:"name"`
	DisplayName string           `json:"displayName,omitempty"`
	Description string           `json:"description,omitempty"`
	Settings    profile.Settings `json:"settings"`
}

func (s *Service) editable() []string {
	return s.cfg.Editable
}

// EditableProfile returns the editable keys of a profile, falling back to
// the schema default for keys the profile does not set.
func (s *Service) EditableProfile(name string) (EditableProfile, error) {
	p, err := s.Profile(name)
	if err != nil {
		return EditableProfile{}, err
	}
	merged := profile.Merge(s.schema.Flatten(), p.Settings)
	out := EditableProfile{
		Name:        p.Name,
		DisplayName: p.Metadata.Name(),
		Description: p.Metadata.Text(),
		Settings:    make(profile.Settings),
	}
	for _, key := range s.editable() {
		if v, ok := merged[key]; ok {
			out.Settings[key] = v
		}
	}
	return out, nil
}

// SaveEditable writes edited values back into a stored profile. Keys outside
// the editable set are rejected. Saving under the default profile name
// creates the stored profile from the schema defaults.
func (s *Service) SaveEditable(name string, edit EditableProfile) (EditableProfile, error) {
	allowed := make(map[string]bool, len(s.editable()))
	for _, key := range s.editable() {
		allowed[key] = true
	}
	var rejected []string
	for key := range edit.Settings {
		if !allowed[key] {
			rejected = append(rejected, key)
		}
	}
	if len(rejected) > 0 {
		return EditableProfile{}, errs.Invalid("save profile", fmt.Errorf("settings not editable: %s", strings.Join(rejected, ", ")))
	}

	p, err := s.Profile(name)
	if err != nil {
		return EditableProfile{}, err
	}
	p.Settings = p.Settings.Clone()
	for key, v := range edit.Settings {
		p.Settings[key] = v
	}
	if edit.DisplayName != "" {
		p.Metadata.DisplayName = &edit.DisplayName
	}
	if edit.Description != "" {
		p.Metadata.Description = &edit.Description
	}
	if err := s.store.SaveProfile(p, true); err != nil {
		return EditableProfile{}, err
	}
	metrics.IncrCounter(telemetry.KeyProfileSave, 1)
	s.notifier.Publish(notify.MethodProfiles, map[string]any{"name": name, "action": "save"})
	return s.EditableProfile(name)
}
