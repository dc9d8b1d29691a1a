// Package config loads the service configuration from a TOML file with
// SLICER3D_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix is the prefix of all environment overrides.
const EnvPrefix = "SLICER3D_"

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Engine   EngineConfig   `toml:"engine"`
	Profiles ProfilesConfig `toml:"profiles"`
	Raft     RaftConfig     `toml:"raft"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Listen string `toml:"listen"`
}

type EngineConfig struct {
	// Path to the engine executable. Slicing fails until it is set.
	Path string `toml:"path"`

	// Schema is the settings schema handed to the engine with -j. Empty
	// means the bundled schema, written to the data directory at startup.
	Schema string `toml:"schema"`

	LogFile       string `toml:"log_file"`
	LogMaxSizeMB  int    `toml:"log_max_size_mb"`
	LogMaxBackups int    `toml:"log_max_backups"`
}

type ProfilesConfig struct {
	// Default names the profile used when a slice request names none.
	Default string `toml:"default"`

	// Editable lists the settings exposed by the editable-profile endpoints.
	Editable []string `toml:"editable"`
}

type RaftConfig struct {
	NodeID       string   `toml:"node_id"`
	Bind         string   `toml:"bind"`
	DataDir      string   `toml:"data_dir"`
	Bootstrap    bool     `toml:"bootstrap"`
	ApplyTimeout Duration `toml:"apply_timeout"`
}

// Duration is a time.Duration written as a string ("5s") in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type LogConfig struct {
	Level string `toml:"level"`
	JSON  bool   `toml:"json"`
}

// DefaultEditable is the editable subset when none is configured.
var DefaultEditable = []string{
	"layer_height",
	"wall_thickness",
	"top_bottom_thickness",
	"infill_sparse_density",
	"material_print_temperature",
	"material_bed_temperature",
	"material_diameter",
	"speed_print",
	"support_enable",
	"adhesion_type",
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{Listen: ":8080"},
		Engine: EngineConfig{
			LogFile:       filepath.Join("data", "logs", "engine.log"),
			LogMaxSizeMB:  2,
			LogMaxBackups: 3,
		},
		Profiles: ProfilesConfig{Editable: append([]string(nil), DefaultEditable...)},
		Raft: RaftConfig{
			NodeID:       "node1",
			Bind:         "127.0.0.1:12000",
			DataDir:      "data",
			Bootstrap:    true,
			ApplyTimeout: Duration{5 * time.Second},
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"ENGINE_PATH":   &c.Engine.Path,
		"ENGINE_SCHEMA": &c.Engine.Schema,
		"ENGINE_LOG":    &c.Engine.LogFile,
		"LISTEN":        &c.Server.Listen,
		"LOG_LEVEL":     &c.Log.Level,
		"NODE_ID":       &c.Raft.NodeID,
		"RAFT_BIND":     &c.Raft.Bind,
		"DATA_DIR":      &c.Raft.DataDir,
		"PROFILE":       &c.Profiles.Default,
	}
	for name, dst := range str {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	if v, ok := lookup(EnvPrefix + "EDITABLE"); ok {
		c.Profiles.Editable = splitList(v)
	}
	if v, ok := lookup(EnvPrefix + "LOG_JSON"); ok {
		c.Log.JSON = IsTrue(v)
	}
	if v, ok := lookup(EnvPrefix + "APPLY_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sAPPLY_TIMEOUT: %w", EnvPrefix, err)
		}
		c.Raft.ApplyTimeout = Duration{d}
	}
	return nil
}

// Validate checks the settings the service cannot start without.
func (c Config) Validate() error {
	var problems []string
	if c.Server.Listen == "" {
		problems = append(problems, "server.listen is empty")
	}
	if c.Raft.NodeID == "" {
		problems = append(problems, "raft.node_id is empty")
	}
	if c.Raft.DataDir == "" {
		problems = append(problems, "raft.data_dir is empty")
	}
	if c.Raft.ApplyTimeout.Duration <= 0 {
		problems = append(problems, "raft.apply_timeout must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// SchemaPath returns the schema file handed to the engine.
func (c Config) SchemaPath() string {
	if c.Engine.Schema != "" {
		return c.Engine.Schema
	}
	return filepath.Join(c.Raft.DataDir, "fdmprinter.json")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsTrue accepts the usual spellings of a true flag in env and form values.
func IsTrue(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}
