package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/hashicorp/go-hclog"

	"slicer3d/internal/config"
	"slicer3d/internal/errs"
	"slicer3d/internal/httpserver"
	"slicer3d/internal/logging"
	"slicer3d/internal/model"
	"slicer3d/internal/notify"
	"slicer3d/internal/profile"
	"slicer3d/internal/raftnode"
	"slicer3d/internal/slicer"
	"slicer3d/internal/supervisor"
	"slicer3d/internal/telemetry"
)

const serviceName = "slicer3d"

// Globals are the flags shared by every command.
type Globals struct {
	Config   string `short:"c" help:"Path to the TOML config file." default:"slicer3d.toml" type:"path"`
	LogLevel string `help:"Override the configured log level."`
}

var CLI struct {
	Globals

	Serve    ServeCmd    `cmd:"" default:"1" help:"Run the slicing service."`
	Slice    SliceCmd    `cmd:"" help:"Slice one model and print the result."`
	Convert  ConvertCmd  `cmd:"" help:"Convert a profile between YAML, flat JSON and nested JSON."`
	Defaults DefaultsCmd `cmd:"" help:"Print the default profile."`
}

func (g *Globals) load() (config.Config, hclog.Logger, error) {
	cfg, err := config.Load(g.Config)
	if err != nil {
		return cfg, nil, err
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	logger := logging.New(logging.Options{Name: serviceName, Level: cfg.Log.Level, JSON: cfg.Log.JSON})
	return cfg, logger, nil
}

// loadSchema returns the schema the engine is pointed at. Without a
// configured schema the bundled one is written to path first.
func loadSchema(cfg config.Config, path string) (*profile.Schema, error) {
	if cfg.Engine.Schema != "" {
		return profile.LoadSchema(cfg.Engine.Schema)
	}
	schema, err := profile.DefaultSchema()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return schema, schema.WriteFile(path)
}

// ====== SERVE ======

type ServeCmd struct {
	Listen string `help:"Override the HTTP listen address."`
	Join   string `help:"Leader HTTP address to join instead of bootstrapping."`
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	if c.Listen != "" {
		cfg.Server.Listen = c.Listen
	}
	if c.Join != "" {
		cfg.Raft.Bootstrap = false
	}

	engineLog, engineLogCloser, err := logging.EngineLog(logging.EngineLogOptions{
		Path:       cfg.Engine.LogFile,
		MaxSizeMB:  cfg.Engine.LogMaxSizeMB,
		MaxBackups: cfg.Engine.LogMaxBackups,
	})
	if err != nil {
		return fmt.Errorf("open engine log: %w", err)
	}
	defer engineLogCloser.Close()

	sink, err := telemetry.Setup(serviceName)
	if err != nil {
		return err
	}

	schema, err := loadSchema(cfg, cfg.SchemaPath())
	if err != nil {
		return err
	}

	if cfg.Engine.Path == "" {
		logger.Warn("path to slicing engine is not configured, slicing will fail until it is set")
	} else if err := supervisor.CheckExecutable(cfg.Engine.Path); err != nil {
		logger.Warn("slicing engine is not usable", "error", err)
	}

	node, err := raftnode.NewNode(raftnode.Config{
		NodeID:       cfg.Raft.NodeID,
		DataDir:      cfg.Raft.DataDir,
		BindAddress:  cfg.Raft.Bind,
		Bootstrap:    cfg.Raft.Bootstrap,
		ApplyTimeout: cfg.Raft.ApplyTimeout.Duration,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize Raft node: %w", err)
	}
	defer node.Shutdown()

	if c.Join != "" {
		if err := requestJoin(c.Join, node.ID(), node.Address()); err != nil {
			return err
		}
	}
	if err := node.WaitForLeader(30 * time.Second); err != nil {
		logger.Warn("no raft leader yet, profile writes will fail until one is elected", "error", err)
	}

	hub := notify.NewHub(logger.Named("notify"))
	defer hub.Close()

	sup := supervisor.New(
		supervisor.WithLogger(logger.Named("supervisor")),
		supervisor.WithEngineLog(engineLog),
	)
	svc := slicer.New(slicer.Config{
		EnginePath:     cfg.Engine.Path,
		SchemaPath:     cfg.SchemaPath(),
		DefaultProfile: cfg.Profiles.Default,
		Editable:       cfg.Profiles.Editable,
	}, schema, node, sup,
		slicer.WithLogger(logger.Named("slicer")),
		slicer.WithNotifier(hub),
	)
	srv := httpserver.New(svc, node,
		httpserver.WithLogger(logger.Named("http")),
		httpserver.WithEvents(hub),
		httpserver.WithMetrics(sink),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe(cfg.Server.Listen)
	}()

	select {
	case err = <-errCh:
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	svc.CancelAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("HTTP shutdown", "error", serr)
	}
	return err
}

var joinClient = &http.Client{Timeout: 10 * time.Second}

// requestJoin asks the leader at addr to add this node as a voter.
func requestJoin(addr, id, raftAddr string) error {
	body, err := json.Marshal(map[string]string{"id": id, "address": raftAddr})
	if err != nil {
		return err
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	resp, err := joinClient.Post(addr+"/api/v1/cluster/join", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("join %s: %w", addr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("join %s: leader answered %s", addr, resp.Status)
	}
	return nil
}

// ====== SLICE ======

type SliceCmd struct {
	Model       string  `arg:"" help:"Model file to slice." type:"existingfile"`
	Output      string  `short:"o" help:"Output path. Defaults to the model path with .gco." type:"path"`
	ProfileFile string  `short:"p" name:"profile" help:"YAML profile to slice with." type:"path"`
	Engine      string  `help:"Override the engine executable." type:"path"`
	Width       float64 `help:"Printer width in mm."`
	Depth       float64 `help:"Printer depth in mm."`
	Height      float64 `help:"Printer height in mm."`
}

func (c *SliceCmd) Run(g *Globals) error {
	cfg, logger, err := g.load()
	if err != nil {
		return err
	}
	if c.Engine != "" {
		cfg.Engine.Path = c.Engine
	}

	tmp, err := os.MkdirTemp("", serviceName)
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)
	schemaPath := cfg.Engine.Schema
	if schemaPath == "" {
		schemaPath = filepath.Join(tmp, "fdmprinter.json")
	}
	schema, err := loadSchema(cfg, schemaPath)
	if err != nil {
		return err
	}

	node, err := raftnode.NewNode(raftnode.Config{NodeID: serviceName, Bootstrap: true, InMemory: true, Logger: logger.Named("store")})
	if err != nil {
		return err
	}
	defer node.Shutdown()
	if err := node.WaitForLeader(5 * time.Second); err != nil {
		return err
	}

	engineLog := hclog.NewNullLogger()
	if logger.IsTrace() {
		engineLog = logger.Named("engine")
	}
	svc := slicer.New(slicer.Config{
		EnginePath: cfg.Engine.Path,
		SchemaPath: schemaPath,
	}, schema, node, supervisor.New(supervisor.WithLogger(logger), supervisor.WithEngineLog(engineLog)),
		slicer.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := svc.Slice(ctx, slicer.Request{
		ModelPath:   c.Model,
		OutputPath:  c.Output,
		ProfilePath: c.ProfileFile,
		Volume:      model.Volume{Width: c.Width, Depth: c.Depth, Height: c.Height},
		OnProgress: func(p float64) {
			fmt.Fprintf(os.Stderr, "\rslicing %5.1f%%", p)
		},
	})
	fmt.Fprintln(os.Stderr)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if encErr := enc.Encode(res); encErr != nil {
		return encErr
	}
	if err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("slicing failed: %s", res.Message)
	}
	return nil
}

// ====== CONVERT ======

type ConvertCmd struct {
	In     string `arg:"" help:"Input profile (.yaml, .yml or .json)." type:"existingfile"`
	Out    string `arg:"" help:"Output profile (.yaml, .yml or .json)." type:"path"`
	Nested bool   `help:"Write JSON in the nested schema layout."`
	Merge  bool   `help:"Complete the profile with the schema defaults."`
}

func (c *ConvertCmd) Run(g *Globals) error {
	cfg, _, err := g.load()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(c.In)
	if err != nil {
		return errs.ProfileLoad(c.In, err)
	}
	var (
		settings profile.Settings
		meta     profile.Metadata
	)
	if isYAML(c.In) {
		settings, meta, err = profile.DecodeYAML(c.In, data)
	} else {
		settings, meta, err = profile.DecodeJSON(c.In, data)
	}
	if err != nil {
		return err
	}

	schema, err := schemaFor(cfg)
	if err != nil {
		return err
	}
	if c.Merge {
		settings = profile.Merge(schema.Flatten(), settings)
	}

	if isYAML(c.Out) {
		return profile.WriteYAML(c.Out, settings, meta)
	}
	var out []byte
	if c.Nested {
		out, err = profile.EncodeNested(schema, settings, meta)
	} else {
		out, err = profile.EncodeJSON(settings, meta)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(c.Out, out, 0644)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func schemaFor(cfg config.Config) (*profile.Schema, error) {
	if cfg.Engine.Schema != "" {
		return profile.LoadSchema(cfg.Engine.Schema)
	}
	return profile.DefaultSchema()
}

// ====== DEFAULTS ======

type DefaultsCmd struct {
	Format string `short:"f" enum:"yaml,json,nested" default:"yaml" help:"Output format (yaml, json, nested)."`
}

func (c *DefaultsCmd) Run(g *Globals) error {
	cfg, _, err := g.load()
	if err != nil {
		return err
	}
	schema, err := schemaFor(cfg)
	if err != nil {
		return err
	}
	meta := profile.NewMetadata(slicer.DefaultProfileDisplayName, slicer.DefaultProfileDescription)

	var out []byte
	switch c.Format {
	case "json":
		out, err = profile.EncodeJSON(schema.Flatten(), meta)
	case "nested":
		out, err = profile.EncodeNested(schema, schema.Flatten(), meta)
	default:
		out, err = profile.EncodeYAML(schema.Flatten(), meta)
	}
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name(serviceName),
		kong.Description("Slicing host service for 3D printers."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&CLI.Globals)
	ctx.FatalIfErrorf(err)
}
