// Package slicer is the entry point for slicing and profile management. It
// resolves a profile, builds the engine command, supervises the run and
// records the outcome. Failures come back as a Result; only cancellation and
// rejected requests are returned as errors.
package slicer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-metrics"

	"slicer3d/internal/engine"
	"slicer3d/internal/errs"
	"slicer3d/internal/mesh"
	"slicer3d/internal/model"
	"slicer3d/internal/notify"
	"slicer3d/internal/profile"
	"slicer3d/internal/supervisor"
	"slicer3d/internal/telemetry"
)

// KeyFilamentDiameter is the setting the filament analysis reads.
const KeyFilamentDiameter = "material_diameter"

// ProfileStore is the replicated profile storage.
type ProfileStore interface {
	SaveProfile(p profile.Profile, allowOverwrite bool) error
	Profile(name string) (profile.Profile, error)
	Profiles() []model.ProfileSummary
	DeleteProfile(name string) error
	SetDefaultProfile(name string) error
	DefaultProfile() string
	RecordSlice(rec model.SliceRecord) error
	History() []model.SliceRecord
}

// Notifier receives slicing events.
type Notifier interface {
	Publish(method string, params ...any)
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, ...any) {}

// Config is the part of the service configuration the slicer needs.
type Config struct {
	// EnginePath is the engine executable. Empty means not configured.
	EnginePath string

	// SchemaPath is the schema file handed to the engine.
	SchemaPath string

	// DefaultProfile is used when neither the request nor the store names
	// a profile.
	DefaultProfile string

	// Editable lists the keys exposed by EditableProfile.
	Editable []string
}

// Service is safe for concurrent use.
type Service struct {
	cfg      Config
	schema   *profile.Schema
	store    ProfileStore
	sup      *supervisor.Supervisor
	notifier Notifier
	logger   hclog.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithLogger(l hclog.Logger) Option {
	return func(s *Service) {
		s.logger = l
	}
}

func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

func New(cfg Config, schema *profile.Schema, store ProfileStore, sup *supervisor.Supervisor, opts ...Option) *Service {
	s := &Service{
		cfg:      cfg,
		schema:   schema,
		store:    store,
		sup:      sup,
		notifier: nopNotifier{},
		logger:   hclog.NewNullLogger(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	// The engine runs in its own directory, so relative paths would be
	// resolved twice.
	s.cfg.EnginePath = absPath(cfg.EnginePath)
	s.cfg.SchemaPath = absPath(cfg.SchemaPath)
	return s
}

// EngineProperties describes the slicing engine to clients.
type EngineProperties struct {
	Type           string `json:"type"`
	Name           string `json:"name"`
	Path           string `json:"path,omitempty"`
	Configured     bool   `json:"configured"`
	SameDevice     bool   `json:"sameDevice"`
	ProgressReport bool   `json:"progressReport"`
}

// Engine reports the configured engine and whether it can be started.
func (s *Service) Engine() EngineProperties {
	return EngineProperties{
		Type:           "curaengine",
		Name:           "CuraEngine",
		Path:           s.cfg.EnginePath,
		Configured:     supervisor.CheckExecutable(s.cfg.EnginePath) == nil,
		SameDevice:     true,
		ProgressReport: true,
	}
}

// Request describes one slicing job.
type Request struct {
	ModelPath string `json:"model"`

	// OutputPath defaults to the model path with a .gco extension.
	OutputPath string `json:"output,omitempty"`

	// Profile names a stored profile. ProfilePath, if set, is a YAML
	// profile file and takes precedence.
	Profile     string `json:"profile,omitempty"`
	ProfilePath string `json:"profilePath,omitempty"`

	// Overrides are applied on top of the resolved profile.
	Overrides profile.Settings `json:"overrides,omitempty"`

	// Volume is the printer volume. A zero volume falls back to the
	// machine_* settings of the profile.
	Volume model.Volume `json:"volume"`

	OnProgress func(percent float64) `json:"-"`
}

// Result is the outcome of a slicing job.
type Result struct {
	ID         string          `json:"id"`
	ModelPath  string          `json:"model"`
	OutputPath string          `json:"output"`
	Profile    string          `json:"profile,omitempty"`
	Status     model.JobStatus `json:"status"`
	Kind       errs.Kind       `json:"kind,omitempty"`
	ExitCode   int             `json:"exitCode,omitempty"`
	Message    string          `json:"message,omitempty"`
	Warnings   []string        `json:"warnings,omitempty"`
	Analysis   model.Analysis  `json:"analysis"`
	Duration   time.Duration   `json:"duration"`
}

// OK reports whether the job completed.
func (r Result) OK() bool { return r.Status == model.StatusCompleted }

// Slice runs one slicing job and blocks until it ends. A failed job is
// reported in the Result with a nil error. The error is errs.ErrCancelled
// when the job was cancelled and errs.ErrJobInProgress when another job
// already writes the same output.
func (s *Service) Slice(ctx context.Context, req Request) (Result, error) {
	return s.slice(ctx, req, nil)
}

// Start reserves the output of req and slices it in a new goroutine, calling
// done with what Slice would have returned. A job already writing the same
// output is reported as errs.ErrJobInProgress before anything starts.
func (s *Service) Start(ctx context.Context, req Request, done func(Result, error)) (string, error) {
	if req.OutputPath == "" {
		req.OutputPath = engine.OutputPathFor(req.ModelPath)
	}
	job, err := s.sup.Reserve(req.OutputPath)
	if err != nil {
		return "", err
	}
	go func() {
		res, err := s.slice(ctx, req, job)
		if done != nil {
			done(res, err)
		}
	}()
	return req.OutputPath, nil
}

func (s *Service) slice(ctx context.Context, req Request, job *supervisor.Job) (res Result, err error) {
	res = Result{
		ID:         uuid.NewString(),
		ModelPath:  req.ModelPath,
		OutputPath: req.OutputPath,
		Status:     model.StatusFailed,
	}
	if res.OutputPath == "" {
		res.OutputPath = engine.OutputPathFor(req.ModelPath)
	}
	started := s.now()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("slicing panicked", "model", req.ModelPath, "panic", r)
			res.Status = model.StatusFailed
			res.Message = fmt.Sprintf("internal error: %v", r)
			err = nil
		}
		if errors.Is(err, errs.ErrJobInProgress) {
			return
		}
		if res.Duration == 0 {
			res.Duration = s.now().Sub(started)
		}
		s.finish(req, res, started)
	}()
	if job != nil {
		defer s.sup.Release(job)
	}

	name, settings, err := s.resolve(req)
	if err != nil {
		return s.fail(res, err), nil
	}
	res.Profile = name
	settings, meta := profile.ExtractMetadata(settings)
	if meta.DisplayName != nil {
		s.logger.Debug("using profile", "name", name, "display_name", *meta.DisplayName)
	}

	volume := req.Volume
	if volume == (model.Volume{}) {
		volume = volumeFrom(settings)
	}

	warning, err := s.inspect(req.ModelPath, volume)
	if err != nil {
		return s.fail(res, err), nil
	}
	if warning != "" {
		res.Warnings = append(res.Warnings, warning)
	}

	if s.cfg.EnginePath == "" {
		s.logger.Error("path to slicing engine is not configured")
		return s.fail(res, errs.Spawn("", errs.ErrNotConfigured)), nil
	}

	cmd := engine.Build(engine.Invocation{
		Executable: s.cfg.EnginePath,
		ModelPath:  absPath(req.ModelPath),
		OutputPath: absPath(res.OutputPath),
		SchemaPath: s.cfg.SchemaPath,
		Volume:     volume,
		Settings:   settings,
	})
	s.logger.Info("slicing", "model", req.ModelPath, "output", res.OutputPath, "profile", name)
	s.logger.Debug("engine command", "args", cmd.Args)

	lastPercent := -1
	out, err := s.sup.Run(ctx, supervisor.Task{
		OutputPath:       res.OutputPath,
		Args:             cmd.Args,
		Job:              job,
		WorkingDir:       filepath.Dir(s.cfg.EnginePath),
		FilamentDiameter: toFloat(settings[KeyFilamentDiameter]),
		OnProgress: func(p float64) {
			if req.OnProgress != nil {
				req.OnProgress(p)
			}
			if whole := int(p); whole != lastPercent {
				lastPercent = whole
				s.notifier.Publish(notify.MethodProgress, map[string]any{
					"output":   res.OutputPath,
					"progress": p,
				})
			}
		},
	})
	res.Analysis = out.Analysis
	res.ExitCode = out.ExitCode
	if out.Duration > 0 {
		res.Duration = out.Duration
	}

	switch {
	case err == nil:
		res.Status = model.StatusCompleted
		return res, nil
	case errors.Is(err, errs.ErrCancelled):
		res.Status = model.StatusCancelled
		res.Message = err.Error()
		return res, err
	case errors.Is(err, errs.ErrJobInProgress):
		res.Message = err.Error()
		return res, err
	default:
		return s.fail(res, err), nil
	}
}

func (s *Service) fail(res Result, err error) Result {
	res.Status = model.StatusFailed
	res.Kind = errs.KindOf(err)
	res.Message = err.Error()
	if code, ok := errs.ExitCodeOf(err); ok {
		res.ExitCode = code
	}
	s.logger.Error("slicing failed", "model", res.ModelPath, "error", err)
	return res
}

// finish records the outcome and fans it out to metrics and listeners.
func (s *Service) finish(req Request, res Result, started time.Time) {
	switch res.Status {
	case model.StatusCompleted:
		metrics.IncrCounter(telemetry.KeySliceCompleted, 1)
		metrics.MeasureSince(telemetry.KeySliceDuration, started)
		s.notifier.Publish(notify.MethodDone, res)
	case model.StatusCancelled:
		metrics.IncrCounter(telemetry.KeySliceCancelled, 1)
		s.notifier.Publish(notify.MethodCancelled, res)
	default:
		metrics.IncrCounter(telemetry.KeySliceFailed, 1)
		s.notifier.Publish(notify.MethodFailed, res)
	}
	metrics.SetGauge(telemetry.KeySliceRunning, float32(len(s.sup.Jobs())))

	rec := model.SliceRecord{
		ID:         res.ID,
		ModelPath:  req.ModelPath,
		OutputPath: res.OutputPath,
		Profile:    res.Profile,
		Status:     res.Status,
		ExitCode:   res.ExitCode,
		Message:    res.Message,
		Analysis:   res.Analysis,
		Started:    started,
		Duration:   res.Duration,
	}
	if err := s.store.RecordSlice(rec); err != nil {
		s.logger.Warn("could not record slice", "id", rec.ID, "error", err)
	}
}

// resolve picks the profile for req and merges it over the schema defaults.
// The returned settings still carry the metadata keys.
func (s *Service) resolve(req Request) (string, profile.Settings, error) {
	var (
		name      string
		overrides profile.Settings
	)
	switch {
	case req.ProfilePath != "":
		settings, meta, err := profile.LoadYAML(req.ProfilePath)
		if err != nil {
			return "", nil, err
		}
		name = filepath.Base(req.ProfilePath)
		overrides = profile.InsertMetadata(settings, meta)
	case req.Profile != "":
		p, err := s.Profile(req.Profile)
		if err != nil {
			return "", nil, errs.ProfileLoad(req.Profile, err)
		}
		name = p.Name
		overrides = profile.InsertMetadata(p.Settings, p.Metadata)
	default:
		name = s.store.DefaultProfile()
		if name == "" {
			name = s.cfg.DefaultProfile
		}
		if name != "" {
			p, err := s.Profile(name)
			if err != nil {
				s.logger.Warn("default profile unavailable, using schema defaults", "profile", name, "error", err)
				name = ""
			} else {
				overrides = profile.InsertMetadata(p.Settings, p.Metadata)
			}
		}
	}
	if len(req.Overrides) > 0 {
		overrides = overrides.Clone()
		for k, v := range req.Overrides {
			overrides[k] = v
		}
	}
	return name, profile.Merge(s.schema.Flatten(), overrides), nil
}

// inspect checks the model exists and warns when it does not fit the
// printer. The engine stays the authority on what it can slice.
func (s *Service) inspect(path string, volume model.Volume) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", errs.Model(path, err)
	}
	bounds, err := mesh.Inspect(path)
	if err != nil {
		s.logger.Debug("could not inspect model", "model", path, "error", err)
		return "", nil
	}
	if !bounds.Fits(volume) {
		size := bounds.Size()
		warning := fmt.Sprintf("model is %.1f x %.1f x %.1f mm and may not fit the printer (%.0f x %.0f x %.0f mm)",
			size[mesh.X], size[mesh.Y], size[mesh.Z], volume.Width, volume.Depth, volume.Height)
		s.logger.Warn(warning, "model", path)
		return warning, nil
	}
	return "", nil
}

// Cancel cancels the job writing outputPath.
func (s *Service) Cancel(outputPath string) bool {
	return s.sup.Cancel(outputPath)
}

// Running reports whether a job is writing outputPath.
func (s *Service) Running(outputPath string) bool {
	return s.sup.Running(outputPath)
}

// CancelAll cancels every running job.
func (s *Service) CancelAll() {
	s.sup.CancelAll()
}

// Jobs returns the running jobs.
func (s *Service) Jobs() []model.JobInfo {
	return s.sup.Jobs()
}

// History returns the recent finished jobs, newest first.
func (s *Service) History() []model.SliceRecord {
	history := s.store.History()
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history
}

func absPath(path string) string {
	if path == "" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

func volumeFrom(s profile.Settings) model.Volume {
	return model.Volume{
		Width:  toFloat(s[engine.KeyMachineWidth]),
		Depth:  toFloat(s[engine.KeyMachineDepth]),
		Height: toFloat(s[engine.KeyMachineHeight]),
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	}
	return 0
}
