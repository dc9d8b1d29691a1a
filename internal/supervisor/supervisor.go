// Package supervisor runs the slicing engine and tracks running jobs by
// their output path so they can be cancelled from another goroutine.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"

	"slicer3d/internal/errs"
	"slicer3d/internal/model"
	"slicer3d/internal/output"
)

// DefaultDrainTimeout bounds how long stderr is still read after the engine
// has exited.
const DefaultDrainTimeout = 2 * time.Second

// logSeparator closes every run in the engine log.
const logSeparator = "----------------------------------------"

// Job is one running engine invocation.
type Job struct {
	OutputPath string
	Started    time.Time

	// cmd and cancelled are guarded by Supervisor.mu.
	cmd       *exec.Cmd
	cancelled bool

	progress atomic.Uint64
}

func (j *Job) setProgress(p float64) {
	j.progress.Store(math.Float64bits(p))
}

// Progress returns the last percentage reported by the engine.
func (j *Job) Progress() float64 {
	return math.Float64frombits(j.progress.Load())
}

// Supervisor owns the job table. The lock is only held while the table or a
// job's bookkeeping is changed, never while waiting on the engine.
type Supervisor struct {
	mu   sync.Mutex
	jobs map[string]*Job

	logger       hclog.Logger
	engineLog    hclog.Logger
	drainTimeout time.Duration
	stopSignal   os.Signal
}

type Option func(*Supervisor)

func WithLogger(l hclog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = l
	}
}

// WithEngineLog sets where the engine's raw stderr lines go.
func WithEngineLog(l hclog.Logger) Option {
	return func(s *Supervisor) {
		s.engineLog = l
	}
}

func WithDrainTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		s.drainTimeout = d
	}
}

func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		jobs:         make(map[string]*Job),
		logger:       hclog.NewNullLogger(),
		engineLog:    hclog.NewNullLogger(),
		drainTimeout: DefaultDrainTimeout,
		stopSignal:   syscall.SIGTERM,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Task describes one engine run.
type Task struct {
	// OutputPath identifies the job.
	OutputPath string

	// Args is the full command line, Args[0] being the engine executable.
	Args []string

	WorkingDir string

	// FilamentDiameter in mm; zero disables the filament length analysis.
	FilamentDiameter float64

	OnProgress func(percent float64)

	// Job is a reservation made with Reserve. When nil, Run reserves
	// OutputPath itself.
	Job *Job
}

// Outcome is the terminal state of a run.
type Outcome struct {
	Status   model.JobStatus
	ExitCode int
	Analysis model.Analysis
	Started  time.Time
	Duration time.Duration
}

// Run starts the engine, streams its stderr through the output parser and
// waits for it to exit. The returned error is errs.ErrCancelled if the job
// was cancelled before or while running, whatever the exit code; an errs.KindEngineExit
// error for a nonzero exit; an errs.KindSpawn error if the engine could not
// be started; errs.ErrJobInProgress if the output path is already taken.
//
// Cancelling ctx cancels the job.
func (s *Supervisor) Run(ctx context.Context, task Task) (out Outcome, err error) {
	out.Status = model.StatusFailed
	if len(task.Args) == 0 {
		return out, errs.Spawn("", errs.ErrNotConfigured)
	}
	if err := CheckExecutable(task.Args[0]); err != nil {
		return out, err
	}

	job := task.Job
	if job == nil {
		if job, err = s.reserve(task.OutputPath); err != nil {
			return out, err
		}
	}
	defer s.release(job)
	defer s.engineLog.Info(logSeparator)
	out.Started = job.Started

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("engine supervision panicked", "output", task.OutputPath, "panic", r)
			s.signal(job, os.Kill)
			out.Status = model.StatusFailed
			err = fmt.Errorf("engine supervision panicked: %v", r)
		}
		out.Duration = time.Since(job.Started)
	}()

	cmd := exec.Command(task.Args[0], task.Args[1:]...)
	cmd.Dir = task.WorkingDir
	pr, pw := io.Pipe()
	cmd.Stderr = pw
	cmd.WaitDelay = s.drainTimeout

	parser := output.New(
		output.WithFilamentDiameter(task.FilamentDiameter),
		output.WithEngineLog(s.engineLog),
		output.WithLogger(s.logger),
		output.WithProgress(func(p float64) {
			job.setProgress(p)
			if task.OnProgress != nil {
				task.OnProgress(p)
			}
		}),
	)

	s.engineLog.Info("### Slicing", "output", job.OutputPath)
	if s.isCancelled(job) {
		pw.Close()
		s.engineLog.Info("### Cancelled", "output", job.OutputPath)
		out.Status = model.StatusCancelled
		return out, errs.ErrCancelled
	}
	if err := cmd.Start(); err != nil {
		pw.Close()
		return out, errs.Spawn(task.Args[0], err)
	}
	s.logger.Info("engine started", "output", task.OutputPath, "pid", cmd.Process.Pid, "dir", task.WorkingDir)

	s.mu.Lock()
	job.cmd = cmd
	cancelledEarly := job.cancelled
	s.mu.Unlock()
	if cancelledEarly {
		s.signal(job, s.stopSignal)
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.cancelJob(job)
		case <-stop:
		}
	}()

	scanned := make(chan scanResult, 1)
	go func() {
		var res scanResult
		defer func() {
			if r := recover(); r != nil {
				res.panicked = true
				res.err = fmt.Errorf("output parser panicked: %v", r)
				s.signal(job, os.Kill)
			}
			// Keep the pipe flowing if the scanner gave up early.
			_, _ = io.Copy(io.Discard, pr)
			scanned <- res
		}()
		res.err = parser.Scan(pr)
	}()

	waitErr := cmd.Wait()
	pw.Close()
	scan := <-scanned
	if scan.panicked {
		return out, scan.err
	}
	if scan.err != nil {
		s.logger.Warn("reading engine output failed", "output", task.OutputPath, "error", scan.err)
	}

	out.Analysis = parser.Analysis()
	out.ExitCode = cmd.ProcessState.ExitCode()

	cancelled := s.isCancelled(job)
	if cancelled {
		s.engineLog.Info("### Cancelled", "output", task.OutputPath)
	} else {
		s.engineLog.Info("### Finished", "output", task.OutputPath, "returncode", out.ExitCode)
	}

	switch {
	case cancelled:
		out.Status = model.StatusCancelled
		return out, errs.ErrCancelled
	case waitErr == nil, errors.Is(waitErr, exec.ErrWaitDelay) && cmd.ProcessState.Success():
		out.Status = model.StatusCompleted
		return out, nil
	case cmd.ProcessState != nil:
		return out, errs.EngineExit(out.ExitCode)
	default:
		return out, fmt.Errorf("wait for engine: %w", waitErr)
	}
}

type scanResult struct {
	err      error
	panicked bool
}

// Cancel marks the job for outputPath as cancelled and asks the engine to
// stop. It reports whether a job was found; cancelling an unknown output path
// is a no-op.
func (s *Supervisor) Cancel(outputPath string) bool {
	s.mu.Lock()
	job, ok := s.jobs[outputPath]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return s.cancelJob(job)
}

func (s *Supervisor) cancelJob(job *Job) bool {
	s.mu.Lock()
	current := s.jobs[job.OutputPath] == job
	if current {
		job.cancelled = true
	}
	s.mu.Unlock()

	if !current {
		return false
	}
	s.signal(job, s.stopSignal)
	s.logger.Info("cancelled slicing", "output", job.OutputPath)
	return true
}

// Jobs returns a snapshot of the running jobs ordered by output path.
func (s *Supervisor) Jobs() []model.JobInfo {
	s.mu.Lock()
	list := make([]model.JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		list = append(list, model.JobInfo{
			OutputPath: j.OutputPath,
			Started:    j.Started,
			Progress:   j.Progress(),
			Status:     model.StatusRunning,
		})
	}
	s.mu.Unlock()

	sort.Slice(list, func(i, k int) bool {
		return list[i].OutputPath < list[k].OutputPath
	})
	return list
}

// Running reports whether a job is registered for outputPath.
func (s *Supervisor) Running(outputPath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[outputPath]
	return ok
}

// CancelAll cancels every running job.
func (s *Supervisor) CancelAll() {
	s.mu.Lock()
	paths := make([]string, 0, len(s.jobs))
	for p := range s.jobs {
		paths = append(paths, p)
	}
	s.mu.Unlock()

	for _, p := range paths {
		s.Cancel(p)
	}
}

// Reserve claims outputPath before the engine is started, so a caller can
// reject a duplicate job synchronously and run it later with Task.Job. The
// reservation can be cancelled like a running job. It is released when Run
// returns, or by Release if Run is never called.
func (s *Supervisor) Reserve(outputPath string) (*Job, error) {
	return s.reserve(outputPath)
}

// Release drops a reservation. Releasing a job that already ended is a no-op.
func (s *Supervisor) Release(job *Job) {
	s.release(job)
}

func (s *Supervisor) isCancelled(job *Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return job.cancelled
}

func (s *Supervisor) reserve(outputPath string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[outputPath]; exists {
		return nil, errs.ErrJobInProgress
	}
	job := &Job{OutputPath: outputPath, Started: time.Now()}
	s.jobs[outputPath] = job
	return job, nil
}

func (s *Supervisor) release(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.jobs[job.OutputPath] == job {
		delete(s.jobs, job.OutputPath)
	}
}

func (s *Supervisor) signal(job *Job, sig os.Signal) {
	s.mu.Lock()
	cmd := job.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Warn("could not signal engine", "output", job.OutputPath, "error", err)
	}
}

// CheckExecutable verifies path names an executable regular file.
func CheckExecutable(path string) error {
	if path == "" {
		return errs.Spawn("", errs.ErrNotConfigured)
	}
	info, err := os.Stat(path)
	if err != nil {
		return errs.Spawn(path, err)
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0111 == 0 {
		return errs.Spawn(path, errors.New("not an executable file"))
	}
	return nil
}
