package supervisor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slicer3d/internal/errs"
	"slicer3d/internal/model"
)

// writeEngine writes a fake engine shell script and returns its path.
func writeEngine(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-engine")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755))
	return path
}

const longRunning = `trap 'exit 0' TERM
echo "Progress:10%" >&2
while :; do sleep 0.05; done
`

func TestRun_Completed(t *testing.T) {
	engine := writeEngine(t, `echo "Loading" >&2
echo "Progress:50.0%" >&2
echo "Print time: 120" >&2
echo "Filament: 1200.0" >&2
exit 0
`)
	var progress []float64
	s := New()

	out, err := s.Run(context.Background(), Task{
		OutputPath:       "/tmp/out.gco",
		Args:             []string{engine, "slice"},
		WorkingDir:       filepath.Dir(engine),
		FilamentDiameter: 2.85,
		OnProgress:       func(p float64) { progress = append(progress, p) },
	})

	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, out.Status)
	assert.Equal(t, 0, out.ExitCode)
	assert.Equal(t, []float64{50}, progress)
	assert.Equal(t, "120", out.Analysis.EstimatedPrintTime)
	assert.InDelta(t, 1.2, out.Analysis.Filament["tool0"].Volume, 1e-9)
	assert.False(t, s.Running("/tmp/out.gco"))
	assert.Empty(t, s.Jobs())
}

func TestRun_NonzeroExit(t *testing.T) {
	engine := writeEngine(t, "echo 'bad setting' >&2\nexit 3\n")
	s := New()

	out, err := s.Run(context.Background(), Task{OutputPath: "a.gco", Args: []string{engine}})

	require.Error(t, err)
	code, ok := errs.ExitCodeOf(err)
	assert.True(t, ok)
	assert.Equal(t, 3, code)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Equal(t, 3, out.ExitCode)
	assert.False(t, s.Running("a.gco"))
}

func TestRun_SpawnErrors(t *testing.T) {
	s := New()

	_, err := s.Run(context.Background(), Task{OutputPath: "a.gco"})
	assert.Equal(t, errs.KindSpawn, errs.KindOf(err))
	assert.ErrorIs(t, err, errs.ErrNotConfigured)

	_, err = s.Run(context.Background(), Task{OutputPath: "a.gco", Args: []string{"/does/not/exist"}})
	assert.Equal(t, errs.KindSpawn, errs.KindOf(err))
	assert.ErrorIs(t, err, os.ErrNotExist)

	notExec := filepath.Join(t.TempDir(), "engine")
	require.NoError(t, os.WriteFile(notExec, []byte("#!/bin/sh\n"), 0644))
	_, err = s.Run(context.Background(), Task{OutputPath: "a.gco", Args: []string{notExec}})
	assert.Equal(t, errs.KindSpawn, errs.KindOf(err))

	_, err = s.Run(context.Background(), Task{OutputPath: "a.gco", Args: []string{t.TempDir()}})
	assert.Equal(t, errs.KindSpawn, errs.KindOf(err))

	assert.Empty(t, s.Jobs())
}

func TestCancel_Unknown(t *testing.T) {
	s := New()
	assert.False(t, s.Cancel("nothing.gco"))
}

// startLong runs a long-running engine in the background and waits until it
// has reported progress.
func startLong(t *testing.T, s *Supervisor, ctx context.Context, output string) <-chan result {
	t.Helper()
	engine := writeEngine(t, longRunning)
	started := make(chan struct{})
	var once sync.Once
	done := make(chan result, 1)
	go func() {
		out, err := s.Run(ctx, Task{
			OutputPath: output,
			Args:       []string{engine},
			OnProgress: func(float64) { once.Do(func() { close(started) }) },
		})
		done <- result{out, err}
	}()
	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not report progress")
	}
	return done
}

type result struct {
	out Outcome
	err error
}

func TestCancel_RunningJob(t *testing.T) {
	s := New()
	done := startLong(t, s, context.Background(), "long.gco")

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "long.gco", jobs[0].OutputPath)
	assert.Equal(t, 10.0, jobs[0].Progress)

	assert.True(t, s.Cancel("long.gco"))

	select {
	case r := <-done:
		// The script exits 0 on SIGTERM; cancellation still wins.
		assert.ErrorIs(t, r.err, errs.ErrCancelled)
		assert.Equal(t, model.StatusCancelled, r.out.Status)
		assert.Equal(t, 0, r.out.ExitCode)
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled job did not finish")
	}
	assert.False(t, s.Running("long.gco"))
}

func TestRun_ContextCancel(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := startLong(t, s, ctx, "ctx.gco")

	cancel()

	select {
	case r := <-done:
		assert.True(t, errors.Is(r.err, errs.ErrCancelled))
	case <-time.After(5 * time.Second):
		t.Fatal("job did not stop after context cancel")
	}
}

func TestRun_SameOutputRejected(t *testing.T) {
	s := New()
	done := startLong(t, s, context.Background(), "dup.gco")

	engine := writeEngine(t, "exit 0\n")
	_, err := s.Run(context.Background(), Task{OutputPath: "dup.gco", Args: []string{engine}})
	assert.ErrorIs(t, err, errs.ErrJobInProgress)

	// A different output path is unaffected.
	out, err := s.Run(context.Background(), Task{OutputPath: "other.gco", Args: []string{engine}})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, out.Status)

	s.CancelAll()
	r := <-done
	assert.ErrorIs(t, r.err, errs.ErrCancelled)
}

func TestRun_ProgressCallbackPanic(t *testing.T) {
	engine := writeEngine(t, "echo 'Progress:1%' >&2\nsleep 5\n")
	s := New(WithDrainTimeout(100 * time.Millisecond))

	_, err := s.Run(context.Background(), Task{
		OutputPath: "panic.gco",
		Args:       []string{engine},
		OnProgress: func(float64) { panic("boom") },
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.False(t, s.Running("panic.gco"))
}

func TestRun_EngineLog(t *testing.T) {
	var buf bytes.Buffer
	engineLog := hclog.New(&hclog.LoggerOptions{Output: &buf, Level: hclog.Debug})
	engine := writeEngine(t, "echo 'Loading model' >&2\nexit 0\n")
	s := New(WithEngineLog(engineLog))

	_, err := s.Run(context.Background(), Task{OutputPath: "log.gco", Args: []string{engine}})

	require.NoError(t, err)
	logged := buf.String()
	assert.Contains(t, logged, "### Slicing")
	assert.Contains(t, logged, "Loading model")
	assert.Contains(t, logged, "### Finished")
	assert.Contains(t, logged, "returncode=0")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(logged), logSeparator), logged)
}

func TestRun_EngineLogSeparatorOnSpawnFailure(t *testing.T) {
	var buf bytes.Buffer
	engineLog := hclog.New(&hclog.LoggerOptions{Output: &buf, Level: hclog.Debug})
	// Executable bit set but not a program the kernel can run.
	engine := filepath.Join(t.TempDir(), "garbage")
	require.NoError(t, os.WriteFile(engine, []byte{0x00, 0x01, 0x02}, 0755))
	s := New(WithEngineLog(engineLog))

	_, err := s.Run(context.Background(), Task{OutputPath: "bad.gco", Args: []string{engine}})

	require.Error(t, err)
	assert.Equal(t, errs.KindSpawn, errs.KindOf(err))
	logged := buf.String()
	assert.Contains(t, logged, "### Slicing")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(logged), logSeparator), logged)
	assert.False(t, s.Running("bad.gco"))
}

func TestReserve(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	engine := writeEngine(t, "touch "+marker+"\nexit 0\n")
	s := New()

	job, err := s.Reserve("held.gco")
	require.NoError(t, err)
	assert.True(t, s.Running("held.gco"))

	_, err = s.Reserve("held.gco")
	assert.ErrorIs(t, err, errs.ErrJobInProgress)
	_, err = s.Run(context.Background(), Task{OutputPath: "held.gco", Args: []string{engine}})
	assert.ErrorIs(t, err, errs.ErrJobInProgress)

	out, err := s.Run(context.Background(), Task{OutputPath: "held.gco", Args: []string{engine}, Job: job})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, out.Status)
	assert.FileExists(t, marker)
	assert.False(t, s.Running("held.gco"))
}

func TestReserve_CancelledBeforeRun(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "ran")
	engine := writeEngine(t, "touch "+marker+"\nexit 0\n")
	s := New()

	job, err := s.Reserve("early.gco")
	require.NoError(t, err)
	assert.True(t, s.Cancel("early.gco"))

	out, err := s.Run(context.Background(), Task{OutputPath: "early.gco", Args: []string{engine}, Job: job})

	assert.ErrorIs(t, err, errs.ErrCancelled)
	assert.Equal(t, model.StatusCancelled, out.Status)
	assert.NoFileExists(t, marker)
	assert.False(t, s.Running("early.gco"))
}

func TestRelease(t *testing.T) {
	s := New()
	job, err := s.Reserve("r.gco")
	require.NoError(t, err)

	s.Release(job)
	assert.False(t, s.Running("r.gco"))

	again, err := s.Reserve("r.gco")
	require.NoError(t, err)
	s.Release(job)
	assert.True(t, s.Running("r.gco"), "releasing a stale job must not drop the new reservation")
	s.Release(again)
}
