package slicer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slicer3d/internal/errs"
	"slicer3d/internal/model"
	"slicer3d/internal/notify"
	"slicer3d/internal/profile"
	"slicer3d/internal/supervisor"
)

type memStore struct {
	mu       sync.Mutex
	profiles map[string]profile.Profile
	def      string
	history  []model.SliceRecord
}

func newMemStore() *memStore {
	return &memStore{profiles: make(map[string]profile.Profile)}
}

func (m *memStore) SaveProfile(p profile.Profile, allowOverwrite bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[p.Name]; ok && !allowOverwrite {
		return errs.ErrProfileExists
	}
	m.profiles[p.Name] = p
	return nil
}

func (m *memStore) Profile(name string) (profile.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[name]
	if !ok {
		return profile.Profile{}, errs.ErrUnknownProfile
	}
	return p, nil
}

func (m *memStore) Profiles() []model.ProfileSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	var list []model.ProfileSummary
	for name, p := range m.profiles {
		list = append(list, model.ProfileSummary{Name: name, DisplayName: p.Metadata.Name(), Default: name == m.def})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

func (m *memStore) DeleteProfile(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[name]; !ok {
		return errs.ErrUnknownProfile
	}
	delete(m.profiles, name)
	return nil
}

func (m *memStore) SetDefaultProfile(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[name]; !ok {
		return errs.ErrUnknownProfile
	}
	m.def = name
	return nil
}

func (m *memStore) DefaultProfile() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.def
}

func (m *memStore) RecordSlice(rec model.SliceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, rec)
	return nil
}

func (m *memStore) History() []model.SliceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.SliceRecord(nil), m.history...)
}

type recorder struct {
	mu      sync.Mutex
	methods []string
}

func (r *recorder) Publish(method string, _ ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.methods = append(r.methods, method)
}

func (r *recorder) Methods() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.methods...)
}

const cubeSTL = `solid cube
  facet normal 0 0 -1
    outer loop
      vertex 0 0 0
      vertex 20 0 0
      vertex 20 10 0
    endloop
  endfacet
  facet normal 0 0 1
    outer loop
      vertex 0 0 30
      vertex 20 10 30
      vertex 0 10 30
    endloop
  endfacet
endsolid cube
`

// The fake engine writes its arguments, one per line, to args.txt next to
// itself and then runs body.
func writeEngine(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-engine")
	script := "#!/bin/sh\nprintf '%s\\n' \"$@\" > args.txt\n" + body
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func engineArgs(t *testing.T, engine string) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(filepath.Dir(engine), "args.txt"))
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func writeModel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cube.stl")
	require.NoError(t, os.WriteFile(path, []byte(cubeSTL), 0644))
	return path
}

type fixture struct {
	svc      *Service
	store    *memStore
	notifier *recorder
}

func newFixture(t *testing.T, enginePath string) fixture {
	t.Helper()
	schema, err := profile.DefaultSchema()
	require.NoError(t, err)
	f := fixture{store: newMemStore(), notifier: &recorder{}}
	f.svc = New(Config{
		EnginePath: enginePath,
		SchemaPath: "/etc/slicer3d/fdmprinter.json",
		Editable:   []string{"layer_height", "speed_print"},
	}, schema, f.store, supervisor.New(), WithNotifier(f.notifier))
	return f
}

var volume = model.Volume{Width: 200, Depth: 210, Height: 220}

func TestSlice_Completed(t *testing.T) {
	engine := writeEngine(t, `echo "Progress:50%" >&2
echo "Print time: 60" >&2
echo "Filament: 1000" >&2
exit 0
`)
	f := newFixture(t, engine)
	require.NoError(t, f.store.SaveProfile(profile.Profile{
		Name:     "pla",
		Settings: profile.Settings{"layer_height": 0.3},
		Metadata: profile.NewMetadata("PLA", ""),
	}, false))

	var progress []float64
	modelPath := writeModel(t)
	res, err := f.svc.Slice(context.Background(), Request{
		ModelPath:  modelPath,
		Profile:    "pla",
		Volume:     volume,
		OnProgress: func(p float64) { progress = append(progress, p) },
	})

	require.NoError(t, err)
	assert.True(t, res.OK(), res.Message)
	assert.Equal(t, "pla", res.Profile)
	assert.Equal(t, strings.TrimSuffix(modelPath, ".stl")+".gco", res.OutputPath)
	assert.Equal(t, []float64{50}, progress)
	assert.Equal(t, "60", res.Analysis.EstimatedPrintTime)
	assert.InDelta(t, 1.0, res.Analysis.Filament["tool0"].Volume, 1e-9)
	assert.Empty(t, res.Warnings)

	args := engineArgs(t, engine)
	assert.Equal(t, []string{"slice", "-v", "-p", "-j", "/etc/slicer3d/fdmprinter.json"}, args[:5])
	assert.Contains(t, args, "layer_height=0.3")
	assert.Contains(t, args, "machine_width=200")
	assert.Contains(t, args, "machine_depth=210")
	assert.Contains(t, args, "machine_height=220")
	for _, a := range args {
		assert.False(t, strings.HasPrefix(a, "_"), a)
	}

	history := f.svc.History()
	require.Len(t, history, 1)
	assert.Equal(t, res.ID, history[0].ID)
	assert.Equal(t, model.StatusCompleted, history[0].Status)
	assert.Equal(t, []string{notify.MethodProgress, notify.MethodDone}, f.notifier.Methods())
}

func TestSlice_StoreDefaultAndOverrides(t *testing.T) {
	engine := writeEngine(t, "exit 0\n")
	f := newFixture(t, engine)
	require.NoError(t, f.store.SaveProfile(profile.Profile{Name: "petg", Settings: profile.Settings{"layer_height": 0.25}}, false))
	require.NoError(t, f.store.SetDefaultProfile("petg"))

	res, err := f.svc.Slice(context.Background(), Request{
		ModelPath: writeModel(t),
		Volume:    volume,
		Overrides: profile.Settings{"speed_print": 30},
	})

	require.NoError(t, err)
	assert.True(t, res.OK(), res.Message)
	assert.Equal(t, "petg", res.Profile)
	args := engineArgs(t, engine)
	assert.Contains(t, args, "layer_height=0.25")
	assert.Contains(t, args, "speed_print=30")
}

func TestSlice_ProfilePath(t *testing.T) {
	engine := writeEngine(t, "exit 0\n")
	f := newFixture(t, engine)
	path := filepath.Join(t.TempDir(), "fast.yaml")
	require.NoError(t, profile.WriteYAML(path, profile.Settings{"layer_height": 0.4}, profile.NewMetadata("Fast", "")))

	res, err := f.svc.Slice(context.Background(), Request{ModelPath: writeModel(t), ProfilePath: path, Volume: volume})

	require.NoError(t, err)
	assert.True(t, res.OK(), res.Message)
	assert.Equal(t, "fast.yaml", res.Profile)
	assert.Contains(t, engineArgs(t, engine), "layer_height=0.4")
}

func TestSlice_ZeroVolumeUsesProfile(t *testing.T) {
	engine := writeEngine(t, "exit 0\n")
	f := newFixture(t, engine)

	res, err := f.svc.Slice(context.Background(), Request{ModelPath: writeModel(t)})

	require.NoError(t, err)
	assert.True(t, res.OK(), res.Message)
	width := f.svc.schema.Flatten()["machine_width"]
	assert.Contains(t, engineArgs(t, engine), fmt.Sprintf("machine_width=%v", width))
}

func TestSlice_OversizeWarns(t *testing.T) {
	f := newFixture(t, writeEngine(t, "exit 0\n"))

	res, err := f.svc.Slice(context.Background(), Request{
		ModelPath: writeModel(t),
		Volume:    model.Volume{Width: 10, Depth: 10, Height: 10},
	})

	require.NoError(t, err)
	assert.True(t, res.OK())
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "may not fit")
}

func TestSlice_Failures(t *testing.T) {
	tests := []struct {
		name   string
		engine string
		req    func(t *testing.T) Request
		kind   errs.Kind
		code   int
	}{
		{
			name:   "engine not configured",
			engine: "",
			req:    func(t *testing.T) Request { return Request{ModelPath: writeModel(t), Volume: volume} },
			kind:   errs.KindSpawn,
		},
		{
			name:   "engine missing",
			engine: "/does/not/exist/engine",
			req:    func(t *testing.T) Request { return Request{ModelPath: writeModel(t), Volume: volume} },
			kind:   errs.KindSpawn,
		},
		{
			name:   "missing model",
			engine: "engine",
			req: func(t *testing.T) Request {
				return Request{ModelPath: filepath.Join(t.TempDir(), "nope.stl"), Volume: volume}
			},
			kind: errs.KindModel,
		},
		{
			name:   "unknown profile",
			engine: "engine",
			req: func(t *testing.T) Request {
				return Request{ModelPath: writeModel(t), Profile: "nope", Volume: volume}
			},
			kind: errs.KindProfileLoad,
		},
		{
			name:   "missing profile file",
			engine: "engine",
			req: func(t *testing.T) Request {
				return Request{ModelPath: writeModel(t), ProfilePath: filepath.Join(t.TempDir(), "nope.yaml"), Volume: volume}
			},
			kind: errs.KindProfileLoad,
		},
		{
			name:   "nonzero exit",
			engine: "fail",
			req:    func(t *testing.T) Request { return Request{ModelPath: writeModel(t), Volume: volume} },
			kind:   errs.KindEngineExit,
			code:   2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enginePath := tt.engine
			switch tt.engine {
			case "engine":
				enginePath = writeEngine(t, "exit 0\n")
			case "fail":
				enginePath = writeEngine(t, "echo 'Unknown setting' >&2\nexit 2\n")
			}
			f := newFixture(t, enginePath)

			res, err := f.svc.Slice(context.Background(), tt.req(t))

			require.NoError(t, err)
			assert.Equal(t, model.StatusFailed, res.Status)
			assert.Equal(t, tt.kind, res.Kind)
			assert.Equal(t, tt.code, res.ExitCode)
			assert.NotEmpty(t, res.Message)
			require.Len(t, f.store.History(), 1)
			assert.Equal(t, []string{notify.MethodFailed}, f.notifier.Methods())
		})
	}
}

func TestSlice_Cancel(t *testing.T) {
	engine := writeEngine(t, `trap 'exit 0' TERM
echo "Progress:10%" >&2
while :; do sleep 0.05; done
`)
	f := newFixture(t, engine)
	modelPath := writeModel(t)
	output := filepath.Join(t.TempDir(), "out.gco")

	type sliced struct {
		res Result
		err error
	}
	done := make(chan sliced, 1)
	go func() {
		res, err := f.svc.Slice(context.Background(), Request{ModelPath: modelPath, OutputPath: output, Volume: volume})
		done <- sliced{res, err}
	}()

	require.Eventually(t, func() bool { return len(f.svc.Jobs()) == 1 }, 5*time.Second, 10*time.Millisecond)

	_, err := f.svc.Slice(context.Background(), Request{ModelPath: modelPath, OutputPath: output, Volume: volume})
	assert.ErrorIs(t, err, errs.ErrJobInProgress)

	assert.True(t, f.svc.Cancel(output))

	select {
	case got := <-done:
		assert.ErrorIs(t, got.err, errs.ErrCancelled)
		assert.Equal(t, model.StatusCancelled, got.res.Status)
	case <-time.After(10 * time.Second):
		t.Fatal("slice did not return after cancel")
	}
	assert.Empty(t, f.svc.Jobs())
	assert.False(t, f.svc.Cancel(output))

	history := f.store.History()
	require.Len(t, history, 1)
	assert.Equal(t, model.StatusCancelled, history[0].Status)
}

func TestHistory_NewestFirst(t *testing.T) {
	f := newFixture(t, "")
	require.NoError(t, f.store.RecordSlice(model.SliceRecord{ID: "a"}))
	require.NoError(t, f.store.RecordSlice(model.SliceRecord{ID: "b"}))

	history := f.svc.History()
	require.Len(t, history, 2)
	assert.Equal(t, "b", history[0].ID)
	assert.Equal(t, "a", history[1].ID)
}

func TestSlice_RelativeEnginePath(t *testing.T) {
	engine := writeEngine(t, "exit 0\n")
	cwd, err := os.Getwd()
	require.NoError(t, err)
	rel, err := filepath.Rel(cwd, engine)
	require.NoError(t, err)
	require.False(t, filepath.IsAbs(rel))
	f := newFixture(t, rel)

	res, err := f.svc.Slice(context.Background(), Request{ModelPath: writeModel(t), Volume: volume})

	require.NoError(t, err)
	assert.True(t, res.OK(), res.Message)
	assert.Equal(t, "slice", engineArgs(t, engine)[0])
	assert.Equal(t, engine, f.svc.Engine().Path)
}

func TestSlice_BuiltinDefaultProfile(t *testing.T) {
	engine := writeEngine(t, "exit 0\n")
	f := newFixture(t, engine)

	res, err := f.svc.Slice(context.Background(), Request{
		ModelPath: writeModel(t),
		Profile:   DefaultProfileName,
		Volume:    volume,
	})

	require.NoError(t, err)
	assert.True(t, res.OK(), res.Message)
	assert.Equal(t, DefaultProfileName, res.Profile)
	assert.Contains(t, engineArgs(t, engine), "machine_width=200")
}

func TestStart_RejectsDuplicateSynchronously(t *testing.T) {
	engine := writeEngine(t, `trap 'exit 0' TERM
while :; do sleep 0.05; done
`)
	f := newFixture(t, engine)
	modelPath := writeModel(t)
	output := filepath.Join(t.TempDir(), "bg.gco")

	type sliced struct {
		res Result
		err error
	}
	done := make(chan sliced, 1)
	got, err := f.svc.Start(context.Background(), Request{ModelPath: modelPath, OutputPath: output, Volume: volume},
		func(res Result, err error) { done <- sliced{res, err} })
	require.NoError(t, err)
	assert.Equal(t, output, got)
	assert.True(t, f.svc.Running(output))

	_, err = f.svc.Start(context.Background(), Request{ModelPath: modelPath, OutputPath: output, Volume: volume}, nil)
	assert.ErrorIs(t, err, errs.ErrJobInProgress)

	assert.True(t, f.svc.Cancel(output))
	select {
	case r := <-done:
		assert.ErrorIs(t, r.err, errs.ErrCancelled)
		assert.Equal(t, model.StatusCancelled, r.res.Status)
	case <-time.After(10 * time.Second):
		t.Fatal("background slice did not finish after cancel")
	}
	assert.False(t, f.svc.Running(output))
	require.Len(t, f.store.History(), 1)
}

func TestStart_ReleasesOnFailure(t *testing.T) {
	f := newFixture(t, writeEngine(t, "exit 0\n"))
	output := filepath.Join(t.TempDir(), "missing.gco")

	done := make(chan Result, 1)
	_, err := f.svc.Start(context.Background(), Request{
		ModelPath:  filepath.Join(t.TempDir(), "nope.stl"),
		OutputPath: output,
		Volume:     volume,
	}, func(res Result, _ error) { done <- res })
	require.NoError(t, err)

	select {
	case res := <-done:
		assert.Equal(t, errs.KindModel, res.Kind)
	case <-time.After(5 * time.Second):
		t.Fatal("background slice did not finish")
	}
	assert.False(t, f.svc.Running(output))
}

func TestEngine(t *testing.T) {
	engine := writeEngine(t, "exit 0\n")

	props := newFixture(t, engine).svc.Engine()
	assert.True(t, props.Configured)
	assert.Equal(t, "curaengine", props.Type)
	assert.True(t, props.ProgressReport)

	assert.False(t, newFixture(t, "").svc.Engine().Configured)
	assert.False(t, newFixture(t, "/does/not/exist").svc.Engine().Configured)
}
