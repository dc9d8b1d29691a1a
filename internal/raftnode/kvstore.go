package raftnode

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/hashicorp/raft"

	"slicer3d/internal/errs"
	"slicer3d/internal/model"
	"slicer3d/internal/profile"
)

// MaxHistory is the number of finished slices kept in the store.
const MaxHistory = 100

// Command ops.
const (
	OpSaveProfile       = "save_profile"
	OpDeleteProfile     = "delete_profile"
	OpSetDefaultProfile = "set_default_profile"
	OpRecordSlice       = "record_slice"
)

// Command is the replicated log entry.
type Command struct {
	Op   string
	Name string

	// Document is the profile as a YAML document, for OpSaveProfile.
	Document       []byte
	AllowOverwrite bool

	Record model.SliceRecord
}

// ProfileStore is the raft FSM: profiles by name, the default profile and
// the recent slice history.
type ProfileStore struct {
	mu             sync.RWMutex
	profiles       map[string][]byte
	defaultProfile string
	history        []model.SliceRecord
}

// storeState is the snapshot form of ProfileStore.
type storeState struct {
	Profiles map[string][]byte
	Default  string
	History  []model.SliceRecord
}

func NewProfileStore() *ProfileStore {
	return &ProfileStore{profiles: make(map[string][]byte)}
}

// Apply applies a raft log entry. The returned value is nil or an error.
func (ps *ProfileStore) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		return fmt.Errorf("decode command: %w", err)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	switch cmd.Op {
	case OpSaveProfile:
		if _, exists := ps.profiles[cmd.Name]; exists && !cmd.AllowOverwrite {
			return errs.ErrProfileExists
		}
		ps.profiles[cmd.Name] = cmd.Document
	case OpDeleteProfile:
		if _, exists := ps.profiles[cmd.Name]; !exists {
			return errs.ErrUnknownProfile
		}
		delete(ps.profiles, cmd.Name)
		if ps.defaultProfile == cmd.Name {
			ps.defaultProfile = ""
		}
	case OpSetDefaultProfile:
		if _, exists := ps.profiles[cmd.Name]; !exists && cmd.Name != "" {
			return errs.ErrUnknownProfile
		}
		ps.defaultProfile = cmd.Name
	case OpRecordSlice:
		ps.history = append(ps.history, cmd.Record)
		if n := len(ps.history); n > MaxHistory {
			ps.history = append([]model.SliceRecord(nil), ps.history[n-MaxHistory:]...)
		}
	default:
		return fmt.Errorf("unknown op %q", cmd.Op)
	}
	return nil
}

// Profile decodes the stored profile called name.
func (ps *ProfileStore) Profile(name string) (profile.Profile, error) {
	ps.mu.RLock()
	doc, ok := ps.profiles[name]
	ps.mu.RUnlock()
	if !ok {
		return profile.Profile{}, fmt.Errorf("%w: %s", errs.ErrUnknownProfile, name)
	}
	settings, meta, err := profile.DecodeYAML(name, doc)
	if err != nil {
		return profile.Profile{}, err
	}
	return profile.Profile{Name: name, Settings: settings, Metadata: meta}, nil
}

// Document returns the raw YAML document of a profile.
func (ps *ProfileStore) Document(name string) ([]byte, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	doc, ok := ps.profiles[name]
	return append([]byte(nil), doc...), ok
}

// Profiles lists the stored profiles by name.
func (ps *ProfileStore) Profiles() []model.ProfileSummary {
	ps.mu.RLock()
	names := make([]string, 0, len(ps.profiles))
	for name := range ps.profiles {
		names = append(names, name)
	}
	def := ps.defaultProfile
	ps.mu.RUnlock()
	sort.Strings(names)

	list := make([]model.ProfileSummary, 0, len(names))
	for _, name := range names {
		summary := model.ProfileSummary{Name: name, Default: name == def}
		if p, err := ps.Profile(name); err == nil {
			summary.DisplayName = p.Metadata.Name()
			summary.Description = p.Metadata.Text()
		}
		list = append(list, summary)
	}
	return list
}

func (ps *ProfileStore) DefaultProfile() string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return ps.defaultProfile
}

// History returns the recorded slices, oldest first.
func (ps *ProfileStore) History() []model.SliceRecord {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return append([]model.SliceRecord(nil), ps.history...)
}

// Snapshot returns a snapshot of the store.
func (ps *ProfileStore) Snapshot() (raft.FSMSnapshot, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	state := storeState{
		Profiles: make(map[string][]byte, len(ps.profiles)),
		Default:  ps.defaultProfile,
		History:  append([]model.SliceRecord(nil), ps.history...),
	}
	for k, v := range ps.profiles {
		state.Profiles[k] = v
	}
	return &storeSnapshot{state: state}, nil
}

// Restore replaces the store with a snapshot.
func (ps *ProfileStore) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()
	var state storeState
	if err := gob.NewDecoder(snapshot).Decode(&state); err != nil {
		return err
	}
	if state.Profiles == nil {
		state.Profiles = make(map[string][]byte)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.profiles = state.Profiles
	ps.defaultProfile = state.Default
	ps.history = state.History
	return nil
}

type storeSnapshot struct {
	state storeState
}

func (s *storeSnapshot) Persist(sink raft.SnapshotSink) error {
	data, err := gobEncode(s.state)
	if err != nil {
		sink.Cancel()
		return err
	}
	if _, err := sink.Write(data); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *storeSnapshot) Release() {}

func gobEncode(data interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	err := enc.Encode(data)
	return buf.Bytes(), err
}
