// Package errs holds the failure taxonomy shared by the slicing packages.
package errs

import (
	"errors"
	"fmt"
)

// Kind is the category of a failure.
type Kind string

const (
	KindSchemaLoad  Kind = "schema_load"
	KindProfileLoad Kind = "profile_load"
	KindSpawn       Kind = "spawn"
	KindEngineExit  Kind = "engine_exit"
	KindModel       Kind = "model"
	KindInvalid     Kind = "invalid"
)

// Sentinel errors.
var (
	// ErrCancelled is the terminal outcome of a job cancelled while running.
	// It is not a failure; callers should check for it with errors.Is.
	ErrCancelled = errors.New("slicing cancelled")

	// ErrJobInProgress is returned when a job for the same output path is
	// already running.
	ErrJobInProgress = errors.New("a slicing job for this output is already running")

	ErrProfileExists  = errors.New("profile already exists")
	ErrUnknownProfile = errors.New("unknown profile")
	ErrNotConfigured  = errors.New("path to slicing engine is not configured")
)

// Error is the structured error type returned by the slicing packages.
type Error struct {
	Kind Kind

	// Op is the operation that failed, e.g. "load schema".
	Op string

	// Path is the file involved, if any.
	Path string

	// ExitCode is set for KindEngineExit.
	ExitCode int

	Err error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Kind == KindEngineExit {
		msg += fmt.Sprintf(": got return code %d", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match against another *Error of the same kind, so that
// errors.Is(err, &errs.Error{Kind: errs.KindSpawn}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// SchemaLoad wraps a failure to read or parse the settings schema.
func SchemaLoad(path string, err error) *Error {
	return &Error{Kind: KindSchemaLoad, Op: "load schema", Path: path, Err: err}
}

// ProfileLoad wraps a failure to read or decode a stored profile.
func ProfileLoad(path string, err error) *Error {
	return &Error{Kind: KindProfileLoad, Op: "load profile", Path: path, Err: err}
}

// Spawn wraps a failure to start the engine.
func Spawn(path string, err error) *Error {
	return &Error{Kind: KindSpawn, Op: "start engine", Path: path, Err: err}
}

// EngineExit reports a nonzero engine exit code.
func EngineExit(code int) *Error {
	return &Error{Kind: KindEngineExit, Op: "engine exited", ExitCode: code}
}

// Model wraps a problem with the model file handed to the engine.
func Model(path string, err error) *Error {
	return &Error{Kind: KindModel, Op: "read model", Path: path, Err: err}
}

// Invalid reports bad caller input.
func Invalid(op string, err error) *Error {
	return &Error{Kind: KindInvalid, Op: op, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ExitCodeOf returns the engine exit code carried by err, if any.
func ExitCodeOf(err error) (int, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindEngineExit {
		return e.ExitCode, true
	}
	return 0, false
}
