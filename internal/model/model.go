package model

import "time"

// Volume is the printable volume of a printer in millimetres.
type Volume struct {
	Width  float64 `json:"width" yaml:"width"`
	Depth  float64 `json:"depth" yaml:"depth"`
	Height float64 `json:"height" yaml:"height"`
}

type FilamentUsage struct {
	Length float64 `json:"length"` // mm
	Volume float64 `json:"volume"` // cm3
}

// Analysis is what the engine reported about the generated machine code.
type Analysis struct {
	EstimatedPrintTime        string                   `json:"estimatedPrintTime,omitempty"`
	EstimatedPrintTimeSeconds float64                  `json:"estimatedPrintTimeSeconds,omitempty"`
	Filament                  map[string]FilamentUsage `json:"filament,omitempty"`
}

type JobStatus string

const (
	StatusIdle      JobStatus = "Idle"
	StatusRunning   JobStatus = "Running"
	StatusCompleted JobStatus = "Completed"
	StatusCancelled JobStatus = "Cancelled"
	StatusFailed    JobStatus = "Failed"
)

// JobInfo is a point-in-time view of a running slicing job.
type JobInfo struct {
	OutputPath string    `json:"output"`
	Started    time.Time `json:"started"`
	Progress   float64   `json:"progress"`
	Status     JobStatus `json:"status"`
}

// SliceRecord is kept in the store once a slicing job has finished.
type SliceRecord struct {
	ID         string        `json:"id"`
	ModelPath  string        `json:"model"`
	OutputPath string        `json:"output"`
	Profile    string        `json:"profile,omitempty"`
	Status     JobStatus     `json:"status"`
	ExitCode   int           `json:"exit_code,omitempty"`
	Message    string        `json:"message,omitempty"`
	Analysis   Analysis      `json:"analysis"`
	Started    time.Time     `json:"started"`
	Duration   time.Duration `json:"duration"`
}

type ProfileSummary struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
	Default     bool   `json:"default"`
}
