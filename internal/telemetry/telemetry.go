// Package telemetry sets up the process-wide metrics sink.
package telemetry

import (
	"time"

	"github.com/hashicorp/go-metrics"
)

// Metric keys.
var (
	KeySliceCompleted = []string{"slice", "completed"}
	KeySliceFailed    = []string{"slice", "failed"}
	KeySliceCancelled = []string{"slice", "cancelled"}
	KeySliceDuration  = []string{"slice", "duration"}
	KeySliceRunning   = []string{"slice", "running"}
	KeyProfileImport  = []string{"profile", "import"}
	KeyProfileSave    = []string{"profile", "save"}
)

// Setup installs an in-memory sink as the global metrics sink and returns
// it so the HTTP API can display it.
func Setup(service string) (*metrics.InmemSink, error) {
	sink := metrics.NewInmemSink(10*time.Second, time.Minute)
	cfg := metrics.DefaultConfig(service)
	cfg.EnableHostname = false
	cfg.EnableRuntimeMetrics = false
	if _, err := metrics.NewGlobal(cfg, sink); err != nil {
		return nil, err
	}
	return sink, nil
}
