// Package profiling wires continuous Pyroscope profiling over the pinned
// reactor goroutines, so a production fleet can see per-core CPU and
// allocation behavior without attaching a debugger to a running process.
package profiling

import (
	"fmt"
	"runtime"
	"strconv"

	"github.com/grafana/pyroscope-go"
)

// Config controls whether and where profiles are shipped.
type Config struct {
	Enabled bool

	// ServiceName is the application name shown in the Pyroscope UI.
	ServiceName string

	// ServiceVersion tags every profile with the running build.
	ServiceVersion string

	// Endpoint is the Pyroscope server URL (e.g. "http://localhost:4040").
	Endpoint string

	// ReactorCores is the reactor pool's core count, recorded as a tag so
	// profiles can be sliced per-core-count deployment.
	ReactorCores int

	// ProfileTypes selects which profile types to collect: cpu,
	// alloc_objects, alloc_space, inuse_objects, inuse_space, goroutines,
	// mutex_count, mutex_duration, block_count, block_duration.
	ProfileTypes []string
}

var (
	profiler *pyroscope.Profiler
	enabled  bool
)

// Init starts the Pyroscope profiler when cfg.Enabled, returning a
// shutdown function safe to defer unconditionally (a no-op when profiling
// was never started).
func Init(cfg Config) (shutdown func() error, err error) {
	if !cfg.Enabled {
		enabled = false
		return func() error { return nil }, nil
	}

	profileTypes := make([]pyroscope.ProfileType, 0, len(cfg.ProfileTypes))
	for _, pt := range cfg.ProfileTypes {
		parsed, err := parseProfileType(pt)
		if err != nil {
			return nil, fmt.Errorf("invalid profile type %q: %w", pt, err)
		}
		profileTypes = append(profileTypes, parsed)

		switch pt {
		case "mutex_count", "mutex_duration":
			runtime.SetMutexProfileFraction(5)
		case "block_count", "block_duration":
			runtime.SetBlockProfileRate(5)
		}
	}

	profiler, err = pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.ServiceName,
		ServerAddress:   cfg.Endpoint,
		Tags: map[string]string{
			"version":       cfg.ServiceVersion,
			"reactor_cores": strconv.Itoa(cfg.ReactorCores),
		},
		ProfileTypes: profileTypes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start pyroscope profiler: %w", err)
	}
	enabled = true

	return func() error {
		if profiler != nil {
			return profiler.Stop()
		}
		return nil
	}, nil
}

// Enabled reports whether profiling is currently active.
func Enabled() bool {
	return enabled
}

func parseProfileType(pt string) (pyroscope.ProfileType, error) {
	switch pt {
	case "cpu":
		return pyroscope.ProfileCPU, nil
	case "alloc_objects":
		return pyroscope.ProfileAllocObjects, nil
	case "alloc_space":
		return pyroscope.ProfileAllocSpace, nil
	case "inuse_objects":
		return pyroscope.ProfileInuseObjects, nil
	case "inuse_space":
		return pyroscope.ProfileInuseSpace, nil
	case "goroutines":
		return pyroscope.ProfileGoroutines, nil
	case "mutex_count":
		return pyroscope.ProfileMutexCount, nil
	case "mutex_duration":
		return pyroscope.ProfileMutexDuration, nil
	case "block_count":
		return pyroscope.ProfileBlockCount, nil
	case "block_duration":
		return pyroscope.ProfileBlockDuration, nil
	default:
		return pyroscope.ProfileCPU, fmt.Errorf("unknown profile type: %s", pt)
	}
}
