package claudeagent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LauncherConfig describes this host's CLI installation layout and the
// default timeouts the control plane should use. It is process-level
// configuration, distinct from the per-session Options: Options shapes one
// conversation, LauncherConfig describes the machine the SDK runs on.
//
// In the zero value both timeouts are 0, so every outbound control request
// other than interrupt times out at once and Close kills the subprocess
// without waiting; DefaultLauncherConfig fills in the values the rest of the
// core assumes when a host doesn't load a file at all.
type LauncherConfig struct {
	// ExtraSearchPaths are additional directories probed for a "claude"
	// binary, beyond the built-in well-known locations. Checked after PATH
	// and before the built-in list, so a host can shadow a system install.
	ExtraSearchPaths []string `yaml:"extra_search_paths"`

	// ControlRequestTimeoutSeconds bounds how long an outbound
	// control_request (other than interrupt, which has none) waits for a
	// response before the waiter fails with ErrTimeout. Expressed in
	// seconds rather than time.Duration because yaml.v3 decodes a bare
	// scalar into time.Duration as nanoseconds, which is not what a human
	// editing this file would expect to write.
	ControlRequestTimeoutSeconds int `yaml:"control_request_timeout_seconds"`

	// ShutdownGracePeriodSeconds bounds how long Close waits for the
	// subprocess to exit on its own after stdin is closed before it is
	// killed.
	ShutdownGracePeriodSeconds int `yaml:"shutdown_grace_period_seconds"`
}

// ControlRequestTimeout returns the configured control-request deadline as
// a time.Duration.
func (c LauncherConfig) ControlRequestTimeout() time.Duration {
	return time.Duration(c.ControlRequestTimeoutSeconds) * time.Second
}

// ShutdownGracePeriod returns the configured graceful-shutdown window as a
// time.Duration.
func (c LauncherConfig) ShutdownGracePeriod() time.Duration {
	return time.Duration(c.ShutdownGracePeriodSeconds) * time.Second
}

// DefaultLauncherConfig returns the timeouts and search behavior the core
// uses when no on-disk configuration is loaded.
func DefaultLauncherConfig() LauncherConfig {
	return LauncherConfig{
		ControlRequestTimeoutSeconds: 30,
		ShutdownGracePeriodSeconds:   5,
	}
}

// LoadLauncherConfig reads a YAML launcher configuration file from path.
// Fields absent from the file keep the DefaultLauncherConfig values.
func LoadLauncherConfig(path string) (LauncherConfig, error) {
	cfg := DefaultLauncherConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read launcher config: %w", err)
	}

	// Decode onto a copy so zero-valued fields in the file don't clobber
	// the defaults above; only fields present in the YAML are overwritten
	// because yaml.v3 only assigns keys it finds.
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse launcher config %s: %w", path, err)
	}

	return cfg, nil
}
