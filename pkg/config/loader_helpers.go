package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	bterrors "github.com/odvcencio/bigtest/pkg/errors"
)

// loadAndMerge loads a YAML file and merges it into the config.
func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var override Config
	if err := yaml.Unmarshal(data, &override); err != nil {
		return bterrors.Wrap(err, bterrors.ErrCodeConfigParse, "parsing YAML").WithContext("path", path)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return bterrors.Wrap(err, bterrors.ErrCodeConfigParse, "parsing YAML").WithContext("path", path)
	}

	mergeConfigs(cfg, &override, raw)
	return nil
}

// mergeConfigs merges override into base. Zero values in override keep the
// base value, except booleans that the file sets explicitly.
func mergeConfigs(base, override *Config, raw map[string]any) {
	if override == nil {
		return
	}

	if override.Server.Addr != "" {
		base.Server.Addr = override.Server.Addr
	}
	if fieldSet(raw, "server", "max_agents") {
		base.Server.MaxAgents = override.Server.MaxAgents
	}
	mergeDuration(&base.Server.HandshakeTimeout, override.Server.HandshakeTimeout)

	if override.Manifest.Path != "" {
		base.Manifest.Path = override.Manifest.Path
	}
	if override.Manifest.URL != "" {
		base.Manifest.URL = override.Manifest.URL
	}
	if override.Manifest.AppURL != "" {
		base.Manifest.AppURL = override.Manifest.AppURL
	}
	if fieldSet(raw, "manifest", "watch") {
		base.Manifest.Watch = override.Manifest.Watch
	}
	mergeDuration(&base.Manifest.Debounce, override.Manifest.Debounce)

	mergeDuration(&base.Runs.LaneStartTimeout, override.Runs.LaneStartTimeout)
	mergeDuration(&base.Runs.LaneTimeout, override.Runs.LaneTimeout)
	mergeDuration(&base.Runs.RunEndTimeout, override.Runs.RunEndTimeout)
	mergeDuration(&base.Runs.StepTimeout, override.Runs.StepTimeout)

	mergeDuration(&base.Convergence.Interval, override.Convergence.Interval)
	mergeDuration(&base.Convergence.AlwaysMin, override.Convergence.AlwaysMin)
	if override.Convergence.AlwaysFraction != 0 {
		base.Convergence.AlwaysFraction = override.Convergence.AlwaysFraction
	}

	if override.Query.RequestRate != 0 {
		base.Query.RequestRate = override.Query.RequestRate
	}
	if override.Query.RequestBurst != 0 {
		base.Query.RequestBurst = override.Query.RequestBurst
	}

	if override.Bus.URL != "" {
		base.Bus.URL = override.Bus.URL
	}
	if override.Bus.Name != "" {
		base.Bus.Name = override.Bus.Name
	}
	mergeDuration(&base.Bus.Timeout, override.Bus.Timeout)

	if override.Logging.Level != "" {
		base.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		base.Logging.Format = override.Logging.Format
	}

	if fieldSet(raw, "telemetry", "metrics") {
		base.Telemetry.Metrics = override.Telemetry.Metrics
	}
	if fieldSet(raw, "telemetry", "tracing") {
		base.Telemetry.Tracing = override.Telemetry.Tracing
	}
	if override.Telemetry.ServiceName != "" {
		base.Telemetry.ServiceName = override.Telemetry.ServiceName
	}
}

func mergeDuration(dst *time.Duration, override time.Duration) {
	if override != 0 {
		*dst = override
	}
}

func fieldSet(raw map[string]any, path ...string) bool {
	if len(path) == 0 || raw == nil {
		return false
	}
	current := any(raw)
	for _, key := range path {
		m, ok := current.(map[string]any)
		if !ok {
			return false
		}
		val, ok := m[key]
		if !ok {
			return false
		}
		current = val
	}
	return true
}
