package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// RuntimeSettings are the operational knobs pulled out of the loaded config
// set and validated before the runtime wires them into the batcher,
// scheduler, and command client.
type RuntimeSettings struct {
	BatchIntervalSeconds int `mapstructure:"batch_interval_seconds" validate:"min=5,max=3600"`
	CommandPollSeconds   int `mapstructure:"command_poll_seconds" validate:"min=1,max=300"`
	CacheTTLSeconds      int `mapstructure:"cache_ttl_seconds" validate:"min=10,max=86400"`
	CooldownMultiplier   int `mapstructure:"cooldown_multiplier" validate:"min=1,max=100"`
	HeartbeatTimeoutSecs int `mapstructure:"heartbeat_timeout_seconds" validate:"min=1,max=600"`
}

// DefaultRuntimeSettings mirrors the values used when the dashboard and
// every cache tier are unavailable.
func DefaultRuntimeSettings() RuntimeSettings {
	return RuntimeSettings{
		BatchIntervalSeconds: 92,
		CommandPollSeconds:   2,
		CacheTTLSeconds:      300,
		CooldownMultiplier:   1,
		HeartbeatTimeoutSecs: 10,
	}
}

var validate = validator.New()

// ValidateRuntimeSettings rejects a settings block with values outside the
// ranges the rest of the agent assumes: a zero or negative batch interval
// would spin the scheduler, an oversized one would starve the dashboard of
// heartbeats.
func ValidateRuntimeSettings(s RuntimeSettings) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("config: invalid runtime settings: %w", err)
	}
	return nil
}

// RuntimeSettingsFrom decodes a RuntimeSettings block out of a loaded config
// set's "shared_config" section, filling in defaults for anything missing
// and validating the result.
func RuntimeSettingsFrom(configs map[string]interface{}) (RuntimeSettings, error) {
	settings := DefaultRuntimeSettings()

	shared, ok := configs["shared_config"].(map[string]interface{})
	if !ok {
		return settings, ValidateRuntimeSettings(settings)
	}

	if v, ok := intField(shared, "batch_interval_seconds"); ok {
		settings.BatchIntervalSeconds = v
	}
	if v, ok := intField(shared, "command_poll_seconds"); ok {
		settings.CommandPollSeconds = v
	}
	if v, ok := intField(shared, "cache_ttl_seconds"); ok {
		settings.CacheTTLSeconds = v
	}
	if v, ok := intField(shared, "cooldown_multiplier"); ok {
		settings.CooldownMultiplier = v
	}
	if v, ok := intField(shared, "heartbeat_timeout_seconds"); ok {
		settings.HeartbeatTimeoutSecs = v
	}

	if err := ValidateRuntimeSettings(settings); err != nil {
		return DefaultRuntimeSettings(), err
	}
	return settings, nil
}

// ApplyEnvOverrides folds in the two environment knobs allowed to override a
// dashboard-delivered settings block: BATCH_INTERVAL_HEAVY (seconds) and
// COOLDOWN_MULTIPLIER. Invalid values are ignored rather than failing startup.
func (s *RuntimeSettings) ApplyEnvOverrides() {
	if v := os.Getenv("BATCH_INTERVAL_HEAVY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.BatchIntervalSeconds = n
		}
	}
	if v := os.Getenv("COOLDOWN_MULTIPLIER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.CooldownMultiplier = n
		}
	}
}

func intField(m map[string]interface{}, key string) (int, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// BatchInterval, CommandPollInterval, CacheTTL, and HeartbeatTimeout adapt
// the validated settings into time.Duration for direct use by the
// scheduler, command client, loader, and threat manager.
func (s RuntimeSettings) BatchInterval() time.Duration {
	return time.Duration(s.BatchIntervalSeconds) * time.Second
}

func (s RuntimeSettings) CommandPollInterval() time.Duration {
	return time.Duration(s.CommandPollSeconds) * time.Second
}

func (s RuntimeSettings) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLSeconds) * time.Second
}

func (s RuntimeSettings) HeartbeatTimeout() time.Duration {
	return time.Duration(s.HeartbeatTimeoutSecs) * time.Second
}
