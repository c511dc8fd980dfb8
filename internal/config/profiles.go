package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/viper"
)

// Speed profiles rewrite the timing tunables as a set. "slow" stretches the
// protocol for debugging, "fast" compresses it for quick demos, "normal"
// restores the defaults.
var profiles = map[string]map[string]time.Duration{
	"slow": {
		"heartbeat_int":          500 * time.Millisecond,
		"fail_timeout":           8 * time.Second,
		"hello_timeout":          4 * time.Second,
		"bully_timeout":          8 * time.Second,
		"consensus_interval":     20 * time.Second,
		"round_query_timeout":    8 * time.Second,
		"value_process_delay":    3 * time.Second,
		"response_process_delay": 3 * time.Second,
		"leader_query_delay":     4 * time.Second,
		"leader_consensus_delay": 4 * time.Second,
		"election_start_delay":   1 * time.Second,
		"status_log_interval":    45 * time.Second,
	},
	"normal": {
		"heartbeat_int":          200 * time.Millisecond,
		"fail_timeout":           5 * time.Second,
		"hello_timeout":          2 * time.Second,
		"bully_timeout":          5 * time.Second,
		"consensus_interval":     15 * time.Second,
		"round_query_timeout":    6 * time.Second,
		"value_process_delay":    2 * time.Second,
		"response_process_delay": 2 * time.Second,
		"leader_query_delay":     3 * time.Second,
		"leader_consensus_delay": 3 * time.Second,
		"election_start_delay":   500 * time.Millisecond,
		"status_log_interval":    30 * time.Second,
	},
	"fast": {
		"heartbeat_int":          100 * time.Millisecond,
		"fail_timeout":           2 * time.Second,
		"hello_timeout":          1 * time.Second,
		"bully_timeout":          2 * time.Second,
		"consensus_interval":     8 * time.Second,
		"round_query_timeout":    3 * time.Second,
		"value_process_delay":    1 * time.Second,
		"response_process_delay": 1 * time.Second,
		"leader_query_delay":     1 * time.Second,
		"leader_consensus_delay": 1 * time.Second,
		"election_start_delay":   200 * time.Millisecond,
		"status_log_interval":    20 * time.Second,
	},
}

// ProfileNames lists the recognized speed profiles.
func ProfileNames() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Profile returns the tunables for a named profile, on top of the defaults.
func Profile(name string) (*Config, error) {
	settings, ok := profiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown speed profile %q (have %v)", name, ProfileNames())
	}

	cfg := Default()
	v := viper.New()
	setDefaults(v)
	for key, value := range settings {
		v.Set(key, value)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("apply profile %s: %w", name, err)
	}
	return cfg, nil
}

// WriteProfile rewrites the config file at path with the named profile so
// that subsequently launched peers pick it up.
func WriteProfile(name, path string) error {
	settings, ok := profiles[name]
	if !ok {
		return fmt.Errorf("unknown speed profile %q (have %v)", name, ProfileNames())
	}

	v := viper.New()
	setDefaults(v)
	for key, value := range settings {
		v.Set(key, value.String())
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write profile %s to %s: %w", name, path, err)
	}
	return nil
}
