package config

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/viper"
)

// Config is the tunables record for one peer. All timing values interact:
// FailTimeout must cover several heartbeat intervals, and the consensus
// phase delays must fit inside the consensus interval.
type Config struct {
	MulticastGroup string `mapstructure:"multicast_grp"`
	MulticastPort  int    `mapstructure:"multicast_port"`
	MulticastTTL   int    `mapstructure:"multicast_ttl"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_int"`
	FailTimeout       time.Duration `mapstructure:"fail_timeout"`
	HelloTimeout      time.Duration `mapstructure:"hello_timeout"`
	BullyTimeout      time.Duration `mapstructure:"bully_timeout"`

	ConsensusInterval    time.Duration `mapstructure:"consensus_interval"`
	RoundQueryTimeout    time.Duration `mapstructure:"round_query_timeout"`
	ValueProcessDelay    time.Duration `mapstructure:"value_process_delay"`
	ResponseProcessDelay time.Duration `mapstructure:"response_process_delay"`
	LeaderQueryDelay     time.Duration `mapstructure:"leader_query_delay"`
	LeaderConsensusDelay time.Duration `mapstructure:"leader_consensus_delay"`

	// ElectionStartDelay spaces out the counter-election a peer starts after
	// answering a lower peer's challenge.
	ElectionStartDelay time.Duration `mapstructure:"election_start_delay"`

	StatusLogInterval time.Duration `mapstructure:"status_log_interval"`
}

// Load reads the tunables: defaults, then an optional config file, then
// QUORUMCAST_* environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("quorumcast")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.quorumcast")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("QUORUMCAST")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the tunables with every key at its default value.
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// Only defaults are registered, so this cannot fail.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("multicast_grp", "224.1.1.1")
	v.SetDefault("multicast_port", 50000)
	v.SetDefault("multicast_ttl", 1)

	v.SetDefault("heartbeat_int", 200*time.Millisecond)
	v.SetDefault("fail_timeout", 5*time.Second)
	v.SetDefault("hello_timeout", 2*time.Second)
	v.SetDefault("bully_timeout", 5*time.Second)

	v.SetDefault("consensus_interval", 15*time.Second)
	v.SetDefault("round_query_timeout", 6*time.Second)
	v.SetDefault("value_process_delay", 2*time.Second)
	v.SetDefault("response_process_delay", 2*time.Second)
	v.SetDefault("leader_query_delay", 3*time.Second)
	v.SetDefault("leader_consensus_delay", 3*time.Second)

	v.SetDefault("election_start_delay", 500*time.Millisecond)
	v.SetDefault("status_log_interval", 30*time.Second)
}

// Validate rejects tunables that cannot drive the protocol.
func Validate(cfg *Config) error {
	if net.ParseIP(cfg.MulticastGroup) == nil {
		return fmt.Errorf("multicast_grp %q is not an IP address", cfg.MulticastGroup)
	}
	if cfg.MulticastPort < 1 || cfg.MulticastPort > 65535 {
		return fmt.Errorf("multicast_port must be between 1 and 65535")
	}
	if cfg.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_int must be positive")
	}
	if cfg.FailTimeout <= cfg.HeartbeatInterval {
		return fmt.Errorf("fail_timeout must exceed heartbeat_int")
	}
	if cfg.BullyTimeout <= 0 || cfg.HelloTimeout <= 0 {
		return fmt.Errorf("election timeouts must be positive")
	}
	if cfg.ConsensusInterval <= cfg.ValueProcessDelay+cfg.ResponseProcessDelay {
		return fmt.Errorf("consensus_interval must exceed the round phase delays")
	}
	return nil
}

// GroupAddr returns the "group:port" dial string for the transport.
func (c *Config) GroupAddr() string {
	return fmt.Sprintf("%s:%d", c.MulticastGroup, c.MulticastPort)
}
