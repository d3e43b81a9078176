package config

import "time"

// RelayConfig holds the relay server configuration.
type RelayConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	DBPath            string        `mapstructure:"db_path" yaml:"db_path"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	// ReplayLimit caps how many stored signaling rows are replayed to a
	// freshly connected subscriber.
	ReplayLimit int `mapstructure:"replay_limit" yaml:"replay_limit"`
	// SignalRetention bounds how long delivered rows stay in the database.
	SignalRetention time.Duration `mapstructure:"signal_retention" yaml:"signal_retention"`
	// PublishRateLimit caps publish frames per connection per minute;
	// 0 disables the limit.
	PublishRateLimit int    `mapstructure:"publish_rate_limit" yaml:"publish_rate_limit"`
	LogLevel         string `mapstructure:"log_level" yaml:"log_level"`
}

// DefaultRelay returns relay configuration with reasonable starter defaults.
func DefaultRelay() RelayConfig {
	return RelayConfig{
		Addr:              ":8080",
		DBPath:            "opsvoice-relay.db",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		ReplayLimit:       64,
		SignalRetention:   24 * time.Hour,
		PublishRateLimit:  600,
		LogLevel:          "info",
	}
}

// AgentConfig holds the call agent configuration.
type AgentConfig struct {
	// RelayURL is the relay's WebSocket endpoint, e.g. ws://host:8080/ws.
	RelayURL string `mapstructure:"relay_url" yaml:"relay_url"`
	// SelfID is the identity this agent answers calls for.
	SelfID      string `mapstructure:"self_id" yaml:"self_id"`
	DisplayName string `mapstructure:"display_name" yaml:"display_name"`
	// APIAddr is the local control API listen address.
	APIAddr     string   `mapstructure:"api_addr" yaml:"api_addr"`
	STUNServers []string `mapstructure:"stun_servers" yaml:"stun_servers"`
	// RingInterval is the pause between ringtone repetitions.
	RingInterval time.Duration `mapstructure:"ring_interval" yaml:"ring_interval"`
	// RingTimeout ends unanswered incoming calls after this long;
	// 0 keeps ringing until the caller hangs up.
	RingTimeout     time.Duration `mapstructure:"ring_timeout" yaml:"ring_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	LogLevel        string        `mapstructure:"log_level" yaml:"log_level"`
}

// DefaultAgent returns agent configuration with reasonable starter defaults.
func DefaultAgent() AgentConfig {
	return AgentConfig{
		RelayURL:        "ws://localhost:8080/ws",
		APIAddr:         "127.0.0.1:8090",
		RingInterval:    2 * time.Second,
		RingTimeout:     0,
		ShutdownTimeout: 5 * time.Second,
		LogLevel:        "info",
	}
}
