package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	envConfigDefaultPath   = "OPSVOICE_CONFIG_DEFAULT_PATH"
	defaultRelayConfigName = "relay.yaml"
	defaultAgentConfigName = "agent.yaml"
)

// LoadRelay builds relay configuration from defaults, an optional config
// file, and env vars, returning the resolved path.
// Precedence: defaults < config file < env vars.
func LoadRelay(logger *zerolog.Logger, explicitPath string) (RelayConfig, string, error) {
	cfg := DefaultRelay()

	v := newViper()
	v.SetDefault("addr", cfg.Addr)
	v.SetDefault("db_path", cfg.DBPath)
	v.SetDefault("read_header_timeout", cfg.ReadHeaderTimeout)
	v.SetDefault("shutdown_timeout", cfg.ShutdownTimeout)
	v.SetDefault("replay_limit", cfg.ReplayLimit)
	v.SetDefault("signal_retention", cfg.SignalRetention)
	v.SetDefault("publish_rate_limit", cfg.PublishRateLimit)
	v.SetDefault("log_level", cfg.LogLevel)

	configPath := resolveConfigPath(explicitPath, defaultRelayConfigName)
	if err := readOrSeed(v, configPath, cfg, logger); err != nil {
		return cfg, configPath, err
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, configPath, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, configPath, nil
}

// LoadAgent builds agent configuration the same way LoadRelay does.
func LoadAgent(logger *zerolog.Logger, explicitPath string) (AgentConfig, string, error) {
	cfg := DefaultAgent()

	v := newViper()
	v.SetDefault("relay_url", cfg.RelayURL)
	v.SetDefault("self_id", cfg.SelfID)
	v.SetDefault("display_name", cfg.DisplayName)
	v.SetDefault("api_addr", cfg.APIAddr)
	v.SetDefault("stun_servers", cfg.STUNServers)
	v.SetDefault("ring_interval", cfg.RingInterval)
	v.SetDefault("ring_timeout", cfg.RingTimeout)
	v.SetDefault("shutdown_timeout", cfg.ShutdownTimeout)
	v.SetDefault("log_level", cfg.LogLevel)

	configPath := resolveConfigPath(explicitPath, defaultAgentConfigName)
	if err := readOrSeed(v, configPath, cfg, logger); err != nil {
		return cfg, configPath, err
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, configPath, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, configPath, nil
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("OPSVOICE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// readOrSeed reads the config file, writing one with the defaults first if
// none exists yet.
func readOrSeed(v *viper.Viper, configPath string, defaults any, logger *zerolog.Logger) error {
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			if writeErr := writeDefaultConfig(configPath, defaults); writeErr != nil && logger != nil {
				logger.Warn().Err(writeErr).Str("path", configPath).Msg("failed to write default config")
			} else if logger != nil {
				logger.Info().Str("path", configPath).Msg("created default config")
			}
			// try reading again in case it was just written
			if readErr := v.ReadInConfig(); readErr != nil && logger != nil {
				logger.Warn().Err(readErr).Str("path", configPath).Msg("failed to read config after writing default")
			}
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func resolveConfigPath(explicitPath, defaultName string) string {
	if explicitPath != "" {
		return explicitPath
	}

	if base := os.Getenv(envConfigDefaultPath); base != "" {
		if err := os.MkdirAll(base, 0o755); err == nil {
			return filepath.Join(base, defaultName)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return defaultName
	}
	return filepath.Join(cwd, defaultName)
}

func writeDefaultConfig(path string, cfg any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
