// Package config provides configuration management for Outpost.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/outposthq/outpost/internal/common/logger"
)

// Config holds all configuration sections for Outpost.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Data      DataConfig      `mapstructure:"data"`
	Agents    AgentsConfig    `mapstructure:"agents"`
	Transport TransportConfig `mapstructure:"transport"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Logging   logger.Config   `mapstructure:"logging"`
}

// AgentsConfig holds agent binaries and transcript roots. Empty roots
// resolve to the conventional locations under the home directory.
type AgentsConfig struct {
	ClaudeBin         string   `mapstructure:"claudeBin"`
	ClaudeProjectsDir string   `mapstructure:"claudeProjectsDir"`
	CodexSessionsDir  string   `mapstructure:"codexSessionsDir"`
	ACPBin            string   `mapstructure:"acpBin"`
	ACPArgs           []string `mapstructure:"acpArgs"`
}

// ServerConfig holds HTTP/WebSocket server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DataConfig holds the data-directory layout.
type DataConfig struct {
	// Dir is the data-directory root. Profile, when set, is appended as a
	// suffix so multiple supervisors can share a machine.
	Dir     string `mapstructure:"dir"`
	Profile string `mapstructure:"profile"`
}

// TransportConfig holds tunables for the secure WebSocket transport.
type TransportConfig struct {
	// SendBufferSize bounds the per-connection outbound queue. A
	// subscriber whose buffer overflows is dropped rather than allowed to
	// stall a process driver.
	SendBufferSize int `mapstructure:"sendBufferSize"`

	// HeartbeatInterval is the per-subscription heartbeat period in seconds.
	HeartbeatInterval int `mapstructure:"heartbeatInterval"`

	// SessionTTL is the resumable auth session lifetime in hours.
	SessionTTL int `mapstructure:"sessionTtl"`
}

// RelayConfig holds the outbound rendezvous connection configuration.
type RelayConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	URL       string `mapstructure:"url"`
	Username  string `mapstructure:"username"`
	InstallID string `mapstructure:"installId"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// HeartbeatDuration returns the heartbeat interval as a time.Duration.
func (t *TransportConfig) HeartbeatDuration() time.Duration {
	return time.Duration(t.HeartbeatInterval) * time.Second
}

// SessionTTLDuration returns the auth session TTL as a time.Duration.
func (t *TransportConfig) SessionTTLDuration() time.Duration {
	return time.Duration(t.SessionTTL) * time.Hour
}

// Root returns the effective data directory, with the profile suffix applied.
func (d *DataConfig) Root() string {
	if d.Profile == "" {
		return d.Dir
	}
	return d.Dir + "-" + d.Profile
}

// Load reads configuration from the optional config file, environment
// variables (OUTPOST_ prefix) and built-in defaults, in that order of
// increasing precedence for env over file.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("OUTPOST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("outpost")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "outpost"))
		}
		// Missing config file is fine; defaults and env apply.
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errorsAs(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	if cfg.Data.Dir == "" {
		cfg.Data.Dir = filepath.Join(home, ".outpost")
	}
	if cfg.Agents.ClaudeProjectsDir == "" {
		cfg.Agents.ClaudeProjectsDir = filepath.Join(home, ".claude", "projects")
	}
	if cfg.Agents.CodexSessionsDir == "" {
		cfg.Agents.CodexSessionsDir = filepath.Join(home, ".codex", "sessions")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8129)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("transport.sendBufferSize", 256)
	v.SetDefault("transport.heartbeatInterval", 30)
	v.SetDefault("transport.sessionTtl", 720)

	v.SetDefault("relay.enabled", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "")
	v.SetDefault("logging.output_path", "stdout")
}

// errorsAs is a tiny indirection so the viper sentinel check reads cleanly.
func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}
