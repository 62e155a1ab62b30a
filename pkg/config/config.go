package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config stores all configuration of the host daemon.
// The values are read by viper from a config file or environment variable.
type Config struct {
	// Plugin Discovery
	PluginsDir string `mapstructure:"PLUGINS_DIR"`

	// Channel Settings
	SocketDir            string `mapstructure:"SOCKET_DIR"`
	ChannelReadTimeoutMs int    `mapstructure:"CHANNEL_READ_TIMEOUT_MS"`
	MaxFrameBytes        int    `mapstructure:"MAX_FRAME_BYTES"`

	// Instance Supervision
	MonitorIntervalSeconds int `mapstructure:"MONITOR_INTERVAL_SECONDS"`
	ReadyTimeoutSeconds    int `mapstructure:"READY_TIMEOUT_SECONDS"`
	StopGraceSeconds       int `mapstructure:"STOP_GRACE_SECONDS"`
	HeartbeatStaleSeconds  int `mapstructure:"HEARTBEAT_STALE_SECONDS"`
	MaxProtocolFaults      int `mapstructure:"MAX_PROTOCOL_FAULTS"`

	// Assignment Persistence
	StateFile     string `mapstructure:"STATE_FILE"`
	EncryptionKey string `mapstructure:"DECKHOST_SECRET"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// 1. Set Defaults
	v.SetDefault("PLUGINS_DIR", "plugins")
	v.SetDefault("SOCKET_DIR", "/tmp/deckhost")
	v.SetDefault("CHANNEL_READ_TIMEOUT_MS", 100)
	v.SetDefault("MAX_FRAME_BYTES", 1<<20)
	v.SetDefault("MONITOR_INTERVAL_SECONDS", 5)
	v.SetDefault("READY_TIMEOUT_SECONDS", 10)
	v.SetDefault("STOP_GRACE_SECONDS", 5)
	v.SetDefault("HEARTBEAT_STALE_SECONDS", 30)
	v.SetDefault("MAX_PROTOCOL_FAULTS", 5)
	v.SetDefault("STATE_FILE", "assignments.json")
	v.SetDefault("DECKHOST_SECRET", "1234567890123456789012345678901212345678901234567890123456789012")

	// 2. Read app.yaml if exists
	v.AddConfigPath(path)
	v.SetConfigName("app")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	// 3. Read .env if exists (overriding app.yaml)
	v.SetConfigName(".env")
	v.SetConfigType("env")
	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Ignore if .env is missing
		}
	}

	// 4. Allow Viper to read Environment Variables (highest priority)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
