// Package config provides configuration management for cortexvrm
package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/normanking/cortexvrm/internal/audio"
	"github.com/normanking/cortexvrm/internal/avatar"
	"github.com/normanking/cortexvrm/internal/logging"
	"github.com/normanking/cortexvrm/internal/mic"
	"github.com/normanking/cortexvrm/internal/motion"
	"github.com/normanking/cortexvrm/internal/session"
)

const (
	dirName   = ".cortexvrm"
	envPrefix = "CORTEXVRM"
)

// Config holds all application configuration
type Config struct {
	Session session.Config       `mapstructure:"session"`
	Audio   audio.Config         `mapstructure:"audio"`
	LipSync avatar.LipSyncConfig `mapstructure:"lipsync"`
	Mic     mic.Config           `mapstructure:"mic"`
	Motion  MotionConfig         `mapstructure:"motion"`
	Logging logging.Config       `mapstructure:"logging"`
	Metrics MetricsConfig        `mapstructure:"metrics"`
}

// MotionConfig configures the retargeting engine and its inputs
type MotionConfig struct {
	Engine motion.EngineConfig `mapstructure:"engine"`
	// Model is the VRM/glTF file whose humanoid skeleton clips bind to
	Model string `mapstructure:"model"`
	// IdleClip is looped while no one-shot plays; reloaded on change
	IdleClip string `mapstructure:"idle_clip"`
	// AliasFile extends the built-in bone alias table
	AliasFile string `mapstructure:"alias_file"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the endpoint
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	logCfg := logging.DefaultConfig()

	return &Config{
		Session: session.DefaultConfig(),
		Audio:   audio.DefaultConfig(),
		LipSync: avatar.DefaultLipSyncConfig(),
		Mic:     mic.DefaultConfig(),
		Motion: MotionConfig{
			Engine: motion.DefaultEngineConfig(),
		},
		Logging: *logCfg,
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// bindEnv makes the environment-overridable keys known to viper, so
// Unmarshal sees them even when the file does not set them. Keys absent
// from both keep the values already in cfg.
func bindEnv(v *viper.Viper) {
	for _, key := range envKeys {
		v.BindEnv(key)
	}
}

// envKeys are the keys most often overridden from the environment.
var envKeys = []string{
	"session.endpoint",
	"session.session_id",
	"session.character_id",
	"session.keepalive_interval",
	"audio.output_dir",
	"mic.file",
	"mic.require_secure_context",
	"motion.model",
	"motion.idle_clip",
	"motion.alias_file",
	"logging.level",
	"logging.dir",
	"metrics.addr",
}

// Load reads configuration from ~/.cortexvrm/config.yaml and the
// environment, creating the file from defaults when absent.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	loadDotEnv()

	configDir, err := GetConfigDir()
	if err != nil {
		return cfg, err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return cfg, err
	}

	v := newViper()
	v.SetConfigName("config")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return cfg, err
		}
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile reads configuration from an explicit file plus the environment.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	loadDotEnv()

	v := newViper()
	v.SetConfigFile(path)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// loadDotEnv loads .env from the working directory, if present. Existing
// environment variables win.
func loadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}
}

// Save writes the configuration to ~/.cortexvrm/config.yaml
func Save(cfg *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}
	return SaveFile(cfg, filepath.Join(configDir, "config.yaml"))
}

// SaveFile writes the configuration to path.
func SaveFile(cfg *Config, path string) error {
	var settings map[string]any
	if err := mapstructure.Decode(cfg, &settings); err != nil {
		return err
	}
	v := viper.New()
	if err := v.MergeConfigMap(settings); err != nil {
		return err
	}
	return v.WriteConfigAs(path)
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, dirName), nil
}
