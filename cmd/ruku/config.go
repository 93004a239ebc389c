package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/artpar/ruku/internal/core/paths"
	"github.com/spf13/viper"
)

// ConfigFileName is looked up in the ruku root when no --config is given.
const ConfigFileName = "config.yaml"

// =============================================================================
// Config Types
// =============================================================================

// Config holds all ruku configuration.
type Config struct {
	Root      string          `mapstructure:"root"`
	Binary    string          `mapstructure:"binary"`
	Log       LogConfig       `mapstructure:"log"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Build     BuildConfig     `mapstructure:"build"`
	Container ContainerConfig `mapstructure:"container"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host string `mapstructure:"host"`
}

// BuildConfig selects how images are built.
type BuildConfig struct {
	Engine   string `mapstructure:"engine"`   // auto, nixpacks or docker
	Nixpacks string `mapstructure:"nixpacks"` // nixpacks executable
}

// ContainerConfig holds container lifecycle settings.
type ContainerConfig struct {
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

// ServerConfig builds the path layout rooted at home.
func (c *Config) ServerConfig(home string) (paths.ServerConfig, error) {
	return paths.New(home, c.Root, c.Binary)
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from defaults, an optional file and RUKU_*
// environment variables. When configPath is empty, <root>/config.yaml is
// read if it exists.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("root", "")
	v.SetDefault("binary", paths.DefaultBinary)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("docker.host", "")
	v.SetDefault("build.engine", "auto")
	v.SetDefault("build.nixpacks", "nixpacks")
	v.SetDefault("container.stop_timeout", "10s")

	// RUKU_ROOT is exported by generated hooks
	v.SetEnvPrefix("RUKU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath == "" {
		configPath = defaultConfigPath(v.GetString("root"))
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
			// Missing file, use defaults
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func defaultConfigPath(root string) string {
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			return ""
		}
		root = filepath.Join(home, paths.RootDirName)
	}
	return filepath.Join(root, ConfigFileName)
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger writing to stderr. stdout carries command
// output and, under git-shell, the pack protocol.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
