package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	configName = "pcsc-reader"
	envPrefix  = "PCSC_READER"
)

// appConfig is the merged view of flags, environment and config file.
type appConfig struct {
	Reader         string `mapstructure:"reader"`
	AID            string `mapstructure:"aid"`
	AutoProcessing bool   `mapstructure:"auto-processing"`
	LogLevel       string `mapstructure:"log-level"`
}

var configDefaults = map[string]any{
	"reader":          "",
	"aid":             "",
	"auto-processing": true,
	"log-level":       "info",
}

// userConfigDir returns the per-user directory searched for pcsc-reader.yaml.
func userConfigDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not get user config directory: %w", err)
	}
	return filepath.Join(dir, configName), nil
}

// loadConfig merges, from lowest to highest precedence, defaults, the YAML
// config file, PCSC_READER_* environment variables and command-line flags. A
// missing config file is not an error; explicitPath, when set, must exist.
func loadConfig(cmd *cobra.Command, explicitPath string) (appConfig, error) {
	var c appConfig
	v := viper.New()

	for key, value := range configDefaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName(configName)
	v.SetConfigType("yaml")
	if explicitPath != "" {
		v.SetConfigFile(explicitPath)
	}
	if dir, err := userConfigDir(); err == nil {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicitPath != "" || !errors.As(err, &notFound) {
			return c, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return c, err
	}

	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("decode config: %w", err)
	}
	return c, nil
}

// newLogger builds the text logger used by every command.
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})), nil
}
