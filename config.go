package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const defaultViaStackURL = "https://github.com/vial-kb/via-keymap-precompiled/raw/main/via_keyboard_stack.json"

// Settings is the runtime configuration, read from vialctl.yaml, VIALCTL_*
// environment variables and command-line flags, in increasing precedence.
type Settings struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	MaxUnlockPolls  int           `mapstructure:"max_unlock_polls" yaml:"max_unlock_polls"`
	HIDTimeout      time.Duration `mapstructure:"hid_timeout" yaml:"hid_timeout"`
	CacheDir        string        `mapstructure:"cache_dir" yaml:"cache_dir"`
	LogFile         string        `mapstructure:"log_file" yaml:"log_file"`
	Debug           bool          `mapstructure:"debug" yaml:"debug"`
	TraceHID        bool          `mapstructure:"trace_hid" yaml:"trace_hid"`
	ViaStackURL     string        `mapstructure:"via_stack_url" yaml:"via_stack_url"`
}

func defaultSettings() map[string]any {
	return map[string]any{
		"refresh_interval": defaultRefreshInterval,
		"poll_interval":    defaultUnlockPollInterval,
		"max_unlock_polls": 0,
		"hid_timeout":      500 * time.Millisecond,
		"cache_dir":        defaultCacheDir(),
		"log_file":         "",
		"debug":            false,
		"trace_hid":        false,
		"via_stack_url":    defaultViaStackURL,
	}
}

func configPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not get user config directory: %w", err)
	}
	return filepath.Join(dir, "vialctl", "vialctl.yaml"), nil
}

// loadSettings layers defaults, the config file, the environment and the
// flags of cmd. A missing config file is not an error; explicit is the
// --config path, if any.
func loadSettings(cmd *cobra.Command, explicit string) (Settings, bool, error) {
	var s Settings
	v := viper.New()
	for key, value := range defaultSettings() {
		v.SetDefault(key, value)
	}

	v.SetConfigName("vialctl")
	v.SetConfigType("yaml")
	if explicit != "" {
		v.SetConfigFile(explicit)
	}
	if p, err := configPath(); err == nil {
		v.AddConfigPath(filepath.Dir(p))
	}
	v.AddConfigPath(".")

	found := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return s, false, err
		}
		found = false
	}

	v.SetEnvPrefix("vialctl")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cmd != nil {
		var bindErr error
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if bindErr == nil {
				bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
			}
		})
		if bindErr != nil {
			return s, found, bindErr
		}
	}
	if err := v.Unmarshal(&s); err != nil {
		return s, found, err
	}
	if s.CacheDir == "" {
		s.CacheDir = defaultCacheDir()
	}
	if s.RefreshInterval <= 0 {
		s.RefreshInterval = defaultRefreshInterval
	}
	if s.PollInterval <= 0 {
		s.PollInterval = defaultUnlockPollInterval
	}
	return s, found, nil
}

// writeSettings stores s as YAML at path, creating the directory.
func writeSettings(s *Settings, path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("could not create config directory %s: %w", filepath.Dir(path), err)
	}
	return os.WriteFile(path, data, 0644)
}
