package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config holds the agent configuration. Durable update-attempt state lives in
// the prefs store, not here; this file only carries identity, endpoints, and
// operational knobs.
type Config struct {
	ServerURL string `mapstructure:"server_url"`
	AppID     string `mapstructure:"app_id"`
	Channel   string `mapstructure:"channel"`

	StateDBPath     string `mapstructure:"state_db_path"`
	PowerwashDBPath string `mapstructure:"powerwash_db_path"`
	DownloadDir     string `mapstructure:"download_dir"`
	PolicyPath      string `mapstructure:"policy_path"`

	// CheckSchedule is a cron expression driving periodic update checks.
	CheckSchedule string `mapstructure:"check_schedule"`

	P2PEnabled     bool   `mapstructure:"p2p_enabled"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	LogFormat      string `mapstructure:"log_format"`
	LogLevel       string `mapstructure:"log_level"`
}

func Default() *Config {
	return &Config{
		Channel:         "stable",
		StateDBPath:     filepath.Join(stateDir(), "update-state.db"),
		PowerwashDBPath: filepath.Join(powerwashDir(), "rollback-state.db"),
		DownloadDir:     filepath.Join(stateDir(), "downloads"),
		CheckSchedule:   "@every 45m",
		MetricsEnabled:  true,
		LogFormat:       "text",
		LogLevel:        "info",
	}
}

func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("update-agent")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(configDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SKYLIFT")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the fields required to run an update cycle.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("server_url %q is not a valid URL", c.ServerURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("server_url scheme %q must be http or https", u.Scheme)
	}
	if c.AppID == "" {
		return fmt.Errorf("app_id is required")
	}
	if c.StateDBPath == "" {
		return fmt.Errorf("state_db_path is required")
	}
	if c.CheckSchedule == "" {
		return fmt.Errorf("check_schedule is required")
	}
	return nil
}

func configDir() string {
	if dir := os.Getenv("SKYLIFT_CONFIG_DIR"); dir != "" {
		return dir
	}
	return "/etc/skylift"
}

func stateDir() string {
	if dir := os.Getenv("SKYLIFT_STATE_DIR"); dir != "" {
		return dir
	}
	return "/var/lib/skylift"
}

// powerwashDir lives on the preserved partition so rollback bookkeeping
// survives a factory reset.
func powerwashDir() string {
	if dir := os.Getenv("SKYLIFT_POWERWASH_DIR"); dir != "" {
		return dir
	}
	return "/mnt/preserve/skylift"
}
