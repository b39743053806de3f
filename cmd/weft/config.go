package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the weft configuration file (~/.config/weft/config.yaml).
// Numeric fields are pointers so an absent key is distinguishable from a
// zero value.
type Config struct {
	// Sampling defaults
	Steps     *int64   `yaml:"steps"`
	Shift     *float64 `yaml:"shift"`
	Scale     *float64 `yaml:"scale"`
	Seed      *int64   `yaml:"seed"`
	Scheduler string   `yaml:"scheduler"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "weft", "config.yaml")
}

// applySampleConfig applies config file defaults to sample command
// variables when the corresponding CLI flag was not explicitly set.
func applySampleConfig(c *cli.Command, cfg Config,
	steps *int64, shift *float64, scale *float64, seed *int64, scheduler *string,
) {
	if cfg.Steps != nil && !c.IsSet("steps") {
		*steps = *cfg.Steps
	}
	if cfg.Shift != nil && !c.IsSet("shift") {
		*shift = *cfg.Shift
	}
	if cfg.Scale != nil && !c.IsSet("scale") {
		*scale = *cfg.Scale
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
	if cfg.Scheduler != "" && !c.IsSet("scheduler") {
		*scheduler = cfg.Scheduler
	}
	applyLoggingConfig(c, cfg)
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	applyLoggingConfig(c, cfg)
}

func applyLoggingConfig(c *cli.Command, cfg Config) {
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file
// doesn't exist or fails to parse.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
