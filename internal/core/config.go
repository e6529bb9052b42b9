package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spillwaylabs/spillway/internal/providers/localssh"
)

// Config is the orchestrator's YAML configuration.
type Config struct {
	// Backend selects which provisioning backend serves jobs: "runpod" or
	// "localssh".
	Backend string `yaml:"backend"`

	Store struct {
		// BucketURL is a gocloud.dev bucket URL, e.g. "file:///var/lib/spillway"
		// or "s3://bucket?region=us-east-1".
		BucketURL string `yaml:"bucket_url"`
	} `yaml:"store"`

	SSH struct {
		KeyDir     string `yaml:"key_dir"`     // default: <config dir>/keys
		KnownHosts string `yaml:"known_hosts"` // default: <config dir>/known_hosts
	} `yaml:"ssh"`

	Journal struct {
		Path string `yaml:"path"` // default: <config dir>/journal.db
	} `yaml:"journal"`

	Backends struct {
		RunPod struct {
			APIKey  string `yaml:"api_key"`
			Image   string `yaml:"image"`
			SSHUser string `yaml:"ssh_user"`
		} `yaml:"runpod"`
		LocalSSH struct {
			Hosts []localssh.Host `yaml:"hosts"`
		} `yaml:"localssh"`
	} `yaml:"backends"`

	Deadlines struct {
		ProvisionSeconds int `yaml:"provision_seconds"` // default 600
		StagingSeconds   int `yaml:"staging_seconds"`   // default 120
		ExecutionSeconds int `yaml:"execution_seconds"` // default 3600
	} `yaml:"deadlines"`

	PollIntervalSeconds int `yaml:"poll_interval_seconds"` // default 3
}

func (c Config) ProvisionTimeout() time.Duration {
	return secondsOr(c.Deadlines.ProvisionSeconds, 10*time.Minute)
}

func (c Config) StagingTimeout() time.Duration {
	return secondsOr(c.Deadlines.StagingSeconds, 2*time.Minute)
}

func (c Config) ExecutionTimeout() time.Duration {
	return secondsOr(c.Deadlines.ExecutionSeconds, time.Hour)
}

func (c Config) PollInterval() time.Duration {
	return secondsOr(c.PollIntervalSeconds, 3*time.Second)
}

func secondsOr(s int, def time.Duration) time.Duration {
	if s <= 0 {
		return def
	}
	return time.Duration(s) * time.Second
}

// ConfigDir resolves $XDG_CONFIG_HOME/spillway or ~/.config/spillway.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "spillway")
}

// LoadConfig reads YAML configuration from a path. If path is empty, it
// resolves <ConfigDir>/config.yaml. Credentials are merged from secrets.env
// and the environment so tokens never need to live in the YAML file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	secrets, _ := LoadSecretsEnv("")
	if v := os.Getenv("RUNPOD_API_KEY"); v != "" {
		secrets["RUNPOD_API_KEY"] = v
	}
	if t, ok := secrets["RUNPOD_API_KEY"]; ok && t != "" {
		cfg.Backends.RunPod.APIKey = t
	}

	if cfg.SSH.KeyDir == "" {
		cfg.SSH.KeyDir = filepath.Join(ConfigDir(), "keys")
	}
	if cfg.SSH.KnownHosts == "" {
		cfg.SSH.KnownHosts = filepath.Join(ConfigDir(), "known_hosts")
	}
	if cfg.Journal.Path == "" {
		cfg.Journal.Path = filepath.Join(ConfigDir(), "journal.db")
	}
	if cfg.Backend == "" {
		cfg.Backend = "runpod"
	}
	return cfg, nil
}
