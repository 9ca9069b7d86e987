package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	SysfsRoot    string        `yaml:"sysfs_root"`
	UdevDataDir  string        `yaml:"udev_data_dir"`
	SocketPath   string        `yaml:"socket_path"`
	MetricsAddr  string        `yaml:"metrics_addr,omitempty"`
	Database     string        `yaml:"database"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Notify       Notify        `yaml:"notify"`
	Log          Log           `yaml:"log"`
	Policy       Policy        `yaml:"policy"`
	RateLimit    RateLimit     `yaml:"rate_limit"`
	Modules      []string      `yaml:"modules"`
	ISCSI        ISCSI         `yaml:"iscsi"`
}

// Notify controls when refreshes raise change notifications.
// Mode "always" notifies on every refresh, "diff" only when the snapshot changed.
type Notify struct {
	Mode string `yaml:"mode"`
}

type Log struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type Policy struct {
	Rules []Rule `yaml:"rules"`
}

// Rule grants an action to the listed users and groups. Root is always allowed.
type Rule struct {
	Action   string   `yaml:"action"`
	UIDs     []uint32 `yaml:"uids,omitempty"`
	GIDs     []uint32 `yaml:"gids,omitempty"`
	AllowAny bool     `yaml:"allow_any,omitempty"`
}

type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ISCSI struct {
	InitiatorNameFile string `yaml:"initiator_name_file"`
	Iscsiadm          string `yaml:"iscsiadm"`
}

const (
	NotifyAlways = "always"
	NotifyDiff   = "diff"
)

// defaultConfig provides baseline settings for a stock Linux host
var defaultConfig = Config{
	SysfsRoot:    "/sys",
	UdevDataDir:  "/run/udev/data",
	SocketPath:   "/run/diskd/diskd.sock",
	Database:     "/var/lib/diskd/journal.db",
	PollInterval: 2 * time.Second,
	Notify:       Notify{Mode: NotifyAlways},
	Log:          Log{Level: "info"},
	RateLimit:    RateLimit{RPS: 10, Burst: 20},
	Modules:      []string{"iscsi"},
	ISCSI: ISCSI{
		InitiatorNameFile: "/etc/iscsi/initiatorname.iscsi",
		Iscsiadm:          "iscsiadm",
	},
}

// Default returns a copy of the built-in configuration.
func Default() *Config {
	cfg := defaultConfig
	cfg.Modules = append([]string(nil), defaultConfig.Modules...)
	return &cfg
}

func Load(path string) (*Config, error) {
	if path == "" {
		// Try default locations
		candidates := []string{
			"/etc/diskd/config.yaml",
			filepath.Join(os.Getenv("HOME"), ".config/diskd/config.yaml"),
			"config.yaml",
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				path = c
				break
			}
		}
	}

	var cfg Config
	if path == "" {
		cfg = *Default()
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills every zero field from defaultConfig
func (c *Config) applyDefaults() {
	if c.SysfsRoot == "" {
		c.SysfsRoot = defaultConfig.SysfsRoot
	}
	if c.UdevDataDir == "" {
		c.UdevDataDir = defaultConfig.UdevDataDir
	}
	if c.SocketPath == "" {
		c.SocketPath = defaultConfig.SocketPath
	}
	if c.Database == "" {
		c.Database = defaultConfig.Database
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultConfig.PollInterval
	}
	if c.Notify.Mode == "" {
		c.Notify.Mode = defaultConfig.Notify.Mode
	}
	if c.Log.Level == "" {
		c.Log.Level = defaultConfig.Log.Level
	}
	if c.RateLimit.RPS == 0 {
		c.RateLimit.RPS = defaultConfig.RateLimit.RPS
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = defaultConfig.RateLimit.Burst
	}
	if c.Modules == nil {
		c.Modules = append([]string(nil), defaultConfig.Modules...)
	}
	if c.ISCSI.InitiatorNameFile == "" {
		c.ISCSI.InitiatorNameFile = defaultConfig.ISCSI.InitiatorNameFile
	}
	if c.ISCSI.Iscsiadm == "" {
		c.ISCSI.Iscsiadm = defaultConfig.ISCSI.Iscsiadm
	}
}

// Validate rejects settings the daemon cannot run with
func (c *Config) Validate() error {
	switch c.Notify.Mode {
	case NotifyAlways, NotifyDiff:
	default:
		return fmt.Errorf("invalid notify.mode %q (want %q or %q)", c.Notify.Mode, NotifyAlways, NotifyDiff)
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("poll_interval must not be negative")
	}
	for i, r := range c.Policy.Rules {
		if r.Action == "" {
			return fmt.Errorf("policy rule %d has no action", i)
		}
	}
	return nil
}
