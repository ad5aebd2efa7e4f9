package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/denisbrodbeck/machineid"
	gojson "github.com/goccy/go-json"

	"github.com/flowmesh/worksync/internal/utils"
	"github.com/flowmesh/worksync/internal/version"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigPath = filepath.Join(home, ".worksync", "config.json")
	DefaultDataDir    = filepath.Join(home, ".worksync")
	DefaultServerURL  = "https://sync.flowmesh.dev"
)

const deviceIDLen = 16

// Config is the daemon configuration, merged from file, env and flags.
type Config struct {
	Path string `json:"-"`

	DataDir    string `json:"data_dir"`
	UserID     string `json:"user_id"`
	DeviceID   string `json:"device_id,omitempty"`
	DeviceName string `json:"device_name,omitempty"`
	ServerURL  string `json:"server_url"`

	Encoding             string        `json:"encoding,omitempty"` // json|msgpack
	HeartbeatInterval    time.Duration `json:"heartbeat_interval,omitempty"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts,omitempty"`
	QueueLimit           int           `json:"queue_limit,omitempty"`

	AutoSync           bool          `json:"auto_sync"`
	SyncInterval       time.Duration `json:"sync_interval,omitempty"`
	ConflictResolution string        `json:"conflict_resolution,omitempty"` // manual|auto_local|auto_remote

	CloudProvider string `json:"cloud_provider,omitempty"`
	CloudPath     string `json:"cloud_path,omitempty"`

	BackupRetain int `json:"backup_retain,omitempty"`
}

// Load reads a config file. Defaults are filled in by Validate.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := gojson.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Path = path
	return &cfg, nil
}

// Save writes the config as JSON.
func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}
	data, err := gojson.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks required fields and fills derived defaults, including
// a stable machine-derived device id.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("config: user_id is required")
	}

	if c.ServerURL == "" {
		c.ServerURL = DefaultServerURL
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("config: invalid server_url %q", c.ServerURL)
	}

	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}

	if c.DeviceID == "" {
		id, err := machineid.ProtectedID(version.AppName)
		if err != nil {
			return fmt.Errorf("config: derive device id: %w", err)
		}
		if len(id) > deviceIDLen {
			id = id[:deviceIDLen]
		}
		c.DeviceID = id
	}

	if c.DeviceName == "" {
		if host, err := os.Hostname(); err == nil {
			c.DeviceName = host
		}
	}

	switch c.Encoding {
	case "", "json", "msgpack":
	default:
		return fmt.Errorf("config: invalid encoding %q", c.Encoding)
	}

	switch c.ConflictResolution {
	case "":
		c.ConflictResolution = "manual"
	case "manual", "auto_local", "auto_remote":
	default:
		return fmt.Errorf("config: invalid conflict_resolution %q", c.ConflictResolution)
	}

	return nil
}

// DBPath is the sqlite database holding the offline queue and device
// registry.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "worksync.db")
}

// BackupDir holds pre-import snapshot backups.
func (c *Config) BackupDir() string {
	return filepath.Join(c.DataDir, "backups")
}

// LogFilePath is the daemon log file.
func (c *Config) LogFilePath() string {
	return filepath.Join(c.DataDir, "logs", "worksync.log")
}
