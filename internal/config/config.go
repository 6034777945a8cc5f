// Package config handles loading, validation and persistence of the astman
// bridge configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir   = "config"
	DefaultConfigFile  = "astman.json"
	DefaultManagerPort = 5038
	DefaultAPIPort     = 5080
	DefaultMQTTPort    = 1883
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Manager ManagerConfig `json:"manager"`
	Logging LoggingConfig `json:"logging"`
	Journal JournalConfig `json:"journal"`
	MQTT    MQTTConfig    `json:"mqtt"`
	API     APIConfig     `json:"api"`
}

// ManagerConfig describes the manager connection and session tuning.
type ManagerConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Secret   string `json:"secret"`

	// Request the event stream at login.
	Events bool `json:"events"`

	ConnectTimeoutSec    int `json:"connect_timeout_sec"`
	LoginTimeoutSec      int `json:"login_timeout_sec"`
	ResponseTimeoutSec   int `json:"response_timeout_sec"`
	PollTimeoutMs        int `json:"poll_timeout_ms"`
	KeepaliveIntervalSec int `json:"keepalive_interval_sec"`

	BufferSize       int  `json:"buffer_size"`
	MaxHeaders       int  `json:"max_headers"`
	MaxEventHandlers int  `json:"max_event_handlers"`
	Debug            bool `json:"debug"`
}

// ConnectTimeout returns the connect timeout as a duration.
func (m ManagerConfig) ConnectTimeout() time.Duration {
	return time.Duration(m.ConnectTimeoutSec) * time.Second
}

// LoginTimeout returns the per-attempt login timeout.
func (m ManagerConfig) LoginTimeout() time.Duration {
	return time.Duration(m.LoginTimeoutSec) * time.Second
}

// ResponseTimeout returns how long bridge requests wait for a response.
func (m ManagerConfig) ResponseTimeout() time.Duration {
	return time.Duration(m.ResponseTimeoutSec) * time.Second
}

// PollTimeout returns the per-read socket poll.
func (m ManagerConfig) PollTimeout() time.Duration {
	return time.Duration(m.PollTimeoutMs) * time.Millisecond
}

// KeepaliveInterval returns the Ping interval; zero disables keepalive.
func (m ManagerConfig) KeepaliveInterval() time.Duration {
	return time.Duration(m.KeepaliveIntervalSec) * time.Second
}

// Address returns host:port.
func (m ManagerConfig) Address() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// JournalConfig controls the SQLite event journal.
type JournalConfig struct {
	Enabled       bool   `json:"enabled"`
	Path          string `json:"path"`
	RetentionDays int    `json:"retention_days"`
	PruneTime     string `json:"prune_time"`
}

// MQTTConfig holds MQTT publishing settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
}

// APIConfig holds REST bridge settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Listen         string   `json:"listen"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	Token          string   `json:"token"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Manager: ManagerConfig{
			Host:                 "127.0.0.1",
			Port:                 DefaultManagerPort,
			Events:               true,
			ConnectTimeoutSec:    10,
			LoginTimeoutSec:      10,
			ResponseTimeoutSec:   10,
			PollTimeoutMs:        100,
			KeepaliveIntervalSec: 30,
			BufferSize:           8192,
			MaxHeaders:           128,
			MaxEventHandlers:     64,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
			Console:    true,
		},
		Journal: JournalConfig{
			Enabled:       true,
			Path:          "data/journal.db",
			RetentionDays: 7,
			PruneTime:     "04:00",
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			BrokerURL:   "localhost",
			Port:        DefaultMQTTPort,
			TopicPrefix: "ami",
		},
		API: APIConfig{
			Enabled:        true,
			Listen:         "127.0.0.1",
			Port:           DefaultAPIPort,
			AllowedOrigins: []string{"http://localhost:3000"},
			RateLimitRPS:   20,
		},
	}
}

// Load reads configuration from configDir. A missing file is created with
// defaults; an existing one is overlaid on the defaults and re-saved so new
// fields show up in it.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	cfg, err := readFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg = DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, err
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}
	return cfg, nil
}

func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file holds the manager secret.
	if err := os.WriteFile(c.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Reload re-reads the file and replaces the current values in place.
func (c *Config) Reload() error {
	fresh, err := readFile(c.Path())
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.Manager = fresh.Manager
	c.Logging = fresh.Logging
	c.Journal = fresh.Journal
	c.MQTT = fresh.MQTT
	c.API = fresh.API
	return nil
}

// GetManager returns a copy of the manager section.
func (c *Config) GetManager() ManagerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Manager
}

// SetManager replaces the manager section.
func (c *Config) SetManager(m ManagerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Manager = m
}

// GetLogging returns a copy of the logging section.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// GetJournal returns a copy of the journal section.
func (c *Config) GetJournal() JournalConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Journal
}

// GetMQTT returns a copy of the MQTT section.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetAPI returns a copy of the API section.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	api := c.API
	api.AllowedOrigins = append([]string(nil), c.API.AllowedOrigins...)
	return api
}

// Path returns the config file path.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// SetPath changes where Save writes.
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// IsFirstRun reports whether manager credentials still need to be set up.
func (c *Config) IsFirstRun() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Manager.Username == "" || c.Manager.Secret == ""
}
