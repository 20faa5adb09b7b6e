package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	"github.com/CTAG07/stencil/pkg/templating"
	"github.com/joho/godotenv"
	"github.com/natefinch/atomic"
)

// ServerConfig holds the configuration for the API server and its database.
type ServerConfig struct {
	ApiAddr            string   `json:"api_addr"`
	LogLevel           string   `json:"log_level"`
	TrustedProxies     []string `json:"trusted_proxies"`
	DatabasePath       string   `json:"database_path"`
	MaxBodyBytes       int64    `json:"max_body_bytes"`
	ShutdownTimeoutSec int      `json:"shutdown_timeout_sec"`
	WatchTemplates     bool     `json:"watch_templates"`
	WatchDebounceMs    int      `json:"watch_debounce_ms"`
}

// Config is the top-level configuration struct that aggregates all other configs.
type Config struct {
	Server    *ServerConfig      `json:"server_config"`
	Templates *templating.Config `json:"template_config"`
}

// DefaultServerConfig creates a server configuration with default values.
// An empty DatabasePath disables the catalog and API key storage.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ApiAddr:            ":7280",
		LogLevel:           "info",
		TrustedProxies:     []string{},
		DatabasePath:       "./data/stencil.db",
		MaxBodyBytes:       2 << 20,
		ShutdownTimeoutSec: 10,
		WatchTemplates:     false,
		WatchDebounceMs:    250,
	}
}

// DefaultConfig returns the full default configuration.
func DefaultConfig() *Config {
	tmpl := templating.DefaultConfig()
	return &Config{
		Server:    DefaultServerConfig(),
		Templates: &tmpl,
	}
}

// loadDotEnv reads a .env file from the working directory if one exists, so
// TEMPLATE_LIBRARY_PATH and LOG_LEVEL can be set there.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load .env file: %w", err)
	}
	return nil
}

// LoadConfig reads the configuration from a JSON file at the given path.
// If the file doesn't exist, it creates one with default values.
// LOG_LEVEL from the environment overrides the configured level.
func LoadConfig(path string) (*Config, error) {
	return readConfig(path, true)
}

// ReadConfig is LoadConfig without the side effect: a missing file yields the
// defaults and nothing is written.
func ReadConfig(path string) (*Config, error) {
	return readConfig(path, false)
}

func readConfig(path string, writeDefault bool) (*Config, error) {
	config := DefaultConfig()

	file, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if !writeDefault {
			break
		}
		var data []byte
		data, err = json.MarshalIndent(config, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("failed to marshal default config: %w", err)
		}
		if err = atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
			// The defaults are still usable.
			fmt.Fprintf(os.Stderr, "warning: failed to write default config file: %v\n", err)
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err = json.Unmarshal(file, &config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if config.Server == nil {
		config.Server = DefaultServerConfig()
	}
	if config.Templates == nil {
		tmpl := templating.DefaultConfig()
		config.Templates = &tmpl
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Server.LogLevel = level
	}
	return config, nil
}

// parseLogLevel maps a configured level name onto slog, defaulting to info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ConfigManager handles thread-safe access to configuration and derived state (trusted proxies).
type ConfigManager struct {
	config       *Config
	mu           sync.RWMutex
	trustedCIDRs []*net.IPNet
	trustedIPs   []net.IP
	configPath   string
	logger       *slog.Logger
}

// NewConfigManager wraps an already loaded config. path is where Update persists it.
func NewConfigManager(config *Config, path string, logger *slog.Logger) *ConfigManager {
	cm := &ConfigManager{
		config:     config,
		configPath: path,
		logger:     logger,
	}
	cm.refreshCache()
	return cm
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	server := *cm.config.Server
	server.TrustedProxies = append([]string(nil), cm.config.Server.TrustedProxies...)
	tmpl := *cm.config.Templates
	return Config{Server: &server, Templates: &tmpl}
}

// Update replaces the configuration and saves it to disk. Trusted proxies
// apply immediately; everything else takes effect on the next restart.
func (cm *ConfigManager) Update(newConfig Config) error {
	if newConfig.Server == nil || newConfig.Templates == nil {
		return errors.New("server_config and template_config are required")
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	data, err := json.MarshalIndent(newConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err = atomic.WriteFile(cm.configPath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	*cm.config = newConfig
	cm.refreshCache()
	return nil
}

// IsTrusted checks if an IP is in the trusted proxies list using the cache.
func (cm *ConfigManager) IsTrusted(ipAddr string) bool {
	parsedIP := net.ParseIP(ipAddr)
	if parsedIP == nil {
		return false
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()

	for _, ipNet := range cm.trustedCIDRs {
		if ipNet.Contains(parsedIP) {
			return true
		}
	}
	for _, trustedIP := range cm.trustedIPs {
		if trustedIP.Equal(parsedIP) {
			return true
		}
	}
	return false
}

// refreshCache rebuilds the binary IP lists from the config strings.
func (cm *ConfigManager) refreshCache() {
	var cidrs []*net.IPNet
	var ips []net.IP

	for _, t := range cm.config.Server.TrustedProxies {
		if strings.Contains(t, "/") {
			_, ipNet, err := net.ParseCIDR(t)
			if err == nil {
				cidrs = append(cidrs, ipNet)
			} else {
				cm.logger.Warn("Failed to parse trusted proxy CIDR", "cidr", t, "error", err)
			}
		} else {
			ip := net.ParseIP(t)
			if ip != nil {
				ips = append(ips, ip)
			} else {
				cm.logger.Warn("Failed to parse trusted proxy IP", "ip", t)
			}
		}
	}
	cm.trustedCIDRs = cidrs
	cm.trustedIPs = ips
}
