// Package config loads the chaincode process configuration from YAML,
// with environment overrides for the variables a Fabric peer sets on
// external chaincode.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ChaincodeConfig identifies the chaincode to the peer
type ChaincodeConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// TLSConfig holds the chaincode server TLS material
type TLSConfig struct {
	Disabled         bool   `yaml:"disabled"`
	KeyFile          string `yaml:"key_file"`
	CertFile         string `yaml:"cert_file"`
	ClientCACertFile string `yaml:"client_ca_cert_file"`
}

// KeepaliveConfig holds gRPC server keepalive parameters
type KeepaliveConfig struct {
	Time    time.Duration `yaml:"time"`
	Timeout time.Duration `yaml:"timeout"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration of the chaincode process
type Config struct {
	Chaincode ChaincodeConfig `yaml:"chaincode"`
	TLS       TLSConfig       `yaml:"tls"`
	Keepalive KeepaliveConfig `yaml:"keepalive"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Environment variables that override the file.
const (
	EnvConfigPath     = "SMARTRENT_CONFIG"
	EnvChaincodeID    = "CHAINCODE_ID"
	EnvServerAddress  = "CHAINCODE_SERVER_ADDRESS"
	EnvTLSDisabled    = "CHAINCODE_TLS_DISABLED"
	EnvTLSKey         = "CHAINCODE_TLS_KEY"
	EnvTLSCert        = "CHAINCODE_TLS_CERT"
	EnvClientCACert   = "CHAINCODE_CLIENT_CA_CERT"
	EnvMetricsEnabled = "SMARTRENT_METRICS_ENABLED"
	EnvMetricsAddress = "SMARTRENT_METRICS_ADDRESS"
	EnvLogLevel       = "SMARTRENT_LOG_LEVEL"
	EnvLogFormat      = "SMARTRENT_LOG_FORMAT"
)

// LookupFunc reads one environment variable.
type LookupFunc func(key string) (string, bool)

// Load reads the config file at filePath, applies environment overrides
// and defaults, and validates the result. An empty filePath starts from
// an empty file.
func Load(filePath string) (*Config, error) {
	return load(filePath, os.LookupEnv)
}

func load(filePath string, lookup LookupFunc) (*Config, error) {
	var cfg Config
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return nil, err
	}
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config, lookup LookupFunc) error {
	strs := map[string]*string{
		EnvChaincodeID:    &cfg.Chaincode.ID,
		EnvServerAddress:  &cfg.Chaincode.Address,
		EnvTLSKey:         &cfg.TLS.KeyFile,
		EnvTLSCert:        &cfg.TLS.CertFile,
		EnvClientCACert:   &cfg.TLS.ClientCACertFile,
		EnvMetricsAddress: &cfg.Metrics.Address,
		EnvLogLevel:       &cfg.Logging.Level,
		EnvLogFormat:      &cfg.Logging.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	bools := map[string]*bool{
		EnvTLSDisabled:    &cfg.TLS.Disabled,
		EnvMetricsEnabled: &cfg.Metrics.Enabled,
	}
	for key, dst := range bools {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s must be a boolean, got %q", key, v)
		}
		*dst = b
	}
	return nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Chaincode.Address == "" {
		cfg.Chaincode.Address = "0.0.0.0:9999"
	}
	if cfg.Keepalive.Time == 0 {
		cfg.Keepalive.Time = time.Minute
	}
	if cfg.Keepalive.Timeout == 0 {
		cfg.Keepalive.Timeout = 20 * time.Second
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "0.0.0.0:9102"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the settings every mode depends on
func (c *Config) Validate() error {
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console")
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with '/'")
	}
	if c.Keepalive.Time < 0 || c.Keepalive.Timeout < 0 {
		return fmt.Errorf("keepalive durations cannot be negative")
	}
	return nil
}

// ValidateServer checks the settings needed to run as a chaincode
// server rather than under the peer.
func (c *Config) ValidateServer() error {
	if c.Chaincode.ID == "" {
		return fmt.Errorf("chaincode.id is required (or set %s)", EnvChaincodeID)
	}
	if c.Chaincode.Address == "" {
		return fmt.Errorf("chaincode.address is required")
	}
	if !c.TLS.Disabled && (c.TLS.KeyFile == "" || c.TLS.CertFile == "") {
		return fmt.Errorf("tls.key_file and tls.cert_file are required unless tls.disabled is set")
	}
	return nil
}
