package config

import "time"

// Config represents the complete checkfarmd configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	API     APIConfig     `yaml:"api,omitempty"`
	History HistoryConfig `yaml:"history"`
}

// ServiceConfig defines core master settings.
type ServiceConfig struct {
	Name             string        `yaml:"name"`
	Listen           string        `yaml:"listen"`
	TickInterval     time.Duration `yaml:"tick_interval"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	PIDFile          string        `yaml:"pid_file"`
}

// APIConfig defines HTTP status API settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// HistoryConfig defines the completed-job audit trail settings.
type HistoryConfig struct {
	Path      string        `yaml:"path"`
	Retention time.Duration `yaml:"retention"`
}

// ChecksumManifest is the parsed .checksums file.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:             "checkfarmd",
			Listen:           "127.0.0.1:7557",
			TickInterval:     time.Second,
			HandshakeTimeout: 10 * time.Second,
			LogLevel:         "info",
			LogFormat:        "json",
			PIDFile:          "./data/checkfarmd.pid",
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:7558",
		},
		History: HistoryConfig{
			Path:      "./data/history.db",
			Retention: 30 * 24 * time.Hour,
		},
	}
}
