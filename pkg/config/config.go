// Package config provides a reusable loader for Asinka client configuration
// files and environment variables. It is versioned so that embedding
// applications can depend on a stable API contract.
//
// Version: v0.1.0
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/asinka/asinka/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// defaultServicePrefix is prepended to generated service names, matching the
// "asinka-<human name>-<8 random hex chars>" convention from the discovery
// port contract.
const defaultServicePrefix = "asinka"

// FieldDescriptor describes one field of a Schema.
type FieldDescriptor struct {
	Name     string `mapstructure:"name" json:"name"`
	Kind     string `mapstructure:"kind" json:"kind"`
	Nullable bool   `mapstructure:"nullable" json:"nullable"`
}

// Schema is the wire-level, configuration-time description of an object
// schema exposed by this peer (§3 "Object schema").
type Schema struct {
	TypeName    string            `mapstructure:"type_name" json:"type_name"`
	Version     string            `mapstructure:"version" json:"version"`
	Fields      []FieldDescriptor `mapstructure:"fields" json:"fields"`
	Permissions []string          `mapstructure:"permissions" json:"permissions"`
}

// Transport groups the tunables §4.G requires the transport to expose.
type Transport struct {
	MaxMessageBytes  int           `mapstructure:"max_message_bytes" json:"max_message_bytes"`
	KeepAlivePeriod  time.Duration `mapstructure:"keepalive_period" json:"keepalive_period"`
	KeepAliveTimeout time.Duration `mapstructure:"keepalive_timeout" json:"keepalive_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout" json:"idle_timeout"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout" json:"drain_timeout"`
}

// Config is the unified configuration for an Asinka client (§4.I).
type Config struct {
	AppID          string            `mapstructure:"app_id" json:"app_id"`
	AppName        string            `mapstructure:"app_name" json:"app_name"`
	AppVersion     string            `mapstructure:"app_version" json:"app_version"`
	DeviceID       string            `mapstructure:"device_id" json:"device_id"`
	ServiceName    string            `mapstructure:"service_name" json:"service_name"`
	ServerPort     int               `mapstructure:"server_port" json:"server_port"`
	ExposedSchemas []Schema          `mapstructure:"exposed_schemas" json:"exposed_schemas"`
	Capabilities   map[string]string `mapstructure:"capabilities" json:"capabilities"`
	Transport      Transport         `mapstructure:"transport" json:"transport"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// Default returns a Config pre-populated with the defaults enumerated in
// §4.I: a fresh device id, "default-sync" service name, port 8888, and the
// transport tuning defaults from §4.G.
func Default(appID string) Config {
	var c Config
	c.AppID = appID
	c.DeviceID = utils.EnvOrDefault("ASINKA_DEVICE_ID", uuid.NewString())
	c.ServiceName = "default-sync"
	c.ServerPort = utils.EnvOrDefaultInt("ASINKA_SERVER_PORT", 8888)
	c.Capabilities = map[string]string{}
	c.Transport = Transport{
		MaxMessageBytes:  int(utils.EnvOrDefaultUint64("ASINKA_MAX_MESSAGE_BYTES", 4<<20)),
		KeepAlivePeriod:  30 * time.Second,
		KeepAliveTimeout: 10 * time.Second,
		IdleTimeout:      5 * time.Minute,
		DrainTimeout:     5 * time.Second,
	}
	c.Logging.Level = utils.EnvOrDefault("ASINKA_LOG_LEVEL", "info")
	return c
}

// Validate checks the invariants a constructed client relies on: a non-empty
// app id and a server port in 1..65535 (§7 ConfigError).
func (c Config) Validate() error {
	if c.AppID == "" {
		return fmt.Errorf("config: app_id is required")
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("config: server_port %d out of range", c.ServerPort)
	}
	return nil
}

// ServiceInstanceName returns the LAN service-discovery instance name this
// config advertises under, per §4.E's naming convention.
func (c Config) ServiceInstanceName(random8hex string) string {
	return fmt.Sprintf("%s-%s-%s", defaultServicePrefix, c.ServiceName, random8hex)
}

// Load reads configuration from the given file path (YAML) and merges
// environment-specific overrides (a file named after env, in the same
// directory as path) and automatic environment variables, the
// same way pkg/config.Load does for the rest of the pack: viper owns the
// merge, utils.Wrap supplies the error context.
func Load(path string, env string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		v.AddConfigPath(filepath.Dir(path))
		v.SetConfigName(env)
		if err := v.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = utils.EnvOrDefault("ASINKA_DEVICE_ID", uuid.NewString())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv loads configuration using the ASINKA_CONFIG and ASINKA_ENV
// environment variables, falling back to Default(appID) when no config file
// is set — useful for tests and minimal embeddings.
func LoadFromEnv(appID string) (*Config, error) {
	path := utils.EnvOrDefault("ASINKA_CONFIG", "")
	if path == "" {
		cfg := Default(appID)
		return &cfg, nil
	}
	return Load(path, utils.EnvOrDefault("ASINKA_ENV", ""))
}
