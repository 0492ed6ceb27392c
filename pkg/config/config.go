// Package config loads odatadb settings from a YAML file, ODATADB_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X github.com/edgeflare/odatadb/pkg/config.Version=..."
var Version = "dev"

// EnvPrefix prefixes environment variables, e.g. ODATADB_DATABASE_CONNSTRING.
const EnvPrefix = "ODATADB"

// Config holds application-wide configuration
type Config struct {
	File     string         `mapstructure:"-"` // config file read, empty if none
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	OData    ODataConfig    `mapstructure:"odata"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ServerConfig struct {
	ListenAddr        string          `mapstructure:"listenAddr" validate:"required"`
	PublicURL         string          `mapstructure:"publicURL" validate:"omitempty,url"`
	ReadHeaderTimeout time.Duration   `mapstructure:"readHeaderTimeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration   `mapstructure:"shutdownTimeout" validate:"gt=0"`
	CORS              CORSConfig      `mapstructure:"cors"`
	BasicAuth         BasicAuthConfig `mapstructure:"basicAuth"`
	TLS               TLSConfig       `mapstructure:"tls"`
}

type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowedOrigins"`
	AllowCredentials bool     `mapstructure:"allowCredentials"`
}

type BasicAuthConfig struct {
	Enabled     bool              `mapstructure:"enabled"`
	Realm       string            `mapstructure:"realm"`
	Credentials map[string]string `mapstructure:"credentials"`
}

// TLSConfig enables HTTPS. A self-signed pair is written to CertFile and
// KeyFile when they do not exist.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"certFile" validate:"required_if=Enabled true"`
	KeyFile  string `mapstructure:"keyFile" validate:"required_if=Enabled true"`
}

type DatabaseConfig struct {
	ConnString     string        `mapstructure:"connString" validate:"required"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout" validate:"gt=0"`
	MaxRetries     uint64        `mapstructure:"maxRetries"`
}

type ODataConfig struct {
	BasePath      string `mapstructure:"basePath" validate:"required"`
	CommandPath   string `mapstructure:"commandPath" validate:"required,nefield=BasePath"`
	DefaultSchema string `mapstructure:"defaultSchema" validate:"required"`
	DefaultTop    int    `mapstructure:"defaultTop" validate:"gte=1"`
	MaxTop        int    `mapstructure:"maxTop" validate:"gte=0"`
	MaxBatchParts int    `mapstructure:"maxBatchParts" validate:"gte=1"`
	VerifySQL     bool   `mapstructure:"verifySQL"` // parse generated SQL and reject anything but one SELECT
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Path    string `mapstructure:"path" validate:"required_if=Enabled true"`
}

// defaults doubles as the list of keys viper resolves from the environment.
var defaults = map[string]any{
	"server.listenAddr":            ":8080",
	"server.publicURL":             "",
	"server.readHeaderTimeout":     "5s",
	"server.shutdownTimeout":       "10s",
	"server.cors.enabled":          true,
	"server.cors.allowedOrigins":   []string{"*"},
	"server.cors.allowCredentials": false,
	"server.basicAuth.enabled":     false,
	"server.basicAuth.realm":       "odatadb",
	"server.basicAuth.credentials": map[string]string{},
	"server.tls.enabled":           false,
	"server.tls.certFile":          "",
	"server.tls.keyFile":           "",
	"database.connString":          "",
	"database.connectTimeout":      "5s",
	"database.maxRetries":          5,
	"odata.basePath":               "/odata",
	"odata.commandPath":            "/sqlcommand",
	"odata.defaultSchema":          "public",
	"odata.defaultTop":             10,
	"odata.maxTop":                 1000,
	"odata.maxBatchParts":          100,
	"odata.verifySQL":              true,
	"metrics.enabled":              true,
	"metrics.addr":                 ":9100",
	"metrics.path":                 "/metrics",
}

var ErrInvalid = errors.New("invalid configuration")

// Load reads config from file, environment and the given flags. Flags are
// bound by name, so a flag named "database.connString" sets that key.
func Load(cfgFile string, flags ...*pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("odatadb")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, fs := range flags {
		if fs == nil {
			continue
		}
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the struct tags and reports every failing field.
func (c *Config) Validate() error {
	var msgs []string
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag()))
		}
	}
	if c.Server.BasicAuth.Enabled && len(c.Server.BasicAuth.Credentials) == 0 {
		msgs = append(msgs, "Server.BasicAuth.Credentials must not be empty when basic auth is enabled")
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}
