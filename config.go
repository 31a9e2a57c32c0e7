package auditlog

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Environment variables overriding secrets in the configuration file.
const (
	EnvKeyStorePassword = "AUDIT_KEYSTORE_PASSWORD"
	EnvSQLDSN           = "AUDIT_SQL_DSN"
	EnvHTTPToken        = "AUDIT_HTTP_TOKEN"
	EnvCollectorToken   = "AUDIT_COLLECTOR_TOKEN"
)

// Config is the audit service configuration. A nil section disables its
// handler.
type Config struct {
	LogLevel  string          `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	Buffering PublisherConfig `yaml:"buffering"`
	CSV       *CSVConfig      `yaml:"csv,omitempty"`
	SQL       *SQLConfig      `yaml:"sql,omitempty"`
	HTTP      *HTTPConfig     `yaml:"http,omitempty"`
	Syslog    *SyslogConfig   `yaml:"syslog,omitempty"`
}

// DefaultConfig returns a configuration with defaults and no handlers.
func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		Buffering: DefaultPublisherConfig(),
	}
}

// LoadConfig reads path over the defaults, applies environment overrides
// and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func (c Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFileAtomic(path, data, 0o600)
}

// ApplyEnv overrides secrets from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvKeyStorePassword); ok && c.CSV != nil {
		c.CSV.Security.Password = v
	}
	if v, ok := lookup(EnvSQLDSN); ok && c.SQL != nil {
		c.SQL.DSN = v
	}
	if v, ok := lookup(EnvHTTPToken); ok && c.HTTP != nil {
		c.HTTP.Token = v
	}
}

// Validate checks field constraints and that at least one handler is set.
func (c Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]error, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %w", errors.Join(msgs...))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.CSV == nil && c.SQL == nil && c.HTTP == nil && c.Syslog == nil {
		return errors.New("invalid config: no handler configured")
	}
	return nil
}

// NewLogger builds a zap logger at level.
func NewLogger(level string, development bool) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.Set(level); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
