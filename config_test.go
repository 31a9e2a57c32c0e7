package auditlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
log_level: debug
buffering:
  capacity: 500
  max_batched_events: 20
  workers: 4
  write_interval: 100ms
  shutdown_timeout: 3s
csv:
  dir: /var/lib/audit
  delimiter: ";"
  topics:
    login: [user, result]
  security:
    enabled: true
    keystore: /etc/audit/main.keystore
    password: from-file
    algorithm: ed25519
    signature_every: 10
sql:
  driver: postgres
  dsn: postgres://localhost/audit
  tables:
    login:
      table: logins
      columns:
        user: user_name
syslog:
  address: syslog.internal:6514
  facility: auth
  mode: async
  severity:
    login:
      field: result
      values:
        fail: warning
      default: info
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "auditlog.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	t.Setenv(EnvKeyStorePassword, "from-env")
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 500, cfg.Buffering.Capacity)
	assert.Equal(t, 100*time.Millisecond, cfg.Buffering.WriteInterval)
	assert.Equal(t, 3*time.Second, cfg.Buffering.ShutdownTimeout)
	// unset keys keep their defaults
	assert.True(t, cfg.Buffering.AutoFlush)
	assert.Equal(t, DefaultPublisherConfig().MaxRetries, cfg.Buffering.MaxRetries)

	require.NotNil(t, cfg.CSV)
	assert.Equal(t, []string{"user", "result"}, cfg.CSV.Topics["login"])
	assert.Equal(t, "from-env", cfg.CSV.Security.Password)
	assert.Equal(t, 10, cfg.CSV.Security.SignatureEvery)

	require.NotNil(t, cfg.SQL)
	assert.Equal(t, "user_name", cfg.SQL.Tables["login"].Columns["user"])
	require.NotNil(t, cfg.Syslog)
	assert.Equal(t, "warning", cfg.Syslog.Severity["login"].Values["fail"])
	assert.Nil(t, cfg.HTTP)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "csv: [unbalanced"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "log_level: info\n"))
	assert.ErrorContains(t, err, "no handler configured")
}

func TestConfig_ApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SQL = &SQLConfig{Driver: DriverPostgres, DSN: "old"}
	cfg.HTTP = &HTTPConfig{URL: "http://collector"}
	env := map[string]string{
		EnvKeyStorePassword: "ignored without csv",
		EnvSQLDSN:           "postgres://db/audit",
		EnvHTTPToken:        "t0ken",
	}
	cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})
	assert.Nil(t, cfg.CSV)
	assert.Equal(t, "postgres://db/audit", cfg.SQL.DSN)
	assert.Equal(t, "t0ken", cfg.HTTP.Token)
}

func TestConfig_Validate(t *testing.T) {
	valid := func() Config {
		cfg := DefaultConfig()
		cfg.CSV = &CSVConfig{Dir: "audit"}
		return cfg
	}
	require.NoError(t, valid().Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.LogLevel = "verbose" }, "LogLevel"},
		{"capacity", func(c *Config) { c.Buffering.Capacity = 0 }, "Capacity"},
		{"csv dir", func(c *Config) { c.CSV.Dir = "" }, "Dir"},
		{"keystore", func(c *Config) { c.CSV.Security.Enabled = true }, "KeyStore"},
		{"algorithm", func(c *Config) { c.CSV.Security.Algorithm = "dsa" }, "Algorithm"},
		{"sql driver", func(c *Config) { c.SQL = &SQLConfig{Driver: "mysql", DSN: "x"} }, "Driver"},
		{"http url", func(c *Config) { c.HTTP = &HTTPConfig{URL: "not a url"} }, "URL"},
		{"syslog mode", func(c *Config) { c.Syslog = &SyslogConfig{Address: "h:514", Mode: "lazy"} }, "Mode"},
		{"no handler", func(c *Config) { c.CSV = nil }, "no handler configured"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestConfig_SaveRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CSV = &CSVConfig{Dir: "audit", Topics: map[string][]string{"login": {"user"}}}
	cfg.Buffering.WriteInterval = 750 * time.Millisecond

	path := filepath.Join(t.TempDir(), "auditlog.yaml")
	require.NoError(t, cfg.Save(path))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("warn", false)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(-1))
	assert.True(t, l.Core().Enabled(1))

	_, err = NewLogger("loud", true)
	assert.Error(t, err)
}
