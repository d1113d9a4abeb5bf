package config

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/billease/data-sync/store"
	"github.com/billease/data-sync/store/postgres"
	"github.com/billease/data-sync/store/sqlite"
	"gopkg.in/yaml.v3"
)

type Certificate struct {
	Raw *x509.Certificate
}

func (c *Certificate) UnmarshalEnvironmentValue(data string) error {
	decodedData, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("could not decode base64-encoded certificate: %w", err)
	}

	block, _ := pem.Decode(decodedData)
	if block == nil {
		return errors.New("certificate is not PEM encoded")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return fmt.Errorf("could not parse certificate: %w", err)
	}

	c.Raw = cert
	return nil
}

func (c *Certificate) cert() *x509.Certificate {
	if c == nil {
		return nil
	}
	return c.Raw
}

type Config struct {
	Backend string `env:"DB_BACKEND,default=local"`

	SQLitePath           string       `env:"SQLITE_PATH"`
	LocalMigrationsPath  string       `env:"LOCAL_MIGRATIONS_PATH"`
	RemoteDatabaseURL    string       `env:"REMOTE_DATABASE_URL"`
	RemoteAnonKey        string       `env:"REMOTE_ANON_KEY"`
	RemoteServiceKey     string       `env:"REMOTE_SERVICE_KEY"`
	RemoteCACert         *Certificate `env:"REMOTE_CA_CERT"`
	RemoteMigrationsPath string       `env:"REMOTE_MIGRATIONS_PATH"`

	ProbeTable     string `env:"SYNC_PROBE_TABLE,default=companies"`
	SyncTables     string `env:"SYNC_TABLES"`
	SyncTablesFile string `env:"SYNC_TABLES_FILE"`
	SyncInterval   string `env:"SYNC_INTERVAL,default=5m"`
	QueueInterval  string `env:"SYNC_QUEUE_INTERVAL,default=1m"`

	GrpcListenAddress  string       `env:"GRPC_LISTEN_ADDRESS,default=0.0.0.0:8080"`
	HTTPListenAddress  string       `env:"HTTP_LISTEN_ADDRESS,default=0.0.0.0:8081"`
	AdminCACert        *Certificate `env:"ADMIN_CA_CERT"`
	CORSAllowedOrigins string       `env:"CORS_ALLOWED_ORIGINS,default=*"`
	LogLevel           string       `env:"LOG_LEVEL,default=info"`

	syncInterval  time.Duration
	queueInterval time.Duration
}

func NewConfig() (*Config, error) {
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return nil, err
	}
	if _, err := store.ParseBackend(config.Backend); err != nil {
		return nil, fmt.Errorf("invalid DB_BACKEND: %w", err)
	}
	var err error
	if config.syncInterval, err = parseInterval(config.SyncInterval); err != nil {
		return nil, fmt.Errorf("invalid SYNC_INTERVAL: %w", err)
	}
	if config.queueInterval, err = parseInterval(config.QueueInterval); err != nil {
		return nil, fmt.Errorf("invalid SYNC_QUEUE_INTERVAL: %w", err)
	}
	return &config, nil
}

func parseInterval(s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive, got %s", s)
	}
	return d, nil
}

// Intervals returns the full sync period and the queue drain period.
func (c *Config) Intervals() (time.Duration, time.Duration) {
	return c.syncInterval, c.queueInterval
}

func (c *Config) StoreBackend() store.Backend {
	b, _ := store.ParseBackend(c.Backend)
	return b
}

type tablesFile struct {
	Tables []string `yaml:"tables"`
}

// Tables returns the tables to sync in dependency order. SYNC_TABLES_FILE
// takes precedence over SYNC_TABLES.
func (c *Config) Tables() ([]string, error) {
	if c.SyncTablesFile != "" {
		data, err := os.ReadFile(c.SyncTablesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read tables file: %w", err)
		}
		var f tablesFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("failed to parse tables file %s: %w", c.SyncTablesFile, err)
		}
		return validTables(f.Tables)
	}
	var tables []string
	for _, t := range strings.Split(c.SyncTables, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tables = append(tables, t)
		}
	}
	return validTables(tables)
}

func validTables(tables []string) ([]string, error) {
	for _, t := range tables {
		if !store.ValidIdent(t) {
			return nil, fmt.Errorf("invalid table name %q", t)
		}
	}
	return tables, nil
}

func migrations(path string) fs.FS {
	if path == "" {
		return nil
	}
	return os.DirFS(path)
}

func (c *Config) RemoteStore() postgres.Config {
	return postgres.Config{
		URL:        c.RemoteDatabaseURL,
		AnonKey:    c.RemoteAnonKey,
		ServiceKey: c.RemoteServiceKey,
		ProbeTable: c.ProbeTable,
		CACert:     c.RemoteCACert.cert(),
		Migrations: migrations(c.RemoteMigrationsPath),
	}
}

func (c *Config) LocalStore() sqlite.Config {
	path := c.SQLitePath
	if path == "" {
		path = sqlite.DefaultPath()
	}
	return sqlite.Config{
		Path:       path,
		Migrations: migrations(c.LocalMigrationsPath),
	}
}

func (c *Config) AdminCA() *x509.Certificate {
	return c.AdminCACert.cert()
}

func (c *Config) AllowedOrigins() []string {
	var origins []string
	for _, o := range strings.Split(c.CORSAllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}
