package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/localrivet/dbshift/internal/catalog"
	"github.com/localrivet/dbshift/internal/dump"
	"github.com/localrivet/dbshift/internal/load"
	"github.com/localrivet/dbshift/pkg/codec"
	"github.com/localrivet/dbshift/pkg/database"
	"github.com/localrivet/dbshift/pkg/dialect"
)

type Config struct {
	Source     DatabaseConfig   `yaml:"source"`
	Target     DatabaseConfig   `yaml:"target"`
	Tables     []TableConfig    `yaml:"tables"`
	Dump       DumpConfig       `yaml:"dump"`
	Load       LoadConfig       `yaml:"load"`
	Schedule   string           `yaml:"schedule"`
	Storage    StorageConfig    `yaml:"storage"`
	Retention  RetentionConfig  `yaml:"retention"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
}

type SnapshotConfig struct {
	VerifyAfterDump bool   `yaml:"verify_after_dump"` // Re-read published files and compare checksums
	VerifyChecksum  bool   `yaml:"verify_checksum"`   // Verify chunk checksums before loading
	WorkDir         string `yaml:"work_dir"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"`
	Driver   string `yaml:"driver"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	URL      string `yaml:"url"`
	Path     string `yaml:"path"`
	MaxConns int    `yaml:"max_conns"`
}

// Configured reports whether enough of the section is set to open a connection.
func (d *DatabaseConfig) Configured() bool {
	return d.URL != "" || d.Name != "" || d.Path != ""
}

func (d *DatabaseConfig) DriverConfig(readOnly bool) database.Config {
	return database.Config{
		Type:     d.Type,
		Driver:   d.Driver,
		Host:     d.Host,
		Port:     d.Port,
		Name:     d.Name,
		User:     d.User,
		Password: d.Password,
		URL:      d.URL,
		Path:     d.Path,
		ReadOnly: readOnly,
		MaxConns: d.MaxConns,
	}
}

func (d *DatabaseConfig) IsSQLite() bool {
	t := strings.ToLower(d.Type)
	return t == "sqlite" || t == "sqlite3"
}

func (d *DatabaseConfig) validate(section string) error {
	switch strings.ToLower(d.Type) {
	case "", "postgres", "postgresql", "pg", "mysql", "mariadb", "sqlserver", "mssql":
		if d.URL == "" && d.Name == "" {
			return fmt.Errorf("%s: database name or URL is required", section)
		}
	case "sqlite", "sqlite3":
		if d.Path == "" && d.Name == "" {
			return fmt.Errorf("%s: database path is required for SQLite", section)
		}
	default:
		return fmt.Errorf("%s: unsupported database type: %s (supported: postgres, mysql, sqlserver, sqlite)", section, d.Type)
	}
	if d.MaxConns < 0 {
		return fmt.Errorf("%s: max_conns must not be negative", section)
	}
	return nil
}

// TableConfig selects one table. Query replaces the default full-table
// select; Target renames the table on load.
type TableConfig struct {
	Name   string   `yaml:"name"`
	Query  string   `yaml:"query"`
	Policy string   `yaml:"policy"`
	Keys   []string `yaml:"keys"`
	Target string   `yaml:"target"`
}

type DumpConfig struct {
	Format         string `yaml:"format"`
	Compression    string `yaml:"compression"`
	ChunkRows      int64  `yaml:"chunk_rows"`
	ChunkBytes     int64  `yaml:"chunk_bytes"`
	Workers        int    `yaml:"workers"`
	Delimiter      string `yaml:"delimiter"`
	Quote          string `yaml:"quote"`
	Escape         string `yaml:"escape"`
	LineSeparator  string `yaml:"line_separator"`
	BinaryEncoding string `yaml:"binary_encoding"`
}

func firstRune(s string) rune {
	if s == "" {
		return 0
	}
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

func (d *DumpConfig) CodecOptions() codec.Options {
	return codec.Options{
		Delimiter:      firstRune(d.Delimiter),
		Quote:          firstRune(d.Quote),
		Escape:         firstRune(d.Escape),
		LineSeparator:  d.LineSeparator,
		BinaryEncoding: d.BinaryEncoding,
	}
}

type LoadConfig struct {
	Policy    string `yaml:"policy"`
	BatchSize int    `yaml:"batch_size"`
	Workers   int    `yaml:"workers"`
	DryRun    bool   `yaml:"dry_run"`
}

type StorageConfig struct {
	Backend string   `yaml:"backend"`
	Path    string   `yaml:"path"`
	S3      S3Config `yaml:"s3"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type RetentionConfig struct {
	Daily      int `yaml:"daily"`
	Weekly     int `yaml:"weekly"`
	Monthly    int `yaml:"monthly"`
	MaxAgeDays int `yaml:"max_age_days"`
}

type MonitoringConfig struct {
	MetricsPort     int    `yaml:"metrics_port"`
	WebhookURL      string `yaml:"webhook_url"`
	AlertAfterHours int    `yaml:"alert_after_hours"`
	HealthPort      int    `yaml:"health_port"`
	MCPEnabled      bool   `yaml:"mcp_enabled"`
	// BaseURL is the externally visible origin of the health server,
	// advertised in MCP discovery documents.
	BaseURL string `yaml:"base_url"`
}

func Load(configPath string) (*Config, error) {
	cfg := &Config{
		Source: DatabaseConfig{
			Type: "postgres",
			Host: "localhost",
		},
		Target: DatabaseConfig{
			Host: "localhost",
		},
		Dump: DumpConfig{
			Format:      dump.DefaultFormat,
			Compression: catalog.CompressionZstd,
			ChunkRows:   dump.DefaultChunkRows,
			Workers:     4,
		},
		Load: LoadConfig{
			Policy:    string(dialect.Insert),
			BatchSize: load.DefaultBatchSize,
			Workers:   4,
		},
		Schedule: "0 2 * * *",
		Storage: StorageConfig{
			Backend: "local",
			Path:    "/snapshots",
		},
		Retention: RetentionConfig{
			Daily:      7,
			Weekly:     4,
			Monthly:    6,
			MaxAgeDays: 90,
		},
		Monitoring: MonitoringConfig{
			MetricsPort:     9090,
			HealthPort:      8080,
			AlertAfterHours: 26,
		},
	}

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, err
		}
	}

	cfg.loadFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = strings.ToLower(v) == "true"
	}
}

func (d *DatabaseConfig) loadFromEnv(prefix string) {
	envString(prefix+"_TYPE", &d.Type)
	envString(prefix+"_DRIVER", &d.Driver)
	envString(prefix+"_URL", &d.URL)
	envString(prefix+"_HOST", &d.Host)
	envInt(prefix+"_PORT", &d.Port)
	envString(prefix+"_NAME", &d.Name)
	envString(prefix+"_USER", &d.User)
	envString(prefix+"_PASSWORD", &d.Password)
	envString(prefix+"_PATH", &d.Path)
	envInt(prefix+"_MAX_CONNS", &d.MaxConns)
}

func (c *Config) loadFromEnv() {
	c.Source.loadFromEnv("DBSHIFT_SOURCE")
	c.Target.loadFromEnv("DBSHIFT_TARGET")

	if v := os.Getenv("DBSHIFT_TABLES"); v != "" {
		c.Tables = c.Tables[:0]
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.Tables = append(c.Tables, TableConfig{Name: name})
			}
		}
	}

	envString("DBSHIFT_FORMAT", &c.Dump.Format)
	envString("DBSHIFT_COMPRESSION", &c.Dump.Compression)
	envInt64("DBSHIFT_CHUNK_ROWS", &c.Dump.ChunkRows)
	envInt64("DBSHIFT_CHUNK_BYTES", &c.Dump.ChunkBytes)
	envInt("DBSHIFT_DUMP_WORKERS", &c.Dump.Workers)

	envString("DBSHIFT_LOAD_POLICY", &c.Load.Policy)
	envInt("DBSHIFT_BATCH_SIZE", &c.Load.BatchSize)
	envInt("DBSHIFT_LOAD_WORKERS", &c.Load.Workers)

	envString("DBSHIFT_SCHEDULE", &c.Schedule)

	envString("DBSHIFT_STORAGE_BACKEND", &c.Storage.Backend)
	envString("DBSHIFT_STORAGE_PATH", &c.Storage.Path)
	envString("DBSHIFT_S3_BUCKET", &c.Storage.S3.Bucket)
	envString("DBSHIFT_S3_ENDPOINT", &c.Storage.S3.Endpoint)
	envString("DBSHIFT_S3_REGION", &c.Storage.S3.Region)
	envString("DBSHIFT_S3_ACCESS_KEY", &c.Storage.S3.AccessKey)
	envString("DBSHIFT_S3_SECRET_KEY", &c.Storage.S3.SecretKey)
	envBool("DBSHIFT_S3_USE_SSL", &c.Storage.S3.UseSSL)

	envInt("DBSHIFT_KEEP_DAILY", &c.Retention.Daily)
	envInt("DBSHIFT_KEEP_WEEKLY", &c.Retention.Weekly)
	envInt("DBSHIFT_KEEP_MONTHLY", &c.Retention.Monthly)
	envInt("DBSHIFT_MAX_AGE_DAYS", &c.Retention.MaxAgeDays)

	envInt("DBSHIFT_METRICS_PORT", &c.Monitoring.MetricsPort)
	envInt("DBSHIFT_HEALTH_PORT", &c.Monitoring.HealthPort)
	envString("DBSHIFT_WEBHOOK_URL", &c.Monitoring.WebhookURL)
	envInt("DBSHIFT_ALERT_AFTER_HOURS", &c.Monitoring.AlertAfterHours)
	envBool("DBSHIFT_MCP_ENABLED", &c.Monitoring.MCPEnabled)
	envString("DBSHIFT_BASE_URL", &c.Monitoring.BaseURL)

	envBool("DBSHIFT_VERIFY_AFTER_DUMP", &c.Snapshot.VerifyAfterDump)
	envBool("DBSHIFT_VERIFY_CHECKSUM", &c.Snapshot.VerifyChecksum)
	envString("DBSHIFT_WORK_DIR", &c.Snapshot.WorkDir)
}

func (c *Config) validate() error {
	if err := c.Source.validate("source"); err != nil {
		return err
	}
	// The target is optional for dump-only deployments.
	if c.Target.Configured() {
		if err := c.Target.validate("target"); err != nil {
			return err
		}
	}

	if _, err := cron.ParseStandard(c.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
	}

	if c.Storage.Backend != "local" && c.Storage.Backend != "s3" {
		return fmt.Errorf("storage backend must be 'local' or 's3'")
	}

	if c.Storage.Backend == "s3" {
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("S3 bucket is required when using S3 storage")
		}
		if c.Storage.S3.AccessKey == "" || c.Storage.S3.SecretKey == "" {
			return fmt.Errorf("S3 access key and secret key are required")
		}
	}

	if !catalog.ValidCompression(c.Dump.Compression) {
		return fmt.Errorf("compression must be 'gzip', 'zstd', or 'none'")
	}
	if _, err := codec.Default().Lookup(c.Dump.Format); err != nil {
		return fmt.Errorf("dump format: %w", err)
	}
	if c.Dump.ChunkRows < 0 || c.Dump.ChunkBytes < 0 {
		return fmt.Errorf("chunk thresholds must not be negative")
	}
	if _, err := codec.LookupBinaryEncoding(c.Dump.BinaryEncoding); err != nil {
		return err
	}

	if _, err := dialect.ParsePolicy(c.Load.Policy); err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	seen := make(map[string]bool, len(c.Tables))
	for _, t := range c.Tables {
		if t.Name == "" {
			return fmt.Errorf("table entry without a name")
		}
		if seen[t.Name] {
			return fmt.Errorf("table %s listed twice", t.Name)
		}
		seen[t.Name] = true
		if _, err := dialect.ParsePolicy(t.Policy); err != nil {
			return fmt.Errorf("table %s: %w", t.Name, err)
		}
	}

	return nil
}

func (c *Config) AlertDuration() time.Duration {
	return time.Duration(c.Monitoring.AlertAfterHours) * time.Hour
}

// DumpOptions builds engine options from the dump section.
func (c *Config) DumpOptions() dump.Options {
	return dump.Options{
		Format:      c.Dump.Format,
		Codec:       c.Dump.CodecOptions(),
		Compression: c.Dump.Compression,
		ChunkRows:   c.Dump.ChunkRows,
		ChunkBytes:  c.Dump.ChunkBytes,
		Workers:     c.Dump.Workers,
	}
}

// DumpTables lists the configured tables; nil means every table the source reports.
func (c *Config) DumpTables() []dump.Table {
	if len(c.Tables) == 0 {
		return nil
	}
	out := make([]dump.Table, 0, len(c.Tables))
	for _, t := range c.Tables {
		out = append(out, dump.Table{Name: t.Name, Query: t.Query})
	}
	return out
}

// LoadOptions builds engine options from the load and tables sections.
// Policies were checked by validate.
func (c *Config) LoadOptions() load.Options {
	policy, _ := dialect.ParsePolicy(c.Load.Policy)
	opts := load.Options{
		Policy:    policy,
		Policies:  make(map[string]dialect.ConflictPolicy),
		Keys:      make(map[string][]string),
		Rename:    make(map[string]string),
		BatchSize: c.Load.BatchSize,
		Workers:   c.Load.Workers,
		DryRun:    c.Load.DryRun,
	}
	for _, t := range c.Tables {
		if t.Policy != "" {
			p, _ := dialect.ParsePolicy(t.Policy)
			opts.Policies[t.Name] = p
		}
		if len(t.Keys) > 0 {
			opts.Keys[t.Name] = t.Keys
		}
		if t.Target != "" {
			opts.Rename[t.Name] = t.Target
		}
	}
	return opts
}
