// Package config loads and validates the TillSync configuration. YAML is the
// primary format; files ending in .toml are decoded as TOML.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Pull modes accepted in a collection entry.
const (
	PullFull        = "full"
	PullIncremental = "incremental"
	PullNone        = "none"
)

// Config holds the full application configuration.
type Config struct {
	// ProjectID is the Google Cloud project that owns the Firestore database.
	ProjectID string `yaml:"project_id" toml:"project_id"`

	// Database is the Firestore database id. Defaults to "(default)".
	Database string `yaml:"database,omitempty" toml:"database"`

	// CredentialsFile points at a service-account JSON key. When empty,
	// Application Default Credentials are used.
	CredentialsFile string `yaml:"credentials_file,omitempty" toml:"credentials_file"`

	// EmulatorHost is the host:port of a local Firestore emulator. Overrides
	// the FIRESTORE_EMULATOR_HOST environment variable.
	EmulatorHost string `yaml:"emulator_host,omitempty" toml:"emulator_host"`

	// DBPath is the local SQLite file. Defaults to ~/.local/share/tillsync/state.db.
	DBPath string `yaml:"db_path,omitempty" toml:"db_path"`

	// SyncInterval controls how often an idle, online terminal syncs.
	// Minimum 5s, maximum 10m. Defaults to 30s if unset.
	SyncInterval time.Duration `yaml:"sync_interval" toml:"sync_interval"`

	// BatchSize is the number of outbox entries read per round trip (1–500).
	BatchSize int `yaml:"batch_size,omitempty" toml:"batch_size"`

	// MaxAttempts is the number of rejected deliveries after which an outbox
	// entry is dead-lettered.
	MaxAttempts int `yaml:"max_attempts,omitempty" toml:"max_attempts"`

	// OpTimeout bounds every remote call.
	OpTimeout time.Duration `yaml:"op_timeout,omitempty" toml:"op_timeout"`

	// RequestsPerSecond caps outbox writes sent to Firestore.
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty" toml:"requests_per_second"`

	// ProbeInterval controls how often Firestore reachability is probed.
	ProbeInterval time.Duration `yaml:"probe_interval,omitempty" toml:"probe_interval"`

	// ProbeThreshold is the number of agreeing probes needed to flip the
	// online state.
	ProbeThreshold int `yaml:"probe_threshold,omitempty" toml:"probe_threshold"`

	// Collections lists the tracked collections and how each is pulled.
	Collections []Collection `yaml:"collections,omitempty" toml:"collections"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty" toml:"telemetry"`
}

// Collection is one tracked Firestore collection.
type Collection struct {
	Name string `yaml:"name" toml:"name"`
	// Pull is one of "full", "incremental" or "none". Defaults to "full".
	Pull string `yaml:"pull,omitempty" toml:"pull"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure" toml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "tillsync".
	ServiceName string `yaml:"service_name" toml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request. Equivalent to the OTEL_EXPORTER_OTLP_HEADERS environment
	// variable. Use this for authentication tokens, e.g.:
	//   Authorization: "Bearer <token>"
	Headers map[string]string `yaml:"headers,omitempty" toml:"headers"`
}

// DefaultCollections is used when the config names none: catalogue and
// customer data are pulled in full, receipts are push-only.
func DefaultCollections() []Collection {
	return []Collection{
		{Name: "products", Pull: PullFull},
		{Name: "categories", Pull: PullFull},
		{Name: "customers", Pull: PullFull},
		{Name: "shifts", Pull: PullFull},
		{Name: "receipts", Pull: PullNone},
	}
}

// DefaultPath returns the default config file path: ~/.config/tillsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "tillsync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, fmt.Errorf("parsing config file %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parsing config file %q: unknown key %q", path, undecoded[0].String())
		}
	} else {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true) // reject unknown keys to catch typos early
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %q: %w", path, err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write validates c and stores it as YAML at path, creating parent
// directories as needed. The file is readable by the owner only since it may
// reference credentials.
func (c *Config) Write(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// validate checks that all required fields are present and well-formed, and
// fills in defaults.
func (c *Config) validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("project_id is required")
	}
	if c.Database == "" {
		c.Database = "(default)"
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = 30 * time.Second
	}
	if c.SyncInterval < 5*time.Second {
		return fmt.Errorf("sync_interval %v is too short (minimum 5s)", c.SyncInterval)
	}
	if c.SyncInterval > 10*time.Minute {
		return fmt.Errorf("sync_interval %v is too long (maximum 10m)", c.SyncInterval)
	}

	if c.BatchSize == 0 {
		c.BatchSize = 10
	}
	if c.BatchSize < 1 || c.BatchSize > 500 {
		return fmt.Errorf("batch_size %d must be between 1 and 500", c.BatchSize)
	}

	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts %d must be positive", c.MaxAttempts)
	}

	if c.OpTimeout == 0 {
		c.OpTimeout = 15 * time.Second
	}
	if c.OpTimeout < time.Second {
		return fmt.Errorf("op_timeout %v is too short (minimum 1s)", c.OpTimeout)
	}

	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = 10
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second %v must not be negative", c.RequestsPerSecond)
	}

	if c.ProbeInterval == 0 {
		c.ProbeInterval = 10 * time.Second
	}
	if c.ProbeInterval < time.Second {
		return fmt.Errorf("probe_interval %v is too short (minimum 1s)", c.ProbeInterval)
	}
	if c.ProbeThreshold == 0 {
		c.ProbeThreshold = 2
	}
	if c.ProbeThreshold < 1 {
		return fmt.Errorf("probe_threshold %d must be positive", c.ProbeThreshold)
	}

	if len(c.Collections) == 0 {
		c.Collections = DefaultCollections()
	}
	seen := make(map[string]bool, len(c.Collections))
	for i := range c.Collections {
		col := &c.Collections[i]
		if col.Name == "" {
			return fmt.Errorf("collections[%d] has an empty name", i)
		}
		if strings.Contains(col.Name, "/") {
			return fmt.Errorf("collection %q must not contain '/'", col.Name)
		}
		if seen[col.Name] {
			return fmt.Errorf("collection %q is listed twice", col.Name)
		}
		seen[col.Name] = true

		switch col.Pull {
		case "":
			col.Pull = PullFull
		case PullFull, PullIncremental, PullNone:
		default:
			return fmt.Errorf("collection %q has unknown pull mode %q (want full, incremental or none)", col.Name, col.Pull)
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
