package tidemark

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines client configuration.
type Config struct {
	// Path is the file path for the local SQLite database. Required.
	Path string `yaml:"path"`

	// Store holds durable-store settings.
	Store StoreConfig `yaml:"store"`

	// Monitor configures the network condition monitor.
	Monitor MonitorConfig `yaml:"monitor"`

	// Outbox configures the outbound write queue.
	Outbox OutboxConfig `yaml:"outbox"`

	// Fetch configures delta fetching.
	Fetch FetchConfig `yaml:"fetch"`

	// Realtime configures the push-event merger.
	Realtime RealtimeConfig `yaml:"realtime"`

	// Cache configures TTL staleness and eviction.
	Cache CacheConfig `yaml:"cache"`

	// Encryption configures payload encryption at rest.
	// If nil or Enabled is false, payloads are stored unencrypted.
	Encryption *EncryptionConfig `yaml:"encryption,omitempty"`

	// Media configures the media blob uploader for reference-to-media
	// payloads. If nil, media payloads without a URL fail permanently.
	Media *MediaConfig `yaml:"media,omitempty"`

	// Collections lists the collections this client syncs.
	Collections []CollectionConfig `yaml:"collections"`
}

// StoreConfig groups SQLite settings.
type StoreConfig struct {
	// JournalMode sets the SQLite journal mode. Default: WAL.
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout is the lock acquisition timeout in milliseconds.
	// Default: 5000.
	BusyTimeout int `yaml:"busy_timeout"`

	// CompressPayloads snappy-compresses payload blobs at rest.
	CompressPayloads bool `yaml:"compress_payloads"`
}

// MonitorConfig configures connectivity probing.
type MonitorConfig struct {
	// ProbeURL is any lightweight reachable endpoint used for round-trip
	// estimation. Required for probing; empty disables the probe loop and
	// leaves the monitor driven by ReportReachable/ReportUnreachable.
	ProbeURL string `yaml:"probe_url"`

	// ProbeInterval is how often to probe while running. Default: 30s.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// ProbeTimeout bounds a single probe. Default: 5s.
	ProbeTimeout time.Duration `yaml:"probe_timeout"`

	// SettleWindow is how long to report reconnecting before online after
	// connectivity returns, to avoid sync storms on flaky links.
	// Default: 2s.
	SettleWindow time.Duration `yaml:"settle_window"`

	// SlowThreshold is the round-trip above which the link is classified
	// slow. Default: 500ms.
	SlowThreshold time.Duration `yaml:"slow_threshold"`

	// SubscriberBuffer is the per-subscriber queue size. On overflow the
	// oldest event is dropped, never the publisher blocked. Default: 16.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// OutboxConfig configures flush behavior.
type OutboxConfig struct {
	// MaxRetries is the attempt budget before an entry is surfaced as
	// permanently failed. Default: 5.
	MaxRetries int `yaml:"max_retries"`

	// InitialBackoff is the delay after the first failure. Default: 1s.
	InitialBackoff time.Duration `yaml:"initial_backoff"`

	// MaxBackoff caps the exponential backoff. Default: 16s.
	MaxBackoff time.Duration `yaml:"max_backoff"`

	// RequestTimeout bounds each remote call. Default: 30s.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// FetchConfig configures the delta fetch coordinator.
type FetchConfig struct {
	// MinInterval throttles repeat syncs of the same collection. A sync
	// inside the interval is a no-op unless the local collection is empty.
	// Default: 30s.
	MinInterval time.Duration `yaml:"min_interval"`

	// InitialPageSize bounds the first fetch of a collection with no
	// watermark yet. Default: 100.
	InitialPageSize int `yaml:"initial_page_size"`

	// RequestTimeout bounds each remote call. Default: 30s.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// RealtimeConfig configures the push-event merger.
type RealtimeConfig struct {
	// Enabled turns on the WebSocket subscription.
	Enabled bool `yaml:"enabled"`

	// ReconnectBackoff is the initial reconnect delay. Default: 1s.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// MaxReconnectBackoff caps the reconnect delay. Default: 30s.
	MaxReconnectBackoff time.Duration `yaml:"max_reconnect_backoff"`
}

// CacheConfig configures staleness and eviction.
type CacheConfig struct {
	// DefaultTTL applies to collections without an explicit TTL.
	// Default: 5m.
	DefaultTTL time.Duration `yaml:"default_ttl"`

	// MaxRecords is the global record cap; 0 disables size eviction.
	// Eviction removes least-recently-accessed collections' synced records
	// first and never touches records backing unflushed outbox entries.
	MaxRecords int64 `yaml:"max_records"`

	// SweepInterval is how often the eviction loop runs. Default: 1m.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// CollectionConfig declares a synced collection.
type CollectionConfig struct {
	Name string `yaml:"name"`

	// TTL overrides Cache.DefaultTTL for this collection. A live feed
	// typically carries a shorter TTL than a profile collection.
	TTL time.Duration `yaml:"ttl"`

	// Realtime subscribes this collection to push events.
	Realtime bool `yaml:"realtime"`
}

// MediaConfig configures S3-compatible media blob uploads.
type MediaConfig struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`
	KeyPrefix string `yaml:"key_prefix,omitempty"`
}

// DefaultConfig returns a configuration with sensible defaults for the
// given database path.
func DefaultConfig(path string) Config {
	return Config{
		Path: path,
		Store: StoreConfig{
			JournalMode: "WAL",
			BusyTimeout: 5000,
		},
		Monitor: MonitorConfig{
			ProbeInterval:    30 * time.Second,
			ProbeTimeout:     5 * time.Second,
			SettleWindow:     2 * time.Second,
			SlowThreshold:    500 * time.Millisecond,
			SubscriberBuffer: 16,
		},
		Outbox: OutboxConfig{
			MaxRetries:     5,
			InitialBackoff: time.Second,
			MaxBackoff:     16 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Fetch: FetchConfig{
			MinInterval:     30 * time.Second,
			InitialPageSize: 100,
			RequestTimeout:  30 * time.Second,
		},
		Realtime: RealtimeConfig{
			Enabled:             true,
			ReconnectBackoff:    time.Second,
			MaxReconnectBackoff: 30 * time.Second,
		},
		Cache: CacheConfig{
			DefaultTTL:    5 * time.Minute,
			SweepInterval: time.Minute,
		},
	}
}

// LoadConfig reads a YAML configuration file, layering it over defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig("")
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("config: path is required")
	}
	if c.Outbox.MaxRetries < 1 {
		return fmt.Errorf("config: outbox max_retries must be at least 1")
	}
	seen := make(map[string]bool, len(c.Collections))
	for _, col := range c.Collections {
		if col.Name == "" {
			return fmt.Errorf("config: collection with empty name")
		}
		if seen[col.Name] {
			return fmt.Errorf("config: duplicate collection %q", col.Name)
		}
		seen[col.Name] = true
	}
	return nil
}

// TTLFor returns the staleness TTL for a collection.
func (c *Config) TTLFor(collection string) time.Duration {
	for _, col := range c.Collections {
		if col.Name == collection && col.TTL > 0 {
			return col.TTL
		}
	}
	if c.Cache.DefaultTTL > 0 {
		return c.Cache.DefaultTTL
	}
	return 5 * time.Minute
}

// setDefaults fixes zero values after construction or YAML loading.
func (c *Config) setDefaults() {
	if c.Store.JournalMode == "" {
		c.Store.JournalMode = "WAL"
	}
	if c.Store.BusyTimeout <= 0 {
		c.Store.BusyTimeout = 5000
	}
	if c.Monitor.ProbeInterval <= 0 {
		c.Monitor.ProbeInterval = 30 * time.Second
	}
	if c.Monitor.ProbeTimeout <= 0 {
		c.Monitor.ProbeTimeout = 5 * time.Second
	}
	if c.Monitor.SettleWindow <= 0 {
		c.Monitor.SettleWindow = 2 * time.Second
	}
	if c.Monitor.SlowThreshold <= 0 {
		c.Monitor.SlowThreshold = 500 * time.Millisecond
	}
	if c.Monitor.SubscriberBuffer <= 0 {
		c.Monitor.SubscriberBuffer = 16
	}
	if c.Outbox.MaxRetries <= 0 {
		c.Outbox.MaxRetries = 5
	}
	if c.Outbox.InitialBackoff <= 0 {
		c.Outbox.InitialBackoff = time.Second
	}
	if c.Outbox.MaxBackoff <= 0 {
		c.Outbox.MaxBackoff = 16 * time.Second
	}
	if c.Outbox.RequestTimeout <= 0 {
		c.Outbox.RequestTimeout = 30 * time.Second
	}
	if c.Fetch.MinInterval <= 0 {
		c.Fetch.MinInterval = 30 * time.Second
	}
	if c.Fetch.InitialPageSize <= 0 {
		c.Fetch.InitialPageSize = 100
	}
	if c.Fetch.RequestTimeout <= 0 {
		c.Fetch.RequestTimeout = 30 * time.Second
	}
	if c.Realtime.ReconnectBackoff <= 0 {
		c.Realtime.ReconnectBackoff = time.Second
	}
	if c.Realtime.MaxReconnectBackoff <= 0 {
		c.Realtime.MaxReconnectBackoff = 30 * time.Second
	}
	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = 5 * time.Minute
	}
	if c.Cache.SweepInterval <= 0 {
		c.Cache.SweepInterval = time.Minute
	}
}
