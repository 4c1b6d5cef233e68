package bifrost

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"

	"github.com/rafaeljc/bifrost/subsystems"
)

// Config holds the complete client configuration. The zero value is usable:
// every field has a working default applied by MakeClient. Fields tagged
// with envconfig can also be loaded from BIFROST_* environment variables
// via LoadConfig; the pluggable component hooks can only be set in code.
type Config struct {
	// Offline disables all network activity: no data source, no events.
	// Evaluations run against whatever the data store holds, which for the
	// default in-memory store means every flag is unknown.
	Offline bool `envconfig:"OFFLINE" default:"false"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
	// LogFormat is text or json.
	LogFormat string `envconfig:"LOG_FORMAT" default:"text" validate:"oneof=json text"`

	DataSource  DataSourceConfig  `envconfig:"DATA_SOURCE"`
	Events      EventsConfig      `envconfig:"EVENTS"`
	BigSegments BigSegmentsConfig `envconfig:"BIG_SEGMENTS"`

	// Logger overrides the logger built from LogLevel/LogFormat.
	Logger *slog.Logger `ignored:"true"`
	// HTTPClient overrides the client used for streaming, polling and
	// event delivery.
	HTTPClient *http.Client `ignored:"true"`

	// DataStore overrides flag storage; defaults to the in-memory store.
	// Mutually exclusive with PersistentDataStore.
	DataStore subsystems.DataStore `ignored:"true"`
	// PersistentDataStore plugs in a database-backed store (for example
	// redisstore.DataStore); the SDK wraps it in a read cache.
	PersistentDataStore subsystems.PersistentDataStore `ignored:"true"`
	// PersistentStoreCacheTTL is the read cache TTL in front of
	// PersistentDataStore. Zero disables caching.
	PersistentStoreCacheTTL time.Duration `envconfig:"PERSISTENT_STORE_CACHE_TTL" default:"15s"`

	// BigSegmentStore plugs in big segment membership (for example
	// redisstore.BigSegmentStore). Nil means big segments are not
	// configured.
	BigSegmentStore subsystems.BigSegmentStore `ignored:"true"`

	// DataSourceFactory replaces the built-in streaming/polling sources
	// entirely; testsource.TestData.CreateDataSource matches this
	// signature.
	DataSourceFactory DataSourceFactory `ignored:"true"`
	// EventSender replaces the HTTP event delivery.
	EventSender subsystems.EventSender `ignored:"true"`
}

// DataSourceFactory builds a custom data source wired to the SDK's update
// sink.
type DataSourceFactory func(sdkKey string, sink subsystems.DataSourceUpdateSink, logger *slog.Logger) (subsystems.DataSource, error)

// DataSourceConfig selects and tunes the synchronization transport.
type DataSourceConfig struct {
	// StreamURI is the streaming service base URI.
	StreamURI string `envconfig:"STREAM_URI" default:"https://stream.bifrost.rafaeljc.dev" validate:"url"`
	// PollURI is the polling service base URI.
	PollURI string `envconfig:"POLL_URI" default:"https://sdk.bifrost.rafaeljc.dev" validate:"url"`
	// PollingMode switches from streaming to periodic polling.
	PollingMode bool `envconfig:"POLLING_MODE" default:"false"`
	// PollInterval is the polling cadence; minimum one second.
	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`
	// InitialReconnectDelay seeds the streaming backoff.
	InitialReconnectDelay time.Duration `envconfig:"INITIAL_RECONNECT_DELAY" default:"1s"`
	// MaxReconnectDelay caps the streaming backoff.
	MaxReconnectDelay time.Duration `envconfig:"MAX_RECONNECT_DELAY" default:"30s"`
	// ReadTimeout drops a stream connection that delivers no data for this
	// long, forcing a reconnect. The service sends heartbeats well within
	// this window, so only a dead connection trips it.
	ReadTimeout time.Duration `envconfig:"READ_TIMEOUT" default:"5m"`
}

// EventsConfig tunes the analytics pipeline.
type EventsConfig struct {
	// Disabled turns off all analytics events.
	Disabled bool `envconfig:"DISABLED" default:"false"`
	// URI is the events service base URI.
	URI string `envconfig:"URI" default:"https://events.bifrost.rafaeljc.dev" validate:"url"`
	// Capacity bounds the event buffer; overflow drops events.
	Capacity int `envconfig:"CAPACITY" default:"10000" validate:"min=1"`
	// FlushInterval is how often buffered events are delivered.
	FlushInterval time.Duration `envconfig:"FLUSH_INTERVAL" default:"5s"`
	// ContextKeysCapacity bounds the index-event deduplication cache.
	ContextKeysCapacity int `envconfig:"CONTEXT_KEYS_CAPACITY" default:"1000" validate:"min=1"`
	// ContextKeysFlushInterval is the deduplication window.
	ContextKeysFlushInterval time.Duration `envconfig:"CONTEXT_KEYS_FLUSH_INTERVAL" default:"5m"`
	// AllAttributesPrivate redacts every context attribute in payloads.
	AllAttributesPrivate bool `envconfig:"ALL_ATTRIBUTES_PRIVATE" default:"false"`
	// PrivateAttributes lists attribute references to redact in payloads.
	PrivateAttributes []string `envconfig:"PRIVATE_ATTRIBUTES"`
	// DiagnosticOptOut disables diagnostic events.
	DiagnosticOptOut bool `envconfig:"DIAGNOSTIC_OPT_OUT" default:"false"`
	// DiagnosticRecordingInterval is the cadence of periodic diagnostics.
	DiagnosticRecordingInterval time.Duration `envconfig:"DIAGNOSTIC_RECORDING_INTERVAL" default:"15m"`
}

// BigSegmentsConfig tunes the big segment manager; only relevant when
// BigSegmentStore is set.
type BigSegmentsConfig struct {
	// MembershipCacheSize caps cached context memberships.
	MembershipCacheSize int `envconfig:"MEMBERSHIP_CACHE_SIZE" default:"1000" validate:"min=1"`
	// MembershipCacheTTL is how long one context's membership is reused.
	MembershipCacheTTL time.Duration `envconfig:"MEMBERSHIP_CACHE_TTL" default:"5s"`
	// StatusPollInterval is the store health check cadence.
	StatusPollInterval time.Duration `envconfig:"STATUS_POLL_INTERVAL" default:"5s"`
	// StaleAfter marks the store stale when its data is older than this.
	StaleAfter time.Duration `envconfig:"STALE_AFTER" default:"2m"`
}

// DefaultConfig returns the configuration MakeClient uses when given a zero
// Config, with every default filled in.
func DefaultConfig() Config {
	var cfg Config
	// Processing an empty environment applies the struct tag defaults.
	_ = envconfig.Process("BIFROST_UNSET", &cfg)
	return cfg
}

// LoadConfig reads configuration from BIFROST_* environment variables and
// validates it.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("BIFROST", cfg); err != nil {
		return nil, fmt.Errorf("bifrost: failed to process environment variables: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints with go-playground/validator.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("bifrost: config validation failed: %w", err)
	}
	return nil
}

// applyDefaults fills zero values with the struct tag defaults so a
// hand-built Config behaves like DefaultConfig.
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()
	if c.LogLevel == "" {
		c.LogLevel = defaults.LogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = defaults.LogFormat
	}
	if c.DataSource.StreamURI == "" {
		c.DataSource.StreamURI = defaults.DataSource.StreamURI
	}
	if c.DataSource.PollURI == "" {
		c.DataSource.PollURI = defaults.DataSource.PollURI
	}
	if c.DataSource.PollInterval <= 0 {
		c.DataSource.PollInterval = defaults.DataSource.PollInterval
	}
	if c.DataSource.InitialReconnectDelay <= 0 {
		c.DataSource.InitialReconnectDelay = defaults.DataSource.InitialReconnectDelay
	}
	if c.DataSource.MaxReconnectDelay <= 0 {
		c.DataSource.MaxReconnectDelay = defaults.DataSource.MaxReconnectDelay
	}
	if c.DataSource.ReadTimeout <= 0 {
		c.DataSource.ReadTimeout = defaults.DataSource.ReadTimeout
	}
	if c.Events.URI == "" {
		c.Events.URI = defaults.Events.URI
	}
	if c.Events.Capacity <= 0 {
		c.Events.Capacity = defaults.Events.Capacity
	}
	if c.Events.FlushInterval <= 0 {
		c.Events.FlushInterval = defaults.Events.FlushInterval
	}
	if c.Events.ContextKeysCapacity <= 0 {
		c.Events.ContextKeysCapacity = defaults.Events.ContextKeysCapacity
	}
	if c.Events.ContextKeysFlushInterval <= 0 {
		c.Events.ContextKeysFlushInterval = defaults.Events.ContextKeysFlushInterval
	}
	if c.Events.DiagnosticRecordingInterval <= 0 {
		c.Events.DiagnosticRecordingInterval = defaults.Events.DiagnosticRecordingInterval
	}
	if c.PersistentStoreCacheTTL == 0 {
		c.PersistentStoreCacheTTL = defaults.PersistentStoreCacheTTL
	}
	if c.BigSegments.MembershipCacheSize <= 0 {
		c.BigSegments.MembershipCacheSize = defaults.BigSegments.MembershipCacheSize
	}
	if c.BigSegments.MembershipCacheTTL <= 0 {
		c.BigSegments.MembershipCacheTTL = defaults.BigSegments.MembershipCacheTTL
	}
	if c.BigSegments.StatusPollInterval <= 0 {
		c.BigSegments.StatusPollInterval = defaults.BigSegments.StatusPollInterval
	}
	if c.BigSegments.StaleAfter <= 0 {
		c.BigSegments.StaleAfter = defaults.BigSegments.StaleAfter
	}
}
