package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// DefaultInstanceName is the writer name used by single-process deployments.
const DefaultInstanceName = "master"

type Global struct {
	// The name of the server. This is usually the domain name, e.g 'matrix.org', 'localhost'.
	ServerName spec.ServerName `yaml:"server_name"`

	// The name of this process among the receipt stream writers and readers.
	// Each process sharing a database must use a distinct name.
	InstanceName string `yaml:"instance_name"`

	// The default database options, shared by every table owned by this process.
	DatabaseOptions DatabaseOptions `yaml:"database,omitempty"`

	// JetStream configuration, used to carry replication notifications between processes.
	JetStream JetStream `yaml:"jetstream"`

	// In-memory cache sizing.
	Cache Cache `yaml:"cache"`

	// Metrics configuration
	Metrics Metrics `yaml:"metrics"`

	// Sentry configuration
	Sentry Sentry `yaml:"sentry"`

	// Tracing configuration
	Tracing Tracing `yaml:"tracing"`
}

func (c *Global) Defaults(opts DefaultOpts) {
	if opts.Generate {
		c.ServerName = "localhost"
		c.DatabaseOptions.ConnectionString = "file:receiptstream.db"
	}
	c.InstanceName = DefaultInstanceName
	c.DatabaseOptions.Defaults(90)
	c.JetStream.Defaults(opts)
	c.Cache.Defaults()
	c.Metrics.Defaults(opts)
	c.Sentry.Defaults()
	c.Tracing.Defaults()
}

func (c *Global) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.server_name", string(c.ServerName))
	checkNotEmpty(configErrs, "global.instance_name", c.InstanceName)
	if strings.ContainsAny(c.InstanceName, "~. ") {
		configErrs.Add(fmt.Sprintf("invalid value for config key %q: %q may not contain '~', '.' or spaces", "global.instance_name", c.InstanceName))
	}
	c.DatabaseOptions.Verify(configErrs)
	c.JetStream.Verify(configErrs)
	c.Cache.Verify(configErrs)
	c.Metrics.Verify(configErrs)
	c.Sentry.Verify(configErrs)
	c.Tracing.Verify(configErrs)
}

// DatabaseOptions are shared by every database connection the process opens.
type DatabaseOptions struct {
	// The connection string, file:filename.db or postgres://server....
	ConnectionString DataSource `yaml:"connection_string"`
	// Maximum open connections to the DB (0 = use default, negative means unlimited)
	MaxOpenConnections int `yaml:"max_open_conns"`
	// Maximum idle connections to the DB (0 = use default, negative means unlimited)
	MaxIdleConnections int `yaml:"max_idle_conns"`
	// maximum amount of time (in seconds) a connection may be reused (<= 0 means unlimited)
	ConnMaxLifetimeSeconds int `yaml:"conn_max_lifetime"`
}

func (c *DatabaseOptions) Defaults(conns int) {
	c.MaxOpenConnections = conns
	c.MaxIdleConnections = 2
	c.ConnMaxLifetimeSeconds = -1
}

func (c *DatabaseOptions) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.database.connection_string", string(c.ConnectionString))
}

// MaxIdleConns returns maximum idle connections to the DB
func (c DatabaseOptions) MaxIdleConns() int {
	return c.MaxIdleConnections
}

// MaxOpenConns returns maximum open connections to the DB
func (c DatabaseOptions) MaxOpenConns() int {
	return c.MaxOpenConnections
}

// ConnMaxLifetime returns maximum amount of time a connection may be reused
func (c DatabaseOptions) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSeconds) * time.Second
}

type JetStream struct {
	// Persistent directory to store JetStream streams in.
	StoragePath Path `yaml:"storage_path"`
	// A list of NATS addresses to connect to. If none are specified, an
	// internal NATS server will be used when running in monolith mode only.
	Addresses []string `yaml:"addresses"`
	// The prefix to use for stream names for this homeserver - really only
	// useful if running more than one deployment on the same NATS deployment.
	TopicPrefix string `yaml:"topic_prefix"`
	// Keep all storage in memory. This is mostly useful for unit tests.
	InMemory bool `yaml:"in_memory"`
	// Disable logging. This is mostly useful for unit tests.
	NoLog bool `yaml:"-"`
}

func (c *JetStream) Prefixed(name string) string {
	return fmt.Sprintf("%s%s", c.TopicPrefix, name)
}

func (c *JetStream) Durable(name string) string {
	return c.Prefixed(name)
}

func (c *JetStream) Defaults(opts DefaultOpts) {
	c.Addresses = []string{}
	c.TopicPrefix = "ReceiptStream"
	if opts.Generate {
		c.StoragePath = Path("./")
		c.NoLog = true
	}
}

func (c *JetStream) Verify(configErrs *ConfigErrors) {
	if len(c.Addresses) == 0 && !c.InMemory {
		checkNotEmpty(configErrs, "global.jetstream.storage_path", string(c.StoragePath))
	}
}

func (c *JetStream) resolveStoragePath(basePath string) {
	if c.StoragePath != "" && !filepath.IsAbs(string(c.StoragePath)) {
		c.StoragePath = Path(filepath.Join(basePath, string(c.StoragePath)))
	}
}

// Cache sizes the in-memory receipt caches.
type Cache struct {
	EstimatedMaxSize DataUnit      `yaml:"max_size_estimated"`
	MaxAge           time.Duration `yaml:"max_age"`
	// How long an event's stream ordering is remembered. Orderings never
	// change, so this only bounds memory.
	EventOrderingTTL time.Duration `yaml:"event_ordering_ttl"`
}

func (c *Cache) Defaults() {
	c.EstimatedMaxSize = 64 * 1024 * 1024 // 64MB
	c.MaxAge = time.Hour
	c.EventOrderingTTL = 10 * time.Minute
}

func (c *Cache) Verify(configErrs *ConfigErrors) {
	checkStrictlyPositive(configErrs, "global.cache.max_size_estimated", int64(c.EstimatedMaxSize))
	checkPositive(configErrs, "global.cache.max_age", int64(c.MaxAge))
	checkStrictlyPositive(configErrs, "global.cache.event_ordering_ttl", int64(c.EventOrderingTTL))
}

// DataUnit is a number of bytes.
type DataUnit int64

// The configuration to use for Prometheus metrics
type Metrics struct {
	// Whether or not the metrics are enabled
	Enabled bool `yaml:"enabled"`
	// The address to serve /metrics on.
	Listen string `yaml:"listen"`
}

func (c *Metrics) Defaults(opts DefaultOpts) {
	c.Enabled = false
	if opts.Generate {
		c.Listen = "localhost:9091"
	}
}

func (c *Metrics) Verify(configErrs *ConfigErrors) {
	if c.Enabled {
		checkNotEmpty(configErrs, "global.metrics.listen", c.Listen)
	}
}

// The configuration to use for Sentry error reporting
type Sentry struct {
	Enabled bool `yaml:"enabled"`
	// The DSN to connect to e.g "https://examplePublicKey@o0.ingest.sentry.io/0"
	// See https://docs.sentry.io/platforms/go/configuration/options/
	DSN string `yaml:"dsn"`
	// The environment e.g "production"
	// See https://docs.sentry.io/platforms/go/configuration/environments/
	Environment string `yaml:"environment"`
}

func (c *Sentry) Defaults() {
	c.Enabled = false
}

func (c *Sentry) Verify(configErrs *ConfigErrors) {
	if c.Enabled {
		checkNotEmpty(configErrs, "global.sentry.dsn", c.DSN)
	}
}

// Tracing configures the Jaeger opentracing exporter.
type Tracing struct {
	Enabled bool `yaml:"enabled"`
	// The name the service reports itself as.
	ServiceName string `yaml:"service_name"`
	// "const", "probabilistic", "ratelimiting" or "remote".
	SamplerType  string  `yaml:"sampler_type"`
	SamplerParam float64 `yaml:"sampler_param"`
	// host:port of the jaeger agent.
	AgentHostPort string `yaml:"agent_host_port"`
}

func (c *Tracing) Defaults() {
	c.Enabled = false
	c.ServiceName = "receiptstream"
	c.SamplerType = "const"
	c.SamplerParam = 1
}
