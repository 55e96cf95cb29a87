package config

import (
	"fmt"
	"time"
)

type ReceiptAPI struct {
	Matrix *Global `yaml:"-"`

	// The instance names allowed to write to the receipts stream. Every other
	// process only reads and follows replication. When empty, the instance
	// named in global.instance_name is the only writer.
	Writers []string `yaml:"writers"`

	// How many rooms the in-memory change cache remembers. Older entries are
	// dropped and queries about them fall through to the database.
	ChangeCacheSize int `yaml:"change_cache_size"`

	// The maximum number of receipt rows returned for "all rooms" queries.
	AllRoomsLimit int `yaml:"all_rooms_limit"`

	// How often an idle writer announces its position to other processes.
	PositionHeartbeatInterval time.Duration `yaml:"position_heartbeat_interval"`

	// Background compaction of per-event notification counters.
	NotificationCounts NotificationCounts `yaml:"notification_counts"`
}

// DefaultChangeCacheSize is the number of rooms the change cache is prefilled with.
const DefaultChangeCacheSize = 10000

// DefaultAllRoomsLimit caps the rows read by an all-rooms receipt query.
const DefaultAllRoomsLimit = 100

func (c *ReceiptAPI) Defaults(opts DefaultOpts) {
	c.Writers = []string{}
	c.ChangeCacheSize = DefaultChangeCacheSize
	c.AllRoomsLimit = DefaultAllRoomsLimit
	c.PositionHeartbeatInterval = 5 * time.Second
	c.NotificationCounts.Defaults()
	if opts.Generate {
		c.NotificationCounts.Enabled = true
	}
}

func (c *ReceiptAPI) Verify(configErrs *ConfigErrors) {
	checkStrictlyPositive(configErrs, "receipt_api.change_cache_size", int64(c.ChangeCacheSize))
	checkStrictlyPositive(configErrs, "receipt_api.all_rooms_limit", int64(c.AllRoomsLimit))
	checkStrictlyPositive(configErrs, "receipt_api.position_heartbeat_interval", int64(c.PositionHeartbeatInterval))

	seen := make(map[string]struct{}, len(c.Writers))
	for i, writer := range c.Writers {
		checkNotEmpty(configErrs, fmt.Sprintf("receipt_api.writers[%d]", i), writer)
		if _, ok := seen[writer]; ok {
			configErrs.Add(fmt.Sprintf("duplicate value for config key %q: %s", "receipt_api.writers", writer))
		}
		seen[writer] = struct{}{}
	}
	if c.Matrix != nil && c.Matrix.DatabaseOptions.ConnectionString.IsSQLite() && len(c.Writers) > 1 {
		configErrs.Add("receipt_api.writers: multiple writers require a PostgreSQL database")
	}

	c.NotificationCounts.Verify(configErrs)
}

// StreamWriters returns the configured writers, defaulting to this instance.
func (c *ReceiptAPI) StreamWriters() []string {
	if len(c.Writers) == 0 && c.Matrix != nil {
		return []string{c.Matrix.InstanceName}
	}
	return c.Writers
}

// IsWriter reports whether this instance may write receipts.
func (c *ReceiptAPI) IsWriter() bool {
	if c.Matrix == nil {
		return false
	}
	for _, w := range c.StreamWriters() {
		if w == c.Matrix.InstanceName {
			return true
		}
	}
	return false
}

type NotificationCounts struct {
	// Whether the periodic aggregation job runs in this process.
	Enabled bool `yaml:"enabled"`
	// How often the aggregation job is scheduled.
	Interval time.Duration `yaml:"interval"`
	// The maximum number of counter rows folded per transaction.
	BatchSize int `yaml:"batch_size"`
	// Pause between batches of one run.
	BatchDelay time.Duration `yaml:"batch_delay"`
	// Counter rows younger than this are left alone, as events and receipts
	// for them may still be in flight.
	SafetyMargin time.Duration `yaml:"safety_margin"`
}

func (c *NotificationCounts) Defaults() {
	c.Enabled = false
	c.Interval = 30 * time.Second
	c.BatchSize = 1000
	c.BatchDelay = time.Second
	c.SafetyMargin = time.Hour
}

func (c *NotificationCounts) Verify(configErrs *ConfigErrors) {
	if !c.Enabled {
		return
	}
	checkStrictlyPositive(configErrs, "receipt_api.notification_counts.interval", int64(c.Interval))
	checkStrictlyPositive(configErrs, "receipt_api.notification_counts.batch_size", int64(c.BatchSize))
	checkPositive(configErrs, "receipt_api.notification_counts.batch_delay", int64(c.BatchDelay))
	checkPositive(configErrs, "receipt_api.notification_counts.safety_margin", int64(c.SafetyMargin))
}
