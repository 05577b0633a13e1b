package session

import (
	"time"

	"github.com/go-go-golems/cardstream/pkg/cards/stream"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/pkg/errors"
)

const SettingsSlug = "cards"

const (
	SnapshotNone   = "none"
	SnapshotSQLite = "sqlite"
	SnapshotRedis  = "redis"
)

// Settings configures the card session engine.
type Settings struct {
	StreamThreshold      int    `glazed:"stream-threshold"`
	FlushTimeoutMs       int    `glazed:"flush-timeout-ms"`
	EvictIdleSeconds     int    `glazed:"evict-idle-seconds"`
	EvictIntervalSeconds int    `glazed:"evict-interval-seconds"`
	SnapshotBackend      string `glazed:"snapshot-backend"`
	SQLiteDSN            string `glazed:"snapshot-sqlite-dsn"`
	SnapshotTTLSeconds   int    `glazed:"snapshot-redis-ttl-seconds"`
	DedupSize            int    `glazed:"dedup-size"`
	FormsFile            string `glazed:"forms-file"`
	DataSourceID         string `glazed:"data-source-id"`
}

func DefaultSettings() Settings {
	return Settings{
		StreamThreshold:      stream.DefaultThreshold,
		FlushTimeoutMs:       int(stream.DefaultFlushTimeout / time.Millisecond),
		EvictIdleSeconds:     1800,
		EvictIntervalSeconds: 60,
		SnapshotBackend:      SnapshotNone,
		SQLiteDSN:            "cardstream.db",
		SnapshotTTLSeconds:   86400,
		DedupSize:            4096,
		DataSourceID:         DefaultDataSourceID,
	}
}

func (s Settings) Validate() error {
	switch s.SnapshotBackend {
	case SnapshotNone, SnapshotSQLite, SnapshotRedis, "":
	default:
		return errors.Errorf("unknown snapshot backend %q (none, sqlite, redis)", s.SnapshotBackend)
	}
	if s.StreamThreshold < 0 {
		return errors.New("stream-threshold must not be negative")
	}
	return nil
}

func (s Settings) FlushTimeout() time.Duration {
	return time.Duration(s.FlushTimeoutMs) * time.Millisecond
}

func (s Settings) EvictIdle() time.Duration {
	return time.Duration(s.EvictIdleSeconds) * time.Second
}

func (s Settings) EvictInterval() time.Duration {
	return time.Duration(s.EvictIntervalSeconds) * time.Second
}

func (s Settings) SnapshotTTL() time.Duration {
	return time.Duration(s.SnapshotTTLSeconds) * time.Second
}

// NewSettingsSection returns the glazed section for Settings.
func NewSettingsSection() (schema.Section, error) {
	d := DefaultSettings()
	return schema.NewSection(
		SettingsSlug,
		"Card session engine settings",
		schema.WithFields(
			fields.New("stream-threshold", fields.TypeInteger, fields.WithDefault(d.StreamThreshold),
				fields.WithHelp("New characters accumulated before a streaming card update is flushed")),
			fields.New("flush-timeout-ms", fields.TypeInteger, fields.WithDefault(d.FlushTimeoutMs),
				fields.WithHelp("Bounded wait for one card update, in milliseconds")),
			fields.New("evict-idle-seconds", fields.TypeInteger, fields.WithDefault(d.EvictIdleSeconds),
				fields.WithHelp("Drop in-memory card state idle for this long (0 disables)")),
			fields.New("evict-interval-seconds", fields.TypeInteger, fields.WithDefault(d.EvictIntervalSeconds),
				fields.WithHelp("Idle eviction sweep interval")),
			fields.New("snapshot-backend", fields.TypeString, fields.WithDefault(d.SnapshotBackend),
				fields.WithHelp("Card state snapshots: none, sqlite or redis")),
			fields.New("snapshot-sqlite-dsn", fields.TypeString, fields.WithDefault(d.SQLiteDSN),
				fields.WithHelp("SQLite DSN for card state snapshots")),
			fields.New("snapshot-redis-ttl-seconds", fields.TypeInteger, fields.WithDefault(d.SnapshotTTLSeconds),
				fields.WithHelp("TTL of card state snapshots in Redis")),
			fields.New("dedup-size", fields.TypeInteger, fields.WithDefault(d.DedupSize),
				fields.WithHelp("Number of recent event ids kept for duplicate detection (0 disables)")),
			fields.New("forms-file", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("YAML catalog of form definitions")),
			fields.New("data-source-id", fields.TypeString, fields.WithDefault(d.DataSourceID),
				fields.WithHelp("Dynamic data source id used by progress cards")),
		),
	)
}
