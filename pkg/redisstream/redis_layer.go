package redisstream

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

const SectionSlug = "redis"

// Settings holds the Redis Streams transport configuration. When disabled the
// gateway, inference events and acks travel over an in-memory pub/sub.
type Settings struct {
	Enabled  bool   `glazed:"redis-enabled"`
	Addr     string `glazed:"redis-addr"`
	Group    string `glazed:"redis-group"`
	Consumer string `glazed:"redis-consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "cardstream",
		Consumer: "cardstream-1",
	}
}

// NewSection returns the glazed section for Redis Streams settings.
func NewSection() (schema.Section, error) {
	d := DefaultSettings()
	return schema.NewSection(
		SectionSlug,
		"Redis configuration for Watermill Redis Streams",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool, fields.WithDefault(false),
				fields.WithHelp("Use Redis Streams for gateway events, acks and inference events")),
			fields.New("redis-addr", fields.TypeString, fields.WithDefault(d.Addr),
				fields.WithHelp("Redis address host:port")),
			fields.New("redis-group", fields.TypeString, fields.WithDefault(d.Group),
				fields.WithHelp("Redis consumer group of the gateway")),
			fields.New("redis-consumer", fields.TypeString, fields.WithDefault(d.Consumer),
				fields.WithHelp("Redis consumer name of this instance")),
		),
	)
}
