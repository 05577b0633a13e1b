package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"

	"github.com/go-go-golems/geppetto/pkg/events"
	"github.com/go-go-golems/geppetto/pkg/helpers"
	"github.com/rs/zerolog/log"
)

// NewClient returns a Redis client for s.Addr.
func NewClient(s Settings) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: s.Addr})
}

func watermillLogger() watermill.LoggerAdapter {
	return helpers.NewWatermill(log.Logger)
}

// newEventRouter builds the router of one process. Without Redis it is the
// in-memory router; with Redis the default subscriber reads through the
// gateway consumer group. Publisher and subscriber own their clients and
// close them with the router.
func newEventRouter(s Settings, verbose bool) (*events.EventRouter, error) {
	opts := []events.EventRouterOption{}
	if verbose {
		opts = append(opts, events.WithVerbose(true))
	}
	if !s.Enabled {
		return events.NewEventRouter(opts...)
	}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     NewClient(s),
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, watermillLogger())
	if err != nil {
		return nil, err
	}
	sub, err := newSubscriber(s, s.Group)
	if err != nil {
		_ = pub.Close()
		return nil, err
	}
	opts = append(opts, events.WithPublisher(pub), events.WithSubscriber(sub))
	return events.NewEventRouter(opts...)
}

// newSubscriber opens a subscriber with its own client. An empty group
// gives a fan-out subscriber where every subscription sees every message.
func newSubscriber(s Settings, group string) (message.Subscriber, error) {
	cfg := rstream.SubscriberConfig{
		Client:       NewClient(s),
		Unmarshaller: rstream.DefaultMarshallerUnmarshaller{},
	}
	if group != "" {
		cfg.ConsumerGroup = group
		cfg.Consumer = s.Consumer
	}
	sub, err := rstream.NewSubscriber(cfg, watermillLogger())
	if err != nil {
		_ = cfg.Client.Close()
		return nil, err
	}
	return sub, nil
}

// ensureGroupAtTail creates group on stream at $ so a first subscribe does
// not replay history. An existing group is left alone.
func ensureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at tail")
	return nil
}
