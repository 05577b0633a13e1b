package redisstream

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/geppetto/pkg/events"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Backend wraps the transport setup (in-memory or Redis Streams) shared by
// the gateway, the inference responder and the reply generator. Subscribers
// it hands out are closed with it.
type Backend struct {
	router   *events.EventRouter
	settings Settings

	mu     sync.Mutex
	owned  []message.Subscriber
	closed bool
}

func NewBackend(s Settings, verbose bool) (*Backend, error) {
	router, err := newEventRouter(s, verbose)
	if err != nil {
		return nil, errors.Wrap(err, "build event router")
	}
	return &Backend{router: router, settings: s}, nil
}

// NewBackendFromValues decodes the redis section of parsed and builds the
// backend for it.
func NewBackendFromValues(parsed *values.Values, verbose bool) (*Backend, error) {
	if parsed == nil {
		return nil, errors.New("parsed values are nil")
	}
	s := DefaultSettings()
	if err := parsed.DecodeSectionInto(SectionSlug, &s); err != nil {
		return nil, errors.Wrap(err, "decode redis settings")
	}
	return NewBackend(s, verbose)
}

func (b *Backend) Settings() Settings { return b.settings }

func (b *Backend) EventRouter() *events.EventRouter {
	if b == nil {
		return nil
	}
	return b.router
}

func (b *Backend) Publisher() message.Publisher {
	if b == nil || b.router == nil {
		return nil
	}
	return b.router.Publisher
}

// EnsureTopics creates the consumer group of the gateway at the tail of each
// topic so a fresh instance does not replay history.
func (b *Backend) EnsureTopics(ctx context.Context, topics ...string) error {
	if b == nil || !b.settings.Enabled {
		return nil
	}
	client := NewClient(b.settings)
	defer func() { _ = client.Close() }()
	for _, t := range topics {
		if err := ensureGroupAtTail(ctx, client, t, b.settings.Group); err != nil {
			return errors.Wrapf(err, "ensure consumer group on %s", t)
		}
	}
	return nil
}

// AddGroupHandler registers h on topic. With Redis the handler reads through
// its own consumer group, so each group gets every message once no matter
// how many processes share the stream.
func (b *Backend) AddGroupHandler(name, topic, group string, h func(*message.Message) error) error {
	if b == nil || b.router == nil {
		return errors.New("stream backend is not initialized")
	}
	if !b.settings.Enabled {
		b.router.AddHandler(name, topic, h)
		return nil
	}
	sub, err := b.own(func() (message.Subscriber, error) { return newSubscriber(b.settings, group) })
	if err != nil {
		return errors.Wrapf(err, "subscribe %s to group %s", name, group)
	}
	b.router.AddHandlerWithOptions(name, topic, h, events.WithHandlerSubscriber(sub))
	return nil
}

// InferenceSubscriber returns the subscriber reply generators read inference
// events from. With Redis it is a fan-out subscriber so no instance misses
// the events of its own replies.
func (b *Backend) InferenceSubscriber() (message.Subscriber, error) {
	if b == nil || b.router == nil {
		return nil, errors.New("stream backend is not initialized")
	}
	if !b.settings.Enabled {
		return b.router.Subscriber, nil
	}
	return b.own(func() (message.Subscriber, error) { return newSubscriber(b.settings, "") })
}

func (b *Backend) own(open func() (message.Subscriber, error)) (message.Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("stream backend is closed")
	}
	sub, err := open()
	if err != nil {
		return nil, err
	}
	b.owned = append(b.owned, sub)
	return sub, nil
}

func (b *Backend) Close() error {
	if b == nil || b.router == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	owned := b.owned
	b.owned = nil
	b.mu.Unlock()

	err := b.router.Close()
	for _, sub := range owned {
		if cerr := sub.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("component", "redisstream").Msg("close subscriber")
		}
	}
	return err
}
