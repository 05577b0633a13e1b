package router

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/go-go-golems/cardstream/pkg/cards"
	"github.com/go-go-golems/cardstream/pkg/metrics"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Topics used by the built-in handlers.
const (
	TopicChatMessage        = "chat-message"
	TopicCardCallback       = "card-callback"
	TopicDynamicDataRequest = "dynamic-data-request"
	TopicCardExpired        = "card-expired"
)

const (
	StatusOK        = 200
	MessageOK       = "OK"
	DefaultDedupTTL = 10 * time.Minute
)

// Event is one inbound gateway event.
type Event struct {
	ID             string          `json:"id"`
	Topic          string          `json:"topic"`
	CardID         string          `json:"card_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
}

// Key is the ordering key of the event: events with the same key must be
// handled in the order they were received. A chat message without a card
// creates a card of its own, so it is ordered on its own.
func (e Event) Key() string {
	switch {
	case e.CardID != "":
		return "card:" + e.CardID
	case e.Topic == TopicChatMessage:
		return "event:" + e.ID
	case e.ConversationID != "":
		return "conv:" + e.ConversationID
	default:
		return "event:" + e.ID
	}
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return errors.Errorf("event %s (%s) has no data", e.ID, e.Topic)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.Wrapf(err, "decode %s event %s", e.Topic, e.ID)
	}
	return nil
}

// Ack is returned to the gateway for every dispatched event.
type Ack struct {
	Status  int         `json:"status"`
	Message string      `json:"message"`
	Payload cards.Value `json:"payload"`
}

func OK(payload cards.Value) Ack {
	return Ack{Status: StatusOK, Message: MessageOK, Payload: payload}
}

type Handler interface {
	Handle(ctx context.Context, ev Event) (cards.Value, error)
}

type HandlerFunc func(ctx context.Context, ev Event) (cards.Value, error)

func (f HandlerFunc) Handle(ctx context.Context, ev Event) (cards.Value, error) {
	return f(ctx, ev)
}

// Router binds one handler per topic and always acknowledges: unknown
// topics, duplicate event ids and failing handlers all get an OK ack with an
// empty payload. Nothing is retried.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	dedup    *lru.Cache[string, time.Time]
	dedupTTL time.Duration
	dedupMu  sync.Mutex
	now      func() time.Time
}

type Option func(*Router) error

// WithDedup drops events whose id was seen within ttl. size bounds the
// number of remembered ids; size 0 disables deduplication.
func WithDedup(size int, ttl time.Duration) Option {
	return func(r *Router) error {
		if size <= 0 {
			r.dedup = nil
			return nil
		}
		c, err := lru.New[string, time.Time](size)
		if err != nil {
			return errors.Wrap(err, "router dedup cache")
		}
		if ttl <= 0 {
			ttl = DefaultDedupTTL
		}
		r.dedup = c
		r.dedupTTL = ttl
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Router) error {
		if now != nil {
			r.now = now
		}
		return nil
	}
}

func New(opts ...Option) (*Router, error) {
	r := &Router{handlers: map[string]Handler{}, now: time.Now}
	for _, o := range opts {
		if err := o(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register binds h to topic. A second registration for the same topic
// replaces the first and is logged as a warning.
func (r *Router) Register(topic string, h Handler) {
	if r == nil || h == nil {
		return
	}
	r.mu.Lock()
	_, replaced := r.handlers[topic]
	r.handlers[topic] = h
	r.mu.Unlock()
	if replaced {
		log.Warn().Str("component", "router").Str("topic", topic).Msg("handler replaced: topic was already registered")
	}
}

func (r *Router) RegisterFunc(topic string, fn func(ctx context.Context, ev Event) (cards.Value, error)) {
	r.Register(topic, HandlerFunc(fn))
}

func (r *Router) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (r *Router) Dispatch(ctx context.Context, ev Event) Ack {
	logger := log.With().Str("component", "router").Str("topic", ev.Topic).Str("event_id", ev.ID).Logger()

	r.mu.RLock()
	h, ok := r.handlers[ev.Topic]
	r.mu.RUnlock()
	if !ok {
		metrics.RecordDispatch(metrics.UnknownTopicLabel, "unknown_topic")
		logger.Debug().Msg("no handler for topic")
		return OK(cards.Null())
	}
	if r.seen(ev.ID) {
		metrics.RecordDispatch(ev.Topic, "duplicate")
		logger.Info().Msg("duplicate event dropped")
		return OK(cards.Null())
	}

	start := time.Now()
	payload, panicked, err := invoke(ctx, h, ev)
	metrics.DispatchDuration.WithLabelValues(ev.Topic).Observe(time.Since(start).Seconds())
	switch {
	case panicked:
		metrics.RecordDispatch(ev.Topic, "panic")
		logger.Error().Err(err).Str("card_id", ev.CardID).Msg("handler panicked")
		return OK(cards.Null())
	case err != nil:
		metrics.RecordDispatch(ev.Topic, "handler_error")
		logger.Error().Err(err).Str("card_id", ev.CardID).Msg("handler failed")
		return OK(cards.Null())
	}
	metrics.RecordDispatch(ev.Topic, "handled")
	return OK(payload)
}

func invoke(ctx context.Context, h Handler, ev Event) (payload cards.Value, panicked bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			payload = cards.Null()
			panicked = true
			err = errors.Errorf("panic: %v", rec)
		}
	}()
	payload, err = h.Handle(ctx, ev)
	return payload, false, err
}

func (r *Router) seen(id string) bool {
	if r.dedup == nil || id == "" {
		return false
	}
	r.dedupMu.Lock()
	defer r.dedupMu.Unlock()
	now := r.now()
	if ts, ok := r.dedup.Get(id); ok {
		if now.Sub(ts) <= r.dedupTTL {
			return true
		}
		r.dedup.Remove(id)
	}
	r.dedup.Add(id, now)
	return false
}
