package generation

import (
	"context"
	"encoding/json"
	"iter"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-go-golems/cardstream/pkg/cards/session"
	"github.com/go-go-golems/geppetto/pkg/events"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPromptTopic = "cardstream.prompts"
	DefaultEventsTopic = "cardstream.inference"

	DefaultIdleTimeout = 2 * time.Minute
)

// ErrInferenceIdle ends a reply when no event of its session arrived within
// the idle timeout.
var ErrInferenceIdle = errors.New("no inference events within idle timeout")

// PromptMessage is published for every reply to generate. Inference workers
// answer with geppetto events whose metadata carries SessionID.
type PromptMessage struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id,omitempty"`
	Text           string `json:"text"`
}

// EventStreamGenerator turns geppetto inference events into reply fragments.
type EventStreamGenerator struct {
	publisher   message.Publisher
	subscriber  message.Subscriber
	promptTopic string
	eventsTopic string
	idleTimeout time.Duration
}

type Option func(*EventStreamGenerator)

// WithIdleTimeout bounds the wait for the next event of a reply. Zero or a
// negative value waits until the context ends.
func WithIdleTimeout(d time.Duration) Option {
	return func(g *EventStreamGenerator) {
		g.idleTimeout = d
	}
}

var _ session.Generator = &EventStreamGenerator{}

func NewEventStreamGenerator(pub message.Publisher, sub message.Subscriber, promptTopic, eventsTopic string, opts ...Option) (*EventStreamGenerator, error) {
	if pub == nil || sub == nil {
		return nil, errors.New("generation: publisher and subscriber are required")
	}
	if promptTopic == "" {
		promptTopic = DefaultPromptTopic
	}
	if eventsTopic == "" {
		eventsTopic = DefaultEventsTopic
	}
	g := &EventStreamGenerator{
		publisher:   pub,
		subscriber:  sub,
		promptTopic: promptTopic,
		eventsTopic: eventsTopic,
		idleTimeout: DefaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *EventStreamGenerator) Generate(ctx context.Context, p session.Prompt) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		ch, err := g.subscriber.Subscribe(subCtx, g.eventsTopic)
		if err != nil {
			yield("", errors.Wrap(err, "subscribe to inference events"))
			return
		}

		sessionID := uuid.NewString()
		b, err := json.Marshal(PromptMessage{
			SessionID:      sessionID,
			ConversationID: p.ConversationID,
			SenderID:       p.SenderID,
			Text:           p.Text,
		})
		if err != nil {
			yield("", errors.Wrap(err, "encode prompt"))
			return
		}
		if err := g.publisher.Publish(g.promptTopic, message.NewMessage(uuid.NewString(), b)); err != nil {
			yield("", errors.Wrap(err, "publish prompt"))
			return
		}
		logger := log.With().Str("component", "generation").Str("session_id", sessionID).Logger()
		logger.Debug().Str("conversation_id", p.ConversationID).Msg("prompt published")

		// Partial events may be delivered out of order; the cumulative
		// completion decides what is new.
		var streamed string
		next := func(full string) (string, bool) {
			if len(full) <= len(streamed) || !strings.HasPrefix(full, streamed) {
				return "", false
			}
			delta := full[len(streamed):]
			streamed = full
			return delta, true
		}

		var idle <-chan time.Time
		var timer *time.Timer
		if g.idleTimeout > 0 {
			timer = time.NewTimer(g.idleTimeout)
			defer timer.Stop()
			idle = timer.C
		}

		for {
			select {
			case <-ctx.Done():
				yield("", ctx.Err())
				return
			case <-idle:
				logger.Warn().Dur("idle_timeout", g.idleTimeout).Msg("inference stream went idle")
				yield("", ErrInferenceIdle)
				return
			case msg, ok := <-ch:
				if !ok {
					if err := ctx.Err(); err != nil {
						yield("", err)
						return
					}
					yield("", errors.New("inference event stream closed"))
					return
				}
				msg.Ack()
				ev, err := events.NewEventFromJson(msg.Payload)
				if err != nil {
					logger.Warn().Err(err).Msg("failed to decode inference event")
					continue
				}
				if ev.Metadata().SessionID != sessionID {
					continue
				}
				if timer != nil {
					timer.Reset(g.idleTimeout)
				}

				switch e := ev.(type) {
				case *events.EventPartialCompletion:
					if delta, ok := next(e.Completion); ok {
						if !yield(delta, nil) {
							return
						}
					}
				case *events.EventFinal:
					if delta, ok := next(e.Text); ok {
						yield(delta, nil)
					}
					return
				case *events.EventInterrupt:
					if delta, ok := next(e.Text); ok {
						yield(delta, nil)
					}
					return
				case *events.EventError:
					yield("", errors.New(e.ErrorString))
					return
				}
			}
		}
	}
}
