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

// Echo answers every prompt with its own text, one word at a time.
type Echo struct {
	Delay time.Duration
}

var _ session.Generator = Echo{}

func (e Echo) Generate(ctx context.Context, p session.Prompt) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, w := range echoWords(p.Text) {
			if e.Delay > 0 {
				select {
				case <-ctx.Done():
					yield("", ctx.Err())
					return
				case <-time.After(e.Delay):
				}
			}
			if !yield(w, nil) {
				return
			}
		}
	}
}

func echoWords(text string) []string {
	words := strings.Fields(text)
	out := make([]string, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		out[i] = w
	}
	return out
}

// Responder is an inference worker for the prompt topic. It answers with the
// geppetto event sequence of a streamed completion, generated by Source.
type Responder struct {
	Publisher   message.Publisher
	EventsTopic string
	Source      session.Generator
}

// Handle is a watermill handler for PromptMessage payloads.
func (r *Responder) Handle(msg *message.Message) error {
	msg.Ack()
	var p PromptMessage
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		log.Warn().Err(err).Str("component", "responder").Msg("failed to decode prompt")
		return nil
	}
	ctx := msg.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return r.Respond(ctx, p)
}

func (r *Responder) Respond(ctx context.Context, p PromptMessage) error {
	if r.Publisher == nil || r.Source == nil {
		return errors.New("responder: publisher and source are required")
	}
	topic := r.EventsTopic
	if topic == "" {
		topic = DefaultEventsTopic
	}
	md := events.EventMetadata{ID: uuid.New(), SessionID: p.SessionID}
	publish := func(ev events.Event) error {
		b, err := json.Marshal(ev)
		if err != nil {
			return errors.Wrap(err, "encode inference event")
		}
		return r.Publisher.Publish(topic, message.NewMessage(uuid.NewString(), b))
	}

	if err := publish(events.NewStartEvent(md)); err != nil {
		return err
	}
	var completion strings.Builder
	for delta, err := range r.Source.Generate(ctx, session.Prompt{ConversationID: p.ConversationID, SenderID: p.SenderID, Text: p.Text}) {
		if err != nil {
			log.Warn().Err(err).Str("component", "responder").Str("session_id", p.SessionID).Msg("generation failed")
			return publish(events.NewErrorEvent(md, err))
		}
		completion.WriteString(delta)
		if err := publish(events.NewPartialCompletionEvent(md, delta, completion.String())); err != nil {
			return err
		}
	}
	return publish(events.NewFinalEvent(md, completion.String()))
}
