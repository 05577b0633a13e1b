package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/go-go-golems/cardstream/pkg/cards"
	"github.com/go-go-golems/cardstream/pkg/cards/form"
	"github.com/go-go-golems/cardstream/pkg/cards/poller"
	"github.com/go-go-golems/cardstream/pkg/cards/router"
	"github.com/go-go-golems/cardstream/pkg/cards/state"
	"github.com/go-go-golems/cardstream/pkg/cards/stream"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// ChatMessage is the data of a chat-message event.
type ChatMessage struct {
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	SenderNick     string `json:"sender_nick,omitempty"`
	Text           string `json:"text"`
}

func defaultRand(n int) int { return rand.IntN(n) }

// handleChatMessage replies with a card. A few commands pick the card kind:
//
//	form [name]                 form card from the catalog
//	chain <title>               group chain card
//	progress once|render|interval  dynamic data card
//
// Anything else is answered by a streaming AI reply card.
func (e *Engine) handleChatMessage(ctx context.Context, ev router.Event) (cards.Value, error) {
	var msg ChatMessage
	if err := ev.Decode(&msg); err != nil {
		return cards.Value{}, err
	}
	if msg.ConversationID == "" {
		msg.ConversationID = ev.ConversationID
	}
	text := strings.TrimSpace(msg.Text)
	cmd, rest, _ := strings.Cut(text, " ")
	rest = strings.TrimSpace(rest)

	var err error
	switch strings.ToLower(cmd) {
	case "form":
		_, err = e.SendForm(ctx, msg.ConversationID, rest)
	case "chain":
		_, err = e.SendChain(ctx, msg.ConversationID, rest)
	case "progress":
		var strategy poller.Strategy
		strategy, err = poller.ParseStrategy(rest)
		if err != nil {
			strategy = poller.StrategyOnce
		}
		_, err = e.SendProgress(ctx, msg.ConversationID, poller.PullConfig{Strategy: strategy})
	default:
		_, err = e.ReplyWithAI(ctx, msg)
	}
	return cards.Null(), err
}

// ReplyWithAI creates an AI reply card and streams the generated answer into
// its content variable. Generation or delivery failures end in a failed card,
// not in an error.
func (e *Engine) ReplyWithAI(ctx context.Context, msg ChatMessage) (stream.Result, error) {
	if e.generator == nil {
		return stream.Result{}, errors.New("session: no generator configured")
	}
	cardID, err := e.createCard(ctx, CreateRequest{
		TemplateID:     TemplateAIReply,
		ConversationID: msg.ConversationID,
		Public: cards.Data{
			"content": cards.String(""),
			"config":  cards.Map(map[string]cards.Value{"autoLayout": cards.Bool(true)}),
		},
	}, nil)
	if err != nil {
		return stream.Result{}, err
	}

	src := e.generator.Generate(ctx, Prompt{
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Text:           msg.Text,
	})
	res := stream.Pump(ctx, src, func(ctx context.Context, u stream.Update) error {
		return e.flushStream(ctx, cardID, u)
	}, stream.Options{
		Threshold:    e.settings.StreamThreshold,
		FlushTimeout: e.settings.FlushTimeout(),
		CardID:       cardID,
	})
	log.Info().Str("component", "session").Str("card_id", cardID).Str("status", res.Status.String()).
		Int("flushes", res.Flushes).Int("len", len(res.Content)).Msg("ai reply streamed")
	return res, nil
}

func (e *Engine) flushStream(ctx context.Context, cardID string, u stream.Update) error {
	_, err := e.apply(ctx, cardID, MutationFunc(func(st *state.State) (Patch, error) {
		var p Patch
		p.SetPublic("content", cards.String(u.Content))
		p.SetPublic("stream_status", cards.String(u.Status.String()))
		return p, nil
	}), func(Patch) error {
		return e.client.StreamUpdate(ctx, StreamRequest{
			CardID:     cardID,
			Key:        "content",
			Content:    u.Content,
			IsFull:     true,
			IsFinalize: u.Finished(),
			IsError:    u.Failed(),
		})
	})
	return err
}

// SendForm creates a form card from the named catalog entry, or from the
// built-in form when name is empty or unknown.
func (e *Engine) SendForm(ctx context.Context, conversationID, name string) (string, error) {
	def, ok := e.forms.Get(name)
	if !ok {
		def = DefaultForm()
	}
	fields, err := formFieldsValue(def)
	if err != nil {
		return "", err
	}
	title := name
	if title == "" {
		title = "Form"
	}
	return e.createCard(ctx, CreateRequest{
		TemplateID:     TemplateForm,
		ConversationID: conversationID,
		Public: cards.Data{
			"title":       cards.String(title),
			"form_fields": fields,
			"form_status": cards.String(def.Status),
			"button_text": cards.String(def.ButtonText),
			"err_msg":     cards.String(""),
		},
	}, func(st *state.State) {
		st.Form = def
	})
}

// SendChain creates a group chain card that users join and leave.
func (e *Engine) SendChain(ctx context.Context, conversationID, title string) (string, error) {
	return e.createCard(ctx, CreateRequest{
		TemplateID:     TemplateChain,
		ConversationID: conversationID,
		Public: cards.Data{
			"title":   cards.String(title),
			"joined":  cards.Bool(false),
			"content": cards.List(),
		},
	}, nil)
}

// SendProgress creates a dynamic data card tracking a random amount of work.
func (e *Engine) SendProgress(ctx context.Context, conversationID string, cfg poller.PullConfig) (string, error) {
	total := 100 + e.rand(101)
	cardID, err := e.createCard(ctx, CreateRequest{
		TemplateID:     TemplateProgress,
		ConversationID: conversationID,
		Public: cards.Data{
			"title":      cards.String(fmt.Sprintf("Iteration %d", 1+e.rand(12))),
			"total":      cards.Int(total),
			"finished":   cards.Int(0),
			"unfinished": cards.Int(total),
			"progress":   cards.Int(0),
			"update_at":  cards.String(""),
		},
		DynamicData: map[string]poller.PullConfig{e.settings.DataSourceID: cfg},
	}, nil)
	if err != nil {
		return "", err
	}
	if err := e.poller.Register(cardID, cfg, total); err != nil {
		return "", err
	}
	return cardID, nil
}

func formFieldsValue(def *form.Definition) (cards.Value, error) {
	b, err := json.Marshal(def.Fields)
	if err != nil {
		return cards.Value{}, errors.Wrap(err, "encode form fields")
	}
	var v cards.Value
	if err := json.Unmarshal(b, &v); err != nil {
		return cards.Value{}, errors.Wrap(err, "encode form fields")
	}
	return v, nil
}
