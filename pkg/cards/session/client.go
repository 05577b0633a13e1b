package session

import (
	"context"
	"iter"

	"github.com/go-go-golems/cardstream/pkg/cards"
	"github.com/go-go-golems/cardstream/pkg/cards/poller"
)

// UpdateOptions selects merge semantics for card updates. The engine always
// sends both flags set: incremental patches are merged key by key.
type UpdateOptions struct {
	CardDataByKey    bool
	PrivateDataByKey bool
}

func ByKey() UpdateOptions {
	return UpdateOptions{CardDataByKey: true, PrivateDataByKey: true}
}

type CreateRequest struct {
	TemplateID     string
	ConversationID string
	Public         cards.Data
	Private        cards.PrivateData
	// DynamicData maps a dynamic data source id to its pull config.
	DynamicData map[string]poller.PullConfig
}

// StreamRequest updates one streaming variable of an AI card.
type StreamRequest struct {
	CardID     string
	Key        string
	Content    string
	IsFull     bool
	IsFinalize bool
	IsError    bool
}

// CardClient is the card delivery and update API of the chat platform.
type CardClient interface {
	CreateCard(ctx context.Context, req CreateRequest) (string, error)
	UpdateCard(ctx context.Context, cardID string, patch cards.Data, opts UpdateOptions) error
	UpdatePrivateData(ctx context.Context, cardID, userID string, patch cards.Data, opts UpdateOptions) error
	StreamUpdate(ctx context.Context, req StreamRequest) error
}

type Prompt struct {
	ConversationID string
	SenderID       string
	Text           string
}

// Generator produces the incremental text of a reply. The sequence may end
// with an error after some fragments.
type Generator interface {
	Generate(ctx context.Context, p Prompt) iter.Seq2[string, error]
}

type GeneratorFunc func(ctx context.Context, p Prompt) iter.Seq2[string, error]

func (f GeneratorFunc) Generate(ctx context.Context, p Prompt) iter.Seq2[string, error] {
	return f(ctx, p)
}
