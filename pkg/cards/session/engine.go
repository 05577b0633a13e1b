package session

import (
	"context"
	"time"

	"github.com/go-go-golems/cardstream/pkg/cards"
	"github.com/go-go-golems/cardstream/pkg/cards/form"
	"github.com/go-go-golems/cardstream/pkg/cards/poller"
	"github.com/go-go-golems/cardstream/pkg/cards/router"
	"github.com/go-go-golems/cardstream/pkg/cards/state"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Template ids of the built-in card kinds.
const (
	TemplateAIReply  = "ai-reply"
	TemplateForm     = "form"
	TemplateChain    = "group-chain"
	TemplateProgress = "progress"
)

const DefaultDataSourceID = "progress_source"

type Options struct {
	Store     *state.Store
	Poller    *poller.Poller
	Client    CardClient
	Generator Generator
	Forms     *form.Catalog
	Settings  Settings
	// Rand returns a number in [0, n); nil uses math/rand/v2.
	Rand func(n int) int
	Now  func() time.Time
}

// Engine composes the card state store, the streaming buffer, the form
// reducer and the poller behind the router's topic handlers.
type Engine struct {
	store     *state.Store
	poller    *poller.Poller
	client    CardClient
	generator Generator
	forms     *form.Catalog
	settings  Settings
	rand      func(n int) int
	now       func() time.Time
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Client == nil {
		return nil, errors.New("session: card client is required")
	}
	if err := opts.Settings.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		store:     opts.Store,
		poller:    opts.Poller,
		client:    opts.Client,
		generator: opts.Generator,
		forms:     opts.Forms,
		settings:  opts.Settings,
		rand:      opts.Rand,
		now:       opts.Now,
	}
	if e.store == nil {
		e.store = state.NewStore()
	}
	if e.poller == nil {
		e.poller = poller.New()
	}
	if e.rand == nil {
		e.rand = defaultRand
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.settings.DataSourceID == "" {
		e.settings.DataSourceID = DefaultDataSourceID
	}
	e.store.OnEvict(e.poller.Forget)
	return e, nil
}

func (e *Engine) Store() *state.Store    { return e.store }
func (e *Engine) Poller() *poller.Poller { return e.poller }

// Register binds the built-in handlers to their topics.
func (e *Engine) Register(r *router.Router) {
	r.RegisterFunc(router.TopicChatMessage, e.handleChatMessage)
	r.RegisterFunc(router.TopicCardCallback, e.handleCardCallback)
	r.RegisterFunc(router.TopicDynamicDataRequest, e.handleDynamicData)
	r.RegisterFunc(router.TopicCardExpired, e.handleCardExpired)
}

// Apply runs m against the state of cardID through the store and returns the
// patch it produced. The patch is merged into the stored state.
func (e *Engine) Apply(ctx context.Context, cardID string, m Mutation) (Patch, error) {
	return e.apply(ctx, cardID, m, nil)
}

// ApplyAndDeliver is Apply followed by delivering the patch to the card
// while the card is still locked, so deliveries of one card keep the order
// of their mutations. A failed delivery aborts the mutation.
func (e *Engine) ApplyAndDeliver(ctx context.Context, cardID string, m Mutation) (Patch, error) {
	return e.apply(ctx, cardID, m, func(p Patch) error {
		return e.deliver(ctx, cardID, p)
	})
}

func (e *Engine) apply(ctx context.Context, cardID string, m Mutation, after func(Patch) error) (Patch, error) {
	if m == nil {
		return Patch{}, errors.New("session: nil mutation")
	}
	var patch Patch
	_, err := e.store.Mutate(ctx, cardID, func(st state.State) (state.State, error) {
		p, err := m.Apply(&st)
		if err != nil {
			return st, err
		}
		p.applyTo(&st)
		if after != nil {
			if err := after(p); err != nil {
				return st, err
			}
		}
		patch = p
		return st, nil
	})
	if err != nil {
		return Patch{}, err
	}
	return patch, nil
}

func (e *Engine) deliver(ctx context.Context, cardID string, p Patch) error {
	if len(p.Public) > 0 {
		if err := e.client.UpdateCard(ctx, cardID, p.Public, ByKey()); err != nil {
			return errors.Wrapf(err, "update card %s", cardID)
		}
	}
	for user, d := range p.Private {
		if len(d) == 0 {
			continue
		}
		if err := e.client.UpdatePrivateData(ctx, cardID, user, d, ByKey()); err != nil {
			return errors.Wrapf(err, "update private data of card %s for %s", cardID, user)
		}
	}
	return nil
}

// createCard delivers a new card and creates its session state. init may
// attach owned structures such as a form definition.
func (e *Engine) createCard(ctx context.Context, req CreateRequest, init func(st *state.State)) (string, error) {
	cardID, err := e.client.CreateCard(ctx, req)
	if err != nil {
		return "", errors.Wrapf(err, "create %s card", req.TemplateID)
	}
	_, err = e.store.GetOrCreate(ctx, cardID, func() state.State {
		st := state.State{
			Card: cards.CardInstance{
				ID:             cardID,
				TemplateID:     req.TemplateID,
				ConversationID: req.ConversationID,
				CreatedAt:      e.now(),
			},
			Public:  req.Public.Clone(),
			Private: req.Private.Clone(),
		}
		if init != nil {
			init(&st)
		}
		return st
	})
	if err != nil {
		return "", err
	}
	log.Info().Str("component", "session").Str("card_id", cardID).Str("template_id", req.TemplateID).
		Str("conversation_id", req.ConversationID).Msg("card created")
	return cardID, nil
}
