package session

import (
	"context"

	"github.com/go-go-golems/cardstream/pkg/cards"
	"github.com/go-go-golems/cardstream/pkg/cards/poller"
	"github.com/go-go-golems/cardstream/pkg/cards/router"
	"github.com/go-go-golems/cardstream/pkg/cards/state"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type cardRef struct {
	CardID string `json:"card_id"`
}

func cardIDOf(ev router.Event) (string, error) {
	if ev.CardID != "" {
		return ev.CardID, nil
	}
	var ref cardRef
	if len(ev.Data) > 0 {
		if err := ev.Decode(&ref); err != nil {
			return "", err
		}
	}
	if ref.CardID == "" {
		return "", errors.Errorf("%s event %s without card id", ev.Topic, ev.ID)
	}
	return ref.CardID, nil
}

// handleDynamicData answers a pull from the card's dynamic data source.
// Unknown cards and exhausted polls are acknowledged without data.
func (e *Engine) handleDynamicData(ctx context.Context, ev router.Event) (cards.Value, error) {
	cardID, err := cardIDOf(ev)
	if err != nil {
		return cards.Value{}, err
	}
	answer, ok := e.poller.Poll(cardID)
	if !ok {
		return cards.Null(), nil
	}
	if answer.Changed {
		_, err := e.Apply(ctx, cardID, MutationFunc(func(st *state.State) (Patch, error) {
			return Patch{Public: answer.Data.Clone()}, nil
		}))
		if err != nil {
			// the answer is still valid for the card; only the local copy is stale
			log.Warn().Err(err).Str("component", "session").Str("card_id", cardID).Msg("progress not recorded in card state")
		}
	}
	return poller.Response(e.settings.DataSourceID, answer)
}

// handleCardExpired drops the card's state; the poller forgets it through
// the store's eviction listener.
func (e *Engine) handleCardExpired(ctx context.Context, ev router.Event) (cards.Value, error) {
	cardID, err := cardIDOf(ev)
	if err != nil {
		return cards.Value{}, err
	}
	evicted, err := e.store.Evict(ctx, cardID)
	if err != nil {
		return cards.Value{}, err
	}
	log.Info().Str("component", "session").Str("card_id", cardID).Bool("evicted", evicted).Msg("card expired")
	return cards.Null(), nil
}
