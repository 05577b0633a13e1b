package session

import (
	"github.com/go-go-golems/cardstream/pkg/cards"
	"github.com/go-go-golems/cardstream/pkg/cards/state"
)

// Patch is the by-key delta a mutation produced: public fields for every
// viewer, and private fields per user id.
type Patch struct {
	Public  cards.Data
	Private map[string]cards.Data
}

func (p Patch) IsEmpty() bool {
	if len(p.Public) > 0 {
		return false
	}
	for _, d := range p.Private {
		if len(d) > 0 {
			return false
		}
	}
	return true
}

// SetPrivate sets one private field of user.
func (p *Patch) SetPrivate(user, key string, v cards.Value) {
	if p.Private == nil {
		p.Private = map[string]cards.Data{}
	}
	d := p.Private[user]
	if d == nil {
		d = cards.Data{}
		p.Private[user] = d
	}
	d[key] = v
}

func (p *Patch) SetPublic(key string, v cards.Value) {
	if p.Public == nil {
		p.Public = cards.Data{}
	}
	p.Public[key] = v
}

// applyTo merges the patch into st key by key.
func (p Patch) applyTo(st *state.State) {
	if len(p.Public) > 0 {
		st.Public = st.Public.Merge(p.Public)
	}
	for user, d := range p.Private {
		st.PrivateFor(user).Merge(d)
	}
}

// Mutation is one change to a card session. Apply may modify st directly
// (for example its form) and returns the patch that has to reach the card.
type Mutation interface {
	Apply(st *state.State) (Patch, error)
}

type MutationFunc func(st *state.State) (Patch, error)

func (f MutationFunc) Apply(st *state.State) (Patch, error) { return f(st) }

// CallbackResponse renders p as the synchronous reply to a card callback of
// user: by-key update options, public data, and the user's private data, all
// as cardParamMaps.
func CallbackResponse(p Patch, user string) (cards.Value, error) {
	out := map[string]cards.Value{
		"cardUpdateOptions": cards.Map(map[string]cards.Value{
			"updateCardDataByKey":    cards.Bool(true),
			"updatePrivateDataByKey": cards.Bool(true),
		}),
	}
	if len(p.Public) > 0 {
		params, err := p.Public.ParamMap()
		if err != nil {
			return cards.Value{}, err
		}
		out["cardData"] = paramMapValue(params)
	}
	if d := p.Private[user]; len(d) > 0 {
		params, err := d.ParamMap()
		if err != nil {
			return cards.Value{}, err
		}
		out["userPrivateData"] = paramMapValue(params)
	}
	return cards.Map(out), nil
}

func paramMapValue(params map[string]string) cards.Value {
	m := make(map[string]cards.Value, len(params))
	for k, v := range params {
		m[k] = cards.String(v)
	}
	return cards.Map(map[string]cards.Value{"cardParamMap": cards.Map(m)})
}
