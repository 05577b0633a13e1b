package session

import (
	"context"
	"encoding/json"

	"github.com/go-go-golems/cardstream/pkg/cards"
	"github.com/go-go-golems/cardstream/pkg/cards/form"
	"github.com/go-go-golems/cardstream/pkg/cards/router"
	"github.com/go-go-golems/cardstream/pkg/cards/state"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CardCallback is the data of a card-callback event.
type CardCallback struct {
	CardID string                 `json:"card_id"`
	UserID string                 `json:"user_id"`
	Params map[string]cards.Value `json:"params"`
}

func (cb CardCallback) param(key string) cards.Value {
	return cb.Params[key]
}

// Callback actions. Templates with a single interaction infer the action
// from the params when it is omitted.
const (
	ActionFormUpdate = "form_update"
	ActionFormRemove = "form_remove"
	ActionFormSubmit = "form_submit"
	ActionChainJoin  = "chain_join"
	ActionChainLeave = "chain_leave"

	// Notice card tabs.
	ActionApprovalSubmit = "submit_form"
	ActionDislikeSubmit  = "submit_dislike"
)

var ErrNoForm = errors.New("card has no form")

func (e *Engine) handleCardCallback(ctx context.Context, ev router.Event) (cards.Value, error) {
	var cb CardCallback
	if err := ev.Decode(&cb); err != nil {
		return cards.Value{}, err
	}
	if cb.CardID == "" {
		cb.CardID = ev.CardID
	}
	if cb.CardID == "" || cb.UserID == "" {
		return cards.Value{}, errors.Errorf("card callback %s without card or user id", ev.ID)
	}

	st, err := e.store.Get(ctx, cb.CardID)
	if err != nil {
		return cards.Value{}, err
	}

	switch callbackAction(st.Card.TemplateID, cb) {
	case ActionFormUpdate, ActionFormRemove, ActionFormSubmit:
		return e.HandleFormCallback(ctx, cb)
	case ActionChainJoin, ActionChainLeave:
		_, err := e.HandleChainCallback(ctx, cb)
		return cards.Null(), err
	case ActionApprovalSubmit:
		return e.HandleApprovalCallback(ctx, cb)
	case ActionDislikeSubmit:
		return e.HandleDislikeCallback(ctx, cb)
	}
	return cards.Value{}, errors.Errorf("no callback action for card %s (%s)", cb.CardID, st.Card.TemplateID)
}

func callbackAction(templateID string, cb CardCallback) string {
	if a := cb.param("action"); a.Kind() == cards.KindString && a.Str() != "" {
		return a.Str()
	}
	switch templateID {
	case TemplateChain:
		if !cb.param("delete_uid").IsEmpty() {
			return ActionChainLeave
		}
		return ActionChainJoin
	case TemplateForm:
		if !cb.param("submit").IsNull() || !cb.param("values").IsNull() {
			return ActionFormSubmit
		}
		if cb.param("remove").Bool() {
			return ActionFormRemove
		}
		return ActionFormUpdate
	}
	return ""
}

// formEvent maps callback params to a reducer event. The field value is
// taken from "value", or from the param named after the field.
func formEvent(cb CardCallback) form.Event {
	action := callbackAction(TemplateForm, cb)
	if action == ActionFormSubmit {
		return form.Event{Action: form.ActionSubmit, Payload: cb.param("values")}
	}
	name := cb.param("name").Str()
	payload, ok := cb.Params["value"]
	if !ok {
		payload = cb.param(name)
	}
	ev := form.Event{FieldName: name, Action: form.ActionUpdate, Payload: payload}
	if action == ActionFormRemove {
		ev.Action = form.ActionRemove
	}
	return ev
}

// HandleFormCallback reduces one form interaction on the user's own copy of
// the form and answers with the user's private data: the updated fields
// plus the validation message.
func (e *Engine) HandleFormCallback(ctx context.Context, cb CardCallback) (cards.Value, error) {
	ev := formEvent(cb)
	patch, err := e.Apply(ctx, cb.CardID, MutationFunc(func(st *state.State) (Patch, error) {
		def := st.FormFor(cb.UserID)
		if def == nil {
			return Patch{}, ErrNoForm
		}
		verdict := form.Reduce(def, ev)

		var p Patch
		fields, err := formFieldsValue(def)
		if err != nil {
			return Patch{}, err
		}
		p.SetPrivate(cb.UserID, "form_fields", fields)
		if verdict.OK() {
			p.SetPrivate(cb.UserID, "err_msg", cards.String(""))
		} else {
			p.SetPrivate(cb.UserID, "err_msg", cards.String(verdict.Message))
		}
		if verdict.Submitted {
			p.SetPrivate(cb.UserID, "form_status", cards.String(def.Status))
			p.SetPrivate(cb.UserID, "button_text", cards.String(def.ButtonText))
		}
		return p, nil
	}))
	if err != nil {
		return cards.Value{}, err
	}
	return CallbackResponse(patch, cb.UserID)
}

// HandleChainCallback adds the user to the chain list, or removes the entry
// named by delete_uid. The updated list is pushed to every viewer.
func (e *Engine) HandleChainCallback(ctx context.Context, cb CardCallback) (Patch, error) {
	leave := callbackAction(TemplateChain, cb) == ActionChainLeave
	return e.ApplyAndDeliver(ctx, cb.CardID, MutationFunc(func(st *state.State) (Patch, error) {
		current := st.Public["content"].Items()
		next := make([]cards.Value, 0, len(current)+1)
		var p Patch
		p.SetPrivate(cb.UserID, "uid", cards.String(cb.UserID))

		if leave {
			uid := cb.param("delete_uid").Str()
			for _, item := range current {
				if item.Get("uid").Str() == uid {
					continue
				}
				next = append(next, item)
			}
			p.SetPrivate(cb.UserID, "joined", cards.Bool(false))
		} else {
			next = append(next, current...)
			next = append(next, cards.Map(map[string]cards.Value{
				"timestamp": cards.String(e.now().Format("2006-01-02 15:04:05")),
				"uid":       cards.String(cb.UserID),
				"remark":    cb.param("remark"),
				"nick":      cb.param("nick"),
				"avatar":    cards.String(""),
			}))
			p.SetPrivate(cb.UserID, "joined", cards.Bool(true))
		}
		p.SetPublic("content", cards.List(next...))
		return p, nil
	}))
}

// objectParam returns the fields of a map param. Cards may also send the
// object JSON-encoded as a string.
func objectParam(v cards.Value) (map[string]cards.Value, error) {
	switch v.Kind() {
	case cards.KindNull:
		return map[string]cards.Value{}, nil
	case cards.KindMap:
		return v.Clone().Fields(), nil
	case cards.KindString:
		var decoded cards.Value
		if err := json.Unmarshal([]byte(v.Str()), &decoded); err != nil || decoded.Kind() != cards.KindMap {
			return nil, errors.Errorf("expected an object, got %q", v.Str())
		}
		return decoded.Fields(), nil
	}
	return nil, errors.Errorf("expected an object, got %s", v.Kind())
}

// HandleApprovalCallback takes the submitted approval of a notice card. The
// approval info is locked (button disabled) and the form data is stored with
// the index of the chosen type, -1 when none was chosen.
func (e *Engine) HandleApprovalCallback(ctx context.Context, cb CardCallback) (cards.Value, error) {
	info, err := objectParam(cb.param("form_info"))
	if err != nil {
		return cards.Value{}, errors.Wrap(err, "form_info")
	}
	data, err := objectParam(cb.param("form_data"))
	if err != nil {
		return cards.Value{}, errors.Wrap(err, "form_data")
	}

	patch, err := e.Apply(ctx, cb.CardID, MutationFunc(func(st *state.State) (Patch, error) {
		merged := map[string]cards.Value{}
		for k, v := range st.Public["formInfo"].Fields() {
			merged[k] = v.Clone()
		}
		for k, v := range info {
			merged[k] = v
		}
		merged["submitBtnText"] = cards.String(form.SubmittedButtonText)
		merged["submitBtnStatus"] = cards.String(form.StatusDisabled)

		typeIndex := -1
		if n, ok := data["type"].Get("index").AsInt(); ok {
			typeIndex = n
		}
		data["typeIndex"] = cards.Int(typeIndex)

		var p Patch
		p.SetPublic("formInfo", cards.Map(merged))
		p.SetPublic("formData", cards.Map(data))
		return p, nil
	}))
	if err != nil {
		return cards.Value{}, err
	}
	log.Info().Str("component", "session").Str("card_id", cb.CardID).Str("user_id", cb.UserID).
		Interface("form_data", cards.Map(data).Interface()).Msg("approval submitted")
	return CallbackResponse(patch, cb.UserID)
}

// HandleDislikeCallback records the feedback of a notice card and marks the
// feedback tab as submitted.
func (e *Engine) HandleDislikeCallback(ctx context.Context, cb CardCallback) (cards.Value, error) {
	var reasons []string
	for _, r := range cb.param("dislike_reason").Items() {
		reasons = append(reasons, r.Str())
	}
	patch, err := e.Apply(ctx, cb.CardID, MutationFunc(func(st *state.State) (Patch, error) {
		var p Patch
		p.SetPublic("submitted", cards.Bool(true))
		return p, nil
	}))
	if err != nil {
		return cards.Value{}, err
	}
	log.Info().Str("component", "session").Str("card_id", cb.CardID).Str("user_id", cb.UserID).
		Strs("reasons", reasons).Str("custom_reason", cb.param("custom_dislike_reason").Str()).
		Msg("dislike submitted")
	return CallbackResponse(patch, cb.UserID)
}
