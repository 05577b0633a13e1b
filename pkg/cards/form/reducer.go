package form

import (
	"fmt"
	"strings"

	"github.com/go-go-golems/cardstream/pkg/cards"
)

// Action is the kind of interaction a card callback carries for a form.
type Action string

const (
	ActionUpdate Action = "update"
	ActionRemove Action = "remove"
	ActionSubmit Action = "submit"
)

// Event is one field-level interaction. For ActionSubmit, FieldName is
// ignored and Payload may carry a map of field name to submitted value.
type Event struct {
	FieldName string      `json:"name"`
	Action    Action      `json:"action"`
	Payload   cards.Value `json:"payload"`
}

type VerdictKind int

const (
	// VerdictOK means the event was applied (and, for submit, accepted).
	VerdictOK VerdictKind = iota
	// VerdictRequired means a submit was refused because required fields are unset.
	VerdictRequired
	// VerdictTypeMismatch means a submit found a value that does not fit its field type.
	VerdictTypeMismatch
	// VerdictRejected means the event itself could not be applied.
	VerdictRejected
)

func (k VerdictKind) String() string {
	switch k {
	case VerdictOK:
		return "ok"
	case VerdictRequired:
		return "required"
	case VerdictTypeMismatch:
		return "type_mismatch"
	case VerdictRejected:
		return "rejected"
	}
	return fmt.Sprintf("verdict(%d)", int(k))
}

// Verdict is the outcome of Reduce. Unmet is always recomputed, in
// definition order, whatever the action.
type Verdict struct {
	Kind       VerdictKind
	Unmet      []string
	Mismatched []string
	Message    string
	Changed    bool
	Submitted  bool
}

func (v Verdict) OK() bool { return v.Kind == VerdictOK }

// Reduce applies ev to def in place and re-validates it.
func Reduce(def *Definition, ev Event) Verdict {
	if def == nil {
		return Verdict{Kind: VerdictRejected, Message: "form is not available"}
	}
	if def.Submitted {
		return rejected(def, "form has already been submitted")
	}

	switch ev.Action {
	case ActionSubmit:
		return submit(def, ev.Payload)
	case ActionUpdate, ActionRemove, "":
	default:
		return rejected(def, fmt.Sprintf("unknown form action %q", ev.Action))
	}

	f := def.Field(ev.FieldName)
	if f == nil {
		return rejected(def, fmt.Sprintf("unknown form field %q", ev.FieldName))
	}
	if f.ReadOnly {
		return rejected(def, fmt.Sprintf("field %q is read-only", f.DisplayName()))
	}

	var err error
	if ev.Action == ActionRemove {
		err = removeValue(f, ev.Payload)
	} else {
		err = updateValue(f, ev.Payload)
	}
	if err != nil {
		return rejected(def, err.Error())
	}
	return Verdict{Kind: VerdictOK, Unmet: Unmet(def), Changed: true}
}

func rejected(def *Definition, msg string) Verdict {
	return Verdict{Kind: VerdictRejected, Unmet: Unmet(def), Message: msg}
}

func updateValue(f *Field, payload cards.Value) error {
	switch f.Type {
	case TypeText, TypeDate, TypeDateTime:
		f.Value = payload.Clone()
		return nil

	case TypeSelect:
		if payload.IsNull() {
			f.Value = cards.Int(-1)
			return nil
		}
		idx, ok := selectionIndex(payload)
		if !ok {
			return fmt.Errorf("field %q expects a selection index", f.DisplayName())
		}
		f.Value = cards.Int(idx)
		return nil

	case TypeMultiSelect:
		if payload.IsNull() {
			f.Value = cards.Ints()
			return nil
		}
		idxs, ok := selectionIndexes(payload)
		if !ok {
			return fmt.Errorf("field %q expects a list of selection indexes", f.DisplayName())
		}
		f.Value = cards.Ints(idxs...)
		return nil

	case TypeCheckbox:
		switch payload.Kind() {
		case cards.KindNull:
			f.Value = cards.Bool(!f.Value.Bool())
		case cards.KindBool:
			f.Value = payload
		default:
			return fmt.Errorf("field %q expects a boolean", f.DisplayName())
		}
		return nil

	case TypeCheckboxList:
		i := findItem(f.Items, payload)
		if i < 0 {
			return fmt.Errorf("field %q has no option %s", f.DisplayName(), describe(payload))
		}
		for j := range f.Items {
			f.Items[j].Checked = false
		}
		f.Items[i].Checked = true
		return nil

	case TypeCheckboxListMulti:
		i := findItem(f.Items, payload)
		if i < 0 {
			return fmt.Errorf("field %q has no option %s", f.DisplayName(), describe(payload))
		}
		f.Items[i].Checked = !f.Items[i].Checked
		return nil
	}
	return fmt.Errorf("invalid field type %q", f.Type)
}

func removeValue(f *Field, payload cards.Value) error {
	switch f.Type {
	case TypeMultiSelect:
		idx, ok := selectionIndex(payload)
		if !ok {
			return fmt.Errorf("field %q expects a selection index to remove", f.DisplayName())
		}
		kept := make([]cards.Value, 0, len(f.Value.Items()))
		for _, v := range f.Value.Items() {
			if n, ok := v.AsInt(); ok && n == idx {
				continue
			}
			kept = append(kept, v)
		}
		f.Value = cards.List(kept...)
		return nil

	case TypeCheckboxListMulti:
		i := findItem(f.Items, payload)
		if i < 0 {
			return fmt.Errorf("field %q has no option %s", f.DisplayName(), describe(payload))
		}
		f.Items[i].Checked = false
		return nil
	}
	return fmt.Errorf("field %q does not support remove", f.DisplayName())
}

// selectionIndex accepts a bare index or the card's {"index": n, "value": …}
// selection object.
func selectionIndex(v cards.Value) (int, bool) {
	if v.Kind() == cards.KindMap {
		v = v.Get("index")
	}
	return v.AsInt()
}

func selectionIndexes(v cards.Value) ([]int, bool) {
	if v.Kind() == cards.KindMap {
		v = v.Get("index")
	}
	if v.Kind() != cards.KindList {
		return nil, false
	}
	out := make([]int, 0, len(v.Items()))
	for _, item := range v.Items() {
		n, ok := item.AsInt()
		if !ok {
			return nil, false
		}
		out = append(out, n)
	}
	return out, true
}

func findItem(items []CheckboxItem, payload cards.Value) int {
	if payload.Kind() == cards.KindMap {
		payload = payload.Get("value")
	}
	for i, it := range items {
		if itemMatches(it.Value, payload) {
			return i
		}
	}
	return -1
}

// itemMatches treats "2" and 2 as the same option; callbacks send either.
func itemMatches(item, payload cards.Value) bool {
	if item.Equal(payload) {
		return true
	}
	a, okA := item.AsInt()
	b, okB := payload.AsInt()
	return okA && okB && a == b
}

func describe(v cards.Value) string {
	if v.IsNull() {
		return "(none)"
	}
	if v.Kind() == cards.KindString {
		return fmt.Sprintf("%q", v.Str())
	}
	b, err := v.MarshalJSON()
	if err != nil {
		return v.Kind().String()
	}
	return string(b)
}

// submit validates the submitted values on a copy of def. The copy replaces
// def only when the submission is accepted, so a refused submit leaves the
// form as it was.
func submit(def *Definition, payload cards.Value) Verdict {
	work := def.Clone()
	if payload.Kind() == cards.KindMap {
		for i := range work.Fields {
			f := &work.Fields[i]
			v, ok := payload.Fields()[f.Name]
			if !ok || f.ReadOnly {
				continue
			}
			if err := submitValue(f, v); err != nil {
				return Verdict{
					Kind:       VerdictTypeMismatch,
					Unmet:      Unmet(def),
					Mismatched: []string{f.Name},
					Message:    err.Error(),
				}
			}
		}
	}

	if mismatched, msg := CheckTypes(work); len(mismatched) > 0 {
		return Verdict{
			Kind:       VerdictTypeMismatch,
			Unmet:      Unmet(def),
			Mismatched: mismatched,
			Message:    msg,
		}
	}

	if unmet := Unmet(work); len(unmet) > 0 {
		return Verdict{
			Kind:    VerdictRequired,
			Unmet:   unmet,
			Message: RequiredMessage(work, unmet),
		}
	}

	work.Submitted = true
	work.Status = StatusDisabled
	work.ButtonText = SubmittedButtonText
	*def = *work
	return Verdict{Kind: VerdictOK, Changed: true, Submitted: true}
}

// submitValue stores a submitted value. Submitted checkbox lists carry the
// full set of checked option values rather than a single toggle.
func submitValue(f *Field, v cards.Value) error {
	if !f.Type.isCheckboxList() {
		return updateValue(f, v)
	}
	var wanted []cards.Value
	switch v.Kind() {
	case cards.KindNull:
	case cards.KindList:
		wanted = v.Items()
	default:
		wanted = []cards.Value{v}
	}
	if f.Type == TypeCheckboxList && len(wanted) > 1 {
		return fmt.Errorf("invalid value for field %q: expected a single option", f.DisplayName())
	}
	for j := range f.Items {
		f.Items[j].Checked = false
		for _, w := range wanted {
			if itemMatches(f.Items[j].Value, w) {
				f.Items[j].Checked = true
			}
		}
	}
	return nil
}

// RequiredMessage is the card-visible text for unmet required fields.
func RequiredMessage(def *Definition, unmet []string) string {
	names := make([]string, 0, len(unmet))
	for _, n := range unmet {
		if f := def.Field(n); f != nil {
			names = append(names, f.DisplayName())
			continue
		}
		names = append(names, n)
	}
	return "Please fill in the required fields: " + strings.Join(names, ", ")
}
