package form

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-go-golems/cardstream/pkg/cards"
)

const (
	DateLayout     = "2006-01-02"
	DateTimeLayout = "2006-01-02 15:04"
)

// Unmet returns the names of required fields that are still unset, in
// definition order. It never mutates def, so calling it twice yields the
// same answer.
func Unmet(def *Definition) []string {
	if def == nil {
		return nil
	}
	var out []string
	for i := range def.Fields {
		f := &def.Fields[i]
		if f.Required && !isSet(f) {
			out = append(out, f.Name)
		}
	}
	return out
}

func isSet(f *Field) bool {
	switch f.Type {
	case TypeSelect:
		idx, ok := f.Value.AsInt()
		return ok && idx >= 0
	case TypeMultiSelect:
		return len(f.Value.Items()) > 0
	case TypeCheckbox:
		return f.Value.Kind() == cards.KindBool
	case TypeCheckboxList, TypeCheckboxListMulti:
		for _, it := range f.Items {
			if it.Checked {
				return true
			}
		}
		return false
	default:
		return !f.Value.IsEmpty()
	}
}

// CheckTypes verifies every field value against its declared type. It returns
// the offending field names in definition order together with a card-visible
// message.
func CheckTypes(def *Definition) ([]string, string) {
	if def == nil {
		return nil, ""
	}
	var names, labels []string
	for i := range def.Fields {
		f := &def.Fields[i]
		if err := checkType(f); err != nil {
			names = append(names, f.Name)
			labels = append(labels, fmt.Sprintf("%s (%s)", f.DisplayName(), err))
		}
	}
	if len(names) == 0 {
		return nil, ""
	}
	return names, "Invalid value for: " + strings.Join(labels, ", ")
}

func checkType(f *Field) error {
	v := f.Value
	switch f.Type {
	case TypeText:
		if !v.IsNull() && v.Kind() != cards.KindString {
			return fmt.Errorf("expected text")
		}
	case TypeDate, TypeDateTime:
		if v.IsNull() {
			return nil
		}
		if v.Kind() != cards.KindString {
			return fmt.Errorf("expected %s", strings.ToLower(string(f.Type)))
		}
		if v.Str() == "" {
			return nil
		}
		layout := DateLayout
		if f.Type == TypeDateTime {
			layout = DateTimeLayout
		}
		if _, err := time.Parse(layout, v.Str()); err != nil {
			return fmt.Errorf("expected format %s", layout)
		}
	case TypeSelect:
		if v.IsNull() {
			return nil
		}
		idx, ok := v.AsInt()
		if !ok || v.Kind() != cards.KindNumber {
			return fmt.Errorf("expected a selection index")
		}
		if len(f.Options) > 0 && idx >= len(f.Options) {
			return fmt.Errorf("selection out of range")
		}
	case TypeMultiSelect:
		if v.IsNull() {
			return nil
		}
		if v.Kind() != cards.KindList {
			return fmt.Errorf("expected a list of selection indexes")
		}
		for _, item := range v.Items() {
			idx, ok := item.AsInt()
			if !ok || item.Kind() != cards.KindNumber || idx < 0 {
				return fmt.Errorf("expected a list of selection indexes")
			}
			if len(f.Options) > 0 && idx >= len(f.Options) {
				return fmt.Errorf("selection out of range")
			}
		}
	case TypeCheckbox:
		if !v.IsNull() && v.Kind() != cards.KindBool {
			return fmt.Errorf("expected a boolean")
		}
	case TypeCheckboxList:
		checked := 0
		for _, it := range f.Items {
			if it.Checked {
				checked++
			}
		}
		if checked > 1 {
			return fmt.Errorf("expected a single option")
		}
	case TypeCheckboxListMulti:
	default:
		return fmt.Errorf("unknown field type %q", f.Type)
	}
	return nil
}
