package session

import (
	"fmt"

	"github.com/go-go-golems/cardstream/pkg/cards"
	"github.com/go-go-golems/cardstream/pkg/cards/form"
)

// DefaultForm is the form sent when no catalog entry matches. It carries one
// field of every type.
func DefaultForm() *form.Definition {
	options := []form.Option{
		{Value: cards.Int(1), Text: "Option 1"},
		{Value: cards.Int(2), Text: "Option 2"},
		{Value: cards.Int(3), Text: "Option 3"},
		{Value: cards.Int(4), Text: "Option 4"},
	}
	items := func() []form.CheckboxItem {
		out := make([]form.CheckboxItem, 4)
		for i := range out {
			out[i] = form.CheckboxItem{Value: cards.Int(i), Text: fmt.Sprintf("Item %d", i+1)}
		}
		return out
	}
	def := &form.Definition{Fields: []form.Field{
		{Name: "text_required", Label: "Required text", Type: form.TypeText, Required: true, Placeholder: "Enter text"},
		{Name: "text", Label: "Text", Type: form.TypeText, Placeholder: "Enter text"},
		{Name: "date_required", Label: "Required date", Type: form.TypeDate, Required: true},
		{Name: "date", Label: "Date", Type: form.TypeDate, Value: cards.String("2024-06-06")},
		{Name: "datetime", Label: "Date and time", Type: form.TypeDateTime, Value: cards.String("2024-06-06 12:00")},
		{Name: "select_required", Label: "Required select", Type: form.TypeSelect, Required: true, Options: options},
		{Name: "multi_select", Label: "Multi select", Type: form.TypeMultiSelect, Value: cards.Ints(0, 2), Options: options},
		{Name: "checkbox_list", Label: "Single choice list", Type: form.TypeCheckboxList, Items: items()},
		{Name: "checkbox_list_multi", Label: "Multiple choice list", Type: form.TypeCheckboxListMulti, Items: items()},
		{Name: "checkbox", Label: "Checkbox", Type: form.TypeCheckbox},
	}}
	def.Normalize()
	return def
}
