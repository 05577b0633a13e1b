package form

import (
	"github.com/go-go-golems/cardstream/pkg/cards"
)

// FieldType is the closed set of form widgets a card template can declare.
type FieldType string

const (
	TypeText              FieldType = "TEXT"
	TypeDate              FieldType = "DATE"
	TypeDateTime          FieldType = "DATETIME"
	TypeSelect            FieldType = "SELECT"
	TypeMultiSelect       FieldType = "MULTI_SELECT"
	TypeCheckbox          FieldType = "CHECKBOX"
	TypeCheckboxList      FieldType = "CHECKBOX_LIST"
	TypeCheckboxListMulti FieldType = "CHECKBOX_LIST_MULTI"
)

// Known reports whether t is one of the declared field types.
func (t FieldType) Known() bool {
	switch t {
	case TypeText, TypeDate, TypeDateTime, TypeSelect, TypeMultiSelect,
		TypeCheckbox, TypeCheckboxList, TypeCheckboxListMulti:
		return true
	}
	return false
}

func (t FieldType) isCheckboxList() bool {
	return t == TypeCheckboxList || t == TypeCheckboxListMulti
}

type Option struct {
	Value cards.Value `json:"value" yaml:"value"`
	Text  string      `json:"text" yaml:"text"`
}

// CheckboxItem is one entry of a CHECKBOX_LIST or CHECKBOX_LIST_MULTI field.
type CheckboxItem struct {
	Value   cards.Value `json:"value" yaml:"value"`
	Text    string      `json:"text" yaml:"text"`
	Checked bool        `json:"checked" yaml:"checked"`
}

// Field is a single form widget. Value holds a string for TEXT, DATE and
// DATETIME, a selection index for SELECT, a list of indexes for MULTI_SELECT
// and a bool for CHECKBOX. The CHECKBOX_LIST family keeps its state in Items.
type Field struct {
	Name        string         `json:"name" yaml:"name"`
	Label       string         `json:"label,omitempty" yaml:"label,omitempty"`
	Type        FieldType      `json:"type" yaml:"type"`
	Required    bool           `json:"required,omitempty" yaml:"required,omitempty"`
	ReadOnly    bool           `json:"read_only,omitempty" yaml:"read_only,omitempty"`
	Hidden      bool           `json:"hidden,omitempty" yaml:"hidden,omitempty"`
	Placeholder string         `json:"placeholder,omitempty" yaml:"placeholder,omitempty"`
	Value       cards.Value    `json:"value" yaml:"value,omitempty"`
	Options     []Option       `json:"options,omitempty" yaml:"options,omitempty"`
	Items       []CheckboxItem `json:"items,omitempty" yaml:"items,omitempty"`
}

// DisplayName is the label when present, the name otherwise.
func (f *Field) DisplayName() string {
	if f.Label != "" {
		return f.Label
	}
	return f.Name
}

const (
	StatusNormal   = "normal"
	StatusDisabled = "disabled"

	DefaultButtonText   = "Submit"
	SubmittedButtonText = "Submitted"
)

// Definition is the ordered field list of one form. It is owned by a card's
// session state and updated in place; fields keep their identity by name.
type Definition struct {
	Fields     []Field `json:"fields" yaml:"fields"`
	Status     string  `json:"form_status,omitempty" yaml:"form_status,omitempty"`
	ButtonText string  `json:"button_text,omitempty" yaml:"button_text,omitempty"`
	Submitted  bool    `json:"submitted,omitempty" yaml:"-"`
}

// Field returns the named field, or nil.
func (d *Definition) Field(name string) *Field {
	if d == nil {
		return nil
	}
	for i := range d.Fields {
		if d.Fields[i].Name == name {
			return &d.Fields[i]
		}
	}
	return nil
}

func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	out := &Definition{
		Status:     d.Status,
		ButtonText: d.ButtonText,
		Submitted:  d.Submitted,
		Fields:     make([]Field, len(d.Fields)),
	}
	for i, f := range d.Fields {
		f.Value = f.Value.Clone()
		if f.Options != nil {
			opts := make([]Option, len(f.Options))
			for j, o := range f.Options {
				o.Value = o.Value.Clone()
				opts[j] = o
			}
			f.Options = opts
		}
		if f.Items != nil {
			items := make([]CheckboxItem, len(f.Items))
			for j, it := range f.Items {
				it.Value = it.Value.Clone()
				items[j] = it
			}
			f.Items = items
		}
		out.Fields[i] = f
	}
	return out
}

// Normalize fills in the unset value shapes so a freshly loaded definition
// validates the same way a reduced one does.
func (d *Definition) Normalize() {
	if d.Status == "" {
		d.Status = StatusNormal
	}
	if d.ButtonText == "" {
		d.ButtonText = DefaultButtonText
	}
	for i := range d.Fields {
		f := &d.Fields[i]
		if !f.Value.IsNull() {
			continue
		}
		switch f.Type {
		case TypeText, TypeDate, TypeDateTime:
			f.Value = cards.String("")
		case TypeSelect:
			f.Value = cards.Int(-1)
		case TypeMultiSelect:
			f.Value = cards.Ints()
		case TypeCheckbox:
			f.Value = cards.Bool(false)
		}
	}
}
