package form

import (
	"testing"

	"github.com/go-go-golems/cardstream/pkg/cards"
	"github.com/stretchr/testify/require"
)

func sampleForm() *Definition {
	def := &Definition{Fields: []Field{
		{Name: "text_required", Label: "Reason", Type: TypeText, Required: true},
		{Name: "date_required", Label: "Start date", Type: TypeDate, Required: true},
		{Name: "datetime", Type: TypeDateTime},
		{Name: "select", Type: TypeSelect, Options: []Option{
			{Value: cards.String("a"), Text: "A"},
			{Value: cards.String("b"), Text: "B"},
		}},
		{Name: "tags", Type: TypeMultiSelect, Options: []Option{
			{Value: cards.String("x"), Text: "X"},
			{Value: cards.String("y"), Text: "Y"},
			{Value: cards.String("z"), Text: "Z"},
		}},
		{Name: "agree", Type: TypeCheckbox},
		{Name: "level", Type: TypeCheckboxList, Items: []CheckboxItem{
			{Value: cards.Int(1), Text: "one"},
			{Value: cards.Int(2), Text: "two"},
			{Value: cards.Int(3), Text: "three"},
		}},
		{Name: "extras", Type: TypeCheckboxListMulti, Items: []CheckboxItem{
			{Value: cards.String("tea"), Text: "Tea"},
			{Value: cards.String("cake"), Text: "Cake"},
		}},
	}}
	def.Normalize()
	return def
}

func checkedCount(f *Field) int {
	n := 0
	for _, it := range f.Items {
		if it.Checked {
			n++
		}
	}
	return n
}

func TestSubmitReportsOnlyEmptyRequiredText(t *testing.T) {
	def := sampleForm()
	v := Reduce(def, Event{Action: ActionSubmit, Payload: cards.Map(map[string]cards.Value{
		"text_required": cards.String(""),
		"date_required": cards.String("2024-01-01"),
	})})
	require.Equal(t, VerdictRequired, v.Kind)
	require.Equal(t, []string{"text_required"}, v.Unmet)
	require.Contains(t, v.Message, "Reason")
	require.False(t, def.Submitted)
	require.Equal(t, "", def.Field("date_required").Value.Str())
}

func TestSubmitAcceptedDisablesForm(t *testing.T) {
	def := sampleForm()
	require.True(t, Reduce(def, Event{FieldName: "text_required", Payload: cards.String("holiday")}).OK())
	require.True(t, Reduce(def, Event{FieldName: "date_required", Payload: cards.String("2024-01-01")}).OK())

	v := Reduce(def, Event{Action: ActionSubmit})
	require.True(t, v.OK())
	require.True(t, v.Submitted)
	require.Equal(t, StatusDisabled, def.Status)
	require.Equal(t, SubmittedButtonText, def.ButtonText)

	v = Reduce(def, Event{FieldName: "text_required", Payload: cards.String("changed")})
	require.Equal(t, VerdictRejected, v.Kind)
	require.Equal(t, "holiday", def.Field("text_required").Value.Str())
}

func TestTypeMismatchIsDistinctFromRequired(t *testing.T) {
	def := sampleForm()
	v := Reduce(def, Event{Action: ActionSubmit, Payload: cards.Map(map[string]cards.Value{
		"text_required": cards.String("x"),
		"date_required": cards.String("01/02/2024"),
	})})
	require.Equal(t, VerdictTypeMismatch, v.Kind)
	require.Equal(t, []string{"date_required"}, v.Mismatched)
	require.Contains(t, v.Message, "Invalid value")
	require.NotContains(t, v.Message, "required")

	req := Reduce(sampleForm(), Event{Action: ActionSubmit})
	require.Equal(t, VerdictRequired, req.Kind)
	require.NotEqual(t, v.Message, req.Message)
	require.Equal(t, []string{"text_required", "date_required"}, req.Unmet)
}

func TestCheckboxListIsMutuallyExclusive(t *testing.T) {
	def := sampleForm()
	for _, pick := range []cards.Value{cards.Int(1), cards.Int(3), cards.String("2"), cards.Int(3)} {
		v := Reduce(def, Event{FieldName: "level", Payload: pick})
		require.True(t, v.OK())
		require.Equal(t, 1, checkedCount(def.Field("level")))
	}
	require.True(t, def.Field("level").Items[2].Checked)
}

func TestCheckboxListUnknownItemIsRejectedWithoutChange(t *testing.T) {
	def := sampleForm()
	require.True(t, Reduce(def, Event{FieldName: "level", Payload: cards.Int(2)}).OK())
	v := Reduce(def, Event{FieldName: "level", Payload: cards.Int(9)})
	require.Equal(t, VerdictRejected, v.Kind)
	require.True(t, def.Field("level").Items[1].Checked)
	require.Equal(t, 1, checkedCount(def.Field("level")))
}

func TestCheckboxListMultiTogglesOnlyTarget(t *testing.T) {
	def := sampleForm()
	require.True(t, Reduce(def, Event{FieldName: "extras", Payload: cards.String("tea")}).OK())
	require.True(t, Reduce(def, Event{FieldName: "extras", Payload: cards.String("cake")}).OK())
	f := def.Field("extras")
	require.True(t, f.Items[0].Checked)
	require.True(t, f.Items[1].Checked)

	require.True(t, Reduce(def, Event{FieldName: "extras", Payload: cards.String("tea")}).OK())
	require.False(t, f.Items[0].Checked)
	require.True(t, f.Items[1].Checked)
}

func TestCheckboxFlipsWithoutPayload(t *testing.T) {
	def := sampleForm()
	require.True(t, Reduce(def, Event{FieldName: "agree"}).OK())
	require.True(t, def.Field("agree").Value.Bool())
	require.True(t, Reduce(def, Event{FieldName: "agree"}).OK())
	require.False(t, def.Field("agree").Value.Bool())
	require.True(t, Reduce(def, Event{FieldName: "agree", Payload: cards.Bool(true)}).OK())
	require.True(t, def.Field("agree").Value.Bool())
}

func TestSelectStoresIndexForm(t *testing.T) {
	def := sampleForm()
	require.True(t, Reduce(def, Event{FieldName: "select", Payload: cards.Map(map[string]cards.Value{
		"index": cards.Int(1),
		"value": cards.String("b"),
	})}).OK())
	require.True(t, def.Field("select").Value.Equal(cards.Int(1)))

	require.True(t, Reduce(def, Event{FieldName: "tags", Payload: cards.Ints(0, 2)}).OK())
	require.True(t, def.Field("tags").Value.Equal(cards.Ints(0, 2)))

	v := Reduce(def, Event{FieldName: "select", Payload: cards.String("b")})
	require.Equal(t, VerdictRejected, v.Kind)
	require.True(t, def.Field("select").Value.Equal(cards.Int(1)))
}

func TestRemoveFiltersMultiSelectByValue(t *testing.T) {
	def := sampleForm()
	require.True(t, Reduce(def, Event{FieldName: "tags", Payload: cards.Ints(0, 1, 2)}).OK())
	require.True(t, Reduce(def, Event{FieldName: "tags", Action: ActionRemove, Payload: cards.Int(1)}).OK())
	require.True(t, def.Field("tags").Value.Equal(cards.Ints(0, 2)))

	// removing an index that is not selected is a no-op
	require.True(t, Reduce(def, Event{FieldName: "tags", Action: ActionRemove, Payload: cards.Int(1)}).OK())
	require.True(t, def.Field("tags").Value.Equal(cards.Ints(0, 2)))

	v := Reduce(def, Event{FieldName: "text_required", Action: ActionRemove, Payload: cards.String("x")})
	require.Equal(t, VerdictRejected, v.Kind)
}

func TestRequiredValidationIsIdempotent(t *testing.T) {
	def := &Definition{Fields: []Field{
		{Name: "choice", Type: TypeSelect, Required: true},
		{Name: "many", Type: TypeCheckboxListMulti, Required: true, Items: []CheckboxItem{
			{Value: cards.String("a")},
		}},
	}}
	def.Normalize()
	require.Equal(t, []string{"choice", "many"}, Unmet(def))

	require.True(t, Reduce(def, Event{FieldName: "choice", Payload: cards.Int(0)}).OK())
	v := Reduce(def, Event{FieldName: "many", Payload: cards.String("a")})
	require.True(t, v.OK())
	require.Empty(t, v.Unmet)
	require.Empty(t, Unmet(def))
	require.Empty(t, Unmet(def))
}

func TestReadOnlyFieldRejectsUpdate(t *testing.T) {
	def := &Definition{Fields: []Field{
		{Name: "id", Type: TypeText, ReadOnly: true, Value: cards.String("42")},
	}}
	v := Reduce(def, Event{FieldName: "id", Payload: cards.String("43")})
	require.Equal(t, VerdictRejected, v.Kind)
	require.Equal(t, "42", def.Field("id").Value.Str())
}

func TestCatalogLoadsYAML(t *testing.T) {
	c, err := ParseCatalog([]byte(`
forms:
  leave:
    fields:
      - name: reason
        label: Reason
        type: TEXT
        required: true
      - name: kind
        type: CHECKBOX_LIST
        items:
          - value: 1
            text: annual
          - value: 2
            text: sick
`))
	require.NoError(t, err)
	require.Equal(t, []string{"leave"}, c.Names())

	def, ok := c.Get("leave")
	require.True(t, ok)
	require.Equal(t, StatusNormal, def.Status)
	require.Equal(t, []string{"reason"}, Unmet(def))

	require.True(t, Reduce(def, Event{FieldName: "kind", Payload: cards.Int(2)}).OK())
	again, _ := c.Get("leave")
	require.Equal(t, 0, checkedCount(again.Field("kind")))

	_, err = ParseCatalog([]byte("forms:\n  bad:\n    fields:\n      - name: x\n        type: SLIDER\n"))
	require.Error(t, err)
}

func TestRefusedSubmitLeavesFormUnchanged(t *testing.T) {
	def := &Definition{Fields: []Field{
		{Name: "title", Type: TypeText, Value: cards.String("original")},
		{Name: "when", Type: TypeSelect, Options: []Option{{Value: cards.Int(0), Text: "now"}}},
		{Name: "note", Type: TypeText},
	}}
	def.Normalize()

	v := Reduce(def, Event{Action: ActionSubmit, Payload: cards.Map(map[string]cards.Value{
		"title": cards.String("overwritten"),
		"when":  cards.String("not-an-index"),
		"note":  cards.Int(42),
	})})
	require.Equal(t, VerdictTypeMismatch, v.Kind)
	require.False(t, v.Changed)
	require.Equal(t, "original", def.Field("title").Value.Str())
	require.True(t, def.Field("when").Value.Equal(cards.Int(-1)))
	require.Equal(t, cards.KindString, def.Field("note").Value.Kind())

	v = Reduce(def, Event{Action: ActionSubmit, Payload: cards.Map(map[string]cards.Value{
		"note": cards.Int(42),
	})})
	require.Equal(t, VerdictTypeMismatch, v.Kind)
	require.Equal(t, []string{"note"}, v.Mismatched)
	require.Equal(t, "", def.Field("note").Value.Str())

	v = Reduce(def, Event{Action: ActionSubmit})
	require.True(t, v.OK(), v.Message)
	require.Equal(t, "original", def.Field("title").Value.Str())
}

func TestDateFormatsAreCheckedOnSubmit(t *testing.T) {
	for _, tc := range []struct {
		field, value, layout string
	}{
		{"date_required", "06/07/2024", DateLayout},
		{"date_required", "2024-06-07 10:00", DateLayout},
		{"datetime", "2024-06-07", DateTimeLayout},
		{"datetime", "2024-06-07T10:00:00Z", DateTimeLayout},
	} {
		def := sampleForm()
		require.True(t, Reduce(def, Event{FieldName: "text_required", Payload: cards.String("x")}).OK())
		require.True(t, Reduce(def, Event{FieldName: "date_required", Payload: cards.String("2024-06-07")}).OK())
		// updates store the value verbatim; the format is checked on submit
		require.True(t, Reduce(def, Event{FieldName: tc.field, Payload: cards.String(tc.value)}).OK())

		v := Reduce(def, Event{Action: ActionSubmit})
		require.Equal(t, VerdictTypeMismatch, v.Kind, tc.value)
		require.Equal(t, []string{tc.field}, v.Mismatched, tc.value)
		require.Contains(t, v.Message, tc.layout)
		require.False(t, def.Submitted)
	}

	def := sampleForm()
	require.True(t, Reduce(def, Event{FieldName: "text_required", Payload: cards.String("x")}).OK())
	require.True(t, Reduce(def, Event{FieldName: "date_required", Payload: cards.String("2024-06-07")}).OK())
	require.True(t, Reduce(def, Event{FieldName: "datetime", Payload: cards.String("2024-06-07 10:00")}).OK())
	require.True(t, Reduce(def, Event{Action: ActionSubmit}).OK())
}

func TestMultiSelectUpdateTakesIndexList(t *testing.T) {
	def := sampleForm()
	require.True(t, Reduce(def, Event{FieldName: "tags", Payload: cards.Ints(2, 0)}).OK())
	require.True(t, def.Field("tags").Value.Equal(cards.Ints(2, 0)))

	require.True(t, Reduce(def, Event{FieldName: "tags", Payload: cards.Map(map[string]cards.Value{
		"index": cards.Ints(1),
		"value": cards.List(cards.String("y")),
	})}).OK())
	require.True(t, def.Field("tags").Value.Equal(cards.Ints(1)))

	v := Reduce(def, Event{FieldName: "tags", Payload: cards.List(cards.String("x"))})
	require.Equal(t, VerdictRejected, v.Kind)
	require.True(t, def.Field("tags").Value.Equal(cards.Ints(1)))

	require.True(t, Reduce(def, Event{FieldName: "tags"}).OK())
	require.Empty(t, def.Field("tags").Value.Items())
}
