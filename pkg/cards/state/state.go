package state

import (
	"time"

	"github.com/go-go-golems/cardstream/pkg/cards"
	"github.com/go-go-golems/cardstream/pkg/cards/form"
)

// State is the session state of one card instance. Values handed out by the
// Store are private copies; the only way to change the stored state is
// Store.Mutate.
type State struct {
	Card    cards.CardInstance `json:"card"`
	Public  cards.Data         `json:"public"`
	Private cards.PrivateData  `json:"private"`
	Version uint64             `json:"version"`
	// Form is the form as sent. Each user fills their own copy, kept in
	// UserForms from the first interaction on.
	Form      *form.Definition            `json:"form,omitempty"`
	UserForms map[string]*form.Definition `json:"user_forms,omitempty"`
	UpdatedAt time.Time                   `json:"updated_at"`
}

// Clone returns a deep copy with non-nil data maps.
func (s State) Clone() State {
	s.Public = s.Public.Clone()
	s.Private = s.Private.Clone()
	s.Form = s.Form.Clone()
	if s.UserForms != nil {
		forms := make(map[string]*form.Definition, len(s.UserForms))
		for user, def := range s.UserForms {
			forms[user] = def.Clone()
		}
		s.UserForms = forms
	}
	return s
}

// FormFor returns the form of user, copying the sent form on first use.
// It returns nil when the card has no form.
func (s *State) FormFor(user string) *form.Definition {
	if def, ok := s.UserForms[user]; ok && def != nil {
		return def
	}
	if s.Form == nil {
		return nil
	}
	if s.UserForms == nil {
		s.UserForms = map[string]*form.Definition{}
	}
	def := s.Form.Clone()
	s.UserForms[user] = def
	return def
}

// PrivateFor returns the private data map of user, creating it when missing.
func (s *State) PrivateFor(user string) cards.Data {
	if s.Private == nil {
		s.Private = cards.PrivateData{}
	}
	d, ok := s.Private[user]
	if !ok || d == nil {
		d = cards.Data{}
		s.Private[user] = d
	}
	return d
}
