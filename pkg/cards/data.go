package cards

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// CardInstance identifies one delivered card. The ID is issued by the gateway.
type CardInstance struct {
	ID             string    `json:"id"`
	TemplateID     string    `json:"template_id"`
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Data is a field-name keyed bag of card values (public data, or one user's
// private data).
type Data map[string]Value

// Clone returns a deep copy; a nil map clones to an empty one.
func (d Data) Clone() Data {
	out := make(Data, len(d))
	for k, v := range d {
		out[k] = v.Clone()
	}
	return out
}

// Merge applies patch key by key, which is the by-key update semantics the
// card API uses for incremental updates.
func (d Data) Merge(patch Data) Data {
	if d == nil {
		d = Data{}
	}
	for k, v := range patch {
		d[k] = v.Clone()
	}
	return d
}

// ParamMap renders data in the card API's cardParamMap shape: strings pass
// through verbatim, every other value is JSON-encoded.
func (d Data) ParamMap() (map[string]string, error) {
	out := make(map[string]string, len(d))
	for k, v := range d {
		if v.Kind() == KindString {
			out[k] = v.Str()
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.Wrapf(err, "encode card param %q", k)
		}
		out[k] = string(b)
	}
	return out, nil
}

// PrivateData maps a user id to that user's private data.
type PrivateData map[string]Data

func (p PrivateData) Clone() PrivateData {
	out := make(PrivateData, len(p))
	for user, d := range p {
		out[user] = d.Clone()
	}
	return out
}
