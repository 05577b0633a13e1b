package form

import (
	"os"
	"sort"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Catalog holds named form definitions loaded from YAML:
//
//	forms:
//	  leave_request:
//	    fields:
//	      - name: text_required
//	        label: Reason
//	        type: TEXT
//	        required: true
type Catalog struct {
	Forms map[string]*Definition `yaml:"forms"`
}

func ParseCatalog(b []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, errors.Wrap(err, "parse form catalog")
	}
	if c.Forms == nil {
		c.Forms = map[string]*Definition{}
	}
	for name, def := range c.Forms {
		if def == nil {
			return nil, errors.Errorf("form %q is empty", name)
		}
		if err := def.check(); err != nil {
			return nil, errors.Wrapf(err, "form %q", name)
		}
		def.Normalize()
	}
	return &c, nil
}

func LoadCatalog(path string) (*Catalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read form catalog")
	}
	return ParseCatalog(b)
}

// Get returns a fresh copy of the named form, safe to hand to a card state.
func (c *Catalog) Get(name string) (*Definition, bool) {
	if c == nil {
		return nil, false
	}
	def, ok := c.Forms[name]
	if !ok {
		return nil, false
	}
	return def.Clone(), true
}

func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	out := make([]string, 0, len(c.Forms))
	for name := range c.Forms {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (d *Definition) check() error {
	seen := map[string]struct{}{}
	for _, f := range d.Fields {
		if f.Name == "" {
			return errors.New("field without name")
		}
		if _, dup := seen[f.Name]; dup {
			return errors.Errorf("duplicate field %q", f.Name)
		}
		seen[f.Name] = struct{}{}
		if !f.Type.Known() {
			return errors.Errorf("field %q: unknown type %q", f.Name, f.Type)
		}
	}
	return nil
}
