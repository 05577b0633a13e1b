package cards

import (
	"bytes"
	"encoding/json"
	"math"
	"sort"
	"strconv"

	"github.com/pkg/errors"
)

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is the tagged union stored in public and private card data.
// The zero value is null.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []Value
	m    map[string]Value
}

func Null() Value { return Value{} }
func String(s string) Value { return Value{kind: KindString, str: s} }
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }
func Int(n int) Value { return Value{kind: KindNumber, num: float64(n)} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }
func List(vs ...Value) Value { return Value{kind: KindList, list: vs} }
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

// Ints builds a list of numbers, the shape used for selection indexes.
func Ints(ns ...int) Value {
	out := make([]Value, 0, len(ns))
	for _, n := range ns {
		out = append(out, Int(n))
	}
	return List(out...)
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }
func (v Value) Str() string { return v.str }
func (v Value) Num() float64 { return v.num }
func (v Value) Bool() bool { return v.b }
func (v Value) Items() []Value { return v.list }
func (v Value) Fields() map[string]Value {
	return v.m
}

// Get returns a map entry, or null when v is not a map or the key is absent.
func (v Value) Get(key string) Value {
	if v.kind != KindMap {
		return Value{}
	}
	return v.m[key]
}

// AsInt reports the integral value of a number, or of a numeric string.
func (v Value) AsInt() (int, bool) {
	switch v.kind {
	case KindNumber:
		if v.num != math.Trunc(v.num) || math.IsInf(v.num, 0) || math.IsNaN(v.num) {
			return 0, false
		}
		// -MinInt is a power of two, so it converts to float64 exactly
		if v.num < float64(math.MinInt) || v.num >= -float64(math.MinInt) {
			return 0, false
		}
		return int(v.num), true
	case KindString:
		n, err := strconv.Atoi(v.str)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

// IsEmpty reports whether the value counts as unset for required checks.
func (v Value) IsEmpty() bool {
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == ""
	case KindList:
		return len(v.list) == 0
	case KindMap:
		return len(v.m) == 0
	default:
		return false
	}
}

// Equal compares two values structurally. Numeric strings do not equal numbers.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, a := range v.m {
			b, ok := o.m[k]
			if !ok || !a.Equal(b) {
				return false
			}
		}
		return true
	}
	return false
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		out := make([]Value, len(v.list))
		for i, item := range v.list {
			out[i] = item.Clone()
		}
		return Value{kind: KindList, list: out}
	case KindMap:
		out := make(map[string]Value, len(v.m))
		for k, item := range v.m {
			out[k] = item.Clone()
		}
		return Value{kind: KindMap, m: out}
	default:
		return v
	}
}

// Interface converts the value into plain Go values (string, float64, bool,
// []any, map[string]any, nil).
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, item := range v.m {
			out[k] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// FromInterface converts decoded JSON-ish Go values into a Value.
func FromInterface(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Value{}, nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Int(t), nil
	case int64:
		return Number(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, errors.Wrap(err, "decode number")
		}
		return Number(f), nil
	case []int:
		return Ints(t...), nil
	case []string:
		out := make([]Value, len(t))
		for i, s := range t {
			out[i] = String(s)
		}
		return List(out...), nil
	case []any:
		out := make([]Value, len(t))
		for i, item := range t {
			v, err := FromInterface(item)
			if err != nil {
				return Value{}, err
			}
			out[i] = v
		}
		return List(out...), nil
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := FromInterface(item)
			if err != nil {
				return Value{}, errors.Wrapf(err, "key %q", k)
			}
			out[k] = v
		}
		return Map(out), nil
	default:
		return Value{}, errors.Errorf("unsupported value type %T", x)
	}
}

// MustValue is FromInterface for literals in handlers and tests.
func MustValue(x any) Value {
	v, err := FromInterface(x)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindMap:
		keys := make([]string, 0, len(v.m))
		for k := range v.m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var buf bytes.Buffer
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			vb, err := v.m[k].MarshalJSON()
			if err != nil {
				return nil, err
			}
			buf.Write(vb)
		}
		buf.WriteByte('}')
		return buf.Bytes(), nil
	}
	return nil, errors.Errorf("cards: unknown value kind %d", v.kind)
}

func (v *Value) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return errors.Wrap(err, "cards: decode value")
	}
	out, err := fromDecoded(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

func fromDecoded(x any) (Value, error) {
	switch t := x.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return Value{}, errors.Wrap(err, "cards: decode number")
		}
		return Number(f), nil
	case []any:
		out := make([]Value, len(t))
		for i, item := range t {
			v, err := fromDecoded(item)
			if err != nil {
				return Value{}, err
			}
			out[i] = v
		}
		return List(out...), nil
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := fromDecoded(item)
			if err != nil {
				return Value{}, err
			}
			out[k] = v
		}
		return Map(out), nil
	default:
		return FromInterface(t)
	}
}

// UnmarshalYAML lets form catalogs declare default values in YAML.
func (v *Value) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	out, err := fromYAML(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

func fromYAML(x any) (Value, error) {
	switch t := x.(type) {
	case map[string]any:
		out := make(map[string]Value, len(t))
		for k, item := range t {
			v, err := fromYAML(item)
			if err != nil {
				return Value{}, err
			}
			out[k] = v
		}
		return Map(out), nil
	case map[any]any:
		out := make(map[string]Value, len(t))
		for k, item := range t {
			ks, ok := k.(string)
			if !ok {
				return Value{}, errors.Errorf("cards: non-string map key %v", k)
			}
			v, err := fromYAML(item)
			if err != nil {
				return Value{}, err
			}
			out[ks] = v
		}
		return Map(out), nil
	case []any:
		out := make([]Value, len(t))
		for i, item := range t {
			v, err := fromYAML(item)
			if err != nil {
				return Value{}, err
			}
			out[i] = v
		}
		return List(out...), nil
	default:
		return FromInterface(t)
	}
}
