package parley

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies the dynamic type of a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindArray
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "null"
	}
}

// Value is the tagged union all script data flows through. The zero
// value is null. Every coercion scripts can observe goes through the
// methods here so handlers never parse values ad hoc.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	arr  []Value
	m    map[string]Value
}

// Null is the empty sentinel every miss resolves to.
var Null = Value{}

// S wraps a string.
func S(s string) Value { return Value{kind: KindString, str: s} }

// N wraps a number.
func N(f float64) Value { return Value{kind: KindNumber, num: f} }

// B wraps a bool.
func B(b bool) Value { return Value{kind: KindBool, b: b} }

// Arr wraps a list of values.
func Arr(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindArray, arr: items}
}

// M wraps a map of values.
func M(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

// Kind returns the value's dynamic type.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is the null sentinel.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Text coerces the value to its string form. Numbers render without a
// trailing ".0", arrays and maps render as JSON, null renders empty.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		if v.num == math.Trunc(v.num) && math.Abs(v.num) < 1e15 {
			return strconv.FormatInt(int64(v.num), 10)
		}
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindArray, KindMap:
		data, err := json.Marshal(v.Any())
		if err != nil {
			return ""
		}
		return string(data)
	default:
		return ""
	}
}

// Num coerces the value to a number. Numeric-looking strings parse;
// bools map to 0/1. The second result reports whether coercion held.
func (v Value) Num() (float64, bool) {
	switch v.kind {
	case KindNumber:
		return v.num, true
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
		return f, err == nil
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// Int coerces to an int, flooring. Returns 0 when coercion fails.
func (v Value) Int() int {
	f, ok := v.Num()
	if !ok {
		return 0
	}
	return int(f)
}

var truthyWords = map[string]bool{"true": true, "yes": true, "on": true, "1": true}

// Truthy evaluates the value in boolean context. A fixed word set is
// accepted for strings; anything else falls back to non-emptiness.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.num != 0
	case KindString:
		s := strings.ToLower(strings.TrimSpace(v.str))
		if truthyWords[s] {
			return true
		}
		switch s {
		case "", "false", "no", "off", "0":
			return false
		}
		return true
	case KindArray:
		return len(v.arr) > 0
	case KindMap:
		return len(v.m) > 0
	default:
		return false
	}
}

// Items returns the underlying array, or a single-element slice for
// scalars so FOR EACH can iterate anything. Null yields nothing.
func (v Value) Items() []Value {
	switch v.kind {
	case KindArray:
		return v.arr
	case KindNull:
		return nil
	default:
		return []Value{v}
	}
}

// MapValue returns the underlying map, or nil for non-map values.
func (v Value) MapValue() map[string]Value { return v.m }

// Len returns the element count for arrays and maps, the rune count
// for strings, and 0 otherwise.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindMap:
		return len(v.m)
	case KindString:
		return len([]rune(v.str))
	default:
		return 0
	}
}

// Index resolves v[key]: numeric index into arrays, string key into
// maps. Misses resolve to Null, never an error.
func (v Value) Index(key Value) Value {
	switch v.kind {
	case KindArray:
		i := key.Int()
		if i < 0 || i >= len(v.arr) {
			return Null
		}
		return v.arr[i]
	case KindMap:
		if item, ok := v.m[key.Text()]; ok {
			return item
		}
		return Null
	default:
		return Null
	}
}

// Keys returns a map value's keys, sorted for stable iteration.
func (v Value) Keys() []string {
	if v.kind != KindMap {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal compares values deeply. Mixed numeric/string operands compare
// numerically when both sides coerce.
func (a Value) Equal(b Value) bool {
	if a.kind == b.kind {
		switch a.kind {
		case KindNull:
			return true
		case KindString:
			return a.str == b.str
		case KindNumber:
			return a.num == b.num
		case KindBool:
			return a.b == b.b
		case KindArray:
			if len(a.arr) != len(b.arr) {
				return false
			}
			for i := range a.arr {
				if !a.arr[i].Equal(b.arr[i]) {
					return false
				}
			}
			return true
		case KindMap:
			if len(a.m) != len(b.m) {
				return false
			}
			for k, av := range a.m {
				bv, ok := b.m[k]
				if !ok || !av.Equal(bv) {
					return false
				}
			}
			return true
		}
	}
	if af, aok := a.Num(); aok {
		if bf, bok := b.Num(); bok {
			return af == bf
		}
	}
	return a.Text() == b.Text()
}

// Add implements the script `+` operator: when either operand is a
// string the result is string concatenation, otherwise numeric
// addition when both sides coerce.
func (a Value) Add(b Value) Value {
	if a.kind == KindString || b.kind == KindString {
		return S(a.Text() + b.Text())
	}
	if af, aok := a.Num(); aok {
		if bf, bok := b.Num(); bok {
			return N(af + bf)
		}
	}
	return S(a.Text() + b.Text())
}

// Compare orders two values: numerically when both coerce, by string
// otherwise. Returns -1, 0 or 1.
func (a Value) Compare(b Value) int {
	if af, aok := a.Num(); aok {
		if bf, bok := b.Num(); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	return strings.Compare(a.Text(), b.Text())
}

// Any converts to plain Go data for JSON and store serialization.
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindArray:
		out := make([]any, len(v.arr))
		for i, item := range v.arr {
			out[i] = item.Any()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, item := range v.m {
			out[k] = item.Any()
		}
		return out
	default:
		return nil
	}
}

// FromAny converts plain Go data (as produced by encoding/json) into a
// Value. Unknown types stringify.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null
	case Value:
		return t
	case string:
		return S(t)
	case bool:
		return B(t)
	case float64:
		return N(t)
	case float32:
		return N(float64(t))
	case int:
		return N(float64(t))
	case int64:
		return N(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return S(t.String())
		}
		return N(f)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = FromAny(item)
		}
		return Value{kind: KindArray, arr: items}
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			m[k] = FromAny(item)
		}
		return Value{kind: KindMap, m: m}
	default:
		return S(fmt.Sprintf("%v", t))
	}
}

// JSON serializes the value for storage or the wire.
func (v Value) JSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// FromJSON deserializes a value produced by JSON.
func FromJSON(data []byte) (Value, error) {
	if len(data) == 0 {
		return Null, nil
	}
	var x any
	if err := json.Unmarshal(data, &x); err != nil {
		return Null, fmt.Errorf("decode value: %w", err)
	}
	return FromAny(x), nil
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) { return v.JSON() }

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	parsed, err := FromJSON(data)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
