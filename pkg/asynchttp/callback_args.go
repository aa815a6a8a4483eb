package asynchttp

import "sort"

// CallbackArgKey is a closed set of well-known callback argument keys.
// Go has no symbol type, so this is the idiomatic stand-in for
// "args[:webhook_id] == args['webhook_id']" access parity: a
// CallbackArgKey's String() is exactly the map key.
type CallbackArgKey string

func (k CallbackArgKey) String() string { return string(k) }

// CallbackArgs is a string-keyed map of JSON-scalar values tunneled
// alongside a Request and returned on the Response/Error delivered to
// a callback. It is immutable after NewCallbackArgs: there is no
// exported setter, so a CallbackArgs is effectively deep-frozen after
// construction.
type CallbackArgs struct {
	values map[string]any
	order  []string
}

// NewCallbackArgs copies m into a frozen CallbackArgs. Keys are sorted
// for deterministic iteration order independent of map randomization,
// since insertion order can't survive a plain map argument anyway;
// callers that need exact insertion order should use
// NewCallbackArgsOrdered.
func NewCallbackArgs(m map[string]any) CallbackArgs {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return NewCallbackArgsOrdered(keys, m)
}

// NewCallbackArgsOrdered builds a CallbackArgs preserving the given
// key order, which must cover exactly the keys present in m.
func NewCallbackArgsOrdered(order []string, m map[string]any) CallbackArgs {
	values := make(map[string]any, len(m))
	for _, k := range order {
		if v, ok := m[k]; ok {
			values[k] = v
		}
	}
	cp := make([]string, len(order))
	copy(cp, order)
	return CallbackArgs{values: values, order: cp}
}

// Get resolves by string key.
func (a CallbackArgs) Get(key string) (any, bool) {
	v, ok := a.values[key]
	return v, ok
}

// GetKey resolves by a well-known CallbackArgKey; identical to Get by
// its string form, giving dual string/symbol access parity.
func (a CallbackArgs) GetKey(key CallbackArgKey) (any, bool) {
	return a.Get(key.String())
}

// Keys returns keys in insertion order.
func (a CallbackArgs) Keys() []string {
	out := make([]string, len(a.order))
	copy(out, a.order)
	return out
}

// Len reports the number of entries.
func (a CallbackArgs) Len() int { return len(a.values) }

// AsMap returns a shallow copy suitable for hashing/serialization.
func (a CallbackArgs) AsMap() map[string]any {
	out := make(map[string]any, len(a.values))
	for k, v := range a.values {
		out[k] = v
	}
	return out
}

// Equal reports value equality regardless of order.
func (a CallbackArgs) Equal(other CallbackArgs) bool {
	if len(a.values) != len(other.values) {
		return false
	}
	for k, v := range a.values {
		ov, ok := other.values[k]
		if !ok || !scalarEqual(v, ov) {
			return false
		}
	}
	return true
}

func scalarEqual(a, b any) bool {
	switch av := a.(type) {
	case float64:
		bv, ok := toFloat64(b)
		return ok && av == bv
	case int:
		bv, ok := toFloat64(b)
		return ok && float64(av) == bv
	default:
		return a == b
	}
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
