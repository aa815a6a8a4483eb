package asynchttp

import (
	"net/http"
	"sort"
)

// Headers is a case-insensitive, order-preserving multimap of HTTP
// header values. Keys are canonicalized with http.CanonicalHeaderKey
// so "x-request-id" and "X-Request-Id" resolve to the same entry.
type Headers struct {
	values map[string][]string
	order  []string
}

// NewHeaders builds a Headers from a plain string map, one value per key.
func NewHeaders(m map[string]string) Headers {
	h := Headers{}
	for k, v := range m {
		h.Add(k, v)
	}
	return h
}

func (h *Headers) ensure() {
	if h.values == nil {
		h.values = make(map[string][]string)
	}
}

// Add appends a value for key, preserving any existing values.
func (h *Headers) Add(key, value string) {
	h.ensure()
	ck := http.CanonicalHeaderKey(key)
	if _, ok := h.values[ck]; !ok {
		h.order = append(h.order, ck)
	}
	h.values[ck] = append(h.values[ck], value)
}

// Set replaces all values for key with a single value.
func (h *Headers) Set(key, value string) {
	h.ensure()
	ck := http.CanonicalHeaderKey(key)
	if _, ok := h.values[ck]; !ok {
		h.order = append(h.order, ck)
	}
	h.values[ck] = []string{value}
}

// Get returns the first value for key, or "" if absent.
func (h Headers) Get(key string) string {
	vs := h.values[http.CanonicalHeaderKey(key)]
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns every value for key, nil if absent.
func (h Headers) Values(key string) []string {
	return h.values[http.CanonicalHeaderKey(key)]
}

// Has reports whether key has at least one value.
func (h Headers) Has(key string) bool {
	_, ok := h.values[http.CanonicalHeaderKey(key)]
	return ok
}

// Keys returns canonical header keys in insertion order.
func (h Headers) Keys() []string {
	out := make([]string, len(h.order))
	copy(out, h.order)
	return out
}

// Clone returns a deep copy.
func (h Headers) Clone() Headers {
	out := Headers{values: make(map[string][]string, len(h.values))}
	for _, k := range h.order {
		vs := make([]string, len(h.values[k]))
		copy(vs, h.values[k])
		out.values[k] = vs
		out.order = append(out.order, k)
	}
	return out
}

// AsMap flattens to one value per key (first value wins), for
// serialization and for handing headers to an HTTP client.
func (h Headers) AsMap() map[string]string {
	out := make(map[string]string, len(h.values))
	for k, vs := range h.values {
		if len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

// AsMultiMap flattens to the full value slices, for round-trip hashing.
func (h Headers) AsMultiMap() map[string][]string {
	out := make(map[string][]string, len(h.values))
	for k, vs := range h.values {
		cp := make([]string, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	return out
}

// HeadersFromMultiMap reconstructs Headers produced by AsMultiMap,
// restoring a deterministic (sorted) order since map iteration order
// is not preserved across a hash round trip.
func HeadersFromMultiMap(m map[string][]string) Headers {
	h := Headers{values: make(map[string][]string, len(m))}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ck := http.CanonicalHeaderKey(k)
		vs := make([]string, len(m[k]))
		copy(vs, m[k])
		h.values[ck] = vs
		h.order = append(h.order, ck)
	}
	return h
}

// Equal reports whether two Headers carry the same key/value sets,
// ignoring insertion order.
func (h Headers) Equal(other Headers) bool {
	if len(h.values) != len(other.values) {
		return false
	}
	for k, vs := range h.values {
		ovs, ok := other.values[k]
		if !ok || len(vs) != len(ovs) {
			return false
		}
		for i := range vs {
			if vs[i] != ovs[i] {
				return false
			}
		}
	}
	return true
}
