package hostfunc

import (
	"sort"
	"strings"
)

type headerEntry struct {
	key   string
	value string
}

// HeaderMap is an ordered set of header pairs with case-insensitive unique
// keys. Insertion order and the spelling of the first-inserted key are
// preserved; inserting an existing key overwrites its value in place. This
// keeps the serialized form stable across guest rewrites.
type HeaderMap struct {
	entries []headerEntry
	index   map[string]int
}

// NewHeaderMap returns an empty header map.
func NewHeaderMap() *HeaderMap {
	return &HeaderMap{index: make(map[string]int)}
}

// HeaderMapFromMap seeds a header map from a plain map in sorted key order,
// so runs over the same input are deterministic.
func HeaderMapFromMap(src map[string]string) *HeaderMap {
	h := NewHeaderMap()
	keys := make([]string, 0, len(src))
	for k := range src {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Set(k, src[k])
	}
	return h
}

// Get returns the value for key, matched case-insensitively.
func (h *HeaderMap) Get(key string) (string, bool) {
	i, ok := h.index[strings.ToLower(key)]
	if !ok {
		return "", false
	}
	return h.entries[i].value, true
}

// Set inserts or overwrites key. An overwrite keeps the entry's position and
// the originally stored key spelling.
func (h *HeaderMap) Set(key, value string) {
	lk := strings.ToLower(key)
	if i, ok := h.index[lk]; ok {
		h.entries[i].value = value
		return
	}
	h.index[lk] = len(h.entries)
	h.entries = append(h.entries, headerEntry{key: key, value: value})
}

// Del removes key if present and reports whether it was there.
func (h *HeaderMap) Del(key string) bool {
	lk := strings.ToLower(key)
	i, ok := h.index[lk]
	if !ok {
		return false
	}
	h.entries = append(h.entries[:i], h.entries[i+1:]...)
	delete(h.index, lk)
	for j := i; j < len(h.entries); j++ {
		h.index[strings.ToLower(h.entries[j].key)] = j
	}
	return true
}

// Len returns the number of pairs.
func (h *HeaderMap) Len() int { return len(h.entries) }

// Range calls fn for each pair in order until fn returns false.
func (h *HeaderMap) Range(fn func(key, value string) bool) {
	for _, e := range h.entries {
		if !fn(e.key, e.value) {
			return
		}
	}
}

// Clone returns an independent copy.
func (h *HeaderMap) Clone() *HeaderMap {
	c := &HeaderMap{
		entries: make([]headerEntry, len(h.entries)),
		index:   make(map[string]int, len(h.index)),
	}
	copy(c.entries, h.entries)
	for k, v := range h.index {
		c.index[k] = v
	}
	return c
}

// ToMap flattens the pairs into a plain map with original key spelling.
func (h *HeaderMap) ToMap() map[string]string {
	out := make(map[string]string, len(h.entries))
	for _, e := range h.entries {
		out[e.key] = e.value
	}
	return out
}

// replaceAll swaps the contents for the given entries, rebuilding the index.
// Later duplicates overwrite earlier ones, same as repeated Set calls.
func (h *HeaderMap) replaceAll(entries []headerEntry) {
	h.entries = h.entries[:0]
	h.index = make(map[string]int, len(entries))
	for _, e := range entries {
		h.Set(e.key, e.value)
	}
}
