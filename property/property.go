package property

import (
	"fmt"
	"strings"
	"sync"
)

// Normalize canonicalizes a property path. Dot, slash, and NUL are all the
// same delimiter (guest SDKs serialize path segments NUL-separated); the
// canonical form is dot-joined with empty segments and trailing separators
// dropped.
func Normalize(path string) string {
	segs := strings.FieldsFunc(path, func(r rune) bool {
		return r == '.' || r == '/' || r == 0
	})
	return strings.Join(segs, ".")
}

// Record is one override-layer entry: a caller-seeded value, a guest-created
// custom property, or a guest rewrite of a writable built-in. CreatedIn is
// fixed at first creation; later writes change only the value.
type Record struct {
	Path      string
	Value     any
	CreatedIn Context
	builtin   bool
}

// AccessError reports a denied property write.
type AccessError struct {
	Path    string
	Context Context
	Reason  string
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("property %q in %s: %s", e.Path, e.Context, e.Reason)
}

// Resolver answers property reads and access-controlled writes for one
// flow or standalone hook call. It layers overrides (caller-seeded values,
// guest customs, built-in rewrites) over calculated standard properties;
// on conflict the override wins.
type Resolver struct {
	mu         sync.RWMutex
	calculated map[string]any
	overrides  map[string]*Record
}

// NewResolver returns an empty resolver.
func NewResolver() *Resolver {
	return &Resolver{
		calculated: make(map[string]any),
		overrides:  make(map[string]*Record),
	}
}

// SetCalculated stores one derived standard property.
func (r *Resolver) SetCalculated(path string, value any) {
	r.mu.Lock()
	r.calculated[Normalize(path)] = value
	r.mu.Unlock()
}

// MergeCalculated stores a batch of derived standard properties.
func (r *Resolver) MergeCalculated(props map[string]any) {
	r.mu.Lock()
	for k, v := range props {
		r.calculated[Normalize(k)] = v
	}
	r.mu.Unlock()
}

// SeedUser loads caller-supplied properties into the override layer. They
// take priority over calculated values, are never purged, and a later guest
// write updates them without re-tagging their origin.
func (r *Resolver) SeedUser(props map[string]any) {
	r.mu.Lock()
	for k, v := range props {
		norm := Normalize(k)
		if norm == "" {
			continue
		}
		r.overrides[norm] = &Record{Path: norm, Value: v, CreatedIn: ContextNone}
	}
	r.mu.Unlock()
}

// Resolve returns the value for path: overrides first, then calculated,
// else undefined. There is no read-side access check; unavailable values
// are simply absent from both layers.
func (r *Resolver) Resolve(path string) (any, bool) {
	norm := Normalize(path)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.overrides[norm]; ok {
		return rec.Value, true
	}
	if v, ok := r.calculated[norm]; ok {
		return v, true
	}
	return nil, false
}

// Set writes path under the access rules for ctx. Built-in paths consult
// their per-context table: ReadWrite stores a builtin-flagged override,
// WriteOnly accepts the write without storing anything (the ABI layer turns
// log-sink writes into log entries), anything else is an AccessError whose
// reason names the denial. Unknown paths become custom records tagged with
// the context that first created them.
func (r *Resolver) Set(path string, value any, ctx Context) error {
	norm := Normalize(path)
	if norm == "" {
		return &AccessError{Path: path, Context: ctx, Reason: "empty property path"}
	}
	if def, ok := Builtin(norm); ok {
		switch def.accessIn(ctx) {
		case AccessReadWrite:
			r.upsert(norm, value, ctx, true)
			return nil
		case AccessWriteOnly:
			return nil
		default:
			return &AccessError{Path: norm, Context: ctx, Reason: "path is read-only in this hook context"}
		}
	}
	r.upsert(norm, value, ctx, false)
	return nil
}

func (r *Resolver) upsert(norm string, value any, ctx Context, builtin bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.overrides[norm]; ok {
		rec.Value = value
		return
	}
	r.overrides[norm] = &Record{Path: norm, Value: value, CreatedIn: ctx, builtin: builtin}
}

// All returns the merged view: calculated overlaid by overrides. The map is
// fresh but values are shared; callers deep-copy before snapshotting.
func (r *Resolver) All() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]any, len(r.calculated)+len(r.overrides))
	for k, v := range r.calculated {
		out[k] = v
	}
	for k, rec := range r.overrides {
		out[k] = rec.Value
	}
	return out
}

// PurgeScoped drops custom records first created in ctx and returns how
// many were removed. Builtin rewrites and caller-seeded records survive.
// The orchestrator calls this with ContextRequestHeaders when threading
// that hook's output forward: customs born there are visible only within
// that same hook invocation.
func (r *Resolver) PurgeScoped(ctx Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, rec := range r.overrides {
		if !rec.builtin && rec.CreatedIn == ctx {
			delete(r.overrides, k)
			n++
		}
	}
	return n
}
