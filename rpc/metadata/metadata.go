// Package metadata provides types for handling RPC call metadata.
// Metadata allows passing additional information alongside RPC calls, similar to
// HTTP headers. Keys are case-insensitive, keep their insertion order and may hold
// several values.
package metadata

import (
	"iter"
	"slices"
	"strings"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"
)

const sealedMsg = "metadata: mutation after call started sending"

type entry struct {
	key    string
	values []string
}

// MD is an ordered mapping from case-insensitive keys to one or more values.
// Once sealed, any mutation panics.
type MD struct {
	mu      sync.RWMutex
	entries []entry
	sealed  bool
}

// New creates metadata from key-value pairs.
// Pairs must be provided as (key, value, key, value, ...). Repeated keys append.
func New(kv ...string) *MD {
	if len(kv)%2 != 0 {
		panic("metadata: New requires even number of arguments")
	}
	md := &MD{}
	for i := 0; i < len(kv); i += 2 {
		md.Append(kv[i], kv[i+1])
	}
	return md
}

func (md *MD) index(key string) int {
	for i, e := range md.entries {
		if e.key == key {
			return i
		}
	}
	return -1
}

// checkLocked panics if md is sealed. Must hold md.mu.
func (md *MD) checkLocked() {
	if md.sealed {
		panic(sealedMsg)
	}
}

// Get retrieves the first value for key. Returns "" if the key does not exist.
func (md *MD) Get(key string) string {
	if md == nil {
		return ""
	}
	md.mu.RLock()
	defer md.mu.RUnlock()

	if i := md.index(strings.ToLower(key)); i >= 0 && len(md.entries[i].values) > 0 {
		return md.entries[i].values[0]
	}
	return ""
}

// Values returns a copy of all values for key.
func (md *MD) Values(key string) []string {
	if md == nil {
		return nil
	}
	md.mu.RLock()
	defer md.mu.RUnlock()

	if i := md.index(strings.ToLower(key)); i >= 0 {
		return slices.Clone(md.entries[i].values)
	}
	return nil
}

// Set replaces the values for key. A new key goes to the end of the order, an
// existing key keeps its position.
func (md *MD) Set(key string, values ...string) {
	md.mu.Lock()
	defer md.mu.Unlock()
	md.checkLocked()

	key = strings.ToLower(key)
	if i := md.index(key); i >= 0 {
		md.entries[i].values = slices.Clone(values)
		return
	}
	md.entries = append(md.entries, entry{key: key, values: slices.Clone(values)})
}

// Append adds values to key.
func (md *MD) Append(key string, values ...string) {
	md.mu.Lock()
	defer md.mu.Unlock()
	md.checkLocked()

	key = strings.ToLower(key)
	if i := md.index(key); i >= 0 {
		md.entries[i].values = append(md.entries[i].values, values...)
		return
	}
	md.entries = append(md.entries, entry{key: key, values: slices.Clone(values)})
}

// Delete removes a key.
func (md *MD) Delete(key string) {
	md.mu.Lock()
	defer md.mu.Unlock()
	md.checkLocked()

	if i := md.index(strings.ToLower(key)); i >= 0 {
		md.entries = slices.Delete(md.entries, i, i+1)
	}
}

// Keys returns the keys in insertion order.
func (md *MD) Keys() []string {
	if md == nil {
		return nil
	}
	md.mu.RLock()
	defer md.mu.RUnlock()

	keys := make([]string, 0, len(md.entries))
	for _, e := range md.entries {
		keys = append(keys, e.key)
	}
	return keys
}

// All iterates over keys and their values in insertion order.
func (md *MD) All() iter.Seq2[string, []string] {
	return func(yield func(string, []string) bool) {
		if md == nil {
			return
		}
		md.mu.RLock()
		entries := slices.Clone(md.entries)
		md.mu.RUnlock()

		for _, e := range entries {
			if !yield(e.key, slices.Clone(e.values)) {
				return
			}
		}
	}
}

// Range calls fn for each key in insertion order until fn returns false.
func (md *MD) Range(fn func(key string, values []string) bool) {
	for k, v := range md.All() {
		if !fn(k, v) {
			return
		}
	}
}

// Len returns the number of keys.
func (md *MD) Len() int {
	if md == nil {
		return 0
	}
	md.mu.RLock()
	defer md.mu.RUnlock()
	return len(md.entries)
}

// Clone returns an unsealed copy of the metadata.
func (md *MD) Clone() *MD {
	clone := &MD{}
	if md == nil {
		return clone
	}
	md.mu.RLock()
	defer md.mu.RUnlock()

	clone.entries = make([]entry, 0, len(md.entries))
	for _, e := range md.entries {
		clone.entries = append(clone.entries, entry{key: e.key, values: slices.Clone(e.values)})
	}
	return clone
}

// Merge copies every key of other into md, replacing values md already has for
// that key.
func (md *MD) Merge(other *MD) {
	for k, v := range other.All() {
		md.Set(k, v...)
	}
}

// Seal makes md read-only. Later mutations panic.
func (md *MD) Seal() {
	md.mu.Lock()
	md.sealed = true
	md.mu.Unlock()
}

// Sealed reports if md is read-only.
func (md *MD) Sealed() bool {
	md.mu.RLock()
	defer md.mu.RUnlock()
	return md.sealed
}

type (
	mdKey         struct{}
	mdIncomingKey struct{}
)

// NewContext creates a new context with outgoing metadata attached. Clients merge it
// into the metadata of calls made with the context.
func NewContext(ctx context.Context, md *MD) context.Context {
	return context.WithValue(ctx, mdKey{}, md)
}

// FromContext retrieves outgoing metadata from a context.
// Returns nil, false if no metadata is attached.
func FromContext(ctx context.Context) (*MD, bool) {
	md, ok := ctx.Value(mdKey{}).(*MD)
	return md, ok
}

// AppendToContext appends key-value pairs to metadata in the context.
// The metadata in ctx is not modified; a copy is attached to the returned context.
// Pairs must be provided as (key, value, key, value, ...).
func AppendToContext(ctx context.Context, kv ...string) context.Context {
	if len(kv)%2 != 0 {
		panic("metadata: AppendToContext requires even number of arguments")
	}
	md, ok := FromContext(ctx)
	if !ok {
		return NewContext(ctx, New(kv...))
	}
	md = md.Clone()
	for i := 0; i < len(kv); i += 2 {
		md.Append(kv[i], kv[i+1])
	}
	return NewContext(ctx, md)
}

// NewIncomingContext attaches the metadata a server received with a call. It is not
// forwarded on calls the handler makes.
func NewIncomingContext(ctx context.Context, md *MD) context.Context {
	return context.WithValue(ctx, mdIncomingKey{}, md)
}

// FromIncomingContext retrieves the metadata the server received with the call.
func FromIncomingContext(ctx context.Context) (*MD, bool) {
	md, ok := ctx.Value(mdIncomingKey{}).(*MD)
	return md, ok
}
