package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
)

// Dao aggregates the scope documents of one entity.
type Dao struct {
	id     string
	reader Reader
	stats  *counters

	mu   sync.Mutex
	docs map[string]json.RawMessage // present key with nil value: loaded, no document
}

// ID returns the entity id.
func (d *Dao) ID() string { return d.id }

// Data returns the documents of scopes, loading any scope not cached yet.
// The store is read without holding the Dao lock; a document written with
// Put while a load is in flight wins over the loaded one.
func (d *Dao) Data(ctx context.Context, scopes []string) (map[string]json.RawMessage, error) {
	out := make(map[string]json.RawMessage, len(scopes))
	for _, scope := range scopes {
		if doc, ok := d.Get(scope); ok {
			out[scope] = doc
			continue
		}

		doc, err := d.reader.ReadData(ctx, scope, d.id)
		if err != nil {
			return nil, fmt.Errorf("load %s/%s: %w", scope, d.id, err)
		}
		atomic.AddUint64(&d.stats.loads, 1)

		d.mu.Lock()
		if cached, ok := d.docs[scope]; ok {
			doc = cached
		} else {
			d.docs[scope] = doc
		}
		d.mu.Unlock()
		out[scope] = doc
	}
	return out, nil
}

// Get returns the cached document of scope. ok is false when the scope has
// not been loaded; a loaded scope without a document returns (nil, true).
func (d *Dao) Get(scope string) (json.RawMessage, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, ok := d.docs[scope]
	return doc, ok
}

// Put replaces the cached document of scope.
func (d *Dao) Put(scope string, doc json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.docs[scope] = doc
}

// Scopes returns how many scopes are cached.
func (d *Dao) Scopes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.docs)
}
