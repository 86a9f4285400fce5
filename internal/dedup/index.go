// Package dedup tracks which message identities the relay has already accepted.
package dedup

import "sync"

// Index maps dedup keys to the id of the message that first registered them.
// An Index is owned by one relay instance; construct it with New.
type Index struct {
	mu   sync.RWMutex
	keys map[string]string
}

func New() *Index {
	return &Index{keys: make(map[string]string)}
}

// Seen reports whether key has been registered.
func (i *Index) Seen(key string) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	_, ok := i.keys[key]
	return ok
}

// Register records key for id and returns true if the key was new.
// Registering an existing key leaves the original mapping in place.
func (i *Index) Register(key, id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.keys[key]; ok {
		return false
	}
	i.keys[key] = id
	return true
}

// Lookup returns the id registered for key.
func (i *Index) Lookup(key string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	id, ok := i.keys[key]
	return id, ok
}

// Forget drops every key that maps to one of ids. Used by retention cleanup.
func (i *Index) Forget(ids map[string]struct{}) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	removed := 0
	for k, id := range i.keys {
		if _, ok := ids[id]; ok {
			delete(i.keys, k)
			removed++
		}
	}
	return removed
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.keys)
}

// Release removes key only if it still maps to id. Used to roll back a failed create.
func (i *Index) Release(key, id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if cur, ok := i.keys[key]; ok && cur == id {
		delete(i.keys, key)
	}
}
