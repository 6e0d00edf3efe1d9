// Package credstore provides persistent key-value storage for the credentials
// a client holds on behalf of its user.
//
// Backends are interchangeable behind the Store interface:
//
//   - MemoryStore: process-local, for tests and short-lived tools
//   - SQLiteStore: a single-file database that survives restarts
//   - FileStore: a JSON file that reloads when another process rewrites it
//   - RedisStore: a shared hash for clients running on several hosts
//
// Every backend applies a Batch atomically, so a reader never sees half of
// a multi-key transition.
package credstore

import (
	"context"
	"errors"
)

// Key names a stored credential.
type Key string

const (
	AccessToken          Key = "access_token"
	RefreshToken         Key = "refresh_token"
	PendingProviderToken Key = "pending_provider_token"
)

// SessionKeys are the keys cleared together on sign-out.
var SessionKeys = []Key{AccessToken, RefreshToken, PendingProviderToken}

var (
	ErrClosed = errors.New("credential store closed")
)

// Store is a persistent credential key-value store.
//
// Get reports ok=false for an absent key. Apply commits all writes of a
// batch or none of them.
type Store interface {
	Get(ctx context.Context, key Key) (value string, ok bool, err error)
	Apply(ctx context.Context, batch Batch) error
	Close() error
}

// Batch is a group of writes applied atomically. Deletes run before sets, so
// a key present in both ends up set.
type Batch struct {
	Set    map[Key]string
	Delete []Key
}

// Put stages a write of value under key. An empty value stages a delete.
func (b *Batch) Put(key Key, value string) *Batch {
	if value == "" {
		return b.Remove(key)
	}
	if b.Set == nil {
		b.Set = make(map[Key]string)
	}
	b.Set[key] = value
	return b
}

// Remove stages deletes of keys.
func (b *Batch) Remove(keys ...Key) *Batch {
	b.Delete = append(b.Delete, keys...)
	return b
}

// Empty reports whether the batch has no staged writes.
func (b Batch) Empty() bool {
	return len(b.Set) == 0 && len(b.Delete) == 0
}

// applyTo mutates values in place following batch ordering rules.
func (b Batch) applyTo(values map[Key]string) {
	for _, key := range b.Delete {
		delete(values, key)
	}
	for key, value := range b.Set {
		values[key] = value
	}
}
