package client

import (
	"context"
	"errors"
	"sync"

	"git.sr.ht/~jakintosh/tokenbridge/pkg/backend"
	"git.sr.ht/~jakintosh/tokenbridge/pkg/credstore"
)

var errStale = errors.New("credentials changed while request was in flight")

// Holdings reports which credentials are present.
type Holdings struct {
	Access  bool
	Refresh bool
	Pending bool
}

// Any reports whether any session credential is present.
func (h Holdings) Any() bool {
	return h.Access || h.Refresh || h.Pending
}

// Vault is the locked, typed view of the credential store. Every
// read-then-write transition runs under one lock as a single store batch.
//
// The epoch counts destructive transitions (sign-out, session loss). Writes
// that were started before one of those are dropped. Reads that feed a
// conditional write return the epoch they were made at.
type Vault struct {
	store credstore.Store

	mu    sync.Mutex
	epoch uint64
	// user the stored pair was issued to, when this process exchanged it
	user *backend.User
}

func NewVault(store credstore.Store) *Vault {
	return &Vault{store: store}
}

// Epoch returns the current epoch, to be passed back to conditional writes.
func (v *Vault) Epoch() uint64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.epoch
}

func (v *Vault) AccessToken(ctx context.Context) (string, error) {
	return v.get(ctx, credstore.AccessToken)
}

func (v *Vault) PendingToken(ctx context.Context) (string, error) {
	return v.get(ctx, credstore.PendingProviderToken)
}

// refreshToken is unexported so the refresh token never leaves the package.
func (v *Vault) refreshToken(ctx context.Context) (string, error) {
	return v.get(ctx, credstore.RefreshToken)
}

// refreshTokenAt reads the refresh token together with the epoch it
// belongs to.
func (v *Vault) refreshTokenAt(ctx context.Context) (string, uint64, error) {
	return v.getAt(ctx, credstore.RefreshToken)
}

// pendingTokenAt reads the pending provider token together with the epoch
// it belongs to.
func (v *Vault) pendingTokenAt(ctx context.Context) (string, uint64, error) {
	return v.getAt(ctx, credstore.PendingProviderToken)
}

// exchangedUser returns the backend user behind the stored pair, or nil
// when no pair was exchanged since the last transition that removed one.
func (v *Vault) exchangedUser() *backend.User {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.user == nil {
		return nil
	}
	user := *v.user
	return &user
}

func (v *Vault) Holdings(ctx context.Context) (Holdings, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	var h Holdings
	for key, present := range map[credstore.Key]*bool{
		credstore.AccessToken:          &h.Access,
		credstore.RefreshToken:         &h.Refresh,
		credstore.PendingProviderToken: &h.Pending,
	} {
		value, ok, err := v.store.Get(ctx, key)
		if err != nil {
			return Holdings{}, err
		}
		*present = ok && value != ""
	}
	return h, nil
}

func (v *Vault) get(ctx context.Context, key credstore.Key) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	value, _, err := v.store.Get(ctx, key)
	return value, err
}

func (v *Vault) getAt(ctx context.Context, key credstore.Key) (string, uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	value, _, err := v.store.Get(ctx, key)
	return value, v.epoch, err
}

// storePair enters a full session: the pair is stored and any pending
// provider token removed.
func (v *Vault) storePair(
	ctx context.Context,
	pair backend.TokenPair,
	user *backend.User,
	epoch uint64,
) error {
	batch := credstore.Batch{}
	batch.Put(credstore.AccessToken, pair.Access).
		Put(credstore.RefreshToken, pair.Refresh).
		Remove(credstore.PendingProviderToken)
	return v.applyAt(ctx, batch, epoch, user)
}

// storeDegraded enters a degraded session: any stale pair is removed and the
// provider token kept for a later exchange.
func (v *Vault) storeDegraded(
	ctx context.Context,
	providerToken string,
	epoch uint64,
) error {
	batch := credstore.Batch{}
	batch.Remove(credstore.AccessToken, credstore.RefreshToken).
		Put(credstore.PendingProviderToken, providerToken)
	return v.applyAt(ctx, batch, epoch, nil)
}

// storeAccess records a refreshed access token, and the refresh token too
// when the backend rotated it.
func (v *Vault) storeAccess(
	ctx context.Context,
	access string,
	rotatedRefresh string,
	epoch uint64,
) error {
	batch := credstore.Batch{}
	batch.Put(credstore.AccessToken, access)
	if rotatedRefresh != "" {
		batch.Put(credstore.RefreshToken, rotatedRefresh)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.epoch != epoch {
		return errStale
	}
	return v.store.Apply(ctx, batch)
}

// dropPair removes the backend pair after the backend refused to refresh
// it. A pair stored after epoch belongs to a newer session and is kept.
func (v *Vault) dropPair(ctx context.Context, epoch uint64) error {
	batch := credstore.Batch{}
	batch.Remove(credstore.AccessToken, credstore.RefreshToken)

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.epoch != epoch {
		return errStale
	}
	v.epoch++
	v.user = nil
	return v.store.Apply(ctx, batch)
}

// Clear removes every session credential.
func (v *Vault) Clear(ctx context.Context) error {
	batch := credstore.Batch{}
	batch.Remove(credstore.SessionKeys...)
	return v.applyBumping(ctx, batch)
}

// applyAt replaces the session's pair state: user is recorded as the owner
// of whatever pair the batch leaves behind.
func (v *Vault) applyAt(
	ctx context.Context,
	batch credstore.Batch,
	epoch uint64,
	user *backend.User,
) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.epoch != epoch {
		return errStale
	}
	if err := v.store.Apply(ctx, batch); err != nil {
		return err
	}
	v.user = nil
	if user != nil {
		owner := *user
		v.user = &owner
	}
	return nil
}

func (v *Vault) applyBumping(ctx context.Context, batch credstore.Batch) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.epoch++
	v.user = nil
	return v.store.Apply(ctx, batch)
}
