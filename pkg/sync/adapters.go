package sync

import (
	"context"
	"fmt"
	"log/slog"
	stdsync "sync"

	shared "github.com/racewire/engine/pkg"
	"github.com/racewire/engine/pkg/domain/model"
	"github.com/racewire/engine/pkg/providers"
)

// AdapterCache lazily builds and authenticates one adapter per
// (partner, provider) credential and reuses it across sync cycles. Failed
// authentications are not cached, so a fixed credential works on the next
// lookup without a restart.
type AdapterCache struct {
	store  shared.Store
	logger *slog.Logger

	mu      stdsync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	adapter providers.Adapter
	cred    model.Credential
}

func NewAdapterCache(store shared.Store, logger *slog.Logger) *AdapterCache {
	return &AdapterCache{
		store:   store,
		logger:  logger,
		entries: make(map[string]cacheEntry),
	}
}

// For returns a ready adapter for the partner's credential with the provider.
func (c *AdapterCache) For(ctx context.Context, partnerID, providerID string) (providers.Adapter, model.Credential, error) {
	key := partnerID + "/" + providerID

	c.mu.Lock()
	entry, ok := c.entries[key]
	c.mu.Unlock()
	if ok {
		return entry.adapter, entry.cred, nil
	}

	creds, err := c.store.GetCredentials(ctx, providerID)
	if err != nil {
		return nil, model.Credential{}, fmt.Errorf("loading %s credentials: %w", providerID, err)
	}
	for _, cred := range creds {
		if cred.PartnerID != partnerID {
			continue
		}
		adapter, err := c.Build(ctx, cred)
		if err != nil {
			return nil, model.Credential{}, err
		}
		return adapter, cred, nil
	}
	return nil, model.Credential{}, fmt.Errorf("no %s credential for partner %s", providerID, partnerID)
}

// Build constructs and authenticates an adapter for cred, caching it on
// success. Callers that already hold a credential (discovery, backfill) use
// this directly.
func (c *AdapterCache) Build(ctx context.Context, cred model.Credential) (providers.Adapter, error) {
	key := cred.Key()

	c.mu.Lock()
	if entry, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return entry.adapter, nil
	}
	c.mu.Unlock()

	adapter, err := providers.ForCredential(cred, c.logger)
	if err != nil {
		return nil, err
	}
	if err := adapter.Authenticate(ctx); err != nil {
		return nil, fmt.Errorf("authenticating %s: %w", key, err)
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry{adapter: adapter, cred: cred}
	c.mu.Unlock()
	return adapter, nil
}

// Invalidate drops a cached adapter, forcing a rebuild on next use.
func (c *AdapterCache) Invalidate(cred model.Credential) {
	c.mu.Lock()
	delete(c.entries, cred.Key())
	c.mu.Unlock()
}
