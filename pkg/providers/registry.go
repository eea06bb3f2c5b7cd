package providers

import (
	"fmt"
	"log"
	"log/slog"
	"sync"

	"github.com/racewire/engine/pkg/domain/model"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a provider factory to the registry.
// Called in init() functions of adapter packages.
func Register(providerID string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[providerID]; exists {
		log.Panicf("Adapter already registered for provider: %s", providerID)
	}
	registry[providerID] = f
}

// ForCredential builds an adapter for the credential's provider.
func ForCredential(cred model.Credential, logger *slog.Logger) (Adapter, error) {
	registryMu.RLock()
	f, ok := registry[cred.ProviderID]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", cred.ProviderID)
	}
	return f(cred, logger)
}

// Registered returns the provider identifiers with a registered factory.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	ids := make([]string, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	return ids
}
