package memory

import (
	"context"
	"sort"
	"sync"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/storage"
)

// overrideKey addresses a symbol-wide (zero Link) or per-link override.
type overrideKey struct {
	Symbol  string
	Link    domain.LinkID
	PerLink bool
}

func newOverrideKey(symbol string, link *domain.LinkID) overrideKey {
	if link == nil {
		return overrideKey{Symbol: symbol}
	}
	return overrideKey{Symbol: symbol, Link: *link, PerLink: true}
}

// ConfigStore is an in-memory implementation of storage.ConfigStore.
type ConfigStore struct {
	mu        sync.RWMutex
	global    *domain.MTFConfig
	overrides map[overrideKey]*domain.MTFOverride
}

// NewConfigStore creates a new in-memory config store.
func NewConfigStore() *ConfigStore {
	return &ConfigStore{
		overrides: make(map[overrideKey]*domain.MTFOverride),
	}
}

// GetGlobal retrieves the global configuration. Returns ErrNotFound if never stored.
func (s *ConfigStore) GetGlobal(_ context.Context) (*domain.MTFConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.global == nil {
		return nil, storage.ErrNotFound
	}
	cfgCopy := *s.global
	return &cfgCopy, nil
}

// PutGlobal replaces the global configuration.
func (s *ConfigStore) PutGlobal(_ context.Context, cfg *domain.MTFConfig) error {
	if cfg == nil {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfgCopy := *cfg
	s.global = &cfgCopy
	return nil
}

// GetOverride retrieves the override for (symbol, link).
func (s *ConfigStore) GetOverride(_ context.Context, symbol string, link *domain.LinkID) (*domain.MTFOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.overrides[newOverrideKey(symbol, link)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneOverride(o), nil
}

// PutOverride inserts or replaces an override.
func (s *ConfigStore) PutOverride(_ context.Context, o *domain.MTFOverride) error {
	if o == nil || o.Symbol == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.overrides[newOverrideKey(o.Symbol, o.Link)] = cloneOverride(o)
	return nil
}

// DeleteOverride removes an override. Returns ErrNotFound if not exists.
func (s *ConfigStore) DeleteOverride(_ context.Context, symbol string, link *domain.LinkID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := newOverrideKey(symbol, link)
	if _, ok := s.overrides[key]; !ok {
		return storage.ErrNotFound
	}
	delete(s.overrides, key)
	return nil
}

// ListOverrides retrieves all overrides ordered by symbol, symbol-wide first.
func (s *ConfigStore) ListOverrides(_ context.Context) ([]*domain.MTFOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.MTFOverride, 0, len(s.overrides))
	for _, o := range s.overrides {
		result = append(result, cloneOverride(o))
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Symbol != result[j].Symbol {
			return result[i].Symbol < result[j].Symbol
		}
		if (result[i].Link == nil) != (result[j].Link == nil) {
			return result[i].Link == nil
		}
		if result[i].Link == nil {
			return false
		}
		if result[i].Link.UserID != result[j].Link.UserID {
			return result[i].Link.UserID < result[j].Link.UserID
		}
		return result[i].Link.BrokerLinkID < result[j].Link.BrokerLinkID
	})
	return result, nil
}

func cloneOverride(o *domain.MTFOverride) *domain.MTFOverride {
	overrideCopy := *o
	if o.Link != nil {
		link := *o.Link
		overrideCopy.Link = &link
	}
	return &overrideCopy
}

// Verify interface compliance at compile time.
var _ storage.ConfigStore = (*ConfigStore)(nil)
