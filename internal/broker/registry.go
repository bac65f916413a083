package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/observability"
	"mtf-feed/internal/storage"
)

// FactoryParams are passed to an adapter factory.
type FactoryParams struct {
	Link          domain.LinkID
	Logger        zerolog.Logger
	OnStateChange StateChangeFunc
}

// Factory builds a disconnected adapter for one link.
type Factory func(p FactoryParams) (Adapter, error)

// StatusChangeFunc observes feed status changes of cached links.
type StatusChangeFunc func(link domain.LinkID, status FeedStatus, state domain.ConnectivityState)

// LinkHealth is one entry of the registry health snapshot.
type LinkHealth struct {
	Link   domain.LinkID
	State  domain.ConnectivityState
	Status FeedStatus
	Label  string
}

// RegistryOptions configures Registry.
type RegistryOptions struct {
	Sessions       storage.SessionStore
	Logger         zerolog.Logger
	OnStatusChange StatusChangeFunc
}

// Registry owns the one live adapter per link. Create, evict and reload are
// serialized per link, so racing callers never open two upstream sessions
// for the same identity.
type Registry struct {
	sessions storage.SessionStore
	logger   zerolog.Logger
	onStatus StatusChangeFunc
	locks    *keyedMutex

	mu        sync.RWMutex
	factories map[string]Factory
	adapters  map[domain.LinkID]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry(opts RegistryOptions) *Registry {
	return &Registry{
		sessions:  opts.Sessions,
		logger:    opts.Logger,
		onStatus:  opts.OnStatusChange,
		locks:     newKeyedMutex(),
		factories: make(map[string]Factory),
		adapters:  make(map[domain.LinkID]Adapter),
	}
}

// Register installs the factory for a provider code.
func (r *Registry) Register(providerCode string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[providerCode] = f
}

// Get returns the cached adapter of a link.
func (r *Registry) Get(link domain.LinkID) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[link]
	return a, ok
}

// GetOrCreate returns the cached adapter of link, or builds one from the
// latest stored session and connects it. An empty providerCode uses the
// session's provider. A failed connect still caches the adapter so its
// state shows up in health; the adapter is returned with the error.
func (r *Registry) GetOrCreate(ctx context.Context, link domain.LinkID, providerCode string) (Adapter, error) {
	unlock := r.locks.Lock(link)
	defer unlock()

	if a, ok := r.Get(link); ok {
		return a, nil
	}

	session, err := r.sessions.GetLatest(ctx, link)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("link %s: %w", link, ErrLoginRequired)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if providerCode == "" {
		providerCode = session.ProviderCode
	}

	r.mu.RLock()
	factory, ok := r.factories[providerCode]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, providerCode)
	}

	adapter, err := factory(FactoryParams{
		Link:          link,
		Logger:        r.logger.With().Str("link", link.String()).Str("provider", providerCode).Logger(),
		OnStateChange: r.stateObserver(link),
	})
	if err != nil {
		return nil, fmt.Errorf("create adapter: %w", err)
	}

	r.mu.Lock()
	r.adapters[link] = adapter
	r.mu.Unlock()

	creds := credentialsFrom(session)
	creds.ProviderCode = providerCode
	if _, err := adapter.Connect(ctx, creds); err != nil {
		r.logger.Warn().Err(err).Str("link", link.String()).Msg("adapter connect failed")
		return adapter, fmt.Errorf("connect %s: %w", link, err)
	}

	r.logger.Info().Str("link", link.String()).Str("adapter", adapter.ID()).Msg("adapter created")
	return adapter, nil
}

// Remove evicts and closes the cached adapter of link. The next GetOrCreate
// starts a fresh session.
func (r *Registry) Remove(link domain.LinkID) {
	unlock := r.locks.Lock(link)
	defer unlock()

	r.mu.Lock()
	a, ok := r.adapters[link]
	delete(r.adapters, link)
	r.mu.Unlock()

	if !ok {
		return
	}
	if err := a.Close(); err != nil {
		r.logger.Warn().Err(err).Str("link", link.String()).Msg("close evicted adapter")
	}
	r.logger.Info().Str("link", link.String()).Msg("adapter evicted")
}

// ReloadToken stores new credentials for link and applies them to the cached
// adapter: in place when the adapter supports it, otherwise by reconnecting.
// preserved reports whether live subscriptions were kept without a reconnect.
func (r *Registry) ReloadToken(ctx context.Context, link domain.LinkID, accessToken, sessionID string) (bool, error) {
	unlock := r.locks.Lock(link)
	defer unlock()

	session, err := r.sessions.GetLatest(ctx, link)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, fmt.Errorf("link %s: %w", link, ErrLoginRequired)
		}
		return false, fmt.Errorf("get session: %w", err)
	}

	session.AccessToken = accessToken
	session.SessionID = sessionID
	session.UpdatedAt = time.Now().UTC()
	if err := r.sessions.Put(ctx, session); err != nil {
		return false, fmt.Errorf("put session: %w", err)
	}

	a, ok := r.Get(link)
	if !ok {
		return false, nil
	}
	creds := credentialsFrom(session)

	if reloader, ok := a.(TokenReloader); ok {
		preserved, err := reloader.ReloadToken(ctx, creds)
		if err != nil {
			r.logger.Warn().Err(err).Str("link", link.String()).Msg("in-place token reload failed")
		}
		if preserved {
			return true, nil
		}
	}

	if err := a.Disconnect(); err != nil {
		r.logger.Warn().Err(err).Str("link", link.String()).Msg("disconnect before reload")
	}
	if _, err := a.Connect(ctx, creds); err != nil {
		return false, fmt.Errorf("reconnect %s: %w", link, err)
	}
	return false, nil
}

// Links returns the cached links ordered by user then broker link.
func (r *Registry) Links() []domain.LinkID {
	r.mu.RLock()
	links := make([]domain.LinkID, 0, len(r.adapters))
	for link := range r.adapters {
		links = append(links, link)
	}
	r.mu.RUnlock()

	sortLinks(links)
	return links
}

// Snapshot returns the health of every cached link. A link whose state
// cannot be read is omitted; the snapshot itself never fails.
func (r *Registry) Snapshot() []LinkHealth {
	r.mu.RLock()
	adapters := make(map[domain.LinkID]Adapter, len(r.adapters))
	for link, a := range r.adapters {
		adapters[link] = a
	}
	r.mu.RUnlock()

	out := make([]LinkHealth, 0, len(adapters))
	for link, a := range adapters {
		h, ok := r.health(link, a)
		if ok {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return linkLess(out[i].Link, out[j].Link) })
	return out
}

// Close closes every cached adapter.
func (r *Registry) Close() {
	for _, link := range r.Links() {
		r.Remove(link)
	}
}

func (r *Registry) health(link domain.LinkID, a Adapter) (h LinkHealth, ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("link", link.String()).Interface("panic", rec).Msg("read adapter state")
			ok = false
		}
	}()

	state := a.State()
	status := DeriveFeedStatus(FeedInputsFrom(state))
	return LinkHealth{
		Link:   link,
		State:  state,
		Status: status,
		Label:  FeedLabel(status, state.RetryCount),
	}, true
}

// stateObserver reports feed status changes of one link.
func (r *Registry) stateObserver(link domain.LinkID) StateChangeFunc {
	return func(prev, next domain.ConnectivityState) {
		prevStatus := DeriveFeedStatus(FeedInputsFrom(prev))
		nextStatus := DeriveFeedStatus(FeedInputsFrom(next))
		if prevStatus == nextStatus {
			return
		}
		observability.RecordFeedStatus(string(nextStatus))
		r.logger.Info().
			Str("link", link.String()).
			Str("from", string(prevStatus)).
			Str("to", string(nextStatus)).
			Int("retry", next.RetryCount).
			Msg("feed status changed")
		if r.onStatus != nil {
			r.onStatus(link, nextStatus, next)
		}
	}
}

func credentialsFrom(s *domain.Session) Credentials {
	return Credentials{
		Link:         s.Link,
		ProviderCode: s.ProviderCode,
		AccessToken:  s.AccessToken,
		SessionID:    s.SessionID,
	}
}

func sortLinks(links []domain.LinkID) {
	sort.Slice(links, func(i, j int) bool { return linkLess(links[i], links[j]) })
}

func linkLess(a, b domain.LinkID) bool {
	if a.UserID != b.UserID {
		return a.UserID < b.UserID
	}
	return a.BrokerLinkID < b.BrokerLinkID
}

// keyedMutex hands out one mutex per link. Entries are reference counted
// and dropped when the last holder unlocks.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[domain.LinkID]*refMutex
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[domain.LinkID]*refMutex)}
}

// Lock acquires the mutex of key and returns its unlock function.
func (k *keyedMutex) Lock(key domain.LinkID) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.mu.Lock()

	return func() {
		m.mu.Unlock()

		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
