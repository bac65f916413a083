package config

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/eventlog"
	"mtf-feed/internal/storage"
)

// ServiceOptions configures a Service.
type ServiceOptions struct {
	Store  storage.ConfigStore
	Events eventlog.Emitter // optional
	Logger zerolog.Logger
	Now    func() time.Time
}

// UpdatePayload is the payload of CONFIG_UPDATED events.
type UpdatePayload struct {
	Target       string `json:"target"` // "global" or "override"
	Action       string `json:"action"` // "put" or "delete"
	Version      int    `json:"version"`
	Symbol       string `json:"symbol,omitempty"`
	UserID       int64  `json:"userId,omitempty"`
	BrokerLinkID int64  `json:"brokerLinkId,omitempty"`
}

type overrideKey struct {
	symbol  string
	link    domain.LinkID
	perLink bool
}

// Service owns the MTF configuration. Reads come from an in-memory snapshot
// loaded by Load and kept current by the write methods, so the tick path
// never touches the store.
type Service struct {
	store  storage.ConfigStore
	events eventlog.Emitter
	logger zerolog.Logger
	now    func() time.Time

	writeMu sync.Mutex // serializes writes

	mu        sync.RWMutex
	global    domain.MTFConfig
	overrides map[overrideKey]*domain.MTFOverride
}

// NewService creates a Service holding the default configuration until Load.
func NewService(opts ServiceOptions) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		store:     opts.Store,
		events:    opts.Events,
		logger:    opts.Logger,
		now:       now,
		global:    domain.DefaultMTFConfig(),
		overrides: make(map[overrideKey]*domain.MTFOverride),
	}
}

// Load reads the global configuration and every override from the store.
// When no global configuration is stored, seed (or the default) is persisted.
func (s *Service) Load(ctx context.Context, seed *domain.MTFConfig) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	global, err := s.store.GetGlobal(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		cfg := domain.DefaultMTFConfig()
		if seed != nil {
			cfg = *seed
		}
		if err := Validate(cfg); err != nil {
			return fmt.Errorf("seed config: %w", err)
		}
		cfg.Version = 1
		cfg.UpdatedAt = s.now().UTC()
		if err := s.store.PutGlobal(ctx, &cfg); err != nil {
			return fmt.Errorf("store seed config: %w", err)
		}
		global = &cfg
		s.logger.Info().Msg("seeded global MTF config")
	case err != nil:
		return fmt.Errorf("get global config: %w", err)
	}

	overrides, err := s.store.ListOverrides(ctx)
	if err != nil {
		return fmt.Errorf("list overrides: %w", err)
	}

	s.mu.Lock()
	s.global = *global
	s.overrides = make(map[overrideKey]*domain.MTFOverride, len(overrides))
	for _, o := range overrides {
		s.overrides[keyOf(o.Symbol, o.Link)] = o
	}
	s.mu.Unlock()

	s.logger.Info().
		Int("version", global.Version).
		Int("overrides", len(overrides)).
		Msg("MTF config loaded")
	return nil
}

// Global returns the current global configuration.
func (s *Service) Global() domain.MTFConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global
}

// ReplaceGlobal validates cfg and stores it as the next version.
// Invalid configurations are never persisted.
func (s *Service) ReplaceGlobal(ctx context.Context, cfg domain.MTFConfig) (domain.MTFConfig, error) {
	if err := Validate(cfg); err != nil {
		return domain.MTFConfig{}, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	current := s.global
	overrides := s.overrideList()
	s.mu.RUnlock()

	// Existing overrides must still resolve to a valid configuration.
	for _, o := range overrides {
		if err := Validate(o.ApplyTo(cfg)); err != nil {
			return domain.MTFConfig{}, fmt.Errorf("override %s conflicts: %w", describeOverride(o), err)
		}
	}

	cfg.Version = current.Version + 1
	cfg.UpdatedAt = s.now().UTC()
	if err := s.store.PutGlobal(ctx, &cfg); err != nil {
		return domain.MTFConfig{}, fmt.Errorf("store global config: %w", err)
	}

	s.mu.Lock()
	s.global = cfg
	s.mu.Unlock()

	s.emit(ctx, UpdatePayload{Target: "global", Action: "put", Version: cfg.Version}, domain.GlobalScope())
	s.logger.Info().Int("version", cfg.Version).Msg("global MTF config replaced")
	return cfg, nil
}

// Override returns the override for (symbol, link). Returns storage.ErrNotFound if none is set.
func (s *Service) Override(symbol string, link *domain.LinkID) (*domain.MTFOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.overrides[keyOf(symbol, link)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

// Overrides returns every override ordered by symbol, symbol-wide first.
func (s *Service) Overrides() []*domain.MTFOverride {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.overrideList()
}

// PutOverride validates the configuration o resolves to and stores o.
func (s *Service) PutOverride(ctx context.Context, o domain.MTFOverride) (*domain.MTFOverride, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	base := s.global
	if o.Link != nil {
		// A link override layers on top of the symbol-wide one.
		if sym, ok := s.overrides[keyOf(o.Symbol, nil)]; ok {
			base = sym.ApplyTo(base)
		}
	}
	s.mu.RUnlock()

	if err := ValidateOverride(&o, base); err != nil {
		return nil, err
	}

	o.UpdatedAt = s.now().UTC()
	if err := s.store.PutOverride(ctx, &o); err != nil {
		return nil, fmt.Errorf("store override: %w", err)
	}

	s.mu.Lock()
	stored := o
	s.overrides[keyOf(o.Symbol, o.Link)] = &stored
	version := s.global.Version
	s.mu.Unlock()

	s.emit(ctx, overridePayload("put", version, o.Symbol, o.Link), overrideScope(o.Link))
	s.logger.Info().Str("override", describeOverride(&o)).Msg("MTF override stored")
	return &o, nil
}

// DeleteOverride removes the override for (symbol, link). Returns storage.ErrNotFound if none is set.
func (s *Service) DeleteOverride(ctx context.Context, symbol string, link *domain.LinkID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.store.DeleteOverride(ctx, symbol, link); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return err
		}
		return fmt.Errorf("delete override: %w", err)
	}

	s.mu.Lock()
	delete(s.overrides, keyOf(symbol, link))
	version := s.global.Version
	s.mu.Unlock()

	s.emit(ctx, overridePayload("delete", version, symbol, link), overrideScope(link))
	return nil
}

// Resolve returns the effective configuration for symbol on link, field-wise:
// symbol+link override, then symbol override, then global. A nil link skips
// the first level.
func (s *Service) Resolve(symbol string, link *domain.LinkID) domain.MTFConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg := s.global
	if o, ok := s.overrides[keyOf(symbol, nil)]; ok {
		cfg = o.ApplyTo(cfg)
	}
	if link != nil {
		if o, ok := s.overrides[keyOf(symbol, link)]; ok {
			cfg = o.ApplyTo(cfg)
		}
	}
	return cfg
}

// Widths returns the candle widths of symbol on link.
func (s *Service) Widths(link domain.LinkID, symbol string) map[domain.Timeframe]int {
	cfg := s.Resolve(symbol, &link)
	return map[domain.Timeframe]int{
		domain.TimeframeLTF: cfg.LTF.WidthMinutes,
		domain.TimeframeITF: cfg.ITF.WidthMinutes,
		domain.TimeframeHTF: cfg.HTF.WidthMinutes,
	}
}

func (s *Service) overrideList() []*domain.MTFOverride {
	out := make([]*domain.MTFOverride, 0, len(s.overrides))
	for _, o := range s.overrides {
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol != out[j].Symbol {
			return out[i].Symbol < out[j].Symbol
		}
		if (out[i].Link == nil) != (out[j].Link == nil) {
			return out[i].Link == nil
		}
		if out[i].Link == nil {
			return false
		}
		if out[i].Link.UserID != out[j].Link.UserID {
			return out[i].Link.UserID < out[j].Link.UserID
		}
		return out[i].Link.BrokerLinkID < out[j].Link.BrokerLinkID
	})
	return out
}

func (s *Service) emit(ctx context.Context, payload UpdatePayload, scope domain.Scope) {
	if s.events == nil {
		return
	}
	if _, err := s.events.Emit(ctx, domain.EventConfigUpdated, scope, payload, eventlog.Correlation{}); err != nil {
		s.logger.Error().Err(err).Msg("failed to append CONFIG_UPDATED")
	}
}

func keyOf(symbol string, link *domain.LinkID) overrideKey {
	if link == nil {
		return overrideKey{symbol: symbol}
	}
	return overrideKey{symbol: symbol, link: *link, perLink: true}
}

func overridePayload(action string, version int, symbol string, link *domain.LinkID) UpdatePayload {
	p := UpdatePayload{Target: "override", Action: action, Version: version, Symbol: symbol}
	if link != nil {
		p.UserID = link.UserID
		p.BrokerLinkID = link.BrokerLinkID
	}
	return p
}

func overrideScope(link *domain.LinkID) domain.Scope {
	if link == nil {
		return domain.GlobalScope()
	}
	return domain.LinkScope(*link)
}

func describeOverride(o *domain.MTFOverride) string {
	if o.Link == nil {
		return o.Symbol
	}
	return o.Symbol + "@" + o.Link.String()
}
