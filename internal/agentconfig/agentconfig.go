// Package agentconfig validates, stores and caches the per-agent-type SLA
// policy that sourcing sessions snapshot at creation.
package agentconfig

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ikanisa/easymo/internal/clock"
	"github.com/ikanisa/easymo/internal/models"
	"github.com/ikanisa/easymo/internal/offer"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound is returned when no config row exists for an agent type.
	ErrNotFound = errors.New("agent config not found")
	// ErrOutOfRange is returned when a config value violates its bounds.
	ErrOutOfRange = errors.New("agent config out of range")
)

// Feature flag scopes, as exposed in the admin surface.
const (
	ScopeDisabled = "disabled"
	ScopeInternal = "internal"
	ScopeBeta     = "beta"
	ScopeAll      = "all"
)

// Validate checks every field against its allowed range. The returned error
// wraps ErrOutOfRange and lists every violation.
func Validate(c models.AgentConfig) error {
	var errs []string
	if _, ok := offer.KindFor(c.AgentType); !ok {
		errs = append(errs, fmt.Sprintf("agent_type %q is not supported", c.AgentType))
	}
	if c.SLAMinutes < 1 || c.SLAMinutes > 60 {
		errs = append(errs, fmt.Sprintf("sla_minutes %d not in 1..60", c.SLAMinutes))
	}
	if c.MaxExtensions < 0 || c.MaxExtensions > 5 {
		errs = append(errs, fmt.Sprintf("max_extensions %d not in 0..5", c.MaxExtensions))
	}
	if c.FanOutLimit < 1 || c.FanOutLimit > 50 {
		errs = append(errs, fmt.Sprintf("fan_out_limit %d not in 1..50", c.FanOutLimit))
	}
	if c.CounterOfferDeltaPct < 0 || c.CounterOfferDeltaPct > 100 {
		errs = append(errs, fmt.Sprintf("counter_offer_delta_pct %v not in 0..100", c.CounterOfferDeltaPct))
	}
	switch c.FeatureFlagScope {
	case ScopeDisabled, ScopeInternal, ScopeBeta, ScopeAll:
	default:
		errs = append(errs, fmt.Sprintf("feature_flag_scope %q is not one of disabled, internal, beta, all", c.FeatureFlagScope))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrOutOfRange, strings.Join(errs, "; "))
	}
	return nil
}

// Active reports whether new sessions may be created for the agent type.
func Active(c models.AgentConfig) bool {
	return c.Enabled && c.FeatureFlagScope != ScopeDisabled
}

// Store persists AgentConfig rows.
type Store struct {
	db *gorm.DB
}

// NewStore creates a Store.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("agentconfig: db is required")
	}
	return &Store{db: db}, nil
}

// Get loads the config for agentType.
func (s *Store) Get(ctx context.Context, agentType string) (models.AgentConfig, error) {
	var row models.AgentConfig
	err := s.db.WithContext(ctx).Where("agent_type = ?", agentType).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.AgentConfig{}, fmt.Errorf("agentconfig: get %q: %w", agentType, ErrNotFound)
	}
	if err != nil {
		return models.AgentConfig{}, fmt.Errorf("agentconfig: get %q: %w", agentType, err)
	}
	return row, nil
}

// List returns every config ordered by agent type.
func (s *Store) List(ctx context.Context) ([]models.AgentConfig, error) {
	var rows []models.AgentConfig
	if err := s.db.WithContext(ctx).Order("agent_type").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("agentconfig: list: %w", err)
	}
	return rows, nil
}

// Put validates c and writes it, replacing any existing row.
func (s *Store) Put(ctx context.Context, c models.AgentConfig) error {
	if err := Validate(c); err != nil {
		return fmt.Errorf("agentconfig: put %q: %w", c.AgentType, err)
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "agent_type"}},
		UpdateAll: true,
	}).Create(&c)
	if result.Error != nil {
		return fmt.Errorf("agentconfig: put %q: %w", c.AgentType, result.Error)
	}
	return nil
}

// Source is the backing lookup a Cache reads through to.
type Source interface {
	Get(ctx context.Context, agentType string) (models.AgentConfig, error)
}

// Cache is a read-through cache over a Source. Entries expire after TTL and
// can be dropped explicitly with Invalidate.
type Cache struct {
	src   Source
	ttl   time.Duration
	clock clock.Clock

	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	cfg     models.AgentConfig
	expires time.Time
}

// CacheOpts holds parameters for creating a Cache.
type CacheOpts struct {
	Source Source
	TTL    time.Duration // zero disables expiry
	Clock  clock.Clock   // defaults to the wall clock
}

// NewCache creates a Cache.
func NewCache(opts CacheOpts) (*Cache, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("agentconfig: cache: source is required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	return &Cache{
		src:     opts.Source,
		ttl:     opts.TTL,
		clock:   clk,
		entries: make(map[string]cacheEntry),
	}, nil
}

// Get returns the validated config for agentType, loading it on a miss.
// Concurrent misses for the same agent type share one load. Invalid rows are
// never cached.
func (c *Cache) Get(ctx context.Context, agentType string) (models.AgentConfig, error) {
	if cfg, ok := c.lookup(agentType); ok {
		return cfg, nil
	}
	res, err, _ := c.group.Do(agentType, func() (any, error) {
		if cfg, ok := c.lookup(agentType); ok {
			return cfg, nil
		}
		cfg, err := c.src.Get(ctx, agentType)
		if err != nil {
			return models.AgentConfig{}, err
		}
		if err := Validate(cfg); err != nil {
			return models.AgentConfig{}, fmt.Errorf("agentconfig: %q: %w", agentType, err)
		}
		c.mu.Lock()
		c.entries[agentType] = cacheEntry{cfg: cfg, expires: c.clock.Now().Add(c.ttl)}
		c.mu.Unlock()
		return cfg, nil
	})
	if err != nil {
		return models.AgentConfig{}, err
	}
	return res.(models.AgentConfig), nil
}

func (c *Cache) lookup(agentType string) (models.AgentConfig, bool) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[agentType]
	if !ok || (c.ttl != 0 && !now.Before(e.expires)) {
		return models.AgentConfig{}, false
	}
	return e.cfg, true
}

// Invalidate drops the cached entry for agentType.
func (c *Cache) Invalidate(agentType string) {
	c.mu.Lock()
	delete(c.entries, agentType)
	c.mu.Unlock()
}

// InvalidateAll drops every cached entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]cacheEntry)
	c.mu.Unlock()
}

// Service pairs a Store with a Cache so writes invalidate what reads see.
type Service struct {
	store *Store
	cache *Cache
}

// NewService creates a Service over db.
func NewService(db *gorm.DB, ttl time.Duration, clk clock.Clock) (*Service, error) {
	store, err := NewStore(db)
	if err != nil {
		return nil, err
	}
	cache, err := NewCache(CacheOpts{Source: store, TTL: ttl, Clock: clk})
	if err != nil {
		return nil, err
	}
	return &Service{store: store, cache: cache}, nil
}

// Get returns the cached config for agentType.
func (s *Service) Get(ctx context.Context, agentType string) (models.AgentConfig, error) {
	return s.cache.Get(ctx, agentType)
}

// List returns every stored config, bypassing the cache.
func (s *Service) List(ctx context.Context) ([]models.AgentConfig, error) {
	return s.store.List(ctx)
}

// Update validates and stores c, then invalidates its cache entry.
// Sessions already created keep the values they snapshotted.
func (s *Service) Update(ctx context.Context, c models.AgentConfig) (models.AgentConfig, error) {
	if err := s.store.Put(ctx, c); err != nil {
		return models.AgentConfig{}, err
	}
	s.cache.Invalidate(c.AgentType)
	return s.store.Get(ctx, c.AgentType)
}

// Invalidate drops the cache entry for agentType.
func (s *Service) Invalidate(agentType string) {
	s.cache.Invalidate(agentType)
}
