package rulestore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/MLidstrom/castellan/internal/domain/errors"
	"github.com/MLidstrom/castellan/internal/domain/rules"
	"github.com/MLidstrom/castellan/internal/infrastructure/cache"
	"github.com/MLidstrom/castellan/internal/infrastructure/repository"
	"github.com/MLidstrom/castellan/internal/metrics"
)

const (
	keyAllRules     = "castellan:rules:all"
	keyEnabledRules = "castellan:rules:enabled"
	keyPrefix       = "castellan:rules:rule:"

	// Absolute cache expiry for every rule key.
	cacheTTL = 15 * time.Minute
)

// Store is the cache-fronted rule catalog. Reads go through Redis with
// single-flight loads per key so a cold or just-invalidated key triggers at
// most one database query. Writes go to the repository and invalidate the
// affected keys.
type Store struct {
	repo    repository.RuleRepository
	cache   cache.Cache
	group   singleflight.Group
	logger  *zap.Logger
	metrics *metrics.Registry
}

func New(repo repository.RuleRepository, c cache.Cache, reg *metrics.Registry, logger *zap.Logger) *Store {
	return &Store{
		repo:    repo,
		cache:   c,
		logger:  logger,
		metrics: reg,
	}
}

// GetRule returns the winning enabled rule for (event_id, channel), or
// ErrRuleNotFound. Misses are cached too, as an empty marker, so unknown
// keys do not hammer the database.
func (s *Store) GetRule(ctx context.Context, eventID int, channel string) (*rules.Rule, error) {
	key := ruleKey(eventID, channel)

	var cached ruleEnvelope
	err := s.cache.GetJSON(ctx, key, &cached)
	if err == nil {
		s.countHit(ctx)
		if cached.Rule == nil {
			return nil, errors.ErrRuleNotFound
		}
		return cached.Rule, nil
	}
	if !cache.IsNotFound(err) {
		// Degraded cache: fall through to the database.
		s.logger.Warn("rule cache read failed", zap.String("key", key), zap.Error(err))
	}
	s.countMiss(ctx)

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		rule, err := s.repo.GetByKey(ctx, eventID, channel)
		if err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil, err
		}
		if cacheErr := s.cache.SetJSON(ctx, key, ruleEnvelope{Rule: rule}, cacheTTL); cacheErr != nil {
			s.logger.Warn("rule cache write failed", zap.String("key", key), zap.Error(cacheErr))
		}
		return rule, nil
	})
	if err != nil {
		return nil, err
	}
	rule, _ := v.(*rules.Rule)
	if rule == nil {
		return nil, errors.ErrRuleNotFound
	}
	return rule, nil
}

// ListAll returns every rule including disabled ones.
func (s *Store) ListAll(ctx context.Context) ([]*rules.Rule, error) {
	return s.listCached(ctx, keyAllRules, s.repo.List)
}

// ListEnabled returns enabled rules only.
func (s *Store) ListEnabled(ctx context.Context) ([]*rules.Rule, error) {
	return s.listCached(ctx, keyEnabledRules, s.repo.ListEnabled)
}

func (s *Store) listCached(ctx context.Context, key string, load func(context.Context) ([]*rules.Rule, error)) ([]*rules.Rule, error) {
	var cached []*rules.Rule
	err := s.cache.GetJSON(ctx, key, &cached)
	if err == nil {
		s.countHit(ctx)
		return cached, nil
	}
	if !cache.IsNotFound(err) {
		s.logger.Warn("rule cache read failed", zap.String("key", key), zap.Error(err))
	}
	s.countMiss(ctx)

	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		list, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if cacheErr := s.cache.SetJSON(ctx, key, list, cacheTTL); cacheErr != nil {
			s.logger.Warn("rule cache write failed", zap.String("key", key), zap.Error(cacheErr))
		}
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	list, _ := v.([]*rules.Rule)
	return list, nil
}

// Create persists a rule and invalidates the list keys.
func (s *Store) Create(ctx context.Context, rule *rules.Rule) error {
	if err := s.repo.Create(ctx, rule); err != nil {
		return err
	}
	s.invalidate(ctx, keyAllRules, keyEnabledRules, ruleKey(rule.EventID, rule.Channel))
	return nil
}

// Update persists a rule edit and invalidates the list keys plus the
// specific (event_id, channel) key.
func (s *Store) Update(ctx context.Context, rule *rules.Rule) error {
	if err := s.repo.Update(ctx, rule); err != nil {
		return err
	}
	s.invalidate(ctx, keyAllRules, keyEnabledRules, ruleKey(rule.EventID, rule.Channel))
	return nil
}

// Delete removes a rule and invalidates the list keys plus its specific key.
func (s *Store) Delete(ctx context.Context, id int64) error {
	rule, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.invalidate(ctx, keyAllRules, keyEnabledRules, ruleKey(rule.EventID, rule.Channel))
	return nil
}

// RefreshCache clears every rule key; the next reads repopulate from the
// database.
func (s *Store) RefreshCache(ctx context.Context) error {
	if err := s.cache.Delete(ctx, keyAllRules, keyEnabledRules); err != nil {
		return err
	}
	return s.cache.DeleteByPattern(ctx, keyPrefix+"*")
}

// WarmCache populates the list keys at startup so the first events do not
// pay the database round trip.
func (s *Store) WarmCache(ctx context.Context) error {
	if _, err := s.ListAll(ctx); err != nil {
		return fmt.Errorf("warming all-rules cache: %w", err)
	}
	if _, err := s.ListEnabled(ctx); err != nil {
		return fmt.Errorf("warming enabled-rules cache: %w", err)
	}
	return nil
}

func (s *Store) invalidate(ctx context.Context, keys ...string) {
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.logger.Warn("rule cache invalidation failed", zap.Strings("keys", keys), zap.Error(err))
	}
}

func (s *Store) countHit(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.RuleCacheHits.Add(ctx, 1)
	}
}

func (s *Store) countMiss(ctx context.Context) {
	if s.metrics != nil {
		s.metrics.RuleCacheMisses.Add(ctx, 1)
	}
}

// ruleEnvelope distinguishes a cached "no rule" marker from a cache miss.
type ruleEnvelope struct {
	Rule *rules.Rule `json:"rule"`
}

func ruleKey(eventID int, channel string) string {
	return fmt.Sprintf("%s%d:%s", keyPrefix, eventID, strings.ToLower(channel))
}
