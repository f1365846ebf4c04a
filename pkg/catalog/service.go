package catalog

import (
	"context"
	"fmt"

	"github.com/acmcyber/instancer/pkg/stateindex"
)

// Service wraps Store with read-through Redis caching and exhaustive
// invalidation on every mutation.
type Service struct {
	store *Store
	index *stateindex.Index
}

// NewService creates a Service over store and index.
func NewService(store *Store, index *stateindex.Index) *Service {
	return &Service{store: store, index: index}
}

// Create writes a challenge and its tags, then invalidates any stale cache
// entries for its id.
func (s *Service) Create(ctx context.Context, c Challenge, tags []Tag, replaceExisting bool) error {
	if err := s.store.Create(ctx, c, tags, replaceExisting); err != nil {
		return err
	}
	return s.index.InvalidateChallenge(ctx, c.ID)
}

// FetchInfo returns the cached challenge definition and tag split for id,
// populating the cache on miss.
func (s *Service) FetchInfo(ctx context.Context, id string) (ChallengeInfo, error) {
	var c Challenge
	hit, err := s.index.GetCachedChallenge(ctx, id, &c)
	if err != nil {
		return ChallengeInfo{}, fmt.Errorf("reading challenge cache for %q: %w", id, err)
	}
	if !hit {
		c, err = s.store.Fetch(ctx, id)
		if err != nil {
			return ChallengeInfo{}, err
		}
		if err := s.index.CacheChallenge(ctx, id, c); err != nil {
			return ChallengeInfo{}, fmt.Errorf("caching challenge %q: %w", id, err)
		}
	}

	var tags []Tag
	tagHit, err := s.index.GetCachedTags(ctx, id, &tags)
	if err != nil {
		return ChallengeInfo{}, fmt.Errorf("reading tag cache for %q: %w", id, err)
	}
	if !tagHit {
		tags, err = s.store.FetchTags(ctx, id)
		if err != nil {
			return ChallengeInfo{}, err
		}
		if err := s.index.CacheTags(ctx, id, tags); err != nil {
			return ChallengeInfo{}, fmt.Errorf("caching tags for %q: %w", id, err)
		}
	}

	categories, plain := splitTags(tags)
	return ChallengeInfo{Challenge: c, Categories: categories, Tags: plain}, nil
}

// FetchAll returns every challenge paired with its tags, pre-warming the
// chall:*/chall_tags:* caches.
func (s *Service) FetchAll(ctx context.Context) ([]ChallengeInfo, error) {
	ids, hit, err := s.index.GetCachedAllChallengeIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading all-challenges cache: %w", err)
	}
	if !hit {
		ids, err = s.store.FetchAllIDs(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.index.CacheAllChallengeIDs(ctx, ids); err != nil {
			return nil, fmt.Errorf("caching all-challenge ids: %w", err)
		}
	}

	infos := make([]ChallengeInfo, 0, len(ids))
	for _, id := range ids {
		info, err := s.FetchInfo(ctx, id)
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Update mutates an existing challenge's lifetime/metadata/boot_time and
// invalidates its cache entries.
func (s *Service) Update(ctx context.Context, id string, lifetime, bootTime int64, meta Metadata) error {
	if err := s.store.Update(ctx, id, lifetime, bootTime, meta); err != nil {
		return err
	}
	return s.index.InvalidateChallenge(ctx, id)
}

// Delete removes a challenge and invalidates its cache entries.
func (s *Service) Delete(ctx context.Context, id string) (bool, error) {
	removed, err := s.store.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	if err := s.index.InvalidateChallenge(ctx, id); err != nil {
		return false, err
	}
	return removed, nil
}

// ReplaceTags atomically replaces a challenge's tags and invalidates its
// cache entries.
func (s *Service) ReplaceTags(ctx context.Context, id string, newTags []Tag) error {
	if err := s.store.ReplaceTags(ctx, id, newTags); err != nil {
		return err
	}
	return s.index.InvalidateChallenge(ctx, id)
}
