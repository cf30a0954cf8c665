// Package users reads and updates actor profiles, caching recent profiles in
// a bounded LRU.
package users

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/bluesky-social/indigo/atproto/syntax"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rivo/uniseg"
	"golang.org/x/sync/singleflight"

	"CovesClient/internal/core/apierrors"
)

const (
	// DefaultCacheSize is the profile cache capacity when none is configured
	DefaultCacheSize = 50

	maxDisplayNameGraphemes = 64
	maxBioGraphemes         = 256
)

// Identity reports the signed-in account's DID.
type Identity func() (did string, ok bool)

// Options configures a ProfileService.
type Options struct {
	Logger   *slog.Logger
	Identity Identity
	// OnOwnProfile runs after every fetch of the signed-in account's
	// profile, e.g. to pick up a handle change.
	OnOwnProfile func(ctx context.Context, profile *ProfileViewDetailed)
	CacheSize    int
}

// ProfileService serves profiles from an LRU cache backed by a ProfileAPI.
type ProfileService struct {
	api      ProfileAPI
	cache    *lru.Cache[string, *ProfileViewDetailed]
	identity Identity
	onOwn    func(context.Context, *ProfileViewDetailed)
	logger   *slog.Logger
	flights  singleflight.Group

	// generation is bumped on every eviction so a fetch that started before
	// an update does not re-cache the old profile.
	mu         sync.Mutex
	generation uint64
}

// NewProfileService creates a profile service.
func NewProfileService(api ProfileAPI, opts Options) *ProfileService {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *ProfileViewDetailed](opts.CacheSize)
	if err != nil {
		// Only fails for a non-positive size, which is ruled out above.
		opts.Logger.Warn("failed to create profile cache", "size", opts.CacheSize, "error", err)
		cache, _ = lru.New[string, *ProfileViewDetailed](DefaultCacheSize)
	}
	return &ProfileService{
		api:      api,
		cache:    cache,
		identity: opts.Identity,
		onOwn:    opts.OnOwnProfile,
		logger:   opts.Logger,
	}
}

// normalizeActor returns the cache key for a DID or handle. Handles are
// case-insensitive and may carry a leading "@".
func normalizeActor(actor string) (string, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(actor), "@")
	if trimmed == "" {
		return "", invalidActor(actor, "actor is required")
	}
	id, err := syntax.ParseAtIdentifier(trimmed)
	if err != nil {
		return "", invalidActor(actor, err.Error())
	}
	if id.IsDID() {
		return id.String(), nil
	}
	return strings.ToLower(id.String()), nil
}

func invalidActor(actor, reason string) error {
	inner := &InvalidActorError{Actor: actor, Reason: reason}
	return &apierrors.Error{Kind: apierrors.KindValidation, Op: "profile.get", Message: inner.Error(), Err: inner}
}

// GetProfile returns actor's profile. A cached profile is returned without a
// network call unless forceRefresh is set. Concurrent misses for the same
// actor share one request.
func (s *ProfileService) GetProfile(ctx context.Context, actor string, forceRefresh bool) (*ProfileViewDetailed, error) {
	key, err := normalizeActor(actor)
	if err != nil {
		return nil, err
	}

	if !forceRefresh {
		if profile, ok := s.cache.Get(key); ok {
			return profile, nil
		}
	}

	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()

	// The shared fetch must not die with whichever caller started it.
	detached := context.WithoutCancel(ctx)
	ch := s.flights.DoChan(key, func() (any, error) {
		profile, err := s.api.GetProfile(detached, key)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		if s.generation == gen {
			s.cache.Add(key, profile)
		}
		s.mu.Unlock()
		s.notifyOwn(detached, profile)
		return profile, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			s.logger.Debug("profile fetch failed", "actor", key, "error", res.Err)
			return nil, res.Err
		}
		if res.Shared {
			s.logger.Debug("profile fetch shared with concurrent caller", "actor", key)
		}
		return res.Val.(*ProfileViewDetailed), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ProfileService) notifyOwn(ctx context.Context, profile *ProfileViewDetailed) {
	if s.onOwn == nil || s.identity == nil || profile == nil {
		return
	}
	if did, ok := s.identity(); ok && did == profile.DID {
		s.onOwn(ctx, profile)
	}
}

// UpdateProfile writes the signed-in user's profile and evicts it from the
// cache so the next read fetches the new version.
func (s *ProfileService) UpdateProfile(ctx context.Context, req UpdateProfileRequest) (*UpdateProfileResponse, error) {
	if req.DisplayName != nil {
		trimmed := strings.TrimSpace(*req.DisplayName)
		if uniseg.GraphemeClusterCount(trimmed) > maxDisplayNameGraphemes {
			return nil, &apierrors.Error{Kind: apierrors.KindValidation, Op: "profile.update", Message: ErrDisplayNameTooLong.Error(), Err: ErrDisplayNameTooLong}
		}
		req.DisplayName = &trimmed
	}
	if req.Bio != nil && uniseg.GraphemeClusterCount(*req.Bio) > maxBioGraphemes {
		return nil, &apierrors.Error{Kind: apierrors.KindValidation, Op: "profile.update", Message: ErrBioTooLong.Error(), Err: ErrBioTooLong}
	}

	resp, err := s.api.UpdateProfile(ctx, req)
	if err != nil {
		return nil, err
	}

	did, ok := "", false
	if s.identity != nil {
		did, ok = s.identity()
	}
	s.evict(did, ok)
	return resp, nil
}

// Invalidate drops actor's cached profile.
func (s *ProfileService) Invalidate(actor string) {
	key, err := normalizeActor(actor)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.generation++
	s.cache.Remove(key)
	s.mu.Unlock()
}

// Purge empties the cache.
func (s *ProfileService) Purge() {
	s.mu.Lock()
	s.generation++
	s.cache.Purge()
	s.mu.Unlock()
}

// Len reports how many profiles are cached.
func (s *ProfileService) Len() int {
	return s.cache.Len()
}

// evict removes every cached entry for did, which may be keyed by DID or by
// handle. Without a known DID the whole cache is dropped.
func (s *ProfileService) evict(did string, known bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.generation++
	if !known {
		s.cache.Purge()
		return
	}
	for _, key := range s.cache.Keys() {
		if key == did {
			s.cache.Remove(key)
			continue
		}
		if profile, ok := s.cache.Peek(key); ok && profile.DID == did {
			s.cache.Remove(key)
		}
	}
}
