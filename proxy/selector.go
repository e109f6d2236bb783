// Package proxy selects egress proxy endpoints for outbound retrieval
// requests from named pools.
package proxy

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"sync"
	"time"

	"github.com/pithecene-io/wadostream/log"
	"github.com/pithecene-io/wadostream/types"
)

// Selector manages proxy selection from pools.
// Thread-safe for concurrent access.
type Selector struct {
	mu     sync.Mutex
	pools  map[string]*poolState
	logger *log.Logger
}

// poolState holds runtime state for a single pool.
type poolState struct {
	pool      *types.ProxyPool
	rrIndex   int64                   // round-robin counter
	stickyMap map[string]*stickyEntry // sticky key -> entry
}

// stickyEntry holds a sticky assignment with optional TTL.
type stickyEntry struct {
	endpointIdx int
	expiresAt   *time.Time
}

// NewSelector creates a new proxy selector. logger may be nil.
func NewSelector(logger *log.Logger) *Selector {
	return &Selector{
		pools:  make(map[string]*poolState),
		logger: logger,
	}
}

// RegisterPool registers a proxy pool.
// Returns error if pool validation fails. Soft warnings are logged.
func (s *Selector) RegisterPool(pool *types.ProxyPool) error {
	if err := pool.Validate(); err != nil {
		return fmt.Errorf("pool validation failed: %w", err)
	}

	for _, w := range pool.Warnings() {
		s.logger.Warn("proxy pool warning", map[string]any{"pool": pool.Name, "warning": w})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.pools[pool.Name] = &poolState{
		pool:      pool,
		rrIndex:   0,
		stickyMap: make(map[string]*stickyEntry),
	}

	return nil
}

// SelectRequest contains parameters for endpoint selection.
type SelectRequest struct {
	// Pool is the pool name to select from.
	Pool string
	// StrategyOverride optionally overrides the pool's strategy.
	StrategyOverride *types.ProxyStrategy
	// StickyKey is the key for sticky selection.
	// Overrides the key derived from the pool's sticky scope.
	StickyKey string
	// ImageID is used to derive sticky key when scope is "image".
	ImageID string
	// Host is used to derive sticky key when scope is "host".
	Host string
	// Origin is used to derive sticky key when scope is "origin" (scheme+host+port).
	Origin string
	// Commit determines whether to advance rotation counters.
	// When false, returns what would be selected without mutating state.
	Commit bool
}

// Select selects a proxy endpoint from the specified pool.
// Returns error if pool is not found or selection fails.
func (s *Selector) Select(req SelectRequest) (*types.ProxyEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.pools[req.Pool]
	if !ok {
		return nil, fmt.Errorf("pool %q not found", req.Pool)
	}

	// Determine effective strategy
	strategy := state.pool.Strategy
	if req.StrategyOverride != nil {
		strategy = *req.StrategyOverride
	}

	var idx int
	var err error

	switch strategy {
	case types.ProxyStrategyRoundRobin:
		idx = s.selectRoundRobin(state, req.Commit)
	case types.ProxyStrategyRandom:
		idx, err = s.selectRandom(state)
		if err != nil {
			return nil, err
		}
	case types.ProxyStrategySticky:
		idx, err = s.selectSticky(state, req, req.Commit)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown strategy %q", strategy)
	}

	// Return a copy of the endpoint
	ep := state.pool.Endpoints[idx]
	return &ep, nil
}

// selectRoundRobin selects using round-robin.
// Increments counter only when commit is true.
func (s *Selector) selectRoundRobin(state *poolState, commit bool) int {
	idx := int(state.rrIndex % int64(len(state.pool.Endpoints)))
	if commit {
		state.rrIndex++
	}
	return idx
}

// selectRandom selects uniformly at random.
func (s *Selector) selectRandom(state *poolState) (int, error) {
	n := len(state.pool.Endpoints)
	if n == 1 {
		return 0, nil
	}

	// Secure random selection
	bigN := big.NewInt(int64(n))
	bigIdx, err := rand.Int(rand.Reader, bigN)
	if err != nil {
		return 0, fmt.Errorf("random selection failed: %w", err)
	}

	return int(bigIdx.Int64()), nil
}

// selectSticky selects using sticky assignment.
// Stores new assignment only when commit is true.
func (s *Selector) selectSticky(state *poolState, req SelectRequest, commit bool) (int, error) {
	stickyKey := s.deriveStickyKey(state, req)
	if stickyKey == "" {
		return 0, errors.New("sticky selection requires a sticky key")
	}

	now := time.Now()

	// Check existing entry
	if entry, ok := state.stickyMap[stickyKey]; ok {
		// Check TTL expiration
		if entry.expiresAt == nil || entry.expiresAt.After(now) {
			return entry.endpointIdx, nil
		}
		// Entry expired, remove it
		delete(state.stickyMap, stickyKey)
	}

	// Select new endpoint (use random for new assignments)
	idx, err := s.selectRandom(state)
	if err != nil {
		return 0, err
	}

	// Store assignment only when commit is true
	if commit {
		entry := &stickyEntry{endpointIdx: idx}
		if state.pool.Sticky != nil && state.pool.Sticky.TTLMs != nil {
			ttl := time.Duration(*state.pool.Sticky.TTLMs) * time.Millisecond
			expiresAt := now.Add(ttl)
			entry.expiresAt = &expiresAt
		}
		state.stickyMap[stickyKey] = entry
	}

	return idx, nil
}

// deriveStickyKey derives the sticky key:
// 1. req.StickyKey if provided
// 2. if scope = image: req.ImageID
// 3. if scope = host: req.Host
// 4. if scope = origin: req.Origin
//
// Pools without sticky config key on the image.
func (s *Selector) deriveStickyKey(state *poolState, req SelectRequest) string {
	if req.StickyKey != "" {
		return req.StickyKey
	}

	if state.pool.Sticky == nil {
		return req.ImageID
	}

	switch state.pool.Sticky.Scope {
	case types.ProxyStickyHost:
		return req.Host
	case types.ProxyStickyOrigin:
		return req.Origin
	default:
		return req.ImageID
	}
}

// RequestFor builds a committing SelectRequest for an outbound URL.
func RequestFor(pool, imageID, rawURL string) SelectRequest {
	req := SelectRequest{Pool: pool, ImageID: imageID, Commit: true}
	if u, err := url.Parse(rawURL); err == nil {
		req.Host = u.Hostname()
		req.Origin = u.Scheme + "://" + u.Host
	}
	return req
}

// PoolStats returns statistics for a pool.
type PoolStats struct {
	RoundRobinIndex int64
	StickyEntries   int
}

// Stats returns statistics for a pool.
func (s *Selector) Stats(poolName string) (*PoolStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.pools[poolName]
	if !ok {
		return nil, fmt.Errorf("pool %q not found", poolName)
	}

	return &PoolStats{
		RoundRobinIndex: state.rrIndex,
		StickyEntries:   len(state.stickyMap),
	}, nil
}

// CleanExpiredSticky removes expired sticky entries from all pools.
// Call periodically to prevent unbounded growth.
func (s *Selector) CleanExpiredSticky() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, state := range s.pools {
		for key, entry := range state.stickyMap {
			if entry.expiresAt != nil && entry.expiresAt.Before(now) {
				delete(state.stickyMap, key)
			}
		}
	}
}
