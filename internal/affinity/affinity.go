// Package affinity implements the MongoDB-mode session affinity engine: it
// maps a client identifier to a backend id for the lifetime of a session.
// The table is split into shards, each with its own lock, to bound lock
// contention.
package affinity

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"dbclusterlb/internal/registry"
	"dbclusterlb/internal/selector"
)

// Strategy selects how a client identifier is derived from connection
// context.
type Strategy string

const (
	SourceAddress         Strategy = "SourceAddress"
	ConnectionFingerprint Strategy = "ConnectionFingerprint"
	SessionId             Strategy = "SessionId"
	Hybrid                Strategy = "Hybrid"
)

// ClientContext carries the information available to derive an identifier.
// ConnData is the opaque prefix of bytes the client sent first (typically
// its handshake); it may be nil if unavailable.
type ClientContext struct {
	SourceAddr string
	ConnData   []byte
}

const shardCount = 32

type session struct {
	backendID  string
	createdAt  time.Time
	lastSeenAt time.Time
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// Engine is the MongoDB session affinity table.
type Engine struct {
	strategy       Strategy
	sessionTimeout time.Duration
	shards         [shardCount]*shard
}

// New creates an affinity engine using strategy, evicting bindings after
// sessionTimeout of inactivity.
func New(strategy Strategy, sessionTimeout time.Duration) *Engine {
	e := &Engine{strategy: strategy, sessionTimeout: sessionTimeout}
	for i := range e.shards {
		e.shards[i] = &shard{sessions: make(map[string]*session)}
	}
	return e
}

// identify derives a client identifier from ctx under e's strategy.
// ConnectionFingerprint falls back to SourceAddress when ConnData is empty,
// per SPEC_FULL.md's resolution that SessionId is a placeholder strategy
// that is never speculatively extracted and simply falls back too.
func (e *Engine) identify(ctx ClientContext) string {
	switch e.strategy {
	case ConnectionFingerprint:
		if len(ctx.ConnData) == 0 {
			return "addr:" + ctx.SourceAddr
		}
		sum := sha256.Sum256(ctx.ConnData)
		return "fp:" + hex.EncodeToString(sum[:])
	case SessionId:
		return "addr:" + ctx.SourceAddr
	case Hybrid:
		if len(ctx.ConnData) == 0 {
			return "addr:" + ctx.SourceAddr
		}
		sum := sha256.Sum256(ctx.ConnData)
		return "hybrid:" + ctx.SourceAddr + ":" + hex.EncodeToString(sum[:])
	default: // SourceAddress
		return "addr:" + ctx.SourceAddr
	}
}

func (e *Engine) shardFor(id string) *shard {
	h := fnv32(id)
	return e.shards[h%shardCount]
}

func fnv32(s string) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}

func candidateHealthy(backendID string, candidates []registry.Backend) bool {
	for _, c := range candidates {
		if c.ID == backendID {
			return true
		}
	}
	return false
}

// GetOrBind returns the backend id bound to ctx's identifier, selecting and
// persisting a fresh binding via sel on miss or on eviction of a stale
// binding whose backend is no longer among candidates.
func (e *Engine) GetOrBind(ctx ClientContext, candidates []registry.Backend, sel *selector.Selector) (string, error) {
	id := e.identify(ctx)
	sh := e.shardFor(id)

	sh.mu.Lock()
	now := time.Now()
	if s, ok := sh.sessions[id]; ok {
		if candidateHealthy(s.backendID, candidates) {
			s.lastSeenAt = now
			backendID := s.backendID
			sh.mu.Unlock()
			return backendID, nil
		}
		// Bound backend is gone from the healthy set: evict and fall
		// through to a fresh selection below.
		delete(sh.sessions, id)
	}
	sh.mu.Unlock()

	chosen, err := sel.Select(candidates)
	if err != nil {
		return "", err
	}

	sh.mu.Lock()
	sh.sessions[id] = &session{backendID: chosen.ID, createdAt: now, lastSeenAt: now}
	sh.mu.Unlock()

	return chosen.ID, nil
}

// Release removes the binding for ctx's identifier if present. The MongoDB
// connection handler does not call it on disconnect, so bindings are kept
// until Sweep expires them; the session_release_on_disconnect setting is
// not consulted anywhere.
func (e *Engine) Release(ctx ClientContext) {
	id := e.identify(ctx)
	sh := e.shardFor(id)
	sh.mu.Lock()
	delete(sh.sessions, id)
	sh.mu.Unlock()
}

// Sweep removes every binding whose last_seen_at is older than the
// configured session timeout as of now, returning the count removed. Each
// shard is locked only for the duration of its own scan so sweep never
// blocks all GetOrBind callers for longer than one partition's scan.
func (e *Engine) Sweep(now time.Time) int {
	removed := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		for id, s := range sh.sessions {
			if now.Sub(s.lastSeenAt) > e.sessionTimeout {
				delete(sh.sessions, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Count returns the current total binding count across all shards.
func (e *Engine) Count() int {
	total := 0
	for _, sh := range e.shards {
		sh.mu.Lock()
		total += len(sh.sessions)
		sh.mu.Unlock()
	}
	return total
}
