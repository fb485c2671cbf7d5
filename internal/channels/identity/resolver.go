// Package identity maps platform sender aliases to stable canonical ids.
// Some platforms hand out per-device or privacy-preserving aliases for the
// same underlying account; resolving them keeps group registrations and
// conversation history keyed consistently.
package identity

import (
	"context"
	"log/slog"
	"sync"
)

// Directory is the platform-side lookup for alias mappings. WhatsApp backs
// this with its LID store; platforms without alias schemes can leave it nil.
type Directory interface {
	// LookupCanonical returns the canonical id for an alias. An error means
	// the directory could not answer, not that the alias is invalid.
	LookupCanonical(ctx context.Context, alias string) (string, error)
}

// Config tunes a resolver.
type Config struct {
	// CacheSize bounds the mapping cache (0 = default 1024).
	CacheSize int

	Logger *slog.Logger
}

const defaultCacheSize = 1024

// Resolver resolves aliases through three tiers: cached mapping, directory
// lookup, then the alias itself as a deterministic fallback. Fallbacks are
// not cached, so a directory that answers later wins over the fallback and
// all subsequent resolutions converge on the same canonical id.
type Resolver struct {
	dir    Directory
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]string
	order []string
	size  int
}

// New creates a resolver over a directory. A nil directory resolves every
// alias to itself unless Confirm has recorded a mapping.
func New(dir Directory, cfg Config) *Resolver {
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		dir:    dir,
		logger: logger.With("component", "identity"),
		cache:  make(map[string]string, size),
		size:   size,
	}
}

// Resolve returns the canonical id for an alias. It never fails: when both
// the cache and the directory come up empty the alias itself is returned so
// delivery proceeds with a stable, if unconfirmed, id.
func (r *Resolver) Resolve(ctx context.Context, alias string) string {
	if alias == "" {
		return alias
	}

	r.mu.RLock()
	canonical, ok := r.cache[alias]
	r.mu.RUnlock()
	if ok {
		return canonical
	}

	if r.dir != nil {
		canonical, err := r.dir.LookupCanonical(ctx, alias)
		if err == nil && canonical != "" {
			r.Confirm(alias, canonical)
			return canonical
		}
		if err != nil {
			r.logger.Debug("directory lookup failed, using alias as canonical", "alias", alias, "error", err)
		}
	}

	return alias
}

// Confirm records a known-good alias mapping, evicting the oldest entry when
// the cache is full. Adapters call this when the platform announces a
// mapping directly (e.g. a contact update event).
func (r *Resolver) Confirm(alias, canonical string) {
	if alias == "" || canonical == "" || alias == canonical {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.cache[alias]; !exists {
		if len(r.order) >= r.size {
			oldest := r.order[0]
			r.order = r.order[1:]
			delete(r.cache, oldest)
		}
		r.order = append(r.order, alias)
	}
	r.cache[alias] = canonical
}

// CacheLen returns the number of cached mappings.
func (r *Resolver) CacheLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.cache)
}
