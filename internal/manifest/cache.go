package manifest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"policygateway/internal/domain"
	"policygateway/internal/kvstore"
)

// cacheEntry is what's actually stored in the kvstore.Database: a JSON
// envelope carrying the cached manifest plus when it was written, since
// kvstore.Database only deals in raw bytes.
type cacheEntry struct {
	Manifest domain.Manifest `json:"manifest"`
	CachedAt time.Time       `json:"cached_at"`
}

// CachedStore wraps Store with a short-TTL read-mostly cache of ACTIVE
// manifests keyed by (org_id, uapk_id). A cache
// miss or expired entry always falls through to the database; the cache
// is an optimization, never a source of truth divergent from it.
type CachedStore struct {
	inner *Store
	db    kvstore.Database
	ttl   time.Duration
	nowFn func() time.Time

	mu sync.Mutex
}

// NewCachedStore wraps inner with db as the cache backend. ttl defaults
// to 5 seconds if zero or negative: long enough to absorb a burst of
// evaluate/execute calls, short enough that a manifest demoted out of
// ACTIVE is never served stale for long.
func NewCachedStore(inner *Store, db kvstore.Database, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &CachedStore{inner: inner, db: db, ttl: ttl, nowFn: time.Now}
}

// GetActiveManifest returns the cached ACTIVE manifest for (orgID,
// uapkID) if present and unexpired, otherwise loads it from the
// database and refreshes the cache entry.
func (c *CachedStore) GetActiveManifest(ctx context.Context, orgID, uapkID string) (domain.Manifest, error) {
	key := []byte(orgID + "/" + uapkID)

	c.mu.Lock()
	raw, err := c.db.Get(key)
	c.mu.Unlock()
	if err == nil {
		var entry cacheEntry
		if jsonErr := json.Unmarshal(raw, &entry); jsonErr == nil {
			if c.nowFn().Sub(entry.CachedAt) < c.ttl {
				return entry.Manifest, nil
			}
		}
	}

	m, err := c.inner.GetActiveManifest(ctx, orgID, uapkID)
	if err != nil {
		return domain.Manifest{}, err
	}

	entry := cacheEntry{Manifest: m, CachedAt: c.nowFn()}
	if encoded, err := json.Marshal(entry); err == nil {
		c.mu.Lock()
		_ = c.db.Put(key, encoded)
		c.mu.Unlock()
	}
	return m, nil
}
