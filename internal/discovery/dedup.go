package discovery

import (
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DedupCache implements C8's de-duplication window: a room id seen in-window
// by any notifier is skipped by the others.
type DedupCache struct {
	cache *gocache.Cache
}

// NewDedupCache constructs a cache with the given window. window defaults to
// 30s when zero.
func NewDedupCache(window time.Duration) *DedupCache {
	if window <= 0 {
		window = 30 * time.Second
	}
	return &DedupCache{cache: gocache.New(window, window/2)}
}

// TryMark reports whether roomID was NOT already present, and if so, marks
// it. This is the atomic "claim attempt already in flight?" check: exactly
// one notifier gets true for a given room within the window.
func (d *DedupCache) TryMark(roomID string) bool {
	err := d.cache.Add(roomID, struct{}{}, gocache.DefaultExpiration)
	return err == nil
}

// Clear removes roomID from the cache, called when that room's processing
// completes so it can be legitimately re-claimed later.
func (d *DedupCache) Clear(roomID string) {
	d.cache.Delete(roomID)
}
