package stable

import "sync"

// anonymousViewer is the cache sentinel for viewers without a registered
// identity.
const anonymousViewer int64 = -1

// viewKey identifies one resolution result. The key is a comparable struct
// over page, viewer and options rather than a string concatenation, so two
// distinct requests can never collide.
type viewKey struct {
	Page     PageID
	Viewer   int64
	UpTo     int64
	Unstable bool
}

// ViewCache memoizes resolved views. Its lifetime must not exceed one request
// or batch operation: resolution results are authorization-sensitive and must
// never be served across requests. The engine clears affected pages after
// every successful mutation.
type ViewCache struct {
	mu    sync.RWMutex
	views map[viewKey]*StableView
}

// NewViewCache constructs an empty view cache.
func NewViewCache() *ViewCache {
	return &ViewCache{views: make(map[viewKey]*StableView)}
}

func (c *ViewCache) get(key viewKey) (*StableView, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	view, ok := c.views[key]
	return view, ok
}

func (c *ViewCache) put(key viewKey, view *StableView) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.views[key] = view
}

// InvalidatePage drops every cached view of the page.
func (c *ViewCache) InvalidatePage(page PageID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.views {
		if key.Page == page {
			delete(c.views, key)
		}
	}
}

// Clear drops every cached view.
func (c *ViewCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.views = make(map[viewKey]*StableView)
}

func cacheKey(page PageRef, viewer Actor, opts ResolveOptions) viewKey {
	viewerID := viewer.ID
	if viewer.Anonymous() {
		viewerID = anonymousViewer
	}

	return viewKey{
		Page:     page.ID,
		Viewer:   viewerID,
		UpTo:     opts.UpToRevision,
		Unstable: opts.Unstable,
	}
}
