// Package cache holds the process-wide metadata caches of the virtual
// filesystem: per-path file properties, directory listings, and the
// registry of directories known to be empty. The cache is an injected
// dependency so tests and independent filesystem instances can isolate
// their state.
package cache

import (
	"container/list"
	"strings"
	"sync"

	"github.com/OSGeo/gdal-sub056/pkg/types"
)

// DefaultMaxEntries bounds the property cache; listings are bounded
// separately since one listing can be large.
const (
	DefaultMaxEntries  = 16384
	DefaultMaxListings = 256
)

// DirListing is a cached enumeration of one directory.
type DirListing struct {
	Entries []types.DirEntry
	// Complete reports whether Entries covers the whole directory, or
	// only the pages fetched so far.
	Complete bool
}

type propEntry struct {
	path  string
	props types.FileProperties
}

type listEntry struct {
	path    string
	listing DirListing
}

// Cache is safe for concurrent use.
type Cache struct {
	mu sync.Mutex

	maxProps    int
	props       map[string]*list.Element
	propOrder   *list.List
	maxListings int
	listings    map[string]*list.Element
	listOrder   *list.List

	emptyDirs map[string]struct{}
}

// New builds a cache with the default bounds.
func New() *Cache {
	return NewWithLimits(DefaultMaxEntries, DefaultMaxListings)
}

// NewWithLimits builds a cache with explicit entry bounds.
func NewWithLimits(maxProps, maxListings int) *Cache {
	if maxProps <= 0 {
		maxProps = DefaultMaxEntries
	}
	if maxListings <= 0 {
		maxListings = DefaultMaxListings
	}
	return &Cache{
		maxProps:    maxProps,
		props:       make(map[string]*list.Element),
		propOrder:   list.New(),
		maxListings: maxListings,
		listings:    make(map[string]*list.Element),
		listOrder:   list.New(),
		emptyDirs:   make(map[string]struct{}),
	}
}

// GetProperties returns the cached properties for path, if any.
func (c *Cache) GetProperties(path string) (types.FileProperties, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.props[norm(path)]
	if !ok {
		return types.FileProperties{}, false
	}
	c.propOrder.MoveToFront(el)
	return el.Value.(*propEntry).props, true
}

// SetProperties records properties for path, evicting the least recently
// used entry when full.
func (c *Cache) SetProperties(path string, props types.FileProperties) {
	path = norm(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.props[path]; ok {
		el.Value.(*propEntry).props = props
		c.propOrder.MoveToFront(el)
		return
	}
	el := c.propOrder.PushFront(&propEntry{path: path, props: props})
	c.props[path] = el
	if c.propOrder.Len() > c.maxProps {
		oldest := c.propOrder.Back()
		c.propOrder.Remove(oldest)
		delete(c.props, oldest.Value.(*propEntry).path)
	}
}

// GetListing returns the cached listing of dir, if any.
func (c *Cache) GetListing(dir string) (DirListing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.listings[norm(dir)]
	if !ok {
		return DirListing{}, false
	}
	c.listOrder.MoveToFront(el)
	return el.Value.(*listEntry).listing, true
}

// SetListing records a listing for dir.
func (c *Cache) SetListing(dir string, listing DirListing) {
	dir = norm(dir)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.listings[dir]; ok {
		el.Value.(*listEntry).listing = listing
		c.listOrder.MoveToFront(el)
		return
	}
	el := c.listOrder.PushFront(&listEntry{path: dir, listing: listing})
	c.listings[dir] = el
	if c.listOrder.Len() > c.maxListings {
		oldest := c.listOrder.Back()
		c.listOrder.Remove(oldest)
		delete(c.listings, oldest.Value.(*listEntry).path)
	}
}

// RegisterEmptyDir marks dir as known to exist with no entries, so a
// later Stat or ReadDir can answer without a network round trip.
func (c *Cache) RegisterEmptyDir(dir string) {
	dir = norm(dir)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emptyDirs[dir] = struct{}{}
}

// IsKnownEmptyDir reports whether dir was registered as empty and not
// invalidated since.
func (c *Cache) IsKnownEmptyDir(dir string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.emptyDirs[norm(dir)]
	return ok
}

// Invalidate drops the cached properties of exactly path, and any
// listing or empty-dir registration recorded for it.
func (c *Cache) Invalidate(path string) {
	path = norm(path)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(path)
}

// InvalidateDirContent drops the cached listing and empty-dir
// registration of dir, keeping its own properties. Called after a
// mutation inside dir.
func (c *Cache) InvalidateDirContent(dir string) {
	dir = norm(dir)
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.listings[dir]; ok {
		c.listOrder.Remove(el)
		delete(c.listings, dir)
	}
	delete(c.emptyDirs, dir)
}

// InvalidateRecursive drops everything cached at or below path.
func (c *Cache) InvalidateRecursive(path string) {
	path = norm(path)
	prefix := path + "/"
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dropLocked(path)
	for p := range c.props {
		if strings.HasPrefix(p, prefix) {
			el := c.props[p]
			c.propOrder.Remove(el)
			delete(c.props, p)
		}
	}
	for p := range c.listings {
		if strings.HasPrefix(p, prefix) {
			el := c.listings[p]
			c.listOrder.Remove(el)
			delete(c.listings, p)
		}
	}
	for p := range c.emptyDirs {
		if strings.HasPrefix(p, prefix) {
			delete(c.emptyDirs, p)
		}
	}
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.props = make(map[string]*list.Element)
	c.propOrder.Init()
	c.listings = make(map[string]*list.Element)
	c.listOrder.Init()
	c.emptyDirs = make(map[string]struct{})
}

func (c *Cache) dropLocked(path string) {
	if el, ok := c.props[path]; ok {
		c.propOrder.Remove(el)
		delete(c.props, path)
	}
	if el, ok := c.listings[path]; ok {
		c.listOrder.Remove(el)
		delete(c.listings, path)
	}
	delete(c.emptyDirs, path)
}

func norm(path string) string {
	return strings.Trim(path, "/")
}
