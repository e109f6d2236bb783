package options

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/pithecene-io/wadostream/types"
)

// DefaultMetadataCacheSize bounds the metadata cache.
const DefaultMetadataCacheSize = 4096

// MetadataCache holds recently seen image metadata for chunk sizing.
// A nil cache reports every lookup as a miss.
type MetadataCache struct {
	cache *lru.Cache
}

// NewMetadataCache creates a cache holding at most size entries.
func NewMetadataCache(size int) (*MetadataCache, error) {
	if size <= 0 {
		size = DefaultMetadataCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &MetadataCache{cache: cache}, nil
}

// Put stores metadata for an image.
func (c *MetadataCache) Put(imageID string, md types.Metadata) {
	if c == nil {
		return
	}
	c.cache.Add(imageID, md)
}

// Get returns metadata for an image.
func (c *MetadataCache) Get(imageID string) (types.Metadata, bool) {
	if c == nil {
		return types.Metadata{}, false
	}
	v, ok := c.cache.Get(imageID)
	if !ok {
		return types.Metadata{}, false
	}
	return v.(types.Metadata), true
}

// Remove evicts an image.
func (c *MetadataCache) Remove(imageID string) {
	if c == nil {
		return
	}
	c.cache.Remove(imageID)
}

// Len returns the number of cached entries.
func (c *MetadataCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}
