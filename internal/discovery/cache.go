package discovery

import (
	"context"
	"time"

	freecache "github.com/coocood/freecache"
	gocache "github.com/eko/gocache/lib/v4/cache"
	libstore "github.com/eko/gocache/lib/v4/store"
	gocachefreecache "github.com/eko/gocache/store/freecache/v4"
	"github.com/golang/snappy"
	"go.uber.org/zap"
)

// DescriptionCache keeps fetched description documents by location,
// snappy compressed.
type DescriptionCache struct {
	log   *zap.Logger
	cache gocache.CacheInterface[[]byte]
	ttl   time.Duration
}

// DefaultDescriptionCacheSize holds compressed documents up to 32 KiB.
// freecache rejects any entry larger than about 1/1024 of its size.
const DefaultDescriptionCacheSize = 32 << 20

// NewDescriptionCache returns nil when size is negative. A zero size uses
// DefaultDescriptionCacheSize.
func NewDescriptionCache(log *zap.Logger, size int, ttl time.Duration) *DescriptionCache {
	if size < 0 {
		return nil
	}
	if size == 0 {
		size = DefaultDescriptionCacheSize
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	store := gocachefreecache.NewFreecache(freecache.NewCache(size))
	return &DescriptionCache{
		log:   log,
		cache: gocache.New[[]byte](store),
		ttl:   ttl,
	}
}

func (c *DescriptionCache) Get(ctx context.Context, location string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	value, err := c.cache.Get(ctx, location)
	if err != nil {
		return nil, false
	}
	decoded, err := snappy.Decode(nil, value)
	if err != nil {
		c.log.Debug("description cache decode failed", zap.String("location", location), zap.Error(err))
		return nil, false
	}
	return decoded, true
}

func (c *DescriptionCache) Put(ctx context.Context, location string, data []byte) {
	if c == nil || len(data) == 0 {
		return
	}
	encoded := snappy.Encode(nil, data)
	if err := c.cache.Set(ctx, location, encoded, libstore.WithExpiration(c.ttl)); err != nil {
		// usually freecache.ErrLargeEntry; the document is simply refetched
		c.log.Debug("description cache store failed",
			zap.String("location", location),
			zap.Int("size", len(encoded)),
			zap.Error(err),
		)
	}
}
