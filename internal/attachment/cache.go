package attachment

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/mailroom/internal/pkg/logger"
)

// ComputeMD5 returns the lowercase hex MD5 of content. The cache is
// content-addressed so identical blobs dedupe across storage paths.
func ComputeMD5(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// MEMORY TIER
// =============================================================================

type memEntry struct {
	key     string
	content []byte
	addedAt time.Time
}

// memoryCache is an LRU over raw blob bytes with a TTL. Small files only;
// anything at or above the tier threshold goes to disk.
type memoryCache struct {
	mu       sync.Mutex
	maxBytes int64
	ttl      time.Duration
	ll       *list.List
	items    map[string]*list.Element
	curBytes int64
}

func newMemoryCache(maxMB int, ttl time.Duration) *memoryCache {
	return &memoryCache{
		maxBytes: int64(maxMB) * 1024 * 1024,
		ttl:      ttl,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *memoryCache) Get(key string) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil
	}
	e := el.Value.(*memEntry)
	if time.Since(e.addedAt) > c.ttl {
		c.removeElement(el)
		return nil
	}
	c.ll.MoveToFront(el)
	return e.content
}

func (c *memoryCache) Set(key string, content []byte) {
	size := int64(len(content))
	if size > c.maxBytes {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	for c.curBytes+size > c.maxBytes && c.ll.Len() > 0 {
		c.removeElement(c.ll.Back())
	}
	el := c.ll.PushFront(&memEntry{key: key, content: content, addedAt: time.Now()})
	c.items[key] = el
	c.curBytes += size
}

func (c *memoryCache) removeElement(el *list.Element) {
	e := el.Value.(*memEntry)
	c.ll.Remove(el)
	delete(c.items, e.key)
	c.curBytes -= int64(len(e.content))
}

func (c *memoryCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expired []*list.Element
	for el := c.ll.Back(); el != nil; el = el.Prev() {
		if time.Since(el.Value.(*memEntry).addedAt) > c.ttl {
			expired = append(expired, el)
		}
	}
	for _, el := range expired {
		c.removeElement(el)
	}
	return len(expired)
}

func (c *memoryCache) SizeBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curBytes
}

// =============================================================================
// DISK TIER
// =============================================================================

// diskCache stores blobs as files named by their hash, fanned out over a
// two-character subdirectory to keep directories small. Entry age comes
// from the file mtime.
type diskCache struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	ttl      time.Duration
}

func newDiskCache(dir string, maxMB int, ttl time.Duration) (*diskCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &diskCache{
		dir:      dir,
		maxBytes: int64(maxMB) * 1024 * 1024,
		ttl:      ttl,
	}, nil
}

func (c *diskCache) path(key string) string {
	return filepath.Join(c.dir, key[:2], key)
}

func (c *diskCache) Get(key string) []byte {
	if len(key) < 2 {
		return nil
	}
	p := c.path(key)
	info, err := os.Stat(p)
	if err != nil {
		return nil
	}
	if time.Since(info.ModTime()) > c.ttl {
		os.Remove(p)
		return nil
	}
	content, err := os.ReadFile(p)
	if err != nil {
		return nil
	}
	return content
}

func (c *diskCache) Set(key string, content []byte) {
	if len(key) < 2 || int64(len(content)) > c.maxBytes {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ensureSpace(int64(len(content)))
	p := c.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return
	}
	if err := os.WriteFile(p, content, 0o644); err != nil {
		logger.Warn("disk cache write failed", "key", key, "error", err.Error())
	}
}

type diskFile struct {
	path  string
	size  int64
	mtime time.Time
}

func (c *diskCache) ensureSpace(needed int64) {
	files, total := c.listFiles()
	if total+needed <= c.maxBytes {
		return
	}
	sort.Slice(files, func(i, j int) bool { return files[i].mtime.Before(files[j].mtime) })
	for _, f := range files {
		if total+needed <= c.maxBytes {
			break
		}
		if os.Remove(f.path) == nil {
			total -= f.size
		}
	}
}

func (c *diskCache) listFiles() ([]diskFile, int64) {
	var files []diskFile
	var total int64
	subdirs, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, 0
	}
	for _, sub := range subdirs {
		if !sub.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(c.dir, sub.Name()))
		if err != nil {
			continue
		}
		for _, ent := range entries {
			info, err := ent.Info()
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			files = append(files, diskFile{
				path:  filepath.Join(c.dir, sub.Name(), ent.Name()),
				size:  info.Size(),
				mtime: info.ModTime(),
			})
			total += info.Size()
		}
	}
	return files, total
}

func (c *diskCache) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	files, _ := c.listFiles()
	removed := 0
	for _, f := range files {
		if time.Since(f.mtime) > c.ttl && os.Remove(f.path) == nil {
			removed++
		}
	}
	return removed
}

// =============================================================================
// REDIS TIER
// =============================================================================

// redisCache shares fetched blobs across service instances. Purely
// best-effort: a Redis outage only costs refetches.
type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func (c *redisCache) Get(ctx context.Context, key string) []byte {
	content, err := c.client.Get(ctx, "attachment:blob:"+key).Bytes()
	if err != nil {
		return nil
	}
	return content
}

func (c *redisCache) Set(ctx context.Context, key string, content []byte) {
	if err := c.client.Set(ctx, "attachment:blob:"+key, content, c.ttl).Err(); err != nil {
		logger.Debug("redis cache write failed", "key", key, "error", err.Error())
	}
}

// =============================================================================
// TIERED CACHE
// =============================================================================

// CacheOptions sizes the tiers. A zero DiskDir disables the disk tier and
// a nil Redis client disables the shared tier.
type CacheOptions struct {
	MemoryMaxMB     int
	MemoryTTL       time.Duration
	DiskDir         string
	DiskMaxMB       int
	DiskTTL         time.Duration
	DiskThresholdKB int
	Redis           *redis.Client
	RedisTTL        time.Duration
}

// TieredCache is a content-addressed blob cache. Blobs below the disk
// threshold live in memory, larger ones on disk, and every fetch also
// lands in Redis when a client is configured so sibling instances skip
// the origin fetch.
type TieredCache struct {
	memory    *memoryCache
	disk      *diskCache
	redis     *redisCache
	threshold int64
}

// NewTieredCache builds the cache, creating the disk directory if needed.
func NewTieredCache(opts CacheOptions) (*TieredCache, error) {
	tc := &TieredCache{
		memory:    newMemoryCache(opts.MemoryMaxMB, opts.MemoryTTL),
		threshold: int64(opts.DiskThresholdKB) * 1024,
	}
	if opts.DiskDir != "" {
		disk, err := newDiskCache(opts.DiskDir, opts.DiskMaxMB, opts.DiskTTL)
		if err != nil {
			return nil, err
		}
		tc.disk = disk
	}
	if opts.Redis != nil {
		tc.redis = &redisCache{client: opts.Redis, ttl: opts.RedisTTL}
	}
	return tc, nil
}

// Get looks up a blob by hash, checking memory, then disk, then Redis.
// Hits in the outer tiers are promoted inward for the next lookup.
func (tc *TieredCache) Get(ctx context.Context, key string) []byte {
	if content := tc.memory.Get(key); content != nil {
		return content
	}
	if tc.disk != nil {
		if content := tc.disk.Get(key); content != nil {
			if int64(len(content)) < tc.threshold {
				tc.memory.Set(key, content)
			}
			return content
		}
	}
	if tc.redis != nil {
		if content := tc.redis.Get(ctx, key); content != nil {
			tc.store(key, content)
			return content
		}
	}
	return nil
}

// Set stores a blob under its hash in the tier its size calls for.
func (tc *TieredCache) Set(ctx context.Context, key string, content []byte) {
	tc.store(key, content)
	if tc.redis != nil {
		tc.redis.Set(ctx, key, content)
	}
}

func (tc *TieredCache) store(key string, content []byte) {
	if int64(len(content)) < tc.threshold {
		tc.memory.Set(key, content)
	} else if tc.disk != nil {
		tc.disk.Set(key, content)
	}
}

// CleanupExpired sweeps the local tiers. Redis entries expire on their
// own TTL.
func (tc *TieredCache) CleanupExpired() (int, int) {
	memRemoved := tc.memory.CleanupExpired()
	diskRemoved := 0
	if tc.disk != nil {
		diskRemoved = tc.disk.CleanupExpired()
	}
	return memRemoved, diskRemoved
}
