// Package cache holds hot item headers and, for headers already resident,
// item content. Each pool is an LRU bounded in bytes; headers are admitted
// only after they have been requested minHitsToCache times.
package cache

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bhyvex/metis/internal/metrics"
	"github.com/bhyvex/metis/internal/model"
)

const (
	poolHeader  = "header"
	poolContent = "content"

	minCandidates = 1024
)

// Config holds cache sizing and admission parameters
type Config struct {
	HeaderBudget   uint64
	ContentBudget  uint64
	MinHitsToCache uint32
	// ItemsInLine bounds the candidates visited per maintenance sweep
	ItemsInLine int
	// CandidateTTL drops hit counters of items not seen for this long
	CandidateTTL time.Duration
}

type candidate struct {
	hits     uint32
	lastSeen time.Time
}

// Stats is a point-in-time view of the cache
type Stats struct {
	HeaderEntries    int    `json:"header_entries"`
	HeaderBytes      uint64 `json:"header_bytes"`
	HeaderBudget     uint64 `json:"header_budget"`
	HeaderEvictions  uint64 `json:"header_evictions"`
	ContentEntries   int    `json:"content_entries"`
	ContentBytes     uint64 `json:"content_bytes"`
	ContentBudget    uint64 `json:"content_budget"`
	ContentEvictions uint64 `json:"content_evictions"`
	Candidates       int    `json:"candidates"`
}

// Cache is the item header and content cache.
type Cache struct {
	config  Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	headerMu sync.Mutex
	headers  *pool

	contentMu sync.Mutex
	content   *pool

	candMu        sync.Mutex
	candidates    map[model.ItemKey]*candidate
	maxCandidates int
}

// New creates a cache
func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) *Cache {
	if cfg.MinHitsToCache == 0 {
		cfg.MinHitsToCache = 1
	}
	if cfg.ItemsInLine <= 0 {
		cfg.ItemsInLine = 1000
	}
	if cfg.CandidateTTL <= 0 {
		cfg.CandidateTTL = 10 * time.Minute
	}
	maxCandidates := int(cfg.HeaderBudget / headerEntrySize)
	if maxCandidates < minCandidates {
		maxCandidates = minCandidates
	}

	c := &Cache{
		config:        cfg,
		logger:        logger,
		metrics:       m,
		now:           time.Now,
		candidates:    make(map[model.ItemKey]*candidate),
		maxCandidates: maxCandidates,
	}
	c.headers = newPool(poolHeader, cfg.HeaderBudget, func() { m.RecordCacheEviction(poolHeader) })
	c.content = newPool(poolContent, cfg.ContentBudget, func() { m.RecordCacheEviction(poolContent) })
	return c
}

// Get returns the resident header for key, refreshing its recency and hit
// counter. A miss counts towards the admission threshold of key.
func (c *Cache) Get(key model.ItemKey) (model.ItemHeader, bool) {
	now := c.now()

	c.headerMu.Lock()
	e, ok := c.headers.get(key)
	if ok {
		e.header.Hits++
		e.header.LastAccess = now
		h := e.header
		c.headerMu.Unlock()
		c.metrics.RecordCacheHit(poolHeader)
		return h, true
	}
	c.headerMu.Unlock()

	c.metrics.RecordCacheMiss(poolHeader)
	c.bumpCandidate(key, now)
	return model.ItemHeader{}, false
}

// RecordHit counts an access to key without reading it.
func (c *Cache) RecordHit(key model.ItemKey) {
	now := c.now()

	c.headerMu.Lock()
	if e, ok := c.headers.get(key); ok {
		e.header.Hits++
		e.header.LastAccess = now
		c.headerMu.Unlock()
		return
	}
	c.headerMu.Unlock()

	c.bumpCandidate(key, now)
}

// Put offers a header to the cache. It is admitted when it has been
// requested at least MinHitsToCache times; least recently used headers are
// evicted synchronously to make room.
func (c *Cache) Put(header model.ItemHeader) bool {
	c.candMu.Lock()
	cand := c.candidates[header.Key]
	hits := header.Hits
	if cand != nil && cand.hits > hits {
		hits = cand.hits
	}
	if hits < c.config.MinHitsToCache {
		c.candMu.Unlock()
		return false
	}
	delete(c.candidates, header.Key)
	c.candMu.Unlock()

	header.Hits = hits
	if header.LastAccess.IsZero() {
		header.LastAccess = c.now()
	}

	c.headerMu.Lock()
	admitted := c.headers.add(header.Key, &entry{header: header, size: headerEntrySize})
	used := c.headers.used
	c.headerMu.Unlock()

	c.metrics.SetCacheBytes(poolHeader, used)
	return admitted
}

// PutContent caches the bytes of an item whose header is resident.
func (c *Cache) PutContent(key model.ItemKey, data []byte) bool {
	c.headerMu.Lock()
	e, ok := c.headers.get(key)
	var header model.ItemHeader
	if ok {
		header = e.header
	}
	c.headerMu.Unlock()
	if !ok {
		return false
	}

	buf := append([]byte(nil), data...)

	c.contentMu.Lock()
	admitted := c.content.add(key, &entry{header: header, data: buf, size: uint64(len(buf)) + entryOverhead})
	used := c.content.used
	c.contentMu.Unlock()

	c.metrics.SetCacheBytes(poolContent, used)
	return admitted
}

// GetContent returns cached item bytes
func (c *Cache) GetContent(key model.ItemKey) ([]byte, bool) {
	c.contentMu.Lock()
	defer c.contentMu.Unlock()

	e, ok := c.content.get(key)
	if !ok {
		c.metrics.RecordCacheMiss(poolContent)
		return nil, false
	}
	c.metrics.RecordCacheHit(poolContent)
	return append([]byte(nil), e.data...), true
}

// Remove drops one item from both pools
func (c *Cache) Remove(key model.ItemKey) {
	c.headerMu.Lock()
	c.headers.remove(key)
	c.headerMu.Unlock()

	c.contentMu.Lock()
	c.content.remove(key)
	c.contentMu.Unlock()
}

// Invalidate drops every header and content entry of a range.
func (c *Cache) Invalidate(id model.RangeID) int {
	c.headerMu.Lock()
	n := c.headers.invalidateRange(id)
	headerUsed := c.headers.used
	c.headerMu.Unlock()

	c.contentMu.Lock()
	n += c.content.invalidateRange(id)
	contentUsed := c.content.used
	c.contentMu.Unlock()

	c.metrics.SetCacheBytes(poolHeader, headerUsed)
	c.metrics.SetCacheBytes(poolContent, contentUsed)

	if n > 0 {
		c.logger.Debug("Invalidated cached items",
			zap.Uint64("range_id", uint64(id)),
			zap.Int("entries", n))
	}
	return n
}

// Maintain visits at most ItemsInLine admission candidates and forgets the
// ones not seen within CandidateTTL. It returns the number forgotten.
func (c *Cache) Maintain(now time.Time) int {
	c.candMu.Lock()
	defer c.candMu.Unlock()

	visited, pruned := 0, 0
	for key, cand := range c.candidates {
		if visited >= c.config.ItemsInLine {
			break
		}
		visited++
		if now.Sub(cand.lastSeen) >= c.config.CandidateTTL {
			delete(c.candidates, key)
			pruned++
		}
	}
	return pruned
}

// Stats returns current cache statistics
func (c *Cache) Stats() Stats {
	var s Stats

	c.headerMu.Lock()
	s.HeaderEntries = c.headers.len()
	s.HeaderBytes = c.headers.used
	s.HeaderBudget = c.headers.budget
	s.HeaderEvictions = c.headers.evictions
	c.headerMu.Unlock()

	c.contentMu.Lock()
	s.ContentEntries = c.content.len()
	s.ContentBytes = c.content.used
	s.ContentBudget = c.content.budget
	s.ContentEvictions = c.content.evictions
	c.contentMu.Unlock()

	c.candMu.Lock()
	s.Candidates = len(c.candidates)
	c.candMu.Unlock()

	return s
}

func (c *Cache) bumpCandidate(key model.ItemKey, now time.Time) {
	c.candMu.Lock()
	defer c.candMu.Unlock()

	cand, ok := c.candidates[key]
	if !ok {
		if len(c.candidates) >= c.maxCandidates {
			return
		}
		cand = &candidate{}
		c.candidates[key] = cand
	}
	cand.hits++
	cand.lastSeen = now
}
