package cache

import (
	"math"

	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/bhyvex/metis/internal/model"
)

// entryOverhead approximates the bookkeeping cost of one resident entry.
const entryOverhead = 64

// headerEntrySize is the accounted size of a header entry: key, header and
// overhead.
const headerEntrySize = 16 + 48 + entryOverhead

type entry struct {
	header model.ItemHeader
	data   []byte
	size   uint64
}

// pool is a byte-bounded LRU. It is not safe for concurrent use; Cache
// guards each pool with its own mutex.
type pool struct {
	name    string
	budget  uint64
	used    uint64
	lru     *simplelru.LRU
	byRange map[model.RangeID]map[model.ItemKey]struct{}

	evicting  bool
	evictions uint64
	onEvict   func()
}

func newPool(name string, budget uint64, onEvict func()) *pool {
	p := &pool{
		name:    name,
		budget:  budget,
		byRange: make(map[model.RangeID]map[model.ItemKey]struct{}),
		onEvict: onEvict,
	}
	// capacity is enforced in bytes, not entries
	lru, err := simplelru.NewLRU(math.MaxInt32, p.removed)
	if err != nil {
		panic(err)
	}
	p.lru = lru
	return p
}

// removed keeps byte accounting in step with every removal from the LRU.
func (p *pool) removed(key, value interface{}) {
	e := value.(*entry)
	k := key.(model.ItemKey)
	p.used -= e.size
	if keys, ok := p.byRange[e.header.RangeID]; ok {
		delete(keys, k)
		if len(keys) == 0 {
			delete(p.byRange, e.header.RangeID)
		}
	}
	if p.evicting {
		p.evictions++
		if p.onEvict != nil {
			p.onEvict()
		}
	}
}

func (p *pool) get(key model.ItemKey) (*entry, bool) {
	v, ok := p.lru.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// add inserts e, evicting least recently used entries until it fits. An
// entry larger than the whole budget is rejected.
func (p *pool) add(key model.ItemKey, e *entry) bool {
	if e.size > p.budget {
		return false
	}
	p.lru.Remove(key)

	p.evicting = true
	for p.used+e.size > p.budget {
		if _, _, ok := p.lru.RemoveOldest(); !ok {
			break
		}
	}
	p.evicting = false

	p.lru.Add(key, e)
	p.used += e.size
	keys, ok := p.byRange[e.header.RangeID]
	if !ok {
		keys = make(map[model.ItemKey]struct{})
		p.byRange[e.header.RangeID] = keys
	}
	keys[key] = struct{}{}
	return true
}

func (p *pool) remove(key model.ItemKey) bool {
	return p.lru.Remove(key)
}

func (p *pool) invalidateRange(id model.RangeID) int {
	keys := p.byRange[id]
	n := 0
	for k := range keys {
		if p.lru.Remove(k) {
			n++
		}
	}
	return n
}

func (p *pool) len() int {
	return p.lru.Len()
}
