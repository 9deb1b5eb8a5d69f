package memory

import (
	"container/list"
	"sync"
)

// ConversationKey identifies one bounded message list. Scope is either a
// community room ID for multi-party conversations or a synthetic "dm:<user>"
// scope for one-to-one channels; Channel is the sub-channel within the scope.
type ConversationKey struct {
	Scope   string
	Channel string
	Direct  bool // one-to-one conversation; uses the smaller capacity class
}

// HistoryCacheConfig bounds the history cache.
type HistoryCacheConfig struct {
	// DirectCapacity is the number of one-to-one conversations retained.
	// Default: 64.
	DirectCapacity int

	// GroupCapacity is the number of multi-party conversations retained.
	// Default: 256.
	GroupCapacity int

	// TokenBudget is the per-conversation token estimate budget applied
	// after every append. Default: 2000.
	TokenBudget int
}

// DefaultHistoryCacheConfig returns the documented defaults.
func DefaultHistoryCacheConfig() HistoryCacheConfig {
	return HistoryCacheConfig{
		DirectCapacity: 64,
		GroupCapacity:  256,
		TokenBudget:    2000,
	}
}

// HistoryCache is a bounded least-recently-used cache of per-conversation
// histories. Direct and multi-party conversations are bounded independently:
// an influx of group chatter cannot evict every direct conversation and vice
// versa. Safe for concurrent use.
type HistoryCache struct {
	mu     sync.Mutex
	config HistoryCacheConfig
	direct *lruClass
	group  *lruClass
}

// History is one conversation's mutable message list. All mutation happens
// through its methods so the cache never needs re-insertion on update.
type History struct {
	mu     sync.Mutex
	budget int
	msgs   []Message
}

// NewHistoryCache creates a HistoryCache with the given configuration.
func NewHistoryCache(cfg HistoryCacheConfig) *HistoryCache {
	def := DefaultHistoryCacheConfig()
	if cfg.DirectCapacity <= 0 {
		cfg.DirectCapacity = def.DirectCapacity
	}
	if cfg.GroupCapacity <= 0 {
		cfg.GroupCapacity = def.GroupCapacity
	}
	if cfg.TokenBudget <= 0 {
		cfg.TokenBudget = def.TokenBudget
	}
	return &HistoryCache{
		config: cfg,
		direct: newLRUClass(cfg.DirectCapacity),
		group:  newLRUClass(cfg.GroupCapacity),
	}
}

// GetOrCreate returns the history for key, creating it when absent. The entry
// is moved to the most-recently-used position; when creation pushes the class
// past capacity, the least-recently-used entry of that class is evicted.
func (c *HistoryCache) GetOrCreate(key ConversationKey) *History {
	c.mu.Lock()
	defer c.mu.Unlock()

	class := c.group
	if key.Direct {
		class = c.direct
	}
	if h := class.touch(key); h != nil {
		return h
	}
	h := &History{budget: c.config.TokenBudget}
	class.insert(key, h)
	return h
}

// Len reports the number of cached conversations in each capacity class.
func (c *HistoryCache) Len() (direct, group int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.direct.order.Len(), c.group.order.Len()
}

// Clear drops every cached conversation.
func (c *HistoryCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.direct = newLRUClass(c.config.DirectCapacity)
	c.group = newLRUClass(c.config.GroupCapacity)
}

// Contains reports whether key is currently cached, without affecting the
// recency order.
func (c *HistoryCache) Contains(key ConversationKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	class := c.group
	if key.Direct {
		class = c.direct
	}
	_, ok := class.entries[key]
	return ok
}

// lruClass is one capacity class: a map for lookup plus an order list whose
// front is the most recently used entry. Callers hold the cache mutex.
type lruClass struct {
	capacity int
	order    *list.List // of lruEntry, front = MRU
	entries  map[ConversationKey]*list.Element
}

type lruEntry struct {
	key  ConversationKey
	hist *History
}

func newLRUClass(capacity int) *lruClass {
	return &lruClass{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[ConversationKey]*list.Element),
	}
}

// touch moves key to the MRU position and returns its history, or nil when
// the key is not cached.
func (l *lruClass) touch(key ConversationKey) *History {
	el, ok := l.entries[key]
	if !ok {
		return nil
	}
	l.order.MoveToFront(el)
	return el.Value.(lruEntry).hist
}

// insert adds a new entry at the MRU position, evicting the LRU entry when
// over capacity.
func (l *lruClass) insert(key ConversationKey, h *History) {
	l.entries[key] = l.order.PushFront(lruEntry{key: key, hist: h})
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.entries, oldest.Value.(lruEntry).key)
	}
}

// Append adds a message and trims the history to the token budget in place.
func (h *History) Append(m Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, m)
	h.msgs = TrimToBudget(h.msgs, h.budget)
}

// Snapshot returns a copy of the current message list, oldest first.
func (h *History) Snapshot() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Message, len(h.msgs))
	copy(out, h.msgs)
	return out
}

// Reset discards every retained message.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = nil
}

// Len returns the number of messages currently retained.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.msgs)
}

// TrimToBudget walks msgs from newest to oldest, accumulating the token
// estimate per message, and keeps the newest contiguous suffix whose total
// stays within maxTokens. Whole messages are dropped from the head only; the
// newest message is always retained even when it alone exceeds the budget.
func TrimToBudget(msgs []Message, maxTokens int) []Message {
	if len(msgs) <= 1 {
		return msgs
	}

	used := 0
	keepFrom := len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		cost := estimateTokens(msgs[i])
		if used+cost > maxTokens {
			break
		}
		used += cost
		keepFrom = i
	}

	// Never trim away the sole newest message.
	if keepFrom == len(msgs) {
		keepFrom = len(msgs) - 1
	}
	return msgs[keepFrom:]
}
