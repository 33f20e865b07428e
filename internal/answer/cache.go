package answer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/communiq/communiq/internal/retrieve"
)

const defaultCacheSize = 512

// CachedAnswer is the stored value for one answered question.
type CachedAnswer struct {
	Answer  string
	Sources []retrieve.Source
}

// Cache holds recently generated answers keyed by normalized question,
// filter set, and index generation. The generation component makes every
// entry stale the moment new data is indexed, so there is no TTL. Size is
// capped with oldest-first eviction.
type Cache struct {
	mu      sync.Mutex
	max     int
	entries map[string]CachedAnswer
	order   []string
}

// NewCache creates a cache holding at most max entries (default 512).
func NewCache(max int) *Cache {
	if max <= 0 {
		max = defaultCacheSize
	}
	return &Cache{
		max:     max,
		entries: make(map[string]CachedAnswer),
	}
}

// Key builds the cache key for a question under the given filters and index
// generation.
func Key(question, filterKey string, generation uint64) string {
	return fmt.Sprintf("%s|%s|%d", NormalizeQuestion(question), filterKey, generation)
}

// NormalizeQuestion canonicalizes a question for cache keying: lowercase,
// punctuation stripped, whitespace collapsed. "How do we deploy?" and
// "how do we deploy" share an answer.
func NormalizeQuestion(q string) string {
	var sb strings.Builder
	for _, r := range strings.ToLower(q) {
		switch r {
		case '.', ',', '!', '?', ';', ':':
		default:
			sb.WriteRune(r)
		}
	}
	return strings.Join(strings.Fields(sb.String()), " ")
}

// Get returns the cached answer for a key.
func (c *Cache) Get(key string) (CachedAnswer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[key]
	return v, ok
}

// Put stores an answer, evicting the oldest entry when full.
func (c *Cache) Put(key string, v CachedAnswer) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		for len(c.entries) >= c.max && len(c.order) > 0 {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = v
}

// Len returns the number of cached answers.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
