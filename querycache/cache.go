package querycache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// DefaultStaleTime matches the five minute freshness window of the web client.
const DefaultStaleTime = 5 * time.Minute

// ErrNoFetcher is returned when no registered fetcher serves a key.
var ErrNoFetcher = errors.New("querycache: no fetcher registered for key")

// Fetcher loads the authoritative task list for a key.
type Fetcher func(ctx context.Context, key Key) ([]domain.Task, error)

type entry struct {
	key       Key
	data      []domain.Task
	hasData   bool
	stale     bool
	fetchedAt time.Time
	revision  uint64
}

type registration struct {
	prefix Key
	fetch  Fetcher
}

// Cache is the process-local task cache shared by the reorder coordinator
// and the read handlers. Optimistic writes go through SetQueryData; only
// fetched data advances an entry's revision. Revisions come from one
// counter for the whole cache, so a key that is removed and fetched again
// never reuses an earlier revision.
type Cache struct {
	staleTime time.Duration
	logger    *log.Logger
	now       func() time.Time

	mu       sync.Mutex
	entries  map[string]*entry
	fetchers []registration
	rev      uint64
}

// New creates an empty cache. A non-positive staleTime uses DefaultStaleTime.
func New(staleTime time.Duration, logger *log.Logger) *Cache {
	if staleTime <= 0 {
		staleTime = DefaultStaleTime
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Cache{
		staleTime: staleTime,
		logger:    logger,
		now:       time.Now,
		entries:   make(map[string]*entry),
	}
}

// Register installs fetch for every key starting with prefix. The longest
// matching prefix wins.
func (c *Cache) Register(prefix Key, fetch Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fetchers = append(c.fetchers, registration{prefix: append(Key(nil), prefix...), fetch: fetch})
}

func (c *Cache) fetcherFor(key Key) Fetcher {
	var best Fetcher
	bestLen := -1
	for _, r := range c.fetchers {
		if key.HasPrefix(r.prefix) && len(r.prefix) > bestLen {
			best = r.fetch
			bestLen = len(r.prefix)
		}
	}
	return best
}

// Get returns fresh cached data or fetches it.
func (c *Cache) Get(ctx context.Context, key Key) ([]domain.Task, error) {
	c.mu.Lock()
	if e, ok := c.entries[key.String()]; ok && e.hasData && !e.stale && c.now().Sub(e.fetchedAt) < c.staleTime {
		out := domain.CloneTasks(e.data)
		c.mu.Unlock()
		return out, nil
	}
	c.mu.Unlock()
	return c.fetch(ctx, key)
}

func (c *Cache) fetch(ctx context.Context, key Key) ([]domain.Task, error) {
	c.mu.Lock()
	fetch := c.fetcherFor(key)
	c.mu.Unlock()
	if fetch == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoFetcher, key)
	}

	tasks, err := fetch(ctx, key)
	if err != nil {
		c.logger.WithFields(log.Fields{"key": key.String(), "error": err}).Warn("query fetch failed")
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(key)
	e.data = domain.CloneTasks(tasks)
	if e.data == nil {
		e.data = []domain.Task{}
	}
	e.hasData = true
	e.stale = false
	e.fetchedAt = c.now()
	c.rev++
	e.revision = c.rev
	return domain.CloneTasks(e.data), nil
}

func (c *Cache) entryLocked(key Key) *entry {
	k := key.String()
	e, ok := c.entries[k]
	if !ok {
		e = &entry{key: append(Key(nil), key...)}
		c.entries[k] = e
	}
	return e
}

// Peek returns the cached data without fetching.
func (c *Cache) Peek(key Key) ([]domain.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key.String()]
	if !ok || !e.hasData {
		return nil, false
	}
	return domain.CloneTasks(e.data), true
}

// Revision identifies the last authoritative fetch stored for key; it is zero
// when nothing was fetched.
func (c *Cache) Revision(key Key) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key.String()]; ok {
		return e.revision
	}
	return 0
}

// SetQueryData replaces the data of key with the result of update, called
// with a copy of the current data (nil when nothing is cached). The update
// runs under the cache lock and must not call back into the cache. A nil
// result leaves the entry untouched.
func (c *Cache) SetQueryData(key Key, update func(old []domain.Task) []domain.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var old []domain.Task
	if e, ok := c.entries[key.String()]; ok && e.hasData {
		old = domain.CloneTasks(e.data)
	}
	next := update(old)
	if next == nil {
		return
	}
	e := c.entryLocked(key)
	e.data = domain.CloneTasks(next)
	if !e.hasData {
		e.hasData = true
		e.fetchedAt = c.now()
	}
}

// Invalidate marks key stale and, when it holds data, refetches it right away.
func (c *Cache) Invalidate(ctx context.Context, key Key) error {
	c.mu.Lock()
	e, ok := c.entries[key.String()]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	e.stale = true
	active := e.hasData
	c.mu.Unlock()
	if !active {
		return nil
	}
	_, err := c.fetch(ctx, key)
	return err
}

// InvalidatePrefix invalidates every cached key starting with prefix.
func (c *Cache) InvalidatePrefix(ctx context.Context, prefix Key) error {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.entries))
	for _, e := range c.entries {
		if e.key.HasPrefix(prefix) {
			keys = append(keys, e.key)
		}
	}
	c.mu.Unlock()

	var errs []error
	for _, k := range keys {
		if err := c.Invalidate(ctx, k); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// Remove drops key from the cache.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key.String())
}
