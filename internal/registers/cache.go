package registers

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// GroupValues is the result of reading one register group.
//
// Group is the path prefix that was read ("operating_data/") or a single
// register path ("consumption_data/counter"). Every cached register under
// a prefix Group, or the single register a path Group names, is replaced by
// Values.
type GroupValues struct {
	Group  string
	Values map[string]string
}

// covers reports whether path belongs to the group. A group ending in "/"
// covers every path below it; any other group is one exact register.
func (g GroupValues) covers(path string) bool {
	if strings.HasSuffix(g.Group, "/") {
		return strings.HasPrefix(path, g.Group)
	}
	return path == g.Group
}

// ChangeFunc is called after a snapshot with different content has been
// published. changed lists the added, modified and removed paths in
// lexical order.
type ChangeFunc func(prev, next *Snapshot, changed []string)

// Cache holds the latest register snapshot.
//
// Reads load the current snapshot pointer and never take a lock, so readers
// never block the writer and never see a partly updated map. Updates build a
// new snapshot and swap the pointer.
//
// Change callbacks run synchronously on the updating goroutine, in
// publication order. They must not update the cache.
type Cache struct {
	current atomic.Pointer[Snapshot]

	writeMu sync.Mutex

	subsMu sync.RWMutex
	subs   map[int]ChangeFunc
	nextID int

	now func() time.Time
}

// New creates an empty cache.
func New() *Cache {
	c := &Cache{
		subs: make(map[int]ChangeFunc),
		now:  time.Now,
	}
	c.current.Store(&Snapshot{values: Values{}})
	return c
}

// Get returns the cached value of one register. A register the controller
// never reported, or reported empty, is absent.
func (c *Cache) Get(path string) (string, bool) {
	return c.current.Load().Get(path)
}

// Snapshot returns the current snapshot.
func (c *Cache) Snapshot() *Snapshot {
	return c.current.Load()
}

// ReplaceGroup replaces every register under group with values and
// publishes the result. It reports whether anything changed; an identical
// update publishes nothing.
func (c *Cache) ReplaceGroup(group string, values map[string]string) bool {
	return c.ReplaceGroups(GroupValues{Group: group, Values: values})
}

// ReplaceGroups applies several group results as one publication, so
// readers see either none or all of them.
func (c *Cache) ReplaceGroups(groups ...GroupValues) bool {
	if len(groups) == 0 {
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	prev := c.current.Load()
	next := make(Values, len(prev.values))
	for k, v := range prev.values {
		next[k] = v
	}

	for _, g := range groups {
		for k := range next {
			if g.covers(k) {
				delete(next, k)
			}
		}
		for k, v := range g.Values {
			if v == "" {
				continue
			}
			next[k] = v
		}
	}

	changed := diff(prev.values, next)
	if len(changed) == 0 {
		return false
	}

	snap := &Snapshot{
		values:  next,
		version: prev.version + 1,
		updated: c.now(),
	}
	c.current.Store(snap)
	c.notify(prev, snap, changed)
	return true
}

// Subscribe registers fn for change notifications and returns a function
// that removes it.
func (c *Cache) Subscribe(fn ChangeFunc) (unsubscribe func()) {
	c.subsMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subsMu.Unlock()

	return func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
}

func (c *Cache) notify(prev, next *Snapshot, changed []string) {
	c.subsMu.RLock()
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]ChangeFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.subs[id])
	}
	c.subsMu.RUnlock()

	for _, fn := range fns {
		fn(prev, next, changed)
	}
}

// diff returns the paths whose value differs between a and b.
func diff(a, b Values) []string {
	var changed []string
	for k, v := range b {
		if old, ok := a[k]; !ok || old != v {
			changed = append(changed, k)
		}
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}
