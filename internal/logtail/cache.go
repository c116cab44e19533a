package logtail

import "sync"

// Cache holds a session's log lines from process start until the first
// consumer attaches. Once drained it stays empty for good.
type Cache struct {
	mu      sync.Mutex
	lines   []string
	drained bool
}

func NewCache() *Cache {
	return &Cache{}
}

// Append adds a line. It reports false once the cache has been drained.
func (c *Cache) Append(line string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.drained {
		return false
	}
	c.lines = append(c.lines, line)
	return true
}

// Drain returns every cached line and closes the cache to further appends.
func (c *Cache) Drain() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	lines := c.lines
	c.lines = nil
	c.drained = true
	return lines
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines)
}

func (c *Cache) Drained() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drained
}
