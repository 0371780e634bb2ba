package gateway

import (
	"sync"
	"sync/atomic"

	"github.com/joestump/homegate/internal/access"
)

// LevelController holds the global access level. Reads are lock-free;
// changes are serialised so Set can report what it replaced.
type LevelController struct {
	current atomic.Int32
	mu      sync.Mutex
}

// NewLevelController starts at level.
func NewLevelController(level access.Level) *LevelController {
	c := &LevelController{}
	c.current.Store(int32(level))
	return c
}

// Get returns the current level.
func (c *LevelController) Get() access.Level {
	return access.Level(c.current.Load())
}

// Set replaces the level and returns the previous one.
func (c *LevelController) Set(level access.Level) access.Level {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.Get()
	c.current.Store(int32(level))
	return prev
}
