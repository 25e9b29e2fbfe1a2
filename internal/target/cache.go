package target

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"dockwatch/internal/docker"
)

// Inspector is the slice of the runtime the cache needs.
type Inspector interface {
	InspectContainer(ctx context.Context, id string) (docker.ContainerInspect, error)
}

// Handle is a resolved reference to the monitored container.
type Handle struct {
	ID   string
	Name string
}

// Info is the inspection side-cache used to answer info queries without a
// redundant inspect round-trip.
type Info struct {
	Name         string
	ShortID      string
	Image        string
	Status       string
	StartedAt    string
	RestartCount int
}

// Cache holds the single process-wide handle to the monitored container.
// Sessions share it read-mostly; the upgrade orchestrator is the only writer
// beyond resolution itself. All mutation goes through the one mutex.
type Cache struct {
	rt     Inspector
	target string

	mu     sync.Mutex
	handle *Handle
	info   *Info
}

func NewCache(rt Inspector, target string) *Cache {
	return &Cache{rt: rt, target: target}
}

// Target returns the logical identifier the cache resolves, as configured.
func (c *Cache) Target() string { return c.target }

// Resolve returns the cached handle after a cheap revalidation probe, falling
// back to full resolution of the logical identifier when the probe fails or
// nothing is cached. Failure leaves the cache empty so the next call retries
// from scratch.
func (c *Cache) Resolve(ctx context.Context) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handle != nil {
		if _, err := c.rt.InspectContainer(ctx, c.handle.ID); err == nil {
			return *c.handle, nil
		}
		c.clearLocked()
	}
	info, err := c.rt.InspectContainer(ctx, c.target)
	if err != nil {
		c.clearLocked()
		return Handle{}, fmt.Errorf("container %q not found: %w", c.target, err)
	}
	c.setLocked(info)
	return *c.handle, nil
}

// Invalidate drops both the handle and the info side-cache. Destructive
// operations call this so the next Resolve performs full resolution instead
// of serving a stale handle.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.clearLocked()
	c.mu.Unlock()
}

// Adopt repoints the cache at a replacement container and refreshes the info
// side-cache from a fresh inspection.
func (c *Cache) Adopt(ctx context.Context, id string) error {
	info, err := c.rt.InspectContainer(ctx, id)
	if err != nil {
		c.Invalidate()
		return fmt.Errorf("inspect replacement container: %w", err)
	}
	c.mu.Lock()
	c.setLocked(info)
	c.mu.Unlock()
	return nil
}

// Info reports the cached inspection snapshot, if any.
func (c *Cache) Info() (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info == nil {
		return Info{}, false
	}
	return *c.info, true
}

func (c *Cache) setLocked(info docker.ContainerInspect) {
	name := strings.TrimPrefix(info.Name, "/")
	if name == "" {
		name = c.target
	}
	c.handle = &Handle{ID: info.ID, Name: name}
	c.info = &Info{
		Name:         name,
		ShortID:      ShortID(info.ID),
		Image:        info.Config.Image,
		Status:       info.State.Status,
		StartedAt:    info.State.StartedAt,
		RestartCount: info.RestartCount,
	}
}

func (c *Cache) clearLocked() {
	c.handle = nil
	c.info = nil
}

// ShortID is the first 12 characters of a full runtime-assigned ID.
func ShortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
