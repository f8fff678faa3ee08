package session

import (
	"context"
	"sync"

	"github.com/bowerhall/medibuddy/internal/logger"
)

// Factory builds the controller for one owner.
type Factory func(ownerID string) (*Controller, error)

// Registry holds one controller per owner, created on first use.
type Registry struct {
	build Factory

	mu          sync.RWMutex
	controllers map[string]*Controller
}

func NewRegistry(build Factory) *Registry {
	return &Registry{build: build, controllers: make(map[string]*Controller)}
}

func (r *Registry) Get(ctx context.Context, ownerID string) (*Controller, error) {
	r.mu.RLock()
	c, ok := r.controllers[ownerID]
	r.mu.RUnlock()

	if ok {
		return c, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok = r.controllers[ownerID]; ok {
		return c, nil
	}

	c, err := r.build(ownerID)
	if err != nil {
		return nil, err
	}
	if c.opts.Resume {
		if err := c.Resume(ctx); err != nil {
			logger.Warn("resume failed, starting fresh", "owner", ownerID, "error", err)
		}
	}

	r.controllers[ownerID] = c
	return c, nil
}

// Len returns the number of live controllers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.controllers)
}

// Close tears down every controller. The registry is empty afterwards.
func (r *Registry) Close() {
	r.mu.Lock()
	controllers := r.controllers
	r.controllers = make(map[string]*Controller)
	r.mu.Unlock()

	for _, c := range controllers {
		c.Close()
	}
}
