package queue

import (
	"sync"

	red "appforge/internal/infra/redis"

	"github.com/rs/zerolog"
)

// Registry hands out one Queue handle per name, constructed lazily on first
// use. Replaces import-time queue singletons: the registry is built
// explicitly in main and passed to whoever enqueues or consumes.
type Registry struct {
	mu     sync.Mutex
	rdb    red.RedisClient
	log    *zerolog.Logger
	queues map[string]*Queue
}

func NewRegistry(rdb red.RedisClient, logger *zerolog.Logger) *Registry {
	return &Registry{
		rdb:    rdb,
		log:    logger,
		queues: make(map[string]*Queue),
	}
}

// Get returns the handle for a named queue, creating it on first use.
func (r *Registry) Get(name string) *Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	if q, ok := r.queues[name]; ok {
		return q
	}
	q := New(name, r.rdb, r.log)
	r.queues[name] = q
	return q
}
