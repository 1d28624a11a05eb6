package policy

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/veilworks/veil/pkg/log"
	"github.com/veilworks/veil/pkg/storage"
)

// Engine loads, parses, and caches policies. Reads are lock-free; cache
// replacement is copy-on-write, so a load racing an invalidation sees either
// the old or the new parsed policy, never a partial one.
type Engine struct {
	store  storage.Store
	cache  atomic.Pointer[map[string]*Config]
	logger zerolog.Logger
}

// NewEngine creates a policy engine backed by store.
func NewEngine(store storage.Store) *Engine {
	e := &Engine{
		store:  store,
		logger: log.WithComponent("policy"),
	}
	empty := make(map[string]*Config)
	e.cache.Store(&empty)
	return e
}

// Load returns the parsed active policy for id. An empty or unknown id
// yields the built-in default policy. Parse failures propagate with kind
// policy_invalid.
func (e *Engine) Load(id string) (*Config, error) {
	if id == "" {
		return Default(), nil
	}

	if cached, ok := (*e.cache.Load())[id]; ok {
		return cached, nil
	}

	rec, err := e.store.GetPolicy(id)
	if err != nil {
		e.logger.Warn().Str("policy_id", id).Msg("Policy not found, using default")
		return Default(), nil
	}

	cfg, err := Parse(rec.ID, rec.Version, rec.Document)
	if err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = rec.Name
	}

	e.put(id, cfg)
	return cfg, nil
}

// Invalidate drops the cached policy for id. Called on policy update events.
func (e *Engine) Invalidate(id string) {
	for {
		old := e.cache.Load()
		if _, ok := (*old)[id]; !ok {
			return
		}
		next := make(map[string]*Config, len(*old))
		for k, v := range *old {
			if k != id {
				next[k] = v
			}
		}
		if e.cache.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (e *Engine) put(id string, cfg *Config) {
	for {
		old := e.cache.Load()
		next := make(map[string]*Config, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[id] = cfg
		if e.cache.CompareAndSwap(old, &next) {
			return
		}
	}
}
