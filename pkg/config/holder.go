package config

import (
	"sync"
	"sync/atomic"
)

// Holder publishes the active configuration.
//
// Readers call Load on every operation and never block. Reload validates the
// candidate first; an invalid candidate is refused and the previous
// configuration stays active, so a bad edit to the config file cannot take
// a running store down.
type Holder struct {
	current atomic.Pointer[Config]

	mu        sync.Mutex
	listeners []func(old, next *Config)
}

// NewHolder validates cfg and returns a holder publishing it.
func NewHolder(cfg *Config) (*Holder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	h := &Holder{}
	h.current.Store(cfg.Clone())
	return h, nil
}

// Load returns the active configuration. Callers must not modify it.
func (h *Holder) Load() *Config {
	return h.current.Load()
}

// Reload swaps in next if it validates. Listeners run synchronously after
// the swap, in registration order.
func (h *Holder) Reload(next *Config) error {
	if err := next.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.current.Swap(next.Clone())
	for _, fn := range h.listeners {
		fn(old, h.current.Load())
	}
	return nil
}

// OnChange registers fn to observe successful reloads.
func (h *Holder) OnChange(fn func(old, next *Config)) {
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}
