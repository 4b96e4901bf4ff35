package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
)

// Board holds named client states submitted from outside the process, such
// as the in-progress scoreboard of a UI. Each name becomes a provider on the
// coordinator the first time it is put, so sweeps save and restore it like
// any in-process subsystem.
type Board struct {
	co *Coordinator

	mu     sync.RWMutex
	states map[string]json.RawMessage
}

// NewBoard creates a board registering its providers on co.
func NewBoard(co *Coordinator) *Board {
	return &Board{co: co, states: make(map[string]json.RawMessage)}
}

// Put replaces the state called name and schedules a save.
func (b *Board) Put(ctx context.Context, name string, state json.RawMessage, opts SaveOptions) error {
	if name == "" {
		return fmt.Errorf("state name is required")
	}
	if !json.Valid(state) {
		return fmt.Errorf("state %q is not valid JSON", name)
	}

	b.mu.Lock()
	_, known := b.states[name]
	b.states[name] = slices.Clone(state)
	b.mu.Unlock()

	if !known {
		if err := b.register(name); err != nil {
			b.mu.Lock()
			delete(b.states, name)
			b.mu.Unlock()
			return err
		}
	}
	return b.co.SaveState(ctx, name, state, opts)
}

// Get returns the state called name, falling back to the last saved copy.
// A recovered copy is adopted so later sweeps keep it.
func (b *Board) Get(ctx context.Context, name string) (Recovered, bool) {
	b.mu.RLock()
	state, ok := b.states[name]
	b.mu.RUnlock()
	if ok {
		return Recovered{State: slices.Clone(state)}, true
	}

	rec, ok := b.co.RecoverState(ctx, name)
	if !ok {
		return Recovered{}, false
	}
	b.mu.Lock()
	if _, raced := b.states[name]; !raced {
		b.states[name] = slices.Clone(rec.State)
	}
	b.mu.Unlock()
	if err := b.register(name); err != nil {
		return Recovered{}, false
	}
	return rec, true
}

// Delete forgets name and unregisters its provider. The saved copy stays
// in the cache.
func (b *Board) Delete(name string) {
	b.mu.Lock()
	delete(b.states, name)
	b.mu.Unlock()
	b.co.UnregisterStateProvider(name)
}

// Names returns the held state names in order.
func (b *Board) Names() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.states))
	for name := range b.states {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (b *Board) register(name string) error {
	return b.co.RegisterStateProvider(name,
		func() (any, error) {
			b.mu.RLock()
			defer b.mu.RUnlock()
			return json.RawMessage(slices.Clone(b.states[name])), nil
		},
		func(raw json.RawMessage) error {
			b.mu.Lock()
			b.states[name] = slices.Clone(raw)
			b.mu.Unlock()
			return nil
		})
}
