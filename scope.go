package parley

import (
	"strings"
	"sync"
)

// Scope is the layered variable namespace for one script instance.
// Identifiers are case-folded, so HELLO, hello and Hello share a slot.
// Reads walk instance-local first, then the parent chain (config
// globals); a miss resolves to Null, never an error.
type Scope struct {
	parent *Scope
	mu     sync.RWMutex
	vals   map[string]Value
	order  []string
}

// NewScope creates a scope with an optional parent layer.
func NewScope(parent *Scope) *Scope {
	return &Scope{parent: parent, vals: make(map[string]Value)}
}

func foldName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Get resolves name through the layer chain. Total: misses return Null.
func (s *Scope) Get(name string) Value {
	key := foldName(name)
	for sc := s; sc != nil; sc = sc.parent {
		sc.mu.RLock()
		v, ok := sc.vals[key]
		sc.mu.RUnlock()
		if ok {
			return v
		}
	}
	return Null
}

// Has reports whether name is bound in any layer.
func (s *Scope) Has(name string) bool {
	key := foldName(name)
	for sc := s; sc != nil; sc = sc.parent {
		sc.mu.RLock()
		_, ok := sc.vals[key]
		sc.mu.RUnlock()
		if ok {
			return true
		}
	}
	return false
}

// Set binds name in this layer. Writes never promote to a parent.
func (s *Scope) Set(name string, v Value) {
	key := foldName(name)
	s.mu.Lock()
	if _, ok := s.vals[key]; !ok {
		s.order = append(s.order, key)
	}
	s.vals[key] = v
	s.mu.Unlock()
}

// Delete unbinds name from this layer only.
func (s *Scope) Delete(name string) {
	key := foldName(name)
	s.mu.Lock()
	if _, ok := s.vals[key]; ok {
		delete(s.vals, key)
		for i, k := range s.order {
			if k == key {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
	}
	s.mu.Unlock()
}

// Names returns this layer's bindings in insertion order.
func (s *Scope) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Fork creates a child layer over this scope.
func (s *Scope) Fork() *Scope { return NewScope(s) }

// SeedParams injects configuration values as globals. Keys carrying
// the param- prefix are stripped of it; values are type-sniffed the
// same way for every caller (int, float, bool, then string).
func (s *Scope) SeedParams(config map[string]string) {
	for key, raw := range config {
		name := foldName(key)
		if !strings.HasPrefix(name, "param-") {
			continue
		}
		s.Set(strings.TrimPrefix(name, "param-"), SniffValue(raw))
	}
}

// SniffValue parses a configuration string into the narrowest Value.
func SniffValue(raw string) Value {
	trimmed := strings.TrimSpace(raw)
	if v, ok := S(trimmed).Num(); ok && trimmed != "" {
		return N(v)
	}
	switch strings.ToLower(trimmed) {
	case "true":
		return B(true)
	case "false":
		return B(false)
	}
	return S(raw)
}
