package filter

import (
	"fmt"
	"sync"
)

// Layer orders filter contributions by precedence.
type Layer int

// Layers in precedence order.
const (
	System Layer = iota
	Application
	User
)

var allLayers = [...]Layer{System, Application, User}

func (l Layer) String() string {
	switch l {
	case System:
		return "system"
	case Application:
		return "application"
	case User:
		return "user"
	}
	return "unknown"
}

// Valid reports whether l is one of System, Application or User.
func (l Layer) Valid() bool { return l >= System && l <= User }

func mustValid(l Layer) {
	if !l.Valid() {
		panic(fmt.Sprintf("filter: invalid layer %d", int(l)))
	}
}

// EventKind describes the mutation that produced an Event.
type EventKind string

// Event kinds.
const (
	Added   EventKind = "added"
	Removed EventKind = "removed"
	Cleared EventKind = "cleared"
)

// Event is raised once per mutating call on a Set. All is set for ClearAll.
type Event struct {
	Kind  EventKind
	Layer Layer
	All   bool
}

// LayerExpr pairs a layer with its combined expression; Expr is nil for an
// empty layer.
type LayerExpr struct {
	Layer Layer
	Expr  Expr
}

// Set groups filters by layer. Within a layer, filters on different
// properties are ANDed. A static filter replaces an earlier static filter on
// the same property; textual filters accumulate and are ANDed. Layers are
// ANDed with each other. Methods taking a Layer panic when it is not Valid.
type Set struct {
	mu     sync.Mutex
	layers [len(allLayers)][]Filter
	subs   map[int]func(Event)
	nextID int
}

// NewSet constructs an empty filter set.
func NewSet() *Set {
	return &Set{subs: make(map[int]func(Event))}
}

// Add merges f into layer.
func (s *Set) Add(f Filter, layer Layer) {
	s.AddAll(layer, f)
}

// AddAll merges several filters into layer and raises a single event.
func (s *Set) AddAll(layer Layer, filters ...Filter) {
	mustValid(layer)
	s.mu.Lock()
	for _, f := range filters {
		s.layers[layer] = merge(s.layers[layer], f)
	}
	s.mu.Unlock()
	s.notify(Event{Kind: Added, Layer: layer})
}

func merge(current []Filter, f Filter) []Filter {
	out := make([]Filter, 0, len(current)+1)
	for _, existing := range current {
		if f.Textual() {
			if existing.Same(f) {
				return current
			}
		} else if !existing.Textual() && existing.Property == f.Property {
			continue
		}
		out = append(out, existing)
	}
	return append(out, f)
}

// Remove drops a filter identical to f from layer.
func (s *Set) Remove(f Filter, layer Layer) {
	mustValid(layer)
	s.mu.Lock()
	kept := s.layers[layer][:0:0]
	for _, existing := range s.layers[layer] {
		if !existing.Same(f) {
			kept = append(kept, existing)
		}
	}
	s.layers[layer] = kept
	s.mu.Unlock()
	s.notify(Event{Kind: Removed, Layer: layer})
}

// Clear empties one layer. Clearing an empty layer is allowed and still
// raises its event.
func (s *Set) Clear(layer Layer) {
	mustValid(layer)
	s.mu.Lock()
	s.layers[layer] = nil
	s.mu.Unlock()
	s.notify(Event{Kind: Cleared, Layer: layer})
}

// ClearAll empties every layer.
func (s *Set) ClearAll() {
	s.mu.Lock()
	for i := range s.layers {
		s.layers[i] = nil
	}
	s.mu.Unlock()
	s.notify(Event{Kind: Cleared, All: true})
}

// Filters returns a copy of the filters held by layer.
func (s *Set) Filters(layer Layer) []Filter {
	mustValid(layer)
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Filter(nil), s.layers[layer]...)
}

// Empty reports whether no layer holds a filter.
func (s *Set) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, fs := range s.layers {
		if len(fs) > 0 {
			return false
		}
	}
	return true
}

// Layers returns every layer's expression in precedence order.
func (s *Set) Layers() []LayerExpr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LayerExpr, 0, len(allLayers))
	for _, layer := range allLayers {
		out = append(out, LayerExpr{Layer: layer, Expr: layerExpr(s.layers[layer])})
	}
	return out
}

// Expression combines the non-empty layers with AND. It returns nil when no
// filter is active.
func (s *Set) Expression() Expr {
	var exprs []Expr
	for _, le := range s.Layers() {
		if le.Expr != nil {
			exprs = append(exprs, le.Expr)
		}
	}
	if len(exprs) == 0 {
		return nil
	}
	return And(exprs...)
}

// Predicate is Expression with True substituted for nil.
func (s *Set) Predicate() Expr {
	if e := s.Expression(); e != nil {
		return e
	}
	return True()
}

// Subscribe registers fn for change events and returns its unsubscribe func.
func (s *Set) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]func(Event))
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Set) notify(ev Event) {
	s.mu.Lock()
	subs := make([]func(Event), 0, len(s.subs))
	for i := 0; i < s.nextID; i++ {
		if fn, ok := s.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func layerExpr(filters []Filter) Expr {
	if len(filters) == 0 {
		return nil
	}
	exprs := make([]Expr, len(filters))
	for i, f := range filters {
		exprs[i] = f
	}
	return And(exprs...)
}
