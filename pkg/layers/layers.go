// Package layers enforces the dependency direction rule: the four-layer DAG
// Kernel → Infrastructure → Business → Presentation. A cell may only depend
// on cells in layers at or below its own.
package layers

import (
	"fmt"
	"sync"
)

// KindLayerViolation is the closed-taxonomy reason for an illegal dependency.
const KindLayerViolation = "LAYER_VIOLATION"

// Layer is the ordinal architectural layer of a cell.
type Layer int

const (
	Kernel Layer = iota
	Infrastructure
	Business
	Presentation
)

func (l Layer) String() string {
	switch l {
	case Kernel:
		return "KERNEL"
	case Infrastructure:
		return "INFRASTRUCTURE"
	case Business:
		return "BUSINESS"
	case Presentation:
		return "PRESENTATION"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(l))
	}
}

// ParseLayer converts a layer name into a Layer.
func ParseLayer(s string) (Layer, error) {
	switch s {
	case "KERNEL":
		return Kernel, nil
	case "INFRASTRUCTURE":
		return Infrastructure, nil
	case "BUSINESS":
		return Business, nil
	case "PRESENTATION":
		return Presentation, nil
	default:
		return 0, fmt.Errorf("layers: unknown layer %q", s)
	}
}

// allowed is the static "who may depend on whom" table. Kernel depends on
// nothing; each layer above may reach every layer strictly below it.
var allowed = map[Layer][]Layer{
	Kernel:         {},
	Infrastructure: {Kernel},
	Business:       {Kernel, Infrastructure},
	Presentation:   {Kernel, Infrastructure, Business},
}

// Violation is the structured result of a failed dependency check.
type Violation struct {
	Kind       string `json:"type"`
	SourceCell string `json:"source_cell"`
	TargetCell string `json:"target_cell"`
	Message    string `json:"message"`
}

// Registry maps each cell to exactly one layer.
type Registry struct {
	mu    sync.RWMutex
	cells map[string]Layer
}

// NewRegistry creates an empty layer registry.
func NewRegistry() *Registry {
	return &Registry{cells: make(map[string]Layer)}
}

// Register binds a cell to a layer. Re-registering with a different layer is
// an error; a cell belongs to exactly one layer.
func (r *Registry) Register(cellID string, layer Layer) error {
	if cellID == "" {
		return fmt.Errorf("layers: empty cell id")
	}
	if layer < Kernel || layer > Presentation {
		return fmt.Errorf("layers: invalid layer %d for %s", layer, cellID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.cells[cellID]; ok && existing != layer {
		return fmt.Errorf("layers: cell %s already registered in %s", cellID, existing)
	}
	r.cells[cellID] = layer
	return nil
}

// Remove unbinds cellID from its layer. Removing an unknown cell is a no-op.
func (r *Registry) Remove(cellID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cells, cellID)
}

// LayerOf returns the layer of cellID; ok is false for unknown cells.
func (r *Registry) LayerOf(cellID string) (Layer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.cells[cellID]
	return l, ok
}

// CanDependOn reports whether source may declare a dependency on target.
// Self-dependency is always legal; unknown cells never are.
func (r *Registry) CanDependOn(source, target string) bool {
	if source == target {
		return true
	}
	r.mu.RLock()
	sl, sok := r.cells[source]
	tl, tok := r.cells[target]
	r.mu.RUnlock()
	if !sok || !tok {
		return false
	}
	for _, l := range allowed[sl] {
		if l == tl {
			return true
		}
	}
	return false
}

// Validate returns a Violation describing why source may not depend on
// target, distinguishing unknown source, unknown target, and direction.
func (r *Registry) Validate(source, target string) *Violation {
	if source == target {
		return nil
	}
	r.mu.RLock()
	sl, sok := r.cells[source]
	tl, tok := r.cells[target]
	r.mu.RUnlock()

	if !sok {
		return &Violation{
			Kind:       KindLayerViolation,
			SourceCell: source,
			TargetCell: target,
			Message:    fmt.Sprintf("unknown source cell: %s", source),
		}
	}
	if !tok {
		return &Violation{
			Kind:       KindLayerViolation,
			SourceCell: source,
			TargetCell: target,
			Message:    fmt.Sprintf("unknown target cell: %s", target),
		}
	}
	if !r.CanDependOn(source, target) {
		return &Violation{
			Kind:       KindLayerViolation,
			SourceCell: source,
			TargetCell: target,
			Message:    fmt.Sprintf("layer %s may not depend on layer %s", sl, tl),
		}
	}
	return nil
}
