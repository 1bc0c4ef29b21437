// Package cells defines the unit of composition: a cell declares what it
// emits, what it owns, what it consumes, and where it sits in the layer
// stack, all in one manifest. Registration is the single choke point that
// checks the manifest against the authority and layer registries before any
// wiring happens.
package cells

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tamluxury/atelier/pkg/authority"
	"github.com/tamluxury/atelier/pkg/bus"
	"github.com/tamluxury/atelier/pkg/event"
	"github.com/tamluxury/atelier/pkg/layers"
)

// Manifest is a cell's self-declaration.
type Manifest struct {
	CellID   string       `json:"cell_id" yaml:"cell_id"`
	CellName string       `json:"cell_name" yaml:"cell_name"`
	Version  string       `json:"version" yaml:"version"`
	Domain   event.Domain `json:"domain" yaml:"domain"`
	Layer    layers.Layer `json:"layer" yaml:"layer"`
	// Emits lists every event type the cell publishes.
	Emits []string `json:"emits,omitempty" yaml:"emits,omitempty"`
	// AuthoritativeEvents are the patterns this cell owns exclusively.
	AuthoritativeEvents []string `json:"authoritative_events,omitempty" yaml:"authoritative_events,omitempty"`
	// Subscribes lists the patterns routed to the cell's handler.
	Subscribes []string `json:"subscribes,omitempty" yaml:"subscribes,omitempty"`
	// Dependencies names the cells this cell is allowed to call into.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// Handler is the typed contract every cell implements. The registry routes
// subscribed events to HandleEvent; there is no reflective probing.
type Handler interface {
	HandleEvent(ctx context.Context, evt *event.Event) error
	Manifest() Manifest
}

// Registry wires cells into the kernel. Registration validates the manifest
// end to end and is all-or-nothing per cell.
type Registry struct {
	mu    sync.RWMutex
	cells map[string]Manifest
	subs  map[string][]string // cell id -> subscription ids

	authority *authority.Registry
	layers    *layers.Registry
	bus       *bus.Bus
	logger    *slog.Logger
}

// NewRegistry creates a cell registry over the shared kernel pieces.
func NewRegistry(auth *authority.Registry, lay *layers.Registry, b *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cells:     make(map[string]Manifest),
		subs:      make(map[string][]string),
		authority: auth,
		layers:    lay,
		bus:       b,
		logger:    logger,
	}
}

// Register validates the cell's manifest and wires it in: the cell is bound
// to its layer, its dependency edges are checked against the direction rule,
// its authoritative patterns are claimed, and its subscriptions are attached
// to the bus. Any failure leaves the registry unchanged for this cell.
func (r *Registry) Register(h Handler) error {
	m := h.Manifest()
	if m.CellID == "" {
		return fmt.Errorf("cells: manifest missing cell id")
	}
	if _, err := event.ParseVersion(m.Version); err != nil {
		return fmt.Errorf("cells: %s: bad version: %w", m.CellID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.cells[m.CellID]; exists {
		return fmt.Errorf("cells: %s already registered", m.CellID)
	}

	// The layer binding may predate registration (seeded at boot); roll back
	// only what this call added.
	_, hadLayer := r.layers.LayerOf(m.CellID)
	if err := r.layers.Register(m.CellID, m.Layer); err != nil {
		return err
	}
	undoLayer := func() {
		if !hadLayer {
			r.layers.Remove(m.CellID)
		}
	}

	// Dependencies must already be registered: boot wires cells bottom-up.
	for _, dep := range m.Dependencies {
		if v := r.layers.Validate(m.CellID, dep); v != nil {
			undoLayer()
			return fmt.Errorf("cells: %s: %s", m.CellID, v.Message)
		}
	}

	claimed := false
	if len(m.AuthoritativeEvents) > 0 {
		rule := authority.Rule{CellID: m.CellID, EventPatterns: m.AuthoritativeEvents}
		if err := r.authority.Register(rule); err != nil {
			undoLayer()
			return err
		}
		claimed = true
	}

	var subIDs []string
	for _, pattern := range m.Subscribes {
		sub, err := r.bus.Subscribe(pattern, h.HandleEvent, m.CellID)
		if err != nil {
			for _, id := range subIDs {
				r.bus.Unsubscribe(id)
			}
			if claimed {
				r.authority.Remove(m.CellID)
			}
			undoLayer()
			return fmt.Errorf("cells: %s: subscribe %q: %w", m.CellID, pattern, err)
		}
		subIDs = append(subIDs, sub.ID)
	}

	r.cells[m.CellID] = m
	r.subs[m.CellID] = subIDs
	r.logger.Info("cell registered",
		"cell", m.CellID,
		"layer", m.Layer.String(),
		"domain", string(m.Domain),
		"subscriptions", len(subIDs),
	)
	return nil
}

// Deregister detaches the cell's bus subscriptions. Layer and authority
// claims persist: ownership does not evaporate when a cell goes offline.
func (r *Registry) Deregister(cellID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cells[cellID]; !ok {
		return fmt.Errorf("cells: %s not registered", cellID)
	}
	for _, id := range r.subs[cellID] {
		r.bus.Unsubscribe(id)
	}
	delete(r.cells, cellID)
	delete(r.subs, cellID)
	return nil
}

// ManifestOf returns the registered manifest for cellID.
func (r *Registry) ManifestOf(cellID string) (Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.cells[cellID]
	return m, ok
}

// Cells returns the ids of every registered cell.
func (r *Registry) Cells() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.cells))
	for id := range r.cells {
		out = append(out, id)
	}
	return out
}
