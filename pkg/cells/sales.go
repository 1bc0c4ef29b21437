package cells

import (
	"context"
	"fmt"

	"github.com/tamluxury/atelier/pkg/bus"
	"github.com/tamluxury/atelier/pkg/event"
	"github.com/tamluxury/atelier/pkg/layers"
)

// SalesCellID identifies the order-taking cell.
const SalesCellID = "cell:sales"

// OrderCreatedEvent is emitted for every accepted order.
const OrderCreatedEvent = "sales.order.created"

// SalesCell is the business-layer cell that accepts jewelry orders and emits
// the order lifecycle events it owns.
type SalesCell struct {
	bus *bus.Bus
}

// NewSalesCell creates the sales cell over the shared bus.
func NewSalesCell(b *bus.Bus) *SalesCell {
	return &SalesCell{bus: b}
}

// Manifest declares the cell's contract.
func (c *SalesCell) Manifest() Manifest {
	return Manifest{
		CellID:              SalesCellID,
		CellName:            "Sales",
		Version:             "1.0.0",
		Domain:              event.DomainSales,
		Layer:               layers.Business,
		Emits:               []string{OrderCreatedEvent},
		AuthoritativeEvents: []string{"sales.order.*"},
	}
}

// HandleEvent satisfies Handler. The sales cell subscribes to nothing; it
// only emits.
func (c *SalesCell) HandleEvent(ctx context.Context, evt *event.Event) error {
	return nil
}

// CreateOrder accepts an order and publishes sales.order.created. The
// returned event anchors the saga: downstream cells inherit its correlation
// id.
func (c *SalesCell) CreateOrder(ctx context.Context, actor event.Actor, orderID, tenantID string, amountCents int64, currency string) (*event.Event, error) {
	if orderID == "" {
		return nil, fmt.Errorf("sales: empty order id")
	}
	if amountCents <= 0 {
		return nil, fmt.Errorf("sales: order %s has non-positive amount", orderID)
	}
	evt := event.New(OrderCreatedEvent, SalesCellID, event.DomainSales, actor, map[string]interface{}{
		"order_id":     orderID,
		"tenant_id":    tenantID,
		"amount_cents": amountCents,
		"currency":     currency,
	})
	if err := c.bus.Publish(ctx, evt, bus.Options{Priority: bus.PriorityNormal}); err != nil {
		return nil, fmt.Errorf("sales: publish order %s: %w", orderID, err)
	}
	return evt, nil
}
