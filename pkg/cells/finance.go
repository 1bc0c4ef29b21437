package cells

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tamluxury/atelier/pkg/audit"
	"github.com/tamluxury/atelier/pkg/bus"
	"github.com/tamluxury/atelier/pkg/event"
	"github.com/tamluxury/atelier/pkg/idempotency"
	"github.com/tamluxury/atelier/pkg/layers"
)

// FinanceCellID identifies the invoicing cell.
const FinanceCellID = "cell:finance"

// InvoiceCreatedEvent is emitted once per order, exactly once.
const InvoiceCreatedEvent = "finance.invoice.created"

// financeService is the ledger service name for idempotency keys.
const financeService = "finance-cell"

// invoiceTTL bounds how long a processed order blocks re-invoicing.
const invoiceTTL = 24 * time.Hour

// FinanceCell consumes order events and produces invoices. Invoicing is a
// money effect, so every handled order passes through the idempotency ledger
// and every created invoice lands on the audit chain.
type FinanceCell struct {
	bus    *bus.Bus
	ledger *idempotency.Ledger
	chain  *audit.Chain
	logger *slog.Logger
}

// NewFinanceCell creates the finance cell over the shared kernel pieces.
func NewFinanceCell(b *bus.Bus, ledger *idempotency.Ledger, chain *audit.Chain, logger *slog.Logger) *FinanceCell {
	if logger == nil {
		logger = slog.Default()
	}
	return &FinanceCell{bus: b, ledger: ledger, chain: chain, logger: logger}
}

// Manifest declares the cell's contract.
func (c *FinanceCell) Manifest() Manifest {
	return Manifest{
		CellID:              FinanceCellID,
		CellName:            "Finance",
		Version:             "1.0.0",
		Domain:              event.DomainAccounting,
		Layer:               layers.Business,
		Emits:               []string{InvoiceCreatedEvent},
		AuthoritativeEvents: []string{"finance.invoice.*"},
		Subscribes:          []string{"sales.order.*"},
	}
}

// HandleEvent invoices an order. Duplicate deliveries of the same order are
// absorbed by the ledger and return nil without a second invoice.
func (c *FinanceCell) HandleEvent(ctx context.Context, evt *event.Event) error {
	if evt.EventType != OrderCreatedEvent {
		return nil
	}
	tenantID, _ := evt.Payload["tenant_id"].(string)

	res, err := c.ledger.Enforce(ctx, evt.EventID, tenantID, financeService, evt.Payload, invoiceTTL)
	if err != nil {
		return fmt.Errorf("finance: enforce %s: %w", evt.EventID, err)
	}
	if res.IsDuplicate {
		c.logger.Debug("duplicate order delivery absorbed", "event", evt.EventID)
		return nil
	}

	invoice := event.NewChild(evt, InvoiceCreatedEvent, FinanceCellID, event.DomainAccounting,
		event.Actor{Persona: "system", UserID: financeService},
		map[string]interface{}{
			"order_id":     evt.Payload["order_id"],
			"tenant_id":    tenantID,
			"amount_cents": evt.Payload["amount_cents"],
			"currency":     evt.Payload["currency"],
		})
	if err := c.bus.Publish(ctx, invoice, bus.Options{Priority: bus.PriorityNormal}); err != nil {
		return fmt.Errorf("finance: publish invoice for %s: %w", evt.EventID, err)
	}

	if _, err := c.chain.Log(FinanceCellID, "INVOICE_CREATED", map[string]interface{}{
		"order_id":   evt.Payload["order_id"],
		"invoice_id": invoice.EventID,
		"tenant_id":  tenantID,
	}, evt.EventID); err != nil {
		return fmt.Errorf("finance: audit invoice for %s: %w", evt.EventID, err)
	}

	return c.ledger.SetResult(ctx, evt.EventID, tenantID, financeService, evt.Payload, map[string]interface{}{
		"status":     "PROCESSED",
		"invoice_id": invoice.EventID,
	})
}
