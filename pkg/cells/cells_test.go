package cells

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tamluxury/atelier/pkg/audit"
	"github.com/tamluxury/atelier/pkg/authority"
	"github.com/tamluxury/atelier/pkg/bus"
	"github.com/tamluxury/atelier/pkg/event"
	"github.com/tamluxury/atelier/pkg/idempotency"
	"github.com/tamluxury/atelier/pkg/layers"
	"github.com/tamluxury/atelier/pkg/replay"
	"github.com/tamluxury/atelier/pkg/store"
)

type kernel struct {
	bus     *bus.Bus
	reg     *Registry
	chain   *audit.Chain
	ledger  *idempotency.Ledger
	sales   *SalesCell
	finance *FinanceCell
}

func newKernel(t *testing.T) *kernel {
	t.Helper()
	kv := store.NewMemoryKV()
	t.Cleanup(func() { _ = kv.Close() })

	b := bus.New()
	chain := audit.NewChain()
	ledger := idempotency.NewLedger(kv)
	reg := NewRegistry(authority.NewRegistry(), layers.NewRegistry(), b, slog.Default())

	k := &kernel{
		bus:     b,
		reg:     reg,
		chain:   chain,
		ledger:  ledger,
		sales:   NewSalesCell(b),
		finance: NewFinanceCell(b, ledger, chain, slog.Default()),
	}
	require.NoError(t, reg.Register(k.sales))
	require.NoError(t, reg.Register(k.finance))
	return k
}

type stubCell struct {
	manifest Manifest
}

func (s *stubCell) HandleEvent(context.Context, *event.Event) error { return nil }
func (s *stubCell) Manifest() Manifest                              { return s.manifest }

func TestRegisterValidatesManifest(t *testing.T) {
	newReg := func() *Registry {
		return NewRegistry(authority.NewRegistry(), layers.NewRegistry(), bus.New(), slog.Default())
	}

	t.Run("missing cell id", func(t *testing.T) {
		err := newReg().Register(&stubCell{manifest: Manifest{Version: "1.0.0"}})
		assert.Error(t, err)
	})

	t.Run("bad version", func(t *testing.T) {
		err := newReg().Register(&stubCell{manifest: Manifest{CellID: "cell:x", Version: "one"}})
		assert.Error(t, err)
	})

	t.Run("duplicate registration", func(t *testing.T) {
		reg := newReg()
		m := Manifest{CellID: "cell:x", Version: "1.0.0", Layer: layers.Business}
		require.NoError(t, reg.Register(&stubCell{manifest: m}))
		assert.Error(t, reg.Register(&stubCell{manifest: m}))
	})

	t.Run("unknown dependency", func(t *testing.T) {
		reg := newReg()
		m := Manifest{
			CellID: "cell:x", Version: "1.0.0", Layer: layers.Business,
			Dependencies: []string{"cell:ghost"},
		}
		assert.Error(t, reg.Register(&stubCell{manifest: m}))
	})

	t.Run("wrong direction dependency", func(t *testing.T) {
		reg := newReg()
		require.NoError(t, reg.Register(&stubCell{manifest: Manifest{
			CellID: "cell:ui", Version: "1.0.0", Layer: layers.Presentation,
		}}))
		err := reg.Register(&stubCell{manifest: Manifest{
			CellID: "cell:infra", Version: "1.0.0", Layer: layers.Infrastructure,
			Dependencies: []string{"cell:ui"},
		}})
		assert.Error(t, err)
	})

	t.Run("authority conflict", func(t *testing.T) {
		reg := newReg()
		require.NoError(t, reg.Register(&stubCell{manifest: Manifest{
			CellID: "cell:a", Version: "1.0.0", Layer: layers.Business,
			AuthoritativeEvents: []string{"sales.*"},
		}}))
		err := reg.Register(&stubCell{manifest: Manifest{
			CellID: "cell:b", Version: "1.0.0", Layer: layers.Business,
			AuthoritativeEvents: []string{"sales.order.*"},
		}})
		assert.Error(t, err)
	})

	t.Run("bad subscription pattern", func(t *testing.T) {
		reg := newReg()
		err := reg.Register(&stubCell{manifest: Manifest{
			CellID: "cell:x", Version: "1.0.0", Layer: layers.Business,
			Subscribes: []string{"sales.*.bad"},
		}})
		assert.Error(t, err)
	})
}

func TestFailedRegistrationLeavesNoClaims(t *testing.T) {
	auth := authority.NewRegistry()
	lay := layers.NewRegistry()
	reg := NewRegistry(auth, lay, bus.New(), slog.Default())

	err := reg.Register(&stubCell{manifest: Manifest{
		CellID: "cell:x", Version: "1.0.0", Layer: layers.Business,
		AuthoritativeEvents: []string{"sales.*"},
		Subscribes:          []string{"sales.ok", "sales.*.bad"},
	}})
	require.Error(t, err)

	// Neither the layer binding nor the authority claim survives the failure.
	_, bound := lay.LayerOf("cell:x")
	assert.False(t, bound)
	assert.Empty(t, auth.Rules())

	// Another cell can now claim the same patterns.
	require.NoError(t, reg.Register(&stubCell{manifest: Manifest{
		CellID: "cell:y", Version: "1.0.0", Layer: layers.Business,
		AuthoritativeEvents: []string{"sales.*"},
	}}))
}

func TestFailedRegistrationKeepsSeededLayer(t *testing.T) {
	auth := authority.NewRegistry()
	lay := layers.NewRegistry()
	require.NoError(t, lay.Register("cell:x", layers.Business))
	reg := NewRegistry(auth, lay, bus.New(), slog.Default())

	err := reg.Register(&stubCell{manifest: Manifest{
		CellID: "cell:x", Version: "1.0.0", Layer: layers.Business,
		Subscribes: []string{"sales.*.bad"},
	}})
	require.Error(t, err)

	// The binding predates this registration and is left in place.
	l, bound := lay.LayerOf("cell:x")
	require.True(t, bound)
	assert.Equal(t, layers.Business, l)
}

func TestDeregisterStopsDelivery(t *testing.T) {
	k := newKernel(t)
	require.NoError(t, k.reg.Deregister(FinanceCellID))

	_, err := k.sales.CreateOrder(context.Background(),
		event.Actor{Persona: "clerk"}, "ord_1", "tenant", 1000, "EUR")
	require.NoError(t, err)
	k.bus.Drain()

	for _, evt := range k.bus.History(0) {
		assert.NotEqual(t, InvoiceCreatedEvent, evt.EventType)
	}
}

func TestOrderSagaEndToEnd(t *testing.T) {
	k := newKernel(t)
	ctx := context.Background()
	actor := event.Actor{Persona: "clerk", UserID: "usr_1"}

	order, err := k.sales.CreateOrder(ctx, actor, "ord_1", "tenant_main", 249_000, "EUR")
	require.NoError(t, err)
	k.bus.Drain()

	// The finance cell produced exactly one invoice, causally linked.
	var invoices []*event.Event
	for _, evt := range k.bus.History(0) {
		if evt.EventType == InvoiceCreatedEvent {
			invoices = append(invoices, evt)
		}
	}
	require.Len(t, invoices, 1)
	assert.Equal(t, order.CorrelationID, invoices[0].CorrelationID)
	assert.Equal(t, order.EventID, invoices[0].CausationID)
	assert.True(t, invoices[0].AuditRequired)

	// The invoice is on the audit chain, caused by the order event.
	caused := k.chain.ByCausation(order.EventID)
	require.Len(t, caused, 1)
	assert.Equal(t, "INVOICE_CREATED", caused[0].Action)
	assert.True(t, k.chain.VerifyChainIntegrity().Valid)
}

func TestDuplicateOrderDeliveryIsAbsorbed(t *testing.T) {
	k := newKernel(t)
	ctx := context.Background()

	order, err := k.sales.CreateOrder(ctx, event.Actor{Persona: "clerk"}, "ord_1", "tenant", 1000, "EUR")
	require.NoError(t, err)
	k.bus.Drain()

	// Redeliver the same envelope twice more.
	require.NoError(t, k.bus.Publish(ctx, order, bus.Options{}))
	require.NoError(t, k.bus.Publish(ctx, order, bus.Options{}))
	k.bus.Drain()

	invoices := 0
	for _, evt := range k.bus.History(0) {
		if evt.EventType == InvoiceCreatedEvent {
			invoices++
		}
	}
	assert.Equal(t, 1, invoices)
	assert.Empty(t, k.bus.DeadLetters())
}

func TestCreateOrderValidation(t *testing.T) {
	k := newKernel(t)
	ctx := context.Background()
	_, err := k.sales.CreateOrder(ctx, event.Actor{Persona: "clerk"}, "", "tenant", 1000, "EUR")
	assert.Error(t, err)
	_, err = k.sales.CreateOrder(ctx, event.Actor{Persona: "clerk"}, "ord_1", "tenant", 0, "EUR")
	assert.Error(t, err)
}

func TestSagaReplayThroughBusHistory(t *testing.T) {
	k := newKernel(t)
	ctx := context.Background()

	order, err := k.sales.CreateOrder(ctx, event.Actor{Persona: "clerk"}, "ord_1", "tenant", 1000, "EUR")
	require.NoError(t, err)
	_, err = k.sales.CreateOrder(ctx, event.Actor{Persona: "clerk"}, "ord_2", "tenant", 2000, "EUR")
	require.NoError(t, err)
	k.bus.Drain()

	session, err := replay.NewContext(replay.ModeSaga, replay.State7, replay.WithCorrelation(order.CorrelationID))
	require.NoError(t, err)

	result := replay.NewEngine(nil).Run(ctx, k.bus.History(0), session)
	// Exactly the order and its invoice belong to the saga.
	assert.Equal(t, 2, result.EventsProcessed)
	assert.Zero(t, result.EventsSkipped)
}
