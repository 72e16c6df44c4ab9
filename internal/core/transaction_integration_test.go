package core_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"inventory-ledger/internal/core"
)

// setupTestDB connects to the dedicated test database, truncates the engine's
// tables, and seeds one organization per valuation method. Run cmd/migrate
// against TEST_DATABASE_URL before the first run.
func setupTestDB(t *testing.T) (*pgxpool.Pool, core.TransactionService, context.Context) {
	t.Helper()
	_ = godotenv.Load("../../.env")

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set — skipping integration test to protect live database")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, `
		TRUNCATE TABLE cost_layers, stock_transactions, stock_states, locations, skus, organizations RESTART IDENTITY CASCADE;

		INSERT INTO organizations (org_code, name, valuation_method, currency) VALUES
		('FIFO1', 'Fifo Trading Co',  'fifo', 'USD'),
		('LIFO1', 'Lifo Trading Co',  'lifo', 'USD'),
		('WAC1',  'Blended Goods Co', 'wac',  'USD');
	`)
	if err != nil {
		t.Fatalf("Failed to seed test database: %v", err)
	}

	svc := core.NewTransactionService(pool, core.NewOrgService(pool))
	return pool, svc, ctx
}

func mustApply(t *testing.T, ctx context.Context, svc core.TransactionService, org string, in core.TransactionInput) *core.TransactionOutcome {
	t.Helper()
	outcome, err := svc.ApplyTransaction(ctx, org, in)
	if err != nil {
		t.Fatalf("ApplyTransaction(%s %s %d) failed: %v", in.Action, in.SKUCode, in.Quantity, err)
	}
	return outcome
}

func receive(sku, location string, qty int64, unitCost string) core.TransactionInput {
	cost, _ := decimal.NewFromString(unitCost)
	return core.TransactionInput{
		Action: core.ActionReceive, SKUCode: sku, Location: location,
		Quantity: qty, UnitCost: &cost,
	}
}

func ship(sku, location string, qty int64, from core.ShipSource) core.TransactionInput {
	return core.TransactionInput{
		Action: core.ActionShip, SKUCode: sku, Location: location,
		Quantity: qty, ShipFrom: from,
	}
}

// activeLayers returns (qty_remaining, unit_cost_minor) pairs for the key,
// oldest first.
func activeLayers(t *testing.T, ctx context.Context, pool *pgxpool.Pool, org, sku, location string) [][2]int64 {
	t.Helper()
	rows, err := pool.Query(ctx, `
		SELECT cl.qty_remaining, cl.unit_cost_minor
		FROM cost_layers cl
		JOIN organizations o ON o.id = cl.org_id
		JOIN skus k          ON k.id = cl.sku_id
		JOIN locations l     ON l.id = cl.location_id
		WHERE o.org_code = $1 AND k.code = $2 AND l.name = $3 AND cl.qty_remaining > 0
		ORDER BY cl.created_at, cl.id
	`, org, sku, location)
	if err != nil {
		t.Fatalf("Failed to query layers: %v", err)
	}
	defer rows.Close()

	var layers [][2]int64
	for rows.Next() {
		var qty, cost int64
		if err := rows.Scan(&qty, &cost); err != nil {
			t.Fatalf("Failed to scan layer: %v", err)
		}
		layers = append(layers, [2]int64{qty, cost})
	}
	return layers
}

// assertReconciled checks value-in = value-out + value-remaining for one SKU.
func assertReconciled(t *testing.T, ctx context.Context, pool *pgxpool.Pool, org, sku string) {
	t.Helper()
	var valueIn, valueOut, valueLeft int64
	err := pool.QueryRow(ctx, `
		SELECT
		    COALESCE(SUM(t.total_cost_minor) FILTER (WHERE t.quantity > 0), 0),
		    COALESCE(SUM(t.total_cost_minor) FILTER (WHERE t.quantity < 0), 0),
		    COALESCE((
		        SELECT SUM(cl.qty_remaining * cl.unit_cost_minor)
		        FROM cost_layers cl
		        JOIN skus k2 ON k2.id = cl.sku_id
		        JOIN organizations o2 ON o2.id = cl.org_id
		        WHERE o2.org_code = $1 AND k2.code = $2 AND cl.qty_remaining > 0
		    ), 0)
		FROM stock_transactions t
		JOIN organizations o ON o.id = t.org_id
		JOIN skus k          ON k.id = t.sku_id
		WHERE o.org_code = $1 AND k.code = $2 AND t.total_cost_minor IS NOT NULL
	`, org, sku).Scan(&valueIn, &valueOut, &valueLeft)
	if err != nil {
		t.Fatalf("Reconciliation query failed: %v", err)
	}
	if valueIn != valueOut+valueLeft {
		t.Errorf("Cost not conserved for %s/%s: in=%d out=%d remaining=%d", org, sku, valueIn, valueOut, valueLeft)
	}
}

// ── Valuation methods ─────────────────────────────────────────────────────────

func TestApplyTransaction_FIFO(t *testing.T) {
	pool, svc, ctx := setupTestDB(t)

	mustApply(t, ctx, svc, "FIFO1", receive("WIDGET", "MAIN", 10, "1.00"))
	mustApply(t, ctx, svc, "FIFO1", receive("WIDGET", "MAIN", 10, "2.00"))

	outcome := mustApply(t, ctx, svc, "FIFO1", ship("WIDGET", "MAIN", 15, core.ShipFromDefault))
	if outcome.Transaction.TotalCostMinor == nil || *outcome.Transaction.TotalCostMinor != 2000 {
		t.Errorf("Expected FIFO cost 2000 (10×100 + 5×200), got %v", outcome.Transaction.TotalCostMinor)
	}
	if outcome.State.OnHand != 5 {
		t.Errorf("Expected on_hand=5, got %d", outcome.State.OnHand)
	}

	layers := activeLayers(t, ctx, pool, "FIFO1", "WIDGET", "MAIN")
	if len(layers) != 1 || layers[0] != [2]int64{5, 200} {
		t.Errorf("Expected one remaining layer of 5 @ 200, got %v", layers)
	}
	assertReconciled(t, ctx, pool, "FIFO1", "WIDGET")
}

func TestApplyTransaction_LIFO(t *testing.T) {
	pool, svc, ctx := setupTestDB(t)

	mustApply(t, ctx, svc, "LIFO1", receive("WIDGET", "MAIN", 10, "1.00"))
	mustApply(t, ctx, svc, "LIFO1", receive("WIDGET", "MAIN", 10, "2.00"))

	outcome := mustApply(t, ctx, svc, "LIFO1", ship("WIDGET", "MAIN", 15, core.ShipFromDefault))
	if outcome.Transaction.TotalCostMinor == nil || *outcome.Transaction.TotalCostMinor != 2500 {
		t.Errorf("Expected LIFO cost 2500 (10×200 + 5×100), got %v", outcome.Transaction.TotalCostMinor)
	}

	layers := activeLayers(t, ctx, pool, "LIFO1", "WIDGET", "MAIN")
	if len(layers) != 1 || layers[0] != [2]int64{5, 100} {
		t.Errorf("Expected one remaining layer of 5 @ 100, got %v", layers)
	}
	assertReconciled(t, ctx, pool, "LIFO1", "WIDGET")
}

func TestApplyTransaction_WAC_MergesOnReceipt(t *testing.T) {
	pool, svc, ctx := setupTestDB(t)

	mustApply(t, ctx, svc, "WAC1", receive("WIDGET", "MAIN", 10, "1.00"))
	mustApply(t, ctx, svc, "WAC1", receive("WIDGET", "MAIN", 10, "3.00"))

	layers := activeLayers(t, ctx, pool, "WAC1", "WIDGET", "MAIN")
	if len(layers) != 1 || layers[0] != [2]int64{20, 200} {
		t.Fatalf("Expected single merged layer of 20 @ 200, got %v", layers)
	}

	outcome := mustApply(t, ctx, svc, "WAC1", ship("WIDGET", "MAIN", 5, core.ShipFromDefault))
	if outcome.Transaction.TotalCostMinor == nil || *outcome.Transaction.TotalCostMinor != 1000 {
		t.Errorf("Expected WAC cost 1000 (5×200), got %v", outcome.Transaction.TotalCostMinor)
	}

	layers = activeLayers(t, ctx, pool, "WAC1", "WIDGET", "MAIN")
	if len(layers) != 1 || layers[0] != [2]int64{15, 200} {
		t.Errorf("Expected remaining layer 15 @ 200, got %v", layers)
	}
	assertReconciled(t, ctx, pool, "WAC1", "WIDGET")
}

// ── Stock semantics ───────────────────────────────────────────────────────────

func TestApplyTransaction_ReserveThenDefaultShip(t *testing.T) {
	_, svc, ctx := setupTestDB(t)

	mustApply(t, ctx, svc, "FIFO1", receive("WIDGET", "MAIN", 20, "1.00"))
	mustApply(t, ctx, svc, "FIFO1", core.TransactionInput{
		Action: core.ActionReserve, SKUCode: "WIDGET", Location: "MAIN", Quantity: 5,
	})

	// Default ship drains reserved before available.
	outcome := mustApply(t, ctx, svc, "FIFO1", ship("WIDGET", "MAIN", 10, core.ShipFromDefault))
	if outcome.State.OnHand != 10 || outcome.State.Reserved != 0 {
		t.Errorf("Expected on_hand=10 reserved=0, got on_hand=%d reserved=%d",
			outcome.State.OnHand, outcome.State.Reserved)
	}
}

func TestApplyTransaction_QtyBeforeSnapshots(t *testing.T) {
	_, svc, ctx := setupTestDB(t)

	first := mustApply(t, ctx, svc, "FIFO1", receive("WIDGET", "MAIN", 10, "1.00"))
	if first.Transaction.QtyBefore != 0 {
		t.Errorf("Expected qty_before=0 on first receipt, got %d", first.Transaction.QtyBefore)
	}

	second := mustApply(t, ctx, svc, "FIFO1", ship("WIDGET", "MAIN", 4, core.ShipFromDefault))
	if second.Transaction.QtyBefore != 10 {
		t.Errorf("Expected qty_before=10 before ship, got %d", second.Transaction.QtyBefore)
	}
	if second.Transaction.Quantity != -4 {
		t.Errorf("Expected ship stored as -4, got %d", second.Transaction.Quantity)
	}
}

func TestApplyTransaction_ShortageCarriesContext(t *testing.T) {
	_, svc, ctx := setupTestDB(t)

	mustApply(t, ctx, svc, "FIFO1", receive("WIDGET", "MAIN", 5, "1.00"))
	mustApply(t, ctx, svc, "FIFO1", core.TransactionInput{
		Action: core.ActionReserve, SKUCode: "WIDGET", Location: "MAIN", Quantity: 2,
	})

	_, err := svc.ApplyTransaction(ctx, "FIFO1", core.TransactionInput{
		Action: core.ActionReserve, SKUCode: "WIDGET", Location: "MAIN", Quantity: 4,
	})
	var shortage *core.InsufficientStockError
	if !errors.As(err, &shortage) {
		t.Fatalf("Expected InsufficientStockError, got %v", err)
	}
	if shortage.SKU != "WIDGET" || shortage.Location != "MAIN" {
		t.Errorf("Expected error enriched with sku/location, got %+v", shortage)
	}
	if shortage.Requested != 4 || shortage.Available != 3 || shortage.OnHand != 5 || shortage.Reserved != 2 {
		t.Errorf("Expected requested=4 available=3 on_hand=5 reserved=2, got %+v", shortage)
	}
}

func TestApplyTransaction_FailureRollsBackEverything(t *testing.T) {
	pool, svc, ctx := setupTestDB(t)

	mustApply(t, ctx, svc, "FIFO1", receive("WIDGET", "MAIN", 5, "1.00"))

	if _, err := svc.ApplyTransaction(ctx, "FIFO1", ship("WIDGET", "MAIN", 9, core.ShipFromDefault)); err == nil {
		t.Fatal("Expected oversized ship to fail")
	}

	// The failed attempt must leave no ledger row behind.
	var count int
	if err := pool.QueryRow(ctx,
		"SELECT count(*) FROM stock_transactions WHERE action = 'ship'").Scan(&count); err != nil {
		t.Fatalf("Count query failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected 0 ship rows after rollback, got %d", count)
	}

	levels, err := svc.GetStockLevels(ctx, "FIFO1")
	if err != nil {
		t.Fatalf("GetStockLevels failed: %v", err)
	}
	if len(levels) != 1 || levels[0].OnHand != 5 {
		t.Errorf("Expected on_hand=5 untouched, got %+v", levels)
	}
}

func TestApplyTransaction_UnknownSKUOutbound(t *testing.T) {
	_, svc, ctx := setupTestDB(t)

	_, err := svc.ApplyTransaction(ctx, "FIFO1", ship("GHOST", "MAIN", 1, core.ShipFromDefault))
	var notFound *core.SKUNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Expected SKUNotFoundError, got %v", err)
	}

	_, err = svc.ApplyTransaction(ctx, "FIFO1", core.TransactionInput{
		Action: core.ActionAdjust, SKUCode: "GHOST", Location: "MAIN", Quantity: 3, Reason: "count correction",
	})
	if !errors.As(err, &notFound) {
		t.Fatalf("Expected SKUNotFoundError for adjust, got %v", err)
	}
}

func TestApplyTransaction_NoStateAtLocation(t *testing.T) {
	_, svc, ctx := setupTestDB(t)

	// SKU exists at MAIN, but ships from ANNEX have nothing to draw on.
	mustApply(t, ctx, svc, "FIFO1", receive("WIDGET", "MAIN", 5, "1.00"))

	_, err := svc.ApplyTransaction(ctx, "FIFO1", ship("WIDGET", "ANNEX", 1, core.ShipFromDefault))
	var badReq *core.BadRequestError
	if !errors.As(err, &badReq) {
		t.Fatalf("Expected BadRequestError, got %v", err)
	}
}

func TestApplyTransaction_AdjustConsumesCost(t *testing.T) {
	pool, svc, ctx := setupTestDB(t)

	mustApply(t, ctx, svc, "FIFO1", receive("WIDGET", "MAIN", 10, "2.00"))
	outcome := mustApply(t, ctx, svc, "FIFO1", core.TransactionInput{
		Action: core.ActionAdjust, SKUCode: "WIDGET", Location: "MAIN", Quantity: -3, Reason: "shrinkage",
	})
	if outcome.Transaction.TotalCostMinor == nil || *outcome.Transaction.TotalCostMinor != 600 {
		t.Errorf("Expected write-down cost 600 (3×200), got %v", outcome.Transaction.TotalCostMinor)
	}
	assertReconciled(t, ctx, pool, "FIFO1", "WIDGET")
}

func TestApplyTransaction_ReorderSideChannel(t *testing.T) {
	pool, svc, ctx := setupTestDB(t)

	mustApply(t, ctx, svc, "FIFO1", receive("WIDGET", "MAIN", 10, "1.00"))
	if _, err := pool.Exec(ctx, "UPDATE skus SET reorder_point = 5 WHERE code = 'WIDGET'"); err != nil {
		t.Fatalf("Failed to set reorder point: %v", err)
	}

	outcome := mustApply(t, ctx, svc, "FIFO1", ship("WIDGET", "MAIN", 6, core.ShipFromDefault))
	if outcome.AvailableBefore != 10 || outcome.AvailableAfter != 4 {
		t.Errorf("Expected available 10 → 4, got %d → %d", outcome.AvailableBefore, outcome.AvailableAfter)
	}
	if !outcome.CrossedReorderPoint() {
		t.Error("Expected reorder point crossing to be reported")
	}

	// A second ship stays below the threshold: no new crossing.
	outcome = mustApply(t, ctx, svc, "FIFO1", ship("WIDGET", "MAIN", 1, core.ShipFromDefault))
	if outcome.CrossedReorderPoint() {
		t.Error("Expected no crossing when already below the reorder point")
	}
}

// ── Transfers ─────────────────────────────────────────────────────────────────

func TestApplyTransfer_MovesStockAndCost(t *testing.T) {
	pool, svc, ctx := setupTestDB(t)

	mustApply(t, ctx, svc, "FIFO1", receive("WIDGET", "MAIN", 10, "2.50"))

	outcome, err := svc.ApplyTransfer(ctx, "FIFO1", core.TransferInput{
		SKUCode: "WIDGET", FromLocation: "MAIN", ToLocation: "ANNEX", Quantity: 4,
	})
	if err != nil {
		t.Fatalf("ApplyTransfer failed: %v", err)
	}

	if outcome.Out.State.OnHand != 6 {
		t.Errorf("Expected source on_hand=6, got %d", outcome.Out.State.OnHand)
	}
	if outcome.In.State.OnHand != 4 {
		t.Errorf("Expected target on_hand=4, got %d", outcome.In.State.OnHand)
	}
	if outcome.PreviewUnitCostMinor != 250 {
		t.Errorf("Expected preview unit cost 250, got %d", outcome.PreviewUnitCostMinor)
	}

	// Total on-hand across both locations is unchanged; so is total value.
	mainLayers := activeLayers(t, ctx, pool, "FIFO1", "WIDGET", "MAIN")
	annexLayers := activeLayers(t, ctx, pool, "FIFO1", "WIDGET", "ANNEX")
	var totalQty, totalValue int64
	for _, l := range append(mainLayers, annexLayers...) {
		totalQty += l[0]
		totalValue += l[0] * l[1]
	}
	if totalQty != 10 || totalValue != 2500 {
		t.Errorf("Expected 10 units / 2500 value across locations, got %d / %d", totalQty, totalValue)
	}
	if len(annexLayers) != 1 || annexLayers[0] != [2]int64{4, 250} {
		t.Errorf("Expected target layer 4 @ 250, got %v", annexLayers)
	}

	// Cross-linked metadata on both legs.
	if outcome.Out.Transaction.Metadata["to_location"] != "ANNEX" {
		t.Errorf("Expected out-leg to record target, got %v", outcome.Out.Transaction.Metadata)
	}
	if outcome.In.Transaction.Metadata["from_location"] != "MAIN" {
		t.Errorf("Expected in-leg to record source, got %v", outcome.In.Transaction.Metadata)
	}
	assertReconciled(t, ctx, pool, "FIFO1", "WIDGET")
}

func TestApplyTransfer_RequiresExistingSKU(t *testing.T) {
	_, svc, ctx := setupTestDB(t)

	_, err := svc.ApplyTransfer(ctx, "FIFO1", core.TransferInput{
		SKUCode: "GHOST", FromLocation: "MAIN", ToLocation: "ANNEX", Quantity: 1,
	})
	var notFound *core.SKUNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Expected SKUNotFoundError, got %v", err)
	}
}

func TestApplyTransfer_FailedLegAbortsBoth(t *testing.T) {
	_, svc, ctx := setupTestDB(t)

	mustApply(t, ctx, svc, "FIFO1", receive("WIDGET", "MAIN", 3, "1.00"))

	if _, err := svc.ApplyTransfer(ctx, "FIFO1", core.TransferInput{
		SKUCode: "WIDGET", FromLocation: "MAIN", ToLocation: "ANNEX", Quantity: 5,
	}); err == nil {
		t.Fatal("Expected oversized transfer to fail")
	}

	levels, err := svc.GetStockLevels(ctx, "FIFO1")
	if err != nil {
		t.Fatalf("GetStockLevels failed: %v", err)
	}
	if len(levels) != 1 || levels[0].OnHand != 3 || levels[0].LocationName != "MAIN" {
		t.Errorf("Expected MAIN untouched with on_hand=3 and no ANNEX state, got %+v", levels)
	}
}

// ── Concurrency ───────────────────────────────────────────────────────────────

// Twelve units on hand, six workers shipping three each: exactly four ships can
// succeed, the rest must fail with InsufficientStock, and on-hand lands on zero.
func TestApplyTransaction_ConcurrentShipsExhaustStock(t *testing.T) {
	_, svc, ctx := setupTestDB(t)

	mustApply(t, ctx, svc, "FIFO1", receive("WIDGET", "MAIN", 12, "1.00"))

	const workers = 6
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ApplyTransaction(ctx, "FIFO1", ship("WIDGET", "MAIN", 3, core.ShipFromDefault))
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes, shortages := 0, 0
	for err := range results {
		switch {
		case err == nil:
			successes++
		default:
			var shortage *core.InsufficientStockError
			if !errors.As(err, &shortage) {
				t.Errorf("Unexpected error kind: %v", err)
				continue
			}
			shortages++
		}
	}
	if successes != 4 || shortages != 2 {
		t.Errorf("Expected 4 successes and 2 shortages, got %d and %d", successes, shortages)
	}

	levels, err := svc.GetStockLevels(ctx, "FIFO1")
	if err != nil {
		t.Fatalf("GetStockLevels failed: %v", err)
	}
	if len(levels) != 1 {
		t.Fatalf("Expected a single stock level, got %+v", levels)
	}
	if levels[0].OnHand != 0 {
		t.Errorf("Expected on_hand=0 after exhaustion, got %d", levels[0].OnHand)
	}
	if levels[0].Available < 0 {
		t.Errorf("Available went negative: %d", levels[0].Available)
	}
}

// A receive and a ship racing on the same WAC key must serialize on the state
// lock, so the merged layer and the consumption never interleave inconsistently.
func TestApplyTransaction_ConcurrentWACReceiveAndShip(t *testing.T) {
	pool, svc, ctx := setupTestDB(t)

	mustApply(t, ctx, svc, "WAC1", receive("WIDGET", "MAIN", 10, "2.00"))

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := svc.ApplyTransaction(ctx, "WAC1", receive("WIDGET", "MAIN", 10, "4.00"))
		errs <- err
	}()
	go func() {
		defer wg.Done()
		_, err := svc.ApplyTransaction(ctx, "WAC1", ship("WIDGET", "MAIN", 5, core.ShipFromDefault))
		errs <- err
	}()
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("Concurrent operation failed: %v", err)
		}
	}

	layers := activeLayers(t, ctx, pool, "WAC1", "WIDGET", "MAIN")
	if len(layers) != 1 {
		t.Fatalf("Expected a single active WAC layer, got %v", layers)
	}
	if layers[0][0] != 15 {
		t.Errorf("Expected 15 units remaining, got %d", layers[0][0])
	}
	assertReconciled(t, ctx, pool, "WAC1", "WIDGET")
}

// ── Read views ────────────────────────────────────────────────────────────────

func TestGetTransactions(t *testing.T) {
	_, svc, ctx := setupTestDB(t)

	mustApply(t, ctx, svc, "FIFO1", receive("WIDGET", "MAIN", 10, "1.00"))
	mustApply(t, ctx, svc, "FIFO1", receive("GADGET", "MAIN", 5, "3.00"))
	mustApply(t, ctx, svc, "FIFO1", ship("WIDGET", "MAIN", 2, core.ShipFromDefault))

	all, err := svc.GetTransactions(ctx, "FIFO1", "", 0)
	if err != nil {
		t.Fatalf("GetTransactions failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 ledger rows, got %d", len(all))
	}
	if all[0].Action != core.ActionShip {
		t.Errorf("Expected newest-first ordering, got %s first", all[0].Action)
	}

	widgets, err := svc.GetTransactions(ctx, "FIFO1", "WIDGET", 10)
	if err != nil {
		t.Fatalf("GetTransactions(WIDGET) failed: %v", err)
	}
	if len(widgets) != 2 {
		t.Errorf("Expected 2 WIDGET rows, got %d", len(widgets))
	}
}
