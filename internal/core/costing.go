package core

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CostTracker maintains the ordered cost layers for each (SKU, location) key
// and computes consumption per the organization's valuation method. Every
// method is TX-scoped: it runs inside the caller's transaction so layer changes
// commit atomically with the state mutation and the ledger append.
type CostTracker struct{}

func NewCostTracker() *CostTracker {
	return &CostTracker{}
}

// RecordCost creates a cost layer for an inbound transaction carrying a unit
// cost. For WAC organizations all active layers for the key are immediately
// collapsed into one blended layer.
func (c *CostTracker) RecordCost(ctx context.Context, tx pgx.Tx, org *Organization, txn *StockTransaction, unitCostMinor int64) error {
	qty := abs(txn.Quantity)
	_, err := tx.Exec(ctx, `
		INSERT INTO cost_layers (org_id, sku_id, location_id, transaction_id, qty_in, qty_remaining, unit_cost_minor)
		VALUES ($1, $2, $3, $4, $5, $5, $6)
	`, org.ID, txn.SKUID, txn.LocationID, txn.ID, qty, unitCostMinor)
	if err != nil {
		return fmt.Errorf("failed to insert cost layer: %w", err)
	}

	if org.Valuation == WAC {
		return c.mergeLayers(ctx, tx, org, txn)
	}
	return nil
}

// mergeLayers collapses all active layers for the transaction's key into a
// single layer: quantity = sum of remaining quantities, unit cost =
// floor(total value / total quantity). The merged layer references the
// transaction that triggered the merge.
func (c *CostTracker) mergeLayers(ctx context.Context, tx pgx.Tx, org *Organization, txn *StockTransaction) error {
	layers, err := loadLayers(ctx, tx, org.ID, txn.SKUID, txn.LocationID, "ASC", true)
	if err != nil {
		return err
	}
	if len(layers) <= 1 {
		return nil
	}

	var totalQty, totalValue int64
	ids := make([]int64, 0, len(layers))
	for _, l := range layers {
		totalQty += l.QtyRemaining
		totalValue += l.Value()
		ids = append(ids, l.ID)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE cost_layers SET qty_remaining = 0 WHERE id = ANY($1)
	`, ids); err != nil {
		return fmt.Errorf("failed to retire layers for merge: %w", err)
	}

	blended := totalValue / totalQty
	if _, err := tx.Exec(ctx, `
		INSERT INTO cost_layers (org_id, sku_id, location_id, transaction_id, qty_in, qty_remaining, unit_cost_minor)
		VALUES ($1, $2, $3, $4, $5, $5, $6)
	`, org.ID, txn.SKUID, txn.LocationID, txn.ID, totalQty, blended); err != nil {
		return fmt.Errorf("failed to insert merged layer: %w", err)
	}
	return nil
}

// ConsumeCost consumes layers for an outbound transaction and returns the total
// cost of the consumed quantity in minor units. FIFO consumes oldest-first,
// LIFO newest-first, WAC allocates proportionally across active layers.
func (c *CostTracker) ConsumeCost(ctx context.Context, tx pgx.Tx, org *Organization, txn *StockTransaction) (int64, error) {
	qty := abs(txn.Quantity)
	order := "ASC"
	if org.Valuation == LIFO {
		order = "DESC"
	}

	layers, err := loadLayers(ctx, tx, org.ID, txn.SKUID, txn.LocationID, order, true)
	if err != nil {
		return 0, err
	}

	var takes []layerTake
	var total int64
	if org.Valuation == WAC {
		takes, total, err = planWAC(layers, qty)
	} else {
		takes, total, err = planConsume(layers, qty)
	}
	if err != nil {
		return 0, err
	}

	for _, t := range takes {
		if _, err := tx.Exec(ctx, `
			UPDATE cost_layers SET qty_remaining = qty_remaining - $1 WHERE id = $2
		`, t.qty, t.layerID); err != nil {
			return 0, fmt.Errorf("failed to consume cost layer %d: %w", t.layerID, err)
		}
	}
	return total, nil
}

// TransferUnitCost is a non-mutating preview of the per-unit cost that
// consuming qty units at the key would realize. WAC returns the current blended
// average; FIFO/LIFO return the truncated average over the oldest/newest qty
// units. Layers are not locked and not changed.
func (c *CostTracker) TransferUnitCost(ctx context.Context, tx pgx.Tx, org *Organization, skuID, locationID int, qty int64) (int64, error) {
	if qty <= 0 {
		return 0, &BadRequestError{Reason: fmt.Sprintf("transfer quantity must be positive, got %d", qty)}
	}
	order := "ASC"
	if org.Valuation == LIFO {
		order = "DESC"
	}
	layers, err := loadLayers(ctx, tx, org.ID, skuID, locationID, order, false)
	if err != nil {
		return 0, err
	}

	if org.Valuation == WAC {
		var totalQty, totalValue int64
		for _, l := range layers {
			totalQty += l.QtyRemaining
			totalValue += l.Value()
		}
		if totalQty < qty {
			return 0, &InsufficientStockError{Requested: qty, Available: totalQty}
		}
		return totalValue / totalQty, nil
	}

	_, total, err := planConsume(layers, qty)
	if err != nil {
		return 0, err
	}
	return total / qty, nil
}

// loadLayers fetches the active layers for a key in creation order. With lock
// set, the rows are read FOR UPDATE so a concurrent consumer on the same key
// blocks until this transaction completes.
func loadLayers(ctx context.Context, tx pgx.Tx, orgID, skuID, locationID int, order string, lock bool) ([]CostLayer, error) {
	query := `
		SELECT id, org_id, sku_id, location_id, transaction_id, qty_in, qty_remaining, unit_cost_minor, created_at
		FROM cost_layers
		WHERE org_id = $1 AND sku_id = $2 AND location_id = $3 AND qty_remaining > 0
		ORDER BY created_at ` + order + `, id ` + order
	if lock {
		query += `
		FOR UPDATE`
	}

	rows, err := tx.Query(ctx, query, orgID, skuID, locationID)
	if err != nil {
		return nil, fmt.Errorf("failed to query cost layers: %w", err)
	}
	defer rows.Close()

	var layers []CostLayer
	for rows.Next() {
		var l CostLayer
		if err := rows.Scan(&l.ID, &l.OrgID, &l.SKUID, &l.LocationID, &l.TransactionID,
			&l.QtyIn, &l.QtyRemaining, &l.UnitCostMinor, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cost layer: %w", err)
		}
		layers = append(layers, l)
	}
	return layers, rows.Err()
}

// layerTake is one planned deduction from a layer.
type layerTake struct {
	layerID       int64
	qty           int64
	unitCostMinor int64
}

// planConsume greedily consumes layers in the given order until qty is
// satisfied. Running out of layers is an insufficient-stock outcome carrying
// the total quantity the layers could have covered.
func planConsume(layers []CostLayer, qty int64) ([]layerTake, int64, error) {
	remaining := qty
	var takes []layerTake
	var total int64
	for _, l := range layers {
		if remaining == 0 {
			break
		}
		take := l.QtyRemaining
		if take > remaining {
			take = remaining
		}
		takes = append(takes, layerTake{layerID: l.ID, qty: take, unitCostMinor: l.UnitCostMinor})
		total += take * l.UnitCostMinor
		remaining -= take
	}
	if remaining > 0 {
		return nil, 0, &InsufficientStockError{Requested: qty, Available: qty - remaining}
	}
	return takes, total, nil
}

// planWAC allocates qty across active layers proportional to each layer's share
// of the total remaining quantity, using truncated integer division. The
// rounding remainder (qty minus the sum of truncated allocations, at most
// len(layers)-1 units) is distributed one unit at a time to the layer with the
// most unallocated quantity, oldest layer first on ties, so the result is
// deterministic. An undistributable remainder is an invariant violation.
func planWAC(layers []CostLayer, qty int64) ([]layerTake, int64, error) {
	var totalQty int64
	for _, l := range layers {
		totalQty += l.QtyRemaining
	}
	if totalQty < qty {
		return nil, 0, &InsufficientStockError{Requested: qty, Available: totalQty}
	}

	alloc := make([]int64, len(layers))
	var allocated int64
	for i, l := range layers {
		alloc[i] = qty * l.QtyRemaining / totalQty
		allocated += alloc[i]
	}

	for remainder := qty - allocated; remainder > 0; remainder-- {
		best := -1
		var bestCapacity int64
		for i, l := range layers {
			capacity := l.QtyRemaining - alloc[i]
			if capacity > bestCapacity {
				best, bestCapacity = i, capacity
			}
		}
		if best < 0 {
			return nil, 0, &InvariantError{Reason: fmt.Sprintf(
				"wac rounding remainder of %d units cannot be distributed across %d layers", remainder, len(layers))}
		}
		alloc[best]++
	}

	var takes []layerTake
	var total int64
	for i, l := range layers {
		if alloc[i] == 0 {
			continue
		}
		takes = append(takes, layerTake{layerID: l.ID, qty: alloc[i], unitCostMinor: l.UnitCostMinor})
		total += alloc[i] * l.UnitCostMinor
	}
	return takes, total, nil
}
