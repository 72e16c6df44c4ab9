package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// TransactionService is the top-level entry point of the engine. Every call
// sequences provisioning, state locking, ledger append, state mutation, and
// cost tracking into one atomic database transaction.
type TransactionService interface {
	// ApplyTransaction records one stock movement for the organization. All
	// effects commit together or not at all. A detected concurrent modification
	// surfaces as ErrConcurrencyConflict; the caller retries the whole call.
	ApplyTransaction(ctx context.Context, orgCode string, in TransactionInput) (*TransactionOutcome, error)

	// ApplyTransfer moves quantity between two locations as one atomic
	// two-leg operation, preserving the cost basis across the move.
	ApplyTransfer(ctx context.Context, orgCode string, in TransferInput) (*TransferOutcome, error)

	// GetStockLevels returns current on-hand/reserved/available and remaining
	// layer value for every (SKU, location) key in the organization.
	GetStockLevels(ctx context.Context, orgCode string) ([]StockLevel, error)

	// GetTransactions returns ledger rows newest-first, optionally filtered by
	// SKU code. limit <= 0 means no limit.
	GetTransactions(ctx context.Context, orgCode, skuCode string, limit int) ([]StockTransaction, error)
}

type transactionService struct {
	pool  *pgxpool.Pool
	orgs  OrgService
	costs *CostTracker
}

func NewTransactionService(pool *pgxpool.Pool, orgs OrgService) TransactionService {
	return &transactionService{pool: pool, orgs: orgs, costs: NewCostTracker()}
}

func (s *transactionService) ApplyTransaction(ctx context.Context, orgCode string, in TransactionInput) (*TransactionOutcome, error) {
	org, err := s.orgs.Get(ctx, orgCode)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	outcome, err := s.applyInTx(ctx, tx, org, in)
	if err != nil {
		return nil, asConflict(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, asConflict(fmt.Errorf("failed to commit stock transaction: %w", err))
	}
	return outcome, nil
}

// applyInTx performs one stock transaction inside the caller's TX. ApplyTransfer
// reuses it so both legs of a transfer share a single atomic boundary.
func (s *transactionService) applyInTx(ctx context.Context, tx pgx.Tx, org *Organization, in TransactionInput) (*TransactionOutcome, error) {
	// Convert any supplied unit cost to minor units up front, before anything
	// is written. UnitCostMinor (set by the transfer in-leg) wins.
	var unitCostMinor *int64
	switch {
	case in.UnitCostMinor != nil:
		v := *in.UnitCostMinor
		unitCostMinor = &v
	case in.UnitCost != nil:
		minor, err := ToMinorUnits(*in.UnitCost, org.Currency)
		if err != nil {
			return nil, err
		}
		unitCostMinor = &minor
	}

	qty := normalizeQuantity(in.Action, in.Quantity)
	if qty == 0 {
		return nil, &BadRequestError{Reason: "quantity must be non-zero"}
	}
	if in.Action == ActionAdjust && in.Reason == "" {
		return nil, &BadRequestError{Reason: "adjust requires a reason"}
	}

	sku, err := s.ensureSKU(ctx, tx, org, in)
	if err != nil {
		return nil, err
	}
	locationID, err := s.ensureLocation(ctx, tx, org, in.Location)
	if err != nil {
		return nil, err
	}

	state, err := s.lockState(ctx, tx, org, sku, locationID, in)
	if err != nil {
		return nil, err
	}
	availableBefore := state.Available()

	// Append the ledger row before mutating state; qty_before snapshots the
	// on-hand value read under the lock. Inbound cost is known at insert time,
	// outbound cost is filled in below once the layers have been consumed.
	var totalCostMinor *int64
	if costsInbound(in.Action, qty) && unitCostMinor != nil {
		v := *unitCostMinor * abs(qty)
		totalCostMinor = &v
	}

	metadata := in.Metadata
	if metadata == nil {
		metadata = Metadata{}
	}
	if in.Reason != "" {
		metadata["reason"] = in.Reason
	}

	txn := &StockTransaction{
		OrgID:          org.ID,
		SKUID:          sku.ID,
		LocationID:     locationID,
		Action:         in.Action,
		Quantity:       qty,
		QtyBefore:      state.OnHand,
		TotalCostMinor: totalCostMinor,
		Metadata:       metadata,
		Actor:          in.Actor,
		Reference:      uuid.NewString(),
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO stock_transactions (org_id, sku_id, location_id, action, quantity, qty_before, total_cost_minor, metadata, actor, reference)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at
	`, txn.OrgID, txn.SKUID, txn.LocationID, txn.Action, txn.Quantity, txn.QtyBefore,
		txn.TotalCostMinor, txn.Metadata, txn.Actor, txn.Reference).Scan(&txn.ID, &txn.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append stock transaction: %w", err)
	}

	newState, err := Transition(*state, in.Action, qty, in.ShipFrom)
	if err != nil {
		return nil, enrichShortage(err, sku.Code, in.Location, state)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE stock_states SET on_hand = $1, reserved = $2, updated_at = NOW() WHERE id = $3
	`, newState.OnHand, newState.Reserved, state.ID); err != nil {
		return nil, fmt.Errorf("failed to update stock state: %w", err)
	}

	switch {
	case costsInbound(in.Action, qty) && unitCostMinor != nil:
		if err := s.costs.RecordCost(ctx, tx, org, txn, *unitCostMinor); err != nil {
			return nil, err
		}
	case costsOutbound(in.Action, qty):
		total, err := s.costs.ConsumeCost(ctx, tx, org, txn)
		if err != nil {
			return nil, enrichShortage(err, sku.Code, in.Location, state)
		}
		txn.TotalCostMinor = &total
		if _, err := tx.Exec(ctx, `
			UPDATE stock_transactions SET total_cost_minor = $1 WHERE id = $2
		`, total, txn.ID); err != nil {
			return nil, fmt.Errorf("failed to record consumed cost: %w", err)
		}
	}

	return &TransactionOutcome{
		Transaction:     txn,
		State:           &newState,
		AvailableBefore: availableBefore,
		AvailableAfter:  newState.Available(),
		ReorderPoint:    sku.ReorderPoint,
	}, nil
}

func (s *transactionService) ApplyTransfer(ctx context.Context, orgCode string, in TransferInput) (*TransferOutcome, error) {
	org, err := s.orgs.Get(ctx, orgCode)
	if err != nil {
		return nil, err
	}
	qty := abs(in.Quantity)
	if qty == 0 {
		return nil, &BadRequestError{Reason: "transfer quantity must be non-zero"}
	}
	if in.FromLocation == in.ToLocation {
		return nil, &BadRequestError{Reason: "transfer source and target locations must differ"}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Transfers never create catalog entries at the source.
	var sku SKU
	err = tx.QueryRow(ctx, `
		SELECT id, org_id, code, name, reorder_point FROM skus WHERE org_id = $1 AND code = $2
	`, org.ID, in.SKUCode).Scan(&sku.ID, &sku.OrgID, &sku.Code, &sku.Name, &sku.ReorderPoint)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &SKUNotFoundError{SKU: in.SKUCode}
		}
		return nil, fmt.Errorf("failed to resolve sku %s: %w", in.SKUCode, err)
	}

	var fromLocationID int
	err = tx.QueryRow(ctx, `
		SELECT id FROM locations WHERE org_id = $1 AND name = $2
	`, org.ID, in.FromLocation).Scan(&fromLocationID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &BadRequestError{Reason: fmt.Sprintf("no inventory for %s at %s", in.SKUCode, in.FromLocation)}
		}
		return nil, fmt.Errorf("failed to resolve location %s: %w", in.FromLocation, err)
	}

	// Non-mutating preview for pre-validation; the out-leg below performs the
	// real consumption and determines the carried cost.
	preview, err := s.costs.TransferUnitCost(ctx, tx, org, sku.ID, fromLocationID, qty)
	if err != nil {
		return nil, enrichShortage(err, sku.Code, in.FromLocation, nil)
	}

	outMeta := cloneMetadata(in.Metadata)
	outMeta["to_location"] = in.ToLocation
	out, err := s.applyInTx(ctx, tx, org, TransactionInput{
		Action:   ActionTransferOut,
		SKUCode:  in.SKUCode,
		Location: in.FromLocation,
		Quantity: qty,
		Actor:    in.Actor,
		Metadata: outMeta,
	})
	if err != nil {
		return nil, asConflict(err)
	}

	if out.Transaction.TotalCostMinor == nil {
		return nil, &InvariantError{Reason: "transfer_out consumed no cost"}
	}
	realized := *out.Transaction.TotalCostMinor / qty
	out.Transaction.Metadata["unit_cost_minor"] = realized
	if _, err := tx.Exec(ctx, `
		UPDATE stock_transactions SET metadata = metadata || jsonb_build_object('unit_cost_minor', $1::bigint) WHERE id = $2
	`, realized, out.Transaction.ID); err != nil {
		return nil, fmt.Errorf("failed to record transfer cost on out-leg: %w", err)
	}

	inMeta := cloneMetadata(in.Metadata)
	inMeta["from_location"] = in.FromLocation
	inMeta["unit_cost_minor"] = realized
	inLeg, err := s.applyInTx(ctx, tx, org, TransactionInput{
		Action:        ActionTransferIn,
		SKUCode:       in.SKUCode,
		SKUName:       sku.Name,
		Location:      in.ToLocation,
		Quantity:      qty,
		UnitCostMinor: &realized, // carry the realized cost basis, skip inference
		Actor:         in.Actor,
		Metadata:      inMeta,
	})
	if err != nil {
		return nil, asConflict(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, asConflict(fmt.Errorf("failed to commit transfer: %w", err))
	}
	return &TransferOutcome{Out: out, In: inLeg, PreviewUnitCostMinor: preview}, nil
}

func (s *transactionService) GetStockLevels(ctx context.Context, orgCode string) ([]StockLevel, error) {
	org, err := s.orgs.Get(ctx, orgCode)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT k.code, k.name, l.name,
		       st.on_hand, st.reserved,
		       st.on_hand - st.reserved AS available,
		       COALESCE((
		           SELECT SUM(cl.qty_remaining * cl.unit_cost_minor)
		           FROM cost_layers cl
		           WHERE cl.org_id = st.org_id AND cl.sku_id = st.sku_id
		             AND cl.location_id = st.location_id AND cl.qty_remaining > 0
		       ), 0) AS value_minor
		FROM stock_states st
		JOIN skus k      ON k.id = st.sku_id
		JOIN locations l ON l.id = st.location_id
		WHERE st.org_id = $1
		ORDER BY k.code, l.name
	`, org.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to query stock levels: %w", err)
	}
	defer rows.Close()

	var levels []StockLevel
	for rows.Next() {
		var sl StockLevel
		if err := rows.Scan(&sl.SKUCode, &sl.SKUName, &sl.LocationName,
			&sl.OnHand, &sl.Reserved, &sl.Available, &sl.ValueMinor); err != nil {
			return nil, fmt.Errorf("failed to scan stock level: %w", err)
		}
		levels = append(levels, sl)
	}
	return levels, rows.Err()
}

func (s *transactionService) GetTransactions(ctx context.Context, orgCode, skuCode string, limit int) ([]StockTransaction, error) {
	org, err := s.orgs.Get(ctx, orgCode)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT t.id, t.org_id, t.sku_id, t.location_id, t.action, t.quantity, t.qty_before,
		       t.total_cost_minor, t.metadata, t.actor, t.reference, t.created_at
		FROM stock_transactions t`
	args := []any{org.ID}
	if skuCode != "" {
		query += `
		JOIN skus k ON k.id = t.sku_id
		WHERE t.org_id = $1 AND k.code = $2`
		args = append(args, skuCode)
	} else {
		query += `
		WHERE t.org_id = $1`
	}
	query += `
		ORDER BY t.id DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(`
		LIMIT $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txns []StockTransaction
	for rows.Next() {
		var t StockTransaction
		if err := rows.Scan(&t.ID, &t.OrgID, &t.SKUID, &t.LocationID, &t.Action, &t.Quantity,
			&t.QtyBefore, &t.TotalCostMinor, &t.Metadata, &t.Actor, &t.Reference, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

// ensureSKU resolves the SKU, auto-provisioning it for inbound actions only.
func (s *transactionService) ensureSKU(ctx context.Context, tx pgx.Tx, org *Organization, in TransactionInput) (*SKU, error) {
	var sku SKU
	err := tx.QueryRow(ctx, `
		SELECT id, org_id, code, name, reorder_point FROM skus WHERE org_id = $1 AND code = $2
	`, org.ID, in.SKUCode).Scan(&sku.ID, &sku.OrgID, &sku.Code, &sku.Name, &sku.ReorderPoint)
	if err == nil {
		return &sku, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to resolve sku %s: %w", in.SKUCode, err)
	}
	if !in.Action.Inbound() {
		return nil, &SKUNotFoundError{SKU: in.SKUCode}
	}

	name := in.SKUName
	if name == "" {
		name = in.SKUCode
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO skus (org_id, code, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id, code) DO UPDATE SET code = EXCLUDED.code
		RETURNING id, org_id, code, name, reorder_point
	`, org.ID, in.SKUCode, name).Scan(&sku.ID, &sku.OrgID, &sku.Code, &sku.Name, &sku.ReorderPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to provision sku %s: %w", in.SKUCode, err)
	}
	return &sku, nil
}

// ensureLocation upserts the location by name within the organization.
func (s *transactionService) ensureLocation(ctx context.Context, tx pgx.Tx, org *Organization, name string) (int, error) {
	if name == "" {
		return 0, &BadRequestError{Reason: "location name is required"}
	}
	var id int
	err := tx.QueryRow(ctx, `
		INSERT INTO locations (org_id, name)
		VALUES ($1, $2)
		ON CONFLICT (org_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id
	`, org.ID, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert location %s: %w", name, err)
	}
	return id, nil
}

// lockState reads the state row FOR UPDATE, creating it first for inbound
// actions. The lock is held until the enclosing transaction completes, so a
// second writer on the same key blocks and then observes fresh state.
func (s *transactionService) lockState(ctx context.Context, tx pgx.Tx, org *Organization, sku *SKU, locationID int, in TransactionInput) (*StockState, error) {
	const selectForUpdate = `
		SELECT id, org_id, sku_id, location_id, on_hand, reserved, updated_at
		FROM stock_states
		WHERE org_id = $1 AND sku_id = $2 AND location_id = $3
		FOR UPDATE`

	var st StockState
	err := tx.QueryRow(ctx, selectForUpdate, org.ID, sku.ID, locationID).
		Scan(&st.ID, &st.OrgID, &st.SKUID, &st.LocationID, &st.OnHand, &st.Reserved, &st.UpdatedAt)
	if err == nil {
		return &st, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to lock stock state: %w", err)
	}
	if !in.Action.Inbound() {
		return nil, &BadRequestError{Reason: fmt.Sprintf("no inventory for %s at %s", sku.Code, in.Location)}
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO stock_states (org_id, sku_id, location_id, on_hand, reserved)
		VALUES ($1, $2, $3, 0, 0)
		ON CONFLICT (org_id, sku_id, location_id) DO NOTHING
	`, org.ID, sku.ID, locationID); err != nil {
		return nil, fmt.Errorf("failed to create stock state: %w", err)
	}
	err = tx.QueryRow(ctx, selectForUpdate, org.ID, sku.ID, locationID).
		Scan(&st.ID, &st.OrgID, &st.SKUID, &st.LocationID, &st.OnHand, &st.Reserved, &st.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to lock created stock state: %w", err)
	}
	return &st, nil
}

// normalizeQuantity maps the caller's quantity onto the ledger sign convention:
// ship and transfer_out are stored negative regardless of the supplied sign,
// adjust keeps its sign, everything else is stored as given.
func normalizeQuantity(action Action, qty int64) int64 {
	switch action {
	case ActionShip, ActionTransferOut:
		return -abs(qty)
	default:
		return qty
	}
}

// costsInbound reports whether the transaction adds value: a positive net
// quantity that may carry a cost layer.
func costsInbound(action Action, qty int64) bool {
	switch action {
	case ActionReceive, ActionTransferIn:
		return true
	case ActionAdjust:
		return qty > 0
	default:
		return false
	}
}

// costsOutbound reports whether the transaction removes value and must consume
// cost layers. Reservations move nothing physically and never touch layers.
func costsOutbound(action Action, qty int64) bool {
	switch action {
	case ActionShip, ActionTransferOut:
		return true
	case ActionAdjust:
		return qty < 0
	default:
		return false
	}
}

// enrichShortage fills location context into an insufficient-stock error
// raised by the transitioner or the cost tracker.
func enrichShortage(err error, skuCode, location string, st *StockState) error {
	var shortage *InsufficientStockError
	if errors.As(err, &shortage) {
		shortage.SKU = skuCode
		shortage.Location = location
		if st != nil && shortage.OnHand == 0 && shortage.Reserved == 0 {
			shortage.OnHand = st.OnHand
			shortage.Reserved = st.Reserved
		}
	}
	return err
}

// asConflict maps serialization and deadlock failures from the store onto the
// retryable ErrConcurrencyConflict.
func asConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return fmt.Errorf("%w: %v", ErrConcurrencyConflict, err)
		}
	}
	return err
}

func cloneMetadata(m Metadata) Metadata {
	out := Metadata{}
	for k, v := range m {
		out[k] = v
	}
	return out
}
