package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
)

// verify-ledger audits a live database against the engine's accounting
// invariants: reserved never exceeds on-hand, available is never negative, and
// for every SKU the value received equals the value shipped plus the value
// still sitting in active cost layers.
//
// WAC layer merges floor the blended unit cost, which can shed up to
// total-quantity-minus-one minor units of dust per merge; -tolerance admits
// that much per-SKU drift for WAC organizations.
func main() {
	tolerance := flag.Int64("tolerance", 0, "allowed per-SKU reconciliation drift in minor units")
	flag.Parse()

	_ = godotenv.Load()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		log.Fatal("DATABASE_URL environment variable not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		log.Fatalf("[CONNECT] failed to create pool: %v", err)
	}
	defer pool.Close()

	violations := 0
	violations += checkStateInvariants(ctx, pool)
	violations += checkQtyBeforeChain(ctx, pool)
	violations += checkCostConservation(ctx, pool, *tolerance)

	if violations > 0 {
		log.Fatalf("[FAIL] %d invariant violation(s) found", violations)
	}
	log.Println("[OK] all ledger invariants hold")
}

// checkStateInvariants verifies reserved <= on_hand and on_hand >= 0 for every
// state row. The schema CHECKs enforce this too; a hit here means someone wrote
// around the engine.
func checkStateInvariants(ctx context.Context, pool *pgxpool.Pool) int {
	rows, err := pool.Query(ctx, `
		SELECT o.org_code, k.code, l.name, st.on_hand, st.reserved
		FROM stock_states st
		JOIN organizations o ON o.id = st.org_id
		JOIN skus k          ON k.id = st.sku_id
		JOIN locations l     ON l.id = st.location_id
		WHERE st.on_hand < 0 OR st.reserved < 0 OR st.reserved > st.on_hand
	`)
	if err != nil {
		log.Fatalf("[STATE] query failed: %v", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var org, sku, loc string
		var onHand, reserved int64
		if err := rows.Scan(&org, &sku, &loc, &onHand, &reserved); err != nil {
			log.Fatalf("[STATE] scan failed: %v", err)
		}
		log.Printf("[STATE] %s %s@%s: on_hand=%d reserved=%d", org, sku, loc, onHand, reserved)
		count++
	}
	return count
}

// checkQtyBeforeChain verifies that replaying the signed on-hand deltas of the
// ledger reproduces each state's current on_hand. Reservations carry no
// on-hand delta.
func checkQtyBeforeChain(ctx context.Context, pool *pgxpool.Pool) int {
	rows, err := pool.Query(ctx, `
		SELECT o.org_code, k.code, l.name, st.on_hand, COALESCE(SUM(
		    CASE t.action
		        WHEN 'reserve'   THEN 0
		        WHEN 'unreserve' THEN 0
		        ELSE t.quantity
		    END
		), 0) AS replayed
		FROM stock_states st
		JOIN organizations o ON o.id = st.org_id
		JOIN skus k          ON k.id = st.sku_id
		JOIN locations l     ON l.id = st.location_id
		LEFT JOIN stock_transactions t
		    ON t.org_id = st.org_id AND t.sku_id = st.sku_id AND t.location_id = st.location_id
		GROUP BY o.org_code, k.code, l.name, st.on_hand
		HAVING st.on_hand <> COALESCE(SUM(
		    CASE t.action WHEN 'reserve' THEN 0 WHEN 'unreserve' THEN 0 ELSE t.quantity END
		), 0)
	`)
	if err != nil {
		log.Fatalf("[REPLAY] query failed: %v", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var org, sku, loc string
		var onHand, replayed int64
		if err := rows.Scan(&org, &sku, &loc, &onHand, &replayed); err != nil {
			log.Fatalf("[REPLAY] scan failed: %v", err)
		}
		log.Printf("[REPLAY] %s %s@%s: on_hand=%d but ledger replay gives %d", org, sku, loc, onHand, replayed)
		count++
	}
	return count
}

// checkCostConservation verifies, per (org, SKU) across all locations:
// sum(inbound total_cost_minor) = sum(outbound total_cost_minor)
//                               + sum(qty_remaining * unit_cost_minor).
func checkCostConservation(ctx context.Context, pool *pgxpool.Pool, tolerance int64) int {
	rows, err := pool.Query(ctx, `
		WITH flows AS (
		    SELECT t.org_id, t.sku_id,
		           COALESCE(SUM(t.total_cost_minor) FILTER (WHERE t.quantity > 0), 0) AS value_in,
		           COALESCE(SUM(t.total_cost_minor) FILTER (WHERE t.quantity < 0), 0) AS value_out
		    FROM stock_transactions t
		    WHERE t.total_cost_minor IS NOT NULL
		    GROUP BY t.org_id, t.sku_id
		), remaining AS (
		    SELECT cl.org_id, cl.sku_id, SUM(cl.qty_remaining * cl.unit_cost_minor) AS value_left
		    FROM cost_layers cl
		    WHERE cl.qty_remaining > 0
		    GROUP BY cl.org_id, cl.sku_id
		)
		SELECT o.org_code, k.code,
		       f.value_in, f.value_out, COALESCE(r.value_left, 0)
		FROM flows f
		JOIN organizations o ON o.id = f.org_id
		JOIN skus k          ON k.id = f.sku_id
		LEFT JOIN remaining r ON r.org_id = f.org_id AND r.sku_id = f.sku_id
	`)
	if err != nil {
		log.Fatalf("[COST] query failed: %v", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var org, sku string
		var valueIn, valueOut, valueLeft int64
		if err := rows.Scan(&org, &sku, &valueIn, &valueOut, &valueLeft); err != nil {
			log.Fatalf("[COST] scan failed: %v", err)
		}
		drift := valueIn - valueOut - valueLeft
		if drift < -tolerance || drift > tolerance {
			log.Printf("[COST] %s %s: in=%d out=%d remaining=%d drift=%d", org, sku, valueIn, valueOut, valueLeft, drift)
			count++
		}
	}
	return count
}
