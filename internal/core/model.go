package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// ValuationMethod selects how outbound cost of goods is computed for an organization.
type ValuationMethod string

const (
	FIFO ValuationMethod = "fifo"
	LIFO ValuationMethod = "lifo"
	WAC  ValuationMethod = "wac" // weighted average cost: one blended layer per key
)

// Action is the discriminator of a stock transaction.
type Action string

const (
	ActionReceive     Action = "receive"
	ActionShip        Action = "ship"
	ActionAdjust      Action = "adjust"
	ActionReserve     Action = "reserve"
	ActionUnreserve   Action = "unreserve"
	ActionTransferOut Action = "transfer_out"
	ActionTransferIn  Action = "transfer_in"
)

// Inbound reports whether the action may auto-provision SKUs and state rows.
func (a Action) Inbound() bool {
	return a == ActionReceive || a == ActionTransferIn
}

// ShipSource tells the transitioner which bucket a shipment draws from.
type ShipSource string

const (
	// ShipFromDefault exhausts reserved stock first, then available.
	ShipFromDefault   ShipSource = ""
	ShipFromReserved  ShipSource = "reserved"
	ShipFromAvailable ShipSource = "available"
)

// Metadata is the open string-keyed map carried on every transaction.
// It is validated at the request boundary, never reflected on inside the engine.
type Metadata map[string]any

// Organization is the tenant. Read-only to this engine.
type Organization struct {
	ID        int             `json:"id"`
	OrgCode   string          `json:"org_code"`
	Name      string          `json:"name"`
	Valuation ValuationMethod `json:"valuation_method"`
	Currency  string          `json:"currency"`
}

// SKU is a catalog entry, auto-provisioned on first inbound transaction.
type SKU struct {
	ID           int    `json:"id"`
	OrgID        int    `json:"org_id"`
	Code         string `json:"code"`
	Name         string `json:"name"`
	ReorderPoint int64  `json:"reorder_point"`
}

// Location is a named stock-keeping place within an organization.
type Location struct {
	ID    int    `json:"id"`
	OrgID int    `json:"org_id"`
	Name  string `json:"name"`
}

// StockState is the current aggregate for one (SKU, location) key.
// Mutated in place under an exclusive row lock; Available is always derived.
type StockState struct {
	ID         int       `json:"id"`
	OrgID      int       `json:"org_id"`
	SKUID      int       `json:"sku_id"`
	LocationID int       `json:"location_id"`
	OnHand     int64     `json:"on_hand"`
	Reserved   int64     `json:"reserved"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Available is the allocatable quantity: on-hand minus reserved.
func (s StockState) Available() int64 {
	return s.OnHand - s.Reserved
}

// StockTransaction is one immutable row of the append-only movement ledger.
// Quantity is signed: negative for ship and transfer_out, signed as given for
// adjust, positive otherwise. QtyBefore snapshots on-hand prior to mutation.
type StockTransaction struct {
	ID             int64     `json:"id"`
	OrgID          int       `json:"org_id"`
	SKUID          int       `json:"sku_id"`
	LocationID     int       `json:"location_id"`
	Action         Action    `json:"action"`
	Quantity       int64     `json:"quantity"`
	QtyBefore      int64     `json:"qty_before"`
	TotalCostMinor *int64    `json:"total_cost_minor,omitempty"`
	Metadata       Metadata  `json:"metadata,omitempty"`
	Actor          string    `json:"actor"`
	Reference      string    `json:"reference"`
	CreatedAt      time.Time `json:"created_at"`
}

// CostLayer is a lot of inventory carrying one unit cost in minor units.
// QtyIn never changes; QtyRemaining only decreases. WAC organizations keep at
// most one layer with QtyRemaining > 0 per key (merged on every receipt).
type CostLayer struct {
	ID            int64     `json:"id"`
	OrgID         int       `json:"org_id"`
	SKUID         int       `json:"sku_id"`
	LocationID    int       `json:"location_id"`
	TransactionID int64     `json:"transaction_id"`
	QtyIn         int64     `json:"qty_in"`
	QtyRemaining  int64     `json:"qty_remaining"`
	UnitCostMinor int64     `json:"unit_cost_minor"`
	CreatedAt     time.Time `json:"created_at"`
}

// Value is the remaining value of the layer in minor units.
func (l CostLayer) Value() int64 {
	return l.QtyRemaining * l.UnitCostMinor
}

// StockLevel is a read view of a stock_state joined with SKU and location info.
type StockLevel struct {
	SKUCode      string `json:"sku_code"`
	SKUName      string `json:"sku_name"`
	LocationName string `json:"location_name"`
	OnHand       int64  `json:"on_hand"`
	Reserved     int64  `json:"reserved"`
	Available    int64  `json:"available"` // = OnHand - Reserved
	ValueMinor   int64  `json:"value_minor"`
}

// TransactionInput is the engine-level payload for one stock transaction.
// Quantity follows the action's sign convention: positive magnitude for
// receive/ship/reserve/unreserve/transfer legs, signed for adjust.
type TransactionInput struct {
	Action   Action
	SKUCode  string
	SKUName  string // used only when auto-provisioning on inbound
	Location string
	Quantity int64
	// UnitCost is the cost per unit in major currency units. Converted to minor
	// units with the organization's currency on entry.
	UnitCost *decimal.Decimal
	// UnitCostMinor bypasses conversion and cost inference. Set by the transfer
	// in-leg to carry the source's realized cost basis forward.
	UnitCostMinor *int64
	ShipFrom      ShipSource
	Reason        string
	Actor         string
	Metadata      Metadata
}

// TransferInput moves quantity of a SKU between two locations atomically.
type TransferInput struct {
	SKUCode      string
	FromLocation string
	ToLocation   string
	Quantity     int64 // positive magnitude
	Actor        string
	Metadata     Metadata
}

// TransactionOutcome is returned by ApplyTransaction. AvailableBefore and
// AvailableAfter let a collaborator evaluate reorder-threshold crossing; the
// engine itself never sends notifications.
type TransactionOutcome struct {
	Transaction     *StockTransaction
	State           *StockState
	AvailableBefore int64
	AvailableAfter  int64
	ReorderPoint    int64
}

// CrossedReorderPoint reports whether this transaction moved available
// quantity from at-or-above the SKU's reorder point to below it.
func (o *TransactionOutcome) CrossedReorderPoint() bool {
	return o.AvailableBefore >= o.ReorderPoint && o.AvailableAfter < o.ReorderPoint
}

// TransferOutcome is returned by ApplyTransfer.
type TransferOutcome struct {
	Out *TransactionOutcome
	In  *TransactionOutcome
	// PreviewUnitCostMinor is the non-mutating cost estimate taken at the source
	// before the out-leg ran. The in-leg carries the realized cost, not this.
	PreviewUnitCostMinor int64
}
