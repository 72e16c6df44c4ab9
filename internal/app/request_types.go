package app

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"inventory-ledger/internal/core"
)

// TransactionRequest is the inbound payload contract for a single stock
// movement. The request layer validates payloads against the generated JSON
// Schema (see schema.go) before handing them to the engine; Normalize and
// Validate are the in-process equivalent for callers that construct requests
// directly.
type TransactionRequest struct {
	Action string `json:"action" jsonschema:"enum=receive,enum=ship,enum=adjust,enum=reserve,enum=unreserve" jsonschema_description:"The stock action to apply"`

	SKUCode string `json:"sku_code" jsonschema_description:"SKU code, unique within the organization"`
	SKUName string `json:"sku_name,omitempty" jsonschema_description:"Display name used when an inbound action auto-provisions the SKU"`

	Location string `json:"location" jsonschema_description:"Location name; created on first use within the organization"`

	Quantity int64 `json:"quantity" jsonschema_description:"Quantity with the action's sign convention: positive magnitude for receive/ship/reserve/unreserve, signed for adjust"`

	UnitCost string `json:"unit_cost,omitempty" jsonschema_description:"Cost per unit in major currency units as a decimal string, e.g. \"12.50\". Required to create a cost layer on inbound actions"`

	ShipFrom string `json:"ship_from,omitempty" jsonschema:"enum=,enum=reserved,enum=available" jsonschema_description:"Which bucket a shipment draws from; empty means reserved-first default"`

	Reason string `json:"reason,omitempty" jsonschema_description:"Free-form justification; required for adjust"`

	Actor string `json:"actor,omitempty" jsonschema_description:"Identifier of the user or system performing the action"`

	Metadata map[string]any `json:"metadata,omitempty" jsonschema_description:"Open string-keyed map of scalars or nested maps attached to the ledger row"`
}

// TransferRequest is the inbound payload contract for an atomic two-leg
// cross-location move.
type TransferRequest struct {
	SKUCode        string         `json:"sku_code" jsonschema_description:"SKU code; must already exist in the organization"`
	FromLocation   string         `json:"from_location" jsonschema_description:"Source location name"`
	ToLocation     string         `json:"to_location" jsonschema_description:"Target location name; created if missing"`
	Quantity       int64          `json:"quantity" jsonschema_description:"Positive quantity to move"`
	Actor          string         `json:"actor,omitempty" jsonschema_description:"Identifier of the user or system performing the move"`
	Metadata       map[string]any `json:"metadata,omitempty" jsonschema_description:"Metadata attached to both legs"`
}

// Normalize cleans up common formatting issues in a request before validation.
func (r *TransactionRequest) Normalize() {
	r.Action = strings.ToLower(strings.TrimSpace(r.Action))
	r.SKUCode = strings.TrimSpace(r.SKUCode)
	r.SKUName = strings.TrimSpace(r.SKUName)
	r.Location = strings.TrimSpace(r.Location)
	r.ShipFrom = strings.ToLower(strings.TrimSpace(r.ShipFrom))
	r.Reason = strings.TrimSpace(r.Reason)
	r.UnitCost = strings.TrimSpace(r.UnitCost)
	if strings.EqualFold(r.UnitCost, "null") {
		r.UnitCost = ""
	}
}

// Validate enforces the payload contract: known action, sign conventions,
// parseable non-negative unit cost, reason on adjust, scalar-or-map metadata.
func (r *TransactionRequest) Validate() error {
	switch core.Action(r.Action) {
	case core.ActionReceive, core.ActionShip, core.ActionAdjust, core.ActionReserve, core.ActionUnreserve:
	case "":
		return errors.New("request must specify an action")
	default:
		return fmt.Errorf("unsupported action %q", r.Action)
	}

	if r.SKUCode == "" {
		return errors.New("request must specify a sku_code")
	}
	if r.Location == "" {
		return errors.New("request must specify a location")
	}
	if r.Quantity == 0 {
		return errors.New("quantity must be non-zero")
	}
	if core.Action(r.Action) != core.ActionAdjust && r.Quantity < 0 {
		return fmt.Errorf("%s quantity must be a positive magnitude, got %d", r.Action, r.Quantity)
	}
	if core.Action(r.Action) == core.ActionAdjust && r.Reason == "" {
		return errors.New("adjust requires a reason")
	}

	if r.ShipFrom != "" {
		if core.Action(r.Action) != core.ActionShip {
			return fmt.Errorf("ship_from is only valid for ship, not %s", r.Action)
		}
		switch core.ShipSource(r.ShipFrom) {
		case core.ShipFromReserved, core.ShipFromAvailable:
		default:
			return fmt.Errorf("unknown ship_from source %q", r.ShipFrom)
		}
	}

	if r.UnitCost != "" {
		cost, err := decimal.NewFromString(r.UnitCost)
		if err != nil {
			return fmt.Errorf("invalid unit_cost %q: %v", r.UnitCost, err)
		}
		if cost.IsNegative() {
			return fmt.Errorf("unit_cost cannot be negative, got %s", r.UnitCost)
		}
	}

	return validateMetadata(r.Metadata, 0)
}

// ToInput converts a validated request into the engine-level input.
func (r *TransactionRequest) ToInput() (core.TransactionInput, error) {
	in := core.TransactionInput{
		Action:   core.Action(r.Action),
		SKUCode:  r.SKUCode,
		SKUName:  r.SKUName,
		Location: r.Location,
		Quantity: r.Quantity,
		ShipFrom: core.ShipSource(r.ShipFrom),
		Reason:   r.Reason,
		Actor:    r.Actor,
		Metadata: core.Metadata(r.Metadata),
	}
	if r.UnitCost != "" {
		cost, err := decimal.NewFromString(r.UnitCost)
		if err != nil {
			return in, fmt.Errorf("invalid unit_cost %q: %v", r.UnitCost, err)
		}
		in.UnitCost = &cost
	}
	return in, nil
}

// Normalize cleans up a transfer request before validation.
func (r *TransferRequest) Normalize() {
	r.SKUCode = strings.TrimSpace(r.SKUCode)
	r.FromLocation = strings.TrimSpace(r.FromLocation)
	r.ToLocation = strings.TrimSpace(r.ToLocation)
}

func (r *TransferRequest) Validate() error {
	if r.SKUCode == "" {
		return errors.New("transfer must specify a sku_code")
	}
	if r.FromLocation == "" || r.ToLocation == "" {
		return errors.New("transfer must specify from_location and to_location")
	}
	if r.FromLocation == r.ToLocation {
		return errors.New("transfer source and target locations must differ")
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("transfer quantity must be positive, got %d", r.Quantity)
	}
	return validateMetadata(r.Metadata, 0)
}

func (r *TransferRequest) ToInput() core.TransferInput {
	return core.TransferInput{
		SKUCode:      r.SKUCode,
		FromLocation: r.FromLocation,
		ToLocation:   r.ToLocation,
		Quantity:     r.Quantity,
		Actor:        r.Actor,
		Metadata:     core.Metadata(r.Metadata),
	}
}

// validateMetadata accepts scalars and nested string-keyed maps up to a small
// depth. The engine stores metadata opaquely and never reflects on it, so the
// boundary is the only place shape is enforced.
func validateMetadata(m map[string]any, depth int) error {
	if depth > 3 {
		return errors.New("metadata nesting exceeds 3 levels")
	}
	for k, v := range m {
		if k == "" {
			return errors.New("metadata keys must be non-empty")
		}
		switch val := v.(type) {
		case nil, bool, string, int, int64, float64:
		case map[string]any:
			if err := validateMetadata(val, depth+1); err != nil {
				return err
			}
		default:
			return fmt.Errorf("metadata value for %q has unsupported type %T", k, v)
		}
	}
	return nil
}
