package app

import (
	"context"

	"github.com/invopop/jsonschema"

	"inventory-ledger/internal/core"
)

// ApplicationService is the single interface the request layer calls. It
// decouples transport concerns (routing, auth, tenant propagation — all
// external to this module) from the engine. Implementations contain no
// transport or display logic of any kind.
type ApplicationService interface {
	// ApplyTransaction normalizes, validates, and applies one stock movement
	// for the organization. Concurrency conflicts surface as
	// core.ErrConcurrencyConflict and are safe to retry wholesale.
	ApplyTransaction(ctx context.Context, orgCode string, req TransactionRequest) (*TransactionResult, error)

	// ApplyTransfer atomically moves stock between two locations, preserving
	// the cost basis across the move.
	ApplyTransfer(ctx context.Context, orgCode string, req TransferRequest) (*TransferResult, error)

	// GetStockLevels returns current stock levels for every (SKU, location)
	// key in the organization.
	GetStockLevels(ctx context.Context, orgCode string) (*StockResult, error)

	// GetTransactions returns ledger rows newest-first, optionally filtered
	// by SKU code. limit <= 0 means no limit.
	GetTransactions(ctx context.Context, orgCode, skuCode string, limit int) (*TransactionListResult, error)

	// LoadOrganization resolves the organization's valuation method and
	// currency.
	LoadOrganization(ctx context.Context, orgCode string) (*core.Organization, error)

	// GetRequestSchemas returns the JSON Schemas of the inbound payload
	// contracts, keyed by request kind.
	GetRequestSchemas() map[string]*jsonschema.Schema
}
