package app

import "inventory-ledger/internal/core"

// TransactionResult is returned by ApplyTransaction. AvailableBefore/After and
// ReorderPoint expose the data a collaborator needs to evaluate
// reorder-threshold crossing; this engine computes it but never alerts.
type TransactionResult struct {
	Transaction     *core.StockTransaction
	State           *core.StockState
	AvailableBefore int64
	AvailableAfter  int64
	ReorderPoint    int64
	ReorderCrossed  bool
}

// TransferResult is returned by ApplyTransfer.
type TransferResult struct {
	Out                  *TransactionResult
	In                   *TransactionResult
	PreviewUnitCostMinor int64
}

// StockResult is returned by GetStockLevels.
type StockResult struct {
	Levels  []core.StockLevel
	OrgCode string
}

// TransactionListResult is returned by GetTransactions.
type TransactionListResult struct {
	Transactions []core.StockTransaction
	OrgCode      string
}
