package app

import (
	"context"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/jackc/pgx/v5/pgxpool"

	"inventory-ledger/internal/core"
)

type appService struct {
	pool         *pgxpool.Pool
	orgs         core.OrgService
	transactions core.TransactionService
}

// NewAppService constructs an appService that satisfies ApplicationService.
func NewAppService(pool *pgxpool.Pool) ApplicationService {
	orgs := core.NewOrgService(pool)
	return &appService{
		pool:         pool,
		orgs:         orgs,
		transactions: core.NewTransactionService(pool, orgs),
	}
}

func (s *appService) ApplyTransaction(ctx context.Context, orgCode string, req TransactionRequest) (*TransactionResult, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("transaction request validation failed: %w", err)
	}
	in, err := req.ToInput()
	if err != nil {
		return nil, err
	}

	outcome, err := s.transactions.ApplyTransaction(ctx, orgCode, in)
	if err != nil {
		return nil, err
	}
	return toTransactionResult(outcome), nil
}

func (s *appService) ApplyTransfer(ctx context.Context, orgCode string, req TransferRequest) (*TransferResult, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("transfer request validation failed: %w", err)
	}

	outcome, err := s.transactions.ApplyTransfer(ctx, orgCode, req.ToInput())
	if err != nil {
		return nil, err
	}
	return &TransferResult{
		Out:                  toTransactionResult(outcome.Out),
		In:                   toTransactionResult(outcome.In),
		PreviewUnitCostMinor: outcome.PreviewUnitCostMinor,
	}, nil
}

func (s *appService) GetStockLevels(ctx context.Context, orgCode string) (*StockResult, error) {
	levels, err := s.transactions.GetStockLevels(ctx, orgCode)
	if err != nil {
		return nil, err
	}
	return &StockResult{Levels: levels, OrgCode: orgCode}, nil
}

func (s *appService) GetTransactions(ctx context.Context, orgCode, skuCode string, limit int) (*TransactionListResult, error) {
	txns, err := s.transactions.GetTransactions(ctx, orgCode, skuCode, limit)
	if err != nil {
		return nil, err
	}
	return &TransactionListResult{Transactions: txns, OrgCode: orgCode}, nil
}

func (s *appService) LoadOrganization(ctx context.Context, orgCode string) (*core.Organization, error) {
	return s.orgs.Get(ctx, orgCode)
}

func (s *appService) GetRequestSchemas() map[string]*jsonschema.Schema {
	return map[string]*jsonschema.Schema{
		"transaction": TransactionRequestSchema(),
		"transfer":    TransferRequestSchema(),
	}
}

func toTransactionResult(o *core.TransactionOutcome) *TransactionResult {
	return &TransactionResult{
		Transaction:     o.Transaction,
		State:           o.State,
		AvailableBefore: o.AvailableBefore,
		AvailableAfter:  o.AvailableAfter,
		ReorderPoint:    o.ReorderPoint,
		ReorderCrossed:  o.CrossedReorderPoint(),
	}
}
