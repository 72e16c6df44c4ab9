package core

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OrgService resolves organization settings (valuation method, currency) from
// the organizations table. The engine only reads organizations, never writes.
type OrgService interface {
	Get(ctx context.Context, orgCode string) (*Organization, error)
}

type orgService struct {
	pool *pgxpool.Pool
}

func NewOrgService(pool *pgxpool.Pool) OrgService {
	return &orgService{pool: pool}
}

func (s *orgService) Get(ctx context.Context, orgCode string) (*Organization, error) {
	var org Organization
	err := s.pool.QueryRow(ctx, `
		SELECT id, org_code, name, valuation_method, currency
		FROM organizations
		WHERE org_code = $1
	`, orgCode).Scan(&org.ID, &org.OrgCode, &org.Name, &org.Valuation, &org.Currency)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("organization %s not found", orgCode)
		}
		return nil, fmt.Errorf("failed to resolve organization %s: %w", orgCode, err)
	}

	switch org.Valuation {
	case FIFO, LIFO, WAC:
	default:
		return nil, fmt.Errorf("organization %s has unknown valuation method %q", orgCode, org.Valuation)
	}
	return &org, nil
}
