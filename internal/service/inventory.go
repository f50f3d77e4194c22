package service

import (
	"context"
	"fmt"
	"strings"

	"jimas/backend/internal/domain"
	"jimas/backend/internal/store"
)

func (s *Service) CreateBranch(ctx context.Context, req domain.BranchCreateRequest) (*domain.Branch, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Address = strings.TrimSpace(req.Address)
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}

	branch, err := s.repo.CreateBranch(ctx, domain.Branch{Name: req.Name, Address: req.Address, CreatedAt: s.now()})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "branch_create", "branch", branch.Name, "")
	return branch, nil
}

func (s *Service) ListBranches(ctx context.Context) ([]domain.Branch, error) {
	if _, err := requireStaff(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListBranches(ctx)
}

// AddStock registers one serialised laptop as available at a branch.
func (s *Service) AddStock(ctx context.Context, req domain.StockCreateRequest) (*domain.StockUnit, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	req.SerialNumber = strings.TrimSpace(req.SerialNumber)
	req.ProductName = strings.TrimSpace(req.ProductName)
	req.Specifications = strings.TrimSpace(req.Specifications)
	req.BranchName = strings.TrimSpace(req.BranchName)
	req.SupplierName = strings.TrimSpace(req.SupplierName)
	if err := s.validateRequest(req); err != nil {
		return nil, err
	}
	if err := nonNegativeMoney("cost_price", req.CostPrice); err != nil {
		return nil, err
	}

	unit, err := s.repo.CreateStockUnit(ctx, domain.StockUnit{
		SerialNumber:   req.SerialNumber,
		ProductName:    req.ProductName,
		Specifications: req.Specifications,
		BranchName:     req.BranchName,
		SupplierName:   req.SupplierName,
		CostPrice:      req.CostPrice,
		Status:         domain.StockAvailable,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return nil, err
	}
	s.logAudit(ctx, "stock_add", "stock", unit.SerialNumber, fmt.Sprintf("branch=%s,cost=%s", unit.BranchName, unit.CostPrice.StringFixed(2)))
	return unit, nil
}

// ListStock filters stock by branch and status; empty filters match all.
func (s *Service) ListStock(ctx context.Context, branchName string, status string) ([]domain.StockUnit, error) {
	if _, err := requireStaff(ctx); err != nil {
		return nil, err
	}
	status = strings.ToLower(strings.TrimSpace(status))
	switch status {
	case "", domain.StockAvailable, domain.StockSold, domain.StockConsigned:
	default:
		return nil, fmt.Errorf("%w: unknown stock status %q", store.ErrValidation, status)
	}
	return s.repo.ListStockUnits(ctx, strings.TrimSpace(branchName), status)
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if _, err := requireRole(ctx, domain.RoleAdmin); err != nil {
		return nil, err
	}
	return s.repo.ListAuditLogs(ctx, limit)
}
