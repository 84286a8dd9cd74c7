package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/saga"
	"shopledger/backend/internal/stock"
	"shopledger/backend/internal/store"
	"shopledger/backend/internal/xid"
)

// ReturnSaleLine puts a single sold line back into stock and marks it
// returned. The owning transaction keeps its recorded total.
func (s *Service) ReturnSaleLine(ctx context.Context, saleID string) (domain.ReturnResult, error) {
	accountID := s.accountID(ctx)
	var result domain.ReturnResult
	err := s.withAccountLock(ctx, accountID, func() error {
		var err error
		result, err = s.returnSaleLine(ctx, accountID, saleID)
		if err != nil {
			return err
		}
		s.view.ApplyReturn(context.WithoutCancel(ctx), accountID, result)
		return nil
	})
	if err != nil {
		return domain.ReturnResult{}, err
	}

	s.logAudit(ctx, accountID, "sale_return", "sale", saleID,
		fmt.Sprintf("transaction=%s,item=%s,quantity=%d,type=%s", result.Sale.TransactionID, result.Item.ID, result.Sale.Quantity, result.Sale.SaleType))
	return result, nil
}

func (s *Service) returnSaleLine(ctx context.Context, accountID string, saleID string) (domain.ReturnResult, error) {
	sale, err := s.repo.GetSale(ctx, accountID, saleID)
	if err != nil {
		return domain.ReturnResult{}, store.Wrap("read sale", err)
	}
	if sale.Status == domain.SaleStatusReturned {
		return domain.ReturnResult{}, store.ErrAlreadyReturned
	}

	tx, err := s.repo.GetTransaction(ctx, accountID, sale.TransactionID)
	if err != nil {
		return domain.ReturnResult{}, store.Wrap("read transaction", err)
	}
	if tx.Kind == domain.TxKindRefund {
		return domain.ReturnResult{}, fmt.Errorf("%w: refund lines cannot be returned", store.ErrValidation)
	}

	item, err := s.repo.GetItem(ctx, accountID, sale.InventoryItemID)
	if err != nil {
		return domain.ReturnResult{}, store.Wrap("read inventory item", err)
	}
	units, err := stock.UnitDelta(*item, sale.Quantity, sale.SaleType)
	if err != nil {
		return domain.ReturnResult{}, err
	}

	sg := saga.New("return sale", s.log)
	var restored domain.InventoryItem
	if err := sg.Execute(ctx, saga.Step{
		Name: "restore stock",
		Do: func(ctx context.Context) error {
			var err error
			restored, err = s.reconciler.Apply(ctx, accountID, item.ID, units)
			return err
		},
		Undo: func(ctx context.Context) error {
			_, err := s.reconciler.Apply(ctx, accountID, item.ID, -units)
			return err
		},
	}); err != nil {
		return domain.ReturnResult{}, s.failed(ctx, accountID, "sale_return", "sale", saleID, err)
	}

	var updated *domain.Sale
	if err := sg.Execute(ctx, saga.Step{
		Name: "mark sale returned",
		Do: func(ctx context.Context) error {
			var err error
			updated, err = s.repo.UpdateSaleStatus(ctx, accountID, saleID, domain.SaleStatusCompleted, domain.SaleStatusReturned)
			return err
		},
	}); err != nil {
		return domain.ReturnResult{}, s.failed(ctx, accountID, "sale_return", "sale", saleID, err)
	}

	return domain.ReturnResult{Sale: *updated, Item: restored}, nil
}

// StandaloneReturn takes goods back without an originating sale. The refund
// amount is whatever the cashier paid out, independent of current price.
func (s *Service) StandaloneReturn(ctx context.Context, req domain.StandaloneReturnRequest) (domain.TransactionResult, error) {
	if err := s.checkShape(req); err != nil {
		return domain.TransactionResult{}, err
	}
	if req.RefundAmount.IsZero() {
		return domain.TransactionResult{}, fmt.Errorf("%w: refund amount is required", store.ErrValidation)
	}

	accountID := s.accountID(ctx)
	var result domain.TransactionResult
	err := s.withAccountLock(ctx, accountID, func() error {
		var err error
		result, err = s.standaloneReturn(ctx, accountID, req)
		if err != nil {
			return err
		}
		s.view.ApplyTransaction(context.WithoutCancel(ctx), accountID, result)
		return nil
	})
	if err != nil {
		return domain.TransactionResult{}, err
	}

	s.logAudit(ctx, accountID, "standalone_return", "transaction", result.Transaction.ID,
		fmt.Sprintf("item=%s,quantity=%d,refund=%s", req.InventoryItemID, req.Quantity, result.Transaction.TotalPrice.StringFixed(2)))
	return result, nil
}

func (s *Service) standaloneReturn(ctx context.Context, accountID string, req domain.StandaloneReturnRequest) (domain.TransactionResult, error) {
	item, err := s.repo.GetItem(ctx, accountID, req.InventoryItemID)
	if err != nil {
		return domain.TransactionResult{}, store.Wrap("read inventory item", err)
	}

	amount := req.RefundAmount.Abs().Neg()
	now := time.Now().UTC()
	header := domain.Transaction{
		ID:            xid.New("tx"),
		AccountID:     accountID,
		Kind:          domain.TxKindRefund,
		TotalPrice:    amount,
		PaymentMethod: s.refundPaymentMethod,
		Date:          now,
	}
	line := domain.Sale{
		ID:              xid.New("sale"),
		AccountID:       accountID,
		TransactionID:   header.ID,
		InventoryItemID: item.ID,
		ProductName:     item.Name,
		Quantity:        req.Quantity,
		TotalPrice:      amount,
		ItemCostAtSale:  item.Cost.Mul(decimal.NewFromInt(int64(req.Quantity))),
		HasGST:          item.HasGST,
		SaleType:        domain.SaleTypeLoose,
		Status:          domain.SaleStatusCompleted,
		Position:        0,
		CreatedAt:       now,
	}

	sg := saga.New("standalone return", s.log)
	var created *domain.Transaction
	if err := sg.Execute(ctx, saga.Step{
		Name: "insert refund transaction",
		Do: func(ctx context.Context) error {
			var err error
			created, err = s.repo.InsertTransaction(ctx, header)
			return err
		},
		Undo: func(ctx context.Context) error {
			return s.repo.DeleteTransaction(ctx, accountID, header.ID)
		},
	}); err != nil {
		return domain.TransactionResult{}, s.failed(ctx, accountID, "standalone_return", "transaction", header.ID, err)
	}

	var inserted []domain.Sale
	if err := sg.Execute(ctx, saga.Step{
		Name: "insert refund line",
		Do: func(ctx context.Context) error {
			var err error
			inserted, err = s.repo.InsertSales(ctx, []domain.Sale{line})
			return err
		},
		Undo: func(ctx context.Context) error {
			return s.repo.DeleteSales(ctx, accountID, []string{line.ID})
		},
	}); err != nil {
		return domain.TransactionResult{}, s.failed(ctx, accountID, "standalone_return", "transaction", header.ID, err)
	}

	var restored domain.InventoryItem
	if err := sg.Execute(ctx, saga.Step{
		Name: "restore stock",
		Do: func(ctx context.Context) error {
			var err error
			restored, err = s.reconciler.Apply(ctx, accountID, item.ID, req.Quantity)
			return err
		},
	}); err != nil {
		return domain.TransactionResult{}, s.failed(ctx, accountID, "standalone_return", "transaction", header.ID, err)
	}

	tx := *created
	tx.Sales = inserted
	return domain.TransactionResult{Transaction: tx, Items: []domain.InventoryItem{restored}}, nil
}
