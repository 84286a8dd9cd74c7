package service

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/saga"
	"shopledger/backend/internal/stock"
	"shopledger/backend/internal/store"
	"shopledger/backend/internal/xid"
)

// CreateTransaction records a multi-line sale. The header is written first,
// then stock is deducted line by line, then all lines are written in one
// call. Any failure undoes what was already applied.
func (s *Service) CreateTransaction(ctx context.Context, req domain.CreateTransactionRequest) (domain.TransactionResult, error) {
	if err := s.checkTransactionRequest(req); err != nil {
		return domain.TransactionResult{}, err
	}

	accountID := s.accountID(ctx)
	var result domain.TransactionResult
	err := s.withAccountLock(ctx, accountID, func() error {
		var err error
		result, err = s.createTransaction(ctx, accountID, req)
		if err != nil {
			return err
		}
		s.view.ApplyTransaction(context.WithoutCancel(ctx), accountID, result)
		return nil
	})
	if err != nil {
		return domain.TransactionResult{}, err
	}

	s.logAudit(ctx, accountID, "transaction_create", "transaction", result.Transaction.ID,
		fmt.Sprintf("lines=%d,total=%s,payment=%s", len(result.Transaction.Sales), result.Transaction.TotalPrice.StringFixed(2), result.Transaction.PaymentMethod))
	return result, nil
}

func (s *Service) createTransaction(ctx context.Context, accountID string, req domain.CreateTransactionRequest) (domain.TransactionResult, error) {
	total := decimal.Zero
	for _, line := range req.Lines {
		total = total.Add(line.TotalPrice)
	}

	// Pre-flight against fresh catalog rows. Nothing is written on this path.
	items := make(map[string]domain.InventoryItem, len(req.Lines))
	itemOrder := make([]string, 0, len(req.Lines))
	required := make(map[string]int, len(req.Lines))
	units := make([]int, len(req.Lines))
	for i, line := range req.Lines {
		item, ok := items[line.InventoryItemID]
		if !ok {
			stored, err := s.repo.GetItem(ctx, accountID, line.InventoryItemID)
			if err != nil {
				return domain.TransactionResult{}, store.Wrap("read inventory item", err)
			}
			item = *stored
			items[item.ID] = item
			itemOrder = append(itemOrder, item.ID)
		}
		if line.SaleType == domain.SaleTypeBundle && line.ItemsPerBundle != 0 && line.ItemsPerBundle != item.ItemsPerBundle {
			s.log.WithFields(logrus.Fields{
				"account_id":     accountID,
				"item_id":        item.ID,
				"cart_bundle":    line.ItemsPerBundle,
				"catalog_bundle": item.ItemsPerBundle,
			}).Warn("cart bundle size differs from catalog; using catalog value")
		}
		n, err := stock.UnitDelta(item, line.Quantity, line.SaleType)
		if err != nil {
			return domain.TransactionResult{}, fmt.Errorf("line %d: %w", i+1, err)
		}
		units[i] = n
		if required[item.ID] > domain.MaxStockUnits-n {
			return domain.TransactionResult{}, fmt.Errorf("%w: %s needs more than %d units", store.ErrValidation, item.Name, domain.MaxStockUnits)
		}
		required[item.ID] += n
	}
	for _, id := range itemOrder {
		if item := items[id]; item.Stock < required[id] {
			return domain.TransactionResult{}, fmt.Errorf("%w: %s has %d units, %d required", store.ErrInsufficientStock, item.Name, item.Stock, required[id])
		}
	}

	header := domain.Transaction{
		ID:            xid.New("tx"),
		AccountID:     accountID,
		Kind:          domain.TxKindSale,
		TotalPrice:    total,
		PaymentMethod: req.PaymentMethod,
		Date:          time.Now().UTC(),
		Customer:      req.Customer,
	}

	sg := saga.New("create transaction", s.log)
	var created *domain.Transaction
	if err := sg.Execute(ctx, saga.Step{
		Name: "insert transaction",
		Do: func(ctx context.Context) error {
			var err error
			created, err = s.repo.InsertTransaction(ctx, header)
			return err
		},
		Undo: func(ctx context.Context) error {
			return s.repo.DeleteTransaction(ctx, accountID, header.ID)
		},
	}); err != nil {
		return domain.TransactionResult{}, s.failed(ctx, accountID, "transaction_create", "transaction", header.ID, err)
	}

	after := make(map[string]domain.InventoryItem, len(items))
	for i, line := range req.Lines {
		itemID := line.InventoryItemID
		n := units[i]
		if err := sg.Execute(ctx, saga.Step{
			Name: fmt.Sprintf("deduct stock line %d", i+1),
			Do: func(ctx context.Context) error {
				item, err := s.reconciler.Apply(ctx, accountID, itemID, -n)
				if err != nil {
					return err
				}
				after[itemID] = item
				return nil
			},
			Undo: func(ctx context.Context) error {
				_, err := s.reconciler.Apply(ctx, accountID, itemID, n)
				return err
			},
		}); err != nil {
			return domain.TransactionResult{}, s.failed(ctx, accountID, "transaction_create", "transaction", header.ID, err)
		}
	}

	now := time.Now().UTC()
	sales := make([]domain.Sale, 0, len(req.Lines))
	saleIDs := make([]string, 0, len(req.Lines))
	for i, line := range req.Lines {
		item := items[line.InventoryItemID]
		sale := domain.Sale{
			ID:              xid.New("sale"),
			AccountID:       accountID,
			TransactionID:   header.ID,
			InventoryItemID: item.ID,
			ProductName:     item.Name,
			Quantity:        line.Quantity,
			TotalPrice:      line.TotalPrice,
			ItemCostAtSale:  item.Cost.Mul(decimal.NewFromInt(int64(units[i]))),
			HasGST:          item.HasGST,
			SaleType:        line.SaleType,
			Status:          domain.SaleStatusCompleted,
			Position:        i,
			CreatedAt:       now,
		}
		sales = append(sales, sale)
		saleIDs = append(saleIDs, sale.ID)
	}

	var inserted []domain.Sale
	if err := sg.Execute(ctx, saga.Step{
		Name: "insert sales",
		Do: func(ctx context.Context) error {
			var err error
			inserted, err = s.repo.InsertSales(ctx, sales)
			return err
		},
		Undo: func(ctx context.Context) error {
			return s.repo.DeleteSales(ctx, accountID, saleIDs)
		},
	}); err != nil {
		return domain.TransactionResult{}, s.failed(ctx, accountID, "transaction_create", "transaction", header.ID, err)
	}

	tx := *created
	tx.Sales = inserted
	result := domain.TransactionResult{Transaction: tx, Items: make([]domain.InventoryItem, 0, len(itemOrder))}
	for _, id := range itemOrder {
		result.Items = append(result.Items, after[id])
	}
	return result, nil
}

// DeleteTransaction removes a transaction and reverses the stock effect of
// every line that has not already been returned. Lines go first, then the
// header, then stock; the store is not assumed to cascade.
func (s *Service) DeleteTransaction(ctx context.Context, id string) (domain.DeleteTransactionResult, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.DeleteTransactionResult{}, err
	}

	accountID := s.accountID(ctx)
	var result domain.DeleteTransactionResult
	err := s.withAccountLock(ctx, accountID, func() error {
		var err error
		result, err = s.deleteTransaction(ctx, accountID, id)
		if err != nil {
			return err
		}
		s.view.ApplyDeleteTransaction(context.WithoutCancel(ctx), accountID, result)
		return nil
	})
	if err != nil {
		return domain.DeleteTransactionResult{}, err
	}

	s.logAudit(ctx, accountID, "transaction_delete", "transaction", id, fmt.Sprintf("lines=%d,restocked_items=%d", len(result.SaleIDs), len(result.Items)))
	return result, nil
}

type reversal struct {
	itemID string
	delta  int
}

func (s *Service) deleteTransaction(ctx context.Context, accountID string, id string) (domain.DeleteTransactionResult, error) {
	tx, err := s.repo.GetTransaction(ctx, accountID, id)
	if err != nil {
		return domain.DeleteTransactionResult{}, store.Wrap("read transaction", err)
	}

	// Sale lines give units back; refund lines had added units, so they take
	// them away again.
	sign := 1
	if tx.Kind == domain.TxKindRefund {
		sign = -1
	}
	reversals := make([]reversal, 0, len(tx.Sales))
	items := make(map[string]domain.InventoryItem, len(tx.Sales))
	saleIDs := make([]string, 0, len(tx.Sales))
	for _, sale := range tx.Sales {
		saleIDs = append(saleIDs, sale.ID)
		if sale.Status != domain.SaleStatusCompleted {
			continue
		}
		item, ok := items[sale.InventoryItemID]
		if !ok {
			stored, err := s.repo.GetItem(ctx, accountID, sale.InventoryItemID)
			if err != nil {
				return domain.DeleteTransactionResult{}, store.Wrap("read inventory item", err)
			}
			item = *stored
			items[item.ID] = item
		}
		n, err := stock.UnitDelta(item, sale.Quantity, sale.SaleType)
		if err != nil {
			return domain.DeleteTransactionResult{}, fmt.Errorf("sale %s: %w", sale.ID, err)
		}
		reversals = append(reversals, reversal{itemID: item.ID, delta: sign * n})
	}

	lines := tx.Sales
	header := *tx
	header.Sales = nil

	sg := saga.New("delete transaction", s.log)
	if len(saleIDs) > 0 {
		if err := sg.Execute(ctx, saga.Step{
			Name: "delete sales",
			Do: func(ctx context.Context) error {
				return s.repo.DeleteSales(ctx, accountID, saleIDs)
			},
			Undo: func(ctx context.Context) error {
				_, err := s.repo.InsertSales(ctx, lines)
				return err
			},
		}); err != nil {
			return domain.DeleteTransactionResult{}, s.failed(ctx, accountID, "transaction_delete", "transaction", id, err)
		}
	}

	if err := sg.Execute(ctx, saga.Step{
		Name: "delete transaction",
		Do: func(ctx context.Context) error {
			return s.repo.DeleteTransaction(ctx, accountID, id)
		},
		Undo: func(ctx context.Context) error {
			_, err := s.repo.InsertTransaction(ctx, header)
			return err
		},
	}); err != nil {
		return domain.DeleteTransactionResult{}, s.failed(ctx, accountID, "transaction_delete", "transaction", id, err)
	}

	after := make(map[string]domain.InventoryItem, len(items))
	order := make([]string, 0, len(items))
	for i, r := range reversals {
		r := r
		if err := sg.Execute(ctx, saga.Step{
			Name: fmt.Sprintf("restore stock line %d", i+1),
			Do: func(ctx context.Context) error {
				item, err := s.reconciler.Apply(ctx, accountID, r.itemID, r.delta)
				if err != nil {
					return err
				}
				if _, seen := after[r.itemID]; !seen {
					order = append(order, r.itemID)
				}
				after[r.itemID] = item
				return nil
			},
			Undo: func(ctx context.Context) error {
				_, err := s.reconciler.Apply(ctx, accountID, r.itemID, -r.delta)
				return err
			},
		}); err != nil {
			return domain.DeleteTransactionResult{}, s.failed(ctx, accountID, "transaction_delete", "transaction", id, err)
		}
	}

	result := domain.DeleteTransactionResult{
		TransactionID: id,
		SaleIDs:       saleIDs,
		Items:         make([]domain.InventoryItem, 0, len(order)),
	}
	for _, itemID := range order {
		result.Items = append(result.Items, after[itemID])
	}
	return result, nil
}
