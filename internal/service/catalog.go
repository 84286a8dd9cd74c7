package service

import (
	"context"
	"fmt"

	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/saga"
	"shopledger/backend/internal/store"
	"shopledger/backend/internal/xid"
)

func (s *Service) AddInventoryItem(ctx context.Context, req domain.InventoryItemRequest) (domain.InventoryItem, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.InventoryItem{}, err
	}
	req, err := s.normalizeItemRequest(req)
	if err != nil {
		return domain.InventoryItem{}, err
	}

	accountID := s.accountID(ctx)
	var created *domain.InventoryItem
	err = s.withAccountLock(ctx, accountID, func() error {
		existing, err := s.repo.ListItems(ctx, accountID)
		if err != nil {
			return store.Wrap("list inventory", err)
		}
		if nameTaken(existing, req.Name, "") {
			return store.ErrDuplicateName
		}

		created, err = s.repo.InsertItem(ctx, domain.InventoryItem{
			ID:             xid.New("item"),
			AccountID:      accountID,
			Name:           req.Name,
			Stock:          req.Stock,
			Price:          req.Price,
			Cost:           req.Cost,
			HasGST:         req.HasGST,
			IsBundle:       req.IsBundle,
			BundlePrice:    req.BundlePrice,
			ItemsPerBundle: req.ItemsPerBundle,
		})
		if err != nil {
			return store.Wrap("insert inventory item", err)
		}
		s.view.ApplyItem(context.WithoutCancel(ctx), accountID, *created)
		return nil
	})
	if err != nil {
		return domain.InventoryItem{}, err
	}

	s.logAudit(ctx, accountID, "item_create", "inventory_item", created.ID,
		fmt.Sprintf("name=%s,stock=%d,price=%s", created.Name, created.Stock, created.Price.StringFixed(2)))
	return *created, nil
}

// UpdateInventoryItem overwrites an item's mutable fields. The write only
// lands if nobody else changed the item since it was read here.
func (s *Service) UpdateInventoryItem(ctx context.Context, id string, req domain.InventoryItemRequest) (domain.InventoryItem, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.InventoryItem{}, err
	}
	req, err := s.normalizeItemRequest(req)
	if err != nil {
		return domain.InventoryItem{}, err
	}

	accountID := s.accountID(ctx)
	var updated *domain.InventoryItem
	err = s.withAccountLock(ctx, accountID, func() error {
		current, err := s.repo.GetItem(ctx, accountID, id)
		if err != nil {
			return store.Wrap("read inventory item", err)
		}
		existing, err := s.repo.ListItems(ctx, accountID)
		if err != nil {
			return store.Wrap("list inventory", err)
		}
		if nameTaken(existing, req.Name, id) {
			return store.ErrDuplicateName
		}

		next := *current
		next.Name = req.Name
		next.Stock = req.Stock
		next.Price = req.Price
		next.Cost = req.Cost
		next.HasGST = req.HasGST
		next.IsBundle = req.IsBundle
		next.BundlePrice = req.BundlePrice
		next.ItemsPerBundle = req.ItemsPerBundle
		updated, err = s.repo.UpdateItem(ctx, next)
		if err != nil {
			return store.Wrap("update inventory item", err)
		}
		s.view.ApplyItem(context.WithoutCancel(ctx), accountID, *updated)
		return nil
	})
	if err != nil {
		return domain.InventoryItem{}, err
	}

	s.logAudit(ctx, accountID, "item_update", "inventory_item", updated.ID,
		fmt.Sprintf("name=%s,stock=%d,price=%s,version=%d", updated.Name, updated.Stock, updated.Price.StringFixed(2), updated.Version))
	return *updated, nil
}

// DeleteInventoryItem removes an item together with every line that sold
// it. Transactions left with no lines are removed too; transactions that
// keep other lines keep their recorded total.
func (s *Service) DeleteInventoryItem(ctx context.Context, id string) (domain.DeleteItemResult, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.DeleteItemResult{}, err
	}

	accountID := s.accountID(ctx)
	var result domain.DeleteItemResult
	err := s.withAccountLock(ctx, accountID, func() error {
		var err error
		result, err = s.deleteInventoryItem(ctx, accountID, id)
		if err != nil {
			return err
		}
		s.view.ApplyDeleteItem(context.WithoutCancel(ctx), accountID, result)
		return nil
	})
	if err != nil {
		return domain.DeleteItemResult{}, err
	}

	s.logAudit(ctx, accountID, "item_delete", "inventory_item", id,
		fmt.Sprintf("removed_sales=%d,removed_transactions=%d", len(result.RemovedSaleIDs), len(result.RemovedTransactionIDs)))
	return result, nil
}

func (s *Service) deleteInventoryItem(ctx context.Context, accountID string, id string) (domain.DeleteItemResult, error) {
	item, err := s.repo.GetItem(ctx, accountID, id)
	if err != nil {
		return domain.DeleteItemResult{}, store.Wrap("read inventory item", err)
	}
	sales, err := s.repo.ListSalesByItem(ctx, accountID, id)
	if err != nil {
		return domain.DeleteItemResult{}, store.Wrap("list item sales", err)
	}

	saleIDs := make([]string, 0, len(sales))
	touched := make([]string, 0, len(sales))
	seen := make(map[string]struct{}, len(sales))
	for _, sale := range sales {
		saleIDs = append(saleIDs, sale.ID)
		if _, ok := seen[sale.TransactionID]; !ok {
			seen[sale.TransactionID] = struct{}{}
			touched = append(touched, sale.TransactionID)
		}
	}

	emptied := make([]domain.Transaction, 0, len(touched))
	for _, txID := range touched {
		tx, err := s.repo.GetTransaction(ctx, accountID, txID)
		if err != nil {
			return domain.DeleteItemResult{}, store.Wrap("read transaction", err)
		}
		keepsOtherLines := false
		for _, line := range tx.Sales {
			if line.InventoryItemID != id {
				keepsOtherLines = true
				break
			}
		}
		if !keepsOtherLines {
			header := *tx
			header.Sales = nil
			emptied = append(emptied, header)
		}
	}

	sg := saga.New("delete inventory item", s.log)
	if len(saleIDs) > 0 {
		if err := sg.Execute(ctx, saga.Step{
			Name: "delete item sales",
			Do: func(ctx context.Context) error {
				return s.repo.DeleteSales(ctx, accountID, saleIDs)
			},
			Undo: func(ctx context.Context) error {
				_, err := s.repo.InsertSales(ctx, sales)
				return err
			},
		}); err != nil {
			return domain.DeleteItemResult{}, s.failed(ctx, accountID, "item_delete", "inventory_item", id, err)
		}
	}

	removedTxIDs := make([]string, 0, len(emptied))
	for _, header := range emptied {
		header := header
		if err := sg.Execute(ctx, saga.Step{
			Name: "delete emptied transaction " + header.ID,
			Do: func(ctx context.Context) error {
				return s.repo.DeleteTransaction(ctx, accountID, header.ID)
			},
			Undo: func(ctx context.Context) error {
				_, err := s.repo.InsertTransaction(ctx, header)
				return err
			},
		}); err != nil {
			return domain.DeleteItemResult{}, s.failed(ctx, accountID, "item_delete", "inventory_item", id, err)
		}
		removedTxIDs = append(removedTxIDs, header.ID)
	}

	captured := *item
	if err := sg.Execute(ctx, saga.Step{
		Name: "delete item",
		Do: func(ctx context.Context) error {
			return s.repo.DeleteItem(ctx, accountID, id)
		},
		Undo: func(ctx context.Context) error {
			_, err := s.repo.InsertItem(ctx, captured)
			return err
		},
	}); err != nil {
		return domain.DeleteItemResult{}, s.failed(ctx, accountID, "item_delete", "inventory_item", id, err)
	}

	return domain.DeleteItemResult{
		ItemID:                id,
		RemovedSaleIDs:        saleIDs,
		RemovedTransactionIDs: removedTxIDs,
	}, nil
}
