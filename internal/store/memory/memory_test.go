package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/store"
)

func newItem(t *testing.T, s *Store, name string, stock int) domain.InventoryItem {
	t.Helper()
	item, err := s.InsertItem(context.Background(), domain.InventoryItem{
		AccountID: DefaultAccountID,
		Name:      name,
		Stock:     stock,
		Price:     decimal.NewFromInt(10),
		Cost:      decimal.NewFromInt(6),
	})
	if err != nil {
		t.Fatalf("insert item %s: %v", name, err)
	}
	return *item
}

func TestAdjustStockIsConditional(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := newItem(t, s, "Fuse", 3)

	if _, err := s.AdjustStock(ctx, DefaultAccountID, item.ID, -5); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	got, err := s.GetItem(ctx, DefaultAccountID, item.ID)
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if got.Stock != 3 {
		t.Fatalf("expected stock untouched at 3, got %d", got.Stock)
	}

	updated, err := s.AdjustStock(ctx, DefaultAccountID, item.ID, -3)
	if err != nil {
		t.Fatalf("adjust to zero: %v", err)
	}
	if updated.Stock != 0 || updated.Version != item.Version+1 {
		t.Fatalf("expected stock 0 and bumped version, got %+v", updated)
	}
}

func TestAdjustStockRejectsStockAboveLimit(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := newItem(t, s, "Fuse", domain.MaxStockUnits-1)

	if _, err := s.AdjustStock(ctx, DefaultAccountID, item.ID, 2); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error above the stock limit, got %v", err)
	}
	if _, err := s.AdjustStock(ctx, DefaultAccountID, item.ID, domain.MaxStockUnits+1); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected out of range delta to be rejected, got %v", err)
	}
	got, _ := s.GetItem(ctx, DefaultAccountID, item.ID)
	if got.Stock != domain.MaxStockUnits-1 || got.Version != item.Version {
		t.Fatalf("expected item untouched, got %+v", got)
	}
}

func TestAdjustStockScopedToAccount(t *testing.T) {
	s := New()
	item := newItem(t, s, "Fuse", 3)

	if _, err := s.AdjustStock(context.Background(), "other-account", item.ID, 1); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found across accounts, got %v", err)
	}
}

func TestInsertItemRejectsDuplicateNameIgnoringCaseAndSpace(t *testing.T) {
	s := New()
	newItem(t, s, "Switch", 1)

	_, err := s.InsertItem(context.Background(), domain.InventoryItem{
		AccountID: DefaultAccountID,
		Name:      "switch ",
		Stock:     1,
	})
	if !errors.Is(err, store.ErrDuplicateName) {
		t.Fatalf("expected duplicate name, got %v", err)
	}
}

func TestUpdateItemChecksVersion(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := newItem(t, s, "Fuse", 3)

	stale := item
	item.Name = "Fuse 5A"
	if _, err := s.UpdateItem(ctx, item); err != nil {
		t.Fatalf("first update: %v", err)
	}
	stale.Name = "Fuse 10A"
	if _, err := s.UpdateItem(ctx, stale); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
}

func TestInsertSalesIsAllOrNothing(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := newItem(t, s, "Fuse", 3)

	tx, err := s.InsertTransaction(ctx, domain.Transaction{
		AccountID:     DefaultAccountID,
		Kind:          domain.TxKindSale,
		TotalPrice:    decimal.NewFromInt(20),
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("insert transaction: %v", err)
	}

	_, err = s.InsertSales(ctx, []domain.Sale{
		{AccountID: DefaultAccountID, TransactionID: tx.ID, InventoryItemID: item.ID, Quantity: 1, SaleType: domain.SaleTypeLoose},
		{AccountID: DefaultAccountID, TransactionID: tx.ID, InventoryItemID: "missing", Quantity: 1, SaleType: domain.SaleTypeLoose},
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for missing item, got %v", err)
	}

	got, err := s.GetTransaction(ctx, DefaultAccountID, tx.ID)
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if len(got.Sales) != 0 {
		t.Fatalf("expected no sales after rejected batch, got %d", len(got.Sales))
	}
}

func TestDeleteRefusesWhileSalesReferenceRow(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := newItem(t, s, "Fuse", 3)

	tx, err := s.InsertTransaction(ctx, domain.Transaction{
		AccountID:     DefaultAccountID,
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("insert transaction: %v", err)
	}
	sales, err := s.InsertSales(ctx, []domain.Sale{
		{AccountID: DefaultAccountID, TransactionID: tx.ID, InventoryItemID: item.ID, Quantity: 1, SaleType: domain.SaleTypeLoose},
	})
	if err != nil {
		t.Fatalf("insert sales: %v", err)
	}

	if err := s.DeleteTransaction(ctx, DefaultAccountID, tx.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict deleting referenced transaction, got %v", err)
	}
	if err := s.DeleteItem(ctx, DefaultAccountID, item.ID); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict deleting referenced item, got %v", err)
	}

	if err := s.DeleteSales(ctx, DefaultAccountID, []string{sales[0].ID}); err != nil {
		t.Fatalf("delete sales: %v", err)
	}
	if err := s.DeleteTransaction(ctx, DefaultAccountID, tx.ID); err != nil {
		t.Fatalf("delete transaction: %v", err)
	}
	if err := s.DeleteItem(ctx, DefaultAccountID, item.ID); err != nil {
		t.Fatalf("delete item: %v", err)
	}
}

func TestUpdateSaleStatusOnlyFromExpectedStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := newItem(t, s, "Fuse", 3)
	tx, _ := s.InsertTransaction(ctx, domain.Transaction{AccountID: DefaultAccountID, PaymentMethod: domain.PaymentCash})
	sales, err := s.InsertSales(ctx, []domain.Sale{
		{AccountID: DefaultAccountID, TransactionID: tx.ID, InventoryItemID: item.ID, Quantity: 1, SaleType: domain.SaleTypeLoose},
	})
	if err != nil {
		t.Fatalf("insert sales: %v", err)
	}

	if _, err := s.UpdateSaleStatus(ctx, DefaultAccountID, sales[0].ID, domain.SaleStatusCompleted, domain.SaleStatusReturned); err != nil {
		t.Fatalf("first flip: %v", err)
	}
	if _, err := s.UpdateSaleStatus(ctx, DefaultAccountID, sales[0].ID, domain.SaleStatusCompleted, domain.SaleStatusReturned); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict on second flip, got %v", err)
	}
}

func TestListTransactionsNewestFirstWithOrderedLines(t *testing.T) {
	s := New()
	ctx := context.Background()
	item := newItem(t, s, "Fuse", 10)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	older, _ := s.InsertTransaction(ctx, domain.Transaction{AccountID: DefaultAccountID, PaymentMethod: domain.PaymentCash, Date: base})
	newer, _ := s.InsertTransaction(ctx, domain.Transaction{AccountID: DefaultAccountID, PaymentMethod: domain.PaymentCard, Date: base.Add(time.Hour)})
	if _, err := s.InsertSales(ctx, []domain.Sale{
		{AccountID: DefaultAccountID, TransactionID: newer.ID, InventoryItemID: item.ID, Quantity: 2, Position: 1, SaleType: domain.SaleTypeLoose},
		{AccountID: DefaultAccountID, TransactionID: newer.ID, InventoryItemID: item.ID, Quantity: 1, Position: 0, SaleType: domain.SaleTypeLoose},
	}); err != nil {
		t.Fatalf("insert sales: %v", err)
	}

	list, err := s.ListTransactions(ctx, DefaultAccountID)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(list) != 2 || list[0].ID != newer.ID || list[1].ID != older.ID {
		t.Fatalf("expected newest first, got %+v", list)
	}
	if len(list[0].Sales) != 2 || list[0].Sales[0].Quantity != 1 || list[0].Sales[1].Quantity != 2 {
		t.Fatalf("expected lines in position order, got %+v", list[0].Sales)
	}
}

func TestNewSeededHasBundleItemAndUsers(t *testing.T) {
	s := NewSeeded()
	ctx := context.Background()

	items, err := s.ListItems(ctx, DefaultAccountID)
	if err != nil {
		t.Fatalf("list items: %v", err)
	}
	var found bool
	for _, item := range items {
		if item.Name == "Bulb-9W" {
			found = true
			if !item.IsBundle || item.ItemsPerBundle != 10 || item.Stock != 100 {
				t.Fatalf("unexpected seeded bundle item: %+v", item)
			}
		}
	}
	if !found {
		t.Fatalf("expected Bulb-9W in seeded catalog")
	}

	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("list users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected two seeded users, got %d", len(users))
	}
}
