package stock

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/store"
	"shopledger/backend/internal/store/memory"
)

func TestUnitDelta(t *testing.T) {
	bulb := domain.InventoryItem{Name: "Bulb-9W", IsBundle: true, ItemsPerBundle: 10}
	loose := domain.InventoryItem{Name: "Switch"}

	cases := []struct {
		name     string
		item     domain.InventoryItem
		qty      int
		saleType domain.SaleType
		want     int
		wantErr  bool
	}{
		{name: "loose", item: loose, qty: 3, saleType: domain.SaleTypeLoose, want: 3},
		{name: "loose on bundle item", item: bulb, qty: 3, saleType: domain.SaleTypeLoose, want: 3},
		{name: "bundle", item: bulb, qty: 2, saleType: domain.SaleTypeBundle, want: 20},
		{name: "bundle on loose item", item: loose, qty: 1, saleType: domain.SaleTypeBundle, wantErr: true},
		{name: "bundle size one", item: domain.InventoryItem{IsBundle: true, ItemsPerBundle: 1}, qty: 1, saleType: domain.SaleTypeBundle, wantErr: true},
		{name: "zero quantity", item: loose, qty: 0, saleType: domain.SaleTypeLoose, wantErr: true},
		{name: "unknown type", item: loose, qty: 1, saleType: "crate", wantErr: true},
		{name: "quantity that would wrap", item: bulb, qty: 1844674407370955161, saleType: domain.SaleTypeBundle, wantErr: true},
		{name: "quantity above line limit", item: loose, qty: domain.MaxLineQuantity + 1, saleType: domain.SaleTypeLoose, wantErr: true},
		{name: "bundle units above stock limit", item: domain.InventoryItem{IsBundle: true, ItemsPerBundle: 10000}, qty: domain.MaxLineQuantity, saleType: domain.SaleTypeBundle, wantErr: true},
		{name: "bundle units at stock limit", item: domain.InventoryItem{IsBundle: true, ItemsPerBundle: 1000}, qty: domain.MaxLineQuantity, saleType: domain.SaleTypeBundle, want: domain.MaxStockUnits},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := UnitDelta(tc.item, tc.qty, tc.saleType)
			if tc.wantErr {
				if !errors.Is(err, store.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %d units, got %d", tc.want, got)
			}
		})
	}
}

func TestApplyRejectsNegativeResultWithoutWriting(t *testing.T) {
	repo := memory.New()
	ctx := context.Background()
	item, err := repo.InsertItem(ctx, domain.InventoryItem{
		AccountID: memory.DefaultAccountID,
		Name:      "Switch",
		Stock:     3,
		Price:     decimal.NewFromInt(45),
		Cost:      decimal.NewFromInt(30),
	})
	if err != nil {
		t.Fatalf("insert item: %v", err)
	}

	r := NewReconciler(repo)
	if _, err := r.Apply(ctx, memory.DefaultAccountID, item.ID, -5); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	stored, _ := repo.GetItem(ctx, memory.DefaultAccountID, item.ID)
	if stored.Stock != 3 {
		t.Fatalf("expected stock to stay 3, got %d", stored.Stock)
	}

	after, err := r.Apply(ctx, memory.DefaultAccountID, item.ID, 2)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if after.Stock != 5 {
		t.Fatalf("expected post-state stock 5, got %d", after.Stock)
	}

	if _, err := r.Apply(ctx, memory.DefaultAccountID, item.ID, 0); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected zero delta to be rejected, got %v", err)
	}
	if _, err := r.Apply(ctx, memory.DefaultAccountID, item.ID, -(domain.MaxStockUnits + 1)); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected out of range delta to be rejected, got %v", err)
	}
}
