// Package stock converts sale lines into unit deltas and applies them to the
// catalog one item at a time.
package stock

import (
	"context"
	"fmt"

	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/store"
)

// UnitDelta returns how many individual units a line of quantity moves.
// Bundle lines use the item's current ItemsPerBundle.
func UnitDelta(item domain.InventoryItem, quantity int, saleType domain.SaleType) (int, error) {
	if quantity <= 0 {
		return 0, fmt.Errorf("%w: quantity must be positive", store.ErrValidation)
	}
	if quantity > domain.MaxLineQuantity {
		return 0, fmt.Errorf("%w: quantity %d exceeds %d", store.ErrValidation, quantity, domain.MaxLineQuantity)
	}

	switch saleType {
	case domain.SaleTypeLoose:
		return quantity, nil
	case domain.SaleTypeBundle:
		if !item.IsBundle {
			return 0, fmt.Errorf("%w: %s is not sold in bundles", store.ErrValidation, item.Name)
		}
		if item.ItemsPerBundle <= 1 {
			return 0, fmt.Errorf("%w: %s has no valid bundle size", store.ErrValidation, item.Name)
		}
		if quantity > domain.MaxStockUnits/item.ItemsPerBundle {
			return 0, fmt.Errorf("%w: %d bundles of %s exceed the stock limit", store.ErrValidation, quantity, item.Name)
		}
		return quantity * item.ItemsPerBundle, nil
	default:
		return 0, fmt.Errorf("%w: unknown sale type %q", store.ErrValidation, saleType)
	}
}

type Reconciler struct {
	catalog store.CatalogStore
}

func NewReconciler(catalog store.CatalogStore) *Reconciler {
	return &Reconciler{catalog: catalog}
}

// Apply issues exactly one conditional stock write and returns the item as
// stored afterwards. Negative results are rejected with
// store.ErrInsufficientStock and nothing is written.
func (r *Reconciler) Apply(ctx context.Context, accountID string, itemID string, signedUnits int) (domain.InventoryItem, error) {
	if signedUnits == 0 {
		return domain.InventoryItem{}, fmt.Errorf("%w: zero stock delta", store.ErrValidation)
	}
	if signedUnits > domain.MaxStockUnits || signedUnits < -domain.MaxStockUnits {
		return domain.InventoryItem{}, fmt.Errorf("%w: stock delta %d out of range", store.ErrValidation, signedUnits)
	}

	item, err := r.catalog.AdjustStock(ctx, accountID, itemID, signedUnits)
	if err != nil {
		return domain.InventoryItem{}, err
	}
	return *item, nil
}
