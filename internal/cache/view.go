// Package cache holds the local projection of an account's catalog and
// ledger. The projection is only ever changed from results returned by
// completed operations, never from the caller's intent.
package cache

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"shopledger/backend/internal/domain"
)

type Loader func(ctx context.Context, accountID string) (*domain.ViewSnapshot, error)

type projection struct {
	items        []domain.InventoryItem
	transactions []domain.Transaction
	generation   int64
	loadedAt     time.Time
}

// View keeps one projection per account. epochs counts local mutations
// and invalidations so a load that started before one of them is never
// installed over it.
type View struct {
	mu       sync.RWMutex
	accounts map[string]*projection
	epochs   map[string]uint64
	shared   SnapshotStore
	log      logrus.FieldLogger
}

func NewView(shared SnapshotStore, log logrus.FieldLogger) *View {
	if shared == nil {
		shared = NoopSnapshotStore{}
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &View{
		accounts: make(map[string]*projection),
		epochs:   make(map[string]uint64),
		shared:   shared,
		log:      log.WithField("module", "view-cache"),
	}
}

// Snapshot reads through local memory, then the shared store, then load.
// Local and shared copies are only served while their generation matches
// the shared one. When the generation cannot be read the local copy is
// served as is.
func (v *View) Snapshot(ctx context.Context, accountID string, load Loader) (domain.ViewSnapshot, error) {
	gen, genErr := v.shared.Generation(ctx, accountID)
	if genErr != nil {
		v.log.WithField("account_id", accountID).WithError(genErr).Warn("shared generation read failed")
	}

	v.mu.RLock()
	p, ok := v.accounts[accountID]
	if ok && (genErr != nil || p.generation == gen) {
		snapshot := p.snapshot(accountID)
		v.mu.RUnlock()
		return snapshot, nil
	}
	epoch := v.epochs[accountID]
	v.mu.RUnlock()

	if genErr == nil {
		shared, found, err := v.shared.Get(ctx, accountID)
		if err != nil {
			v.log.WithField("account_id", accountID).WithError(err).Warn("shared snapshot read failed")
		}
		if found && shared != nil && shared.Generation == gen {
			snapshot, _ := v.install(accountID, newProjection(shared), epoch)
			return snapshot, nil
		}
	}

	loaded, err := load(ctx, accountID)
	if err != nil {
		return domain.ViewSnapshot{}, err
	}
	if genErr != nil {
		snapshot, _ := v.install(accountID, newProjection(loaded), epoch)
		return snapshot, nil
	}

	// A mutation anywhere bumps the generation, so an unchanged generation
	// means the load saw exactly the state it is labelled with.
	after, err := v.shared.Generation(ctx, accountID)
	if err != nil || after != gen {
		fresh := newProjection(loaded)
		return fresh.snapshot(accountID), nil
	}
	loaded.Generation = gen
	snapshot, installed := v.install(accountID, newProjection(loaded), epoch)
	if installed {
		v.publish(ctx, snapshot)
	}
	return snapshot, nil
}

func (v *View) Loaded(accountID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.accounts[accountID]
	return ok
}

// Invalidate drops the projection everywhere so the next read reloads it
// from the stores.
func (v *View) Invalidate(ctx context.Context, accountID string) {
	if _, err := v.shared.Bump(ctx, accountID); err != nil {
		v.log.WithField("account_id", accountID).WithError(err).Warn("shared generation bump failed")
	}
	v.mu.Lock()
	v.epochs[accountID]++
	delete(v.accounts, accountID)
	v.mu.Unlock()

	v.deleteShared(ctx, accountID)
}

func (v *View) ApplyTransaction(ctx context.Context, accountID string, result domain.TransactionResult) {
	v.apply(ctx, accountID, func(p *projection) {
		p.transactions = slices.Insert(p.transactions, 0, cloneTransaction(result.Transaction))
		p.setItems(result.Items)
	})
}

func (v *View) ApplyDeleteTransaction(ctx context.Context, accountID string, result domain.DeleteTransactionResult) {
	v.apply(ctx, accountID, func(p *projection) {
		p.transactions = slices.DeleteFunc(p.transactions, func(tx domain.Transaction) bool {
			return tx.ID == result.TransactionID
		})
		p.setItems(result.Items)
	})
}

func (v *View) ApplyReturn(ctx context.Context, accountID string, result domain.ReturnResult) {
	v.apply(ctx, accountID, func(p *projection) {
		for i := range p.transactions {
			if p.transactions[i].ID != result.Sale.TransactionID {
				continue
			}
			for j := range p.transactions[i].Sales {
				if p.transactions[i].Sales[j].ID == result.Sale.ID {
					p.transactions[i].Sales[j] = result.Sale
				}
			}
		}
		p.setItems([]domain.InventoryItem{result.Item})
	})
}

func (v *View) ApplyItem(ctx context.Context, accountID string, item domain.InventoryItem) {
	v.apply(ctx, accountID, func(p *projection) {
		p.setItems([]domain.InventoryItem{item})
	})
}

func (v *View) ApplyDeleteItem(ctx context.Context, accountID string, result domain.DeleteItemResult) {
	removedSales := make(map[string]struct{}, len(result.RemovedSaleIDs))
	for _, id := range result.RemovedSaleIDs {
		removedSales[id] = struct{}{}
	}
	removedTxs := make(map[string]struct{}, len(result.RemovedTransactionIDs))
	for _, id := range result.RemovedTransactionIDs {
		removedTxs[id] = struct{}{}
	}

	v.apply(ctx, accountID, func(p *projection) {
		p.items = slices.DeleteFunc(p.items, func(item domain.InventoryItem) bool {
			return item.ID == result.ItemID
		})
		p.transactions = slices.DeleteFunc(p.transactions, func(tx domain.Transaction) bool {
			_, gone := removedTxs[tx.ID]
			return gone
		})
		for i := range p.transactions {
			p.transactions[i].Sales = slices.DeleteFunc(p.transactions[i].Sales, func(sale domain.Sale) bool {
				_, gone := removedSales[sale.ID]
				return gone
			})
		}
	})
}

// apply must run while the caller holds the account lock. It bumps the
// shared generation and mutates the copy that was current just before the
// bump, taken from local memory or else from the shared store. With
// neither available the projection is dropped everywhere.
func (v *View) apply(ctx context.Context, accountID string, mutate func(p *projection)) {
	gen, err := v.shared.Bump(ctx, accountID)
	if err != nil {
		v.log.WithField("account_id", accountID).WithError(err).Warn("shared generation bump failed")
		v.drop(ctx, accountID)
		return
	}

	base := v.base(ctx, accountID, gen)
	if base == nil {
		v.drop(ctx, accountID)
		return
	}

	v.mu.Lock()
	v.epochs[accountID]++
	mutate(base)
	base.generation = gen
	v.accounts[accountID] = base
	snapshot := base.snapshot(accountID)
	v.mu.Unlock()

	v.publish(ctx, snapshot)
}

// base returns a private copy of the projection at generation gen-1.
func (v *View) base(ctx context.Context, accountID string, gen int64) *projection {
	v.mu.RLock()
	p, ok := v.accounts[accountID]
	if ok && (gen == 0 || p.generation == gen-1) {
		local := newProjection(ptr(p.snapshot(accountID)))
		v.mu.RUnlock()
		return local
	}
	v.mu.RUnlock()
	if gen == 0 {
		return nil
	}

	shared, found, err := v.shared.Get(ctx, accountID)
	if err != nil {
		v.log.WithField("account_id", accountID).WithError(err).Warn("shared snapshot read failed")
		return nil
	}
	if !found || shared == nil || shared.Generation != gen-1 {
		return nil
	}
	return newProjection(shared)
}

func (v *View) drop(ctx context.Context, accountID string) {
	v.mu.Lock()
	v.epochs[accountID]++
	delete(v.accounts, accountID)
	v.mu.Unlock()

	v.deleteShared(ctx, accountID)
}

func (v *View) deleteShared(ctx context.Context, accountID string) {
	if err := v.shared.Delete(ctx, accountID); err != nil {
		v.log.WithField("account_id", accountID).WithError(err).Warn("shared snapshot delete failed")
	}
}

// install keeps p unless a local mutation happened since epoch was read.
// It returns the snapshot to serve either way.
func (v *View) install(accountID string, p *projection, epoch uint64) (domain.ViewSnapshot, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.epochs[accountID] != epoch {
		return p.snapshot(accountID), false
	}
	v.accounts[accountID] = p
	return p.snapshot(accountID), true
}

func (v *View) publish(ctx context.Context, snapshot domain.ViewSnapshot) {
	if err := v.shared.Set(ctx, &snapshot); err != nil {
		v.log.WithField("account_id", snapshot.AccountID).WithError(err).Warn("shared snapshot write failed")
	}
}

func newProjection(snapshot *domain.ViewSnapshot) *projection {
	p := &projection{
		items:        slices.Clone(snapshot.Items),
		transactions: make([]domain.Transaction, 0, len(snapshot.Transactions)),
		generation:   snapshot.Generation,
		loadedAt:     snapshot.LoadedAt,
	}
	for _, tx := range snapshot.Transactions {
		p.transactions = append(p.transactions, cloneTransaction(tx))
	}
	sortItems(p.items)
	return p
}

func ptr[T any](v T) *T {
	return &v
}

func (p *projection) setItems(items []domain.InventoryItem) {
	for _, item := range items {
		idx := slices.IndexFunc(p.items, func(existing domain.InventoryItem) bool {
			return existing.ID == item.ID
		})
		if idx >= 0 {
			p.items[idx] = item
			continue
		}
		p.items = append(p.items, item)
	}
	sortItems(p.items)
}

func (p *projection) snapshot(accountID string) domain.ViewSnapshot {
	snapshot := domain.ViewSnapshot{
		AccountID:    accountID,
		Items:        slices.Clone(p.items),
		Transactions: make([]domain.Transaction, 0, len(p.transactions)),
		Sales:        make([]domain.Sale, 0, len(p.transactions)*2),
		Generation:   p.generation,
		LoadedAt:     p.loadedAt,
	}
	for _, tx := range p.transactions {
		snapshot.Transactions = append(snapshot.Transactions, cloneTransaction(tx))
		snapshot.Sales = append(snapshot.Sales, tx.Sales...)
	}
	return snapshot
}

func sortItems(items []domain.InventoryItem) {
	slices.SortStableFunc(items, func(a, b domain.InventoryItem) int {
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
}

func cloneTransaction(tx domain.Transaction) domain.Transaction {
	tx.Sales = slices.Clone(tx.Sales)
	if tx.Sales == nil {
		tx.Sales = []domain.Sale{}
	}
	if tx.Customer != nil {
		c := *tx.Customer
		tx.Customer = &c
	}
	return tx
}
