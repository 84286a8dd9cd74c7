package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"shopledger/backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrValidation        = errors.New("invalid input")
	ErrDuplicateName     = fmt.Errorf("%w: an item with this name already exists", ErrValidation)
	ErrAlreadyReturned   = errors.New("sale line already returned")
	ErrConflict          = errors.New("concurrent modification")
)

// CatalogStore is a table of inventory items. Every method is one
// independent remote call.
type CatalogStore interface {
	ListItems(ctx context.Context, accountID string) ([]domain.InventoryItem, error)
	GetItem(ctx context.Context, accountID string, id string) (*domain.InventoryItem, error)
	InsertItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error)
	// UpdateItem writes every mutable field when the stored version still
	// equals item.Version, and bumps the version.
	UpdateItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error)
	DeleteItem(ctx context.Context, accountID string, id string) error
	// AdjustStock applies stock = stock + delta only when the result is not
	// negative. It returns ErrInsufficientStock without writing otherwise.
	AdjustStock(ctx context.Context, accountID string, id string, delta int) (*domain.InventoryItem, error)
}

// LedgerStore holds transaction headers and their sale lines as two
// separate tables. Nothing cascades: callers delete lines explicitly.
type LedgerStore interface {
	ListTransactions(ctx context.Context, accountID string) ([]domain.Transaction, error)
	GetTransaction(ctx context.Context, accountID string, id string) (*domain.Transaction, error)
	InsertTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	DeleteTransaction(ctx context.Context, accountID string, id string) error
	InsertSales(ctx context.Context, sales []domain.Sale) ([]domain.Sale, error)
	GetSale(ctx context.Context, accountID string, id string) (*domain.Sale, error)
	ListSalesByItem(ctx context.Context, accountID string, itemID string) ([]domain.Sale, error)
	// UpdateSaleStatus flips the status only when the current status equals
	// from, returning ErrConflict otherwise.
	UpdateSaleStatus(ctx context.Context, accountID string, id string, from domain.SaleStatus, to domain.SaleStatus) (*domain.Sale, error)
	DeleteSales(ctx context.Context, accountID string, ids []string) error
}

type AuditStore interface {
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, accountID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	CatalogStore
	LedgerStore
	AuditStore
	UserStore
}

// PersistenceError reports a failed remote call that is not one of the
// domain errors above.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Wrap annotates err with op. Domain errors keep their identity; anything
// else becomes a *PersistenceError.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsDomainError(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return &PersistenceError{Op: op, Err: err}
}

func IsDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInsufficientStock) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrAlreadyReturned) ||
		errors.Is(err, ErrConflict)
}
