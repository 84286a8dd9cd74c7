package memory

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/store"
	"shopledger/backend/internal/xid"
)

const DefaultAccountID = "main-account"

// Store mimics the remote table store: one map per table, no cascades and
// no cross-table transactions. Each method is atomic on its own.
type Store struct {
	mu              sync.RWMutex
	items           map[string]domain.InventoryItem
	transactions    map[string]domain.Transaction
	sales           map[string]domain.Sale
	auditLogs       []domain.AuditLog
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		items:           make(map[string]domain.InventoryItem),
		transactions:    make(map[string]domain.Transaction),
		sales:           make(map[string]domain.Sale),
		auditLogs:       make([]domain.AuditLog, 0, 128),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD with dev fallbacks.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logrus.WithField("module", "memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithField("module", "memory-store").Fatalf("failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			AccountID: DefaultAccountID,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	seed := []domain.InventoryItem{
		{Name: "Bulb-9W", Stock: 100, Price: decimal.NewFromInt(10), Cost: decimal.NewFromInt(6), HasGST: true, IsBundle: true, BundlePrice: decimal.NewFromInt(90), ItemsPerBundle: 10},
		{Name: "Switch", Stock: 60, Price: decimal.NewFromInt(45), Cost: decimal.NewFromInt(30), HasGST: true},
		{Name: "Copper Wire 1m", Stock: 500, Price: decimal.RequireFromString("12.50"), Cost: decimal.NewFromInt(8)},
		{Name: "Tube Light 20W", Stock: 40, Price: decimal.NewFromInt(180), Cost: decimal.NewFromInt(120), HasGST: true, IsBundle: true, BundlePrice: decimal.NewFromInt(650), ItemsPerBundle: 4},
		{Name: "Insulation Tape", Stock: 200, Price: decimal.NewFromInt(15), Cost: decimal.NewFromInt(9)},
		{Name: "Socket 6A", Stock: 75, Price: decimal.NewFromInt(60), Cost: decimal.NewFromInt(38), HasGST: true},
	}
	for _, item := range seed {
		item.ID = xid.New("item")
		item.AccountID = DefaultAccountID
		item.Version = 1
		item.CreatedAt = now
		item.UpdatedAt = now
		s.items[item.ID] = item
	}
	s.usersByUsername = seedUsers()
	return s
}

func (s *Store) ListItems(_ context.Context, accountID string) ([]domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.InventoryItem, 0, len(s.items))
	for _, item := range s.items {
		if item.AccountID != accountID {
			continue
		}
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b domain.InventoryItem) int {
		return cmpString(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	return items, nil
}

func (s *Store) GetItem(_ context.Context, accountID string, id string) (*domain.InventoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok || item.AccountID != accountID {
		return nil, store.ErrNotFound
	}
	return &item, nil
}

func (s *Store) InsertItem(_ context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	if item.AccountID == "" || strings.TrimSpace(item.Name) == "" || item.Stock < 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if item.ID == "" {
		item.ID = xid.New("item")
	}
	if _, exists := s.items[item.ID]; exists {
		return nil, fmt.Errorf("%w: item %s already exists", store.ErrConflict, item.ID)
	}
	if s.nameTakenLocked(item.AccountID, item.Name, item.ID) {
		return nil, store.ErrDuplicateName
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.Version < 1 {
		item.Version = 1
	}
	s.items[item.ID] = item
	return &item, nil
}

func (s *Store) UpdateItem(_ context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	if strings.TrimSpace(item.Name) == "" || item.Stock < 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.items[item.ID]
	if !ok || existing.AccountID != item.AccountID {
		return nil, store.ErrNotFound
	}
	if existing.Version != item.Version {
		return nil, store.ErrConflict
	}
	if s.nameTakenLocked(item.AccountID, item.Name, item.ID) {
		return nil, store.ErrDuplicateName
	}

	item.CreatedAt = existing.CreatedAt
	item.UpdatedAt = time.Now().UTC()
	item.Version = existing.Version + 1
	s.items[item.ID] = item
	return &item, nil
}

func (s *Store) DeleteItem(_ context.Context, accountID string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok || item.AccountID != accountID {
		return store.ErrNotFound
	}
	for _, sale := range s.sales {
		if sale.InventoryItemID == id {
			return fmt.Errorf("%w: item %s is still referenced by sale %s", store.ErrConflict, id, sale.ID)
		}
	}
	delete(s.items, id)
	return nil
}

func (s *Store) AdjustStock(_ context.Context, accountID string, id string, delta int) (*domain.InventoryItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok || item.AccountID != accountID {
		return nil, store.ErrNotFound
	}
	if delta > domain.MaxStockUnits || delta < -domain.MaxStockUnits {
		return nil, fmt.Errorf("%w: stock delta %d out of range", store.ErrValidation, delta)
	}
	if item.Stock+delta < 0 {
		return nil, store.ErrInsufficientStock
	}
	if item.Stock+delta > domain.MaxStockUnits {
		return nil, fmt.Errorf("%w: stock of %s would exceed %d", store.ErrValidation, item.Name, domain.MaxStockUnits)
	}
	item.Stock += delta
	item.Version++
	item.UpdatedAt = time.Now().UTC()
	s.items[id] = item
	return &item, nil
}

func (s *Store) ListTransactions(_ context.Context, accountID string) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Transaction, 0, len(s.transactions))
	for _, tx := range s.transactions {
		if tx.AccountID != accountID {
			continue
		}
		result = append(result, s.withSalesLocked(tx))
	}
	slices.SortFunc(result, func(a, b domain.Transaction) int {
		if a.Date.Equal(b.Date) {
			return cmpString(b.ID, a.ID)
		}
		if a.Date.After(b.Date) {
			return -1
		}
		return 1
	})
	return result, nil
}

func (s *Store) GetTransaction(_ context.Context, accountID string, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.transactions[id]
	if !ok || tx.AccountID != accountID {
		return nil, store.ErrNotFound
	}
	full := s.withSalesLocked(tx)
	return &full, nil
}

func (s *Store) InsertTransaction(_ context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.AccountID == "" || tx.PaymentMethod == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	if _, exists := s.transactions[tx.ID]; exists {
		return nil, fmt.Errorf("%w: transaction %s already exists", store.ErrConflict, tx.ID)
	}
	if tx.Date.IsZero() {
		tx.Date = time.Now().UTC()
	}
	if tx.Kind == "" {
		tx.Kind = domain.TxKindSale
	}
	tx.Sales = nil
	tx.Customer = cloneCustomer(tx.Customer)
	s.transactions[tx.ID] = tx

	created := tx
	created.Sales = []domain.Sale{}
	return &created, nil
}

func (s *Store) DeleteTransaction(_ context.Context, accountID string, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[id]
	if !ok || tx.AccountID != accountID {
		return store.ErrNotFound
	}
	for _, sale := range s.sales {
		if sale.TransactionID == id {
			return fmt.Errorf("%w: transaction %s still has sale %s", store.ErrConflict, id, sale.ID)
		}
	}
	delete(s.transactions, id)
	return nil
}

func (s *Store) InsertSales(_ context.Context, sales []domain.Sale) ([]domain.Sale, error) {
	if len(sales) == 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	prepared := make([]domain.Sale, 0, len(sales))
	seen := make(map[string]struct{}, len(sales))
	for _, sale := range sales {
		if sale.Quantity < 1 || sale.AccountID == "" {
			return nil, store.ErrValidation
		}
		if sale.ID == "" {
			sale.ID = xid.New("sale")
		}
		if _, dup := seen[sale.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate sale id %s", store.ErrConflict, sale.ID)
		}
		seen[sale.ID] = struct{}{}
		if _, exists := s.sales[sale.ID]; exists {
			return nil, fmt.Errorf("%w: sale %s already exists", store.ErrConflict, sale.ID)
		}
		tx, ok := s.transactions[sale.TransactionID]
		if !ok || tx.AccountID != sale.AccountID {
			return nil, fmt.Errorf("%w: transaction %s", store.ErrNotFound, sale.TransactionID)
		}
		item, ok := s.items[sale.InventoryItemID]
		if !ok || item.AccountID != sale.AccountID {
			return nil, fmt.Errorf("%w: item %s", store.ErrNotFound, sale.InventoryItemID)
		}
		if sale.Status == "" {
			sale.Status = domain.SaleStatusCompleted
		}
		if sale.CreatedAt.IsZero() {
			sale.CreatedAt = now
		}
		prepared = append(prepared, sale)
	}

	for _, sale := range prepared {
		s.sales[sale.ID] = sale
	}
	return slices.Clone(prepared), nil
}

func (s *Store) GetSale(_ context.Context, accountID string, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok || sale.AccountID != accountID {
		return nil, store.ErrNotFound
	}
	return &sale, nil
}

func (s *Store) ListSalesByItem(_ context.Context, accountID string, itemID string) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0)
	for _, sale := range s.sales {
		if sale.AccountID == accountID && sale.InventoryItemID == itemID {
			result = append(result, sale)
		}
	}
	slices.SortFunc(result, compareSale)
	return result, nil
}

func (s *Store) UpdateSaleStatus(_ context.Context, accountID string, id string, from domain.SaleStatus, to domain.SaleStatus) (*domain.Sale, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sale, ok := s.sales[id]
	if !ok || sale.AccountID != accountID {
		return nil, store.ErrNotFound
	}
	if sale.Status != from {
		return nil, store.ErrConflict
	}
	sale.Status = to
	s.sales[id] = sale
	return &sale, nil
}

func (s *Store) DeleteSales(_ context.Context, accountID string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		sale, ok := s.sales[id]
		if !ok || sale.AccountID != accountID {
			return fmt.Errorf("%w: sale %s", store.ErrNotFound, id)
		}
	}
	for _, id := range ids {
		delete(s.sales, id)
	}
	return nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, accountID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 200
	}
	result := make([]domain.AuditLog, 0, limit)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entry.AccountID != accountID {
			continue
		}
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		result = append(result, entry)
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || user.Password == "" {
		return store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[username]; exists {
		return fmt.Errorf("%w: username already exists", store.ErrValidation)
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))

	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

// nameTakenLocked compares trimmed names case-insensitively within one
// account, ignoring the item with exceptID.
func (s *Store) nameTakenLocked(accountID string, name string, exceptID string) bool {
	wanted := strings.TrimSpace(name)
	for id, item := range s.items {
		if id == exceptID || item.AccountID != accountID {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(item.Name), wanted) {
			return true
		}
	}
	return false
}

func (s *Store) withSalesLocked(tx domain.Transaction) domain.Transaction {
	lines := make([]domain.Sale, 0, 4)
	for _, sale := range s.sales {
		if sale.TransactionID == tx.ID {
			lines = append(lines, sale)
		}
	}
	slices.SortFunc(lines, compareSale)
	tx.Sales = lines
	tx.Customer = cloneCustomer(tx.Customer)
	return tx
}

func compareSale(a, b domain.Sale) int {
	if a.TransactionID != b.TransactionID {
		return cmpString(a.TransactionID, b.TransactionID)
	}
	if a.Position != b.Position {
		return a.Position - b.Position
	}
	return cmpString(a.ID, b.ID)
}

func cloneCustomer(src *domain.Customer) *domain.Customer {
	if src == nil {
		return nil
	}
	c := *src
	return &c
}

func cmpString(a string, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
