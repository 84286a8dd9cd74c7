package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"shopledger/backend/internal/domain"
	"shopledger/backend/internal/store"
	"shopledger/backend/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates missing tables and indexes. Every statement is
// idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const itemColumns = `id, account_id, name, stock, price, cost, has_gst, is_bundle, bundle_price, items_per_bundle, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (domain.InventoryItem, error) {
	var item domain.InventoryItem
	err := row.Scan(
		&item.ID,
		&item.AccountID,
		&item.Name,
		&item.Stock,
		&item.Price,
		&item.Cost,
		&item.HasGST,
		&item.IsBundle,
		&item.BundlePrice,
		&item.ItemsPerBundle,
		&item.Version,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	item.CreatedAt = item.CreatedAt.UTC()
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, err
}

func (s *Store) ListItems(ctx context.Context, accountID string) ([]domain.InventoryItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM inventory_items
		WHERE account_id = $1
		ORDER BY lower(name)
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.InventoryItem, 0, 64)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) GetItem(ctx context.Context, accountID string, id string) (*domain.InventoryItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM inventory_items
		WHERE account_id = $1 AND id = $2
	`, accountID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *Store) InsertItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	if item.AccountID == "" || strings.TrimSpace(item.Name) == "" || item.Stock < 0 {
		return nil, store.ErrValidation
	}
	if item.ID == "" {
		item.ID = xid.New("item")
	}

	created, err := scanItem(s.db.QueryRowContext(ctx, `
		INSERT INTO inventory_items (
			id, account_id, name, stock, price, cost, has_gst, is_bundle,
			bundle_price, items_per_bundle, version, created_at, updated_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,1,COALESCE($11::timestamptz, now()),now())
		RETURNING `+itemColumns,
		item.ID, item.AccountID, item.Name, item.Stock, item.Price, item.Cost, item.HasGST, item.IsBundle,
		item.BundlePrice, item.ItemsPerBundle, nullTime(item.CreatedAt),
	))
	if err != nil {
		if isUniqueViolation(err) {
			if constraintName(err) == "inventory_items_pkey" {
				return nil, fmt.Errorf("%w: item %s already exists", store.ErrConflict, item.ID)
			}
			return nil, store.ErrDuplicateName
		}
		return nil, err
	}
	return &created, nil
}

func (s *Store) UpdateItem(ctx context.Context, item domain.InventoryItem) (*domain.InventoryItem, error) {
	if strings.TrimSpace(item.Name) == "" || item.Stock < 0 {
		return nil, store.ErrValidation
	}

	updated, err := scanItem(s.db.QueryRowContext(ctx, `
		UPDATE inventory_items
		SET name = $4, stock = $5, price = $6, cost = $7, has_gst = $8, is_bundle = $9,
			bundle_price = $10, items_per_bundle = $11, version = version + 1, updated_at = now()
		WHERE account_id = $1 AND id = $2 AND version = $3
		RETURNING `+itemColumns,
		item.AccountID, item.ID, item.Version,
		item.Name, item.Stock, item.Price, item.Cost, item.HasGST, item.IsBundle,
		item.BundlePrice, item.ItemsPerBundle,
	))
	if err == nil {
		return &updated, nil
	}
	if isUniqueViolation(err) {
		return nil, store.ErrDuplicateName
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if _, err := s.GetItem(ctx, item.AccountID, item.ID); err != nil {
		return nil, err
	}
	return nil, store.ErrConflict
}

func (s *Store) DeleteItem(ctx context.Context, accountID string, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM inventory_items
		WHERE account_id = $1 AND id = $2
	`, accountID, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: item %s is still referenced by sales", store.ErrConflict, id)
		}
		return err
	}
	return requireAffected(res)
}

// AdjustStock relies on a single conditional UPDATE, so concurrent sessions
// can never drive stock below zero.
func (s *Store) AdjustStock(ctx context.Context, accountID string, id string, delta int) (*domain.InventoryItem, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, `
		UPDATE inventory_items
		SET stock = stock + $3, version = version + 1, updated_at = now()
		WHERE account_id = $1 AND id = $2 AND stock + $3 >= 0
		RETURNING `+itemColumns,
		accountID, id, delta,
	))
	if err == nil {
		return &item, nil
	}
	if isOutOfRange(err) {
		return nil, fmt.Errorf("%w: stock of %s would exceed %d", store.ErrValidation, id, domain.MaxStockUnits)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if _, err := s.GetItem(ctx, accountID, id); err != nil {
		return nil, err
	}
	return nil, store.ErrInsufficientStock
}

func (s *Store) ListTransactions(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, kind, total_price, payment_method, customer_name, customer_phone, date
		FROM transactions
		WHERE account_id = $1
		ORDER BY date DESC, id DESC
	`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	txs := make([]domain.Transaction, 0, 64)
	index := make(map[string]int, 64)
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		index[tx.ID] = len(txs)
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close()

	sales, err := s.querySales(ctx, `WHERE account_id = $1 ORDER BY transaction_id, line_no, id`, accountID)
	if err != nil {
		return nil, err
	}
	for _, sale := range sales {
		if i, ok := index[sale.TransactionID]; ok {
			txs[i].Sales = append(txs[i].Sales, sale)
		}
	}
	return txs, nil
}

func (s *Store) GetTransaction(ctx context.Context, accountID string, id string) (*domain.Transaction, error) {
	tx, err := scanTransaction(s.db.QueryRowContext(ctx, `
		SELECT id, account_id, kind, total_price, payment_method, customer_name, customer_phone, date
		FROM transactions
		WHERE account_id = $1 AND id = $2
	`, accountID, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	sales, err := s.querySales(ctx, `WHERE account_id = $1 AND transaction_id = $2 ORDER BY line_no, id`, accountID, id)
	if err != nil {
		return nil, err
	}
	tx.Sales = sales
	return &tx, nil
}

func (s *Store) InsertTransaction(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error) {
	if tx.AccountID == "" || tx.PaymentMethod == "" {
		return nil, store.ErrValidation
	}
	if tx.ID == "" {
		tx.ID = xid.New("tx")
	}
	if tx.Kind == "" {
		tx.Kind = domain.TxKindSale
	}
	if tx.Date.IsZero() {
		tx.Date = time.Now().UTC()
	}

	var customerName, customerPhone any
	if tx.Customer != nil {
		customerName = nullIfEmpty(tx.Customer.Name)
		customerPhone = nullIfEmpty(tx.Customer.Phone)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (id, account_id, kind, total_price, payment_method, customer_name, customer_phone, date)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, tx.ID, tx.AccountID, string(tx.Kind), tx.TotalPrice, tx.PaymentMethod, customerName, customerPhone, tx.Date)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: transaction %s already exists", store.ErrConflict, tx.ID)
		}
		return nil, err
	}

	created := tx
	created.Sales = []domain.Sale{}
	return &created, nil
}

func (s *Store) DeleteTransaction(ctx context.Context, accountID string, id string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM transactions
		WHERE account_id = $1 AND id = $2
	`, accountID, id)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("%w: transaction %s still has sales", store.ErrConflict, id)
		}
		return err
	}
	return requireAffected(res)
}

// InsertSales writes all rows in one database transaction so the batch is
// a single remote call from the caller's point of view.
func (s *Store) InsertSales(ctx context.Context, sales []domain.Sale) ([]domain.Sale, error) {
	if len(sales) == 0 {
		return nil, store.ErrValidation
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = pgTx.Rollback() }()

	now := time.Now().UTC()
	created := make([]domain.Sale, 0, len(sales))
	for _, sale := range sales {
		if sale.Quantity < 1 || sale.AccountID == "" {
			return nil, store.ErrValidation
		}
		if sale.ID == "" {
			sale.ID = xid.New("sale")
		}
		if sale.Status == "" {
			sale.Status = domain.SaleStatusCompleted
		}
		if sale.CreatedAt.IsZero() {
			sale.CreatedAt = now
		}
		_, err := pgTx.ExecContext(ctx, `
			INSERT INTO sales (
				id, account_id, transaction_id, inventory_item_id, product_name, quantity,
				total_price, item_cost_at_sale, has_gst, sale_type, status, line_no, created_at
			)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, sale.ID, sale.AccountID, sale.TransactionID, sale.InventoryItemID, sale.ProductName, sale.Quantity,
			sale.TotalPrice, sale.ItemCostAtSale, sale.HasGST, string(sale.SaleType), string(sale.Status), sale.Position, sale.CreatedAt)
		if err != nil {
			if isForeignKeyViolation(err) {
				return nil, fmt.Errorf("%w: sale %s references a missing row", store.ErrNotFound, sale.ID)
			}
			if isUniqueViolation(err) {
				return nil, fmt.Errorf("%w: sale %s already exists", store.ErrConflict, sale.ID)
			}
			return nil, err
		}
		created = append(created, sale)
	}

	if err := pgTx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Store) GetSale(ctx context.Context, accountID string, id string) (*domain.Sale, error) {
	sales, err := s.querySales(ctx, `WHERE account_id = $1 AND id = $2`, accountID, id)
	if err != nil {
		return nil, err
	}
	if len(sales) == 0 {
		return nil, store.ErrNotFound
	}
	return &sales[0], nil
}

func (s *Store) ListSalesByItem(ctx context.Context, accountID string, itemID string) ([]domain.Sale, error) {
	return s.querySales(ctx, `WHERE account_id = $1 AND inventory_item_id = $2 ORDER BY transaction_id, line_no, id`, accountID, itemID)
}

func (s *Store) UpdateSaleStatus(ctx context.Context, accountID string, id string, from domain.SaleStatus, to domain.SaleStatus) (*domain.Sale, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sales
		SET status = $4
		WHERE account_id = $1 AND id = $2 AND status = $3
	`, accountID, id, string(from), string(to))
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	sale, err := s.GetSale(ctx, accountID, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, store.ErrConflict
	}
	return sale, nil
}

func (s *Store) DeleteSales(ctx context.Context, accountID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	pgTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	res, err := pgTx.ExecContext(ctx, `
		DELETE FROM sales
		WHERE account_id = $1 AND id = ANY($2)
	`, accountID, ids)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != int64(len(ids)) {
		return fmt.Errorf("%w: %d of %d sales", store.ErrNotFound, int64(len(ids))-affected, len(ids))
	}
	return pgTx.Commit()
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, account_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.AccountID, entry.ActorUsername, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, accountID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 200
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE account_id = $1
			AND created_at >= $2
			AND created_at < $3
		ORDER BY created_at DESC
		LIMIT $4
	`, accountID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var entry domain.AuditLog
		if err := rows.Scan(&entry.ID, &entry.AccountID, &entry.ActorUsername, &entry.ActorRole, &entry.Action, &entry.EntityType, &entry.EntityID, &entry.Detail, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.CreatedAt = entry.CreatedAt.UTC()
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, account_id, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now())
	`, user.Username, user.Password, user.Role, user.AccountID, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: username already exists", store.ErrValidation)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, account_id, active, created_at
		FROM app_users
		ORDER BY username ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var user domain.UserAccount
		if err := rows.Scan(&user.Username, &user.Password, &user.Role, &user.AccountID, &user.Active, &user.CreatedAt); err != nil {
			return nil, err
		}
		user.CreatedAt = user.CreatedAt.UTC()
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) querySales(ctx context.Context, where string, args ...any) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, transaction_id, inventory_item_id, product_name, quantity,
			total_price, item_cost_at_sale, has_gst, sale_type, status, line_no, created_at
		FROM sales
		`+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 8)
	for rows.Next() {
		var sale domain.Sale
		var saleType, status string
		if err := rows.Scan(
			&sale.ID,
			&sale.AccountID,
			&sale.TransactionID,
			&sale.InventoryItemID,
			&sale.ProductName,
			&sale.Quantity,
			&sale.TotalPrice,
			&sale.ItemCostAtSale,
			&sale.HasGST,
			&saleType,
			&status,
			&sale.Position,
			&sale.CreatedAt,
		); err != nil {
			return nil, err
		}
		sale.SaleType = domain.SaleType(saleType)
		sale.Status = domain.SaleStatus(status)
		sale.CreatedAt = sale.CreatedAt.UTC()
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var tx domain.Transaction
	var kind string
	var customerName, customerPhone sql.NullString
	if err := row.Scan(&tx.ID, &tx.AccountID, &kind, &tx.TotalPrice, &tx.PaymentMethod, &customerName, &customerPhone, &tx.Date); err != nil {
		return tx, err
	}
	tx.Kind = domain.TransactionKind(kind)
	tx.Date = tx.Date.UTC()
	if customerName.Valid || customerPhone.Valid {
		tx.Customer = &domain.Customer{Name: customerName.String, Phone: customerPhone.String}
	}
	tx.Sales = []domain.Sale{}
	return tx, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23503"
	}
	return false
}

// isOutOfRange reports a failed stock CHECK or an INTEGER overflow.
func isOutOfRange(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23514" || pgErr.Code == "22003"
	}
	return false
}

func constraintName(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.ConstraintName
	}
	return ""
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val time.Time) any {
	if val.IsZero() {
		return nil
	}
	return val
}
