package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type SaleType string

const (
	SaleTypeLoose  SaleType = "loose"
	SaleTypeBundle SaleType = "bundle"
)

type SaleStatus string

const (
	SaleStatusCompleted SaleStatus = "completed"
	SaleStatusReturned  SaleStatus = "returned"
)

type TransactionKind string

const (
	TxKindSale   TransactionKind = "sale"
	TxKindRefund TransactionKind = "refund"
)

const (
	PaymentCash         = "cash"
	PaymentCard         = "card"
	PaymentUPI          = "upi"
	PaymentBankTransfer = "bank_transfer"
)

// InventoryItem stock is always counted in individual units, whether the
// item is sold loose or in bundles.
type InventoryItem struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	Name           string          `json:"name"`
	Stock          int             `json:"stock"`
	Price          decimal.Decimal `json:"price"`
	Cost           decimal.Decimal `json:"cost"`
	HasGST         bool            `json:"has_gst"`
	IsBundle       bool            `json:"is_bundle"`
	BundlePrice    decimal.Decimal `json:"bundle_price"`
	ItemsPerBundle int             `json:"items_per_bundle"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Customer struct {
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

type Transaction struct {
	ID            string          `json:"id"`
	AccountID     string          `json:"account_id"`
	Kind          TransactionKind `json:"kind"`
	TotalPrice    decimal.Decimal `json:"total_price"`
	PaymentMethod string          `json:"payment_method"`
	Date          time.Time       `json:"date"`
	Customer      *Customer       `json:"customer,omitempty"`
	Sales         []Sale          `json:"sales"`
}

// Sale is one line item of a Transaction. ItemCostAtSale and HasGST are
// captured when the line is created and never change afterwards.
type Sale struct {
	ID              string          `json:"id"`
	AccountID       string          `json:"account_id"`
	TransactionID   string          `json:"transaction_id"`
	InventoryItemID string          `json:"inventory_item_id"`
	ProductName     string          `json:"product_name"`
	Quantity        int             `json:"quantity"`
	TotalPrice      decimal.Decimal `json:"total_price"`
	ItemCostAtSale  decimal.Decimal `json:"item_cost_at_sale"`
	HasGST          bool            `json:"has_gst"`
	SaleType        SaleType        `json:"sale_type"`
	Status          SaleStatus      `json:"status"`
	Position        int             `json:"position"`
	CreatedAt       time.Time       `json:"created_at"`
}

type CartLine struct {
	InventoryItemID string          `json:"inventory_item_id" validate:"required"`
	ProductName     string          `json:"product_name"`
	Quantity        int             `json:"quantity" validate:"gt=0,lte=1000000"`
	TotalPrice      decimal.Decimal `json:"total_price"`
	SaleType        SaleType        `json:"sale_type" validate:"required,oneof=loose bundle"`
	ItemsPerBundle  int             `json:"items_per_bundle" validate:"omitempty,gt=1"`
}

type CreateTransactionRequest struct {
	Lines         []CartLine `json:"lines" validate:"required,min=1,dive"`
	PaymentMethod string     `json:"payment_method" validate:"required,oneof=cash card upi bank_transfer"`
	Customer      *Customer  `json:"customer,omitempty"`
}

type StandaloneReturnRequest struct {
	InventoryItemID string          `json:"inventory_item_id" validate:"required"`
	Quantity        int             `json:"quantity" validate:"gt=0,lte=1000000"`
	RefundAmount    decimal.Decimal `json:"refund_amount"`
}

type InventoryItemRequest struct {
	Name           string          `json:"name" validate:"required,max=120"`
	Stock          int             `json:"stock" validate:"gte=0,lte=1000000000"`
	Price          decimal.Decimal `json:"price"`
	Cost           decimal.Decimal `json:"cost"`
	HasGST         bool            `json:"has_gst"`
	IsBundle       bool            `json:"is_bundle"`
	BundlePrice    decimal.Decimal `json:"bundle_price"`
	ItemsPerBundle int             `json:"items_per_bundle" validate:"gte=0,lte=10000"`
}

// TransactionResult carries the authoritative post-state of a create:
// the stored transaction and every item whose stock changed.
type TransactionResult struct {
	Transaction Transaction     `json:"transaction"`
	Items       []InventoryItem `json:"items"`
}

type DeleteTransactionResult struct {
	TransactionID string          `json:"transaction_id"`
	SaleIDs       []string        `json:"sale_ids"`
	Items         []InventoryItem `json:"items"`
}

type ReturnResult struct {
	Sale Sale          `json:"sale"`
	Item InventoryItem `json:"item"`
}

type DeleteItemResult struct {
	ItemID                string   `json:"item_id"`
	RemovedSaleIDs        []string `json:"removed_sale_ids"`
	RemovedTransactionIDs []string `json:"removed_transaction_ids"`
}

type ViewSnapshot struct {
	AccountID    string          `json:"account_id"`
	Items        []InventoryItem `json:"items"`
	Transactions []Transaction   `json:"transactions"`
	Sales        []Sale          `json:"sales"`
	Generation   int64           `json:"generation"`
	LoadedAt     time.Time       `json:"loaded_at"`
}

type DailyReportPayment struct {
	PaymentMethod string          `json:"payment_method"`
	Transactions  int64           `json:"transactions"`
	Total         decimal.Decimal `json:"total"`
}

type DailyReport struct {
	AccountID      string               `json:"account_id"`
	Date           string               `json:"date"`
	Transactions   int64                `json:"transactions"`
	LinesSold      int64                `json:"lines_sold"`
	LinesReturned  int64                `json:"lines_returned"`
	GrossSales     decimal.Decimal      `json:"gross_sales"`
	Refunds        decimal.Decimal      `json:"refunds"`
	NetSales       decimal.Decimal      `json:"net_sales"`
	CostOfGoods    decimal.Decimal      `json:"cost_of_goods"`
	Margin         decimal.Decimal      `json:"margin"`
	GSTSales       decimal.Decimal      `json:"gst_sales"`
	RecordedTotals decimal.Decimal      `json:"recorded_totals"`
	ByPayment      []DailyReportPayment `json:"by_payment"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	AccountID   string `json:"account_id"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username  string
	Role      string
	AccountID string
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	AccountID string    `json:"account_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	AccountID string
	Active    bool
	CreatedAt time.Time
}

type AuditLog struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

// Upper bounds shared by request validation and the stores. MaxStockUnits
// fits the INTEGER stock column.
const (
	MaxLineQuantity = 1_000_000
	MaxStockUnits   = 1_000_000_000
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)
