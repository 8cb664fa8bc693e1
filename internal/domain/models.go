package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Unit string

const (
	UnitPiece   Unit = "piece"
	UnitWeighed Unit = "weighed"
)

type Product struct {
	ID        string          `json:"id"`
	Barcode   string          `json:"barcode,omitempty"`
	Name      string          `json:"name"`
	AltName   string          `json:"alt_name,omitempty"`
	SKU       string          `json:"sku,omitempty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
	StockQty  decimal.Decimal `json:"stock_qty"`
	VATRate   decimal.Decimal `json:"vat_rate"`
	Unit      Unit            `json:"unit"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (p Product) Weighed() bool {
	return p.Unit == UnitWeighed
}

type CartLine struct {
	Product         Product         `json:"product"`
	Quantity        decimal.Decimal `json:"quantity"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
}

type LineTotals struct {
	ProductID string          `json:"product_id"`
	Gross     decimal.Decimal `json:"gross"`
	Discount  decimal.Decimal `json:"discount"`
	Net       decimal.Decimal `json:"net"`
	BelowCost bool            `json:"below_cost"`
}

// CartTotals is recomputed on every cart mutation and never stored on its own.
type CartTotals struct {
	Lines               []LineTotals    `json:"lines"`
	Subtotal            decimal.Decimal `json:"subtotal"`
	CartDiscountPercent decimal.Decimal `json:"cart_discount_percent"`
	CartDiscount        decimal.Decimal `json:"cart_discount"`
	Taxable             decimal.Decimal `json:"taxable"`
	TaxRate             decimal.Decimal `json:"tax_rate"`
	Tax                 decimal.Decimal `json:"tax"`
	Total               decimal.Decimal `json:"total"`
	BelowCost           bool            `json:"below_cost"`
}

type PaymentMethod string

const (
	PaymentCash    PaymentMethod = "cash"
	PaymentCard    PaymentMethod = "card"
	PaymentDigital PaymentMethod = "digital"
	PaymentCredit  PaymentMethod = "credit"
)

func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	method := PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
	if !method.Valid() {
		return "", fmt.Errorf("unsupported payment method %q", raw)
	}
	return method, nil
}

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentDigital, PaymentCredit:
		return true
	default:
		return false
	}
}

type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
)

type SaleLine struct {
	ProductID       string          `json:"product_id"`
	Name            string          `json:"name"`
	Unit            Unit            `json:"unit"`
	Quantity        decimal.Decimal `json:"quantity"`
	UnitPrice       decimal.Decimal `json:"unit_price"`
	DiscountPercent decimal.Decimal `json:"discount_percent"`
	LineTotal       decimal.Decimal `json:"line_total"`
}

// Sale is immutable once created except for SyncStatus.
type Sale struct {
	ID                  string          `json:"id"`
	TerminalID          string          `json:"terminal_id"`
	Lines               []SaleLine      `json:"lines"`
	Subtotal            decimal.Decimal `json:"subtotal"`
	CartDiscountPercent decimal.Decimal `json:"cart_discount_percent"`
	Discount            decimal.Decimal `json:"discount"`
	TaxRate             decimal.Decimal `json:"tax_rate"`
	Tax                 decimal.Decimal `json:"tax"`
	Total               decimal.Decimal `json:"total"`
	PaymentMethod       PaymentMethod   `json:"payment_method"`
	CustomerID          string          `json:"customer_id,omitempty"`
	Operator            string          `json:"operator"`
	OverrideBy          string          `json:"override_by,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	SyncStatus          SyncStatus      `json:"sync_status"`
}

type EntryType string

const (
	EntryCredit  EntryType = "credit"
	EntryPayment EntryType = "payment"
)

const ManualPaymentReference = "manual"

type LedgerEntry struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customer_id"`
	Amount     decimal.Decimal `json:"amount"`
	Type       EntryType       `json:"type"`
	Reference  string          `json:"reference"`
	TerminalID string          `json:"terminal_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Validate enforces the sign rule: credit entries add debt, payment entries remove it.
func (e LedgerEntry) Validate() error {
	if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.CustomerID) == "" {
		return fmt.Errorf("ledger entry requires id and customer")
	}
	if strings.TrimSpace(e.Reference) == "" {
		return fmt.Errorf("ledger entry requires a reference")
	}
	switch e.Type {
	case EntryCredit:
		if !e.Amount.IsPositive() {
			return fmt.Errorf("credit entry amount must be positive, got %s", e.Amount)
		}
	case EntryPayment:
		if !e.Amount.IsNegative() {
			return fmt.Errorf("payment entry amount must be negative, got %s", e.Amount)
		}
	default:
		return fmt.Errorf("unknown ledger entry type %q", e.Type)
	}
	return nil
}

type Customer struct {
	ID        string          `json:"id"`
	Phone     string          `json:"phone"`
	Name      string          `json:"name"`
	WalkIn    bool            `json:"walk_in"`
	Balance   decimal.Decimal `json:"balance"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type CustomerLedger struct {
	Customer Customer        `json:"customer"`
	Balance  decimal.Decimal `json:"balance"`
	Entries  []LedgerEntry   `json:"entries"`
}

type RecordKind string

const (
	RecordSale        RecordKind = "sale"
	RecordLedgerEntry RecordKind = "ledger_entry"
)

// QueueRecord wraps exactly one Sale or LedgerEntry awaiting delivery.
type QueueRecord struct {
	ID            string       `json:"id"`
	Kind          RecordKind   `json:"kind"`
	Sale          *Sale        `json:"sale,omitempty"`
	LedgerEntry   *LedgerEntry `json:"ledger_entry,omitempty"`
	Attempts      int          `json:"attempts"`
	LastAttemptAt *time.Time   `json:"last_attempt_at,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
	EnqueuedAt    time.Time    `json:"enqueued_at"`
	SyncedAt      *time.Time   `json:"synced_at,omitempty"`
}

func NewSaleRecord(sale Sale, at time.Time) QueueRecord {
	return QueueRecord{ID: sale.ID, Kind: RecordSale, Sale: &sale, EnqueuedAt: at}
}

func NewLedgerRecord(entry LedgerEntry, at time.Time) QueueRecord {
	return QueueRecord{ID: entry.ID, Kind: RecordLedgerEntry, LedgerEntry: &entry, EnqueuedAt: at}
}

func (r QueueRecord) Validate() error {
	switch r.Kind {
	case RecordSale:
		if r.Sale == nil || r.Sale.ID != r.ID || r.LedgerEntry != nil {
			return fmt.Errorf("sale record %q is malformed", r.ID)
		}
		if len(r.Sale.Lines) == 0 {
			return fmt.Errorf("sale record %q has no lines", r.ID)
		}
	case RecordLedgerEntry:
		if r.LedgerEntry == nil || r.LedgerEntry.ID != r.ID || r.Sale != nil {
			return fmt.Errorf("ledger record %q is malformed", r.ID)
		}
		return r.LedgerEntry.Validate()
	default:
		return fmt.Errorf("unknown record kind %q", r.Kind)
	}
	return nil
}

func (r QueueRecord) Synced() bool {
	return r.SyncedAt != nil
}

type Ack struct {
	ID         string    `json:"id"`
	Duplicate  bool      `json:"duplicate"`
	ReceivedAt time.Time `json:"received_at"`
}

const (
	RoleCashier  = "cashier"
	RoleManager  = "manager"
	RoleOwner    = "owner"
	RoleTerminal = "terminal"
	RoleAdmin    = "admin"
)

type Actor struct {
	Username string `json:"username"`
	Role     string `json:"role"`
}

// Elevated reports whether the actor may sell below cost without an override.
func (a Actor) Elevated() bool {
	return a.Role == RoleManager || a.Role == RoleOwner
}

type StaffMember struct {
	Username string `json:"username"`
	Role     string `json:"role"`
	PINHash  string `json:"-"`
	Active   bool   `json:"active"`
}

func (s StaffMember) Actor() Actor {
	return Actor{Username: s.Username, Role: s.Role}
}

type UserAccount struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type AuditLog struct {
	ID            string    `json:"id"`
	TerminalID    string    `json:"terminal_id"`
	ActorUsername string    `json:"actor_username"`
	ActorRole     string    `json:"actor_role"`
	Action        string    `json:"action"`
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Detail        string    `json:"detail"`
	CreatedAt     time.Time `json:"created_at"`
}

type SyncStats struct {
	Running             bool      `json:"running"`
	Cycles              int64     `json:"cycles"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastCycleAt         time.Time `json:"last_cycle_at"`
	LastDelivered       int       `json:"last_delivered"`
	LastFailed          int       `json:"last_failed"`
	LastError           string    `json:"last_error,omitempty"`
	Pending             int       `json:"pending"`
}
