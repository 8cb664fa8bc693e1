package store

import (
	"context"
	"errors"
	"time"

	"khatpos/internal/domain"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidRecord = errors.New("invalid record")
)

// Catalog is the local product mirror used for offline lookups.
type Catalog interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	ProductByBarcode(ctx context.Context, code string) (*domain.Product, error)
	ProductByName(ctx context.Context, name string) (*domain.Product, error)
	ReplaceProducts(ctx context.Context, products []domain.Product) error
}

// Queue is the durable outbox shared by checkout (append) and sync (read and mark).
type Queue interface {
	// Enqueue persists every record and its wrapped entity in one atomic write.
	Enqueue(ctx context.Context, records ...domain.QueueRecord) error
	PeekPending(ctx context.Context) ([]domain.QueueRecord, error)
	MarkSynced(ctx context.Context, id string, at time.Time) error
	RecordAttempt(ctx context.Context, id string, at time.Time, failure string) error
	PendingCount(ctx context.Context) (int, error)
}

// Local is everything a terminal keeps on disk.
type Local interface {
	Catalog
	Queue

	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListLedgerEntries(ctx context.Context, customerID string) ([]domain.LedgerEntry, error)
	// MirrorLedgerEntries stores entries fetched from the authority. Ids already
	// present are skipped and nothing is queued for delivery.
	MirrorLedgerEntries(ctx context.Context, entries []domain.LedgerEntry) error

	UpsertCustomer(ctx context.Context, customer domain.Customer) error
	GetCustomer(ctx context.Context, phoneOrID string) (*domain.Customer, error)

	UpsertStaff(ctx context.Context, staff domain.StaffMember) error
	ListStaff(ctx context.Context) ([]domain.StaffMember, error)

	Close() error
}

// Authority is the system of record behind the remote API. Inserts report
// false when the id already exists so retried deliveries are absorbed.
type Authority interface {
	ListProducts(ctx context.Context) ([]domain.Product, error)

	InsertSale(ctx context.Context, sale domain.Sale, receivedAt time.Time) (bool, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	CountSales(ctx context.Context) (int, error)

	InsertLedgerEntry(ctx context.Context, entry domain.LedgerEntry, receivedAt time.Time) (bool, error)
	ListLedgerEntries(ctx context.Context, customerID string) ([]domain.LedgerEntry, error)

	GetCustomer(ctx context.Context, phoneOrID string) (*domain.Customer, error)
	UpsertCustomer(ctx context.Context, customer domain.Customer) error

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
