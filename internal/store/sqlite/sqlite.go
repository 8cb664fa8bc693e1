// Package sqlite is the terminal's durable store: the product mirror, the staff
// directory and the outbox of sales and ledger entries awaiting delivery.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"khatpos/internal/domain"
	"khatpos/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Every commit is fsynced (synchronous=FULL) so an acknowledged enqueue survives power loss.
const pragmas = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(1)"

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

type Store struct {
	db *sqlx.DB
}

var _ store.Local = (*Store)(nil)

func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	db, err := sqlx.Open("sqlite", "file:"+path+pragmas)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// One connection serializes the checkout writer and the sync reader.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping sqlite")
	}

	if err := migrateUp(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "load migrations")
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return errors.Wrap(err, "migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return errors.Wrap(err, "migrator")
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type productRow struct {
	ID        string          `db:"id"`
	Barcode   string          `db:"barcode"`
	Name      string          `db:"name"`
	AltName   string          `db:"alt_name"`
	SKU       string          `db:"sku"`
	UnitPrice decimal.Decimal `db:"unit_price"`
	UnitCost  decimal.Decimal `db:"unit_cost"`
	StockQty  decimal.Decimal `db:"stock_qty"`
	VATRate   decimal.Decimal `db:"vat_rate"`
	Unit      string          `db:"unit"`
	UpdatedAt int64           `db:"updated_at"`
}

func (r productRow) toDomain() domain.Product {
	return domain.Product{
		ID:        r.ID,
		Barcode:   r.Barcode,
		Name:      r.Name,
		AltName:   r.AltName,
		SKU:       r.SKU,
		UnitPrice: r.UnitPrice,
		UnitCost:  r.UnitCost,
		StockQty:  r.StockQty,
		VATRate:   r.VATRate,
		Unit:      domain.Unit(r.Unit),
		UpdatedAt: time.Unix(0, r.UpdatedAt).UTC(),
	}
}

const productColumns = `id, barcode, name, alt_name, sku, unit_price, unit_cost, stock_qty, vat_rate, unit, updated_at`

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows := make([]productRow, 0, 128)
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+productColumns+` FROM products ORDER BY name, id`); err != nil {
		return nil, errors.Wrap(err, "list products")
	}

	products := make([]domain.Product, 0, len(rows))
	for _, r := range rows {
		products = append(products, r.toDomain())
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	return s.oneProduct(ctx, `SELECT `+productColumns+` FROM products WHERE id = ?`, id)
}

func (s *Store) ProductByBarcode(ctx context.Context, code string) (*domain.Product, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, store.ErrNotFound
	}
	return s.oneProduct(ctx, `SELECT `+productColumns+` FROM products WHERE barcode = ? ORDER BY id LIMIT 1`, code)
}

func (s *Store) ProductByName(ctx context.Context, name string) (*domain.Product, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, store.ErrNotFound
	}
	return s.oneProduct(ctx, `SELECT `+productColumns+` FROM products WHERE name = ? COLLATE NOCASE ORDER BY id LIMIT 1`, name)
}

func (s *Store) oneProduct(ctx context.Context, query string, arg any) (*domain.Product, error) {
	var row productRow
	if err := s.db.GetContext(ctx, &row, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "get product")
	}
	p := row.toDomain()
	return &p, nil
}

// ReplaceProducts swaps the whole mirror in one transaction.
func (s *Store) ReplaceProducts(ctx context.Context, products []domain.Product) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM products`); err != nil {
		return errors.Wrap(err, "clear products")
	}
	for _, p := range products {
		if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Name) == "" {
			return errors.Wrap(store.ErrInvalidRecord, "product without id or name")
		}
		updatedAt := p.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO products (`+productColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, p.ID, p.Barcode, p.Name, p.AltName, p.SKU, p.UnitPrice, p.UnitCost, p.StockQty, p.VATRate, string(p.Unit), updatedAt.UnixNano()); err != nil {
			return errors.Wrapf(err, "insert product %s", p.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit products")
}

// Enqueue writes all records, and the sales and ledger entries they wrap, in one
// transaction. Either every record is durable or none is.
func (s *Store) Enqueue(ctx context.Context, records ...domain.QueueRecord) error {
	if len(records) == 0 {
		return nil
	}
	for _, r := range records {
		if err := r.Validate(); err != nil {
			return errors.Wrap(store.ErrInvalidRecord, err.Error())
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin enqueue")
	}
	defer func() { _ = tx.Rollback() }()

	for _, r := range records {
		var exists int
		if err := tx.GetContext(ctx, &exists, `SELECT COUNT(*) FROM queue_records WHERE id = ?`, r.ID); err != nil {
			return errors.Wrap(err, "check queue record")
		}
		if exists > 0 {
			return errors.Wrapf(store.ErrInvalidRecord, "record %s already enqueued", r.ID)
		}

		var payload []byte
		switch r.Kind {
		case domain.RecordSale:
			sale := *r.Sale
			sale.SyncStatus = domain.SyncPending
			payload, err = json.Marshal(sale)
			if err != nil {
				return errors.Wrap(err, "encode sale")
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO sales (id, customer_id, payment_method, total, sync_status, payload, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, sale.ID, sale.CustomerID, string(sale.PaymentMethod), sale.Total, string(sale.SyncStatus), string(payload), sale.CreatedAt.UnixNano()); err != nil {
				return errors.Wrapf(err, "insert sale %s", sale.ID)
			}
		case domain.RecordLedgerEntry:
			entry := *r.LedgerEntry
			payload, err = json.Marshal(entry)
			if err != nil {
				return errors.Wrap(err, "encode ledger entry")
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO ledger_entries (id, customer_id, amount, type, reference, terminal_id, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`, entry.ID, entry.CustomerID, entry.Amount, string(entry.Type), entry.Reference, entry.TerminalID, entry.CreatedAt.UnixNano()); err != nil {
				return errors.Wrapf(err, "insert ledger entry %s", entry.ID)
			}
		}

		enqueuedAt := r.EnqueuedAt
		if enqueuedAt.IsZero() {
			enqueuedAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue_records (id, kind, payload, attempts, last_error, enqueued_at)
			VALUES (?, ?, ?, 0, '', ?)
		`, r.ID, string(r.Kind), string(payload), enqueuedAt.UnixNano()); err != nil {
			return errors.Wrapf(err, "insert queue record %s", r.ID)
		}
	}

	return errors.Wrap(tx.Commit(), "commit enqueue")
}

type queueRow struct {
	ID            string        `db:"id"`
	Kind          string        `db:"kind"`
	Payload       string        `db:"payload"`
	Attempts      int           `db:"attempts"`
	LastAttemptAt sql.NullInt64 `db:"last_attempt_at"`
	LastError     string        `db:"last_error"`
	EnqueuedAt    int64         `db:"enqueued_at"`
	SyncedAt      sql.NullInt64 `db:"synced_at"`
}

func (r queueRow) toDomain() (domain.QueueRecord, error) {
	record := domain.QueueRecord{
		ID:         r.ID,
		Kind:       domain.RecordKind(r.Kind),
		Attempts:   r.Attempts,
		LastError:  r.LastError,
		EnqueuedAt: time.Unix(0, r.EnqueuedAt).UTC(),
	}
	if r.LastAttemptAt.Valid {
		at := time.Unix(0, r.LastAttemptAt.Int64).UTC()
		record.LastAttemptAt = &at
	}
	if r.SyncedAt.Valid {
		at := time.Unix(0, r.SyncedAt.Int64).UTC()
		record.SyncedAt = &at
	}

	switch record.Kind {
	case domain.RecordSale:
		var sale domain.Sale
		if err := json.Unmarshal([]byte(r.Payload), &sale); err != nil {
			return domain.QueueRecord{}, errors.Wrapf(err, "decode sale %s", r.ID)
		}
		record.Sale = &sale
	case domain.RecordLedgerEntry:
		var entry domain.LedgerEntry
		if err := json.Unmarshal([]byte(r.Payload), &entry); err != nil {
			return domain.QueueRecord{}, errors.Wrapf(err, "decode ledger entry %s", r.ID)
		}
		record.LedgerEntry = &entry
	default:
		return domain.QueueRecord{}, errors.Errorf("queue record %s has unknown kind %q", r.ID, r.Kind)
	}
	return record, nil
}

func (s *Store) PeekPending(ctx context.Context) ([]domain.QueueRecord, error) {
	rows := make([]queueRow, 0, 32)
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, kind, payload, attempts, last_attempt_at, last_error, enqueued_at, synced_at
		FROM queue_records
		WHERE synced_at IS NULL
		ORDER BY seq
	`); err != nil {
		return nil, errors.Wrap(err, "peek pending")
	}

	records := make([]domain.QueueRecord, 0, len(rows))
	for _, row := range rows {
		record, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// MarkSynced is idempotent: a record that is already synced is left as it is.
func (s *Store) MarkSynced(ctx context.Context, id string, at time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin mark synced")
	}
	defer func() { _ = tx.Rollback() }()

	var row struct {
		Kind     string        `db:"kind"`
		SyncedAt sql.NullInt64 `db:"synced_at"`
	}
	if err := tx.GetContext(ctx, &row, `SELECT kind, synced_at FROM queue_records WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return errors.Wrap(err, "get queue record")
	}
	if row.SyncedAt.Valid {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE queue_records SET synced_at = ? WHERE id = ?`, at.UTC().UnixNano(), id); err != nil {
		return errors.Wrap(err, "mark queue record")
	}
	if domain.RecordKind(row.Kind) == domain.RecordSale {
		if _, err := tx.ExecContext(ctx, `UPDATE sales SET sync_status = ? WHERE id = ?`, string(domain.SyncSynced), id); err != nil {
			return errors.Wrap(err, "mark sale")
		}
	}
	return errors.Wrap(tx.Commit(), "commit mark synced")
}

func (s *Store) RecordAttempt(ctx context.Context, id string, at time.Time, failure string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE queue_records
		SET attempts = attempts + 1, last_attempt_at = ?, last_error = ?
		WHERE id = ?
	`, at.UTC().UnixNano(), failure, id)
	if err != nil {
		return errors.Wrap(err, "record attempt")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "record attempt")
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM queue_records WHERE synced_at IS NULL`); err != nil {
		return 0, errors.Wrap(err, "count pending")
	}
	return count, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	var row struct {
		Payload    string `db:"payload"`
		SyncStatus string `db:"sync_status"`
	}
	if err := s.db.GetContext(ctx, &row, `SELECT payload, sync_status FROM sales WHERE id = ?`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "get sale")
	}

	var sale domain.Sale
	if err := json.Unmarshal([]byte(row.Payload), &sale); err != nil {
		return nil, errors.Wrapf(err, "decode sale %s", id)
	}
	sale.SyncStatus = domain.SyncStatus(row.SyncStatus)
	return &sale, nil
}

type ledgerRow struct {
	ID         string          `db:"id"`
	CustomerID string          `db:"customer_id"`
	Amount     decimal.Decimal `db:"amount"`
	Type       string          `db:"type"`
	Reference  string          `db:"reference"`
	TerminalID string          `db:"terminal_id"`
	CreatedAt  int64           `db:"created_at"`
}

func (s *Store) ListLedgerEntries(ctx context.Context, customerID string) ([]domain.LedgerEntry, error) {
	rows := make([]ledgerRow, 0, 16)
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, customer_id, amount, type, reference, terminal_id, created_at
		FROM ledger_entries
		WHERE customer_id = ?
		ORDER BY seq
	`, customerID); err != nil {
		return nil, errors.Wrap(err, "list ledger entries")
	}

	entries := make([]domain.LedgerEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, domain.LedgerEntry{
			ID:         r.ID,
			CustomerID: r.CustomerID,
			Amount:     r.Amount,
			Type:       domain.EntryType(r.Type),
			Reference:  r.Reference,
			TerminalID: r.TerminalID,
			CreatedAt:  time.Unix(0, r.CreatedAt).UTC(),
		})
	}
	return entries, nil
}

func (s *Store) MirrorLedgerEntries(ctx context.Context, entries []domain.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.CustomerID) == "" {
			return errors.Wrap(store.ErrInvalidRecord, "mirrored ledger entry without id or customer")
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin ledger mirror")
	}
	defer func() { _ = tx.Rollback() }()

	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries (id, customer_id, amount, type, reference, terminal_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING
		`, e.ID, e.CustomerID, e.Amount, string(e.Type), e.Reference, e.TerminalID, e.CreatedAt.UnixNano()); err != nil {
			return errors.Wrapf(err, "mirror ledger entry %s", e.ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit ledger mirror")
}

func (s *Store) UpsertCustomer(ctx context.Context, customer domain.Customer) error {
	if strings.TrimSpace(customer.ID) == "" {
		return errors.Wrap(store.ErrInvalidRecord, "customer without id")
	}
	updatedAt := customer.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO customers (id, phone, name, walk_in, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			phone = excluded.phone, name = excluded.name,
			walk_in = excluded.walk_in, updated_at = excluded.updated_at
	`, customer.ID, customer.Phone, customer.Name, customer.WalkIn, updatedAt.UnixNano())
	return errors.Wrap(err, "upsert customer")
}

func (s *Store) GetCustomer(ctx context.Context, phoneOrID string) (*domain.Customer, error) {
	key := strings.TrimSpace(phoneOrID)
	if key == "" {
		return nil, store.ErrNotFound
	}

	var row struct {
		ID        string `db:"id"`
		Phone     string `db:"phone"`
		Name      string `db:"name"`
		WalkIn    bool   `db:"walk_in"`
		UpdatedAt int64  `db:"updated_at"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT id, phone, name, walk_in, updated_at
		FROM customers
		WHERE id = ? OR (phone <> '' AND phone = ?)
		ORDER BY CASE WHEN id = ? THEN 0 ELSE 1 END
		LIMIT 1
	`, key, key, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, errors.Wrap(err, "get customer")
	}
	return &domain.Customer{
		ID:        row.ID,
		Phone:     row.Phone,
		Name:      row.Name,
		WalkIn:    row.WalkIn,
		UpdatedAt: time.Unix(0, row.UpdatedAt).UTC(),
	}, nil
}

func (s *Store) UpsertStaff(ctx context.Context, staff domain.StaffMember) error {
	username := strings.ToLower(strings.TrimSpace(staff.Username))
	if username == "" || staff.PINHash == "" {
		return errors.Wrap(store.ErrInvalidRecord, "staff member needs username and pin")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO staff (username, role, pin_hash, active)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (username) DO UPDATE SET
			role = excluded.role, pin_hash = excluded.pin_hash, active = excluded.active
	`, username, staff.Role, staff.PINHash, staff.Active)
	return errors.Wrap(err, "upsert staff")
}

func (s *Store) ListStaff(ctx context.Context) ([]domain.StaffMember, error) {
	rows := make([]struct {
		Username string `db:"username"`
		Role     string `db:"role"`
		PINHash  string `db:"pin_hash"`
		Active   bool   `db:"active"`
	}, 0, 8)
	if err := s.db.SelectContext(ctx, &rows, `SELECT username, role, pin_hash, active FROM staff ORDER BY username`); err != nil {
		return nil, errors.Wrap(err, "list staff")
	}

	staff := make([]domain.StaffMember, 0, len(rows))
	for _, r := range rows {
		staff = append(staff, domain.StaffMember{
			Username: r.Username,
			Role:     r.Role,
			PINHash:  r.PINHash,
			Active:   r.Active,
		})
	}
	return staff, nil
}
