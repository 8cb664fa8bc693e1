// Package postgres is the authority's system of record.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"khatpos/internal/domain"
	"khatpos/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db *sql.DB
}

var _ store.Authority = (*Store)(nil)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}

	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// migrateUp leaves the migrator open: closing it would close db as well.
func migrateUp(db *sql.DB) error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errors.Wrap(err, "load migrations")
	}
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return errors.Wrap(err, "migration driver")
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
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

// SeedIfEmpty loads a starter catalog and customer list into a fresh database.
func (s *Store) SeedIfEmpty(ctx context.Context, products []domain.Product, customers []domain.Customer) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM products`).Scan(&count); err != nil {
		return false, errors.Wrap(err, "count products")
	}
	if count > 0 {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin seed")
	}
	defer func() { _ = tx.Rollback() }()

	for _, p := range products {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO products (id, barcode, name, alt_name, sku, unit_price, unit_cost, stock_qty, vat_rate, unit, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO NOTHING
		`, p.ID, p.Barcode, p.Name, p.AltName, p.SKU,
			p.UnitPrice.String(), p.UnitCost.String(), p.StockQty.String(), p.VATRate.String(),
			string(p.Unit), orNow(p.UpdatedAt)); err != nil {
			return false, errors.Wrapf(err, "seed product %s", p.ID)
		}
	}
	for _, c := range customers {
		if err := upsertCustomer(ctx, tx, c); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit seed")
	}
	return true, nil
}

func (s *Store) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, barcode, name, alt_name, sku,
		       unit_price::text, unit_cost::text, stock_qty::text, vat_rate::text,
		       unit, updated_at
		FROM products
		ORDER BY id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list products")
	}
	defer rows.Close()

	products := make([]domain.Product, 0, 128)
	for rows.Next() {
		var (
			p    domain.Product
			unit string
		)
		if err := rows.Scan(&p.ID, &p.Barcode, &p.Name, &p.AltName, &p.SKU,
			&p.UnitPrice, &p.UnitCost, &p.StockQty, &p.VATRate, &unit, &p.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scan product")
		}
		p.Unit = domain.Unit(unit)
		p.UpdatedAt = p.UpdatedAt.UTC()
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate products")
	}
	return products, nil
}

// InsertSale stores the sale and its lines once. A second delivery of the same
// id inserts nothing and reports false.
func (s *Store) InsertSale(ctx context.Context, sale domain.Sale, receivedAt time.Time) (bool, error) {
	if strings.TrimSpace(sale.ID) == "" || len(sale.Lines) == 0 {
		return false, store.ErrInvalidRecord
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, errors.Wrap(err, "begin sale tx")
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO sales (
			id, terminal_id, customer_id, payment_method,
			subtotal, cart_discount_percent, discount, tax_rate, tax, total,
			operator, override_by, created_at, received_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`, sale.ID, sale.TerminalID, sale.CustomerID, string(sale.PaymentMethod),
		sale.Subtotal.String(), sale.CartDiscountPercent.String(), sale.Discount.String(),
		sale.TaxRate.String(), sale.Tax.String(), sale.Total.String(),
		sale.Operator, sale.OverrideBy, sale.CreatedAt.UTC(), receivedAt.UTC())
	if err != nil {
		return false, errors.Wrapf(err, "insert sale %s", sale.ID)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "sale rows affected")
	}
	if affected == 0 {
		return false, nil
	}

	for i, line := range sale.Lines {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sale_lines (
				sale_id, line_no, product_id, name, unit,
				quantity, unit_price, discount_percent, line_total
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, sale.ID, i+1, line.ProductID, line.Name, string(line.Unit),
			line.Quantity.String(), line.UnitPrice.String(), line.DiscountPercent.String(), line.LineTotal.String()); err != nil {
			return false, errors.Wrapf(err, "insert sale %s line %d", sale.ID, i+1)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrapf(err, "commit sale %s", sale.ID)
	}
	return true, nil
}

func (s *Store) GetSale(ctx context.Context, id string) (*domain.Sale, error) {
	var (
		sale   domain.Sale
		method string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, terminal_id, customer_id, payment_method,
		       subtotal::text, cart_discount_percent::text, discount::text,
		       tax_rate::text, tax::text, total::text,
		       operator, override_by, created_at
		FROM sales
		WHERE id = $1
	`, id).Scan(&sale.ID, &sale.TerminalID, &sale.CustomerID, &method,
		&sale.Subtotal, &sale.CartDiscountPercent, &sale.Discount,
		&sale.TaxRate, &sale.Tax, &sale.Total,
		&sale.Operator, &sale.OverrideBy, &sale.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get sale %s", id)
	}
	sale.PaymentMethod = domain.PaymentMethod(method)
	sale.CreatedAt = sale.CreatedAt.UTC()
	sale.SyncStatus = domain.SyncSynced

	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, name, unit,
		       quantity::text, unit_price::text, discount_percent::text, line_total::text
		FROM sale_lines
		WHERE sale_id = $1
		ORDER BY line_no
	`, id)
	if err != nil {
		return nil, errors.Wrapf(err, "list sale %s lines", id)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			line domain.SaleLine
			unit string
		)
		if err := rows.Scan(&line.ProductID, &line.Name, &unit,
			&line.Quantity, &line.UnitPrice, &line.DiscountPercent, &line.LineTotal); err != nil {
			return nil, errors.Wrap(err, "scan sale line")
		}
		line.Unit = domain.Unit(unit)
		sale.Lines = append(sale.Lines, line)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate sale lines")
	}
	return &sale, nil
}

func (s *Store) CountSales(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sales`).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "count sales")
	}
	return count, nil
}

func (s *Store) InsertLedgerEntry(ctx context.Context, entry domain.LedgerEntry, receivedAt time.Time) (bool, error) {
	if err := entry.Validate(); err != nil {
		return false, fmt.Errorf("%w: %v", store.ErrInvalidRecord, err)
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, customer_id, amount, type, reference, terminal_id, created_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, entry.ID, entry.CustomerID, entry.Amount.String(), string(entry.Type),
		entry.Reference, entry.TerminalID, entry.CreatedAt.UTC(), receivedAt.UTC())
	if err != nil {
		return false, errors.Wrapf(err, "insert ledger entry %s", entry.ID)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "ledger rows affected")
	}
	return affected > 0, nil
}

// ListLedgerEntries returns a customer's entries in arrival order.
func (s *Store) ListLedgerEntries(ctx context.Context, customerID string) ([]domain.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, customer_id, amount::text, type, reference, terminal_id, created_at
		FROM ledger_entries
		WHERE customer_id = $1
		ORDER BY seq
	`, customerID)
	if err != nil {
		return nil, errors.Wrap(err, "list ledger entries")
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, 16)
	for rows.Next() {
		var (
			e         domain.LedgerEntry
			entryType string
		)
		if err := rows.Scan(&e.ID, &e.CustomerID, &e.Amount, &entryType, &e.Reference, &e.TerminalID, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan ledger entry")
		}
		e.Type = domain.EntryType(entryType)
		e.CreatedAt = e.CreatedAt.UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate ledger entries")
	}
	return entries, nil
}

func (s *Store) GetCustomer(ctx context.Context, phoneOrID string) (*domain.Customer, error) {
	key := strings.TrimSpace(phoneOrID)
	if key == "" {
		return nil, store.ErrNotFound
	}

	var c domain.Customer
	err := s.db.QueryRowContext(ctx, `
		SELECT id, phone, name, walk_in, updated_at
		FROM customers
		WHERE id = $1 OR (phone <> '' AND phone = $1)
		ORDER BY (id = $1) DESC
		LIMIT 1
	`, key).Scan(&c.ID, &c.Phone, &c.Name, &c.WalkIn, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get customer %s", key)
	}
	c.Balance = decimal.Zero
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (s *Store) UpsertCustomer(ctx context.Context, customer domain.Customer) error {
	if strings.TrimSpace(customer.ID) == "" {
		return store.ErrInvalidRecord
	}
	return upsertCustomer(ctx, s.db, customer)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertCustomer(ctx context.Context, db execer, c domain.Customer) error {
	if _, err := db.ExecContext(ctx, `
		INSERT INTO customers (id, phone, name, walk_in, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET phone = EXCLUDED.phone,
		    name = EXCLUDED.name,
		    walk_in = EXCLUDED.walk_in,
		    updated_at = EXCLUDED.updated_at
	`, c.ID, c.Phone, c.Name, c.WalkIn, orNow(c.UpdatedAt)); err != nil {
		return errors.Wrapf(err, "upsert customer %s", c.ID)
	}
	return nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (
			id, terminal_id, actor_username, actor_role, action,
			entity_type, entity_id, detail, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, entry.ID, entry.TerminalID, entry.ActorUsername, entry.ActorRole, entry.Action,
		entry.EntityType, entry.EntityID, entry.Detail, orNow(entry.CreatedAt))
	return errors.Wrap(err, "create audit log")
}

func (s *Store) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, terminal_id, actor_username, actor_role, action,
		       entity_type, entity_id, detail, created_at
		FROM audit_logs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list audit logs")
	}
	defer rows.Close()

	logs := make([]domain.AuditLog, 0, limit)
	for rows.Next() {
		var item domain.AuditLog
		if err := rows.Scan(&item.ID, &item.TerminalID, &item.ActorUsername, &item.ActorRole, &item.Action,
			&item.EntityType, &item.EntityID, &item.Detail, &item.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan audit log")
		}
		item.CreatedAt = item.CreatedAt.UTC()
		logs = append(logs, item)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate audit logs")
	}
	return logs, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrInvalidRecord
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
	`, username, user.Password, user.Role, user.Active, orNow(user.CreatedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("username already exists")
	}
	return errors.Wrapf(err, "create user %s", username)
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list users")
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 8)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan user")
		}
		u.CreatedAt = u.CreatedAt.UTC()
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate users")
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return errors.Wrapf(err, "update password for %s", username)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "password rows affected")
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

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
