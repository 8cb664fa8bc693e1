package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"khatpos/internal/domain"
	"khatpos/internal/money"
	"khatpos/internal/store"
	"khatpos/internal/store/memory"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(context.Background(), path)
	require.NoError(t, err)
	return s
}

func testSale(id string) domain.Sale {
	return domain.Sale{
		ID:         id,
		TerminalID: "terminal-01",
		Lines: []domain.SaleLine{{
			ProductID: "p-0008",
			Name:      "Karak Tea Bags",
			Unit:      domain.UnitPiece,
			Quantity:  money.MustParse("3"),
			UnitPrice: money.MustParse("0.450"),
			LineTotal: money.MustParse("1.350"),
		}},
		Subtotal:      money.MustParse("1.350"),
		TaxRate:       money.MustParse("0.05"),
		Tax:           money.MustParse("0.068"),
		Total:         money.MustParse("1.418"),
		PaymentMethod: domain.PaymentCredit,
		CustomerID:    "cus-0001",
		Operator:      "cashier-1",
		CreatedAt:     time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
		SyncStatus:    domain.SyncPending,
	}
}

func testEntry(id string, amount string, reference string) domain.LedgerEntry {
	entryType := domain.EntryCredit
	if money.MustParse(amount).IsNegative() {
		entryType = domain.EntryPayment
	}
	return domain.LedgerEntry{
		ID:         id,
		CustomerID: "cus-0001",
		Amount:     money.MustParse(amount),
		Type:       entryType,
		Reference:  reference,
		TerminalID: "terminal-01",
		CreatedAt:  time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC),
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "terminal.db")
	enqueuedAt := time.Date(2026, 3, 14, 9, 30, 1, 0, time.UTC)

	s := openTestStore(t, path)
	sale := testSale("sale-1")
	entry := testEntry("led-1", "1.418", "sale-1")
	require.NoError(t, s.Enqueue(ctx,
		domain.NewSaleRecord(sale, enqueuedAt),
		domain.NewLedgerRecord(entry, enqueuedAt),
	))
	require.NoError(t, s.Close())

	reopened := openTestStore(t, path)
	defer reopened.Close()

	pending, err := reopened.PeekPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "sale-1", pending[0].ID)
	assert.Equal(t, domain.RecordSale, pending[0].Kind)
	assert.Equal(t, "1.418", money.Format(pending[0].Sale.Total))
	assert.Equal(t, "0.450", money.Format(pending[0].Sale.Lines[0].UnitPrice))
	assert.True(t, enqueuedAt.Equal(pending[0].EnqueuedAt))
	assert.Equal(t, "led-1", pending[1].ID)
	assert.Equal(t, "1.418", money.Format(pending[1].LedgerEntry.Amount))

	entries, err := reopened.ListLedgerEntries(ctx, "cus-0001")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sale-1", entries[0].Reference)
}

func TestMirrorLedgerEntriesSkipsKnownIDs(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "terminal.db"))
	defer s.Close()

	own := testEntry("led-own", "18.375", "sale-1")
	require.NoError(t, s.Enqueue(ctx, domain.NewLedgerRecord(own, time.Now().UTC())))

	remote := testEntry("led-remote", "5.000", "sale-elsewhere")
	remote.TerminalID = "terminal-02"
	require.NoError(t, s.MirrorLedgerEntries(ctx, []domain.LedgerEntry{remote, own}))
	require.NoError(t, s.MirrorLedgerEntries(ctx, []domain.LedgerEntry{remote}))

	entries, err := s.ListLedgerEntries(ctx, "cus-0001")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "led-own", entries[0].ID)
	assert.Equal(t, "led-remote", entries[1].ID)
	assert.Equal(t, "terminal-02", entries[1].TerminalID)

	count, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	err = s.MirrorLedgerEntries(ctx, []domain.LedgerEntry{{CustomerID: "cus-0001"}})
	assert.ErrorIs(t, err, store.ErrInvalidRecord)
}

func TestEnqueueBatchIsAtomic(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "terminal.db"))
	defer s.Close()
	now := time.Now().UTC()

	require.NoError(t, s.Enqueue(ctx, domain.NewLedgerRecord(testEntry("led-1", "2.000", "sale-0"), now)))

	err := s.Enqueue(ctx,
		domain.NewSaleRecord(testSale("sale-2"), now),
		domain.NewLedgerRecord(testEntry("led-1", "3.000", "sale-2"), now),
	)
	require.Error(t, err)

	_, err = s.GetSale(ctx, "sale-2")
	assert.ErrorIs(t, err, store.ErrNotFound)

	count, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestEnqueueRejectsMalformedRecord(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "terminal.db"))
	defer s.Close()

	bad := domain.NewLedgerRecord(testEntry("led-1", "2.000", "sale-0"), time.Now())
	bad.LedgerEntry.Type = domain.EntryPayment

	err := s.Enqueue(ctx, bad)
	assert.ErrorIs(t, err, store.ErrInvalidRecord)
}

func TestMarkSyncedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "terminal.db"))
	defer s.Close()

	require.NoError(t, s.Enqueue(ctx, domain.NewSaleRecord(testSale("sale-1"), time.Now())))

	first := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.MarkSynced(ctx, "sale-1", first))
	require.NoError(t, s.MarkSynced(ctx, "sale-1", first.Add(time.Hour)))

	count, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	sale, err := s.GetSale(ctx, "sale-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SyncSynced, sale.SyncStatus)

	assert.ErrorIs(t, s.MarkSynced(ctx, "missing", first), store.ErrNotFound)
}

func TestRecordAttemptKeepsRecordPending(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "terminal.db"))
	defer s.Close()

	require.NoError(t, s.Enqueue(ctx, domain.NewSaleRecord(testSale("sale-1"), time.Now())))
	at := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.RecordAttempt(ctx, "sale-1", at, "connection refused"))
	require.NoError(t, s.RecordAttempt(ctx, "sale-1", at.Add(time.Minute), "connection refused"))

	pending, err := s.PeekPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Equal(t, "connection refused", pending[0].LastError)
	require.NotNil(t, pending[0].LastAttemptAt)
	assert.True(t, at.Add(time.Minute).Equal(*pending[0].LastAttemptAt))

	assert.ErrorIs(t, s.RecordAttempt(ctx, "missing", at, "x"), store.ErrNotFound)
}

func TestCatalogMirror(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "terminal.db"))
	defer s.Close()

	require.NoError(t, s.ReplaceProducts(ctx, memory.SeedProducts()))

	products, err := s.ListProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, products, len(memory.SeedProducts()))

	milk, err := s.ProductByBarcode(ctx, "6291003000012")
	require.NoError(t, err)
	assert.Equal(t, "p-0003", milk.ID)

	byName, err := s.ProductByName(ctx, "karak tea bags")
	require.NoError(t, err)
	assert.Equal(t, "p-0008", byName.ID)
	assert.Equal(t, "0.450", money.Format(byName.UnitPrice))

	tomatoes, err := s.GetProduct(ctx, "p-0001")
	require.NoError(t, err)
	assert.True(t, tomatoes.Weighed())

	_, err = s.ProductByBarcode(ctx, "0000000000000")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.ReplaceProducts(ctx, memory.SeedProducts()[:2]))
	products, err = s.ListProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, products, 2)
}

func TestCustomersAndStaff(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t, filepath.Join(t.TempDir(), "terminal.db"))
	defer s.Close()

	for _, c := range memory.SeedCustomers() {
		require.NoError(t, s.UpsertCustomer(ctx, c))
	}

	byPhone, err := s.GetCustomer(ctx, "96891234567")
	require.NoError(t, err)
	assert.Equal(t, "cus-0001", byPhone.ID)

	byID, err := s.GetCustomer(ctx, "cus-0002")
	require.NoError(t, err)
	assert.Equal(t, "96899887766", byID.Phone)

	_, err = s.GetCustomer(ctx, "96800000000")
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.UpsertStaff(ctx, domain.StaffMember{Username: "Omar", Role: domain.RoleManager, PINHash: "hash-1", Active: true}))
	require.NoError(t, s.UpsertStaff(ctx, domain.StaffMember{Username: "omar", Role: domain.RoleOwner, PINHash: "hash-2", Active: false}))

	staff, err := s.ListStaff(ctx)
	require.NoError(t, err)
	require.Len(t, staff, 1)
	assert.Equal(t, "omar", staff[0].Username)
	assert.Equal(t, domain.RoleOwner, staff[0].Role)
	assert.False(t, staff[0].Active)

	assert.ErrorIs(t, s.UpsertStaff(ctx, domain.StaffMember{Username: "x"}), store.ErrInvalidRecord)
}
