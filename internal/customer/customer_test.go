package customer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"khatpos/internal/cache"
	"khatpos/internal/domain"
	"khatpos/internal/ledger"
	"khatpos/internal/money"
	"khatpos/internal/remote"
	"khatpos/internal/service"
	"khatpos/internal/store"
	"khatpos/internal/store/memory"
)

type stubAuthority struct {
	customers   map[string]domain.Customer
	err         error
	ledgerErr   error
	calls       int
	ledgerCalls int
}

func (s *stubAuthority) SubmitSale(context.Context, domain.Sale) (domain.Ack, error) {
	return domain.Ack{}, nil
}

func (s *stubAuthority) SubmitLedgerEntry(context.Context, domain.LedgerEntry) (domain.Ack, error) {
	return domain.Ack{}, nil
}

func (s *stubAuthority) FetchCustomer(_ context.Context, key string) (domain.Customer, error) {
	s.calls++
	if s.err != nil {
		return domain.Customer{}, s.err
	}
	c, ok := s.customers[key]
	if !ok {
		return domain.Customer{}, store.ErrNotFound
	}
	return c, nil
}

func (s *stubAuthority) FetchLedger(context.Context, string) ([]domain.LedgerEntry, error) {
	s.ledgerCalls++
	if s.ledgerErr != nil {
		return nil, s.ledgerErr
	}
	return nil, nil
}

func (s *stubAuthority) FetchProducts(context.Context) ([]domain.Product, error) {
	return nil, nil
}

func TestResolvePrefersLocalCopy(t *testing.T) {
	local := memory.NewSeededLocal()
	authority := &stubAuthority{}
	r := NewResolver(local, authority, nil, nil)

	c, err := r.Resolve(context.Background(), "96891234567")
	require.NoError(t, err)
	assert.Equal(t, "cus-0001", c.ID)
	assert.Zero(t, authority.calls)
}

func TestResolveFetchesAndCachesRemoteCustomer(t *testing.T) {
	local := memory.NewLocal()
	authority := &stubAuthority{customers: map[string]domain.Customer{
		"96895551234": {ID: "cus-0042", Phone: "96895551234", Name: "Aisha", Balance: money.MustParse("12.500")},
	}}
	r := NewResolver(local, authority, nil, nil)
	ctx := context.Background()

	c, err := r.Resolve(ctx, "96895551234")
	require.NoError(t, err)
	assert.Equal(t, "cus-0042", c.ID)
	assert.True(t, c.Balance.IsZero())

	_, err = r.Resolve(ctx, "cus-0042")
	require.NoError(t, err)
	assert.Equal(t, 1, authority.calls)
}

func TestResolveOfflineMissIsNotFound(t *testing.T) {
	r := NewResolver(memory.NewLocal(), &stubAuthority{err: errors.New("dial tcp: i/o timeout")}, nil, nil)

	_, err := r.Resolve(context.Background(), "96895551234")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = NewResolver(memory.NewLocal(), nil, nil, nil).Resolve(context.Background(), "96895551234")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestResolveAccountRefusesWalkIn(t *testing.T) {
	r := NewResolver(memory.NewSeededLocal(), nil, nil, nil)

	_, err := r.ResolveAccount(context.Background(), "walk-in")
	assert.ErrorIs(t, err, ErrWalkIn)

	c, err := r.ResolveAccount(context.Background(), "cus-0002")
	require.NoError(t, err)
	assert.Equal(t, "Maryam Al Balushi", c.Name)
}

func creditEntry(id string, amount string, terminalID string) domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:         id,
		CustomerID: "96891234567",
		Amount:     money.MustParse(amount),
		Type:       domain.EntryCredit,
		Reference:  "sale-" + id,
		TerminalID: terminalID,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestResolvedBalanceIncludesEntriesFromOtherTerminals(t *testing.T) {
	ctx := context.Background()
	authority := remote.NewDirect(service.New(memory.NewSeeded(), service.Options{}), "terminal-02")
	_, err := authority.SubmitLedgerEntry(ctx, creditEntry("led-elsewhere", "5.000", "terminal-02"))
	require.NoError(t, err)

	local := memory.NewLocal()
	l := ledger.New(local, ledger.Options{TerminalID: "terminal-01", Cache: cache.NewMemoryBalanceCache(), CacheTTL: time.Minute})
	r := NewResolver(local, authority, l, nil)

	c, err := r.ResolveAccount(ctx, "96891234567")
	require.NoError(t, err)

	balance, err := l.Append(ctx, c.Phone, money.MustParse("18.375"), domain.EntryCredit, "sale-here")
	require.NoError(t, err)
	assert.Equal(t, "23.375", money.Format(balance))

	// Deliver the local entry, then resolve again: the authority now returns
	// both entries and neither may be counted twice.
	pending, err := local.PeekPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	_, err = authority.SubmitLedgerEntry(ctx, *pending[0].LedgerEntry)
	require.NoError(t, err)

	_, err = r.ResolveAccount(ctx, "cus-0001")
	require.NoError(t, err)
	balance, err = l.BalanceOf(ctx, c.Phone)
	require.NoError(t, err)
	assert.Equal(t, "23.375", money.Format(balance))

	history, err := l.HistoryOf(ctx, c.Phone)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestLedgerRefreshFailureKeepsLocalEntries(t *testing.T) {
	ctx := context.Background()
	local := memory.NewSeededLocal()
	l := ledger.New(local, ledger.Options{TerminalID: "terminal-01"})
	_, err := l.Append(ctx, "96891234567", money.MustParse("2.000"), domain.EntryCredit, "sale-1")
	require.NoError(t, err)

	authority := &stubAuthority{ledgerErr: errors.New("dial tcp: connection refused")}
	r := NewResolver(local, authority, l, nil)

	c, err := r.ResolveAccount(ctx, "96891234567")
	require.NoError(t, err)
	assert.Equal(t, 1, authority.ledgerCalls)

	balance, err := l.BalanceOf(ctx, c.Phone)
	require.NoError(t, err)
	assert.Equal(t, "2.000", money.Format(balance))

	_, err = r.Resolve(ctx, "walk-in")
	require.NoError(t, err)
	assert.Equal(t, 1, authority.ledgerCalls)
}
