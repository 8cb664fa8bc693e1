package remote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"khatpos/internal/cache"
	"khatpos/internal/domain"
	"khatpos/internal/httpapi"
	"khatpos/internal/money"
	"khatpos/internal/service"
	"khatpos/internal/store"
	"khatpos/internal/store/memory"
)

type authorityServer struct {
	*httptest.Server
	repo     *memory.Authority
	requests atomic.Int64
}

func newAuthorityServer(t *testing.T) *authorityServer {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, service.Options{Balances: cache.NewMemoryBalanceCache()})
	auth, err := httpapi.NewAuthManager(context.Background(), "remote-test-secret-long-enough-0001", time.Hour, repo)
	require.NoError(t, err)
	handler := httpapi.New(svc, auth, "*", nil).Handler()

	srv := &authorityServer{repo: repo}
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.requests.Add(1)
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, url string, password string) *Client {
	t.Helper()
	c, err := NewClient(url, "terminal-01", password, ClientOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func teaSale(id string) domain.Sale {
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
		PaymentMethod: domain.PaymentCash,
		Operator:      "cashier-1",
		CreatedAt:     time.Now().UTC(),
	}
}

func TestClientSubmitsSaleOnce(t *testing.T) {
	srv := newAuthorityServer(t)
	c := newTestClient(t, srv.URL, "terminal123")
	ctx := context.Background()

	ack, err := c.SubmitSale(ctx, teaSale("sale-1"))
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)
	assert.Equal(t, "sale-1", ack.ID)

	ack, err = c.SubmitSale(ctx, teaSale("sale-1"))
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)

	count, err := srv.repo.CountSales(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestClientMapsRejectionAndNotFound(t *testing.T) {
	srv := newAuthorityServer(t)
	c := newTestClient(t, srv.URL, "terminal123")
	ctx := context.Background()

	sale := teaSale("sale-bad")
	sale.Total = money.MustParse("2.000")
	_, err := c.SubmitSale(ctx, sale)
	assert.ErrorIs(t, err, ErrRejected)

	_, err = c.FetchCustomer(ctx, "96800000000")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClientFetchesCustomerWithBalance(t *testing.T) {
	srv := newAuthorityServer(t)
	c := newTestClient(t, srv.URL, "terminal123")
	ctx := context.Background()

	_, err := c.SubmitLedgerEntry(ctx, domain.LedgerEntry{
		ID:         "led-1",
		CustomerID: "96891234567",
		Amount:     money.MustParse("5.000"),
		Type:       domain.EntryCredit,
		Reference:  "sale-0",
		TerminalID: "terminal-01",
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)

	customer, err := c.FetchCustomer(ctx, "96891234567")
	require.NoError(t, err)
	assert.Equal(t, "Khalid Al Harthy", customer.Name)
	assert.Equal(t, "5.000", money.Format(customer.Balance))

	products, err := c.FetchProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, products, len(memory.SeedProducts()))
}

func TestFetchLedgerReturnsAuthorityEntries(t *testing.T) {
	srv := newAuthorityServer(t)
	c := newTestClient(t, srv.URL, "terminal123")
	d := NewDirect(service.New(srv.repo, service.Options{}), "terminal-01")
	ctx := context.Background()

	_, err := c.SubmitLedgerEntry(ctx, domain.LedgerEntry{
		ID:         "led-1",
		CustomerID: "96891234567",
		Amount:     money.MustParse("5.000"),
		Type:       domain.EntryCredit,
		Reference:  "sale-0",
		TerminalID: "terminal-02",
		CreatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)

	for name, a := range map[string]Authority{"client": c, "direct": d} {
		t.Run(name, func(t *testing.T) {
			entries, err := a.FetchLedger(ctx, "cus-0001")
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, "led-1", entries[0].ID)
			assert.Equal(t, "5.000", money.Format(entries[0].Amount))

			_, err = a.FetchLedger(ctx, "96800000000")
			assert.ErrorIs(t, err, store.ErrNotFound)
		})
	}
}

func TestClientLogsInAgainAfter401(t *testing.T) {
	srv := newAuthorityServer(t)
	c := newTestClient(t, srv.URL, "terminal123")
	ctx := context.Background()

	c.mu.Lock()
	c.token = "expired-token"
	c.mu.Unlock()

	_, err := c.FetchProducts(ctx)
	require.NoError(t, err)

	// products (401), login, products again
	assert.Equal(t, int64(3), srv.requests.Load())
}

func TestClientTransportErrorIsNotRejection(t *testing.T) {
	srv := newAuthorityServer(t)
	c := newTestClient(t, srv.URL, "terminal123")
	srv.Close()

	_, err := c.SubmitSale(context.Background(), teaSale("sale-1"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRejected))
}

func TestClientBadCredentialsIsNotRejection(t *testing.T) {
	srv := newAuthorityServer(t)
	c := newTestClient(t, srv.URL, "not-the-password")

	_, err := c.SubmitSale(context.Background(), teaSale("sale-1"))
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRejected))
}

func TestDirectClassifiesRejections(t *testing.T) {
	repo := memory.NewSeeded()
	d := NewDirect(service.New(repo, service.Options{}), "terminal-01")
	ctx := context.Background()

	ack, err := d.SubmitSale(ctx, teaSale("sale-1"))
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)

	sale := teaSale("sale-2")
	sale.Lines = nil
	_, err = d.SubmitSale(ctx, sale)
	assert.ErrorIs(t, err, ErrRejected)

	logs, err := repo.ListAuditLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "terminal-01", logs[0].ActorUsername)
}

func TestParseTarget(t *testing.T) {
	for raw, want := range map[string]Target{"": TargetHTTP, "HTTP": TargetHTTP, " direct ": TargetDirect} {
		got, err := ParseTarget(raw)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseTarget("grpc")
	assert.Error(t, err)
}

func TestNewClientValidatesInput(t *testing.T) {
	_, err := NewClient("not a url", "terminal-01", "x", ClientOptions{})
	assert.Error(t, err)
	_, err = NewClient("http://localhost:8080", "", "x", ClientOptions{})
	assert.Error(t, err)
}
