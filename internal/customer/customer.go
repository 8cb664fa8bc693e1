// Package customer resolves the customer attached to a sale, preferring the local
// copy so credit checkout keeps working offline.
package customer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"khatpos/internal/domain"
	"khatpos/internal/remote"
	"khatpos/internal/store"
)

var ErrWalkIn = errors.New("walk-in customers have no khat account")

const ledgerRefreshTimeout = 3 * time.Second

type Store interface {
	GetCustomer(ctx context.Context, phoneOrID string) (*domain.Customer, error)
	UpsertCustomer(ctx context.Context, customer domain.Customer) error
}

// LedgerMirror keeps a local copy of the authority's khat entries.
type LedgerMirror interface {
	Mirror(ctx context.Context, entries []domain.LedgerEntry) error
}

type Resolver struct {
	local     Store
	authority remote.Authority
	ledger    LedgerMirror
	log       logrus.FieldLogger
}

// NewResolver takes a nil authority for terminals that run without a remote link.
// With both an authority and a mirror, every resolved account also pulls the
// authority's ledger so entries from other terminals count toward the balance.
func NewResolver(local Store, authority remote.Authority, mirror LedgerMirror, logger logrus.FieldLogger) *Resolver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Resolver{local: local, authority: authority, ledger: mirror, log: logger.WithField("component", "customer")}
}

func (r *Resolver) Resolve(ctx context.Context, phoneOrID string) (*domain.Customer, error) {
	key := strings.TrimSpace(phoneOrID)
	if key == "" {
		return nil, store.ErrNotFound
	}

	local, err := r.local.GetCustomer(ctx, key)
	if err == nil {
		r.refreshLedger(ctx, local)
		return local, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if r.authority == nil {
		return nil, store.ErrNotFound
	}

	fetched, err := r.authority.FetchCustomer(ctx, key)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.log.WithError(err).WithField("key", key).Warn("customer lookup unavailable offline")
		}
		return nil, store.ErrNotFound
	}

	// The remote balance is a projection; the local ledger folds its own entries.
	fetched.Balance = decimal.Zero
	if err := r.local.UpsertCustomer(ctx, fetched); err != nil {
		r.log.WithError(err).WithField("customer_id", fetched.ID).Warn("could not cache customer locally")
	}
	r.refreshLedger(ctx, &fetched)
	return &fetched, nil
}

// refreshLedger mirrors the authority's entries for an account. Failures leave
// the local entries as the balance source.
func (r *Resolver) refreshLedger(ctx context.Context, c *domain.Customer) {
	if r.authority == nil || r.ledger == nil || c.WalkIn || c.Phone == "" {
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, ledgerRefreshTimeout)
	defer cancel()
	entries, err := r.authority.FetchLedger(fetchCtx, c.Phone)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.log.WithError(err).WithField("customer_id", c.Phone).Warn("khat ledger refresh unavailable, using local entries")
		}
		return
	}
	if err := r.ledger.Mirror(ctx, entries); err != nil {
		r.log.WithError(err).WithField("customer_id", c.Phone).Warn("could not mirror khat ledger locally")
	}
}

// ResolveAccount is Resolve restricted to customers that can carry khat.
func (r *Resolver) ResolveAccount(ctx context.Context, phoneOrID string) (*domain.Customer, error) {
	c, err := r.Resolve(ctx, phoneOrID)
	if err != nil {
		return nil, err
	}
	if c.WalkIn || c.Phone == "" {
		return nil, ErrWalkIn
	}
	return c, nil
}
