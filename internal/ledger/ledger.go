// Package ledger implements the Khat credit ledger: an append-only log of signed
// amounts per customer whose balance is always the sum of its entries.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"khatpos/internal/cache"
	"khatpos/internal/domain"
	"khatpos/internal/money"
	"khatpos/internal/xid"
)

var (
	ErrInvalidEntry  = errors.New("invalid ledger entry")
	ErrEntryNotFound = errors.New("ledger entry not found")
)

const offsetReferencePrefix = "offset:"

type Store interface {
	Enqueue(ctx context.Context, records ...domain.QueueRecord) error
	ListLedgerEntries(ctx context.Context, customerID string) ([]domain.LedgerEntry, error)
	MirrorLedgerEntries(ctx context.Context, entries []domain.LedgerEntry) error
}

type Options struct {
	TerminalID string
	Cache      cache.BalanceCache
	CacheTTL   time.Duration
	Clock      func() time.Time
	Logger     logrus.FieldLogger
}

type Ledger struct {
	store      Store
	terminalID string
	cache      cache.BalanceCache
	cacheTTL   time.Duration
	now        func() time.Time
	log        logrus.FieldLogger
}

func New(store Store, opts Options) *Ledger {
	if opts.Cache == nil {
		opts.Cache = cache.NoopBalanceCache{}
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Ledger{
		store:      store,
		terminalID: opts.TerminalID,
		cache:      opts.Cache,
		cacheTTL:   opts.CacheTTL,
		now:        opts.Clock,
		log:        opts.Logger.WithField("component", "ledger"),
	}
}

// NewEntry builds a validated entry without persisting it.
func (l *Ledger) NewEntry(customerID string, amount decimal.Decimal, entryType domain.EntryType, reference string) (domain.LedgerEntry, error) {
	entry := domain.LedgerEntry{
		ID:         xid.New("led"),
		CustomerID: strings.TrimSpace(customerID),
		Amount:     money.Round(amount),
		Type:       entryType,
		Reference:  strings.TrimSpace(reference),
		TerminalID: l.terminalID,
		CreatedAt:  l.now(),
	}
	if !entry.Amount.Equal(amount) {
		return domain.LedgerEntry{}, fmt.Errorf("%w: amount %s has more than %d decimals", ErrInvalidEntry, amount, money.Scale)
	}
	if err := entry.Validate(); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	return entry, nil
}

// Append persists one entry together with its queue record and returns the new balance.
func (l *Ledger) Append(ctx context.Context, customerID string, amount decimal.Decimal, entryType domain.EntryType, reference string) (decimal.Decimal, error) {
	entry, err := l.NewEntry(customerID, amount, entryType, reference)
	if err != nil {
		return decimal.Zero, err
	}
	if err := l.store.Enqueue(ctx, domain.NewLedgerRecord(entry, entry.CreatedAt)); err != nil {
		return decimal.Zero, err
	}
	l.Invalidate(ctx, entry.CustomerID)
	return l.BalanceOf(ctx, entry.CustomerID)
}

// Pay records a manual settlement of paid against the customer's debt.
func (l *Ledger) Pay(ctx context.Context, customerID string, paid decimal.Decimal) (decimal.Decimal, error) {
	if !paid.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: payment must be positive", ErrInvalidEntry)
	}
	return l.Append(ctx, customerID, paid.Neg(), domain.EntryPayment, domain.ManualPaymentReference)
}

// Offset corrects an earlier entry by appending its negation.
func (l *Ledger) Offset(ctx context.Context, customerID string, entryID string) (decimal.Decimal, error) {
	entries, err := l.store.ListLedgerEntries(ctx, customerID)
	if err != nil {
		return decimal.Zero, err
	}

	var target *domain.LedgerEntry
	for i := range entries {
		if entries[i].ID == entryID {
			target = &entries[i]
		}
		if entries[i].Reference == offsetReferencePrefix+entryID {
			return decimal.Zero, fmt.Errorf("%w: entry %s already offset", ErrInvalidEntry, entryID)
		}
	}
	if target == nil {
		return decimal.Zero, ErrEntryNotFound
	}

	entryType := domain.EntryPayment
	if target.Type == domain.EntryPayment {
		entryType = domain.EntryCredit
	}
	return l.Append(ctx, customerID, target.Amount.Neg(), entryType, offsetReferencePrefix+entryID)
}

func (l *Ledger) BalanceOf(ctx context.Context, customerID string) (decimal.Decimal, error) {
	if balance, ok, err := l.cache.Get(ctx, customerID); err == nil && ok {
		return balance, nil
	} else if err != nil {
		l.log.WithError(err).Warn("balance cache read failed")
	}

	entries, err := l.store.ListLedgerEntries(ctx, customerID)
	if err != nil {
		return decimal.Zero, err
	}
	balance := Fold(entries)
	if err := l.cache.Set(ctx, customerID, balance, l.cacheTTL); err != nil {
		l.log.WithError(err).Warn("balance cache write failed")
	}
	return balance, nil
}

// HistoryOf returns the customer's entries newest first.
func (l *Ledger) HistoryOf(ctx context.Context, customerID string) ([]domain.LedgerEntry, error) {
	entries, err := l.store.ListLedgerEntries(ctx, customerID)
	if err != nil {
		return nil, err
	}
	history := slices.Clone(entries)
	slices.Reverse(history)
	return history, nil
}

// Mirror stores entries the authority holds, including those recorded by other
// terminals. Ids the terminal already has are skipped, so balances fold the union
// of local and remote entries with no double counting.
func (l *Ledger) Mirror(ctx context.Context, entries []domain.LedgerEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := l.store.MirrorLedgerEntries(ctx, entries); err != nil {
		return err
	}
	seen := make(map[string]struct{}, 1)
	for _, e := range entries {
		if _, ok := seen[e.CustomerID]; ok {
			continue
		}
		seen[e.CustomerID] = struct{}{}
		l.Invalidate(ctx, e.CustomerID)
	}
	return nil
}

// Invalidate drops the cached balance after an append made outside Append.
func (l *Ledger) Invalidate(ctx context.Context, customerID string) {
	if err := l.cache.Invalidate(ctx, customerID); err != nil {
		l.log.WithError(err).WithField("customer_id", customerID).Warn("balance cache invalidate failed")
	}
}

// Fold sums entry amounts. Addition is commutative, so arrival order never matters.
func Fold(entries []domain.LedgerEntry) decimal.Decimal {
	balance := decimal.Zero
	for _, e := range entries {
		balance = balance.Add(e.Amount)
	}
	return balance
}
