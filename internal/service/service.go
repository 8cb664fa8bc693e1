package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"khatpos/internal/cache"
	"khatpos/internal/domain"
	"khatpos/internal/ledger"
	"khatpos/internal/money"
	"khatpos/internal/pricing"
	"khatpos/internal/store"
	"khatpos/internal/xid"
)

var (
	ErrInvalidSale  = errors.New("invalid sale")
	ErrInvalidEntry = errors.New("invalid ledger entry")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	Balances   cache.BalanceCache
	BalanceTTL time.Duration
	Clock      func() time.Time
	Logger     logrus.FieldLogger
}

// Service is the remote system of record. Every submission is keyed by the
// client-generated id, so a retried delivery is acknowledged without a second write.
type Service struct {
	repo       store.Authority
	balances   cache.BalanceCache
	balanceTTL time.Duration
	now        func() time.Time
	log        logrus.FieldLogger
}

func New(repo store.Authority, opts Options) *Service {
	if opts.Balances == nil {
		opts.Balances = cache.NoopBalanceCache{}
	}
	if opts.BalanceTTL <= 0 {
		opts.BalanceTTL = 10 * time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Service{
		repo:       repo,
		balances:   opts.Balances,
		balanceTTL: opts.BalanceTTL,
		now:        opts.Clock,
		log:        opts.Logger.WithField("component", "service"),
	}
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) SubmitSale(ctx context.Context, sale domain.Sale) (domain.Ack, error) {
	if err := validateSale(sale); err != nil {
		return domain.Ack{}, err
	}

	receivedAt := s.now()
	sale.SyncStatus = domain.SyncSynced
	inserted, err := s.repo.InsertSale(ctx, sale, receivedAt)
	if err != nil {
		return domain.Ack{}, err
	}
	if !inserted {
		s.log.WithField("sale_id", sale.ID).Info("duplicate sale submission acknowledged")
		return domain.Ack{ID: sale.ID, Duplicate: true, ReceivedAt: receivedAt}, nil
	}

	s.logAudit(ctx, sale.TerminalID, "sale_submit", "sale", sale.ID,
		fmt.Sprintf("total=%s,payment=%s,lines=%d,override_by=%s", money.Format(sale.Total), sale.PaymentMethod, len(sale.Lines), sale.OverrideBy))

	return domain.Ack{ID: sale.ID, ReceivedAt: receivedAt}, nil
}

func (s *Service) SubmitLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (domain.Ack, error) {
	if err := entry.Validate(); err != nil {
		return domain.Ack{}, fmt.Errorf("%w: %w", ErrInvalidEntry, err)
	}
	if !entry.Amount.Equal(money.Round(entry.Amount)) {
		return domain.Ack{}, fmt.Errorf("%w: amount %s has more than %d decimals", ErrInvalidEntry, entry.Amount, money.Scale)
	}

	receivedAt := s.now()
	inserted, err := s.repo.InsertLedgerEntry(ctx, entry, receivedAt)
	if err != nil {
		return domain.Ack{}, err
	}
	if !inserted {
		s.log.WithField("entry_id", entry.ID).Info("duplicate ledger entry submission acknowledged")
		return domain.Ack{ID: entry.ID, Duplicate: true, ReceivedAt: receivedAt}, nil
	}

	if err := s.balances.Invalidate(ctx, entry.CustomerID); err != nil {
		s.log.WithError(err).WithField("customer_id", entry.CustomerID).Warn("balance cache invalidation failed")
	}
	s.logAudit(ctx, entry.TerminalID, "ledger_append", "ledger_entry", entry.ID,
		fmt.Sprintf("customer=%s,amount=%s,type=%s,reference=%s", entry.CustomerID, money.Format(entry.Amount), entry.Type, entry.Reference))

	return domain.Ack{ID: entry.ID, ReceivedAt: receivedAt}, nil
}

// FetchCustomer resolves a customer by phone or id and attaches the folded balance.
func (s *Service) FetchCustomer(ctx context.Context, phoneOrID string) (domain.Customer, error) {
	customer, err := s.repo.GetCustomer(ctx, phoneOrID)
	if err != nil {
		return domain.Customer{}, err
	}

	balance, err := s.balanceOf(ctx, ledgerKey(*customer))
	if err != nil {
		return domain.Customer{}, err
	}
	customer.Balance = balance
	return *customer, nil
}

func (s *Service) CustomerLedger(ctx context.Context, phoneOrID string) (domain.CustomerLedger, error) {
	customer, err := s.repo.GetCustomer(ctx, phoneOrID)
	if err != nil {
		return domain.CustomerLedger{}, err
	}

	key := ledgerKey(*customer)
	entries, err := s.repo.ListLedgerEntries(ctx, key)
	if err != nil {
		return domain.CustomerLedger{}, err
	}
	balance := ledger.Fold(entries)
	if err := s.balances.Set(ctx, key, balance, s.balanceTTL); err != nil {
		s.log.WithError(err).WithField("customer_id", key).Warn("balance cache write failed")
	}

	customer.Balance = balance
	return domain.CustomerLedger{Customer: *customer, Balance: balance, Entries: entries}, nil
}

func (s *Service) UpsertCustomer(ctx context.Context, customer domain.Customer) (domain.Customer, error) {
	customer.Phone = strings.TrimSpace(customer.Phone)
	customer.Name = strings.TrimSpace(customer.Name)
	if customer.Name == "" || (customer.Phone == "" && !customer.WalkIn) {
		return domain.Customer{}, store.ErrInvalidRecord
	}
	if customer.ID == "" {
		customer.ID = xid.New("cus")
	}
	customer.UpdatedAt = s.now()
	customer.Balance = decimal.Zero

	if err := s.repo.UpsertCustomer(ctx, customer); err != nil {
		return domain.Customer{}, err
	}
	s.logAudit(ctx, "", "customer_upsert", "customer", customer.ID, "phone="+customer.Phone)
	return customer, nil
}

func (s *Service) ListAuditLogs(ctx context.Context, limit int) ([]domain.AuditLog, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListAuditLogs(ctx, limit)
}

func (s *Service) balanceOf(ctx context.Context, customerID string) (decimal.Decimal, error) {
	if balance, ok, err := s.balances.Get(ctx, customerID); err == nil && ok {
		return balance, nil
	} else if err != nil {
		s.log.WithError(err).WithField("customer_id", customerID).Warn("balance cache read failed")
	}

	entries, err := s.repo.ListLedgerEntries(ctx, customerID)
	if err != nil {
		return decimal.Zero, err
	}
	balance := ledger.Fold(entries)
	if err := s.balances.Set(ctx, customerID, balance, s.balanceTTL); err != nil {
		s.log.WithError(err).WithField("customer_id", customerID).Warn("balance cache write failed")
	}
	return balance, nil
}

func (s *Service) logAudit(ctx context.Context, terminalID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}
	if terminalID == "" {
		terminalID = actor.Username
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		TerminalID:    terminalID,
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).Warn("failed to write audit log")
	}
}

// Ledger entries are keyed by phone; walk-in records without one fall back to the id.
func ledgerKey(customer domain.Customer) string {
	if customer.Phone != "" {
		return customer.Phone
	}
	return customer.ID
}

// validateSale recomputes the totals from the line snapshots and rejects a sale
// whose stated amounts disagree.
func validateSale(sale domain.Sale) error {
	if strings.TrimSpace(sale.ID) == "" || strings.TrimSpace(sale.TerminalID) == "" {
		return fmt.Errorf("%w: id and terminal are required", ErrInvalidSale)
	}
	if len(sale.Lines) == 0 {
		return fmt.Errorf("%w: no lines", ErrInvalidSale)
	}

	switch sale.PaymentMethod {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentDigital:
	case domain.PaymentCredit:
		if strings.TrimSpace(sale.CustomerID) == "" {
			return fmt.Errorf("%w: credit sale without customer", ErrInvalidSale)
		}
	default:
		return fmt.Errorf("%w: unsupported payment method %q", ErrInvalidSale, sale.PaymentMethod)
	}

	lines := make([]domain.CartLine, 0, len(sale.Lines))
	for _, l := range sale.Lines {
		if !l.Quantity.IsPositive() || !money.ValidPercent(l.DiscountPercent) || l.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: line %s is malformed", ErrInvalidSale, l.ProductID)
		}
		lines = append(lines, domain.CartLine{
			Product:         domain.Product{ID: l.ProductID, UnitPrice: l.UnitPrice},
			Quantity:        l.Quantity,
			DiscountPercent: l.DiscountPercent,
		})
	}
	if !money.ValidPercent(sale.CartDiscountPercent) || sale.TaxRate.IsNegative() {
		return fmt.Errorf("%w: discount or tax rate out of range", ErrInvalidSale)
	}

	totals := pricing.Compute(lines, sale.CartDiscountPercent, sale.TaxRate)
	for i, l := range sale.Lines {
		if !totals.Lines[i].Net.Equal(l.LineTotal) {
			return fmt.Errorf("%w: line %s total %s, expected %s", ErrInvalidSale, l.ProductID, money.Format(l.LineTotal), money.Format(totals.Lines[i].Net))
		}
	}
	if !totals.Subtotal.Equal(sale.Subtotal) || !totals.CartDiscount.Equal(sale.Discount) ||
		!totals.Tax.Equal(sale.Tax) || !totals.Total.Equal(sale.Total) {
		return fmt.Errorf("%w: totals do not match lines (total %s, expected %s)", ErrInvalidSale, money.Format(sale.Total), money.Format(totals.Total))
	}
	return nil
}
