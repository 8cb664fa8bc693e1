// Package checkout turns a priced cart into an immutable Sale. The machine is
// driven by one operator goroutine and is not safe for concurrent use.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"khatpos/internal/cart"
	"khatpos/internal/domain"
	"khatpos/internal/ledger"
	"khatpos/internal/xid"
)

var (
	ErrEmptyCart             = errors.New("cart is empty")
	ErrInvalidState          = errors.New("checkout is not in a state that allows this action")
	ErrCreditWithoutCustomer = errors.New("credit sale requires a registered customer")
	ErrOverrideRequired      = errors.New("below-cost lines require a manager override")
	ErrBelowCostUnauthorized = errors.New("below-cost override not authorized")
	ErrQueueWrite            = errors.New("sale could not be saved")
)

type State int

const (
	StateIdle State = iota
	StateAwaitingMethod
	StateAwaitingOverride
	StateFinalizing
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingMethod:
		return "awaiting_method"
	case StateAwaitingOverride:
		return "awaiting_override"
	case StateFinalizing:
		return "finalizing"
	case StateComplete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Queue is the durable write that makes a sale count.
type Queue interface {
	Enqueue(ctx context.Context, records ...domain.QueueRecord) error
}

type Config struct {
	TerminalID string
	TaxRate    decimal.Decimal
	Clock      func() time.Time
	Logger     logrus.FieldLogger
}

type Receipt struct {
	Sale        domain.Sale
	LedgerEntry *domain.LedgerEntry
	// Balance is the customer's balance after a credit sale.
	Balance *decimal.Decimal
}

type Machine struct {
	cart       *cart.Cart
	queue      Queue
	ledger     *ledger.Ledger
	authorizer Authorizer
	terminalID string
	taxRate    decimal.Decimal
	now        func() time.Time
	log        logrus.FieldLogger

	state    State
	operator domain.Actor
	method   domain.PaymentMethod
	customer *domain.Customer
}

func New(c *cart.Cart, queue Queue, l *ledger.Ledger, authorizer Authorizer, operator domain.Actor, cfg Config) *Machine {
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Machine{
		cart:       c,
		queue:      queue,
		ledger:     l,
		authorizer: authorizer,
		terminalID: cfg.TerminalID,
		taxRate:    cfg.TaxRate,
		now:        cfg.Clock,
		log:        cfg.Logger.WithField("component", "checkout"),
		state:      StateIdle,
		operator:   operator,
	}
}

func (m *Machine) State() State { return m.state }
func (m *Machine) Cart() *cart.Cart { return m.cart }
func (m *Machine) Operator() domain.Actor { return m.operator }
func (m *Machine) Method() domain.PaymentMethod { return m.method }
func (m *Machine) TaxRate() decimal.Decimal { return m.taxRate }
func (m *Machine) Totals() domain.CartTotals { return m.cart.Totals(m.taxRate) }
func (m *Machine) Customer() *domain.Customer { return m.customer }

// SetOperator switches the signed-in operator between sales.
func (m *Machine) SetOperator(operator domain.Actor) error {
	if m.state != StateIdle && m.state != StateComplete {
		return ErrInvalidState
	}
	m.operator = operator
	return nil
}

// AttachCustomer sets or clears (nil) the customer of the open sale.
func (m *Machine) AttachCustomer(customer *domain.Customer) error {
	if m.state == StateAwaitingOverride || m.state == StateFinalizing {
		return ErrInvalidState
	}
	if customer != nil {
		attached := *customer
		customer = &attached
	}
	m.customer = customer
	return nil
}

// NeedsOverride reports whether finalizing now would prompt for a manager PIN.
func (m *Machine) NeedsOverride() bool {
	return m.Totals().BelowCost && !m.operator.Elevated()
}

func (m *Machine) SelectMethod(method domain.PaymentMethod, customer *domain.Customer) error {
	switch m.state {
	case StateIdle, StateComplete, StateAwaitingMethod:
	default:
		return ErrInvalidState
	}
	if !method.Valid() {
		return fmt.Errorf("unsupported payment method %q", method)
	}
	if m.cart.IsEmpty() {
		return ErrEmptyCart
	}
	if customer != nil {
		if err := m.AttachCustomer(customer); err != nil {
			return err
		}
	}
	m.method = method
	m.state = StateAwaitingMethod
	return nil
}

// Finalize completes the sale, or moves to AwaitingOverride and returns
// ErrOverrideRequired when below-cost lines need a manager PIN.
func (m *Machine) Finalize(ctx context.Context) (Receipt, error) {
	if m.state != StateAwaitingMethod {
		return Receipt{}, ErrInvalidState
	}
	if err := m.precheck(); err != nil {
		return Receipt{}, err
	}
	if m.NeedsOverride() {
		m.state = StateAwaitingOverride
		return Receipt{}, ErrOverrideRequired
	}
	return m.finalize(ctx, nil)
}

// SubmitOverride verifies a manager PIN and, on success, finalizes at once.
// The grant covers this attempt only.
func (m *Machine) SubmitOverride(ctx context.Context, pin string) (Receipt, error) {
	if m.state != StateAwaitingOverride {
		return Receipt{}, ErrInvalidState
	}

	approver, err := m.authorizer.AuthorizeOverride(ctx, pin)
	if err != nil {
		m.state = StateAwaitingMethod
		m.log.WithFields(logrus.Fields{"operator": m.operator.Username}).Warn("below-cost override refused")
		if errors.Is(err, ErrBelowCostUnauthorized) {
			return Receipt{}, err
		}
		return Receipt{}, fmt.Errorf("%w: %w", ErrBelowCostUnauthorized, err)
	}

	m.log.WithFields(logrus.Fields{"operator": m.operator.Username, "approver": approver.Username}).Info("below-cost override granted")
	return m.finalize(ctx, &approver)
}

// Cancel abandons payment and returns to Idle. The cart is kept.
func (m *Machine) Cancel() {
	if m.state == StateFinalizing {
		return
	}
	m.state = StateIdle
	m.method = ""
}

func (m *Machine) precheck() error {
	if m.cart.IsEmpty() {
		m.state = StateIdle
		return ErrEmptyCart
	}
	if m.method == domain.PaymentCredit && !hasAccount(m.customer) {
		return ErrCreditWithoutCustomer
	}
	return nil
}

func (m *Machine) finalize(ctx context.Context, approver *domain.Actor) (Receipt, error) {
	if err := m.precheck(); err != nil {
		if m.state == StateAwaitingOverride {
			m.state = StateAwaitingMethod
		}
		return Receipt{}, err
	}
	m.state = StateFinalizing

	now := m.now()
	totals := m.cart.Totals(m.taxRate)
	lines := m.cart.Lines()
	sale := domain.Sale{
		ID:                  xid.New("sale"),
		TerminalID:          m.terminalID,
		Lines:               make([]domain.SaleLine, 0, len(lines)),
		Subtotal:            totals.Subtotal,
		CartDiscountPercent: totals.CartDiscountPercent,
		Discount:            totals.CartDiscount,
		TaxRate:             totals.TaxRate,
		Tax:                 totals.Tax,
		Total:               totals.Total,
		PaymentMethod:       m.method,
		Operator:            m.operator.Username,
		CreatedAt:           now,
		SyncStatus:          domain.SyncPending,
	}
	for i, line := range lines {
		sale.Lines = append(sale.Lines, domain.SaleLine{
			ProductID:       line.Product.ID,
			Name:            line.Product.Name,
			Unit:            line.Product.Unit,
			Quantity:        line.Quantity,
			UnitPrice:       line.Product.UnitPrice,
			DiscountPercent: line.DiscountPercent,
			LineTotal:       totals.Lines[i].Net,
		})
	}
	if approver != nil {
		sale.OverrideBy = approver.Username
	}
	if hasAccount(m.customer) {
		sale.CustomerID = m.customer.Phone
	}

	var entry *domain.LedgerEntry
	switch m.method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentDigital:
	case domain.PaymentCredit:
		// A fully discounted sale adds no debt; the sale is still recorded.
		if sale.Total.IsZero() {
			break
		}
		e, err := m.ledger.NewEntry(sale.CustomerID, sale.Total, domain.EntryCredit, sale.ID)
		if err != nil {
			m.state = StateAwaitingMethod
			return Receipt{}, err
		}
		entry = &e
	default:
		m.state = StateAwaitingMethod
		return Receipt{}, fmt.Errorf("unsupported payment method %q", m.method)
	}

	records := []domain.QueueRecord{domain.NewSaleRecord(sale, now)}
	if entry != nil {
		records = append(records, domain.NewLedgerRecord(*entry, now))
	}
	if err := m.queue.Enqueue(ctx, records...); err != nil {
		m.state = StateAwaitingMethod
		m.log.WithError(err).WithField("sale_id", sale.ID).Error("sale was not written to the queue")
		return Receipt{}, fmt.Errorf("%w: %w", ErrQueueWrite, err)
	}

	receipt := Receipt{Sale: sale, LedgerEntry: entry}
	if entry != nil {
		m.ledger.Invalidate(ctx, entry.CustomerID)
		balance, err := m.ledger.BalanceOf(ctx, entry.CustomerID)
		if err != nil {
			m.log.WithError(err).WithField("customer_id", entry.CustomerID).Warn("balance unavailable after credit sale")
		} else {
			receipt.Balance = &balance
		}
	}

	m.cart.Clear()
	m.method = ""
	m.customer = nil
	m.state = StateComplete
	m.log.WithFields(logrus.Fields{
		"sale_id": sale.ID,
		"method":  sale.PaymentMethod,
		"total":   sale.Total.StringFixed(3),
	}).Info("sale recorded")
	return receipt, nil
}

func hasAccount(customer *domain.Customer) bool {
	return customer != nil && !customer.WalkIn && strings.TrimSpace(customer.Phone) != ""
}
