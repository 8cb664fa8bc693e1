// Package console is the line-oriented operator front end of a terminal. It is
// the only goroutine that touches the cart, the checkout machine and the ledger.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"khatpos/internal/barcode"
	"khatpos/internal/cart"
	"khatpos/internal/checkout"
	"khatpos/internal/domain"
	"khatpos/internal/ledger"
	"khatpos/internal/money"
	"khatpos/internal/store"
)

var errQuit = errors.New("quit")

type Customers interface {
	Resolve(ctx context.Context, phoneOrID string) (*domain.Customer, error)
	ResolveAccount(ctx context.Context, phoneOrID string) (*domain.Customer, error)
}

type PendingCounter interface {
	PendingCount(ctx context.Context) (int, error)
}

// Sync is the optional background engine. The console only reads its stats.
type Sync interface {
	Stats() domain.SyncStats
}

type Options struct {
	Decoder   *barcode.Decoder
	Machine   *checkout.Machine
	Ledger    *ledger.Ledger
	Customers Customers
	Queue     PendingCounter
	Sync      Sync
	Logger    logrus.FieldLogger
}

type Console struct {
	decoder   *barcode.Decoder
	machine   *checkout.Machine
	ledger    *ledger.Ledger
	customers Customers
	queue     PendingCounter
	sync      Sync
	log       logrus.FieldLogger

	out io.Writer
}

func New(out io.Writer, opts Options) *Console {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Console{
		decoder:   opts.Decoder,
		machine:   opts.Machine,
		ledger:    opts.Ledger,
		customers: opts.Customers,
		queue:     opts.Queue,
		sync:      opts.Sync,
		log:       opts.Logger.WithField("component", "console"),
		out:       out,
	}
}

// Run reads commands until quit, end of input or ctx is done. Command errors are
// printed and never end the session.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	c.printf("terminal ready, operator %s. type help for commands\n", c.machine.Operator().Username)
	for {
		c.prompt()
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return err
				default:
					return nil
				}
			}
			if err := c.Execute(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				c.printf("! %s\n", describe(err))
			}
		}
	}
}

// Execute runs one command line. Input that is not a command is treated as a scan.
func (c *Console) Execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	if c.machine.State() == checkout.StateAwaitingOverride {
		switch cmd {
		case "pin", "cancel", "help", "pending", "quit", "exit":
		default:
			return fmt.Errorf("enter a manager PIN with pin <PIN> or type cancel")
		}
	}

	switch cmd {
	case "help", "?":
		c.help()
		return nil
	case "quit", "exit":
		return errQuit
	case "scan":
		if len(args) == 0 {
			return fmt.Errorf("usage: scan <barcode|name>")
		}
		return c.scan(ctx, strings.Join(args, " "))
	case "qty":
		return c.editLine(args, "qty <line> <quantity>", func(index int, value decimal.Decimal) error {
			return c.machine.Cart().SetQuantity(index, value)
		})
	case "disc":
		return c.editLine(args, "disc <line> <percent>", func(index int, value decimal.Decimal) error {
			return c.machine.Cart().SetLineDiscount(index, value)
		})
	case "cartdisc":
		return c.cartDiscount(args)
	case "rm":
		return c.remove(args)
	case "clear":
		c.machine.Cart().Clear()
		c.machine.Cancel()
		c.printCart()
		return nil
	case "customer":
		return c.attachCustomer(ctx, args)
	case "pay":
		return c.pay(ctx, args)
	case "pin":
		return c.override(ctx, args)
	case "cancel":
		c.machine.Cancel()
		c.printf("payment cancelled, cart kept\n")
		return nil
	case "khat":
		return c.khat(ctx, args)
	case "settle":
		return c.settle(ctx, args)
	case "pending":
		return c.pending(ctx)
	default:
		return c.scan(ctx, strings.TrimSpace(line))
	}
}

func (c *Console) scan(ctx context.Context, input string) error {
	match, err := c.decoder.Decode(ctx, input)
	if err != nil {
		if errors.Is(err, barcode.ErrNoMatch) && match.Weight != nil {
			return fmt.Errorf("no product for weight code %s (price %s)", match.Weight.ProductCode, money.Format(match.Weight.Price))
		}
		return err
	}

	qty := decimal.NewFromInt(1)
	if match.Kind == barcode.MatchWeighted {
		qty = match.Quantity
	}
	if _, err := c.machine.Cart().Add(*match.Product, qty); err != nil {
		return err
	}
	if match.Via == "fuzzy" || match.Via == "substring" {
		c.printf("matched %q to %s\n", input, match.Product.Name)
	}
	c.printCart()
	return nil
}

func (c *Console) editLine(args []string, usage string, apply func(index int, value decimal.Decimal) error) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: %s", usage)
	}
	index, err := lineIndex(args[0])
	if err != nil {
		return err
	}
	value, err := money.Parse(args[1])
	if err != nil {
		return err
	}
	if err := apply(index, value); err != nil {
		return err
	}
	c.printCart()
	return nil
}

func (c *Console) cartDiscount(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: cartdisc <percent>")
	}
	pct, err := money.Parse(args[0])
	if err != nil {
		return err
	}
	if err := c.machine.Cart().SetCartDiscount(pct); err != nil {
		return err
	}
	c.printCart()
	return nil
}

func (c *Console) remove(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: rm <line>")
	}
	index, err := lineIndex(args[0])
	if err != nil {
		return err
	}
	if err := c.machine.Cart().Remove(index); err != nil {
		return err
	}
	c.printCart()
	return nil
}

func (c *Console) attachCustomer(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: customer <phone|id|->")
	}
	if args[0] == "-" {
		if err := c.machine.AttachCustomer(nil); err != nil {
			return err
		}
		c.printf("customer cleared\n")
		return nil
	}

	customer, err := c.customers.Resolve(ctx, args[0])
	if err != nil {
		return err
	}
	if err := c.machine.AttachCustomer(customer); err != nil {
		return err
	}
	c.printf("customer: %s %s\n", customer.Name, customer.Phone)
	return nil
}

func (c *Console) pay(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: pay <cash|card|digital|credit>")
	}
	method, err := domain.ParsePaymentMethod(args[0])
	if err != nil {
		return err
	}
	if err := c.machine.SelectMethod(method, nil); err != nil {
		return err
	}

	receipt, err := c.machine.Finalize(ctx)
	if errors.Is(err, checkout.ErrOverrideRequired) {
		c.printf("below-cost lines need a manager override: pin <PIN> or cancel\n")
		return nil
	}
	if err != nil {
		return err
	}
	return c.complete(ctx, receipt)
}

func (c *Console) override(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: pin <PIN>")
	}
	receipt, err := c.machine.SubmitOverride(ctx, args[0])
	if err != nil {
		return err
	}
	return c.complete(ctx, receipt)
}

func (c *Console) complete(ctx context.Context, receipt checkout.Receipt) error {
	sale := receipt.Sale
	c.printf("sale %s recorded: %s %s\n", sale.ID, money.Format(sale.Total), sale.PaymentMethod)
	if sale.OverrideBy != "" {
		c.printf("override by %s\n", sale.OverrideBy)
	}
	if receipt.Balance != nil {
		c.printf("khat balance for %s: %s\n", sale.CustomerID, money.Format(*receipt.Balance))
	}
	return c.pending(ctx)
}

func (c *Console) khat(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: khat <phone|id>")
	}
	customer, err := c.customers.ResolveAccount(ctx, args[0])
	if err != nil {
		return err
	}
	balance, err := c.ledger.BalanceOf(ctx, customer.Phone)
	if err != nil {
		return err
	}
	history, err := c.ledger.HistoryOf(ctx, customer.Phone)
	if err != nil {
		return err
	}

	c.printf("%s (%s) owes %s\n", customer.Name, customer.Phone, money.Format(balance))
	for _, e := range history {
		c.printf("  %s  %-7s %10s  %s\n", e.CreatedAt.Format("2006-01-02 15:04"), e.Type, money.Format(e.Amount), e.Reference)
	}
	return nil
}

func (c *Console) settle(ctx context.Context, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: settle <phone|id> <amount>")
	}
	customer, err := c.customers.ResolveAccount(ctx, args[0])
	if err != nil {
		return err
	}
	amount, err := money.Parse(args[1])
	if err != nil {
		return err
	}
	balance, err := c.ledger.Pay(ctx, customer.Phone, amount)
	if err != nil {
		return err
	}
	c.printf("received %s from %s, balance %s\n", money.Format(amount), customer.Name, money.Format(balance))
	return nil
}

func (c *Console) pending(ctx context.Context) error {
	count, err := c.queue.PendingCount(ctx)
	if err != nil {
		return err
	}
	c.printf("queue: %d pending\n", count)
	if c.sync != nil {
		if stats := c.sync.Stats(); stats.ConsecutiveFailures > 0 {
			c.printf("sync offline for %d cycles: %s\n", stats.ConsecutiveFailures, stats.LastError)
		}
	}
	return nil
}

func (c *Console) printCart() {
	lines := c.machine.Cart().Lines()
	if len(lines) == 0 {
		c.printf("cart is empty\n")
		return
	}

	totals := c.machine.Totals()
	for i, line := range lines {
		lt := totals.Lines[i]
		c.printf("%2d. %-22s %8s x %s", i+1, line.Product.Name, money.Format(line.Quantity), money.Format(line.Product.UnitPrice))
		if line.DiscountPercent.IsPositive() {
			c.printf(" -%s%%", line.DiscountPercent.String())
		}
		c.printf("  %s", money.Format(lt.Net))
		if lt.BelowCost {
			c.printf("  [below cost]")
		}
		c.printf("\n")
	}
	c.printf("    subtotal %s", money.Format(totals.Subtotal))
	if totals.CartDiscount.IsPositive() {
		c.printf("  discount -%s (%s%%)", money.Format(totals.CartDiscount), totals.CartDiscountPercent.String())
	}
	c.printf("  tax %s  total %s\n", money.Format(totals.Tax), money.Format(totals.Total))
}

func (c *Console) help() {
	c.printf(`commands:
  <barcode|name>            scan an item (same as scan)
  qty <line> <quantity>     change a line quantity
  disc <line> <percent>     discount one line
  cartdisc <percent>        discount the whole cart
  rm <line>                 remove a line
  clear                     empty the cart
  customer <phone|id|->     attach or clear the customer
  pay <method>              cash, card, digital or credit
  pin <PIN>                 manager override for below-cost lines
  cancel                    abandon payment, keep the cart
  khat <phone|id>           show khat balance and history
  settle <phone|id> <amt>   record a khat payment
  pending                   show records waiting to sync
  quit
`)
}

func (c *Console) prompt() {
	switch c.machine.State() {
	case checkout.StateAwaitingOverride:
		c.printf("pin> ")
	default:
		c.printf("> ")
	}
}

func (c *Console) printf(format string, args ...any) {
	if _, err := fmt.Fprintf(c.out, format, args...); err != nil {
		c.log.WithError(err).Debug("console write failed")
	}
}

func lineIndex(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("line must be a number from the cart listing")
	}
	return n - 1, nil
}

// describe turns the errors an operator can act on into short messages.
func describe(err error) string {
	switch {
	case errors.Is(err, barcode.ErrNoMatch):
		return "no product matches that code"
	case errors.Is(err, cart.ErrStockInsufficient):
		return "not enough stock for that quantity"
	case errors.Is(err, cart.ErrLineNotFound):
		return "no such cart line"
	case errors.Is(err, checkout.ErrQueueWrite):
		return "sale was NOT saved, try again: " + err.Error()
	case errors.Is(err, store.ErrNotFound):
		return "customer not found"
	default:
		return err.Error()
	}
}
