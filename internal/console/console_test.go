package console

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"khatpos/internal/barcode"
	"khatpos/internal/cart"
	"khatpos/internal/checkout"
	"khatpos/internal/customer"
	"khatpos/internal/domain"
	"khatpos/internal/ledger"
	"khatpos/internal/money"
	"khatpos/internal/store/memory"
)

const managerPIN = "739154"

type session struct {
	console *Console
	local   *memory.Local
	out     *bytes.Buffer
}

func newSession(t *testing.T) session {
	t.Helper()

	local := memory.NewSeededLocal()
	hash, err := bcrypt.GenerateFromPassword([]byte(managerPIN), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, local.UpsertStaff(context.Background(), domain.StaffMember{
		Username: "omar", Role: domain.RoleManager, PINHash: string(hash), Active: true,
	}))

	l := ledger.New(local, ledger.Options{TerminalID: "terminal-01"})
	machine := checkout.New(cart.New(), local, l, checkout.NewStaffPINAuthorizer(local, 100),
		domain.Actor{Username: "aisha", Role: domain.RoleCashier},
		checkout.Config{TerminalID: "terminal-01", TaxRate: money.MustParse("0.05")})

	out := &bytes.Buffer{}
	c := New(out, Options{
		Decoder:   barcode.NewDecoder(local, barcode.Options{}),
		Machine:   machine,
		Ledger:    l,
		Customers: customer.NewResolver(local, nil, l, nil),
		Queue:     local,
	})
	return session{console: c, local: local, out: out}
}

func (s session) run(t *testing.T, script ...string) string {
	t.Helper()
	s.out.Reset()
	require.NoError(t, s.console.Run(context.Background(), strings.NewReader(strings.Join(script, "\n")+"\n")))
	return s.out.String()
}

func TestCashSaleScript(t *testing.T) {
	s := newSession(t)

	out := s.run(t,
		"6291003000012",
		"qty 1 2",
		"pay cash",
		"quit",
	)

	assert.Contains(t, out, "Fresh Milk 1L")
	assert.Contains(t, out, "total 1.260")
	assert.Contains(t, out, "1.260 cash")
	assert.Contains(t, out, "queue: 1 pending")

	count, err := s.local.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestWeightCodeScan(t *testing.T) {
	s := newSession(t)
	code, err := barcode.DefaultWeightFormat().Encode(barcode.WeightCode{
		Prefix: "20", ProductCode: "00001", Price: money.MustParse("0.960"),
	})
	require.NoError(t, err)

	out := s.run(t, code)
	assert.Contains(t, out, "Tomatoes")
	assert.Contains(t, out, "1.200 x 0.800")
	assert.Contains(t, out, "total 1.008")

	unknown, err := barcode.DefaultWeightFormat().Encode(barcode.WeightCode{
		Prefix: "20", ProductCode: "99999", Price: money.MustParse("1.250"),
	})
	require.NoError(t, err)
	out = s.run(t, unknown)
	assert.Contains(t, out, "no product for weight code 99999 (price 1.250)")
}

func TestBelowCostOverrideScript(t *testing.T) {
	s := newSession(t)

	out := s.run(t,
		"6295000000014",
		"pay cash",
		"qty 1 2",
		"pin 000000",
		"pay cash",
		"pin "+managerPIN,
	)

	assert.Contains(t, out, "[below cost]")
	assert.Contains(t, out, "below-cost lines need a manager override")
	assert.Contains(t, out, "enter a manager PIN")
	assert.Contains(t, out, "not authorized")
	assert.Contains(t, out, "override by omar")

	pending, err := s.local.PeekPending(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "omar", pending[0].Sale.OverrideBy)
	assert.Equal(t, "1.000", money.Format(pending[0].Sale.Lines[0].Quantity))
}

func TestCreditSaleAndSettlementScript(t *testing.T) {
	s := newSession(t)

	out := s.run(t,
		"scan arabic bread",
		"pay credit",
		"customer 96891234567",
		"pay credit",
		"khat 96891234567",
		"settle 96891234567 0.115",
		"khat walk-in",
	)

	assert.Contains(t, out, "credit sale requires a registered customer")
	assert.Contains(t, out, "customer: Khalid Al Harthy 96891234567")
	assert.Contains(t, out, "khat balance for 96891234567: 0.315")
	assert.Contains(t, out, "owes 0.315")
	assert.Contains(t, out, "balance 0.200")
	assert.Contains(t, out, customer.ErrWalkIn.Error())

	count, err := s.local.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestCartEditsAndErrors(t *testing.T) {
	s := newSession(t)

	out := s.run(t,
		"6281000000016",
		"6292000000018",
		"disc 1 10",
		"cartdisc 5",
		"rm 2",
		"rm 7",
		"qty 1 500",
		"no such thing at all",
		"clear",
		"pending",
	)

	assert.Contains(t, out, "-10%")
	assert.Contains(t, out, "discount -")
	assert.Contains(t, out, "no such cart line")
	assert.Contains(t, out, "not enough stock")
	assert.Contains(t, out, "no product matches that code")
	assert.Contains(t, out, "cart is empty")
	assert.Contains(t, out, "queue: 0 pending")
}
