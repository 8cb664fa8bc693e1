// Package remote talks to the cloud system of record on behalf of a terminal.
package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"khatpos/internal/domain"
)

// ErrRejected marks a submission the authority refused on its merits. Retrying the
// same payload will not help; transport failures never wrap it.
var ErrRejected = errors.New("rejected by authority")

type Authority interface {
	SubmitSale(ctx context.Context, sale domain.Sale) (domain.Ack, error)
	SubmitLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (domain.Ack, error)
	FetchCustomer(ctx context.Context, phoneOrID string) (domain.Customer, error)
	// FetchLedger returns every entry the authority holds for the account.
	FetchLedger(ctx context.Context, phoneOrID string) ([]domain.LedgerEntry, error)
	FetchProducts(ctx context.Context) ([]domain.Product, error)
}

type Target string

const (
	TargetHTTP   Target = "http"
	TargetDirect Target = "direct"
)

func ParseTarget(raw string) (Target, error) {
	switch t := Target(strings.ToLower(strings.TrimSpace(raw))); t {
	case TargetHTTP, TargetDirect:
		return t, nil
	case "":
		return TargetHTTP, nil
	default:
		return "", fmt.Errorf("unknown authority target %q", raw)
	}
}
