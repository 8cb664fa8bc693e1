package remote

import (
	"context"
	"errors"
	"fmt"

	"khatpos/internal/domain"
	"khatpos/internal/service"
	"khatpos/internal/store"
)

// Direct adapts an in-process service to Authority for single-box deployments.
type Direct struct {
	svc   *service.Service
	actor domain.Actor
}

var _ Authority = (*Direct)(nil)

func NewDirect(svc *service.Service, terminalID string) *Direct {
	return &Direct{
		svc:   svc,
		actor: domain.Actor{Username: terminalID, Role: domain.RoleTerminal},
	}
}

func (d *Direct) SubmitSale(ctx context.Context, sale domain.Sale) (domain.Ack, error) {
	ack, err := d.svc.SubmitSale(service.WithActor(ctx, d.actor), sale)
	return ack, classify(err)
}

func (d *Direct) SubmitLedgerEntry(ctx context.Context, entry domain.LedgerEntry) (domain.Ack, error) {
	ack, err := d.svc.SubmitLedgerEntry(service.WithActor(ctx, d.actor), entry)
	return ack, classify(err)
}

func (d *Direct) FetchCustomer(ctx context.Context, phoneOrID string) (domain.Customer, error) {
	customer, err := d.svc.FetchCustomer(service.WithActor(ctx, d.actor), phoneOrID)
	return customer, classify(err)
}

func (d *Direct) FetchLedger(ctx context.Context, phoneOrID string) ([]domain.LedgerEntry, error) {
	ledger, err := d.svc.CustomerLedger(service.WithActor(ctx, d.actor), phoneOrID)
	if err != nil {
		return nil, classify(err)
	}
	return ledger.Entries, nil
}

func (d *Direct) FetchProducts(ctx context.Context) ([]domain.Product, error) {
	return d.svc.ListProducts(service.WithActor(ctx, d.actor))
}

func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, service.ErrInvalidSale), errors.Is(err, service.ErrInvalidEntry), errors.Is(err, store.ErrInvalidRecord):
		return fmt.Errorf("%w: %w", ErrRejected, err)
	default:
		return err
	}
}
