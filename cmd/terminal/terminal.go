package main

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"khatpos/internal/barcode"
	"khatpos/internal/cache"
	"khatpos/internal/cart"
	"khatpos/internal/checkout"
	"khatpos/internal/config"
	"khatpos/internal/customer"
	"khatpos/internal/domain"
	"khatpos/internal/ledger"
	"khatpos/internal/remote"
	"khatpos/internal/service"
	"khatpos/internal/store"
	"khatpos/internal/store/memory"
	pgstore "khatpos/internal/store/postgres"
	"khatpos/internal/store/sqlite"
	"khatpos/internal/syncer"
)

// terminal holds everything one command needs. Commands open it, use the parts
// they need and close it on return.
type terminal struct {
	cfg       config.Terminal
	log       *logrus.Logger
	local     *sqlite.Store
	authority remote.Authority
	customers *customer.Resolver
	ledger    *ledger.Ledger

	closers []func() error
}

func openTerminal(ctx context.Context) (*terminal, error) {
	cfg, err := config.LoadTerminal()
	if err != nil {
		return nil, err
	}
	logger := config.Logger(cfg.LogLevel)

	local, err := sqlite.Open(ctx, cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	t := &terminal{cfg: cfg, log: logger, local: local, closers: []func() error{local.Close}}

	authority, err := t.connectAuthority(ctx)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	t.authority = authority
	t.ledger = ledger.New(local, ledger.Options{
		TerminalID: cfg.TerminalID,
		Cache:      cache.NewMemoryBalanceCache(),
		CacheTTL:   cfg.BalanceTTL,
		Logger:     logger,
	})
	t.customers = customer.NewResolver(local, authority, t.ledger, logger)
	return t, nil
}

func (t *terminal) connectAuthority(ctx context.Context) (remote.Authority, error) {
	switch t.cfg.Target() {
	case remote.TargetHTTP:
		return remote.NewClient(t.cfg.AuthorityURL, t.cfg.AuthorityUsername, t.cfg.AuthorityPassword, remote.ClientOptions{
			Timeout: t.cfg.AuthorityTimeout,
			Logger:  t.log,
		})
	case remote.TargetDirect:
		var repo store.Authority
		if t.cfg.DatabaseURL != "" {
			pg, err := pgstore.New(ctx, t.cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("open authority database: %w", err)
			}
			t.closers = append(t.closers, pg.Close)
			repo = pg
		} else {
			t.log.Warn("direct authority without DATABASE_URL keeps synced records in memory only")
			repo = memory.NewSeeded()
		}
		svc := service.New(repo, service.Options{Balances: cache.NewMemoryBalanceCache(), Logger: t.log})
		return remote.NewDirect(svc, t.cfg.TerminalID), nil
	default:
		return nil, fmt.Errorf("unsupported authority kind %q", t.cfg.AuthorityKind)
	}
}

func (t *terminal) Close() error {
	var first error
	for i := len(t.closers) - 1; i >= 0; i-- {
		if err := t.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (t *terminal) engine() *syncer.Engine {
	return syncer.New(t.local, t.authority, syncer.Options{
		Interval: t.cfg.SyncInterval,
		Logger:   t.log,
	})
}

func (t *terminal) decoder() *barcode.Decoder {
	return barcode.NewDecoder(t.local, barcode.Options{
		Format:         t.cfg.WeightFormat(),
		FuzzyThreshold: t.cfg.FuzzyThreshold,
		Logger:         t.log,
	})
}

// operator resolves the configured operator against the staff directory.
// Unknown names sign in as cashiers.
func (t *terminal) operator(ctx context.Context) (domain.Actor, error) {
	staff, err := t.local.ListStaff(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	for _, member := range staff {
		if member.Username == t.cfg.Operator && member.Active {
			return member.Actor(), nil
		}
	}
	return domain.Actor{Username: t.cfg.Operator, Role: domain.RoleCashier}, nil
}

func (t *terminal) machine(ctx context.Context) (*checkout.Machine, error) {
	operator, err := t.operator(ctx)
	if err != nil {
		return nil, err
	}
	return checkout.New(cart.New(), t.local, t.ledger, checkout.NewStaffPINAuthorizer(t.local, t.cfg.PINAttempts), operator, checkout.Config{
		TerminalID: t.cfg.TerminalID,
		TaxRate:    t.cfg.TaxRate,
		Logger:     t.log,
	}), nil
}

// refreshCatalog replaces the product mirror with the authority's catalog.
func (t *terminal) refreshCatalog(ctx context.Context) (int, error) {
	products, err := t.authority.FetchProducts(ctx)
	if err != nil {
		return 0, err
	}
	if err := t.local.ReplaceProducts(ctx, products); err != nil {
		return 0, err
	}
	return len(products), nil
}
