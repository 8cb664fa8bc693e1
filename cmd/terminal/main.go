package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"khatpos/internal/checkout"
	"khatpos/internal/console"
	"khatpos/internal/domain"
	"khatpos/internal/money"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		logrus.WithError(err).Error("terminal exited with error")
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "khatpos-terminal",
		Usage: "offline-first point of sale terminal",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "start the operator console with background sync",
				Action: runConsole,
			},
			{
				Name:   "sync",
				Usage:  "deliver pending records once and report",
				Action: syncOnce,
			},
			{
				Name:   "status",
				Usage:  "list records waiting to sync",
				Action: status,
			},
			{
				Name:  "catalog",
				Usage: "product mirror maintenance",
				Subcommands: []*cli.Command{
					{
						Name:   "refresh",
						Usage:  "replace the local catalog with the authority's",
						Action: refreshCatalog,
					},
				},
			},
			{
				Name:  "staff",
				Usage: "local staff directory",
				Subcommands: []*cli.Command{
					{
						Name:  "add",
						Usage: "add or update a staff member and their PIN",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "username", Required: true},
							&cli.StringFlag{Name: "role", Value: domain.RoleCashier, Usage: "cashier, manager or owner"},
							&cli.StringFlag{Name: "pin", Required: true},
						},
						Action: addStaff,
					},
				},
			},
			{
				Name:  "ledger",
				Usage: "khat accounts",
				Subcommands: []*cli.Command{
					{
						Name:      "balance",
						ArgsUsage: "<phone|id>",
						Action:    ledgerBalance,
					},
					{
						Name:      "history",
						ArgsUsage: "<phone|id>",
						Action:    ledgerHistory,
					},
					{
						Name:      "pay",
						ArgsUsage: "<phone|id> <amount>",
						Action:    ledgerPay,
					},
				},
			},
		},
	}
}

func withTerminal(c *cli.Context, fn func(t *terminal) error) error {
	t, err := openTerminal(c.Context)
	if err != nil {
		return err
	}
	defer func() {
		if err := t.Close(); err != nil {
			t.log.WithError(err).Warn("close terminal")
		}
	}()
	return fn(t)
}

func runConsole(c *cli.Context) error {
	return withTerminal(c, func(t *terminal) error {
		if products, err := t.local.ListProducts(c.Context); err == nil && len(products) == 0 {
			if n, err := t.refreshCatalog(c.Context); err != nil {
				t.log.WithError(err).Warn("catalog is empty and the authority is unreachable")
			} else {
				t.log.WithField("products", n).Info("catalog loaded")
			}
		}

		machine, err := t.machine(c.Context)
		if err != nil {
			return err
		}
		engine := t.engine()

		runCtx, cancel := context.WithCancel(c.Context)
		defer cancel()
		g, gctx := errgroup.WithContext(runCtx)

		if err := engine.Start(gctx); err != nil {
			return err
		}
		defer engine.Stop()

		con := console.New(c.App.Writer, console.Options{
			Decoder:   t.decoder(),
			Machine:   machine,
			Ledger:    t.ledger,
			Customers: t.customers,
			Queue:     t.local,
			Sync:      engine,
			Logger:    t.log,
		})

		g.Go(func() error {
			defer cancel()
			return con.Run(gctx, c.App.Reader)
		})
		g.Go(func() error {
			engine.Wait()
			return nil
		})
		if err := g.Wait(); err != nil {
			return err
		}

		pending, err := t.local.PendingCount(context.WithoutCancel(c.Context))
		if err == nil && pending > 0 {
			fmt.Fprintf(c.App.Writer, "%d records still waiting to sync\n", pending)
		}
		return nil
	})
}

func syncOnce(c *cli.Context) error {
	return withTerminal(c, func(t *terminal) error {
		engine := t.engine()
		if err := engine.RunOnce(c.Context); err != nil {
			t.log.WithError(err).Warn("sync cycle incomplete")
		}
		stats := engine.Stats()
		fmt.Fprintf(c.App.Writer, "delivered %d, failed %d, pending %d\n", stats.LastDelivered, stats.LastFailed, stats.Pending)
		if stats.LastError != "" {
			fmt.Fprintf(c.App.Writer, "last error: %s\n", stats.LastError)
		}
		return nil
	})
}

func status(c *cli.Context) error {
	return withTerminal(c, func(t *terminal) error {
		pending, err := t.local.PeekPending(c.Context)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%d pending\n", len(pending))
		for _, r := range pending {
			fmt.Fprintf(c.App.Writer, "  %s  %-12s attempts=%d", r.ID, r.Kind, r.Attempts)
			if r.LastError != "" {
				fmt.Fprintf(c.App.Writer, "  last_error=%q", r.LastError)
			}
			fmt.Fprintln(c.App.Writer)
		}
		return nil
	})
}

func refreshCatalog(c *cli.Context) error {
	return withTerminal(c, func(t *terminal) error {
		n, err := t.refreshCatalog(c.Context)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "catalog refreshed: %d products\n", n)
		return nil
	})
}

func addStaff(c *cli.Context) error {
	role := c.String("role")
	switch role {
	case domain.RoleCashier, domain.RoleManager, domain.RoleOwner:
	default:
		return fmt.Errorf("role must be cashier, manager or owner")
	}
	hash, err := checkout.HashPIN(c.String("pin"))
	if err != nil {
		return err
	}

	return withTerminal(c, func(t *terminal) error {
		member := domain.StaffMember{Username: c.String("username"), Role: role, PINHash: hash, Active: true}
		if err := t.local.UpsertStaff(c.Context, member); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "staff %s saved as %s\n", member.Username, role)
		return nil
	})
}

func ledgerBalance(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("usage: ledger balance <phone|id>")
	}
	return withTerminal(c, func(t *terminal) error {
		account, err := t.customers.ResolveAccount(c.Context, c.Args().First())
		if err != nil {
			return err
		}
		balance, err := t.ledger.BalanceOf(c.Context, account.Phone)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "%s (%s) owes %s\n", account.Name, account.Phone, money.Format(balance))
		return nil
	})
}

func ledgerHistory(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("usage: ledger history <phone|id>")
	}
	return withTerminal(c, func(t *terminal) error {
		account, err := t.customers.ResolveAccount(c.Context, c.Args().First())
		if err != nil {
			return err
		}
		history, err := t.ledger.HistoryOf(c.Context, account.Phone)
		if err != nil {
			return err
		}
		for _, e := range history {
			fmt.Fprintf(c.App.Writer, "%s  %-7s %10s  %s\n", e.CreatedAt.Format("2006-01-02 15:04"), e.Type, money.Format(e.Amount), e.Reference)
		}
		return nil
	})
}

func ledgerPay(c *cli.Context) error {
	if c.NArg() != 2 {
		return errors.New("usage: ledger pay <phone|id> <amount>")
	}
	amount, err := money.Parse(c.Args().Get(1))
	if err != nil {
		return err
	}
	return withTerminal(c, func(t *terminal) error {
		account, err := t.customers.ResolveAccount(c.Context, c.Args().First())
		if err != nil {
			return err
		}
		balance, err := t.ledger.Pay(c.Context, account.Phone, amount)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "received %s from %s, balance %s\n", money.Format(amount), account.Name, money.Format(balance))
		return nil
	})
}
