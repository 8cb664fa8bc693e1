// Package syncer drains the local queue to the remote authority in the background.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"khatpos/internal/domain"
	"khatpos/internal/remote"
	"khatpos/internal/store"
)

var (
	ErrDelivery       = errors.New("sync delivery failed")
	ErrAlreadyRunning = errors.New("sync engine already running")
)

type Options struct {
	Interval time.Duration
	Clock    func() time.Time
	Logger   logrus.FieldLogger
}

// Engine delivers pending records in enqueue order. It is the only background
// goroutine of a terminal and only ever reads and marks queue records.
type Engine struct {
	queue     store.Queue
	authority remote.Authority
	interval  time.Duration
	now       func() time.Time
	log       logrus.FieldLogger

	cycleMu sync.Mutex

	mu     sync.Mutex
	stats  domain.SyncStats
	cancel context.CancelFunc
	done   chan struct{}
}

func New(queue store.Queue, authority remote.Authority, opts Options) *Engine {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Engine{
		queue:     queue,
		authority: authority,
		interval:  opts.Interval,
		now:       opts.Clock,
		log:       opts.Logger.WithField("component", "sync"),
	}
}

// Start runs a cycle immediately and then on every tick until Stop or ctx ends.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.stats.Running = true

	go e.loop(runCtx, e.done)
	e.log.WithField("interval", e.interval.String()).Info("sync engine started")
	return nil
}

// Stop cancels the loop and waits for an in-flight cycle to return. Calling it
// on a stopped engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	e.mu.Lock()
	e.stats.Running = false
	e.mu.Unlock()
	e.log.Info("sync engine stopped")
}

// Wait blocks until the loop exits, either through Stop or the start context.
func (e *Engine) Wait() {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (e *Engine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		_ = e.RunOnce(ctx)

		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.stats.Running = false
			e.mu.Unlock()
			return
		case <-ticker.C:
		}
	}
}

// RunOnce delivers every pending record once. A transport failure ends the cycle
// because later records would fail the same way; a rejected record is recorded
// and the cycle moves on. The returned error is informational only.
func (e *Engine) RunOnce(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	pending, err := e.queue.PeekPending(ctx)
	if err != nil {
		e.finishCycle(ctx, 0, 0, err)
		return fmt.Errorf("%w: %w", ErrDelivery, err)
	}

	delivered, failed := 0, 0
	var cycleErr error
	for _, record := range pending {
		if ctx.Err() != nil {
			cycleErr = ctx.Err()
			break
		}

		err := e.deliver(ctx, record)
		if err == nil {
			delivered++
			continue
		}

		failed++
		entry := e.log.WithError(err).WithFields(logrus.Fields{"record_id": record.ID, "kind": record.Kind})
		if attemptErr := e.queue.RecordAttempt(ctx, record.ID, e.now(), err.Error()); attemptErr != nil {
			entry.WithField("attempt_error", attemptErr.Error()).Warn("could not record delivery attempt")
		}

		if errors.Is(err, remote.ErrRejected) {
			entry.Warn("record rejected by authority")
			if cycleErr == nil {
				cycleErr = err
			}
			continue
		}
		entry.Warn("authority unreachable, ending sync cycle")
		cycleErr = err
		break
	}

	e.finishCycle(ctx, delivered, failed, cycleErr)
	if cycleErr != nil {
		return fmt.Errorf("%w: %w", ErrDelivery, cycleErr)
	}
	return nil
}

func (e *Engine) deliver(ctx context.Context, record domain.QueueRecord) error {
	var (
		ack domain.Ack
		err error
	)
	switch record.Kind {
	case domain.RecordSale:
		if record.Sale == nil {
			return fmt.Errorf("%w: sale record %s has no payload", remote.ErrRejected, record.ID)
		}
		ack, err = e.authority.SubmitSale(ctx, *record.Sale)
	case domain.RecordLedgerEntry:
		if record.LedgerEntry == nil {
			return fmt.Errorf("%w: ledger record %s has no payload", remote.ErrRejected, record.ID)
		}
		ack, err = e.authority.SubmitLedgerEntry(ctx, *record.LedgerEntry)
	default:
		return fmt.Errorf("%w: unknown record kind %q", remote.ErrRejected, record.Kind)
	}
	if err != nil {
		return err
	}

	if ack.Duplicate {
		e.log.WithField("record_id", record.ID).Debug("authority already had record")
	}
	if err := e.queue.MarkSynced(ctx, record.ID, e.now()); err != nil {
		return fmt.Errorf("mark %s synced: %w", record.ID, err)
	}
	return nil
}

func (e *Engine) finishCycle(ctx context.Context, delivered int, failed int, cycleErr error) {
	pending, err := e.queue.PendingCount(ctx)
	if err != nil {
		pending = -1
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.stats.Cycles++
	e.stats.LastCycleAt = e.now()
	e.stats.LastDelivered = delivered
	e.stats.LastFailed = failed
	e.stats.Pending = pending
	if cycleErr != nil {
		e.stats.ConsecutiveFailures++
		e.stats.LastError = cycleErr.Error()
	} else {
		e.stats.ConsecutiveFailures = 0
		e.stats.LastError = ""
	}

	if delivered > 0 || failed > 0 {
		e.log.WithFields(logrus.Fields{
			"delivered": delivered,
			"failed":    failed,
			"pending":   pending,
		}).Info("sync cycle finished")
	}
}

func (e *Engine) Stats() domain.SyncStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}
