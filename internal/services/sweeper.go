// internal/services/sweeper.go
package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Sweeper runs the periodic ledger jobs: polling abandoned push payments,
// releasing escrows past their dispute window and draining the outbox.
type Sweeper struct {
	reconciliation *ReconciliationService
	escrow         *EscrowService
	outbox         *OutboxService
	interval       time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSweeper(reconciliation *ReconciliationService, escrow *EscrowService, outbox *OutboxService, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sweeper{
		reconciliation: reconciliation,
		escrow:         escrow,
		outbox:         outbox,
		interval:       interval,
	}
}

// Start launches the loop. Calling Start on a running sweeper is a no-op.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		logrus.WithField("interval", s.interval.String()).Info("Ledger sweeper started")
		for {
			select {
			case <-ctx.Done():
				logrus.Info("Ledger sweeper stopped")
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for the current pass to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// RunOnce runs every job a single time. A failing job does not stop the
// others.
func (s *Sweeper) RunOnce(ctx context.Context) {
	if s.reconciliation != nil {
		if res, err := s.reconciliation.SweepPushPayments(ctx); err != nil {
			logrus.WithError(err).Error("Push payment sweep failed")
		} else if res.Polled > 0 || res.TimedOut > 0 {
			logrus.WithFields(logrus.Fields{
				"polled":    res.Polled,
				"applied":   res.Applied,
				"timed_out": res.TimedOut,
				"failed":    res.Failed,
			}).Info("Push payment sweep finished")
		}
	}

	if s.escrow != nil {
		if _, err := s.escrow.ReleaseDue(ctx, SystemPrincipal); err != nil {
			logrus.WithError(err).Error("Escrow auto-release failed")
		}
	}

	if s.outbox != nil {
		if res, err := s.outbox.Drain(ctx); err != nil {
			logrus.WithError(err).Error("Outbox drain failed")
		} else if res.Delivered > 0 || res.Retried > 0 || res.Dead > 0 {
			logrus.WithFields(logrus.Fields{
				"delivered": res.Delivered,
				"retried":   res.Retried,
				"dead":      res.Dead,
			}).Info("Outbox drained")
		}
	}
}
