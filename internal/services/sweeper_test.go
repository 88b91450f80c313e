package services

import (
	"context"
	"time"

	"github.com/javajoker/imi-ledger/internal/models"
)

func (s *LedgerTestSuite) TestSweeperRunOnce() {
	due, _ := s.paidOrder("5000.00")
	s.deliver(due, time.Now().UTC().Add(-80*time.Hour))

	sweeper := NewSweeper(s.recon, s.escrow, s.outbox, time.Hour)
	sweeper.RunOnce(s.ctx)

	s.Equal(models.EscrowStatusReleased, s.escrowFor(due.ID).Status)
	s.Equal(int64(0), s.count(&models.OutboxMessage{}, "status = ?", models.OutboxStatusPending))
	s.Equal(int64(1), s.count(&models.Notification{}, "type = ?", "escrow_released"))
}

func (s *LedgerTestSuite) TestSweeperStartStop() {
	sweeper := NewSweeper(s.recon, s.escrow, s.outbox, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	sweeper.Start(ctx)
	sweeper.Start(ctx)
	s.paidOrder("5000.00")

	s.Eventually(func() bool {
		var n int64
		s.db.Model(&models.Notification{}).Count(&n)
		return n == 2
	}, 2*time.Second, 20*time.Millisecond)

	sweeper.Stop()
	sweeper.Stop()
}
