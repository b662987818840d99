// Package jobs runs the scheduled maintenance tasks.
package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/permitd/permitd/pkg/observability"
	"github.com/permitd/permitd/pkg/storage"
	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the sweep at five past every hour.
const DefaultSweepSchedule = "5 * * * *"

// Sweeper clears expired, never-redeemed bind tokens so stale secrets do
// not accumulate on applications.
type Sweeper struct {
	db     *sql.DB
	logger *observability.Logger
	cron   *cron.Cron
}

// NewSweeper creates a Sweeper.
func NewSweeper(db *sql.DB, logger *observability.Logger) *Sweeper {
	return &Sweeper{db: db, logger: logger, cron: cron.New()}
}

// SweepBindTokens removes bind tokens past their expiry and reports how many
// were cleared.
func (s *Sweeper) SweepBindTokens(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE applications
		SET bind_token_hash = NULL, bind_token_expires_at = NULL, updated_at = NOW()
		WHERE bind_token_hash IS NOT NULL AND bind_token_expires_at <= NOW()
	`)
	if err != nil {
		return 0, storage.ClassifyErr(fmt.Errorf("failed to sweep bind tokens: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count swept bind tokens: %w", err)
	}
	return n, nil
}

// Start schedules the sweep and begins running it.
func (s *Sweeper) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		n, err := s.SweepBindTokens(ctx)
		if err != nil {
			s.logger.WithError(err).Error("bind token sweep failed")
			return
		}
		if n > 0 {
			s.logger.WithField("expired", n).Info("swept expired bind tokens")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule bind token sweep: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
