package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"jimas/backend/internal/domain"
	"jimas/backend/internal/service"
)

// SystemActor is who the scheduled scan runs as. Scans only read.
var SystemActor = domain.Actor{Email: "system@drift-worker", Role: domain.RoleAdmin}

// DriftScanner is the read-only check the job delegates to.
type DriftScanner interface {
	ScanDrift(ctx context.Context) ([]domain.DriftReport, error)
}

// DriftScanJob logs every counterparty whose stored balance has drifted.
// It never repairs; recalculation stays a manual admin action.
type DriftScanJob struct {
	Scanner DriftScanner
	Logger  *slog.Logger
	clock   func() time.Time
}

func NewDriftScanJob(scanner DriftScanner, logger *slog.Logger) *DriftScanJob {
	return &DriftScanJob{
		Scanner: scanner,
		Logger:  logger,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes one drift scan.
func (j *DriftScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Scanner == nil {
		return errors.New("drift scan: handler not configured")
	}
	var payload DriftScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("drift scan: decode payload: %v: %w", err, asynq.SkipRetry)
	}

	start := j.now()
	logger := j.logger().With(slog.String("trigger", payload.Trigger))
	logger.Info("starting drift scan")

	reports, err := j.Scanner.ScanDrift(service.WithActor(ctx, SystemActor))
	if err != nil {
		logger.Error("drift scan failed", slog.Any("error", err))
		return fmt.Errorf("drift scan: %v: %w", err, asynq.SkipRetry)
	}

	for _, r := range reports {
		logger.Warn("ledger drift detected",
			slog.String("counterparty_id", r.CounterpartyID),
			slog.String("customer_type", r.Type),
			slog.String("contact_info", r.ContactInfo),
			slog.String("stored_balance", r.StoredBalance.StringFixed(2)),
			slog.String("correct_balance", r.CorrectBalance.StringFixed(2)),
			slog.String("difference", r.Difference.StringFixed(2)),
		)
	}

	logger.Info("completed drift scan",
		slog.Int("drifted", len(reports)),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j *DriftScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerDriftScan))
	}
	return slog.Default().With(slog.String("job", TaskLedgerDriftScan))
}

func (j *DriftScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
