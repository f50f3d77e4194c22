package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jimas/backend/internal/domain"
	"jimas/backend/internal/service"
	"jimas/backend/internal/store/memory"
)

type scannerStub struct {
	actor   domain.Actor
	reports []domain.DriftReport
	err     error
}

func (s *scannerStub) ScanDrift(ctx context.Context) ([]domain.DriftReport, error) {
	s.actor, _ = service.ActorFromContext(ctx)
	return s.reports, s.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDriftScanRunsAsSystemAdmin(t *testing.T) {
	stub := &scannerStub{reports: []domain.DriftReport{{
		CounterpartyID: "cust-1",
		Type:           domain.CounterpartyCreditCustomer,
		StoredBalance:  decimal.NewFromInt(500),
		CorrectBalance: decimal.NewFromInt(300),
		Difference:     decimal.NewFromInt(200),
	}}}
	job := NewDriftScanJob(stub, quietLogger())

	task, err := NewDriftScanTask("")
	require.NoError(t, err)
	assert.Equal(t, TaskLedgerDriftScan, task.Type())
	assert.JSONEq(t, `{"trigger":"schedule"}`, string(task.Payload()))

	require.NoError(t, job.Handle(context.Background(), task))
	assert.Equal(t, SystemActor, stub.actor)
}

func TestDriftScanAgainstService(t *testing.T) {
	svc := service.New(memory.NewSeeded(), service.Options{Logger: quietLogger()})
	job := NewDriftScanJob(svc, quietLogger())

	task, err := NewDriftScanTask("manual")
	require.NoError(t, err)
	assert.NoError(t, job.Handle(context.Background(), task))
}

func TestDriftScanFailureSkipsRetry(t *testing.T) {
	job := NewDriftScanJob(&scannerStub{err: errors.New("database gone")}, quietLogger())

	task, err := NewDriftScanTask("schedule")
	require.NoError(t, err)

	err = job.Handle(context.Background(), task)
	require.Error(t, err)
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Contains(t, err.Error(), "database gone")
}

func TestDriftScanRejectsMalformedPayload(t *testing.T) {
	job := NewDriftScanJob(&scannerStub{}, quietLogger())

	err := job.Handle(context.Background(), asynq.NewTask(TaskLedgerDriftScan, []byte("{not json")))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestDriftScanWithoutScanner(t *testing.T) {
	var job *DriftScanJob
	task, err := NewDriftScanTask("schedule")
	require.NoError(t, err)
	assert.Error(t, job.Handle(context.Background(), task))
}

func TestNewWorkerRegistersCron(t *testing.T) {
	mr := miniredis.RunT(t)
	task, err := NewDriftScanTask("schedule")
	require.NoError(t, err)

	handler := NewDriftScanJob(&scannerStub{}, quietLogger())
	worker, err := NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: mr.Addr()},
		Logger:    quietLogger(),
		Handlers:  []TaskHandler{{Type: TaskLedgerDriftScan, Handler: handler.Handle}},
		Cron:      []CronRegistration{{Spec: "@every 1h", Task: task, Options: []asynq.Option{asynq.MaxRetry(0)}}},
	})
	require.NoError(t, err)
	assert.NotNil(t, worker.scheduler)

	_, err = NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: mr.Addr()},
		Logger:    quietLogger(),
		Cron:      []CronRegistration{{Spec: "every now and then", Task: task}},
	})
	assert.Error(t, err)
}
