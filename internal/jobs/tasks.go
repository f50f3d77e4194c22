package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the queue every ledger job runs on.
	QueueDefault = "ledger"
	// TaskLedgerDriftScan compares stored balances with recomputed ones.
	TaskLedgerDriftScan = "ledger:drift-scan"
)

// DriftScanPayload records what asked for a scan.
type DriftScanPayload struct {
	Trigger string `json:"trigger"`
}

// NewDriftScanTask constructs an Asynq task for a drift scan.
func NewDriftScanTask(trigger string) (*asynq.Task, error) {
	if trigger == "" {
		trigger = "schedule"
	}
	data, err := json.Marshal(DriftScanPayload{Trigger: trigger})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerDriftScan, data), nil
}
