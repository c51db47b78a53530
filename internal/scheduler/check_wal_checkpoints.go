package scheduler

import (
	"fmt"

	"github.com/aristath/reconciler/internal/database"
)

// walFrameWarning is the WAL size, in frames, above which a forced
// checkpoint is issued
const walFrameWarning = 1000

// CheckWALCheckpointsJob monitors the ledger's WAL and truncates it when
// passive checkpoints fall behind
type CheckWALCheckpointsJob struct {
	JobBase
	ledgerDB *database.DB
}

// NewCheckWALCheckpointsJob creates a new CheckWALCheckpointsJob
func NewCheckWALCheckpointsJob(ledgerDB *database.DB) *CheckWALCheckpointsJob {
	return &CheckWALCheckpointsJob{
		JobBase:  newJobBase("check_wal_checkpoints"),
		ledgerDB: ledgerDB,
	}
}

// Name returns the job name
func (j *CheckWALCheckpointsJob) Name() string {
	return "check_wal_checkpoints"
}

// Run executes the check WAL checkpoints job
func (j *CheckWALCheckpointsJob) Run() error {
	if j.ledgerDB == nil {
		return nil
	}

	ctx, cancel := j.runContext()
	defer cancel()

	// PRAGMA wal_checkpoint returns: busy, log, checkpointed
	var busy, frames, checkpointed int
	err := j.ledgerDB.Conn().QueryRowContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)").Scan(&busy, &frames, &checkpointed)
	if err != nil {
		return fmt.Errorf("failed to check WAL checkpoint: %w", err)
	}

	if frames <= walFrameWarning {
		j.log.Debug().
			Int("wal_frames", frames).
			Int("checkpointed", checkpointed).
			Msg("WAL checkpoint status OK")
		return nil
	}

	j.log.Warn().
		Int("wal_frames", frames).
		Int("checkpointed", checkpointed).
		Msg("WAL file is large, forcing checkpoint")

	if err := j.ledgerDB.WALCheckpoint(ctx, "TRUNCATE"); err != nil {
		return err
	}
	return nil
}
