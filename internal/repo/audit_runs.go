package repo

import (
	"context"
	"database/sql"
	"strings"

	"swarmline/internal/domain"
)

const auditRunCols = `stream_id,round,status,last_error,started_at,updated_at,completed_at`

func scanAuditRun(scan func(dest ...any) error) (domain.AuditRun, error) {
	var run domain.AuditRun
	var lastError, completedAt sql.NullString
	err := scan(&run.StreamID, &run.Round, &run.Status, &lastError, &run.StartedAt, &run.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if lastError.Valid {
		run.LastError = &lastError.String
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.String
	}
	return run, nil
}

func (r Repo) GetAuditRun(ctx context.Context, streamID string, round int64) (domain.AuditRun, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+auditRunCols+` FROM audit_runs WHERE stream_id=? AND round=?`, streamID, round)
	return scanAuditRun(row.Scan)
}

// TryStartAuditRun claims the run record for (stream, round). It
// creates the record in_progress if absent, or flips it to in_progress
// when the previous attempt failed, never started, or went stale
// (in_progress but not touched since staleCutoff). The bool reports
// whether this caller owns the run.
func (r Repo) TryStartAuditRun(ctx context.Context, streamID string, round int64, now, staleCutoff string) (domain.AuditRun, bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO audit_runs(stream_id,round,status,started_at,updated_at)
VALUES (?,?,?,?,?)`, streamID, round, domain.RunInProgress, now, now)
	if err == nil {
		if n, _ := res.RowsAffected(); n == 1 {
			run, err := r.GetAuditRun(ctx, streamID, round)
			return run, true, err
		}
	} else if !isUniqueViolation(err) {
		return domain.AuditRun{}, false, err
	}

	res, err = r.DB.ExecContext(ctx, `UPDATE audit_runs SET status=?, last_error=NULL, updated_at=?
WHERE stream_id=? AND round=? AND (
  status IN (?,?)
  OR (status=? AND updated_at<=?)
)`,
		domain.RunInProgress, now,
		streamID, round,
		domain.RunPending, domain.RunFailed,
		domain.RunInProgress, staleCutoff)
	if err != nil {
		return domain.AuditRun{}, false, err
	}
	claimed, _ := res.RowsAffected()
	run, err := r.GetAuditRun(ctx, streamID, round)
	if err != nil {
		return domain.AuditRun{}, false, err
	}
	return run, claimed == 1, nil
}

// TouchAuditRun refreshes the staleness timestamp mid-run.
func (r Repo) TouchAuditRun(ctx context.Context, streamID string, round int64, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE audit_runs SET updated_at=? WHERE stream_id=? AND round=? AND status=?`,
		now, streamID, round, domain.RunInProgress)
	return err
}

func (r Repo) CompleteAuditRun(ctx context.Context, streamID string, round int64, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE audit_runs SET status=?, completed_at=?, updated_at=? WHERE stream_id=? AND round=? AND status=?`,
		domain.RunCompleted, now, now, streamID, round, domain.RunInProgress)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) FailAuditRun(ctx context.Context, streamID string, round int64, lastError, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE audit_runs SET status=?, last_error=?, updated_at=? WHERE stream_id=? AND round=?`,
		domain.RunFailed, lastError, now, streamID, round)
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed")
}
