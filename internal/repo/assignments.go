package repo

import (
	"context"
	"database/sql"

	"swarmline/internal/domain"
)

const assignmentCols = `id,entity_kind,entity_id,public_key,identity,round,proof_url,outcome,fail_reason,feedback,recoverable,active,created_at,updated_at`

func scanAssignment(scan func(dest ...any) error) (domain.Assignment, error) {
	var a domain.Assignment
	var proofURL, failReason, feedback sql.NullString
	var recoverable sql.NullInt64
	var active int
	err := scan(&a.ID, &a.EntityKind, &a.EntityID, &a.PublicKey, &a.Identity, &a.Round,
		&proofURL, &a.Outcome, &failReason, &feedback, &recoverable, &active, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if proofURL.Valid {
		a.ProofURL = &proofURL.String
	}
	if failReason.Valid {
		a.FailReason = &failReason.String
	}
	if feedback.Valid {
		a.Feedback = &feedback.String
	}
	if recoverable.Valid {
		b := recoverable.Int64 != 0
		a.Recoverable = &b
	}
	a.Active = active != 0
	return a, nil
}

func (r Repo) InsertAssignmentTx(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	active := 0
	if a.Active {
		active = 1
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO assignments(id,entity_kind,entity_id,public_key,identity,round,proof_url,outcome,fail_reason,feedback,recoverable,active,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.EntityKind, a.EntityID, a.PublicKey, a.Identity, a.Round,
		nullableStringPtr(a.ProofURL), a.Outcome, nullableStringPtr(a.FailReason), nullableStringPtr(a.Feedback),
		nullableBoolPtr(a.Recoverable), active, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetActiveAssignment(ctx context.Context, entityKind, entityID string) (domain.Assignment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments
WHERE entity_kind=? AND entity_id=? AND active=1 LIMIT 1`, entityKind, entityID)
	return scanAssignment(row.Scan)
}

func (r Repo) GetActiveAssignmentTx(ctx context.Context, tx *sql.Tx, entityKind, entityID string) (domain.Assignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments
WHERE entity_kind=? AND entity_id=? AND active=1 LIMIT 1`, entityKind, entityID)
	return scanAssignment(row.Scan)
}

// ListAssignmentHistory returns all assignments for an entity, newest
// first. Inactive rows are the audit trail.
func (r Repo) ListAssignmentHistory(ctx context.Context, entityKind, entityID string) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentCols+` FROM assignments
WHERE entity_kind=? AND entity_id=? ORDER BY round DESC, created_at DESC`, entityKind, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ListRoundAssignments returns active assignments of one kind for a
// round; the reconciler walks these.
func (r Repo) ListRoundAssignments(ctx context.Context, entityKind string, round int64) ([]domain.Assignment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+assignmentCols+` FROM assignments
WHERE entity_kind=? AND round=? AND active=1 ORDER BY created_at ASC`, entityKind, round)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// ActiveAssignmentForKeyRoundTx finds the requester's active
// assignment for a round regardless of entity kind. Proof submission
// resolves its target through this.
func (r Repo) ActiveAssignmentForKeyRoundTx(ctx context.Context, tx *sql.Tx, publicKey string, round int64) (domain.Assignment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments
WHERE public_key=? AND round=? AND active=1 LIMIT 1`, publicKey, round)
	return scanAssignment(row.Scan)
}

// DeactivateAssignmentsTx retires any active assignment for an entity,
// keeping the rows as history.
func (r Repo) DeactivateAssignmentsTx(ctx context.Context, tx *sql.Tx, entityKind, entityID, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE assignments SET active=0, updated_at=? WHERE entity_kind=? AND entity_id=? AND active=1`,
		updatedAt, entityKind, entityID)
	return err
}

// SetAssignmentOutcomeTx records the audit verdict on an assignment.
func (r Repo) SetAssignmentOutcomeTx(ctx context.Context, tx *sql.Tx, id, outcome, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET outcome=?, updated_at=? WHERE id=? AND outcome=?`,
		outcome, updatedAt, id, domain.OutcomePending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// RejectAssignmentTx marks an assignment rejected, clears its mutable
// claim fields, and retires it. The work item becomes claimable again.
func (r Repo) RejectAssignmentTx(ctx context.Context, tx *sql.Tx, id, reason, feedback string, recoverable bool, updatedAt string) error {
	rec := 0
	if recoverable {
		rec = 1
	}
	res, err := tx.ExecContext(ctx, `UPDATE assignments
SET outcome=?, proof_url=NULL, fail_reason=?, feedback=?, recoverable=?, active=0, updated_at=?
WHERE id=? AND active=1`,
		domain.OutcomeRejected, nullable(reason), nullable(feedback), rec, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// SetProofTx binds a proof locator to the requester's active
// assignment for the round. ErrNotFound when no such assignment exists.
func (r Repo) SetProofTx(ctx context.Context, tx *sql.Tx, entityKind, entityID, publicKey string, round int64, proofURL, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE assignments SET proof_url=?, updated_at=?
WHERE entity_kind=? AND entity_id=? AND public_key=? AND round=? AND active=1`,
		proofURL, updatedAt, entityKind, entityID, publicKey, round)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
