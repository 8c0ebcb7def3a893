package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"swarmline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")

	// ErrConflict means a compare-and-set precondition no longer held
	// at mutation time. Expected under concurrency; never fatal.
	ErrConflict = errors.New("conflict")
)

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBoolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	if *v {
		return 1
	}
	return 0
}

// --- issue groups ---

func (r Repo) InsertIssueGroup(ctx context.Context, g domain.IssueGroup) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO issue_groups(id,stream_id,title,repo_owner,repo_name,status,aggregator_key,aggregator_identity,aggregator_round,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.StreamID, g.Title, g.RepoOwner, g.RepoName, g.Status,
		nullableStringPtr(g.AggregatorKey), nullableStringPtr(g.AggregatorIdentity), nullableInt64Ptr(g.AggregatorRound),
		g.CreatedAt, g.UpdatedAt)
	return err
}

func scanIssueGroup(scan func(dest ...any) error) (domain.IssueGroup, error) {
	var g domain.IssueGroup
	var aggKey, aggIdentity sql.NullString
	var aggRound sql.NullInt64
	err := scan(&g.ID, &g.StreamID, &g.Title, &g.RepoOwner, &g.RepoName, &g.Status, &aggKey, &aggIdentity, &aggRound, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	if aggKey.Valid {
		g.AggregatorKey = &aggKey.String
	}
	if aggIdentity.Valid {
		g.AggregatorIdentity = &aggIdentity.String
	}
	if aggRound.Valid {
		g.AggregatorRound = &aggRound.Int64
	}
	return g, nil
}

const issueGroupCols = `id,stream_id,title,repo_owner,repo_name,status,aggregator_key,aggregator_identity,aggregator_round,created_at,updated_at`

func (r Repo) GetIssueGroup(ctx context.Context, id string) (domain.IssueGroup, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+issueGroupCols+` FROM issue_groups WHERE id=?`, id)
	return scanIssueGroup(row.Scan)
}

func (r Repo) GetIssueGroupTx(ctx context.Context, tx *sql.Tx, id string) (domain.IssueGroup, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+issueGroupCols+` FROM issue_groups WHERE id=?`, id)
	return scanIssueGroup(row.Scan)
}

type GroupFilters struct {
	StreamID string
	Status   string
	Limit    int
}

func (r Repo) ListIssueGroups(ctx context.Context, f GroupFilters) ([]domain.IssueGroup, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.StreamID != "" {
		clauses = append(clauses, "stream_id=?")
		args = append(args, f.StreamID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + issueGroupCols + ` FROM issue_groups WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IssueGroup
	for rows.Next() {
		g, err := scanIssueGroup(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// ActiveGroup returns the oldest in-progress group for a stream. The
// claim path only hands out work from this group.
func (r Repo) ActiveGroup(ctx context.Context, streamID string) (domain.IssueGroup, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+issueGroupCols+` FROM issue_groups
WHERE stream_id=? AND status IN (?,?) ORDER BY created_at ASC, id ASC LIMIT 1`,
		streamID, domain.GroupInProgress, domain.GroupAssigned)
	return scanIssueGroup(row.Scan)
}

// PendingAggregatorGroup returns the oldest group in the stream that
// is waiting for an aggregator.
func (r Repo) PendingAggregatorGroup(ctx context.Context, streamID string) (domain.IssueGroup, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+issueGroupCols+` FROM issue_groups
WHERE stream_id=? AND status IN (?,?) AND aggregator_key IS NULL
ORDER BY created_at ASC, id ASC LIMIT 1`,
		streamID, domain.GroupInitialized, domain.GroupAssignPending)
	return scanIssueGroup(row.Scan)
}

// UpdateGroupStatusTx advances a group's status only if it still has
// the expected status. Returns ErrConflict when the row moved.
func (r Repo) UpdateGroupStatusTx(ctx context.Context, tx *sql.Tx, id, from, to, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE issue_groups SET status=?, updated_at=? WHERE id=? AND status=?`, to, updatedAt, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// SetAggregatorTx records the elected aggregator, conditional on the
// group still awaiting a leader decision.
func (r Repo) SetAggregatorTx(ctx context.Context, tx *sql.Tx, id, key, identity string, round int64, toStatus, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE issue_groups
SET aggregator_key=?, aggregator_identity=?, aggregator_round=?, status=?, updated_at=?
WHERE id=? AND status IN (?,?) AND aggregator_key IS NULL`,
		key, identity, round, toStatus, updatedAt,
		id, domain.GroupInitialized, domain.GroupAssignPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// ClearAggregatorTx drops the aggregator fields so a new leader can be
// chosen after a timeout or negative audit.
func (r Repo) ClearAggregatorTx(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE issue_groups
SET aggregator_key=NULL, aggregator_identity=NULL, aggregator_round=NULL, updated_at=?
WHERE id=?`, updatedAt, id)
	return err
}

// CountUnapprovedItemsTx counts child work items not yet approved or
// merged; zero means the group is promotable.
func (r Repo) CountUnapprovedItemsTx(ctx context.Context, tx *sql.Tx, groupID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_items WHERE group_id=? AND status NOT IN (?,?)`,
		groupID, domain.WorkItemApproved, domain.WorkItemMerged).Scan(&n)
	return n, err
}

// --- work items ---

const workItemCols = `id,group_id,stream_id,title,description,acceptance,repo_owner,repo_name,status,created_at,updated_at`

func (r Repo) InsertWorkItem(ctx context.Context, w domain.WorkItem) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertWorkItemTx(ctx, tx, w); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) InsertWorkItemTx(ctx context.Context, tx *sql.Tx, w domain.WorkItem) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO work_items(id,group_id,stream_id,title,description,acceptance,repo_owner,repo_name,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		w.ID, w.GroupID, w.StreamID, w.Title, nullable(w.Description), nullable(w.Acceptance),
		w.RepoOwner, w.RepoName, w.Status, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return err
	}
	return r.AddDependenciesTx(ctx, tx, w.ID, w.DependsOn)
}

func scanWorkItem(scan func(dest ...any) error) (domain.WorkItem, error) {
	var w domain.WorkItem
	var desc, acceptance sql.NullString
	err := scan(&w.ID, &w.GroupID, &w.StreamID, &w.Title, &desc, &acceptance, &w.RepoOwner, &w.RepoName, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	if desc.Valid {
		w.Description = desc.String
	}
	if acceptance.Valid {
		w.Acceptance = acceptance.String
	}
	return w, nil
}

func (r Repo) GetWorkItem(ctx context.Context, id string) (domain.WorkItem, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workItemCols+` FROM work_items WHERE id=?`, id)
	w, err := scanWorkItem(row.Scan)
	if err != nil {
		return w, err
	}
	deps, err := r.ListDependencies(ctx, w.ID)
	if err != nil {
		return w, err
	}
	w.DependsOn = deps
	active, err := r.GetActiveAssignment(ctx, domain.EntityWorkItem, w.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return w, err
	}
	if err == nil {
		w.Active = &active
	}
	return w, nil
}

func (r Repo) GetWorkItemTx(ctx context.Context, tx *sql.Tx, id string) (domain.WorkItem, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+workItemCols+` FROM work_items WHERE id=?`, id)
	w, err := scanWorkItem(row.Scan)
	if err != nil {
		return w, err
	}
	active, err := r.GetActiveAssignmentTx(ctx, tx, domain.EntityWorkItem, w.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return w, err
	}
	if err == nil {
		w.Active = &active
	}
	return w, nil
}

type WorkItemFilters struct {
	StreamID string
	GroupID  string
	Status   string
	Limit    int
}

func (r Repo) ListWorkItems(ctx context.Context, f WorkItemFilters) ([]domain.WorkItem, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.StreamID != "" {
		clauses = append(clauses, "stream_id=?")
		args = append(args, f.StreamID)
	}
	if f.GroupID != "" {
		clauses = append(clauses, "group_id=?")
		args = append(args, f.GroupID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + workItemCols + ` FROM work_items WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// ClaimCandidates selects, oldest first, work items a requester could
// claim: unclaimed or stale-leased, dependency-approved, and never
// previously assigned to this key or identity. The result is advisory;
// the claim itself re-checks everything under a transaction.
func (r Repo) ClaimCandidates(ctx context.Context, groupID string, round, leaseRounds int64, publicKey, identity string, limit int) ([]domain.WorkItem, error) {
	if limit <= 0 {
		limit = 5
	}
	staleBefore := round - leaseRounds
	query := `SELECT ` + prefixCols("w", workItemCols) + ` FROM work_items w
WHERE w.group_id=?
  AND (
    w.status=?
    OR (w.status=? AND EXISTS (
      SELECT 1 FROM assignments a
      WHERE a.entity_kind=? AND a.entity_id=w.id AND a.active=1 AND a.round<=?
    ))
  )
  AND NOT EXISTS (
    SELECT 1 FROM work_item_deps d
    JOIN work_items dep ON dep.id=d.depends_on_id
    WHERE d.work_item_id=w.id AND dep.status NOT IN (?,?)
  )
  AND NOT EXISTS (
    SELECT 1 FROM assignments prior
    WHERE prior.entity_kind=? AND prior.entity_id=w.id
      AND (prior.public_key=? OR (prior.identity<>'' AND prior.identity=?))
  )
ORDER BY w.created_at ASC, w.id ASC
LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query,
		groupID,
		domain.WorkItemInitialized,
		domain.WorkItemInProgress, domain.EntityWorkItem, staleBefore,
		domain.WorkItemApproved, domain.WorkItemMerged,
		domain.EntityWorkItem, publicKey, identity,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func prefixCols(prefix, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = prefix + "." + p
	}
	return strings.Join(parts, ",")
}

// UpdateWorkItemStatusTx advances a work item's status only if it still
// has the expected status. Returns ErrConflict when the row moved.
func (r Repo) UpdateWorkItemStatusTx(ctx context.Context, tx *sql.Tx, id, from, to, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE work_items SET status=?, updated_at=? WHERE id=? AND status=?`, to, updatedAt, id, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (r Repo) ListDependencies(ctx context.Context, workItemID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_id FROM work_item_deps WHERE work_item_id=? ORDER BY depends_on_id`, workItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

func (r Repo) AddDependenciesTx(ctx context.Context, tx *sql.Tx, workItemID string, deps []string) error {
	for _, d := range deps {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO work_item_deps(work_item_id, depends_on_id) VALUES (?,?)`, workItemID, d); err != nil {
			return err
		}
	}
	return nil
}

// DepsApprovedTx re-checks dependency gating at mutation time.
func (r Repo) DepsApprovedTx(ctx context.Context, tx *sql.Tx, workItemID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_item_deps d
JOIN work_items dep ON dep.id=d.depends_on_id
WHERE d.work_item_id=? AND dep.status NOT IN (?,?)`,
		workItemID, domain.WorkItemApproved, domain.WorkItemMerged).Scan(&n)
	if err != nil {
		return false, err
	}
	return n == 0, nil
}

func (r Repo) CountWorkItemsByStatus(ctx context.Context, streamID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM work_items WHERE stream_id=? GROUP BY status`, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) CountGroupsByStatus(ctx context.Context, streamID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM issue_groups WHERE stream_id=? GROUP BY status`, streamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// --- events ---

func (r Repo) LatestEvents(ctx context.Context, limit int, streamID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, streamID, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, streamID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if streamID != "" {
		clauses = append(clauses, "stream_id=?")
		args = append(args, streamID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,stream_id,entity_kind,entity_id,actor_key,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var streamID, entityID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &streamID, &e.EntityKind, &entityID, &e.ActorKey, &payload); err != nil {
			return nil, err
		}
		if streamID.Valid {
			e.StreamID = streamID.String
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
