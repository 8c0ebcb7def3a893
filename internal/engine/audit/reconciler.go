// Package audit reconciles a finished round against its distribution
// outcome: approving assignments the round paid, rejecting the ones it
// penalized, and cascading group promotion and merges. A durable run
// record makes reconciliation idempotent per (stream, round) and lets
// a crashed run be retried once it goes stale.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/jonboulle/clockwork"

	"swarmline/internal/domain"
	"swarmline/internal/engine"
	"swarmline/internal/events"
	"swarmline/internal/ledger"
	"swarmline/internal/repo"
)

const doneCacheSize = 1024

type Reconciler struct {
	Engine     engine.Engine
	Source     ledger.Source
	Clock      clockwork.Clock
	StaleAfter time.Duration
	Logger     *log.Logger

	// done short-circuits repeat requests for rounds this process
	// already completed; the audit_runs table remains the durable
	// record.
	done *expirable.LRU[string, struct{}]
}

func New(eng engine.Engine, src ledger.Source, clock clockwork.Clock, staleAfter time.Duration) *Reconciler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Reconciler{
		Engine:     eng,
		Source:     src,
		Clock:      clock,
		StaleAfter: staleAfter,
		done:       expirable.NewLRU[string, struct{}](doneCacheSize, nil, time.Hour),
	}
}

func (r *Reconciler) logger() *log.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return log.Default()
}

// Report summarizes one reconciliation request.
type Report struct {
	StreamID        string `json:"stream_id"`
	Round           int64  `json:"round"`
	Owned           bool   `json:"owned"`
	AlreadyComplete bool   `json:"already_complete"`
	Approved        int    `json:"approved"`
	Rejected        int    `json:"rejected"`
	Skipped         int    `json:"skipped"`
}

// Reconcile processes the distribution outcome for (stream, round).
// Exactly one caller owns a run at a time; everyone else gets a report
// saying so. Re-running a completed round is a cheap no-op, and every
// per-assignment mutation is individually compare-and-set, so a
// resumed run skips work a previous attempt already applied.
func (r *Reconciler) Reconcile(ctx context.Context, streamID string, round int64) (Report, error) {
	report := Report{StreamID: streamID, Round: round}
	key := fmt.Sprintf("%s:%d", streamID, round)
	if _, ok := r.done.Get(key); ok {
		report.AlreadyComplete = true
		return report, nil
	}

	now := r.Clock.Now().UTC()
	nowStr := now.Format(time.RFC3339)
	staleCutoff := now.Add(-r.StaleAfter).Format(time.RFC3339)
	run, owned, err := r.Engine.Repo.TryStartAuditRun(ctx, streamID, round, nowStr, staleCutoff)
	if err != nil {
		return report, err
	}
	if !owned {
		if run.Status == domain.RunCompleted {
			r.done.Add(key, struct{}{})
			report.AlreadyComplete = true
		}
		return report, nil
	}
	report.Owned = true

	if err := r.run(ctx, streamID, round, &report); err != nil {
		failAt := r.Clock.Now().UTC().Format(time.RFC3339)
		if ferr := r.Engine.Repo.FailAuditRun(ctx, streamID, round, err.Error(), failAt); ferr != nil {
			r.logger().Printf("audit: recording failure for %s round %d: %v", streamID, round, ferr)
		}
		return report, err
	}

	doneAt := r.Clock.Now().UTC().Format(time.RFC3339)
	if err := r.Engine.Repo.CompleteAuditRun(ctx, streamID, round, doneAt); err != nil {
		return report, err
	}
	r.done.Add(key, struct{}{})
	return report, nil
}

func (r *Reconciler) run(ctx context.Context, streamID string, round int64, report *Report) error {
	dist, err := r.Source.DistributionOutcome(ctx, streamID, round)
	if err != nil {
		return fmt.Errorf("distribution outcome: %w", err)
	}

	items, err := r.Engine.Repo.ListRoundAssignments(ctx, domain.EntityWorkItem, round)
	if err != nil {
		return err
	}
	groupsTouched := map[string]bool{}
	for _, a := range items {
		w, err := r.Engine.Repo.GetWorkItem(ctx, a.EntityID)
		if err != nil {
			return err
		}
		if w.StreamID != streamID {
			continue
		}
		verdict, judged := dist[a.PublicKey]
		if !judged || !a.AuditEligible() {
			report.Skipped++
			continue
		}
		if verdict > 0 {
			if err := r.approveWorkItem(ctx, w, a, report); err != nil {
				return err
			}
		} else {
			if err := r.rejectWorkItem(ctx, w, a, verdict, report); err != nil {
				return err
			}
		}
		groupsTouched[w.GroupID] = true
	}

	touchAt := r.Clock.Now().UTC().Format(time.RFC3339)
	if err := r.Engine.Repo.TouchAuditRun(ctx, streamID, round, touchAt); err != nil {
		return err
	}

	for groupID := range groupsTouched {
		promoted, err := r.Engine.PromoteGroupIfComplete(ctx, groupID, "audit")
		if err != nil {
			return err
		}
		if promoted {
			r.logger().Printf("audit: group %s ready for final assembly", groupID)
		}
	}

	groups, err := r.Engine.Repo.ListRoundAssignments(ctx, domain.EntityIssueGroup, round)
	if err != nil {
		return err
	}
	for _, a := range groups {
		g, err := r.Engine.Repo.GetIssueGroup(ctx, a.EntityID)
		if err != nil {
			return err
		}
		if g.StreamID != streamID {
			continue
		}
		verdict, judged := dist[a.PublicKey]
		if !judged || !a.AuditEligible() {
			report.Skipped++
			continue
		}
		if verdict > 0 {
			if err := r.approveGroup(ctx, g, a, report); err != nil {
				return err
			}
		} else {
			if err := r.rejectGroup(ctx, g, a, verdict, report); err != nil {
				return err
			}
		}
	}
	return nil
}

// approveWorkItem records the positive verdict and moves the item to
// approved. A conflict on the outcome write means a previous attempt
// already judged this assignment; the item write is then skipped too.
func (r *Reconciler) approveWorkItem(ctx context.Context, w domain.WorkItem, a domain.Assignment, report *Report) error {
	tx, err := r.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := r.Clock.Now().UTC().Format(time.RFC3339)
	if err := r.Engine.Repo.SetAssignmentOutcomeTx(ctx, tx, a.ID, domain.OutcomeApproved, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			report.Skipped++
			return nil
		}
		return err
	}
	if err := r.Engine.Repo.DeactivateAssignmentsTx(ctx, tx, domain.EntityWorkItem, w.ID, now); err != nil {
		return err
	}
	if w.Status == domain.WorkItemInProgress || w.Status == domain.WorkItemInReview {
		if err := r.Engine.SetWorkItemStatusTx(ctx, tx, w.ID, w.Status, domain.WorkItemApproved, now); err != nil && !errors.Is(err, repo.ErrConflict) {
			return err
		}
	}
	if err := r.Engine.Events.Append(ctx, tx, "work.approved", w.StreamID, domain.EntityWorkItem, w.ID, a.PublicKey, events.EventPayload{"round": a.Round}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	report.Approved++
	return nil
}

// rejectWorkItem retires the assignment and returns the item to the
// claimable pool.
func (r *Reconciler) rejectWorkItem(ctx context.Context, w domain.WorkItem, a domain.Assignment, verdict float64, report *Report) error {
	tx, err := r.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := r.Clock.Now().UTC().Format(time.RFC3339)
	reason := fmt.Sprintf("distribution verdict %g", verdict)
	if err := r.Engine.Repo.RejectAssignmentTx(ctx, tx, a.ID, reason, "", true, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			report.Skipped++
			return nil
		}
		return err
	}
	switch w.Status {
	case domain.WorkItemInProgress, domain.WorkItemInReview, domain.WorkItemApproved:
		if err := r.Engine.SetWorkItemStatusTx(ctx, tx, w.ID, w.Status, domain.WorkItemInitialized, now); err != nil && !errors.Is(err, repo.ErrConflict) {
			return err
		}
	}
	if err := r.Engine.Events.Append(ctx, tx, "work.rejected", w.StreamID, domain.EntityWorkItem, w.ID, a.PublicKey, events.EventPayload{
		"round":  a.Round,
		"reason": reason,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	report.Rejected++
	return nil
}

// approveGroup accepts the aggregator's assembly and merges the whole
// group: the group goes approved, every approved child goes merged,
// and once nothing is left unmerged the group itself goes merged.
func (r *Reconciler) approveGroup(ctx context.Context, g domain.IssueGroup, a domain.Assignment, report *Report) error {
	tx, err := r.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := r.Clock.Now().UTC().Format(time.RFC3339)
	if err := r.Engine.Repo.SetAssignmentOutcomeTx(ctx, tx, a.ID, domain.OutcomeApproved, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			report.Skipped++
			return nil
		}
		return err
	}
	if err := r.Engine.Repo.DeactivateAssignmentsTx(ctx, tx, domain.EntityIssueGroup, g.ID, now); err != nil {
		return err
	}
	if g.Status == domain.GroupAssigned || g.Status == domain.GroupInReview {
		if err := r.Engine.SetGroupStatusTx(ctx, tx, g.ID, g.Status, domain.GroupApproved, now); err != nil && !errors.Is(err, repo.ErrConflict) {
			return err
		}
	}
	if err := r.Engine.Events.Append(ctx, tx, "group.approved", g.StreamID, domain.EntityIssueGroup, g.ID, a.PublicKey, events.EventPayload{"round": a.Round}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	report.Approved++
	return r.mergeGroup(ctx, g.ID, a.PublicKey)
}

func (r *Reconciler) mergeGroup(ctx context.Context, groupID, actorKey string) error {
	tx, err := r.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := r.Clock.Now().UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, `UPDATE work_items SET status=?, updated_at=? WHERE group_id=? AND status=?`,
		domain.WorkItemMerged, now, groupID, domain.WorkItemApproved); err != nil {
		return err
	}
	var unmerged int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM work_items WHERE group_id=? AND status<>?`,
		groupID, domain.WorkItemMerged).Scan(&unmerged); err != nil {
		return err
	}
	g, err := r.Engine.Repo.GetIssueGroupTx(ctx, tx, groupID)
	if err != nil {
		return err
	}
	if unmerged == 0 && g.Status == domain.GroupApproved {
		if err := r.Engine.SetGroupStatusTx(ctx, tx, g.ID, domain.GroupApproved, domain.GroupMerged, now); err != nil && !errors.Is(err, repo.ErrConflict) {
			return err
		}
		if err := r.Engine.Events.Append(ctx, tx, "group.merged", g.StreamID, domain.EntityIssueGroup, g.ID, actorKey, nil); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// rejectGroup throws the assembly back: the aggregator is cleared and
// the group returns to assign_pending so a new leader can be elected.
func (r *Reconciler) rejectGroup(ctx context.Context, g domain.IssueGroup, a domain.Assignment, verdict float64, report *Report) error {
	tx, err := r.Engine.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := r.Clock.Now().UTC().Format(time.RFC3339)
	reason := fmt.Sprintf("distribution verdict %g", verdict)
	if err := r.Engine.Repo.RejectAssignmentTx(ctx, tx, a.ID, reason, "", true, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			report.Skipped++
			return nil
		}
		return err
	}
	if g.Status == domain.GroupAssigned || g.Status == domain.GroupInReview {
		if err := r.Engine.SetGroupStatusTx(ctx, tx, g.ID, g.Status, domain.GroupAssignPending, now); err != nil && !errors.Is(err, repo.ErrConflict) {
			return err
		}
	}
	if err := r.Engine.Repo.ClearAggregatorTx(ctx, tx, g.ID, now); err != nil {
		return err
	}
	if err := r.Engine.Events.Append(ctx, tx, "group.rejected", g.StreamID, domain.EntityIssueGroup, g.ID, a.PublicKey, events.EventPayload{
		"round":  a.Round,
		"reason": reason,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	report.Rejected++
	return nil
}
