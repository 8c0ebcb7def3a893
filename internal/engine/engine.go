// Package engine holds the coordination logic: claiming work under
// round-based leases, assigning elected aggregators, and recording
// proofs. Every mutation goes through a transaction whose final status
// write is a compare-and-set, so concurrent requests lose cleanly
// instead of corrupting state.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"swarmline/internal/config"
	"swarmline/internal/domain"
	"swarmline/internal/engine/election"
	"swarmline/internal/envelope"
	"swarmline/internal/events"
	"swarmline/internal/repo"
)

var (
	// ErrNotEligible means the roster denied the requesting key.
	ErrNotEligible = errors.New("node not eligible for stream")

	// ErrNoWork means no claimable work item or assignable group
	// exists right now. Not an error condition for the requester, just
	// an empty answer.
	ErrNoWork = errors.New("no work available")
)

// EligibilityChecker answers whether a key may participate in a
// stream. Implementations must fail open on infrastructure faults.
type EligibilityChecker interface {
	Eligible(ctx context.Context, publicKey, streamID string) bool
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Roster  EligibilityChecker
	Elector election.Elector
	Now     func() time.Time
	Logger  *log.Logger
}

func New(db *sql.DB, cfg *config.Config, roster EligibilityChecker, history election.Elector) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Roster:  roster,
		Elector: history,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Engine) leaseRounds() int64 {
	if e.Config != nil && e.Config.Claims.LeaseRounds > 0 {
		return e.Config.Claims.LeaseRounds
	}
	return 4
}

func (e Engine) maxRank() int {
	if e.Config != nil && e.Config.Election.MaxRank > 0 {
		return e.Config.Election.MaxRank
	}
	return 5
}

func (e Engine) eligible(ctx context.Context, publicKey, streamID string) bool {
	if e.Roster == nil {
		return true
	}
	return e.Roster.Eligible(ctx, publicKey, streamID)
}

// GroupCreateOptions are parameters for creating an issue group.
type GroupCreateOptions struct {
	ID        string
	StreamID  string
	Title     string
	RepoOwner string
	RepoName  string
	ActorKey  string
}

func (e Engine) CreateIssueGroup(ctx context.Context, opts GroupCreateOptions) (domain.IssueGroup, error) {
	if opts.Title == "" {
		return domain.IssueGroup{}, errors.New("title is required")
	}
	if e.Config == nil || !e.Config.AcceptsStream(opts.StreamID) {
		return domain.IssueGroup{}, fmt.Errorf("stream %s not accepted", opts.StreamID)
	}
	if opts.RepoOwner == "" || opts.RepoName == "" {
		return domain.IssueGroup{}, errors.New("repo owner and name are required")
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	now := e.nowRFC()
	g := domain.IssueGroup{
		ID:        opts.ID,
		StreamID:  opts.StreamID,
		Title:     opts.Title,
		RepoOwner: opts.RepoOwner,
		RepoName:  opts.RepoName,
		Status:    domain.GroupInitialized,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.IssueGroup{}, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO issue_groups(id,stream_id,title,repo_owner,repo_name,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		g.ID, g.StreamID, g.Title, g.RepoOwner, g.RepoName, g.Status, g.CreatedAt, g.UpdatedAt); err != nil {
		return domain.IssueGroup{}, fmt.Errorf("insert issue group: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "group.created", g.StreamID, domain.EntityIssueGroup, g.ID, opts.ActorKey, events.EventPayload{"title": g.Title}); err != nil {
		return domain.IssueGroup{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.IssueGroup{}, err
	}
	return g, nil
}

// WorkItemCreateOptions are parameters for creating a work item inside
// a group.
type WorkItemCreateOptions struct {
	ID          string
	GroupID     string
	Title       string
	Description string
	Acceptance  string
	DependsOn   []string
	ActorKey    string
}

func (e Engine) CreateWorkItem(ctx context.Context, opts WorkItemCreateOptions) (domain.WorkItem, error) {
	if opts.Title == "" {
		return domain.WorkItem{}, errors.New("title is required")
	}
	if opts.GroupID == "" {
		return domain.WorkItem{}, errors.New("group is required")
	}
	g, err := e.Repo.GetIssueGroup(ctx, opts.GroupID)
	if err != nil {
		return domain.WorkItem{}, err
	}
	for _, dep := range opts.DependsOn {
		d, err := e.Repo.GetWorkItem(ctx, dep)
		if err != nil {
			return domain.WorkItem{}, fmt.Errorf("dependency %s: %w", dep, err)
		}
		if d.GroupID != g.ID {
			return domain.WorkItem{}, fmt.Errorf("dependency %s belongs to another group", dep)
		}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	now := e.nowRFC()
	w := domain.WorkItem{
		ID:          opts.ID,
		GroupID:     g.ID,
		StreamID:    g.StreamID,
		Title:       opts.Title,
		Description: opts.Description,
		Acceptance:  opts.Acceptance,
		RepoOwner:   g.RepoOwner,
		RepoName:    g.RepoName,
		Status:      domain.WorkItemInitialized,
		DependsOn:   opts.DependsOn,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertWorkItemTx(ctx, tx, w); err != nil {
		return domain.WorkItem{}, fmt.Errorf("insert work item: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "work.created", w.StreamID, domain.EntityWorkItem, w.ID, opts.ActorKey, events.EventPayload{"title": w.Title, "group_id": w.GroupID}); err != nil {
		return domain.WorkItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, err
	}
	return w, nil
}

// StartGroup opens a group for claiming without waiting for an
// aggregator election, for streams run without aggregators.
func (e Engine) StartGroup(ctx context.Context, groupID, actorKey string) (domain.IssueGroup, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.IssueGroup{}, err
	}
	defer tx.Rollback()
	g, err := e.Repo.GetIssueGroupTx(ctx, tx, groupID)
	if err != nil {
		return domain.IssueGroup{}, err
	}
	now := e.nowRFC()
	if err := e.SetGroupStatusTx(ctx, tx, g.ID, g.Status, domain.GroupInProgress, now); err != nil {
		return domain.IssueGroup{}, err
	}
	if err := e.Events.Append(ctx, tx, "group.started", g.StreamID, domain.EntityIssueGroup, g.ID, actorKey, nil); err != nil {
		return domain.IssueGroup{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.IssueGroup{}, err
	}
	g.Status = domain.GroupInProgress
	g.UpdatedAt = now
	return g, nil
}

// ClaimWorkItem hands the oldest claimable work item in the stream's
// active group to the requester. Candidates are read outside any
// transaction; each is then re-validated and claimed under one, and a
// losing compare-and-set just moves on to the next candidate.
func (e Engine) ClaimWorkItem(ctx context.Context, claim envelope.Claim) (domain.WorkItem, domain.Assignment, error) {
	if !e.eligible(ctx, claim.StakingKey, claim.StreamID) {
		return domain.WorkItem{}, domain.Assignment{}, ErrNotEligible
	}
	group, err := e.Repo.ActiveGroup(ctx, claim.StreamID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.WorkItem{}, domain.Assignment{}, ErrNoWork
	}
	if err != nil {
		return domain.WorkItem{}, domain.Assignment{}, err
	}
	candidates, err := e.Repo.ClaimCandidates(ctx, group.ID, claim.RoundNumber, e.leaseRounds(), claim.StakingKey, claim.Identity, 5)
	if err != nil {
		return domain.WorkItem{}, domain.Assignment{}, err
	}
	for _, candidate := range candidates {
		w, a, err := e.claimOne(ctx, candidate.ID, claim)
		if errors.Is(err, repo.ErrConflict) {
			continue
		}
		if err != nil {
			return domain.WorkItem{}, domain.Assignment{}, err
		}
		return w, a, nil
	}
	return domain.WorkItem{}, domain.Assignment{}, ErrNoWork
}

func (e Engine) claimOne(ctx context.Context, workItemID string, claim envelope.Claim) (domain.WorkItem, domain.Assignment, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkItem{}, domain.Assignment{}, err
	}
	defer tx.Rollback()

	w, err := e.Repo.GetWorkItemTx(ctx, tx, workItemID)
	if err != nil {
		return domain.WorkItem{}, domain.Assignment{}, err
	}
	ok, err := e.Repo.DepsApprovedTx(ctx, tx, w.ID)
	if err != nil {
		return domain.WorkItem{}, domain.Assignment{}, err
	}
	if !ok {
		return domain.WorkItem{}, domain.Assignment{}, repo.ErrConflict
	}
	now := e.nowRFC()

	switch {
	case w.Status == domain.WorkItemInitialized:
		if err := e.SetWorkItemStatusTx(ctx, tx, w.ID, domain.WorkItemInitialized, domain.WorkItemInProgress, now); err != nil {
			return domain.WorkItem{}, domain.Assignment{}, err
		}
	case w.Status == domain.WorkItemInProgress && w.Active != nil && w.Active.Round <= claim.RoundNumber-e.leaseRounds():
		// Stale lease: retire the previous holder and take over.
		if err := e.Repo.DeactivateAssignmentsTx(ctx, tx, domain.EntityWorkItem, w.ID, now); err != nil {
			return domain.WorkItem{}, domain.Assignment{}, err
		}
	default:
		return domain.WorkItem{}, domain.Assignment{}, repo.ErrConflict
	}

	a := domain.Assignment{
		ID:         uuid.NewString(),
		EntityKind: domain.EntityWorkItem,
		EntityID:   w.ID,
		PublicKey:  claim.StakingKey,
		Identity:   claim.Identity,
		Round:      claim.RoundNumber,
		Outcome:    domain.OutcomePending,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertAssignmentTx(ctx, tx, a); err != nil {
		return domain.WorkItem{}, domain.Assignment{}, err
	}
	if err := e.Events.Append(ctx, tx, "work.claimed", w.StreamID, domain.EntityWorkItem, w.ID, claim.StakingKey, events.EventPayload{
		"round":    claim.RoundNumber,
		"identity": claim.Identity,
	}); err != nil {
		return domain.WorkItem{}, domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkItem{}, domain.Assignment{}, err
	}
	w.Status = domain.WorkItemInProgress
	w.UpdatedAt = now
	w.Active = &a
	return w, a, nil
}

// AggregatorDecision is the outcome of an aggregator request: either
// the requester leads and got the group, or it learns who does.
type AggregatorDecision struct {
	Election election.Result
	Group    *domain.IssueGroup
}

// AssignAggregator runs the deterministic election for the round and,
// when the requester is the leader, binds it to the oldest group
// awaiting an aggregator. Non-leaders get the election result and no
// mutation.
func (e Engine) AssignAggregator(ctx context.Context, claim envelope.Claim) (AggregatorDecision, error) {
	if !e.eligible(ctx, claim.StakingKey, claim.StreamID) {
		return AggregatorDecision{}, ErrNotEligible
	}
	res, err := e.Elector.Elect(ctx, claim.StreamID, claim.RoundNumber, e.maxRank(), claim.StakingKey)
	if err != nil {
		return AggregatorDecision{}, fmt.Errorf("election: %w", err)
	}
	if !res.IsLeader {
		return AggregatorDecision{Election: res}, nil
	}

	group, err := e.Repo.PendingAggregatorGroup(ctx, claim.StreamID)
	if errors.Is(err, repo.ErrNotFound) {
		return AggregatorDecision{Election: res}, ErrNoWork
	}
	if err != nil {
		return AggregatorDecision{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AggregatorDecision{}, err
	}
	defer tx.Rollback()

	// First election of a group parks it in aggregator_pending until
	// the aggregator publishes its plan; the final-assembly election
	// binds an already promoted group straight to assigned.
	toStatus := domain.GroupAggregatorPending
	if group.Status == domain.GroupAssignPending {
		toStatus = domain.GroupAssigned
	}
	if err := checkGroupTransition(group.Status, toStatus); err != nil {
		return AggregatorDecision{}, err
	}
	now := e.nowRFC()
	if err := e.Repo.SetAggregatorTx(ctx, tx, group.ID, claim.StakingKey, claim.Identity, claim.RoundNumber, toStatus, now); err != nil {
		return AggregatorDecision{Election: res}, err
	}
	if err := e.Repo.DeactivateAssignmentsTx(ctx, tx, domain.EntityIssueGroup, group.ID, now); err != nil {
		return AggregatorDecision{}, err
	}
	a := domain.Assignment{
		ID:         uuid.NewString(),
		EntityKind: domain.EntityIssueGroup,
		EntityID:   group.ID,
		PublicKey:  claim.StakingKey,
		Identity:   claim.Identity,
		Round:      claim.RoundNumber,
		Outcome:    domain.OutcomePending,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertAssignmentTx(ctx, tx, a); err != nil {
		return AggregatorDecision{}, err
	}
	if err := e.Events.Append(ctx, tx, "group.aggregator_assigned", group.StreamID, domain.EntityIssueGroup, group.ID, claim.StakingKey, events.EventPayload{
		"round":    claim.RoundNumber,
		"identity": claim.Identity,
		"status":   toStatus,
	}); err != nil {
		return AggregatorDecision{}, err
	}
	if err := tx.Commit(); err != nil {
		return AggregatorDecision{}, err
	}
	group.Status = toStatus
	group.AggregatorKey = &claim.StakingKey
	group.AggregatorIdentity = &claim.Identity
	group.AggregatorRound = &claim.RoundNumber
	group.UpdatedAt = now
	return AggregatorDecision{Election: res, Group: &group}, nil
}

// SubmitProof binds a proof locator to the requester's active
// assignment for the round and moves the underlying entity into
// review. The assignment is located by (key, round), so a node cannot
// attach proof to work it does not hold.
func (e Engine) SubmitProof(ctx context.Context, claim envelope.Claim) (domain.Assignment, error) {
	if claim.ProofURL == "" {
		return domain.Assignment{}, errors.New("proof url is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer tx.Rollback()

	a, err := e.Repo.ActiveAssignmentForKeyRoundTx(ctx, tx, claim.StakingKey, claim.RoundNumber)
	if err != nil {
		return domain.Assignment{}, err
	}
	now := e.nowRFC()
	if err := e.Repo.SetProofTx(ctx, tx, a.EntityKind, a.EntityID, claim.StakingKey, claim.RoundNumber, claim.ProofURL, now); err != nil {
		return domain.Assignment{}, err
	}

	switch a.EntityKind {
	case domain.EntityWorkItem:
		w, err := e.Repo.GetWorkItemTx(ctx, tx, a.EntityID)
		if err != nil {
			return domain.Assignment{}, err
		}
		if w.Status == domain.WorkItemInProgress {
			if err := e.SetWorkItemStatusTx(ctx, tx, w.ID, domain.WorkItemInProgress, domain.WorkItemInReview, now); err != nil {
				return domain.Assignment{}, err
			}
		}
	case domain.EntityIssueGroup:
		g, err := e.Repo.GetIssueGroupTx(ctx, tx, a.EntityID)
		if err != nil {
			return domain.Assignment{}, err
		}
		switch g.Status {
		case domain.GroupAggregatorPending:
			// The aggregator's plan is published: open the group for
			// claiming.
			if err := e.SetGroupStatusTx(ctx, tx, g.ID, domain.GroupAggregatorPending, domain.GroupInProgress, now); err != nil {
				return domain.Assignment{}, err
			}
		case domain.GroupAssigned:
			if err := e.SetGroupStatusTx(ctx, tx, g.ID, domain.GroupAssigned, domain.GroupInReview, now); err != nil {
				return domain.Assignment{}, err
			}
		}
	}

	if err := e.Events.Append(ctx, tx, "proof.submitted", claim.StreamID, a.EntityKind, a.EntityID, claim.StakingKey, events.EventPayload{
		"round":     claim.RoundNumber,
		"proof_url": claim.ProofURL,
	}); err != nil {
		return domain.Assignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Assignment{}, err
	}
	a.ProofURL = &claim.ProofURL
	a.UpdatedAt = now
	return a, nil
}

// PromoteGroupIfComplete moves an in-progress group to assign_pending
// once every child work item is approved or merged, and clears the
// aggregator so the final assembly round elects a fresh one. Safe to
// call repeatedly.
func (e Engine) PromoteGroupIfComplete(ctx context.Context, groupID, actorKey string) (bool, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	g, err := e.Repo.GetIssueGroupTx(ctx, tx, groupID)
	if err != nil {
		return false, err
	}
	if g.Status != domain.GroupInProgress {
		return false, nil
	}
	n, err := e.Repo.CountUnapprovedItemsTx(ctx, tx, g.ID)
	if err != nil {
		return false, err
	}
	if n > 0 {
		return false, nil
	}
	now := e.nowRFC()
	if err := e.SetGroupStatusTx(ctx, tx, g.ID, domain.GroupInProgress, domain.GroupAssignPending, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return false, nil
		}
		return false, err
	}
	if err := e.Repo.ClearAggregatorTx(ctx, tx, g.ID, now); err != nil {
		return false, err
	}
	if err := e.Repo.DeactivateAssignmentsTx(ctx, tx, domain.EntityIssueGroup, g.ID, now); err != nil {
		return false, err
	}
	if err := e.Events.Append(ctx, tx, "group.assign_pending", g.StreamID, domain.EntityIssueGroup, g.ID, actorKey, nil); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// StreamStatus is a per-stream summary for operators.
type StreamStatus struct {
	StreamID  string         `json:"stream_id"`
	WorkItems map[string]int `json:"work_items"`
	Groups    map[string]int `json:"groups"`
}

func (e Engine) Status(ctx context.Context, streamID string) (StreamStatus, error) {
	items, err := e.Repo.CountWorkItemsByStatus(ctx, streamID)
	if err != nil {
		return StreamStatus{}, err
	}
	groups, err := e.Repo.CountGroupsByStatus(ctx, streamID)
	if err != nil {
		return StreamStatus{}, err
	}
	return StreamStatus{StreamID: streamID, WorkItems: items, Groups: groups}, nil
}
