package audit_test

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"swarmline/internal/config"
	"swarmline/internal/db"
	"swarmline/internal/domain"
	"swarmline/internal/engine"
	"swarmline/internal/engine/audit"
	"swarmline/internal/engine/election"
	"swarmline/internal/envelope"
	"swarmline/internal/ledger"
	"swarmline/internal/migrate"
)

type fakeLedger struct {
	dist map[int64]map[string]float64
}

func (f *fakeLedger) Submissions(_ context.Context, _ string, _ int64) (map[string]ledger.Submission, error) {
	return nil, nil
}

func (f *fakeLedger) DisputedKeys(_ context.Context, _ string, _ int64) (map[string]struct{}, error) {
	return nil, nil
}

func (f *fakeLedger) DistributionOutcome(_ context.Context, _ string, round int64) (map[string]float64, error) {
	return f.dist[round], nil
}

type testEnv struct {
	Engine engine.Engine
	Ledger *fakeLedger
	Clock  *clockwork.FakeClock
	Rec    *audit.Reconciler
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	src := &fakeLedger{dist: map[int64]map[string]float64{}}
	cfg := config.Default("stream-1")
	eng := engine.New(conn, cfg, nil, election.Elector{History: src})
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	eng.Now = clock.Now
	rec := audit.New(eng, src, clock, 10*time.Minute)
	return testEnv{Engine: eng, Ledger: src, Clock: clock, Rec: rec, Ctx: context.Background()}
}

// seedClaimed creates a started group with one item claimed by key at
// the round, with a proof attached.
func seedClaimed(t *testing.T, env testEnv, key, identity string, round int64) (domain.IssueGroup, domain.WorkItem) {
	t.Helper()
	g, err := env.Engine.CreateIssueGroup(env.Ctx, engine.GroupCreateOptions{
		StreamID:  "stream-1",
		Title:     "milestone",
		RepoOwner: "acme",
		RepoName:  "widgets",
		ActorKey:  "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateWorkItem(env.Ctx, engine.WorkItemCreateOptions{
		GroupID:  g.ID,
		Title:    "item",
		ActorKey: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.StartGroup(env.Ctx, g.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	w, _, err := env.Engine.ClaimWorkItem(env.Ctx, envelope.Claim{
		StreamID:    "stream-1",
		RoundNumber: round,
		Action:      "claim-work",
		StakingKey:  key,
		Identity:    identity,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitProof(env.Ctx, envelope.Claim{
		StreamID:    "stream-1",
		RoundNumber: round,
		Action:      "submit-proof",
		StakingKey:  key,
		ProofURL:    "https://github.com/acme/widgets/pull/1",
	}); err != nil {
		t.Fatal(err)
	}
	return g, w
}

func TestReconcileApprovesAndPromotes(t *testing.T) {
	env := newTestEnv(t)
	g, w := seedClaimed(t, env, "keyA", "alice", 5)
	env.Ledger.dist[5] = map[string]float64{"keyA": 1.5}

	report, err := env.Rec.Reconcile(env.Ctx, "stream-1", 5)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.Owned || report.Approved != 1 || report.Rejected != 0 {
		t.Fatalf("report = %+v", report)
	}

	got, err := env.Engine.Repo.GetWorkItem(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.WorkItemApproved {
		t.Fatalf("item status = %s", got.Status)
	}
	// Single item approved: the group moves to assign_pending.
	gotGroup, err := env.Engine.Repo.GetIssueGroup(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotGroup.Status != domain.GroupAssignPending {
		t.Fatalf("group status = %s", gotGroup.Status)
	}

	run, err := env.Engine.Repo.GetAuditRun(env.Ctx, "stream-1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("run status = %s", run.Status)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	env := newTestEnv(t)
	seedClaimed(t, env, "keyA", "alice", 5)
	env.Ledger.dist[5] = map[string]float64{"keyA": 1}

	if _, err := env.Rec.Reconcile(env.Ctx, "stream-1", 5); err != nil {
		t.Fatal(err)
	}
	report, err := env.Rec.Reconcile(env.Ctx, "stream-1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if !report.AlreadyComplete || report.Approved != 0 {
		t.Fatalf("second run mutated state: %+v", report)
	}

	// A second reconciler process without the cache also no-ops
	// against the durable record.
	other := audit.New(env.Engine, env.Ledger, env.Clock, 10*time.Minute)
	report, err = other.Reconcile(env.Ctx, "stream-1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if report.Owned || !report.AlreadyComplete {
		t.Fatalf("fresh reconciler re-ran a completed round: %+v", report)
	}
}

func TestReconcileRejectionReturnsItemToPool(t *testing.T) {
	env := newTestEnv(t)
	_, w := seedClaimed(t, env, "keyA", "alice", 5)
	env.Ledger.dist[5] = map[string]float64{"keyA": -0.7}

	report, err := env.Rec.Reconcile(env.Ctx, "stream-1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if report.Rejected != 1 {
		t.Fatalf("report = %+v", report)
	}

	got, err := env.Engine.Repo.GetWorkItem(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.WorkItemInitialized {
		t.Fatalf("item status = %s", got.Status)
	}
	if got.Active != nil {
		t.Fatalf("assignment still active after rejection")
	}
	history, err := env.Engine.Repo.ListAssignmentHistory(env.Ctx, domain.EntityWorkItem, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Outcome != domain.OutcomeRejected {
		t.Fatalf("history = %+v", history)
	}
	if history[0].ProofURL != nil {
		t.Fatalf("proof url not cleared on rejection")
	}

	// The item is claimable again by a different node.
	if _, _, err := env.Engine.ClaimWorkItem(env.Ctx, envelope.Claim{
		StreamID:    "stream-1",
		RoundNumber: 6,
		Action:      "claim-work",
		StakingKey:  "keyB",
		Identity:    "bob",
	}); err != nil {
		t.Fatalf("reclaim after rejection: %v", err)
	}
}

func TestReconcileSkipsUnjudgedAndProofless(t *testing.T) {
	env := newTestEnv(t)
	seedClaimed(t, env, "keyA", "alice", 5)
	// No distribution entry for keyA.
	env.Ledger.dist[5] = map[string]float64{"keyZ": 1}

	report, err := env.Rec.Reconcile(env.Ctx, "stream-1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if report.Approved != 0 || report.Rejected != 0 || report.Skipped != 1 {
		t.Fatalf("report = %+v", report)
	}
}

func TestReconcileStaleRunRetry(t *testing.T) {
	env := newTestEnv(t)
	seedClaimed(t, env, "keyA", "alice", 5)
	env.Ledger.dist[5] = map[string]float64{"keyA": 1}

	// Simulate a crashed run: claim the record, then never finish.
	now := env.Clock.Now().UTC().Format(time.RFC3339)
	cutoff := env.Clock.Now().Add(-10 * time.Minute).UTC().Format(time.RFC3339)
	if _, owned, err := env.Engine.Repo.TryStartAuditRun(env.Ctx, "stream-1", 5, now, cutoff); err != nil || !owned {
		t.Fatalf("seed stale run: owned=%v err=%v", owned, err)
	}

	// While the record is fresh, a second runner backs off.
	report, err := env.Rec.Reconcile(env.Ctx, "stream-1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if report.Owned || report.AlreadyComplete {
		t.Fatalf("fresh in_progress run was stolen: %+v", report)
	}

	// After the staleness window it is reclaimed and finished.
	env.Clock.Advance(11 * time.Minute)
	report, err = env.Rec.Reconcile(env.Ctx, "stream-1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Owned || report.Approved != 1 {
		t.Fatalf("stale run not reclaimed: %+v", report)
	}
	run, err := env.Engine.Repo.GetAuditRun(env.Ctx, "stream-1", 5)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunCompleted {
		t.Fatalf("run status = %s", run.Status)
	}
}

func TestReconcileAggregatorVerdicts(t *testing.T) {
	env := newTestEnv(t)
	g, w := seedClaimed(t, env, "keyA", "alice", 5)
	env.Ledger.dist[5] = map[string]float64{"keyA": 1}
	if _, err := env.Rec.Reconcile(env.Ctx, "stream-1", 5); err != nil {
		t.Fatal(err)
	}

	// Bind an aggregator to the now assign_pending group.
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	now := env.Clock.Now().UTC().Format(time.RFC3339)
	if err := env.Engine.Repo.SetAggregatorTx(env.Ctx, tx, g.ID, "keyL", "lea", 8, domain.GroupAssigned, now); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.InsertAssignmentTx(env.Ctx, tx, domain.Assignment{
		ID:         "agg-1",
		EntityKind: domain.EntityIssueGroup,
		EntityID:   g.ID,
		PublicKey:  "keyL",
		Identity:   "lea",
		Round:      8,
		Outcome:    domain.OutcomePending,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	proofURL := "https://github.com/acme/widgets/pull/9"
	if _, err := env.Engine.SubmitProof(env.Ctx, envelope.Claim{
		StreamID:    "stream-1",
		RoundNumber: 8,
		Action:      "submit-proof",
		StakingKey:  "keyL",
		ProofURL:    proofURL,
	}); err != nil {
		t.Fatal(err)
	}

	// Negative verdict: group back to assign_pending, aggregator
	// cleared.
	env.Ledger.dist[8] = map[string]float64{"keyL": -1}
	report, err := env.Rec.Reconcile(env.Ctx, "stream-1", 8)
	if err != nil {
		t.Fatal(err)
	}
	if report.Rejected != 1 {
		t.Fatalf("report = %+v", report)
	}
	gotGroup, err := env.Engine.Repo.GetIssueGroup(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotGroup.Status != domain.GroupAssignPending || gotGroup.AggregatorKey != nil {
		t.Fatalf("group after rejection = %+v", gotGroup)
	}

	// Rebind and approve: group and children merge.
	tx, err = env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.SetAggregatorTx(env.Ctx, tx, g.ID, "keyM", "mia", 12, domain.GroupAssigned, now); err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.InsertAssignmentTx(env.Ctx, tx, domain.Assignment{
		ID:         "agg-2",
		EntityKind: domain.EntityIssueGroup,
		EntityID:   g.ID,
		PublicKey:  "keyM",
		Identity:   "mia",
		Round:      12,
		Outcome:    domain.OutcomePending,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.SubmitProof(env.Ctx, envelope.Claim{
		StreamID:    "stream-1",
		RoundNumber: 12,
		Action:      "submit-proof",
		StakingKey:  "keyM",
		ProofURL:    proofURL,
	}); err != nil {
		t.Fatal(err)
	}
	env.Ledger.dist[12] = map[string]float64{"keyM": 2}
	report, err = env.Rec.Reconcile(env.Ctx, "stream-1", 12)
	if err != nil {
		t.Fatal(err)
	}
	if report.Approved != 1 {
		t.Fatalf("report = %+v", report)
	}
	gotGroup, err = env.Engine.Repo.GetIssueGroup(env.Ctx, g.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotGroup.Status != domain.GroupMerged {
		t.Fatalf("group status = %s", gotGroup.Status)
	}
	gotItem, err := env.Engine.Repo.GetWorkItem(env.Ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gotItem.Status != domain.WorkItemMerged {
		t.Fatalf("item status = %s", gotItem.Status)
	}
}
