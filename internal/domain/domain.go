package domain

// WorkItem statuses. Transitions are enforced by the engine transition
// table; ad hoc status writes are rejected at the store boundary.
const (
	WorkItemInitialized = "initialized"
	WorkItemInProgress  = "in_progress"
	WorkItemInReview    = "in_review"
	WorkItemApproved    = "approved"
	WorkItemMerged      = "merged"
)

// IssueGroup statuses.
const (
	GroupInitialized       = "initialized"
	GroupAggregatorPending = "aggregator_pending"
	GroupInProgress        = "in_progress"
	GroupAssignPending     = "assign_pending"
	GroupAssigned          = "assigned"
	GroupInReview          = "in_review"
	GroupApproved          = "approved"
	GroupMerged            = "merged"
)

// Assignment outcomes.
const (
	OutcomePending  = "pending"
	OutcomeApproved = "approved"
	OutcomeRejected = "rejected"
)

// Audit run statuses.
const (
	RunPending    = "pending"
	RunInProgress = "in_progress"
	RunCompleted  = "completed"
	RunFailed     = "failed"
)

// Assignment entity kinds.
const (
	EntityWorkItem   = "work_item"
	EntityIssueGroup = "issue_group"
)

type WorkItem struct {
	ID          string      `json:"id"`
	GroupID     string      `json:"group_id"`
	StreamID    string      `json:"stream_id"`
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	Acceptance  string      `json:"acceptance,omitempty"`
	RepoOwner   string      `json:"repo_owner"`
	RepoName    string      `json:"repo_name"`
	Status      string      `json:"status" enum:"initialized,in_progress,in_review,approved,merged"`
	DependsOn   []string    `json:"depends_on,omitempty"`
	Active      *Assignment `json:"active_assignment,omitempty"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
	UpdatedAt   string      `json:"updated_at" format:"date-time"`
}

type IssueGroup struct {
	ID                 string  `json:"id"`
	StreamID           string  `json:"stream_id"`
	Title              string  `json:"title"`
	RepoOwner          string  `json:"repo_owner"`
	RepoName           string  `json:"repo_name"`
	Status             string  `json:"status" enum:"initialized,aggregator_pending,in_progress,assign_pending,assigned,in_review,approved,merged"`
	AggregatorKey      *string `json:"aggregator_key,omitempty"`
	AggregatorIdentity *string `json:"aggregator_identity,omitempty"`
	AggregatorRound    *int64  `json:"aggregator_round,omitempty"`
	CreatedAt          string  `json:"created_at" format:"date-time"`
	UpdatedAt          string  `json:"updated_at" format:"date-time"`
}

// Assignment binds a work item or issue group to a public key for one
// round. At most one assignment per entity is active at a time.
type Assignment struct {
	ID          string  `json:"id"`
	EntityKind  string  `json:"entity_kind" enum:"work_item,issue_group"`
	EntityID    string  `json:"entity_id"`
	PublicKey   string  `json:"public_key"`
	Identity    string  `json:"identity,omitempty"`
	Round       int64   `json:"round"`
	ProofURL    *string `json:"proof_url,omitempty"`
	Outcome     string  `json:"outcome" enum:"pending,approved,rejected"`
	FailReason  *string `json:"fail_reason,omitempty"`
	Feedback    *string `json:"feedback,omitempty"`
	Recoverable *bool   `json:"recoverable,omitempty"`
	Active      bool    `json:"active"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

// AuditEligible reports whether the assignment carries a proof locator
// and can therefore be judged by a distribution outcome.
func (a Assignment) AuditEligible() bool {
	return a.ProofURL != nil && *a.ProofURL != ""
}

// AuditRun is the durable idempotence marker for one reconciliation of
// a (stream, round) pair.
type AuditRun struct {
	StreamID    string  `json:"stream_id"`
	Round       int64   `json:"round"`
	Status      string  `json:"status" enum:"pending,in_progress,completed,failed"`
	LastError   *string `json:"last_error,omitempty"`
	StartedAt   string  `json:"started_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
	CompletedAt *string `json:"completed_at,omitempty" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	StreamID   string `json:"stream_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorKey   string `json:"actor_key"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
