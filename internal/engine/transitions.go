package engine

import (
	"context"
	"database/sql"
	"fmt"

	"swarmline/internal/domain"
)

// Legal status transitions. Any status write outside these tables is a
// bug; every status write goes through SetWorkItemStatusTx or
// SetGroupStatusTx, which consult the table before the compare-and-set
// update. A negative audit may overturn even an approved item, hence
// the rejection edge back to initialized.
var workItemTransitions = map[string][]string{
	domain.WorkItemInitialized: {domain.WorkItemInProgress},
	domain.WorkItemInProgress:  {domain.WorkItemInReview, domain.WorkItemApproved, domain.WorkItemInitialized},
	domain.WorkItemInReview:    {domain.WorkItemApproved, domain.WorkItemInitialized},
	domain.WorkItemApproved:    {domain.WorkItemMerged, domain.WorkItemInitialized},
	domain.WorkItemMerged:      {},
}

var groupTransitions = map[string][]string{
	domain.GroupInitialized:       {domain.GroupAggregatorPending, domain.GroupInProgress},
	domain.GroupAggregatorPending: {domain.GroupInProgress},
	domain.GroupInProgress:        {domain.GroupAssignPending},
	domain.GroupAssignPending:     {domain.GroupAssigned},
	domain.GroupAssigned:          {domain.GroupInReview, domain.GroupApproved, domain.GroupAssignPending},
	domain.GroupInReview:          {domain.GroupApproved, domain.GroupAssignPending},
	domain.GroupApproved:          {domain.GroupMerged},
	domain.GroupMerged:            {},
}

func canTransition(table map[string][]string, from, to string) bool {
	for _, t := range table[from] {
		if t == to {
			return true
		}
	}
	return false
}

func checkWorkItemTransition(from, to string) error {
	if !canTransition(workItemTransitions, from, to) {
		return fmt.Errorf("work item cannot move from %s to %s", from, to)
	}
	return nil
}

func checkGroupTransition(from, to string) error {
	if !canTransition(groupTransitions, from, to) {
		return fmt.Errorf("issue group cannot move from %s to %s", from, to)
	}
	return nil
}

// SetWorkItemStatusTx applies a status change, rejecting any move the
// transition table does not allow. ErrConflict from the underlying
// compare-and-set means another writer moved the row first.
func (e Engine) SetWorkItemStatusTx(ctx context.Context, tx *sql.Tx, id, from, to, updatedAt string) error {
	if err := checkWorkItemTransition(from, to); err != nil {
		return err
	}
	return e.Repo.UpdateWorkItemStatusTx(ctx, tx, id, from, to, updatedAt)
}

// SetGroupStatusTx is the group counterpart of SetWorkItemStatusTx.
func (e Engine) SetGroupStatusTx(ctx context.Context, tx *sql.Tx, id, from, to, updatedAt string) error {
	if err := checkGroupTransition(from, to); err != nil {
		return err
	}
	return e.Repo.UpdateGroupStatusTx(ctx, tx, id, from, to, updatedAt)
}
