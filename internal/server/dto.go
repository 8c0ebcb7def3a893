package server

import "swarmline/internal/domain"

type workItemResponse struct {
	domain.WorkItem
	Assignment *domain.Assignment `json:"assignment,omitempty"`
}

type aggregatorResponse struct {
	IsLeader       bool               `json:"is_leader"`
	LeaderKey      string             `json:"leader_key,omitempty"`
	LeaderIdentity string             `json:"leader_identity,omitempty"`
	Group          *domain.IssueGroup `json:"group,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type apiKeyCreated struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Key  string `json:"key"`
}
