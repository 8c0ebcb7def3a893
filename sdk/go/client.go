// Package swarmlinesdk is a minimal client for the Swarmline worker
// API. It holds the node's signing keypair and produces the signed
// request envelopes the server verifies.
package swarmlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/nacl/sign"
)

// Client signs and sends worker requests for one node.
type Client struct {
	BaseURL    string
	StreamID   string
	Identity   string
	HTTPClient *http.Client
	Timeout    time.Duration

	publicKey  [32]byte
	privateKey [64]byte
}

// New creates a client from a base58 ed25519 keypair.
func New(baseURL, streamID, identity, publicKey, privateKey string) (*Client, error) {
	c := &Client{
		BaseURL:  baseURL,
		StreamID: streamID,
		Identity: identity,
		Timeout:  10 * time.Second,
	}
	pub, err := base58.Decode(publicKey)
	if err != nil || len(pub) != 32 {
		return nil, errors.New("public key must be 32 base58 bytes")
	}
	priv, err := base58.Decode(privateKey)
	if err != nil || len(priv) != 64 {
		return nil, errors.New("private key must be 64 base58 bytes")
	}
	copy(c.publicKey[:], pub)
	copy(c.privateKey[:], priv)
	return c, nil
}

// PublicKey returns the node's base58 public key.
func (c *Client) PublicKey() string {
	return base58.Encode(c.publicKey[:])
}

// WorkItem is the API work item model (partial).
type WorkItem struct {
	ID        string      `json:"id"`
	GroupID   string      `json:"group_id"`
	StreamID  string      `json:"stream_id"`
	Title     string      `json:"title"`
	RepoOwner string      `json:"repo_owner"`
	RepoName  string      `json:"repo_name"`
	Status    string      `json:"status"`
	Active    *Assignment `json:"assignment,omitempty"`
}

type Assignment struct {
	ID         string  `json:"id"`
	EntityKind string  `json:"entity_kind"`
	EntityID   string  `json:"entity_id"`
	PublicKey  string  `json:"public_key"`
	Round      int64   `json:"round"`
	ProofURL   *string `json:"proof_url,omitempty"`
	Outcome    string  `json:"outcome"`
	Active     bool    `json:"active"`
}

type IssueGroup struct {
	ID                 string  `json:"id"`
	StreamID           string  `json:"stream_id"`
	Title              string  `json:"title"`
	Status             string  `json:"status"`
	AggregatorKey      *string `json:"aggregator_key,omitempty"`
	AggregatorIdentity *string `json:"aggregator_identity,omitempty"`
}

type AggregatorResult struct {
	IsLeader       bool        `json:"is_leader"`
	LeaderKey      string      `json:"leader_key"`
	LeaderIdentity string      `json:"leader_identity"`
	Group          *IssueGroup `json:"group,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

type claimPayload struct {
	StreamID    string `json:"taskId"`
	RoundNumber int64  `json:"roundNumber"`
	Action      string `json:"action"`
	StakingKey  string `json:"stakingKey"`
	Identity    string `json:"githubUsername,omitempty"`
	ProofURL    string `json:"prUrl,omitempty"`
}

func (c *Client) seal(action string, round int64, proofURL string) (string, error) {
	payload := claimPayload{
		StreamID:    c.StreamID,
		RoundNumber: round,
		Action:      action,
		StakingKey:  c.PublicKey(),
		Identity:    c.Identity,
		ProofURL:    proofURL,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return base58.Encode(sign.Sign(nil, data, &c.privateKey)), nil
}

// ClaimWork requests the next claimable work item for the round.
func (c *Client) ClaimWork(ctx context.Context, round int64) (WorkItem, error) {
	sig, err := c.seal("claim-work", round, "")
	if err != nil {
		return WorkItem{}, err
	}
	body := map[string]any{
		"signature":  sig,
		"stakingKey": c.PublicKey(),
	}
	var resp WorkItem
	err = c.do(ctx, http.MethodPost, fmt.Sprintf("/v0/streams/%s/work/claim", c.StreamID), body, &resp)
	return resp, err
}

// RequestAggregator asks for the aggregator role for the round. When
// another node leads, the result names it and no state changes.
func (c *Client) RequestAggregator(ctx context.Context, round int64) (AggregatorResult, error) {
	sig, err := c.seal("assign-aggregator", round, "")
	if err != nil {
		return AggregatorResult{}, err
	}
	body := map[string]any{
		"signature":  sig,
		"stakingKey": c.PublicKey(),
	}
	var resp AggregatorResult
	err = c.do(ctx, http.MethodPost, fmt.Sprintf("/v0/streams/%s/groups/aggregator", c.StreamID), body, &resp)
	return resp, err
}

// SubmitProof attaches a proof locator to the node's active assignment
// for the round.
func (c *Client) SubmitProof(ctx context.Context, round int64, proofURL string) (Assignment, error) {
	sig, err := c.seal("submit-proof", round, proofURL)
	if err != nil {
		return Assignment{}, err
	}
	body := map[string]any{
		"signature":  sig,
		"stakingKey": c.PublicKey(),
		"prUrl":      proofURL,
	}
	var resp Assignment
	err = c.do(ctx, http.MethodPost, fmt.Sprintf("/v0/streams/%s/proofs", c.StreamID), body, &resp)
	return resp, err
}

// Election reports the computed leader for a round.
func (c *Client) Election(ctx context.Context, round int64) (AggregatorResult, error) {
	var resp AggregatorResult
	path := fmt.Sprintf("/v0/streams/%s/election?round=%d&key=%s", c.StreamID, round, c.PublicKey())
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: c.Timeout}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}
