// Package ledger reads externally produced, append-only round data:
// per-round submissions, disputed keys, and distribution outcomes.
// Everything here is read-only to the coordination layer.
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-resty/resty/v2"
)

// Submission is one node's opaque per-round submission marker. The
// signature opens to the node's own signed claim, which embeds its
// resolved identity.
type Submission struct {
	PublicKey string `json:"publicKey"`
	Signature string `json:"signature"`
	Round     int64  `json:"round"`
}

// Source is the read interface consumed by leader election and audit
// reconciliation.
type Source interface {
	Submissions(ctx context.Context, streamID string, round int64) (map[string]Submission, error)
	DisputedKeys(ctx context.Context, streamID string, round int64) (map[string]struct{}, error)
	DistributionOutcome(ctx context.Context, streamID string, round int64) (map[string]float64, error)
}

// Client fetches round data over HTTP with bounded retries.
type Client struct {
	http *resty.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout),
	}
}

func (c *Client) Submissions(ctx context.Context, streamID string, round int64) (map[string]Submission, error) {
	var out map[string]Submission
	err := c.get(ctx, fmt.Sprintf("/streams/%s/rounds/%d/submissions", streamID, round), &out)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]Submission{}
	}
	return out, nil
}

func (c *Client) DisputedKeys(ctx context.Context, streamID string, round int64) (map[string]struct{}, error) {
	var keys []string
	err := c.get(ctx, fmt.Sprintf("/streams/%s/rounds/%d/disputes", streamID, round), &keys)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		out[k] = struct{}{}
	}
	return out, nil
}

func (c *Client) DistributionOutcome(ctx context.Context, streamID string, round int64) (map[string]float64, error) {
	var out map[string]float64
	err := c.get(ctx, fmt.Sprintf("/streams/%s/rounds/%d/distribution", streamID, round), &out)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = map[string]float64{}
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	op := func() error {
		res, err := c.http.R().SetContext(ctx).SetResult(out).Get(path)
		if err != nil {
			return err
		}
		if res.IsError() {
			if res.StatusCode() >= 500 {
				return fmt.Errorf("ledger %s: status %d", path, res.StatusCode())
			}
			// 4xx will not heal on retry.
			return backoff.Permanent(fmt.Errorf("ledger %s: status %d", path, res.StatusCode()))
		}
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = 10 * time.Second
	return backoff.Retry(op, backoff.WithContext(policy, ctx))
}
