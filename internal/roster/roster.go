// Package roster answers whether a public key is currently eligible
// to participate in a work stream. Lookups hit an external registry,
// are cached briefly, and fail open: an unreachable roster must not
// deny service to every node at once.
package roster

import (
	"context"
	"log"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

type Roster struct {
	http   *resty.Client
	cache  *expirable.LRU[string, bool]
	logger *log.Logger
}

const cacheSize = 4096

func New(baseURL string, ttl, timeout time.Duration, logger *log.Logger) *Roster {
	if logger == nil {
		logger = log.Default()
	}
	return &Roster{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout),
		cache:  expirable.NewLRU[string, bool](cacheSize, nil, ttl),
		logger: logger,
	}
}

type eligibilityResponse struct {
	Eligible bool `json:"eligible"`
}

// Eligible reports whether the key may participate in the stream. A
// transport failure returns true: availability over strictness.
func (r *Roster) Eligible(ctx context.Context, publicKey, streamID string) bool {
	cacheKey := streamID + "/" + publicKey
	if v, ok := r.cache.Get(cacheKey); ok {
		return v
	}
	var out eligibilityResponse
	res, err := r.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetPathParam("stream", streamID).
		SetPathParam("key", publicKey).
		Get("/streams/{stream}/nodes/{key}")
	if err != nil {
		r.logger.Printf("roster: lookup failed for %s, failing open: %v", publicKey, err)
		return true
	}
	if res.IsError() {
		// A definitive 404 is a real "not eligible"; other errors
		// fail open like transport faults.
		if res.StatusCode() == 404 {
			r.cache.Add(cacheKey, false)
			return false
		}
		r.logger.Printf("roster: status %d for %s, failing open", res.StatusCode(), publicKey)
		return true
	}
	r.cache.Add(cacheKey, out.Eligible)
	return out.Eligible
}
