// Package election picks the coordinating node for a unit of work
// from public round history alone. Every node runs the same pure
// computation over the same inputs and lands on the same answer; no
// shared lock or coordinator exists.
package election

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log"
	"sort"

	"swarmline/internal/envelope"
	"swarmline/internal/ledger"
)

// UnknownIdentity is returned when no lookback round yields a
// resolvable identity for the chosen leader. Callers must treat it as
// "leader undetermined" and not proceed.
const UnknownIdentity = "unknown"

// distanceSymbols is how many leading key symbols feed the distance
// metric.
const distanceSymbols = 30

const b58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

type Elector struct {
	History  ledger.Source
	Lookback int
	Logger   *log.Logger
}

type Result struct {
	IsLeader       bool   `json:"is_leader"`
	LeaderKey      string `json:"leader_key,omitempty"`
	LeaderIdentity string `json:"leader_identity,omitempty"`
}

func (e Elector) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

func (e Elector) lookback() int {
	if e.Lookback > 0 {
		return e.Lookback
	}
	return 4
}

// Elect decides whether requestKey leads for the given round. rank
// bounds the candidate pool taken from the frequency ranking; the
// requester-dependent distance metric then spreads leadership across
// that pool without any extra shared state.
func (e Elector) Elect(ctx context.Context, streamID string, round int64, rank int, requestKey string) (Result, error) {
	if round <= 0 {
		return Result{}, nil
	}
	if rank <= 0 {
		rank = 1
	}

	freq := map[string]int{}
	disputed := map[string]struct{}{}
	for i := 1; i <= e.lookback(); i++ {
		r := round - int64(i)
		if r < 0 {
			break
		}
		subs, err := e.History.Submissions(ctx, streamID, r)
		if err != nil {
			return Result{}, err
		}
		for key := range subs {
			freq[key]++
		}
		bad, err := e.History.DisputedKeys(ctx, streamID, r)
		if err != nil {
			return Result{}, err
		}
		for key := range bad {
			disputed[key] = struct{}{}
		}
	}

	var keys []string
	for key := range freq {
		if _, ok := disputed[key]; ok {
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return Result{}, nil
	}

	// Frequency descending, key ascending as a stable secondary order
	// so every node sorts identically.
	sort.Slice(keys, func(i, j int) bool {
		if freq[keys[i]] != freq[keys[j]] {
			return freq[keys[i]] > freq[keys[j]]
		}
		return keys[i] < keys[j]
	})

	if rank > len(keys) {
		rank = len(keys)
	}
	candidates := pickCandidates(streamID, keys, freq, rank)

	leader := candidates[0]
	best := keyDistance(requestKey, leader)
	for _, key := range candidates[1:] {
		if d := keyDistance(requestKey, key); d < best {
			best = d
			leader = key
		}
	}

	identity := e.resolveIdentity(ctx, streamID, round, leader)
	if identity == UnknownIdentity {
		e.logger().Printf("election: no identity for leader %s in stream %s round %d", leader, streamID, round)
	}
	return Result{
		IsLeader:       leader == requestKey,
		LeaderKey:      leader,
		LeaderIdentity: identity,
	}, nil
}

// pickCandidates takes the top rank keys. Keys tied at the cutoff
// frequency are ordered by a tie-break derived only from the stream id
// and the key itself, so the choice reproduces bit-for-bit on every
// node regardless of language or RNG.
func pickCandidates(streamID string, keys []string, freq map[string]int, rank int) []string {
	cutoff := freq[keys[rank-1]]
	var guaranteed, tied []string
	for _, key := range keys {
		switch {
		case freq[key] > cutoff:
			guaranteed = append(guaranteed, key)
		case freq[key] == cutoff:
			tied = append(tied, key)
		}
	}
	if len(guaranteed) >= rank {
		return guaranteed[:rank]
	}
	sort.Slice(tied, func(i, j int) bool {
		return tieBreak(streamID, tied[i]) < tieBreak(streamID, tied[j])
	})
	need := rank - len(guaranteed)
	if need > len(tied) {
		need = len(tied)
	}
	return append(guaranteed, tied[:need]...)
}

func tieBreak(streamID, key string) string {
	sum := sha256.Sum256([]byte(streamID + ":" + key))
	return hex.EncodeToString(sum[:])
}

// keyDistance sums absolute differences of base58 alphabet indices
// over the first 30 symbols of two keys.
func keyDistance(a, b string) int {
	n := distanceSymbols
	if len(a) < n {
		n = len(a)
	}
	if len(b) < n {
		n = len(b)
	}
	total := 0
	for i := 0; i < n; i++ {
		ai := alphabetIndex(a[i])
		bi := alphabetIndex(b[i])
		d := ai - bi
		if d < 0 {
			d = -d
		}
		total += d
	}
	return total
}

// alphabetIndex maps bytes outside the alphabet past its end, so a
// malformed key reads as maximally far rather than aliasing '1'.
func alphabetIndex(c byte) int {
	for i := 0; i < len(b58Alphabet); i++ {
		if b58Alphabet[i] == c {
			return i
		}
	}
	return len(b58Alphabet)
}

// resolveIdentity walks submissions backward up to the lookback depth
// and opens the leader's own signed claim to read its identity.
func (e Elector) resolveIdentity(ctx context.Context, streamID string, round int64, key string) string {
	for i := 1; i <= e.lookback(); i++ {
		r := round - int64(i)
		if r < 0 {
			break
		}
		subs, err := e.History.Submissions(ctx, streamID, r)
		if err != nil {
			continue
		}
		sub, ok := subs[key]
		if !ok {
			continue
		}
		identity, err := envelope.RecoverIdentity(sub.Signature, key)
		if err != nil {
			e.logger().Printf("election: identity recovery failed for %s at round %d: %v", key, r, err)
			continue
		}
		return identity
	}
	return UnknownIdentity
}
