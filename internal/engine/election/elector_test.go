package election_test

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/nacl/sign"

	"swarmline/internal/engine/election"
	"swarmline/internal/envelope"
	"swarmline/internal/ledger"
)

type fakeHistory struct {
	subs     map[int64]map[string]ledger.Submission
	disputed map[int64]map[string]struct{}
}

func (f fakeHistory) Submissions(_ context.Context, _ string, round int64) (map[string]ledger.Submission, error) {
	return f.subs[round], nil
}

func (f fakeHistory) DisputedKeys(_ context.Context, _ string, round int64) (map[string]struct{}, error) {
	return f.disputed[round], nil
}

func (f fakeHistory) DistributionOutcome(_ context.Context, _ string, _ int64) (map[string]float64, error) {
	return nil, nil
}

func historyWith(counts map[string]int) fakeHistory {
	h := fakeHistory{
		subs:     map[int64]map[string]ledger.Submission{},
		disputed: map[int64]map[string]struct{}{},
	}
	// Spread each key's submissions across rounds 6..9 so frequency
	// equals the requested count.
	for key, n := range counts {
		for i := 0; i < n; i++ {
			r := int64(9 - i)
			if h.subs[r] == nil {
				h.subs[r] = map[string]ledger.Submission{}
			}
			h.subs[r][key] = ledger.Submission{PublicKey: key, Round: r}
		}
	}
	return h
}

func TestElectPrefersFrequentSubmitters(t *testing.T) {
	h := historyWith(map[string]int{
		"3aaaaaaaaaaaaaaaaaaaaaaaaaaaaa": 4,
		"3bbbbbbbbbbbbbbbbbbbbbbbbbbbbb": 1,
	})
	e := election.Elector{History: h, Lookback: 4}
	res, err := e.Elect(context.Background(), "stream-1", 10, 1, "3bbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	if err != nil {
		t.Fatal(err)
	}
	if res.LeaderKey != "3aaaaaaaaaaaaaaaaaaaaaaaaaaaaa" {
		t.Fatalf("leader = %s", res.LeaderKey)
	}
	if res.IsLeader {
		t.Fatalf("requester is not the leader")
	}
}

func TestElectExcludesDisputedKeys(t *testing.T) {
	h := historyWith(map[string]int{
		"3aaaaaaaaaaaaaaaaaaaaaaaaaaaaa": 4,
		"3bbbbbbbbbbbbbbbbbbbbbbbbbbbbb": 2,
	})
	h.disputed[9] = map[string]struct{}{"3aaaaaaaaaaaaaaaaaaaaaaaaaaaaa": {}}
	e := election.Elector{History: h, Lookback: 4}
	res, err := e.Elect(context.Background(), "stream-1", 10, 1, "3bbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	if err != nil {
		t.Fatal(err)
	}
	if res.LeaderKey != "3bbbbbbbbbbbbbbbbbbbbbbbbbbbbb" {
		t.Fatalf("disputed key elected: %s", res.LeaderKey)
	}
	if !res.IsLeader {
		t.Fatalf("requester should lead once the disputed key is out")
	}
}

func TestElectDeterministicAcrossRequesters(t *testing.T) {
	h := historyWith(map[string]int{
		"3aaaaaaaaaaaaaaaaaaaaaaaaaaaaa": 3,
		"3bbbbbbbbbbbbbbbbbbbbbbbbbbbbb": 3,
		"3ccccccccccccccccccccccccccccc": 2,
	})
	e := election.Elector{History: h, Lookback: 4}
	// With rank 1 the candidate pool has a single key, so every
	// requester must name the same leader.
	var leader string
	for _, requester := range []string{"3aaaaaaaaaaaaaaaaaaaaaaaaaaaaa", "3bbbbbbbbbbbbbbbbbbbbbbbbbbbbb", "3zzzzzzzzzzzzzzzzzzzzzzzzzzzzz"} {
		res, err := e.Elect(context.Background(), "stream-1", 10, 1, requester)
		if err != nil {
			t.Fatal(err)
		}
		if leader == "" {
			leader = res.LeaderKey
		} else if res.LeaderKey != leader {
			t.Fatalf("leader differs by requester: %s vs %s", res.LeaderKey, leader)
		}
		if res.IsLeader != (requester == leader) {
			t.Fatalf("is_leader inconsistent for %s", requester)
		}
	}
}

func TestElectDistanceSpreadsLeadership(t *testing.T) {
	h := historyWith(map[string]int{
		"211111111111111111111111111111": 4,
		"zzzzzzzzzzzzzzzzzzzzzzzzzzzzzz": 4,
	})
	e := election.Elector{History: h, Lookback: 4}
	// Both candidates are in the pool at rank 2; each requester lands
	// on the candidate closest to its own key.
	res, err := e.Elect(context.Background(), "stream-1", 10, 2, "311111111111111111111111111111")
	if err != nil {
		t.Fatal(err)
	}
	if res.LeaderKey != "211111111111111111111111111111" {
		t.Fatalf("near requester got %s", res.LeaderKey)
	}
	res, err = e.Elect(context.Background(), "stream-1", 10, 2, "yyyyyyyyyyyyyyyyyyyyyyyyyyyyyy")
	if err != nil {
		t.Fatal(err)
	}
	if res.LeaderKey != "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzz" {
		t.Fatalf("far requester got %s", res.LeaderKey)
	}
}

func TestElectMalformedKeyReadsAsDistant(t *testing.T) {
	// '0' is not a base58 symbol. A key made of them must not look
	// identical to the low end of the alphabet: the requester at
	// "111..." has a valid near neighbor at "222...".
	malformed := "000000000000000000000000000000"
	valid := "222222222222222222222222222222"
	h := historyWith(map[string]int{malformed: 4, valid: 4})
	e := election.Elector{History: h, Lookback: 4}
	res, err := e.Elect(context.Background(), "stream-1", 10, 2, "111111111111111111111111111111")
	if err != nil {
		t.Fatal(err)
	}
	if res.LeaderKey != valid {
		t.Fatalf("malformed key won the distance metric: %s", res.LeaderKey)
	}
}

func TestElectResolvesLeaderIdentity(t *testing.T) {
	pub, priv, err := sign.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	key := base58.Encode(pub[:])
	sig, err := envelope.Seal(envelope.Claim{
		StreamID:    "stream-1",
		RoundNumber: 9,
		Action:      "submit-proof",
		StakingKey:  key,
		Identity:    "alice",
	}, priv)
	if err != nil {
		t.Fatal(err)
	}
	h := fakeHistory{
		subs: map[int64]map[string]ledger.Submission{
			9: {key: {PublicKey: key, Signature: sig, Round: 9}},
		},
		disputed: map[int64]map[string]struct{}{},
	}
	e := election.Elector{History: h, Lookback: 4}
	res, err := e.Elect(context.Background(), "stream-1", 10, 1, key)
	if err != nil {
		t.Fatal(err)
	}
	if !res.IsLeader || res.LeaderKey != key {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.LeaderIdentity != "alice" {
		t.Fatalf("identity = %s", res.LeaderIdentity)
	}
}

func TestElectUnknownIdentityWithoutSignature(t *testing.T) {
	h := historyWith(map[string]int{"3aaaaaaaaaaaaaaaaaaaaaaaaaaaaa": 4})
	e := election.Elector{History: h, Lookback: 4}
	res, err := e.Elect(context.Background(), "stream-1", 10, 1, "3aaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	if err != nil {
		t.Fatal(err)
	}
	if res.LeaderIdentity != election.UnknownIdentity {
		t.Fatalf("identity = %s", res.LeaderIdentity)
	}
}

func TestElectEmptyHistory(t *testing.T) {
	h := fakeHistory{subs: map[int64]map[string]ledger.Submission{}, disputed: map[int64]map[string]struct{}{}}
	e := election.Elector{History: h, Lookback: 4}
	res, err := e.Elect(context.Background(), "stream-1", 10, 5, "3aaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	if err != nil {
		t.Fatal(err)
	}
	if res.IsLeader || res.LeaderKey != "" {
		t.Fatalf("expected empty result, got %+v", res)
	}
}
