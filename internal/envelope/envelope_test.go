package envelope_test

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/nacl/sign"

	"swarmline/internal/envelope"
)

type keypair struct {
	pub  string
	priv *[64]byte
}

func newKeypair(t *testing.T) keypair {
	t.Helper()
	pub, priv, err := sign.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return keypair{pub: base58.Encode(pub[:]), priv: priv}
}

func acceptStream(id string) bool { return id == "stream-1" }

func TestVerifyHappyPath(t *testing.T) {
	kp := newKeypair(t)
	sig, err := envelope.Seal(envelope.Claim{
		StreamID:    "stream-1",
		RoundNumber: 7,
		Action:      "claim-work",
		StakingKey:  kp.pub,
		Identity:    "alice",
	}, kp.priv)
	if err != nil {
		t.Fatal(err)
	}
	v := envelope.Verifier{AcceptsStream: acceptStream}
	claim, err := v.Verify(envelope.Request{Signature: sig, StakingKey: kp.pub}, "claim-work")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claim.StreamID != "stream-1" || claim.RoundNumber != 7 || claim.Identity != "alice" {
		t.Fatalf("claim = %+v", claim)
	}
}

func TestVerifyRejectsGraftedSignature(t *testing.T) {
	alice := newKeypair(t)
	bob := newKeypair(t)
	// Alice's valid signature presented as if it were Bob's.
	sig, err := envelope.Seal(envelope.Claim{
		StreamID:    "stream-1",
		RoundNumber: 7,
		Action:      "claim-work",
		StakingKey:  alice.pub,
	}, alice.priv)
	if err != nil {
		t.Fatal(err)
	}
	v := envelope.Verifier{AcceptsStream: acceptStream}
	if _, err := v.Verify(envelope.Request{Signature: sig, StakingKey: bob.pub}, "claim-work"); !errors.Is(err, envelope.ErrVerification) {
		t.Fatalf("grafted signature accepted: %v", err)
	}
}

func TestVerifyBindsMirroredFields(t *testing.T) {
	kp := newKeypair(t)
	sig, err := envelope.Seal(envelope.Claim{
		StreamID:    "stream-1",
		RoundNumber: 7,
		Action:      "submit-proof",
		StakingKey:  kp.pub,
		ProofURL:    "https://github.com/acme/widgets/pull/7",
	}, kp.priv)
	if err != nil {
		t.Fatal(err)
	}
	v := envelope.Verifier{AcceptsStream: acceptStream}

	req := envelope.Request{
		Signature:  sig,
		StakingKey: kp.pub,
		Mirror:     map[string]string{"prUrl": "https://github.com/acme/widgets/pull/7"},
	}
	if _, err := v.Verify(req, "submit-proof"); err != nil {
		t.Fatalf("matching mirror rejected: %v", err)
	}

	req.Mirror["prUrl"] = "https://github.com/evil/repo/pull/1"
	if _, err := v.Verify(req, "submit-proof"); !errors.Is(err, envelope.ErrVerification) {
		t.Fatalf("mismatched mirror accepted: %v", err)
	}
}

func TestVerifyRejectsWrongAction(t *testing.T) {
	kp := newKeypair(t)
	sig, err := envelope.Seal(envelope.Claim{
		StreamID:    "stream-1",
		RoundNumber: 7,
		Action:      "claim-work",
		StakingKey:  kp.pub,
	}, kp.priv)
	if err != nil {
		t.Fatal(err)
	}
	v := envelope.Verifier{AcceptsStream: acceptStream}
	if _, err := v.Verify(envelope.Request{Signature: sig, StakingKey: kp.pub}, "assign-aggregator"); !errors.Is(err, envelope.ErrVerification) {
		t.Fatalf("wrong action accepted: %v", err)
	}
}

func TestVerifyRejectsUnknownStream(t *testing.T) {
	kp := newKeypair(t)
	sig, err := envelope.Seal(envelope.Claim{
		StreamID:    "stream-2",
		RoundNumber: 7,
		Action:      "claim-work",
		StakingKey:  kp.pub,
	}, kp.priv)
	if err != nil {
		t.Fatal(err)
	}
	v := envelope.Verifier{AcceptsStream: acceptStream}
	if _, err := v.Verify(envelope.Request{Signature: sig, StakingKey: kp.pub}, "claim-work"); !errors.Is(err, envelope.ErrVerification) {
		t.Fatalf("unknown stream accepted: %v", err)
	}
}

func TestVerifyRejectsBadRounds(t *testing.T) {
	kp := newKeypair(t)
	v := envelope.Verifier{AcceptsStream: acceptStream}
	for _, round := range []any{-1, 2.5, "7"} {
		payload := map[string]any{
			"taskId":      "stream-1",
			"roundNumber": round,
			"action":      "claim-work",
			"stakingKey":  kp.pub,
		}
		sig, err := envelope.Seal(payload, kp.priv)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := v.Verify(envelope.Request{Signature: sig, StakingKey: kp.pub}, "claim-work"); !errors.Is(err, envelope.ErrVerification) {
			t.Fatalf("round %v accepted: %v", round, err)
		}
	}
}

func TestRecoverIdentity(t *testing.T) {
	kp := newKeypair(t)
	sig, err := envelope.Seal(envelope.Claim{
		StreamID:    "stream-1",
		RoundNumber: 7,
		Action:      "submit-proof",
		StakingKey:  kp.pub,
		Identity:    "alice",
	}, kp.priv)
	if err != nil {
		t.Fatal(err)
	}
	identity, err := envelope.RecoverIdentity(sig, kp.pub)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if identity != "alice" {
		t.Fatalf("identity = %s", identity)
	}
	other := newKeypair(t)
	if _, err := envelope.RecoverIdentity(sig, other.pub); err == nil {
		t.Fatalf("recovered identity with wrong key")
	}
}
