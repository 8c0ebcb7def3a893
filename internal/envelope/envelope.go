package envelope

import (
	"encoding/json"
	"errors"
	"log"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/nacl/sign"
)

// ErrVerification is the single failure surfaced to callers. The
// reason is logged internally only; callers never learn whether the
// signature, the payload, or the field binding was at fault.
var ErrVerification = errors.New("verification failed")

// Request is the outer plaintext envelope of a signed request. Mirror
// holds the endpoint-specific plaintext fields that must match the
// recovered payload byte-for-byte.
type Request struct {
	Signature  string
	StakingKey string
	PubKey     string
	Mirror     map[string]string
}

// Claim is the typed payload recovered from a valid signature.
type Claim struct {
	StreamID    string `json:"taskId"`
	RoundNumber int64  `json:"roundNumber"`
	Action      string `json:"action"`
	StakingKey  string `json:"stakingKey"`
	PubKey      string `json:"pubKey,omitempty"`
	Identity    string `json:"githubUsername,omitempty"`
	ProofURL    string `json:"prUrl,omitempty"`
}

// Verifier opens signed request envelopes and applies the binding
// rules uniformly for every endpoint.
type Verifier struct {
	AcceptsStream func(id string) bool
	Logger        *log.Logger
}

func (v Verifier) logger() *log.Logger {
	if v.Logger != nil {
		return v.Logger
	}
	return log.Default()
}

// Verify opens req.Signature with the claimed staking key, parses the
// recovered payload, and checks: the action matches the endpoint, the
// stream id is accepted, every actor field present in both plaintext
// and payload matches exactly, and the round is a non-negative
// integer. All failures collapse to ErrVerification.
func (v Verifier) Verify(req Request, expectedAction string) (Claim, error) {
	payload, err := open(req.Signature, req.StakingKey)
	if err != nil {
		v.logger().Printf("envelope: open failed for key %s: %v", shortKey(req.StakingKey), err)
		return Claim{}, ErrVerification
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		v.logger().Printf("envelope: payload not an object for key %s: %v", shortKey(req.StakingKey), err)
		return Claim{}, ErrVerification
	}

	var claim Claim
	if err := json.Unmarshal(payload, &claim); err != nil {
		v.logger().Printf("envelope: payload decode failed for key %s: %v", shortKey(req.StakingKey), err)
		return Claim{}, ErrVerification
	}

	if claim.Action != expectedAction {
		v.logger().Printf("envelope: action %q != expected %q", claim.Action, expectedAction)
		return Claim{}, ErrVerification
	}
	if v.AcceptsStream == nil || !v.AcceptsStream(claim.StreamID) {
		v.logger().Printf("envelope: stream %q not accepted", claim.StreamID)
		return Claim{}, ErrVerification
	}

	// Round must be a well-formed non-negative integer, not merely a
	// number that truncates to one.
	roundRaw, ok := raw["roundNumber"]
	if !ok {
		v.logger().Printf("envelope: roundNumber missing")
		return Claim{}, ErrVerification
	}
	var roundNum json.Number
	if err := json.Unmarshal(roundRaw, &roundNum); err != nil {
		v.logger().Printf("envelope: roundNumber not numeric: %v", err)
		return Claim{}, ErrVerification
	}
	round, err := roundNum.Int64()
	if err != nil || round < 0 {
		v.logger().Printf("envelope: roundNumber %q not a non-negative integer", roundNum)
		return Claim{}, ErrVerification
	}
	claim.RoundNumber = round

	// Bind the unsigned envelope to the signed claim: any actor field
	// present on both sides must be identical, so a valid signature
	// cannot be grafted onto another actor's request.
	bound := map[string]string{
		"stakingKey": req.StakingKey,
	}
	if req.PubKey != "" {
		bound["pubKey"] = req.PubKey
	}
	for k, val := range req.Mirror {
		bound[k] = val
	}
	for field, plain := range bound {
		rawVal, ok := raw[field]
		if !ok {
			continue
		}
		var signed string
		if err := json.Unmarshal(rawVal, &signed); err != nil {
			v.logger().Printf("envelope: field %s not a string in payload", field)
			return Claim{}, ErrVerification
		}
		if signed != plain {
			v.logger().Printf("envelope: field %s mismatch between envelope and signed payload", field)
			return Claim{}, ErrVerification
		}
	}

	return claim, nil
}

// RecoverIdentity opens a historical submission signature and returns
// the identity string embedded in the node's own signed claim.
func RecoverIdentity(signature, publicKey string) (string, error) {
	payload, err := open(signature, publicKey)
	if err != nil {
		return "", err
	}
	var claim Claim
	if err := json.Unmarshal(payload, &claim); err != nil {
		return "", err
	}
	if claim.Identity == "" {
		return "", errors.New("no identity in claim")
	}
	return claim.Identity, nil
}

// open verifies a base58 signed message against a base58 ed25519 key
// and returns the embedded payload.
func open(signature, publicKey string) ([]byte, error) {
	keyBytes, err := base58.Decode(strings.TrimSpace(publicKey))
	if err != nil {
		return nil, err
	}
	if len(keyBytes) != 32 {
		return nil, errors.New("public key must be 32 bytes")
	}
	var pub [32]byte
	copy(pub[:], keyBytes)

	signed, err := base58.Decode(strings.TrimSpace(signature))
	if err != nil {
		return nil, err
	}
	payload, ok := sign.Open(nil, signed, &pub)
	if !ok {
		return nil, errors.New("signature open failed")
	}
	return payload, nil
}

// Seal signs a payload and returns the base58 signed message. Used by
// the SDK and tests; the server never signs.
func Seal(payload any, privateKey *[64]byte) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	signed := sign.Sign(nil, data, privateKey)
	return base58.Encode(signed), nil
}

func shortKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8] + "…"
}
