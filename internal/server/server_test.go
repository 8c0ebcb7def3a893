package server_test

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/nacl/sign"

	"swarmline/internal/config"
	"swarmline/internal/db"
	"swarmline/internal/engine"
	"swarmline/internal/engine/audit"
	"swarmline/internal/engine/election"
	"swarmline/internal/envelope"
	"swarmline/internal/ledger"
	"swarmline/internal/migrate"
	"swarmline/internal/server"
)

const jwtSecret = "test-secret"

type fakeLedger struct {
	dist map[int64]map[string]float64
}

func (f *fakeLedger) Submissions(_ context.Context, _ string, _ int64) (map[string]ledger.Submission, error) {
	return nil, nil
}

func (f *fakeLedger) DisputedKeys(_ context.Context, _ string, _ int64) (map[string]struct{}, error) {
	return nil, nil
}

func (f *fakeLedger) DistributionOutcome(_ context.Context, _ string, round int64) (map[string]float64, error) {
	return f.dist[round], nil
}

type testServer struct {
	URL    string
	Engine engine.Engine
	Ledger *fakeLedger
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	src := &fakeLedger{dist: map[int64]map[string]float64{}}
	cfg := config.Default("stream-1")
	eng := engine.New(conn, cfg, nil, election.Elector{History: src})
	rec := audit.New(eng, src, clockwork.NewRealClock(), 10*time.Minute)
	handler, err := server.New(server.Config{
		Engine:     eng,
		Reconciler: rec,
		Auth:       server.AuthConfig{JWTSecret: jwtSecret},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return testServer{URL: srv.URL, Engine: eng, Ledger: src}
}

func operatorToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func doJSON(t *testing.T, method, url, token string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && resp.StatusCode < 300 {
			t.Fatalf("decode %s %s: %v", method, url, err)
		}
	}
	return resp.StatusCode
}

type nodeKeys struct {
	pub  string
	priv *[64]byte
}

func newNode(t *testing.T) nodeKeys {
	t.Helper()
	pub, priv, err := sign.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return nodeKeys{pub: base58.Encode(pub[:]), priv: priv}
}

func (n nodeKeys) sign(t *testing.T, action string, round int64, proofURL string) string {
	t.Helper()
	sig, err := envelope.Seal(envelope.Claim{
		StreamID:    "stream-1",
		RoundNumber: round,
		Action:      action,
		StakingKey:  n.pub,
		Identity:    "alice",
		ProofURL:    proofURL,
	}, n.priv)
	if err != nil {
		t.Fatal(err)
	}
	return sig
}

func seedStartedGroup(t *testing.T, ts testServer, token string) string {
	t.Helper()
	var group struct {
		ID string `json:"id"`
	}
	status := doJSON(t, http.MethodPost, ts.URL+"/v0/groups", token, map[string]string{
		"stream_id":  "stream-1",
		"title":      "milestone",
		"repo_owner": "acme",
		"repo_name":  "widgets",
	}, &group)
	if status != http.StatusCreated {
		t.Fatalf("create group: status %d", status)
	}
	status = doJSON(t, http.MethodPost, ts.URL+"/v0/groups/"+group.ID+"/items", token, map[string]string{
		"title": "item",
	}, nil)
	if status != http.StatusCreated {
		t.Fatalf("create item: status %d", status)
	}
	status = doJSON(t, http.MethodPost, ts.URL+"/v0/groups/"+group.ID+"/start", token, nil, nil)
	if status != http.StatusOK {
		t.Fatalf("start group: status %d", status)
	}
	return group.ID
}

func TestOperatorEndpointsRequireAuth(t *testing.T) {
	ts := newTestServer(t)
	status := doJSON(t, http.MethodPost, ts.URL+"/v0/groups", "", map[string]string{
		"stream_id": "stream-1", "title": "x", "repo_owner": "a", "repo_name": "b",
	}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d", status)
	}
	if s := doJSON(t, http.MethodGet, ts.URL+"/v0/health", "", nil, nil); s != http.StatusOK {
		t.Fatalf("health status = %d", s)
	}
}

func TestSignedClaimFlow(t *testing.T) {
	ts := newTestServer(t)
	token := operatorToken(t)
	seedStartedGroup(t, ts, token)
	node := newNode(t)

	var claimed struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	status := doJSON(t, http.MethodPost, ts.URL+"/v0/streams/stream-1/work/claim", "", map[string]string{
		"signature":  node.sign(t, "claim-work", 5, ""),
		"stakingKey": node.pub,
	}, &claimed)
	if status != http.StatusOK {
		t.Fatalf("claim status = %d", status)
	}
	if claimed.Status != "in_progress" {
		t.Fatalf("claimed item status = %s", claimed.Status)
	}

	proofURL := "https://github.com/acme/widgets/pull/3"
	status = doJSON(t, http.MethodPost, ts.URL+"/v0/streams/stream-1/proofs", "", map[string]string{
		"signature":  node.sign(t, "submit-proof", 5, proofURL),
		"stakingKey": node.pub,
		"prUrl":      proofURL,
	}, nil)
	if status != http.StatusOK {
		t.Fatalf("proof status = %d", status)
	}

	got, err := ts.Engine.Repo.GetWorkItem(context.Background(), claimed.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "in_review" {
		t.Fatalf("item status = %s", got.Status)
	}
}

func TestClaimRejectsTamperedKey(t *testing.T) {
	ts := newTestServer(t)
	token := operatorToken(t)
	seedStartedGroup(t, ts, token)
	alice := newNode(t)
	mallory := newNode(t)

	// Alice's signature with Mallory's key pasted into the envelope.
	status := doJSON(t, http.MethodPost, ts.URL+"/v0/streams/stream-1/work/claim", "", map[string]string{
		"signature":  alice.sign(t, "claim-work", 5, ""),
		"stakingKey": mallory.pub,
	}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d", status)
	}
}

func TestProofRejectsMismatchedMirror(t *testing.T) {
	ts := newTestServer(t)
	token := operatorToken(t)
	seedStartedGroup(t, ts, token)
	node := newNode(t)

	if s := doJSON(t, http.MethodPost, ts.URL+"/v0/streams/stream-1/work/claim", "", map[string]string{
		"signature":  node.sign(t, "claim-work", 5, ""),
		"stakingKey": node.pub,
	}, nil); s != http.StatusOK {
		t.Fatalf("claim status = %d", s)
	}

	// Signed proof url differs from the plaintext one.
	status := doJSON(t, http.MethodPost, ts.URL+"/v0/streams/stream-1/proofs", "", map[string]string{
		"signature":  node.sign(t, "submit-proof", 5, "https://github.com/acme/widgets/pull/3"),
		"stakingKey": node.pub,
		"prUrl":      "https://github.com/evil/repo/pull/1",
	}, nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d", status)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	ts := newTestServer(t)
	token := operatorToken(t)
	seedStartedGroup(t, ts, token)
	node := newNode(t)

	if s := doJSON(t, http.MethodPost, ts.URL+"/v0/streams/stream-1/work/claim", "", map[string]string{
		"signature":  node.sign(t, "claim-work", 5, ""),
		"stakingKey": node.pub,
	}, nil); s != http.StatusOK {
		t.Fatalf("claim status = %d", s)
	}
	proofURL := "https://github.com/acme/widgets/pull/3"
	if s := doJSON(t, http.MethodPost, ts.URL+"/v0/streams/stream-1/proofs", "", map[string]string{
		"signature":  node.sign(t, "submit-proof", 5, proofURL),
		"stakingKey": node.pub,
		"prUrl":      proofURL,
	}, nil); s != http.StatusOK {
		t.Fatalf("proof status = %d", s)
	}

	ts.Ledger.dist[5] = map[string]float64{node.pub: 1}
	var report struct {
		Approved int  `json:"approved"`
		Owned    bool `json:"owned"`
	}
	status := doJSON(t, http.MethodPost, ts.URL+"/v0/streams/stream-1/reconcile", token, map[string]int64{"round": 5}, &report)
	if status != http.StatusOK {
		t.Fatalf("reconcile status = %d", status)
	}
	if !report.Owned || report.Approved != 1 {
		t.Fatalf("report = %+v", report)
	}

	// Unauthenticated reconcile is refused.
	if s := doJSON(t, http.MethodPost, fmt.Sprintf("%s/v0/streams/stream-1/reconcile", ts.URL), "", map[string]int64{"round": 5}, nil); s != http.StatusUnauthorized {
		t.Fatalf("unauthenticated reconcile status = %d", s)
	}
}
