package httpapi

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfs3/dfs3node/internal/blobstore"
	"github.com/dfs3/dfs3node/internal/config"
	"github.com/dfs3/dfs3node/internal/db"
	"github.com/dfs3/dfs3node/internal/dispatch"
	"github.com/dfs3/dfs3node/internal/event"
	"github.com/dfs3/dfs3node/internal/fetch"
	"github.com/dfs3/dfs3node/internal/ledger"
	"github.com/dfs3/dfs3node/internal/metadata"
	"github.com/dfs3/dfs3node/internal/registry"
	"github.com/dfs3/dfs3node/internal/session"
)

// newTestServer wires a full Server against a real temp-file SQLite store,
// temp-dir blobstore and metadata store, and an in-process fake ledger that
// just round-trips published envelopes (so Dispatcher.Publish's ledger
// write succeeds without a real IOTA node).
func newTestServer(t *testing.T) (*Server, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "dfs3.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })

	blocks := map[string][]byte{}
	ledgerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			body, _ := readAll(r)
			id := "block-" + hex.EncodeToString([]byte{byte(len(blocks))})
			blocks[id] = body
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]string{"blockId": id})
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(ledgerSrv.Close)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	nodeID := hex.EncodeToString(pub)
	builder := event.NewBuilder(nodeID, priv)
	ledgerClient := ledger.New(ledgerSrv.URL, "", nil, false)

	nodes := registry.NewNodeRegistry(store, 16)
	users := registry.NewUserRegistry(store, 16)
	metaStore := metadata.NewStore(filepath.Join(t.TempDir(), "meta"), 16)
	entries := metadata.NewEntries(filepath.Join(t.TempDir(), "users"), filepath.Join(t.TempDir(), "meta"), store)
	blobs := blobstore.New(t.TempDir())
	fetchEngine := fetch.New(blobs, 4, time.Second)

	dispatcher := &dispatch.Dispatcher{
		DB:       store,
		Ledger:   ledgerClient,
		Nodes:    nodes,
		Users:    users,
		Meta:     metaStore,
		Entries:  entries,
		SelfNode: nodeID,
	}

	cfg := &config.Config{Port: "0"}
	srv := New(cfg, Deps{
		DB:         store,
		Builder:    builder,
		Dispatcher: dispatcher,
		Nodes:      nodes,
		Users:      users,
		Meta:       metaStore,
		Entries:    entries,
		Blobs:      blobs,
		Fetch:      fetchEngine,
		Challenges: session.NewChallenges(5 * time.Minute),
		Sessions:   session.NewSessions(time.Hour),
		SelfNodeID: nodeID,
	})
	return srv, pub, priv
}

func readAll(r *http.Request) ([]byte, error) {
	buf := new(bytes.Buffer)
	_, err := buf.ReadFrom(r.Body)
	return buf.Bytes(), err
}

func sha256Of(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

func TestHandleStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body statusBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
}

func TestHandleStatsReturnsZeroCounts(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 0, body.UserCount)
}

func TestProtectedRouteRejectsMissingToken(t *testing.T) {
	srv, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// TestRegisterChallengeVerifyFlow exercises spec's user onboarding
// end-to-end: register a user, request a challenge, sign it, verify, and
// use the returned bearer token against an authenticated route.
func TestRegisterChallengeVerifyFlow(t *testing.T) {
	srv, userPub, userPriv := newTestServer(t)
	userID := hex.EncodeToString(sha256Of([]byte("user-1")))

	registerBody, _ := json.Marshal(RegisterRequest{
		UserID:    userID,
		Alias:     "alice",
		PublicKey: hex.EncodeToString(userPub),
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewReader(registerBody))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	challengeBody, _ := json.Marshal(challengeRequest{UserID: userID})
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/challenge", bytes.NewReader(challengeBody))
	rec = httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var chResp challengeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &chResp))

	challengeBytes, err := base64.StdEncoding.DecodeString(chResp.Challenge)
	require.NoError(t, err)
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(userPriv, challengeBytes))

	verifyBody, _ := json.Marshal(verifyRequest{UserID: userID, Signature: sig})
	req = httptest.NewRequest(http.MethodPost, "/api/v1/auth/verify", bytes.NewReader(verifyBody))
	rec = httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var verifyResp verifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &verifyResp))
	assert.NotEmpty(t, verifyResp.AccessToken)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/files", nil)
	req.Header.Set("Authorization", "Bearer "+verifyResp.AccessToken)
	rec = httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestRegisterRejectsMalformedUserID(t *testing.T) {
	srv, _, _ := newTestServer(t)
	body, _ := json.Marshal(RegisterRequest{UserID: "not-hex", Alias: "alice", PublicKey: "abc"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChallengeForUnknownUserReturnsNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	body, _ := json.Marshal(challengeRequest{UserID: hex.EncodeToString(sha256Of([]byte("ghost")))})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/challenge", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
