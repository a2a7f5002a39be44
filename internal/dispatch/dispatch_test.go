package dispatch

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfs3/dfs3node/internal/bus"
	"github.com/dfs3/dfs3node/internal/db"
	"github.com/dfs3/dfs3node/internal/event"
	"github.com/dfs3/dfs3node/internal/ledger"
	"github.com/dfs3/dfs3node/internal/metadata"
	"github.com/dfs3/dfs3node/internal/registry"
)

type testFixture struct {
	d       *Dispatcher
	store   *db.Store
	builder *event.Builder
	nodeID  string
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "dfs3.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })

	blocks := map[string][]byte{}
	ledgerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			id := "block-" + hex.EncodeToString([]byte{byte(len(blocks))})
			blocks[id] = body
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"blockId":"` + id + `"}`))
		case http.MethodGet:
			id := r.URL.Path[1:]
			body, ok := blocks[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(body)
		}
	}))
	t.Cleanup(ledgerSrv.Close)

	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	nodeID := hex.EncodeToString(pub)
	builder := event.NewBuilder(nodeID, priv)
	ledgerClient := ledger.New(ledgerSrv.URL, "", nil, false)

	dataDir := t.TempDir()
	metaDir := filepath.Join(dataDir, "meta")
	d := &Dispatcher{
		DB:       store,
		Ledger:   ledgerClient,
		Nodes:    registry.NewNodeRegistry(store, 16),
		Users:    registry.NewUserRegistry(store, 16),
		Meta:     metadata.NewStore(metaDir, 16),
		Entries:  metadata.NewEntries(filepath.Join(dataDir, "users"), metaDir, store),
		SelfNode: nodeID,
	}
	return &testFixture{d: d, store: store, builder: builder, nodeID: nodeID}
}

// registerSelf publishes a node_registered event for the fixture's own node,
// the prerequisite every other event type's emitter-key resolution needs.
func (f *testFixture) registerSelf(t *testing.T) {
	t.Helper()
	env, err := f.builder.NodeRegistered(event.NodeRegisteredPayload{
		Alias:     "node-a",
		PublicKey: f.nodeID,
		Version:   1,
	})
	require.NoError(t, err)
	_, err = f.d.Publish(context.Background(), env)
	require.NoError(t, err)
}

func TestPublishAppliesNodeRegisteredLocally(t *testing.T) {
	f := newTestFixture(t)
	f.registerSelf(t)

	n, ok := f.d.Nodes.Get(f.nodeID)
	require.True(t, ok)
	assert.Equal(t, "node-a", n.Alias)
	assert.Equal(t, "online", n.Status)
}

func TestIngestSkipsAlreadyIndexedBlock(t *testing.T) {
	f := newTestFixture(t)
	f.registerSelf(t)

	env, err := f.builder.NodeStatus(event.NodeStatusPayload{IP: "10.0.0.1", Port: 9000, Uptime: 60, TotalSpace: 1 << 30})
	require.NoError(t, err)
	blockID, err := f.d.Publish(context.Background(), env)
	require.NoError(t, err)

	// Publish already recorded this block in the index; re-ingesting the
	// same announcement (as if this node heard its own broadcast) must be a
	// silent no-op rather than double-apply the handler.
	f.d.Ingest(context.Background(), bus.Announcement{BlockID: blockID, EventType: string(event.NodeStatus), NodeID: f.nodeID})

	n, ok := f.d.Nodes.Get(f.nodeID)
	require.True(t, ok)
	assert.Equal(t, int64(60), n.UptimeSeconds)
}

func TestIngestDropsEventFromUnknownEmitter(t *testing.T) {
	f := newTestFixture(t)
	// Deliberately skip registerSelf: the emitter is unknown to the registry.
	env, err := f.builder.NodeStatus(event.NodeStatusPayload{IP: "10.0.0.1", Port: 9000, Uptime: 60, TotalSpace: 1 << 30})
	require.NoError(t, err)

	blockID, err := f.d.Ledger.Publish(context.Background(), env)
	require.NoError(t, err)

	f.d.Ingest(context.Background(), bus.Announcement{BlockID: blockID, EventType: string(event.NodeStatus), NodeID: f.nodeID})

	_, ok := f.d.Nodes.Get(f.nodeID)
	assert.False(t, ok, "node_status from an unregistered emitter must not create a node row")
}

func TestIngestDropsEnvelopeWithTamperedSignature(t *testing.T) {
	f := newTestFixture(t)
	f.registerSelf(t)

	env, err := f.builder.NodeStatus(event.NodeStatusPayload{IP: "10.0.0.1", Port: 9000, Uptime: 60, TotalSpace: 1 << 30})
	require.NoError(t, err)
	env.Signature = "dGFtcGVyZWQ=" // valid base64, wrong signature

	blockID, err := f.d.Ledger.Publish(context.Background(), env)
	require.NoError(t, err)

	f.d.Ingest(context.Background(), bus.Announcement{BlockID: blockID, EventType: string(event.NodeStatus), NodeID: f.nodeID})

	n, _ := f.d.Nodes.Get(f.nodeID)
	assert.NotEqual(t, int64(60), n.UptimeSeconds, "a tampered signature must not be applied")
}

func TestFileCreatedCreatesMetadataAndOwnerEntry(t *testing.T) {
	f := newTestFixture(t)
	f.registerSelf(t)

	env, err := f.builder.FileCreated(event.FileCreatedPayload{
		UserID:   "user-1",
		FileID:   "file-1",
		Filename: "report.pdf",
		Size:     1024,
		Mimetype: "application/pdf",
		SHA256:   "deadbeef",
		IV:       "iv",
		AuthorizedUsers: []event.AuthorizedUserEntry{
			{UserID: "user-1", EncryptedKey: "k", IV: "iv2"},
		},
		Version: 1,
	})
	require.NoError(t, err)
	_, err = f.d.Publish(context.Background(), env)
	require.NoError(t, err)

	meta, err := f.d.Meta.Get("file-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", meta.OwnerID)
	assert.Contains(t, meta.ReplicaNodes, f.nodeID)

	fileID, ok := f.d.Entries.Resolve("user-1", "report.pdf")
	require.True(t, ok)
	assert.Equal(t, "file-1", fileID)
}

func TestFileSharedGrantsAccessAndCreatesRecipientEntryOnlyOnce(t *testing.T) {
	f := newTestFixture(t)
	f.registerSelf(t)

	created, err := f.builder.FileCreated(event.FileCreatedPayload{
		UserID: "user-1", FileID: "file-1", Filename: "report.pdf", Size: 1,
		AuthorizedUsers: []event.AuthorizedUserEntry{{UserID: "user-1", EncryptedKey: "k", IV: "iv"}},
	})
	require.NoError(t, err)
	_, err = f.d.Publish(context.Background(), created)
	require.NoError(t, err)

	shared, err := f.builder.FileShared(event.FileSharedPayload{
		UserID: "user-1", FileID: "file-1", Filename: "report.pdf",
		AuthorizedUsers: []event.AuthorizedUserEntry{{UserID: "user-2", EncryptedKey: "k2", IV: "iv2"}},
	})
	require.NoError(t, err)
	_, err = f.d.Publish(context.Background(), shared)
	require.NoError(t, err)

	authorized, _, err := f.d.Meta.IsAuthorized("file-1", "user-2")
	require.NoError(t, err)
	assert.True(t, authorized)

	_, ok := f.d.Entries.Resolve("user-2", "report.pdf")
	assert.True(t, ok)
}

func TestFileDeletedUnlinksOnlyTheEmittingUsersEntry(t *testing.T) {
	f := newTestFixture(t)
	f.registerSelf(t)

	created, err := f.builder.FileCreated(event.FileCreatedPayload{
		UserID: "user-1", FileID: "file-1", Filename: "report.pdf", Size: 1,
		AuthorizedUsers: []event.AuthorizedUserEntry{{UserID: "user-1", EncryptedKey: "k", IV: "iv"}},
	})
	require.NoError(t, err)
	_, err = f.d.Publish(context.Background(), created)
	require.NoError(t, err)

	deleted, err := f.builder.FileDeleted(event.FileDeletedPayload{FileID: "file-1", UserID: "user-1", Filename: "report.pdf"})
	require.NoError(t, err)
	_, err = f.d.Publish(context.Background(), deleted)
	require.NoError(t, err)

	_, ok := f.d.Entries.Resolve("user-1", "report.pdf")
	assert.False(t, ok)
}

func TestFileReplicatedAddsReplicaNode(t *testing.T) {
	f := newTestFixture(t)
	f.registerSelf(t)

	// Ingest validates file_id as 64 lowercase hex characters.
	fileID := hex.EncodeToString(make([]byte, 32))
	created, err := f.builder.FileCreated(event.FileCreatedPayload{
		UserID: "user-1", FileID: fileID, Filename: "report.pdf", Size: 1,
		AuthorizedUsers: []event.AuthorizedUserEntry{{UserID: "user-1", EncryptedKey: "k", IV: "iv"}},
	})
	require.NoError(t, err)
	_, err = f.d.Publish(context.Background(), created)
	require.NoError(t, err)

	otherPub, otherPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	otherNodeID := hex.EncodeToString(otherPub)
	otherBuilder := event.NewBuilder(otherNodeID, otherPriv)
	regEnv, err := otherBuilder.NodeRegistered(event.NodeRegisteredPayload{Alias: "node-b", PublicKey: otherNodeID, Version: 1})
	require.NoError(t, err)
	_, err = f.d.Publish(context.Background(), regEnv)
	require.NoError(t, err)

	replicated, err := otherBuilder.FileReplicated(event.FileReplicatedPayload{FileID: fileID})
	require.NoError(t, err)
	blockID, err := f.d.Ledger.Publish(context.Background(), replicated)
	require.NoError(t, err)
	f.d.Ingest(context.Background(), bus.Announcement{BlockID: blockID, EventType: string(event.FileReplicated), NodeID: otherNodeID})

	meta, err := f.d.Meta.Get(fileID)
	require.NoError(t, err)
	assert.Contains(t, meta.ReplicaNodes, otherNodeID)
}
