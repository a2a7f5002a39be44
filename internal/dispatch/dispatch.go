// Package dispatch implements the ingestion pipeline: fetch the envelope
// an announcement points at, verify its signature, route it to the
// type-specific handler, and record it in the exactly-once event index.
package dispatch

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/dfs3/dfs3node/internal/bus"
	"github.com/dfs3/dfs3node/internal/db"
	"github.com/dfs3/dfs3node/internal/event"
	"github.com/dfs3/dfs3node/internal/fetch"
	"github.com/dfs3/dfs3node/internal/ledger"
	"github.com/dfs3/dfs3node/internal/metadata"
	"github.com/dfs3/dfs3node/internal/registry"
)

var (
	errUnknownEmitter = errors.New("emitter node not in registry")
	errMalformedKey   = errors.New("malformed public key")
)

// Dispatcher owns the full ingest pipeline for one node.
type Dispatcher struct {
	DB        *db.Store
	Ledger    *ledger.Client
	Nodes     *registry.NodeRegistry
	Users     *registry.UserRegistry
	Meta      *metadata.Store
	Entries   *metadata.Entries
	Cloner    *fetch.Cloner
	Publisher *bus.Publisher
	SelfNode  string
}

// Publish is the counterpart to Ingest for events this node originates
// itself (registration, upload, share, rename, delete, access, status):
// the envelope is already signed by this node's own key, so verification
// is skipped. It publishes to the ledger, applies the handler locally so
// the HTTP response can reflect the mutation immediately, records the
// block in the event index (so the announcement this call makes doesn't
// get re-ingested when this node hears its own broadcast), and announces
// over the bus.
func (d *Dispatcher) Publish(ctx context.Context, env *event.Envelope) (string, error) {
	blockID, err := d.Ledger.Publish(ctx, env)
	if err != nil {
		return "", err
	}

	d.route(ctx, env)

	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	if err := d.DB.InsertEvent(blockID, string(env.EventType), ts.Unix(), env.NodeID); err != nil {
		slog.Error("failed to record locally-originated event in index", "block_id", blockID, "error", err)
	}

	if d.Publisher != nil {
		ann := bus.Announcement{
			BlockID:   blockID,
			EventType: string(env.EventType),
			Timestamp: env.Timestamp,
			NodeID:    env.NodeID,
		}
		if err := d.Publisher.Announce(ctx, ann); err != nil {
			slog.Warn("published to ledger but bus announce failed", "block_id", blockID, "event_type", env.EventType, "error", err)
		}
	}
	return blockID, nil
}

// Ingest runs the full pipeline for one bus announcement: fetch from the
// ledger, verify the signature, route to a handler, persist in the event
// index. Unknown event types, unknown emitters, and signature failures are
// logged and skipped — the listener is never aborted by a bad event.
func (d *Dispatcher) Ingest(ctx context.Context, a bus.Announcement) {
	if already, err := d.DB.HasEvent(a.BlockID); err != nil {
		slog.Error("event index lookup failed", "block_id", a.BlockID, "error", err)
		return
	} else if already {
		return
	}

	env, err := d.Ledger.Fetch(ctx, a.BlockID)
	if err != nil {
		slog.Warn("failed to fetch announced block from ledger", "block_id", a.BlockID, "error", err)
		return
	}

	if err := event.ValidateEnvelope(env); err != nil {
		slog.Warn("dropping invalid envelope", "block_id", a.BlockID, "error", err)
		return
	}

	pub, err := d.resolveEmitterKey(env)
	if err != nil {
		slog.Warn("dropping event from unresolvable emitter", "block_id", a.BlockID, "node_id", env.NodeID, "error", err)
		return
	}

	ok, err := event.Verify(env, pub)
	if err != nil || !ok {
		slog.Warn("dropping event with invalid signature", "block_id", a.BlockID, "node_id", env.NodeID)
		return
	}

	d.route(ctx, env)

	ts, err := time.Parse(time.RFC3339, env.Timestamp)
	if err != nil {
		ts = time.Now().UTC()
	}
	if err := d.DB.InsertEvent(a.BlockID, string(env.EventType), ts.Unix(), env.NodeID); err != nil {
		slog.Error("failed to record event in index", "block_id", a.BlockID, "error", err)
	}
}

// resolveEmitterKey implements spec's emitter-key resolution rule:
// node_registered self-authorizes via payload.public_key (the receiver
// doesn't know the node yet); every other event type requires a known
// emitter in the node registry.
func (d *Dispatcher) resolveEmitterKey(env *event.Envelope) (ed25519.PublicKey, error) {
	if env.EventType == event.NodeRegistered {
		var p event.NodeRegisteredPayload
		if err := unmarshalInto(env.Payload, &p); err != nil {
			return nil, err
		}
		return decodeHexPub(p.PublicKey)
	}
	n, ok := d.Nodes.Get(env.NodeID)
	if !ok {
		return nil, errUnknownEmitter
	}
	return decodeHexPub(n.PublicKey)
}

func (d *Dispatcher) route(ctx context.Context, env *event.Envelope) {
	switch env.EventType {
	case event.NodeRegistered:
		d.handleNodeRegistered(env)
	case event.NodeStatus:
		d.handleNodeStatus(env)
	case event.UserRegistered:
		d.handleUserRegistered(env)
	case event.UserJoinedNode:
		d.handleUserJoinedNode(env)
	case event.FileCreated:
		d.handleFileCreated(ctx, env)
	case event.FileShared:
		d.handleFileShared(env)
	case event.FileAccessed:
		// audit-only; already recorded in the event index by the caller.
	case event.FileRenamed:
		d.handleFileRenamed(env)
	case event.FileDeleted:
		d.handleFileDeleted(env)
	case event.FileReplicated:
		d.handleFileReplicated(env)
	case event.FileCopied:
		slog.Warn("ingested reserved file_copied event; ignoring", "node_id", env.NodeID)
	default:
		slog.Warn("unknown event type, skipping", "event_type", env.EventType)
	}
}

func decodeHexPub(hexKey string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(hexKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, errMalformedKey
	}
	return ed25519.PublicKey(raw), nil
}

func unmarshalInto(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}
