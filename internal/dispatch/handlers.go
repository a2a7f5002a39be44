package dispatch

import (
	"context"
	"log/slog"

	"github.com/dfs3/dfs3node/internal/db"
	"github.com/dfs3/dfs3node/internal/event"
	"github.com/dfs3/dfs3node/internal/metadata"
)

func (d *Dispatcher) handleNodeRegistered(env *event.Envelope) {
	var p event.NodeRegisteredPayload
	if err := unmarshalInto(env.Payload, &p); err != nil {
		slog.Warn("node_registered: bad payload", "error", err)
		return
	}
	if err := d.Nodes.Upsert(db.NodeRow{
		NodeID:          env.NodeID,
		Alias:           p.Alias,
		Hostname:        p.Hostname,
		PublicKey:       p.PublicKey,
		Platform:        p.Platform,
		SoftwareVersion: p.SoftwareVersion,
		IP:              p.IP,
		Port:            p.Port,
		TotalSpace:      p.TotalSpace,
		UptimeSeconds:   p.Uptime,
		Status:          "online",
		Tags:            joinTags(p.Tags),
		RegisteredAt:    env.Timestamp,
		LastStatusAt:    env.Timestamp,
	}); err != nil {
		slog.Error("node_registered: upsert failed", "node_id", env.NodeID, "error", err)
	}
}

func (d *Dispatcher) handleNodeStatus(env *event.Envelope) {
	var p event.NodeStatusPayload
	if err := unmarshalInto(env.Payload, &p); err != nil {
		slog.Warn("node_status: bad payload", "error", err)
		return
	}
	if _, ok := d.Nodes.Get(env.NodeID); !ok {
		slog.Warn("node_status for unknown node, skipping", "node_id", env.NodeID)
		return
	}
	if err := d.Nodes.UpdateStatus(env.NodeID, p.IP, p.Port, p.Uptime, p.TotalSpace, env.Timestamp); err != nil {
		slog.Error("node_status: update failed", "node_id", env.NodeID, "error", err)
	}
}

func (d *Dispatcher) handleUserRegistered(env *event.Envelope) {
	var p event.UserRegisteredPayload
	if err := unmarshalInto(env.Payload, &p); err != nil {
		slog.Warn("user_registered: bad payload", "error", err)
		return
	}
	if err := d.Users.Register(db.UserRow{
		UserID:       p.UserID,
		Username:     p.Alias,
		PublicKey:    p.PublicKey,
		HomeNodeID:   env.NodeID,
		RegisteredAt: env.Timestamp,
	}); err != nil {
		// Conflict is expected to be rare (the client refuses to double
		// register) but not an ingestion error: log and move on.
		slog.Warn("user_registered: register failed", "user_id", p.UserID, "error", err)
	}
}

func (d *Dispatcher) handleUserJoinedNode(env *event.Envelope) {
	var p event.UserJoinedNodePayload
	if err := unmarshalInto(env.Payload, &p); err != nil {
		slog.Warn("user_joined_node: bad payload", "error", err)
		return
	}
	if err := d.Users.RecordJoin(p.UserID, env.NodeID, env.Timestamp); err != nil {
		slog.Error("user_joined_node: record failed", "user_id", p.UserID, "node_id", env.NodeID, "error", err)
	}
}

func (d *Dispatcher) handleFileCreated(ctx context.Context, env *event.Envelope) {
	var p event.FileCreatedPayload
	if err := unmarshalInto(env.Payload, &p); err != nil {
		slog.Warn("file_created: bad payload", "error", err)
		return
	}
	if err := d.Meta.Create(metadata.FileMetadata{
		FileID:          p.FileID,
		OwnerID:         p.UserID,
		Size:            p.Size,
		Mimetype:        p.Mimetype,
		SHA256:          p.SHA256,
		IV:              p.IV,
		AuthorizedUsers: p.AuthorizedUsers,
		ReplicaNodes:    []string{env.NodeID},
		CreatedAt:       env.Timestamp,
	}); err != nil {
		slog.Error("file_created: write metadata failed", "file_id", p.FileID, "error", err)
		return
	}
	if _, err := d.Entries.Create(p.UserID, p.FileID, p.Filename); err != nil {
		slog.Error("file_created: create owner entry failed", "file_id", p.FileID, "user_id", p.UserID, "error", err)
	}
	if d.Cloner != nil {
		d.Cloner.OnFileCreated(ctx, p, env.NodeID)
	}
}

func (d *Dispatcher) handleFileShared(env *event.Envelope) {
	var p event.FileSharedPayload
	if err := unmarshalInto(env.Payload, &p); err != nil {
		slog.Warn("file_shared: bad payload", "error", err)
		return
	}
	existing, err := d.Meta.Get(p.FileID)
	if err != nil {
		slog.Warn("file_shared: unknown file_id, skipping", "file_id", p.FileID, "error", err)
		return
	}
	already := make(map[string]bool, len(existing.AuthorizedUsers))
	for _, au := range existing.AuthorizedUsers {
		already[au.UserID] = true
	}

	if err := d.Meta.MergeAuthorizedUsers(p.FileID, p.AuthorizedUsers); err != nil {
		slog.Error("file_shared: merge authorized_users failed", "file_id", p.FileID, "error", err)
		return
	}

	for _, au := range p.AuthorizedUsers {
		if already[au.UserID] {
			continue
		}
		if _, err := d.Entries.Create(au.UserID, p.FileID, p.Filename); err != nil {
			slog.Error("file_shared: create recipient entry failed", "file_id", p.FileID, "user_id", au.UserID, "error", err)
		}
	}
}

func (d *Dispatcher) handleFileRenamed(env *event.Envelope) {
	var p event.FileRenamedPayload
	if err := unmarshalInto(env.Payload, &p); err != nil {
		slog.Warn("file_renamed: bad payload", "error", err)
		return
	}
	if _, err := d.Entries.Rename(p.UserID, p.Filename, p.NewName); err != nil {
		slog.Warn("file_renamed: rename failed", "user_id", p.UserID, "file_id", p.FileID, "error", err)
	}
}

func (d *Dispatcher) handleFileDeleted(env *event.Envelope) {
	var p event.FileDeletedPayload
	if err := unmarshalInto(env.Payload, &p); err != nil {
		slog.Warn("file_deleted: bad payload", "error", err)
		return
	}
	if err := d.Entries.Unlink(p.UserID, p.Filename); err != nil {
		slog.Warn("file_deleted: unlink failed", "user_id", p.UserID, "file_id", p.FileID, "error", err)
	}
}

func (d *Dispatcher) handleFileReplicated(env *event.Envelope) {
	var p event.FileReplicatedPayload
	if err := unmarshalInto(env.Payload, &p); err != nil {
		slog.Warn("file_replicated: bad payload", "error", err)
		return
	}
	if err := d.Meta.AddReplica(p.FileID, env.NodeID); err != nil {
		slog.Warn("file_replicated: add replica failed", "file_id", p.FileID, "node_id", env.NodeID, "error", err)
	}
}

func joinTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	out := tags[0]
	for _, t := range tags[1:] {
		out += "," + t
	}
	return out
}
