// Package event defines the 11 dfs3 event types, their envelope and
// payload schemas, canonical-form signing, and field validation.
package event

import "encoding/json"

// EventType is one of the 11 fixed event type strings. Values match
// the original implementation's EV_* constants exactly, since the bus and
// every peer on it depend on this literal string.
type EventType string

const (
	UserRegistered  EventType = "user_registered"
	UserJoinedNode  EventType = "user_joined_node"
	NodeRegistered  EventType = "node_registered"
	NodeStatus      EventType = "node_status"
	FileCreated     EventType = "file_created"
	FileShared      EventType = "file_shared"
	FileAccessed    EventType = "file_accessed"
	FileRenamed     EventType = "file_renamed"
	FileDeleted     EventType = "file_deleted"
	FileReplicated  EventType = "file_replicated"
	FileCopied      EventType = "file_copied" // reserved, never emitted — see Non-goals
)

// ValidEventTypes is the set of event types accepted at ingestion.
var ValidEventTypes = map[EventType]bool{
	UserRegistered: true, UserJoinedNode: true, NodeRegistered: true,
	NodeStatus: true, FileCreated: true, FileShared: true, FileAccessed: true,
	FileRenamed: true, FileDeleted: true, FileReplicated: true, FileCopied: true,
}

// Protocol and SoftwareVersion are carried unchanged from the system this
// spec was distilled from, so mixed-version deployments can still recognize
// each other's envelopes.
const (
	Protocol        = "dfs3/1.0"
	SoftwareVersion = "dfs3-node/1.0.0"
)

// Envelope is the signed, versioned event wrapper published to the ledger
// and announced over the bus.
type Envelope struct {
	EventType EventType       `json:"event_type"`
	Timestamp string          `json:"timestamp"` // RFC3339 UTC
	NodeID    string          `json:"node_id"`   // emitting node, hex Ed25519 pubkey
	Protocol  string          `json:"protocol"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature,omitempty"` // base64 Ed25519 signature over the canonical form with this field removed
}

// AuthorizedUserEntry grants one user access to a file: the per-user
// wrapping of the symmetric file key, not the file key itself. encrypted_key
// is the file's content key, sealed to the user's public key; iv is the
// nonce used for that sealing (distinct from the content ciphertext's iv
// carried at the top level of FileCreatedPayload).
type AuthorizedUserEntry struct {
	UserID       string `json:"user_id"`
	EncryptedKey string `json:"encrypted_key"`
	IV           string `json:"iv"`
}

// NodeRegisteredPayload announces a node's identity and capabilities.
type NodeRegisteredPayload struct {
	Alias           string   `json:"alias"`
	Hostname        string   `json:"hostname"`
	PublicKey       string   `json:"public_key"`
	Platform        string   `json:"platform"`
	SoftwareVersion string   `json:"software_version"`
	Uptime          int64    `json:"uptime"`
	TotalSpace      int64    `json:"total_space"`
	IP              string   `json:"ip"`
	Port            int      `json:"port"`
	Tags            []string `json:"tags,omitempty"`
	Version         int      `json:"version"`
}

// NodeStatusPayload is a lightweight periodic heartbeat.
type NodeStatusPayload struct {
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	Uptime     int64  `json:"uptime"`
	TotalSpace int64  `json:"total_space"`
}

// UserRegisteredPayload announces a new user identity.
type UserRegisteredPayload struct {
	UserID    string   `json:"user_id"`
	Alias     string   `json:"alias"`
	Name      string   `json:"name,omitempty"`
	Email     string   `json:"email,omitempty"`
	PublicKey string   `json:"public_key"`
	Tags      []string `json:"tags,omitempty"`
	Version   int      `json:"version"`
}

// UserJoinedNodePayload carries the proof a user presented when
// authenticating to a node other than their home node: the challenge they
// were issued and their signature over it, so any peer ingesting the event
// can independently confirm the join was authorized rather than trusting
// the emitting node's say-so.
type UserJoinedNodePayload struct {
	UserID    string `json:"user_id"`
	Challenge string `json:"challenge"`
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

// FileCreatedPayload announces a newly stored file and its initial
// access list. UserID is the owner. SHA256 and IV describe the content
// ciphertext itself (as opposed to AuthorizedUserEntry.IV, which seals a
// per-user copy of the content key).
type FileCreatedPayload struct {
	UserID          string                `json:"user_id"`
	FileID          string                `json:"file_id"`
	Filename        string                `json:"filename"`
	Size            int64                 `json:"size"`
	Mimetype        string                `json:"mimetype"`
	SHA256          string                `json:"sha256"`
	IV              string                `json:"iv"`
	AuthorizedUsers []AuthorizedUserEntry `json:"authorized_users"`
	Tags            []string              `json:"tags,omitempty"`
	Version         int                   `json:"version"`
}

// FileSharedPayload grants additional users access to an existing file.
// authorized_users is merged into the existing set keyed by user_id, last
// write wins per key.
type FileSharedPayload struct {
	UserID          string                `json:"user_id"`
	FileID          string                `json:"file_id"`
	Filename        string                `json:"filename"`
	AuthorizedUsers []AuthorizedUserEntry `json:"authorized_users"`
}

// FileAccessedPayload records that a user downloaded a file.
type FileAccessedPayload struct {
	UserID   string `json:"user_id"`
	FileID   string `json:"file_id"`
	Filename string `json:"filename"`
}

// FileRenamedPayload renames the emitting user's own entry for a file.
// Filename is the entry's current name; NewName is the target name.
type FileRenamedPayload struct {
	FileID   string `json:"file_id"`
	UserID   string `json:"user_id"`
	Filename string `json:"filename"`
	NewName  string `json:"new_name"`
}

// FileDeletedPayload unlinks the emitting user's own entry for a file.
type FileDeletedPayload struct {
	FileID   string `json:"file_id"`
	UserID   string `json:"user_id"`
	Filename string `json:"filename"`
}

// FileReplicatedPayload announces that the emitting node now holds a local
// copy of file_id's ciphertext, obtained via the fetch engine.
type FileReplicatedPayload struct {
	FileID string `json:"file_id"`
}

// FileCopiedPayload carries FileReplicatedPayload's file_id plus a
// source_node_id field that file_replicated does not have. Reserved: no
// code path in this node emits file_copied events.
type FileCopiedPayload struct {
	FileID   string `json:"file_id"`
	SourceID string `json:"source_node_id"`
}
