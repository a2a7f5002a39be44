package event

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/dfs3/dfs3node/internal/apperr"
)

var (
	hexID        = regexp.MustCompile(`^[0-9a-f]{64}$`) // node_id / user_id / file_id / public_key / content_hash
	usernameRe   = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)
	filenameRe   = regexp.MustCompile(`^[^/\\\x00]{1,255}$`) // no path separators, no NUL
)

// maxTagLength leaves room for the "transport:<64-hex>" tag every node
// announces in node_registered.
const maxTagLength = 128

// maxFileSize is the hard wire-format bound on file_created.size, independent
// of any local storage-capacity configuration.
const maxFileSize = 10 * 1024 * 1024

// ValidateBase64 reports whether value is well-formed standard base64,
// mirroring the original implementation's base64 field guard.
func ValidateBase64(value, field string) error {
	if _, err := base64.StdEncoding.DecodeString(value); err != nil {
		return apperr.Wrap(apperr.KindValidation, fmt.Sprintf("%s is not valid base64", field), err)
	}
	return nil
}

// ValidateEnvelope checks envelope-level fields before any signature work
// is attempted, so malformed input is rejected cheaply.
func ValidateEnvelope(e *Envelope) error {
	if !ValidEventTypes[e.EventType] {
		return apperr.New(apperr.KindValidation, "unknown event_type: "+string(e.EventType))
	}
	if e.Protocol != Protocol {
		return apperr.New(apperr.KindValidation, "unsupported protocol: "+e.Protocol)
	}
	if !hexID.MatchString(e.NodeID) {
		return apperr.New(apperr.KindValidation, "node_id must be 64 lowercase hex chars")
	}
	if _, err := time.Parse(time.RFC3339, e.Timestamp); err != nil {
		return apperr.Wrap(apperr.KindValidation, "timestamp must be RFC3339", err)
	}
	if e.Signature == "" {
		return apperr.New(apperr.KindValidation, "missing signature")
	}
	if err := ValidateBase64(e.Signature, "signature"); err != nil {
		return err
	}
	return validatePayload(e)
}

func validatePayload(e *Envelope) error {
	switch e.EventType {
	case NodeRegistered:
		var p NodeRegisteredPayload
		if err := unmarshalPayload(e.Payload, &p); err != nil {
			return err
		}
		if !hexID.MatchString(p.PublicKey) {
			return apperr.New(apperr.KindValidation, "node_registered.public_key malformed")
		}
		if p.Port < 0 || p.Port > 65535 {
			return apperr.New(apperr.KindValidation, "node_registered.port out of range")
		}
		for _, tag := range p.Tags {
			if len(tag) > maxTagLength {
				return apperr.New(apperr.KindValidation, "node_registered.tags entry too long")
			}
		}
	case NodeStatus:
		var p NodeStatusPayload
		if err := unmarshalPayload(e.Payload, &p); err != nil {
			return err
		}
		if p.Port < 0 || p.Port > 65535 {
			return apperr.New(apperr.KindValidation, "node_status.port out of range")
		}
	case UserRegistered:
		var p UserRegisteredPayload
		if err := unmarshalPayload(e.Payload, &p); err != nil {
			return err
		}
		if !hexID.MatchString(p.UserID) {
			return apperr.New(apperr.KindValidation, "user_registered.user_id malformed")
		}
		if !usernameRe.MatchString(p.Alias) {
			return apperr.New(apperr.KindValidation, "user_registered.alias malformed")
		}
		if !hexID.MatchString(p.PublicKey) {
			return apperr.New(apperr.KindValidation, "user_registered.public_key malformed")
		}
	case UserJoinedNode:
		var p UserJoinedNodePayload
		if err := unmarshalPayload(e.Payload, &p); err != nil {
			return err
		}
		if !hexID.MatchString(p.UserID) || !hexID.MatchString(p.PublicKey) {
			return apperr.New(apperr.KindValidation, "user_joined_node identifiers malformed")
		}
		if err := ValidateBase64(p.Challenge, "user_joined_node.challenge"); err != nil {
			return err
		}
		if err := ValidateBase64(p.Signature, "user_joined_node.signature"); err != nil {
			return err
		}
	case FileCreated:
		var p FileCreatedPayload
		if err := unmarshalPayload(e.Payload, &p); err != nil {
			return err
		}
		if !hexID.MatchString(p.FileID) || !hexID.MatchString(p.UserID) || !hexID.MatchString(p.SHA256) {
			return apperr.New(apperr.KindValidation, "file_created identifiers malformed")
		}
		if !filenameRe.MatchString(p.Filename) {
			return apperr.New(apperr.KindValidation, "file_created.filename malformed")
		}
		if p.Size < 0 || p.Size > maxFileSize {
			return apperr.New(apperr.KindValidation, "file_created.size out of bounds")
		}
		seen := map[string]bool{}
		ownerPresent := false
		for _, au := range p.AuthorizedUsers {
			if !hexID.MatchString(au.UserID) {
				return apperr.New(apperr.KindValidation, "file_created.authorized_users entry has malformed user_id")
			}
			if seen[au.UserID] {
				return apperr.New(apperr.KindValidation, "file_created.authorized_users has duplicate user_id")
			}
			seen[au.UserID] = true
			if au.UserID == p.UserID {
				ownerPresent = true
			}
		}
		if !ownerPresent {
			return apperr.New(apperr.KindValidation, "file_created.authorized_users must include the owner")
		}
	case FileShared:
		var p FileSharedPayload
		if err := unmarshalPayload(e.Payload, &p); err != nil {
			return err
		}
		if !hexID.MatchString(p.FileID) || !hexID.MatchString(p.UserID) {
			return apperr.New(apperr.KindValidation, "file_shared identifiers malformed")
		}
		for _, au := range p.AuthorizedUsers {
			if !hexID.MatchString(au.UserID) {
				return apperr.New(apperr.KindValidation, "file_shared.authorized_users entry has malformed user_id")
			}
		}
	case FileAccessed:
		var p FileAccessedPayload
		if err := unmarshalPayload(e.Payload, &p); err != nil {
			return err
		}
		if !hexID.MatchString(p.FileID) || !hexID.MatchString(p.UserID) {
			return apperr.New(apperr.KindValidation, "file_accessed identifiers malformed")
		}
		if !filenameRe.MatchString(p.Filename) {
			return apperr.New(apperr.KindValidation, "file_accessed.filename malformed")
		}
	case FileRenamed:
		var p FileRenamedPayload
		if err := unmarshalPayload(e.Payload, &p); err != nil {
			return err
		}
		if !hexID.MatchString(p.FileID) || !hexID.MatchString(p.UserID) {
			return apperr.New(apperr.KindValidation, "file_renamed identifiers malformed")
		}
		if !filenameRe.MatchString(p.NewName) {
			return apperr.New(apperr.KindValidation, "file_renamed.new_name malformed")
		}
	case FileDeleted:
		var p FileDeletedPayload
		if err := unmarshalPayload(e.Payload, &p); err != nil {
			return err
		}
		if !hexID.MatchString(p.FileID) || !hexID.MatchString(p.UserID) {
			return apperr.New(apperr.KindValidation, "file_deleted identifiers malformed")
		}
	case FileReplicated:
		var p FileReplicatedPayload
		if err := unmarshalPayload(e.Payload, &p); err != nil {
			return err
		}
		if !hexID.MatchString(p.FileID) {
			return apperr.New(apperr.KindValidation, "file_replicated.file_id malformed")
		}
	case FileCopied:
		// Reserved; schema still validated for forward compatibility.
		var p FileCopiedPayload
		if err := unmarshalPayload(e.Payload, &p); err != nil {
			return err
		}
		if !hexID.MatchString(p.FileID) {
			return apperr.New(apperr.KindValidation, "file_copied.file_id malformed")
		}
	}
	return nil
}

func unmarshalPayload(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Wrap(apperr.KindValidation, "malformed payload", err)
	}
	return nil
}
