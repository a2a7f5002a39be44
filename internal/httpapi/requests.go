package httpapi

import "github.com/dfs3/dfs3node/internal/event"

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	UserID    string   `json:"user_id"`
	Alias     string   `json:"alias"`
	Name      string   `json:"name,omitempty"`
	Email     string   `json:"email,omitempty"`
	PublicKey string   `json:"public_key"` // hex Ed25519 public key
	Tags      []string `json:"tags,omitempty"`
}

type challengeRequest struct {
	UserID string `json:"user_id"`
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

type verifyRequest struct {
	UserID    string `json:"user_id"`
	Signature string `json:"signature"`
}

type verifyResponse struct {
	AccessToken string `json:"access_token"`
}

// UploadFileMetadata is the `metadata` part of the POST /files multipart
// upload: everything about the file except the ciphertext bytes
// themselves, which travel in the `data` part.
type UploadFileMetadata struct {
	FileID          string                       `json:"file_id"`
	Filename        string                       `json:"filename"`
	Size            int64                        `json:"size"`
	Mimetype        string                       `json:"mimetype"`
	SHA256          string                       `json:"sha256"`
	IV              string                       `json:"iv"`
	AuthorizedUsers []event.AuthorizedUserEntry  `json:"authorized_users"`
	Tags            []string                     `json:"tags,omitempty"`
}

// ShareFileRequest is the body of POST /files/share.
type ShareFileRequest struct {
	Filename        string                      `json:"filename"`
	AuthorizedUsers []event.AuthorizedUserEntry `json:"authorized_users"`
}

type renameRequest struct {
	NewName string `json:"new_name"`
}

type statusBody struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
