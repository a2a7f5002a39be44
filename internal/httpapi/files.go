package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/dfs3/dfs3node/internal/apperr"
	"github.com/dfs3/dfs3node/internal/blobstore"
	"github.com/dfs3/dfs3node/internal/event"
)

// peerBaseURLs returns every known node's base URL except this node's own,
// the candidate set the fetch engine races against.
func (s *Server) peerBaseURLs() []string {
	nodes, err := s.nodes.List()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.NodeID == s.selfNodeID || n.IP == "" || n.Port == 0 {
			continue
		}
		out = append(out, fmt.Sprintf("http://%s:%d", n.IP, n.Port))
	}
	return out
}

// handleBlobData serves raw ciphertext by content hash. Unauthenticated:
// the key material needed to decrypt it never lives here, only at
// GET /files/{filename} alongside the caller's authorized_users entry.
func (s *Server) handleBlobData(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "file_id")
	if !hexID.MatchString(fileID) {
		writeError(w, apperr.New(apperr.KindValidation, "file_id must be 64 lowercase hex chars"))
		return
	}
	rc, err := s.blobs.Open(fileID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("blob stream interrupted", "file_id", fileID, "error", err)
	}
}

type fileEntry struct {
	Filename string `json:"filename"`
	FileID   string `json:"file_id"`
}

// handleListFiles lists the caller's own virtual filename namespace: every
// entry they can see, owned or shared with them.
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	userID := callerUserID(r)
	entries, err := s.entries.List(userID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]fileEntry, 0, len(entries))
	for name, fileID := range entries {
		out = append(out, fileEntry{Filename: name, FileID: fileID})
	}
	jsonResponse(w, out, http.StatusOK)
}

// handleUploadFile accepts a multipart upload: a "data" part carrying the
// ciphertext and a "metadata" part carrying its UploadFileMetadata JSON.
// The caller becomes the file's owner.
func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	userID := callerUserID(r)

	reader, err := r.MultipartReader()
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "expected multipart/form-data", err))
		return
	}

	var meta UploadFileMetadata
	var haveMeta bool
	var ciphertext []byte
	var haveData bool

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeError(w, apperr.Wrap(apperr.KindValidation, "malformed multipart body", err))
			return
		}
		switch part.FormName() {
		case "metadata":
			if err := json.NewDecoder(part).Decode(&meta); err != nil {
				part.Close()
				writeError(w, apperr.Wrap(apperr.KindValidation, "malformed metadata part", err))
				return
			}
			haveMeta = true
		case "data":
			ciphertext, err = readLimited(part, s.cfg.MaxFileSize)
			part.Close()
			if err != nil {
				writeError(w, err)
				return
			}
			haveData = true
		default:
			part.Close()
		}
	}

	if !haveMeta || !haveData {
		writeError(w, apperr.New(apperr.KindValidation, "upload requires both a metadata part and a data part"))
		return
	}
	if !filenameRe.MatchString(meta.Filename) {
		writeError(w, apperr.New(apperr.KindValidation, "filename malformed"))
		return
	}
	if meta.Size != int64(len(ciphertext)) {
		writeError(w, apperr.New(apperr.KindIntegrity, "declared size does not match uploaded ciphertext length"))
		return
	}

	fileID, err := blobstore.Put(s.blobs.Root(), ciphertext, meta.FileID)
	if err != nil {
		writeError(w, err)
		return
	}

	authorized := append([]event.AuthorizedUserEntry{}, meta.AuthorizedUsers...)
	hasOwner := false
	for _, au := range authorized {
		if au.UserID == userID {
			hasOwner = true
			break
		}
	}
	if !hasOwner {
		writeError(w, apperr.New(apperr.KindValidation, "authorized_users must include the uploading user"))
		return
	}

	env, err := s.builder.FileCreated(event.FileCreatedPayload{
		UserID:          userID,
		FileID:          fileID,
		Filename:        meta.Filename,
		Size:            meta.Size,
		Mimetype:        meta.Mimetype,
		SHA256:          fileID,
		IV:              meta.IV,
		AuthorizedUsers: authorized,
		Tags:            meta.Tags,
		Version:         1,
	})
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "build file_created event", err))
		return
	}
	if _, err := s.dispatcher.Publish(r.Context(), env); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "publish file_created event", err))
		return
	}

	jsonResponse(w, map[string]string{"status": "stored", "file_id": fileID}, http.StatusCreated)
}

// handleShareFile grants additional users access to a file the caller owns.
func (s *Server) handleShareFile(w http.ResponseWriter, r *http.Request) {
	userID := callerUserID(r)
	var req ShareFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "malformed share request", err))
		return
	}
	fileID, ok := s.entries.Resolve(userID, req.Filename)
	if !ok {
		writeError(w, apperr.New(apperr.KindNotFound, "unknown filename: "+req.Filename))
		return
	}
	fm, err := s.meta.Get(fileID)
	if err != nil {
		writeError(w, err)
		return
	}
	if fm.OwnerID != userID {
		forbidden(w, "only the owner may share this file")
		return
	}

	env, err := s.builder.FileShared(event.FileSharedPayload{
		UserID:          userID,
		FileID:          fileID,
		Filename:        req.Filename,
		AuthorizedUsers: req.AuthorizedUsers,
	})
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "build file_shared event", err))
		return
	}
	if _, err := s.dispatcher.Publish(r.Context(), env); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "publish file_shared event", err))
		return
	}
	jsonResponse(w, map[string]string{"status": "shared"}, http.StatusOK)
}

// handleFileMeta returns a file's metadata document to a caller already
// present in its authorized_users.
func (s *Server) handleFileMeta(w http.ResponseWriter, r *http.Request) {
	userID := callerUserID(r)
	fileID := chi.URLParam(r, "file_id")
	authorized, _, err := s.meta.IsAuthorized(fileID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !authorized {
		forbidden(w, "not authorized for this file")
		return
	}
	fm, err := s.meta.Get(fileID)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, fm, http.StatusOK)
}

// handleDownloadFile resolves the caller's filename to a file_id, authorizes
// the caller, emits file_accessed (a failure here is fatal to the request),
// and streams ciphertext from the local blobstore or, failing that, races
// known peers for it.
func (s *Server) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	userID := callerUserID(r)
	filename := chi.URLParam(r, "filename")

	fileID, ok := s.entries.Resolve(userID, filename)
	if !ok {
		writeError(w, apperr.New(apperr.KindNotFound, "unknown filename: "+filename))
		return
	}
	authorized, au, err := s.meta.IsAuthorized(fileID, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !authorized {
		forbidden(w, "not authorized for this file")
		return
	}
	fm, err := s.meta.Get(fileID)
	if err != nil {
		writeError(w, err)
		return
	}

	env, err := s.builder.FileAccessed(event.FileAccessedPayload{
		UserID:   userID,
		FileID:   fileID,
		Filename: filename,
	})
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "build file_accessed event", err))
		return
	}
	if _, err := s.dispatcher.Publish(r.Context(), env); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "publish file_accessed event", err))
		return
	}

	w.Header().Set("Content-Disposition", "attachment; filename=\""+sanitizeHeaderValue(filename)+"\"")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-DFS3-File-ID", fm.FileID)
	w.Header().Set("X-DFS3-Owner", fm.OwnerID)
	w.Header().Set("X-DFS3-Size", fmt.Sprintf("%d", fm.Size))
	w.Header().Set("X-DFS3-IV", fm.IV)
	w.Header().Set("X-DFS3-SHA256", fm.SHA256)
	w.Header().Set("X-DFS3-Mimetype", fm.Mimetype)
	w.Header().Set("X-DFS3-Encrypted-Key", au.EncryptedKey)
	w.Header().Set("X-DFS3-IV-Key", au.IV)
	if owner, ok := s.users.Get(fm.OwnerID); ok {
		w.Header().Set("X-DFS3-Public-Key", owner.PublicKey)
	}

	replicated, err := s.fetch.Download(r.Context(), fileID, s.peerBaseURLs(), w)
	if err != nil {
		slog.Warn("download stream interrupted", "file_id", fileID, "filename", filename, "error", err)
		return
	}
	if replicated {
		s.announceReplication(r.Context(), fileID)
	}
}

// announceReplication emits file_replicated after a proxy-while-store
// download newly wrote this file_id's ciphertext to the local blobstore, so
// peers' replica_nodes learn about the new copy. Best-effort: a failure here
// doesn't unwind the download that already succeeded and streamed to the
// caller.
func (s *Server) announceReplication(ctx context.Context, fileID string) {
	env, err := s.builder.FileReplicated(event.FileReplicatedPayload{FileID: fileID})
	if err != nil {
		slog.Error("build file_replicated event failed", "file_id", fileID, "error", err)
		return
	}
	if _, err := s.dispatcher.Publish(ctx, env); err != nil {
		slog.Error("publish file_replicated event failed", "file_id", fileID, "error", err)
	}
}

// handleRenameFile renames the caller's own entry for a file.
func (s *Server) handleRenameFile(w http.ResponseWriter, r *http.Request) {
	userID := callerUserID(r)
	filename := chi.URLParam(r, "filename")
	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "malformed rename request", err))
		return
	}
	if !filenameRe.MatchString(req.NewName) {
		writeError(w, apperr.New(apperr.KindValidation, "new_name malformed"))
		return
	}
	fileID, ok := s.entries.Resolve(userID, filename)
	if !ok {
		writeError(w, apperr.New(apperr.KindNotFound, "unknown filename: "+filename))
		return
	}

	env, err := s.builder.FileRenamed(event.FileRenamedPayload{
		FileID:   fileID,
		UserID:   userID,
		Filename: filename,
		NewName:  req.NewName,
	})
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "build file_renamed event", err))
		return
	}
	if _, err := s.dispatcher.Publish(r.Context(), env); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "publish file_renamed event", err))
		return
	}
	jsonResponse(w, map[string]string{"status": "renamed"}, http.StatusOK)
}

// handleDeleteFile unlinks the caller's own entry for a file. Other users'
// entries and the underlying metadata/blob are untouched.
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	userID := callerUserID(r)
	filename := chi.URLParam(r, "filename")
	fileID, ok := s.entries.Resolve(userID, filename)
	if !ok {
		writeError(w, apperr.New(apperr.KindNotFound, "unknown filename: "+filename))
		return
	}

	env, err := s.builder.FileDeleted(event.FileDeletedPayload{
		FileID:   fileID,
		UserID:   userID,
		Filename: filename,
	})
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "build file_deleted event", err))
		return
	}
	if _, err := s.dispatcher.Publish(r.Context(), env); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "publish file_deleted event", err))
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"}, http.StatusOK)
}

func sanitizeHeaderValue(s string) string {
	return url.QueryEscape(s)
}

// readLimited reads up to limit+1 bytes from r, rejecting anything over
// limit rather than silently truncating it.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	lr := io.LimitReader(r, limit+1)
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "read upload data part", err)
	}
	if int64(len(data)) > limit {
		return nil, apperr.New(apperr.KindValidation, "ciphertext exceeds maximum file size")
	}
	return data, nil
}
