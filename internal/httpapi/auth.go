package httpapi

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/dfs3/dfs3node/internal/apperr"
	"github.com/dfs3/dfs3node/internal/event"
	"github.com/dfs3/dfs3node/internal/session"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "malformed register request", err))
		return
	}
	if !hexID.MatchString(req.UserID) {
		writeError(w, apperr.New(apperr.KindValidation, "user_id must be 64 lowercase hex chars"))
		return
	}
	if !aliasRe.MatchString(req.Alias) {
		writeError(w, apperr.New(apperr.KindValidation, "alias malformed"))
		return
	}
	if !hexID.MatchString(req.PublicKey) {
		writeError(w, apperr.New(apperr.KindValidation, "public_key must be 64 lowercase hex chars"))
		return
	}
	if _, exists := s.users.Get(req.UserID); exists {
		writeError(w, apperr.New(apperr.KindConflict, "user already registered: "+req.UserID))
		return
	}

	env, err := s.builder.UserRegistered(event.UserRegisteredPayload{
		UserID:    req.UserID,
		Alias:     req.Alias,
		Name:      req.Name,
		Email:     req.Email,
		PublicKey: req.PublicKey,
		Tags:      req.Tags,
		Version:   1,
	})
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "build user_registered event", err))
		return
	}
	if _, err := s.dispatcher.Publish(r.Context(), env); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "publish user_registered event", err))
		return
	}

	jsonResponse(w, map[string]string{"user_id": req.UserID}, http.StatusCreated)
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req challengeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "malformed challenge request", err))
		return
	}
	if _, ok := s.users.Get(req.UserID); !ok {
		writeError(w, apperr.New(apperr.KindNotFound, "unknown user: "+req.UserID))
		return
	}
	challenge, err := s.challenges.Issue(req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, challengeResponse{Challenge: challenge}, http.StatusOK)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.KindValidation, "malformed verify request", err))
		return
	}
	challenge, ok := s.challenges.Peek(req.UserID)
	if !ok {
		writeError(w, apperr.New(apperr.KindValidation, "no outstanding challenge for user"))
		return
	}
	u, ok := s.users.Get(req.UserID)
	if !ok {
		writeError(w, apperr.New(apperr.KindNotFound, "unknown user: "+req.UserID))
		return
	}
	pubRaw, err := hex.DecodeString(u.PublicKey)
	if err != nil || len(pubRaw) != ed25519.PublicKeySize {
		writeError(w, apperr.New(apperr.KindInternal, "stored public key is malformed"))
		return
	}
	ok, err = session.VerifyChallengeSignature(ed25519.PublicKey(pubRaw), challenge, req.Signature)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeError(w, apperr.New(apperr.KindAuth, "signature does not verify against challenge"))
		return
	}
	s.challenges.Evict(req.UserID)

	token, err := s.sessions.Issue(req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	env, err := s.builder.UserJoinedNode(event.UserJoinedNodePayload{
		UserID:    req.UserID,
		Challenge: challenge,
		PublicKey: u.PublicKey,
		Signature: req.Signature,
	})
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "build user_joined_node event", err))
		return
	}
	if _, err := s.dispatcher.Publish(r.Context(), env); err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "publish user_joined_node event", err))
		return
	}

	jsonResponse(w, verifyResponse{AccessToken: token}, http.StatusOK)
}
