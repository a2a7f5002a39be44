// Package session implements the login-challenge and bearer-session layer:
// random challenge issuance, signature verification, and session tokens,
// all TTL-bounded over the shared cache contract.
package session

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"time"

	"github.com/dfs3/dfs3node/internal/apperr"
	"github.com/dfs3/dfs3node/internal/cache"
)

const (
	challengeRandomBytes = 24
	sessionTokenBytes    = 24
)

// Challenges issues and verifies short-lived login challenges, one per
// user_id; issuing a new challenge evicts any prior one for that user.
type Challenges struct {
	cache *cache.Cache[string, string]
}

func NewChallenges(ttl time.Duration) *Challenges {
	return &Challenges{cache: cache.New[string, string](4096, ttl)}
}

// Issue generates and stores a fresh challenge for userID, replacing any
// existing one.
func (c *Challenges) Issue(userID string) (string, error) {
	buf := make([]byte, challengeRandomBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "generate challenge randomness", err)
	}
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(time.Now().Unix()))
	challenge := base64.StdEncoding.EncodeToString(append(buf, ts[:]...))
	c.cache.Invalidate(userID)
	c.cache.Put(userID, challenge)
	return challenge, nil
}

// Peek returns userID's stored challenge without evicting it: the caller
// (verify) evicts explicitly after a successful verification; a failed
// attempt leaves the challenge in place until it expires or is replaced.
func (c *Challenges) Peek(userID string) (string, bool) {
	return c.cache.Get(userID)
}

// Evict removes userID's challenge, if present.
func (c *Challenges) Evict(userID string) {
	c.cache.Invalidate(userID)
}

// Sessions issues and validates bearer session tokens.
type Sessions struct {
	cache *cache.Cache[string, string] // token -> user_id
}

func NewSessions(ttl time.Duration) *Sessions {
	return &Sessions{cache: cache.New[string, string](8192, ttl)}
}

// Issue mints a new session token for userID.
func (s *Sessions) Issue(userID string) (string, error) {
	buf := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "generate session token randomness", err)
	}
	token := base64.StdEncoding.EncodeToString(buf)
	s.cache.Put(token, userID)
	return token, nil
}

// Resolve returns the user_id a bearer token belongs to, or
// apperr.KindAuth if it's missing, malformed, or expired.
func (s *Sessions) Resolve(token string) (string, error) {
	if token == "" {
		return "", apperr.New(apperr.KindAuth, "missing bearer token")
	}
	userID, ok := s.cache.Get(token)
	if !ok {
		return "", apperr.New(apperr.KindAuth, "session token expired or unknown")
	}
	return userID, nil
}

// VerifyChallengeSignature checks sig over challenge under pub, per spec's
// "verify signature over the challenge bytes".
func VerifyChallengeSignature(pub ed25519.PublicKey, challenge, sig string) (bool, error) {
	challengeBytes, err := base64.StdEncoding.DecodeString(challenge)
	if err != nil {
		return false, apperr.Wrap(apperr.KindValidation, "challenge is not valid base64", err)
	}
	sigBytes, err := base64.StdEncoding.DecodeString(sig)
	if err != nil {
		return false, apperr.Wrap(apperr.KindValidation, "signature is not valid base64", err)
	}
	return ed25519.Verify(pub, challengeBytes, sigBytes), nil
}
