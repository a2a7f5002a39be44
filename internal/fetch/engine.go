// Package fetch implements the multi-peer fetch-first-wins race with
// proxy-while-store semantics, and opportunistic replication triggered by
// file_created ingestion.
package fetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/dfs3/dfs3node/internal/apperr"
	"github.com/dfs3/dfs3node/internal/blobstore"
)

// PeerBlobURL builds the URL a remote node serves a blob at. Kept as a
// var so httpapi and fetch agree on the exact path without an import cycle.
var PeerBlobURL = func(peerBaseURL, fileID string) string {
	return fmt.Sprintf("%s/api/v1/files/%s/data", trimSlash(peerBaseURL), fileID)
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// Engine races fetches for a single file_id against a set of candidate
// peers, bounded in concurrency, cancelling the losers as soon as one peer
// wins — the same semaphore+cancellation shape as the teacher's
// concurrent-fan-out delivery, inverted from "wait for all" to
// "first success wins".
type Engine struct {
	Store       *blobstore.Store
	Concurrency int
	PeerTimeout time.Duration
	Limiter     *rate.Limiter
	HTTPClient  *http.Client
}

func New(store *blobstore.Store, concurrency int, peerTimeout time.Duration) *Engine {
	return &Engine{
		Store:       store,
		Concurrency: concurrency,
		PeerTimeout: peerTimeout,
		Limiter:     rate.NewLimiter(rate.Limit(20), 40),
		HTTPClient:  &http.Client{},
	}
}

type fetchResult struct {
	tempPath string
	err      error
}

// Download races peerBaseURLs for fileID's ciphertext. Each racing
// goroutine writes its peer's body into a staging temp file; the first one
// to finish with a verified blob wins, and its file is committed to the
// local store. If w is non-nil, the committed blob is then read back from
// the local store and copied to w, so the caller receives no bytes until
// the whole blob has been fetched and stored. The returned bool reports whether the blob was newly
// fetched-and-stored from a peer in this call (true) versus already present
// locally (false), so a caller can decide whether to announce file_replicated.
func (e *Engine) Download(ctx context.Context, fileID string, peerBaseURLs []string, w io.Writer) (bool, error) {
	if e.Store.Exists(fileID) {
		return false, e.streamLocal(fileID, w)
	}
	if len(peerBaseURLs) == 0 {
		return false, apperr.New(apperr.KindNotFound, "no peers hold file_id "+fileID)
	}

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, e.Concurrency)
	results := make(chan fetchResult, len(peerBaseURLs))
	var wg sync.WaitGroup

	for _, peer := range peerBaseURLs {
		peer := peer
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			tempPath, err := e.fetchFromPeer(raceCtx, peer, fileID)
			select {
			case results <- fetchResult{tempPath: tempPath, err: err}:
			case <-raceCtx.Done():
				if tempPath != "" {
					e.Store.AbortTemp(tempPath)
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var lastErr error
	for res := range results {
		if res.err != nil {
			lastErr = res.err
			continue
		}
		// First success wins: commit it, cancel the rest, discard any
		// further results that arrive after cancellation.
		if err := e.Store.CommitTemp(res.tempPath, fileID); err != nil {
			lastErr = err
			continue
		}
		cancel()
		if w != nil {
			if err := e.streamLocal(fileID, w); err != nil {
				return false, err
			}
		}
		return true, nil
	}

	if lastErr != nil {
		return false, apperr.Wrap(apperr.KindInternal, "fetch-first-wins race exhausted all peers", lastErr)
	}
	return false, apperr.New(apperr.KindNotFound, "no peer could serve file_id "+fileID)
}

func (e *Engine) streamLocal(fileID string, w io.Writer) error {
	if w == nil {
		return nil
	}
	r, err := e.Store.Open(fileID)
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(w, r)
	return err
}

func (e *Engine) fetchFromPeer(ctx context.Context, peerBaseURL, fileID string) (string, error) {
	if err := e.Limiter.Wait(ctx); err != nil {
		return "", err
	}
	peerCtx, cancel := context.WithTimeout(ctx, e.PeerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(peerCtx, http.MethodGet, PeerBlobURL(peerBaseURL, fileID), nil)
	if err != nil {
		return "", err
	}
	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("peer %s returned status %d for %s", peerBaseURL, resp.StatusCode, fileID)
	}

	tmp, tempPath, err := e.Store.CreateTemp()
	if err != nil {
		return "", err
	}
	defer tmp.Close()

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		e.Store.AbortTemp(tempPath)
		return "", fmt.Errorf("stream from peer %s: %w", peerBaseURL, err)
	}
	return tempPath, nil
}

// LogDropped records peers that were never tried because the race already
// won, avoiding the appearance that the full peer list was exhausted.
func LogDropped(fileID string, tried, total int) {
	if tried < total {
		slog.Debug("fetch race won before trying all candidates", "file_id", fileID, "tried", tried, "total", total)
	}
}
