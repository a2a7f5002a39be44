// Package httpapi maps the HTTP surface in spec §6 onto the core
// operations implemented by the other internal packages: registration,
// challenge/login, registry dumps, event index reads, and the full file
// lifecycle (upload, download, share, rename, delete), plus a couple of
// supplemental operator-facing endpoints.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"log/slog"

	"github.com/dfs3/dfs3node/internal/blobstore"
	"github.com/dfs3/dfs3node/internal/bus"
	"github.com/dfs3/dfs3node/internal/config"
	"github.com/dfs3/dfs3node/internal/db"
	"github.com/dfs3/dfs3node/internal/dispatch"
	"github.com/dfs3/dfs3node/internal/event"
	"github.com/dfs3/dfs3node/internal/fetch"
	"github.com/dfs3/dfs3node/internal/metadata"
	"github.com/dfs3/dfs3node/internal/registry"
	"github.com/dfs3/dfs3node/internal/session"
)

// Deps bundles every collaborator the HTTP boundary needs. All fields are
// required; there is no optional-attachment phase like the teacher's
// Set*() methods because dfs3's HTTP surface has no ActivityPub-style
// feature flags to gate on.
type Deps struct {
	DB         *db.Store
	Builder    *event.Builder
	Dispatcher *dispatch.Dispatcher
	Nodes      *registry.NodeRegistry
	Users      *registry.UserRegistry
	Meta       *metadata.Store
	Entries    *metadata.Entries
	Blobs      *blobstore.Store
	Fetch      *fetch.Engine
	Publisher  *bus.Publisher
	Challenges *session.Challenges
	Sessions   *session.Sessions
	SelfNodeID string
}

// Server is the HTTP boundary for one dfs3 node.
type Server struct {
	cfg        *config.Config
	db         *db.Store
	builder    *event.Builder
	dispatcher *dispatch.Dispatcher
	nodes      *registry.NodeRegistry
	users      *registry.UserRegistry
	meta       *metadata.Store
	entries    *metadata.Entries
	blobs      *blobstore.Store
	fetch      *fetch.Engine
	publisher  *bus.Publisher
	challenges *session.Challenges
	sessions   *session.Sessions
	selfNodeID string

	router    *chi.Mux
	startedAt time.Time
}

// New builds a Server and its router.
func New(cfg *config.Config, d Deps) *Server {
	s := &Server{
		cfg:        cfg,
		db:         d.DB,
		builder:    d.Builder,
		dispatcher: d.Dispatcher,
		nodes:      d.Nodes,
		users:      d.Users,
		meta:       d.Meta,
		entries:    d.Entries,
		blobs:      d.Blobs,
		fetch:      d.Fetch,
		publisher:  d.Publisher,
		challenges: d.Challenges,
		sessions:   d.Sessions,
		selfNodeID: d.SelfNodeID,
		startedAt:  time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	addr := ":" + s.cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // generous: covers large multipart uploads and proxied downloads
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", addr, "node_id", s.selfNodeID)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/stats", s.handleStats)

		r.Post("/auth/register", s.handleRegister)
		r.Post("/auth/challenge", s.handleChallenge)
		r.Post("/auth/verify", s.handleVerify)

		r.Get("/events", s.handleListEvents)
		r.Get("/event/{block_id}", s.handleGetEvent)

		// Unauthenticated peer blob endpoint: the authorization boundary is
		// at the key-material path (GET /files/{filename}), not here.
		r.Get("/files/{file_id}/data", s.handleBlobData)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/users", s.handleListUsers)
			r.Get("/users/{user_id}", s.handleGetUser)
			r.Get("/nodes", s.handleListNodes)
			r.Get("/nodes/{node_id}", s.handleGetNode)
			r.Get("/admin/bus", s.handleAdminBus)

			r.Get("/files", s.handleListFiles)
			r.Post("/files", s.handleUploadFile)
			r.Post("/files/share", s.handleShareFile)
			r.Get("/files/{file_id}/meta", s.handleFileMeta)
			r.Get("/files/{filename}", s.handleDownloadFile)
			r.Patch("/files/{filename}", s.handleRenameFile)
			r.Delete("/files/{filename}", s.handleDeleteFile)
		})
	})

	return r
}

// requestIDMiddleware stamps every request with a UUIDv4, stored under
// chi's own middleware.RequestIDKey so GetReqID and the rest of the
// middleware stack see it exactly as if middleware.RequestID had set it.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set(middleware.RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type ctxKey int

const userIDCtxKey ctxKey = iota

// requireAuth resolves the bearer token in Authorization and stores the
// caller's user_id in the request context, or fails with 401 when the
// token is missing, unknown or expired.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		userID, err := s.sessions.Resolve(token)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), userIDCtxKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func callerUserID(r *http.Request) string {
	if v, ok := r.Context().Value(userIDCtxKey).(string); ok {
		return v
	}
	return ""
}
