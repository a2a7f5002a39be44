// dfs3node runs one peer-to-peer encrypted file storage node: it mints or
// unseals its identity, opens local state, announces itself on the bus,
// ingests peer events, and serves the HTTP API clients and other nodes talk
// to.
//
// Usage:
//
//	export DFS3_PASSPHRASE=<seals/unseals this node's private key>
//	export DATA_DIR=./data
//	export BUS_RELAYS=wss://relay.dfs3.example
//	./dfs3node
package main

import (
	"context"
	"encoding/hex"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dfs3/dfs3node/internal/blobstore"
	"github.com/dfs3/dfs3node/internal/bus"
	"github.com/dfs3/dfs3node/internal/config"
	"github.com/dfs3/dfs3node/internal/db"
	"github.com/dfs3/dfs3node/internal/dispatch"
	"github.com/dfs3/dfs3node/internal/event"
	"github.com/dfs3/dfs3node/internal/fetch"
	"github.com/dfs3/dfs3node/internal/httpapi"
	"github.com/dfs3/dfs3node/internal/identity"
	"github.com/dfs3/dfs3node/internal/ledger"
	"github.com/dfs3/dfs3node/internal/metadata"
	"github.com/dfs3/dfs3node/internal/registry"
	"github.com/dfs3/dfs3node/internal/session"
)

// transportTagPrefix marks the bus transport public key inside a node's
// announced tags, so peers can learn which pubkey to follow without a
// side channel.
const transportTagPrefix = "transport:"

func main() {
	startedAt := time.Now()

	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting dfs3 node", "version", event.SoftwareVersion)

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg := config.Load()
	slog.Info("config loaded",
		"data_dir", cfg.DataDir,
		"database", cfg.DatabaseURL,
		"alias", cfg.NodeAlias,
		"bus_relays", cfg.BusRelays,
	)

	// ─── Database ─────────────────────────────────────────────────────────────
	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	// ─── Node identity (minted on first boot, sealed at rest) ─────────────────
	id, err := identity.LoadOrMint(filepath.Join(cfg.DataDir, "identity.json"), cfg.IdentityPass)
	if err != nil {
		slog.Error("failed to load/mint node identity", "error", err)
		os.Exit(1)
	}
	slog.Info("node identity ready", "node_id", id.NodeID[:16])

	// ─── Core state ───────────────────────────────────────────────────────────
	nodes := registry.NewNodeRegistry(store, cfg.RegistryCacheSize)
	users := registry.NewUserRegistry(store, cfg.RegistryCacheSize)
	meta := metadata.NewStore(filepath.Join(cfg.DataDir, "metadata"), cfg.MetadataCacheSize)
	entries := metadata.NewEntries(filepath.Join(cfg.DataDir, "users"), filepath.Join(cfg.DataDir, "metadata"), store)
	blobs := blobstore.New(filepath.Join(cfg.DataDir, "blobs"))

	builder := event.NewBuilder(id.NodeID, id.PrivateKey)
	ledgerClient := ledger.New(cfg.LedgerURL, id.NodeID+"#ledger", id.PrivateKey, cfg.SignLedgerCalls)

	bus.SetCircuitBreakerThreshold(cfg.RelayCBThreshold)
	publisher, err := bus.NewPublisher(cfg.BusRelays, id.PrivateKey.Seed(), id.NodeID)
	if err != nil {
		slog.Error("failed to start bus publisher", "error", err)
		os.Exit(1)
	}

	fetchEngine := fetch.New(blobs, cfg.FetchConcurrency, cfg.BusFetchTimeout)
	cloner := &fetch.Cloner{
		Engine:       fetchEngine,
		Policy:       cloneEligibilityPolicy(cfg.CloneEligibility),
		DB:           store,
		Builder:      builder,
		Ledger:       ledgerClient,
		Publisher:    publisher,
		SelfNodeID:   id.NodeID,
		MinFreeBytes: cfg.CloneMinFreeBytes,
		FreeBytes:    func() int64 { return freeBytes(cfg.DataDir) },
	}

	dispatcher := &dispatch.Dispatcher{
		DB:        store,
		Ledger:    ledgerClient,
		Nodes:     nodes,
		Users:     users,
		Meta:      meta,
		Entries:   entries,
		Cloner:    cloner,
		Publisher: publisher,
		SelfNode:  id.NodeID,
	}

	challenges := session.NewChallenges(cfg.ChallengeTTL)
	sessions := session.NewSessions(cfg.SessionTTL)

	// ─── Graceful shutdown ────────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ─── Bus listener: ingest every other known node's announcements ─────────
	listener := bus.NewListener(id.NodeID, cfg.BusRelays, func() []string {
		return transportAuthors(nodes, id.NodeID)
	}, dispatcher.Ingest, store)
	go listener.Start(ctx)

	// ─── Periodic node_status heartbeat ──────────────────────────────────────
	go runNodeStatusLoop(ctx, cfg, builder, dispatcher, startedAt)

	// ─── Announce this node ───────────────────────────────────────────────────
	if err := announceSelf(ctx, cfg, id, builder, dispatcher, publisher.TransportPublicKey()); err != nil {
		slog.Error("failed to announce node_registered", "error", err)
		os.Exit(1)
	}

	// ─── Start HTTP server ────────────────────────────────────────────────────
	srv := httpapi.New(cfg, httpapi.Deps{
		DB:         store,
		Builder:    builder,
		Dispatcher: dispatcher,
		Nodes:      nodes,
		Users:      users,
		Meta:       meta,
		Entries:    entries,
		Blobs:      blobs,
		Fetch:      fetchEngine,
		Publisher:  publisher,
		Challenges: challenges,
		Sessions:   sessions,
		SelfNodeID: id.NodeID,
	})
	srv.Start(ctx) // blocks until ctx is cancelled

	slog.Info("dfs3 node stopped")
}

// announceSelf publishes this node's node_registered event on every boot,
// including the bus transport public key as a tag so peers
// relaying over the bus can follow it.
func announceSelf(ctx context.Context, cfg *config.Config, id *identity.Identity, builder *event.Builder, dispatcher *dispatch.Dispatcher, transportPub string) error {
	hostname, _ := os.Hostname()
	env, err := builder.NodeRegistered(event.NodeRegisteredPayload{
		Alias:           cfg.NodeAlias,
		Hostname:        hostname,
		PublicKey:       hexEncodePublicKey(id),
		Platform:        "linux",
		SoftwareVersion: event.SoftwareVersion,
		Uptime:          0,
		TotalSpace:      diskTotalBytes(cfg.DataDir),
		IP:              "",
		Port:            portAsInt(cfg.Port),
		Tags:            []string{transportTagPrefix + transportPub},
		Version:         1,
	})
	if err != nil {
		return err
	}
	_, err = dispatcher.Publish(ctx, env)
	return err
}

// runNodeStatusLoop emits a node_status heartbeat on cfg.NodeStatusInterval
// until ctx is cancelled, giving peers a liveness and capacity signal
// independent of node_registered (which fires once, at boot).
func runNodeStatusLoop(ctx context.Context, cfg *config.Config, builder *event.Builder, dispatcher *dispatch.Dispatcher, startedAt time.Time) {
	ticker := time.NewTicker(cfg.NodeStatusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, err := builder.NodeStatus(event.NodeStatusPayload{
				IP:         "",
				Port:       portAsInt(cfg.Port),
				Uptime:     int64(time.Since(startedAt).Seconds()),
				TotalSpace: diskTotalBytes(cfg.DataDir),
			})
			if err != nil {
				slog.Error("build node_status event failed", "error", err)
				continue
			}
			if _, err := dispatcher.Publish(ctx, env); err != nil {
				slog.Error("publish node_status event failed", "error", err)
			}
		}
	}
}

func hexEncodePublicKey(id *identity.Identity) string {
	return hex.EncodeToString(id.PublicKey)
}

func portAsInt(port string) int {
	n := 0
	for _, c := range port {
		if c < '0' || c > '9' {
			return 0
		}
		n = n*10 + int(c-'0')
	}
	return n
}

// transportAuthors collects the bus transport pubkey every other known node
// announced in its node_registered tags.
func transportAuthors(nodes *registry.NodeRegistry, selfNodeID string) []string {
	rows, err := nodes.List()
	if err != nil {
		slog.Warn("list nodes for bus subscription failed", "error", err)
		return nil
	}
	out := make([]string, 0, len(rows))
	for _, n := range rows {
		if n.NodeID == selfNodeID {
			continue
		}
		for _, tag := range strings.Split(n.Tags, ",") {
			if strings.HasPrefix(tag, transportTagPrefix) {
				out = append(out, strings.TrimPrefix(tag, transportTagPrefix))
				break
			}
		}
	}
	return out
}

func cloneEligibilityPolicy(mode string) fetch.EligibilityPolicy {
	if mode == "any" {
		return fetch.AnyNonEmitterPolicy{}
	}
	return fetch.DefaultEligibilityPolicy{}
}
