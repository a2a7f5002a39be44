package fetch

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/dfs3/dfs3node/internal/bus"
	"github.com/dfs3/dfs3node/internal/db"
	"github.com/dfs3/dfs3node/internal/event"
	"github.com/dfs3/dfs3node/internal/ledger"
)

// FragmentThreshold is the size below which a newly created file is a
// candidate for opportunistic cloning. Files at or above this size are
// left to on-demand fetch only.
const FragmentThreshold = 1 << 20 // 1 MiB

// minUptime is the "been around a while" half of the default eligibility
// criterion: a node that just joined has no track record of staying up.
const minUptime = 24 * time.Hour

// topKByFreeSpace bounds how many of the most-spacious known nodes are
// asked to opportunistically clone any one file, so a single small file
// doesn't get replicated to every peer in a large swarm.
const topKByFreeSpace = 3

// CloneContext carries everything an EligibilityPolicy needs to decide
// whether this node should opportunistically clone a just-created file.
type CloneContext struct {
	SelfNodeID    string
	SelfStatus    string
	SelfUptime    time.Duration
	SelfFreeBytes int64
	MinFreeBytes  int64
	EmitterNodeID string
	FileSize      int64
	Peers         []db.NodeRow // all known nodes, for top-K ranking
}

// EligibilityPolicy decides whether the local node should attempt an
// opportunistic clone of a newly announced file.
type EligibilityPolicy interface {
	Eligible(c CloneContext) bool
}

// DefaultEligibilityPolicy implements the production criterion: small
// file, node not mid-sync, established uptime, enough local free space, and
// ranked among the top-K known nodes by their reported total_space
// (deterministic tie-break on node_id so multiple nodes don't all "win" and
// all clone the same file). Peers' free space is not used in the ranking.
type DefaultEligibilityPolicy struct{}

func (DefaultEligibilityPolicy) Eligible(c CloneContext) bool {
	if c.FileSize >= FragmentThreshold {
		return false
	}
	if c.SelfNodeID == c.EmitterNodeID {
		return false
	}
	if c.SelfStatus == "syncing" {
		return false
	}
	if c.SelfUptime < minUptime {
		return false
	}
	if c.SelfFreeBytes < c.MinFreeBytes {
		return false
	}
	return rankByFreeSpace(c.Peers, c.SelfNodeID) < topKByFreeSpace
}

// rankByFreeSpace returns selfID's zero-based rank among peers ordered by
// reported TotalSpace descending, tie-broken by node_id ascending for
// determinism. Free space is not part of the ordering.
// Returns len(peers) if selfID isn't present (never eligible).
func rankByFreeSpace(peers []db.NodeRow, selfID string) int {
	ordered := append([]db.NodeRow{}, peers...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].TotalSpace != ordered[j].TotalSpace {
			return ordered[i].TotalSpace > ordered[j].TotalSpace
		}
		return ordered[i].NodeID < ordered[j].NodeID
	})
	for i, n := range ordered {
		if n.NodeID == selfID {
			return i
		}
	}
	return len(ordered)
}

// AnyNonEmitterPolicy is the looser alternative documented as the
// observed deployed behavior: every node but the emitter clones. Selected
// via CLONE_ELIGIBILITY=any.
type AnyNonEmitterPolicy struct{}

func (AnyNonEmitterPolicy) Eligible(c CloneContext) bool {
	return c.SelfNodeID != c.EmitterNodeID
}

// Cloner fetches a just-created file's ciphertext from its emitter in the
// background when this node is eligible, and announces success as a
// file_replicated event.
type Cloner struct {
	Engine       *Engine
	Policy       EligibilityPolicy
	DB           *db.Store
	Builder      *event.Builder
	Ledger       *ledger.Client
	Publisher    *bus.Publisher
	SelfNodeID   string
	MinFreeBytes int64
	FreeBytes    func() int64 // polled at clone time; injected so tests can fake disk state
}

// OnFileCreated evaluates eligibility for payload and, if eligible, clones
// in the background. Non-blocking: the caller (the dispatcher) must not
// wait for replication to finish.
func (c *Cloner) OnFileCreated(ctx context.Context, payload event.FileCreatedPayload, emitterNodeID string) {
	if c.Policy == nil || c.Engine == nil {
		return
	}
	self, ok := c.DB.GetNode(c.SelfNodeID)
	if !ok {
		return
	}
	peers, err := c.DB.ListNodes()
	if err != nil {
		slog.Warn("clone eligibility check: list nodes failed", "error", err)
		return
	}

	cc := CloneContext{
		SelfNodeID:    c.SelfNodeID,
		SelfStatus:    self.Status,
		SelfUptime:    time.Duration(self.UptimeSeconds) * time.Second,
		SelfFreeBytes: c.freeBytes(),
		MinFreeBytes:  c.MinFreeBytes,
		EmitterNodeID: emitterNodeID,
		FileSize:      payload.Size,
		Peers:         peers,
	}
	if !c.Policy.Eligible(cc) {
		return
	}

	go c.clone(context.Background(), payload, emitterNodeID)
}

func (c *Cloner) freeBytes() int64 {
	if c.FreeBytes != nil {
		return c.FreeBytes()
	}
	return 0
}

func (c *Cloner) clone(ctx context.Context, payload event.FileCreatedPayload, emitterNodeID string) {
	emitter, ok := c.DB.GetNode(emitterNodeID)
	if !ok || emitter.IP == "" {
		slog.Warn("clone skipped: emitter node unknown or has no address", "node_id", emitterNodeID, "file_id", payload.FileID)
		return
	}
	peerURL := peerBaseURLFromNode(emitter)

	if _, err := c.Engine.Download(ctx, payload.FileID, []string{peerURL}, nil); err != nil {
		slog.Warn("opportunistic clone failed", "file_id", payload.FileID, "peer", peerURL, "error", err)
		return
	}

	env, err := c.Builder.FileReplicated(event.FileReplicatedPayload{FileID: payload.FileID})
	if err != nil {
		slog.Error("clone succeeded but failed to build file_replicated event", "file_id", payload.FileID, "error", err)
		return
	}
	blockID, err := c.Ledger.Publish(ctx, env)
	if err != nil {
		slog.Error("clone succeeded but failed to publish file_replicated", "file_id", payload.FileID, "error", err)
		return
	}
	if c.Publisher != nil {
		ann := bus.Announcement{
			BlockID:   blockID,
			EventType: string(event.FileReplicated),
			Timestamp: env.Timestamp,
			NodeID:    c.SelfNodeID,
		}
		if err := c.Publisher.Announce(ctx, ann); err != nil {
			slog.Warn("file_replicated published to ledger but bus announce failed", "file_id", payload.FileID, "error", err)
		}
	}
	slog.Info("opportunistic clone complete", "file_id", payload.FileID, "from", emitterNodeID)
}

func peerBaseURLFromNode(n db.NodeRow) string {
	if n.IP == "" {
		return ""
	}
	if n.Port == 0 {
		return "http://" + n.IP
	}
	return "http://" + n.IP + ":" + strconv.Itoa(n.Port)
}
