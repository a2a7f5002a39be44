package bus

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// AnnouncementHandler processes one received announcement.
type AnnouncementHandler func(ctx context.Context, a Announcement)

// CursorStore persists the durable resume point across restarts, the same
// role clean_session=False / a stored MQTT session plays in the prototype
// this is descended from: a listener that restarts resumes from where it
// left off instead of re-ingesting the whole relay history.
type CursorStore interface {
	GetKV(key string) (string, bool)
	SetKV(key, value string) error
}

const (
	listenerEventConcurrency = 20
	cursorKeyPrefix          = "bus_cursor:"
)

// Listener maintains a durable, reconnecting subscription to every node's
// transport pubkey known to the node registry, dispatching decoded
// announcements to Handler.
type Listener struct {
	NodeID    string
	Relays    []string
	Authors   func() []string // returns the current set of transport pubkeys to follow; re-read each reconnect
	Handler   AnnouncementHandler
	Cursor    CursorStore
	sem       chan struct{}
	restartCh chan struct{}
}

// NewListener builds a Listener. authors is called fresh on every
// (re)subscribe so newly-registered peers are picked up without a restart
// of the process, only of the subscription.
func NewListener(nodeID string, relays []string, authors func() []string, handler AnnouncementHandler, cursor CursorStore) *Listener {
	return &Listener{
		NodeID:    nodeID,
		Relays:    relays,
		Authors:   authors,
		Handler:   handler,
		Cursor:    cursor,
		sem:       make(chan struct{}, listenerEventConcurrency),
		restartCh: make(chan struct{}, 1),
	}
}

// RequestRestart signals the listener to resubscribe immediately (e.g.
// after a new peer node is registered), rather than waiting for the next
// natural reconnect.
func (l *Listener) RequestRestart() {
	select {
	case l.restartCh <- struct{}{}:
	default:
	}
}

func (l *Listener) cursorKey() string { return cursorKeyPrefix + l.NodeID }

func (l *Listener) loadSince() nostr.Timestamp {
	if l.Cursor != nil {
		if v, ok := l.Cursor.GetKV(l.cursorKey()); ok {
			if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
				return nostr.Timestamp(ts)
			}
		}
	}
	return nostr.Now()
}

func (l *Listener) saveSince(ts nostr.Timestamp) {
	if l.Cursor != nil {
		_ = l.Cursor.SetKV(l.cursorKey(), strconv.FormatInt(int64(ts), 10))
	}
}

// Start runs the reconnect loop until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) {
	if len(l.Relays) == 0 {
		slog.Warn("no bus relays configured; listener disabled")
		<-ctx.Done()
		return
	}

	pool := nostr.NewSimplePool(ctx)
	since := l.loadSince()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		authors := l.Authors()
		if len(authors) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
				continue
			}
		}

		slog.Info("starting bus listener", "relays", l.Relays, "peers", len(authors))

		filters := nostr.Filters{{
			Kinds:   []int{announcementKind},
			Authors: authors,
			Since:   &since,
		}}

		subCtx, subCancel := context.WithCancel(ctx)
		immediateRestart := make(chan struct{}, 1)
		go func() {
			select {
			case <-l.restartCh:
				select {
				case immediateRestart <- struct{}{}:
				default:
				}
				subCancel()
			case <-subCtx.Done():
			}
		}()

		for ev := range pool.SubMany(subCtx, l.Relays, filters) {
			if ev.Event == nil {
				continue
			}
			a, err := decodeAnnouncement(ev.Event.Content)
			if err != nil {
				slog.Warn("dropping malformed bus announcement", "error", err)
				continue
			}
			select {
			case l.sem <- struct{}{}:
				go func() {
					defer func() { <-l.sem }()
					defer func() {
						if r := recover(); r != nil {
							slog.Error("panic in announcement handler", "panic", r)
						}
					}()
					l.Handler(ctx, a)
				}()
			default:
				slog.Warn("bus announcement dropped: handler backlog full", "block_id", a.BlockID)
			}
			if ev.Event.CreatedAt > since {
				since = ev.Event.CreatedAt
				l.saveSince(since)
			}
		}
		subCancel()

		select {
		case <-ctx.Done():
			return
		default:
		}

		select {
		case <-immediateRestart:
			slog.Info("bus peer set changed, resubscribing")
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
			slog.Info("reconnecting bus listener")
		}
	}
}
