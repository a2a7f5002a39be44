package bus

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"
)

const (
	cbCooldown = 5 * time.Minute
)

// cbThreshold is a var (not const) so it can be overridden at startup for
// deployments that need a different circuit-breaker sensitivity.
var cbThreshold = 3

// SetCircuitBreakerThreshold overrides the number of consecutive publish
// failures required before a relay's circuit breaker opens.
func SetCircuitBreakerThreshold(n int) {
	if n > 0 {
		cbThreshold = n
	}
}

// relayCircuit is a per-relay circuit breaker.
type relayCircuit struct {
	mu            sync.Mutex
	failCount     int
	openedAt      time.Time
	open          bool
	permanentOpen bool
}

func (cb *relayCircuit) isOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.permanentOpen {
		return true
	}
	if !cb.open {
		return false
	}
	if time.Since(cb.openedAt) >= cbCooldown {
		cb.open = false
		cb.failCount = 0
		return false
	}
	return true
}

func (cb *relayCircuit) openForPoW() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.open = true
	cb.permanentOpen = true
	cb.openedAt = time.Now()
	cb.failCount = cbThreshold
}

func (cb *relayCircuit) recordFailure() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failCount++
	if !cb.open && cb.failCount >= cbThreshold {
		cb.open = true
		cb.openedAt = time.Now()
		return true
	}
	return false
}

func (cb *relayCircuit) recordSuccess() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	was := cb.open
	cb.open = false
	cb.failCount = 0
	return was
}

func (cb *relayCircuit) reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.open = false
	cb.permanentOpen = false
	cb.failCount = 0
}

// RelayStatus describes a relay and its circuit-breaker state, exposed at
// /api/v1/admin/bus.
type RelayStatus struct {
	URL               string
	CircuitOpen       bool
	FailCount         int
	CooldownRemaining int
}

func (cb *relayCircuit) status(url string) RelayStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	open := cb.permanentOpen || (cb.open && time.Since(cb.openedAt) < cbCooldown)
	var remaining int
	if open && !cb.permanentOpen {
		if r := cbCooldown - time.Since(cb.openedAt); r > 0 {
			remaining = int(r.Seconds())
		}
	}
	return RelayStatus{URL: url, CircuitOpen: open, FailCount: cb.failCount, CooldownRemaining: remaining}
}

// Publisher broadcasts announcements to configured relays with per-relay
// circuit breakers and outbound rate limiting.
type Publisher struct {
	mu            sync.RWMutex
	relays        []string
	circuits      map[string]*relayCircuit
	pool          *nostr.SimplePool
	poolOnce      sync.Once
	limiter       *rate.Limiter
	transportPriv string
	transportPub  string
	nodeID        string
}

const (
	publishRateLimit = rate.Limit(5)
	publishRateBurst = 10
)

// NewPublisher creates a Publisher that signs announcements with a
// transport key derived from the node's Ed25519 seed.
func NewPublisher(relays []string, ed25519Seed []byte, nodeID string) (*Publisher, error) {
	circuits := make(map[string]*relayCircuit, len(relays))
	for _, r := range relays {
		circuits[r] = &relayCircuit{}
	}
	priv := deriveTransportKey(ed25519Seed, nodeID)
	pub, err := transportPublicKey(priv)
	if err != nil {
		return nil, fmt.Errorf("derive transport public key: %w", err)
	}
	return &Publisher{
		relays:        append([]string{}, relays...),
		circuits:      circuits,
		limiter:       rate.NewLimiter(publishRateLimit, publishRateBurst),
		transportPriv: priv,
		transportPub:  pub,
		nodeID:        nodeID,
	}, nil
}

// TransportPublicKey returns the secp256k1 pubkey peers must watch to
// receive this node's announcements.
func (p *Publisher) TransportPublicKey() string { return p.transportPub }

func (p *Publisher) Relays() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string{}, p.relays...)
}

// RelayStatuses returns the circuit-breaker state for all configured relays.
func (p *Publisher) RelayStatuses() []RelayStatus {
	p.mu.RLock()
	relays := append([]string{}, p.relays...)
	circuits := make(map[string]*relayCircuit, len(p.circuits))
	for k, v := range p.circuits {
		circuits[k] = v
	}
	p.mu.RUnlock()

	statuses := make([]RelayStatus, 0, len(relays))
	for _, url := range relays {
		if cb, ok := circuits[url]; ok {
			statuses = append(statuses, cb.status(url))
		} else {
			statuses = append(statuses, RelayStatus{URL: url})
		}
	}
	return statuses
}

// ResetCircuit clears the circuit-breaker state for a specific relay.
func (p *Publisher) ResetCircuit(url string) {
	p.mu.RLock()
	cb := p.circuits[url]
	p.mu.RUnlock()
	if cb != nil {
		cb.reset()
	}
}

func (p *Publisher) getCircuit(url string) *relayCircuit {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cb, ok := p.circuits[url]; ok {
		return cb
	}
	cb := &relayCircuit{}
	p.circuits[url] = cb
	return cb
}

func (p *Publisher) getPool() *nostr.SimplePool {
	p.poolOnce.Do(func() {
		p.pool = nostr.NewSimplePool(context.Background())
	})
	return p.pool
}

// Announce broadcasts a.
func (p *Publisher) Announce(ctx context.Context, a Announcement) error {
	content, err := a.encode()
	if err != nil {
		return fmt.Errorf("encode announcement: %w", err)
	}
	ev := &nostr.Event{
		Kind:      announcementKind,
		Content:   content,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"d", a.BlockID}, {"node", a.NodeID}},
	}
	if err := ev.Sign(p.transportPriv); err != nil {
		return fmt.Errorf("sign announcement: %w", err)
	}
	return p.publish(ctx, ev)
}

func (p *Publisher) publish(ctx context.Context, ev *nostr.Event) error {
	p.mu.RLock()
	allRelays := append([]string{}, p.relays...)
	p.mu.RUnlock()

	if len(allRelays) == 0 {
		slog.Warn("no bus relays configured; announcement not published", "id", ev.ID)
		return nil
	}

	active := make([]string, 0, len(allRelays))
	for _, url := range allRelays {
		if p.getCircuit(url).isOpen() {
			slog.Debug("skipping bus relay with open circuit", "relay", url)
		} else {
			active = append(active, url)
		}
	}
	if len(active) == 0 {
		return fmt.Errorf("all %d bus relays have open circuits", len(allRelays))
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("outbound rate limit wait: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-publishCtx.Done():
		}
	}()

	var published, failed int
	for result := range p.getPool().PublishMany(publishCtx, active, *ev) {
		cb := p.getCircuit(result.RelayURL)
		if result.Error != nil {
			if isPowRequired(result.Error) {
				cb.openForPoW()
				slog.Warn("bus relay requires proof-of-work; disabling until manually reset", "relay", result.RelayURL)
			} else if isPolicyRejection(result.Error) {
				cb.recordSuccess()
				failed++
			} else {
				if justOpened := cb.recordFailure(); justOpened {
					slog.Warn("bus relay circuit opened", "relay", result.RelayURL, "error", result.Error)
				}
				failed++
			}
		} else {
			if wasOpen := cb.recordSuccess(); wasOpen {
				slog.Info("bus relay recovered", "relay", result.RelayURL)
			}
			published++
		}
	}

	if published == 0 && failed > 0 {
		return fmt.Errorf("failed to publish announcement to all %d active relays", failed)
	}
	return nil
}

func isPowRequired(err error) bool {
	return err != nil && strings.Contains(err.Error(), "pow:")
}

func isPolicyRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "msg: blocked:") || strings.Contains(msg, "msg: invalid:")
}
