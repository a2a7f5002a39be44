// Package bus carries bus announcements — lightweight pointers to events
// newly published to the ledger — over a relay pub/sub transport. The
// transport signature on the carrier event is independent of, and never a
// substitute for, the Ed25519 envelope signature the dispatcher verifies;
// see DESIGN.md.
package bus

import "encoding/json"

// Announcement is the payload broadcast whenever a node publishes a new
// event to the ledger.
type Announcement struct {
	BlockID   string `json:"block_id"`
	EventType string `json:"event_type"`
	Timestamp string `json:"timestamp"`
	NodeID    string `json:"node_id"`
}

func (a Announcement) encode() (string, error) {
	b, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeAnnouncement(content string) (Announcement, error) {
	var a Announcement
	err := json.Unmarshal([]byte(content), &a)
	return a, err
}

// announcementKind is the transport event kind carrying dfs3 bus
// announcements; an application-range kind number, chosen to not collide
// with any assigned Nostr NIP.
const announcementKind = 30078
