package event

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// CanonicalEvent is the single normalized event shape the pipeline operates
// on. Immutable once created.
type CanonicalEvent struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenant_id"`
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Attributes map[string]any `json:"attributes"`
	OccurredAt time.Time      `json:"occurred_at"`
	DedupeKey  string         `json:"dedupe_key"`
}

// DedupeKey derives a stable identifier from the source event id and its
// original (pre-promotion) type. Re-deliveries of the same source event map
// to the same key.
func DedupeKey(sourceEventID, sourceEventType string) string {
	h := sha256.New()
	h.Write([]byte(sourceEventID))
	h.Write([]byte{0})
	h.Write([]byte(sourceEventType))
	return hex.EncodeToString(h.Sum(nil))
}
