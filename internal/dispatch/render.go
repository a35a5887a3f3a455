package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chatrelay/chatrelay/internal/event"
)

// RenderError means the event could not be turned into a chat message.
// Rendering is deterministic, so retrying would fail the same way; callers
// treat it as terminal.
type RenderError struct {
	Reason string
}

func (e *RenderError) Error() string { return "render: " + e.Reason }

// Renderer turns a canonical event into the message payload posted to a
// chat channel endpoint. The matched rule's ID is carried into the payload
// so receivers can tell which rule produced a message.
type Renderer interface {
	Render(ruleID string, ev event.CanonicalEvent) ([]byte, error)
}

// Message is the chat payload shape. Text is the human line; the rest is
// structured context for integrations on the receiving side.
type Message struct {
	Text       string         `json:"text"`
	EventID    string         `json:"event_id"`
	EventType  string         `json:"event_type"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	TenantID   string         `json:"tenant_id"`
	RuleID     string         `json:"rule_id,omitempty"`
	OccurredAt string         `json:"occurred_at"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// MessageRenderer is the default renderer: a headline per event type with a
// generic fallback for types it has no template for.
type MessageRenderer struct{}

func NewMessageRenderer() *MessageRenderer { return &MessageRenderer{} }

func (r *MessageRenderer) Render(ruleID string, ev event.CanonicalEvent) ([]byte, error) {
	if ev.EventType == "" {
		return nil, &RenderError{Reason: "event has no type"}
	}
	if ev.EntityID == "" {
		return nil, &RenderError{Reason: "event has no entity id"}
	}

	msg := Message{
		Text:       headline(ev),
		EventID:    ev.ID,
		EventType:  ev.EventType,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		TenantID:   ev.TenantID,
		RuleID:     ruleID,
		OccurredAt: ev.OccurredAt.UTC().Format(time.RFC3339),
		Attributes: ev.Attributes,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, &RenderError{Reason: err.Error()}
	}
	return b, nil
}

func headline(ev event.CanonicalEvent) string {
	name := attrString(ev.Attributes, "name")
	if name == "" {
		name = ev.EntityID
	}
	switch ev.EventType {
	case "deal.won":
		if amt, ok := attrNumber(ev.Attributes, "amount"); ok {
			return fmt.Sprintf("Deal won: %s (%.2f)", name, amt)
		}
		return fmt.Sprintf("Deal won: %s", name)
	case "deal.lost":
		return fmt.Sprintf("Deal lost: %s", name)
	case "ticket.closed":
		return fmt.Sprintf("Ticket closed: %s", name)
	case "contact.converted":
		return fmt.Sprintf("New customer: %s", name)
	default:
		entity := ev.EntityType
		if entity == "" {
			entity = "entity"
		}
		return fmt.Sprintf("%s on %s %s", humanize(ev.EventType), entity, name)
	}
}

func humanize(eventType string) string {
	return strings.ReplaceAll(eventType, ".", " ")
}

func attrString(attrs map[string]any, key string) string {
	if attrs == nil {
		return ""
	}
	if s, ok := attrs[key].(string); ok {
		return s
	}
	return ""
}

func attrNumber(attrs map[string]any, key string) (float64, bool) {
	if attrs == nil {
		return 0, false
	}
	switch v := attrs[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
