package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidationError reports a malformed inbound event, naming the offending
// field. It is the only pipeline error surfaced synchronously to the caller.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// rawEventSchema constrains the inbound event document before normalization.
const rawEventSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "type"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"type": {"type": "string", "minLength": 1},
		"entity": {
			"type": "object",
			"required": ["type", "id"],
			"properties": {
				"type": {"type": "string", "minLength": 1},
				"id": {"type": "string", "minLength": 1}
			}
		},
		"entity_type": {"type": "string", "minLength": 1},
		"entity_id": {"type": "string", "minLength": 1},
		"attributes": {"type": "object"},
		"data": {"type": "object"},
		"occurred_at": {"type": "string"}
	}
}`

// Promotion reclassifies a generic event as a more specific synthetic type
// when an attribute reaches a terminal value. Applied once, before rule
// matching, so rules match on promoted types instead of raw status fields.
type Promotion struct {
	EventType string // source event type, e.g. "deal.updated"
	Attribute string // attribute to inspect, e.g. "status"
	Value     string // terminal value, e.g. "won"
	Promoted  string // synthetic type, e.g. "deal.won"
}

// DefaultPromotions covers the CRM status transitions the pipeline
// reclassifies out of the box.
var DefaultPromotions = []Promotion{
	{EventType: "deal.updated", Attribute: "status", Value: "won", Promoted: "deal.won"},
	{EventType: "deal.updated", Attribute: "status", Value: "lost", Promoted: "deal.lost"},
	{EventType: "ticket.updated", Attribute: "status", Value: "closed", Promoted: "ticket.closed"},
	{EventType: "contact.updated", Attribute: "lifecycle_stage", Value: "customer", Promoted: "contact.converted"},
}

// Normalizer converts heterogeneous inbound event payloads into
// CanonicalEvents. It is a pure transform: no I/O, no side effects.
type Normalizer struct {
	schema     *jsonschema.Schema
	promotions []Promotion
}

// NewNormalizer compiles the raw-event schema and returns a Normalizer using
// the given promotion table (nil means DefaultPromotions).
func NewNormalizer(promotions []Promotion) (*Normalizer, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(rawEventSchema))
	if err != nil {
		return nil, fmt.Errorf("parse raw event schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("raw_event.json", doc); err != nil {
		return nil, fmt.Errorf("add raw event schema: %w", err)
	}
	schema, err := compiler.Compile("raw_event.json")
	if err != nil {
		return nil, fmt.Errorf("compile raw event schema: %w", err)
	}
	if promotions == nil {
		promotions = DefaultPromotions
	}
	return &Normalizer{schema: schema, promotions: promotions}, nil
}

// Normalize validates a raw event document and produces one CanonicalEvent.
// A *ValidationError names the missing or malformed field.
func (n *Normalizer) Normalize(tenantID string, raw []byte) (CanonicalEvent, error) {
	if tenantID == "" {
		return CanonicalEvent{}, &ValidationError{Field: "tenant_id", Msg: "required"}
	}

	value, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return CanonicalEvent{}, &ValidationError{Msg: "invalid JSON document"}
	}
	if err := n.schema.Validate(value); err != nil {
		return CanonicalEvent{}, schemaError(err)
	}

	var doc struct {
		ID     string `json:"id"`
		Type   string `json:"type"`
		Entity struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		} `json:"entity"`
		EntityType string         `json:"entity_type"`
		EntityID   string         `json:"entity_id"`
		Attributes map[string]any `json:"attributes"`
		Data       map[string]any `json:"data"`
		OccurredAt string         `json:"occurred_at"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return CanonicalEvent{}, &ValidationError{Msg: "invalid JSON document"}
	}

	// Two inbound shapes: nested entity object or flat entity_type/entity_id.
	entityType := doc.Entity.Type
	entityID := doc.Entity.ID
	if entityType == "" {
		entityType = doc.EntityType
	}
	if entityID == "" {
		entityID = doc.EntityID
	}
	if entityType == "" {
		return CanonicalEvent{}, &ValidationError{Field: "entity_type", Msg: "required"}
	}
	if entityID == "" {
		return CanonicalEvent{}, &ValidationError{Field: "entity_id", Msg: "required"}
	}

	attrs := doc.Attributes
	if attrs == nil {
		attrs = doc.Data
	}
	if attrs == nil {
		attrs = map[string]any{}
	}

	occurredAt := time.Now().UTC()
	if doc.OccurredAt != "" {
		t, err := time.Parse(time.RFC3339, doc.OccurredAt)
		if err != nil {
			return CanonicalEvent{}, &ValidationError{Field: "occurred_at", Msg: "must be RFC3339"}
		}
		occurredAt = t.UTC()
	}

	ev := CanonicalEvent{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		EventType:  n.promote(doc.Type, attrs),
		EntityType: entityType,
		EntityID:   entityID,
		Attributes: attrs,
		OccurredAt: occurredAt,
		DedupeKey:  DedupeKey(doc.ID, doc.Type),
	}
	return ev, nil
}

// promote returns the synthetic event type when a promotion rule matches the
// attributes, otherwise the raw type unchanged.
func (n *Normalizer) promote(eventType string, attrs map[string]any) string {
	for _, p := range n.promotions {
		if p.EventType != eventType {
			continue
		}
		if v, ok := attrs[p.Attribute].(string); ok && v == p.Value {
			return p.Promoted
		}
	}
	return eventType
}

// schemaError flattens a jsonschema validation error into a field-level
// ValidationError.
func schemaError(err error) *ValidationError {
	ve, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return &ValidationError{Msg: err.Error()}
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := strings.Join(leaf.InstanceLocation, ".")
	return &ValidationError{Field: field, Msg: leaf.Error()}
}
