package event

import (
	"errors"
	"testing"
	"time"
)

func mustNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	n, err := NewNormalizer(nil)
	if err != nil {
		t.Fatalf("NewNormalizer: %v", err)
	}
	return n
}

func TestNormalizeValidEvent(t *testing.T) {
	n := mustNormalizer(t)

	raw := []byte(`{
		"id": "evt-001",
		"type": "deal.created",
		"entity": {"type": "deal", "id": "deal-42"},
		"attributes": {"amount": 1200.0, "stage": "prospect"},
		"occurred_at": "2026-03-01T10:00:00Z"
	}`)

	ev, err := n.Normalize("tenant-1", raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.TenantID != "tenant-1" {
		t.Errorf("TenantID = %q, want tenant-1", ev.TenantID)
	}
	if ev.EventType != "deal.created" {
		t.Errorf("EventType = %q, want deal.created", ev.EventType)
	}
	if ev.EntityType != "deal" || ev.EntityID != "deal-42" {
		t.Errorf("entity = (%q, %q), want (deal, deal-42)", ev.EntityType, ev.EntityID)
	}
	want := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if !ev.OccurredAt.Equal(want) {
		t.Errorf("OccurredAt = %v, want %v", ev.OccurredAt, want)
	}
	if ev.DedupeKey != DedupeKey("evt-001", "deal.created") {
		t.Errorf("DedupeKey = %q, want derived from source id+type", ev.DedupeKey)
	}
	if ev.ID == "" {
		t.Error("ID should be generated")
	}
}

func TestNormalizeFlatEntityShape(t *testing.T) {
	n := mustNormalizer(t)

	raw := []byte(`{
		"id": "evt-002",
		"type": "contact.created",
		"entity_type": "contact",
		"entity_id": "c-7",
		"data": {"email": "a@b.test"}
	}`)

	ev, err := n.Normalize("tenant-1", raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if ev.EntityType != "contact" || ev.EntityID != "c-7" {
		t.Errorf("entity = (%q, %q), want (contact, c-7)", ev.EntityType, ev.EntityID)
	}
	if ev.Attributes["email"] != "a@b.test" {
		t.Errorf("Attributes[email] = %v, want a@b.test", ev.Attributes["email"])
	}
}

func TestNormalizePromotesTerminalStatus(t *testing.T) {
	n := mustNormalizer(t)

	tests := []struct {
		name      string
		eventType string
		attrs     string
		want      string
	}{
		{
			name:      "deal.updated with status won becomes deal.won",
			eventType: "deal.updated",
			attrs:     `{"status": "won"}`,
			want:      "deal.won",
		},
		{
			name:      "deal.updated with status lost becomes deal.lost",
			eventType: "deal.updated",
			attrs:     `{"status": "lost"}`,
			want:      "deal.lost",
		},
		{
			name:      "deal.updated with non-terminal status is unchanged",
			eventType: "deal.updated",
			attrs:     `{"status": "negotiating"}`,
			want:      "deal.updated",
		},
		{
			name:      "unrelated type is unchanged",
			eventType: "deal.created",
			attrs:     `{"status": "won"}`,
			want:      "deal.created",
		},
		{
			name:      "ticket.updated with status closed becomes ticket.closed",
			eventType: "ticket.updated",
			attrs:     `{"status": "closed"}`,
			want:      "ticket.closed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := []byte(`{
				"id": "evt-x",
				"type": "` + tt.eventType + `",
				"entity": {"type": "deal", "id": "d-1"},
				"attributes": ` + tt.attrs + `
			}`)
			ev, err := n.Normalize("tenant-1", raw)
			if err != nil {
				t.Fatalf("Normalize: %v", err)
			}
			if ev.EventType != tt.want {
				t.Errorf("EventType = %q, want %q", ev.EventType, tt.want)
			}
		})
	}
}

func TestPromotionPreservesDedupeKey(t *testing.T) {
	n := mustNormalizer(t)

	raw := []byte(`{
		"id": "evt-dup",
		"type": "deal.updated",
		"entity": {"type": "deal", "id": "d-1"},
		"attributes": {"status": "won"}
	}`)
	ev, err := n.Normalize("tenant-1", raw)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	// Dedupe key is derived from the raw type so promotion cannot split
	// duplicates of the same source event.
	if ev.DedupeKey != DedupeKey("evt-dup", "deal.updated") {
		t.Error("dedupe key must use the pre-promotion event type")
	}
}

func TestNormalizeValidationFailures(t *testing.T) {
	n := mustNormalizer(t)

	tests := []struct {
		name      string
		tenantID  string
		raw       string
		wantField string
	}{
		{
			name:      "missing tenant",
			tenantID:  "",
			raw:       `{"id": "e", "type": "t", "entity": {"type": "x", "id": "1"}}`,
			wantField: "tenant_id",
		},
		{
			name:      "not JSON",
			tenantID:  "tenant-1",
			raw:       `{{{`,
			wantField: "",
		},
		{
			name:      "missing entity",
			tenantID:  "tenant-1",
			raw:       `{"id": "e", "type": "deal.created"}`,
			wantField: "entity_type",
		},
		{
			name:      "bad occurred_at",
			tenantID:  "tenant-1",
			raw:       `{"id": "e", "type": "t", "entity": {"type": "x", "id": "1"}, "occurred_at": "yesterday"}`,
			wantField: "occurred_at",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize(tt.tenantID, []byte(tt.raw))
			if err == nil {
				t.Fatal("expected validation error")
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("error type = %T, want *ValidationError", err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", ve.Field, tt.wantField)
			}
		})
	}
}

func TestNormalizeSchemaRejectsEmptyID(t *testing.T) {
	n := mustNormalizer(t)
	_, err := n.Normalize("tenant-1", []byte(`{"id": "", "type": "t", "entity": {"type": "x", "id": "1"}}`))
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("error = %v, want *ValidationError", err)
	}
}

func TestDedupeKeyStable(t *testing.T) {
	a := DedupeKey("evt-1", "deal.updated")
	b := DedupeKey("evt-1", "deal.updated")
	c := DedupeKey("evt-2", "deal.updated")
	if a != b {
		t.Error("same inputs must produce the same key")
	}
	if a == c {
		t.Error("different source ids must produce different keys")
	}
}
