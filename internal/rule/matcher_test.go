package rule

import (
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/chatrelay/chatrelay/internal/event"
	"github.com/chatrelay/chatrelay/internal/logging"
)

func testEvent(eventType string, attrs map[string]any) event.CanonicalEvent {
	return event.CanonicalEvent{
		ID:         gofakeit.UUID(),
		TenantID:   "tenant-1",
		EventType:  eventType,
		EntityType: "deal",
		EntityID:   gofakeit.UUID(),
		Attributes: attrs,
		OccurredAt: time.Now().UTC(),
		DedupeKey:  event.DedupeKey(gofakeit.UUID(), eventType),
	}
}

func TestMatchByEventType(t *testing.T) {
	m := NewMatcher(logging.New("test"))
	ev := testEvent("deal.won", map[string]any{"amount": 5000.0})

	rules := []Rule{
		{ID: "r1", TenantID: "tenant-1", EventType: "deal.won", TargetChannelID: "ch-1", Enabled: true},
		{ID: "r2", TenantID: "tenant-1", EventType: "deal.updated", TargetChannelID: "ch-2", Enabled: true},
		{ID: "r3", TenantID: "tenant-1", EventType: "deal.won", TargetChannelID: "ch-3", Enabled: false},
		{ID: "r4", TenantID: "tenant-2", EventType: "deal.won", TargetChannelID: "ch-4", Enabled: true},
	}

	matches := m.Match(ev, rules)
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1", len(matches))
	}
	if matches[0].Rule.ID != "r1" || matches[0].ChannelID != "ch-1" {
		t.Errorf("matched (%s, %s), want (r1, ch-1)", matches[0].Rule.ID, matches[0].ChannelID)
	}
}

func TestMatchMultipleRulesIndependentJobs(t *testing.T) {
	m := NewMatcher(logging.New("test"))
	ev := testEvent("deal.won", map[string]any{"amount": 5000.0})

	rules := []Rule{
		{ID: "r1", TenantID: "tenant-1", EventType: "deal.won", TargetChannelID: "ch-1", Enabled: true, Priority: 1},
		{ID: "r2", TenantID: "tenant-1", EventType: "deal.won", TargetChannelID: "ch-2", Enabled: true, Priority: 5},
	}

	matches := m.Match(ev, rules)
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	// Ordered by priority, highest first
	if matches[0].Rule.ID != "r2" {
		t.Errorf("first match = %s, want r2 (higher priority)", matches[0].Rule.ID)
	}
}

func TestMatchPredicateFilters(t *testing.T) {
	m := NewMatcher(logging.New("test"))

	rules := []Rule{
		{
			ID: "big-deals", TenantID: "tenant-1", EventType: "deal.won",
			TargetChannelID: "ch-1", Enabled: true,
			FilterPredicate: &Predicate{Op: OpGte, Field: "amount", Value: 10000},
		},
		{
			ID: "all-deals", TenantID: "tenant-1", EventType: "deal.won",
			TargetChannelID: "ch-2", Enabled: true,
		},
	}

	small := testEvent("deal.won", map[string]any{"amount": 500.0})
	matches := m.Match(small, rules)
	if len(matches) != 1 || matches[0].Rule.ID != "all-deals" {
		t.Fatalf("small deal matches = %v, want only all-deals", matches)
	}

	big := testEvent("deal.won", map[string]any{"amount": 50000.0})
	matches = m.Match(big, rules)
	if len(matches) != 2 {
		t.Fatalf("big deal got %d matches, want 2", len(matches))
	}
}

func TestMatchMalformedPredicateSkipsRuleOnly(t *testing.T) {
	m := NewMatcher(logging.New("test"))
	ev := testEvent("deal.won", map[string]any{"amount": 5000.0})

	rules := []Rule{
		{
			ID: "bad", TenantID: "tenant-1", EventType: "deal.won",
			TargetChannelID: "ch-1", Enabled: true,
			FilterPredicate: &Predicate{Op: "invalid"},
		},
		{ID: "good", TenantID: "tenant-1", EventType: "deal.won", TargetChannelID: "ch-2", Enabled: true},
	}

	matches := m.Match(ev, rules)
	if len(matches) != 1 {
		t.Fatalf("got %d matches, want 1 (bad rule skipped, sibling kept)", len(matches))
	}
	if matches[0].Rule.ID != "good" {
		t.Errorf("matched %s, want good", matches[0].Rule.ID)
	}
}

func TestMatchDeterministicOrder(t *testing.T) {
	m := NewMatcher(logging.New("test"))
	ev := testEvent("deal.won", nil)

	rules := []Rule{
		{ID: "rb", TenantID: "tenant-1", EventType: "deal.won", TargetChannelID: "ch-1", Enabled: true},
		{ID: "ra", TenantID: "tenant-1", EventType: "deal.won", TargetChannelID: "ch-2", Enabled: true},
	}

	for i := 0; i < 5; i++ {
		matches := m.Match(ev, rules)
		if len(matches) != 2 || matches[0].Rule.ID != "ra" || matches[1].Rule.ID != "rb" {
			t.Fatalf("iteration %d: unstable order %v", i, matches)
		}
	}
}

func TestMatchNoRules(t *testing.T) {
	m := NewMatcher(logging.New("test"))
	ev := testEvent("deal.won", nil)
	if matches := m.Match(ev, nil); len(matches) != 0 {
		t.Errorf("got %d matches from no rules, want 0", len(matches))
	}
}
