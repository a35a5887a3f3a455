package health

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

type AlertStatus string

const (
	AlertRaised       AlertStatus = "raised"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertResolved     AlertStatus = "resolved"
)

var (
	ErrAlertNotFound = errors.New("alert not found")
	ErrAlertResolved = errors.New("alert already resolved")
)

// Alert is one operator-facing problem report. The key dedupes: while an
// alert for a key is unresolved, re-raising it is a no-op.
type Alert struct {
	ID             string      `json:"id"`
	Key            string      `json:"key"`
	Severity       Severity    `json:"severity"`
	Component      string      `json:"component"`
	Message        string      `json:"message"`
	Status         AlertStatus `json:"status"`
	RaisedAt       time.Time   `json:"raised_at"`
	AcknowledgedAt *time.Time  `json:"acknowledged_at,omitempty"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
}

// AlertStore owns the alert lifecycle: raised -> acknowledged -> resolved,
// with acknowledge optional.
type AlertStore interface {
	// Raise opens an alert for key unless one is already live. Reports
	// whether a new alert was created.
	Raise(ctx context.Context, key string, severity Severity, component, message string) (Alert, bool, error)

	Acknowledge(ctx context.Context, id string) error
	Resolve(ctx context.Context, id string) error

	// ResolveByKey resolves the live alert for key, if any. Used by the
	// monitor when a failing check recovers.
	ResolveByKey(ctx context.Context, key string) (bool, error)

	Get(ctx context.Context, id string) (Alert, error)
	ListOpen(ctx context.Context) ([]Alert, error)
}

// MemoryAlertStore is the in-memory AlertStore for tests and single-process
// setups.
type MemoryAlertStore struct {
	mu     sync.Mutex
	alerts map[string]*Alert
	now    func() time.Time
}

func NewMemoryAlertStore() *MemoryAlertStore {
	return &MemoryAlertStore{alerts: make(map[string]*Alert), now: time.Now}
}

func (s *MemoryAlertStore) Raise(_ context.Context, key string, severity Severity, component, message string) (Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.Key == key && a.Status != AlertResolved {
			return *a, false, nil
		}
	}
	a := &Alert{
		ID:        uuid.NewString(),
		Key:       key,
		Severity:  severity,
		Component: component,
		Message:   message,
		Status:    AlertRaised,
		RaisedAt:  s.now(),
	}
	s.alerts[a.ID] = a
	return *a, true, nil
}

func (s *MemoryAlertStore) Acknowledge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return ErrAlertNotFound
	}
	if a.Status == AlertResolved {
		return ErrAlertResolved
	}
	now := s.now()
	a.Status = AlertAcknowledged
	a.AcknowledgedAt = &now
	return nil
}

func (s *MemoryAlertStore) Resolve(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return ErrAlertNotFound
	}
	if a.Status == AlertResolved {
		return ErrAlertResolved
	}
	now := s.now()
	a.Status = AlertResolved
	a.ResolvedAt = &now
	return nil
}

func (s *MemoryAlertStore) ResolveByKey(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.alerts {
		if a.Key == key && a.Status != AlertResolved {
			now := s.now()
			a.Status = AlertResolved
			a.ResolvedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryAlertStore) Get(_ context.Context, id string) (Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return Alert{}, ErrAlertNotFound
	}
	return *a, nil
}

func (s *MemoryAlertStore) ListOpen(_ context.Context) ([]Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Alert
	for _, a := range s.alerts {
		if a.Status != AlertResolved {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RaisedAt.Before(out[j].RaisedAt) })
	return out, nil
}
