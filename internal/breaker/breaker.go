package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatrelay/chatrelay/internal/logging"
	"github.com/chatrelay/chatrelay/internal/metrics"
)

// State is the per-channel circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen means the channel's circuit is open and the delivery was shed
// without a network attempt. Not an endpoint failure; callers must not count
// it against the job's attempt budget.
var ErrOpen = errors.New("circuit open")

// ChannelState is the persisted circuit record for one channel.
type ChannelState struct {
	State         State         `json:"state"`
	Failures      []time.Time   `json:"failures,omitempty"` // windowed failure timestamps while closed
	OpenedAt      time.Time     `json:"opened_at,omitempty"`
	Cooldown      time.Duration `json:"cooldown,omitempty"` // current open-state hold, doubles on failed probes
	ProbeInFlight bool          `json:"probe_in_flight,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Config bounds the circuit behavior.
type Config struct {
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
	MaxCooldown      time.Duration
}

// Breaker is a per-channel circuit breaker. State lives in a StateStore so
// multiple worker processes share one circuit per channel; every mutation
// goes through the store's compare-and-set Update.
type Breaker struct {
	store  StateStore
	cfg    Config
	logger *logging.Logger
	now    func() time.Time
}

func New(store StateStore, cfg Config, logger *logging.Logger) *Breaker {
	return &Breaker{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// Decision says whether a delivery may proceed, and whether it is the single
// half-open probe (whose outcome decides the circuit's fate).
type Decision struct {
	Proceed bool
	Probe   bool
}

// Allow checks the channel's circuit before a delivery attempt. While open
// it sheds until the cooldown lapses, then admits exactly one probe; other
// callers keep being shed until the probe reports back.
func (b *Breaker) Allow(ctx context.Context, channelID string) (Decision, error) {
	var decision Decision
	err := b.store.Update(ctx, channelID, func(cs ChannelState) ChannelState {
		now := b.now()
		decision = Decision{}
		switch cs.State {
		case "", StateClosed:
			cs.State = StateClosed
			decision.Proceed = true
		case StateOpen:
			if now.Sub(cs.OpenedAt) >= cs.Cooldown {
				b.transition(channelID, StateOpen, StateHalfOpen)
				cs.State = StateHalfOpen
				cs.ProbeInFlight = true
				decision = Decision{Proceed: true, Probe: true}
			}
		case StateHalfOpen:
			if !cs.ProbeInFlight {
				cs.ProbeInFlight = true
				decision = Decision{Proceed: true, Probe: true}
			}
		}
		cs.UpdatedAt = now
		return cs
	})
	if err != nil {
		return Decision{}, fmt.Errorf("breaker allow: %w", err)
	}
	return decision, nil
}

// RecordSuccess reports a delivered message. A successful probe closes the
// circuit and clears the failure window.
func (b *Breaker) RecordSuccess(ctx context.Context, channelID string) error {
	err := b.store.Update(ctx, channelID, func(cs ChannelState) ChannelState {
		now := b.now()
		if cs.State == StateHalfOpen {
			b.transition(channelID, StateHalfOpen, StateClosed)
			b.logger.Plain().WithChannel(channelID).Info("circuit closed after successful probe")
		}
		cs.State = StateClosed
		cs.Failures = nil
		cs.ProbeInFlight = false
		cs.Cooldown = 0
		cs.OpenedAt = time.Time{}
		cs.UpdatedAt = now
		return cs
	})
	if err != nil {
		return fmt.Errorf("breaker record success: %w", err)
	}
	return nil
}

// RecordFailure reports a failed delivery attempt. Enough windowed failures
// open the circuit; a failed probe re-opens it with a doubled cooldown.
func (b *Breaker) RecordFailure(ctx context.Context, channelID string) error {
	err := b.store.Update(ctx, channelID, func(cs ChannelState) ChannelState {
		now := b.now()
		switch cs.State {
		case "", StateClosed:
			cs.State = StateClosed
			cs.Failures = pruneWindow(append(cs.Failures, now), now, b.cfg.Window)
			if len(cs.Failures) >= b.cfg.FailureThreshold {
				b.transition(channelID, StateClosed, StateOpen)
				b.logger.Plain().WithChannel(channelID).
					WithField("failures", len(cs.Failures)).
					Warn("circuit opened")
				cs.State = StateOpen
				cs.OpenedAt = now
				cs.Cooldown = b.cfg.Cooldown
				cs.Failures = nil
			}
		case StateHalfOpen:
			b.transition(channelID, StateHalfOpen, StateOpen)
			next := cs.Cooldown * 2
			if next <= 0 {
				next = b.cfg.Cooldown
			}
			if next > b.cfg.MaxCooldown {
				next = b.cfg.MaxCooldown
			}
			b.logger.Plain().WithChannel(channelID).
				WithField("cooldown", next.String()).
				Warn("circuit re-opened after failed probe")
			cs.State = StateOpen
			cs.OpenedAt = now
			cs.Cooldown = next
			cs.ProbeInFlight = false
		case StateOpen:
			// Stray failure from a request already in flight when the
			// circuit opened. Nothing to do.
		}
		cs.UpdatedAt = now
		return cs
	})
	if err != nil {
		return fmt.Errorf("breaker record failure: %w", err)
	}
	return nil
}

// CurrentState reads the circuit state without mutating it.
func (b *Breaker) CurrentState(ctx context.Context, channelID string) (State, error) {
	cs, ok, err := b.store.Get(ctx, channelID)
	if err != nil {
		return "", fmt.Errorf("breaker state: %w", err)
	}
	if !ok || cs.State == "" {
		return StateClosed, nil
	}
	return cs.State, nil
}

func (b *Breaker) transition(channelID string, from, to State) {
	metrics.RecordBreakerTransition(string(from), string(to))
}

func pruneWindow(failures []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	out := failures[:0]
	for _, f := range failures {
		if f.After(cutoff) {
			out = append(out, f)
		}
	}
	return out
}
