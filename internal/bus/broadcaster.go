package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueCap is the per-subscriber delivery queue bound.
const DefaultQueueCap = 256

// WildcardTeam subscribes to every team of the scope's tenant.
const WildcardTeam = "*"

// Scope restricts which events a subscription receives.
type Scope struct {
	TenantID string
	TeamID   string // WildcardTeam = all teams of TenantID
}

func (s Scope) matches(ev Event) bool {
	if s.TeamID == WildcardTeam {
		return s.TenantID == ev.TenantID
	}
	return s.TeamID == ev.TeamID
}

// Close reasons reported on subscription teardown.
const (
	ReasonOverflow    = "overflow"
	ReasonTeamDeleted = "team_deleted"
	ReasonShutdown    = "shutdown"
)

// Subscription is one bounded delivery queue. The consumer drains Events();
// a closed channel means the subscription is terminated, with Reason()
// explaining why. A subscriber that falls DefaultQueueCap events behind is
// cut off rather than slowing everyone else down.
type Subscription struct {
	id    string
	scope Scope
	ch    chan Event

	mu     sync.Mutex
	closed bool
	reason string
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string { return s.id }

// Events is the delivery queue. Closed on termination.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Reason reports why the subscription terminated ("" while open).
func (s *Subscription) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Subscription) close(reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.reason = reason
	close(s.ch)
	return true
}

// tryDeliver enqueues without blocking. Returns false when the queue is full.
func (s *Subscription) tryDeliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true // already gone, not an overflow
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

// Broadcaster fans events out to scoped subscribers. Delivery is best-effort
// in the face of slow consumers: a full queue terminates that subscription
// with ReasonOverflow and never blocks the publisher.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]*Subscription
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[string]*Subscription)}
}

// Subscribe registers a new subscription. queueCap <= 0 uses DefaultQueueCap.
func (b *Broadcaster) Subscribe(scope Scope, queueCap int) *Subscription {
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	sub := &Subscription{
		id:    uuid.NewString(),
		scope: scope,
		ch:    make(chan Event, queueCap),
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// Unsubscribe terminates and removes a subscription.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		sub.close("")
	}
}

// Publish copies the event to every matching subscription.
func (b *Broadcaster) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}

	b.mu.RLock()
	var overflowed []*Subscription
	for _, sub := range b.subs {
		if !sub.scope.matches(ev) {
			continue
		}
		if !sub.tryDeliver(ev) {
			overflowed = append(overflowed, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range overflowed {
		if sub.close(ReasonOverflow) {
			slog.Warn("bus.subscriber_overflow", "subscription", sub.id, "team", sub.scope.TeamID)
		}
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.mu.Unlock()
	}
}

// CloseTeam terminates every subscription pinned to teamID, delivering a
// final KindClosed event when the queue has room. Wildcard subscriptions
// stay open; they receive the team_status deletion event instead.
func (b *Broadcaster) CloseTeam(teamID, reason string) {
	b.mu.Lock()
	var victims []*Subscription
	for id, sub := range b.subs {
		if sub.scope.TeamID == teamID {
			victims = append(victims, sub)
			delete(b.subs, id)
		}
	}
	b.mu.Unlock()

	for _, sub := range victims {
		sub.tryDeliver(Event{Kind: KindClosed, TeamID: teamID, Time: time.Now().UTC(), Reason: reason})
		sub.close(reason)
	}
}

// CloseAll terminates every subscription (process shutdown).
func (b *Broadcaster) CloseAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*Subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close(ReasonShutdown)
	}
}

// Len reports the number of live subscriptions.
func (b *Broadcaster) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
