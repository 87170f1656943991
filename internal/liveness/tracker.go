// Package liveness watches agent heartbeats and escalates silence: a quiet
// agent is first marked stalled and nudged, then interrupted, then declared
// dead. Recovery is a single heartbeat away at any step short of dead.
package liveness

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/crewhall/crewhall/internal/bus"
	"github.com/crewhall/crewhall/internal/store"
)

// Actions are the escalation hooks, invoked off the scan loop so a slow
// sidecar cannot stall scanning.
type Actions interface {
	Nudge(ctx context.Context, teamID, agentID string) error
	Interrupt(ctx context.Context, teamID, agentID string) error
}

// Sink persists agent status transitions.
type Sink interface {
	SetAgentStatus(ctx context.Context, teamID, agentID string, status store.AgentStatus, beatAt *time.Time) error
}

// Thresholds are the silence durations for each escalation step.
type Thresholds struct {
	Stall     time.Duration // mark stalled and nudge
	Interrupt time.Duration // cancel the in-flight turn
	Dead      time.Duration // declare dead, stop escalating
	Scan      time.Duration // ticker interval
}

type agentKey struct {
	teamID  string
	agentID string
}

const (
	levelNone = iota
	levelNudged
	levelInterrupted
	levelDead
)

type agentState struct {
	tenantID string
	status   store.AgentStatus
	lastBeat time.Time
	level    int
}

// Tracker owns the heartbeat table. Agents enter via Track when their team
// starts and leave via Forget.
type Tracker struct {
	th      Thresholds
	b       *bus.Broadcaster
	actions Actions
	sink    Sink
	now     func() time.Time

	mu     sync.Mutex
	agents map[agentKey]*agentState

	cancel context.CancelFunc
	done   chan struct{}
}

func New(th Thresholds, b *bus.Broadcaster, actions Actions, sink Sink) *Tracker {
	if th.Scan <= 0 {
		th.Scan = time.Second
	}
	return &Tracker{
		th:      th,
		b:       b,
		actions: actions,
		sink:    sink,
		now:     time.Now,
		agents:  make(map[agentKey]*agentState),
	}
}

// Start launches the scan loop.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	go t.scanLoop(ctx)
}

// Stop halts scanning and waits for the loop to exit.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		<-t.done
	}
}

// Track registers an agent in the given initial status. The silence clock
// starts now.
func (t *Tracker) Track(teamID, tenantID, agentID string, status store.AgentStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.agents[agentKey{teamID, agentID}] = &agentState{
		tenantID: tenantID,
		status:   status,
		lastBeat: t.now(),
	}
}

// Untrack removes one agent (agent removed from a running team).
func (t *Tracker) Untrack(teamID, agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.agents, agentKey{teamID, agentID})
}

// Forget drops every agent of a team (team stopped or deleted).
func (t *Tracker) Forget(teamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.agents {
		if k.teamID == teamID {
			delete(t.agents, k)
		}
	}
}

// Beat records a heartbeat and reports whether it was applied. Unknown
// agents are ignored: a container may report after its team was stopped or
// its agent removed, and that is not an error worth surfacing to the
// reporter, but the caller must not act on an ignored beat.
func (t *Tracker) Beat(ctx context.Context, teamID, agentID string) bool {
	key := agentKey{teamID, agentID}

	t.mu.Lock()
	st, ok := t.agents[key]
	if !ok || st.status == store.AgentDead {
		// Dead is terminal until the team restarts and re-tracks the agent.
		t.mu.Unlock()
		return false
	}
	beatAt := t.now()
	st.lastBeat = beatAt
	st.level = levelNone
	from := st.status
	recovered := from != store.AgentLive
	if recovered {
		st.status = store.AgentLive
	}
	tenantID := st.tenantID
	t.mu.Unlock()

	if recovered {
		t.transition(ctx, teamID, tenantID, agentID, from, store.AgentLive, &beatAt)
	} else if t.sink != nil {
		if err := t.sink.SetAgentStatus(ctx, teamID, agentID, store.AgentLive, &beatAt); err != nil {
			slog.Warn("liveness.persist_failed", "team", teamID, "agent", agentID, "error", err)
		}
	}
	return true
}

func (t *Tracker) scanLoop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.th.Scan)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.scan(ctx)
		}
	}
}

// scan walks the table once and escalates overdue agents. Each step fires
// exactly once per silence episode.
func (t *Tracker) scan(ctx context.Context) {
	type pending struct {
		key      agentKey
		tenantID string
		from     store.AgentStatus
		status   store.AgentStatus
		nudge    bool
		intr     bool
	}
	now := t.now()

	t.mu.Lock()
	var work []pending
	for key, st := range t.agents {
		if st.status == store.AgentDead {
			continue
		}
		silent := now.Sub(st.lastBeat)
		from := st.status
		switch {
		case silent >= t.th.Dead && st.level < levelDead:
			st.level = levelDead
			st.status = store.AgentDead
			work = append(work, pending{key: key, tenantID: st.tenantID, from: from, status: store.AgentDead})
		case silent >= t.th.Interrupt && st.level < levelInterrupted:
			st.level = levelInterrupted
			work = append(work, pending{key: key, tenantID: st.tenantID, from: from, status: st.status, intr: true})
		case silent >= t.th.Stall && st.level < levelNudged:
			st.level = levelNudged
			st.status = store.AgentStalled
			work = append(work, pending{key: key, tenantID: st.tenantID, from: from, status: store.AgentStalled, nudge: true})
		}
	}
	t.mu.Unlock()

	for _, p := range work {
		if p.status == store.AgentDead || p.nudge {
			t.transition(ctx, p.key.teamID, p.tenantID, p.key.agentID, p.from, p.status, nil)
		}
		switch {
		case p.nudge:
			go t.act(p.key, "nudge", t.actions.Nudge)
		case p.intr:
			go t.act(p.key, "interrupt", t.actions.Interrupt)
		}
	}
}

func (t *Tracker) act(key agentKey, what string, fn func(context.Context, string, string) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := fn(ctx, key.teamID, key.agentID); err != nil {
		slog.Warn("liveness.escalation_failed", "action", what,
			"team", key.teamID, "agent", key.agentID, "error", err)
	} else {
		slog.Info("liveness.escalated", "action", what, "team", key.teamID, "agent", key.agentID)
	}
}

// transition persists and broadcasts a status change.
func (t *Tracker) transition(ctx context.Context, teamID, tenantID, agentID string, from, to store.AgentStatus, beatAt *time.Time) {
	if t.sink != nil {
		if err := t.sink.SetAgentStatus(ctx, teamID, agentID, to, beatAt); err != nil {
			slog.Warn("liveness.persist_failed", "team", teamID, "agent", agentID, "error", err)
		}
	}
	t.b.Publish(bus.Event{
		Kind:     bus.KindAgentStatus,
		TeamID:   teamID,
		TenantID: tenantID,
		Time:     t.now().UTC(),
		AgentStatus: &bus.AgentStatus{
			AgentID: agentID,
			From:    string(from),
			To:      string(to),
		},
	})
}

// Snapshot reports the tracked status of one agent; ok is false for
// untracked agents.
func (t *Tracker) Snapshot(teamID, agentID string) (store.AgentStatus, *time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.agents[agentKey{teamID, agentID}]
	if !ok {
		return "", nil, false
	}
	beat := st.lastBeat
	return st.status, &beat, true
}
