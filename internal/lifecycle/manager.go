// Package lifecycle owns the team registry and drives the team and agent
// state machines. It is the only writer of team records; every other
// component sees teams through the read-only View.
package lifecycle

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/crewhall/crewhall/internal/bus"
	"github.com/crewhall/crewhall/internal/chat"
	"github.com/crewhall/crewhall/internal/config"
	"github.com/crewhall/crewhall/internal/driver"
	"github.com/crewhall/crewhall/internal/liveness"
	"github.com/crewhall/crewhall/internal/orcerr"
	"github.com/crewhall/crewhall/internal/router"
	"github.com/crewhall/crewhall/internal/sidecar"
	"github.com/crewhall/crewhall/internal/store"
)

// View is the read side handed to the gateway: ownership checks and team
// lookup without mutation rights.
type View interface {
	Team(ctx context.Context, tenantID, teamID string) (*store.Team, error)
	Teams(ctx context.Context, tenantID string) ([]*store.Team, error)
}

// Manager coordinates driver, chat, router, sidecar control, and liveness
// for every team. Operations on one team are serialized by a per-team lock;
// different teams proceed in parallel.
type Manager struct {
	cfg     *config.Config
	stores  *store.Stores
	drv     driver.Driver
	b       *bus.Broadcaster
	router  *router.Router
	control *sidecar.Control
	tracker *liveness.Tracker
	newChat chat.Factory

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	chats map[string]chat.Client
	base  context.Context
}

// New wires a manager. The liveness tracker is created here because the
// manager is both its escalation target and its persistence sink.
func New(cfg *config.Config, stores *store.Stores, drv driver.Driver, b *bus.Broadcaster,
	r *router.Router, control *sidecar.Control, newChat chat.Factory) *Manager {

	m := &Manager{
		cfg:     cfg,
		stores:  stores,
		drv:     drv,
		b:       b,
		router:  r,
		control: control,
		newChat: newChat,
		locks:   make(map[string]*sync.Mutex),
		chats:   make(map[string]chat.Client),
	}
	m.tracker = liveness.New(liveness.Thresholds{
		Stall:     cfg.Liveness.StallTimeoutDuration(),
		Interrupt: cfg.Liveness.InterruptAfterDuration(),
		Dead:      cfg.Liveness.DeadAfterDuration(),
		Scan:      cfg.Liveness.ScanIntervalDuration(),
	}, b, m, m)
	return m
}

// Tracker exposes the liveness tracker for heartbeat ingestion.
func (m *Manager) Tracker() *liveness.Tracker { return m.tracker }

// Start launches background work (liveness scanning). ctx is the process
// lifetime; chat clients and async materialization inherit it.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()
	m.tracker.Start(ctx)
}

func (m *Manager) baseCtx() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.base == nil {
		return context.Background()
	}
	return m.base
}

// Shutdown stops scanning and disconnects every chat client. Containers are
// left running; they are reconciled by Rehydrate on the next boot.
func (m *Manager) Shutdown() {
	m.tracker.Stop()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, c := range m.chats {
		_ = c.Close()
		delete(m.chats, id)
	}
}

// lock returns the team's serialization lock, creating it on first use.
func (m *Manager) lock(teamID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[teamID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[teamID] = l
	}
	return l
}

func (m *Manager) chatClient(teamID string) chat.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.chats[teamID]
}

func (m *Manager) setChatClient(teamID string, c chat.Client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old := m.chats[teamID]; old != nil {
		_ = old.Close()
	}
	if c == nil {
		delete(m.chats, teamID)
	} else {
		m.chats[teamID] = c
	}
}

// SendChat relays a line into a team channel through the team's chat
// client. Fails with Conflict when the team has no live chat connection.
func (m *Manager) SendChat(_ context.Context, teamID, channel, text string) error {
	c := m.chatClient(teamID)
	if c == nil {
		return orcerr.New(orcerr.KindConflict, "team %s has no chat connection", teamID)
	}
	return c.Send(channel, text)
}

// Team returns a team visible to the tenant. Teams of other tenants read as
// NotFound, never as Forbidden, so ids do not leak across tenants.
func (m *Manager) Team(ctx context.Context, tenantID, teamID string) (*store.Team, error) {
	team, err := m.stores.Teams.Get(ctx, teamID)
	if err != nil {
		return nil, err
	}
	if team.TenantID != tenantID {
		return nil, orcerr.New(orcerr.KindNotFound, "team %s not found", teamID)
	}
	return team, nil
}

// Teams lists the tenant's teams.
func (m *Manager) Teams(ctx context.Context, tenantID string) ([]*store.Team, error) {
	return m.stores.Teams.List(ctx, tenantID)
}

// publishTeamStatus emits a team_status transition event.
func (m *Manager) publishTeamStatus(team *store.Team, from store.TeamStatus) {
	m.b.Publish(bus.Event{
		Kind:     bus.KindTeamStatus,
		TeamID:   team.ID,
		TenantID: team.TenantID,
		Time:     time.Now().UTC(),
		TeamStatus: &bus.TeamStatus{
			From: string(from),
			To:   string(team.Status),
		},
	})
}

func (m *Manager) publishAgentStatus(team *store.Team, agentID string, from, to store.AgentStatus) {
	m.b.Publish(bus.Event{
		Kind:     bus.KindAgentStatus,
		TeamID:   team.ID,
		TenantID: team.TenantID,
		Time:     time.Now().UTC(),
		AgentStatus: &bus.AgentStatus{
			AgentID: agentID,
			From:    string(from),
			To:      string(to),
		},
	})
}

// setStatus persists a status change and emits the transition.
func (m *Manager) setStatus(ctx context.Context, team *store.Team, to store.TeamStatus) error {
	from := team.Status
	team.Status = to
	if err := m.stores.Teams.Update(ctx, team); err != nil {
		return err
	}
	m.publishTeamStatus(team, from)
	return nil
}

// newAgentID derives "<role>-<shortid>" roster ids.
func newAgentID(role string) string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return role + "-" + short
}

// allocChatPortLocked picks the lowest free host port at or above the
// configured base. Ports of existing teams (any status) stay reserved so a
// stopped team can restart on its persisted port. Caller holds m.mu so two
// concurrent creates cannot pick the same port.
func (m *Manager) allocChatPortLocked(ctx context.Context) (int, error) {
	teams, err := m.stores.Teams.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	used := make(map[int]bool, len(teams))
	for _, t := range teams {
		used[t.ChatPort] = true
	}
	for p := m.cfg.Chat.BasePort; p < m.cfg.Chat.BasePort+4096; p++ {
		if !used[p] {
			return p, nil
		}
	}
	return 0, orcerr.New(orcerr.KindConflict, "no free chat port above %d", m.cfg.Chat.BasePort)
}

// opCtx bounds a driver-facing lifecycle operation.
func (m *Manager) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.cfg.Driver.OpTimeoutDuration())
}
