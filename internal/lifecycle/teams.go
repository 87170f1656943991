package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crewhall/crewhall/internal/bus"
	"github.com/crewhall/crewhall/internal/chat"
	"github.com/crewhall/crewhall/internal/orcerr"
	"github.com/crewhall/crewhall/internal/router"
	"github.com/crewhall/crewhall/internal/store"
)

// DefaultChannels is the channel set applied when a submission names none.
var DefaultChannels = []string{"#main", "#tasks", "#code", "#testing", "#merges"}

const maxChannels = 20

// AgentSpec describes one agent of a team submission.
type AgentSpec struct {
	Role    string `json:"role"`
	Model   string `json:"model,omitempty"`
	Runtime string `json:"runtime,omitempty"`
}

// TeamSpec is a team submission. Channels nil means "use defaults";
// an explicit empty list is a validation error.
type TeamSpec struct {
	Name     string      `json:"name"`
	RepoURL  string      `json:"repo_url"`
	Agents   []AgentSpec `json:"agents"`
	Channels []string    `json:"channels,omitempty"`
}

// TeamPatch updates mutable team fields. Nil fields are left untouched.
type TeamPatch struct {
	Name     *string  `json:"name,omitempty"`
	Channels []string `json:"channels,omitempty"`
}

// CreateTeam validates the submission, persists the team in status creating,
// and materializes it in the background. The returned record reflects the
// creating state.
func (m *Manager) CreateTeam(ctx context.Context, tenantID string, spec TeamSpec) (*store.Team, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, orcerr.New(orcerr.KindValidation, "team name must not be empty")
	}
	if err := validateRepoURL(spec.RepoURL); err != nil {
		return nil, err
	}
	if len(spec.Agents) == 0 {
		return nil, orcerr.New(orcerr.KindValidation, "team needs at least one agent")
	}
	channels, err := normalizeChannels(spec.Channels)
	if err != nil {
		return nil, err
	}

	agents := make([]store.Agent, 0, len(spec.Agents))
	for _, a := range spec.Agents {
		role := strings.TrimSpace(a.Role)
		if role == "" || strings.ContainsAny(role, " \t/") {
			return nil, orcerr.New(orcerr.KindValidation, "invalid agent role %q", a.Role)
		}
		agents = append(agents, store.Agent{
			ID:      newAgentID(role),
			Role:    role,
			Model:   a.Model,
			Runtime: a.Runtime,
			Status:  store.AgentSpawning,
		})
	}

	// Port selection and the insert stay under one lock so concurrent
	// creates cannot race to the same port.
	m.mu.Lock()
	port, err := m.allocChatPortLocked(ctx)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	now := time.Now().UTC()
	team := &store.Team{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Name:      strings.TrimSpace(spec.Name),
		RepoURL:   spec.RepoURL,
		Status:    store.TeamCreating,
		Channels:  channels,
		Agents:    agents,
		ChatPort:  port,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = m.stores.Teams.Create(ctx, team)
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	m.publishTeamStatus(team, "")
	slog.Info("team created", "team", team.ID, "tenant", tenantID, "name", team.Name, "agents", len(agents))

	go m.materialize(team.ID)
	return team.Clone(), nil
}

// materialize brings a creating team's topology and chat up. Runs off the
// request path under the team lock. The running transition happens later,
// once every agent has heartbeated (see SetAgentStatus); bring-up failure
// lands in error immediately.
func (m *Manager) materialize(teamID string) {
	l := m.lock(teamID)
	l.Lock()
	defer l.Unlock()

	ctx, cancel := m.opCtx(m.baseCtx())
	defer cancel()

	team, err := m.stores.Teams.Get(ctx, teamID)
	if err != nil {
		slog.Warn("lifecycle.materialize_skipped", "team", teamID, "error", err)
		return
	}
	if team.Status != store.TeamCreating {
		// Deleted or otherwise moved on while we were queued.
		return
	}

	if err := m.bringUp(ctx, team); err != nil {
		slog.Error("team materialization failed", "team", teamID, "error", err)
		if serr := m.setStatus(ctx, team, store.TeamError); serr != nil {
			slog.Error("lifecycle.status_persist_failed", "team", teamID, "error", serr)
		}
		return
	}

	// Containers are up and chat is joined, but the team stays creating
	// until every agent has reported a first heartbeat. The watchdog turns
	// a silent startup into error.
	slog.Info("team materialized", "team", teamID, "agents", len(team.Agents))
	go m.startupWatchdog(teamID)
}

// startupWatchdog fails a team whose agents never report in: if the team is
// still creating when the startup window elapses, it lands in error.
func (m *Manager) startupWatchdog(teamID string) {
	window := m.cfg.Liveness.StartupWindowDuration()
	timer := time.NewTimer(window)
	defer timer.Stop()
	select {
	case <-m.baseCtx().Done():
		return
	case <-timer.C:
	}

	l := m.lock(teamID)
	l.Lock()
	defer l.Unlock()

	ctx, cancel := m.opCtx(m.baseCtx())
	defer cancel()
	team, err := m.stores.Teams.Get(ctx, teamID)
	if err != nil || team.Status != store.TeamCreating {
		return
	}
	slog.Error("team startup window elapsed", "team", teamID, "window", window)
	if err := m.setStatus(ctx, team, store.TeamError); err != nil {
		slog.Error("lifecycle.status_persist_failed", "team", teamID, "error", err)
	}
}

// bringUp renders the topology, brings the containers up, connects chat,
// and arms liveness tracking. Caller holds the team lock.
func (m *Manager) bringUp(ctx context.Context, team *store.Team) error {
	for i := range team.Agents {
		team.Agents[i].Status = store.AgentSpawning
	}
	yaml, err := m.renderCompose(team)
	if err != nil {
		return orcerr.Wrap(orcerr.KindInternal, err, "render topology")
	}
	if err := m.drv.Up(ctx, projectName(team.ID), yaml); err != nil {
		return err
	}
	if err := m.stores.Teams.Update(ctx, team); err != nil {
		return err
	}

	if err := m.bindChat(team); err != nil {
		return err
	}
	for _, a := range team.Agents {
		m.tracker.Track(team.ID, team.TenantID, a.ID, store.AgentSpawning)
	}
	return nil
}

// bindChat connects the observer chat client and routes its messages.
func (m *Manager) bindChat(team *store.Team) error {
	teamID, tenantID := team.ID, team.TenantID
	c := m.newChat(chat.Options{
		Addr:     fmt.Sprintf("%s:%d", m.cfg.Chat.Host, team.ChatPort),
		Nick:     m.cfg.Chat.Nick,
		Channels: append([]string(nil), team.Channels...),
		QueueCap: m.cfg.Chat.SendQueueCap,
		OnMessage: func(channel, nick, text string, ts time.Time) {
			m.router.Route(router.Inbound{
				TeamID:   teamID,
				TenantID: tenantID,
				Channel:  channel,
				Nick:     nick,
				Text:     text,
				Time:     ts,
			})
		},
	})
	if err := c.Start(m.baseCtx()); err != nil {
		_ = c.Close()
		return orcerr.Wrap(orcerr.KindTransient, err, "chat join for team %s", teamID)
	}
	m.setChatClient(teamID, c)
	return nil
}

// StartTeam brings a stopped (or errored) team back up. Synchronous under
// the driver deadline.
func (m *Manager) StartTeam(ctx context.Context, tenantID, teamID string) (*store.Team, error) {
	l := m.lock(teamID)
	l.Lock()
	defer l.Unlock()

	team, err := m.Team(ctx, tenantID, teamID)
	if err != nil {
		return nil, err
	}
	switch team.Status {
	case store.TeamStopped, store.TeamError:
	case store.TeamRunning:
		return nil, orcerr.New(orcerr.KindConflict, "team %s already running", teamID)
	default:
		return nil, orcerr.New(orcerr.KindConflict, "cannot start team in status %s", team.Status)
	}

	opctx, cancel := m.opCtx(ctx)
	defer cancel()
	if err := m.bringUp(opctx, team); err != nil {
		_ = m.setStatus(opctx, team, store.TeamError)
		return nil, err
	}
	if err := m.setStatus(opctx, team, store.TeamRunning); err != nil {
		return nil, err
	}
	return team.Clone(), nil
}

// StopTeam tears the containers down but keeps the team's configuration.
func (m *Manager) StopTeam(ctx context.Context, tenantID, teamID string) (*store.Team, error) {
	l := m.lock(teamID)
	l.Lock()
	defer l.Unlock()

	team, err := m.Team(ctx, tenantID, teamID)
	if err != nil {
		return nil, err
	}
	switch team.Status {
	case store.TeamRunning, store.TeamError:
	default:
		return nil, orcerr.New(orcerr.KindConflict, "cannot stop team in status %s", team.Status)
	}

	opctx, cancel := m.opCtx(ctx)
	defer cancel()
	if err := m.drv.Down(opctx, projectName(teamID)); err != nil {
		_ = m.setStatus(opctx, team, store.TeamError)
		return nil, err
	}

	m.setChatClient(teamID, nil)
	m.tracker.Forget(teamID)
	if err := m.setStatus(opctx, team, store.TeamStopped); err != nil {
		return nil, err
	}
	slog.Info("team stopped", "team", teamID)
	return team.Clone(), nil
}

// DeleteTeam tears everything down and removes the record. Idempotent: a
// second delete of the same id succeeds as a no-op.
func (m *Manager) DeleteTeam(ctx context.Context, tenantID, teamID string) error {
	l := m.lock(teamID)
	l.Lock()
	defer l.Unlock()

	team, err := m.Team(ctx, tenantID, teamID)
	if err != nil {
		if orcerr.KindOf(err) == orcerr.KindNotFound {
			return nil
		}
		return err
	}

	opctx, cancel := m.opCtx(ctx)
	defer cancel()
	if err := m.drv.Down(opctx, projectName(teamID)); err != nil {
		// A missing topology is fine; unreachable driver is not.
		if orcerr.KindOf(err) == orcerr.KindDriverUnavailable {
			return err
		}
		slog.Warn("lifecycle.delete_down_failed", "team", teamID, "error", err)
	}

	m.setChatClient(teamID, nil)
	m.tracker.Forget(teamID)
	m.router.Clear(teamID)

	if err := m.stores.Teams.Delete(opctx, teamID); err != nil {
		return err
	}

	from := team.Status
	team.Status = store.TeamDeleted
	m.publishTeamStatus(team, from)
	m.b.CloseTeam(teamID, bus.ReasonTeamDeleted)
	slog.Info("team deleted", "team", teamID, "tenant", tenantID)
	return nil
}

// UpdateTeam applies a rename (any state) and a channel-set change (stopped
// teams only; the chat server cannot re-home channels while agents are
// connected).
func (m *Manager) UpdateTeam(ctx context.Context, tenantID, teamID string, patch TeamPatch) (*store.Team, error) {
	l := m.lock(teamID)
	l.Lock()
	defer l.Unlock()

	team, err := m.Team(ctx, tenantID, teamID)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, orcerr.New(orcerr.KindValidation, "team name must not be empty")
		}
		if other, err := m.stores.Teams.GetByName(ctx, tenantID, name); err == nil && other.ID != teamID {
			return nil, orcerr.New(orcerr.KindConflict, "team name %q already in use", name)
		}
		team.Name = name
	}

	if patch.Channels != nil {
		if team.Status != store.TeamStopped {
			return nil, orcerr.New(orcerr.KindConflict, "channels can only change while the team is stopped")
		}
		channels, err := normalizeChannels(patch.Channels)
		if err != nil {
			return nil, err
		}
		team.Channels = channels
	}

	if err := m.stores.Teams.Update(ctx, team); err != nil {
		return nil, err
	}
	return team.Clone(), nil
}

// normalizeChannels validates and "#"-normalizes a submitted channel list.
// nil means defaults; empty or oversized lists are rejected.
func normalizeChannels(in []string) ([]string, error) {
	if in == nil {
		return append([]string(nil), DefaultChannels...), nil
	}
	if len(in) == 0 {
		return nil, orcerr.New(orcerr.KindValidation, "channel list must not be empty")
	}
	if len(in) > maxChannels {
		return nil, orcerr.New(orcerr.KindValidation, "at most %d channels allowed, got %d", maxChannels, len(in))
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, raw := range in {
		name := strings.TrimSpace(raw)
		name = strings.TrimPrefix(name, "#")
		if name == "" || strings.ContainsAny(name, " \t,#") {
			return nil, orcerr.New(orcerr.KindValidation, "invalid channel name %q", raw)
		}
		name = "#" + name
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}

func validateRepoURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return orcerr.Wrap(orcerr.KindValidation, err, "repo url")
	}
	switch u.Scheme {
	case "http", "https", "ssh", "git":
	default:
		return orcerr.New(orcerr.KindValidation, "unsupported repo url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return orcerr.New(orcerr.KindValidation, "repo url %q has no host", raw)
	}
	return nil
}
