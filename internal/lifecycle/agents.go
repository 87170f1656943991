package lifecycle

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/crewhall/crewhall/internal/bus"
	"github.com/crewhall/crewhall/internal/liveness"
	"github.com/crewhall/crewhall/internal/orcerr"
	"github.com/crewhall/crewhall/internal/sidecar"
	"github.com/crewhall/crewhall/internal/store"
)

// defaultNudge is the text sent when the liveness tracker escalates; operator
// nudges carry their own text.
const defaultNudge = "you have gone quiet; check your channels for pending work"

// AddAgent grows the roster. On a running team the agent's container comes
// up immediately and enters spawning; on a stopped team it joins on the next
// start.
func (m *Manager) AddAgent(ctx context.Context, tenantID, teamID string, spec AgentSpec) (*store.Agent, error) {
	l := m.lock(teamID)
	l.Lock()
	defer l.Unlock()

	team, err := m.Team(ctx, tenantID, teamID)
	if err != nil {
		return nil, err
	}
	role := strings.TrimSpace(spec.Role)
	if role == "" || strings.ContainsAny(role, " \t/") {
		return nil, orcerr.New(orcerr.KindValidation, "invalid agent role %q", spec.Role)
	}

	agent := store.Agent{
		ID:      newAgentID(role),
		Role:    role,
		Model:   spec.Model,
		Runtime: spec.Runtime,
		Status:  store.AgentSpawning,
	}
	team.Agents = append(team.Agents, agent)

	if team.Status == store.TeamRunning {
		yaml, err := m.renderCompose(team)
		if err != nil {
			return nil, orcerr.Wrap(orcerr.KindInternal, err, "render topology")
		}
		opctx, cancel := m.opCtx(ctx)
		defer cancel()
		if err := m.drv.Up(opctx, projectName(teamID), yaml); err != nil {
			return nil, err
		}
		m.tracker.Track(teamID, tenantID, agent.ID, store.AgentSpawning)
	}

	if err := m.stores.Teams.Update(ctx, team); err != nil {
		return nil, err
	}
	m.publishAgentStatus(team, agent.ID, "", store.AgentSpawning)
	slog.Info("agent added", "team", teamID, "agent", agent.ID, "role", role)
	return &agent, nil
}

// RemoveAgent drops an agent from the roster. On a running team the
// container is torn down by re-applying the topology with orphan removal.
// Removed is terminal: the id is never reused.
func (m *Manager) RemoveAgent(ctx context.Context, tenantID, teamID, agentID string) error {
	l := m.lock(teamID)
	l.Lock()
	defer l.Unlock()

	team, err := m.Team(ctx, tenantID, teamID)
	if err != nil {
		return err
	}
	agent := team.Agent(agentID)
	if agent == nil {
		return orcerr.New(orcerr.KindNotFound, "agent %s not found in team %s", agentID, teamID)
	}
	if len(team.Agents) == 1 {
		return orcerr.New(orcerr.KindConflict, "cannot remove the last agent; delete the team instead")
	}
	from := agent.Status

	kept := team.Agents[:0]
	for _, a := range team.Agents {
		if a.ID != agentID {
			kept = append(kept, a)
		}
	}
	team.Agents = kept

	if team.Status == store.TeamRunning {
		yaml, err := m.renderCompose(team)
		if err != nil {
			return orcerr.Wrap(orcerr.KindInternal, err, "render topology")
		}
		opctx, cancel := m.opCtx(ctx)
		defer cancel()
		if err := m.drv.Up(opctx, projectName(teamID), yaml); err != nil {
			return err
		}
	}
	m.tracker.Untrack(teamID, agentID)

	if err := m.stores.Teams.Update(ctx, team); err != nil {
		return err
	}
	m.publishAgentStatus(team, agentID, from, store.AgentRemoved)
	slog.Info("agent removed", "team", teamID, "agent", agentID)
	return nil
}

// resolveAgent checks tenant visibility and that the agent is live enough to
// address: team running, agent present.
func (m *Manager) resolveAgent(ctx context.Context, tenantID, teamID, agentID string) (*store.Team, error) {
	team, err := m.Team(ctx, tenantID, teamID)
	if err != nil {
		return nil, err
	}
	if team.Status != store.TeamRunning {
		return nil, orcerr.New(orcerr.KindConflict, "team %s is not running", teamID)
	}
	if team.Agent(agentID) == nil {
		return nil, orcerr.New(orcerr.KindNotFound, "agent %s not found in team %s", agentID, teamID)
	}
	return team, nil
}

// NudgeAgent sends an operator nudge through the sidecar.
func (m *Manager) NudgeAgent(ctx context.Context, tenantID, teamID, agentID, text string) error {
	if _, err := m.resolveAgent(ctx, tenantID, teamID, agentID); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		text = defaultNudge
	}
	return m.control.Nudge(ctx, projectName(teamID), agentID, text)
}

// InterruptAgent cancels the agent's in-flight turn.
func (m *Manager) InterruptAgent(ctx context.Context, tenantID, teamID, agentID string) error {
	if _, err := m.resolveAgent(ctx, tenantID, teamID, agentID); err != nil {
		return err
	}
	return m.control.Interrupt(ctx, projectName(teamID), agentID)
}

// DirectiveAgent injects an operator instruction.
func (m *Manager) DirectiveAgent(ctx context.Context, tenantID, teamID, agentID, text string) error {
	if _, err := m.resolveAgent(ctx, tenantID, teamID, agentID); err != nil {
		return err
	}
	if strings.TrimSpace(text) == "" {
		return orcerr.New(orcerr.KindValidation, "directive text must not be empty")
	}
	return m.control.Directive(ctx, projectName(teamID), agentID, text)
}

// ExecAgent runs a command in the agent's workspace via the sidecar.
func (m *Manager) ExecAgent(ctx context.Context, tenantID, teamID, agentID string, argv []string) error {
	if _, err := m.resolveAgent(ctx, tenantID, teamID, agentID); err != nil {
		return err
	}
	if len(argv) == 0 {
		return orcerr.New(orcerr.KindValidation, "exec needs at least one argument")
	}
	return m.control.Exec(ctx, projectName(teamID), agentID, argv)
}

// AttachConsole opens (or joins) the agent's shared PTY for a subscription.
func (m *Manager) AttachConsole(ctx context.Context, tenantID, teamID, agentID, subID string) (*sidecar.Attachment, error) {
	if _, err := m.resolveAgent(ctx, tenantID, teamID, agentID); err != nil {
		return nil, err
	}
	return m.control.AttachConsole(ctx, projectName(teamID), agentID, subID)
}

// Heartbeat ingests a liveness ping. Unknown (team, agent) pairs are
// silently ignored; the reporter inside the container gets no signal about
// what exists. A beat the tracker refuses (team stopped, agent dead) is
// not broadcast either.
func (m *Manager) Heartbeat(ctx context.Context, teamID, agentID string) {
	if !m.tracker.Beat(ctx, teamID, agentID) {
		return
	}

	team, err := m.stores.Teams.Get(ctx, teamID)
	if err != nil || team.Agent(agentID) == nil {
		return
	}
	m.b.Publish(bus.Event{
		Kind:     bus.KindHeartbeat,
		TeamID:   teamID,
		TenantID: team.TenantID,
		Time:     time.Now().UTC(),
		Heartbeat: &bus.Heartbeat{
			AgentID: agentID,
			At:      time.Now().UTC(),
		},
	})
}

// Nudge implements liveness.Actions: tracker-driven escalation bypasses the
// tenant check (the tracker only knows tracked agents).
func (m *Manager) Nudge(ctx context.Context, teamID, agentID string) error {
	return m.control.Nudge(ctx, projectName(teamID), agentID, defaultNudge)
}

// Interrupt implements liveness.Actions.
func (m *Manager) Interrupt(ctx context.Context, teamID, agentID string) error {
	return m.control.Interrupt(ctx, projectName(teamID), agentID)
}

// SetAgentStatus implements liveness.Sink: persists tracker transitions to
// the team record.
func (m *Manager) SetAgentStatus(ctx context.Context, teamID, agentID string, status store.AgentStatus, beatAt *time.Time) error {
	l := m.lock(teamID)
	l.Lock()
	defer l.Unlock()

	team, err := m.stores.Teams.Get(ctx, teamID)
	if err != nil {
		return err
	}
	agent := team.Agent(agentID)
	if agent == nil {
		return nil
	}
	agent.Status = status
	if beatAt != nil {
		// lastHeartbeatAt is monotonic; a delayed write never rolls it back.
		if agent.LastHeartbeatAt == nil || beatAt.After(*agent.LastHeartbeatAt) {
			at := beatAt.UTC()
			agent.LastHeartbeatAt = &at
		}
	}

	// A creating team completes startup once every agent has reported in.
	if team.Status == store.TeamCreating && allReported(team) {
		team.Status = store.TeamRunning
		if err := m.stores.Teams.Update(ctx, team); err != nil {
			return err
		}
		m.publishTeamStatus(team, store.TeamCreating)
		slog.Info("team running", "team", teamID)
		return nil
	}
	return m.stores.Teams.Update(ctx, team)
}

// allReported is true when every rostered agent has heartbeated at least
// once.
func allReported(team *store.Team) bool {
	for _, a := range team.Agents {
		if a.LastHeartbeatAt == nil {
			return false
		}
	}
	return len(team.Agents) > 0
}

var _ liveness.Actions = (*Manager)(nil)
var _ liveness.Sink = (*Manager)(nil)
var _ View = (*Manager)(nil)
