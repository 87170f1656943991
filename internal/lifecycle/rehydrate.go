package lifecycle

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/crewhall/crewhall/internal/store"
)

// Rehydrate reconciles persisted teams with what the container runtime
// actually has after a restart. A team whose containers are all up returns
// to running (chat and liveness re-bound); anything else lands in stopped
// (no containers) or error (partial topology). Stopped teams are never
// auto-started.
func (m *Manager) Rehydrate(ctx context.Context) error {
	teams, err := m.stores.Teams.ListAll(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, team := range teams {
		g.Go(func() error {
			if err := m.rehydrateTeam(gctx, team); err != nil {
				slog.Error("lifecycle.rehydrate_failed", "team", team.ID, "error", err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func (m *Manager) rehydrateTeam(ctx context.Context, team *store.Team) error {
	l := m.lock(team.ID)
	l.Lock()
	defer l.Unlock()

	opctx, cancel := m.opCtx(ctx)
	defer cancel()

	statuses, err := m.drv.Status(opctx, projectName(team.ID))
	if err != nil {
		// Cannot reconcile without the driver; surface it so startup fails
		// loudly instead of guessing.
		return err
	}

	running := make(map[string]bool, len(statuses))
	for _, s := range statuses {
		running[s.Service] = s.Running
	}

	allUp := running[chatService]
	anyUp := running[chatService]
	for _, a := range team.Agents {
		if running[a.ID] {
			anyUp = true
		} else {
			allUp = false
		}
	}

	from := team.Status
	switch {
	case allUp && len(team.Agents) > 0:
		if err := m.bindChat(team); err != nil {
			slog.Warn("lifecycle.chat_rebind_failed", "team", team.ID, "error", err)
			team.Status = store.TeamError
			break
		}
		team.Status = store.TeamRunning
		for i := range team.Agents {
			// Containers are up but turns may be mid-flight; the next
			// heartbeat promotes to live, silence escalates as usual.
			team.Agents[i].Status = store.AgentSpawning
			m.tracker.Track(team.ID, team.TenantID, team.Agents[i].ID, store.AgentSpawning)
		}
	case anyUp:
		team.Status = store.TeamError
	default:
		team.Status = store.TeamStopped
	}

	if err := m.stores.Teams.Update(opctx, team); err != nil {
		return err
	}
	if team.Status != from {
		m.publishTeamStatus(team, from)
	}
	slog.Info("team rehydrated", "team", team.ID, "from", from, "to", team.Status)
	return nil
}
