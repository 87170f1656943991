package lite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/crewhall/crewhall/internal/orcerr"
	"github.com/crewhall/crewhall/internal/store"
)

func openTest(t *testing.T) *store.Stores {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestTeamCRUD(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	team := &store.Team{
		ID:       "alpha-1a2b3c",
		TenantID: "acme",
		Name:     "alpha",
		RepoURL:  "https://example.com/x.git",
		Status:   store.TeamCreating,
		Channels: []string{"#main", "#tasks"},
		Agents: []store.Agent{
			{ID: "dev-9f8e7d", Role: "dev", Status: store.AgentSpawning},
		},
		ChatPort: 16667,
	}
	if err := s.Teams.Create(ctx, team); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := s.Teams.Get(ctx, "alpha-1a2b3c")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Name != "alpha" || got.ChatPort != 16667 {
		t.Errorf("Get = %+v", got)
	}
	if len(got.Channels) != 2 || got.Channels[0] != "#main" {
		t.Errorf("channels = %v", got.Channels)
	}
	if len(got.Agents) != 1 || got.Agents[0].Role != "dev" {
		t.Errorf("agents = %v", got.Agents)
	}

	// Duplicate name per tenant is a conflict.
	dup := team.Clone()
	dup.ID = "alpha-ffffff"
	if err := s.Teams.Create(ctx, dup); !errors.Is(err, orcerr.E(orcerr.KindConflict)) {
		t.Errorf("duplicate name error = %v, want conflict", err)
	}

	// Same name under another tenant is fine.
	other := team.Clone()
	other.ID = "alpha-eeeeee"
	other.TenantID = "globex"
	if err := s.Teams.Create(ctx, other); err != nil {
		t.Errorf("cross-tenant same name: %v", err)
	}

	// Update survives a reopen-style read.
	got.Status = store.TeamRunning
	now := time.Now().UTC().Truncate(time.Second)
	got.Agents[0].Status = store.AgentLive
	got.Agents[0].LastHeartbeatAt = &now
	if err := s.Teams.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	got2, err := s.Teams.Get(ctx, got.ID)
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if got2.Status != store.TeamRunning || got2.Agents[0].Status != store.AgentLive {
		t.Errorf("updated team = %+v", got2)
	}
	if got2.Agents[0].LastHeartbeatAt == nil || !got2.Agents[0].LastHeartbeatAt.Equal(now) {
		t.Errorf("heartbeat time = %v, want %v", got2.Agents[0].LastHeartbeatAt, now)
	}

	// List is tenant-scoped.
	acme, err := s.Teams.List(ctx, "acme")
	if err != nil || len(acme) != 1 {
		t.Errorf("List(acme) = %v, %v", acme, err)
	}
	all, err := s.Teams.ListAll(ctx)
	if err != nil || len(all) != 2 {
		t.Errorf("ListAll = %d teams, %v", len(all), err)
	}

	// Delete is idempotent at the store level.
	if err := s.Teams.Delete(ctx, got.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Teams.Delete(ctx, got.ID); err != nil {
		t.Errorf("second Delete: %v", err)
	}
	if _, err := s.Teams.Get(ctx, got.ID); !errors.Is(err, orcerr.E(orcerr.KindNotFound)) {
		t.Errorf("Get after delete = %v, want not found", err)
	}
}

func TestTemplateBuiltinReadOnly(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	builtin := &store.Template{
		ID:      "builtin-duo",
		Name:    "duo",
		Builtin: true,
		Agents:  []store.TemplateAgent{{Role: "dev"}, {Role: "reviewer"}},
		Tags:    []string{"starter"},
	}
	if err := s.Templates.Create(ctx, builtin); err != nil {
		t.Fatalf("Create builtin: %v", err)
	}

	custom := &store.Template{
		ID:       "tmpl-1",
		TenantID: "acme",
		Name:     "my-roster",
		Agents:   []store.TemplateAgent{{Role: "dev", Model: "fast"}},
		Env:      map[string]string{"DEBUG": "1"},
	}
	if err := s.Templates.Create(ctx, custom); err != nil {
		t.Fatalf("Create custom: %v", err)
	}

	// Builtins are not updatable or deletable.
	builtin.Description = "changed"
	if err := s.Templates.Update(ctx, builtin); !errors.Is(err, orcerr.E(orcerr.KindNotFound)) {
		t.Errorf("Update builtin = %v, want not found", err)
	}
	if err := s.Templates.Delete(ctx, builtin.ID); !errors.Is(err, orcerr.E(orcerr.KindNotFound)) {
		t.Errorf("Delete builtin = %v, want not found", err)
	}

	// List returns builtins plus the tenant's own.
	list, err := s.Templates.List(ctx, "acme")
	if err != nil || len(list) != 2 {
		t.Fatalf("List = %d, %v", len(list), err)
	}
	foreign, err := s.Templates.List(ctx, "globex")
	if err != nil || len(foreign) != 1 || !foreign[0].Builtin {
		t.Errorf("List(globex) = %v, %v", foreign, err)
	}

	got, err := s.Templates.Get(ctx, "tmpl-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Env["DEBUG"] != "1" || got.Agents[0].Model != "fast" {
		t.Errorf("template round-trip = %+v", got)
	}
}

func TestExchangeTokenOneShot(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	if err := s.Tokens.PutExchange(ctx, "tok-1", "acme", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("PutExchange: %v", err)
	}
	tenant, err := s.Tokens.TakeExchange(ctx, "tok-1")
	if err != nil || tenant != "acme" {
		t.Fatalf("TakeExchange = %q, %v", tenant, err)
	}
	// Second take fails: one-shot.
	if _, err := s.Tokens.TakeExchange(ctx, "tok-1"); !errors.Is(err, orcerr.E(orcerr.KindNotFound)) {
		t.Errorf("second take = %v, want not found", err)
	}

	// Expired tokens are rejected even before pruning.
	if err := s.Tokens.PutExchange(ctx, "tok-2", "acme", time.Now().Add(-time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Tokens.TakeExchange(ctx, "tok-2"); !errors.Is(err, orcerr.E(orcerr.KindNotFound)) {
		t.Errorf("expired take = %v, want not found", err)
	}

	if err := s.Tokens.PruneExpired(ctx, time.Now()); err != nil {
		t.Errorf("PruneExpired: %v", err)
	}
}
