// Package store defines the persistent data model: teams, roster templates,
// and one-shot WebSocket exchange tokens. Two backends exist: lite (sqlite,
// standalone mode) and pg (Postgres, managed mode). Every mutation is
// durable before it returns; restart reconstructs the same team/template
// set modulo containers.
package store

import (
	"context"
	"time"
)

// TeamStatus is the team lifecycle state.
type TeamStatus string

const (
	TeamCreating TeamStatus = "creating"
	TeamRunning  TeamStatus = "running"
	TeamStopped  TeamStatus = "stopped"
	TeamError    TeamStatus = "error"
	TeamDeleted  TeamStatus = "deleted"
)

// AgentStatus is the agent lifecycle state.
type AgentStatus string

const (
	AgentSpawning AgentStatus = "spawning"
	AgentLive     AgentStatus = "live"
	AgentStalled  AgentStatus = "stalled"
	AgentDead     AgentStatus = "dead"
	AgentRemoved  AgentStatus = "removed"
)

// Agent is one roster entry of a team.
type Agent struct {
	ID              string      `json:"id"` // "<role>-<shortid>"
	Role            string      `json:"role"`
	Model           string      `json:"model,omitempty"`
	Runtime         string      `json:"runtime,omitempty"`
	Status          AgentStatus `json:"status"`
	LastHeartbeatAt *time.Time  `json:"last_heartbeat_at,omitempty"`
}

// Team is the persistent team record.
type Team struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Name      string     `json:"name"`
	RepoURL   string     `json:"repo_url"`
	Status    TeamStatus `json:"status"`
	Channels  []string   `json:"channels"` // ordered, each "#"-prefixed
	Agents    []Agent    `json:"agents"`
	ChatPort  int        `json:"chat_port"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without racing readers.
func (t *Team) Clone() *Team {
	cp := *t
	cp.Channels = append([]string(nil), t.Channels...)
	cp.Agents = make([]Agent, len(t.Agents))
	for i, a := range t.Agents {
		cp.Agents[i] = a
		if a.LastHeartbeatAt != nil {
			at := *a.LastHeartbeatAt
			cp.Agents[i].LastHeartbeatAt = &at
		}
	}
	return &cp
}

// Agent returns the roster entry with the given id, or nil.
func (t *Team) Agent(agentID string) *Agent {
	for i := range t.Agents {
		if t.Agents[i].ID == agentID {
			return &t.Agents[i]
		}
	}
	return nil
}

// TemplateAgent is one roster entry of a reusable template.
type TemplateAgent struct {
	Role    string `json:"role"`
	Model   string `json:"model,omitempty"`
	Runtime string `json:"runtime,omitempty"`
}

// Template is a reusable agent roster. Builtin templates are read-only and
// visible to every tenant; custom templates are scoped to their tenant.
type Template struct {
	ID          string            `json:"id"`
	TenantID    string            `json:"tenant_id,omitempty"` // empty for builtins
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Builtin     bool              `json:"builtin"`
	Agents      []TemplateAgent   `json:"agents"`
	Env         map[string]string `json:"env,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// TeamStore persists teams. Implementations serialize writes internally;
// reads return snapshots.
type TeamStore interface {
	Create(ctx context.Context, t *Team) error
	Get(ctx context.Context, id string) (*Team, error)
	GetByName(ctx context.Context, tenantID, name string) (*Team, error)
	List(ctx context.Context, tenantID string) ([]*Team, error)
	ListAll(ctx context.Context) ([]*Team, error)
	Update(ctx context.Context, t *Team) error
	Delete(ctx context.Context, id string) error
}

// TemplateStore persists roster templates.
type TemplateStore interface {
	Create(ctx context.Context, t *Template) error
	Get(ctx context.Context, id string) (*Template, error)
	List(ctx context.Context, tenantID string) ([]*Template, error) // builtins + tenant's own
	Update(ctx context.Context, t *Template) error
	Delete(ctx context.Context, id string) error
}

// TokenStore persists one-shot WS exchange tokens (short TTL; an edge proxy
// mints them so browsers never hold the long-lived API token).
type TokenStore interface {
	PutExchange(ctx context.Context, token, tenantID string, expires time.Time) error
	// TakeExchange consumes the token: a second Take of the same token fails.
	TakeExchange(ctx context.Context, token string) (tenantID string, err error)
	PruneExpired(ctx context.Context, now time.Time) error
}

// Stores bundles the backends plus teardown.
type Stores struct {
	Teams     TeamStore
	Templates TemplateStore
	Tokens    TokenStore

	closer func() error
}

// NewStores bundles backends with a close function.
func NewStores(teams TeamStore, templates TemplateStore, tokens TokenStore, closer func() error) *Stores {
	return &Stores{Teams: teams, Templates: templates, Tokens: tokens, closer: closer}
}

// Close flushes and closes the underlying backend.
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
