// Package pg is the managed-mode store backend. Schema lives in
// migrations/ and is applied via `crewhall migrate up`.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/crewhall/crewhall/internal/orcerr"
	"github.com/crewhall/crewhall/internal/store"
)

// Open connects to Postgres and returns the store bundle. The schema is not
// applied here; run migrations first.
func Open(ctx context.Context, dsn string) (*store.Stores, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, orcerr.Wrap(orcerr.KindDriverUnavailable, err, "postgres unreachable")
	}

	mu := &sync.Mutex{}
	return store.NewStores(
		&teamStore{db: db, mu: mu},
		&templateStore{db: db, mu: mu},
		&tokenStore{db: db, mu: mu},
		db.Close,
	), nil
}

// --- teams ---

type teamStore struct {
	db *sql.DB
	mu *sync.Mutex
}

const teamCols = `id, tenant_id, name, repo_url, status, channels, agents, chat_port, created_at, updated_at`

func (s *teamStore) Create(ctx context.Context, t *store.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	channels, agents, err := marshalTeamBlobs(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO teams (`+teamCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		t.ID, t.TenantID, t.Name, t.RepoURL, t.Status, channels, agents, t.ChatPort, t.CreatedAt, t.UpdatedAt)
	if isUniqueViolation(err) {
		return orcerr.New(orcerr.KindConflict, "team name %q already exists", t.Name)
	}
	return err
}

func (s *teamStore) Get(ctx context.Context, id string) (*store.Team, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+teamCols+` FROM teams WHERE id = $1`, id)
	return scanTeam(row)
}

func (s *teamStore) GetByName(ctx context.Context, tenantID, name string) (*store.Team, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+teamCols+` FROM teams WHERE tenant_id = $1 AND name = $2`, tenantID, name)
	return scanTeam(row)
}

func (s *teamStore) List(ctx context.Context, tenantID string) ([]*store.Team, error) {
	return s.list(ctx, `SELECT `+teamCols+` FROM teams WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
}

func (s *teamStore) ListAll(ctx context.Context) ([]*store.Team, error) {
	return s.list(ctx, `SELECT `+teamCols+` FROM teams ORDER BY created_at`)
}

func (s *teamStore) list(ctx context.Context, query string, args ...any) ([]*store.Team, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var teams []*store.Team
	for rows.Next() {
		t, err := scanTeam(rows)
		if err != nil {
			return nil, err
		}
		teams = append(teams, t)
	}
	return teams, rows.Err()
}

func (s *teamStore) Update(ctx context.Context, t *store.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.UpdatedAt = time.Now().UTC()
	channels, agents, err := marshalTeamBlobs(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE teams SET name=$1, repo_url=$2, status=$3, channels=$4, agents=$5, chat_port=$6, updated_at=$7 WHERE id=$8`,
		t.Name, t.RepoURL, t.Status, channels, agents, t.ChatPort, t.UpdatedAt, t.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return orcerr.New(orcerr.KindConflict, "team name %q already exists", t.Name)
		}
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return orcerr.New(orcerr.KindNotFound, "team %s not found", t.ID)
	}
	return nil
}

func (s *teamStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM teams WHERE id = $1`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTeam(row rowScanner) (*store.Team, error) {
	var t store.Team
	var channels, agents []byte
	err := row.Scan(&t.ID, &t.TenantID, &t.Name, &t.RepoURL, &t.Status,
		&channels, &agents, &t.ChatPort, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcerr.New(orcerr.KindNotFound, "team not found")
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(channels, &t.Channels); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	if err := json.Unmarshal(agents, &t.Agents); err != nil {
		return nil, fmt.Errorf("decode agents: %w", err)
	}
	return &t, nil
}

func marshalTeamBlobs(t *store.Team) (channels, agents []byte, err error) {
	if channels, err = json.Marshal(t.Channels); err != nil {
		return nil, nil, err
	}
	if agents, err = json.Marshal(t.Agents); err != nil {
		return nil, nil, err
	}
	return channels, agents, nil
}

// --- templates ---

type templateStore struct {
	db *sql.DB
	mu *sync.Mutex
}

const tmplCols = `id, tenant_id, name, description, builtin, agents, env, tags, created_at, updated_at`

func (s *templateStore) Create(ctx context.Context, t *store.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	agents, env, tags, err := marshalTemplateBlobs(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO templates (`+tmplCols+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, nullIfEmpty(t.TenantID), t.Name, t.Description, t.Builtin, agents, env, tags, t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *templateStore) Get(ctx context.Context, id string) (*store.Template, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tmplCols+` FROM templates WHERE id = $1`, id)
	return scanTemplate(row)
}

func (s *templateStore) List(ctx context.Context, tenantID string) ([]*store.Template, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tmplCols+` FROM templates WHERE builtin OR tenant_id = $1 ORDER BY builtin DESC, created_at`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *templateStore) Update(ctx context.Context, t *store.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t.UpdatedAt = time.Now().UTC()
	agents, env, tags, err := marshalTemplateBlobs(t)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE templates SET name=$1, description=$2, agents=$3, env=$4, tags=$5, updated_at=$6
		 WHERE id=$7 AND NOT builtin`,
		t.Name, t.Description, agents, env, tags, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return orcerr.New(orcerr.KindNotFound, "template %s not found or read-only", t.ID)
	}
	return nil
}

func (s *templateStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = $1 AND NOT builtin`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return orcerr.New(orcerr.KindNotFound, "template %s not found or read-only", id)
	}
	return nil
}

func scanTemplate(row rowScanner) (*store.Template, error) {
	var t store.Template
	var tenant sql.NullString
	var agents, env, tags []byte
	err := row.Scan(&t.ID, &tenant, &t.Name, &t.Description, &t.Builtin,
		&agents, &env, &tags, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, orcerr.New(orcerr.KindNotFound, "template not found")
	}
	if err != nil {
		return nil, err
	}
	t.TenantID = tenant.String
	if err := json.Unmarshal(agents, &t.Agents); err != nil {
		return nil, fmt.Errorf("decode agents: %w", err)
	}
	if len(env) > 0 {
		if err := json.Unmarshal(env, &t.Env); err != nil {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &t.Tags); err != nil {
			return nil, fmt.Errorf("decode tags: %w", err)
		}
	}
	return &t, nil
}

func marshalTemplateBlobs(t *store.Template) (agents, env, tags []byte, err error) {
	if agents, err = json.Marshal(t.Agents); err != nil {
		return
	}
	if t.Env != nil {
		if env, err = json.Marshal(t.Env); err != nil {
			return
		}
	}
	if t.Tags != nil {
		if tags, err = json.Marshal(t.Tags); err != nil {
			return
		}
	}
	return
}

// --- one-shot WS tokens ---

type tokenStore struct {
	db *sql.DB
	mu *sync.Mutex
}

func (s *tokenStore) PutExchange(ctx context.Context, token, tenantID string, expires time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ws_tokens (token, tenant_id, expires_at) VALUES ($1,$2,$3)
		 ON CONFLICT (token) DO UPDATE SET tenant_id = EXCLUDED.tenant_id, expires_at = EXCLUDED.expires_at`,
		token, tenantID, expires.UTC())
	return err
}

func (s *tokenStore) TakeExchange(ctx context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tenantID string
	var expires time.Time
	// DELETE ... RETURNING makes the take atomic.
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM ws_tokens WHERE token = $1 RETURNING tenant_id, expires_at`, token).
		Scan(&tenantID, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", orcerr.New(orcerr.KindNotFound, "unknown exchange token")
	}
	if err != nil {
		return "", err
	}
	if time.Now().UTC().After(expires) {
		return "", orcerr.New(orcerr.KindNotFound, "exchange token expired")
	}
	return tenantID, nil
}

func (s *tokenStore) PruneExpired(ctx context.Context, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `DELETE FROM ws_tokens WHERE expires_at < $1`, now.UTC())
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	// pgx wraps server errors; 23505 = unique_violation.
	return strings.Contains(err.Error(), "23505") || strings.Contains(err.Error(), "duplicate key")
}
