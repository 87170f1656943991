// Package lite is the standalone-mode store backend: a single sqlite file,
// no server. The pure-Go driver keeps the binary cgo-free.
package lite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/crewhall/crewhall/internal/orcerr"
	"github.com/crewhall/crewhall/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS teams (
	id         TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	name       TEXT NOT NULL,
	repo_url   TEXT NOT NULL,
	status     TEXT NOT NULL,
	channels   TEXT NOT NULL,
	agents     TEXT NOT NULL,
	chat_port  INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (tenant_id, name)
);
CREATE TABLE IF NOT EXISTS templates (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	builtin     INTEGER NOT NULL DEFAULT 0,
	agents      TEXT NOT NULL,
	env         TEXT,
	tags        TEXT,
	created_at  TIMESTAMP NOT NULL,
	updated_at  TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS ws_tokens (
	token      TEXT PRIMARY KEY,
	tenant_id  TEXT NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
`

// Open creates (if needed) and opens the sqlite store at path.
func Open(path string) (*store.Stores, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
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
	mu *sync.Mutex // global write lock; reads are lock-free snapshots
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
		`INSERT INTO teams (`+teamCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.TenantID, t.Name, t.RepoURL, t.Status, channels, agents, t.ChatPort, t.CreatedAt, t.UpdatedAt)
	if err != nil && isUniqueViolation(err) {
		return orcerr.New(orcerr.KindConflict, "team name %q already exists", t.Name)
	}
	return err
}

func (s *teamStore) Get(ctx context.Context, id string) (*store.Team, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+teamCols+` FROM teams WHERE id = ?`, id)
	return scanTeam(row)
}

func (s *teamStore) GetByName(ctx context.Context, tenantID, name string) (*store.Team, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+teamCols+` FROM teams WHERE tenant_id = ? AND name = ?`, tenantID, name)
	return scanTeam(row)
}

func (s *teamStore) List(ctx context.Context, tenantID string) ([]*store.Team, error) {
	return s.list(ctx, `SELECT `+teamCols+` FROM teams WHERE tenant_id = ? ORDER BY created_at`, tenantID)
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
		`UPDATE teams SET name=?, repo_url=?, status=?, channels=?, agents=?, chat_port=?, updated_at=? WHERE id=?`,
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
	_, err := s.db.ExecContext(ctx, `DELETE FROM teams WHERE id = ?`, id)
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
		`INSERT INTO templates (`+tmplCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, nullIfEmpty(t.TenantID), t.Name, t.Description, t.Builtin, agents, env, tags, t.CreatedAt, t.UpdatedAt)
	return err
}

func (s *templateStore) Get(ctx context.Context, id string) (*store.Template, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tmplCols+` FROM templates WHERE id = ?`, id)
	return scanTemplate(row)
}

func (s *templateStore) List(ctx context.Context, tenantID string) ([]*store.Template, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+tmplCols+` FROM templates WHERE builtin = 1 OR tenant_id = ? ORDER BY builtin DESC, created_at`,
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
		`UPDATE templates SET name=?, description=?, agents=?, env=?, tags=?, updated_at=? WHERE id=? AND builtin=0`,
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
	res, err := s.db.ExecContext(ctx, `DELETE FROM templates WHERE id = ? AND builtin = 0`, id)
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
		`INSERT OR REPLACE INTO ws_tokens (token, tenant_id, expires_at) VALUES (?,?,?)`,
		token, tenantID, expires.UTC())
	return err
}

func (s *tokenStore) TakeExchange(ctx context.Context, token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var tenantID string
	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT tenant_id, expires_at FROM ws_tokens WHERE token = ?`, token).Scan(&tenantID, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", orcerr.New(orcerr.KindNotFound, "unknown exchange token")
	}
	if err != nil {
		return "", err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ws_tokens WHERE token = ?`, token); err != nil {
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
	_, err := s.db.ExecContext(ctx, `DELETE FROM ws_tokens WHERE expires_at < ?`, now.UTC())
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces SQLITE_CONSTRAINT_UNIQUE in the message.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
