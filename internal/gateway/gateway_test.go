package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crewhall/crewhall/internal/auth"
	"github.com/crewhall/crewhall/internal/bus"
	"github.com/crewhall/crewhall/internal/chat"
	"github.com/crewhall/crewhall/internal/config"
	"github.com/crewhall/crewhall/internal/driver"
	"github.com/crewhall/crewhall/internal/lifecycle"
	"github.com/crewhall/crewhall/internal/orcerr"
	"github.com/crewhall/crewhall/internal/router"
	"github.com/crewhall/crewhall/internal/sidecar"
	"github.com/crewhall/crewhall/internal/store"
	"github.com/crewhall/crewhall/pkg/protocol"
)

// In-memory stores and a no-op driver give the full REST+WS stack without
// containers.

type memTeams struct {
	mu    sync.Mutex
	teams map[string]*store.Team
}

func (s *memTeams) Create(_ context.Context, t *store.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.teams {
		if other.TenantID == t.TenantID && other.Name == t.Name {
			return orcerr.New(orcerr.KindConflict, "team name %q already in use", t.Name)
		}
	}
	s.teams[t.ID] = t.Clone()
	return nil
}

func (s *memTeams) Get(_ context.Context, id string) (*store.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.teams[id]; ok {
		return t.Clone(), nil
	}
	return nil, orcerr.New(orcerr.KindNotFound, "team %s not found", id)
}

func (s *memTeams) GetByName(_ context.Context, tenantID, name string) (*store.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.teams {
		if t.TenantID == tenantID && t.Name == name {
			return t.Clone(), nil
		}
	}
	return nil, orcerr.New(orcerr.KindNotFound, "team %q not found", name)
}

func (s *memTeams) List(_ context.Context, tenantID string) ([]*store.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Team
	for _, t := range s.teams {
		if t.TenantID == tenantID {
			out = append(out, t.Clone())
		}
	}
	return out, nil
}

func (s *memTeams) ListAll(_ context.Context) ([]*store.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Team
	for _, t := range s.teams {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *memTeams) Update(_ context.Context, t *store.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[t.ID]; !ok {
		return orcerr.New(orcerr.KindNotFound, "team %s not found", t.ID)
	}
	s.teams[t.ID] = t.Clone()
	return nil
}

func (s *memTeams) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.teams[id]; !ok {
		return orcerr.New(orcerr.KindNotFound, "team %s not found", id)
	}
	delete(s.teams, id)
	return nil
}

type memTemplates struct {
	mu   sync.Mutex
	tpls map[string]*store.Template
}

func (s *memTemplates) Create(_ context.Context, t *store.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tpls[t.ID] = t
	return nil
}

func (s *memTemplates) Get(_ context.Context, id string) (*store.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tpls[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, orcerr.New(orcerr.KindNotFound, "template %s not found", id)
}

func (s *memTemplates) List(_ context.Context, tenantID string) ([]*store.Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Template
	for _, t := range s.tpls {
		if t.Builtin || t.TenantID == tenantID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memTemplates) Update(_ context.Context, t *store.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tpls[t.ID] = t
	return nil
}

func (s *memTemplates) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tpls, id)
	return nil
}

type nopDriver struct{}

func (nopDriver) Up(context.Context, string, []byte) error { return nil }
func (nopDriver) Down(context.Context, string) error       { return nil }
func (nopDriver) Status(context.Context, string) ([]driver.ServiceStatus, error) {
	return nil, nil
}
func (nopDriver) Exec(context.Context, string, string, []string, []string) (driver.ExecResult, error) {
	return driver.ExecResult{}, nil
}
func (nopDriver) AttachInteractive(context.Context, string, string, []string) (io.ReadWriteCloser, error) {
	return nil, orcerr.New(orcerr.KindDriverFailure, "no console in tests")
}

// fakePTY records console input; Read blocks until Close so the session
// read loop stays parked.
type fakePTY struct {
	mu     sync.Mutex
	input  bytes.Buffer
	closed chan struct{}
	once   sync.Once
}

func newFakePTY() *fakePTY { return &fakePTY{closed: make(chan struct{})} }

func (p *fakePTY) Read([]byte) (int, error) {
	<-p.closed
	return 0, io.EOF
}

func (p *fakePTY) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.Write(b)
}

func (p *fakePTY) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *fakePTY) written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

// consoleDriver holds AttachInteractive at a gate so a test can inject
// input while the PTY open is still in flight.
type consoleDriver struct {
	nopDriver
	gate chan struct{}
	pty  *fakePTY
}

func (d *consoleDriver) AttachInteractive(context.Context, string, string, []string) (io.ReadWriteCloser, error) {
	<-d.gate
	return d.pty, nil
}

type nopChat struct{}

func (nopChat) Start(context.Context) error { return nil }
func (nopChat) Send(string, string) error   { return nil }
func (nopChat) Join(string) error           { return nil }
func (nopChat) Close() error                { return nil }

type testEnv struct {
	addr    string
	manager *lifecycle.Manager
	stores  *store.Stores
	cancel  context.CancelFunc
}

func newEnv(t *testing.T) *testEnv {
	return newEnvWithDriver(t, nopDriver{})
}

func newEnvWithDriver(t *testing.T, drv driver.Driver) *testEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	cfg := config.Default()
	// The startup polling in createRunningTeam would drain the default
	// per-tenant rate-limit burst; the limiter is not under test here.
	cfg.Server.RateLimitRPM = 0
	b := bus.NewBroadcaster()
	r := router.New(b, 0)
	stores := &store.Stores{
		Teams:     &memTeams{teams: make(map[string]*store.Team)},
		Templates: &memTemplates{tpls: make(map[string]*store.Template)},
	}
	m := lifecycle.New(cfg, stores, drv, b, r, sidecar.New(drv, "", nil),
		func(chat.Options) chat.Client { return nopChat{} })
	m.Start(ctx)

	verifier := auth.New(map[string]string{"tok-acme": "acme", "tok-globex": "globex"}, nil, 0)
	srv := NewServer(cfg, m, r, b, verifier, stores)

	addr, start := StartTestServer(srv, ctx)
	go start()

	t.Cleanup(func() {
		cancel()
		m.Shutdown()
	})
	return &testEnv{addr: addr, manager: m, stores: stores, cancel: cancel}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, "http://"+e.addr+path, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func (e *testEnv) createRunningTeam(t *testing.T, token, name string) store.Team {
	t.Helper()
	resp, body := e.do(t, "POST", "/teams", token, map[string]any{
		"name":     name,
		"repo_url": "https://example.com/x.git",
		"agents":   []map[string]string{{"role": "dev"}},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create team: %d %s", resp.StatusCode, body)
	}
	var team store.Team
	if err := json.Unmarshal(body, &team); err != nil {
		t.Fatalf("decode team: %v", err)
	}

	// A team completes startup once every agent has heartbeated; beats sent
	// before the tracker knows the roster are dropped, hence the loop.
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, body = e.do(t, "GET", "/teams/"+team.ID, token, nil)
		_ = json.Unmarshal(body, &team)
		if team.Status == store.TeamRunning {
			return team
		}
		for _, a := range team.Agents {
			e.do(t, "POST", "/heartbeat/"+team.ID+"/"+a.ID, "", nil)
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("team %s never reached running: %+v", team.ID, team)
	return team
}

func dialWS(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func wsExpect(t *testing.T, conn *websocket.Conn, wantType string) protocol.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("waiting for %q frame: %v", wantType, err)
		}
		if frame.Type == wantType {
			return frame
		}
	}
}

func wsSubscribe(t *testing.T, conn *websocket.Conn, token, teamID string) {
	t.Helper()
	if err := conn.WriteJSON(protocol.Frame{Type: protocol.FrameAuth, Token: token}); err != nil {
		t.Fatalf("auth frame: %v", err)
	}
	wsExpect(t, conn, protocol.FrameAuthenticated)
	if err := conn.WriteJSON(protocol.Frame{Type: protocol.FrameSubscribe, TeamID: teamID}); err != nil {
		t.Fatalf("subscribe frame: %v", err)
	}
	wsExpect(t, conn, protocol.FrameSubscribed)
}

func TestRESTRequiresToken(t *testing.T) {
	env := newEnv(t)
	resp, _ := env.do(t, "GET", "/teams", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token status = %d, want 401", resp.StatusCode)
	}
	resp, _ = env.do(t, "GET", "/teams", "tok-bogus", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("bad token status = %d, want 401", resp.StatusCode)
	}
}

func TestHealthIsOpen(t *testing.T) {
	env := newEnv(t)
	resp, body := env.do(t, "GET", "/health", "", nil)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Errorf("health = %d %s", resp.StatusCode, body)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	env := newEnv(t)
	team := env.createRunningTeam(t, "tok-acme", "alpha")

	conn := dialWS(t, env.addr)
	wsSubscribe(t, conn, "tok-acme", team.ID)

	resp, body := env.do(t, "POST", "/teams/"+team.ID+"/channels/%23tasks/messages",
		"tok-acme", map[string]string{"text": "[DONE] task completed", "nick": "operator"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("publish: %d %s", resp.StatusCode, body)
	}

	frame := wsExpect(t, conn, protocol.EventMessage)
	var ev bus.Event
	if err := json.Unmarshal(frame.Event, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Message.Channel != "#tasks" || ev.Message.Nick != "operator" ||
		ev.Message.Text != "[DONE] task completed" {
		t.Errorf("event message = %+v", ev.Message)
	}
	if ev.Message.Tag == nil || *ev.Message.Tag != "DONE" {
		t.Errorf("tag = %v", ev.Message.Tag)
	}

	// The ring buffer snapshot agrees, with and without the # prefix.
	for _, path := range []string{"/channels/%23tasks/messages", "/channels/tasks/messages"} {
		resp, body = env.do(t, "GET", "/teams/"+team.ID+path, "tok-acme", nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s: %d", path, resp.StatusCode)
		}
		var msgs []router.Message
		if err := json.Unmarshal(body, &msgs); err != nil {
			t.Fatalf("decode messages: %v", err)
		}
		if len(msgs) != 1 || msgs[0].Text != "[DONE] task completed" {
			t.Errorf("GET %s = %+v", path, msgs)
		}
	}
}

func TestHeartbeatReachesSubscriber(t *testing.T) {
	env := newEnv(t)
	team := env.createRunningTeam(t, "tok-acme", "alpha")
	agentID := team.Agents[0].ID

	conn := dialWS(t, env.addr)
	wsSubscribe(t, conn, "tok-acme", team.ID)

	resp, _ := env.do(t, "POST", "/heartbeat/"+team.ID+"/"+agentID, "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat: %d", resp.StatusCode)
	}

	frame := wsExpect(t, conn, protocol.EventHeartbeat)
	var ev bus.Event
	if err := json.Unmarshal(frame.Event, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Heartbeat.AgentID != agentID {
		t.Errorf("heartbeat agent = %q, want %q", ev.Heartbeat.AgentID, agentID)
	}
}

func TestHeartbeatUnknownAgentStill200(t *testing.T) {
	env := newEnv(t)
	resp, _ := env.do(t, "POST", "/heartbeat/nope/ghost", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unknown heartbeat status = %d, want 200", resp.StatusCode)
	}
}

func TestWSAuthFailureCloses(t *testing.T) {
	env := newEnv(t)
	conn := dialWS(t, env.addr)

	if err := conn.WriteJSON(protocol.Frame{Type: protocol.FrameAuth, Token: "tok-bogus"}); err != nil {
		t.Fatalf("auth frame: %v", err)
	}
	frame := wsExpect(t, conn, protocol.FrameError)
	if frame.Error == "" {
		t.Error("error frame carries no message")
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var next protocol.Frame
	if err := conn.ReadJSON(&next); err == nil {
		t.Errorf("connection stayed open after auth failure, got %+v", next)
	}
}

func TestWSForeignTeamCloses(t *testing.T) {
	env := newEnv(t)
	team := env.createRunningTeam(t, "tok-acme", "alpha")

	conn := dialWS(t, env.addr)
	if err := conn.WriteJSON(protocol.Frame{Type: protocol.FrameAuth, Token: "tok-globex"}); err != nil {
		t.Fatalf("auth frame: %v", err)
	}
	wsExpect(t, conn, protocol.FrameAuthenticated)
	if err := conn.WriteJSON(protocol.Frame{Type: protocol.FrameSubscribe, TeamID: team.ID}); err != nil {
		t.Fatalf("subscribe frame: %v", err)
	}
	wsExpect(t, conn, protocol.FrameError)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var next protocol.Frame
	if err := conn.ReadJSON(&next); err == nil {
		t.Errorf("connection stayed open after foreign subscribe, got %+v", next)
	}
}

func TestChannelEditGating(t *testing.T) {
	env := newEnv(t)
	team := env.createRunningTeam(t, "tok-acme", "alpha")

	resp, _ := env.do(t, "PATCH", "/teams/"+team.ID, "tok-acme",
		map[string]any{"channels": []string{"#main", "#retro"}})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("channel edit while running = %d, want 409", resp.StatusCode)
	}

	resp, _ = env.do(t, "POST", "/teams/"+team.ID+"/stop", "tok-acme", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: %d", resp.StatusCode)
	}
	resp, body := env.do(t, "PATCH", "/teams/"+team.ID, "tok-acme",
		map[string]any{"channels": []string{"#main", "#retro"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("channel edit while stopped = %d %s", resp.StatusCode, body)
	}
	var updated store.Team
	_ = json.Unmarshal(body, &updated)
	if len(updated.Channels) != 2 || updated.Channels[1] != "#retro" {
		t.Errorf("channels = %v", updated.Channels)
	}
}

func TestDeleteTeamIdempotentHTTP(t *testing.T) {
	env := newEnv(t)
	team := env.createRunningTeam(t, "tok-acme", "alpha")

	for i := 0; i < 2; i++ {
		resp, _ := env.do(t, "DELETE", "/teams/"+team.ID, "tok-acme", nil)
		if resp.StatusCode != http.StatusNoContent {
			t.Errorf("delete #%d = %d, want 204", i+1, resp.StatusCode)
		}
	}
	resp, _ := env.do(t, "GET", "/teams/"+team.ID, "tok-acme", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", resp.StatusCode)
	}
}

func TestAgentControlValidation(t *testing.T) {
	env := newEnv(t)
	team := env.createRunningTeam(t, "tok-acme", "alpha")
	agentID := team.Agents[0].ID

	resp, _ := env.do(t, "POST",
		fmt.Sprintf("/teams/%s/agents/%s/nudge", team.ID, agentID),
		"tok-acme", map[string]string{"message": "check #tasks"})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("nudge = %d", resp.StatusCode)
	}

	resp, _ = env.do(t, "POST",
		fmt.Sprintf("/teams/%s/agents/%s/exec", team.ID, agentID),
		"tok-acme", map[string]any{"command": []string{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty exec = %d, want 400", resp.StatusCode)
	}

	resp, _ = env.do(t, "POST",
		fmt.Sprintf("/teams/%s/agents/%s/reboot", team.ID, agentID),
		"tok-acme", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown op = %d, want 404", resp.StatusCode)
	}
}

func TestConsoleInputBufferedDuringAttach(t *testing.T) {
	drv := &consoleDriver{gate: make(chan struct{}), pty: newFakePTY()}
	env := newEnvWithDriver(t, drv)
	team := env.createRunningTeam(t, "tok-acme", "alpha")
	agentID := team.Agents[0].ID

	conn := dialWS(t, env.addr)
	wsSubscribe(t, conn, "tok-acme", team.ID)

	if err := conn.WriteJSON(protocol.Frame{Type: protocol.FrameConsoleAttach, AgentID: agentID}); err != nil {
		t.Fatalf("attach frame: %v", err)
	}
	// Input sent while the PTY open is parked at the gate; it must reach
	// the PTY in order once the open completes.
	for _, chunk := range []string{"ls ", "-la"} {
		frame := protocol.Frame{
			Type:    protocol.FrameConsoleInput,
			AgentID: agentID,
			Data:    base64.StdEncoding.EncodeToString([]byte(chunk)),
		}
		if err := conn.WriteJSON(frame); err != nil {
			t.Fatalf("input frame: %v", err)
		}
	}
	close(drv.gate)

	wsExpect(t, conn, protocol.EventConsoleAttached)
	waitForInput(t, drv.pty, "ls -la")

	// Later input flows straight through on the open attachment.
	frame := protocol.Frame{
		Type:    protocol.FrameConsoleInput,
		AgentID: agentID,
		Data:    base64.StdEncoding.EncodeToString([]byte("\n")),
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("input frame: %v", err)
	}
	waitForInput(t, drv.pty, "ls -la\n")
}

func waitForInput(t *testing.T, pty *fakePTY, want string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if pty.written() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pty input = %q, want %q", pty.written(), want)
}

func TestBuiltinTemplatesReadOnly(t *testing.T) {
	env := newEnv(t)
	// Seed one builtin directly.
	builtin := &store.Template{ID: "builtin-solo", Name: "Solo", Builtin: true,
		Agents: []store.TemplateAgent{{Role: "dev"}}}
	if err := env.stores.Templates.Create(context.Background(), builtin); err != nil {
		t.Fatalf("seed: %v", err)
	}

	resp, _ := env.do(t, "PUT", "/templates/builtin-solo", "tok-acme",
		map[string]any{"name": "mine", "agents": []map[string]string{{"role": "dev"}}})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("builtin update = %d, want 409", resp.StatusCode)
	}
	resp, _ = env.do(t, "DELETE", "/templates/builtin-solo", "tok-acme", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("builtin delete = %d, want 409", resp.StatusCode)
	}

	// Custom templates are scoped to their tenant.
	resp, body := env.do(t, "POST", "/templates", "tok-acme",
		map[string]any{"name": "mine", "agents": []map[string]string{{"role": "dev"}}})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create template = %d %s", resp.StatusCode, body)
	}
	var tpl store.Template
	_ = json.Unmarshal(body, &tpl)
	resp, _ = env.do(t, "DELETE", "/templates/"+tpl.ID, "tok-globex", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cross-tenant template delete = %d, want 404", resp.StatusCode)
	}
}
