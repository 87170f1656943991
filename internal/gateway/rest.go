package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/crewhall/crewhall/internal/auth"
	"github.com/crewhall/crewhall/internal/lifecycle"
	"github.com/crewhall/crewhall/internal/orcerr"
	"github.com/crewhall/crewhall/internal/router"
	"github.com/crewhall/crewhall/internal/store"
)

type restHandler func(w http.ResponseWriter, r *http.Request, p auth.Principal)

// authed wraps a handler with bearer auth and per-tenant rate limiting.
func (s *Server) authed(h restHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		p, err := s.verifier.VerifyToken(r.Context(), token)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		if !s.limiter.Allow(p.TenantID) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		h(w, r, p)
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return after
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			slog.Error("gateway.encode_failed", "error", err)
		}
	}
}

// writeError maps error kinds to HTTP statuses. Validation details go to the
// caller; internal errors are logged and reported opaquely.
func writeError(w http.ResponseWriter, err error) {
	status := orcerr.HTTPStatus(err)
	msg := err.Error()
	if status >= 500 {
		slog.Error("gateway.request_failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return orcerr.Wrap(orcerr.KindValidation, err, "request body")
	}
	return nil
}

// normalizeChannel accepts "main", "#main", and the percent-decoded "%23main"
// form, always returning the "#"-prefixed name.
func normalizeChannel(name string) string {
	name = strings.TrimPrefix(name, "#")
	return "#" + name
}

func (s *Server) handleCreateTeam(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var spec lifecycle.TeamSpec
	if err := decodeBody(r, &spec); err != nil {
		writeError(w, err)
		return
	}
	team, err := s.manager.CreateTeam(r.Context(), p.TenantID, spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, team)
}

func (s *Server) handleListTeams(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	teams, err := s.manager.Teams(r.Context(), p.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	if teams == nil {
		teams = []*store.Team{}
	}
	writeJSON(w, http.StatusOK, teams)
}

func (s *Server) handleGetTeam(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	team, err := s.manager.Team(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *Server) handleUpdateTeam(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var patch lifecycle.TeamPatch
	if err := decodeBody(r, &patch); err != nil {
		writeError(w, err)
		return
	}
	team, err := s.manager.UpdateTeam(r.Context(), p.TenantID, r.PathValue("id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *Server) handleDeleteTeam(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	if err := s.manager.DeleteTeam(r.Context(), p.TenantID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartTeam(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	team, err := s.manager.StartTeam(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *Server) handleStopTeam(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	team, err := s.manager.StopTeam(r.Context(), p.TenantID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, team)
}

func (s *Server) handleAddAgent(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var spec lifecycle.AgentSpec
	if err := decodeBody(r, &spec); err != nil {
		writeError(w, err)
		return
	}
	agent, err := s.manager.AddAgent(r.Context(), p.TenantID, r.PathValue("id"), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

func (s *Server) handleRemoveAgent(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	err := s.manager.RemoveAgent(r.Context(), p.TenantID, r.PathValue("id"), r.PathValue("aid"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type controlRequest struct {
	Message string   `json:"message,omitempty"`
	Command []string `json:"command,omitempty"`
}

func (s *Server) handleAgentControl(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	teamID, agentID := r.PathValue("id"), r.PathValue("aid")

	var req controlRequest
	if r.ContentLength > 0 {
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	var err error
	switch op := r.PathValue("op"); op {
	case "nudge":
		err = s.manager.NudgeAgent(r.Context(), p.TenantID, teamID, agentID, req.Message)
	case "interrupt":
		err = s.manager.InterruptAgent(r.Context(), p.TenantID, teamID, agentID)
	case "directive":
		err = s.manager.DirectiveAgent(r.Context(), p.TenantID, teamID, agentID, req.Message)
	case "exec":
		err = s.manager.ExecAgent(r.Context(), p.TenantID, teamID, agentID, req.Command)
	default:
		err = orcerr.New(orcerr.KindNotFound, "unknown control operation %q", op)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChannelMessages(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	teamID := r.PathValue("id")
	if _, err := s.manager.Team(r.Context(), p.TenantID, teamID); err != nil {
		writeError(w, err)
		return
	}
	msgs := s.msgs.Recent(teamID, normalizeChannel(r.PathValue("name")))
	if msgs == nil {
		msgs = []router.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type publishRequest struct {
	Text string `json:"text"`
	Nick string `json:"nick,omitempty"`
}

// handlePublishMessage injects an operator message into a channel: relayed
// to the chat server and echoed through the broadcaster like any other line.
func (s *Server) handlePublishMessage(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	teamID := r.PathValue("id")
	team, err := s.manager.Team(r.Context(), p.TenantID, teamID)
	if err != nil {
		writeError(w, err)
		return
	}

	var req publishRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, orcerr.New(orcerr.KindValidation, "text must not be empty"))
		return
	}
	channel := normalizeChannel(r.PathValue("name"))
	known := false
	for _, ch := range team.Channels {
		if ch == channel {
			known = true
			break
		}
	}
	if !known {
		writeError(w, orcerr.New(orcerr.KindNotFound, "channel %s not found", channel))
		return
	}
	nick := req.Nick
	if nick == "" {
		nick = s.cfg.Chat.Nick
	}

	if err := s.manager.SendChat(r.Context(), teamID, channel, req.Text); err != nil {
		writeError(w, err)
		return
	}
	msg := s.msgs.Route(router.Inbound{
		TeamID:   teamID,
		TenantID: p.TenantID,
		Channel:  channel,
		Nick:     nick,
		Text:     req.Text,
		Time:     time.Now(),
	})
	writeJSON(w, http.StatusCreated, msg)
}

// handleHeartbeat ingests container liveness pings. Always 200: the reporter
// learns nothing about which teams or agents exist.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	s.manager.Heartbeat(r.Context(), r.PathValue("team"), r.PathValue("agent"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	tpls, err := s.stores.Templates.List(r.Context(), p.TenantID)
	if err != nil {
		writeError(w, err)
		return
	}
	if tpls == nil {
		tpls = []*store.Template{}
	}
	writeJSON(w, http.StatusOK, tpls)
}

type templateRequest struct {
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Agents      []store.TemplateAgent `json:"agents"`
	Env         map[string]string     `json:"env,omitempty"`
	Tags        []string              `json:"tags,omitempty"`
}

func (req *templateRequest) validate() error {
	if strings.TrimSpace(req.Name) == "" {
		return orcerr.New(orcerr.KindValidation, "template name must not be empty")
	}
	if len(req.Agents) == 0 {
		return orcerr.New(orcerr.KindValidation, "template needs at least one agent")
	}
	for _, a := range req.Agents {
		if strings.TrimSpace(a.Role) == "" {
			return orcerr.New(orcerr.KindValidation, "template agent role must not be empty")
		}
	}
	return nil
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	var req templateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	now := time.Now().UTC()
	tpl := &store.Template{
		ID:          uuid.NewString(),
		TenantID:    p.TenantID,
		Name:        strings.TrimSpace(req.Name),
		Description: req.Description,
		Agents:      req.Agents,
		Env:         req.Env,
		Tags:        req.Tags,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.stores.Templates.Create(r.Context(), tpl); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tpl)
}

// templateForWrite loads a template and rejects writes to builtins or to
// other tenants' templates.
func (s *Server) templateForWrite(r *http.Request, p auth.Principal) (*store.Template, error) {
	tpl, err := s.stores.Templates.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if tpl.Builtin {
		return nil, orcerr.New(orcerr.KindConflict, "builtin templates are read-only")
	}
	if tpl.TenantID != p.TenantID {
		return nil, orcerr.New(orcerr.KindNotFound, "template %s not found", tpl.ID)
	}
	return tpl, nil
}

func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	tpl, err := s.templateForWrite(r, p)
	if err != nil {
		writeError(w, err)
		return
	}
	var req templateRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	tpl.Name = strings.TrimSpace(req.Name)
	tpl.Description = req.Description
	tpl.Agents = req.Agents
	tpl.Env = req.Env
	tpl.Tags = req.Tags
	tpl.UpdatedAt = time.Now().UTC()
	if err := s.stores.Templates.Update(r.Context(), tpl); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	if _, err := s.templateForWrite(r, p); err != nil {
		writeError(w, err)
		return
	}
	if err := s.stores.Templates.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMintExchange issues a one-shot WS token so browsers never hold the
// long-lived API token.
func (s *Server) handleMintExchange(w http.ResponseWriter, r *http.Request, p auth.Principal) {
	token, err := s.verifier.MintExchange(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}
