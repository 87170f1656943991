package lifecycle

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/crewhall/crewhall/internal/store"
)

// projectPrefix namespaces compose projects so stray projects on the same
// engine are never touched by rehydration.
const projectPrefix = "crew-"

// chatService is the compose service name of the team's IRC daemon.
const chatService = "ircd"

func projectName(teamID string) string { return projectPrefix + teamID }

// composeParams feeds the topology template. One ircd service plus one
// service per agent, all on a private network with a shared workspace
// volume.
type composeParams struct {
	Project      string
	Team         *store.Team
	AgentImage   string
	ChatImage    string
	Network      string
	ChatHost     string
	ChatPort     int
	HeartbeatURL string
	SidecarPipe  string
}

var composeTmpl = template.Must(template.New("compose").Parse(`name: {{ .Project }}
services:
  ircd:
    image: {{ .ChatImage }}
    restart: unless-stopped
    networks:
      - crew
    ports:
      - "{{ .ChatHost }}:{{ .ChatPort }}:6667"
{{- range .Team.Agents }}
{{- if ne .Status "removed" }}
  {{ .ID }}:
    image: {{ $.AgentImage }}
    restart: unless-stopped
    environment:
      CREW_TEAM_ID: {{ $.Team.ID }}
      CREW_AGENT_ID: {{ .ID }}
      CREW_ROLE: {{ .Role }}
      CREW_MODEL: {{ .Model }}
      CREW_RUNTIME: {{ .Runtime }}
      CREW_REPO_URL: {{ $.Team.RepoURL }}
      CREW_CHAT_ADDR: ircd:6667
      CREW_HEARTBEAT_URL: {{ $.HeartbeatURL }}
      CREW_CONTROL_PIPE: {{ $.SidecarPipe }}
    volumes:
      - workspace:/workspace
    networks:
      - crew
    depends_on:
      - ircd
{{- end }}
{{- end }}
networks:
  crew:
    driver: {{ .Network }}
volumes:
  workspace:
`))

// renderCompose produces the compose YAML for a team's current roster.
// Removed agents are excluded; compose up with orphan removal tears their
// containers down.
func (m *Manager) renderCompose(team *store.Team) ([]byte, error) {
	var buf bytes.Buffer
	err := composeTmpl.Execute(&buf, composeParams{
		Project:      projectName(team.ID),
		Team:         team,
		AgentImage:   m.cfg.Driver.AgentImage,
		ChatImage:    m.cfg.Driver.ChatImage,
		Network:      m.cfg.Driver.Network,
		ChatHost:     m.cfg.Chat.Host,
		ChatPort:     team.ChatPort,
		HeartbeatURL: fmt.Sprintf("http://host.docker.internal:%d/heartbeat/%s", m.cfg.Server.Port, team.ID),
		SidecarPipe:  m.cfg.Driver.SidecarPipe,
	})
	if err != nil {
		return nil, fmt.Errorf("render compose for %s: %w", team.ID, err)
	}
	return buf.Bytes(), nil
}
