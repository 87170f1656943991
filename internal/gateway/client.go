package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/crewhall/crewhall/internal/auth"
	"github.com/crewhall/crewhall/internal/bus"
	"github.com/crewhall/crewhall/internal/orcerr"
	"github.com/crewhall/crewhall/internal/sidecar"
	"github.com/crewhall/crewhall/pkg/protocol"
)

const (
	// sendQueueCap bounds the per-connection outbound queue; a full queue
	// terminates the connection with an overflow frame.
	sendQueueCap = 256

	pingInterval = 30 * time.Second
	// pongWait allows two missed pongs before the connection is cut.
	pongWait  = 2*pingInterval + 5*time.Second
	writeWait = 10 * time.Second

	// pendingInputCap bounds console input buffered while the PTY is still
	// opening; excess frames are dropped.
	pendingInputCap = 64
)

// consoleState is one agent console on this connection: either an open
// attachment or input buffered while the attach is in flight.
type consoleState struct {
	att     *sidecar.Attachment
	pending [][]byte
}

// Client is one push-channel session: auth, one team subscription, and any
// number of console attachments.
type Client struct {
	id   string
	conn *websocket.Conn
	srv  *Server

	send chan protocol.Frame
	done chan struct{}
	once sync.Once
	wmu  sync.Mutex // serializes socket writes (pump + terminal frames)

	mu        sync.Mutex
	principal *auth.Principal
	teamID    string
	sub       *bus.Subscription
	consoles  map[string]*consoleState
}

func NewClient(conn *websocket.Conn, srv *Server) *Client {
	return &Client{
		id:       uuid.NewString(),
		conn:     conn,
		srv:      srv,
		send:     make(chan protocol.Frame, sendQueueCap),
		done:     make(chan struct{}),
		consoles: make(map[string]*consoleState),
	}
}

// Run services the connection until it drops. The caller's goroutine becomes
// the read loop; writes happen on a dedicated pump.
func (c *Client) Run(ctx context.Context) {
	go c.writePump()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame protocol.Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		// Auth failures close the connection inside the handler; other
		// errors (console attach on a dead agent, bad frame) are reported
		// and the session continues.
		if err := c.handleFrame(ctx, frame); err != nil {
			c.enqueue(protocol.NewErrorFrame(err.Error()))
		}
	}
}

func (c *Client) handleFrame(ctx context.Context, frame protocol.Frame) error {
	switch frame.Type {
	case protocol.FrameAuth:
		return c.handleAuth(ctx, frame)
	case protocol.FrameSubscribe:
		return c.handleSubscribe(ctx, frame)
	case protocol.FrameConsoleAttach:
		return c.handleConsoleAttach(ctx, frame)
	case protocol.FrameConsoleDetach:
		return c.handleConsoleDetach(frame)
	case protocol.FrameConsoleInput:
		return c.handleConsoleInput(frame)
	default:
		return orcerr.New(orcerr.KindValidation, "unknown frame type %q", frame.Type)
	}
}

func (c *Client) handleAuth(ctx context.Context, frame protocol.Frame) error {
	p, err := c.srv.verifier.VerifyToken(ctx, frame.Token)
	if err != nil {
		// Terminal: one bad token closes the connection. The frame goes out
		// directly; Close would win the race against the write pump.
		c.sendDirect(protocol.NewErrorFrame("authentication failed"))
		c.Close()
		return nil
	}
	c.mu.Lock()
	c.principal = &p
	c.mu.Unlock()
	c.enqueue(protocol.Frame{Type: protocol.FrameAuthenticated})
	return nil
}

func (c *Client) handleSubscribe(ctx context.Context, frame protocol.Frame) error {
	c.mu.Lock()
	p := c.principal
	already := c.sub != nil
	c.mu.Unlock()
	if p == nil {
		c.sendDirect(protocol.NewErrorFrame("authenticate first"))
		c.Close()
		return nil
	}
	if already {
		return orcerr.New(orcerr.KindConflict, "already subscribed")
	}

	teamID := frame.TeamID
	if teamID != bus.WildcardTeam {
		if _, err := c.srv.manager.Team(ctx, p.TenantID, teamID); err != nil {
			// Not the tenant's team: close, as for any auth failure.
			c.sendDirect(protocol.NewErrorFrame("team not found"))
			c.Close()
			return nil
		}
	}

	sub := c.srv.b.Subscribe(bus.Scope{TenantID: p.TenantID, TeamID: teamID}, sendQueueCap)
	c.mu.Lock()
	c.teamID = teamID
	c.sub = sub
	c.mu.Unlock()

	c.enqueue(protocol.Frame{Type: protocol.FrameSubscribed, TeamID: teamID})
	go c.eventPump(sub)
	return nil
}

// eventPump forwards broadcaster events until the subscription ends. A
// subscription closed for overflow (or team teardown) terminates the whole
// connection; the terminal frame tells the client why.
func (c *Client) eventPump(sub *bus.Subscription) {
	for ev := range sub.Events() {
		payload, err := json.Marshal(ev)
		if err != nil {
			slog.Error("gateway.event_marshal_failed", "error", err)
			continue
		}
		c.enqueue(protocol.Frame{Type: string(ev.Kind), TeamID: ev.TeamID, Event: payload})
	}

	switch sub.Reason() {
	case bus.ReasonOverflow:
		c.sendDirect(protocol.Frame{Type: protocol.FrameOverflow, Error: "subscriber too slow"})
	}
	c.Close()
}

func (c *Client) handleConsoleAttach(ctx context.Context, frame protocol.Frame) error {
	c.mu.Lock()
	p, teamID := c.principal, c.teamID
	if p == nil || c.sub == nil {
		c.mu.Unlock()
		return orcerr.New(orcerr.KindValidation, "subscribe before console.attach")
	}
	if _, dup := c.consoles[frame.AgentID]; dup {
		c.mu.Unlock()
		return orcerr.New(orcerr.KindConflict, "console already attached for %s", frame.AgentID)
	}
	// Reserve the slot, then open the PTY off the read loop: input frames
	// arriving in the meantime buffer against the reservation.
	st := &consoleState{}
	c.consoles[frame.AgentID] = st
	c.mu.Unlock()

	go c.openConsole(ctx, p.TenantID, teamID, frame.AgentID, st)
	return nil
}

// openConsole completes a console.attach: opens the PTY, flushes input
// buffered during the open, and starts the output pump. Failure drops the
// reservation (and any buffered input) and reports an error frame.
func (c *Client) openConsole(ctx context.Context, tenantID, teamID, agentID string, st *consoleState) {
	att, err := c.srv.manager.AttachConsole(ctx, tenantID, teamID, agentID, c.id)
	if err != nil {
		c.mu.Lock()
		delete(c.consoles, agentID)
		c.mu.Unlock()
		c.enqueue(protocol.NewErrorFrame(err.Error()))
		return
	}

	// Drain buffered input before publishing the attachment, so input that
	// raced the open cannot overtake it.
	c.mu.Lock()
	for len(st.pending) > 0 {
		pending := st.pending
		st.pending = nil
		c.mu.Unlock()
		for _, input := range pending {
			if _, err := att.Write(input); err != nil {
				break
			}
		}
		c.mu.Lock()
	}
	if _, reserved := c.consoles[agentID]; !reserved {
		// Detached or closed while the open was in flight.
		c.mu.Unlock()
		att.Detach()
		return
	}
	st.att = att
	c.mu.Unlock()

	c.enqueue(protocol.Frame{Type: protocol.EventConsoleAttached, TeamID: teamID, AgentID: agentID})
	go c.consolePump(teamID, agentID, att)
}

// consolePump streams PTY output to the client as base64 console.data
// frames until the attachment ends.
func (c *Client) consolePump(teamID, agentID string, att *sidecar.Attachment) {
	for chunk := range att.Output() {
		c.enqueue(protocol.Frame{
			Type:    protocol.EventConsoleData,
			TeamID:  teamID,
			AgentID: agentID,
			Data:    base64.StdEncoding.EncodeToString(chunk),
		})
	}

	c.mu.Lock()
	_, open := c.consoles[agentID]
	delete(c.consoles, agentID)
	c.mu.Unlock()
	if open {
		c.enqueue(protocol.Frame{Type: protocol.EventConsoleDetached, TeamID: teamID, AgentID: agentID})
	}
}

func (c *Client) handleConsoleDetach(frame protocol.Frame) error {
	c.mu.Lock()
	st, ok := c.consoles[frame.AgentID]
	delete(c.consoles, frame.AgentID)
	teamID := c.teamID
	c.mu.Unlock()
	if !ok {
		return orcerr.New(orcerr.KindNotFound, "no console attached for %s", frame.AgentID)
	}
	// att is nil while the open is still in flight; dropping the
	// reservation makes openConsole release the attachment on completion.
	if st.att != nil {
		st.att.Detach()
	}
	c.enqueue(protocol.Frame{Type: protocol.EventConsoleDetached, TeamID: teamID, AgentID: frame.AgentID})
	return nil
}

func (c *Client) handleConsoleInput(frame protocol.Frame) error {
	data, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		return orcerr.Wrap(orcerr.KindValidation, err, "console input")
	}

	c.mu.Lock()
	st, ok := c.consoles[frame.AgentID]
	if !ok {
		c.mu.Unlock()
		return orcerr.New(orcerr.KindNotFound, "no console attached for %s", frame.AgentID)
	}
	if st.att == nil {
		// PTY still opening; buffer within bounds, drop beyond.
		if len(st.pending) < pendingInputCap {
			st.pending = append(st.pending, data)
		}
		c.mu.Unlock()
		return nil
	}
	att := st.att
	c.mu.Unlock()

	_, err = att.Write(data)
	return err
}

// enqueue queues a frame for the write pump. A full queue means the client
// is not draining: terminate with an overflow frame.
func (c *Client) enqueue(frame protocol.Frame) {
	select {
	case c.send <- frame:
	case <-c.done:
	default:
		slog.Warn("gateway.client_overflow", "id", c.id)
		c.sendDirect(protocol.Frame{Type: protocol.FrameOverflow, Error: "client too slow"})
		c.Close()
	}
}

// sendDirect bypasses the queue for terminal frames.
func (c *Client) sendDirect(frame protocol.Frame) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.conn.WriteJSON(frame)
}

func (c *Client) writeFrame(frame protocol.Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(frame)
}

func (c *Client) writePing() error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			if err := c.writeFrame(frame); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.writePing(); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close tears the session down: detach consoles, unsubscribe, close the
// socket. Safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)

		c.mu.Lock()
		sub := c.sub
		consoles := c.consoles
		c.consoles = make(map[string]*consoleState)
		c.mu.Unlock()

		for _, st := range consoles {
			if st.att != nil {
				st.att.Detach()
			}
		}
		if sub != nil {
			c.srv.b.Unsubscribe(sub.ID())
		}
		_ = c.conn.Close()
	})
}
