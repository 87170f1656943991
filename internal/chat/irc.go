// Package chat connects the orchestrator to a team's IRC daemon as an
// observer. Every PRIVMSG seen in the team's channels is handed to the
// message handler; outbound sends are relayed under the orchestrator nick.
package chat

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/crewhall/crewhall/internal/orcerr"
)

// DefaultQueueCap is the outbound queue depth while disconnected.
const DefaultQueueCap = 64

// Handler receives every channel message observed on the wire.
type Handler func(channel, nick, text string, ts time.Time)

// Client is the per-team chat connection.
type Client interface {
	// Start connects in the background and keeps reconnecting until Close.
	Start(ctx context.Context) error
	// Send relays text into the channel. While disconnected the message is
	// queued; a full queue rejects with KindConflict.
	Send(channel, text string) error
	// Join adds a channel to the watch set and joins it on the live
	// connection.
	Join(channel string) error
	Close() error
}

// Factory builds a client per team. The lifecycle manager takes one so tests
// can substitute fakes.
type Factory func(opts Options) Client

// Options configures an IRC client.
type Options struct {
	Addr      string // host:port of the team's ircd
	Nick      string
	Channels  []string
	QueueCap  int
	OnMessage Handler
}

type outbound struct {
	channel string
	text    string
}

// IRCClient speaks just enough RFC 1459 for the orchestrator: register,
// join, relay PRIVMSG, answer PING. It reconnects forever with doubling
// backoff until closed.
type IRCClient struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conn     net.Conn
	channels map[string]bool
	queue    []outbound
	started  bool
}

// NewIRC creates a client; Start must be called to connect.
func NewIRC(opts Options) *IRCClient {
	if opts.QueueCap <= 0 {
		opts.QueueCap = DefaultQueueCap
	}
	channels := make(map[string]bool, len(opts.Channels))
	for _, ch := range opts.Channels {
		channels[ch] = true
	}
	return &IRCClient{opts: opts, channels: channels}
}

// Start launches the connect/read loop. It returns immediately; connection
// failures are retried in the background.
func (c *IRCClient) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return orcerr.New(orcerr.KindConflict, "chat client already started")
	}
	c.started = true
	c.mu.Unlock()

	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.connect(); err != nil {
		slog.Warn("chat.connect_failed", "addr", c.opts.Addr, "error", err)
	}
	go c.listenLoop()
	return nil
}

// Close tears down the connection and stops reconnecting.
func (c *IRCClient) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	return nil
}

func (c *IRCClient) Send(channel, text string) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		if len(c.queue) >= c.opts.QueueCap {
			c.mu.Unlock()
			return orcerr.New(orcerr.KindConflict, "chat send queue full (%d)", c.opts.QueueCap)
		}
		c.queue = append(c.queue, outbound{channel, text})
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.writeLine(conn, fmt.Sprintf("PRIVMSG %s :%s", channel, text))
}

func (c *IRCClient) Join(channel string) error {
	c.mu.Lock()
	c.channels[channel] = true
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.writeLine(conn, "JOIN "+channel)
}

func (c *IRCClient) connect() error {
	conn, err := net.DialTimeout("tcp", c.opts.Addr, 10*time.Second)
	if err != nil {
		return orcerr.Wrap(orcerr.KindTransient, err, "dial ircd %s", c.opts.Addr)
	}

	if err := c.register(conn); err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	queued := c.queue
	c.queue = nil
	channels := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		channels = append(channels, ch)
	}
	c.mu.Unlock()

	for _, ch := range channels {
		if err := c.writeLine(conn, "JOIN "+ch); err != nil {
			return err
		}
	}
	// Flush messages queued while disconnected, in order.
	for _, m := range queued {
		if err := c.writeLine(conn, fmt.Sprintf("PRIVMSG %s :%s", m.channel, m.text)); err != nil {
			return err
		}
	}

	slog.Info("chat connected", "addr", c.opts.Addr, "nick", c.opts.Nick, "channels", len(channels))
	return nil
}

func (c *IRCClient) register(conn net.Conn) error {
	if err := c.writeLine(conn, "NICK "+c.opts.Nick); err != nil {
		return err
	}
	return c.writeLine(conn, fmt.Sprintf("USER %s 0 * :%s", c.opts.Nick, c.opts.Nick))
}

func (c *IRCClient) writeLine(conn net.Conn, line string) error {
	if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
		return orcerr.Wrap(orcerr.KindTransient, err, "chat write")
	}
	return nil
}

// listenLoop reads server lines with automatic reconnection.
func (c *IRCClient) listenLoop() {
	backoff := time.Second

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			slog.Info("chat.reconnect", "addr", c.opts.Addr, "backoff", backoff)

			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}

			if err := c.connect(); err != nil {
				slog.Warn("chat.reconnect_failed", "addr", c.opts.Addr, "error", err)
				backoff = min(backoff*2, 30*time.Second)
				continue
			}

			backoff = time.Second // reset on success
			continue
		}

		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				slog.Warn("chat read error, will reconnect", "addr", c.opts.Addr, "error", err)
				c.mu.Lock()
				if c.conn != nil {
					_ = c.conn.Close()
					c.conn = nil
				}
				c.mu.Unlock()
				break
			}
			c.handleLine(strings.TrimRight(line, "\r\n"))
		}
	}
}

func (c *IRCClient) handleLine(line string) {
	if line == "" {
		return
	}
	if strings.HasPrefix(line, "PING") {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = c.writeLine(conn, "PONG"+strings.TrimPrefix(line, "PING"))
		}
		return
	}

	nick, channel, text, ok := ParsePrivmsg(line)
	if !ok || nick == c.opts.Nick {
		return
	}
	if c.opts.OnMessage != nil {
		c.opts.OnMessage(channel, nick, text, time.Now())
	}
}

// ParsePrivmsg extracts (nick, channel, text) from a server-relayed PRIVMSG
// line like ":dev-1!u@h PRIVMSG #tasks :[DONE] task completed". Non-channel
// targets and other commands return ok=false.
func ParsePrivmsg(line string) (nick, channel, text string, ok bool) {
	if !strings.HasPrefix(line, ":") {
		return "", "", "", false
	}
	rest := line[1:]
	sp := strings.IndexByte(rest, ' ')
	if sp < 0 {
		return "", "", "", false
	}
	prefix, rest := rest[:sp], rest[sp+1:]
	if bang := strings.IndexByte(prefix, '!'); bang >= 0 {
		prefix = prefix[:bang]
	}

	if !strings.HasPrefix(rest, "PRIVMSG ") {
		return "", "", "", false
	}
	rest = strings.TrimPrefix(rest, "PRIVMSG ")
	sp = strings.IndexByte(rest, ' ')
	if sp < 0 {
		return "", "", "", false
	}
	target, rest := rest[:sp], rest[sp+1:]
	if !strings.HasPrefix(target, "#") {
		return "", "", "", false
	}
	if !strings.HasPrefix(rest, ":") {
		return "", "", "", false
	}
	return prefix, target, rest[1:], true
}
