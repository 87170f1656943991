package chat

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crewhall/crewhall/internal/orcerr"
)

func TestParsePrivmsg(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		nick    string
		channel string
		text    string
		ok      bool
	}{
		{"plain", ":dev-1!u@host PRIVMSG #tasks :hello there", "dev-1", "#tasks", "hello there", true},
		{"tagged", ":lead-1!u@host PRIVMSG #merges :[APPROVED] pr 7", "lead-1", "#merges", "[APPROVED] pr 7", true},
		{"no user part", ":dev-1 PRIVMSG #main :hi", "dev-1", "#main", "hi", true},
		{"empty text", ":dev-1!u@h PRIVMSG #main :", "dev-1", "#main", "", true},
		{"direct message ignored", ":dev-1!u@h PRIVMSG crewhall :psst", "", "", "", false},
		{"numeric ignored", ":server 001 crewhall :Welcome", "", "", "", false},
		{"join ignored", ":dev-1!u@h JOIN #main", "", "", "", false},
		{"no prefix", "PRIVMSG #main :hi", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nick, channel, text, ok := ParsePrivmsg(tt.line)
			if ok != tt.ok || nick != tt.nick || channel != tt.channel || text != tt.text {
				t.Errorf("ParsePrivmsg(%q) = (%q, %q, %q, %v), want (%q, %q, %q, %v)",
					tt.line, nick, channel, text, ok, tt.nick, tt.channel, tt.text, tt.ok)
			}
		})
	}
}

func TestSendQueuesWhileDisconnected(t *testing.T) {
	c := NewIRC(Options{Addr: "127.0.0.1:1", Nick: "crewhall", QueueCap: 3})

	for i := 0; i < 3; i++ {
		if err := c.Send("#main", fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	err := c.Send("#main", "overflow")
	if orcerr.KindOf(err) != orcerr.KindConflict {
		t.Errorf("full queue kind = %v, want Conflict", orcerr.KindOf(err))
	}
}

// testServer is a single-connection ircd stand-in recording inbound lines.
type testServer struct {
	ln net.Listener

	mu    sync.Mutex
	lines []string
	conn  net.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := &testServer{ln: ln}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			s.mu.Lock()
			s.lines = append(s.lines, strings.TrimRight(line, "\r\n"))
			s.mu.Unlock()
		}
	}()
	return s
}

func (s *testServer) addr() string { return s.ln.Addr().String() }

func (s *testServer) send(t *testing.T, line string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			if _, err := conn.Write([]byte(line + "\r\n")); err != nil {
				t.Fatalf("server write: %v", err)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("client never connected")
}

func (s *testServer) waitLine(t *testing.T, prefix string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, l := range s.lines {
			if strings.HasPrefix(l, prefix) {
				s.mu.Unlock()
				return l
			}
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no line with prefix %q seen", prefix)
	return ""
}

func TestConnectRegistersAndFlushesQueue(t *testing.T) {
	srv := newTestServer(t)
	c := NewIRC(Options{Addr: srv.addr(), Nick: "crewhall", Channels: []string{"#main"}})

	// Queued before the connection exists; must flush on connect.
	if err := c.Send("#main", "queued hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close()

	srv.waitLine(t, "NICK crewhall")
	srv.waitLine(t, "USER crewhall")
	srv.waitLine(t, "JOIN #main")
	if got := srv.waitLine(t, "PRIVMSG"); got != "PRIVMSG #main :queued hello" {
		t.Errorf("flushed line = %q", got)
	}
}

func TestPingPong(t *testing.T) {
	srv := newTestServer(t)
	c := NewIRC(Options{Addr: srv.addr(), Nick: "crewhall"})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close()

	srv.send(t, "PING :abc123")
	if got := srv.waitLine(t, "PONG"); got != "PONG :abc123" {
		t.Errorf("pong = %q", got)
	}
}

func TestInboundMessagesReachHandler(t *testing.T) {
	srv := newTestServer(t)
	got := make(chan [3]string, 4)
	c := NewIRC(Options{
		Addr: srv.addr(),
		Nick: "crewhall",
		OnMessage: func(channel, nick, text string, _ time.Time) {
			got <- [3]string{channel, nick, text}
		},
	})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close()

	srv.waitLine(t, "NICK")
	srv.send(t, ":dev-1!u@h PRIVMSG #tasks :[DONE] task completed")
	// Our own relayed lines must not loop back through the handler.
	srv.send(t, ":crewhall!u@h PRIVMSG #tasks :operator says hi")
	srv.send(t, ":dev-2!u@h PRIVMSG #tasks :next")

	want := [][3]string{
		{"#tasks", "dev-1", "[DONE] task completed"},
		{"#tasks", "dev-2", "next"},
	}
	for _, w := range want {
		select {
		case m := <-got:
			if m != w {
				t.Errorf("message = %v, want %v", m, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("handler never saw %v", w)
		}
	}
}

func TestJoinOnLiveConnection(t *testing.T) {
	srv := newTestServer(t)
	c := NewIRC(Options{Addr: srv.addr(), Nick: "crewhall"})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close()

	srv.waitLine(t, "NICK")
	if err := c.Join("#retro"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	srv.waitLine(t, "JOIN #retro")
}
