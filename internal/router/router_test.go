package router

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/crewhall/crewhall/internal/bus"
)

func TestParseTag(t *testing.T) {
	strp := func(s string) *string { return &s }
	tests := []struct {
		name string
		text string
		tag  *string
		body *string
	}{
		{"tagged", "[DONE] task completed", strp("DONE"), strp("task completed")},
		{"underscore tag", "[NEEDS_REVIEW] pr 42", strp("NEEDS_REVIEW"), strp("pr 42")},
		{"no body", "[ACK]", strp("ACK"), strp("")},
		{"lowercase rejected", "[done] task", nil, nil},
		{"mixed case rejected", "[Done] task", nil, nil},
		{"digits rejected", "[V2] ship", nil, nil},
		{"plain text", "just chatting", nil, nil},
		{"empty brackets", "[] hm", nil, nil},
		{"unclosed", "[DONE task", nil, nil},
		{"not leading", "ok [DONE] x", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tag, body := ParseTag(tt.text)
			if !eqStrPtr(tag, tt.tag) || !eqStrPtr(body, tt.body) {
				t.Errorf("ParseTag(%q) = (%v, %v), want (%v, %v)",
					tt.text, deref(tag), deref(body), deref(tt.tag), deref(tt.body))
			}
		})
	}
}

func TestRouteBuffersAndBroadcasts(t *testing.T) {
	b := bus.NewBroadcaster()
	sub := b.Subscribe(bus.Scope{TenantID: "acme", TeamID: "alpha"}, 8)
	r := New(b, 0)

	r.Route(Inbound{TeamID: "alpha", TenantID: "acme", Channel: "#tasks", Nick: "dev-1", Text: "[DONE] task completed"})
	r.Route(Inbound{TeamID: "alpha", TenantID: "acme", Channel: "#tasks", Nick: "dev-1", Text: "just chatting"})

	msgs := r.Recent("alpha", "#tasks")
	if len(msgs) != 2 {
		t.Fatalf("Recent = %d messages, want 2", len(msgs))
	}
	if msgs[0].Tag == nil || *msgs[0].Tag != "DONE" || *msgs[0].TagBody != "task completed" {
		t.Errorf("first message tag = %v/%v", deref(msgs[0].Tag), deref(msgs[0].TagBody))
	}
	if msgs[1].Tag != nil || msgs[1].TagBody != nil {
		t.Errorf("second message tag = %v/%v, want nil/nil", msgs[1].Tag, msgs[1].TagBody)
	}

	ev := <-sub.Events()
	if ev.Kind != bus.KindMessage || ev.Message.Channel != "#tasks" || ev.Message.Nick != "dev-1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestRingOverflowKeepsNewest(t *testing.T) {
	b := bus.NewBroadcaster()
	r := New(b, 5)

	for i := 0; i < 8; i++ {
		r.Route(Inbound{TeamID: "alpha", Channel: "#main", Nick: "n", Text: fmt.Sprintf("m%d", i)})
	}
	msgs := r.Recent("alpha", "#main")
	if len(msgs) != 5 {
		t.Fatalf("Recent = %d, want 5", len(msgs))
	}
	for i, m := range msgs {
		if want := fmt.Sprintf("m%d", i+3); m.Text != want {
			t.Errorf("msgs[%d] = %q, want %q", i, m.Text, want)
		}
	}
}

func TestRecentUnknownChannel(t *testing.T) {
	r := New(bus.NewBroadcaster(), 0)
	if got := r.Recent("alpha", "#nope"); got != nil {
		t.Errorf("Recent(unknown) = %v, want nil", got)
	}
}

func TestClearDropsTeamBuffers(t *testing.T) {
	r := New(bus.NewBroadcaster(), 0)
	r.Route(Inbound{TeamID: "alpha", Channel: "#main", Nick: "n", Text: "a"})
	r.Route(Inbound{TeamID: "beta", Channel: "#main", Nick: "n", Text: "b"})

	r.Clear("alpha")
	if got := r.Recent("alpha", "#main"); got != nil {
		t.Errorf("alpha buffer survived Clear: %v", got)
	}
	if got := r.Recent("beta", "#main"); len(got) != 1 {
		t.Errorf("beta buffer affected by Clear(alpha): %v", got)
	}
}

func TestRouteConcurrentTeams(t *testing.T) {
	r := New(bus.NewBroadcaster(), 0)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			team := fmt.Sprintf("team-%d", g%4)
			for i := 0; i < 50; i++ {
				r.Route(Inbound{TeamID: team, Channel: "#main", Nick: "n", Text: "x", Time: time.Now()})
			}
		}(g)
	}
	wg.Wait()
	for g := 0; g < 4; g++ {
		if got := len(r.Recent(fmt.Sprintf("team-%d", g), "#main")); got != 100 {
			t.Errorf("team-%d buffered %d, want 100", g, got)
		}
	}
}

func eqStrPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}
