// Package router ingests every inbound chat message: it parses bracket-tags,
// stores the message in a per-(team,channel) ring buffer for snapshot reads,
// and hands a normalized event to the broadcaster.
package router

import (
	"strings"
	"sync"
	"time"

	"github.com/crewhall/crewhall/internal/bus"
)

// DefaultCapacity is the per-channel ring buffer size.
const DefaultCapacity = 500

// Message is one routed chat line.
type Message struct {
	Time    time.Time `json:"time"` // UTC
	TeamID  string    `json:"team_id"`
	Channel string    `json:"channel"`
	Nick    string    `json:"nick"`
	Text    string    `json:"text"`
	Tag     *string   `json:"tag"`
	TagBody *string   `json:"tag_body"`
}

// Inbound is the raw message handed to Route by a chat client or the REST
// publish endpoint.
type Inbound struct {
	TeamID   string
	TenantID string
	Channel  string
	Nick     string
	Text     string
	Time     time.Time
}

type channelKey struct {
	teamID  string
	channel string
}

type channelBuffer struct {
	mu   sync.Mutex
	ring *ring
}

// Router is stateless apart from the ring buffers. Route is safe under
// concurrent invocation across teams and serialized per (team, channel) by
// the buffer latch.
type Router struct {
	capacity int
	b        *bus.Broadcaster

	mu      sync.RWMutex
	buffers map[channelKey]*channelBuffer
}

// New creates a router publishing to b. capacity <= 0 uses DefaultCapacity.
func New(b *bus.Broadcaster, capacity int) *Router {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Router{
		capacity: capacity,
		b:        b,
		buffers:  make(map[channelKey]*channelBuffer),
	}
}

// Route normalizes, buffers, and broadcasts one message.
func (r *Router) Route(in Inbound) Message {
	ts := in.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	tag, body := ParseTag(in.Text)
	msg := Message{
		Time:    ts.UTC(),
		TeamID:  in.TeamID,
		Channel: in.Channel,
		Nick:    in.Nick,
		Text:    in.Text,
		Tag:     tag,
		TagBody: body,
	}

	buf := r.buffer(channelKey{in.TeamID, in.Channel})
	buf.mu.Lock()
	buf.ring.push(msg)
	buf.mu.Unlock()

	r.b.Publish(bus.Event{
		Kind:     bus.KindMessage,
		TeamID:   in.TeamID,
		TenantID: in.TenantID,
		Time:     msg.Time,
		Message: &bus.ChatMessage{
			Channel: msg.Channel,
			Nick:    msg.Nick,
			Text:    msg.Text,
			Tag:     msg.Tag,
			TagBody: msg.TagBody,
		},
	})
	return msg
}

// Recent returns a consistent snapshot of the channel's buffer, oldest first.
func (r *Router) Recent(teamID, channel string) []Message {
	r.mu.RLock()
	buf, ok := r.buffers[channelKey{teamID, channel}]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return buf.ring.snapshot()
}

// Clear drops all buffers for a team. Invoked by the lifecycle manager on
// team delete.
func (r *Router) Clear(teamID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.buffers {
		if k.teamID == teamID {
			delete(r.buffers, k)
		}
	}
}

// buffer returns the channel's ring, creating it lazily on first message.
func (r *Router) buffer(k channelKey) *channelBuffer {
	r.mu.RLock()
	buf, ok := r.buffers[k]
	r.mu.RUnlock()
	if ok {
		return buf
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if buf, ok = r.buffers[k]; ok {
		return buf
	}
	buf = &channelBuffer{ring: newRing(r.capacity)}
	r.buffers[k] = buf
	return buf
}

// ParseTag extracts a leading bracket-tag. Tags are upper-only by policy:
// "[DONE] task x" yields ("DONE", "task x"); "[done] x" yields no tag.
func ParseTag(text string) (tag, body *string) {
	if !strings.HasPrefix(text, "[") {
		return nil, nil
	}
	end := strings.IndexByte(text, ']')
	if end <= 1 {
		return nil, nil
	}
	token := text[1:end]
	for _, c := range token {
		if (c < 'A' || c > 'Z') && c != '_' {
			return nil, nil
		}
	}
	rest := strings.TrimLeft(text[end+1:], " \t")
	return &token, &rest
}
