// Package realtime maintains the one live push-channel connection for a
// (server, page) pair: it translates wire envelopes into typed events,
// reconnects on a fixed delay, and tracks ephemeral typing state.
package realtime

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

// Conn is the slice of *websocket.Conn the client uses; tests substitute a
// counting double through Options.Dial.
type Conn interface {
	Receive() ([]byte, error)
	Send([]byte) error
	Close() error
}

type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Receive() ([]byte, error) {
	var raw []byte
	if err := websocket.Message.Receive(c.ws, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *wsConn) Send(raw []byte) error {
	return websocket.Message.Send(c.ws, raw)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}

// Options configures a client. Token is consulted on every (re)connect so a
// refreshed session is picked up without a manual reconnect.
type Options struct {
	URL          string
	PageID       string
	Token        func() string
	ReconnectGap time.Duration // default 3s
	TypingTTL    time.Duration // default 3s
	Dial         func(rawurl string) (Conn, error)
}

// Client owns exactly one live connection. Create with New, start with
// Connect, and always Destroy on teardown or the reconnect timer keeps the
// client alive as a zombie.
type Client struct {
	opts   Options
	events Events

	mu        sync.Mutex
	conn      Conn
	connected bool
	destroyed bool
	reconnect *time.Timer
	gen       int

	typingMu sync.Mutex
	typing   map[string]map[string]time.Time
}

// New builds a client. Events callbacks may be partially populated.
func New(opts Options, events Events) *Client {
	if opts.ReconnectGap <= 0 {
		opts.ReconnectGap = 3 * time.Second
	}
	if opts.TypingTTL <= 0 {
		opts.TypingTTL = 3 * time.Second
	}
	if opts.Dial == nil {
		opts.Dial = func(rawurl string) (Conn, error) {
			origin := "http://localhost/"
			ws, err := websocket.Dial(rawurl, "", origin)
			if err != nil {
				return nil, err
			}
			return &wsConn{ws: ws}, nil
		}
	}
	return &Client{
		opts:   opts,
		events: events,
		typing: make(map[string]map[string]time.Time),
	}
}

// Connect opens the push channel, authorizing with the current access token.
// Failures schedule a reconnect; Connect itself never blocks on the socket
// beyond the dial.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.destroyed || c.connected {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	c.mu.Unlock()

	sock, err := c.opts.Dial(c.endpoint())
	if err != nil {
		log.Printf("realtime: connect failed: %v", err)
		c.scheduleReconnect(gen)
		return
	}

	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		_ = sock.Close()
		return
	}
	c.conn = sock
	c.connected = true
	c.mu.Unlock()

	go c.readLoop(sock, gen)
}

// Connected reports whether the channel is currently live.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Destroy closes the socket and cancels any pending reconnect. Mandatory on
// widget unmount.
func (c *Client) Destroy() {
	c.mu.Lock()
	c.destroyed = true
	c.gen++
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	sock := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()
	if sock != nil {
		_ = sock.Close()
	}
}

// SendTyping broadcasts a fire-and-forget typing signal. replyTo is empty
// when composing a top-level comment.
func (c *Client) SendTyping(replyTo string) {
	c.send(Envelope{Type: frameTyping, Payload: mustJSON(TypingPayload{ReplyTo: replyTo})})
}

// SendPing keeps the connection warm. No acknowledgment is awaited.
func (c *Client) SendPing() {
	c.send(Envelope{Type: framePing})
}

// TypingUsers returns who is composing a reply to replyTo right now.
// Entries expire TypingTTL after their latest signal.
func (c *Client) TypingUsers(replyTo string) []string {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	now := time.Now()
	var users []string
	for userID, expires := range c.typing[replyTo] {
		if now.Before(expires) {
			users = append(users, userID)
		} else {
			delete(c.typing[replyTo], userID)
		}
	}
	return users
}

func (c *Client) endpoint() string {
	return fmt.Sprintf("%s?page=%s&token=%s",
		c.opts.URL, url.QueryEscape(c.opts.PageID), url.QueryEscape(c.opts.Token()))
}

func (c *Client) send(env Envelope) {
	c.mu.Lock()
	sock := c.conn
	c.mu.Unlock()
	if sock == nil {
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := sock.Send(raw); err != nil {
		log.Printf("realtime: send failed: %v", err)
	}
}

// readLoop receives frames until the socket dies, then hands off to the
// reconnect path. Malformed frames are swallowed: a push channel must not
// take the widget down over an unexpected payload.
func (c *Client) readLoop(sock Conn, gen int) {
	for {
		raw, err := sock.Receive()
		if err != nil {
			c.mu.Lock()
			stale := c.destroyed || c.gen != gen
			if !stale {
				c.connected = false
				c.conn = nil
			}
			c.mu.Unlock()
			_ = sock.Close()
			if stale {
				return
			}
			c.scheduleReconnect(gen)
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) scheduleReconnect(gen int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed || c.gen != gen || c.reconnect != nil {
		return
	}
	log.Printf("realtime: reconnecting in %s", c.opts.ReconnectGap)
	c.reconnect = time.AfterFunc(c.opts.ReconnectGap, func() {
		c.mu.Lock()
		c.reconnect = nil
		c.mu.Unlock()
		c.Connect()
	})
}

func (c *Client) dispatch(env Envelope) {
	switch env.Type {
	case EventCommentAdded:
		var p CommentPayload
		if json.Unmarshal(env.Payload, &p) == nil && c.events.CommentAdded != nil {
			c.events.CommentAdded(p.Comment)
		}
	case EventCommentDeleted:
		var p DeletePayload
		if json.Unmarshal(env.Payload, &p) == nil && c.events.CommentDeleted != nil {
			c.events.CommentDeleted(p.CommentID)
		}
	case EventCommentEdited:
		var p CommentPayload
		if json.Unmarshal(env.Payload, &p) == nil && c.events.CommentEdited != nil {
			c.events.CommentEdited(p.Comment)
		}
	case EventVoteUpdated:
		var p VotePayload
		if json.Unmarshal(env.Payload, &p) == nil && c.events.VoteUpdated != nil {
			c.events.VoteUpdated(p)
		}
	case EventPresenceList:
		var p PresencePayload
		if json.Unmarshal(env.Payload, &p) == nil && c.events.Presence != nil {
			c.events.Presence(p.Users)
		}
	case EventUserJoined:
		var p PresenceUser
		if json.Unmarshal(env.Payload, &p) == nil && c.events.UserJoined != nil {
			c.events.UserJoined(p)
		}
	case EventUserLeft:
		var p PresenceUser
		if json.Unmarshal(env.Payload, &p) == nil && c.events.UserLeft != nil {
			c.events.UserLeft(p)
		}
	case EventTyping:
		var p TypingPayload
		if json.Unmarshal(env.Payload, &p) != nil {
			return
		}
		c.recordTyping(p)
		if c.events.Typing != nil {
			c.events.Typing(p)
		}
	case EventNotification:
		var p NotificationPayload
		if json.Unmarshal(env.Payload, &p) == nil && c.events.Notification != nil {
			c.events.Notification(p)
		}
	case EventError:
		var p ErrorPayload
		if json.Unmarshal(env.Payload, &p) == nil && c.events.Error != nil {
			c.events.Error(p)
		}
	default:
		// Unknown frame types are expected noise across versions.
	}
}

func (c *Client) recordTyping(p TypingPayload) {
	c.typingMu.Lock()
	defer c.typingMu.Unlock()
	if c.typing[p.ReplyTo] == nil {
		c.typing[p.ReplyTo] = make(map[string]time.Time)
	}
	c.typing[p.ReplyTo][p.UserID] = time.Now().Add(c.opts.TypingTTL)
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
