// Package session is the consuming side of the realtime protocol: it keeps
// one device's view of conversations, messages, and presence consistent with
// the server across reconnects, duplicate deliveries, and concurrent
// refreshes.
package session

import (
	"context"
	"encoding/json"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"social-chat/internal/convo"
	"social-chat/internal/gateway"
)

type State int

const (
	StateUnbound State = iota
	StateConnecting
	StateRegistered
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateDisconnected:
		return "disconnected"
	}
	return "unknown"
}

const (
	backoffBase    = 500 * time.Millisecond
	backoffCap     = 30 * time.Second
	refreshTimeout = 5 * time.Second
)

// Controller reconciles the REST-fetched conversation list and history with
// the live event stream into a single local view. The view is a projection,
// never authoritative: every reconnect re-runs the full register + snapshot +
// list-refresh sequence instead of assuming nothing was missed.
type Controller struct {
	rest   *RestClient
	wsURL  string
	handle string

	// OnUpdate, when set before Run, is invoked after every view mutation.
	OnUpdate func()

	mu            sync.RWMutex
	state         State
	conversations []*convo.Conversation
	selected      int
	messages      []*convo.Message
	seen          map[int]struct{}
	online        map[string]bool
}

func NewController(rest *RestClient, wsURL, handle string) *Controller {
	return &Controller{
		rest:   rest,
		wsURL:  wsURL,
		handle: handle,
		state:  StateUnbound,
		seen:   make(map[int]struct{}),
		online: make(map[string]bool),
	}
}

// Run drives the connection lifecycle until ctx is cancelled: connect,
// register, consume events, and on any drop reconnect with capped exponential
// backoff. Local state is preserved across drops so already-loaded history
// stays readable while offline.
func (c *Controller) Run(ctx context.Context) error {
	backoff := backoffBase

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		c.setState(StateConnecting)
		registered, err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			log.Printf("session: connection lost: %v", err)
		}
		if registered {
			// A session that made it past registration pays only the base
			// delay on its next attempt, however flaky the earlier ones were.
			backoff = backoffBase
		}

		c.setState(StateDisconnected)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > backoffCap {
			backoff = backoffCap
		}
	}
}

// runOnce performs one full session: dial, register, snapshot, list refresh,
// then the event pump until the connection dies or ctx is cancelled. The
// returned bool reports whether the session reached the registered state.
func (c *Controller) runOnce(ctx context.Context) (bool, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}

	// Tear the socket down on cancellation so a blocked read wakes up and
	// nothing leaks past sign-out.
	attemptDone := make(chan struct{})
	defer close(attemptDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-attemptDone:
			conn.Close()
		}
	}()

	register := gateway.Frame{Type: gateway.EventRegister, Handle: c.handle}
	payload, _ := json.Marshal(register)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return false, err
	}

	// The snapshot must land before anything else; applying deltas to an
	// unseeded set would silently drop peers.
	frame, err := readFrame(conn)
	if err != nil {
		return false, err
	}
	if frame.Type != gateway.EventPresenceSnapshot {
		return false, errUnexpectedFrame(frame.Type)
	}
	c.applySnapshot(frame.Handles)
	c.setState(StateRegistered)

	// Only now fetch the list: a delivery that raced the snapshot will
	// already be in the fetched state, and later deltas merge idempotently.
	if err := c.Refresh(ctx); err != nil {
		return true, err
	}

	for {
		frame, err := readFrame(conn)
		if err != nil {
			return true, err
		}
		c.apply(ctx, frame)
	}
}

func (c *Controller) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", c.rest.Token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	return conn, err
}

func readFrame(conn *websocket.Conn) (gateway.Frame, error) {
	var frame gateway.Frame
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return frame, err
	}
	err = json.Unmarshal(payload, &frame)
	return frame, err
}

type errUnexpectedFrame string

func (e errUnexpectedFrame) Error() string { return "unexpected frame: " + string(e) }

// apply folds one server event into the local view. Every branch is
// idempotent: duplicated deliveries and presence deltas are no-ops.
func (c *Controller) apply(ctx context.Context, frame gateway.Frame) {
	switch frame.Type {
	case gateway.EventPresenceSnapshot:
		c.applySnapshot(frame.Handles)
	case gateway.EventHandleOnline:
		c.applyPresence(frame.Handle, true)
	case gateway.EventHandleOffline:
		c.applyPresence(frame.Handle, false)
	case gateway.EventMessageDelivered:
		c.applyDelivery(ctx, frame.ConversationID, frame.Message)
	}
}

func (c *Controller) applySnapshot(handles []string) {
	c.mu.Lock()
	c.online = make(map[string]bool, len(handles))
	for _, h := range handles {
		c.online[h] = true
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) applyPresence(handle string, online bool) {
	if handle == "" {
		return
	}
	c.mu.Lock()
	if online {
		c.online[handle] = true
	} else {
		delete(c.online, handle)
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) applyDelivery(ctx context.Context, conversationID int, msg *convo.Message) {
	if msg == nil {
		return
	}

	c.mu.Lock()
	if conversationID == c.selected && c.selected != 0 {
		// The same message may arrive here and via a concurrent manual
		// refresh; the id set keeps it single.
		if _, dup := c.seen[msg.ID]; !dup {
			c.seen[msg.ID] = struct{}{}
			c.messages = append(c.messages, msg)
		}
		c.mu.Unlock()
		c.notify()
		return
	}
	c.mu.Unlock()

	// Not the open conversation: just bring the list previews up to date.
	go func() {
		rctx, cancel := context.WithTimeout(ctx, refreshTimeout)
		defer cancel()
		if err := c.Refresh(rctx); err != nil {
			log.Printf("session: list refresh failed: %v", err)
		}
	}()
}

// Refresh re-fetches the conversation list.
func (c *Controller) Refresh(ctx context.Context) error {
	conversations, err := c.rest.Conversations(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conversations = conversations
	c.mu.Unlock()
	c.notify()
	return nil
}

// Select opens a conversation: fetches its first history page and replaces
// the local message list. Messages already merged from live deliveries are
// deduplicated against the fetched page.
func (c *Controller) Select(ctx context.Context, conversationID int) error {
	messages, err := c.rest.History(ctx, conversationID, 0)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.selected = conversationID
	c.messages = make([]*convo.Message, 0, len(messages))
	c.seen = make(map[int]struct{}, len(messages))
	for _, m := range messages {
		if _, dup := c.seen[m.ID]; dup {
			continue
		}
		c.seen[m.ID] = struct{}{}
		c.messages = append(c.messages, m)
	}
	c.mu.Unlock()
	c.notify()
	return nil
}

// Send appends a message to the selected conversation through REST. On
// failure the message is simply not sent; the caller decides about retry.
func (c *Controller) Send(ctx context.Context, text string) (*convo.Message, error) {
	c.mu.RLock()
	selected := c.selected
	c.mu.RUnlock()
	if selected == 0 {
		return nil, convo.ErrInvalidArgument
	}
	return c.rest.Append(ctx, selected, text)
}

func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.notify()
}

// IsOnline reports the local view of a peer's presence.
func (c *Controller) IsOnline(handle string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online[handle]
}

// Online returns a copy of the local online set.
func (c *Controller) Online() map[string]bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]bool, len(c.online))
	for h := range c.online {
		out[h] = true
	}
	return out
}

// Conversations returns the current list projection.
func (c *Controller) Conversations() []*convo.Conversation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*convo.Conversation, len(c.conversations))
	copy(out, c.conversations)
	return out
}

// Messages returns the message list of the selected conversation.
func (c *Controller) Messages() []*convo.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*convo.Message, len(c.messages))
	copy(out, c.messages)
	return out
}

func (c *Controller) notify() {
	if c.OnUpdate != nil {
		c.OnUpdate()
	}
}
