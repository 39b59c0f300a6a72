package gateway

import (
	"context"
	"log"
	"time"

	"social-chat/internal/convo"
	"social-chat/internal/presence"
)

const publishTimeout = 5 * time.Second

// Hub is the central router for realtime traffic. Its run loop is the single
// goroutine that touches the session map, so the map needs no lock: sessions
// register and unregister through channels, deliveries arrive through the
// broker, and presence transitions are fanned out in the order the registry
// produced them.
type Hub struct {
	Register   chan *Client
	Unregister chan *Client

	deliver  chan Delivery
	sessions map[string]map[*Client]struct{} // handle -> bound connections

	registry *presence.Registry
	broker   Broker
}

func NewHub(registry *presence.Registry, broker Broker) *Hub {
	h := &Hub{
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		deliver:    make(chan Delivery, 64),
		sessions:   make(map[string]map[*Client]struct{}),
		registry:   registry,
		broker:     broker,
	}
	// The listener runs inside the run loop (Register/Unregister are only
	// called from there), so it may touch the session map directly.
	registry.OnTransition(h.broadcastPresence)
	return h
}

// Run owns the hub state until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.broker.Subscribe(ctx, func(d Delivery) {
		select {
		case h.deliver <- d:
		case <-ctx.Done():
		}
	})

	for {
		select {
		case client := <-h.Register:
			h.addClient(client)

		case client := <-h.Unregister:
			h.removeClient(client)

		case d := <-h.deliver:
			h.deliverToHandle(d)

		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

// MessageDelivered implements the notifier consumed by the REST append
// handler. The message is already durable; publishing happens off the
// caller's goroutine so append never waits on delivery.
func (h *Hub) MessageDelivered(conversationID int, msg *convo.Message) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := h.broker.Publish(ctx, Delivery{ConversationID: conversationID, Message: msg}); err != nil {
			log.Printf("hub: publish delivery failed: %v", err)
		}
	}()
}

func (h *Hub) addClient(c *Client) {
	set, ok := h.sessions[c.handle]
	if !ok {
		set = make(map[*Client]struct{})
		h.sessions[c.handle] = set
	}
	set[c] = struct{}{}

	// Registering may emit handle-online to everyone else; the snapshot the
	// new connection receives is taken afterwards, so it already contains
	// the client's own handle and never misses a concurrent delta.
	h.registry.Register(c.handle, c.id)
	c.trySend(snapshotFrame(h.registry.Snapshot()))
}

func (h *Hub) removeClient(c *Client) {
	set, ok := h.sessions[c.handle]
	if !ok {
		return
	}
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.sessions, c.handle)
	}
	close(c.send)
	h.registry.Unregister(c.handle, c.id)
}

// broadcastPresence sends a delta to every registered connection except the
// transitioning handle's own.
func (h *Hub) broadcastPresence(ev presence.Event) {
	payload := presenceFrame(ev.Handle, ev.Online)
	for handle, set := range h.sessions {
		if handle == ev.Handle {
			continue
		}
		for c := range set {
			c.trySend(payload)
		}
	}
}

func (h *Hub) deliverToHandle(d Delivery) {
	if d.Message == nil {
		return
	}
	set, ok := h.sessions[d.Message.Receiver]
	if !ok {
		// Receiver has no live connection; the message is stored and will
		// surface on its next history fetch.
		return
	}
	payload := deliveryFrame(d.ConversationID, d.Message)
	for c := range set {
		if !c.trySend(payload) {
			// Slow consumer: drop the connection, it will reconnect and
			// re-fetch.
			h.removeClient(c)
		}
	}
}

func (h *Hub) closeAll() {
	var all []*Client
	for _, set := range h.sessions {
		for c := range set {
			all = append(all, c)
		}
	}
	for _, c := range all {
		h.removeClient(c)
	}
}
