package gateway

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"social-chat/internal/middleware"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for now (dev mode)
	},
}

// HandleResolver maps an authenticated account to its chat handle. The
// directory service implements it.
type HandleResolver interface {
	Resolve(ctx context.Context, accountID int) (string, error)
}

type Handler struct {
	hub      *Hub
	resolver HandleResolver
}

func NewHandler(hub *Hub, resolver HandleResolver) *Handler {
	return &Handler{hub: hub, resolver: resolver}
}

// ServeWs upgrades the connection and runs the registration handshake. The
// first frame must be a register event naming the caller's own handle; any
// other frame, a foreign handle, or a missing chat profile closes the
// connection before it ever touches the presence registry.
func (h *Handler) ServeWs(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.AccountID(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}

	handle, err := h.awaitRegister(r.Context(), accountID, conn)
	if err != nil {
		closeWith(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}

	client := &Client{
		hub:    h.hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		id:     uuid.NewString(),
		handle: handle,
	}
	h.hub.Register <- client

	go client.writePump()
	go client.readPump()
}

type registerError string

func (e registerError) Error() string { return string(e) }

const (
	errUnauthenticated registerError = "unauthenticated"
	errBadRegister     registerError = "register must be the first event"
)

// awaitRegister reads and validates the one client -> server event of the
// protocol. It returns the handle the connection is bound to for life.
func (h *Handler) awaitRegister(ctx context.Context, accountID int, conn *websocket.Conn) (string, error) {
	conn.SetReadDeadline(time.Now().Add(registerWait))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return "", errBadRegister
	}
	conn.SetReadDeadline(time.Time{})

	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return "", errBadRegister
	}
	if frame.Type != EventRegister || frame.Handle == "" {
		return "", errUnauthenticated
	}

	// The connection may only bind the handle owned by the credential it
	// authenticated with.
	owned, err := h.resolver.Resolve(ctx, accountID)
	if err != nil || owned != frame.Handle {
		return "", errUnauthenticated
	}
	return frame.Handle, nil
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	conn.SetWriteDeadline(deadline)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}
