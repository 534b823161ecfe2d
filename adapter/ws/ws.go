// Package ws implements the WebSocket adapter (§4.7 "WebSocket", §6
// "WebSocket control messages"): envelope-per-frame, with subscribe /
// unsubscribe / publish control types targeting the Channel Manager and
// request / event / stream:start types targeting the router. A
// stream:cancel message is read and ignored.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/forattini-dev/raffel-sub005"
	"github.com/forattini-dev/raffel-sub005/adapter"
	"github.com/forattini-dev/raffel-sub005/channel"
	"github.com/gorilla/websocket"
)

// inbound mirrors the client-originated control/request envelope shape
// from §6.
type inbound struct {
	ID        string            `json:"id,omitempty"`
	Type      string            `json:"type"`
	Channel   string            `json:"channel,omitempty"`
	Event     string            `json:"event,omitempty"`
	Data      any               `json:"data,omitempty"`
	Procedure string            `json:"procedure,omitempty"`
	Payload   any               `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// outbound mirrors the server-emitted shape from §6.
type outbound struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Event   string `json:"event,omitempty"`
	Data    any    `json:"data,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

// Adapter serves the router and an optional Channel Manager over
// WebSocket, one connection per socket.
type Adapter struct {
	router   *raffel.Router
	channels *channel.Manager
	registry *Registry
	upgrader websocket.Upgrader

	// AuthHint extracts credential metadata from the upgrade request for
	// transports that cannot set headers post-handshake — the WS
	// subprotocol or a query parameter (§4.5 "Auth").
	AuthHint func(r *http.Request) map[string]string
}

// New creates a WS Adapter. channels may be nil if the server exposes no
// pub/sub channels; when channels is non-nil, registry must be the same
// *Registry instance passed as channels' Sender (via channel.New), so that
// broadcasts the Manager fans out can actually reach this adapter's live
// connections (§4.6, "Kick"/"Broadcast" delivery).
func New(router *raffel.Router, channels *channel.Manager, registry *Registry) *Adapter {
	return &Adapter{
		router:   router,
		channels: channels,
		registry: registry,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

type socketSend struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *socketSend) writeJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// Registry is a channel.Sender backed by a live socketID → connection map.
// The WS adapter registers a socket on connect and removes it on
// disconnect; the Channel Manager's Broadcast/SendToSocket/Kick calls
// m.sender.Send(socketID, ...), which this registry resolves to the actual
// open *websocket.Conn (channel.go's notify fans a broadcast out
// concurrently because a Sender backed by a network connection, like this
// one, makes a per-socket write wait real — and that connection only
// exists if something registered it here).
type Registry struct {
	mu      sync.RWMutex
	sockets map[string]*socketSend
}

// NewRegistry creates an empty socket registry. Pass it both to channel.New
// (as the Sender) and to ws.New (as registry) so the two stay in sync.
func NewRegistry() *Registry {
	return &Registry{sockets: make(map[string]*socketSend)}
}

func (r *Registry) register(socketID string, s *socketSend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sockets[socketID] = s
}

func (r *Registry) unregister(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sockets, socketID)
}

// Send implements channel.Sender by looking socketID up in the live
// connection map. A socket the Manager still thinks is subscribed but that
// has already disconnected (teardown race) yields an error, which notify's
// errgroup.Group simply folds into its aggregate and ignores — a best-effort
// broadcast, matching §4.6's delivery guarantees.
func (r *Registry) Send(socketID string, msg channel.Message) error {
	r.mu.RLock()
	s, ok := r.sockets[socketID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("ws: socket %s is not connected", socketID)
	}
	return s.writeJSON(msg)
}

// ServeHTTP upgrades the connection and pumps envelope-per-frame messages
// until the socket closes.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	socketID := raffel.ResponseID(r.RemoteAddr) // unique enough per-connection label
	sender := &socketSend{conn: conn}

	var authMeta map[string]string
	if a.AuthHint != nil {
		authMeta = a.AuthHint(r)
	}

	if a.registry != nil {
		a.registry.register(socketID, sender)
		defer a.registry.unregister(socketID)
	}
	if a.channels != nil {
		defer a.channels.UnsubscribeAll(socketID)
	}

	connCtx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		var msg inbound
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "subscribe":
			a.handleSubscribe(connCtx, sender, socketID, msg)
		case "unsubscribe":
			if a.channels != nil {
				a.channels.Unsubscribe(msg.Channel, socketID)
			}
		case "publish":
			if a.channels != nil {
				a.channels.Broadcast(msg.Channel, msg.Event, msg.Data, socketID)
			}
		case "request", "event", "stream:start":
			a.handleRPC(connCtx, sender, socketID, msg, authMeta)
		case "stream:cancel":
			// Accepted and ignored: no per-request stream state is kept, so
			// this message does not stop an in-flight stream. A stream stops
			// when the socket closes or a write to it fails.
		}
	}
}

func (a *Adapter) handleSubscribe(ctx context.Context, sender *socketSend, socketID string, msg inbound) {
	if a.channels == nil {
		_ = sender.writeJSON(outbound{ID: msg.ID, Type: "error", Data: "channels not enabled"})
		return
	}
	res := a.channels.Subscribe(ctx, socketID, msg.Channel)
	if !res.Success {
		_ = sender.writeJSON(outbound{ID: msg.ID, Type: "error", Channel: msg.Channel, Data: res.Error})
		return
	}
	_ = sender.writeJSON(outbound{ID: msg.ID, Type: "response", Channel: msg.Channel, Payload: res.Members})
}

func (a *Adapter) handleRPC(ctx context.Context, sender *socketSend, socketID string, msg inbound, authMeta map[string]string) {
	metadata := msg.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	for k, v := range authMeta {
		if _, exists := metadata[k]; !exists {
			metadata[k] = v
		}
	}

	reqCtx := adapter.NewRequestContext(ctx, msg.Procedure, metadata, adapter.DeadlineFromMetadata(metadata))

	var envType raffel.Type
	switch msg.Type {
	case "event":
		envType = raffel.TypeEvent
	default:
		envType = raffel.TypeRequest
	}

	envelope := &raffel.Envelope{ID: msg.ID, Procedure: msg.Procedure, Type: envType, Payload: msg.Payload, Metadata: metadata, Ctx: reqCtx}

	go func() {
		result := a.router.Handle(reqCtx, envelope)

		if result.Stream != nil {
			for env, err := range result.Stream {
				if err != nil {
					return
				}
				if sendErr := sender.writeJSON(toOutbound(env)); sendErr != nil {
					reqCtx.Abort(raffel.NewError(raffel.CodeCancelled, "client socket closed"))
					return
				}
				if env.Type == raffel.TypeStreamEnd || env.Type == raffel.TypeStreamError {
					return
				}
			}
			return
		}

		if result.Envelope != nil {
			_ = sender.writeJSON(toOutbound(result.Envelope))
		}
	}()
}

func toOutbound(env *raffel.Envelope) outbound {
	return outbound{ID: env.ID, Type: string(env.Type), Payload: env.Payload}
}
