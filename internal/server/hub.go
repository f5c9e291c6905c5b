package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"github.com/Tyrowin/livechat/internal/apperr"
	"github.com/Tyrowin/livechat/internal/config"
	"github.com/Tyrowin/livechat/internal/metrics"
)

var errHubStopped = errors.New("hub is not running")

// hubRequest is one unit of work for the run loop. done is closed once the
// request, including any user-list broadcast it triggers, has been applied.
type hubRequest struct {
	client     *Client
	startPumps bool
	payload    []byte
	userList   bool
	done       chan struct{}
}

// Hub is the connection registry. A single goroutine (Run) owns membership
// and performs every broadcast, so membership changes and deliveries are
// totally ordered: a client never receives a broadcast processed after its
// own removal.
type Hub struct {
	clients    map[*Client]string
	register   chan hubRequest
	unregister chan hubRequest
	broadcast  chan hubRequest
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	upgrader  websocket.Upgrader
	clientCfg clientConfig
	log       *slog.Logger
	metrics   *metrics.Metrics
}

// NewHub creates a Hub ready to be started with Run.
func NewHub(cfg config.Config, log *slog.Logger, m *metrics.Metrics) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	origins := newOriginPolicy(cfg.AllowedOrigins, cfg.AllowAllOrigins, log)
	return &Hub{
		clients:    make(map[*Client]string),
		register:   make(chan hubRequest),
		unregister: make(chan hubRequest),
		broadcast:  make(chan hubRequest),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkWebSocket,
		},
		clientCfg: clientConfig{
			maxMessageSize: cfg.MaxMessageSize,
			rateLimit:      cfg.RateLimit,
		},
		log:     log,
		metrics: m,
	}
}

// Connect completes the WebSocket handshake for r, registers the new client
// under displayName and broadcasts the updated user list to every client.
// If the handshake fails nothing is registered and a Registration error is
// returned; the upgrader has already replied to the HTTP request.
func (h *Hub) Connect(w http.ResponseWriter, r *http.Request, displayName string) (*Client, error) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return nil, apperr.Registration(err)
	}
	client := NewClient(conn, h, r.RemoteAddr, displayName)
	if !h.Register(client) {
		closeConn(conn, h.log)
		return nil, apperr.Registration(errHubStopped)
	}
	return client, nil
}

// Register adds an already constructed client and starts its read and
// write pumps. It returns false when the hub has been shut down.
func (h *Hub) Register(client *Client) bool {
	return h.submit(h.register, hubRequest{client: client, startPumps: true})
}

// Disconnect removes client if it is registered and broadcasts the updated
// user list to the remaining clients. Removing an absent client is a no-op.
func (h *Hub) Disconnect(client *Client) {
	h.submit(h.unregister, hubRequest{client: client})
}

// BroadcastRaw sends payload, unmodified, to every registered client.
func (h *Hub) BroadcastRaw(payload []byte) bool {
	return h.submit(h.broadcast, hubRequest{payload: payload})
}

// BroadcastUserList sends the current display names to every client.
func (h *Hub) BroadcastUserList() bool {
	return h.submit(h.broadcast, hubRequest{userList: true})
}

func (h *Hub) submit(ch chan<- hubRequest, req hubRequest) bool {
	req.done = make(chan struct{})
	select {
	case ch <- req:
	case <-h.ctx.Done():
		return false
	}
	<-req.done
	return true
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

func (h *Hub) sortedNames() []string {
	names := lo.Values(h.clients)
	slices.Sort(names)
	return names
}

// Run starts the hub's main event loop. It must run in its own goroutine
// and returns after Shutdown.
func (h *Hub) Run() {
	defer close(h.done)
	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return
		case req := <-h.register:
			h.handleRegister(req)
			close(req.done)
		case req := <-h.unregister:
			if h.remove(req.client, "disconnected") {
				h.sendUserList()
			}
			close(req.done)
		case req := <-h.broadcast:
			if req.userList {
				h.sendUserList()
			} else {
				h.deliver(req.payload, "raw")
			}
			close(req.done)
		}
	}
}

func (h *Hub) handleRegister(req hubRequest) {
	client := req.client
	if client == nil {
		h.log.Warn("Received nil client registration; skipping")
		return
	}
	h.mutex.Lock()
	h.clients[client] = client.name
	clientCount := len(h.clients)
	h.mutex.Unlock()
	h.metrics.SetConnectedClients(clientCount)
	h.log.Info("Client registered", "id", client.id, "name", client.name, "remote", client.addr, "clients", clientCount)

	if req.startPumps {
		h.wg.Add(2)
		go func() {
			defer h.wg.Done()
			client.writePump()
		}()
		go func() {
			defer h.wg.Done()
			client.readPump()
		}()
	}
	h.sendUserList()
}

// remove deletes client and closes its send channel, which makes the write
// pump send a close frame and drop the connection. It reports whether the
// client was registered.
func (h *Hub) remove(client *Client, reason string) bool {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return false
	}
	delete(h.clients, client)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	close(client.send)
	h.metrics.SetConnectedClients(clientCount)
	h.log.Info("Client unregistered", "id", client.id, "name", client.name, "reason", reason, "clients", clientCount)
	return true
}

// deliver queues payload on every client's send buffer. A client whose
// buffer is full is removed without affecting delivery to the others, and
// the survivors are told the new user list.
func (h *Hub) deliver(payload []byte, kind string) {
	var failed []*Client
	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			failed = append(failed, client)
		}
	}
	h.metrics.Broadcast(kind)
	h.log.Debug("Broadcast delivered", "kind", kind, "clients", len(h.clients)-len(failed), "failed", len(failed))

	removed := false
	for _, client := range failed {
		if h.remove(client, "send buffer full") {
			removed = true
		}
	}
	if removed {
		h.sendUserList()
	}
}

func (h *Hub) sendUserList() {
	names := h.sortedNames()
	payload, err := json.Marshal(UserListMessage{Type: UserListType, Count: len(names), Users: names})
	if err != nil {
		h.log.Error("Encoding user list failed", "error", err)
		return
	}
	h.deliver(payload, "user_list")
}

// shutdownClients drops every client. Closing a send channel makes the
// write pump send a close frame and drop the connection; the read pump then
// fails and its Disconnect returns at once because the hub context is
// already cancelled.
func (h *Hub) shutdownClients() {
	h.log.Info("Shutting down all client connections...")
	h.mutex.Lock()
	clients := lo.Keys(h.clients)
	clear(h.clients)
	h.mutex.Unlock()

	for _, client := range clients {
		close(client.send)
	}
	h.metrics.SetConnectedClients(0)
	h.log.Info("Closed client connections", "count", len(clients))
}

// Shutdown initiates graceful shutdown of the hub and waits for all goroutines to complete.
// It returns after all client connections are closed and goroutines have finished,
// or when the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("Initiating hub shutdown...")
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.log.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
