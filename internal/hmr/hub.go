package hmr

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/omniflow/preview/internal/supervisor"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Preview pages live on arbitrary origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// hub relays HMR traffic for external clients (`/hmr?projectId=`). Clients
// of one project share a single managed upstream connection to the child;
// child messages are broadcast to every client, client messages are
// forwarded upstream.
type hub struct {
	instances InstanceSource
	logger    *zap.Logger

	mu       sync.Mutex
	clients  map[string]map[*websocket.Conn]bool
	upstream map[string]*websocket.Conn
}

func newHub(instances InstanceSource, logger *zap.Logger) *hub {
	return &hub{
		instances: instances,
		logger:    logger,
		clients:   make(map[string]map[*websocket.Conn]bool),
		upstream:  make(map[string]*websocket.Conn),
	}
}

// serveExternal handles one external client for its whole lifetime.
func (h *hub) serveExternal(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("projectId")
	if projectID == "" {
		http.Error(w, "projectId query parameter is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}

	conn.WriteJSON(map[string]string{"type": "connected"})

	h.addClient(projectID, conn)
	defer h.removeClient(projectID, conn)

	if err := h.ensureUpstream(projectID); err != nil {
		h.logger.Warn("hmr upstream unavailable",
			zap.String("project", projectID), zap.Error(err))
		conn.WriteJSON(map[string]string{"type": "error", "message": "dev server not running"})
		return
	}
	h.instances.MarkActive(projectID)

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.mu.Lock()
		up := h.upstream[projectID]
		h.mu.Unlock()
		if up != nil {
			up.WriteMessage(msgType, payload)
		}
	}
}

func (h *hub) addClient(projectID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[projectID] == nil {
		h.clients[projectID] = make(map[*websocket.Conn]bool)
	}
	h.clients[projectID][conn] = true
}

// removeClient drops one client and tears down the upstream when the last
// client for the project is gone.
func (h *hub) removeClient(projectID string, conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients[projectID], conn)
	last := len(h.clients[projectID]) == 0
	var up *websocket.Conn
	if last {
		delete(h.clients, projectID)
		up = h.upstream[projectID]
		delete(h.upstream, projectID)
	}
	h.mu.Unlock()

	conn.Close()
	if up != nil {
		up.Close()
	}
}

// ensureUpstream opens the per-project child connection once. Set
// membership under the lock makes concurrent callers share one dial.
func (h *hub) ensureUpstream(projectID string) error {
	h.mu.Lock()
	if _, ok := h.upstream[projectID]; ok {
		h.mu.Unlock()
		return nil
	}
	// Reserve the slot before dialing so a second caller does not dial too.
	h.upstream[projectID] = nil
	h.mu.Unlock()

	inst, ok := h.instances.Get(projectID)
	if !ok || inst.Status != supervisor.StatusRunning {
		h.clearUpstream(projectID)
		return fmt.Errorf("instance for %s is not running", projectID)
	}

	dialer := websocket.Dialer{HandshakeTimeout: upstreamConnectTimeout}
	up, _, err := dialer.Dial(fmt.Sprintf("ws://127.0.0.1:%d/", inst.Port), nil)
	if err != nil {
		h.clearUpstream(projectID)
		return fmt.Errorf("dial child hmr socket: %w", err)
	}

	h.mu.Lock()
	h.upstream[projectID] = up
	h.mu.Unlock()

	go h.broadcastLoop(projectID, up)
	return nil
}

func (h *hub) clearUpstream(projectID string) {
	h.mu.Lock()
	delete(h.upstream, projectID)
	h.mu.Unlock()
}

// broadcastLoop fans child messages out to every client of the project.
func (h *hub) broadcastLoop(projectID string, up *websocket.Conn) {
	defer func() {
		up.Close()
		h.clearUpstream(projectID)
	}()
	for {
		msgType, payload, err := up.ReadMessage()
		if err != nil {
			return
		}
		h.mu.Lock()
		conns := make([]*websocket.Conn, 0, len(h.clients[projectID]))
		for conn := range h.clients[projectID] {
			conns = append(conns, conn)
		}
		h.mu.Unlock()
		for _, conn := range conns {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			conn.WriteMessage(msgType, payload)
		}
	}
}

// closeAll disconnects every client and upstream, for shutdown.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for projectID, conns := range h.clients {
		for conn := range conns {
			conn.Close()
		}
		delete(h.clients, projectID)
	}
	for projectID, up := range h.upstream {
		if up != nil {
			up.Close()
		}
		delete(h.upstream, projectID)
	}
}
