package ws

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muxpanel/muxpanel/internal/logging"
	"github.com/muxpanel/muxpanel/internal/monitoring"
	"github.com/muxpanel/muxpanel/internal/persist"
	"github.com/muxpanel/muxpanel/internal/registry"
	"github.com/muxpanel/muxpanel/internal/ui"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // the panel is served from the host shell
	},
}

const sendQueueSize = 256

// Handler manages panel WebSocket connections and implements ui.Sink.
type Handler struct {
	logger  *logging.Logger
	metrics *monitoring.Metrics

	registry    *registry.Registry
	persistence *persist.Persistence

	mu      sync.RWMutex
	clients map[string]*client
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan ui.Message
	done chan struct{}
	once sync.Once
}

// NewHandler creates a handler. Bind must be called before connections are
// accepted; the handler itself is created first because the registry needs
// it as its sink.
func NewHandler(metrics *monitoring.Metrics, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{
		logger:  logger,
		metrics: metrics,
		clients: make(map[string]*client),
	}
}

// Bind attaches the registry and persistence the handler routes commands to.
func (h *Handler) Bind(reg *registry.Registry, persistence *persist.Persistence) {
	h.registry = reg
	h.persistence = persistence
}

// Send implements ui.Sink: the message is broadcast to every connected
// client. Clients whose queue is full lose the message.
func (h *Handler) Send(msg ui.Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, cl := range h.clients {
		select {
		case cl.send <- msg:
		case <-cl.done:
		default:
			h.logger.Warn("dropping panel message for slow client",
				zap.String("client", cl.id),
				zap.String("type", string(msg.Type)))
		}
	}
	h.metrics.RecordWSMessage("out", string(msg.Type))
}

// command is an inbound panel request.
type command struct {
	Type  string `json:"type"`
	ID    int    `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Cwd   string `json:"cwd,omitempty"`
	Data  string `json:"data,omitempty"`
	Cols  int    `json:"cols,omitempty"`
	Rows  int    `json:"rows,omitempty"`
	Force bool   `json:"force,omitempty"`
}

// HandleConnection upgrades the request and services the client until it
// disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	cl := &client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan ui.Message, sendQueueSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[cl.id] = cl
	h.mu.Unlock()
	h.metrics.IncWSConnections()
	h.logger.Info("panel client connected", zap.String("client", cl.id))

	go cl.writePump()
	h.sendInitialState(cl)
	h.readLoop(cl)

	h.mu.Lock()
	delete(h.clients, cl.id)
	h.mu.Unlock()
	cl.close()
	h.metrics.DecWSConnections()
	h.logger.Info("panel client disconnected", zap.String("client", cl.id))
}

// sendInitialState replays the current session set, retained scrollback,
// and agent state to a freshly connected client so it starts from registry
// truth. Scrollback matters most after a restore, which may complete before
// any panel connects.
func (h *Handler) sendInitialState(cl *client) {
	for _, info := range h.registry.List() {
		cl.trySend(ui.SessionCreated(info.ID, info.Name, info.Cwd, info.IsActive))
		if lines, ok := h.registry.Scrollback(info.ID, 0); ok && len(lines) > 0 {
			cl.trySend(ui.RestoreScrollback(info.ID, lines))
		}
	}
	cl.trySend(ui.AgentFullStateSync(h.registry.Tracker().Snapshot()))
}

func (h *Handler) readLoop(cl *client) {
	for {
		var cmd command
		if err := cl.conn.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		h.metrics.RecordWSMessage("in", cmd.Type)
		h.dispatch(cl, cmd)
	}
}

func (h *Handler) dispatch(cl *client, cmd command) {
	var err error

	switch cmd.Type {
	case "create_session":
		_, err = h.registry.Create(registry.CreateOptions{
			Name: cmd.Name,
			Cwd:  cmd.Cwd,
			Cols: cmd.Cols,
			Rows: cmd.Rows,
		})
	case "remove_session":
		err = h.registry.Delete(cmd.ID, cmd.Force)
	case "switch_session":
		err = h.registry.SwitchActive(cmd.ID)
	case "input":
		err = h.registry.Write(cmd.ID, []byte(cmd.Data))
	case "resize":
		err = h.registry.Resize(cmd.ID, cmd.Cols, cmd.Rows)
	case "shell_ready":
		err = h.registry.MarkShellReady(cmd.ID)
	case "save_sessions":
		err = h.persistence.Save()
	case "restore_sessions":
		_, err = h.persistence.Restore()
	case "ping":
		// Keepalive only.
	default:
		err = errors.New("unknown command type: " + cmd.Type)
	}

	if err != nil {
		h.logger.Warn("panel command failed",
			zap.String("command", cmd.Type),
			zap.Int("session", cmd.ID),
			zap.Error(err))
		cl.trySend(ui.Error(cmd.ID, err.Error()))
	}
}

// Close disconnects every client.
func (h *Handler) Close() {
	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, cl := range h.clients {
		clients = append(clients, cl)
	}
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, cl := range clients {
		cl.close()
	}
}

func (cl *client) writePump() {
	for {
		select {
		case msg := <-cl.send:
			if err := cl.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-cl.done:
			return
		}
	}
}

func (cl *client) trySend(msg ui.Message) {
	select {
	case cl.send <- msg:
	case <-cl.done:
	default:
	}
}

// close signals shutdown without closing the send channel, so a broadcast
// racing with disconnect can never panic on a send to a closed channel.
func (cl *client) close() {
	cl.once.Do(func() {
		close(cl.done)
		cl.conn.Close()
	})
}
