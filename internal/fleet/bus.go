package fleet

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 512 * 1024
	sendBuffer = 64

	// ackWait bounds how long Dispatch waits for the node to report the
	// command outcome before treating it as fire-and-forget.
	ackWait = 15 * time.Second
)

// CommandType enumerates what a node agent can be told to do.
type CommandType string

const (
	CommandRecreate CommandType = "recreate"
	CommandStop     CommandType = "stop"
	CommandRemove   CommandType = "remove"
)

// Command is one instruction to a node agent.
type Command struct {
	ID    string            `json:"id"`
	Type  CommandType       `json:"type"`
	BotID string            `json:"botId"`
	Image string            `json:"image,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
}

// CommandResult is the node agent's report for one command.
type CommandResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// DispatchResult is what callers observe. Dispatch is best-effort: an
// unreachable node yields Dispatched=false, never an error. NodeError is
// set only when the node acked and reported failure.
type DispatchResult struct {
	Dispatched    bool   `json:"dispatched"`
	DispatchError string `json:"dispatchError,omitempty"`
	NodeError     string `json:"-"`
}

// Dispatcher is the bus surface the manager depends on.
type Dispatcher interface {
	Dispatch(ctx context.Context, nodeID string, cmd Command) DispatchResult
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Node agents are not browsers; origin checks do not apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NodeBus tracks connected node agents and delivers commands to them.
// All writes to a connection go through its send channel and writePump,
// so ping, command, and close frames never race.
type NodeBus struct {
	mu      sync.RWMutex
	nodes   map[string]*nodeConn
	pending map[string]chan CommandResult
	logger  *log.Logger
}

type nodeConn struct {
	bus  *NodeBus
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func NewNodeBus() *NodeBus {
	return &NodeBus{
		nodes:   make(map[string]*nodeConn),
		pending: make(map[string]chan CommandResult),
		logger:  log.New(log.Writer(), "[NODE-BUS] ", log.LstdFlags),
	}
}

// ConnectedNodes lists currently attached node ids.
func (b *NodeBus) ConnectedNodes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.nodes))
	for id := range b.nodes {
		out = append(out, id)
	}
	return out
}

// HandleConnect upgrades a node agent's HTTP request to a WebSocket and
// registers it. Agents authenticate with the shared NODE_AGENT_TOKEN and
// identify themselves via the nodeId query parameter.
func (b *NodeBus) HandleConnect(w http.ResponseWriter, r *http.Request) {
	token := os.Getenv("NODE_AGENT_TOKEN")
	presented := r.Header.Get("X-Node-Token")
	if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(presented)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	nodeID := r.URL.Query().Get("nodeId")
	if nodeID == "" {
		http.Error(w, "nodeId is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Printf("⚠️  Upgrade failed for node %s: %v", nodeID, err)
		return
	}

	nc := &nodeConn{
		bus:  b,
		id:   nodeID,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	if prev, ok := b.nodes[nodeID]; ok {
		prev.close()
	}
	b.nodes[nodeID] = nc
	b.mu.Unlock()

	b.logger.Printf("✅ Node %s connected", nodeID)
	go nc.writePump()
	go nc.readPump()
}

// Dispatch sends a command to one node and waits up to ackWait for its
// result. An unreachable node or a timed-out ack never fails the caller.
func (b *NodeBus) Dispatch(ctx context.Context, nodeID string, cmd Command) DispatchResult {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}

	b.mu.RLock()
	nc, ok := b.nodes[nodeID]
	b.mu.RUnlock()
	if !ok {
		return DispatchResult{Dispatched: false, DispatchError: "node not connected: " + nodeID}
	}

	payload, err := json.Marshal(cmd)
	if err != nil {
		return DispatchResult{Dispatched: false, DispatchError: err.Error()}
	}

	ack := make(chan CommandResult, 1)
	b.mu.Lock()
	b.pending[cmd.ID] = ack
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, cmd.ID)
		b.mu.Unlock()
	}()

	select {
	case nc.send <- payload:
	case <-nc.done:
		return DispatchResult{Dispatched: false, DispatchError: "node disconnected: " + nodeID}
	case <-ctx.Done():
		return DispatchResult{Dispatched: false, DispatchError: ctx.Err().Error()}
	}

	timer := time.NewTimer(ackWait)
	defer timer.Stop()
	select {
	case result := <-ack:
		if !result.OK {
			b.logger.Printf("❌ Node %s failed %s for bot %s: %s", nodeID, cmd.Type, cmd.BotID, result.Error)
			return DispatchResult{Dispatched: true, NodeError: result.Error}
		}
		return DispatchResult{Dispatched: true}
	case <-timer.C:
		// The command is in flight; the reconciler picks up stragglers.
		return DispatchResult{Dispatched: true}
	case <-ctx.Done():
		return DispatchResult{Dispatched: true}
	}
}

func (b *NodeBus) deliverResult(result CommandResult) {
	b.mu.RLock()
	ack, ok := b.pending[result.ID]
	b.mu.RUnlock()
	if ok {
		select {
		case ack <- result:
		default:
		}
	}
}

func (nc *nodeConn) close() {
	nc.once.Do(func() {
		close(nc.done)
		nc.bus.mu.Lock()
		if nc.bus.nodes[nc.id] == nc {
			delete(nc.bus.nodes, nc.id)
		}
		nc.bus.mu.Unlock()
		nc.conn.Close()
		nc.bus.logger.Printf("Node %s disconnected", nc.id)
	})
}

// writePump owns all writes to the connection.
func (nc *nodeConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		nc.close()
	}()

	for {
		select {
		case payload := <-nc.send:
			nc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := nc.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			nc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := nc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-nc.done:
			nc.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// readPump owns all reads and routes command results back to waiters.
func (nc *nodeConn) readPump() {
	defer nc.close()

	nc.conn.SetReadLimit(maxMsgSize)
	nc.conn.SetReadDeadline(time.Now().Add(pongWait))
	nc.conn.SetPongHandler(func(string) error {
		nc.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := nc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				nc.bus.logger.Printf("⚠️  Node %s read error: %v", nc.id, err)
			}
			return
		}
		var result CommandResult
		if err := json.Unmarshal(payload, &result); err != nil {
			nc.bus.logger.Printf("⚠️  Node %s sent an unparseable frame", nc.id)
			continue
		}
		nc.bus.deliverResult(result)
	}
}
