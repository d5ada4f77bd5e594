package node

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wopr/platform/internal/fleet"
)

const (
	// commandTimeout bounds one container operation.
	commandTimeout = 2 * time.Minute
	// reconnectBase is the initial retry delay after a lost connection.
	reconnectBase = time.Second
	reconnectCap  = time.Minute
)

// Agent connects to the control plane's node bus, applies container
// commands through the Runtime, and reports each outcome.
type Agent struct {
	nodeID       string
	controlPlane string
	token        string
	runtime      Runtime
	logger       *log.Logger
}

func NewAgent(nodeID, controlPlaneURL, token string, runtime Runtime) *Agent {
	return &Agent{
		nodeID:       nodeID,
		controlPlane: controlPlaneURL,
		token:        token,
		runtime:      runtime,
		logger:       log.New(log.Writer(), "[AGENT] ", log.LstdFlags),
	}
}

// Run connects and serves commands until ctx ends, reconnecting with
// exponential backoff.
func (a *Agent) Run(ctx context.Context) {
	delay := reconnectBase
	for {
		if err := a.serve(ctx); err != nil {
			a.logger.Printf("⚠️  Connection lost: %v (retrying in %s)", err, delay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectCap {
			delay = reconnectCap
		}
	}
}

func (a *Agent) dialURL() (string, error) {
	u, err := url.Parse(a.controlPlane)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/fleet/nodes/ws"
	u.RawQuery = url.Values{"nodeId": {a.nodeID}}.Encode()
	return u.String(), nil
}

func (a *Agent) serve(ctx context.Context) error {
	target, err := a.dialURL()
	if err != nil {
		return err
	}
	header := http.Header{"X-Node-Token": {a.token}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		return err
	}
	defer conn.Close()
	a.logger.Printf("✅ Connected to control plane as node %s", a.nodeID)

	// Close the socket when ctx ends so the read loop unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	var writeMu sync.Mutex
	for {
		var cmd fleet.Command
		if err := conn.ReadJSON(&cmd); err != nil {
			return err
		}
		go func(cmd fleet.Command) {
			result := a.apply(ctx, cmd)
			writeMu.Lock()
			defer writeMu.Unlock()
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(result); err != nil {
				a.logger.Printf("⚠️  Could not report result for command %s: %v", cmd.ID, err)
			}
		}(cmd)
	}
}

// apply runs one command against the runtime.
func (a *Agent) apply(ctx context.Context, cmd fleet.Command) fleet.CommandResult {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var err error
	switch cmd.Type {
	case fleet.CommandRecreate:
		err = a.runtime.Recreate(ctx, cmd.BotID, cmd.Image, cmd.Env)
	case fleet.CommandStop:
		err = a.runtime.Stop(ctx, cmd.BotID)
	case fleet.CommandRemove:
		err = a.runtime.Remove(ctx, cmd.BotID)
	default:
		a.logger.Printf("⚠️  Unknown command type %q for bot %s", cmd.Type, cmd.BotID)
		return fleet.CommandResult{ID: cmd.ID, OK: false, Error: "unknown command type: " + string(cmd.Type)}
	}

	if err != nil {
		a.logger.Printf("❌ %s for bot %s failed: %v", cmd.Type, cmd.BotID, err)
		return fleet.CommandResult{ID: cmd.ID, OK: false, Error: err.Error()}
	}
	return fleet.CommandResult{ID: cmd.ID, OK: true}
}

// marshalCommand is used by tests to build wire frames the way the agent
// expects them.
func marshalCommand(cmd fleet.Command) []byte {
	raw, _ := json.Marshal(cmd)
	return raw
}
