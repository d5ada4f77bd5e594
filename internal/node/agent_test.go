package node

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr/platform/internal/fleet"
)

// fakeRuntime records operations and fails on demand.
type fakeRuntime struct {
	mu      sync.Mutex
	ops     []string
	failing bool
}

func (f *fakeRuntime) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
	if f.failing {
		return errors.New("image pull failed")
	}
	return nil
}

func (f *fakeRuntime) Recreate(_ context.Context, botID, image string, _ map[string]string) error {
	return f.record("recreate:" + botID + ":" + image)
}
func (f *fakeRuntime) Stop(_ context.Context, botID string) error {
	return f.record("stop:" + botID)
}
func (f *fakeRuntime) Remove(_ context.Context, botID string) error {
	return f.record("remove:" + botID)
}

func (f *fakeRuntime) operations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func startBusAndAgent(t *testing.T, runtime Runtime) *fleet.NodeBus {
	t.Helper()
	t.Setenv("NODE_AGENT_TOKEN", "node-secret")

	bus := fleet.NewNodeBus()
	r := mux.NewRouter()
	r.HandleFunc("/fleet/nodes/ws", bus.HandleConnect)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	agent := NewAgent("node-1", srv.URL, "node-secret", runtime)
	go agent.Run(ctx)

	require.Eventually(t, func() bool {
		return len(bus.ConnectedNodes()) == 1
	}, 3*time.Second, 20*time.Millisecond, "agent never connected")
	return bus
}

func TestAgentAppliesRecreateAndAcks(t *testing.T) {
	runtime := &fakeRuntime{}
	bus := startBusAndAgent(t, runtime)

	result := bus.Dispatch(context.Background(), "node-1", fleet.Command{
		Type:  fleet.CommandRecreate,
		BotID: "bot-1",
		Image: "bot:stable",
		Env:   map[string]string{"A": "1"},
	})
	assert.True(t, result.Dispatched)
	assert.Empty(t, result.NodeError)
	assert.Equal(t, []string{"recreate:bot-1:bot:stable"}, runtime.operations())
}

func TestAgentReportsRuntimeFailure(t *testing.T) {
	runtime := &fakeRuntime{failing: true}
	bus := startBusAndAgent(t, runtime)

	result := bus.Dispatch(context.Background(), "node-1", fleet.Command{
		Type:  fleet.CommandRecreate,
		BotID: "bot-1",
		Image: "bot:broken",
	})
	assert.True(t, result.Dispatched)
	assert.Equal(t, "image pull failed", result.NodeError)
}

func TestDispatchToUnknownNodeIsNotAnError(t *testing.T) {
	runtime := &fakeRuntime{}
	bus := startBusAndAgent(t, runtime)

	result := bus.Dispatch(context.Background(), "node-ghost", fleet.Command{
		Type:  fleet.CommandStop,
		BotID: "bot-1",
	})
	assert.False(t, result.Dispatched)
	assert.Contains(t, result.DispatchError, "not connected")
	assert.Empty(t, runtime.operations())
}

func TestAgentHandlesStopAndRemove(t *testing.T) {
	runtime := &fakeRuntime{}
	bus := startBusAndAgent(t, runtime)
	ctx := context.Background()

	require.True(t, bus.Dispatch(ctx, "node-1", fleet.Command{Type: fleet.CommandStop, BotID: "b"}).Dispatched)
	require.True(t, bus.Dispatch(ctx, "node-1", fleet.Command{Type: fleet.CommandRemove, BotID: "b"}).Dispatched)
	assert.Equal(t, []string{"stop:b", "remove:b"}, runtime.operations())
}

func TestMarshalCommandRoundTrip(t *testing.T) {
	raw := marshalCommand(fleet.Command{ID: "c1", Type: fleet.CommandRecreate, BotID: "b1"})
	assert.Contains(t, string(raw), `"recreate"`)
	assert.Contains(t, string(raw), `"c1"`)
}
