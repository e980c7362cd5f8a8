package ipc

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosanya/apc/internal/agent"
	"github.com/aosanya/apc/internal/coordinator"
	"github.com/aosanya/apc/internal/eventbus"
	"github.com/aosanya/apc/internal/registry"
	"github.com/aosanya/apc/internal/signalbus"
	"github.com/aosanya/apc/internal/task"
	"github.com/aosanya/apc/internal/workflow"
)

// noopRunner satisfies workflow.Runner; completion arrives via the
// agent.complete IPC request, exactly like the real agent CLI.
type noopRunner struct{}

func (noopRunner) Start(ctx context.Context, agentName, prompt string) error { return nil }
func (noopRunner) Kill(ctx context.Context, agentName string) error          { return nil }

func newTestServer(t *testing.T) (*Server, *httptest.Server, *coordinator.Coordinator) {
	t.Helper()

	pool, err := agent.NewPool(4)
	require.NoError(t, err)
	tasks := task.NewRegistry()
	occupancy := task.NewOccupancyTable()
	conflicts := task.NewConflictTable()
	signals := signalbus.New(signalbus.DefaultConfig())
	events := eventbus.New()

	svc := &workflow.Services{
		Agents: pool, Tasks: tasks, Occupancy: occupancy, Conflicts: conflicts,
		Signals: signals, Events: events, AgentRunner: noopRunner{},
	}
	reg := registry.New()
	registry.RegisterDefaultTypes(reg, tasks, conflicts, occupancy)

	coord := coordinator.New(coordinator.Config{ReconcileInterval: 20 * time.Millisecond}, reg, tasks, svc)
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() { _ = coord.Stop() })

	s := NewServer(ServerConfig{Host: "127.0.0.1", Port: 0}, coord, pool, events, nil)
	s.hub.start()
	t.Cleanup(s.hub.stop)

	ts := httptest.NewServer(s.Router())
	t.Cleanup(ts.Close)
	return s, ts, coord
}

func TestServer_StatusRequest(t *testing.T) {
	_, ts, _ := newTestServer(t)
	client := NewClient(ts.URL)

	resp, err := client.Do(ReqStatus, nil)
	require.NoError(t, err)
	assert.True(t, resp.Success)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, data, "pool")
	assert.Contains(t, data, "sessions")
}

func TestServer_PoolResizeValidation(t *testing.T) {
	_, ts, _ := newTestServer(t)
	client := NewClient(ts.URL)

	resp, err := client.Do(ReqPoolResize, map[string]int{"size": 0})
	require.NoError(t, err, "a schema rejection is a domain failure, not a transport failure")
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeValidation, resp.Error.Code)

	resp, err = client.Do(ReqPoolResize, map[string]int{"size": 2})
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestServer_PlanApproveRejectsCyclicPlan(t *testing.T) {
	_, ts, _ := newTestServer(t)
	client := NewClient(ts.URL)

	cyclic := "- T1: a\n  Depends: T2\n- T2: b\n  Depends: T1\n"
	resp, err := client.Do(ReqPlanApprove, map[string]string{"sessionId": "s1", "planContent": cyclic})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error.Message, "cycle")
}

func TestServer_AgentCompleteDrivesWorkflow(t *testing.T) {
	_, ts, coord := newTestServer(t)
	client := NewClient(ts.URL)

	// context_gathering is a single agent phase awaiting a "context" signal.
	id, err := coord.DispatchWorkflow("s1", registry.TypeContextGathering,
		map[string]interface{}{"prompt": "gather"}, coordinator.DispatchOptions{})
	require.NoError(t, err)

	resp, err := client.Do(ReqAgentComplete, map[string]interface{}{
		"sessionId":  "s1",
		"workflowId": id,
		"stage":      "context",
		"result":     "success",
		"data":       map[string]interface{}{"contextPath": "/tmp/context.md"},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		state := coord.GetSessionState("s1")
		if len(state.Workflows) == 1 && state.Workflows[0].Status == workflow.StatusCompleted {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("workflow did not complete after agent.complete delivery")
}

func TestServer_UnknownRequestType(t *testing.T) {
	_, ts, _ := newTestServer(t)
	client := NewClient(ts.URL)

	resp, err := client.Do("no.such.request", nil)
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, ErrCodeNotFound, resp.Error.Code)
}

func TestClient_TransportErrorOnUnreachableServer(t *testing.T) {
	client := NewClient("http://127.0.0.1:1")
	_, err := client.Do(ReqStatus, nil)
	require.Error(t, err)
	var te *TransportError
	assert.ErrorAs(t, err, &te)
}

func TestServer_WebSocketStreamsEventsAndAnswersRequests(t *testing.T) {
	s, ts, _ := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Bidirectional half: a request over the socket gets a correlated
	// response.
	require.NoError(t, conn.WriteJSON(Request{ID: "req-1", Type: ReqPoolStatus}))

	// Unsolicited half: an event fired on the bus reaches the subscriber.
	s.events.Fire(eventbus.Event{
		Topic:   eventbus.TopicSessionUpdated,
		Payload: eventbus.SessionUpdated{SessionID: "s1", Status: "executing"},
	})

	var sawResponse, sawEvent bool
	deadline := time.Now().Add(2 * time.Second)
	for (!sawResponse || !sawEvent) && time.Now().Before(deadline) {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		var raw map[string]interface{}
		require.NoError(t, conn.ReadJSON(&raw))
		if raw["id"] == "req-1" {
			sawResponse = true
			assert.Equal(t, true, raw["success"])
		}
		if raw["event"] == string(eventbus.TopicSessionUpdated) {
			sawEvent = true
		}
	}
	assert.True(t, sawResponse, "expected a correlated response frame")
	assert.True(t, sawEvent, "expected a session.updated event frame")
}
