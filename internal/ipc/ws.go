package ipc

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/aosanya/apc/internal/eventbus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The IPC endpoint binds to loopback; the CLI and IDE surface connect
	// without an Origin header worth checking.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsHub fans Event Bus traffic out to every connected WebSocket client.
// A slow client's send buffer fills and its frames are dropped rather
// than blocking dispatch.
type wsHub struct {
	events *eventbus.Bus

	mu      sync.Mutex
	clients map[*wsClient]struct{}

	disposers []eventbus.Disposer
}

type wsClient struct {
	conn *websocket.Conn
	send chan EventFrame
}

func newWSHub(events *eventbus.Bus) *wsHub {
	return &wsHub{events: events, clients: make(map[*wsClient]struct{})}
}

// start subscribes the hub to every externally visible topic.
func (h *wsHub) start() {
	topics := []eventbus.Topic{
		eventbus.TopicSessionUpdated,
		eventbus.TopicWorkflowProgress,
		eventbus.TopicWorkflowComplete,
		eventbus.TopicAgentAllocated,
		eventbus.TopicAgentReleased,
		eventbus.TopicError,
	}
	for _, topic := range topics {
		topic := topic
		h.disposers = append(h.disposers, h.events.Subscribe(topic, func(e eventbus.Event) {
			h.broadcast(EventFrame{Event: string(topic), Payload: e.Payload})
		}))
	}
}

func (h *wsHub) stop() {
	for _, d := range h.disposers {
		d()
	}
	h.disposers = nil

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}

func (h *wsHub) broadcast(frame EventFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- frame:
		default:
			log.Warn("dropping event frame for slow websocket subscriber")
		}
	}
}

func (h *wsHub) add(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *wsHub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
}

// handleWebSocket upgrades the connection and runs the bidirectional
// message loop: Request envelopes in, correlated Response envelopes plus
// unsolicited EventFrames out.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.WithField("err", err).Warn("websocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn, send: make(chan EventFrame, wsSendBuffer)}
	s.hub.add(client)

	// Writer: serializes event frames onto the socket. Responses to
	// inbound requests are written from the reader goroutine under the
	// same connection, so a mutex guards the write side.
	var writeMu sync.Mutex
	done := make(chan struct{})

	go func() {
		defer close(done)
		for frame := range client.send {
			writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := conn.WriteJSON(frame)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	for {
		var req Request
		if err := conn.ReadJSON(&req); err != nil {
			break
		}
		resp := s.dispatch(&req)
		writeMu.Lock()
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		err := conn.WriteJSON(resp)
		writeMu.Unlock()
		if err != nil {
			break
		}
	}

	s.hub.remove(client)
	<-done
	_ = conn.Close()
}
