package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/AlbanBeluli/tinyvegeta/internal/bus"
)

const (
	// writeWait is the timeout for writing to a WebSocket.
	writeWait = 10 * time.Second

	// pongWait is the timeout for pong responses.
	pongWait = 60 * time.Second

	// pingPeriod is how often to send ping frames.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum inbound message size allowed.
	maxMessageSize = 512
)

// watchHub forwards bus events to WebSocket clients connected to the
// watch endpoint. New clients can replay recent history before receiving
// live events.
type watchHub struct {
	bus      *bus.Bus
	upgrader websocket.Upgrader
	subID    bus.SubscriptionID

	clients    map[*watchClient]bool
	clientsMu  sync.RWMutex
	register   chan *watchClient
	unregister chan *watchClient

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// watchClient is a single WebSocket connection.
type watchClient struct {
	conn *websocket.Conn
	send chan []byte

	replayHistory bool
	historyCount  int
}

func newWatchHub(eventBus *bus.Bus) *watchHub {
	ctx, cancel := context.WithCancel(context.Background())

	return &watchHub{
		bus: eventBus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients:    make(map[*watchClient]bool),
		register:   make(chan *watchClient),
		unregister: make(chan *watchClient),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes to the bus and runs the client manager.
func (h *watchHub) Start() {
	h.subID = h.bus.Subscribe("", h.handleBusEvent)

	h.wg.Add(1)
	go h.runClientManager()
}

// Stop disconnects all clients and waits for the hub goroutines.
func (h *watchHub) Stop() {
	if h.subID != "" {
		_ = h.bus.Unsubscribe(h.subID)
		h.subID = ""
	}

	h.cancel()

	h.clientsMu.Lock()
	for client := range h.clients {
		close(client.send)
		client.conn.Close()
		delete(h.clients, client)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// ClientCount returns the number of connected WebSocket clients.
func (h *watchHub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *watchHub) runClientManager() {
	defer h.wg.Done()

	for {
		select {
		case client := <-h.register:
			h.clientsMu.Lock()
			h.clients[client] = true
			total := len(h.clients)
			h.clientsMu.Unlock()
			log.Debug().Int("total", total).Msg("watch client connected")

			if client.replayHistory {
				h.replayHistoryToClient(client, client.historyCount)
			}

		case client := <-h.unregister:
			h.clientsMu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				client.conn.Close()
			}
			remaining := len(h.clients)
			h.clientsMu.Unlock()
			log.Debug().Int("remaining", remaining).Msg("watch client disconnected")

		case <-h.ctx.Done():
			return
		}
	}
}

// replayHistoryToClient sends recent events to a newly connected client.
func (h *watchHub) replayHistoryToClient(client *watchClient, count int) {
	history := h.bus.History()
	if count < len(history) {
		history = history[len(history)-count:]
	}

	for _, event := range history {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}

		select {
		case client.send <- data:
		default:
			// Client channel full, skip the rest
			return
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket.
// GET /api/memory/watch?replay=&count=
func (h *watchHub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	replay := r.URL.Query().Get("replay") != "false"
	count := 100
	if n := r.URL.Query().Get("count"); n != "" {
		fmt.Sscanf(n, "%d", &count)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &watchClient{
		conn:          conn,
		send:          make(chan []byte, 256),
		replayHistory: replay,
		historyCount:  count,
	}

	h.register <- client

	h.wg.Add(2)
	go h.writePump(client)
	go h.readPump(client)
}

// writePump sends queued messages and keepalive pings to the client.
func (h *watchHub) writePump(client *watchClient) {
	defer h.wg.Done()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := client.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Flush anything else already queued
			n := len(client.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-client.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-h.ctx.Done():
			return
		}
	}
}

// readPump drains inbound frames so pings and close frames are processed.
func (h *watchHub) readPump(client *watchClient) {
	defer h.wg.Done()
	defer func() {
		select {
		case h.unregister <- client:
		case <-h.ctx.Done():
		}
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Msg("websocket read error")
			}
			break
		}
		// Inbound messages are ignored; the feed is one-way.
	}
}

// handleBusEvent fans a published event out to every connected client.
func (h *watchHub) handleBusEvent(event bus.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		log.Warn().Err(err).Msg("marshal watch event")
		return
	}

	h.clientsMu.RLock()
	clients := make([]*watchClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clientsMu.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- data:
		default:
			// Slow client, drop it
			select {
			case h.unregister <- client:
			case <-h.ctx.Done():
			}
		}
	}
}
