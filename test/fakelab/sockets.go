package fakelab

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type socketConn struct {
	sid     string
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

func (c *socketConn) send(msg string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *socketConn) emit(event string, payload any) error {
	b, err := json.Marshal([]any{event, payload})
	if err != nil {
		return err
	}
	return c.send("42" + string(b))
}

func (c *socketConn) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

type socketHub struct {
	lab *Server

	mu    sync.Mutex
	conns map[*socketConn]struct{}
	rooms map[string]map[*socketConn]struct{}
	joins map[string]int
}

func newSocketHub(lab *Server) *socketHub {
	return &socketHub{
		lab:   lab,
		conns: make(map[*socketConn]struct{}),
		rooms: make(map[string]map[*socketConn]struct{}),
		joins: make(map[string]int),
	}
}

func (h *socketHub) serve(w http.ResponseWriter, r *http.Request) {
	h.lab.mu.Lock()
	reject := h.lab.rejectSocket
	ping := h.lab.pingInterval
	h.lab.mu.Unlock()
	if ping <= 0 {
		ping = 25 * time.Second
	}

	if reject || r.URL.Query().Get("EIO") != "4" || r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &socketConn{sid: uuid.NewString(), ws: ws, closed: make(chan struct{})}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	defer h.remove(c)

	open, _ := json.Marshal(map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": ping.Milliseconds(),
		"pingTimeout":  20000,
		"maxPayload":   1000000,
	})
	if err := c.send("0" + string(open)); err != nil {
		return
	}

	go h.pinger(c, ping)

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		h.handle(c, string(msg))
	}
}

func (h *socketHub) pinger(c *socketConn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			if err := c.send("2"); err != nil {
				return
			}
		}
	}
}

func (h *socketHub) handle(c *socketConn, msg string) {
	switch {
	case msg == "3":
		// pong
	case msg == "40" || strings.HasPrefix(msg, "40{"):
		_ = c.send(fmt.Sprintf(`40{"sid":%q}`, c.sid))
	case msg == "41":
		c.close()
	case strings.HasPrefix(msg, "42"):
		var parts []json.RawMessage
		if err := json.Unmarshal([]byte(msg[2:]), &parts); err != nil || len(parts) == 0 {
			return
		}
		var event string
		_ = json.Unmarshal(parts[0], &event)
		var data map[string]any
		if len(parts) > 1 {
			_ = json.Unmarshal(parts[1], &data)
		}
		switch event {
		case "join_room":
			h.join(c, data)
		case "leave_room":
			runID, _ := data["model_run_id"].(string)
			h.leave(c, runID)
		}
	}
}

func (h *socketHub) join(c *socketConn, data map[string]any) {
	token, _ := data["token"].(string)
	runID, _ := data["model_run_id"].(string)

	h.mu.Lock()
	h.joins[runID]++
	h.mu.Unlock()

	reject := func(message string) {
		_ = c.emit("room_error", map[string]any{"model_run_id": runID, "message": message})
	}
	if token == "" || runID == "" {
		reject("Token and model_run_id are required")
		return
	}
	if token != h.lab.Token() {
		reject("Invalid or expired token")
		return
	}

	h.lab.mu.Lock()
	run, ok := h.lab.runs[runID]
	owner := ""
	if ok {
		owner = run.Owner
	}
	h.lab.mu.Unlock()
	if !ok {
		reject("Model run not found")
		return
	}
	if owner != UserID {
		reject("Unauthorized to join this room")
		return
	}

	h.mu.Lock()
	if h.rooms[runID] == nil {
		h.rooms[runID] = make(map[*socketConn]struct{})
	}
	h.rooms[runID][c] = struct{}{}
	h.mu.Unlock()

	_ = c.emit("room_joined", map[string]any{
		"model_run_id": runID,
		"message":      "Successfully joined room " + runID,
	})
}

func (h *socketHub) leave(c *socketConn, runID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[runID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, runID)
		}
	}
}

func (h *socketHub) remove(c *socketConn) {
	c.close()
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
	for id, members := range h.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, id)
		}
	}
}

func (h *socketHub) emitRoom(runID, event string, payload any) {
	h.mu.Lock()
	members := make([]*socketConn, 0, len(h.rooms[runID]))
	for c := range h.rooms[runID] {
		members = append(members, c)
	}
	h.mu.Unlock()

	for _, c := range members {
		_ = c.emit(event, payload)
	}
}

func (h *socketHub) closeAll() {
	h.mu.Lock()
	conns := make([]*socketConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.remove(c)
	}
}

func (h *socketHub) members(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[runID])
}

func (h *socketHub) joinCount(runID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.joins[runID]
}

func (h *socketHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}
