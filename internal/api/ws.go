package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket bridge for run events: clients subscribe by runId and
// receive the same events the SSE stream carries.

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wsSubscribePayload struct {
	RunID string `json:"runId"`
}

// RunEventsWSHandler handles /v1/runs/ws
func (s *Server) RunEventsWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	type sub struct {
		runID string
		ch    chan RunEvent
		done  chan struct{}
	}
	subs := map[string]sub{}
	var wmu sync.Mutex
	write := func(v any) error {
		wmu.Lock()
		defer wmu.Unlock()
		return conn.WriteJSON(v)
	}
	defer func() {
		for _, su := range subs {
			close(su.done)
			s.Broker.Unsubscribe(su.runID, su.ch)
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(60 * time.Second)); return nil })

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "connection_init":
			_ = write(wsMessage{Type: "connection_ack"})
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "subscribe":
			var p wsSubscribePayload
			if err := json.Unmarshal(msg.Payload, &p); err != nil || p.RunID == "" || msg.ID == "" {
				_ = write(wsMessage{Type: "error", ID: msg.ID})
				continue
			}
			if _, dup := subs[msg.ID]; dup {
				_ = write(wsMessage{Type: "error", ID: msg.ID})
				continue
			}
			su := sub{runID: p.RunID, ch: s.Broker.Subscribe(p.RunID), done: make(chan struct{})}
			subs[msg.ID] = su
			go func(id string, su sub) {
				for {
					select {
					case <-su.done:
						return
					case evt, open := <-su.ch:
						if !open {
							return
						}
						payload, _ := json.Marshal(evt)
						if err := write(wsMessage{Type: "next", ID: id, Payload: payload}); err != nil {
							return
						}
					}
				}
			}(msg.ID, su)
		case "complete":
			if su, ok := subs[msg.ID]; ok {
				close(su.done)
				s.Broker.Unsubscribe(su.runID, su.ch)
				delete(subs, msg.ID)
			}
		}
	}
}
