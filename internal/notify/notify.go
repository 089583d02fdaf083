// Package notify holds the set of update-subscription WebSockets per user
// and fans out file-change events.
//
// The register/unregister/broadcast channel loop and WritePump/ping-ticker
// pattern are adapted from the teacher's live_hub.go (its multi-viewer
// terminal-sharing feature is out of this spec's domain, but its hub
// mechanics are exactly what a fan-out bus needs). The envelope shape
// — {type:"file_update", action, path, timestamp} — is ported verbatim
// from original_source/backend/db_update_manager.py's notify_file_update.
package notify

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 2 * pingInterval
	writeWait    = 10 * time.Second
)

// Event is a single filesystem mutation, emitted by C6.
type Event struct {
	Action string // "create" | "delete" | "move"
	Path   string
}

type envelope struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	Path      string `json:"path"`
	Timestamp string `json:"timestamp"`
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

// Bus implements C7: subscribe/unsubscribe/publish over per-user socket
// sets, mutated only from its own loop goroutine (§5's loop-serialized
// access discipline, mirroring live_hub.go's run loop).
type Bus struct {
	log zerolog.Logger

	register   chan regReq
	unregister chan unregReq
	publishCh  chan publishReq

	subs map[string]map[*subscriber]bool
}

type regReq struct {
	userID string
	sub    *subscriber
}
type unregReq struct {
	userID string
	sub    *subscriber
}
type publishReq struct {
	userID string
	event  Event
}

func New(log zerolog.Logger) *Bus {
	b := &Bus{
		log:        log,
		register:   make(chan regReq),
		unregister: make(chan unregReq),
		publishCh:  make(chan publishReq, 64),
		subs:       make(map[string]map[*subscriber]bool),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	for {
		select {
		case r := <-b.register:
			if b.subs[r.userID] == nil {
				b.subs[r.userID] = make(map[*subscriber]bool)
			}
			b.subs[r.userID][r.sub] = true

		case u := <-b.unregister:
			if set, ok := b.subs[u.userID]; ok {
				if _, present := set[u.sub]; present {
					delete(set, u.sub)
					close(u.sub.send)
					if len(set) == 0 {
						delete(b.subs, u.userID)
					}
				}
			}

		case p := <-b.publishCh:
			data, err := json.Marshal(envelope{
				Type:      "file_update",
				Action:    p.event.Action,
				Path:      p.event.Path,
				Timestamp: time.Now().UTC().Format(time.RFC3339),
			})
			if err != nil {
				continue
			}
			for sub := range b.subs[p.userID] {
				select {
				case sub.send <- data:
				default:
					b.log.Warn().Str("user_id", p.userID).Msg("subscriber send buffer full, dropping")
				}
			}
		}
	}
}

// Publish implements §4.7's publish.
func (b *Bus) Publish(userID string, event Event) {
	b.publishCh <- publishReq{userID: userID, event: event}
}

// Subscribe implements §4.7's subscribe: registers conn and blocks,
// running its write pump, until the connection closes.
func (b *Bus) Subscribe(userID string, conn *websocket.Conn) {
	sub := &subscriber{conn: conn, send: make(chan []byte, 16)}
	b.register <- regReq{userID: userID, sub: sub}

	done := make(chan struct{})
	go b.readPump(userID, sub, done)
	b.writePump(sub, done)
}

func (b *Bus) readPump(userID string, sub *subscriber, done chan struct{}) {
	defer close(done)
	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, msg, err := sub.conn.ReadMessage()
		if err != nil {
			b.unregister <- unregReq{userID: userID, sub: sub}
			return
		}
		if string(msg) == "ping" {
			_ = sub.conn.WriteMessage(websocket.TextMessage, []byte("pong"))
		}
	}
}

func (b *Bus) writePump(sub *subscriber, done chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer sub.conn.Close()

	for {
		select {
		case <-done:
			return
		case data, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = sub.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
				return
			}
			// Control ping: the client's pong extends the read deadline in
			// readPump's pong handler.
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
