package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/deepr-dev/deepr/internal/eventbus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 50 * time.Second
	wsSendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is key-authenticated; browser origin enforcement happens at
	// the CORS layer for the REST routes.
	CheckOrigin: func(*http.Request) bool { return true },
}

// events streams bus events matching the requested topic patterns over a
// WebSocket. Patterns arrive comma-separated in ?topics=; empty subscribes to
// everything. A slow consumer is disconnected rather than allowed to block
// the bus.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	patterns := []string{"*"}
	if raw := r.URL.Query().Get("topics"); raw != "" {
		patterns = patterns[:0]
		for _, p := range strings.Split(raw, ",") {
			if p = strings.TrimSpace(p); p != "" {
				patterns = append(patterns, p)
			}
		}
	}

	send := make(chan eventbus.Event, wsSendBuffer)
	overflow := make(chan struct{}, 1)
	unsubs := make([]func(), 0, len(patterns))
	for _, p := range patterns {
		unsubs = append(unsubs, s.Bus.Subscribe(p, func(ev eventbus.Event) {
			select {
			case send <- ev:
			default:
				select {
				case overflow <- struct{}{}:
				default:
				}
			}
		}))
	}
	defer func() {
		for _, u := range unsubs {
			u()
		}
		_ = conn.Close()
	}()

	// Reader only services control frames; clients do not send data.
	go func() {
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				_ = conn.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-overflow:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "event stream overflow"),
				time.Now().Add(wsWriteWait))
			return
		case ev := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
