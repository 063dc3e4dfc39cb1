package server

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sugawarayuuta/sonnet"
	"k8s.io/klog/v2"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Broadcaster pushes pipeline state to connected dashboard clients via
// WebSocket.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[*websocket.Conn]bool),
	}
}

// HandleWS is the WebSocket upgrade handler for /ws.
func (b *Broadcaster) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		klog.Warningf("websocket upgrade failed: %v", err)
		return
	}

	b.mu.Lock()
	b.clients[conn] = true
	total := len(b.clients)
	b.mu.Unlock()

	klog.V(1).Infof("dashboard client connected (%d total)", total)

	// Read loop (to detect disconnect)
	go func() {
		defer func() {
			b.mu.Lock()
			delete(b.clients, conn)
			remain := len(b.clients)
			b.mu.Unlock()
			conn.Close()
			klog.V(1).Infof("dashboard client disconnected (%d remain)", remain)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast sends state as JSON to all connected WebSocket clients.
func (b *Broadcaster) Broadcast(state any) {
	data, err := sonnet.Marshal(state)
	if err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for conn := range b.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(b.clients, conn)
		}
	}
}
