package hub

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"crypto-market-hub/internal/service"
	"crypto-market-hub/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Local data service, subscribers connect from anywhere on the host.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Router assembles the downstream HTTP surface: the WebSocket endpoint plus
// health and metrics.
func (h *Hub) Router(health telemetry.HealthSource) http.Handler {
	r := chi.NewRouter()
	telemetry.Mount(r, health)
	r.Get("/ws", h.serveWS)
	return r
}

// serveWS upgrades one downstream connection and starts its pumps.
func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		service.Logger.Warn("WebSocket upgrade failed",
			zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	client := newClient(h, conn, h.cfg.Server.ClientQueueSize)
	h.register(client)

	go client.writePump()
	go client.readPump()
}
