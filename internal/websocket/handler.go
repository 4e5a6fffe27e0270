package websocket

import (
	"log/slog"
	"net/http"

	ws "github.com/coder/websocket"

	"github.com/dukerupert/loyaltywallet/internal/auth"
)

// HandleWebSocket upgrades an authenticated request and subscribes the
// connection to its caller's key. originPatterns lists the hosts allowed to
// open a connection from a browser; an empty list allows same-origin only.
func HandleWebSocket(hub *Hub, originPatterns []string, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := auth.FromContext(r.Context())
		if !ok {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			OriginPatterns: originPatterns,
		})
		if err != nil {
			logger.Warn("accept websocket", "error", err)
			return
		}
		defer conn.CloseNow()

		key := SubscriberKey(caller)
		logger.Debug("websocket subscribed", "key", key)
		NewClient(hub, key, conn).Run(r.Context())
	}
}
