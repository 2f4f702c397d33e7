package notifyhub

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sableworks/exportstream/tool"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // same CORS posture as the REST endpoints
	},
}

// HandleCompletionWS upgrades the request to WebSocket and registers the
// connection with the hub.
func HandleCompletionWS(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hub.Register(conn)
		defer hub.Unregister(conn)
		tool.DefaultLogger.Debugf("[NotifyHub] Context connected (%d active)", hub.ConnCount())

		// Read loop to detect client close and keep connection alive
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}
}
