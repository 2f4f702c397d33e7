package client

import (
	"context"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"github.com/sableworks/exportstream/tool"
	"github.com/sableworks/exportstream/types"
)

// ListenCompletions subscribes to the server's completion broadcast channel
// and invokes onNotice for every completed export. It redials with a fixed
// backoff until the context is cancelled, so a flapping server connection
// does not silence cross-context delivery.
func ListenCompletions(ctx context.Context, baseURL string, onNotice func(types.CompletionNotice)) {
	wsURL := strings.TrimSuffix(baseURL, "/") + "/api/export/v1/complete-ws"
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)

	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err != nil {
			tool.DefaultLogger.Warnf("[Broadcast] Dial failed: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
				continue
			}
		}
		readCompletions(ctx, conn, onNotice)
		_ = conn.Close()
	}
}

func readCompletions(ctx context.Context, conn *websocket.Conn, onNotice func(types.CompletionNotice)) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				tool.DefaultLogger.Warnf("[Broadcast] Connection lost: %v", err)
			}
			return
		}
		var notice types.CompletionNotice
		if err := sonic.Unmarshal(data, &notice); err != nil {
			tool.DefaultLogger.Warnf("[Broadcast] Malformed notice: %v", err)
			continue
		}
		onNotice(notice)
	}
}
