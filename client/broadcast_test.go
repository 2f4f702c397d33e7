package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/sableworks/exportstream/api/notifyhub"
	"github.com/sableworks/exportstream/types"
)

// TestListenCompletionsReceivesBroadcast connects the listener to a real hub
// endpoint and checks a broadcast notice reaches the callback.
func TestListenCompletionsReceivesBroadcast(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := notifyhub.New()
	router := gin.New()
	router.GET("/api/export/v1/complete-ws", notifyhub.HandleCompletionWS(hub))
	server := httptest.NewServer(router)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notices := make(chan types.CompletionNotice, 1)
	done := make(chan struct{})
	go func() {
		ListenCompletions(ctx, server.URL, func(n types.CompletionNotice) {
			notices <- n
		})
		close(done)
	}()

	// Wait for the subscriber to register before broadcasting.
	deadline := time.Now().Add(3 * time.Second)
	for hub.ConnCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Listener never connected to the hub")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.BroadcastCompletion(&types.CompletionNotice{ExportId: "e1", FileName: "user_export.csv"})

	select {
	case got := <-notices:
		if got.ExportId != "e1" || got.FileName != "user_export.csv" {
			t.Errorf("Notice mismatch: %+v", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Broadcast notice never reached the listener")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Listener did not stop on context cancel")
	}
}
