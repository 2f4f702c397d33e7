package api

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"github.com/sableworks/exportstream/api/controllers"
	"github.com/sableworks/exportstream/api/middlewares"
	"github.com/sableworks/exportstream/api/models"
	"github.com/sableworks/exportstream/api/notifyhub"
	"github.com/sableworks/exportstream/export"
	"github.com/sableworks/exportstream/strategy"
	"github.com/sableworks/exportstream/tool"
)

// Server is the HTTP API server for export control and streaming endpoints.
type Server struct {
	port     int
	producer *export.Producer
	store    *models.SessionStore
	registry *strategy.Registry
	hub      *notifyhub.Hub
	engine   *gin.Engine
	server   *http.Server
	mu       sync.RWMutex
}

func NewServer(port int, producer *export.Producer, store *models.SessionStore, registry *strategy.Registry, hub *notifyhub.Hub) *Server {
	return &Server{
		port:     port,
		producer: producer,
		store:    store,
		registry: registry,
		hub:      hub,
	}
}

func (s *Server) setupRoutes() *gin.Engine {
	if tool.DefaultLogger.GetLevel() == log.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(middlewares.AllowAllCORS())
	engine.Use(gin.Recovery())

	// Initialize controllers
	exportCtrl := controllers.NewExportController(s.producer)
	statusCtrl := controllers.NewStatusController(s.store, s.registry)
	cancelCtrl := controllers.NewCancelController(s.producer, s.store)
	downloadCtrl := controllers.NewDownloadController(s.store)

	v1 := engine.Group("/api/export/v1")
	{
		v1.GET("/kinds", statusCtrl.HandleKinds)         // List registered export kinds
		v1.POST("/start", exportCtrl.HandleStart)        // Validate, count and register a session
		v1.POST("/stream", exportCtrl.HandleStream)      // Long-lived NDJSON push channel
		v1.GET("/status", statusCtrl.HandleStatus)       // Session snapshot for reconnect decisions
		v1.POST("/cancel", cancelCtrl.HandleCancel)      // Control-plane cancellation flip
		v1.DELETE("/cleanup", cancelCtrl.HandleCleanup)  // Remove session after durable delivery
		v1.GET("/download", downloadCtrl.HandleDownload) // Fetch retained body of a completed export
		if s.hub != nil {
			v1.GET("/complete-ws", notifyhub.HandleCompletionWS(s.hub)) // Completion fan-out for sibling contexts
		}
	}

	return engine
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	engine := s.setupRoutes()

	s.mu.Lock()
	s.engine = engine
	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: engine,
	}
	s.mu.Unlock()

	tool.DefaultLogger.Infof("Starting export API server on :%d", s.port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server, letting in-flight streams finish within the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	srv := s.server
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
