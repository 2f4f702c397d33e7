package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sableworks/exportstream/api"
	"github.com/sableworks/exportstream/api/models"
	"github.com/sableworks/exportstream/api/notifyhub"
	"github.com/sableworks/exportstream/client"
	"github.com/sableworks/exportstream/export"
	"github.com/sableworks/exportstream/strategy"
	"github.com/sableworks/exportstream/tool"
	"github.com/sableworks/exportstream/types"
)

func main() {
	cfg := tool.SetFlags()
	appCfg, err := tool.LoadConfig(cfg.UseConfigPath)
	if err != nil {
		tool.DefaultLogger.Fatalf("%v", err)
	}
	if cfg.UsePort > 0 {
		appCfg.Port = cfg.UsePort
	}
	if cfg.UseChunkSize > 0 {
		appCfg.DefaultChunkSize = cfg.UseChunkSize
	}
	if cfg.UseMaxTotalRows > 0 {
		appCfg.MaxTotalRows = cfg.UseMaxTotalRows
	}
	if cfg.UseStateDir != "" {
		appCfg.StateDir = cfg.UseStateDir
	}
	if cfg.UseSessionTTLMin > 0 {
		appCfg.SessionTTLMinutes = cfg.UseSessionTTLMin
	}

	tool.InitLogger()
	tool.SetLogMode(cfg.Log)

	if cfg.UseClient {
		runClient(cfg, appCfg)
		return
	}
	runServer(appCfg)
}

func runServer(appCfg types.AppConfig) {
	registry := strategy.NewRegistry()
	registerSampleKinds(registry)

	store := models.NewSessionStore(time.Duration(appCfg.SessionTTLMinutes) * time.Minute)
	hub := notifyhub.New()
	producer := export.NewProducer(registry, store, hub, export.Options{
		DefaultChunkSize:     appCfg.DefaultChunkSize,
		MaxTotalRows:         appCfg.MaxTotalRows,
		ProgressEventsPerSec: appCfg.ProgressEventsPerSec,
		StallTimeout:         time.Duration(appCfg.StallTimeoutMinutes) * time.Minute,
	})

	server := api.NewServer(appCfg.Port, producer, store, registry, hub)
	go func() {
		if err := server.Start(); err != nil {
			tool.DefaultLogger.Fatalf("API server startup failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	tool.DefaultLogger.Info("Shutting down, waiting for in-flight streams")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		tool.DefaultLogger.Errorf("Shutdown did not finish cleanly: %v", err)
	}
}

// runClient composes the export engine, the queue coordinator and the
// completion listener against a remote server. Unfinished exports from a
// previous run are reconciled before any new one is submitted.
func runClient(cfg tool.Config, appCfg types.AppConfig) {
	records, err := client.NewRecordStore(appCfg.StateDir)
	if err != nil {
		tool.DefaultLogger.Fatalf("Could not open state directory: %v", err)
	}
	engine := client.NewEngine(cfg.UseServerAddr, cfg.UseUserId, records, cfg.UseDownloadDir)
	engine.OnProgress = func(rec types.ClientExportRecord) {
		if eta, ok := client.ETA(rec); ok {
			tool.DefaultLogger.Infof("[Client] %s: %d/%d rows (%.0f%%), ~%s left",
				rec.ExportId, rec.ProcessedRows, rec.TotalRows, rec.Percentage, eta.Round(time.Second))
			return
		}
		tool.DefaultLogger.Infof("[Client] %s: %d/%d rows (%.0f%%)",
			rec.ExportId, rec.ProcessedRows, rec.TotalRows, rec.Percentage)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := client.NewCoordinator(records, appCfg.MaxQueueLength, true, func(entry types.QueueEntry) (string, error) {
		exportId, err := engine.Start(ctx, entry.Request, "")
		if err != nil {
			return "", err
		}
		go func() {
			if err := engine.Run(ctx, exportId, entry.Request); err != nil {
				tool.DefaultLogger.Warnf("[Client] Export %s ended with error: %v", exportId, err)
			}
		}()
		return exportId, nil
	})
	engine.OnTerminal = coord.OnExportTerminal

	go client.ListenCompletions(ctx, cfg.UseServerAddr, func(notice types.CompletionNotice) {
		engine.DeliverFromNotice(ctx, notice)
	})

	engine.ResumeAll(ctx)
	coord.DrainStartup()

	if cfg.UseExportKind != "" {
		exportId, started, err := coord.Submit(types.ExportRequest{ExportKind: cfg.UseExportKind})
		switch {
		case err != nil:
			tool.DefaultLogger.Errorf("Could not submit %s export: %v", cfg.UseExportKind, err)
		case started:
			tool.DefaultLogger.Infof("[Client] Started %s export %s", cfg.UseExportKind, exportId)
		default:
			tool.DefaultLogger.Infof("[Client] Queued %s export", cfg.UseExportKind)
		}
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	tool.DefaultLogger.Info("Client shutting down, pending queue is persisted")
}

// registerSampleKinds wires two demo datasets so the server is usable out of
// the box. Real deployments register their own strategies here.
func registerSampleKinds(registry *strategy.Registry) {
	users := make([]strategy.MemoryRecord, 0, 1000)
	for i := 0; i < 1000; i++ {
		users = append(users, strategy.MemoryRecord{
			ID: fmt.Sprintf("user-%04d", i),
			Fields: map[string]string{
				"name":   fmt.Sprintf("User %d", i),
				"email":  fmt.Sprintf("user%d@example.com", i),
				"status": []string{"active", "inactive"}[i%2],
			},
		})
	}
	registry.Register(strategy.NewMemoryStrategy("user", []string{"name", "email", "status"}, users, nil))

	roles := []strategy.MemoryRecord{
		{ID: "role-admin", Fields: map[string]string{"name": "Administrator", "scope": "global"}},
		{ID: "role-editor", Fields: map[string]string{"name": "Editor", "scope": "workspace"}},
		{ID: "role-viewer", Fields: map[string]string{"name": "Viewer", "scope": "workspace"}},
	}
	registry.Register(strategy.NewMemoryStrategy("role", []string{"name", "scope"}, roles, nil))
}
