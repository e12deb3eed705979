// cmd/dashboard/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/LuaanNguyen/PhoenixProject/internal/alerting"
	"github.com/LuaanNguyen/PhoenixProject/internal/anomaly"
	"github.com/LuaanNguyen/PhoenixProject/internal/api"
	"github.com/LuaanNguyen/PhoenixProject/internal/archive"
	"github.com/LuaanNguyen/PhoenixProject/internal/auth"
	"github.com/LuaanNguyen/PhoenixProject/internal/config"
	"github.com/LuaanNguyen/PhoenixProject/internal/feed"
	"github.com/LuaanNguyen/PhoenixProject/internal/ingest"
	"github.com/LuaanNguyen/PhoenixProject/internal/metrics"
	"github.com/LuaanNguyen/PhoenixProject/internal/storage"
	"github.com/LuaanNguyen/PhoenixProject/internal/websocket"
)

func main() {
	configPath := flag.String("config", ".", "Path to the configuration file directory")
	webDir := flag.String("webdir", "", "Optional directory of static dashboard assets")
	feedURL := flag.String("feed", "", "Override feed.url")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}
	if *feedURL != "" {
		cfg.Feed.URL = *feedURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Initialize Components ---
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	stats := metrics.NewPrometheusStats(registry)

	var store *storage.PointStore
	hub := websocket.NewHub(websocket.WithGreeting(func() [][]byte {
		b, err := json.Marshal(websocket.Envelope{Type: "view", Payload: store.View()})
		if err != nil {
			log.Printf("Error marshalling view greeting: %v", err)
			return nil
		}
		return [][]byte{b}
	}))
	store = storage.NewPointStore(cfg.Store.MaxPoints, cfg.Store.TimeWindowMinutes,
		storage.OnRecompute(func(v storage.View) { hub.Broadcast("view", v) }))
	detector := anomaly.NewDetector(cfg.Anomaly.Rules)
	alerter := alerting.NewAlerter(hub, cfg.Anomaly.AlertCooldown)

	opts := []ingest.Option{ingest.WithBroadcaster(hub), ingest.WithStats(stats)}
	if cfg.Archive.Enabled() {
		arch := archive.NewInfluxArchive(cfg.Archive.InfluxURL, cfg.Archive.InfluxToken,
			cfg.Archive.InfluxOrg, cfg.Archive.InfluxBucket, cfg.Archive.QueueSize, archive.WithStats(stats))
		defer arch.Close()
		go arch.Run(ctx)
		opts = append(opts, ingest.WithArchive(arch))
		log.Printf("Archiving readings to %s bucket %s", cfg.Archive.InfluxURL, cfg.Archive.InfluxBucket)
	}
	processor := ingest.NewProcessor(store, detector, alerter, opts...)

	manager := feed.New(feed.Options{
		URL:                  cfg.Feed.URL,
		MaxReconnectAttempts: cfg.Feed.MaxReconnectAttempts,
		ReconnectDelay:       cfg.Feed.ReconnectDelay,
		ThrottleInterval:     cfg.Feed.ThrottleInterval,
		Metrics:              stats,
		OnMessage:            processor.HandleMessage,
		OnStatusChange:       func(s feed.Status) { hub.Broadcast("feed_status", s) },
		OnError:              func(err error) { log.Printf("Feed error: %v", err) },
	})

	am := auth.NewAuthManager(cfg.Auth)
	if !am.Enabled() {
		log.Println("Warning: no API keys or JWT secret configured, command endpoints are open")
	}
	apiHandler := api.NewAPIHandler(ctx, store, manager, processor, alerter, hub, am, stats, *webDir)

	go hub.Run(ctx)
	if cfg.Feed.Autostart {
		manager.Connect()
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.APIPort),
		Handler:           api.SetupRouter(apiHandler, cfg.Server.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Starting dashboard API on port %d (feed %s)", cfg.Server.APIPort, cfg.Feed.URL)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Dashboard server ListenAndServe error: %v", err)
		}
	}()

	// --- Graceful Shutdown ---
	<-ctx.Done()
	log.Println("Shutting down dashboard...")

	apiHandler.StopSmoke()
	manager.Disconnect()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Dashboard server shutdown error: %v", err)
	}
	log.Println("Dashboard stopped.")
}
