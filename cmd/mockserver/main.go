// cmd/mockserver/main.go
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LuaanNguyen/PhoenixProject/internal/config"
	"github.com/LuaanNguyen/PhoenixProject/internal/mock"
)

func main() {
	configPath := flag.String("config", ".", "Path to the configuration file directory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	seed := cfg.Mock.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	gen := mock.NewGenerator(mock.EldoradoSensors, rand.New(rand.NewSource(seed)), nil)
	srv := mock.NewServer(mock.Options{
		UpdateInterval:    cfg.Mock.UpdateInterval,
		FireCheckInterval: cfg.Mock.FireCheckInterval,
		FireProbability:   cfg.Mock.FireProbability,
		InitialBatch:      cfg.Mock.InitialBatch,
		UpdateBatch:       cfg.Mock.UpdateBatch,
		MaxSteps:          cfg.Mock.MaxSteps,
	}, gen)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go srv.Run(ctx)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.MockPort),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("Mock feed server started on ws://localhost:%d/ws (%d sensors)", cfg.Server.MockPort, gen.Len())
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Mock server ListenAndServe error: %v", err)
		}
	}()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			log.Printf("Average PM2.5: %.1f µg/m³", gen.AveragePM25())
		case <-ctx.Done():
			log.Println("Shutting down mock server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("Mock server shutdown error: %v", err)
			}
			cancel()
			log.Println("Mock server stopped.")
			return
		}
	}
}
