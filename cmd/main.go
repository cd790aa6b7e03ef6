package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"crypto-market-hub/internal/api"
	"crypto-market-hub/internal/engine"
	"crypto-market-hub/internal/hub"
	"crypto-market-hub/internal/model"
	"crypto-market-hub/internal/recorder"
	"crypto-market-hub/internal/service"
)

// healthSource ties connectivity state together for /healthz.
type healthSource struct {
	hub *hub.Hub
}

func (h healthSource) UpstreamConnections() int { return api.ConnectedUpstreams() }
func (h healthSource) ClientQueueDepths() map[string]int { return h.hub.ClientQueueDepths() }

func main() {
	cfg := service.LoadConfig("config")
	service.InitLogger(cfg.LogLevel)
	defer service.Logger.Sync()

	eng := engine.New(cfg)

	// Ingestion starter shared by startup defaults and dynamic subscribes.
	startIngestion := func(symbol string, sc model.StreamConfig) {
		go func() {
			if cfg.Exchange.Name == "mock" {
				api.NewMockFeed(symbol, sc, eng, 50000).Start()
				return
			}
			api.Backfill(eng, cfg, symbol, sc.KlineIntervals)
			api.NewConnector(symbol, sc, cfg, eng).Start()
		}()
	}

	h := hub.New(eng, cfg, startIngestion)
	eng.RegisterProcessor(h)

	if cfg.Recorder.Enabled {
		rec, err := recorder.New(cfg.Recorder)
		if err != nil {
			service.Logger.Fatal("Failed to start recorder", zap.Error(err))
		}
		defer rec.Close()
		eng.RegisterProcessor(rec)
	}

	for _, symbol := range cfg.Server.DefaultSymbols {
		if eng.RequestIngestion(symbol) {
			startIngestion(symbol, cfg.DefaultStreamConfig())
		}
	}

	server := &http.Server{
		Addr:    cfg.Server.BindAddress,
		Handler: h.Router(healthSource{hub: h}),
	}

	go func() {
		service.Logger.Info("WebSocket server listening",
			zap.String("addr", cfg.Server.BindAddress))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			service.Logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	service.Logger.Info("Shutting down", zap.String("signal", sig.String()))
	server.Close()
}
