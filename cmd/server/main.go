/*
 * Copyright 2025 ViPower Energy.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// The vipower-server binary runs the telemetry fan-out server: it supervises
// the broker bridge process, accepts WebSocket clients, and serves the device
// catalog and time-series history.
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

	"github.com/gorilla/websocket"

	"github.com/tranquoctrung1/vi-power/pkg/bridge"
	"github.com/tranquoctrung1/vi-power/pkg/config"
	"github.com/tranquoctrung1/vi-power/pkg/devices"
	"github.com/tranquoctrung1/vi-power/pkg/logger"
	"github.com/tranquoctrung1/vi-power/pkg/models"
	"github.com/tranquoctrung1/vi-power/pkg/registry"
	"github.com/tranquoctrung1/vi-power/pkg/simulator"
	"github.com/tranquoctrung1/vi-power/pkg/timeseries"
)

const (
	shutdownTimeout = 10 * time.Second
	bridgeStopWait  = 5 * time.Second

	defaultBridgeBinary = "vipower-bridge"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/vipower/server.json", "Path to server config file")
	flag.Parse()

	mainLogger, err := logger.New(logger.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg models.ServerConfig

	if err := config.NewConfig(mainLogger).LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Storage: Postgres when configured, in-memory otherwise.
	pool, err := timeseries.NewPool(ctx, &cfg.Database, mainLogger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	var (
		store timeseries.Store
		repo  devices.Repository
	)

	if pool != nil {
		defer pool.Close()

		pgRepo := devices.NewPostgresRepo(pool, mainLogger.WithComponent("catalog"))
		if err := pgRepo.EnsureSchema(ctx); err != nil {
			return err
		}

		store = timeseries.NewPostgresStore(pool, mainLogger.WithComponent("timeseries"))
		repo = pgRepo
	} else {
		mainLogger.Warn().Msg("No database configured, using in-memory storage")

		store = timeseries.NewMemoryStore()
		repo = devices.NewMemoryRepo()
	}

	svc := devices.NewService(repo, store, mainLogger.WithComponent("devices"))

	reg := registry.New(mainLogger.WithComponent("registry"))
	reg.SetSnapshotProvider(svc)

	sup := startBridge(ctx, &cfg, svc, reg, mainLogger)
	if sup != nil {
		defer sup.Stop(bridgeStopWait)

		reg.SetBridge(sup)

		for _, topic := range cfg.DefaultTopics {
			if err := sup.Subscribe(topic, 0); err != nil {
				mainLogger.Error().Err(err).Str("topic", topic).Msg("Default subscription failed")
			}
		}
	}

	if cfg.SimulateDevices {
		sim := simulator.New(svc, reg, time.Duration(cfg.SimulateInterval), mainLogger.WithComponent("simulator"))
		go sim.Run(ctx)
	}

	return serveHTTP(ctx, &cfg, reg, sup, mainLogger)
}

// startBridge launches the supervised bridge process. A missing broker host
// means the deployment has no live broker (simulation-only setups); the
// server runs without a bridge and reports it disconnected.
func startBridge(
	ctx context.Context,
	cfg *models.ServerConfig,
	svc *devices.Service,
	reg *registry.Registry,
	mainLogger logger.Logger,
) *bridge.Supervisor {
	if cfg.Broker.Host == "" {
		mainLogger.Warn().Msg("No broker configured, bridge disabled")
		reg.SetBridgeStatus(models.BridgeStatus{Status: "disconnected"})

		return nil
	}

	binary := cfg.BridgeBinary
	if binary == "" {
		binary = defaultBridgeBinary
	}

	handler := func(evt *models.BridgeEvent) {
		switch evt.Type {
		case models.BridgeEvtConnected:
			reg.SetBridgeStatus(models.BridgeStatus{Status: "connected"})

		case models.BridgeEvtDisconnected:
			reg.SetBridgeStatus(models.BridgeStatus{Status: "disconnected", Error: evt.Error})

		case models.BridgeEvtError:
			reg.SetBridgeStatus(models.BridgeStatus{Status: "error", Error: evt.Error})

		case models.BridgeEvtMessage:
			if evt.Sample == nil {
				return
			}

			if err := svc.RecordSample(ctx, evt.Sample); err != nil {
				mainLogger.Error().Err(err).Str("device_id", evt.Sample.DeviceID).Msg("Failed to persist sample")
			}

			reg.BroadcastSample(evt.Topic, evt.Sample)
		}
	}

	sup := bridge.NewSupervisor(bridge.SupervisorConfig{
		BinaryPath:  binary,
		Env:         bridgeEnv(&cfg.Broker),
		Cooldown:    time.Duration(cfg.BridgeCooldown),
		MaxRestarts: cfg.BridgeMaxRestart,
	}, handler, mainLogger.WithComponent("supervisor"))

	if err := sup.Start(ctx); err != nil {
		mainLogger.Error().Err(err).Msg("Failed to start bridge, continuing without broker link")
		reg.SetBridgeStatus(models.BridgeStatus{Status: "error", Error: err.Error()})

		return nil
	}

	return sup
}

// bridgeEnv hands the broker settings to the bridge process through its
// environment-based config loader.
func bridgeEnv(broker *models.BrokerConfig) []string {
	return []string{
		"CONFIG_SOURCE=env",
		"CONFIG_ENV_PREFIX=VIPOWER_",
		"VIPOWER_BROKER_HOST=" + broker.Host,
		fmt.Sprintf("VIPOWER_BROKER_PORT=%d", broker.Port),
		"VIPOWER_BROKER_USERNAME=" + broker.Username,
		"VIPOWER_BROKER_PASSWORD=" + broker.Password,
		"VIPOWER_BROKER_CLIENT_ID=" + broker.ClientID,
	}
}

func serveHTTP(
	ctx context.Context,
	cfg *models.ServerConfig,
	reg *registry.Registry,
	sup *bridge.Supervisor,
	mainLogger logger.Logger,
) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			mainLogger.Error().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
			return
		}

		id := reg.Register(conn)

		go func() {
			defer reg.Remove(id)

			for {
				_, raw, err := conn.ReadMessage()
				if err != nil {
					mainLogger.Debug().Err(err).Str("session_id", id).Msg("Session read loop ended")
					return
				}

				reg.HandleInbound(id, raw)
			}
		}()
	})

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		health := map[string]interface{}{
			"status":   "ok",
			"sessions": reg.Count(),
		}

		if sup != nil {
			health["bridge"] = string(sup.State())
		}

		w.Header().Set("Content-Type", "application/json")

		if err := json.NewEncoder(w).Encode(health); err != nil {
			mainLogger.Error().Err(err).Msg("Failed to write health response")
		}
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		mainLogger.Info().Str("addr", cfg.ListenAddr).Msg("Server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}

		return nil
	case <-ctx.Done():
	}

	mainLogger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	return nil
}
