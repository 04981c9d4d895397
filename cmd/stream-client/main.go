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

// The vipower-stream binary is a terminal telemetry client: it connects to
// a server, performs the handshake, and prints live samples, alerts, and
// bridge status as they arrive. Useful for smoke-testing a deployment
// without a browser.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tranquoctrung1/vi-power/pkg/client"
	"github.com/tranquoctrung1/vi-power/pkg/logger"
	"github.com/tranquoctrung1/vi-power/pkg/models"
)

func main() {
	var (
		host      = flag.String("host", "localhost:8090", "Server host:port")
		secure    = flag.Bool("secure", false, "Use WSS instead of WS")
		authToken = flag.String("token", "", "Auth token sent with the handshake")
		topic     = flag.String("topic", "", "Extra broker topic to subscribe to")
		device    = flag.String("device", "", "Print history for this device id, then stream")
		pingEvery = flag.Duration("ping", 30*time.Second, "Keep-alive interval")
	)
	flag.Parse()

	if *authToken == "" {
		*authToken = os.Getenv("VIPOWER_TOKEN")
	}

	scheme := "ws"
	if *secure {
		scheme = "wss"
	}

	u := url.URL{Scheme: scheme, Host: *host, Path: "/ws"}

	clientLogger, err := logger.New(logger.DefaultConfig())
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mgr := client.NewManager(client.ManagerConfig{
		URL:             u.String(),
		AuthToken:       *authToken,
		PingInterval:    *pingEvery,
		AutoRequestData: true,
	}, clientLogger)

	mgr.On(client.EventConnected, func(interface{}) {
		fmt.Printf("connected to %s\n", u.String())
	})

	mgr.On(client.EventReconnecting, func(payload interface{}) {
		fmt.Printf("reconnecting (attempt %v)\n", payload)
	})

	mgr.On(client.EventDisconnected, func(payload interface{}) {
		fmt.Printf("disconnected: %v\n", payload)
	})

	mgr.On(client.EventError, func(payload interface{}) {
		fmt.Printf("transport error: %v\n", payload)
	})

	mgr.On(client.EventSessionEstablished, func(payload interface{}) {
		resp, ok := payload.(*models.ClientInitResponse)
		if !ok {
			return
		}

		fmt.Printf("session established: %s\n", resp.SessionID)

		if *topic != "" {
			mgr.SubscribeToTopic(*topic)
		}

		if *device != "" {
			mgr.RequestHistory(&models.HistoryRequest{DeviceID: *device, Limit: 10})
		}
	})

	mgr.On(client.EventBridgeStatus, func(payload interface{}) {
		printFrame("bridge", payload)
	})

	mgr.On(client.EventTelemetry, func(payload interface{}) {
		printFrame("sample", payload)
	})

	mgr.On(models.TypeAlertData, func(payload interface{}) {
		printFrame("alert", payload)
	})

	mgr.On(models.TypeEnergyData, func(payload interface{}) {
		printFrame("history", payload)
	})

	mgr.Connect(ctx)

	<-ctx.Done()
	mgr.Destroy()
	fmt.Println("bye")
}

func printFrame(kind string, payload interface{}) {
	raw, ok := payload.(json.RawMessage)
	if !ok {
		fmt.Printf("[%s] %v\n", kind, payload)
		return
	}

	var pretty interface{}
	if err := json.Unmarshal(raw, &pretty); err != nil {
		fmt.Printf("[%s] %s\n", kind, raw)
		return
	}

	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		fmt.Printf("[%s] %s\n", kind, raw)
		return
	}

	fmt.Printf("[%s] %s\n", kind, out)
}
