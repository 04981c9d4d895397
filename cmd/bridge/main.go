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

// The vipower-bridge binary holds the single MQTT broker connection for a
// server. It reads JSON commands from stdin and writes JSON events to
// stdout, one per line; logs go to stderr so they never mix with the event
// stream. Exit status 0 means a requested disconnect, anything else tells
// the supervisor to restart.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tranquoctrung1/vi-power/pkg/bridge"
	"github.com/tranquoctrung1/vi-power/pkg/config"
	"github.com/tranquoctrung1/vi-power/pkg/logger"
	"github.com/tranquoctrung1/vi-power/pkg/models"
)

var errBrokerHostRequired = errors.New("broker.host is required")

type bridgeConfig struct {
	Broker models.BrokerConfig `json:"broker"`
}

// Validate implements config.Validator.
func (c *bridgeConfig) Validate() error {
	if c.Broker.Host == "" {
		return errBrokerHostRequired
	}

	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("Bridge failed: %v", err)
	}
}

func run() error {
	configPath := flag.String("config", "/etc/vipower/bridge.json", "Path to bridge config file")
	flag.Parse()

	logCfg := logger.DefaultConfig()
	logCfg.Output = "stderr" // stdout carries the event stream

	mainLogger, err := logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cfg bridgeConfig

	if err := config.NewConfig(mainLogger).LoadAndValidate(ctx, *configPath, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	b := bridge.New(bridge.Config{Broker: cfg.Broker}, os.Stdout, mainLogger)

	return b.Run(ctx, os.Stdin)
}
