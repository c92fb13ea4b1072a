/*
 * Copyright 2025 Carver Automation Corporation.
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

// Package config loads the service configuration from a JSON file with
// FLEETGATE_* environment overrides for deploy-time secrets.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
)

var (
	errNoDatabase   = errors.New("config: database host and name are required")
	errNoNATSURL    = errors.New("config: nats url is required")
	errNoListenAddr = errors.New("config: gateway listen address is required")
)

// Config is the full service configuration.
type Config struct {
	Database models.Database      `json:"database"`
	NATS     models.NATSConfig    `json:"nats"`
	Gateway  models.GatewayConfig `json:"gateway"`
	Jobs     models.JobsConfig    `json:"jobs"`
	Logging  logger.Config        `json:"logging"`
}

// Load reads path (optional when env carries everything), applies env
// overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}

		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	overrideString(&c.Database.Host, "FLEETGATE_DB_HOST")
	overrideInt(&c.Database.Port, "FLEETGATE_DB_PORT")
	overrideString(&c.Database.Database, "FLEETGATE_DB_NAME")
	overrideString(&c.Database.Username, "FLEETGATE_DB_USER")
	overrideString(&c.Database.Password, "FLEETGATE_DB_PASSWORD")
	overrideString(&c.NATS.URL, "FLEETGATE_NATS_URL")
	overrideString(&c.NATS.CredsFile, "FLEETGATE_NATS_CREDS")
	overrideString(&c.Gateway.ListenAddr, "FLEETGATE_LISTEN_ADDR")
	overrideString(&c.Logging.Level, "FLEETGATE_LOG_LEVEL")
}

func (c *Config) validate() error {
	if c.Database.Host == "" || c.Database.Database == "" {
		return errNoDatabase
	}

	if c.NATS.URL == "" {
		return errNoNATSURL
	}

	if c.Gateway.ListenAddr == "" {
		return errNoListenAddr
	}

	if c.NATS.JobStream == "" {
		c.NATS.JobStream = "FLEETGATE_JOBS"
	}

	if c.NATS.EventStream == "" {
		c.NATS.EventStream = "FLEETGATE_EVENTS"
	}

	return nil
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
