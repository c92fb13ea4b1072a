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

// Package db implements the durable store: the command ledger,
// discovery jobs and assets, topology edges, scan checkpoints, SNMP
// metrics, and security snapshots.
package db

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
)

// NewPool dials the configured Postgres cluster and returns a pgx pool.
func NewPool(ctx context.Context, cfg *models.Database, log logger.Logger) (*pgxpool.Pool, error) {
	if cfg == nil {
		return nil, errNilDatabaseConfig
	}

	conf := *cfg
	if conf.Port == 0 {
		conf.Port = 5432
	}

	connURL := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", conf.Host, conf.Port),
		Path:   "/" + conf.Database,
	}

	if conf.Username != "" {
		if conf.Password != "" {
			connURL.User = url.UserPassword(conf.Username, conf.Password)
		} else {
			connURL.User = url.User(conf.Username)
		}
	}

	query := connURL.Query()

	sslMode := conf.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	query.Set("sslmode", sslMode)

	if conf.ApplicationName != "" {
		query.Set("application_name", conf.ApplicationName)
	}

	connURL.RawQuery = query.Encode()

	poolConfig, err := pgxpool.ParseConfig(connURL.String())
	if err != nil {
		return nil, fmt.Errorf("db: failed to parse connection string: %w", err)
	}

	if conf.MaxConnections > 0 {
		poolConfig.MaxConns = conf.MaxConnections
	}

	if conf.MinConnections > 0 {
		poolConfig.MinConns = conf.MinConnections
	}

	if conf.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = time.Duration(conf.MaxConnLifetime)
	}

	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = make(map[string]string)
	}

	for k, v := range conf.RuntimeParams {
		if k == "" {
			continue
		}

		poolConfig.ConnConfig.RuntimeParams[k] = v
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("db: failed to initialize pool: %w", err)
	}

	if log != nil {
		log.Info().
			Str("host", conf.Host).
			Int("port", conf.Port).
			Int32("max_conns", poolConfig.MaxConns).
			Msg("connected to database")
	}

	return pool, nil
}

// Store is the pgx-backed implementation of Service.
type Store struct {
	pool   *pgxpool.Pool
	logger logger.Logger
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool, log logger.Logger) *Store {
	return &Store{pool: pool, logger: log}
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}
