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

package models

import (
	"encoding/json"
	"time"
)

// Database configures the pgx pool.
type Database struct {
	Host            string            `json:"host"`
	Port            int               `json:"port"`
	Database        string            `json:"database"`
	Username        string            `json:"username"`
	Password        string            `json:"password"`
	SSLMode         string            `json:"ssl_mode,omitempty"`
	ApplicationName string            `json:"application_name,omitempty"`
	MaxConnections  int32             `json:"max_connections,omitempty"`
	MinConnections  int32             `json:"min_connections,omitempty"`
	MaxConnLifetime Duration          `json:"max_conn_lifetime,omitempty"`
	RuntimeParams   map[string]string `json:"runtime_params,omitempty"`
}

// NATSConfig configures the JetStream connection used for the work
// queue and the events stream.
type NATSConfig struct {
	URL          string `json:"url"`
	JobStream    string `json:"job_stream"`
	EventStream  string `json:"event_stream"`
	CredsFile    string `json:"creds_file,omitempty"`
	MaxReconnect int    `json:"max_reconnect,omitempty"`
}

// GatewayConfig configures the agent gateway listener.
type GatewayConfig struct {
	ListenAddr        string   `json:"listen_addr"`
	AllowedOrigins    []string `json:"allowed_origins,omitempty"`
	HeartbeatPull     int      `json:"heartbeat_pull,omitempty"`   // max commands per heartbeat ack
	WriteTimeout      Duration `json:"write_timeout,omitempty"`    // per-frame write deadline
	PingInterval      Duration `json:"ping_interval,omitempty"`    // keepalive ping cadence
	ReadLimitBytes    int64    `json:"read_limit_bytes,omitempty"` // max inbound frame size
	PendingFlushLimit int      `json:"pending_flush_limit,omitempty"`
}

// JobsConfig configures the background producers.
type JobsConfig struct {
	DiscoveryWorkers  int                 `json:"discovery_workers,omitempty"`
	SNMPWorkers       int                 `json:"snmp_workers,omitempty"`
	SchedulerInterval Duration            `json:"scheduler_interval,omitempty"`
	SweepInterval     Duration            `json:"sweep_interval,omitempty"`
	SNMPPollInterval  Duration            `json:"snmp_poll_interval,omitempty"`
	ResumeCeiling     int                 `json:"resume_ceiling,omitempty"`
	CommandTimeouts   map[string]Duration `json:"command_timeouts,omitempty"`
	DefaultCmdTimeout Duration            `json:"default_command_timeout,omitempty"`
}

// Duration is a time.Duration that marshals as a Go duration string.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		parsed, err := time.ParseDuration(s[1 : len(s)-1])
		if err != nil {
			return err
		}

		*d = Duration(parsed)

		return nil
	}

	// Bare numbers are nanoseconds, matching time.Duration's zero-config form.
	var ns int64
	if err := json.Unmarshal(data, &ns); err != nil {
		return err
	}

	*d = Duration(ns)

	return nil
}
