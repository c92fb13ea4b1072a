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

// Package gateway implements the real-time agent channel: handshake,
// connection registry, command dispatch, heartbeat fallback, and
// result correlation.
package gateway

import (
	"sync"

	"github.com/carverauto/fleetgate/pkg/logger"
)

// AgentChannel is one live connection to an agent. Send must be safe
// for concurrent use; Close tears the transport down with a code.
type AgentChannel interface {
	Send(v any) error
	Close(code int, reason string) error
}

// Locator answers where an agent is reachable. The in-process
// ConnRegistry is the single-node implementation; a broker-backed one
// can replace it for scale-out without touching callers.
type Locator interface {
	IsConnected(agentID string) bool
}

// ConnRegistry is the in-process table of live agent channels and the
// single source of truth for reachability.
type ConnRegistry struct {
	mu       sync.RWMutex
	channels map[string]AgentChannel
	logger   logger.Logger
}

// NewConnRegistry creates an empty registry.
func NewConnRegistry(log logger.Logger) *ConnRegistry {
	return &ConnRegistry{
		channels: make(map[string]AgentChannel),
		logger:   log,
	}
}

// Register installs the channel for an agent. A previous channel for
// the same agent is closed and replaced; one agent owns one channel.
func (r *ConnRegistry) Register(agentID string, ch AgentChannel) {
	r.mu.Lock()
	prev := r.channels[agentID]
	r.channels[agentID] = ch
	r.mu.Unlock()

	if prev != nil && prev != ch {
		_ = prev.Close(CloseReplaced, "replaced by newer connection")

		r.logger.Warn().
			Str("agent_id", agentID).
			Msg("replaced existing agent connection")
	}
}

// Unregister removes the agent's channel, but only when it still maps
// to ch, so a stale close cannot evict a newer connection. The return
// tells the caller whether this channel was still current; a replaced
// session must not tear down state the replacement now owns.
func (r *ConnRegistry) Unregister(agentID string, ch AgentChannel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.channels[agentID]; ok && current == ch {
		delete(r.channels, agentID)
		return true
	}

	return false
}

// IsConnected reports liveness by registry membership.
func (r *ConnRegistry) IsConnected(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.channels[agentID]

	return ok
}

// Send delivers msg to the agent if connected. A false return means
// the caller must fall back to heartbeat delivery.
func (r *ConnRegistry) Send(agentID string, msg any) bool {
	r.mu.RLock()
	ch, ok := r.channels[agentID]
	r.mu.RUnlock()

	if !ok {
		return false
	}

	if err := ch.Send(msg); err != nil {
		r.logger.Debug().
			Err(err).
			Str("agent_id", agentID).
			Msg("push send failed")

		return false
	}

	return true
}

// Broadcast sends msg to every connected agent matching the predicate
// and returns the delivery count. A nil predicate matches all.
func (r *ConnRegistry) Broadcast(msg any, predicate func(agentID string) bool) int {
	r.mu.RLock()
	targets := make(map[string]AgentChannel, len(r.channels))

	for id, ch := range r.channels {
		if predicate == nil || predicate(id) {
			targets[id] = ch
		}
	}
	r.mu.RUnlock()

	count := 0

	for id, ch := range targets {
		if err := ch.Send(msg); err != nil {
			r.logger.Debug().
				Err(err).
				Str("agent_id", id).
				Msg("broadcast send failed")

			continue
		}

		count++
	}

	return count
}

// ConnectedCount returns the number of live channels.
func (r *ConnRegistry) ConnectedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.channels)
}
