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

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
	"github.com/carverauto/fleetgate/pkg/scope"
)

// Store is the slice of the durable store the gateway needs.
type Store interface {
	GetDeviceCredentialHash(ctx context.Context, deviceID string) (string, error)
	SetDeviceOnline(ctx context.Context, deviceID string, online bool) error
	TouchDeviceLastSeen(ctx context.Context, deviceID string, seen time.Time) error
	GetDeviceProbe(ctx context.Context, deviceID string) (int64, string, error)
	PullPendingCommands(ctx context.Context, deviceID string, limit int, sentAt time.Time) ([]*models.DeviceCommand, error)
}

// CredentialVerifier checks a bearer credential against its stored hash.
type CredentialVerifier interface {
	Verify(hash, credential string) error
}

// TerminalSink receives interactive terminal output frames, which are
// handled outside the command pipeline.
type TerminalSink interface {
	Write(agentID, sessionID, data string)
}

// Server is the websocket endpoint agents connect to.
type Server struct {
	registry   *ConnRegistry
	store      Store
	verifier   CredentialVerifier
	correlator *Correlator
	terminal   TerminalSink
	config     models.GatewayConfig
	logger     logger.Logger
}

// NewServer wires the gateway endpoint.
func NewServer(
	registry *ConnRegistry,
	store Store,
	verifier CredentialVerifier,
	correlator *Correlator,
	terminal TerminalSink,
	config models.GatewayConfig,
	log logger.Logger,
) *Server {
	if config.HeartbeatPull <= 0 {
		config.HeartbeatPull = defaultHeartbeatPull
	}

	if config.PendingFlushLimit <= 0 {
		config.PendingFlushLimit = defaultPendingFlush
	}

	if config.WriteTimeout <= 0 {
		config.WriteTimeout = models.Duration(10 * time.Second)
	}

	if config.PingInterval <= 0 {
		config.PingInterval = models.Duration(30 * time.Second)
	}

	if config.ReadLimitBytes <= 0 {
		config.ReadLimitBytes = 4 << 20
	}

	return &Server{
		registry:   registry,
		store:      store,
		verifier:   verifier,
		correlator: correlator,
		terminal:   terminal,
		config:     config,
		logger:     log,
	}
}

const (
	defaultHeartbeatPull = 10
	defaultPendingFlush  = 25
)

// HandleAgent upgrades an agent connection, runs the handshake, and
// pumps frames until the connection dies. Frames from one agent are
// handled sequentially; different agents run fully concurrently.
func (s *Server) HandleAgent(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	credential := bearerCredential(r)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("failed to upgrade agent connection")

		return
	}

	ch := newWSChannel(conn, time.Duration(s.config.WriteTimeout))

	// Authenticate after the upgrade so the refusal arrives as a
	// protocol frame plus a distinguishing close code.
	ctx := scope.With(r.Context(), scope.SystemScope())

	if err := s.authenticate(ctx, agentID, credential); err != nil {
		s.logger.Warn().
			Err(err).
			Str("agent_id", agentID).
			Str("remote_addr", r.RemoteAddr).
			Msg("agent handshake rejected")

		_ = ch.Send(models.ErrorFrame{
			Type:    models.FrameTypeError,
			Code:    "auth_failed",
			Message: "invalid agent credential",
		})
		_ = ch.Close(CloseAuthFailure, "authentication failed")

		return
	}

	s.openSession(ctx, agentID, ch, conn)
}

func (s *Server) authenticate(ctx context.Context, agentID, credential string) error {
	if agentID == "" || credential == "" {
		return ErrAuthFailed
	}

	hash, err := s.store.GetDeviceCredentialHash(ctx, agentID)
	if err != nil {
		return ErrAuthFailed
	}

	if err := s.verifier.Verify(hash, credential); err != nil {
		return ErrAuthFailed
	}

	return nil
}

func (s *Server) openSession(ctx context.Context, agentID string, ch *wsChannel, conn *websocket.Conn) {
	now := time.Now().UTC()

	s.registry.Register(agentID, ch)

	defer func() {
		// A session replaced by a newer connection is no longer
		// current; flipping the flag here would mark the live
		// replacement offline.
		if s.registry.Unregister(agentID, ch) {
			offCtx := scope.With(context.Background(), scope.SystemScope())
			if err := s.store.SetDeviceOnline(offCtx, agentID, false); err != nil {
				s.logger.Error().Err(err).Str("agent_id", agentID).Msg("failed to mark device offline")
			}
		}

		_ = conn.Close()

		s.logger.Info().Str("agent_id", agentID).Msg("agent disconnected")
	}()

	if err := s.store.SetDeviceOnline(ctx, agentID, true); err != nil {
		s.logger.Error().Err(err).Str("agent_id", agentID).Msg("failed to mark device online")
	}

	// Inline flush: commands that queued up while the agent was
	// offline ride on the connected frame and are marked sent by the
	// same pull that read them.
	pending, err := s.store.PullPendingCommands(ctx, agentID, s.config.PendingFlushLimit, now)
	if err != nil {
		s.logger.Error().Err(err).Str("agent_id", agentID).Msg("failed to flush pending commands")
	}

	frames := make([]models.CommandFrame, 0, len(pending))
	for _, cmd := range pending {
		frames = append(frames, models.NewCommandFrame(cmd))
	}

	if err := ch.Send(models.ConnectedFrame{
		Type:            models.FrameTypeConnected,
		AgentID:         agentID,
		Timestamp:       now,
		PendingCommands: frames,
	}); err != nil {
		s.logger.Error().Err(err).Str("agent_id", agentID).Msg("failed to send connected frame")
		return
	}

	s.logger.Info().
		Str("agent_id", agentID).
		Int("pending_flushed", len(frames)).
		Msg("agent connected")

	stopPing := s.startKeepalive(agentID, ch, conn)
	defer stopPing()

	s.readLoop(agentID, ch, conn)
}

func (s *Server) startKeepalive(agentID string, ch *wsChannel, conn *websocket.Conn) func() {
	interval := time.Duration(s.config.PingInterval)
	readDeadline := interval * 2

	_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readDeadline))
	})

	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := ch.ping(); err != nil {
					s.logger.Debug().Err(err).Str("agent_id", agentID).Msg("keepalive ping failed")
					return
				}
			}
		}
	}()

	return func() { close(done) }
}

func (s *Server) readLoop(agentID string, ch *wsChannel, conn *websocket.Conn) {
	conn.SetReadLimit(s.config.ReadLimitBytes)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Str("agent_id", agentID).Msg("agent read error")
			}

			return
		}

		s.handleFrame(agentID, ch, data)
	}
}

// handleFrame processes one inbound frame. Parse and handler failures
// are contained: they never tear down this connection, let alone
// another agent's.
func (s *Server) handleFrame(agentID string, ch *wsChannel, data []byte) {
	ctx := scope.With(context.Background(), scope.SystemScope())

	var frame models.InboundFrame

	if err := json.Unmarshal(data, &frame); err != nil {
		s.logger.Warn().Err(err).Str("agent_id", agentID).Msg("undecodable frame")

		_ = ch.Send(models.ErrorFrame{
			Type:    models.FrameTypeError,
			Code:    "bad_frame",
			Message: "frame could not be decoded",
		})

		return
	}

	switch frame.Type {
	case models.FrameTypeHeartbeat:
		s.handleHeartbeat(ctx, agentID, ch, &frame)
	case models.FrameTypeCommandResult:
		s.correlator.HandleResult(ctx, agentID, frame.ToResult())

		// Every result is acked, matched or not, so agents can retry
		// delivery idempotently.
		if err := ch.Send(models.AckFrame{Type: models.FrameTypeAck, CommandID: frame.CommandID}); err != nil {
			s.logger.Debug().Err(err).Str("agent_id", agentID).Msg("ack send failed")
		}
	case models.FrameTypeTerminalOutput:
		if s.terminal != nil {
			s.terminal.Write(agentID, frame.SessionID, frame.Data)
		}
	default:
		s.logger.Warn().
			Str("agent_id", agentID).
			Str("frame_type", frame.Type).
			Msg("unknown frame type")
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.config.AllowedOrigins) == 0 {
		return true
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	for _, allowed := range s.config.AllowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}

	return false
}

func bearerCredential(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}

	// Some agent runtimes cannot set headers on websocket dials.
	return r.URL.Query().Get("token")
}
