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

// Package events publishes CloudEvents to the NATS JetStream events
// stream: asset approval transitions, disappearances, and audit
// records.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/fleetgate/pkg/logger"
	"github.com/carverauto/fleetgate/pkg/models"
)

const eventSource = "fleetgate/gateway"

// Publisher writes CloudEvents to a JetStream stream.
type Publisher struct {
	js     jetstream.JetStream
	stream string
	logger logger.Logger
}

// Connect dials NATS, ensures the events stream exists, and returns a
// Publisher. The returned *nats.Conn is owned by the caller.
func Connect(ctx context.Context, cfg *models.NATSConfig, log logger.Logger) (*Publisher, *nats.Conn, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	if cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	pub, err := NewPublisher(ctx, js, cfg.EventStream, log)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	return pub, nc, nil
}

// NewPublisher ensures the stream exists on an established JetStream
// context.
func NewPublisher(ctx context.Context, js jetstream.JetStream, stream string, log logger.Logger) (*Publisher, error) {
	if _, err := js.Stream(ctx, stream); err != nil {
		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     stream,
			Subjects: []string{"events.asset.*", "events.audit.*"},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create or get stream %s: %w", stream, err)
		}
	}

	return &Publisher{js: js, stream: stream, logger: log}, nil
}

// PublishAssetApproval reports an approval transition of a discovered
// asset.
func (p *Publisher) PublishAssetApproval(ctx context.Context, data *models.AssetApprovalEventData) error {
	return p.publish(ctx, "com.carverauto.fleetgate.asset.approval", "events.asset.approval", data.Timestamp, data)
}

// PublishAssetDisappeared reports a previously approved asset gone
// missing from a scan.
func (p *Publisher) PublishAssetDisappeared(ctx context.Context, data *models.AssetDisappearedEventData) error {
	return p.publish(ctx, "com.carverauto.fleetgate.asset.disappeared", "events.asset.disappeared", data.Timestamp, data)
}

// WriteAuditEvent records one audit entry. Failures are logged, never
// propagated; audit must not block dispatch.
func (p *Publisher) WriteAuditEvent(ctx context.Context, event *models.AuditEventData) {
	if err := p.publish(ctx, "com.carverauto.fleetgate.audit", "events.audit.action", event.Timestamp, event); err != nil {
		p.logger.Error().Err(err).Str("action", event.Action).Msg("failed to publish audit event")
	}
}

func (p *Publisher) publish(ctx context.Context, eventType, subject string, at time.Time, data interface{}) error {
	event := models.CloudEvent{
		SpecVersion:     "1.0",
		ID:              uuid.New().String(),
		Source:          eventSource,
		Type:            eventType,
		DataContentType: "application/json",
		Subject:         subject,
		Time:            &at,
		Data:            data,
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", eventType, err)
	}

	if _, err := p.js.Publish(ctx, event.Subject, eventBytes); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", eventType, err)
	}

	return nil
}
