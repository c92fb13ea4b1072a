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

// Package jobs runs the background producers: the discovery scheduler
// and dispatcher, the SNMP poller, and the timeout sweep. Producers
// pull from a durable JetStream work queue with bounded concurrency
// per job type.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/semaphore"

	"github.com/carverauto/fleetgate/pkg/logger"
)

// JobType selects a worker pool. Each type has its own durable
// consumer and concurrency bound.
type JobType string

const (
	JobTypeDiscovery    JobType = "discovery"
	JobTypeSNMPPoll     JobType = "snmp_poll"
	JobTypeTimeoutSweep JobType = "timeout_sweep"
)

// JobMessage is one unit of work on the queue. RefID names the row the
// worker operates on (discovery job id, SNMP device id).
type JobMessage struct {
	Type     JobType   `json:"type"`
	RefID    string    `json:"ref_id,omitempty"`
	Enqueued time.Time `json:"enqueued"`
}

// Handler processes one dequeued message. An error naks the message
// for redelivery up to the consumer's deliver cap.
type Handler func(ctx context.Context, msg *JobMessage) error

// JobQueue is the enqueue side of the work queue.
type JobQueue interface {
	Enqueue(ctx context.Context, msg *JobMessage) error
}

const (
	maxDeliver      = 3
	fetchBatch      = 10
	fetchWait       = 10 * time.Second
	consumerAckWait = 2 * time.Minute
)

// Queue is the durable work queue over one JetStream stream. Subjects
// are jobs.<type>; work-queue retention ensures each message is
// consumed once.
type Queue struct {
	js     jetstream.JetStream
	stream string
	logger logger.Logger
}

// NewQueue ensures the work-queue stream exists.
func NewQueue(ctx context.Context, js jetstream.JetStream, stream string, log logger.Logger) (*Queue, error) {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      stream,
		Subjects:  []string{"jobs.>"},
		Retention: jetstream.WorkQueuePolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create or get stream %s: %w", stream, err)
	}

	return &Queue{js: js, stream: stream, logger: log}, nil
}

// Enqueue publishes one message to its per-type subject.
func (q *Queue) Enqueue(ctx context.Context, msg *JobMessage) error {
	if msg.Enqueued.IsZero() {
		msg.Enqueued = time.Now().UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job message: %w", err)
	}

	if _, err := q.js.Publish(ctx, q.subject(msg.Type), data); err != nil {
		return fmt.Errorf("enqueue %s job: %w", msg.Type, err)
	}

	return nil
}

// Consume runs a pull consumer for one job type until ctx ends. At
// most maxConcurrent handlers run at once; pass 1 for job types whose
// effects must not overlap.
func (q *Queue) Consume(ctx context.Context, jobType JobType, maxConcurrent int64, handler Handler) error {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}

	consumerName := "fleetgate-" + string(jobType)

	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Durable:       consumerName,
		FilterSubject: q.subject(jobType),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       consumerAckWait,
		MaxDeliver:    maxDeliver,
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer %s: %w", consumerName, err)
	}

	q.logger.Info().
		Str("consumer", consumerName).
		Int64("max_concurrent", maxConcurrent).
		Msg("job consumer started")

	sem := semaphore.NewWeighted(maxConcurrent)

	for {
		select {
		case <-ctx.Done():
			// Drain in-flight handlers before returning.
			_ = sem.Acquire(context.Background(), maxConcurrent)
			return ctx.Err()
		default:
		}

		msgs, err := consumer.Fetch(fetchBatch, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			q.logger.Error().Err(err).Str("consumer", consumerName).Msg("fetch failed")
			time.Sleep(time.Second)

			continue
		}

		for msg := range msgs.Messages() {
			if err := sem.Acquire(ctx, 1); err != nil {
				_ = msg.Nak()
				continue
			}

			go func(msg jetstream.Msg) {
				defer sem.Release(1)
				q.handleMessage(ctx, msg, handler)
			}(msg)
		}

		if fetchErr := msgs.Error(); fetchErr != nil {
			q.logger.Warn().Err(fetchErr).Str("consumer", consumerName).Msg("fetch error")
		}
	}
}

func (q *Queue) handleMessage(ctx context.Context, msg jetstream.Msg, handler Handler) {
	var job JobMessage
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		q.logger.Error().Err(err).Str("subject", msg.Subject()).Msg("undecodable job message dropped")
		_ = msg.Ack()

		return
	}

	if err := handler(ctx, &job); err != nil {
		meta, _ := msg.Metadata()

		if meta != nil && meta.NumDelivered >= maxDeliver {
			q.logger.Error().
				Err(err).
				Str("type", string(job.Type)).
				Str("ref_id", job.RefID).
				Msg("job failed after max retries, dropping")
			_ = msg.Ack()

			return
		}

		q.logger.Warn().
			Err(err).
			Str("type", string(job.Type)).
			Str("ref_id", job.RefID).
			Msg("job failed, requeueing")
		_ = msg.Nak()

		return
	}

	_ = msg.Ack()
}

func (q *Queue) subject(jobType JobType) string {
	return "jobs." + string(jobType)
}
