// Fulcrum Tracker - Fitness Attendance and PR Analytics
// Copyright 2026 Fulcrum Tracker Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fulcrumtracker/fulcrumtracker

// Package events publishes cycle lifecycle events on an in-process
// Watermill pub/sub. The coordinator publishes after every cycle; the
// notifier and any future consumers subscribe independently.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/fulcrumtracker/fulcrumtracker/internal/logging"
	"github.com/fulcrumtracker/fulcrumtracker/internal/models"
)

const (
	// TopicCycleCompleted carries a CycleEvent after every update cycle.
	TopicCycleCompleted = "tracker.cycle.completed"

	// cycleEventVersion versions the CycleEvent payload.
	cycleEventVersion = 1
)

// CycleEvent describes one completed (or failed) update cycle.
type CycleEvent struct {
	Version             int          `json:"version"`
	ID                  string       `json:"id"`
	Trigger             string       `json:"trigger"` // manual or scheduled
	Phase               models.Phase `json:"phase"`
	Success             bool         `json:"success"`
	Error               string       `json:"error,omitempty"`
	NewSessions         int          `json:"new_sessions"`
	TotalSessions       int          `json:"total_sessions"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	SuppressNotify      bool         `json:"suppress_notify,omitempty"`
	StartedAt           time.Time    `json:"started_at"`
	Duration            float64      `json:"duration_seconds"`
}

// Bus is an in-process pub/sub for tracker events.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// NewBus creates the event bus. Subscribers that fall behind buffer up
// to 64 messages before publishes block.
func NewBus() *Bus {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 64},
		watermillLogger{},
	)
	return &Bus{pubsub: pubsub}
}

// PublishCycleEvent publishes a cycle completion event. The event ID
// and version are filled in here.
func (b *Bus) PublishCycleEvent(ev CycleEvent) error {
	ev.Version = cycleEventVersion
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal cycle event: %w", err)
	}

	msg := message.NewMessage(ev.ID, payload)
	if err := b.pubsub.Publish(TopicCycleCompleted, msg); err != nil {
		return fmt.Errorf("failed to publish cycle event: %w", err)
	}
	return nil
}

// SubscribeCycleEvents subscribes to cycle events. The returned channel
// closes when ctx is cancelled.
func (b *Bus) SubscribeCycleEvents(ctx context.Context) (<-chan CycleEvent, error) {
	messages, err := b.pubsub.Subscribe(ctx, TopicCycleCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to cycle events: %w", err)
	}

	out := make(chan CycleEvent)
	go func() {
		defer close(out)
		for msg := range messages {
			var ev CycleEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				logging.Err(err).Str("message_id", msg.UUID).Msg("Dropping malformed cycle event")
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Close shuts the bus down, closing all subscriber channels.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// watermillLogger bridges Watermill's logging to zerolog.
type watermillLogger struct {
	fields watermill.LogFields
}

func (l watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	logging.Err(err).Fields(map[string]interface{}(l.fields.Add(fields))).Msg(msg)
}

func (l watermillLogger) Info(msg string, fields watermill.LogFields) {
	logging.Debug().Fields(map[string]interface{}(l.fields.Add(fields))).Msg(msg)
}

func (l watermillLogger) Debug(msg string, fields watermill.LogFields) {
	logging.Debug().Fields(map[string]interface{}(l.fields.Add(fields))).Msg(msg)
}

func (l watermillLogger) Trace(msg string, fields watermill.LogFields) {
	logging.Debug().Fields(map[string]interface{}(l.fields.Add(fields))).Msg(msg)
}

func (l watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{fields: l.fields.Add(fields)}
}
