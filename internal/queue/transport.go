// Package queue moves published sync events from the relay to consumers.
// Delivery is at-least-once; consumers de-duplicate by event id.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/graphsync/internal/models"
)

var ErrTransportClosed = errors.New("transport is closed")

// Delivery is one received message. ID is the transport's handle for it.
type Delivery struct {
	ID      string
	EventID uuid.UUID
	Body    []byte

	tag uint64
}

type Transport interface {
	// Publish enqueues the event and returns the transport message id.
	Publish(ctx context.Context, event *models.SyncEvent) (string, error)
	// Receive returns up to max deliveries, waiting at most wait for the first.
	Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Requeue acknowledges d and makes its message visible again after delay.
	Requeue(ctx context.Context, d Delivery, delay time.Duration) error
	// DeadLetter moves d to the dead-letter channel and acknowledges it.
	DeadLetter(ctx context.Context, d Delivery, reason string) error
	Close() error
}

// Encode is the wire form of an event: the SyncEvent as JSON.
func Encode(event *models.SyncEvent) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", event.EventID, err)
	}
	return body, nil
}

func Decode(body []byte) (*models.SyncEvent, error) {
	var event models.SyncEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if event.EventID == uuid.Nil {
		return nil, errors.New("message has no event id")
	}
	return &event, nil
}

// eventIDOf recovers the event id of a body for transports that do not carry
// it out of band. A nil id means the body is unreadable.
func eventIDOf(body []byte) uuid.UUID {
	var envelope struct {
		EventID uuid.UUID `json:"event_id"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return uuid.Nil
	}
	return envelope.EventID
}
