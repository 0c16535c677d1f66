package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/prudhvinik1/graphsync/internal/models"
)

// MemoryTransport is an in-process queue for QUEUE_BACKEND=memory and tests.
// Unacked deliveries are not redelivered.
type MemoryTransport struct {
	mu       sync.Mutex
	ready    []Delivery
	inflight map[string]Delivery
	dead     []DeadLetter
	notify   chan struct{}
	timers   map[*time.Timer]struct{}
	nextID   uint64
	closed   bool
}

// DeadLetter is a message parked on the dead-letter channel.
type DeadLetter struct {
	Delivery Delivery
	Reason   string
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		inflight: make(map[string]Delivery),
		notify:   make(chan struct{}, 1),
		timers:   make(map[*time.Timer]struct{}),
	}
}

func (t *MemoryTransport) Publish(_ context.Context, event *models.SyncEvent) (string, error) {
	body, err := Encode(event)
	if err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", ErrTransportClosed
	}
	d := t.enqueueLocked(body)
	return d.ID, nil
}

// PublishRaw enqueues an arbitrary body, which lets tests feed poison messages.
func (t *MemoryTransport) PublishRaw(body []byte) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enqueueLocked(body).ID
}

func (t *MemoryTransport) enqueueLocked(body []byte) Delivery {
	t.nextID++
	d := Delivery{
		ID:      "mem-" + strconv.FormatUint(t.nextID, 10),
		EventID: eventIDOf(body),
		Body:    append([]byte(nil), body...),
	}
	t.ready = append(t.ready, d)
	select {
	case t.notify <- struct{}{}:
	default:
	}
	return d
}

func (t *MemoryTransport) Receive(ctx context.Context, max int, wait time.Duration) ([]Delivery, error) {
	if out, err := t.take(max); len(out) > 0 || err != nil {
		return out, err
	}
	if wait <= 0 {
		return nil, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return t.take(max)
		case <-t.notify:
			if out, err := t.take(max); len(out) > 0 || err != nil {
				return out, err
			}
		}
	}
}

func (t *MemoryTransport) take(max int) ([]Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	if max <= 0 || max > len(t.ready) {
		max = len(t.ready)
	}
	out := make([]Delivery, max)
	copy(out, t.ready[:max])
	t.ready = t.ready[max:]
	for _, d := range out {
		t.inflight[d.ID] = d
	}
	return out, nil
}

func (t *MemoryTransport) Ack(_ context.Context, d Delivery) error {
	t.mu.Lock()
	delete(t.inflight, d.ID)
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) Requeue(_ context.Context, d Delivery, delay time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	delete(t.inflight, d.ID)

	if delay <= 0 {
		t.enqueueLocked(d.Body)
		return nil
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.timers, timer)
		if !t.closed {
			t.enqueueLocked(d.Body)
		}
	})
	t.timers[timer] = struct{}{}
	return nil
}

func (t *MemoryTransport) DeadLetter(_ context.Context, d Delivery, reason string) error {
	t.mu.Lock()
	delete(t.inflight, d.ID)
	t.dead = append(t.dead, DeadLetter{Delivery: d, Reason: reason})
	t.mu.Unlock()
	return nil
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for timer := range t.timers {
		timer.Stop()
	}
	t.timers = nil
	return nil
}

// DeadLetters returns a copy of the dead-letter channel.
func (t *MemoryTransport) DeadLetters() []DeadLetter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]DeadLetter(nil), t.dead...)
}

// Ready is the number of messages waiting to be received.
func (t *MemoryTransport) Ready() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ready)
}

// Inflight is the number of received but unacknowledged messages.
func (t *MemoryTransport) Inflight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}
