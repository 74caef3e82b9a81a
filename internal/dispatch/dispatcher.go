// Package dispatch provides at-least-once delivery of domain events to the
// collector, with an ordered in-memory retry queue for failures.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/solvetrack/internal/config"
	"github.com/thebtf/solvetrack/internal/journal"
	"github.com/thebtf/solvetrack/pkg/models"
)

const (
	// DefaultRetryDelay is how long after a send failure a drain is
	// rescheduled.
	DefaultRetryDelay = 30 * time.Second

	// DefaultDrainDelay spaces successful sends during a drain so the
	// collector is not burst-flooded.
	DefaultDrainDelay = 100 * time.Millisecond

	// MaxQueueDepth bounds the in-memory retry queue. On overflow the
	// oldest payload is dropped from memory; the journal still holds it.
	MaxQueueDepth = 1000
)

// ErrQueued reports that a payload could not be sent and was parked in the
// retry queue. Callers must not retry themselves.
var ErrQueued = errors.New("dispatch: event queued for retry")

// Observer receives every payload the dispatcher accepts, before delivery
// is attempted. Used to feed the live event stream.
type Observer func(eventType models.EventType, body []byte)

// entry is one immutable queued payload. The serialized body is what gets
// delivered, byte for byte, however many attempts it takes.
type entry struct {
	eventType string
	body      []byte
	journalID int64
}

// Dispatcher serializes domain events and delivers them to the collector.
type Dispatcher struct {
	settings *config.Store
	client   *http.Client
	journal  *journal.Store
	metrics  *Metrics
	version  string

	observer Observer

	mu    sync.Mutex
	queue []*entry

	online   atomic.Bool
	draining atomic.Bool

	retryMu    sync.Mutex
	retryTimer *time.Timer

	retryDelay time.Duration
	drainDelay time.Duration
}

// NewDispatcher creates a dispatcher. The journal may be nil, in which
// case queued payloads live only in memory.
func NewDispatcher(settings *config.Store, jnl *journal.Store, version string) *Dispatcher {
	d := &Dispatcher{
		settings:   settings,
		client:     &http.Client{},
		journal:    jnl,
		metrics:    NewMetrics(),
		version:    version,
		retryDelay: DefaultRetryDelay,
		drainDelay: DefaultDrainDelay,
	}
	d.online.Store(true)
	return d
}

// SetObserver installs the live event stream hook.
func (d *Dispatcher) SetObserver(fn Observer) {
	d.observer = fn
}

// Metrics exposes delivery statistics.
func (d *Dispatcher) Metrics() MetricsSnapshot {
	return d.metrics.Snapshot()
}

// Online reports the current connectivity belief.
func (d *Dispatcher) Online() bool {
	return d.online.Load()
}

// SetOnline updates the connectivity belief. A transition to online
// triggers a queue drain.
func (d *Dispatcher) SetOnline(online bool) {
	wasOnline := d.online.Swap(online)
	if online && !wasOnline {
		log.Info().Msg("Back online, draining retry queue")
		go d.ProcessRetryQueue(context.Background())
	}
}

// QueueDepth returns the number of payloads awaiting retry.
func (d *Dispatcher) QueueDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Post serializes an event and attempts immediate delivery. On any failure
// (offline, missing endpoint, transport error, non-2xx) the payload joins
// the tail of the retry queue and ErrQueued is returned.
func (d *Dispatcher) Post(ctx context.Context, eventType models.EventType, data models.EventData) ([]byte, error) {
	if data.EventTimestamp() == 0 {
		data.SetEventTimestamp(time.Now().UnixMilli())
	}

	body, err := json.Marshal(models.Envelope{EventType: eventType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("dispatch: marshal %s: %w", eventType, err)
	}

	if d.observer != nil {
		d.observer(eventType, body)
	}

	e := &entry{eventType: string(eventType), body: body}

	cfg := d.settings.Get()
	if cfg.BackendURL == "" || !d.online.Load() {
		log.Debug().Str("eventType", string(eventType)).Msg("Offline or no backend, queueing event")
		d.enqueue(ctx, e)
		return nil, ErrQueued
	}

	ack, err := d.send(ctx, cfg, e)
	if err != nil {
		log.Warn().Err(err).Str("eventType", string(eventType)).Msg("Event delivery failed, queueing for retry")
		d.enqueue(ctx, e)
		d.scheduleRetry()
		return nil, ErrQueued
	}

	d.metrics.RecordSent(ctx)
	log.Debug().Str("eventType", string(eventType)).Msg("Event delivered")
	return ack, nil
}

// ProcessRetryQueue drains queued payloads from the head, preserving
// order. Concurrent invocations collapse to one via the in-flight flag. A
// send failure pushes the payload back to the head and stops the drain.
func (d *Dispatcher) ProcessRetryQueue(ctx context.Context) {
	if !d.draining.CompareAndSwap(false, true) {
		return
	}
	defer d.draining.Store(false)

	for d.online.Load() {
		e := d.dequeue()
		if e == nil {
			return
		}

		cfg := d.settings.Get()
		if cfg.BackendURL == "" {
			d.requeueFront(e)
			return
		}

		d.metrics.RecordRetried(ctx)
		if _, err := d.send(ctx, cfg, e); err != nil {
			log.Warn().Err(err).Str("eventType", e.eventType).Msg("Retry delivery failed, stopping drain")
			d.requeueFront(e)
			d.scheduleRetry()
			return
		}

		d.metrics.RecordSent(ctx)
		d.markDelivered(ctx, e)
		log.Debug().Str("eventType", e.eventType).Msg("Queued event delivered")

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.drainDelay):
		}
	}
}

// RestoreFromJournal reloads undelivered payloads into the retry queue,
// oldest first. Called once at startup before any new events are posted.
func (d *Dispatcher) RestoreFromJournal(ctx context.Context) error {
	if d.journal == nil {
		return nil
	}

	pending, err := d.journal.Pending(ctx, MaxQueueDepth)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	d.mu.Lock()
	for _, p := range pending {
		d.queue = append(d.queue, &entry{
			eventType: p.EventType,
			body:      p.Payload,
			journalID: p.ID,
		})
	}
	depth := len(d.queue)
	d.mu.Unlock()

	log.Info().Int("restored", len(pending)).Int("queueDepth", depth).Msg("Restored undelivered events from journal")
	return nil
}

func (d *Dispatcher) send(ctx context.Context, cfg config.Settings, e *entry) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.BackendURL+"/events", bytes.NewReader(e.body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Client-Version", d.version)
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	ack, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("collector error: %d %s", resp.StatusCode, resp.Status)
	}
	return ack, nil
}

func (d *Dispatcher) enqueue(ctx context.Context, e *entry) {
	if d.journal != nil && e.journalID == 0 {
		id, err := d.journal.Append(ctx, e.eventType, e.body)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to journal queued event")
		} else {
			e.journalID = id
		}
	}

	d.mu.Lock()
	d.queue = append(d.queue, e)
	overflow := len(d.queue) > MaxQueueDepth
	if overflow {
		d.queue = d.queue[1:]
	}
	d.mu.Unlock()

	d.metrics.RecordQueued(ctx)
	if overflow {
		d.metrics.RecordDropped(ctx)
		log.Warn().Int("maxDepth", MaxQueueDepth).Msg("Retry queue overflow, dropped oldest payload from memory")
	}
}

func (d *Dispatcher) dequeue() *entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil
	}
	e := d.queue[0]
	d.queue = d.queue[1:]
	return e
}

// requeueFront pushes a failed payload back to the head so relative order
// is preserved across drain attempts.
func (d *Dispatcher) requeueFront(e *entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = append([]*entry{e}, d.queue...)
}

func (d *Dispatcher) markDelivered(ctx context.Context, e *entry) {
	if d.journal == nil || e.journalID == 0 {
		return
	}
	if err := d.journal.MarkDelivered(ctx, e.journalID); err != nil {
		log.Warn().Err(err).Int64("journalId", e.journalID).Msg("Failed to mark journal entry delivered")
	}
}

// scheduleRetry arms (or re-arms) the timed drain after a failure.
func (d *Dispatcher) scheduleRetry() {
	d.retryMu.Lock()
	defer d.retryMu.Unlock()

	if d.retryTimer != nil {
		d.retryTimer.Stop()
	}
	d.retryTimer = time.AfterFunc(d.retryDelay, func() {
		d.ProcessRetryQueue(context.Background())
	})
}

// Stop cancels any pending timed drain.
func (d *Dispatcher) Stop() {
	d.retryMu.Lock()
	defer d.retryMu.Unlock()
	if d.retryTimer != nil {
		d.retryTimer.Stop()
		d.retryTimer = nil
	}
}
