// Package telemetry delivers structured events from the store and the
// migration scheduler to an external collector.
//
// Delivery is fire-and-forget: Emit never blocks the caller. The zap-backed
// sink queues events on a bounded channel drained by one goroutine and drops
// events when the queue is full, counting the drops.
//
// Example:
//
//	sink := telemetry.NewZapSink(logger, 1024)
//	defer sink.Close()
//
//	sink.Emit(telemetry.Event{
//		Type: telemetry.EventTierMove,
//		Key:  "doc:42",
//		Fields: map[string]any{"from": "WARM", "to": "HOT"},
//	})
package telemetry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType names an event.
type EventType string

const (
	EventTierMove          EventType = "tier_move"
	EventValidationOutcome EventType = "validation_outcome"
	EventConflictLogged    EventType = "conflict_logged"
	EventSweepCompleted    EventType = "sweep_completed"
	EventConfigReloaded    EventType = "config_reloaded"
)

// Event is one structured telemetry record.
type Event struct {
	Type   EventType
	Key    string
	At     time.Time
	Fields map[string]any
}

// Sink receives events. Implementations must not block.
type Sink interface {
	Emit(Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Emit(Event) {}

// Tee fans events out to several sinks.
type Tee []Sink

func (t Tee) Emit(e Event) {
	for _, s := range t {
		s.Emit(e)
	}
}

// ZapSink writes events to a zap logger from a background goroutine.
type ZapSink struct {
	logger *zap.Logger
	queue  chan Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool

	emitted atomic.Int64
	dropped atomic.Int64
}

// NewZapSink starts a sink with a queue of the given size.
func NewZapSink(logger *zap.Logger, size int) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if size <= 0 {
		size = 1024
	}
	s := &ZapSink{
		logger: logger.Named("telemetry"),
		queue:  make(chan Event, size),
		done:   make(chan struct{}),
	}
	go s.drain()
	return s
}

// Emit queues e, dropping it if the queue is full or the sink is closed.
func (s *ZapSink) Emit(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.queue <- e:
	default:
		s.dropped.Add(1)
	}
}

// Close stops accepting events, flushes the queue and waits for the drain
// goroutine to exit.
func (s *ZapSink) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	<-s.done
}

// Stats returns delivered and dropped counts.
func (s *ZapSink) Stats() (emitted, dropped int64) {
	return s.emitted.Load(), s.dropped.Load()
}

func (s *ZapSink) drain() {
	defer close(s.done)
	for e := range s.queue {
		fields := make([]zap.Field, 0, len(e.Fields)+3)
		fields = append(fields,
			zap.String("event", string(e.Type)),
			zap.Time("at", e.At))
		if e.Key != "" {
			fields = append(fields, zap.String("key", e.Key))
		}
		names := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			fields = append(fields, zap.Any(k, e.Fields[k]))
		}
		s.logger.Info("telemetry", fields...)
		s.emitted.Add(1)
	}
}

// Recorder keeps events in memory. Useful for tests and the HTTP debug view.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewRecorder keeps at most limit events (0 means unbounded), oldest evicted.
func NewRecorder(limit int) *Recorder {
	return &Recorder{limit: limit}
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	if r.limit > 0 && len(r.events) > r.limit {
		r.events = r.events[len(r.events)-r.limit:]
	}
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of the given type.
func (r *Recorder) OfType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Reset clears the recorder.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
