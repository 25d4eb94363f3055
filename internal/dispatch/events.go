package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/nghyane/omnigate/internal/logging"
	"github.com/nghyane/omnigate/internal/usage"
)

// DefaultSinkSize bounds the event queue.
const DefaultSinkSize = 1024

type EventType string

const (
	EventRequest EventType = "request"
	EventAttempt EventType = "attempt"
)

// Event is published once per finished request and once per attempt.
// Data is a usage.Record or a usage.Attempt.
type Event struct {
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	RequestID string    `json:"request_id"`
	Data      any       `json:"data"`
}

// EventSink fans events out to its handlers from a single goroutine.
// Publishing never blocks: a full queue drops the event and counts it.
type EventSink struct {
	ch       chan Event
	handlers []func(Event)
	dropped  atomic.Int64

	subMu  sync.RWMutex
	subs   map[int]chan Event
	nextID int

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewEventSink(size int, handlers ...func(Event)) *EventSink {
	if size <= 0 {
		size = DefaultSinkSize
	}
	s := &EventSink{
		ch:       make(chan Event, size),
		handlers: handlers,
		subs:     make(map[int]chan Event),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *EventSink) Publish(e Event) bool {
	if s == nil {
		return false
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- e:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

func (s *EventSink) Dropped() int64 { return s.dropped.Load() }

// Subscribe registers a live feed. Slow subscribers miss events instead of
// stalling the sink. The returned func unsubscribes.
func (s *EventSink) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, max(buffer, 1))
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			if _, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(ch)
			}
			s.subMu.Unlock()
		})
	}
}

// Close stops accepting events and waits until queued ones are handled.
func (s *EventSink) Close() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()
	<-s.done
}

func (s *EventSink) run() {
	defer close(s.done)
	for e := range s.ch {
		for _, h := range s.handlers {
			s.handle(h, e)
		}
		s.subMu.RLock()
		for _, sub := range s.subs {
			select {
			case sub <- e:
			default:
			}
		}
		s.subMu.RUnlock()
	}
	s.subMu.Lock()
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub)
	}
	s.subMu.Unlock()
}

func (s *EventSink) handle(h func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("event handler panic: %v", r)
		}
	}()
	h(e)
}

// UsageHandler persists request and attempt events.
func UsageHandler(t *usage.Tracker) func(Event) {
	return func(e Event) {
		switch d := e.Data.(type) {
		case usage.Record:
			t.Record(d)
		case usage.Attempt:
			t.RecordAttempt(d)
		}
	}
}

// LogHandler writes one proxy log line per finished request.
func LogHandler(e Event) {
	r, ok := e.Data.(usage.Record)
	if !ok {
		return
	}
	entry := log.WithFields(log.Fields{
		"request_id": r.RequestID,
		"model":      r.RequestedModel,
		"provider":   r.Provider,
		"status":     r.Status,
		"latency":    r.Latency.Round(time.Millisecond),
		"tokens":     r.TotalTokens,
	})
	if r.Combo != "" {
		entry = entry.WithField("combo", r.Combo)
	}
	if r.Failed {
		entry.WithField("error", r.Error).Warn("request failed")
		return
	}
	entry.Info("request completed")
}
