package events

import (
	"sync"
	"sync/atomic"
	"time"

	"lorachat/internal/metrics"

	"github.com/cskr/pubsub"
	"github.com/sirupsen/logrus"
)

const topic = "events"

// Publisher is the producer side of the hub.
type Publisher interface {
	Publish(Event)
}

// Hub fans events out to subscribers. Publish never blocks: events queue in an
// unbounded FIFO drained by a single dispatcher, and each subscriber drops events
// it cannot keep up with and marks itself lagged.
type Hub struct {
	ps      *pubsub.PubSub
	logger  *logrus.Logger
	buffer  int
	seq     atomic.Uint64
	mu      sync.Mutex
	pending []Event
	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{}

	// life guards Sub/Unsub against Shutdown; pubsub blocks forever once shut down.
	life   sync.RWMutex
	closed bool
}

// NewHub starts the dispatcher. capacity sizes the pubsub channels and buffer
// the per-subscriber queue.
func NewHub(capacity, buffer int, logger *logrus.Logger) *Hub {
	h := &Hub{
		ps:      pubsub.New(capacity),
		logger:  logger,
		buffer:  buffer,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go h.dispatch()
	return h
}

// Publish assigns a sequence number and queues the event. Invalid events are logged and dropped.
func (h *Hub) Publish(e Event) {
	if err := e.Validate(); err != nil {
		h.logger.WithError(err).Warn("Dropping invalid event")
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	h.mu.Lock()
	e.Seq = h.seq.Add(1)
	h.pending = append(h.pending, e)
	h.mu.Unlock()

	select {
	case h.notify <- struct{}{}:
	default:
	}
}

// LastSeq returns the sequence number of the most recently published event.
func (h *Hub) LastSeq() uint64 {
	return h.seq.Load()
}

func (h *Hub) dispatch() {
	defer close(h.stopped)
	for {
		select {
		case <-h.notify:
			h.drain()
		case <-h.done:
			h.drain()
			h.ps.Shutdown()
			return
		}
	}
}

func (h *Hub) drain() {
	for {
		h.mu.Lock()
		batch := h.pending
		h.pending = nil
		h.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			h.ps.Pub(e, topic)
		}
	}
}

// Subscription receives events on C until Close is called or the hub shuts down.
type Subscription struct {
	C      <-chan Event
	raw    chan interface{}
	hub    *Hub
	lagged atomic.Bool
	once   sync.Once
}

// Subscribe registers a new subscriber. On a closed hub C is already closed.
func (h *Hub) Subscribe() *Subscription {
	out := make(chan Event, h.buffer)
	s := &Subscription{C: out, hub: h}

	h.life.RLock()
	if h.closed {
		h.life.RUnlock()
		close(out)
		return s
	}
	s.raw = h.ps.Sub(topic)
	h.life.RUnlock()

	metrics.AddSubscribers(1)
	go s.forward(out)
	return s
}

func (s *Subscription) forward(out chan<- Event) {
	defer close(out)
	defer metrics.AddSubscribers(-1)
	for v := range s.raw {
		e, ok := v.(Event)
		if !ok {
			continue
		}
		select {
		case out <- e:
		default:
			if !s.lagged.Swap(true) {
				s.hub.logger.WithField("seq", e.Seq).Debug("Subscriber lagging, dropping events")
			}
			metrics.RecordEventDropped()
		}
	}
}

// Lagged reports whether any event was dropped for this subscriber.
// A lagged client must re-fetch state through the listing endpoints.
func (s *Subscription) Lagged() bool {
	return s.lagged.Load()
}

// ResetLag clears the lagged flag after the client has resynchronised.
func (s *Subscription) ResetLag() {
	s.lagged.Store(false)
}

// Close unsubscribes. C is closed once in-flight events are drained.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.raw == nil {
			return
		}
		s.hub.life.RLock()
		defer s.hub.life.RUnlock()
		if s.hub.closed {
			return
		}
		s.hub.ps.Unsub(s.raw, topic)
	})
}

// Close delivers queued events, then shuts down and closes every subscription.
func (h *Hub) Close() {
	h.life.Lock()
	if h.closed {
		h.life.Unlock()
		return
	}
	h.closed = true
	h.life.Unlock()

	close(h.done)
	<-h.stopped
}
