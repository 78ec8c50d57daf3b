package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EVENT BUS - Single dispatch path for all cross-component traffic
// ═══════════════════════════════════════════════════════════════════════════════
//
// One worker goroutine delivers one event at a time, in publish order, to every
// matching handler. Components rely on this serialization instead of their own
// locking: a handler is never run concurrently with another handler.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Wildcard subscribes a handler to every topic.
const Wildcard = "*"

// Event is a published payload tagged with its origin topic.
type Event struct {
	Topic   string
	Time    time.Time
	Payload any
}

// Handler receives events for a subscribed topic.
type Handler func(Event)

// Bus is a topic pub/sub with a bounded queue and drop-oldest backpressure.
type Bus struct {
	mu   sync.Mutex
	subs map[string][]Handler

	queue   chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped sync.Once
	started bool

	dropped atomic.Int64
}

// New creates a bus with the given queue capacity. Start must be called before
// any event is dispatched; events published earlier stay queued.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 10000
	}
	return &Bus{
		subs:   make(map[string][]Handler),
		queue:  make(chan Event, queueSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Subscribe registers a handler for a topic. Use Wildcard to receive every
// event; wildcard handlers see the origin topic on the Event.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], h)
}

// Publish enqueues an event without blocking. When the queue is full the
// oldest pending event is evicted first: a stale quote is worse than a
// dropped one.
func (b *Bus) Publish(topic string, payload any) {
	ev := Event{Topic: topic, Time: time.Now(), Payload: payload}
	for {
		select {
		case b.queue <- ev:
			return
		default:
			b.evictOldest()
		}
	}
}

// evictOldest is the named backpressure policy: drop the head of the queue.
func (b *Bus) evictOldest() {
	select {
	case <-b.queue:
		b.dropped.Add(1)
	default:
	}
}

// Dropped returns how many events were evicted under backpressure.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Start launches the dispatch worker.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	go b.run()
}

// Stop asks the worker to drain the queue and exit, waiting at most timeout.
// Returns false if the worker did not finish in time.
func (b *Bus) Stop(timeout time.Duration) bool {
	b.stopped.Do(func() { close(b.stopCh) })

	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if !started {
		return true
	}

	select {
	case <-b.doneCh:
		return true
	case <-time.After(timeout):
		log.Warn().Msg("bus stop timed out before drain completed")
		return false
	}
}

func (b *Bus) run() {
	defer close(b.doneCh)
	for {
		select {
		case <-b.stopCh:
			// Drain whatever was already queued, then exit.
			for {
				select {
				case ev := <-b.queue:
					b.dispatch(ev)
				default:
					return
				}
			}
		case ev := <-b.queue:
			b.dispatch(ev)
		}
	}
}

// dispatch delivers one event to topic subscribers then wildcard subscribers,
// synchronously. A panicking handler is logged and skipped; the rest still run.
func (b *Bus) dispatch(ev Event) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.subs[ev.Topic])+len(b.subs[Wildcard]))
	handlers = append(handlers, b.subs[ev.Topic]...)
	if ev.Topic != Wildcard {
		handlers = append(handlers, b.subs[Wildcard]...)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		b.safeCall(h, ev)
	}
}

func (b *Bus) safeCall(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("topic", ev.Topic).
				Any("panic", r).
				Msg("bus handler panicked")
		}
	}()
	h(ev)
}
