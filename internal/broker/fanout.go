package broker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"mtf-feed/internal/domain"
	"mtf-feed/internal/observability"
)

// DefaultQueueSize is the per-consumer buffer used when none is configured.
const DefaultQueueSize = 4096

// fanoutItem is either a tick or a resubscribe marker.
type fanoutItem struct {
	tick          domain.Tick
	resubscribeAt time.Time
}

// Fanout delivers one transport stream to many consumers. Publish only
// enqueues: each consumer has a bounded queue drained by its own goroutine,
// and a full queue drops the newest tick for that consumer only.
type Fanout struct {
	logger    zerolog.Logger
	queueSize int

	mu        sync.RWMutex
	consumers map[uint64]*fanoutConsumer
	nextID    uint64
	closed    bool
}

type fanoutConsumer struct {
	id       uint64
	name     string
	symbols  map[string]struct{}
	consumer Consumer
	queue    chan fanoutItem
	done     chan struct{}
	stopped  chan struct{}
	once     sync.Once

	// resubscribeAt holds a resubscribe marker (unix nanos) that did not
	// fit the queue. It is delivered before the next queued item.
	resubscribeAt atomic.Int64
}

// NewFanout creates a fan-out with the given per-consumer queue size.
func NewFanout(queueSize int, logger zerolog.Logger) *Fanout {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Fanout{
		logger:    logger,
		queueSize: queueSize,
		consumers: make(map[uint64]*fanoutConsumer),
	}
}

// Add attaches a consumer for the given symbols. An empty symbol list receives every tick.
func (f *Fanout) Add(name string, symbols []string, c Consumer) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}

	var set map[string]struct{}
	if len(symbols) > 0 {
		set = make(map[string]struct{}, len(symbols))
		for _, s := range symbols {
			set[s] = struct{}{}
		}
	}

	f.nextID++
	fc := &fanoutConsumer{
		id:       f.nextID,
		name:     name,
		symbols:  set,
		consumer: c,
		queue:    make(chan fanoutItem, f.queueSize),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	f.consumers[fc.id] = fc
	go f.run(fc)

	return &fanoutSubscription{fanout: f, id: fc.id}, nil
}

// Publish enqueues a tick for every interested consumer without blocking.
func (f *Fanout) Publish(t domain.Tick) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, fc := range f.consumers {
		if fc.symbols != nil {
			if _, ok := fc.symbols[t.Symbol]; !ok {
				continue
			}
		}
		select {
		case fc.queue <- fanoutItem{tick: t}:
		default:
			observability.RecordFanoutDrop(fc.name)
			f.logger.Warn().Str("consumer", fc.name).Str("symbol", t.Symbol).Msg("consumer queue full, tick dropped")
		}
	}
}

// NotifyResubscribe tells consumers implementing Resubscriber that the
// transport resubscribed. It never blocks: the marker is queued behind
// pending ticks, or parked on the consumer when its queue is full.
func (f *Fanout) NotifyResubscribe(at time.Time) {
	f.mu.RLock()
	targets := make([]*fanoutConsumer, 0, len(f.consumers))
	for _, fc := range f.consumers {
		if _, ok := fc.consumer.(Resubscriber); ok {
			targets = append(targets, fc)
		}
	}
	f.mu.RUnlock()

	for _, fc := range targets {
		select {
		case fc.queue <- fanoutItem{resubscribeAt: at}:
		default:
			fc.resubscribeAt.Store(at.UnixNano())
			f.logger.Warn().Str("consumer", fc.name).Msg("consumer queue full, resubscribe parked")
		}
	}
}

// Len returns the number of attached consumers.
func (f *Fanout) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.consumers)
}

// Close detaches every consumer and waits for their goroutines to exit.
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	consumers := make([]*fanoutConsumer, 0, len(f.consumers))
	for id, fc := range f.consumers {
		consumers = append(consumers, fc)
		delete(f.consumers, id)
	}
	f.mu.Unlock()

	for _, fc := range consumers {
		fc.stop()
		<-fc.stopped
	}
}

func (f *Fanout) remove(id uint64) {
	f.mu.Lock()
	fc, ok := f.consumers[id]
	delete(f.consumers, id)
	f.mu.Unlock()

	if ok {
		fc.stop()
		<-fc.stopped
	}
}

func (f *Fanout) run(fc *fanoutConsumer) {
	defer close(fc.stopped)

	for {
		select {
		case <-fc.done:
			return
		case item := <-fc.queue:
			if ns := fc.resubscribeAt.Swap(0); ns != 0 {
				f.deliver(fc, fanoutItem{resubscribeAt: time.Unix(0, ns).UTC()})
			}
			f.deliver(fc, item)
		}
	}
}

// deliver isolates consumer panics so one consumer cannot stop the others.
func (f *Fanout) deliver(fc *fanoutConsumer, item fanoutItem) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error().Str("consumer", fc.name).Interface("panic", r).Msg("consumer panicked")
		}
	}()

	if !item.resubscribeAt.IsZero() {
		if r, ok := fc.consumer.(Resubscriber); ok {
			r.OnResubscribe(item.resubscribeAt)
		}
		return
	}
	fc.consumer.OnTick(item.tick)
}

func (fc *fanoutConsumer) stop() {
	fc.once.Do(func() { close(fc.done) })
}

type fanoutSubscription struct {
	fanout *Fanout
	id     uint64
	once   sync.Once
}

func (s *fanoutSubscription) Unsubscribe() {
	s.once.Do(func() { s.fanout.remove(s.id) })
}
