package broker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mtf-feed/internal/domain"
)

type recordingConsumer struct {
	mu          sync.Mutex
	ticks       []domain.Tick
	resubscribe []time.Time
}

func (r *recordingConsumer) OnTick(t domain.Tick) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, t)
}

func (r *recordingConsumer) OnResubscribe(at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resubscribe = append(r.resubscribe, at)
}

func (r *recordingConsumer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ticks)
}

func TestFanout_DeliversToAllConsumers(t *testing.T) {
	f := NewFanout(16, zerolog.Nop())
	defer f.Close()

	a := &recordingConsumer{}
	b := &recordingConsumer{}
	_, err := f.Add("aggregator", []string{"AAPL"}, a)
	require.NoError(t, err)
	_, err = f.Add("exits", nil, b)
	require.NoError(t, err)

	f.Publish(domain.Tick{Symbol: "AAPL"})
	f.Publish(domain.Tick{Symbol: "MSFT"})

	require.Eventually(t, func() bool { return a.count() == 1 && b.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestFanout_SlowConsumerDoesNotBlockOthers(t *testing.T) {
	f := NewFanout(2, zerolog.Nop())
	defer f.Close()

	release := make(chan struct{})
	var slowSeen atomic.Int64
	_, err := f.Add("slow", nil, ConsumerFunc(func(domain.Tick) {
		<-release
		slowSeen.Add(1)
	}))
	require.NoError(t, err)

	fast := &recordingConsumer{}
	_, err = f.Add("fast", nil, fast)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			f.Publish(domain.Tick{Symbol: "AAPL"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow consumer")
	}

	close(release)
	require.Eventually(t, func() bool { return fast.count() > 0 }, time.Second, 5*time.Millisecond)
	// slow consumer lost ticks to its bounded queue
	require.Eventually(t, func() bool { return slowSeen.Load() > 0 }, time.Second, 5*time.Millisecond)
	assert.Less(t, slowSeen.Load(), int64(50))
}

func TestFanout_ResubscribeOrderedWithTicks(t *testing.T) {
	f := NewFanout(16, zerolog.Nop())
	defer f.Close()

	c := &recordingConsumer{}
	_, err := f.Add("aggregator", nil, c)
	require.NoError(t, err)

	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	f.Publish(domain.Tick{Symbol: "AAPL"})
	f.NotifyResubscribe(at)

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.ticks) == 1 && len(c.resubscribe) == 1
	}, time.Second, 5*time.Millisecond)
}

type gatedConsumer struct {
	recordingConsumer
	release chan struct{}
	holding atomic.Bool
}

func (g *gatedConsumer) OnTick(t domain.Tick) {
	g.holding.Store(true)
	<-g.release
	g.recordingConsumer.OnTick(t)
}

func TestFanout_ResubscribeNeverBlocksOnFullQueue(t *testing.T) {
	f := NewFanout(1, zerolog.Nop())
	defer f.Close()

	c := &gatedConsumer{release: make(chan struct{})}
	_, err := f.Add("aggregator", nil, c)
	require.NoError(t, err)

	// One tick held by the consumer, one filling its queue.
	f.Publish(domain.Tick{Symbol: "AAPL"})
	require.Eventually(t, c.holding.Load, time.Second, time.Millisecond)
	f.Publish(domain.Tick{Symbol: "AAPL"})

	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	done := make(chan struct{})
	go func() {
		f.NotifyResubscribe(at)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("NotifyResubscribe blocked on a full consumer queue")
	}

	close(c.release)
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.resubscribe) == 1 && c.resubscribe[0].Equal(at)
	}, time.Second, 5*time.Millisecond)
}

func TestFanout_UnsubscribeAndClose(t *testing.T) {
	f := NewFanout(16, zerolog.Nop())

	c := &recordingConsumer{}
	sub, err := f.Add("aggregator", nil, c)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Len())

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.Equal(t, 0, f.Len())

	f.Close()
	_, err = f.Add("late", nil, c)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFanout_PanickingConsumerIsolated(t *testing.T) {
	f := NewFanout(16, zerolog.Nop())
	defer f.Close()

	_, err := f.Add("bad", nil, ConsumerFunc(func(domain.Tick) { panic("boom") }))
	require.NoError(t, err)
	good := &recordingConsumer{}
	_, err = f.Add("good", nil, good)
	require.NoError(t, err)

	f.Publish(domain.Tick{Symbol: "A"})
	f.Publish(domain.Tick{Symbol: "B"})

	require.Eventually(t, func() bool { return good.count() == 2 }, time.Second, 5*time.Millisecond)
}
