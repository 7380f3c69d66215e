package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/warp/commission-engine/notify"
	"github.com/warp/commission-engine/wallet"
)

type recordingSink struct {
	mu     sync.Mutex
	events []wallet.Event
	block  chan struct{}
}

func (s *recordingSink) Deliver(_ context.Context, ev wallet.Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func event(ref string) wallet.Event {
	return wallet.Event{AccountID: "acc-1", Amount: wallet.PKR(100), Type: wallet.TxCommission, Reference: ref}
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	sink := &recordingSink{}
	d := notify.NewDispatcher(sink, 10, zap.NewNop())
	d.Start()

	for _, ref := range []string{"a", "b", "c"} {
		require.NoError(t, d.Notify(context.Background(), event(ref)))
	}
	d.Close()

	require.Equal(t, 3, sink.count())
	assert.Equal(t, "a", sink.events[0].Reference)
	assert.Equal(t, "c", sink.events[2].Reference)
}

func TestDispatcher_FullQueueDropsWithoutBlocking(t *testing.T) {
	// GIVEN: a sink that blocks and a queue of one
	sink := &recordingSink{block: make(chan struct{})}
	d := notify.NewDispatcher(sink, 1, zap.NewNop())
	d.Start()

	// WHEN: many events arrive while the worker is stuck
	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			_ = d.Notify(context.Background(), event("x"))
		}
		close(done)
	}()

	// THEN: Notify returns promptly
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked on a full queue")
	}

	close(sink.block)
	d.Close()
	assert.Less(t, sink.count(), 20)
	assert.GreaterOrEqual(t, sink.count(), 1)
}

func TestDispatcher_NotifyAfterClose(t *testing.T) {
	d := notify.NewDispatcher(&recordingSink{}, 1, nil)
	d.Start()
	d.Close()
	d.Close()

	err := d.Notify(context.Background(), event("late"))
	assert.True(t, errors.Is(err, notify.ErrClosed))
}

func TestMultiSink_JoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	ok := &recordingSink{}
	m := notify.MultiSink{
		notify.SinkFunc(func(context.Context, wallet.Event) error { return boom }),
		ok,
	}

	err := m.Deliver(context.Background(), event("r"))
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, 1, ok.count())
}

type fakePublisher struct {
	channel string
	payload []byte
	err     error
}

func (f *fakePublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisSink_PublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	sink := notify.NewRedisSink(pub, "ledger-events")

	require.NoError(t, sink.Deliver(context.Background(), event("ref-1")))
	assert.Equal(t, "ledger-events", pub.channel)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(pub.payload, &decoded))
	assert.Equal(t, "acc-1", decoded["account_id"])
	assert.Equal(t, "COMMISSION", decoded["type"])
	assert.Equal(t, "ref-1", decoded["reference"])
}

func TestRedisSink_PublishError(t *testing.T) {
	sink := notify.NewRedisSink(&fakePublisher{err: errors.New("connection refused")}, "ch")
	assert.Error(t, sink.Deliver(context.Background(), event("r")))
}

func TestLogSink(t *testing.T) {
	assert.NoError(t, notify.LogSink{Logger: zap.NewNop()}.Deliver(context.Background(), event("r")))
}
