package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"
)

// commitLog records the offsets a topic marks for commit and the offsets it
// rewinds to.
type commitLog struct {
	mu      sync.Mutex
	marked  []int64
	rewinds []int64
}

func (c *commitLog) committed() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.marked...)
}

func (c *commitLog) rewoundTo() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.rewinds...)
}

func groupedTopic(log *commitLog) *Topic {
	tp := newTopic(Config{Topic: "bus", GroupID: "g1", QueueCapacity: 8, WorkerCount: 1})
	tp.newBackoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	tp.markCommit = func(r *kgo.Record) {
		log.mu.Lock()
		log.marked = append(log.marked, r.Offset)
		log.mu.Unlock()
	}
	tp.commitMarked = func(context.Context) error { return nil }
	tp.rewind = func(_ string, _ int32, offset int64) {
		log.mu.Lock()
		log.rewinds = append(log.rewinds, offset)
		log.mu.Unlock()
	}
	return tp
}

func record(offset int64, value string) *kgo.Record {
	return &kgo.Record{Topic: "bus", Partition: 0, Offset: offset, Value: []byte(value)}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Brokers: []string{"127.0.0.1:9092"}, Topic: "bus", GroupID: "g1"}
	cfg.withDefaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.WorkerCount)
	assert.Equal(t, uint64(3), cfg.DeliveryRetries)
	assert.Error(t, Config{Topic: "bus"}.Validate())
	assert.Error(t, Config{Brokers: []string{"b:9092"}}.Validate())
}

func TestPublishEncodesJSON(t *testing.T) {
	tp := newTopic(Config{Topic: "bus", QueueCapacity: 1})
	var got *kgo.Record
	tp.produce = func(_ context.Context, r *kgo.Record) error { got = r; return nil }
	require.NoError(t, tp.Publish(context.Background(), map[string]any{"message": "hi"}))
	require.NotNil(t, got)
	assert.Equal(t, "bus", got.Topic)
	assert.JSONEq(t, `{"message":"hi"}`, string(got.Value))

	tp.produce = func(context.Context, *kgo.Record) error { return errors.New("no leader") }
	assert.Error(t, tp.Publish(context.Background(), 1))
}

func TestOffsetCommitOnlyAfterDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var log commitLog
	tp := groupedTopic(&log)
	wait := make(chan struct{})
	tp.deliver = func(context.Context, any) error { <-wait; return nil }
	go tp.handleAcks(ctx)
	go tp.runWorker(ctx)

	tp.enqueue(ctx, record(1, `{"message":"x"}`), 1)
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, log.committed(), "offset committed before delivery finished")

	close(wait)
	require.Eventually(t, func() bool { return len(log.committed()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1}, log.committed())
}

func TestFailedDeliveryBlocksLaterCommitsAndRewinds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var log commitLog
	tp := groupedTopic(&log)
	tp.cfg.DeliveryRetries = 2
	var attempts sync.Map
	tp.deliver = func(_ context.Context, v any) error {
		n, _ := attempts.LoadOrStore(v, new(int))
		*n.(*int)++
		if v == "bad" {
			return errors.New("graph rejected")
		}
		return nil
	}
	go tp.handleAcks(ctx)
	go tp.runWorker(ctx)

	tp.pollGen.Store(1)
	tp.enqueue(ctx, record(1, `"bad"`), 1)
	tp.enqueue(ctx, record(2, `"ok"`), 1)

	require.Eventually(t, func() bool { return len(log.rewoundTo()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1}, log.rewoundTo())
	n, _ := attempts.Load("bad")
	assert.Equal(t, 3, *n.(*int), "delivery retried in place before rewinding")

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, log.committed(), "nothing at or beyond the failed offset may be committed")

	// The rewind fetches offset 1 again; this time delivery succeeds.
	tp.enqueue(ctx, record(1, `"retried"`), 2)
	tp.enqueue(ctx, record(2, `"ok"`), 2)
	require.Eventually(t, func() bool { return len(log.committed()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int64{1, 2}, log.committed())
}

func TestRewindDropsRecordsFetchedBeforeIt(t *testing.T) {
	var log commitLog
	tp := groupedTopic(&log)
	key := partitionKey{"bus", 0}
	tp.rewound[key] = rewindMark{offset: 4, gen: 7}

	ctx := context.Background()
	tp.enqueue(ctx, record(6, `1`), 7)
	assert.Len(t, tp.records, 0, "stale record past the rewind target kept")

	tp.enqueue(ctx, record(4, `1`), 7)
	assert.Len(t, tp.records, 1)
	assert.NotContains(t, tp.rewound, key)
}

func TestCommitsAdvanceOnlyOverContiguousDeliveries(t *testing.T) {
	ctx := context.Background()
	var log commitLog
	tp := groupedTopic(&log)
	r1, r2, r3 := record(10, `1`), record(11, `2`), record(12, `3`)
	for _, r := range []*kgo.Record{r1, r2, r3} {
		tp.enqueue(ctx, r, 1)
	}

	tp.settle(ctx, recordAck{record: r2})
	tp.settle(ctx, recordAck{record: r3})
	assert.Empty(t, log.committed(), "commit overtook an in-flight record")

	tp.settle(ctx, recordAck{record: r1})
	assert.Equal(t, []int64{12}, log.committed())
}

func TestUndecodableRecordIsCommittedPast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var log commitLog
	tp := groupedTopic(&log)
	tp.deliver = func(context.Context, any) error { return nil }
	go tp.handleAcks(ctx)
	go tp.runWorker(ctx)

	tp.enqueue(ctx, record(1, `not json`), 1)
	tp.enqueue(ctx, record(2, `2`), 1)
	require.Eventually(t, func() bool {
		c := log.committed()
		return len(c) > 0 && c[len(c)-1] == 2
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, log.rewoundTo())
}

func TestTailReadsNeverCommit(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tp := newTopic(Config{Topic: "bus", QueueCapacity: 1})
	delivered := make(chan any, 1)
	tp.deliver = func(_ context.Context, v any) error { delivered <- v; return nil }
	tp.markCommit = func(*kgo.Record) { t.Errorf("tail reader committed an offset") }
	tp.commitMarked = func(context.Context) error { return nil }
	go tp.handleAcks(ctx)
	go tp.runWorker(ctx)

	tp.enqueue(ctx, &kgo.Record{Topic: "bus", Value: []byte(`"hello"`)}, 1)
	select {
	case v := <-delivered:
		assert.Equal(t, "hello", v)
	case <-time.After(time.Second):
		t.Fatal("record not delivered")
	}
	time.Sleep(20 * time.Millisecond)
}

func TestBackpressurePauseAndResume(t *testing.T) {
	tp := &Topic{cfg: Config{Topic: "bus"}, records: make(chan *kgo.Record, 2)}
	paused, resumed := 0, 0
	tp.pauseFetch = func(...string) { paused++ }
	tp.resumeFetch = func(...string) { resumed++ }

	tp.records <- &kgo.Record{}
	tp.records <- &kgo.Record{}
	tp.maybePause()
	assert.Equal(t, 1, paused)
	<-tp.records
	tp.maybeResume()
	assert.Equal(t, 1, resumed)
}

func TestRunReturnsPollError(t *testing.T) {
	tp := newTopic(Config{Topic: "bus", GroupID: "g1", QueueCapacity: 1, WorkerCount: 2})
	boom := errors.New("not leader for partition")
	tp.poll = func(context.Context, int) kgo.Fetches {
		return kgo.Fetches{{Topics: []kgo.FetchTopic{{
			Topic:      "bus",
			Partitions: []kgo.FetchPartition{{Partition: 0, Err: boom}},
		}}}}
	}

	done := make(chan error, 1)
	go func() { done <- tp.Run(context.Background(), func(context.Context, any) error { return nil }) }()
	select {
	case err := <-done:
		require.ErrorIs(t, err, boom)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after a poll error")
	}
}

func TestRunReturnsAfterClose(t *testing.T) {
	tp, err := New(Config{Brokers: []string{"127.0.0.1:1"}, Topic: "bus", GroupID: "g1"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- tp.Run(context.Background(), func(context.Context, any) error { return nil }) }()
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, tp.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run still blocked after Close")
	}
}
