// Package kafka carries bus messages over a Kafka topic. Reads in a
// consumer group commit offsets only after the value reached the local graph.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/twmb/franz-go/pkg/kgo"

	"tributary/internal/logging"
	"tributary/internal/metrics"
)

const backendName = "kafka"

// Deliver hands one decoded value to the local graph.
type Deliver func(ctx context.Context, v any) error

type Config struct {
	Brokers []string
	Topic   string
	// GroupID enables committed consumer-group reads; empty means the
	// reader starts at the end of the topic and never commits.
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	// DeliveryRetries is how often a failed delivery is retried in place
	// before the partition is rewound to the failed record.
	DeliveryRetries uint64
	TLS             TLSConfig
	Fetch           FetchConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

type Topic struct {
	cfg Config

	client  *kgo.Client
	records chan *kgo.Record
	acks    chan recordAck
	closed  atomic.Bool
	pollGen atomic.Uint64

	pauseMux sync.Mutex
	paused   bool

	trackMu  sync.Mutex
	inflight map[partitionKey][]*inflightRecord
	rewound  map[partitionKey]rewindMark

	deliver      Deliver
	newBackoff   func() backoff.BackOff
	poll         func(context.Context, int) kgo.Fetches
	produce      func(context.Context, *kgo.Record) error
	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	rewind       func(topic string, partition int32, offset int64)
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record *kgo.Record
	err    error
	// skip marks records that can never be delivered; they are committed
	// past instead of rewound.
	skip bool
}

type partitionKey struct {
	topic     string
	partition int32
}

// rewindMark records where a partition was rewound to and during which poll.
type rewindMark struct {
	offset int64
	gen    uint64
}

type inflightRecord struct {
	rec  *kgo.Record
	done bool
}

func New(cfg Config, opts ...kgo.Opt) (*Topic, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.DefaultProduceTopic(cfg.Topic),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.GroupID != "" {
		kopts = append(kopts,
			kgo.ConsumerGroup(cfg.GroupID),
			kgo.DisableAutoCommit(),
			kgo.BlockRebalanceOnPoll(),
		)
	} else {
		kopts = append(kopts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	t := newTopic(cfg)
	t.client = cl
	t.poll = cl.PollRecords
	t.produce = func(ctx context.Context, r *kgo.Record) error { return cl.ProduceSync(ctx, r).FirstErr() }
	t.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	t.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	t.rewind = func(topic string, partition int32, offset int64) {
		cl.SetOffsets(map[string]map[int32]kgo.EpochOffset{
			topic: {partition: {Epoch: -1, Offset: offset}},
		})
	}
	t.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	t.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return t, nil
}

func newTopic(cfg Config) *Topic {
	return &Topic{
		cfg:      cfg,
		records:  make(chan *kgo.Record, cfg.QueueCapacity),
		acks:     make(chan recordAck, cfg.QueueCapacity),
		inflight: map[partitionKey][]*inflightRecord{},
		rewound:  map[partitionKey]rewindMark{},
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = time.Second
			return b
		},
	}
}

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 1
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.DeliveryRetries == 0 {
		c.DeliveryRetries = 3
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Topic == "" {
		return errors.New("kafka.topic is required")
	}
	return nil
}

func (t *Topic) Grouped() bool { return t.cfg.GroupID != "" }

// Ping checks that at least one broker answers.
func (t *Topic) Ping(ctx context.Context) error {
	if err := t.client.Ping(ctx); err != nil {
		return fmt.Errorf("kafka ping %v: %w", t.cfg.Brokers, err)
	}
	return nil
}

// Publish writes v as one JSON record and waits for the broker ack.
func (t *Topic) Publish(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s record: %w", t.cfg.Topic, err)
	}
	if err := t.produce(ctx, &kgo.Record{Topic: t.cfg.Topic, Value: data}); err != nil {
		return fmt.Errorf("produce %s: %w", t.cfg.Topic, err)
	}
	metrics.BusPublished.WithLabelValues(backendName).Inc()
	return nil
}

// Run polls until ctx ends, the topic is closed or a poll fails. Workers
// hand records to deliver. Per partition, offsets are committed only up to
// the last record before the first one still in flight or failed; a record
// that keeps failing rewinds its partition so it is fetched again. Run may
// be called again after it returns.
func (t *Topic) Run(ctx context.Context, deliver Deliver) error {
	t.deliver = deliver
	t.records = make(chan *kgo.Record, t.cfg.QueueCapacity)
	t.acks = make(chan recordAck, t.cfg.QueueCapacity)
	t.trackMu.Lock()
	t.inflight = map[partitionKey][]*inflightRecord{}
	t.rewound = map[partitionKey]rewindMark{}
	t.trackMu.Unlock()

	var workers sync.WaitGroup
	for i := 0; i < t.cfg.WorkerCount; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			t.runWorker(ctx)
		}()
	}
	acked := make(chan struct{})
	go func() {
		defer close(acked)
		t.handleAcks(ctx)
	}()
	stop := func(err error) error {
		close(t.records)
		workers.Wait()
		close(t.acks)
		<-acked
		return err
	}

	for {
		if ctx.Err() != nil || t.closed.Load() {
			return stop(nil)
		}
		gen := t.pollGen.Add(1)
		fetches := t.poll(ctx, t.cfg.MaxPollRecords)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return stop(nil)
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			metrics.ReaderRetries.WithLabelValues(backendName).Inc()
			return stop(fmt.Errorf("poll %s: %w", t.cfg.Topic, errs[0].Err))
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			t.enqueue(ctx, rec, gen)
		})
		if t.Grouped() && t.client != nil {
			t.client.AllowRebalance()
		}
	}
}

// enqueue tracks rec and queues it for the workers, pausing fetches while
// the queue is full. After a rewind, records of that partition are dropped
// until the rewind target arrives or a later poll starts; the rewind fetches
// the dropped ones again.
func (t *Topic) enqueue(ctx context.Context, rec *kgo.Record, gen uint64) {
	key := partitionKey{rec.Topic, rec.Partition}
	t.trackMu.Lock()
	if mark, ok := t.rewound[key]; ok {
		if rec.Offset != mark.offset && gen <= mark.gen {
			t.trackMu.Unlock()
			return
		}
		delete(t.rewound, key)
	}
	t.inflight[key] = append(t.inflight[key], &inflightRecord{rec: rec})
	t.trackMu.Unlock()
	for {
		select {
		case t.records <- rec:
			t.maybeResume()
			return
		case <-ctx.Done():
			return
		default:
			t.maybePause()
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (t *Topic) runWorker(ctx context.Context) {
	for rec := range t.records {
		ack := recordAck{record: rec}
		v, err := decodeRecord(rec)
		if err != nil {
			ack.err, ack.skip = err, true
		} else {
			ack.err = t.deliverWithRetry(ctx, v)
		}
		if ack.err == nil {
			metrics.BusDelivered.WithLabelValues(backendName).Inc()
		}
		select {
		case t.acks <- ack:
		case <-ctx.Done():
			return
		}
	}
}

func (t *Topic) deliverWithRetry(ctx context.Context, v any) error {
	b := backoff.WithContext(backoff.WithMaxRetries(t.newBackoff(), t.cfg.DeliveryRetries), ctx)
	return backoff.Retry(func() error {
		err := t.deliver(ctx, v)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// handleAcks runs until the acks channel is closed.
func (t *Topic) handleAcks(ctx context.Context) {
	for ack := range t.acks {
		if ack.record != nil {
			t.settle(ctx, ack)
		}
	}
}

func (t *Topic) settle(ctx context.Context, ack recordAck) {
	log := logging.Component("broker.kafka")
	rec := ack.record
	key := partitionKey{rec.Topic, rec.Partition}

	t.trackMu.Lock()
	list := t.inflight[key]
	idx := -1
	for i, e := range list {
		if e.rec == rec {
			idx = i
			break
		}
	}
	if idx < 0 {
		// Superseded by a rewind of its partition.
		t.trackMu.Unlock()
		return
	}
	if ack.err != nil {
		if ack.skip {
			log.Warn().Err(ack.err).Str("topic", rec.Topic).Int64("offset", rec.Offset).Msg("undecodable record skipped")
		} else if t.Grouped() {
			t.inflight[key] = list[:idx]
			t.rewound[key] = rewindMark{offset: rec.Offset, gen: t.pollGen.Load()}
			t.trackMu.Unlock()
			log.Warn().Err(ack.err).Str("topic", rec.Topic).Int32("partition", rec.Partition).Int64("offset", rec.Offset).Msg("delivery failed, rewinding partition")
			if t.rewind != nil {
				t.rewind(rec.Topic, rec.Partition, rec.Offset)
			}
			return
		} else {
			log.Warn().Err(ack.err).Str("topic", rec.Topic).Int64("offset", rec.Offset).Msg("delivery failed")
		}
	}
	list[idx].done = true
	var last *kgo.Record
	n := 0
	for n < len(list) && list[n].done {
		last = list[n].rec
		n++
	}
	t.inflight[key] = list[n:]
	t.trackMu.Unlock()

	if last == nil || !t.Grouped() {
		return
	}
	t.markCommit(last)
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := t.commitMarked(cctx); err != nil {
		log.Warn().Err(err).Str("topic", last.Topic).Msg("commit failed")
	}
}

func decodeRecord(rec *kgo.Record) (any, error) {
	var v any
	if err := json.Unmarshal(rec.Value, &v); err != nil {
		return nil, fmt.Errorf("decode %s/%d/%d: %w", rec.Topic, rec.Partition, rec.Offset, err)
	}
	return v, nil
}

func (t *Topic) maybePause() {
	t.pauseMux.Lock()
	defer t.pauseMux.Unlock()
	if t.paused {
		return
	}
	if len(t.records) < cap(t.records) {
		return
	}
	t.pauseFetch(t.cfg.Topic)
	t.paused = true
}

func (t *Topic) maybeResume() {
	t.pauseMux.Lock()
	defer t.pauseMux.Unlock()
	if !t.paused {
		return
	}
	if len(t.records) > cap(t.records)/2 {
		return
	}
	t.resumeFetch(t.cfg.Topic)
	t.paused = false
}

func (t *Topic) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.client != nil {
		t.client.Close()
	}
	return nil
}
