// Package redis carries bus messages over Redis Streams. A Topic writes
// with XADD and reads either as a member of a consumer group (acknowledging
// after delivery) or as an independent tailer.
package redis

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	goredis "github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"tributary/internal/domain"
	"tributary/internal/logging"
	"tributary/internal/metrics"
)

const (
	dataField   = "data"
	backendName = "redis"
)

var ErrClosed = errors.New("redis topic closed")

// Client is the subset of go-redis the topic uses.
type Client interface {
	XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *goredis.StatusCmd
	XReadGroup(ctx context.Context, a *goredis.XReadGroupArgs) *goredis.XStreamSliceCmd
	XRead(ctx context.Context, a *goredis.XReadArgs) *goredis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *goredis.IntCmd
	XAutoClaim(ctx context.Context, a *goredis.XAutoClaimArgs) *goredis.XAutoClaimCmd
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *goredis.XMessageSliceCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// Deliver hands one decoded value to the local graph. A non-nil error
// leaves a group entry unacknowledged.
type Deliver func(ctx context.Context, v any) error

type Config struct {
	Addr     string
	Password string
	DB       int
	Topic    string
	// Group enables consumer-group reads; empty means tailing.
	Group    string
	Consumer string
	MaxLen   int64
	Count    int64
	Block    time.Duration
	Retries  uint64
	// ClaimIdle is how long an entry must sit unacknowledged, under any
	// consumer of the group, before this reader claims and redelivers it.
	ClaimIdle time.Duration
	// ClaimInterval is how often a group reader scans for idle entries.
	ClaimInterval time.Duration
	// StartID is where a tailer begins; "$" means only new entries.
	StartID string
}

func (c *Config) withDefaults() {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:6379"
	}
	if c.Consumer == "" {
		c.Consumer = domain.ClientKey()
	}
	if c.MaxLen <= 0 {
		c.MaxLen = 10000
	}
	if c.Count <= 0 {
		c.Count = 100
	}
	if c.Block <= 0 {
		c.Block = time.Second
	}
	if c.Retries == 0 {
		c.Retries = 5
	}
	if c.StartID == "" {
		c.StartID = "$"
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = 30 * time.Second
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 5 * time.Second
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Topic) == "" {
		return errors.New("redis.topic is required")
	}
	return nil
}

type Topic struct {
	cfg    Config
	client Client

	mu     sync.Mutex
	lastID string
	// noClaim is set when the server lacks XAUTOCLAIM (Redis < 6.2).
	noClaim bool

	newBackoff func() backoff.BackOff
}

// New dials Redis and checks the connection with PING.
func New(ctx context.Context, cfg Config) (*Topic, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cl := goredis.NewClient(&goredis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	t := NewWithClient(cfg, cl)
	if err := t.Ping(ctx); err != nil {
		_ = cl.Close()
		return nil, err
	}
	return t, nil
}

// NewWithClient wraps an existing client without contacting the server.
func NewWithClient(cfg Config, client Client) *Topic {
	cfg.withDefaults()
	t := &Topic{cfg: cfg, client: client, lastID: cfg.StartID}
	t.newBackoff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Millisecond
		b.MaxInterval = 5 * time.Second
		return b
	}
	return t
}

func (t *Topic) Config() Config { return t.cfg }
func (t *Topic) Grouped() bool  { return t.cfg.Group != "" }

func (t *Topic) Ping(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping %s: %w", t.cfg.Addr, err)
	}
	return nil
}

// Publish appends v to the stream, trimming it to roughly MaxLen entries.
func (t *Topic) Publish(ctx context.Context, v any) (string, error) {
	blob, err := msgpack.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s entry: %w", t.cfg.Topic, err)
	}
	id, err := t.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: t.cfg.Topic,
		MaxLen: t.cfg.MaxLen,
		Approx: true,
		ID:     "*",
		Values: map[string]any{dataField: blob},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", t.cfg.Topic, err)
	}
	metrics.BusPublished.WithLabelValues(backendName).Inc()
	return id, nil
}

// Run reads until ctx ends or a read keeps failing past the retry budget.
func (t *Topic) Run(ctx context.Context, deliver Deliver) error {
	if t.Grouped() {
		return t.runGroup(ctx, deliver)
	}
	return t.runTail(ctx, deliver)
}

func (t *Topic) ensureGroup(ctx context.Context) error {
	return t.retry(ctx, "xgroup create", func() error {
		err := t.client.XGroupCreateMkStream(ctx, t.cfg.Topic, t.cfg.Group, "0").Err()
		if err != nil && strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	})
}

// runGroup first re-reads this consumer's own pending entries, which are
// the ones it took before a crash but never acknowledged. It then blocks for
// new entries with ">" and, every ClaimInterval, claims entries that sat
// unacknowledged for ClaimIdle under any consumer of the group. That covers
// entries left behind by a consumer that never came back and entries whose
// delivery failed earlier in this run.
func (t *Topic) runGroup(ctx context.Context, deliver Deliver) error {
	if err := t.ensureGroup(ctx); err != nil {
		return err
	}
	if err := t.drainOwnPending(ctx, deliver); err != nil {
		return err
	}
	lastClaim := time.Time{}
	for ctx.Err() == nil {
		if time.Since(lastClaim) >= t.cfg.ClaimInterval {
			if err := t.claimIdle(ctx, deliver); err != nil {
				return err
			}
			lastClaim = time.Now()
		}
		msgs, err := t.readGroup(ctx, ">")
		if err != nil {
			return err
		}
		for _, m := range msgs {
			t.handle(ctx, m, deliver)
		}
	}
	return nil
}

func (t *Topic) readGroup(ctx context.Context, id string) ([]goredis.XMessage, error) {
	var streams []goredis.XStream
	err := t.retry(ctx, "xreadgroup", func() error {
		var err error
		streams, err = t.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    t.cfg.Group,
			Consumer: t.cfg.Consumer,
			Streams:  []string{t.cfg.Topic, id},
			Count:    t.cfg.Count,
			Block:    t.cfg.Block,
		}).Result()
		if errors.Is(err, goredis.Nil) {
			streams, err = nil, nil
		}
		return err
	})
	return messages(streams), err
}

func (t *Topic) drainOwnPending(ctx context.Context, deliver Deliver) error {
	from := "0"
	for ctx.Err() == nil {
		msgs, err := t.readGroup(ctx, from)
		if err != nil || len(msgs) == 0 {
			return err
		}
		for _, m := range msgs {
			from = m.ID
			t.handle(ctx, m, deliver)
		}
	}
	return nil
}

func (t *Topic) claimIdle(ctx context.Context, deliver Deliver) error {
	if t.noClaim {
		return nil
	}
	log := logging.Component("broker.redis")
	start := "0-0"
	for ctx.Err() == nil {
		var (
			msgs []goredis.XMessage
			next string
		)
		err := t.retry(ctx, "xautoclaim", func() error {
			var err error
			msgs, next, err = t.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
				Stream:   t.cfg.Topic,
				Group:    t.cfg.Group,
				Consumer: t.cfg.Consumer,
				MinIdle:  t.cfg.ClaimIdle,
				Start:    start,
				Count:    t.cfg.Count,
			}).Result()
			if err != nil && strings.Contains(strings.ToLower(err.Error()), "unknown command") {
				return backoff.Permanent(err)
			}
			return err
		})
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
				log.Warn().Err(err).Str("topic", t.cfg.Topic).Msg("server cannot claim idle entries, pending entries of other consumers stay pending")
				t.noClaim = true
				return nil
			}
			return err
		}
		if len(msgs) > 0 {
			log.Info().Str("topic", t.cfg.Topic).Int("entries", len(msgs)).Msg("claimed idle entries")
		}
		for _, m := range msgs {
			t.handle(ctx, m, deliver)
		}
		if next == "" || next == "0-0" {
			return nil
		}
		start = next
	}
	return nil
}

// handle delivers one group entry and acknowledges it once delivery
// succeeded. Undecodable entries are acknowledged so they do not come back.
func (t *Topic) handle(ctx context.Context, m goredis.XMessage, deliver Deliver) {
	log := logging.Component("broker.redis")
	v, err := decodeEntry(m)
	if err != nil {
		log.Warn().Err(err).Str("topic", t.cfg.Topic).Str("id", m.ID).Msg("undecodable entry acknowledged")
		t.ack(ctx, m.ID)
		return
	}
	if err := deliver(ctx, v); err != nil {
		log.Warn().Err(err).Str("topic", t.cfg.Topic).Str("id", m.ID).Msg("delivery failed, entry left pending")
		return
	}
	metrics.BusDelivered.WithLabelValues(backendName).Inc()
	t.ack(ctx, m.ID)
}

func (t *Topic) ack(ctx context.Context, id string) {
	if err := t.client.XAck(ctx, t.cfg.Topic, t.cfg.Group, id).Err(); err != nil {
		logging.Component("broker.redis").Warn().Err(err).Str("topic", t.cfg.Topic).Str("id", id).Msg("xack failed")
	}
}

// resolveStart turns "$" into the id of the newest entry, so that entries
// added between two blocking reads are not skipped.
func (t *Topic) resolveStart(ctx context.Context) error {
	if t.LastID() != "$" {
		return nil
	}
	return t.retry(ctx, "xrevrange", func() error {
		msgs, err := t.client.XRevRangeN(ctx, t.cfg.Topic, "+", "-", 1).Result()
		if err != nil {
			return err
		}
		id := "0-0"
		if len(msgs) > 0 {
			id = msgs[0].ID
		}
		t.setLastID(id)
		return nil
	})
}

// runTail reads with XREAD from the last seen id and never acknowledges.
func (t *Topic) runTail(ctx context.Context, deliver Deliver) error {
	log := logging.Component("broker.redis")
	if err := t.resolveStart(ctx); err != nil {
		return err
	}
	for ctx.Err() == nil {
		var streams []goredis.XStream
		err := t.retry(ctx, "xread", func() error {
			var err error
			streams, err = t.client.XRead(ctx, &goredis.XReadArgs{
				Streams: []string{t.cfg.Topic, t.LastID()},
				Count:   t.cfg.Count,
				Block:   t.cfg.Block,
			}).Result()
			if errors.Is(err, goredis.Nil) {
				streams, err = nil, nil
			}
			return err
		})
		if err != nil {
			return err
		}
		for _, m := range messages(streams) {
			t.setLastID(m.ID)
			v, err := decodeEntry(m)
			if err != nil {
				log.Warn().Err(err).Str("topic", t.cfg.Topic).Str("id", m.ID).Msg("undecodable entry skipped")
				continue
			}
			if err := deliver(ctx, v); err != nil {
				log.Warn().Err(err).Str("topic", t.cfg.Topic).Msg("delivery failed")
				continue
			}
			metrics.BusDelivered.WithLabelValues(backendName).Inc()
		}
	}
	return nil
}

// LastID is the id of the last entry a tailer has seen.
func (t *Topic) LastID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastID
}

func (t *Topic) setLastID(id string) {
	t.mu.Lock()
	t.lastID = id
	t.mu.Unlock()
}

func (t *Topic) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(t.newBackoff(), t.cfg.Retries), ctx)
	err := backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, b, func(err error, wait time.Duration) {
		metrics.ReaderRetries.WithLabelValues(backendName).Inc()
		logging.Component("broker.redis").Warn().Err(err).Str("op", op).Dur("wait", wait).Msg("retrying")
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("%s %s: giving up after %d retries: %w", op, t.cfg.Topic, t.cfg.Retries, err)
	}
	return nil
}

func (t *Topic) Close() error {
	return t.client.Close()
}

func messages(streams []goredis.XStream) []goredis.XMessage {
	var out []goredis.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out
}

func decodeEntry(m goredis.XMessage) (any, error) {
	raw, ok := m.Values[dataField]
	if !ok {
		return nil, fmt.Errorf("entry %s has no %q field", m.ID, dataField)
	}
	var blob []byte
	switch x := raw.(type) {
	case string:
		blob = []byte(x)
	case []byte:
		blob = x
	default:
		return nil, fmt.Errorf("entry %s: unexpected %T", m.ID, raw)
	}
	return Decode(blob)
}

// Decode reads a msgpack blob written by Publish.
func Decode(blob []byte) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(blob))
	dec.UseLooseInterfaceDecoding(true)
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
