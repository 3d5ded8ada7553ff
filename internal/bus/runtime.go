// Package bus is the cross-process publish/subscribe layer. A Runtime binds
// one topic node to a backend chosen by configuration, keeps a heartbeat
// record for this process, and falls back to in-process delivery when the
// configured backend cannot start.
package bus

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/thejerf/suture/v4"

	"tributary/internal/broker/kafka"
	"tributary/internal/broker/rabbitmq"
	"tributary/internal/broker/redis"
	"tributary/internal/dbstream"
	"tributary/internal/domain"
	"tributary/internal/logging"
	"tributary/internal/namespace"
	"tributary/internal/stream"
)

const (
	ModeLocal         = "local"
	ModeFile          = "file-ipc"
	ModeRedis         = "redis"
	ModeKafka         = "kafka"
	ModeAMQP          = "amqp"
	ModeLocalFallback = "local-fallback"

	ClientsTable = "bus_clients"

	recentMaxLen = 200
	recentMaxAge = 24 * time.Hour
)

var ErrNotStarted = errors.New("bus: runtime not started")

type Options struct {
	Mode  string
	Topic string
	// Group defaults to the process id, so every process reads the whole
	// topic through its own consumer group.
	Group             string
	HeartbeatInterval time.Duration
	ClientTTL         time.Duration
	File              FileOptions
	Redis             redis.Config
	Kafka             kafka.Config
	AMQP              rabbitmq.Config
	// Namespace holds the topic node and the heartbeat table; it defaults
	// to namespace.Default(). Without a store the heartbeat is disabled.
	Namespace *namespace.Namespace
}

func (o Options) withDefaults() Options {
	o.Mode = NormalizeMode(o.Mode)
	if o.Topic == "" {
		o.Topic = "bus"
	}
	if o.Group == "" {
		o.Group = strconv.Itoa(os.Getpid())
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.ClientTTL <= 0 {
		o.ClientTTL = 30 * time.Second
	}
	if o.Namespace == nil {
		o.Namespace = namespace.Default()
	}
	return o
}

// NormalizeMode maps configuration spellings to a mode constant. Unknown
// and empty values select redis.
func NormalizeMode(m string) string {
	switch strings.ToLower(strings.TrimSpace(m)) {
	case "local":
		return ModeLocal
	case "file", "file-ipc":
		return ModeFile
	case "kafka":
		return ModeKafka
	case "amqp", "rabbitmq":
		return ModeAMQP
	default:
		return ModeRedis
	}
}

// Status is a snapshot of the runtime for monitoring.
type Status struct {
	Mode      string         `json:"mode"`
	Topic     string         `json:"topic"`
	Group     string         `json:"group"`
	Connected bool           `json:"connected"`
	Error     string         `json:"error,omitempty"`
	Type      string         `json:"type,omitempty"`
	Stopped   bool           `json:"stopped"`
	Backend   map[string]any `json:"backend"`
}

type Runtime struct {
	opts      Options
	clientKey string
	startedAt time.Time
	now       func() time.Time

	mu        sync.Mutex
	backend   Backend
	topic     *stream.Node
	clients   *dbstream.DB
	mode      string
	connected bool
	lastErr   error
	started   bool
	stopped   bool
	cancel    context.CancelFunc
	done      <-chan error
}

func New(o Options) *Runtime {
	return &Runtime{
		opts:      o.withDefaults(),
		clientKey: domain.ClientKey(),
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// Start builds the backend, the topic node and the background loops. A
// backend that fails to start is replaced by the local one; Start itself
// only fails when the runtime was already started.
func (r *Runtime) Start(ctx context.Context) (*stream.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return r.topic, fmt.Errorf("bus: runtime already started")
	}
	log := logging.Component("bus")
	r.topic = r.opts.Namespace.Topic(r.opts.Topic)
	r.topic.StartCache(recentMaxLen, recentMaxAge)

	r.mode = r.opts.Mode
	b, err := r.openBackend(ctx)
	if err != nil {
		r.mode = ModeLocalFallback
		r.connected = false
		r.lastErr = err
		b = newLocalBackend(r.topic)
		log.Warn().Err(err).Str("mode", r.opts.Mode).Msg("bus backend failed, falling back to local")
		stream.Warnings().Emit("bus backend init failed, falling back to local stream: " + err.Error())
	} else {
		r.connected = true
	}
	r.backend = b

	if db, err := r.opts.Namespace.Table(ClientsTable, dbstream.Options{}); err == nil {
		r.clients = db
	} else {
		log.Warn().Err(err).Msg("heartbeat disabled")
	}

	sup := suture.New("bus", suture.Spec{EventHook: supervisorHook, Timeout: 5 * time.Second})
	for _, svc := range b.Services(r.topic) {
		sup.Add(svc)
	}
	if r.clients != nil {
		r.writeHeartbeat(ctx, r.clients, r.heartbeatRecord())
		sup.Add(&loop{name: "bus-heartbeat", run: r.heartbeatLoop})
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = cancel
	r.done = sup.ServeBackground(runCtx)
	r.started = true
	log.Info().Str("mode", r.mode).Str("topic", r.opts.Topic).Str("group", r.opts.Group).Msg("bus started")
	return r.topic, nil
}

func (r *Runtime) openBackend(ctx context.Context) (Backend, error) {
	switch r.opts.Mode {
	case ModeLocal:
		return newLocalBackend(r.topic), nil
	case ModeFile:
		return newFileBackend(r.opts.Topic, r.opts.File, r.now)
	case ModeKafka:
		cfg := r.opts.Kafka
		cfg.Topic = r.opts.Topic
		if cfg.GroupID == "" {
			cfg.GroupID = r.opts.Group
		}
		if cfg.ClientID == "" {
			cfg.ClientID = r.clientKey
		}
		t, err := kafka.New(cfg)
		if err != nil {
			return nil, err
		}
		if err := t.Ping(ctx); err != nil {
			_ = t.Close()
			return nil, err
		}
		return &kafkaBackend{topic: t, brokers: cfg.Brokers, group: cfg.GroupID}, nil
	case ModeAMQP:
		cfg := r.opts.AMQP
		cfg.Topic = r.opts.Topic
		if cfg.Group == "" {
			cfg.Group = r.opts.Group
		}
		t, err := rabbitmq.New(cfg)
		if err != nil {
			return nil, err
		}
		if err := t.Connect(ctx); err != nil {
			return nil, err
		}
		return &amqpBackend{topic: t}, nil
	default:
		cfg := r.opts.Redis
		cfg.Topic = r.opts.Topic
		if cfg.Group == "" {
			cfg.Group = r.opts.Group
		}
		t, err := redis.New(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return &redisBackend{topic: t}, nil
	}
}

func supervisorHook(e suture.Event) {
	logging.Component("bus.supervisor").Warn().Fields(e.Map()).Msg(e.String())
}

// PublishOption adjusts the envelope built by Publish.
type PublishOption func(*domain.Message)

func WithSender(s string) PublishOption { return func(m *domain.Message) { m.Sender = s } }

// WithExtra merges fields next to sender, message and ts.
func WithExtra(extra map[string]any) PublishOption {
	return func(m *domain.Message) {
		if len(extra) == 0 {
			return
		}
		if m.Extra == nil {
			m.Extra = make(map[string]any, len(extra))
		}
		for k, v := range extra {
			m.Extra[k] = v
		}
	}
}

// WithTimestamp overrides the envelope time.
func WithTimestamp(t time.Time) PublishOption {
	return func(m *domain.Message) { m.TS = domain.Epoch(t) }
}

// Publish wraps message in an envelope and hands it to the backend. Without
// WithSender the sender is the calling function's name.
func (r *Runtime) Publish(ctx context.Context, message any, opts ...PublishOption) (domain.Message, error) {
	msg := domain.Message{Message: message}
	for _, o := range opts {
		o(&msg)
	}
	if msg.Sender == "" {
		msg.Sender = callerName(1)
	}
	if msg.TS == 0 {
		msg.TS = domain.Epoch(r.now())
	}
	r.mu.Lock()
	b := r.backend
	r.mu.Unlock()
	if b == nil {
		return msg, ErrNotStarted
	}
	if err := b.Publish(ctx, msg); err != nil {
		return msg, fmt.Errorf("bus publish via %s: %w", b.Name(), err)
	}
	return msg, nil
}

// Topic returns the topic node, or nil before Start.
func (r *Runtime) Topic() *stream.Node {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.topic
}

func (r *Runtime) ClientKey() string { return r.clientKey }

// heartbeatRecord must be called with r.mu held.
func (r *Runtime) heartbeatRecord() domain.Heartbeat {
	host, _ := os.Hostname()
	return domain.Heartbeat{
		PID:       os.Getpid(),
		Host:      host,
		ClientKey: r.clientKey,
		Topic:     r.opts.Topic,
		Mode:      r.mode,
		Group:     r.opts.Group,
		UpdatedAt: domain.Epoch(r.now()),
		StartedAt: domain.Epoch(r.startedAt),
		Type:      r.backend.Name(),
	}
}

func (r *Runtime) writeHeartbeat(ctx context.Context, db *dbstream.DB, hb domain.Heartbeat) {
	if err := db.Upsert(ctx, hb.ClientKey, hb); err != nil {
		logging.Component("bus").Warn().Err(err).Msg("heartbeat write failed")
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context) error {
	t := time.NewTicker(r.opts.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.mu.Lock()
			hb, db := r.heartbeatRecord(), r.clients
			r.mu.Unlock()
			r.writeHeartbeat(ctx, db, hb)
		}
	}
}

// Clients prunes heartbeat records older than ttl (or malformed) and returns
// the live ones on this runtime's topic, newest first. ttl <= 0 uses the
// configured ClientTTL.
func (r *Runtime) Clients(ctx context.Context, ttl time.Duration) ([]domain.Heartbeat, error) {
	if ttl <= 0 {
		ttl = r.opts.ClientTTL
	}
	r.mu.Lock()
	db := r.clients
	r.mu.Unlock()
	if db == nil {
		return nil, nil
	}
	items, err := db.Items(ctx)
	if err != nil {
		return nil, fmt.Errorf("bus clients: %w", err)
	}
	now := domain.Epoch(r.now())
	var out []domain.Heartbeat
	for _, it := range items {
		hb, ok := toHeartbeat(it.Value)
		if !ok || now-hb.UpdatedAt > ttl.Seconds() {
			if _, err := db.Delete(ctx, it.Key); err != nil {
				return nil, fmt.Errorf("bus clients prune %s: %w", it.Key, err)
			}
			continue
		}
		if hb.Topic == r.opts.Topic {
			out = append(out, hb)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt > out[j].UpdatedAt })
	return out, nil
}

func toHeartbeat(v any) (domain.Heartbeat, bool) {
	if _, ok := v.(map[string]any); !ok {
		return domain.Heartbeat{}, false
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return domain.Heartbeat{}, false
	}
	var hb domain.Heartbeat
	if err := json.Unmarshal(raw, &hb); err != nil || !hb.Valid() {
		return domain.Heartbeat{}, false
	}
	return hb, true
}

// RecentMessages returns up to limit of the latest values seen on the topic.
func (r *Runtime) RecentMessages(limit int) []any {
	t := r.Topic()
	if t == nil || limit <= 0 {
		return nil
	}
	return t.Recent(limit, 0)
}

func (r *Runtime) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		Mode:      r.mode,
		Topic:     r.opts.Topic,
		Group:     r.opts.Group,
		Connected: r.connected,
		Stopped:   r.stopped,
	}
	if st.Mode == "" {
		st.Mode = r.opts.Mode
	}
	if r.lastErr != nil {
		st.Error = r.lastErr.Error()
	}
	if r.backend == nil {
		st.Connected = false
		if st.Error == "" {
			st.Error = ErrNotStarted.Error()
		}
		st.Backend = map[string]any{"backend": "unknown"}
		return st
	}
	st.Type = r.backend.Name()
	st.Backend = r.backend.Describe()
	return st
}

// Stop stops the background loops, removes this process's heartbeat and
// closes the backend. It is safe to call on a runtime that never started.
func (r *Runtime) Stop(ctx context.Context) error {
	r.mu.Lock()
	if r.stopped || !r.started {
		r.stopped = true
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	cancel, done, b, db := r.cancel, r.done, r.backend, r.clients
	r.mu.Unlock()

	var errs []error
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	// The heartbeat loop has exited, so nothing writes the record back.
	if db != nil {
		if _, err := db.Delete(ctx, r.clientKey); err != nil {
			errs = append(errs, fmt.Errorf("remove heartbeat: %w", err))
		}
	}
	if err := b.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close %s backend: %w", b.Name(), err))
	}
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	logging.Component("bus").Info().Str("topic", r.opts.Topic).Msg("bus stopped")
	return errors.Join(errs...)
}
