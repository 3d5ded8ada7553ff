package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"tributary/internal/broker/kafka"
	"tributary/internal/broker/rabbitmq"
	"tributary/internal/broker/redis"
	"tributary/internal/bus"
	"tributary/internal/config"
	"tributary/internal/ingest/socket"
	"tributary/internal/logging"
	"tributary/internal/metrics"
	"tributary/internal/namespace"
	"tributary/internal/storage/sqlite"
	"tributary/internal/stream"
)

func main() {
	cfgPath := flag.String("config", "", "path to config file (yaml, toml or json)")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "tributaryd: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Caller: cfg.Log.Caller})
	log := logging.Component("tributaryd")

	st, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Warn().Err(err).Msg("close store")
		}
	}()
	ns := namespace.Default()
	ns.SetStore(st)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt := bus.New(busOptions(cfg, ns))
	if _, err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start bus: %w", err)
	}
	status := rt.Status()
	log.Info().Str("mode", status.Mode).Bool("connected", status.Connected).Str("topic", status.Topic).Msg("tributaryd running")

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Ingest.Socket.Enabled {
		in := ns.Stream(cfg.Ingest.Socket.Stream)
		forward := stream.NewHandler(func(ctx context.Context, _ *stream.Node, v any) ([]any, error) {
			_, err := rt.Publish(ctx, v, bus.WithSender("tcp"))
			return nil, err
		}, stream.WithName("tcp-to-bus"))
		if err := in.Connect(forward); err != nil {
			return fmt.Errorf("wire tcp source: %w", err)
		}
		srv := socket.NewServer(socket.Config{Address: cfg.Ingest.Socket.Address}, in)
		g.Go(func() error { return srv.Start(gctx) })
	}
	if cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
		hs := &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Stop(sctx); err != nil {
		log.Warn().Err(err).Msg("stop bus")
	}
	if err := stream.DefaultReactor().Stop(sctx); err != nil && !errors.Is(err, stream.ErrReactorStopped) {
		log.Warn().Err(err).Msg("stop reactor")
	}
	log.Info().Msg("tributaryd stopped")
	return runErr
}

func busOptions(cfg config.Config, ns *namespace.Namespace) bus.Options {
	return bus.Options{
		Mode:              cfg.Bus.Mode,
		Topic:             cfg.Bus.Topic,
		Group:             cfg.Bus.Group,
		HeartbeatInterval: cfg.Bus.HeartbeatInterval,
		ClientTTL:         cfg.Bus.ClientTTL,
		Namespace:         ns,
		File: bus.FileOptions{
			Path:         cfg.Bus.File.Path,
			Replay:       cfg.Bus.File.Replay,
			PollInterval: cfg.Bus.File.PollInterval,
		},
		Redis: redis.Config{
			Addr:     cfg.Bus.Redis.Addr,
			Password: cfg.Bus.Redis.Password,
			DB:       cfg.Bus.Redis.DB,
			MaxLen:   cfg.Bus.Redis.MaxLen,
			Count:    cfg.Bus.Redis.Count,
			Block:    cfg.Bus.Redis.Block,
			Retries:  cfg.Bus.Redis.Retries,

			ClaimIdle:     cfg.Bus.Redis.ClaimIdle,
			ClaimInterval: cfg.Bus.Redis.ClaimInterval,
		},
		Kafka: kafka.Config{
			Brokers: cfg.Bus.Kafka.Brokers,
			GroupID: cfg.Bus.Kafka.GroupID,
		},
		AMQP: rabbitmq.Config{
			URL:           cfg.Bus.AMQP.URL,
			PrefetchCount: cfg.Bus.AMQP.PrefetchCount,
		},
	}
}
