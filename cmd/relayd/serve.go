package main

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cyberinferno/go-relay/admin"
	"github.com/cyberinferno/go-relay/bridge"
	"github.com/cyberinferno/go-relay/broadcast"
	"github.com/cyberinferno/go-relay/config"
	"github.com/cyberinferno/go-relay/conn"
	"github.com/cyberinferno/go-relay/frame"
	"github.com/cyberinferno/go-relay/heartbeat"
	"github.com/cyberinferno/go-relay/logger"
	"github.com/cyberinferno/go-relay/metrics"
	"github.com/cyberinferno/go-relay/registry"
	"github.com/cyberinferno/go-relay/session"
	"github.com/cyberinferno/go-relay/tcpserver"
	"github.com/cyberinferno/go-relay/throttle"
	"github.com/cyberinferno/go-relay/wsgateway"
)

const shutdownTimeout = 5 * time.Second

func serveCmd() *cobra.Command {
	cfg := config.FromEnv()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Run the relay server until interrupted.

Settings are read from RELAY_* environment variables; flags override them.

Examples:
  relayd serve
  relayd serve --addr=:9000 --heartbeat=10s
  relayd serve --admin-addr=:9100 --redis-addr=localhost:6379`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.Name, "name", cfg.Name, "Server name used in logs")
	flags.StringVarP(&cfg.Addr, "addr", "a", cfg.Addr, "TCP listen address")
	flags.DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "Interval between ping rounds")
	flags.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Deadline for a single write to a client")
	flags.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Drop clients silent for this long (0 disables)")
	flags.IntVar(&cfg.SendQueueSize, "send-queue", cfg.SendQueueSize, "Frames buffered per client")
	flags.Int64Var(&cfg.MaxPayloadSize, "max-payload", cfg.MaxPayloadSize, "Largest accepted message in bytes")
	flags.StringVar(&cfg.AdminAddr, "admin-addr", cfg.AdminAddr, "HTTP admin and WebSocket address (empty disables)")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address for cross-node relaying (empty disables)")
	flags.StringVar(&cfg.RedisChannel, "redis-channel", cfg.RedisChannel, "Redis pub/sub channel")
	flags.IntVar(&cfg.AcceptLimit, "accept-limit", cfg.AcceptLimit, "Connections per host per window (0 disables)")
	flags.DurationVar(&cfg.AcceptWindow, "accept-window", cfg.AcceptWindow, "Window for --accept-limit")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")

	return cmd
}

func runServe(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logger.NewConsoleLogger(cfg.Name, logger.ParseLevel(cfg.LogLevel))
	nodeID := uuid.NewString()

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(metrics.WithRegistry(promRegistry))

	reg := registry.New[conn.Connection]()
	opts := []broadcast.Option{broadcast.WithMetrics(m)}

	var (
		relayBridge *bridge.Bridge
		redisClient *redis.Client
	)
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()

		relayBridge = bridge.New(
			bridge.NewRedisPubSub(redisClient),
			bridge.Config{Channel: cfg.RedisChannel, NodeID: nodeID},
			log, m,
		)
		opts = append(opts, broadcast.WithPublisher(relayBridge))
	}

	b := broadcast.New(reg, log, opts...)

	srv := tcpserver.New(tcpserver.Config{
		Name:        cfg.Name,
		Addr:        cfg.Addr,
		Logger:      log,
		Metrics:     m,
		Registry:    reg,
		Broadcaster: b,
		Heartbeat:   heartbeat.New(b, cfg.HeartbeatInterval, log, m),
		Throttle:    throttle.New(cfg.AcceptLimit, cfg.AcceptWindow),
		ConnOptions: conn.Options{
			SendQueueSize: cfg.SendQueueSize,
			WriteTimeout:  cfg.WriteTimeout,
			Logger:        log,
		},
		SessionConfig: session.Config{
			MaxPayloadSize: cfg.MaxPayloadSize,
			IdleTimeout:    cfg.IdleTimeout,
		},
	})

	if err := srv.Start(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		srv.Stop()
		return nil
	})

	if cfg.AdminAddr != "" {
		gateway := wsgateway.New(srv, wsgateway.Config{
			ConnOptions: conn.Options{
				SendQueueSize: cfg.SendQueueSize,
				WriteTimeout:  cfg.WriteTimeout,
			},
			MaxMessageSize: frame.HeaderSize + cfg.MaxPayloadSize,
		}, log)

		adminServer := admin.NewServer(admin.Config{
			Addr:        cfg.AdminAddr,
			Gatherer:    promRegistry,
			Connections: reg.Size,
			NodeID:      nodeID,
			WebSocket:   gateway,
		}, log)

		g.Go(adminServer.ListenAndServe)
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return adminServer.Shutdown(shutdownCtx)
		})
	}

	if relayBridge != nil {
		g.Go(func() error {
			err := relayBridge.Run(ctx, b)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	err := g.Wait()
	if err != nil {
		log.Error("relay stopped", logger.Field{Key: "error", Value: err})
		return err
	}

	log.Info("relay stopped")
	return nil
}
