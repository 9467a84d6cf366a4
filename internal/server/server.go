package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/victornm/quizhub/internal/api"
	"github.com/victornm/quizhub/internal/bridge"
	"github.com/victornm/quizhub/internal/content"
	"github.com/victornm/quizhub/internal/coordinator"
	"github.com/victornm/quizhub/internal/dispatch"
	"github.com/victornm/quizhub/internal/event"
	"github.com/victornm/quizhub/internal/heartbeat"
	"github.com/victornm/quizhub/internal/leaderboard"
	"github.com/victornm/quizhub/internal/registry"
	"github.com/victornm/quizhub/internal/store"
	"github.com/victornm/quizhub/internal/telemetry"
)

type Config struct {
	HTTP struct {
		Port int32
	}

	Redis struct {
		State struct {
			Addrs  []string
			Pass   string
			Prefix string
		}

		Pubsub struct {
			Addrs []string
			Pass  string
		}
	}

	Postgres struct {
		Addr string
		User string
		Pass string
		Name string
	}

	Session struct {
		DefaultTimeLimit time.Duration
		IdleExpiry       time.Duration
		SweepInterval    time.Duration
		FinishedTTL      time.Duration
		Backlog          int
		SendBuffer       int
	}

	Heartbeat struct {
		Interval time.Duration
		Timeout  time.Duration
	}
}

type Server struct {
	c Config

	eb *event.Bus

	infra struct {
		redis struct {
			state  redis.UniversalClient
			pubsub redis.UniversalClient
		}

		postgres *pgxpool.Pool
	}

	store    *store.Store
	registry *registry.Registry
	bridge   *bridge.Bridge

	service struct {
		content     *content.Service
		coordinator *coordinator.Service
		leaderboard *leaderboard.Service
	}

	dispatcher *dispatch.Dispatcher
	heartbeat  *heartbeat.Monitor

	http *http.Server

	cancel context.CancelFunc
}

func Init(c Config) (*Server, error) {
	s := &Server{c: c}

	s.eb = event.NewBus()

	if err := s.initInfra(); err != nil {
		return nil, fmt.Errorf("server: init infra: %w", err)
	}

	s.initCore()
	s.initService()
	s.initAPI()
	return s, nil
}

func (s *Server) initInfra() error {
	if err := s.initRedis(); err != nil {
		return fmt.Errorf("redis: %w", err)
	}

	if err := s.initPostgres(); err != nil {
		return fmt.Errorf("postgres: %w", err)
	}

	return nil
}

func (s *Server) initRedis() error {
	connect := func(addrs []string, pass string) (redis.UniversalClient, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		r := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    addrs,
			Password: pass,
		})

		if err := telemetry.MonitorRedis(r); err != nil {
			return nil, err
		}

		if err := r.Ping(ctx).Err(); err != nil {
			return nil, err
		}

		return r, nil
	}

	var err error
	s.infra.redis.state, err = connect(s.c.Redis.State.Addrs, s.c.Redis.State.Pass)
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}

	s.infra.redis.pubsub, err = connect(s.c.Redis.Pubsub.Addrs, s.c.Redis.Pubsub.Pass)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}

	return nil
}

func (s *Server) initPostgres() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cc, err := pgxpool.ParseConfig(fmt.Sprintf("postgres://%s:%s@%s/%s",
		s.c.Postgres.User, s.c.Postgres.Pass, s.c.Postgres.Addr, s.c.Postgres.Name))
	if err != nil {
		return err
	}

	db, err := pgxpool.NewWithConfig(ctx, cc)
	if err != nil {
		return err
	}

	if err := db.Ping(ctx); err != nil {
		return err
	}

	s.infra.postgres = db
	return nil
}

// initCore wires the realtime path: state store, connection registry and the
// pub/sub bridge. The registry's subscription hooks drive the bridge so a
// session's fan-out goroutine lives exactly while it has local connections.
func (s *Server) initCore() {
	s.store = store.New(store.Config{
		Redis:   s.infra.redis.state,
		Prefix:  s.c.Redis.State.Prefix,
		Backlog: s.c.Session.Backlog,
	})

	s.registry = registry.New(registry.Config{
		OnSubscribe:   func(sessionID string) { s.bridge.Subscribe(sessionID) },
		OnUnsubscribe: func(sessionID string) { s.bridge.Unsubscribe(sessionID) },
	})

	s.bridge = bridge.New(bridge.Config{
		Redis:    s.infra.redis.pubsub,
		Store:    s.store,
		Registry: s.registry,
	})

	telemetry.RegisterConnectionGauge(s.registry.Len)
	telemetry.ObserveBus(s.eb)
}

func (s *Server) initService() {
	s.service.content = content.NewService(content.Config{
		DB:       s.infra.postgres,
		EventBus: s.eb,
	})

	s.service.coordinator = coordinator.NewService(coordinator.Config{
		Store:            s.store,
		Bridge:           s.bridge,
		EventBus:         s.eb,
		Loader:           s.service.content,
		Process:          processID(),
		DefaultTimeLimit: s.c.Session.DefaultTimeLimit,
		IdleExpiry:       s.c.Session.IdleExpiry,
		SweepInterval:    s.c.Session.SweepInterval,
		FinishedTTL:      s.c.Session.FinishedTTL,
	})

	s.service.leaderboard = leaderboard.NewService(leaderboard.Config{
		Store:  s.store,
		Scores: s.service.content,
	})

	s.dispatcher = dispatch.New(dispatch.Config{
		Registry:    s.registry,
		Coordinator: s.service.coordinator,
	})

	s.heartbeat = heartbeat.NewMonitor(heartbeat.Config{
		Registry:    s.registry,
		Coordinator: s.service.coordinator,
		Interval:    s.c.Heartbeat.Interval,
		Timeout:     s.c.Heartbeat.Timeout,
	})
}

func (s *Server) initAPI() {
	e := gin.New()
	e.GET("/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(e, "/debug/pprof")
	e.Use(gin.Recovery())

	api.New(api.Config{
		Router:      e,
		Content:     s.service.content,
		Leaderboard: s.service.leaderboard,
		Coordinator: s.service.coordinator,
		Registry:    s.registry,
		Dispatcher:  s.dispatcher,
		SendBuffer:  s.c.Session.SendBuffer,
	})

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.c.HTTP.Port),
		Handler:           e,
		ReadHeaderTimeout: 60 * time.Second,
	}
}

func (s *Server) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	var eg errgroup.Group
	eg.Go(func() error {
		slog.InfoContext(ctx, fmt.Sprintf("server: HTTP listening on port %d", s.c.HTTP.Port))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		s.heartbeat.Run(ctx)
		return nil
	})

	eg.Go(func() error {
		s.service.coordinator.Sweep(ctx)
		return nil
	})

	if err := eg.Wait(); err != nil {
		slog.ErrorContext(ctx, "server: shutdown with error", "error", err)
	}
}

func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.cancel != nil {
		s.cancel()
	}

	if err := s.http.Shutdown(ctx); err != nil {
		slog.ErrorContext(ctx, "server: shutdown HTTP failed", "error", err)
	}

	s.bridge.Stop()
	s.eb.Stop()
	s.infra.postgres.Close()

	slog.InfoContext(ctx, "server: shutdown completed")
}

// processID identifies this instance in membership records.
func processID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
