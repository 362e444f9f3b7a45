// Command server runs the queueboard HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"queueboard/internal/api"
	"queueboard/internal/config"
	"queueboard/internal/db"
	"queueboard/internal/logging"
	"queueboard/internal/service"
	"queueboard/pkg/event"
	"queueboard/pkg/queue"
	"queueboard/pkg/stream"
	"queueboard/pkg/task"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.WithError(err).Error("server: exiting")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:           "server",
		Short:         "Run the queueboard API server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := config.New(cfgFile)
			if err != nil {
				return err
			}
			if err := config.BindFlags(v, cmd.Flags(), map[string]string{
				"addr":         "server.addr",
				"web-dir":      "server.web_dir",
				"storage":      "storage.driver",
				"database-url": "database.url",
				"redis-addr":   "redis.addr",
				"log-level":    "log.level",
				"log-format":   "log.format",
			}); err != nil {
				return err
			}
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			if _, err := logging.Setup(cfg.Log); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&cfgFile, "config", "c", "", "config file (default ./queueboard.yaml or $XDG_CONFIG_HOME/queueboard/queueboard.yaml)")
	f.String("addr", "", "listen address")
	f.String("web-dir", "", "directory with the compiled board UI")
	f.String("storage", "", "storage driver: postgres or memory")
	f.String("database-url", "", "PostgreSQL connection string")
	f.String("redis-addr", "", "Redis address for cross-replica streaming")
	f.String("log-level", "", "log level")
	f.String("log-format", "", "log format: text or json")
	return cmd
}

type stores struct {
	queues queue.Store
	tasks  task.Store
	events event.Store
	close  func()
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.Storage.Driver == config.DriverMemory {
		log.Warn("server: using in-memory storage; data is lost on exit")
		return &stores{
			queues: queue.NewMemStore(),
			tasks:  task.NewMemStore(),
			events: event.NewMemStore(),
			close:  func() {},
		}, nil
	}

	pool, err := db.Connect(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	s := &stores{
		queues: queue.NewPgStore(pool),
		tasks:  task.NewPgStore(pool),
		events: event.NewPgStore(pool),
		close:  pool.Close,
	}
	// Order matters: tasks and events reference queues.
	for _, step := range []struct {
		table  string
		ensure func(context.Context) error
	}{
		{"queues", s.queues.EnsureTable},
		{"tasks", s.tasks.EnsureTable},
		{"events", s.events.EnsureTable},
	} {
		if err := step.ensure(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure %s table: %w", step.table, err)
		}
	}
	return s, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.close()

	logger := log.StandardLogger()
	hubOpts := []stream.Option{
		stream.WithHistorySize(cfg.Stream.HistorySize),
		stream.WithBufferSize(cfg.Stream.BufferSize),
		stream.WithLogger(logger),
	}

	var relay *stream.Relay
	if cfg.Redis.Addr != "" {
		rc := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rc.Close()
		if err := rc.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		relay = stream.NewRelay(rc, cfg.Redis.Channel, logger)
		hubOpts = append(hubOpts, stream.WithPublisher(relay))
	}

	hub := stream.NewHub(st.events, hubOpts...)
	svc := service.New(st.queues, st.tasks, hub,
		service.WithLogger(logger),
		service.WithStatusRetries(cfg.Server.StatusRetries),
	)
	srv := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.New(svc, hub,
			api.WithLogger(logger),
			api.WithKeepAlive(cfg.Stream.KeepAlive),
			api.WithWebDir(cfg.Server.WebDir),
		),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(log.Fields{"addr": cfg.Server.Addr, "storage": cfg.Storage.Driver}).Info("queueboard listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	if relay != nil {
		g.Go(func() error {
			err := relay.Run(ctx, hub)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info("server: shutting down")
		// Ends open streams so Shutdown does not wait on them.
		hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
