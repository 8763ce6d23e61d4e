// Command e2e exercises the full engine end to end: it submits a
// steady stream of parallel, sequential, and breaker-protected jobs
// against a configurable store, serves the admin API, and logs
// statistics until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/taskqueue-io/taskqueue"
	"github.com/taskqueue-io/taskqueue/admin"
	"github.com/taskqueue-io/taskqueue/mongodb"
	"github.com/taskqueue-io/taskqueue/mysql"
	"github.com/taskqueue-io/taskqueue/sqlite"
)

type config struct {
	Store             string        `env:"STORE" envDefault:"memory"` // memory, mysql, sqlite, mongodb
	MySQLURL          string        `env:"MYSQL_URL" envDefault:"root@tcp(127.0.0.1:3306)/taskqueue_e2e?loc=UTC&parseTime=true"`
	SQLitePath        string        `env:"SQLITE_PATH" envDefault:"taskqueue_e2e.db"`
	MongoURL          string        `env:"MONGO_URL" envDefault:"mongodb://localhost/taskqueue_e2e"`
	Addr              string        `env:"ADDR" envDefault:":8080"`
	Concurrency       int           `env:"CONCURRENCY" envDefault:"4"`
	FillInterval      time.Duration `env:"FILL_INTERVAL" envDefault:"2s"`
	StatsInterval     time.Duration `env:"STATS_INTERVAL" envDefault:"5s"`
	RetryScanInterval time.Duration `env:"RETRY_SCAN_INTERVAL" envDefault:"10s"`
	FailureRate       float64       `env:"FAILURE_RATE" envDefault:"0.2"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

func main() {
	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer log.Sync()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		log.Fatal("config", zap.Error(err))
	}

	store, err := openStore(cfg)
	if err != nil {
		log.Fatal("store", zap.Error(err))
	}

	m := taskqueue.New(
		taskqueue.SetStore(store),
		taskqueue.SetConcurrency(cfg.Concurrency),
		taskqueue.SetRetryScanInterval(cfg.RetryScanInterval),
	)

	if err := registerTasks(m, cfg.FailureRate); err != nil {
		log.Fatal("register", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := m.Start(ctx); err != nil {
		log.Fatal("start", zap.Error(err))
	}
	log.Info("engine started",
		zap.String("store", cfg.Store),
		zap.Int("concurrency", cfg.Concurrency))

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: admin.NewServer(m, log).Router(),
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("admin api listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return enqueuer(ctx, m, cfg.FillInterval)
	})

	g.Go(func() error {
		statsLogger(ctx, m, log, cfg.StatsInterval)
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return m.CloseWithTimeout(cfg.ShutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("exited", zap.Error(err))
	}
	log.Info("exiting")
}

func openStore(cfg config) (taskqueue.Store, error) {
	switch cfg.Store {
	case "memory":
		return taskqueue.NewInMemoryStore(), nil
	case "mysql":
		return mysql.NewStore(cfg.MySQLURL)
	case "sqlite":
		return sqlite.NewStore(cfg.SQLitePath)
	case "mongodb":
		return mongodb.NewStore(cfg.MongoURL)
	default:
		return nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// registerTasks sets up three demo job types: a plain parallel task
// with a configurable failure rate, a sequential task, and a task
// whose downstream call runs behind a circuit breaker.
func registerTasks(m *taskqueue.Manager, failureRate float64) error {
	if err := m.Register("email", func(payload taskqueue.Payload) (taskqueue.Task, error) {
		to, _ := payload["to"].(string)
		if to == "" {
			return nil, errors.New("email: missing recipient")
		}
		return taskqueue.TaskFunc(func(ctx context.Context) error {
			select {
			case <-time.After(time.Duration(rand.Intn(500)) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
			if rand.Float64() < failureRate {
				return errors.New("smtp: connection reset")
			}
			return nil
		}), nil
	}); err != nil {
		return err
	}

	if err := m.Register("report", func(payload taskqueue.Payload) (taskqueue.Task, error) {
		return taskqueue.TaskFunc(func(ctx context.Context) error {
			select {
			case <-time.After(time.Duration(rand.Intn(1000)) * time.Millisecond):
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}), nil
	}); err != nil {
		return err
	}

	breaker := m.Breakers().GetWithConfig("flaky-api", taskqueue.ExternalAPIConfig())
	return m.Register("flaky-api", func(payload taskqueue.Payload) (taskqueue.Task, error) {
		return taskqueue.TaskFunc(func(ctx context.Context) error {
			return breaker.Do(func() error {
				if rand.Float64() < failureRate*2 {
					return errors.New("upstream: 503 service unavailable")
				}
				return nil
			})
		}), nil
	})
}

func enqueuer(ctx context.Context, m *taskqueue.Manager, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	var cnt int
	for {
		select {
		case <-t.C:
			cnt++
			job := randomJob(cnt)
			if _, err := m.Submit(ctx, job); err != nil && err != taskqueue.ErrQueueFull {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func randomJob(cnt int) *taskqueue.Job {
	switch rand.Intn(3) {
	case 0:
		return &taskqueue.Job{
			Type:     "email",
			Priority: 1 + rand.Intn(9),
			Payload:  taskqueue.Payload{"to": fmt.Sprintf("user%05d@example.com", cnt)},
		}
	case 1:
		return &taskqueue.Job{
			Type:    "report",
			Mode:    taskqueue.Sequential,
			Payload: taskqueue.Payload{"name": fmt.Sprintf("report-%05d", cnt)},
		}
	default:
		return &taskqueue.Job{
			Type:     "flaky-api",
			Priority: 3,
		}
	}
}

func statsLogger(ctx context.Context, m *taskqueue.Manager, log *zap.Logger, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			ss, err := m.Stats(ctx)
			if err != nil {
				continue
			}
			log.Info("stats",
				zap.Int("pending", ss.Jobs[taskqueue.Pending]),
				zap.Int("processing", ss.Jobs[taskqueue.Processing]),
				zap.Int("completed", ss.Jobs[taskqueue.Completed]),
				zap.Int("failed", ss.Jobs[taskqueue.Failed]),
				zap.Int("retryScheduled", ss.Jobs[taskqueue.RetryScheduled]),
				zap.Int("deadLetter", ss.Jobs[taskqueue.DeadLetter]),
				zap.Int("busy", ss.BusyWorkers),
				zap.Int64("requeued", ss.RetriesRequeued))
		case <-ctx.Done():
			return
		}
	}
}
