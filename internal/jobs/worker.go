package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	service "github.com/honeynil/GearAuctionService/internal/services"
)

const (
	QueueAuction = "auction"

	TaskRollover = "auction:rollover"
	TaskClose    = "auction:close"
)

// AuctionRunner is the part of the auction service the scheduler drives.
type AuctionRunner interface {
	Rollover(ctx context.Context) (int, error)
	CloseEnded(ctx context.Context) (service.CloseSummary, error)
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// Schedule returns the weekly rollover and close entries. Both jobs are
// idempotent, so an hourly pass catches anything a missed tick left behind.
func Schedule() []CronRegistration {
	opts := []asynq.Option{asynq.Queue(QueueAuction), asynq.MaxRetry(3), asynq.Timeout(5 * time.Minute)}
	return []CronRegistration{
		{Spec: "0 1 * * 1", Task: asynq.NewTask(TaskRollover, nil), Options: opts},
		{Spec: "0 23 * * 0", Task: asynq.NewTask(TaskClose, nil), Options: opts},
		{Spec: "5 * * * *", Task: asynq.NewTask(TaskClose, nil), Options: opts},
		{Spec: "10 * * * *", Task: asynq.NewTask(TaskRollover, nil), Options: opts},
	}
}

// Worker wraps the Asynq server and scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
}

type WorkerConfig struct {
	RedisOpts asynq.RedisClientOpt
	Location  *time.Location
	Auctions  AuctionRunner
	Cron      []CronRegistration
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Auctions == nil {
		return nil, errors.New("worker: auction service not configured")
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}

	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{QueueAuction: 1},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskRollover, RolloverHandler(cfg.Auctions))
	mux.HandleFunc(TaskClose, CloseHandler(cfg.Auctions))

	scheduler := asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: loc})
	for _, entry := range cfg.Cron {
		if entry.Spec == "" || entry.Task == nil {
			continue
		}
		if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
			return nil, err
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler}, nil
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.scheduler.Start(); err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		w.scheduler.Shutdown()
		w.server.Shutdown()
		return nil
	case err := <-errCh:
		w.scheduler.Shutdown()
		return err
	}
}

func RolloverHandler(auctions AuctionRunner) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		moved, err := auctions.Rollover(ctx)
		if err != nil {
			slog.Error("rollover task failed", "moved", moved, "error", err)
			return err
		}
		slog.Info("rollover task done", "moved", moved)
		return nil
	}
}

func CloseHandler(auctions AuctionRunner) asynq.HandlerFunc {
	return func(ctx context.Context, _ *asynq.Task) error {
		sum, err := auctions.CloseEnded(ctx)
		if err != nil {
			slog.Error("close task failed", "sold", sum.Sold, "not_sold", sum.NotSold, "error", err)
			return err
		}
		slog.Info("close task done", "sold", sum.Sold, "not_sold", sum.NotSold)
		return nil
	}
}
