// Package worker implements the scrape task execution loop.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mangamark/mangamark/internal/bookmarks"
	"github.com/mangamark/mangamark/internal/metrics"
)

// TaskRunner executes one task and returns its terminal outcome.
type TaskRunner interface {
	Run(ctx context.Context, item bookmarks.TaskItem) bookmarks.Outcome
}

// Config controls Worker behavior.
type Config struct {
	// Topic names the Pub/Sub topic for scrape-completed events. Empty
	// disables publishing.
	Topic string
}

// Worker consumes queue items and executes the scrape pipeline.
type Worker struct {
	queue     bookmarks.Queue
	taskStore bookmarks.TaskStore
	runner    TaskRunner
	publisher bookmarks.Publisher
	clock     bookmarks.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue bookmarks.Queue,
	taskStore bookmarks.TaskStore,
	runner TaskRunner,
	publisher bookmarks.Publisher,
	clock bookmarks.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		taskStore: taskStore,
		runner:    runner,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, bookmarks.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued task", zap.String("task_id", item.TaskID))
		w.processTask(ctx, item)
	}
}

func (w *Worker) processTask(ctx context.Context, item bookmarks.TaskItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if err := w.taskStore.UpdateTaskStatus(ctx, item.TaskID, bookmarks.TaskStatusRunning, nil); err != nil {
		w.logger.Error("task status update failed", zap.String("task_id", item.TaskID), zap.Error(err))
		return
	}

	start := w.clock.Now()
	outcome := w.runner.Run(ctx, item)

	status := bookmarks.TaskStatusFailed
	if outcome.Success {
		status = bookmarks.TaskStatusSucceeded
	}
	metrics.ObserveTask(string(status))

	if err := w.taskStore.UpdateTaskStatus(ctx, item.TaskID, status, &outcome); err != nil {
		w.logger.Error("final task status update failed", zap.String("task_id", item.TaskID), zap.Error(err))
	}

	w.publishOutcome(ctx, item, outcome, w.clock.Now().Sub(start))
}

func (w *Worker) publishOutcome(ctx context.Context, item bookmarks.TaskItem, outcome bookmarks.Outcome, elapsed time.Duration) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	payload := map[string]any{
		"task_id":     item.TaskID,
		"user_id":     item.UserID,
		"url":         item.URL,
		"success":     outcome.Success,
		"bookmark_id": outcome.BookmarkID,
		"stored_url":  outcome.StoredURL,
		"error":       outcome.Error,
		"timestamp":   w.clock.Now().Format(time.RFC3339),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, payload); err != nil {
		w.logger.Error("publish task outcome failed", zap.String("task_id", item.TaskID), zap.Error(err))
		return
	}
	w.logger.Info("task outcome published",
		zap.String("task_id", item.TaskID),
		zap.Bool("success", outcome.Success),
		zap.Duration("elapsed", elapsed),
	)
}
