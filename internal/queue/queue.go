// Package queue provides the task queue the pipeline workers run on: the
// Queue producer interface, the Kafka implementation, the consumer loop,
// and the shared retry policy.
package queue

import (
	"context"
	"errors"
	"sync"
)

// TaskType identifies the worker a task is addressed to.
type TaskType string

// Task types, one per worker.
const (
	TaskFetch     TaskType = "fetch_stock_data"
	TaskTransform TaskType = "process_unified_table"
	TaskMetadata  TaskType = "update_stock_metadata"
	TaskNotify    TaskType = "send_notification"
	TaskBulk      TaskType = "queue_all_stocks_for_fetch"
)

// ErrEnqueueFailed wraps broker produce failures so callers can map them to
// the BROKER_ERROR surface.
var ErrEnqueueFailed = errors.New("failed to enqueue task")

type (
	// Task is the JSON payload carried on the queue.
	Task struct {
		Type      TaskType `json:"type"`
		RunID     string   `json:"run_id,omitempty"`
		Ticker    string   `json:"ticker,omitempty"`
		State     string   `json:"state,omitempty"`
		BulkRunID string   `json:"bulk_run_id,omitempty"`
	}

	// Queue is the producer interface the API and workers enqueue through.
	//
	// Callers must enqueue only after their database transaction commits,
	// so consumers never race a row that is not yet visible.
	Queue interface {
		Enqueue(ctx context.Context, topic string, task Task) error
	}

	// Handler processes tasks of one type.
	//
	// Handle classifies failures through the ingestion error taxonomy:
	// retryable errors re-attempt under the consumer's retry policy,
	// anything else is dropped after OnRetriesExhausted-independent
	// failure handling inside the handler itself.
	Handler interface {
		// Handle processes one task.
		Handle(ctx context.Context, task Task) error

		// OnRetriesExhausted runs after the final retryable failure, before
		// the task is dropped. Workers use it to mark the run FAILED with
		// MAX_RETRIES_EXCEEDED.
		OnRetriesExhausted(ctx context.Context, task Task, err error)
	}

	// MemoryQueue is an in-process Queue for tests: it records enqueued
	// tasks per topic.
	MemoryQueue struct {
		mu    sync.Mutex
		tasks map[string][]Task

		// FailTopics lists topics whose Enqueue calls fail, for testing
		// broker-failure paths.
		FailTopics map[string]bool
	}
)

// Compile-time interface assertion.
var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		tasks:      make(map[string][]Task),
		FailTopics: make(map[string]bool),
	}
}

// Enqueue records the task, or fails when the topic is marked failing.
func (q *MemoryQueue) Enqueue(_ context.Context, topic string, task Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.FailTopics[topic] {
		return ErrEnqueueFailed
	}

	q.tasks[topic] = append(q.tasks[topic], task)

	return nil
}

// Tasks returns the tasks enqueued on a topic.
func (q *MemoryQueue) Tasks(topic string) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	return append([]Task(nil), q.tasks[topic]...)
}

// Drain removes and returns the tasks enqueued on a topic.
func (q *MemoryQueue) Drain(topic string) []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	tasks := q.tasks[topic]
	q.tasks[topic] = nil

	return tasks
}
