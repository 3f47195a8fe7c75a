package tasks

import "github.com/hibiken/asynq"

// TaskEnqueuer is implemented by *asynq.Client. The CLI queues work through
// it and tests replace it with a recorder.
type TaskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}
