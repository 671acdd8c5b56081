package events

import "context"

// CancelSignal tells a runner to stop an in-flight task. Delivery is best
// effort: the task's recorded status is moved by the store, never by this
// signal, so a lost message only means the runner keeps working on a task
// nobody wants anymore.
type CancelSignal struct {
	TaskID int64  `json:"task_id"`
	RunID  int64  `json:"run_id"`
	Actor  string `json:"actor"`
}

// Client defines the interface for the cancel-signal bus
type Client interface {
	PublishCancel(ctx context.Context, signal CancelSignal) error
	SubscribeCancel(ctx context.Context, handler func(CancelSignal)) error
	Close() error
}
