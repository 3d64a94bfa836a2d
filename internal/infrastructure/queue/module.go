package queue

import "go.uber.org/fx"

var Module = fx.Module("queue",
	fx.Provide(NewQueue),
	fx.Provide(func(q *Queue) TaskQueue { return q }),
	fx.Invoke(NewWorkerPool),
)
