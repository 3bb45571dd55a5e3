package task

import "context"

// MutateFunc 在独占访问下修改规范任务记录。返回错误时修改结果由调用方负责保证未生效。
type MutateFunc func(task *Task) error

// CommitFunc 在写入生效后、独占区释放前被调用，参数为提交后的副本。
// 同一任务的事件在这里发布，以保持 Pending -> Processing -> 终态 的顺序。回调不得阻塞。
type CommitFunc func(snapshot *Task)

// Store 抽象了任务集合的并发访问接口。所有读取均返回副本。
type Store interface {
	Insert(ctx context.Context, task *Task, onCommit CommitFunc) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Mutate(ctx context.Context, id string, fn MutateFunc, onCommit CommitFunc) (*Task, error)
	Close() error
}
