package task

import (
	"context"
	"sort"
	"sync"

	xerrors "task-processor/internal/errors"
)

// MemoryStore 以内存 map 保存全部任务，进程退出即丢失。
type MemoryStore struct {
	mu    sync.RWMutex
	tasks map[string]*Task
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[string]*Task)}
}

// Insert 实现 Store 接口。
func (m *MemoryStore) Insert(_ context.Context, task *Task, onCommit CommitFunc) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if task.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 重复")
	}
	m.tasks[task.ID] = cloneTask(task)
	if onCommit != nil {
		onCommit(cloneTask(task))
	}
	return nil
}

// Get 返回任务副本。
func (m *MemoryStore) Get(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return cloneTask(task), nil
}

// List 返回符合过滤条件的任务副本。未指定排序时顺序不确定。
func (m *MemoryStore) List(_ context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	m.mu.RLock()
	results := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		if !matchesListFilters(task, opts) {
			continue
		}
		results = append(results, cloneTask(task))
	}
	m.mu.RUnlock()

	switch opts.Order {
	case SortByCreatedAsc:
		sort.Slice(results, func(i, j int) bool {
			if results[i].CreatedAt.Equal(results[j].CreatedAt) {
				return results[i].ID < results[j].ID
			}
			return results[i].CreatedAt.Before(results[j].CreatedAt)
		})
	case SortByCreatedDesc:
		sort.Slice(results, func(i, j int) bool {
			if results[i].CreatedAt.Equal(results[j].CreatedAt) {
				return results[i].ID > results[j].ID
			}
			return results[i].CreatedAt.After(results[j].CreatedAt)
		})
	case SortByPriority:
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].Priority.Rank() > results[j].Priority.Rank()
		})
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(results) {
			return []*Task{}, nil
		}
		results = results[opts.Offset:]
	}
	if opts.Limit > 0 && len(results) > opts.Limit {
		results = results[:opts.Limit]
	}
	return results, nil
}

// Mutate 在写锁内对规范任务执行 fn，fn 失败时回滚到修改前的状态且不调用 onCommit。
func (m *MemoryStore) Mutate(_ context.Context, id string, fn MutateFunc, onCommit CommitFunc) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	working := cloneTask(task)
	if err := fn(working); err != nil {
		return cloneTask(task), err
	}
	// ID 是 map 的键，不允许被修改。
	working.ID = task.ID
	m.tasks[id] = working
	if onCommit != nil {
		onCommit(cloneTask(working))
	}
	return cloneTask(working), nil
}

func (m *MemoryStore) len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// Close 对内存存储无需操作。
func (m *MemoryStore) Close() error {
	return nil
}

func matchesListFilters(task *Task, opts ListOptions) bool {
	if len(opts.Statuses) > 0 {
		matched := false
		for _, status := range opts.Statuses {
			if task.Status == status {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if len(opts.Priorities) > 0 {
		matched := false
		for _, priority := range opts.Priorities {
			if task.Priority == priority {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if !opts.CreatedAfter.IsZero() && task.CreatedAt.Before(opts.CreatedAfter) {
		return false
	}
	if opts.Query != "" && !containsFold(task.Name, opts.Query) {
		return false
	}
	return true
}

// ensure interface compliance at compile time
var _ Store = (*MemoryStore)(nil)
