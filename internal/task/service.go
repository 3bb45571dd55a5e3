package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "task-processor/internal/errors"
	"task-processor/pkg/logger"
)

// errFinishSuppressed 表示任务在执行期间已被取消，执行结果不再回写。
var errFinishSuppressed = stdErrors.New("task cancelled during execution")

// Service 是任务引擎：负责创建、查询、取消任务，并持有统计与事件总线。
// 进程内只应构造一个实例，并显式传递给 Dispatcher 与传输层。
type Service struct {
	store Store
	stats *Stats
	bus   *Bus
	now   func() time.Time
	newID func() string
}

// ServiceOption 定义可选配置。
type ServiceOption func(*Service)

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator 替换任务 ID 生成方式。
func WithIDGenerator(newID func() string) ServiceOption {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewService 构造任务引擎。store 或 bus 为空时使用内存实现与默认缓冲。
func NewService(store Store, bus *Bus, opts ...ServiceOption) *Service {
	if store == nil {
		store = NewMemoryStore()
	}
	if bus == nil {
		bus = NewBus(DefaultSubscriberBuffer)
	}
	s := &Service{
		store: store,
		stats: NewStats(),
		bus:   bus,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Create 校验参数并创建一个 Pending 任务。
func (s *Service) Create(ctx context.Context, name string, durationMS uint64, priority Priority) (*Task, error) {
	if strings.TrimSpace(name) == "" {
		return nil, xerrors.New(CodeTaskValidation, "task name must not be empty")
	}
	if durationMS == 0 {
		return nil, xerrors.New(CodeTaskValidation, "duration_ms must be greater than zero")
	}
	if priority == "" {
		priority = PriorityMedium
	}
	if priority.Rank() == 0 {
		return nil, xerrors.New(CodeTaskValidation, "unknown priority "+string(priority))
	}

	task := &Task{
		ID:         s.newID(),
		Name:       name,
		Status:     StatusPending,
		Priority:   priority,
		DurationMS: durationMS,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.Insert(ctx, task, s.publish); err != nil {
		logger.L().Error("写入任务失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return nil, err
	}
	s.stats.RecordCreated()

	logger.Audit().Info("任务创建成功",
		slog.String("task_id", task.ID),
		slog.String("name", task.Name),
		slog.String("priority", string(task.Priority)),
		slog.Uint64("duration_ms", task.DurationMS),
	)
	return cloneTask(task), nil
}

// Get 返回指定任务的快照。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务快照。不带选项时返回全部任务且顺序不确定。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	return s.store.List(ctx, buildListOptions(opts))
}

// Cancel 取消一个尚未结束的任务。
// 处理中的任务会被标记为 Cancelled，但正在进行的执行不会被打断，processing 计数也不回退。
func (s *Service) Cancel(ctx context.Context, id string) (*Task, error) {
	var from Status
	snapshot, err := s.store.Mutate(ctx, id, func(task *Task) error {
		from = task.Status
		if from.IsTerminal() {
			return ErrTaskInvalidState
		}
		return task.markCancelled(s.now().UTC())
	}, s.publish)
	if err != nil {
		return nil, err
	}
	s.stats.RecordCancelled(from)

	if from == StatusProcessing {
		logger.Audit().Warn("取消处理中的任务，执行不会被中断",
			slog.String("task_id", id),
		)
	} else {
		logger.Audit().Info("任务已取消", slog.String("task_id", id))
	}
	return snapshot, nil
}

// Stats 返回当前统计快照。
func (s *Service) Stats() StatsSnapshot {
	return s.stats.Snapshot()
}

// Subscribe 订阅之后发生的全部任务事件。调用方负责 Close。
func (s *Service) Subscribe() *Subscription {
	return s.bus.Subscribe()
}

// Bus 返回引擎使用的事件总线。
func (s *Service) Bus() *Bus {
	return s.bus
}

// WaitUntilFinished 在 ctx 有效期内轮询任务，直到其进入终态。
func (s *Service) WaitUntilFinished(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.IsTerminal() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close 关闭事件总线与存储。
func (s *Service) Close() error {
	s.bus.Close()
	return s.store.Close()
}

// claim 将 Pending 任务迁移到 Processing。
func (s *Service) claim(ctx context.Context, id string) (*Task, error) {
	snapshot, err := s.store.Mutate(ctx, id, func(task *Task) error {
		return task.markProcessing(s.now().UTC())
	}, s.publish)
	if err != nil {
		return nil, err
	}
	s.stats.RecordStarted()
	logger.Audit().Info("任务开始处理",
		slog.String("task_id", id),
		slog.Uint64("duration_ms", snapshot.DurationMS),
	)
	return snapshot, nil
}

// finish 根据执行结果将任务迁移到 Completed 或 Failed。
// 任务若已被取消则不做任何修改并返回 errFinishSuppressed。
func (s *Service) finish(ctx context.Context, id string, execErr error) (*Task, error) {
	var elapsedMS int64
	snapshot, err := s.store.Mutate(ctx, id, func(task *Task) error {
		// 取消检查与结果回写位于同一写锁内，取消与完成不会同时生效，
		// 因此不存在先写 Cancelled 再被执行结果覆盖的情况。
		if task.Status == StatusCancelled {
			return errFinishSuppressed
		}
		now := s.now().UTC()
		if task.StartedAt != nil {
			elapsedMS = now.Sub(*task.StartedAt).Milliseconds()
		} else {
			elapsedMS = int64(task.DurationMS)
		}
		if execErr != nil {
			return task.markFailed(now, xerrors.MessageOf(execErr))
		}
		return task.markCompleted(now)
	}, s.publish)
	if err != nil {
		return snapshot, err
	}

	if execErr != nil {
		s.stats.RecordFailed()
		logger.Audit().Warn("任务执行失败",
			slog.String("task_id", id),
			slog.String("error", xerrors.MessageOf(execErr)),
		)
	} else {
		s.stats.RecordCompleted(elapsedMS)
		logger.Audit().Info("任务执行成功",
			slog.String("task_id", id),
			slog.Int64("elapsed_ms", elapsedMS),
		)
	}
	return snapshot, nil
}

// publish 作为存储的提交回调，在写锁内发布事件。Publish 从不阻塞。
func (s *Service) publish(snapshot *Task) {
	s.bus.Publish(newEvent(snapshot))
}
