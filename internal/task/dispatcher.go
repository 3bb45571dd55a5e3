package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	xerrors "task-processor/internal/errors"
	"task-processor/internal/observability/alerting"
	"task-processor/pkg/logger"
)

// DefaultTickInterval 是两轮调度之间的空闲等待时间。
const DefaultTickInterval = 100 * time.Millisecond

const tracerName = "task-processor/internal/task"

// Dispatcher 周期性扫描 Pending 任务，并为每个任务启动一个并发执行单元。
// 同一轮启动的执行单元全部结束后才会开始下一轮。
type Dispatcher struct {
	service  *Service
	executor Executor
	interval time.Duration
	logger   *slog.Logger
	alerter  alerting.Dispatcher
	tracer   trace.Tracer
	running  atomic.Bool
	ticks    atomic.Uint64
}

// DispatcherOption 定义可选配置。
type DispatcherOption func(*Dispatcher)

// WithTickInterval 设置两轮调度之间的等待时间。
func WithTickInterval(interval time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.interval = interval
		}
	}
}

// WithDispatcherLogger 指定日志输出。
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) DispatcherOption {
	return func(d *Dispatcher) {
		d.alerter = dispatcher
	}
}

// WithTracer 指定执行单元使用的 tracer，默认取全局 TracerProvider。
func WithTracer(tracer trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		if tracer != nil {
			d.tracer = tracer
		}
	}
}

// NewDispatcher 构造 Dispatcher。executor 为空时使用模拟执行器。
func NewDispatcher(service *Service, executor Executor, opts ...DispatcherOption) *Dispatcher {
	if executor == nil {
		executor = NewSimulatedExecutor()
	}
	d := &Dispatcher{
		service:  service,
		executor: executor,
		interval: DefaultTickInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.logger == nil {
		d.logger = logger.Named("dispatcher")
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}
	return d
}

// Start 运行调度循环直到 ctx 取消。
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.service == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "调度器未绑定任务引擎")
	}
	if !d.running.CompareAndSwap(false, true) {
		return xerrors.New(xerrors.CodeInvalidState, "调度器已在运行")
	}
	defer d.running.Store(false)

	d.logger.Info("调度循环启动", slog.Duration("interval", d.interval))
	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("调度轮次失败", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			d.logger.Info("调度循环退出")
			return ctx.Err()
		case <-time.After(d.interval):
		}
	}
}

// Ticks 返回已完成的调度轮数。
func (d *Dispatcher) Ticks() uint64 {
	return d.ticks.Load()
}

type unitHandle struct {
	taskID string
	rank   int
	done   chan struct{}
}

// RunOnce 执行一轮调度：快照全部 Pending 任务，同时启动它们，并按优先级顺序等待全部结束。
// 优先级只影响等待顺序，不影响启动时间与并发度。返回本轮启动的执行单元数量。
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	defer d.ticks.Add(1)

	pending, err := d.service.store.List(ctx, ListOptions{Statuses: []Status{StatusPending}})
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	// 单元之间互不取消，一个单元出错不影响同轮其他单元。
	var group errgroup.Group
	handles := make([]unitHandle, 0, len(pending))
	for _, task := range pending {
		handle := unitHandle{taskID: task.ID, rank: task.Priority.Rank(), done: make(chan struct{})}
		handles = append(handles, handle)
		snapshot := *task
		group.Go(func() (err error) {
			defer close(handle.done)
			defer func() {
				if r := recover(); r != nil {
					err = xerrors.New(CodeTaskExecutionPanic, fmt.Sprintf("task %s panicked: %v", snapshot.ID, r),
						xerrors.WithMetadata("stack", string(debug.Stack())))
					// 已领取的任务以 Failed 结束，未领取或已取消的任务保持原状。
					_, _ = d.service.finish(ctx, snapshot.ID, err)
				}
				if err != nil {
					d.report(ctx, snapshot.ID, err)
				}
			}()
			return d.execute(ctx, snapshot)
		})
	}

	sort.SliceStable(handles, func(i, j int) bool { return handles[i].rank > handles[j].rank })
	for _, handle := range handles {
		<-handle.done
	}
	if err := group.Wait(); err != nil {
		d.logger.Warn("本轮存在执行失败的单元", slog.Any("error", err), slog.Int("launched", len(handles)))
	}
	return len(handles), nil
}

// execute 是单个任务的执行单元：领取、执行、回写。
func (d *Dispatcher) execute(ctx context.Context, task Task) error {
	ctx, span := d.tracer.Start(ctx, "task.execute", trace.WithAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.priority", string(task.Priority)),
		attribute.Int64("task.duration_ms", int64(task.DurationMS)),
	))
	defer span.End()

	claimed, err := d.service.claim(ctx, task.ID)
	if err != nil {
		if IsTaskError(err, CodeTaskInvalidState) || IsTaskError(err, CodeTaskNotFound) {
			// 快照之后任务已被取消。
			d.logger.Debug("跳过任务", slog.String("task_id", task.ID), slog.String("reason", err.Error()))
			span.SetAttributes(attribute.Bool("task.skipped", true))
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return err
	}

	execErr := d.executor.Execute(ctx, *claimed)
	if execErr != nil && ctx.Err() != nil {
		d.logger.Warn("进程退出，执行被中断", slog.String("task_id", task.ID))
		span.SetStatus(codes.Error, "aborted")
		return nil
	}

	finished, err := d.service.finish(ctx, task.ID, execErr)
	if err != nil {
		if stdErrors.Is(err, errFinishSuppressed) {
			d.logger.Info("任务在执行期间被取消，忽略执行结果", slog.String("task_id", task.ID))
			span.SetAttributes(attribute.Bool("task.cancelled", true))
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "finish failed")
		return err
	}
	span.SetAttributes(attribute.String("task.status", string(finished.Status)))
	if finished.Status == StatusFailed {
		span.SetStatus(codes.Error, xerrors.MessageOf(execErr))
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return nil
}

func (d *Dispatcher) report(ctx context.Context, taskID string, err error) {
	d.logger.Error("执行单元异常", slog.String("task_id", taskID), slog.Any("error", err))
	if d.alerter == nil || !xerrors.ShouldAlert(err) {
		return
	}
	code := xerrors.CodeOf(err)
	event := alerting.Event{
		Code:       code,
		Message:    xerrors.MessageOf(err),
		Severity:   xerrors.SeverityOf(err),
		TaskID:     taskID,
		Stage:      "execute",
		OccurredAt: time.Now(),
	}
	if e, ok := xerrors.From(err); ok {
		event.Metadata = e.Metadata()
	}
	if notifyErr := d.alerter.Notify(ctx, event); notifyErr != nil {
		d.logger.Error("告警通知失败", slog.Any("error", notifyErr), slog.String("task_id", taskID))
	}
}
