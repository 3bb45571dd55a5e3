package task

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	xerrors "task-processor/internal/errors"
	"task-processor/internal/observability/alerting"
	"task-processor/pkg/logger"
)

// EventSink 接收任务事件的镜像副本。Sink 只写不读，引擎状态不依赖其结果。
type EventSink interface {
	Name() string
	Send(ctx context.Context, event Event) error
	Close() error
}

// EventMessage 是事件写入外部系统时使用的载荷。
type EventMessage struct {
	Type       string    `json:"type"`
	TaskID     string    `json:"task_id"`
	Status     Status    `json:"status"`
	Task       Task      `json:"task"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewEventMessage 将总线事件转换为外部载荷。
func NewEventMessage(event Event) EventMessage {
	return EventMessage{
		Type:       "task_update",
		TaskID:     event.TaskID,
		Status:     event.Task.Status,
		Task:       event.Task,
		OccurredAt: time.Now().UTC(),
	}
}

func encodeEvent(event Event) ([]byte, error) {
	return json.Marshal(NewEventMessage(event))
}

// Forwarder 订阅总线，把每个事件依次交给注册的 Sink。
type Forwarder struct {
	bus     *Bus
	sinks   []EventSink
	timeout time.Duration
	logger  *slog.Logger
	alerter alerting.Dispatcher
}

// ForwarderOption 定义可选配置。
type ForwarderOption func(*Forwarder)

// WithSinkTimeout 设置单次写入的超时时间。
func WithSinkTimeout(timeout time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		if timeout > 0 {
			f.timeout = timeout
		}
	}
}

// WithForwarderAlerts 在写入失败时发出告警。
func WithForwarderAlerts(dispatcher alerting.Dispatcher) ForwarderOption {
	return func(f *Forwarder) {
		f.alerter = dispatcher
	}
}

// NewForwarder 构造 Forwarder。
func NewForwarder(bus *Bus, sinks []EventSink, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		bus:     bus,
		timeout: 5 * time.Second,
		logger:  logger.Named("sink"),
	}
	for _, sink := range sinks {
		if sink != nil {
			f.sinks = append(f.sinks, sink)
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Run 阻塞直到 ctx 取消或总线关闭。订阅在调用时建立，之前的事件不会被转发。
func (f *Forwarder) Run(ctx context.Context) error {
	if len(f.sinks) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	sub := f.bus.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-sub.C():
			if !ok {
				return nil
			}
			f.forward(ctx, event)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, event Event) {
	for _, sink := range f.sinks {
		sendCtx, cancel := context.WithTimeout(ctx, f.timeout)
		err := sink.Send(sendCtx, event)
		cancel()
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		wrapped := xerrors.Wrap(CodeTaskSink, err, "写入 "+sink.Name()+" 失败")
		f.logger.Warn("事件转发失败",
			slog.String("sink", sink.Name()),
			slog.String("task_id", event.TaskID),
			slog.Any("error", err),
		)
		if f.alerter != nil {
			_ = f.alerter.Notify(ctx, alerting.Event{
				Code:     CodeTaskSink,
				Message:  wrapped.Error(),
				Severity: wrapped.Severity(),
				TaskID:   event.TaskID,
				Stage:    "sink:" + sink.Name(),
			})
		}
	}
}

// Close 关闭全部 Sink。
func (f *Forwarder) Close() error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
