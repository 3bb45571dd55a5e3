package task

import (
	"context"
	"math/rand/v2"
	"time"

	xerrors "task-processor/internal/errors"
)

const (
	// DefaultFailureRate 是模拟工作负载随机失败的概率。
	DefaultFailureRate = 0.05
	// DefaultFailureMessage 是模拟失败时写入任务的错误信息。
	DefaultFailureMessage = "random error during processing"
)

// Executor 执行一个任务的工作负载。返回 nil 表示成功，返回错误表示任务失败，
// 错误信息会写入任务的 error_message。ctx 取消表示进程正在退出。
type Executor interface {
	Execute(ctx context.Context, task Task) error
}

// ExecutorFunc 让普通函数满足 Executor。
type ExecutorFunc func(ctx context.Context, task Task) error

// Execute 实现 Executor。
func (f ExecutorFunc) Execute(ctx context.Context, task Task) error {
	return f(ctx, task)
}

// SimulatedExecutor 休眠任务声明的时长，并以固定概率报告失败。
type SimulatedExecutor struct {
	FailureRate    float64
	FailureMessage string
	// Random 返回 [0,1) 的随机数，为空时使用 math/rand/v2。
	Random func() float64
}

// NewSimulatedExecutor 使用默认失败率与错误信息构造执行器。
func NewSimulatedExecutor() *SimulatedExecutor {
	return &SimulatedExecutor{FailureRate: DefaultFailureRate, FailureMessage: DefaultFailureMessage}
}

// Execute 实现 Executor。
func (e *SimulatedExecutor) Execute(ctx context.Context, task Task) error {
	timer := time.NewTimer(task.Duration())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	random := e.Random
	if random == nil {
		random = rand.Float64
	}
	if random() < e.FailureRate {
		message := e.FailureMessage
		if message == "" {
			message = DefaultFailureMessage
		}
		return xerrors.New(CodeTaskExecution, message)
	}
	return nil
}
