package task

import (
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "task-processor/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending    Status = "Pending"
	StatusProcessing Status = "Processing"
	StatusCompleted  Status = "Completed"
	StatusFailed     Status = "Failed"
	StatusCancelled  Status = "Cancelled"
)

// IsTerminal 判断状态是否为终态。终态之后不允许任何迁移。
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus 忽略大小写解析状态名称。
func ParseStatus(raw string) (Status, error) {
	for _, status := range []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled} {
		if strings.EqualFold(strings.TrimSpace(raw), string(status)) {
			return status, nil
		}
	}
	return "", xerrors.New(CodeTaskValidation, fmt.Sprintf("unknown status %q", raw))
}

// Priority 表示任务优先级。
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Rank 返回优先级的排序权重，数值越大越优先。
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// ParsePriority 忽略大小写解析优先级。
func ParsePriority(raw string) (Priority, error) {
	switch Priority(strings.ToLower(strings.TrimSpace(raw))) {
	case PriorityLow:
		return PriorityLow, nil
	case PriorityMedium:
		return PriorityMedium, nil
	case PriorityHigh:
		return PriorityHigh, nil
	}
	return "", xerrors.New(CodeTaskValidation, fmt.Sprintf("unknown priority %q", raw))
}

// Task 描述了一个待执行的短任务。
type Task struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Status       Status     `json:"status"`
	Priority     Priority   `json:"priority"`
	DurationMS   uint64     `json:"duration_ms"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	ErrorMessage *string    `json:"error_message"`
}

// Duration 返回任务的执行时长预算。
func (t *Task) Duration() time.Duration {
	return time.Duration(t.DurationMS) * time.Millisecond
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskInvalidState 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskInvalidState = xerrors.New(CodeTaskInvalidState, "task already finished", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskValidation 表示创建参数不合法。
	ErrTaskValidation = xerrors.New(CodeTaskValidation, "task validation failed")
)

const (
	CodeTaskNotFound       xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskInvalidState   xerrors.Code = "TASK_INVALID_STATE"
	CodeTaskValidation     xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskExecution      xerrors.Code = "TASK_EXECUTION_FAILED"
	CodeTaskExecutionPanic xerrors.Code = "TASK_EXECUTION_PANIC"
	CodeTaskSink           xerrors.Code = "TASK_SINK_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskInvalidState, xerrors.Attributes{
		Message:  "task already finished",
		Severity: xerrors.SeverityWarning,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskExecution, xerrors.Attributes{
		Message:  "task execution failed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeTaskExecutionPanic, xerrors.Attributes{
		Message:  "task execution panicked",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
	xerrors.Register(CodeTaskSink, xerrors.Attributes{
		Message:  "failed to forward task event",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

// IsTaskError 判断错误是否为指定错误码的任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch target {
	case CodeTaskNotFound:
		return stdErrors.Is(err, ErrTaskNotFound)
	case CodeTaskInvalidState:
		return stdErrors.Is(err, ErrTaskInvalidState)
	case CodeTaskValidation:
		return stdErrors.Is(err, ErrTaskValidation)
	}
	return xerrors.CodeOf(err) == target
}

// transitions 列出状态机中所有合法的边。
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled},
}

// CanTransition 判断 from -> to 是否为合法迁移。
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func (t *Task) transition(to Status) error {
	if !CanTransition(t.Status, to) {
		return xerrors.New(CodeTaskInvalidState,
			fmt.Sprintf("task %s cannot move from %s to %s", t.ID, t.Status, to))
	}
	t.Status = to
	return nil
}

func (t *Task) markProcessing(now time.Time) error {
	if err := t.transition(StatusProcessing); err != nil {
		return err
	}
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	return nil
}

func (t *Task) markCompleted(now time.Time) error {
	if err := t.transition(StatusCompleted); err != nil {
		return err
	}
	t.setCompletedAt(now)
	return nil
}

func (t *Task) markFailed(now time.Time, message string) error {
	if err := t.transition(StatusFailed); err != nil {
		return err
	}
	t.setCompletedAt(now)
	t.ErrorMessage = &message
	return nil
}

func (t *Task) markCancelled(now time.Time) error {
	if err := t.transition(StatusCancelled); err != nil {
		return err
	}
	t.setCompletedAt(now)
	return nil
}

func (t *Task) setCompletedAt(now time.Time) {
	if t.CompletedAt == nil {
		t.CompletedAt = &now
	}
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}
	clone := *task
	if task.StartedAt != nil {
		startedAt := *task.StartedAt
		clone.StartedAt = &startedAt
	}
	if task.CompletedAt != nil {
		completedAt := *task.CompletedAt
		clone.CompletedAt = &completedAt
	}
	if task.ErrorMessage != nil {
		message := *task.ErrorMessage
		clone.ErrorMessage = &message
	}
	return &clone
}
