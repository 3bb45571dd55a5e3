package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	xerrors "task-processor/internal/errors"
	"task-processor/internal/task"
)

const insertEventSQL = `INSERT INTO task_events
    (task_id, name, status, priority, duration_ms, error_message, payload, occurred_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// EventSink 将每次任务状态变化追加写入 task_events 表。
type EventSink struct {
	db  *sql.DB
	now func() time.Time
}

// NewEventSink 建立连接池并执行迁移。
func NewEventSink(ctx context.Context, cfg Config) (*EventSink, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "初始化 MySQL 失败")
	}
	sink, err := newEventSinkWithDB(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func newEventSinkWithDB(ctx context.Context, db *sql.DB) (*EventSink, error) {
	if _, err := runMigrations(ctx, db, embeddedMigrations); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行 MySQL 迁移失败")
	}
	return &EventSink{db: db, now: time.Now}, nil
}

// Name 实现 task.EventSink。
func (s *EventSink) Name() string { return "mysql" }

// Send 写入一条事件记录。
func (s *EventSink) Send(ctx context.Context, event task.Event) error {
	payload, err := json.Marshal(task.NewEventMessage(event))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务事件失败")
	}
	var errorMessage sql.NullString
	if event.Task.ErrorMessage != nil {
		errorMessage = sql.NullString{String: *event.Task.ErrorMessage, Valid: true}
	}
	_, err = s.db.ExecContext(ctx, insertEventSQL,
		event.TaskID,
		event.Task.Name,
		string(event.Task.Status),
		string(event.Task.Priority),
		event.Task.DurationMS,
		errorMessage,
		string(payload),
		s.now().UnixMilli(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入 task_events 失败")
	}
	return nil
}

// Close 关闭连接池。
func (s *EventSink) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ task.EventSink = (*EventSink)(nil)
