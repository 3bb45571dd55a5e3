package task

import "sync/atomic"

// StatsSnapshot 是某一时刻的任务统计视图。
// 计数器彼此独立更新，只有在所有迁移结束后各状态之和才等于 TotalTasks。
type StatsSnapshot struct {
	TotalTasks              int64   `json:"total_tasks"`
	Pending                 int64   `json:"pending"`
	Processing              int64   `json:"processing"`
	Completed               int64   `json:"completed"`
	Failed                  int64   `json:"failed"`
	Cancelled               int64   `json:"cancelled"`
	AverageProcessingTimeMS float64 `json:"average_processing_time_ms"`
}

// Stats 以独立的原子计数器跟踪任务迁移，不扫描存储。
type Stats struct {
	total          atomic.Int64
	pending        atomic.Int64
	processing     atomic.Int64
	completed      atomic.Int64
	failed         atomic.Int64
	cancelled      atomic.Int64
	processingTime atomic.Int64
	completedCount atomic.Int64
}

// NewStats 创建零值统计器。
func NewStats() *Stats {
	return &Stats{}
}

// RecordCreated 对应任务创建。
func (s *Stats) RecordCreated() {
	s.total.Add(1)
	s.pending.Add(1)
}

// RecordStarted 对应 Pending -> Processing。
func (s *Stats) RecordStarted() {
	s.processing.Add(1)
	s.pending.Add(-1)
}

// RecordCompleted 对应 Processing -> Completed，elapsedMS 计入平均处理时长。
func (s *Stats) RecordCompleted(elapsedMS int64) {
	s.completed.Add(1)
	s.processing.Add(-1)
	s.processingTime.Add(elapsedMS)
	s.completedCount.Add(1)
}

// RecordFailed 对应 Processing -> Failed。
func (s *Stats) RecordFailed() {
	s.failed.Add(1)
	s.processing.Add(-1)
}

// RecordCancelled 记录一次取消。from 为取消前的状态：
// 从 Pending 取消会减少 pending；从 Processing 取消不减少 processing。
func (s *Stats) RecordCancelled(from Status) {
	s.cancelled.Add(1)
	if from == StatusPending {
		s.pending.Add(-1)
	}
}

// Snapshot 读取当前计数。各字段分别读取，不保证彼此一致。
func (s *Stats) Snapshot() StatsSnapshot {
	count := s.completedCount.Load()
	var average float64
	if count > 0 {
		average = float64(s.processingTime.Load()) / float64(count)
	}
	return StatsSnapshot{
		TotalTasks:              s.total.Load(),
		Pending:                 s.pending.Load(),
		Processing:              s.processing.Load(),
		Completed:               s.completed.Load(),
		Failed:                  s.failed.Load(),
		Cancelled:               s.cancelled.Load(),
		AverageProcessingTimeMS: average,
	}
}
