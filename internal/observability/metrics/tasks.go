package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"task-processor/internal/task"
)

// StatsSource 提供任务统计快照。
type StatsSource interface {
	Stats() task.StatsSnapshot
}

// DropSource 提供事件总线的丢弃计数。
type DropSource interface {
	Dropped() uint64
	SubscriberCount() int
}

// TaskCollector 在每次抓取时读取统计快照，不缓存任何值。
type TaskCollector struct {
	stats StatsSource
	bus   DropSource

	total       *prometheus.Desc
	byStatus    *prometheus.Desc
	average     *prometheus.Desc
	dropped     *prometheus.Desc
	subscribers *prometheus.Desc
}

// NewTaskCollector 创建任务采集器。bus 可以为空。
func NewTaskCollector(stats StatsSource, bus DropSource) *TaskCollector {
	return &TaskCollector{
		stats: stats,
		bus:   bus,
		total: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tasks", "created_total"),
			"Total number of tasks accepted by the engine.", nil, nil),
		byStatus: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tasks", "by_status"),
			"Tasks per lifecycle status as tracked by the engine counters.", []string{"status"}, nil),
		average: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "tasks", "average_processing_time_ms"),
			"Mean processing time of completed tasks in milliseconds.", nil, nil),
		dropped: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bus", "dropped_events_total"),
			"Events discarded because a subscriber buffer was full.", nil, nil),
		subscribers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "bus", "subscribers"),
			"Number of live event subscribers.", nil, nil),
	}
}

// Describe 实现 prometheus.Collector。
func (c *TaskCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.total
	ch <- c.byStatus
	ch <- c.average
	if c.bus != nil {
		ch <- c.dropped
		ch <- c.subscribers
	}
}

// Collect 实现 prometheus.Collector。
func (c *TaskCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.stats.Stats()
	ch <- prometheus.MustNewConstMetric(c.total, prometheus.CounterValue, float64(snap.TotalTasks))
	for status, value := range map[task.Status]int64{
		task.StatusPending:    snap.Pending,
		task.StatusProcessing: snap.Processing,
		task.StatusCompleted:  snap.Completed,
		task.StatusFailed:     snap.Failed,
		task.StatusCancelled:  snap.Cancelled,
	} {
		ch <- prometheus.MustNewConstMetric(c.byStatus, prometheus.GaugeValue, float64(value), string(status))
	}
	ch <- prometheus.MustNewConstMetric(c.average, prometheus.GaugeValue, snap.AverageProcessingTimeMS)
	if c.bus != nil {
		ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(c.bus.Dropped()))
		ch <- prometheus.MustNewConstMetric(c.subscribers, prometheus.GaugeValue, float64(c.bus.SubscriberCount()))
	}
}
