package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SchedulerCollector exposes task scheduler metrics.
type SchedulerCollector struct {
	gatherer prometheus.Gatherer

	TaskDuration *prometheus.HistogramVec
	Tasks        prometheus.Gauge
	Levels       prometheus.Gauge
	Workers      prometheus.Gauge
}

// NewSchedulerCollector registers scheduler metrics against the provided registerer.
func NewSchedulerCollector(reg prometheus.Registerer) (*SchedulerCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	taskDuration, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gridsim_task_duration_seconds",
		Help:    "Duration of scheduled tasks, labeled by phase.",
		Buckets: []float64{0.000001, 0.000005, 0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
	}, []string{"phase"}), "gridsim_task_duration_seconds")
	if err != nil {
		return nil, err
	}
	tasks, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridsim_schedule_tasks",
		Help: "Number of tasks in the active schedule.",
	}), "gridsim_schedule_tasks")
	if err != nil {
		return nil, err
	}
	levels, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridsim_schedule_levels",
		Help: "Dependency depth of the active schedule.",
	}), "gridsim_schedule_levels")
	if err != nil {
		return nil, err
	}
	workers, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridsim_schedule_workers",
		Help: "Worker pool size used to execute the schedule.",
	}), "gridsim_schedule_workers")
	if err != nil {
		return nil, err
	}

	return &SchedulerCollector{
		gatherer:     gatherer,
		TaskDuration: taskDuration,
		Tasks:        tasks,
		Levels:       levels,
		Workers:      workers,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *SchedulerCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveTask records one task execution.
func (c *SchedulerCollector) ObserveTask(phase string, d time.Duration) {
	if c == nil || c.TaskDuration == nil {
		return
	}
	c.TaskDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// SetSchedule publishes the shape of the schedule.
func (c *SchedulerCollector) SetSchedule(tasks, levels, workers int) {
	if c == nil {
		return
	}
	c.Tasks.Set(float64(tasks))
	c.Levels.Set(float64(levels))
	c.Workers.Set(float64(workers))
}
