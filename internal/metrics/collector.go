package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector 指标收集器。
// 所有记录方法对 nil 接收者安全，未接入 Prometheus 的组件可传 nil。
type Collector struct {
	// 引擎指标
	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	stepsTotal   *prometheus.CounterVec
	degradedMode prometheus.Counter

	// 模型指标
	modelRetries   *prometheus.CounterVec
	modelFallbacks *prometheus.CounterVec

	// 工具指标
	toolExecutions  *prometheus.CounterVec
	toolDuration    *prometheus.HistogramVec

	// 检查点指标
	checkpointWrites   prometheus.Counter
	checkpointFailures prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建指标收集器并注册到给定 Registerer。
// reg 为 nil 时注册到默认注册表。
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.runsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of workflow runs",
		},
		[]string{"status"},
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	c.stepsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of executed workflow steps",
		},
		[]string{"step"},
	)

	c.degradedMode = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "degraded_mode_total",
			Help:      "Times the engine fell back to in-memory-only execution",
		},
	)

	c.modelRetries = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_retries_total",
			Help:      "Total number of model call retries",
		},
		[]string{"provider"},
	)

	c.modelFallbacks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_fallbacks_total",
			Help:      "Times the fallback model was used",
		},
		[]string{"provider"},
	)

	c.toolExecutions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Total number of tool executions",
		},
		[]string{"tool", "status"},
	)

	c.toolDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	c.checkpointWrites = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_writes_total",
			Help:      "Total number of checkpoint writes",
		},
	)

	c.checkpointFailures = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_failures_total",
			Help:      "Total number of failed checkpoint writes",
		},
	)

	return c
}

// RunCompleted 记录一次 run 的结束。
func (c *Collector) RunCompleted(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(status).Inc()
	c.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// StepExecuted 记录一个已完成步骤。
func (c *Collector) StepExecuted(step string) {
	if c == nil {
		return
	}
	c.stepsTotal.WithLabelValues(step).Inc()
}

// DegradedMode 记录一次降级到内存模式。
func (c *Collector) DegradedMode() {
	if c == nil {
		return
	}
	c.degradedMode.Inc()
}

// ModelRetry 记录一次模型调用重试。
func (c *Collector) ModelRetry(provider string) {
	if c == nil {
		return
	}
	c.modelRetries.WithLabelValues(provider).Inc()
}

// ModelFallback 记录一次备用模型降级。
func (c *Collector) ModelFallback(provider string) {
	if c == nil {
		return
	}
	c.modelFallbacks.WithLabelValues(provider).Inc()
}

// ToolExecuted 记录一次工具执行。
func (c *Collector) ToolExecuted(tool, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.toolExecutions.WithLabelValues(tool, status).Inc()
	c.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// CheckpointWritten 记录一次检查点写入。
func (c *Collector) CheckpointWritten() {
	if c == nil {
		return
	}
	c.checkpointWrites.Inc()
}

// CheckpointFailed 记录一次检查点写入失败。
func (c *Collector) CheckpointFailed() {
	if c == nil {
		return
	}
	c.checkpointFailures.Inc()
}
