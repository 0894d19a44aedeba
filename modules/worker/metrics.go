package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMessagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_messages_processed_total",
		Help: "Total messages processed by pipeline.",
	}, []string{"pipeline"})

	metricPipelineErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_pipeline_errors_total",
		Help: "Total pipeline processing errors.",
	}, []string{"pipeline"})

	// AlertsTriggered counts alerts emitted by the analytics pipelines.
	// Shared by the anomaly and alerter workers.
	AlertsTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "analytics_alerts_triggered_total",
		Help: "Total alerts triggered.",
	}, []string{"pipeline", "severity", "rule"})

	// ProcessingErrors counts record-level failures across the iot
	// persistence and stream workers.
	ProcessingErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "iot_processing_errors_total",
		Help: "Processing errors.",
	}, []string{"worker", "error_type"})
)
