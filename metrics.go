package imagescaler

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	activationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "image_scaling_activations_total",
		Help: "Number of requests selected for image scaling.",
	})
	passthroughTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "image_scaling_passthrough_total",
		Help: "Number of requests served without scaling, by reason.",
	}, []string{"reason"})
	transformErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "image_scaling_errors_total",
		Help: "Total image scaling failures.",
	})
	imageTransformationSummary = prometheus.NewSummary(prometheus.SummaryOpts{
		Name: "image_transformation_seconds",
		Help: "Time taken for image transformations in seconds.",
	})
)

func init() {
	prometheus.MustRegister(activationsTotal)
	prometheus.MustRegister(passthroughTotal)
	prometheus.MustRegister(transformErrors)
	prometheus.MustRegister(imageTransformationSummary)
}

// passthrough records a request that the policy gate declined to scale.
func passthrough(reason string) {
	passthroughTotal.WithLabelValues(reason).Inc()
}
