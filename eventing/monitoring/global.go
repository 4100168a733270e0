package monitoring

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Default 返回注册在 prometheus.DefaultRegisterer 上的全局指标，首次调用时创建
func Default() *Metrics {
	metricsOnce.Do(func() { globalMetrics = NewMetrics(prometheus.DefaultRegisterer) })
	return globalMetrics
}
