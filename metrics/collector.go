package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AvaProtocol/ap-userop/pkg/logger"
)

// PendingCollector reports the number of tracked operations that are not final yet. The
// count is read at scrape time.
type PendingCollector struct {
	count  func() (int64, error)
	logger logger.Logger
	desc   *prometheus.Desc
}

func NewPendingCollector(count func() (int64, error), log logger.Logger) *PendingCollector {
	return &PendingCollector{
		count:  count,
		logger: logger.EnsureLogger(log),
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(apNamespace, "tracker", "pending_userops"),
			"User operations submitted but not yet in a terminal status",
			nil, nil,
		),
	}
}

func (c *PendingCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *PendingCollector) Collect(ch chan<- prometheus.Metric) {
	n, err := c.count()
	if err != nil {
		c.logger.Error("[METRICS ONLY] cannot count pending user operations", "error", err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n))
}
