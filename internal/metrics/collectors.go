// =============================================================================
// 文件: internal/metrics/collectors.go
// 描述: Prometheus 指标收集器定义
// =============================================================================
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TunnelStats 隧道统计数据接口
type TunnelStats interface {
	GetActiveTunnels() int64
	GetTotalTunnels() uint64
	GetBytesSent() uint64
	GetBytesReceived() uint64
	GetErrorCounts() map[string]uint64
	GetUptimeSeconds() float64
}

// GetUptimeSeconds 满足 TunnelStats
func (m *TunnelMetrics) GetUptimeSeconds() float64 {
	return m.GetUptime().Seconds()
}

// TunnelCollector 隧道指标收集器
type TunnelCollector struct {
	statsProvider TunnelStats

	activeTunnelsDesc *prometheus.Desc
	totalTunnelsDesc  *prometheus.Desc
	bytesSentDesc     *prometheus.Desc
	bytesRecvDesc     *prometheus.Desc
	errorsDesc        *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewTunnelCollector 创建收集器
func NewTunnelCollector(provider TunnelStats) *TunnelCollector {
	return &TunnelCollector{
		statsProvider: provider,
		activeTunnelsDesc: prometheus.NewDesc(
			"ssrlocal_active_tunnels",
			"Number of currently active tunnels",
			nil, nil),
		totalTunnelsDesc: prometheus.NewDesc(
			"ssrlocal_tunnels_total",
			"Total number of tunnels created",
			nil, nil),
		bytesSentDesc: prometheus.NewDesc(
			"ssrlocal_bytes_sent_total",
			"Total bytes sent upstream",
			nil, nil),
		bytesRecvDesc: prometheus.NewDesc(
			"ssrlocal_bytes_received_total",
			"Total bytes received from upstream",
			nil, nil),
		errorsDesc: prometheus.NewDesc(
			"ssrlocal_errors_total",
			"Total errors by kind",
			[]string{"kind"}, nil),
		uptimeDesc: prometheus.NewDesc(
			"ssrlocal_uptime_seconds",
			"Process uptime in seconds",
			nil, nil),
	}
}

// Describe 实现 prometheus.Collector
func (c *TunnelCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.activeTunnelsDesc
	ch <- c.totalTunnelsDesc
	ch <- c.bytesSentDesc
	ch <- c.bytesRecvDesc
	ch <- c.errorsDesc
	ch <- c.uptimeDesc
}

// Collect 实现 prometheus.Collector
func (c *TunnelCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.statsProvider
	ch <- prometheus.MustNewConstMetric(c.activeTunnelsDesc, prometheus.GaugeValue, float64(s.GetActiveTunnels()))
	ch <- prometheus.MustNewConstMetric(c.totalTunnelsDesc, prometheus.CounterValue, float64(s.GetTotalTunnels()))
	ch <- prometheus.MustNewConstMetric(c.bytesSentDesc, prometheus.CounterValue, float64(s.GetBytesSent()))
	ch <- prometheus.MustNewConstMetric(c.bytesRecvDesc, prometheus.CounterValue, float64(s.GetBytesReceived()))
	for kind, count := range s.GetErrorCounts() {
		ch <- prometheus.MustNewConstMetric(c.errorsDesc, prometheus.CounterValue, float64(count), kind)
	}
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, s.GetUptimeSeconds())
}
