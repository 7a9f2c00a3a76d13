// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 指标收集器 - 隧道数量、流量与按类别的错误计数
// =============================================================================
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// TunnelMetrics 指标收集器
type TunnelMetrics struct {
	activeTunnels int64
	totalTunnels  uint64

	bytesSent     uint64
	bytesReceived uint64

	errorCounts map[string]*uint64
	errorsMu    sync.RWMutex

	startTime time.Time
}

// New 创建指标收集器
func New() *TunnelMetrics {
	return &TunnelMetrics{
		errorCounts: make(map[string]*uint64),
		startTime:   time.Now(),
	}
}

// IncTunnels 增加活跃隧道数
func (m *TunnelMetrics) IncTunnels() {
	atomic.AddInt64(&m.activeTunnels, 1)
	atomic.AddUint64(&m.totalTunnels, 1)
}

// DecTunnels 减少活跃隧道数
func (m *TunnelMetrics) DecTunnels() {
	atomic.AddInt64(&m.activeTunnels, -1)
}

// GetActiveTunnels 获取活跃隧道数
func (m *TunnelMetrics) GetActiveTunnels() int64 {
	return atomic.LoadInt64(&m.activeTunnels)
}

// GetTotalTunnels 获取累计隧道数
func (m *TunnelMetrics) GetTotalTunnels() uint64 {
	return atomic.LoadUint64(&m.totalTunnels)
}

// AddBytesSent 增加上行字节数
func (m *TunnelMetrics) AddBytesSent(n int64) {
	if n > 0 {
		atomic.AddUint64(&m.bytesSent, uint64(n))
	}
}

// AddBytesReceived 增加下行字节数
func (m *TunnelMetrics) AddBytesReceived(n int64) {
	if n > 0 {
		atomic.AddUint64(&m.bytesReceived, uint64(n))
	}
}

// GetBytesSent 获取上行字节数
func (m *TunnelMetrics) GetBytesSent() uint64 {
	return atomic.LoadUint64(&m.bytesSent)
}

// GetBytesReceived 获取下行字节数
func (m *TunnelMetrics) GetBytesReceived() uint64 {
	return atomic.LoadUint64(&m.bytesReceived)
}

// IncError 按类别累加错误
func (m *TunnelMetrics) IncError(kind string) {
	m.errorsMu.RLock()
	counter, ok := m.errorCounts[kind]
	m.errorsMu.RUnlock()
	if !ok {
		m.errorsMu.Lock()
		counter, ok = m.errorCounts[kind]
		if !ok {
			counter = new(uint64)
			m.errorCounts[kind] = counter
		}
		m.errorsMu.Unlock()
	}
	atomic.AddUint64(counter, 1)
}

// GetErrorCounts 获取错误计数快照
func (m *TunnelMetrics) GetErrorCounts() map[string]uint64 {
	m.errorsMu.RLock()
	defer m.errorsMu.RUnlock()
	out := make(map[string]uint64, len(m.errorCounts))
	for k, v := range m.errorCounts {
		out[k] = atomic.LoadUint64(v)
	}
	return out
}

// GetUptime 获取运行时间
func (m *TunnelMetrics) GetUptime() time.Duration {
	return time.Since(m.startTime)
}

// GetStats 获取所有统计信息
func (m *TunnelMetrics) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"uptime":         m.GetUptime().String(),
		"active_tunnels": m.GetActiveTunnels(),
		"total_tunnels":  m.GetTotalTunnels(),
		"bytes_sent":     m.GetBytesSent(),
		"bytes_received": m.GetBytesReceived(),
		"errors":         m.GetErrorCounts(),
	}
}
