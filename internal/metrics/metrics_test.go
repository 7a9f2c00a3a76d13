// =============================================================================
// 文件: internal/metrics/metrics_test.go
// =============================================================================
package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCounters(t *testing.T) {
	m := New()

	m.IncTunnels()
	m.IncTunnels()
	m.DecTunnels()
	if m.GetActiveTunnels() != 1 {
		t.Fatalf("活跃数错误: %d", m.GetActiveTunnels())
	}
	if m.GetTotalTunnels() != 2 {
		t.Fatalf("累计数错误: %d", m.GetTotalTunnels())
	}

	m.AddBytesSent(100)
	m.AddBytesSent(-5) // 负值忽略
	m.AddBytesReceived(50)
	if m.GetBytesSent() != 100 || m.GetBytesReceived() != 50 {
		t.Fatalf("流量统计错误: %d/%d", m.GetBytesSent(), m.GetBytesReceived())
	}

	m.IncError("timeout")
	m.IncError("timeout")
	m.IncError("parse_error")
	counts := m.GetErrorCounts()
	if counts["timeout"] != 2 || counts["parse_error"] != 1 {
		t.Fatalf("错误计数错误: %v", counts)
	}
}

func TestCollector(t *testing.T) {
	m := New()
	m.IncTunnels()
	m.AddBytesSent(42)
	m.IncError("eof")

	c := NewTunnelCollector(m)
	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("注册收集器失败: %v", err)
	}

	expected := `
# HELP ssrlocal_active_tunnels Number of currently active tunnels
# TYPE ssrlocal_active_tunnels gauge
ssrlocal_active_tunnels 1
# HELP ssrlocal_bytes_sent_total Total bytes sent upstream
# TYPE ssrlocal_bytes_sent_total counter
ssrlocal_bytes_sent_total 42
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"ssrlocal_active_tunnels", "ssrlocal_bytes_sent_total"); err != nil {
		t.Fatalf("指标输出不匹配: %v", err)
	}
}
