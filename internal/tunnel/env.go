// =============================================================================
// 文件: internal/tunnel/env.go
// 描述: 进程级服务环境 - 加密环境、插件全局态、活跃隧道注册表
// =============================================================================
package tunnel

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mrcgq/ssrlocal/internal/config"
	"github.com/mrcgq/ssrlocal/internal/crypto"
	"github.com/mrcgq/ssrlocal/internal/metrics"
	"github.com/mrcgq/ssrlocal/internal/protocol"
)

// Env 进程级服务环境，唯一实例，比所有隧道活得久
type Env struct {
	cfg    *config.Config
	cipher *crypto.Env

	protocolFactory *protocol.Factory
	obfsFactory     *protocol.Factory
	protocolGlobal  any
	obfsGlobal      any

	metrics *metrics.TunnelMetrics

	tunnels map[*Tunnel]struct{}
	mu      sync.Mutex

	resolveGroup singleflight.Group
	resolver     *net.Resolver
}

// NewEnv 从配置创建服务环境
func NewEnv(cfg *config.Config) (*Env, error) {
	cipherEnv, err := crypto.NewEnv(cfg.Password, cfg.Method)
	if err != nil {
		return nil, err
	}

	protoFactory, err := protocol.LookupProtocol(cfg.Protocol)
	if err != nil {
		return nil, err
	}
	obfsFactory, err := protocol.LookupObfs(cfg.Obfs)
	if err != nil {
		return nil, err
	}

	e := &Env{
		cfg:             cfg,
		cipher:          cipherEnv,
		protocolFactory: protoFactory,
		obfsFactory:     obfsFactory,
		metrics:         metrics.New(),
		tunnels:         make(map[*Tunnel]struct{}),
		resolver:        net.DefaultResolver,
	}
	if protoFactory != nil {
		e.protocolGlobal = protoFactory.InitData()
	}
	if obfsFactory != nil {
		e.obfsGlobal = obfsFactory.InitData()
	}
	return e, nil
}

// Handle 处理一条本地连接，阻塞到隧道结束
// 实现 socks5.ConnHandler
func (e *Env) Handle(conn net.Conn) {
	t := newTunnel(e, conn)
	e.addTunnel(t)
	e.metrics.IncTunnels()
	defer e.metrics.DecTunnels()
	t.run()
}

// Metrics 返回指标收集器
func (e *Env) Metrics() *metrics.TunnelMetrics { return e.metrics }

// Config 返回配置
func (e *Env) Config() *config.Config { return e.cfg }

// =============================================================================
// 隧道注册表
// =============================================================================

func (e *Env) addTunnel(t *Tunnel) {
	e.mu.Lock()
	e.tunnels[t] = struct{}{}
	e.mu.Unlock()
}

func (e *Env) removeTunnel(t *Tunnel) {
	e.mu.Lock()
	delete(e.tunnels, t)
	e.mu.Unlock()
}

// TunnelCount 活跃隧道数
func (e *Env) TunnelCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tunnels)
}

// snapshot 拷贝一份隧道集合，遍历时不持锁
func (e *Env) snapshot() []*Tunnel {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Tunnel, 0, len(e.tunnels))
	for t := range e.tunnels {
		out = append(out, t)
	}
	return out
}

// Shutdown 有序关停所有活跃隧道
func (e *Env) Shutdown() {
	for _, t := range e.snapshot() {
		t.shutdown()
	}
}

// =============================================================================
// 上游解析
// =============================================================================

// resolve 解析上游主机，取第一个 IPv4/IPv6 结果
// singleflight 合并并发的同名解析
func (e *Env) resolve(host string) (net.IP, error) {
	v, err, _ := e.resolveGroup.Do(host, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(),
			time.Duration(e.cfg.IdleTimeout)*time.Millisecond)
		defer cancel()
		ips, err := e.resolver.LookupIP(ctx, "ip", host)
		if err != nil {
			return nil, err
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("no address for %s", host)
		}
		return ips[0], nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrResolveFailed, err)
	}
	return v.(net.IP), nil
}

// canAccess 目标地址规则检查；白名单为空即放行
func (e *Env) canAccess(host string) bool {
	if len(e.cfg.AllowRules) == 0 {
		return true
	}
	for _, rule := range e.cfg.AllowRules {
		if rule == host {
			return true
		}
	}
	return false
}
