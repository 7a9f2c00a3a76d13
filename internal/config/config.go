// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - YAML 加载、默认值、启动前校验
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config 主配置，启动后只读
type Config struct {
	ListenHost string `yaml:"listen_host"`
	ListenPort int    `yaml:"listen_port"`

	RemoteHost string `yaml:"remote_host"`
	RemotePort int    `yaml:"remote_port"`

	Password      string `yaml:"password"`
	Method        string `yaml:"method"`
	Protocol      string `yaml:"protocol"`
	ProtocolParam string `yaml:"protocol_param"`
	Obfs          string `yaml:"obfs"`
	ObfsParam     string `yaml:"obfs_param"`

	// 空闲超时，毫秒
	IdleTimeout int  `yaml:"idle_timeout"`
	UDP         bool `yaml:"udp"`

	LogLevel string `yaml:"log_level"`

	// 目标地址白名单；为空则放行全部
	AllowRules []string `yaml:"allow_rules"`

	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		ListenHost:  "127.0.0.1",
		ListenPort:  1080,
		Method:      "aes-256-cfb",
		Protocol:    "origin",
		Obfs:        "plain",
		IdleTimeout: 300000,
		LogLevel:    "info",
		Metrics: MetricsConfig{
			Enabled:    false,
			Listen:     "127.0.0.1:9090",
			Path:       "/metrics",
			HealthPath: "/healthz",
		},
	}
}

// Load 加载配置文件
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 启动前校验，错误配置在监听前拦截
func (c *Config) Validate() error {
	if c.ListenPort <= 0 || c.ListenPort > 65535 {
		return fmt.Errorf("listen_port 无效: %d", c.ListenPort)
	}
	if c.RemoteHost == "" {
		return fmt.Errorf("必须指定 remote_host")
	}
	if c.RemotePort <= 0 || c.RemotePort > 65535 {
		return fmt.Errorf("remote_port 无效: %d", c.RemotePort)
	}
	if c.Password == "" && c.Method != "none" {
		return fmt.Errorf("方法 %q 需要 password", c.Method)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout 必须为正: %d", c.IdleTimeout)
	}
	if c.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("metrics.listen 无效: %w", err)
		}
	}
	return nil
}

// ListenAddr 本地监听地址
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenHost, strconv.Itoa(c.ListenPort))
}

// RemoteAddr 上游地址
func (c *Config) RemoteAddr() string {
	return net.JoinHostPort(c.RemoteHost, strconv.Itoa(c.RemotePort))
}
