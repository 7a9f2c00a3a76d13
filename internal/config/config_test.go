// =============================================================================
// 文件: internal/config/config_test.go
// 描述: 配置鲁棒性测试 - 确保错误配置能在启动前被拦截
// =============================================================================
package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("基础默认值", func(t *testing.T) {
		if cfg.ListenHost != "127.0.0.1" {
			t.Errorf("ListenHost 默认值错误: %s", cfg.ListenHost)
		}
		if cfg.ListenPort != 1080 {
			t.Errorf("ListenPort 默认值错误: %d", cfg.ListenPort)
		}
		if cfg.Method != "aes-256-cfb" {
			t.Errorf("Method 默认值错误: %s", cfg.Method)
		}
		if cfg.Protocol != "origin" {
			t.Errorf("Protocol 默认值错误: %s", cfg.Protocol)
		}
		if cfg.Obfs != "plain" {
			t.Errorf("Obfs 默认值错误: %s", cfg.Obfs)
		}
		if cfg.IdleTimeout != 300000 {
			t.Errorf("IdleTimeout 默认值错误: %d", cfg.IdleTimeout)
		}
	})

	t.Run("Metrics默认值", func(t *testing.T) {
		if cfg.Metrics.Enabled {
			t.Error("Metrics.Enabled 默认应为 false")
		}
		if cfg.Metrics.Path != "/metrics" {
			t.Errorf("Metrics.Path 默认值错误: %s", cfg.Metrics.Path)
		}
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.RemoteHost = "ssr.example.org"
		cfg.RemotePort = 8388
		cfg.Password = "pw"
		return cfg
	}

	t.Run("合法配置", func(t *testing.T) {
		if err := valid().Validate(); err != nil {
			t.Fatalf("合法配置被拒绝: %v", err)
		}
	})

	t.Run("缺少远端", func(t *testing.T) {
		cfg := valid()
		cfg.RemoteHost = ""
		if err := cfg.Validate(); err == nil {
			t.Fatal("应拒绝空 remote_host")
		}
	})

	t.Run("端口越界", func(t *testing.T) {
		cfg := valid()
		cfg.RemotePort = 70000
		if err := cfg.Validate(); err == nil {
			t.Fatal("应拒绝非法端口")
		}
	})

	t.Run("缺少口令", func(t *testing.T) {
		cfg := valid()
		cfg.Password = ""
		if err := cfg.Validate(); err == nil {
			t.Fatal("有加密方法时应要求口令")
		}
	})

	t.Run("none方法免口令", func(t *testing.T) {
		cfg := valid()
		cfg.Password = ""
		cfg.Method = "none"
		if err := cfg.Validate(); err != nil {
			t.Fatalf("none 方法不应要求口令: %v", err)
		}
	})

	t.Run("超时非正", func(t *testing.T) {
		cfg := valid()
		cfg.IdleTimeout = 0
		if err := cfg.Validate(); err == nil {
			t.Fatal("应拒绝非正超时")
		}
	})

	t.Run("metrics地址非法", func(t *testing.T) {
		cfg := valid()
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = "not-an-addr"
		if err := cfg.Validate(); err == nil {
			t.Fatal("应拒绝非法 metrics 地址")
		}
	})
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
listen_host: 127.0.0.1
listen_port: 1081
remote_host: ssr.example.org
remote_port: 8388
password: secret
method: aes-128-cfb
protocol: auth_aes128_md5
protocol_param: "42:userkey"
obfs: tls1.2_ticket_auth
obfs_param: cloudfront.net
idle_timeout: 60000
udp: true
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.ListenPort != 1081 || cfg.Method != "aes-128-cfb" {
		t.Fatalf("字段解析错误: %+v", cfg)
	}
	if cfg.Protocol != "auth_aes128_md5" || cfg.ProtocolParam != "42:userkey" {
		t.Fatalf("协议字段错误: %+v", cfg)
	}
	if cfg.Obfs != "tls1.2_ticket_auth" || !cfg.UDP {
		t.Fatalf("混淆/UDP 字段错误: %+v", cfg)
	}
	if cfg.ListenAddr() != "127.0.0.1:1081" {
		t.Fatalf("ListenAddr 错误: %s", cfg.ListenAddr())
	}
	if cfg.RemoteAddr() != "ssr.example.org:8388" {
		t.Fatalf("RemoteAddr 错误: %s", cfg.RemoteAddr())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Fatal("缺失文件应报错")
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	_ = os.WriteFile(path, []byte("listen_port: [oops"), 0o600)
	if _, err := Load(path); err == nil {
		t.Fatal("损坏的 YAML 应报错")
	}
}
