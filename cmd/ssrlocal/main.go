// cmd/ssrlocal/main.go
// ssrlocal 客户端入口
// 系统装配器与环境初始化中心

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/mrcgq/ssrlocal/internal/config"
	"github.com/mrcgq/ssrlocal/internal/metrics"
	"github.com/mrcgq/ssrlocal/internal/socks5"
	"github.com/mrcgq/ssrlocal/internal/tunnel"
	"github.com/mrcgq/ssrlocal/pkg/log"
)

// ============================================
// 版本信息
// ============================================

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// ============================================
// 应用结构
// ============================================

// Application 应用程序
type Application struct {
	config      *config.Config
	env         *tunnel.Env
	socksServer *socks5.Server
	metricsSrv  *metrics.Server

	ctx    context.Context
	cancel context.CancelFunc
}

// ============================================
// 主函数
// ============================================

func main() {
	cfg := parseFlags()

	log.SetLevel(cfg.LogLevel)
	printBanner(cfg)

	app, err := NewApplication(cfg)
	if err != nil {
		fmt.Printf("[ERROR] 初始化失败: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Printf("[ERROR] 运行失败: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags 解析命令行参数
// 先加载配置文件，再用命令行参数覆盖
func parseFlags() *config.Config {
	cfg := config.DefaultConfig()

	listenHost := flag.String("b", "", "本地监听地址")
	listenPort := flag.Int("l", 0, "本地监听端口")
	remoteHost := flag.String("s", "", "SSR 服务器地址")
	remotePort := flag.Int("p", 0, "SSR 服务器端口")
	password := flag.String("k", "", "口令")
	method := flag.String("m", "", "加密方法")
	protoName := flag.String("O", "", "协议插件")
	protoParam := flag.String("G", "", "协议参数")
	obfsName := flag.String("o", "", "混淆插件")
	obfsParam := flag.String("g", "", "混淆参数")
	timeout := flag.Int("t", 0, "空闲超时 (毫秒)")
	udp := flag.Bool("u", false, "允许 UDP ASSOCIATE")
	logLevel := flag.String("log", "", "日志级别")
	configFile := flag.String("config", "", "配置文件路径 (YAML)")
	showVersion := flag.Bool("version", false, "显示版本")

	flag.Parse()

	if *showVersion {
		fmt.Printf("ssrlocal v%s\n", Version)
		fmt.Printf("Build: %s (%s)\n", BuildTime, GitCommit)
		fmt.Printf("Go: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	if *configFile != "" {
		loaded, err := config.Load(*configFile)
		if err != nil {
			fmt.Printf("[WARN] 加载配置文件失败: %v\n", err)
		} else {
			cfg = loaded
		}
	}

	if *listenHost != "" {
		cfg.ListenHost = *listenHost
	}
	if *listenPort != 0 {
		cfg.ListenPort = *listenPort
	}
	if *remoteHost != "" {
		cfg.RemoteHost = *remoteHost
	}
	if *remotePort != 0 {
		cfg.RemotePort = *remotePort
	}
	if *password != "" {
		cfg.Password = *password
	}
	if *method != "" {
		cfg.Method = *method
	}
	if *protoName != "" {
		cfg.Protocol = *protoName
	}
	if *protoParam != "" {
		cfg.ProtocolParam = *protoParam
	}
	if *obfsName != "" {
		cfg.Obfs = *obfsName
	}
	if *obfsParam != "" {
		cfg.ObfsParam = *obfsParam
	}
	if *timeout != 0 {
		cfg.IdleTimeout = *timeout
	}
	if *udp {
		cfg.UDP = true
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Printf("[ERROR] 配置无效: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	return cfg
}

// printBanner 打印横幅
func printBanner(cfg *config.Config) {
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                     ssrlocal  client                      ║")
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  服务器: %-48s ║\n", cfg.RemoteAddr())
	fmt.Printf("║  加密:   %-48s ║\n", cfg.Method)
	fmt.Printf("║  协议:   %-48s ║\n", cfg.Protocol)
	fmt.Printf("║  混淆:   %-48s ║\n", cfg.Obfs)
	fmt.Printf("║  代理:   %-48s ║\n", cfg.ListenAddr())
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()
}

// ============================================
// 应用生命周期
// ============================================

// NewApplication 创建应用
func NewApplication(cfg *config.Config) (*Application, error) {
	ctx, cancel := context.WithCancel(context.Background())

	env, err := tunnel.NewEnv(cfg)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("env init failed: %w", err)
	}

	app := &Application{
		config:      cfg,
		env:         env,
		socksServer: socks5.New(cfg.ListenAddr(), env),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.Metrics.Enabled {
		srv := metrics.NewServer(cfg.Metrics.Listen, cfg.Metrics.Path,
			cfg.Metrics.HealthPath, cfg.Metrics.EnablePprof)
		srv.MustRegisterCollector(metrics.NewTunnelCollector(env.Metrics()))
		app.metricsSrv = srv
	}

	return app, nil
}

// Run 运行应用
func (app *Application) Run() error {
	log.Info("正在启动...")

	go app.statsLoop()

	go func() {
		if err := app.socksServer.Listen(); err != nil {
			log.Error("SOCKS5 错误: %v", err)
			app.cancel()
		}
	}()

	if app.metricsSrv != nil {
		go func() {
			if err := app.metricsSrv.Start(); err != nil {
				log.Warn("metrics 服务退出: %v", err)
			}
		}()
		log.Info("metrics 就绪: %s", app.config.Metrics.Listen)
	}

	log.Info("SOCKS5 代理就绪: %s", app.config.ListenAddr())
	log.Info("按 Ctrl+C 退出")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info("收到信号 %v", sig)
	case <-app.ctx.Done():
	}

	return app.shutdown()
}

// statsLoop 统计循环
func (app *Application) statsLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-app.ctx.Done():
			return
		case <-ticker.C:
			m := app.env.Metrics()
			sActive, sTotal := app.socksServer.Stats()
			log.Info("活跃连接: %d/%d | 发送: %s | 接收: %s",
				sActive, sTotal,
				formatBytes(m.GetBytesSent()),
				formatBytes(m.GetBytesReceived()))
		}
	}
}

// shutdown 关闭
func (app *Application) shutdown() error {
	log.Info("正在关闭...")

	app.cancel()

	if app.socksServer != nil {
		_ = app.socksServer.Close()
	}
	app.env.Shutdown()

	if app.metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		_ = app.metricsSrv.Stop(ctx)
		cancel()
	}

	log.Info("已停止")
	return nil
}

// formatBytes 格式化字节
func formatBytes(b uint64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
