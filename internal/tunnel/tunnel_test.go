// =============================================================================
// 文件: internal/tunnel/tunnel_test.go
// 描述: 隧道状态机端到端测试 - 本地端用 net.Pipe，上游用回环 TCP
// =============================================================================
package tunnel

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/mrcgq/ssrlocal/internal/config"
	"github.com/mrcgq/ssrlocal/internal/crypto"
)

func testConfig(t *testing.T, remoteHost string, remotePort int) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.RemoteHost = remoteHost
	cfg.RemotePort = remotePort
	cfg.Method = "none"
	cfg.Protocol = "plain"
	cfg.Obfs = "plain"
	cfg.IdleTimeout = 5000
	if err := cfg.Validate(); err != nil {
		t.Fatalf("配置无效: %v", err)
	}
	return cfg
}

func startUpstream(t *testing.T) (net.Listener, chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("上游监听失败: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	connCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		connCh <- c
	}()
	return ln, connCh
}

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, n)
	if _, err := io.ReadFull(c, buf); err != nil {
		t.Fatalf("读取 %d 字节失败: %v", n, err)
	}
	return buf
}

func waitTunnelsDrained(t *testing.T, env *Env) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if env.TunnelCount() == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("隧道未回收: %d", env.TunnelCount())
}

// TestHandshakeUnsupportedAuth S2: 05 01 02 → 05 FF 后关闭
// S1 (05 01 00 → 05 00) 由 TestConnectIPv4EndToEnd 顺带覆盖
func TestHandshakeUnsupportedAuth(t *testing.T) {
	env, err := NewEnv(testConfig(t, "127.0.0.1", 1))
	if err != nil {
		t.Fatalf("创建环境失败: %v", err)
	}
	client, server := net.Pipe()
	defer client.Close()
	go env.Handle(server)

	if _, err := client.Write([]byte{0x05, 0x01, 0x02}); err != nil {
		t.Fatalf("写入失败: %v", err)
	}
	if got := readN(t, client, 2); !bytes.Equal(got, []byte{0x05, 0xFF}) {
		t.Fatalf("应回复 05 FF: % x", got)
	}
	// 之后连接被关闭
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Fatal("拒绝后连接应关闭")
	}
	waitTunnelsDrained(t, env)
}

// TestConnectIPv4EndToEnd S1+S3: 明文方法下上游收到的就是初始包
func TestConnectIPv4EndToEnd(t *testing.T) {
	ln, connCh := startUpstream(t)
	port := ln.Addr().(*net.TCPAddr).Port

	env, err := NewEnv(testConfig(t, "127.0.0.1", port))
	if err != nil {
		t.Fatalf("创建环境失败: %v", err)
	}

	client, server := net.Pipe()
	go env.Handle(server)

	// S1 协商
	client.Write([]byte{0x05, 0x01, 0x00})
	if got := readN(t, client, 2); !bytes.Equal(got, []byte{0x05, 0x00}) {
		t.Fatalf("协商回复错误: % x", got)
	}

	// CONNECT 1.2.3.4:8080
	client.Write([]byte{0x05, 0x01, 0x00, 0x01, 1, 2, 3, 4, 0x1F, 0x90})

	var upstream net.Conn
	select {
	case upstream = <-connCh:
	case <-time.After(3 * time.Second):
		t.Fatal("上游未收到连接")
	}
	defer upstream.Close()

	wantInit := []byte{0x01, 1, 2, 3, 4, 0x1F, 0x90}
	if got := readN(t, upstream, len(wantInit)); !bytes.Equal(got, wantInit) {
		t.Fatalf("初始包错误: % x", got)
	}

	// 回复回显初始包内容
	wantReply := append([]byte{0x05, 0x00, 0x00}, wantInit...)
	if got := readN(t, client, len(wantReply)); !bytes.Equal(got, wantReply) {
		t.Fatalf("请求回复错误: % x", got)
	}

	// 双向中继
	client.Write([]byte("ping"))
	if got := readN(t, upstream, 4); !bytes.Equal(got, []byte("ping")) {
		t.Fatalf("上行中继错误: %q", got)
	}
	upstream.Write([]byte("pong"))
	if got := readN(t, client, 4); !bytes.Equal(got, []byte("pong")) {
		t.Fatalf("下行中继错误: %q", got)
	}

	client.Close()
	waitTunnelsDrained(t, env)
}

// TestConnectDomain S4: 域名请求的初始包
func TestConnectDomain(t *testing.T) {
	ln, connCh := startUpstream(t)
	port := ln.Addr().(*net.TCPAddr).Port

	env, _ := NewEnv(testConfig(t, "127.0.0.1", port))
	client, server := net.Pipe()
	defer client.Close()
	go env.Handle(server)

	client.Write([]byte{0x05, 0x01, 0x00})
	readN(t, client, 2)

	req := append([]byte{0x05, 0x01, 0x00, 0x03, 0x0B}, []byte("example.com")...)
	req = append(req, 0x01, 0xBB)
	client.Write(req)

	upstream := <-connCh
	defer upstream.Close()

	wantInit := append([]byte{0x03, 0x0B}, []byte("example.com")...)
	wantInit = append(wantInit, 0x01, 0xBB)
	if got := readN(t, upstream, len(wantInit)); !bytes.Equal(got, wantInit) {
		t.Fatalf("初始包错误: % x", got)
	}
}

// TestEncryptedEndToEnd 真实密流: 上游用同一环境解密出初始包与数据
func TestEncryptedEndToEnd(t *testing.T) {
	ln, connCh := startUpstream(t)
	port := ln.Addr().(*net.TCPAddr).Port

	cfg := testConfig(t, "127.0.0.1", port)
	cfg.Method = "aes-128-cfb"
	cfg.Password = "e2e-password"

	env, err := NewEnv(cfg)
	if err != nil {
		t.Fatalf("创建环境失败: %v", err)
	}

	client, server := net.Pipe()
	defer client.Close()
	go env.Handle(server)

	client.Write([]byte{0x05, 0x01, 0x00})
	readN(t, client, 2)
	client.Write([]byte{0x05, 0x01, 0x00, 0x01, 10, 0, 0, 1, 0x00, 0x50})

	upstream := <-connCh
	defer upstream.Close()

	// 服务端视角解密: IV(16) + 密文
	srvEnv, _ := crypto.NewEnv("e2e-password", "aes-128-cfb")
	dec, _ := srvEnv.NewCtx(false)

	raw := readN(t, upstream, 16+7)
	plain, err := dec.Process(raw)
	if err != nil {
		t.Fatalf("解密失败: %v", err)
	}
	wantInit := []byte{0x01, 10, 0, 0, 1, 0x00, 0x50}
	if !bytes.Equal(plain, wantInit) {
		t.Fatalf("解密的初始包错误: % x", plain)
	}

	readN(t, client, 10) // 成功回复

	client.Write([]byte("secret-data"))
	raw = readN(t, upstream, 11)
	plain, _ = dec.Process(raw)
	if !bytes.Equal(plain, []byte("secret-data")) {
		t.Fatalf("上行解密错误: %q", plain)
	}
}

// TestUDPAssocReply UDP ASSOCIATE 只回包不中继
func TestUDPAssocReply(t *testing.T) {
	env, _ := NewEnv(testConfig(t, "127.0.0.1", 1))
	client, server := net.Pipe()
	go env.Handle(server)

	client.Write([]byte{0x05, 0x01, 0x00})
	readN(t, client, 2)
	client.Write([]byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0})

	// 默认 udp=false → 07 command not supported
	want := []byte{0x05, 0x07, 0x00, 0x01, 127, 0, 0, 1, 0x04, 0x38}
	if got := readN(t, client, len(want)); !bytes.Equal(got, want) {
		t.Fatalf("UDP 回复错误: % x", got)
	}

	client.Close()
	waitTunnelsDrained(t, env)
}

func TestUDPAssocReplyAllowed(t *testing.T) {
	reply := buildUDPAssocReply(true, "::1", 1080)
	want := append([]byte{0x05, 0x00, 0x00, 0x04}, make([]byte, 15)...)
	want = append(want, 1, 0x04, 0x38)
	if !bytes.Equal(reply, want) {
		t.Fatalf("IPv6 UDP 回复错误: % x", reply)
	}
}

// TestIdleTimeout S6: 空闲超时后有序关停，注册表回到原值
func TestIdleTimeout(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1", 1)
	cfg.IdleTimeout = 150

	env, _ := NewEnv(cfg)
	before := env.TunnelCount()

	client, server := net.Pipe()
	defer client.Close()
	go env.Handle(server)

	// 什么都不发，等超时
	time.Sleep(300 * time.Millisecond)
	waitTunnelsDrained(t, env)
	if env.TunnelCount() != before {
		t.Fatalf("注册表未恢复: %d", env.TunnelCount())
	}

	// 本端应观察到关闭
	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(make([]byte, 1)); err == nil {
		t.Fatal("超时后连接应关闭")
	}
}

// TestResolveFailure S7: 解析失败回 05 04 (host unreachable)
func TestResolveFailure(t *testing.T) {
	cfg := testConfig(t, "no.such.host.invalid", 8388)
	cfg.IdleTimeout = 1500

	env, _ := NewEnv(cfg)
	client, server := net.Pipe()
	defer client.Close()
	go env.Handle(server)

	client.Write([]byte{0x05, 0x01, 0x00})
	readN(t, client, 2)
	client.Write([]byte{0x05, 0x01, 0x00, 0x01, 1, 2, 3, 4, 0x00, 0x50})

	want := []byte{0x05, 0x04, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if got := readN(t, client, len(want)); !bytes.Equal(got, want) {
		t.Fatalf("解析失败回复错误: % x", got)
	}
	waitTunnelsDrained(t, env)
}

// TestConnectRefused 上游拒绝连接回 05 05
func TestConnectRefused(t *testing.T) {
	// 占住端口再关掉，保证无人监听
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	env, _ := NewEnv(testConfig(t, "127.0.0.1", port))
	client, server := net.Pipe()
	defer client.Close()
	go env.Handle(server)

	client.Write([]byte{0x05, 0x01, 0x00})
	readN(t, client, 2)
	client.Write([]byte{0x05, 0x01, 0x00, 0x01, 1, 2, 3, 4, 0x00, 0x50})

	want := []byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if got := readN(t, client, len(want)); !bytes.Equal(got, want) {
		t.Fatalf("拒绝连接回复错误: % x", got)
	}
	waitTunnelsDrained(t, env)
}

// TestRuleViolation 白名单拒绝回 05 02
func TestRuleViolation(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1", 1)
	cfg.AllowRules = []string{"allowed.example.org"}

	env, _ := NewEnv(cfg)
	client, server := net.Pipe()
	defer client.Close()
	go env.Handle(server)

	client.Write([]byte{0x05, 0x01, 0x00})
	readN(t, client, 2)
	client.Write([]byte{0x05, 0x01, 0x00, 0x01, 8, 8, 8, 8, 0x00, 0x35})

	want := []byte{0x05, 0x02, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if got := readN(t, client, len(want)); !bytes.Equal(got, want) {
		t.Fatalf("规则拒绝回复错误: % x", got)
	}
	waitTunnelsDrained(t, env)
}

// TestShutdownAll 有序关停遍历注册表快照
func TestShutdownAll(t *testing.T) {
	env, _ := NewEnv(testConfig(t, "127.0.0.1", 1))

	var clients []net.Conn
	for i := 0; i < 5; i++ {
		client, server := net.Pipe()
		clients = append(clients, client)
		go env.Handle(server)
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	deadline := time.Now().Add(time.Second)
	for env.TunnelCount() < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if env.TunnelCount() != 5 {
		t.Fatalf("隧道未全部注册: %d", env.TunnelCount())
	}

	env.Shutdown()
	waitTunnelsDrained(t, env)
}

// TestCipherPipelineRoundTrip 编排器顺序: 同环境一对流水线互解
func TestCipherPipelineRoundTrip(t *testing.T) {
	cfg := testConfig(t, "127.0.0.1", 8388)
	cfg.Method = "aes-256-cfb"
	cfg.Password = "pipeline"

	env, err := NewEnv(cfg)
	if err != nil {
		t.Fatalf("创建环境失败: %v", err)
	}

	initPkg := []byte{0x01, 1, 2, 3, 4, 0x1F, 0x90}
	a, err := newTunnelCipher(env, initPkg)
	if err != nil {
		t.Fatalf("创建流水线失败: %v", err)
	}
	b, err := newTunnelCipher(env, initPkg)
	if err != nil {
		t.Fatalf("创建流水线失败: %v", err)
	}
	defer a.Release()
	defer b.Release()

	data := bytes.Repeat([]byte("order"), 500)
	ct, err := a.Encrypt(data)
	if err != nil {
		t.Fatalf("加密失败: %v", err)
	}
	out, feedback, err := b.Decrypt(ct)
	if err != nil {
		t.Fatalf("解密失败: %v", err)
	}
	if feedback != nil {
		t.Fatal("plain 混淆不应有回写")
	}
	if !bytes.Equal(out, data) {
		t.Fatal("流水线往返不一致")
	}
}

func TestErrKinds(t *testing.T) {
	cases := map[error]string{
		nil:                  "ok",
		ErrInvalidPassword:   "invalid_password",
		ErrClientDecode:      "client_decode",
		ErrClientPostDecrypt: "client_post_decrypt",
		ErrParse:             "parse_error",
		ErrResolveFailed:     "resolve_failed",
		ErrConnectFailed:     "connect_failed",
		ErrRuleViolation:     "rule_violation",
		io.EOF:               "eof",
	}
	for err, want := range cases {
		if got := errKind(err); got != want {
			t.Fatalf("errKind(%v) = %q, want %q", err, got, want)
		}
	}
}
