// =============================================================================
// 文件: internal/tunnel/tunnel.go
// 描述: 隧道状态机 - SOCKS5 协商、请求解析、上游解析/连接、
//
//	SSR 初始包投递、双向中继
//
// 连接建模为一条显式状态机：握手与认证阶段逐步推进，
// 全部成功后进入 proxy 状态做双向管道。libuv 版本的读写状态
// 与引用计数在这里折叠为阻塞 I/O + 一次性关闭。
// =============================================================================
package tunnel

import (
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mrcgq/ssrlocal/internal/socks5"
	"github.com/mrcgq/ssrlocal/pkg/log"
)

type sessionState int

const (
	sessionHandshake sessionState = iota
	sessionReqStart
	sessionReqParse
	sessionReqUDPAssoc
	sessionReqLookup
	sessionReqConnect
	sessionSSRAuthSent
	sessionProxyStart
	sessionProxy
	sessionKill
	sessionDead
)

// 固定的 SOCKS5 回复
var (
	replyNoAuth        = []byte{0x05, 0x00}
	replyNoAccept      = []byte{0x05, 0xFF}
	replyHostUnreach   = []byte{0x05, 0x04, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	replyConnRefused   = []byte{0x05, 0x05, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	replyRuleViolation = []byte{0x05, 0x02, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
)

// Tunnel 一条客户端连接对应的隧道
type Tunnel struct {
	env   *Env
	state sessionState

	parser   *socks5.Parser
	incoming *socketCtx
	outgoing *socketCtx

	cipher  *Cipher
	initPkg []byte

	remoteAddr string

	dead     atomic.Bool
	done     chan struct{}
	resume   chan struct{}
	shutOnce sync.Once
}

func newTunnel(env *Env, conn net.Conn) *Tunnel {
	idle := time.Duration(env.cfg.IdleTimeout) * time.Millisecond
	return &Tunnel{
		env:      env,
		state:    sessionHandshake,
		parser:   socks5.NewParser(),
		incoming: newSocketCtx(conn, idle),
		done:     make(chan struct{}),
		resume:   make(chan struct{}, 1),
	}
}

func (t *Tunnel) isDead() bool { return t.dead.Load() }

// shutdown 一次性关停：关闭两侧套接字并释放流水线
// 晚到的协程看到 dead 标志后直接退出
func (t *Tunnel) shutdown() {
	t.shutOnce.Do(func() {
		t.dead.Store(true)
		close(t.done)
		t.incoming.close()
		if t.outgoing != nil {
			t.outgoing.close()
		}
		if t.cipher != nil {
			t.cipher.Release()
		}
		t.env.removeTunnel(t)
	})
}

// fail 记录错误类别并进入关停
func (t *Tunnel) fail(err error) {
	kind := errKind(err)
	if kind != "ok" && kind != "eof" {
		log.Debug("tunnel: %v", err)
	}
	t.env.metrics.IncError(kind)
	t.state = sessionKill
}

// run 驱动状态机直至隧道结束
func (t *Tunnel) run() {
	defer t.shutdown()
	for {
		if t.isDead() {
			return
		}
		switch t.state {
		case sessionHandshake:
			t.doHandshake()
		case sessionReqStart:
			t.doReqStart()
		case sessionReqParse:
			t.doReqParse()
		case sessionReqUDPAssoc:
			t.doReqUDPAssoc()
		case sessionReqLookup:
			t.doReqLookup()
		case sessionReqConnect:
			t.doReqConnect()
		case sessionSSRAuthSent:
			t.doSSRAuthSent()
		case sessionProxyStart:
			t.doProxy()
		case sessionKill, sessionDead:
			return
		}
	}
}

// doHandshake 方法协商：仅接受 no-auth
func (t *Tunnel) doHandshake() {
	chunk, err := t.incoming.read()
	if err != nil {
		t.fail(err)
		return
	}

	status, consumed, perr := t.parser.Parse(chunk)
	if perr != nil {
		t.fail(errors.Join(ErrParse, perr))
		return
	}
	if status == socks5.StatusNeedMore {
		return // 继续读
	}
	if consumed != len(chunk) {
		log.Debug("tunnel: junk in handshake")
		t.fail(ErrParse)
		return
	}

	if t.parser.HasAuthMethod(socks5.AuthNone) {
		if err := t.incoming.write(replyNoAuth); err != nil {
			t.fail(err)
			return
		}
		t.state = sessionReqStart
		return
	}

	_ = t.incoming.write(replyNoAccept)
	t.fail(ErrParse)
}

// doReqStart 协商回复已落盘，转入请求阶段
func (t *Tunnel) doReqStart() {
	t.state = sessionReqParse
}

// doReqParse 解析 SOCKS5 请求并分派命令
func (t *Tunnel) doReqParse() {
	chunk, err := t.incoming.read()
	if err != nil {
		t.fail(err)
		return
	}

	status, consumed, perr := t.parser.Parse(chunk)
	if perr != nil {
		t.fail(errors.Join(ErrParse, perr))
		return
	}
	if status == socks5.StatusNeedMore {
		return
	}
	if consumed != len(chunk) {
		log.Debug("tunnel: junk in request")
		t.fail(ErrParse)
		return
	}

	switch t.parser.Cmd {
	case socks5.CmdBind:
		// 未支持
		log.Warn("tunnel: BIND requests are not supported")
		t.fail(ErrParse)
		return

	case socks5.CmdUDPAssociate:
		reply := buildUDPAssocReply(t.env.cfg.UDP, t.env.cfg.ListenHost, t.env.cfg.ListenPort)
		if reply == nil {
			t.fail(ErrParse)
			return
		}
		if err := t.incoming.write(reply); err != nil {
			t.fail(err)
			return
		}
		t.state = sessionReqUDPAssoc
		return
	}

	// CONNECT
	if !t.env.canAccess(t.destHost()) {
		log.Warn("tunnel: connection not allowed by ruleset: %s", t.destHost())
		_ = t.incoming.write(replyRuleViolation)
		t.fail(ErrRuleViolation)
		return
	}

	t.initPkg = buildInitialPackage(t.parser)
	cipher, cerr := newTunnelCipher(t.env, t.initPkg)
	if cerr != nil {
		t.fail(cerr)
		return
	}
	t.cipher = cipher

	if ip := net.ParseIP(t.env.cfg.RemoteHost); ip != nil {
		t.remoteAddr = net.JoinHostPort(ip.String(), strconv.Itoa(t.env.cfg.RemotePort))
		t.state = sessionReqConnect
		return
	}
	t.state = sessionReqLookup
}

// doReqUDPAssoc 回复已发出，读到 EOF 为止
func (t *Tunnel) doReqUDPAssoc() {
	for {
		if _, err := t.incoming.read(); err != nil {
			if !errors.Is(err, io.EOF) {
				t.fail(err)
				return
			}
			t.state = sessionKill
			return
		}
	}
}

// doReqLookup 解析上游主机名
func (t *Tunnel) doReqLookup() {
	ip, err := t.env.resolve(t.env.cfg.RemoteHost)
	if err != nil {
		log.Error("tunnel: lookup error for %q: %v", t.env.cfg.RemoteHost, err)
		_ = t.incoming.write(replyHostUnreach)
		t.fail(err)
		return
	}
	t.remoteAddr = net.JoinHostPort(ip.String(), strconv.Itoa(t.env.cfg.RemotePort))
	t.state = sessionReqConnect
}

// doReqConnect 连上游并投递加密后的初始包
func (t *Tunnel) doReqConnect() {
	idle := time.Duration(t.env.cfg.IdleTimeout) * time.Millisecond
	conn, err := net.DialTimeout("tcp", t.remoteAddr, idle)
	if err != nil {
		log.Error("tunnel: upstream connection %q error: %v", t.destHost(), err)
		_ = t.incoming.write(replyConnRefused)
		t.fail(errors.Join(ErrConnectFailed, err))
		return
	}
	t.outgoing = newSocketCtx(conn, idle)

	pkg := append([]byte(nil), t.initPkg...)
	out, err := t.cipher.Encrypt(pkg)
	if err != nil {
		t.fail(err)
		return
	}
	if err := t.outgoing.write(out); err != nil {
		t.fail(err)
		return
	}
	t.state = sessionSSRAuthSent
}

// doSSRAuthSent 给客户端回成功响应，回显初始包内容
func (t *Tunnel) doSSRAuthSent() {
	reply := make([]byte, 0, 3+len(t.initPkg))
	reply = append(reply, 0x05, 0x00, 0x00)
	reply = append(reply, t.initPkg...)
	if err := t.incoming.write(reply); err != nil {
		t.fail(err)
		return
	}
	t.state = sessionProxyStart
}

// doProxy 双向中继
// 上行：读客户端 → 出站流水线 → 上游；零长度输出表示混淆层
// 正在握手，读侧暂停直到回写完成。
// 下行：读上游 → 入站流水线 → 客户端；回写缓冲原样写回上游。
func (t *Tunnel) doProxy() {
	t.state = sessionProxy

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		errCh <- t.relayClientToUpstream()
	}()
	go func() {
		defer wg.Done()
		errCh <- t.relayUpstreamToClient()
	}()

	err := <-errCh
	if err != nil && !errors.Is(err, io.EOF) {
		t.env.metrics.IncError(errKind(err))
	}
	t.shutdown()
	wg.Wait()
	t.state = sessionKill
}

func (t *Tunnel) relayClientToUpstream() error {
	for {
		chunk, err := t.incoming.read()
		if err != nil {
			return err
		}
		out, err := t.cipher.Encrypt(chunk)
		if err != nil {
			return err
		}
		if len(out) == 0 {
			// 混淆层握手未完成：暂停读侧等待回写
			select {
			case <-t.resume:
			case <-t.done:
				return nil
			}
			continue
		}
		if err := t.outgoing.write(out); err != nil {
			return err
		}
		t.env.metrics.AddBytesSent(int64(len(chunk)))
	}
}

func (t *Tunnel) relayUpstreamToClient() error {
	for {
		chunk, err := t.outgoing.read()
		if err != nil {
			return err
		}
		out, feedback, err := t.cipher.Decrypt(chunk)
		if err != nil {
			return err
		}
		if feedback != nil {
			if err := t.outgoing.write(feedback); err != nil {
				return err
			}
			select {
			case t.resume <- struct{}{}:
			default:
			}
		}
		if len(out) > 0 {
			if err := t.incoming.write(out); err != nil {
				return err
			}
			t.env.metrics.AddBytesReceived(int64(len(out)))
		}
	}
}

// destHost 请求目标的可读形式
func (t *Tunnel) destHost() string {
	switch t.parser.Atyp {
	case socks5.AtypDomain:
		return string(t.parser.Daddr)
	default:
		return net.IP(t.parser.Daddr).String()
	}
}

// buildInitialPackage shadowsocks 初始包: atyp | 地址 | 端口(BE)
func buildInitialPackage(p *socks5.Parser) []byte {
	out := make([]byte, 0, 1+1+len(p.Daddr)+2)
	out = append(out, p.Atyp)
	if p.Atyp == socks5.AtypDomain {
		out = append(out, byte(len(p.Daddr)))
	}
	out = append(out, p.Daddr...)
	out = append(out, byte(p.Dport>>8), byte(p.Dport))
	return out
}

// buildUDPAssocReply UDP ASSOCIATE 回复
// 05 <00|07> 00 <01|04> 地址字节 端口(网络序)；地址解析失败返回 nil
func buildUDPAssocReply(allow bool, host string, port int) []byte {
	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	rep := byte(socks5.RepCommandNotSupported)
	if allow {
		rep = socks5.RepSuccess
	}

	out := []byte{0x05, rep, 0x00}
	if ip4 := ip.To4(); ip4 != nil {
		out = append(out, socks5.AtypIPv4)
		out = append(out, ip4...)
	} else {
		out = append(out, socks5.AtypIPv6)
		out = append(out, ip.To16()...)
	}
	out = append(out, byte(port>>8), byte(port))
	return out
}
