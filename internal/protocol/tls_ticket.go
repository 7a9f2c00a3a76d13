// =============================================================================
// 文件: internal/protocol/tls_ticket.go
// 描述: tls1.2_ticket_auth 混淆 (仅客户端角色)
//
//	握手流量成形为 TLS 1.2，ClientHello random 携带 HMAC 认证；
//	数据走 application data 记录 (17 03 03)
//
// =============================================================================
package protocol

import (
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/mrcgq/ssrlocal/internal/buffer"
)

var (
	ErrObfsDecodeBroken = errors.New("protocol: obfs decode failed")
)

const (
	tlsRecordMax = 2048
	tlsRecvCap   = 65536

	// 握手阶段
	tlsStateInit       = 0
	tlsStateHelloSent  = 1
	tlsStateServerSeen = 2
	tlsStateEstablish  = 8
)

// TLSGlobal tls1.2_ticket_auth 的插件全局态
type TLSGlobal struct {
	mu            sync.Mutex
	LocalClientID [32]byte
	Rng           *Shift128
}

func newTLSGlobalData() any {
	g := &TLSGlobal{Rng: NewShift128()}
	defaultRandBytes(g.LocalClientID[:])
	return g
}

func (g *TLSGlobal) clientID() [32]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.LocalClientID
}

func (g *TLSGlobal) rand() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Rng.Next()
}

// 固定的密码套件与扩展骨架，与常见浏览器指纹形状对齐
var tlsCipherSuites = []byte{
	0xc0, 0x2b, 0xc0, 0x2f, 0xcc, 0xa9, 0xcc, 0xa8,
	0xcc, 0x14, 0xcc, 0x13, 0xc0, 0x0a, 0xc0, 0x14,
	0xc0, 0x09, 0xc0, 0x13, 0x00, 0x9c, 0x00, 0x35,
	0x00, 0x2f, 0x00, 0x0a, 0x00, 0xff,
}

type tlsTicketAuth struct {
	info *ServerInfo

	state    int
	clientID [32]byte
	sendBuf  *buffer.Buffer
	recvBuf  *buffer.Buffer

	randBytes func([]byte)
	now       func() time.Time
}

func newTLSTicketAuth() Plugin {
	return &tlsTicketAuth{
		sendBuf:   buffer.New(tlsRecordMax),
		recvBuf:   buffer.New(tlsRecvCap),
		randBytes: defaultRandBytes,
		now:       time.Now,
	}
}

func (t *tlsTicketAuth) SetServerInfo(info *ServerInfo) {
	t.info = info
	t.clientID = info.GData.(*TLSGlobal).clientID()
}

func (t *tlsTicketAuth) Overhead() int { return 5 }

func (t *tlsTicketAuth) Dispose() {
	t.sendBuf.Reset()
	t.recvBuf.Reset()
}

func (t *tlsTicketAuth) hmacKey() []byte {
	key := make([]byte, 0, len(t.info.Key)+32)
	key = append(key, t.info.Key...)
	key = append(key, t.clientID[:]...)
	return key
}

// authRandom 32 字节: time(BE32) | 18 随机 | hmac10
func (t *tlsTicketAuth) authRandom() [32]byte {
	var r [32]byte
	binary.BigEndian.PutUint32(r[0:4], uint32(t.now().Unix()))
	t.randBytes(r[4:22])
	copy(r[22:32], hmacSHA1(t.hmacKey(), r[:22])[:10])
	return r
}

// sniHost 从 obfs 参数取 SNI 主机
func (t *tlsTicketAuth) sniHost() string {
	host := t.info.Host
	if t.info.Param != "" {
		hosts := strings.Split(t.info.Param, ",")
		host = strings.TrimSpace(hosts[t.info.GData.(*TLSGlobal).rand()%uint64(len(hosts))])
	}
	return host
}

// appendRecord application data 记录分片
func appendRecord(out, data []byte) []byte {
	for len(data) > 0 {
		n := len(data)
		if n > tlsRecordMax {
			n = tlsRecordMax
		}
		out = append(out, 0x17, 0x03, 0x03, byte(n>>8), byte(n))
		out = append(out, data[:n]...)
		data = data[n:]
	}
	return out
}

// buildClientHello 构造带认证 random 的 ClientHello
func (t *tlsTicketAuth) buildClientHello() []byte {
	host := t.sniHost()
	random := t.authRandom()

	// 会话票扩展: 随机内容，长度 16 的整数倍
	ticketLen := int(t.info.GData.(*TLSGlobal).rand()%17+8) * 16
	ticket := make([]byte, ticketLen)
	t.randBytes(ticket)

	var ext []byte
	// SNI (0x0000)
	sni := make([]byte, 0, len(host)+9)
	sni = append(sni, 0x00, 0x00)
	sni = appendUint16(sni, uint16(len(host)+5))
	sni = appendUint16(sni, uint16(len(host)+3))
	sni = append(sni, 0x00)
	sni = appendUint16(sni, uint16(len(host)))
	sni = append(sni, host...)
	ext = append(ext, sni...)
	// session ticket (0x0023)
	ext = append(ext, 0x00, 0x23)
	ext = appendUint16(ext, uint16(ticketLen))
	ext = append(ext, ticket...)
	// ec_point_formats (0x000b)
	ext = append(ext, 0x00, 0x0b, 0x00, 0x04, 0x03, 0x01, 0x00, 0x02)
	// supported_groups (0x000a)
	ext = append(ext, 0x00, 0x0a, 0x00, 0x0a, 0x00, 0x08, 0x00, 0x1d, 0x00, 0x17, 0x00, 0x19, 0x00, 0x18)
	// signature_algorithms (0x000d)
	ext = append(ext, 0x00, 0x0d, 0x00, 0x10, 0x00, 0x0e,
		0x04, 0x01, 0x05, 0x01, 0x06, 0x01, 0x02, 0x01, 0x04, 0x03, 0x05, 0x03, 0x06, 0x03)
	// extended_master_secret (0x0017) + renegotiation_info (0xff01)
	ext = append(ext, 0x00, 0x17, 0x00, 0x00)
	ext = append(ext, 0xff, 0x01, 0x00, 0x01, 0x00)

	var body []byte
	body = append(body, 0x03, 0x03) // client_version TLS1.2
	body = append(body, random[:]...)
	body = append(body, 32) // session_id
	body = append(body, t.clientID[:]...)
	body = appendUint16(body, uint16(len(tlsCipherSuites)))
	body = append(body, tlsCipherSuites...)
	body = append(body, 0x01, 0x00) // compression: null
	body = appendUint16(body, uint16(len(ext)))
	body = append(body, ext...)

	// handshake 头 + record 头
	hs := make([]byte, 0, len(body)+4)
	hs = append(hs, 0x01, byte(len(body)>>16), byte(len(body)>>8), byte(len(body)))
	hs = append(hs, body...)

	out := make([]byte, 0, len(hs)+5)
	out = append(out, 0x16, 0x03, 0x01)
	out = appendUint16(out, uint16(len(hs)))
	out = append(out, hs...)
	return out
}

// buildFinish ChangeCipherSpec + Finished，尾部 10 字节 HMAC 认证
func (t *tlsTicketAuth) buildFinish() []byte {
	out := make([]byte, 0, 43+t.sendBuf.Len())
	out = append(out, 0x14, 0x03, 0x03, 0x00, 0x01, 0x01)
	out = append(out, 0x16, 0x03, 0x03, 0x00, 0x20)
	finish := make([]byte, 32)
	t.randBytes(finish[:22])
	pos := len(out)
	out = append(out, finish...)
	copy(out[pos+22:], hmacSHA1(t.hmacKey(), out[:pos+22])[:10])
	return out
}

// ClientEncode 握手未完成时缓存负载；完成后按记录分帧
func (t *tlsTicketAuth) ClientEncode(data []byte) ([]byte, error) {
	if t.state == tlsStateEstablish {
		return appendRecord(nil, data), nil
	}

	switch t.state {
	case tlsStateInit:
		t.sendBuf.Concat(data)
		t.state = tlsStateHelloSent
		return t.buildClientHello(), nil

	case tlsStateHelloSent:
		// ServerHello 尚未回来：继续缓存，产生零长度输出令读侧暂停
		t.sendBuf.Concat(data)
		return nil, nil

	case tlsStateServerSeen:
		// 回写调用：完成握手并冲刷缓存的负载
		t.sendBuf.Concat(data)
		out := t.buildFinish()
		out = appendRecord(out, t.sendBuf.Bytes())
		t.sendBuf.Reset()
		t.state = tlsStateEstablish
		return out, nil
	}
	return nil, ErrObfsDecodeBroken
}

// ClientDecode 握手期校验 ServerHello random 的 HMAC 并请求回写；
// 之后剥离 application data 记录头
func (t *tlsTicketAuth) ClientDecode(data []byte) ([]byte, bool, error) {
	if t.recvBuf.Len()+len(data) > tlsRecvCap {
		return nil, false, ErrObfsDecodeBroken
	}
	t.recvBuf.Concat(data)

	if t.state != tlsStateEstablish {
		// ServerHello: 0x16 03 03 len(2) 02 len(3) 03 03 random(32)
		if t.recvBuf.Len() < 43 {
			return nil, false, nil
		}
		rb := t.recvBuf.Bytes()
		if rb[0] != 0x16 || rb[1] != 0x03 || rb[5] != 0x02 {
			return nil, false, ErrObfsDecodeBroken
		}
		random := rb[11:43]
		if !bytesEqual(hmacSHA1(t.hmacKey(), random[:22])[:10], random[22:32]) {
			return nil, false, ErrObfsDecodeBroken
		}
		// 服务端整个握手批次一并丢弃
		t.recvBuf.Reset()
		t.state = tlsStateServerSeen
		return nil, true, nil
	}

	var out []byte
	for t.recvBuf.Len() >= 5 {
		rb := t.recvBuf.Bytes()
		if rb[0] != 0x17 || rb[1] != 0x03 || rb[2] != 0x03 {
			t.recvBuf.Reset()
			return nil, false, ErrObfsDecodeBroken
		}
		size := int(binary.BigEndian.Uint16(rb[3:5]))
		if t.recvBuf.Len() < 5+size {
			break
		}
		out = append(out, rb[5:5+size]...)
		t.recvBuf.Shift(5 + size)
	}
	return out, false, nil
}

func appendUint16(b []byte, v uint16) []byte {
	return append(b, byte(v>>8), byte(v))
}
