// =============================================================================
// 文件: internal/protocol/protocol.go
// 描述: SSR 插件契约 - 协议 (认证分帧) 与混淆 (流量整形) 的统一接口
//
//	注册表按名字解析插件工厂；缺省能力即恒等变换
//
// =============================================================================
package protocol

import (
	"crypto/hmac"
	"crypto/md5"
	crand "crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrUnknownPlugin = errors.New("protocol: unknown plugin name")
)

// =============================================================================
// ServerInfo - 每隧道传给插件实例的参数
// =============================================================================

// ServerInfo 插件实例的运行参数，隧道加密管线构造时填充
type ServerInfo struct {
	Host       string
	Port       uint16
	IV         []byte
	Key        []byte
	Param      string
	GData      any
	TCPMss     int
	BufferSize int
	Overhead   int
	HeadLen    int
}

// =============================================================================
// 插件接口
// =============================================================================

// Plugin 所有协议/混淆插件的公共契约
type Plugin interface {
	SetServerInfo(info *ServerInfo)
	Overhead() int
	Dispose()
}

// PreEncrypter 协议插件的出站能力
type PreEncrypter interface {
	ClientPreEncrypt(data []byte) ([]byte, error)
}

// PostDecrypter 协议插件的入站能力
// 负长度语义在 Go 侧表达为 error
type PostDecrypter interface {
	ClientPostDecrypt(data []byte) ([]byte, error)
}

// Encoder 混淆插件的出站能力
type Encoder interface {
	ClientEncode(data []byte) ([]byte, error)
}

// Decoder 混淆插件的入站能力
// needSendback 表示服务端期待一次握手回写
type Decoder interface {
	ClientDecode(data []byte) (out []byte, needSendback bool, err error)
}

// UDPPreEncrypter UDP 出站能力 (中继本身不在范围内，契约保留)
type UDPPreEncrypter interface {
	ClientUDPPreEncrypt(data []byte) ([]byte, error)
}

// UDPPostDecrypter UDP 入站能力
type UDPPostDecrypter interface {
	ClientUDPPostDecrypt(data []byte) ([]byte, error)
}

// =============================================================================
// 注册表
// =============================================================================

// Factory 插件工厂：New 创建每隧道实例，InitData 创建插件全局态
type Factory struct {
	New      func() Plugin
	InitData func() any
}

var protocolFactories = map[string]*Factory{
	"auth_simple":      {New: newAuthSimple, InitData: newAuthGlobalData},
	"auth_sha1":        {New: newAuthSHA1, InitData: newAuthGlobalData},
	"auth_sha1_v2":     {New: newAuthSHA1V2, InitData: newAuthGlobalData},
	"auth_sha1_v4":     {New: newAuthSHA1V4, InitData: newAuthGlobalData},
	"auth_aes128_md5":  {New: newAuthAES128MD5, InitData: newAuthGlobalData},
	"auth_aes128_sha1": {New: newAuthAES128SHA1, InitData: newAuthGlobalData},
}

var obfsFactories = map[string]*Factory{
	"http_simple":        {New: newHTTPSimple, InitData: func() any { return nil }},
	"tls1.2_ticket_auth": {New: newTLSTicketAuth, InitData: newTLSGlobalData},
}

// 恒等名：没有插件，也不是错误
var protocolIdentity = map[string]bool{"": true, "origin": true, "plain": true}
var obfsIdentity = map[string]bool{"": true, "plain": true}

// LookupProtocol 按名字解析协议插件工厂
// 恒等名返回 (nil, nil)；未知名返回错误
func LookupProtocol(name string) (*Factory, error) {
	if protocolIdentity[name] {
		return nil, nil
	}
	if f, ok := protocolFactories[name]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: protocol %q", ErrUnknownPlugin, name)
}

// LookupObfs 按名字解析混淆插件工厂
func LookupObfs(name string) (*Factory, error) {
	if obfsIdentity[name] {
		return nil, nil
	}
	if f, ok := obfsFactories[name]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: obfs %q", ErrUnknownPlugin, name)
}

// =============================================================================
// xorshift128plus - 填充长度所用 PRNG
// =============================================================================

// Shift128 xorshift128plus 状态
type Shift128 struct {
	s [2]uint64
}

// NewShift128 创建并用系统熵播种
func NewShift128() *Shift128 {
	var seed [16]byte
	_, _ = crand.Read(seed[:])
	return &Shift128{s: [2]uint64{
		binary.LittleEndian.Uint64(seed[0:8]),
		binary.LittleEndian.Uint64(seed[8:16]),
	}}
}

// NewShift128Seeded 创建固定种子实例 (测试用)
func NewShift128Seeded(s0, s1 uint64) *Shift128 {
	return &Shift128{s: [2]uint64{s0, s1}}
}

// Next 下一个 64 位随机数
func (r *Shift128) Next() uint64 {
	x := r.s[0]
	y := r.s[1]
	r.s[0] = y
	x ^= x << 23
	r.s[1] = x ^ y ^ (x >> 17) ^ (y >> 26)
	return r.s[1] + y
}

// =============================================================================
// 插件全局态
// =============================================================================

// AuthGlobal 认证协议族的插件全局态
// 仅在隧道创建路径上修改
type AuthGlobal struct {
	mu            sync.Mutex
	LocalClientID [8]byte
	ConnectionID  uint32
	Rng           *Shift128
}

func newAuthGlobalData() any {
	g := &AuthGlobal{Rng: NewShift128()}
	_, _ = crand.Read(g.LocalClientID[:])
	var b [4]byte
	_, _ = crand.Read(b[:])
	g.ConnectionID = binary.LittleEndian.Uint32(b[:]) & 0xFFFFFF
	return g
}

// nextConnection 自增连接号；超过 0xFF000000 时重播客户端标识并截断到 24 位
func (g *AuthGlobal) nextConnection() (clientID [8]byte, connID uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ConnectionID++
	if g.ConnectionID > 0xFF000000 {
		_, _ = crand.Read(g.LocalClientID[:])
		var b [4]byte
		_, _ = crand.Read(b[:])
		g.ConnectionID = binary.LittleEndian.Uint32(b[:]) & 0xFFFFFF
	}
	return g.LocalClientID, g.ConnectionID
}

// randLen 在全局 RNG 上取一个数 (串行化访问)
func (g *AuthGlobal) randLen() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Rng.Next()
}

// =============================================================================
// 公共工具
// =============================================================================

// GetHeadSize 解析 shadowsocks 地址头 (atyp | addr | port) 的长度
// 数据不足或类型未知时返回 defSize，最多检视 30 字节上下文
func GetHeadSize(data []byte, defSize int) int {
	if len(data) < 2 {
		return defSize
	}
	switch data[0] & 0x07 {
	case 1:
		return 7
	case 4:
		return 19
	case 3:
		return 4 + int(data[1])
	}
	return defSize
}

// hmacMD5 截断使用由调用方负责
func hmacMD5(key, msg []byte) []byte {
	h := hmac.New(md5.New, key)
	h.Write(msg)
	return h.Sum(nil)
}

func hmacSHA1(key, msg []byte) []byte {
	h := hmac.New(sha1.New, key)
	h.Write(msg)
	return h.Sum(nil)
}

func md5Sum(data []byte) []byte {
	s := md5.Sum(data)
	return s[:]
}

func sha1Sum(data []byte) []byte {
	s := sha1.Sum(data)
	return s[:]
}

// defaultRandBytes 填充密码学随机字节
func defaultRandBytes(p []byte) {
	_, _ = crand.Read(p)
}
