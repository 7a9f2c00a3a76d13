// =============================================================================
// 文件: internal/protocol/auth_aes128.go
// 描述: auth_aes128_md5 / auth_aes128_sha1 协议族
//
//	逐块 HMAC 分帧 + 每连接用户密钥派生 + 随机填充
//
// =============================================================================
package protocol

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/mrcgq/ssrlocal/internal/buffer"
	"github.com/mrcgq/ssrlocal/internal/crypto"
)

const (
	authPackUnitSize = 2000
	authRecvCap      = 16384
	authHeadMax      = 1200
)

var (
	ErrAuthFrameBroken = errors.New("protocol: auth frame verification failed")
	ErrRecvOverflow    = errors.New("protocol: receive buffer overflow")
)

type hmacMethod func(key, msg []byte) []byte
type hashMethod func(data []byte) []byte

// authAES128 每隧道插件实例
type authAES128 struct {
	info *ServerInfo

	hasSentHeader bool
	recvBuf       *buffer.Buffer
	recvID        uint32
	packID        uint32
	userKey       []byte
	uid           [4]byte
	hmac          hmacMethod
	hash          hashMethod
	hashLen       int
	salt          string
	lastDataLen   int
	unitLen       int

	randBytes func([]byte)
	now       func() time.Time
}

func newAuthAES128MD5() Plugin {
	a := newAuthAES128()
	a.hmac = hmacMD5
	a.hash = md5Sum
	a.hashLen = 16
	a.salt = "auth_aes128_md5"
	return a
}

func newAuthAES128SHA1() Plugin {
	a := newAuthAES128()
	a.hmac = hmacSHA1
	a.hash = sha1Sum
	a.hashLen = 20
	a.salt = "auth_aes128_sha1"
	return a
}

func newAuthAES128() *authAES128 {
	return &authAES128{
		recvBuf:   buffer.New(authRecvCap),
		recvID:    1,
		packID:    1,
		unitLen:   authPackUnitSize,
		randBytes: defaultRandBytes,
		now:       time.Now,
	}
}

func (a *authAES128) SetServerInfo(info *ServerInfo) { a.info = info }

func (a *authAES128) Overhead() int { return 9 }

func (a *authAES128) Dispose() {
	a.recvBuf.Reset()
	a.userKey = nil
}

func (a *authAES128) global() *AuthGlobal {
	return a.info.GData.(*AuthGlobal)
}

// getRandLen 按负载大小分桶的填充长度
func (a *authAES128) getRandLen(dataLen, fullDataLen int) int {
	if dataLen > 1300 || a.lastDataLen > 1300 || fullDataLen >= a.info.BufferSize {
		return 0
	}
	r := a.global().randLen()
	switch {
	case dataLen > 1100:
		return int(r & 0x7F)
	case dataLen > 900:
		return int(r & 0xFF)
	case dataLen > 400:
		return int(r & 0x1FF)
	}
	return int(r & 0x3FF)
}

// ensureUserKey 解析 param "uid:key"，否则随机 uid + 服务端密钥
func (a *authAES128) ensureUserKey() {
	if a.userKey != nil {
		return
	}
	if param := a.info.Param; param != "" {
		if idx := strings.IndexByte(param, ':'); idx >= 0 {
			uid, err := strconv.ParseUint(param[:idx], 10, 32)
			if err == nil {
				binary.LittleEndian.PutUint32(a.uid[:], uint32(uid))
				a.userKey = a.hash([]byte(param[idx+1:]))[:a.hashLen]
				return
			}
		}
	}
	a.randBytes(a.uid[:])
	a.userKey = append([]byte(nil), a.info.Key...)
}

// packData 非首块分帧
// 布局: size(LE16) | hmac2 | 填充标记+随机 | 负载 | hmac4
func (a *authAES128) packData(data []byte, fullDataLen int) []byte {
	randLen := a.getRandLen(len(data), fullDataLen) + 1
	outSize := randLen + len(data) + 8
	out := make([]byte, outSize)

	copy(out[randLen+4:], data)
	out[0] = byte(outSize)
	out[1] = byte(outSize >> 8)

	key := make([]byte, len(a.userKey)+4)
	copy(key, a.userKey)
	binary.LittleEndian.PutUint32(key[len(a.userKey):], a.packID)

	a.randBytes(out[4 : 4+randLen])

	copy(out[2:4], a.hmac(key, out[:2])[:2])

	if randLen < 128 {
		out[4] = byte(randLen)
	} else {
		out[4] = 0xFF
		out[5] = byte(randLen)
		out[6] = byte(randLen >> 8)
	}
	a.packID++

	copy(out[outSize-4:], a.hmac(key, out[:outSize-4])[:4])
	return out
}

// packAuthData 首块 ("auth data")
// 24 字节认证块: uid(4) | AES-128-CBC(16) | hmac4
func (a *authAES128) packAuthData(data []byte) ([]byte, error) {
	g := a.global()

	var randLen int
	if len(data) > 400 {
		randLen = int(g.randLen() & 0x1FF)
	} else {
		randLen = int(g.randLen() & 0x3FF)
	}
	dataOffset := randLen + 16 + 4 + 4 + 7
	outSize := dataOffset + len(data) + 4
	out := make([]byte, outSize)

	headKey := make([]byte, 0, len(a.info.IV)+len(a.info.Key))
	headKey = append(headKey, a.info.IV...)
	headKey = append(headKey, a.info.Key...)

	a.randBytes(out[dataOffset-randLen : dataOffset])

	clientID, connID := g.nextConnection()

	var plain [16]byte
	binary.LittleEndian.PutUint32(plain[0:4], uint32(a.now().Unix()))
	copy(plain[4:8], clientID[0:4])
	binary.LittleEndian.PutUint32(plain[8:12], connID)
	binary.LittleEndian.PutUint16(plain[12:14], uint16(outSize))
	binary.LittleEndian.PutUint16(plain[14:16], uint16(randLen))

	a.ensureUserKey()

	keyStr := base64.StdEncoding.EncodeToString(a.userKey) + a.salt
	aesKey := crypto.BytesToKey([]byte(keyStr), 16)
	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, err
	}
	var encrypted [16]byte
	var zeroIV [16]byte
	cipher.NewCBCEncrypter(block, zeroIV[:]).CryptBlocks(encrypted[:], plain[:])

	var authBlock [24]byte
	copy(authBlock[0:4], a.uid[:])
	copy(authBlock[4:20], encrypted[:])
	copy(authBlock[20:24], a.hmac(headKey, authBlock[:20])[:4])

	a.randBytes(out[0:1])
	copy(out[1:7], a.hmac(headKey, out[0:1])[:6])
	copy(out[7:31], authBlock[:])
	copy(out[dataOffset:], data)

	copy(out[outSize-4:], a.hmac(a.userKey, out[:outSize-4])[:4])
	return out, nil
}

// ClientPreEncrypt 首块打认证头 (≤1200)，其余按 unit_len=2000 切块
func (a *authAES128) ClientPreEncrypt(data []byte) ([]byte, error) {
	n := len(data)
	out := make([]byte, 0, 2*n+2*a.info.BufferSize)

	if n > 0 && !a.hasSentHeader {
		headSize := authHeadMax
		if headSize > n {
			headSize = n
		}
		packed, err := a.packAuthData(data[:headSize])
		if err != nil {
			return nil, err
		}
		out = append(out, packed...)
		data = data[headSize:]
		a.hasSentHeader = true
	}
	for len(data) > a.unitLen {
		out = append(out, a.packData(data[:a.unitLen], n)...)
		data = data[a.unitLen:]
	}
	if len(data) > 0 {
		out = append(out, a.packData(data, n)...)
	}
	a.lastDataLen = n
	return out, nil
}

// ClientPostDecrypt 逐帧校验并剥离分帧
// 任何校验失败都会使隧道被关闭
func (a *authAES128) ClientPostDecrypt(data []byte) ([]byte, error) {
	if a.recvBuf.Len()+len(data) > authRecvCap {
		return nil, ErrRecvOverflow
	}
	a.recvBuf.Concat(data)

	key := make([]byte, len(a.userKey)+4)
	copy(key, a.userKey)

	var out []byte
	for a.recvBuf.Len() > 4 {
		rb := a.recvBuf.Bytes()
		binary.LittleEndian.PutUint32(key[len(a.userKey):], a.recvID)

		if !bytesEqual(a.hmac(key, rb[:2])[:2], rb[2:4]) {
			a.recvBuf.Reset()
			return nil, ErrAuthFrameBroken
		}

		length := int(binary.LittleEndian.Uint16(rb[:2]))
		if length >= 8192 || length < 8 {
			a.recvBuf.Reset()
			return nil, ErrAuthFrameBroken
		}
		if length > a.recvBuf.Len() {
			break
		}

		if !bytesEqual(a.hmac(key, rb[:length-4])[:4], rb[length-4:length]) {
			a.recvBuf.Reset()
			return nil, ErrAuthFrameBroken
		}

		a.recvID++
		pos := int(rb[4])
		if pos < 255 {
			pos += 4
		} else {
			pos = int(binary.LittleEndian.Uint16(rb[5:7])) + 4
		}
		out = append(out, rb[pos:length-4]...)
		a.recvBuf.Shift(length)
	}
	return out, nil
}

// ClientUDPPreEncrypt 追加 uid(4) + hmac4(user_key, payload‖uid)
func (a *authAES128) ClientUDPPreEncrypt(data []byte) ([]byte, error) {
	a.ensureUserKey()
	out := make([]byte, len(data)+8)
	copy(out, data)
	copy(out[len(data):], a.uid[:])
	copy(out[len(data)+4:], a.hmac(a.userKey, out[:len(data)+4])[:4])
	return out, nil
}

// ClientUDPPostDecrypt 校验尾部 hmac4(server_key, ...) 并剥离
// 校验失败丢弃数据报 (与上游行为一致，不算隧道错误)
func (a *authAES128) ClientUDPPostDecrypt(data []byte) ([]byte, error) {
	if len(data) <= 4 {
		return nil, nil
	}
	if !bytesEqual(a.hmac(a.info.Key, data[:len(data)-4])[:4], data[len(data)-4:]) {
		return nil, nil
	}
	return data[:len(data)-4], nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
