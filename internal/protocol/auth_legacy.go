// =============================================================================
// 文件: internal/protocol/auth_legacy.go
// 描述: 旧式认证协议族 auth_simple / auth_sha1 / auth_sha1_v2 / auth_sha1_v4
//
//	共享 [外层长度 | 认证 | 随机填充 | 负载 | 校验] 布局，
//	区别在校验算法、填充分布与连接前导
//
// =============================================================================
package protocol

import (
	"encoding/binary"
	"hash/adler32"
	"hash/crc32"
	"time"

	"github.com/mrcgq/ssrlocal/internal/buffer"
)

// authLegacyBase 旧式协议族共享的实例状态
type authLegacyBase struct {
	info          *ServerInfo
	hasSentHeader bool
	recvBuf       *buffer.Buffer

	randBytes func([]byte)
	now       func() time.Time
}

func newAuthLegacyBase() authLegacyBase {
	return authLegacyBase{
		recvBuf:   buffer.New(authRecvCap),
		randBytes: defaultRandBytes,
		now:       time.Now,
	}
}

func (b *authLegacyBase) SetServerInfo(info *ServerInfo) { b.info = info }

func (b *authLegacyBase) Dispose() { b.recvBuf.Reset() }

func (b *authLegacyBase) global() *AuthGlobal {
	return b.info.GData.(*AuthGlobal)
}

// fillAdler32 末 4 字节写入前段的 adler32 (LE)
func fillAdler32(out []byte) {
	sum := adler32.Checksum(out[:len(out)-4])
	binary.LittleEndian.PutUint32(out[len(out)-4:], sum)
}

// checkAdler32 校验末 4 字节
func checkAdler32(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	sum := adler32.Checksum(data[:len(data)-4])
	return binary.LittleEndian.Uint32(data[len(data)-4:]) == sum
}

// fillCRC32 末 4 字节写入前段 CRC32 的反码 (LE)
func fillCRC32(out []byte) {
	sum := ^crc32.ChecksumIEEE(out[:len(out)-4])
	binary.LittleEndian.PutUint32(out[len(out)-4:], sum)
}

// fillCRC32To CRC32 (LE) 写入 dst 前 4 字节
func fillCRC32To(src, dst []byte) {
	binary.LittleEndian.PutUint32(dst, crc32.ChecksumIEEE(src))
}

// legacyRandLen v2/v4 的滑动填充分布
func legacyRandLen(g *AuthGlobal, dataLen int) int {
	if dataLen > 1300 {
		return 0
	}
	if dataLen > 400 {
		return int(g.randLen() & 0x7F)
	}
	return int(g.randLen() & 0x3FF)
}

// putMarker2 写入 2 字节头变体的填充标记 (out[2] 起)
func putMarker2(out []byte, randLen int) {
	if randLen < 128 {
		out[2] = byte(randLen)
	} else {
		out[2] = 0xFF
		out[3] = byte(randLen >> 8)
		out[4] = byte(randLen)
	}
}

// =============================================================================
// auth_simple
// =============================================================================

type authSimple struct {
	authLegacyBase
}

func newAuthSimple() Plugin {
	return &authSimple{authLegacyBase: newAuthLegacyBase()}
}

func (a *authSimple) Overhead() int { return 6 }

// packData 布局: size(BE16) | rand_len | 随机 | 负载 | ~crc32
func (a *authSimple) packData(data []byte) []byte {
	randLen := int(a.global().randLen()&0xF) + 1
	outSize := randLen + len(data) + 6
	out := make([]byte, outSize)
	out[0] = byte(outSize >> 8)
	out[1] = byte(outSize)
	out[2] = byte(randLen)
	a.randBytes(out[3 : randLen+2])
	copy(out[randLen+2:], data)
	fillCRC32(out)
	return out
}

func (a *authSimple) packAuthData(data []byte) []byte {
	g := a.global()
	randLen := int(g.randLen()&0xF) + 1
	outSize := randLen + len(data) + 6 + 12
	out := make([]byte, outSize)
	out[0] = byte(outSize >> 8)
	out[1] = byte(outSize)
	out[2] = byte(randLen)
	a.randBytes(out[3 : randLen+2])

	clientID, connID := g.nextConnection()
	off := randLen + 2
	binary.LittleEndian.PutUint32(out[off:], uint32(a.now().Unix()))
	copy(out[off+4:], clientID[0:4])
	binary.LittleEndian.PutUint32(out[off+8:], connID)
	copy(out[off+12:], data)
	fillCRC32(out)
	return out
}

func (a *authSimple) ClientPreEncrypt(data []byte) ([]byte, error) {
	out := make([]byte, 0, 2*len(data)+64)
	if len(data) > 0 && !a.hasSentHeader {
		headSize := GetHeadSize(data, 30)
		if headSize > len(data) {
			headSize = len(data)
		}
		out = append(out, a.packAuthData(data[:headSize])...)
		data = data[headSize:]
		a.hasSentHeader = true
	}
	for len(data) > authPackUnitSize {
		out = append(out, a.packData(data[:authPackUnitSize])...)
		data = data[authPackUnitSize:]
	}
	if len(data) > 0 {
		out = append(out, a.packData(data)...)
	}
	return out, nil
}

// ClientPostDecrypt 保留上游的 CRC 判定：
// 全包 CRC32 不等于 0xFFFFFFFF 即视为失败 (行为与来源一致)。
// fillCRC32 写入的是 CRC 反码，完整帧的全包 CRC32 恰为 0xFFFFFFFF，可以通过
func (a *authSimple) ClientPostDecrypt(data []byte) ([]byte, error) {
	if a.recvBuf.Len()+len(data) > authRecvCap {
		return nil, ErrRecvOverflow
	}
	a.recvBuf.Concat(data)

	var out []byte
	for a.recvBuf.Len() > 2 {
		rb := a.recvBuf.Bytes()
		length := int(rb[0])<<8 | int(rb[1])
		if length >= 8192 || length < 7 {
			a.recvBuf.Reset()
			return nil, ErrAuthFrameBroken
		}
		if length > a.recvBuf.Len() {
			break
		}
		if int32(crc32.ChecksumIEEE(rb[:length])) != -1 {
			a.recvBuf.Reset()
			return nil, ErrAuthFrameBroken
		}
		dataSize := length - int(rb[2]) - 6
		out = append(out, rb[2+int(rb[2]):2+int(rb[2])+dataSize]...)
		a.recvBuf.Shift(length)
	}
	return out, nil
}

// =============================================================================
// auth_sha1
// =============================================================================

type authSHA1 struct {
	authLegacyBase
}

func newAuthSHA1() Plugin {
	return &authSHA1{authLegacyBase: newAuthLegacyBase()}
}

func (a *authSHA1) Overhead() int { return 6 }

func (a *authSHA1) packData(data []byte) []byte {
	randLen := int(a.global().randLen()&0xF) + 1
	outSize := randLen + len(data) + 6
	out := make([]byte, outSize)
	out[0] = byte(outSize >> 8)
	out[1] = byte(outSize)
	out[2] = byte(randLen)
	a.randBytes(out[3 : randLen+2])
	copy(out[randLen+2:], data)
	fillAdler32(out)
	return out
}

// packAuthData 连接前导: crc32(server_key) | size | rand | ids | 负载 | hmac10
func (a *authSHA1) packAuthData(data []byte) []byte {
	g := a.global()
	randLen := int(g.randLen()&0x7F) + 1
	dataOffset := randLen + 4 + 2
	outSize := dataOffset + len(data) + 12 + 10
	out := make([]byte, outSize)

	fillCRC32To(a.info.Key, out[0:4])
	out[4] = byte(outSize >> 8)
	out[5] = byte(outSize)
	out[6] = byte(randLen)
	a.randBytes(out[7:dataOffset])

	clientID, connID := g.nextConnection()
	binary.LittleEndian.PutUint32(out[dataOffset:], uint32(a.now().Unix()))
	copy(out[dataOffset+4:], clientID[0:4])
	binary.LittleEndian.PutUint32(out[dataOffset+8:], connID)
	copy(out[dataOffset+12:], data)

	hmacKey := append(append([]byte(nil), a.info.IV...), a.info.Key...)
	copy(out[outSize-10:], hmacSHA1(hmacKey, out[:outSize-10])[:10])
	return out
}

func (a *authSHA1) ClientPreEncrypt(data []byte) ([]byte, error) {
	out := make([]byte, 0, 2*len(data)+256)
	if len(data) > 0 && !a.hasSentHeader {
		headSize := GetHeadSize(data, 30)
		if headSize > len(data) {
			headSize = len(data)
		}
		out = append(out, a.packAuthData(data[:headSize])...)
		data = data[headSize:]
		a.hasSentHeader = true
	}
	for len(data) > authPackUnitSize {
		out = append(out, a.packData(data[:authPackUnitSize])...)
		data = data[authPackUnitSize:]
	}
	if len(data) > 0 {
		out = append(out, a.packData(data)...)
	}
	return out, nil
}

func (a *authSHA1) ClientPostDecrypt(data []byte) ([]byte, error) {
	if a.recvBuf.Len()+len(data) > authRecvCap {
		return nil, ErrRecvOverflow
	}
	a.recvBuf.Concat(data)

	var out []byte
	for a.recvBuf.Len() > 2 {
		rb := a.recvBuf.Bytes()
		length := int(rb[0])<<8 | int(rb[1])
		if length >= 8192 || length < 7 {
			a.recvBuf.Reset()
			return nil, ErrAuthFrameBroken
		}
		if length > a.recvBuf.Len() {
			break
		}
		if !checkAdler32(rb[:length]) {
			a.recvBuf.Reset()
			return nil, ErrAuthFrameBroken
		}
		pos := int(rb[2]) + 2
		dataSize := length - pos - 4
		out = append(out, rb[pos:pos+dataSize]...)
		a.recvBuf.Shift(length)
	}
	return out, nil
}

// =============================================================================
// auth_sha1_v2
// =============================================================================

type authSHA1V2 struct {
	authLegacyBase
}

func newAuthSHA1V2() Plugin {
	return &authSHA1V2{authLegacyBase: newAuthLegacyBase()}
}

func (a *authSHA1V2) Overhead() int { return 6 }

func (a *authSHA1V2) packData(data []byte) []byte {
	randLen := legacyRandLen(a.global(), len(data)) + 1
	outSize := randLen + len(data) + 6
	out := make([]byte, outSize)
	out[0] = byte(outSize >> 8)
	out[1] = byte(outSize)
	a.randBytes(out[2 : randLen+2])
	putMarker2(out, randLen)
	copy(out[randLen+2:], data)
	fillAdler32(out)
	return out
}

// packAuthData 前导为 crc32("auth_sha1_v2"‖server_key)，无时间戳，
// 客户端标识全 8 字节入帧
func (a *authSHA1V2) packAuthData(data []byte) []byte {
	g := a.global()
	randLen := legacyRandLen(g, len(data)) + 1
	dataOffset := randLen + 4 + 2
	outSize := dataOffset + len(data) + 12 + 10
	out := make([]byte, outSize)

	salt := []byte("auth_sha1_v2")
	crcSrc := append(append([]byte(nil), salt...), a.info.Key...)
	fillCRC32To(crcSrc, out[0:4])
	out[4] = byte(outSize >> 8)
	out[5] = byte(outSize)
	a.randBytes(out[6:dataOffset])
	if randLen < 128 {
		out[6] = byte(randLen)
	} else {
		out[6] = 0xFF
		out[7] = byte(randLen >> 8)
		out[8] = byte(randLen)
	}

	clientID, connID := g.nextConnection()
	copy(out[dataOffset:], clientID[:])
	binary.LittleEndian.PutUint32(out[dataOffset+8:], connID)
	copy(out[dataOffset+12:], data)

	hmacKey := append(append([]byte(nil), a.info.IV...), a.info.Key...)
	copy(out[outSize-10:], hmacSHA1(hmacKey, out[:outSize-10])[:10])
	return out
}

func (a *authSHA1V2) ClientPreEncrypt(data []byte) ([]byte, error) {
	out := make([]byte, 0, 2*len(data)+2*a.info.BufferSize)
	if len(data) > 0 && !a.hasSentHeader {
		headSize := GetHeadSize(data, 30)
		if headSize > len(data) {
			headSize = len(data)
		}
		out = append(out, a.packAuthData(data[:headSize])...)
		data = data[headSize:]
		a.hasSentHeader = true
	}
	for len(data) > authPackUnitSize {
		out = append(out, a.packData(data[:authPackUnitSize])...)
		data = data[authPackUnitSize:]
	}
	if len(data) > 0 {
		out = append(out, a.packData(data)...)
	}
	return out, nil
}

func (a *authSHA1V2) ClientPostDecrypt(data []byte) ([]byte, error) {
	if a.recvBuf.Len()+len(data) > authRecvCap {
		return nil, ErrRecvOverflow
	}
	a.recvBuf.Concat(data)

	var out []byte
	for a.recvBuf.Len() > 2 {
		rb := a.recvBuf.Bytes()
		length := int(rb[0])<<8 | int(rb[1])
		if length >= 8192 || length < 7 {
			a.recvBuf.Reset()
			return nil, ErrAuthFrameBroken
		}
		if length > a.recvBuf.Len() {
			break
		}
		if !checkAdler32(rb[:length]) {
			a.recvBuf.Reset()
			return nil, ErrAuthFrameBroken
		}
		pos := int(rb[2])
		if pos < 255 {
			pos += 2
		} else {
			pos = (int(rb[3])<<8 | int(rb[4])) + 2
		}
		dataSize := length - pos - 4
		out = append(out, rb[pos:pos+dataSize]...)
		a.recvBuf.Shift(length)
	}
	return out, nil
}

// =============================================================================
// auth_sha1_v4
// =============================================================================

type authSHA1V4 struct {
	authLegacyBase
}

func newAuthSHA1V4() Plugin {
	return &authSHA1V4{authLegacyBase: newAuthLegacyBase()}
}

func (a *authSHA1V4) Overhead() int { return 7 }

// packData 头部带 size 的 CRC16 防探测
func (a *authSHA1V4) packData(data []byte) []byte {
	randLen := legacyRandLen(a.global(), len(data)) + 1
	outSize := randLen + len(data) + 8
	out := make([]byte, outSize)
	out[0] = byte(outSize >> 8)
	out[1] = byte(outSize)
	crcVal := crc32.ChecksumIEEE(out[:2])
	out[2] = byte(crcVal)
	out[3] = byte(crcVal >> 8)
	a.randBytes(out[4 : randLen+4])
	if randLen < 128 {
		out[4] = byte(randLen)
	} else {
		out[4] = 0xFF
		out[5] = byte(randLen >> 8)
		out[6] = byte(randLen)
	}
	copy(out[randLen+4:], data)
	fillAdler32(out)
	return out
}

func (a *authSHA1V4) packAuthData(data []byte) []byte {
	g := a.global()
	randLen := legacyRandLen(g, len(data)) + 1
	dataOffset := randLen + 4 + 2
	outSize := dataOffset + len(data) + 12 + 10
	out := make([]byte, outSize)

	out[0] = byte(outSize >> 8)
	out[1] = byte(outSize)
	salt := []byte("auth_sha1_v4")
	crcSrc := make([]byte, 0, 2+len(salt)+len(a.info.Key))
	crcSrc = append(crcSrc, out[0], out[1])
	crcSrc = append(crcSrc, salt...)
	crcSrc = append(crcSrc, a.info.Key...)
	fillCRC32To(crcSrc, out[2:6])
	a.randBytes(out[6:dataOffset])
	if randLen < 128 {
		out[6] = byte(randLen)
	} else {
		out[6] = 0xFF
		out[7] = byte(randLen >> 8)
		out[8] = byte(randLen)
	}

	clientID, connID := g.nextConnection()
	binary.LittleEndian.PutUint32(out[dataOffset:], uint32(a.now().Unix()))
	copy(out[dataOffset+4:], clientID[0:4])
	binary.LittleEndian.PutUint32(out[dataOffset+8:], connID)
	copy(out[dataOffset+12:], data)

	hmacKey := append(append([]byte(nil), a.info.IV...), a.info.Key...)
	copy(out[outSize-10:], hmacSHA1(hmacKey, out[:outSize-10])[:10])
	return out
}

func (a *authSHA1V4) ClientPreEncrypt(data []byte) ([]byte, error) {
	out := make([]byte, 0, 2*len(data)+2*a.info.BufferSize)
	if len(data) > 0 && !a.hasSentHeader {
		headSize := GetHeadSize(data, 30)
		if headSize > len(data) {
			headSize = len(data)
		}
		out = append(out, a.packAuthData(data[:headSize])...)
		data = data[headSize:]
		a.hasSentHeader = true
	}
	for len(data) > authPackUnitSize {
		out = append(out, a.packData(data[:authPackUnitSize])...)
		data = data[authPackUnitSize:]
	}
	if len(data) > 0 {
		out = append(out, a.packData(data)...)
	}
	return out, nil
}

func (a *authSHA1V4) ClientPostDecrypt(data []byte) ([]byte, error) {
	if a.recvBuf.Len()+len(data) > authRecvCap {
		return nil, ErrRecvOverflow
	}
	a.recvBuf.Concat(data)

	var out []byte
	for a.recvBuf.Len() > 4 {
		rb := a.recvBuf.Bytes()
		crcVal := crc32.ChecksumIEEE(rb[:2])
		if uint32(rb[3])<<8|uint32(rb[2]) != crcVal&0xFFFF {
			a.recvBuf.Reset()
			return nil, ErrAuthFrameBroken
		}
		length := int(rb[0])<<8 | int(rb[1])
		if length >= 8192 || length < 7 {
			a.recvBuf.Reset()
			return nil, ErrAuthFrameBroken
		}
		if length > a.recvBuf.Len() {
			break
		}
		if !checkAdler32(rb[:length]) {
			a.recvBuf.Reset()
			return nil, ErrAuthFrameBroken
		}
		pos := int(rb[4])
		if pos < 255 {
			pos += 4
		} else {
			pos = (int(rb[5])<<8 | int(rb[6])) + 4
		}
		dataSize := length - pos - 4
		out = append(out, rb[pos:pos+dataSize]...)
		a.recvBuf.Shift(length)
	}
	return out, nil
}
