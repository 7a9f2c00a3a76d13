// =============================================================================
// 文件: internal/tunnel/cipher.go
// 描述: 每隧道加密流水线 - 协议 → 流加密 → 混淆 (出站)，入站逆序
//
//	持有协议/混淆插件实例与加解密上下文
//
// =============================================================================
package tunnel

import (
	"fmt"

	"github.com/mrcgq/ssrlocal/internal/crypto"
	"github.com/mrcgq/ssrlocal/internal/protocol"
)

// Cipher 每隧道的三级流水线
type Cipher struct {
	env *Env

	protoPlugin protocol.Plugin
	obfsPlugin  protocol.Plugin

	encCtx *crypto.Ctx
	decCtx *crypto.Ctx
}

// newTunnelCipher 创建流水线并给插件实例填充 ServerInfo
// head_len 从首包的 shadowsocks 地址头推出 (最多检视 30 字节)
func newTunnelCipher(env *Env, initPkg []byte) (*Cipher, error) {
	tc := &Cipher{env: env}
	cfg := env.cfg

	if env.cipher.IsStream() {
		encCtx, err := env.cipher.NewCtx(true)
		if err != nil {
			return nil, fmt.Errorf("tunnel: enc ctx: %w", err)
		}
		decCtx, err := env.cipher.NewCtx(false)
		if err != nil {
			return nil, fmt.Errorf("tunnel: dec ctx: %w", err)
		}
		tc.encCtx, tc.decCtx = encCtx, decCtx
	}

	base := protocol.ServerInfo{
		Host:       cfg.RemoteHost,
		Port:       uint16(cfg.RemotePort),
		IV:         tc.encIV(),
		Key:        env.cipher.Key(),
		TCPMss:     1452,
		BufferSize: SSRBuffSize,
		HeadLen:    protocol.GetHeadSize(initPkg, 30),
	}

	var obfsOverhead int
	if env.obfsFactory != nil {
		tc.obfsPlugin = env.obfsFactory.New()
		info := base
		info.Param = cfg.ObfsParam
		info.GData = env.obfsGlobal
		tc.obfsPlugin.SetServerInfo(&info)
		obfsOverhead = tc.obfsPlugin.Overhead()
	}

	if env.protocolFactory != nil {
		tc.protoPlugin = env.protocolFactory.New()
		info := base
		info.Param = cfg.ProtocolParam
		info.GData = env.protocolGlobal
		info.Overhead = tc.protoPlugin.Overhead() + obfsOverhead
		tc.protoPlugin.SetServerInfo(&info)
	}

	return tc, nil
}

func (tc *Cipher) encIV() []byte {
	if tc.encCtx != nil {
		return tc.encCtx.IV()
	}
	return nil
}

// Encrypt 出站: 协议分帧 → 流加密 → 混淆编码
func (tc *Cipher) Encrypt(data []byte) ([]byte, error) {
	if pe, ok := tc.protoPlugin.(protocol.PreEncrypter); ok {
		out, err := pe.ClientPreEncrypt(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPassword, err)
		}
		data = out
	}

	if tc.encCtx != nil {
		out, err := tc.encCtx.Process(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPassword, err)
		}
		data = out
	} else {
		data = tc.env.cipher.Apply(data, true)
	}

	if enc, ok := tc.obfsPlugin.(protocol.Encoder); ok {
		out, err := enc.ClientEncode(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPassword, err)
		}
		data = out
	}
	return data, nil
}

// Decrypt 入站: 混淆解码 → 流解密 → 协议解帧
// feedback 非空时需要原样写回上游
func (tc *Cipher) Decrypt(data []byte) (out, feedback []byte, err error) {
	if dec, ok := tc.obfsPlugin.(protocol.Decoder); ok {
		decoded, needSendback, derr := dec.ClientDecode(data)
		if derr != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrClientDecode, derr)
		}
		data = decoded
		if needSendback {
			if enc, ok := tc.obfsPlugin.(protocol.Encoder); ok {
				feedback, derr = enc.ClientEncode(nil)
				if derr != nil {
					return nil, nil, fmt.Errorf("%w: %v", ErrClientDecode, derr)
				}
			}
		}
	}

	if len(data) > 0 {
		if tc.decCtx != nil {
			plain, derr := tc.decCtx.Process(data)
			if derr != nil {
				return nil, feedback, fmt.Errorf("%w: %v", ErrInvalidPassword, derr)
			}
			data = plain
		} else {
			data = tc.env.cipher.Apply(data, false)
		}
	}

	if pd, ok := tc.protoPlugin.(protocol.PostDecrypter); ok {
		plain, derr := pd.ClientPostDecrypt(data)
		if derr != nil {
			return nil, feedback, fmt.Errorf("%w: %v", ErrClientPostDecrypt, derr)
		}
		data = plain
	}
	return data, feedback, nil
}

// Release 释放插件实例
func (tc *Cipher) Release() {
	if tc.protoPlugin != nil {
		tc.protoPlugin.Dispose()
		tc.protoPlugin = nil
	}
	if tc.obfsPlugin != nil {
		tc.obfsPlugin.Dispose()
		tc.obfsPlugin = nil
	}
}
