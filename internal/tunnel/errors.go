// =============================================================================
// 文件: internal/tunnel/errors.go
// 描述: 隧道错误分类 - 与指标标签一一对应
// =============================================================================
package tunnel

import (
	"errors"
	"io"
	"net"
)

var (
	// ErrInvalidPassword 加密阶段失败
	ErrInvalidPassword = errors.New("tunnel: invalid password")
	// ErrClientDecode 混淆解码失败
	ErrClientDecode = errors.New("tunnel: obfs client decode failed")
	// ErrClientPostDecrypt 协议解帧失败
	ErrClientPostDecrypt = errors.New("tunnel: protocol post decrypt failed")
	// ErrParse SOCKS5 解析失败
	ErrParse = errors.New("tunnel: socks5 parse error")
	// ErrResolveFailed 上游域名解析失败
	ErrResolveFailed = errors.New("tunnel: resolve failed")
	// ErrConnectFailed 上游连接失败
	ErrConnectFailed = errors.New("tunnel: connect failed")
	// ErrRuleViolation 目标被规则拒绝
	ErrRuleViolation = errors.New("tunnel: destination not allowed by ruleset")
)

// errKind 把错误折叠为指标用的类别名
func errKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidPassword):
		return "invalid_password"
	case errors.Is(err, ErrClientDecode):
		return "client_decode"
	case errors.Is(err, ErrClientPostDecrypt):
		return "client_post_decrypt"
	case errors.Is(err, ErrParse):
		return "parse_error"
	case errors.Is(err, ErrResolveFailed):
		return "resolve_failed"
	case errors.Is(err, ErrConnectFailed):
		return "connect_failed"
	case errors.Is(err, ErrRuleViolation):
		return "rule_violation"
	case errors.Is(err, io.EOF):
		return "eof"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	return "io_error"
}
