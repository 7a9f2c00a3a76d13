// =============================================================================
// 文件: internal/protocol/http_simple.go
// 描述: http_simple 混淆 - 首包伪装成 HTTP GET 请求，头部字节百分号编码进 URL
//
//	入站剥离一次 HTTP 响应头后透传
//
// =============================================================================
package protocol

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/mrcgq/ssrlocal/internal/buffer"
)

const httpSimpleRecvCap = 8192

var httpUserAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; WOW64; rv:115.0) Gecko/20100101 Firefox/115.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
}

type httpSimple struct {
	info *ServerInfo

	hasSentHeader bool
	hasRecvHeader bool
	recvBuf       *buffer.Buffer

	rng *Shift128
}

func newHTTPSimple() Plugin {
	return &httpSimple{
		recvBuf: buffer.New(httpSimpleRecvCap),
		rng:     NewShift128(),
	}
}

func (h *httpSimple) SetServerInfo(info *ServerInfo) { h.info = info }

func (h *httpSimple) Overhead() int { return 0 }

func (h *httpSimple) Dispose() { h.recvBuf.Reset() }

// hosts 从 obfs 参数取伪装主机列表 (逗号分隔)，为空用服务端地址
func (h *httpSimple) hosts() []string {
	if h.info.Param != "" {
		return strings.Split(h.info.Param, ",")
	}
	return []string{h.info.Host}
}

func percentEncode(data []byte) string {
	var sb strings.Builder
	for _, b := range data {
		fmt.Fprintf(&sb, "%%%02x", b)
	}
	return sb.String()
}

// ClientEncode 首包包裹伪 HTTP 请求，之后透传
func (h *httpSimple) ClientEncode(data []byte) ([]byte, error) {
	if h.hasSentHeader {
		return data, nil
	}
	if len(data) == 0 {
		return data, nil
	}

	headSize := len(h.info.IV) + h.info.HeadLen
	headLen := len(data)
	if headLen-headSize > 64 {
		headLen = headSize + int(h.rng.Next()&0x3F)
	}
	if headLen > len(data) {
		headLen = len(data)
	}
	headData := data[:headLen]
	body := data[headLen:]

	hosts := h.hosts()
	host := strings.TrimSpace(hosts[h.rng.Next()%uint64(len(hosts))])
	hostPort := host
	if h.info.Port != 80 {
		hostPort = fmt.Sprintf("%s:%d", host, h.info.Port)
	}
	ua := httpUserAgents[h.rng.Next()%uint64(len(httpUserAgents))]

	var sb strings.Builder
	sb.WriteString("GET /")
	sb.WriteString(percentEncode(headData))
	sb.WriteString(" HTTP/1.1\r\n")
	sb.WriteString("Host: " + hostPort + "\r\n")
	sb.WriteString("User-Agent: " + ua + "\r\n")
	sb.WriteString("Accept: text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8\r\n")
	sb.WriteString("Accept-Language: en-US,en;q=0.8\r\n")
	sb.WriteString("Accept-Encoding: gzip, deflate\r\n")
	sb.WriteString("DNT: 1\r\n")
	sb.WriteString("Connection: keep-alive\r\n")
	sb.WriteString("\r\n")

	out := make([]byte, 0, sb.Len()+len(body))
	out = append(out, sb.String()...)
	out = append(out, body...)
	h.hasSentHeader = true
	return out, nil
}

// ClientDecode 剥离一次响应头 (到 \r\n\r\n)，之后透传
func (h *httpSimple) ClientDecode(data []byte) ([]byte, bool, error) {
	if h.hasRecvHeader {
		return data, false, nil
	}
	if h.recvBuf.Len()+len(data) > httpSimpleRecvCap {
		return nil, false, ErrObfsDecodeBroken
	}
	h.recvBuf.Concat(data)

	rb := h.recvBuf.Bytes()
	pos := bytes.Index(rb, []byte("\r\n\r\n"))
	if pos < 0 {
		return nil, false, nil
	}
	out := append([]byte(nil), rb[pos+4:]...)
	h.recvBuf.Reset()
	h.hasRecvHeader = true
	return out, false, nil
}
