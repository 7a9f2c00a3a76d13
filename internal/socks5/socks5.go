// internal/socks5/socks5.go
// SOCKS5 协议常量与流式解析器 - RFC 1928
// 解析器接受任意分片边界的输入，由隧道状态机驱动

package socks5

import (
	"errors"
)

// ============================================
// SOCKS5 协议常量
// ============================================

const (
	Version5 = 0x05

	// 认证方法
	AuthNone     = 0x00
	AuthGSSAPI   = 0x01
	AuthPassword = 0x02
	AuthNoAccept = 0xFF

	// 命令类型
	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03

	// 地址类型
	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04

	// 回复状态
	RepSuccess              = 0x00
	RepGeneralFailure       = 0x01
	RepConnectionNotAllowed = 0x02
	RepNetworkUnreachable   = 0x03
	RepHostUnreachable      = 0x04
	RepConnectionRefused    = 0x05
	RepTTLExpired           = 0x06
	RepCommandNotSupported  = 0x07
	RepAddressNotSupported  = 0x08
)

// ============================================
// 解析结果
// ============================================

// Status 解析器单次推进的结果
type Status int

const (
	// StatusNeedMore 数据不足，继续读
	StatusNeedMore Status = iota
	// StatusAuthSelect 方法协商报文完整
	StatusAuthSelect
	// StatusExecCmd 请求报文完整
	StatusExecCmd
)

var (
	ErrBadVersion  = errors.New("socks5: bad protocol version")
	ErrBadCommand  = errors.New("socks5: bad command")
	ErrBadAtyp     = errors.New("socks5: bad address type")
	ErrNoMethods   = errors.New("socks5: empty method list")
	ErrJunkData    = errors.New("socks5: junk after message")
	ErrParserState = errors.New("socks5: parser already finished")
)

// ============================================
// 流式解析器
// ============================================

type parserState int

const (
	stVersion parserState = iota
	stNMethods
	stMethods
	stReqVersion
	stReqCmd
	stReqRsv
	stReqAtyp
	stReqDaddrLen
	stReqDaddr
	stReqDportHi
	stReqDportLo
	stDone
)

// Parser SOCKS5 流式解析器
// 每字节推进一个显式状态机，不做递归，不假设报文边界
type Parser struct {
	state parserState

	methods  []byte
	nmethods int

	Cmd   byte
	Atyp  byte
	Daddr []byte // ipv4: 4B, ipv6: 16B, 域名: 原始字节 (≤255)
	Dport uint16

	addrLen int
	addrIdx int
}

// NewParser 创建解析器，从方法协商阶段开始
func NewParser() *Parser {
	return &Parser{state: stVersion}
}

// Parse 消费输入，返回状态与已消费的字节数
// StatusNeedMore 时必然消费了全部输入
func (p *Parser) Parse(data []byte) (Status, int, error) {
	for i, c := range data {
		switch p.state {
		case stVersion:
			if c != Version5 {
				return StatusNeedMore, i, ErrBadVersion
			}
			p.state = stNMethods

		case stNMethods:
			if c == 0 {
				return StatusNeedMore, i, ErrNoMethods
			}
			p.nmethods = int(c)
			p.methods = make([]byte, 0, p.nmethods)
			p.state = stMethods

		case stMethods:
			p.methods = append(p.methods, c)
			if len(p.methods) == p.nmethods {
				p.state = stReqVersion
				return StatusAuthSelect, i + 1, nil
			}

		case stReqVersion:
			if c != Version5 {
				return StatusNeedMore, i, ErrBadVersion
			}
			p.state = stReqCmd

		case stReqCmd:
			if c != CmdConnect && c != CmdBind && c != CmdUDPAssociate {
				return StatusNeedMore, i, ErrBadCommand
			}
			p.Cmd = c
			p.state = stReqRsv

		case stReqRsv:
			p.state = stReqAtyp

		case stReqAtyp:
			p.Atyp = c
			switch c {
			case AtypIPv4:
				p.addrLen = 4
				p.Daddr = make([]byte, 0, 4)
				p.state = stReqDaddr
			case AtypIPv6:
				p.addrLen = 16
				p.Daddr = make([]byte, 0, 16)
				p.state = stReqDaddr
			case AtypDomain:
				p.state = stReqDaddrLen
			default:
				return StatusNeedMore, i, ErrBadAtyp
			}

		case stReqDaddrLen:
			if c == 0 {
				return StatusNeedMore, i, ErrBadAtyp
			}
			p.addrLen = int(c)
			p.Daddr = make([]byte, 0, p.addrLen)
			p.state = stReqDaddr

		case stReqDaddr:
			p.Daddr = append(p.Daddr, c)
			if len(p.Daddr) == p.addrLen {
				p.state = stReqDportHi
			}

		case stReqDportHi:
			p.Dport = uint16(c) << 8
			p.state = stReqDportLo

		case stReqDportLo:
			p.Dport |= uint16(c)
			p.state = stDone
			return StatusExecCmd, i + 1, nil

		case stDone:
			return StatusNeedMore, i, ErrParserState
		}
	}
	return StatusNeedMore, len(data), nil
}

// HasAuthMethod 协商阶段后检查客户端是否提供了某方法
func (p *Parser) HasAuthMethod(m byte) bool {
	for _, v := range p.methods {
		if v == m {
			return true
		}
	}
	return false
}
