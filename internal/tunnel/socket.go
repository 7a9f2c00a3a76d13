// =============================================================================
// 文件: internal/tunnel/socket.go
// 描述: 套接字上下文 - 空闲超时贴在每次读写上，写侧互斥保证单飞
// =============================================================================
package tunnel

import (
	"net"
	"sync"
	"time"
)

// SSRBuffSize 单次读取与各级流水线的基准缓冲大小
const SSRBuffSize = 2048

// socketCtx 隧道一侧的套接字
// 每次成功读/写都会重置空闲期限；写操作经互斥串行，
// 保证初始包、回写与数据的上线顺序
type socketCtx struct {
	conn        net.Conn
	idleTimeout time.Duration

	wmu sync.Mutex
	buf [SSRBuffSize]byte

	closeOnce sync.Once
}

func newSocketCtx(conn net.Conn, idleTimeout time.Duration) *socketCtx {
	return &socketCtx{conn: conn, idleTimeout: idleTimeout}
}

// read 读取一个分片，返回的切片只在下次 read 前有效
func (c *socketCtx) read() ([]byte, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.idleTimeout)); err != nil {
		return nil, err
	}
	n, err := c.conn.Read(c.buf[:])
	if err != nil {
		return nil, err
	}
	return c.buf[:n], nil
}

// write 完整写出
func (c *socketCtx) write(p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.idleTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(p)
	return err
}

// close 幂等关闭
func (c *socketCtx) close() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}
