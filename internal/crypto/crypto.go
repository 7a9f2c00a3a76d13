// =============================================================================
// 文件: internal/crypto/crypto.go
// 描述: 对称流加密环境 - 口令派生密钥、每连接加解密上下文
//
//	方法表对齐 shadowsocks 命名 (table / rc4-md5 / aes-*-cfb / ...)
//
// =============================================================================
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/rc4"
	"errors"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/cast5"
	"golang.org/x/crypto/chacha20"
)

var (
	ErrUnknownMethod = errors.New("crypto: unknown cipher method")
	ErrShortIV       = errors.New("crypto: packet shorter than IV")
	ErrRepeatedIV    = errors.New("crypto: repeated IV")
)

// newStreamFunc 由 key/iv 构造一个方向的流
type newStreamFunc func(key, iv []byte, encrypt bool) (cipher.Stream, error)

// methodSpec 单个加密方法的参数
type methodSpec struct {
	keyLen    int
	ivLen     int
	newStream newStreamFunc // nil 表示非流式 (none / table)
}

// 方法表。none 与 table 不产生流上下文。
var methods = map[string]methodSpec{
	"none":  {keyLen: 16, ivLen: 0},
	"table": {keyLen: 16, ivLen: 0},

	"rc4-md5":       {keyLen: 16, ivLen: 16, newStream: newRC4MD5Stream},
	"aes-128-cfb":   {keyLen: 16, ivLen: 16, newStream: newAESCFBStream},
	"aes-192-cfb":   {keyLen: 24, ivLen: 16, newStream: newAESCFBStream},
	"aes-256-cfb":   {keyLen: 32, ivLen: 16, newStream: newAESCFBStream},
	"aes-128-ctr":   {keyLen: 16, ivLen: 16, newStream: newAESCTRStream},
	"aes-192-ctr":   {keyLen: 24, ivLen: 16, newStream: newAESCTRStream},
	"aes-256-ctr":   {keyLen: 32, ivLen: 16, newStream: newAESCTRStream},
	"bf-cfb":        {keyLen: 16, ivLen: 8, newStream: newBlowfishCFBStream},
	"cast5-cfb":     {keyLen: 16, ivLen: 8, newStream: newCast5CFBStream},
	"chacha20-ietf": {keyLen: 32, ivLen: 12, newStream: newChacha20IETFStream},
}

func newRC4MD5Stream(key, iv []byte, _ bool) (cipher.Stream, error) {
	h := md5.New()
	h.Write(key)
	h.Write(iv)
	return rc4.NewCipher(h.Sum(nil))
}

func newAESCFBStream(key, iv []byte, encrypt bool) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if encrypt {
		return cipher.NewCFBEncrypter(block, iv), nil
	}
	return cipher.NewCFBDecrypter(block, iv), nil
}

func newAESCTRStream(key, iv []byte, _ bool) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewCTR(block, iv), nil
}

func newBlowfishCFBStream(key, iv []byte, encrypt bool) (cipher.Stream, error) {
	block, err := blowfish.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if encrypt {
		return cipher.NewCFBEncrypter(block, iv), nil
	}
	return cipher.NewCFBDecrypter(block, iv), nil
}

func newCast5CFBStream(key, iv []byte, encrypt bool) (cipher.Stream, error) {
	block, err := cast5.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if encrypt {
		return cipher.NewCFBEncrypter(block, iv), nil
	}
	return cipher.NewCFBDecrypter(block, iv), nil
}

func newChacha20IETFStream(key, iv []byte, _ bool) (cipher.Stream, error) {
	return chacha20.NewUnauthenticatedCipher(key, iv)
}

// =============================================================================
// BytesToKey - shadowsocks 的 EVP_BytesToKey(md5) 密钥派生
// =============================================================================

// BytesToKey 由口令派生定长密钥
func BytesToKey(password []byte, keyLen int) []byte {
	var prev []byte
	key := make([]byte, 0, keyLen)
	for len(key) < keyLen {
		h := md5.New()
		h.Write(prev)
		h.Write(password)
		prev = h.Sum(nil)
		key = append(key, prev...)
	}
	return key[:keyLen]
}

// =============================================================================
// Env - 进程级加密环境
// =============================================================================

// Env 由口令 + 方法名初始化，所有隧道共享只读引用
type Env struct {
	method string
	spec   methodSpec
	key    []byte

	encTable []byte
	decTable []byte

	ivCache *ivCache
}

// NewEnv 创建加密环境
func NewEnv(password, method string) (*Env, error) {
	spec, ok := methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMethod, method)
	}
	e := &Env{
		method:  method,
		spec:    spec,
		key:     BytesToKey([]byte(password), spec.keyLen),
		ivCache: newIVCache(),
	}
	if method == "table" {
		e.encTable, e.decTable = buildTables([]byte(password))
	}
	return e, nil
}

// Method 返回方法名
func (e *Env) Method() string { return e.method }

// Key 返回派生密钥
func (e *Env) Key() []byte { return e.key }

// KeyLen 返回密钥长度
func (e *Env) KeyLen() int { return e.spec.keyLen }

// IVLen 返回 IV 长度
func (e *Env) IVLen() int { return e.spec.ivLen }

// IsStream 报告该方法是否强于 table (即需要每连接上下文)
func (e *Env) IsStream() bool { return e.spec.newStream != nil }

// buildTables 经典 table 方法的置换表
// 由 md5(password) 的低 64 位驱动 1023 轮稳定排序
func buildTables(password []byte) (enc, dec []byte) {
	sum := md5.Sum(password)
	var a uint64
	for i := 7; i >= 0; i-- {
		a = a<<8 | uint64(sum[i])
	}
	enc = make([]byte, 256)
	for i := range enc {
		enc[i] = byte(i)
	}
	for i := uint64(1); i < 1024; i++ {
		round := i
		sort.SliceStable(enc, func(x, y int) bool {
			return a%(uint64(enc[x])+round) < a%(uint64(enc[y])+round)
		})
	}
	dec = make([]byte, 256)
	for i, v := range enc {
		dec[v] = byte(i)
	}
	return enc, dec
}

// =============================================================================
// Ctx - 每连接单方向流上下文
// =============================================================================

// Ctx 单方向加解密上下文
// 加密方向在创建时即生成 IV (协议插件需要提前拿到它)，首包前置 IV；
// 解密方向从首包剥离对端 IV 并做重放检查。
type Ctx struct {
	env     *Env
	encrypt bool
	iv      []byte
	stream  cipher.Stream
	init    bool
}

// NewCtx 创建上下文。table/none 方法返回 nil。
func (e *Env) NewCtx(encrypt bool) (*Ctx, error) {
	if !e.IsStream() {
		return nil, nil
	}
	c := &Ctx{env: e, encrypt: encrypt}
	if encrypt {
		c.iv = make([]byte, e.spec.ivLen)
		if _, err := io.ReadFull(rand.Reader, c.iv); err != nil {
			return nil, err
		}
		stream, err := e.spec.newStream(e.key, c.iv, true)
		if err != nil {
			return nil, err
		}
		c.stream = stream
	}
	return c, nil
}

// IV 返回加密方向的本端 IV
func (c *Ctx) IV() []byte { return c.iv }

// Process 处理一段数据，返回新分配的输出 (不修改输入)
// 加密方向：首次调用输出 IV‖密文；解密方向：首次调用先消费 IV
func (c *Ctx) Process(data []byte) ([]byte, error) {
	if c.encrypt {
		if !c.init {
			c.init = true
			out := make([]byte, len(c.iv)+len(data))
			copy(out, c.iv)
			c.stream.XORKeyStream(out[len(c.iv):], data)
			return out, nil
		}
		out := make([]byte, len(data))
		c.stream.XORKeyStream(out, data)
		return out, nil
	}

	if !c.init {
		ivLen := c.env.spec.ivLen
		if len(data) < ivLen {
			return nil, ErrShortIV
		}
		c.iv = append([]byte(nil), data[:ivLen]...)
		if !c.env.ivCache.checkAndMark(c.iv) {
			return nil, ErrRepeatedIV
		}
		stream, err := c.env.spec.newStream(c.env.key, c.iv, false)
		if err != nil {
			return nil, err
		}
		c.stream = stream
		c.init = true
		data = data[ivLen:]
	}
	out := make([]byte, len(data))
	c.stream.XORKeyStream(out, data)
	return out, nil
}

// =============================================================================
// 无上下文路径 (none / table)
// =============================================================================

// Apply 处理 none/table 方法的数据 (无 IV、无状态)
func (e *Env) Apply(data []byte, encrypt bool) []byte {
	if e.method == "none" || e.encTable == nil {
		return data
	}
	table := e.encTable
	if !encrypt {
		table = e.decTable
	}
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = table[b]
	}
	return out
}
