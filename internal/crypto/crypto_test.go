// =============================================================================
// 文件: internal/crypto/crypto_test.go
// =============================================================================
package crypto

import (
	"bytes"
	"crypto/md5"
	"testing"
)

func TestBytesToKey(t *testing.T) {
	key := BytesToKey([]byte("barfoo!"), 32)
	if len(key) != 32 {
		t.Fatalf("密钥长度错误: %d", len(key))
	}
	// EVP_BytesToKey 首块即 md5(password)
	first := md5.Sum([]byte("barfoo!"))
	if !bytes.Equal(key[:16], first[:]) {
		t.Fatal("首块与 md5(password) 不一致")
	}
	// 确定性
	if !bytes.Equal(key, BytesToKey([]byte("barfoo!"), 32)) {
		t.Fatal("派生不可复现")
	}
}

func TestUnknownMethod(t *testing.T) {
	if _, err := NewEnv("pw", "rot13"); err == nil {
		t.Fatal("未知方法应报错")
	}
}

func TestStreamRoundTrip(t *testing.T) {
	streamMethods := []string{
		"rc4-md5",
		"aes-128-cfb", "aes-192-cfb", "aes-256-cfb",
		"aes-128-ctr", "aes-256-ctr",
		"bf-cfb", "cast5-cfb",
		"chacha20-ietf",
	}
	plaintext := []byte("The quick brown fox jumps over the lazy dog")

	for _, method := range streamMethods {
		t.Run(method, func(t *testing.T) {
			env, err := NewEnv("test-password", method)
			if err != nil {
				t.Fatalf("创建环境失败: %v", err)
			}
			if !env.IsStream() {
				t.Fatal("应为流式方法")
			}

			enc, err := env.NewCtx(true)
			if err != nil {
				t.Fatalf("创建加密上下文失败: %v", err)
			}
			dec, err := env.NewCtx(false)
			if err != nil {
				t.Fatalf("创建解密上下文失败: %v", err)
			}

			// 两段式加密，拼接后再两段式解密，验证流状态连续
			c1, _ := enc.Process(plaintext[:10])
			c2, _ := enc.Process(plaintext[10:])
			stream := append(append([]byte(nil), c1...), c2...)

			p1, err := dec.Process(stream[:env.IVLen()+5])
			if err != nil {
				t.Fatalf("解密失败: %v", err)
			}
			p2, err := dec.Process(stream[env.IVLen()+5:])
			if err != nil {
				t.Fatalf("解密失败: %v", err)
			}
			got := append(p1, p2...)
			if !bytes.Equal(got, plaintext) {
				t.Fatalf("往返不一致: %q", got)
			}
		})
	}
}

func TestRepeatedIVRejected(t *testing.T) {
	env, err := NewEnv("test-password", "aes-128-cfb")
	if err != nil {
		t.Fatalf("创建环境失败: %v", err)
	}
	enc, _ := env.NewCtx(true)
	ct, _ := enc.Process([]byte("payload"))

	dec1, _ := env.NewCtx(false)
	if _, err := dec1.Process(ct); err != nil {
		t.Fatalf("首次解密失败: %v", err)
	}

	// 同一 IV 再次出现应被拒绝
	dec2, _ := env.NewCtx(false)
	if _, err := dec2.Process(ct); err == nil {
		t.Fatal("重复 IV 应被拒绝")
	}
}

func TestShortIV(t *testing.T) {
	env, _ := NewEnv("pw", "aes-256-cfb")
	dec, _ := env.NewCtx(false)
	if _, err := dec.Process([]byte{1, 2, 3}); err == nil {
		t.Fatal("首包不足 IV 长度应报错")
	}
}

func TestTableCipher(t *testing.T) {
	env, err := NewEnv("table-password", "table")
	if err != nil {
		t.Fatalf("创建环境失败: %v", err)
	}
	if env.IsStream() {
		t.Fatal("table 不应是流式方法")
	}
	if ctx, _ := env.NewCtx(true); ctx != nil {
		t.Fatal("table 不应有流上下文")
	}

	plaintext := []byte{0, 1, 2, 127, 128, 254, 255}
	ct := env.Apply(plaintext, true)
	if bytes.Equal(ct, plaintext) {
		t.Fatal("置换表未生效")
	}
	if !bytes.Equal(env.Apply(ct, false), plaintext) {
		t.Fatal("置换表往返不一致")
	}
}

func TestNoneCipher(t *testing.T) {
	env, _ := NewEnv("", "none")
	data := []byte("as-is")
	if !bytes.Equal(env.Apply(data, true), data) {
		t.Fatal("none 应为恒等变换")
	}
}

func BenchmarkAES256CFBEncrypt(b *testing.B) {
	env, _ := NewEnv("bench", "aes-256-cfb")
	enc, _ := env.NewCtx(true)
	data := make([]byte, 2048)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = enc.Process(data)
	}
}
