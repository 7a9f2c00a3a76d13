// =============================================================================
// 文件: internal/crypto/ivcache.go
// 描述: IV 重放缓存 - 布隆过滤器时间片轮转
//
//	重复出现的对端 IV 视为重放，连接被丢弃
//
// =============================================================================
package crypto

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	// 布隆过滤器参数
	ivBloomExpectedItems = 100000
	ivBloomFalsePositive = 0.0001

	// 时间片配置
	ivSliceDuration = 60 * time.Second
	ivMaxSlices     = 6
)

// ivCache 防 IV 重放
// 按时间片轮转一组布隆过滤器，老化掉历史 IV 而不无限增长
type ivCache struct {
	slices     [ivMaxSlices]*bloom.BloomFilter
	currentIdx int
	lastRotate time.Time
	mu         sync.Mutex
}

func newIVCache() *ivCache {
	c := &ivCache{lastRotate: time.Now()}
	for i := range c.slices {
		c.slices[i] = bloom.NewWithEstimates(ivBloomExpectedItems, ivBloomFalsePositive)
	}
	return c
}

// checkAndMark 返回 true 表示新 IV，false 表示疑似重放
// 空 IV (无 IV 方法) 恒为新
func (c *ivCache) checkAndMark(iv []byte) bool {
	if len(iv) == 0 {
		return true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.maybeRotate()

	for _, s := range c.slices {
		if s.Test(iv) {
			return false
		}
	}
	c.slices[c.currentIdx].Add(iv)
	return true
}

// maybeRotate 惰性轮转：超过时间片长度则换下一个槽并清空最老的
func (c *ivCache) maybeRotate() {
	now := time.Now()
	for now.Sub(c.lastRotate) >= ivSliceDuration {
		c.lastRotate = c.lastRotate.Add(ivSliceDuration)
		c.currentIdx = (c.currentIdx + 1) % ivMaxSlices
		c.slices[c.currentIdx] = bloom.NewWithEstimates(ivBloomExpectedItems, ivBloomFalsePositive)
	}
}
