// Package redis 报价缓存读模型：带 TTL 的 per-ticker 最新报价
package redis

import (
	"context"
	"errors"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/bwils19/quantscope/internal/marketdata/domain"
	"github.com/bwils19/quantscope/pkg/cache"
)

const lockShards = 64

// PriceCache 基于 Redis 的报价缓存读模型。
// 同一 ticker 的并发 upsert 通过分片锁串行化，避免两个批处理
// worker 同时解析同一 ticker 时的丢失更新。
type PriceCache struct {
	cache  *cache.RedisCache
	prefix string
	ttl    time.Duration
	locks  [lockShards]sync.Mutex
}

// NewPriceCache 创建报价缓存。ttl 为 redis 条目的保留时长
// （staleness 判定由领域策略负责，与条目过期无关）。
func NewPriceCache(c *cache.RedisCache, ttl time.Duration) *PriceCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &PriceCache{
		cache:  c,
		prefix: "marketdata:quote:",
		ttl:    ttl,
	}
}

func (p *PriceCache) key(ticker string) string {
	return p.prefix + ticker
}

func (p *PriceCache) shard(ticker string) *sync.Mutex {
	var h uint32
	for i := 0; i < len(ticker); i++ {
		h = h*31 + uint32(ticker[i])
	}
	return &p.locks[h%lockShards]
}

// Get 返回缓存报价，不存在时返回 (nil, nil)
func (p *PriceCache) Get(ctx context.Context, ticker string) (*domain.Quote, error) {
	var quote domain.Quote
	err := p.cache.Get(ctx, p.key(ticker), &quote)
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return &quote, nil
}

// GetBatch 批量读取缓存报价，缺失的 ticker 不出现在结果中
func (p *PriceCache) GetBatch(ctx context.Context, tickers []string) (map[string]*domain.Quote, error) {
	if len(tickers) == 0 {
		return map[string]*domain.Quote{}, nil
	}
	keys := make([]string, len(tickers))
	for i, t := range tickers {
		keys[i] = p.key(t)
	}
	vals, err := p.cache.MGet(ctx, keys...)
	if err != nil {
		return nil, err
	}

	result := make(map[string]*domain.Quote, len(tickers))
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		var quote domain.Quote
		if err := jsonUnmarshal(s, &quote); err != nil {
			// 损坏的条目当作 miss 处理，下次 upsert 覆盖
			continue
		}
		result[tickers[i]] = &quote
	}
	return result, nil
}

// Upsert 整条写入报价，同一 ticker 的写入串行化
func (p *PriceCache) Upsert(ctx context.Context, quote *domain.Quote) error {
	if quote == nil {
		return nil
	}
	mu := p.shard(quote.Ticker)
	mu.Lock()
	defer mu.Unlock()
	return p.cache.Set(ctx, p.key(quote.Ticker), quote, p.ttl)
}
