// Package cache 提供 Redis 客户端封装，支持连接池、JSON 序列化与批量读取
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bwils19/quantscope/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// Config Redis 配置
type Config struct {
	Host        string
	Port        int
	Password    string
	DB          int
	MaxPoolSize int
}

// RedisCache Redis 缓存实例包装
type RedisCache struct {
	client *redis.Client
}

// New 创建 Redis 缓存实例并校验连通性
func New(cfg Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.MaxPoolSize,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info(context.Background(), "Redis connected successfully", "addr", client.Options().Addr)

	return &RedisCache{client: client}, nil
}

// NewWithClient 使用已有客户端创建缓存实例（测试用）
func NewWithClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Set 设置键值，value 会被 JSON 序列化
func (rc *RedisCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for key %s: %w", key, err)
	}
	if err := rc.client.Set(ctx, key, data, ttl).Err(); err != nil {
		logger.Error(ctx, "Redis Set failed", "key", key, "error", err)
		return err
	}
	return nil
}

// Get 获取键值并反序列化到 dest，键不存在时返回 redis.Nil
func (rc *RedisCache) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := rc.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.Error(ctx, "Redis Get failed", "key", key, "error", err)
		}
		return err
	}
	return json.Unmarshal(data, dest)
}

// MGet 批量获取原始值，键不存在的位置为 nil
func (rc *RedisCache) MGet(ctx context.Context, keys ...string) ([]interface{}, error) {
	vals, err := rc.client.MGet(ctx, keys...).Result()
	if err != nil {
		logger.Error(ctx, "Redis MGet failed", "keys", len(keys), "error", err)
		return nil, err
	}
	return vals, nil
}

// Delete 删除键
func (rc *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if err := rc.client.Del(ctx, keys...).Err(); err != nil {
		logger.Error(ctx, "Redis Del failed", "keys", len(keys), "error", err)
		return err
	}
	return nil
}

// Exists 判断键是否存在
func (rc *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := rc.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Close 关闭 Redis 连接
func (rc *RedisCache) Close() error {
	return rc.client.Close()
}

// GetClient 获取底层 Redis 客户端（用于高级操作）
func (rc *RedisCache) GetClient() *redis.Client {
	return rc.client
}
