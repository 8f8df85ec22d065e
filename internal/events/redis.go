package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig Redis连接配置
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Stream    string
	MaxLength int64
}

// RedisPublisher 把通话事件写入Redis Stream
type RedisPublisher struct {
	rdb *redis.Client
	cfg RedisConfig
}

// NewRedisPublisher 创建发布器并检查连通性
func NewRedisPublisher(ctx context.Context, cfg RedisConfig) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &RedisPublisher{rdb: rdb, cfg: cfg}, nil
}

// Publish 以XADD写入事件，流长度近似截断
func (p *RedisPublisher) Publish(ctx context.Context, event CallEvent) error {
	args := &redis.XAddArgs{
		Stream: p.cfg.Stream,
		Values: event.Values(),
	}
	if p.cfg.MaxLength > 0 {
		args.MaxLen = p.cfg.MaxLength
		args.Approx = true
	}

	if err := p.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd failed: %w", err)
	}
	return nil
}

// Ping 检查Redis是否可达
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Stream 事件流名称
func (p *RedisPublisher) Stream() string {
	return p.cfg.Stream
}

// RawClient 底层客户端
func (p *RedisPublisher) RawClient() *redis.Client {
	return p.rdb
}

// Close 关闭连接
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
