package lock

import (
	"context"
	"time"
)

// DistributedLock 交易对串行化锁接口
//
// 执行器用它包住「读取持仓 → 决策 → 下单」的临界区，key 为交易对。
// 单实例部署用 LocalLock，多实例部署用 RedisLock，NopLock 恢复完全无锁行为。
type DistributedLock interface {
	// Lock 获取锁，阻塞直到成功或超时
	Lock(ctx context.Context, key string, ttl time.Duration) error

	// TryLock 尝试获取锁，立即返回
	// 返回 true 表示成功获取锁，false 表示锁已被占用
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Unlock 释放锁
	Unlock(ctx context.Context, key string) error

	// Close 关闭连接
	Close() error
}

// NopLock 空实现（完全无锁）
type NopLock struct{}

func NewNopLock() *NopLock {
	return &NopLock{}
}

func (n *NopLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	return nil
}

func (n *NopLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (n *NopLock) Unlock(ctx context.Context, key string) error {
	return nil
}

func (n *NopLock) Close() error {
	return nil
}
