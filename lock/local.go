package lock

import (
	"context"
	"sync"
	"time"
)

// LocalLock 进程内按键互斥锁（单实例模式）
//
// TTL 在本实现中不生效：进程内锁随 Unlock 或进程退出释放。
type LocalLock struct {
	mu    sync.Mutex
	locks map[string]*localEntry
}

type localEntry struct {
	ch   chan struct{} // 容量1的信号量
	refs int
}

// NewLocalLock 创建进程内锁
func NewLocalLock() *LocalLock {
	return &LocalLock{
		locks: make(map[string]*localEntry),
	}
}

func (l *LocalLock) entry(key string) *localEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[key]
	if !ok {
		e = &localEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *LocalLock) release(key string, e *localEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.refs--
	if e.refs <= 0 {
		delete(l.locks, key)
	}
}

// Lock 获取锁，阻塞直到成功或 ctx 取消
func (l *LocalLock) Lock(ctx context.Context, key string, ttl time.Duration) error {
	e := l.entry(key)

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.release(key, e)
		return ctx.Err()
	}
}

// TryLock 尝试获取锁，立即返回
func (l *LocalLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	e := l.entry(key)

	select {
	case e.ch <- struct{}{}:
		return true, nil
	default:
		l.release(key, e)
		return false, nil
	}
}

// Unlock 释放锁
func (l *LocalLock) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	e, ok := l.locks[key]
	l.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-e.ch:
	default:
	}
	l.release(key, e)
	return nil
}

// Close 关闭（无资源需要释放）
func (l *LocalLock) Close() error {
	return nil
}
