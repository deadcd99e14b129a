package lock

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config 锁配置
type Config struct {
	Type       string // local, redis, nop
	Prefix     string
	DefaultTTL time.Duration
	Redis      RedisConfig
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewLock 根据配置创建锁实例
func NewLock(config *Config) (DistributedLock, error) {
	switch config.Type {
	case "", "local":
		return NewLocalLock(), nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.DB,
			PoolSize: config.Redis.PoolSize,
		})
		return NewRedisLock(client, config.Prefix), nil

	case "nop":
		return NewNopLock(), nil

	default:
		return nil, fmt.Errorf("unsupported lock type: %s", config.Type)
	}
}
