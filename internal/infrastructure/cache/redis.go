package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"auctionsystem/internal/config"

	"github.com/go-redis/redis/v8"
)

var RedisClient *redis.Client

// InitRedis 初始化 Redis 客户端
// 这里的 Redis 只承载分布式锁（出价防重、结账防重复开台），不做业务缓存
func InitRedis(cfg *config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("[Redis] 连接失败: %v", err)
	}

	RedisClient = client
	log.Println("[Redis] 连接成功，分布式锁就绪")
	return client
}
