package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// ============================================================================
// 分布式锁实现
// ============================================================================
//
// 【为什么需要分布式锁？】
//
// 场景：用户A在同一拍品上同时提交两次首次出价（网络抖动导致重复提交）
//
// 如果没有分布式锁：
//   goroutine1: 历史出价=0 -> 扣一张券 -> 余额=0   OK
//   goroutine2: 历史出价=0 -> 扣一张券 -> 一次首拍扣了两张券！
//
// 加了分布式锁：
//   goroutine1: 获取锁 -> 历史出价=0 -> 扣券 -> 创建出价 -> 释放锁
//   goroutine2: 获取锁失败，等待... -> 获取锁 -> 历史出价=1 -> 不再扣券
//
// 【Redis 分布式锁原理】
//
// 加锁：SET key value NX EX timeout
//   - NX: 只有 key 不存在时才设置（保证互斥）
//   - EX: 设置过期时间（防止死锁）
//   - value: 锁持有者标识（释放时验证，防止误删别人的锁）
//
// 释放锁：使用 Lua 脚本保证原子性
//   - 先检查 value 是否是自己的
//   - 再删除 key
//
// ============================================================================

var (
	ErrLockFailed  = errors.New("获取分布式锁失败")
	ErrLockExpired = errors.New("锁已过期")
)

// DistributedLock 分布式锁
type DistributedLock struct {
	client     *redis.Client
	key        string        // 锁的 key
	value      string        // 锁的 value（用于验证锁的持有者）
	expiration time.Duration // 锁的过期时间
}

// NewDistributedLock 创建分布式锁
func NewDistributedLock(client *redis.Client, key, value string, expiration time.Duration) *DistributedLock {
	return &DistributedLock{
		client:     client,
		key:        key,
		value:      value,
		expiration: expiration,
	}
}

// TryLock 尝试获取锁（非阻塞）
//
// 【关键点】使用 SetNX 命令，只有当 key 不存在时才能设置成功
// 这保证了同一时刻只有一个客户端能获取到锁
func (l *DistributedLock) TryLock(ctx context.Context) (bool, error) {
	// SET key value NX EX timeout
	// NX: 只有 key 不存在时才设置
	// EX: 设置过期时间，防止死锁（持有锁的进程崩溃时，锁会自动释放）
	success, err := l.client.SetNX(ctx, l.key, l.value, l.expiration).Result()
	if err != nil {
		return false, err
	}
	return success, nil
}

// Lock 阻塞式获取锁（带重试）
func (l *DistributedLock) Lock(ctx context.Context, retryInterval time.Duration, maxRetries int) error {
	for i := 0; i < maxRetries; i++ {
		success, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if success {
			return nil
		}
		// 等待一段时间后重试
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryInterval):
			// 继续重试
		}
	}
	return ErrLockFailed
}

// Unlock 释放锁
//
// 【关键点】使用 Lua 脚本保证"检查+删除"操作的原子性
//
// 为什么要检查 value？
//
//	场景：A 获取锁 -> A 处理超时，锁自动过期 -> B 获取锁 -> A 执行完毕，调用 Unlock
//	如果不检查 value，A 会把 B 的锁删掉！
//
//	使用 value 验证后：
//	A 的 Unlock 发现 value 不是自己的，不会删除，B 的锁安全
func (l *DistributedLock) Unlock(ctx context.Context) error {
	// Lua 脚本：检查 value 是否匹配，匹配则删除
	// 使用 Lua 脚本保证原子性，避免"检查-删除"之间的并发问题
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	_, err := l.client.Eval(ctx, script, []string{l.key}, l.value).Result()
	return err
}

// ============================================================================
// 便捷函数：业务维度的锁
// ============================================================================

// NewBidLock 创建出价锁（按 用户+拍品 维度）
//
// 【设计思考】为什么按 用户+拍品 加锁？
//
// 方案1：按拍品加锁（同一拍品所有出价串行）
//   - 优点：实现简单
//   - 缺点：并发度极低，热门拍品的所有用户互相排队
//
// 方案2：按 用户+拍品 加锁  <-- 我们的选择
//   - 优点：不同用户可以并发出价
//   - 缺点：同一用户在同一拍品上不能并发（这正是扣券判定需要的！）
func NewBidLock(client *redis.Client, userID, lotID int64) *DistributedLock {
	key := fmt.Sprintf("auction:lock:bid:%d:%d", userID, lotID)
	value := fmt.Sprintf("%d-%d", time.Now().UnixNano(), userID)
	return NewDistributedLock(client, key, value, 30*time.Second)
}

// NewCheckoutLock 创建结账锁（按支付单维度）
// 防止同一支付单被并发发起结账，在网关侧开出多个收银台
func NewCheckoutLock(client *redis.Client, txNo string) *DistributedLock {
	key := "auction:lock:checkout:" + txNo
	value := fmt.Sprintf("%d", time.Now().UnixNano())
	return NewDistributedLock(client, key, value, 30*time.Second)
}
