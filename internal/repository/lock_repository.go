package repository

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// 决策锁的自动过期时间，防止进程崩溃后锁永久滞留。
const decisionLockTTL = 30 * time.Second

// LockRepository 定义了基于 Redis 的每文档决策锁。
// commit 与 discard 必须按文档串行化，不同文档互不影响。
type LockRepository interface {
	// AcquireDecisionLock 尝试获取文档的决策锁，返回是否成功。
	AcquireDecisionLock(ctx context.Context, documentID string) (bool, error)
	ReleaseDecisionLock(ctx context.Context, documentID string) error
}

type lockRepository struct {
	redisClient *redis.Client
}

// NewLockRepository 创建一个新的 LockRepository 实例。
func NewLockRepository(redisClient *redis.Client) LockRepository {
	return &lockRepository{redisClient: redisClient}
}

func (r *lockRepository) lockKey(documentID string) string {
	return "decision:lock:" + documentID
}

// AcquireDecisionLock 通过 SETNX 获取锁。
func (r *lockRepository) AcquireDecisionLock(ctx context.Context, documentID string) (bool, error) {
	return r.redisClient.SetNX(ctx, r.lockKey(documentID), 1, decisionLockTTL).Result()
}

// ReleaseDecisionLock 释放锁。
func (r *lockRepository) ReleaseDecisionLock(ctx context.Context, documentID string) error {
	return r.redisClient.Del(ctx, r.lockKey(documentID)).Err()
}
