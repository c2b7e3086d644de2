package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// 队列键后缀
const (
	QueueRiskMonitoring = "risk_monitoring"

	pendingSuffix    = ":pending"
	processingSuffix = ":processing"
	queuedSuffix     = ":queued"
)

// QueueItem 队列中的一个持仓评估任务
type QueueItem struct {
	ID         string    `json:"id"`
	PositionID int64     `json:"position_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	raw string
}

// QueueService 可靠队列：pending 列表 + processing 列表 + 去重集合
//
// Claim 用 LMOVE 把任务原子地移入 processing，Ack 后才删除；
// 进程崩溃后残留在 processing 中的任务由 Recover 放回 pending，语义为至少一次。
type QueueService struct {
	client    *redis.Client
	keyPrefix string
	queue     string
	now       func() time.Time
	newID     func() string
}

// NewQueueService 创建新的队列服务
func NewQueueService(client *redis.Client, keyPrefix, queue string) *QueueService {
	return &QueueService{
		client:    client,
		keyPrefix: keyPrefix,
		queue:     queue,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

func (q *QueueService) pendingKey() string {
	return q.keyPrefix + q.queue + pendingSuffix
}

func (q *QueueService) processingKey() string {
	return q.keyPrefix + q.queue + processingSuffix
}

func (q *QueueService) queuedKey() string {
	return q.keyPrefix + q.queue + queuedSuffix
}

// Enqueue 将持仓加入队列，已在队列中(未确认)的持仓不重复加入
func (q *QueueService) Enqueue(ctx context.Context, positionID int64) (bool, error) {
	member := strconv.FormatInt(positionID, 10)
	added, err := q.client.SAdd(ctx, q.queuedKey(), member).Result()
	if err != nil {
		return false, fmt.Errorf("写入去重集合失败: %w", err)
	}
	if added == 0 {
		return false, nil
	}

	item := QueueItem{ID: q.newID(), PositionID: positionID, EnqueuedAt: q.now().UTC()}
	data, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("序列化任务失败: %w", err)
	}

	if err := q.client.LPush(ctx, q.pendingKey(), string(data)).Err(); err != nil {
		// 回滚去重标记，下次周期可以重新入队
		q.client.SRem(ctx, q.queuedKey(), member)
		return false, fmt.Errorf("任务入队失败: %w", err)
	}
	return true, nil
}

// Claim 取出最早的任务并移入 processing，队列为空时返回 nil
func (q *QueueService) Claim(ctx context.Context) (*QueueItem, error) {
	raw, err := q.client.LMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("领取任务失败: %w", err)
	}

	var item QueueItem
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		// 无法解析的任务直接丢弃，避免反复阻塞队列
		q.client.LRem(ctx, q.processingKey(), 1, raw)
		return nil, fmt.Errorf("解析任务失败: %w", err)
	}
	item.raw = raw
	return &item, nil
}

// Ack 确认任务处理完成
func (q *QueueService) Ack(ctx context.Context, item *QueueItem) error {
	if err := q.client.LRem(ctx, q.processingKey(), 1, item.raw).Err(); err != nil {
		return fmt.Errorf("确认任务失败: %w", err)
	}
	if err := q.client.SRem(ctx, q.queuedKey(), strconv.FormatInt(item.PositionID, 10)).Err(); err != nil {
		return fmt.Errorf("清除去重标记失败: %w", err)
	}
	return nil
}

// Recover 把 processing 中残留的任务放回 pending 的出队端
func (q *QueueService) Recover(ctx context.Context) (int, error) {
	recovered := 0
	for {
		_, err := q.client.LMove(ctx, q.processingKey(), q.pendingKey(), "RIGHT", "RIGHT").Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return recovered, nil
			}
			return recovered, fmt.Errorf("恢复任务失败: %w", err)
		}
		recovered++
	}
}

// GetQueueLength 待处理任务数
func (q *QueueService) GetQueueLength(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pendingKey()).Result()
}

// GetInFlightLength 处理中任务数
func (q *QueueService) GetInFlightLength(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.processingKey()).Result()
}

// QueueDepth 队列积压情况
type QueueDepth struct {
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
}

// Depth 同时读取待处理和处理中的任务数
func (q *QueueService) Depth(ctx context.Context) (QueueDepth, error) {
	pending, err := q.GetQueueLength(ctx)
	if err != nil {
		return QueueDepth{}, fmt.Errorf("读取待处理任务数失败: %w", err)
	}
	inFlight, err := q.GetInFlightLength(ctx)
	if err != nil {
		return QueueDepth{}, fmt.Errorf("读取处理中任务数失败: %w", err)
	}
	return QueueDepth{Pending: pending, InFlight: inFlight}, nil
}

// ClearQueue 清空队列，包括处理中的任务和去重集合
func (q *QueueService) ClearQueue(ctx context.Context) error {
	return q.client.Del(ctx, q.pendingKey(), q.processingKey(), q.queuedKey()).Err()
}
