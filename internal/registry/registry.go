// ============================================================================
// Beaver-Sched Registry - Redis 成員心跳
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: broker 與 worker 透過 Redis ZSET 定期心跳，分數為最後心跳時間
//       （Unix 毫秒），超過 TTL 未更新即視為離線
//
// 鍵值配置（prefix 預設 "beaver"）:
//
//	<prefix>:brokers        ZSET  member=host:port    score=last heartbeat
//	<prefix>:workers        ZSET  member=workerId     score=last heartbeat
//	<prefix>:worker:<id>    STRING JSON(types.Worker)，TTL = 2 x ttl
//
// 讀取端只看分數，過期的 member 由下一次心跳順便清除。
//
// ============================================================================

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ChuLiYu/beaver-sched/internal/logging"
	"github.com/ChuLiYu/beaver-sched/internal/slot"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// Config Redis 連線與心跳設定
type Config struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"` // 超過此時間未心跳視為離線
}

// NewClient 建立 Redis 客戶端並測試連線
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Registry 基於 Redis 的成員登記
type Registry struct {
	client *redis.Client
	clock  clockwork.Clock
	prefix string
	ttl    time.Duration
	log    *zap.SugaredLogger
}

// New 建立 Registry
func New(client *redis.Client, cfg Config, clock clockwork.Clock, logger *zap.Logger) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "beaver"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 15 * time.Second
	}
	return &Registry{
		client: client,
		clock:  clock,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		log:    logging.OrNop(logger).Named("registry").Sugar(),
	}
}

func (r *Registry) brokersKey() string         { return r.prefix + ":brokers" }
func (r *Registry) workersKey() string         { return r.prefix + ":workers" }
func (r *Registry) workerKey(id string) string { return r.prefix + ":worker:" + id }

// cutoff 回傳仍視為存活的最小分數
func (r *Registry) cutoff() int64 {
	return r.clock.Now().Add(-r.ttl).UnixMilli()
}

// ============================================================================
// Broker
// ============================================================================

// HeartbeatBroker 更新 broker 心跳並清除過期 broker
func (r *Registry) HeartbeatBroker(ctx context.Context, self types.Node) error {
	now := r.clock.Now().UnixMilli()
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, r.brokersKey(), redis.Z{Score: float64(now), Member: self.String()})
	pipe.ZRemRangeByScore(ctx, r.brokersKey(), "-inf", "("+strconv.FormatInt(r.cutoff(), 10))
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveBroker 正常關閉時移除自己，讓其他 broker 立即接手 slot
func (r *Registry) RemoveBroker(ctx context.Context, self types.Node) error {
	return r.client.ZRem(ctx, r.brokersKey(), self.String()).Err()
}

// AliveBrokers 回傳存活 broker，依 (host, port) 排序
func (r *Registry) AliveBrokers(ctx context.Context) ([]types.Node, error) {
	members, err := r.client.ZRangeByScore(ctx, r.brokersKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(r.cutoff(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	nodes := make([]types.Node, 0, len(members))
	for _, m := range members {
		n, err := ParseNode(m)
		if err != nil {
			r.log.Warnw("skipping malformed broker member", "member", m, "error", err)
			continue
		}
		nodes = append(nodes, n)
	}
	return slot.Sorted(nodes), nil
}

// ParseNode 解析 host:port
func ParseNode(s string) (types.Node, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return types.Node{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return types.Node{}, fmt.Errorf("invalid port in %q: %w", s, err)
	}
	return types.Node{Host: host, Port: port}, nil
}

// ============================================================================
// Worker
// ============================================================================

// HeartbeatWorker 登記或更新 worker
func (r *Registry) HeartbeatWorker(ctx context.Context, w types.Worker) error {
	if w.ID == "" {
		return errors.New("worker id is required")
	}
	data, err := json.Marshal(w)
	if err != nil {
		return err
	}

	now := r.clock.Now().UnixMilli()
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.workerKey(w.ID), data, 2*r.ttl)
	pipe.ZAdd(ctx, r.workersKey(), redis.Z{Score: float64(now), Member: w.ID})
	pipe.ZRemRangeByScore(ctx, r.workersKey(), "-inf", "("+strconv.FormatInt(r.cutoff(), 10))
	_, err = pipe.Exec(ctx)
	return err
}

// RemoveWorker 移除 worker
func (r *Registry) RemoveWorker(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.workersKey(), id)
	pipe.Del(ctx, r.workerKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// IsAlive worker 是否在 TTL 內心跳過
func (r *Registry) IsAlive(ctx context.Context, id string) (bool, error) {
	score, err := r.client.ZScore(ctx, r.workersKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return int64(score) >= r.cutoff(), nil
}

// AvailableWorkers 回傳 group 內具備所有 tags 的存活 worker，依 id 排序
func (r *Registry) AvailableWorkers(ctx context.Context, group string, tags []string) ([]types.Worker, error) {
	ids, err := r.client.ZRangeByScore(ctx, r.workersKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(r.cutoff(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.workerKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]types.Worker, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue // 記錄已過期
		}
		var w types.Worker
		if err := json.Unmarshal([]byte(s), &w); err != nil {
			r.log.Warnw("skipping malformed worker record", "workerId", ids[i], "error", err)
			continue
		}
		if group != "" && w.Group != group {
			continue
		}
		if !w.HasTags(tags) {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
