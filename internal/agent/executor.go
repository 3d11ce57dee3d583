package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/ChuLiYu/beaver-sched/internal/rpc"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// Executor 執行一個 Task，回傳寫回 broker 的結果字串
type Executor interface {
	Execute(ctx context.Context, req *rpc.DispatchRequest) (string, error)
}

// ExecutorFunc 讓函式實作 Executor
type ExecutorFunc func(ctx context.Context, req *rpc.DispatchRequest) (string, error)

// Execute 呼叫 f
func (f ExecutorFunc) Execute(ctx context.Context, req *rpc.DispatchRequest) (string, error) {
	return f(ctx, req)
}

// EchoExecutor 內建執行器，把參數原樣回傳。
// SPLIT Task 的結果是以逗號分隔的分片清單，broker 依此建立 MAP Task。
type EchoExecutor struct{}

// Execute 實作 Executor
func (EchoExecutor) Execute(ctx context.Context, req *rpc.DispatchRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch req.Type {
	case types.TaskSplit:
		var shards []string
		for _, s := range strings.Split(req.Params, ",") {
			if s = strings.TrimSpace(s); s != "" {
				shards = append(shards, s)
			}
		}
		return strings.Join(shards, ","), nil
	case types.TaskNormal, types.TaskBroadcast, types.TaskMap, types.TaskReduce, types.TaskSub:
		return req.Params, nil
	default:
		return "", fmt.Errorf("unsupported task type %q", req.Type)
	}
}
