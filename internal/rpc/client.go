package rpc

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// Client 依地址快取連線，broker 用來分派、worker 與 CLI 用來回報與觸發
type Client struct {
	self     string // 寫入 DispatchRequest.Broker
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewClient 建立客戶端；self 為本 broker 對外地址，worker 端可留空
func NewClient(self string, opts ...grpc.DialOption) *Client {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	return &Client{
		self:     self,
		dialOpts: append(dialOpts, opts...),
		conns:    make(map[string]*grpc.ClientConn),
	}
}

// conn 回傳 addr 的連線，不存在時建立
func (c *Client) conn(addr string) (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, c.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	c.conns[addr] = conn
	return conn, nil
}

func (c *Client) invoke(ctx context.Context, addr, method string, in, out any) error {
	conn, err := c.conn(addr)
	if err != nil {
		return err
	}
	return conn.Invoke(ctx, method, in, out)
}

// Send 分派 Task 給 worker
func (c *Client) Send(ctx context.Context, w types.Worker, task *types.Task) (bool, error) {
	out := new(DispatchResponse)
	if err := c.invoke(ctx, w.Address(), methodDispatch, NewDispatchRequest(task, c.self), out); err != nil {
		return false, err
	}
	return out.Accepted, nil
}

// Feedback 回報 Task 結果給 broker
func (c *Client) Feedback(ctx context.Context, broker string, req *FeedbackRequest) (*FeedbackResponse, error) {
	out := new(FeedbackResponse)
	if err := c.invoke(ctx, broker, methodFeedback, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// TriggerPlan 以 API 觸發計劃
func (c *Client) TriggerPlan(ctx context.Context, broker string, planID int64) (*TriggerPlanResponse, error) {
	out := new(TriggerPlanResponse)
	if err := c.invoke(ctx, broker, methodTriggerPlan, &TriggerPlanRequest{PlanID: planID}, out); err != nil {
		return nil, err
	}
	return out, nil
}

// TriggerJob 觸發等待 API 的任務節點
func (c *Client) TriggerJob(ctx context.Context, broker string, planInstanceID, jobID int64) (*TriggerJobResponse, error) {
	out := new(TriggerJobResponse)
	req := &TriggerJobRequest{PlanInstanceID: planInstanceID, JobID: jobID}
	if err := c.invoke(ctx, broker, methodTriggerJob, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close 關閉所有連線
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var first error
	for addr, conn := range c.conns {
		if err := conn.Close(); err != nil && first == nil {
			first = err
		}
		delete(c.conns, addr)
	}
	return first
}
