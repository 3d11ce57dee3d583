// ============================================================================
// Beaver-Sched RPC - 服務定義
// ============================================================================
//
// Package: internal/rpc
// 文件: service.go
// 功能: WorkerService 與 BrokerService 的 gRPC 服務描述，訊息以 JSON codec 編碼
//
//	WorkerService.Dispatch     broker → worker，送出 Task
//	BrokerService.Feedback     worker → broker，回報 Task 結果
//	BrokerService.TriggerPlan  CLI → broker，以 API 觸發計劃
//	BrokerService.TriggerJob   CLI → broker，觸發等待 API 的任務節點
//
// ============================================================================

package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// 服務名稱，也用於 grpc health 的 service 欄位
const (
	WorkerServiceName = "beaver.v1.WorkerService"
	BrokerServiceName = "beaver.v1.BrokerService"
)

const (
	methodDispatch    = "/" + WorkerServiceName + "/Dispatch"
	methodFeedback    = "/" + BrokerServiceName + "/Feedback"
	methodTriggerPlan = "/" + BrokerServiceName + "/TriggerPlan"
	methodTriggerJob  = "/" + BrokerServiceName + "/TriggerJob"
)

// WorkerServer worker 端實作
type WorkerServer interface {
	Dispatch(ctx context.Context, req *DispatchRequest) (*DispatchResponse, error)
}

// BrokerServer broker 端實作
type BrokerServer interface {
	Feedback(ctx context.Context, req *FeedbackRequest) (*FeedbackResponse, error)
	TriggerPlan(ctx context.Context, req *TriggerPlanRequest) (*TriggerPlanResponse, error)
	TriggerJob(ctx context.Context, req *TriggerJobRequest) (*TriggerJobResponse, error)
}

// RegisterWorkerServer 註冊 WorkerService
func RegisterWorkerServer(s grpc.ServiceRegistrar, srv WorkerServer) {
	s.RegisterService(&workerServiceDesc, srv)
}

// RegisterBrokerServer 註冊 BrokerService
func RegisterBrokerServer(s grpc.ServiceRegistrar, srv BrokerServer) {
	s.RegisterService(&brokerServiceDesc, srv)
}

var workerServiceDesc = grpc.ServiceDesc{
	ServiceName: WorkerServiceName,
	HandlerType: (*WorkerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Dispatch",
			Handler: unary(methodDispatch, func(srv any, ctx context.Context, req *DispatchRequest) (any, error) {
				return srv.(WorkerServer).Dispatch(ctx, req)
			}),
		},
	},
}

var brokerServiceDesc = grpc.ServiceDesc{
	ServiceName: BrokerServiceName,
	HandlerType: (*BrokerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Feedback",
			Handler: unary(methodFeedback, func(srv any, ctx context.Context, req *FeedbackRequest) (any, error) {
				return srv.(BrokerServer).Feedback(ctx, req)
			}),
		},
		{
			MethodName: "TriggerPlan",
			Handler: unary(methodTriggerPlan, func(srv any, ctx context.Context, req *TriggerPlanRequest) (any, error) {
				return srv.(BrokerServer).TriggerPlan(ctx, req)
			}),
		},
		{
			MethodName: "TriggerJob",
			Handler: unary(methodTriggerJob, func(srv any, ctx context.Context, req *TriggerJobRequest) (any, error) {
				return srv.(BrokerServer).TriggerJob(ctx, req)
			}),
		},
	},
}

// unary 產生 grpc.MethodDesc 的 handler，等同 protoc-gen-go-grpc 的輸出
func unary[Req any](fullMethod string, call func(srv any, ctx context.Context, req *Req) (any, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}
