package server

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/ChuLiYu/beaver-sched/internal/logging"
	"github.com/ChuLiYu/beaver-sched/internal/metrics"
	"github.com/ChuLiYu/beaver-sched/internal/rpc"
	"github.com/ChuLiYu/beaver-sched/internal/store"
	"github.com/ChuLiYu/beaver-sched/pkg/types"
)

// Lifecycle is the part of the scheduling state machine reachable over RPC.
type Lifecycle interface {
	Schedule(ctx context.Context, planID int64, version int, triggerAt time.Time, tt types.TriggerType) (*types.PlanInstance, error)
	TriggerJob(ctx context.Context, planInstanceID, jobID int64) (bool, error)
	HandleSuccess(ctx context.Context, taskID int64, result string) (bool, error)
	HandleFail(ctx context.Context, taskID int64, msg string) (bool, error)
}

// PlanReader resolves the current version of a plan for API triggers.
type PlanReader interface {
	GetPlan(ctx context.Context, planID int64) (*types.Plan, error)
}

// Options configures a Server.
type Options struct {
	Strategy Lifecycle
	Plans    PlanReader
	Clock    clockwork.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Collector
}

// Server implements the broker side of the RPC surface.
type Server struct {
	strategy Lifecycle
	plans    PlanReader
	clock    clockwork.Clock
	log      *zap.SugaredLogger
	metrics  *metrics.Collector
	health   *health.Server
}

// NewServer creates a broker server. It reports NOT_SERVING until SetServing(true).
func NewServer(opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	s := &Server{
		strategy: opts.Strategy,
		plans:    opts.Plans,
		clock:    opts.Clock,
		log:      logging.OrNop(opts.Logger).Named("server").Sugar(),
		metrics:  opts.Metrics,
		health:   health.NewServer(),
	}
	s.SetServing(false)
	return s
}

// Register attaches the broker service and the standard health service.
func (s *Server) Register(g grpc.ServiceRegistrar) {
	rpc.RegisterBrokerServer(g, s)
	healthpb.RegisterHealthServer(g, s.health)
}

// SetServing flips the health status reported for the broker service.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(rpc.BrokerServiceName, st)
}

// Shutdown marks every service NOT_SERVING so health probes fail before the listener closes.
func (s *Server) Shutdown() {
	s.health.Shutdown()
}

// Feedback handles a task result reported by a worker.
func (s *Server) Feedback(ctx context.Context, req *rpc.FeedbackRequest) (*rpc.FeedbackResponse, error) {
	if req.TaskID <= 0 {
		return nil, status.Error(codes.InvalidArgument, "task_id is required")
	}

	var (
		applied bool
		err     error
		outcome string
	)
	if req.Success {
		outcome = metrics.FeedbackSuccess
		applied, err = s.strategy.HandleSuccess(ctx, req.TaskID, req.Result)
	} else {
		outcome = metrics.FeedbackFail
		applied, err = s.strategy.HandleFail(ctx, req.TaskID, req.Error)
	}
	if err != nil {
		return nil, toStatus(err)
	}
	if !applied {
		outcome = metrics.FeedbackIgnored
	}
	s.metrics.RecordFeedback(outcome)
	s.log.Debugw("feedback received", "taskId", req.TaskID, "workerId", req.WorkerID, "success", req.Success, "applied", applied)
	return &rpc.FeedbackResponse{Applied: applied}, nil
}

// TriggerPlan fires the current version of a plan as an API trigger.
func (s *Server) TriggerPlan(ctx context.Context, req *rpc.TriggerPlanRequest) (*rpc.TriggerPlanResponse, error) {
	plan, err := s.plans.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, toStatus(err)
	}
	if !plan.Enabled {
		return nil, status.Errorf(codes.FailedPrecondition, "plan %d is disabled", plan.ID)
	}

	pi, err := s.strategy.Schedule(ctx, plan.ID, plan.CurrentVersion, s.clock.Now(), types.TriggerAPI)
	if err != nil {
		return nil, toStatus(err)
	}
	if pi == nil {
		return &rpc.TriggerPlanResponse{Triggered: false}, nil
	}
	s.log.Infow("plan triggered via api", "planId", plan.ID, "planInstanceId", pi.ID)
	return &rpc.TriggerPlanResponse{Triggered: true, PlanInstanceID: pi.ID}, nil
}

// TriggerJob starts a job node that waits for an API trigger.
func (s *Server) TriggerJob(ctx context.Context, req *rpc.TriggerJobRequest) (*rpc.TriggerJobResponse, error) {
	ok, err := s.strategy.TriggerJob(ctx, req.PlanInstanceID, req.JobID)
	if err != nil {
		return nil, toStatus(err)
	}
	return &rpc.TriggerJobResponse{Triggered: ok}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
