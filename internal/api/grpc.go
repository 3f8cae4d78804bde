package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"gpuminer/internal/log"
)

const controlService = "gpuminer.v1.Control"

// MinerService is the health service name of worker index.
func MinerService(index int) string { return fmt.Sprintf("gpuminer.miner.%d", index) }

// ControlServer is the gRPC control service.
type ControlServer interface {
	Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Pause(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
	Resume(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

type controlServer struct {
	farm Farm
}

func (s *controlServer) Stats(context.Context, *emptypb.Empty) (*structpb.Struct, error) {
	data, err := json.Marshal(s.farm.Stats())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode stats: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Errorf(codes.Internal, "encode stats: %v", err)
	}
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode stats: %v", err)
	}
	return st, nil
}

func (s *controlServer) Pause(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	s.farm.Pause()
	return &emptypb.Empty{}, nil
}

func (s *controlServer) Resume(context.Context, *emptypb.Empty) (*emptypb.Empty, error) {
	s.farm.Resume()
	return &emptypb.Empty{}, nil
}

func unaryHandler[Resp any](call func(ControlServer, context.Context, *emptypb.Empty) (Resp, error), method string) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(emptypb.Empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + controlService + "/" + method}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ControlServer), ctx, req.(*emptypb.Empty))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ControlServiceDesc describes gpuminer.v1.Control; its messages are the
// well-known Empty and Struct types.
var ControlServiceDesc = grpc.ServiceDesc{
	ServiceName: controlService,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Stats", Handler: unaryHandler(ControlServer.Stats, "Stats")},
		{MethodName: "Pause", Handler: unaryHandler(ControlServer.Pause, "Pause")},
		{MethodName: "Resume", Handler: unaryHandler(ControlServer.Resume, "Resume")},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gpuminer/v1/control.proto",
}

// ControlClient calls gpuminer.v1.Control.
type ControlClient struct {
	cc grpc.ClientConnInterface
}

func NewControlClient(cc grpc.ClientConnInterface) *ControlClient { return &ControlClient{cc: cc} }

func (c *ControlClient) Stats(ctx context.Context) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+controlService+"/Stats", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ControlClient) Pause(ctx context.Context) error {
	return c.cc.Invoke(ctx, "/"+controlService+"/Pause", &emptypb.Empty{}, new(emptypb.Empty))
}

func (c *ControlClient) Resume(ctx context.Context) error {
	return c.cc.Invoke(ctx, "/"+controlService+"/Resume", &emptypb.Empty{}, new(emptypb.Empty))
}

// GRPCServer serves health and control.
type GRPCServer struct {
	farm   Farm
	server *grpc.Server
	health *health.Server
}

func NewGRPCServer(f Farm, opts ...grpc.ServerOption) *GRPCServer {
	s := &GRPCServer{
		farm:   f,
		server: grpc.NewServer(opts...),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.server, s.health)
	s.server.RegisterService(&ControlServiceDesc, &controlServer{farm: f})
	reflection.Register(s.server)
	s.UpdateHealth()
	return s
}

// Server returns the underlying grpc.Server.
func (s *GRPCServer) Server() *grpc.Server { return s.server }

// UpdateHealth publishes every worker's health, and the farm's overall
// health under the empty service name.
func (s *GRPCServer) UpdateHealth() {
	stats := s.farm.Stats()
	overall := healthpb.HealthCheckResponse_SERVING
	if len(stats.Miners) == 0 {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	for _, m := range stats.Miners {
		st := healthpb.HealthCheckResponse_SERVING
		if !s.farm.Healthy(m.Index) {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			overall = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(MinerService(m.Index), st)
	}
	s.health.SetServingStatus("", overall)
}

// WatchHealth refreshes health every interval until ctx ends.
func (s *GRPCServer) WatchHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.UpdateHealth()
		}
	}
}

// Run serves on lis until ctx ends, refreshing health every interval.
func (s *GRPCServer) Run(ctx context.Context, lis net.Listener, interval time.Duration) error {
	go s.WatchHealth(ctx, interval)
	errc := make(chan error, 1)
	go func() { errc <- s.server.Serve(lis) }()
	log.ApisLog.Infof("gRPC API listening on %s", lis.Addr())
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	s.health.Shutdown()
	s.server.GracefulStop()
	return <-errc
}
